package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"

	"github.com/xtxerr/possync/config"
	possync "github.com/xtxerr/possync/internal/sync"
)

// ErrWriterClosed is returned when writing to a closed writer.
var ErrWriterClosed = errors.New("parquet writer is closed")

// =============================================================================
// Options
// =============================================================================

// Options configures the Parquet writer.
type Options struct {
	Compression CompressionType

	// RowGroupSize is the number of rows buffered before a row group is
	// flushed.
	RowGroupSize int
}

// CompressionType represents a Parquet compression algorithm.
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionSnappy
	CompressionZstd
	CompressionGzip
)

// DefaultOptions returns default Parquet options.
func DefaultOptions() Options {
	return Options{
		Compression:  CompressionZstd,
		RowGroupSize: config.DefaultParquetRowGroupSize,
	}
}

// ParseCompressionType parses a compression type string.
func ParseCompressionType(s string) CompressionType {
	switch s {
	case "snappy":
		return CompressionSnappy
	case "gzip":
		return CompressionGzip
	case "none":
		return CompressionNone
	default:
		return CompressionZstd
	}
}

func (ct CompressionType) codec() compress.Codec {
	switch ct {
	case CompressionSnappy:
		return &parquet.Snappy
	case CompressionZstd:
		return &parquet.Zstd
	case CompressionGzip:
		return &parquet.Gzip
	default:
		return &parquet.Uncompressed
	}
}

// =============================================================================
// Writer
// =============================================================================

// Writer writes SyncRuns to one Parquet file.
type Writer struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	writer   *parquet.GenericWriter[ResultRow]
	groupMax int
	buffered int
	rowCount int64
	closed   bool
}

// NewWriter creates the file and its parent directory.
func NewWriter(path string, opts Options) (*Writer, error) {
	if opts.RowGroupSize <= 0 {
		opts.RowGroupSize = config.DefaultParquetRowGroupSize
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}

	return &Writer{
		path:     path,
		file:     f,
		writer:   parquet.NewGenericWriter[ResultRow](f, parquet.Compression(opts.Compression.codec())),
		groupMax: opts.RowGroupSize,
	}, nil
}

// Write appends runs to the file.
func (w *Writer) Write(runs ...*possync.SyncRun) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWriterClosed
	}

	for _, run := range runs {
		rows := RunToRows(run)
		n, err := w.writer.Write(rows)
		if err != nil {
			return fmt.Errorf("write run %s: %w", run.ID, err)
		}
		w.rowCount += int64(n)
		w.buffered += n

		if w.buffered >= w.groupMax {
			if err := w.writer.Flush(); err != nil {
				return fmt.Errorf("flush row group: %w", err)
			}
			w.buffered = 0
		}
	}
	return nil
}

// Close flushes and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.writer.Close(); err != nil {
		w.file.Close()
		return fmt.Errorf("close writer: %w", err)
	}
	return w.file.Close()
}

// RowCount returns the number of rows written.
func (w *Writer) RowCount() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.rowCount
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// =============================================================================
// Reader
// =============================================================================

// ReadFile reads every run stored in a Parquet file.
func ReadFile(path string) ([]*possync.SyncRun, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	reader := parquet.NewGenericReader[ResultRow](f)
	defer reader.Close()

	rows := make([]ResultRow, reader.NumRows())
	n, err := reader.Read(rows)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("read rows: %w", err)
	}
	return RowsToRuns(rows[:n]), nil
}

// =============================================================================
// Export
// =============================================================================

// Export writes runs to a single file and returns the number of rows.
func Export(path string, runs []*possync.SyncRun, opts Options) (int64, error) {
	w, err := NewWriter(path, opts)
	if err != nil {
		return 0, err
	}
	if err := w.Write(runs...); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.RowCount(), nil
}
