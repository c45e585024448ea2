package archive

import (
	"fmt"
	"path/filepath"
	"sync"

	"github.com/xtxerr/possync/internal/logging"
	possync "github.com/xtxerr/possync/internal/sync"
)

var log = logging.Component("archive")

// Archiver writes every finalized run to <dir>/runs-<runId>.parquet.
//
// It is a sync Observer. Files are written in the background so the
// orchestrator is never held up; Close waits for pending writes.
type Archiver struct {
	dir  string
	opts Options

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewArchiver creates an archiver for dir.
func NewArchiver(dir string, opts Options) *Archiver {
	return &Archiver{dir: dir, opts: opts}
}

// Path returns the archive file of a run.
func (a *Archiver) Path(runID string) string {
	return filepath.Join(a.dir, fmt.Sprintf("runs-%s.parquet", runID))
}

func (a *Archiver) OnRunStarted(*possync.SyncRun) {}

func (a *Archiver) OnTableSynced(*possync.SyncRun, *possync.TableSyncResult) {}

// OnRunFinished archives the run.
func (a *Archiver) OnRunFinished(run *possync.SyncRun) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		path := a.Path(run.ID)
		if _, err := Export(path, []*possync.SyncRun{run}, a.opts); err != nil {
			log.Error("archive run failed", "run", run.ID, "path", path, "error", err)
			return
		}
		log.Debug("run archived", "run", run.ID, "path", path)
	}()
}

// Close waits for pending writes. Runs finished afterwards are ignored.
func (a *Archiver) Close() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()

	a.wg.Wait()
	return nil
}
