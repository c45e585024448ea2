package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/logging"
	"github.com/xtxerr/possync/internal/transform"
)

var log = logging.Component("source")

// =============================================================================
// Pool Configuration
// =============================================================================

// PoolConfig holds pool-wide timeouts.
type PoolConfig struct {
	// ConnectTimeout bounds opening and pinging a connection.
	ConnectTimeout time.Duration

	// QueryTimeout bounds every single query.
	QueryTimeout time.Duration

	// ConnMaxLifetime recycles idle source connections.
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		ConnectTimeout:  config.DefaultConnectTimeout,
		QueryTimeout:    config.DefaultQueryTimeout,
		ConnMaxLifetime: 10 * time.Minute,
	}
}

// =============================================================================
// Pool
// =============================================================================

// Pool owns one database/sql pool per source, opened lazily.
//
// Pool is safe for concurrent use.
type Pool struct {
	cfg PoolConfig

	mu     sync.Mutex
	dbs    map[string]*sql.DB
	closed bool
}

// NewPool creates an empty pool.
func NewPool(cfg PoolConfig) *Pool {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = config.DefaultConnectTimeout
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = config.DefaultQueryTimeout
	}
	return &Pool{
		cfg: cfg,
		dbs: make(map[string]*sql.DB),
	}
}

// Acquire returns an exclusive connection to the source. The caller must
// Release it; WithConn does that automatically.
//
// Every failure is a connection error scoped to src.
func (p *Pool) Acquire(ctx context.Context, src *Config) (*Conn, error) {
	db, err := p.database(src)
	if err != nil {
		return nil, errors.NewConnection(src.ID, err)
	}

	ctx, cancel := context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	defer cancel()

	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, errors.NewConnection(src.ID, err)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, errors.NewConnection(src.ID, err)
	}

	return &Conn{
		conn:         conn,
		src:          src,
		queryTimeout: p.cfg.QueryTimeout,
	}, nil
}

// WithConn acquires a connection, runs fn and releases the connection on
// every exit path.
func (p *Pool) WithConn(ctx context.Context, src *Config, fn func(*Conn) error) (err error) {
	conn, err := p.Acquire(ctx, src)
	if err != nil {
		return err
	}
	defer func() {
		if rerr := conn.Release(); rerr != nil {
			log.Warn("release connection", "source", src.ID, "error", rerr)
		}
	}()
	return fn(conn)
}

// Close closes every source pool.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	for id, db := range p.dbs {
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", id, err))
		}
		delete(p.dbs, id)
	}
	return errors.Join(errs...)
}

func (p *Pool) database(src *Config) (*sql.DB, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil, fmt.Errorf("pool closed")
	}
	if db, ok := p.dbs[src.ID]; ok {
		return db, nil
	}

	dsn, err := src.DataSourceName(p.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(src.Driver.sqlDriver(), dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	maxConns := src.MaxConnections
	if maxConns <= 0 {
		maxConns = config.DefaultMaxConnections
	}
	db.SetMaxOpenConns(maxConns)
	db.SetMaxIdleConns(maxConns)
	if p.cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(p.cfg.ConnMaxLifetime)
	}

	p.dbs[src.ID] = db
	log.Debug("opened source pool", "source", src.ID, "driver", src.Driver, "max_connections", maxConns)
	return db, nil
}

// =============================================================================
// Conn
// =============================================================================

// Conn is one exclusive connection to a source.
type Conn struct {
	conn         *sql.Conn
	src          *Config
	queryTimeout time.Duration

	mu       sync.Mutex
	released bool
}

// Source returns the source the connection belongs to.
func (c *Conn) Source() *Config {
	return c.src
}

// Query runs a query bounded by the query timeout and returns all rows.
// Column names are lower-cased and []byte values become strings.
func (c *Conn) Query(ctx context.Context, query string, args ...any) ([]transform.Row, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	rows, err := c.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("columns: %w", err)
	}
	for i := range cols {
		cols[i] = strings.ToLower(cols[i])
	}

	var out []transform.Row
	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}

	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		row := make(transform.Row, len(cols))
		for i, col := range cols {
			if b, ok := values[i].([]byte); ok {
				row[col] = string(b)
			} else {
				row[col] = values[i]
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of live rows of a source table.
func (c *Conn) Count(ctx context.Context, table, deletedColumn string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()

	var n int64
	q := fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s = 0", table, deletedColumn)
	if err := c.conn.QueryRowContext(ctx, q).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// HealthCheck pings the source.
func (c *Conn) HealthCheck(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.queryTimeout)
	defer cancel()
	return c.conn.PingContext(ctx) == nil
}

// Release returns the connection to its pool. It is safe to call twice.
func (c *Conn) Release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.released {
		return nil
	}
	c.released = true
	return c.conn.Close()
}
