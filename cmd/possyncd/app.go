package main

import (
	"fmt"

	"github.com/xtxerr/possync/internal/archive"
	"github.com/xtxerr/possync/internal/events"
	"github.com/xtxerr/possync/internal/loader"
	"github.com/xtxerr/possync/internal/location"
	"github.com/xtxerr/possync/internal/source"
	"github.com/xtxerr/possync/internal/store"
	possync "github.com/xtxerr/possync/internal/sync"
)

// app is the wired component graph shared by all commands.
type app struct {
	cfg      *loader.Config
	store    *store.Store
	pool     *source.Pool
	orch     *possync.Orchestrator
	prober   *possync.StatusProber
	hub      *events.Hub
	archiver *archive.Archiver
}

// newApp opens the destination and wires the orchestrator. withEvents adds
// the WebSocket hub as an observer.
func newApp(cfg *loader.Config, withEvents bool) (*app, error) {
	st, err := store.New(cfg.StoreConfig())
	if err != nil {
		return nil, fmt.Errorf("open destination: %w", err)
	}

	a := &app{
		cfg:   cfg,
		store: st,
		pool:  source.NewPool(cfg.PoolConfig()),
	}

	var observers []possync.Observer
	if withEvents {
		a.hub = events.NewHub()
		observers = append(observers, a.hub)
	}
	if cfg.History.ArchiveDir != "" {
		a.archiver = archive.NewArchiver(cfg.History.ArchiveDir, cfg.ArchiveOptions())
		observers = append(observers, a.archiver)
	}

	a.orch, err = possync.NewOrchestrator(possync.Config{
		Sources:          cfg.ToSourceConfigs(),
		Pool:             a.pool,
		Writer:           st,
		History:          st,
		Resolver:         location.NewResolver(cfg.LocationTables()),
		Planner:          cfg.Planner(),
		UpsertTimeout:    cfg.Destination.UpsertTimeout.Duration(),
		LockWait:         cfg.Sync.LockWait.Duration(),
		MaxErrorMessages: cfg.Sync.MaxErrorMessages,
		Observers:        observers,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.prober = possync.NewStatusProber(a.orch)
	return a, nil
}

// Close waits for pending archive writes and closes connections.
func (a *app) Close() {
	if a.archiver != nil {
		a.archiver.Close()
	}
	if err := a.pool.Close(); err != nil {
		log.Warn("close source pool", "error", err)
	}
	if err := a.store.Close(); err != nil {
		log.Warn("close destination", "error", err)
	}
}
