// Package scheduler provides heap-based periodic triggering of sync runs.
//
// The scheduler uses a min-heap keyed by the next due time of each entry.
// Workers execute due entries through a RunFunc; an entry is out of the
// heap while it runs, so it never overlaps itself.
//
// Key features:
//   - O(log n) add/remove operations
//   - Jitter on the first run to spread entries added together
//   - Backpressure handling when workers are busy
//   - Graceful shutdown with drain timeout
package scheduler

import (
	"container/heap"
	"context"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/possync/config"
	"github.com/xtxerr/possync/internal/logging"
	possync "github.com/xtxerr/possync/internal/sync"
)

var log = logging.Component("scheduler")

// =============================================================================
// Types
// =============================================================================

// Entry is one configured schedule.
type Entry struct {
	// Name identifies the entry and is recorded as the run trigger.
	Name     string
	Request  possync.Request
	Interval time.Duration
}

// Trigger returns the trigger recorded on runs started by this entry.
func (e Entry) Trigger() string {
	return "schedule:" + e.Name
}

// RunFunc executes one scheduled run.
type RunFunc func(ctx context.Context, e Entry) error

// item is an entry in the scheduler heap.
type item struct {
	entry   Entry
	nextRun time.Time
	running bool
	deleted bool
	index   int
}

// =============================================================================
// Heap Implementation
// =============================================================================

type runHeap []*item

func (h runHeap) Len() int { return len(h) }

func (h runHeap) Less(i, j int) bool {
	return h[i].nextRun.Before(h[j].nextRun)
}

func (h runHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *runHeap) Push(x any) {
	it := x.(*item)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *runHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h runHeap) peek() *item {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}

// =============================================================================
// Scheduler Configuration
// =============================================================================

// BackpressureDelay is how far a due entry is pushed back when every
// worker is busy.
const BackpressureDelay = time.Second

// Config holds scheduler configuration.
type Config struct {
	// Workers is the number of concurrent runs.
	Workers int

	// TickInterval is how often the scheduler checks for due entries.
	TickInterval time.Duration

	// DrainTimeout is how long Stop waits for in-flight runs before
	// cancelling them.
	DrainTimeout time.Duration

	// Jitter delays the first run of an entry by up to one interval.
	Jitter bool
}

// DefaultConfig returns default scheduler configuration.
func DefaultConfig() *Config {
	return &Config{
		Workers:      config.DefaultSchedulerWorkers,
		TickInterval: config.DefaultSchedulerTickInterval,
		DrainTimeout: config.DefaultDrainTimeout,
		Jitter:       true,
	}
}

// =============================================================================
// Scheduler
// =============================================================================

// Scheduler triggers sync runs periodically.
//
// Scheduler is safe for concurrent use.
type Scheduler struct {
	mu      sync.Mutex
	heap    runHeap
	byName  map[string]*item
	started bool

	jobs chan Entry
	run  RunFunc

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	wg       sync.WaitGroup
	wakeup   chan struct{}

	workers      int
	tickInterval time.Duration
	drainTimeout time.Duration
	jitter       bool

	// Metrics
	backpressure atomic.Int64
	runsStarted  atomic.Int64
	runsFailed   atomic.Int64
	active       atomic.Int32
}

// New creates a Scheduler executing due entries with run.
func New(cfg *Config, run RunFunc) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = config.DefaultSchedulerWorkers
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.DefaultSchedulerTickInterval
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = config.DefaultDrainTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		heap:         make(runHeap, 0),
		byName:       make(map[string]*item),
		jobs:         make(chan Entry, cfg.Workers),
		run:          run,
		ctx:          ctx,
		cancel:       cancel,
		shutdown:     make(chan struct{}),
		wakeup:       make(chan struct{}, 1),
		workers:      cfg.Workers,
		tickInterval: cfg.TickInterval,
		drainTimeout: cfg.DrainTimeout,
		jitter:       cfg.Jitter,
	}
}

// =============================================================================
// Lifecycle
// =============================================================================

// Start starts the workers and the schedule loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.started = true
	s.mu.Unlock()

	for i := 0; i < s.workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.scheduleLoop()

	log.Info("scheduler started", "workers", s.workers, "entries", s.Count())
}

// Stop stops the scheduler, waiting up to the drain timeout for in-flight
// runs. Runs still going after that are cancelled.
func (s *Scheduler) Stop() {
	s.StopWithContext(context.Background())
}

// StopWithContext stops the scheduler with a custom context.
// The drain timeout from config is still respected as a maximum.
func (s *Scheduler) StopWithContext(ctx context.Context) {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		s.cancel()
		return
	}
	s.started = false
	s.mu.Unlock()

	log.Info("scheduler stopping")
	close(s.shutdown)

	drainCtx, cancel := context.WithTimeout(ctx, s.drainTimeout)
	defer cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info("scheduler stopped gracefully")
	case <-drainCtx.Done():
		log.Warn("scheduler drain timeout, cancelling runs", "active", s.active.Load())
		s.cancel()
		<-done
	}
	s.cancel()
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.Start()
	<-ctx.Done()
	s.Stop()
	return nil
}

// =============================================================================
// Entry Management
// =============================================================================

// Add schedules an entry. Names must be unique.
func (s *Scheduler) Add(e Entry) error {
	if e.Name == "" {
		return fmt.Errorf("schedule entry without name")
	}
	if e.Interval <= 0 {
		return fmt.Errorf("schedule %s: interval must be positive", e.Name)
	}

	first := e.Interval
	if s.jitter {
		first = time.Duration(rand.Int63n(int64(e.Interval)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byName[e.Name]; ok {
		return fmt.Errorf("schedule %s already exists", e.Name)
	}

	it := &item{entry: e, nextRun: time.Now().Add(first)}
	heap.Push(&s.heap, it)
	s.byName[e.Name] = it
	s.signalWakeup()

	log.Debug("schedule added", "name", e.Name, "interval", e.Interval, "first_run", it.nextRun)
	return nil
}

// Remove unschedules an entry. A running entry finishes and is then dropped.
func (s *Scheduler) Remove(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byName[name]
	if !ok {
		return
	}
	it.deleted = true

	if !it.running {
		if it.index >= 0 {
			heap.Remove(&s.heap, it.index)
		}
		delete(s.byName, name)
	}

	log.Debug("schedule removed", "name", name, "was_running", it.running)
}

// Contains returns true if the entry is scheduled.
func (s *Scheduler) Contains(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byName[name]
	return ok && !it.deleted
}

// =============================================================================
// Schedule Loop
// =============================================================================

func (s *Scheduler) scheduleLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.processDue()
		case <-s.wakeup:
			s.processDue()
		case <-s.shutdown:
			return
		}
	}
}

func (s *Scheduler) processDue() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.heap.Len() > 0 {
		next := s.heap.peek()
		if next.nextRun.After(now) {
			break
		}

		it := heap.Pop(&s.heap).(*item)
		if it.deleted {
			delete(s.byName, it.entry.Name)
			continue
		}

		it.running = true
		select {
		case s.jobs <- it.entry:
		default:
			it.nextRun = now.Add(BackpressureDelay)
			it.running = false
			heap.Push(&s.heap, it)
			s.backpressure.Add(1)
			return
		}
	}
}

// markComplete reschedules an entry one interval after its run ended.
func (s *Scheduler) markComplete(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byName[name]
	if !ok {
		return
	}
	if it.deleted {
		delete(s.byName, name)
		return
	}

	it.running = false
	it.nextRun = time.Now().Add(it.entry.Interval)
	heap.Push(&s.heap, it)
	s.signalWakeup()
}

// =============================================================================
// Worker
// =============================================================================

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case e := <-s.jobs:
			s.execute(e)
			s.markComplete(e.Name)
		case <-s.shutdown:
			return
		}
	}
}

// execute runs one entry with panic recovery.
func (s *Scheduler) execute(e Entry) {
	s.active.Add(1)
	s.runsStarted.Add(1)
	start := time.Now()

	defer func() {
		s.active.Add(-1)
		if r := recover(); r != nil {
			s.runsFailed.Add(1)
			log.Error("panic in scheduled run", "name", e.Name, "panic", r)
		}
	}()

	if s.run == nil {
		return
	}

	if err := s.run(s.ctx, e); err != nil {
		s.runsFailed.Add(1)
		log.Warn("scheduled run failed", "name", e.Name, "error", err, "duration", time.Since(start))
		return
	}
	log.Debug("scheduled run completed", "name", e.Name, "duration", time.Since(start))
}

// =============================================================================
// Utility Methods
// =============================================================================

func (s *Scheduler) signalWakeup() {
	select {
	case s.wakeup <- struct{}{}:
	default:
	}
}

// Stats holds scheduler counters.
type Stats struct {
	Entries      int   `json:"entries"`
	Active       int   `json:"active"`
	RunsStarted  int64 `json:"runsStarted"`
	RunsFailed   int64 `json:"runsFailed"`
	Backpressure int64 `json:"backpressure"`
}

// Stats returns scheduler statistics.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Entries:      s.Count(),
		Active:       int(s.active.Load()),
		RunsStarted:  s.runsStarted.Load(),
		RunsFailed:   s.runsFailed.Load(),
		Backpressure: s.backpressure.Load(),
	}
}

// NextRun returns the next due time of an entry. A running entry has none.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	it, ok := s.byName[name]
	if !ok || it.deleted || it.running {
		return time.Time{}, false
	}
	return it.nextRun, true
}

// Count returns the number of scheduled entries.
func (s *Scheduler) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, it := range s.byName {
		if !it.deleted {
			n++
		}
	}
	return n
}
