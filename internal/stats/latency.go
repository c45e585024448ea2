// Package stats keeps latency distributions for sync operations.
package stats

import (
	"math"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"
)

// relativeAccuracy of the percentile sketches (1%).
const relativeAccuracy = 0.01

// Latency maintains running statistics for one kind of call, such as the
// source queries of a table. Percentiles come from a DDSketch.
//
// Latency is safe for concurrent use.
type Latency struct {
	mu sync.Mutex

	count int64
	sum   float64
	min   float64
	max   float64

	// nil if the sketch could not be created
	sketch *ddsketch.DDSketch
}

// NewLatency creates an empty latency aggregate.
func NewLatency() *Latency {
	l := &Latency{
		min: math.MaxFloat64,
		max: -math.MaxFloat64,
	}
	if sketch, err := ddsketch.NewDefaultDDSketch(relativeAccuracy); err == nil {
		l.sketch = sketch
	}
	return l
}

// Observe adds one call duration.
func (l *Latency) Observe(d time.Duration) {
	ms := float64(d) / float64(time.Millisecond)
	if ms < 0 {
		ms = 0
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count++
	l.sum += ms
	if ms < l.min {
		l.min = ms
	}
	if ms > l.max {
		l.max = ms
	}
	if l.sketch != nil {
		l.sketch.Add(ms)
	}
}

// Count returns the number of observed calls.
func (l *Latency) Count() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Merge folds other into l.
func (l *Latency) Merge(other *Latency) {
	if other == nil || other == l {
		return
	}

	other.mu.Lock()
	defer other.mu.Unlock()
	if other.count == 0 {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.count += other.count
	l.sum += other.sum
	if other.min < l.min {
		l.min = other.min
	}
	if other.max > l.max {
		l.max = other.max
	}
	if l.sketch != nil && other.sketch != nil {
		l.sketch.MergeWith(other.sketch)
	}
}

// Summary is a latency snapshot in milliseconds.
type Summary struct {
	Count int64   `json:"count"`
	Avg   float64 `json:"avgMs"`
	Min   float64 `json:"minMs"`
	Max   float64 `json:"maxMs"`
	P50   float64 `json:"p50Ms"`
	P95   float64 `json:"p95Ms"`
	P99   float64 `json:"p99Ms"`
}

// Summary returns the current snapshot. An empty aggregate yields zeros.
func (l *Latency) Summary() Summary {
	l.mu.Lock()
	defer l.mu.Unlock()

	s := Summary{Count: l.count}
	if l.count == 0 {
		return s
	}

	s.Avg = round(l.sum / float64(l.count))
	s.Min = round(l.min)
	s.Max = round(l.max)

	if l.sketch != nil {
		p50, _ := l.sketch.GetValueAtQuantile(0.50)
		p95, _ := l.sketch.GetValueAtQuantile(0.95)
		p99, _ := l.sketch.GetValueAtQuantile(0.99)
		s.P50, s.P95, s.P99 = round(p50), round(p95), round(p99)
	}
	return s
}

// round keeps three decimals (microsecond resolution).
func round(ms float64) float64 {
	return math.Round(ms*1000) / 1000
}

// =============================================================================
// Table Recorder
// =============================================================================

// TableRecorder collects the query and upsert latencies of one table sync.
type TableRecorder struct {
	Query  *Latency
	Upsert *Latency
}

// NewTableRecorder creates a recorder with empty aggregates.
func NewTableRecorder() *TableRecorder {
	return &TableRecorder{
		Query:  NewLatency(),
		Upsert: NewLatency(),
	}
}

// TableLatency is the serialized form of a TableRecorder.
type TableLatency struct {
	Query  Summary `json:"query"`
	Upsert Summary `json:"upsert"`
}

// Snapshot returns both summaries.
func (r *TableRecorder) Snapshot() TableLatency {
	return TableLatency{
		Query:  r.Query.Summary(),
		Upsert: r.Upsert.Summary(),
	}
}
