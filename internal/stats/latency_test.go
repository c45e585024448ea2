package stats

import (
	"math"
	"sync"
	"testing"
	"time"
)

func TestLatency_Empty(t *testing.T) {
	s := NewLatency().Summary()
	if s != (Summary{}) {
		t.Errorf("empty Summary = %+v, want zero", s)
	}
}

func TestLatency_Percentiles(t *testing.T) {
	l := NewLatency()
	for i := 1; i <= 100; i++ {
		l.Observe(time.Duration(i) * time.Millisecond)
	}

	s := l.Summary()
	if s.Count != 100 {
		t.Fatalf("Count = %d, want 100", s.Count)
	}
	if s.Min != 1 || s.Max != 100 {
		t.Errorf("Min/Max = %v/%v, want 1/100", s.Min, s.Max)
	}
	if s.Avg != 50.5 {
		t.Errorf("Avg = %v, want 50.5", s.Avg)
	}

	// DDSketch guarantees 1% relative accuracy
	checks := []struct {
		name      string
		got, want float64
	}{
		{"p50", s.P50, 50},
		{"p95", s.P95, 95},
		{"p99", s.P99, 99},
	}
	for _, c := range checks {
		if math.Abs(c.got-c.want)/c.want > 0.02 {
			t.Errorf("%s = %v, want ~%v", c.name, c.got, c.want)
		}
	}
}

func TestLatency_Merge(t *testing.T) {
	a := NewLatency()
	b := NewLatency()
	a.Observe(10 * time.Millisecond)
	b.Observe(30 * time.Millisecond)
	b.Observe(50 * time.Millisecond)

	a.Merge(b)
	a.Merge(nil)
	a.Merge(a)

	s := a.Summary()
	if s.Count != 3 {
		t.Fatalf("Count = %d, want 3", s.Count)
	}
	if s.Min != 10 || s.Max != 50 || s.Avg != 30 {
		t.Errorf("Summary = %+v", s)
	}
}

func TestLatency_Concurrent(t *testing.T) {
	l := NewLatency()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				l.Observe(time.Millisecond)
			}
		}()
	}
	wg.Wait()

	if l.Count() != 800 {
		t.Errorf("Count = %d, want 800", l.Count())
	}
}

func TestTableRecorder_Snapshot(t *testing.T) {
	r := NewTableRecorder()
	r.Query.Observe(2 * time.Millisecond)
	r.Upsert.Observe(time.Millisecond)
	r.Upsert.Observe(time.Millisecond)

	snap := r.Snapshot()
	if snap.Query.Count != 1 || snap.Upsert.Count != 2 {
		t.Errorf("Snapshot = %+v", snap)
	}
}
