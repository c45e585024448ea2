package sync

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/xtxerr/possync/internal/errors"
	"github.com/xtxerr/possync/internal/source"
	"github.com/xtxerr/possync/internal/transform"
)

// SourceStatus is the connectivity probe result of one source.
type SourceStatus struct {
	DatabaseID  string           `json:"databaseId"`
	Name        string           `json:"name"`
	Success     bool             `json:"success"`
	Connected   bool             `json:"connected"`
	TableCounts map[string]int64 `json:"tableCounts"`
	Errors      []string         `json:"errors,omitempty"`
}

// StatusProber probes sources for connectivity and live row counts.
// Concurrent probes of the same source share one round trip.
type StatusProber struct {
	orch  *Orchestrator
	group singleflight.Group
}

// NewStatusProber creates a prober over the orchestrator's sources.
func NewStatusProber(o *Orchestrator) *StatusProber {
	return &StatusProber{orch: o}
}

// Status probes every source, one at a time.
func (p *StatusProber) Status(ctx context.Context) []*SourceStatus {
	out := make([]*SourceStatus, 0, len(p.orch.sources))
	for _, src := range p.orch.sources {
		out = append(out, p.Probe(ctx, src))
	}
	return out
}

// Probe probes one source. A caller that gives up gets a failed status
// without affecting other callers sharing the probe.
func (p *StatusProber) Probe(ctx context.Context, src *source.Config) *SourceStatus {
	select {
	case r := <-p.shared(ctx, src):
		return r.Val.(*SourceStatus)
	case <-ctx.Done():
		return &SourceStatus{
			DatabaseID:  src.ID,
			Name:        src.DisplayName(),
			TableCounts: make(map[string]int64),
			Errors:      []string{errors.NewConnection(src.ID, ctx.Err()).Error()},
		}
	}
}

// shared joins or starts the probe of src. The probe runs detached from
// the caller; every step is bounded by the pool's connect and query
// timeouts.
func (p *StatusProber) shared(ctx context.Context, src *source.Config) <-chan singleflight.Result {
	detached := context.WithoutCancel(ctx)
	return p.group.DoChan(src.ID, func() (interface{}, error) {
		return p.probe(detached, src), nil
	})
}

func (p *StatusProber) probe(ctx context.Context, src *source.Config) *SourceStatus {
	st := &SourceStatus{
		DatabaseID:  src.ID,
		Name:        src.DisplayName(),
		TableCounts: make(map[string]int64),
	}

	if !src.HasCredentials() {
		st.Errors = append(st.Errors, errors.NewConnection(src.ID, errors.New("missing credentials")).Error())
		return st
	}

	err := p.orch.pool.WithConn(ctx, src, func(conn *source.Conn) error {
		st.Connected = conn.HealthCheck(ctx)
		if !st.Connected {
			return errors.NewConnection(src.ID, errors.New("health check failed"))
		}
		for _, table := range transform.Tables() {
			e, _ := transform.Lookup(table)
			m := src.Mapping(table)
			n, err := conn.Count(ctx, m.SourceTable(e), m.Column(transform.ColumnDeleted))
			if err != nil {
				st.Errors = append(st.Errors, errors.NewQuery(table, err).Error())
				continue
			}
			st.TableCounts[table] = n
		}
		return nil
	})
	if err != nil {
		st.Errors = append(st.Errors, err.Error())
	}

	st.Success = st.Connected && len(st.Errors) == 0
	return st
}
