// Package location maps source-local location codes to location names.
package location

import (
	"fmt"
	"sync"
)

// Resolver resolves (source, code) pairs against static per-source tables.
//
// Tables are loaded once at startup. Names read from a source's own
// locations table are added with Learn and kept for the life of the
// Resolver, so runs that skip the locations table still resolve them.
// A later Learn of the same code replaces the name. Learned names take
// precedence over synthesized labels, never over configured names.
//
// Resolver is safe for concurrent use.
type Resolver struct {
	static map[string]map[int64]string

	mu      sync.RWMutex
	learned map[string]map[int64]string
}

// NewResolver creates a resolver from per-source code→name tables.
func NewResolver(tables map[string]map[int64]string) *Resolver {
	static := make(map[string]map[int64]string, len(tables))
	for src, codes := range tables {
		m := make(map[int64]string, len(codes))
		for code, name := range codes {
			m[code] = name
		}
		static[src] = m
	}
	return &Resolver{
		static:  static,
		learned: make(map[string]map[int64]string),
	}
}

// Resolve returns the name of a location code. It never fails: unknown
// codes become "Location {code}".
func (r *Resolver) Resolve(sourceID string, code int64) string {
	if name, ok := r.static[sourceID][code]; ok {
		return name
	}

	r.mu.RLock()
	name, ok := r.learned[sourceID][code]
	r.mu.RUnlock()
	if ok {
		return name
	}
	return Synthesize(code)
}

// Known reports whether a code has a configured or learned name.
func (r *Resolver) Known(sourceID string, code int64) bool {
	if _, ok := r.static[sourceID][code]; ok {
		return true
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.learned[sourceID][code]
	return ok
}

// Learn records a name read from the source's own locations table.
// Empty names are ignored.
func (r *Resolver) Learn(sourceID string, code int64, name string) {
	if name == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	m, ok := r.learned[sourceID]
	if !ok {
		m = make(map[int64]string)
		r.learned[sourceID] = m
	}
	m[code] = name
}

// Synthesize returns the label used for unknown location codes.
func Synthesize(code int64) string {
	return fmt.Sprintf("Location %d", code)
}
