package pulse

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EndpointCatalog lists the endpoints eligible for checking.
type EndpointCatalog interface {
	ListActiveEndpoints(ctx context.Context) ([]Endpoint, error)
}

// LatestCheckSource loads the most recent check time per endpoint.
type LatestCheckSource interface {
	LatestCheckTimes(ctx context.Context) (map[string]time.Time, error)
}

// LatestIndex caches the most recent check time per endpoint. Entries are
// keyed by endpoint so writers never contend across endpoints, and times
// only move forward.
type LatestIndex struct {
	source LatestCheckSource
	warm   atomic.Bool
	mu     sync.Mutex // serializes warm-up only
	last   sync.Map   // endpoint ID -> time.Time
}

// NewLatestIndex creates an index that warms itself from source on first use.
func NewLatestIndex(source LatestCheckSource) *LatestIndex {
	return &LatestIndex{source: source}
}

// Warm loads the index from its source if it has not been loaded yet.
func (x *LatestIndex) Warm(ctx context.Context) error {
	if x.warm.Load() {
		return nil
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	if x.warm.Load() {
		return nil
	}
	if x.source != nil {
		times, err := x.source.LatestCheckTimes(ctx)
		if err != nil {
			return fmt.Errorf("load latest check times: %w", err)
		}
		for id, t := range times {
			x.Record(id, t)
		}
	}
	x.warm.Store(true)
	return nil
}

// Record notes a check for endpointID at t, ignoring older timestamps.
func (x *LatestIndex) Record(endpointID string, t time.Time) {
	for {
		prev, loaded := x.last.LoadOrStore(endpointID, t)
		if !loaded {
			return
		}
		if !t.After(prev.(time.Time)) {
			return
		}
		if x.last.CompareAndSwap(endpointID, prev, t) {
			return
		}
	}
}

// Last returns the most recent check time for endpointID.
func (x *LatestIndex) Last(endpointID string) (time.Time, bool) {
	v, ok := x.last.Load(endpointID)
	if !ok {
		return time.Time{}, false
	}
	return v.(time.Time), true
}

// DueSet selects the endpoints that need a check at a given instant.
type DueSet struct {
	catalog EndpointCatalog
	index   *LatestIndex
}

// NewDueSet creates a DueSet over the catalog and latest-check index.
func NewDueSet(catalog EndpointCatalog, index *LatestIndex) *DueSet {
	return &DueSet{catalog: catalog, index: index}
}

// DueEndpoints returns active endpoints that have never been checked or
// whose interval has elapsed since their last check. Errors loading the
// catalog or the index are returned unchanged in meaning.
func (d *DueSet) DueEndpoints(ctx context.Context, now time.Time) ([]Endpoint, error) {
	if err := d.index.Warm(ctx); err != nil {
		return nil, err
	}
	endpoints, err := d.catalog.ListActiveEndpoints(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active endpoints: %w", err)
	}

	due := make([]Endpoint, 0, len(endpoints))
	for i := range endpoints {
		last, ok := d.index.Last(endpoints[i].ID)
		if IsDue(&endpoints[i], last, ok, now) {
			due = append(due, endpoints[i])
		}
	}
	return due, nil
}

// IsDue is the binary due test for a single endpoint.
func IsDue(e *Endpoint, last time.Time, hasLast bool, now time.Time) bool {
	if !e.Active {
		return false
	}
	if !hasLast {
		return true
	}
	return !now.Before(last.Add(e.Interval()))
}
