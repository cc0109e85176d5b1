package pulse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeCatalog struct {
	endpoints []Endpoint
	err       error
}

func (f *fakeCatalog) ListActiveEndpoints(_ context.Context) ([]Endpoint, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []Endpoint
	for _, e := range f.endpoints {
		if e.Active {
			out = append(out, e)
		}
	}
	return out, nil
}

type fakeLatest struct {
	times map[string]time.Time
	err   error
	calls int
}

func (f *fakeLatest) LatestCheckTimes(_ context.Context) (map[string]time.Time, error) {
	f.calls++
	return f.times, f.err
}

func dueIDs(eps []Endpoint) map[string]bool {
	out := make(map[string]bool, len(eps))
	for _, e := range eps {
		out[e.ID] = true
	}
	return out
}

func TestDueSet_NoPriorResultAlwaysDue(t *testing.T) {
	catalog := &fakeCatalog{endpoints: []Endpoint{
		{ID: "a", IntervalSeconds: 60, Active: true},
		{ID: "b", IntervalSeconds: 3600, Active: true},
	}}
	ds := NewDueSet(catalog, NewLatestIndex(&fakeLatest{}))

	for _, now := range []time.Time{time.Unix(0, 0), fixedNow, fixedNow.Add(1000 * time.Hour)} {
		due, err := ds.DueEndpoints(context.Background(), now)
		if err != nil {
			t.Fatalf("DueEndpoints() error = %v", err)
		}
		if got := dueIDs(due); !got["a"] || !got["b"] {
			t.Errorf("at %v due = %v, want a and b", now, got)
		}
	}
}

func TestDueSet_IntervalBoundary(t *testing.T) {
	last := fixedNow
	catalog := &fakeCatalog{endpoints: []Endpoint{{ID: "a", IntervalSeconds: 300, Active: true}}}
	ds := NewDueSet(catalog, NewLatestIndex(&fakeLatest{times: map[string]time.Time{"a": last}}))

	interval := 300 * time.Second
	tests := []struct {
		name string
		now  time.Time
		want bool
	}{
		{"one second early", last.Add(interval - time.Second), false},
		{"exactly at interval", last.Add(interval), true},
		{"well past interval", last.Add(3 * interval), true},
		{"right after check", last, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			due, err := ds.DueEndpoints(context.Background(), tt.now)
			if err != nil {
				t.Fatalf("DueEndpoints() error = %v", err)
			}
			if got := dueIDs(due)["a"]; got != tt.want {
				t.Errorf("due = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDueSet_InactiveExcluded(t *testing.T) {
	catalog := &fakeCatalog{endpoints: []Endpoint{
		{ID: "on", IntervalSeconds: 60, Active: true},
		{ID: "off", IntervalSeconds: 60, Active: false},
	}}
	ds := NewDueSet(catalog, NewLatestIndex(nil))

	due, err := ds.DueEndpoints(context.Background(), fixedNow)
	if err != nil {
		t.Fatalf("DueEndpoints() error = %v", err)
	}
	if got := dueIDs(due); !got["on"] || got["off"] {
		t.Errorf("due = %v, want only on", got)
	}
	if IsDue(&Endpoint{Active: false}, time.Time{}, false, fixedNow) {
		t.Error("IsDue() = true for inactive endpoint")
	}
}

func TestDueSet_Errors(t *testing.T) {
	t.Run("catalog failure", func(t *testing.T) {
		ds := NewDueSet(&fakeCatalog{err: errors.New("catalog down")}, NewLatestIndex(nil))
		if _, err := ds.DueEndpoints(context.Background(), fixedNow); err == nil {
			t.Error("expected error")
		}
	})
	t.Run("index failure", func(t *testing.T) {
		src := &fakeLatest{err: errors.New("store down")}
		ds := NewDueSet(&fakeCatalog{}, NewLatestIndex(src))
		if _, err := ds.DueEndpoints(context.Background(), fixedNow); err == nil {
			t.Error("expected error")
		}
	})
}

func TestLatestIndex_WarmOnce(t *testing.T) {
	src := &fakeLatest{times: map[string]time.Time{"a": fixedNow}}
	idx := NewLatestIndex(src)

	for range 3 {
		if err := idx.Warm(context.Background()); err != nil {
			t.Fatalf("Warm() error = %v", err)
		}
	}
	if src.calls != 1 {
		t.Errorf("source called %d times, want 1", src.calls)
	}
	if got, ok := idx.Last("a"); !ok || !got.Equal(fixedNow) {
		t.Errorf("Last(a) = %v, %v", got, ok)
	}
}

func TestLatestIndex_RetriesAfterFailedWarm(t *testing.T) {
	src := &fakeLatest{err: errors.New("locked")}
	idx := NewLatestIndex(src)
	if err := idx.Warm(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	src.err = nil
	src.times = map[string]time.Time{}
	if err := idx.Warm(context.Background()); err != nil {
		t.Fatalf("second Warm() error = %v", err)
	}
	if src.calls != 2 {
		t.Errorf("source called %d times, want 2", src.calls)
	}
}

func TestLatestIndex_RecordOnlyMovesForward(t *testing.T) {
	idx := NewLatestIndex(nil)
	idx.Record("a", fixedNow)
	idx.Record("a", fixedNow.Add(-time.Minute))
	if got, _ := idx.Last("a"); !got.Equal(fixedNow) {
		t.Errorf("Last(a) = %v, want %v", got, fixedNow)
	}
	idx.Record("a", fixedNow.Add(time.Minute))
	if got, _ := idx.Last("a"); !got.Equal(fixedNow.Add(time.Minute)) {
		t.Errorf("Last(a) = %v, want advanced", got)
	}
}

func TestLatestIndex_ConcurrentRecord(t *testing.T) {
	idx := NewLatestIndex(nil)
	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			idx.Record("a", fixedNow.Add(time.Duration(i)*time.Second))
		}(i)
	}
	wg.Wait()
	if got, _ := idx.Last("a"); !got.Equal(fixedNow.Add(49 * time.Second)) {
		t.Errorf("Last(a) = %v, want newest", got)
	}
}
