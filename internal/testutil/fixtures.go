// Package testutil provides catalog fixtures and an in-memory pulse store
// for tests outside the pulse package.
package testutil

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/HerbHall/pulsewatch/internal/pulse"
	"github.com/HerbHall/pulsewatch/internal/store"
	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// NewPulseStore opens an in-memory database with the pulse schema applied.
// The database is closed when the test ends.
func NewPulseStore(t testing.TB) *pulse.PulseStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	m := pulse.New()
	if err := m.Init(context.Background(), plugin.Dependencies{Logger: zap.NewNop(), Store: db}); err != nil {
		t.Fatalf("init pulse: %v", err)
	}
	return m.Store()
}

// NewEndpoint returns an active Endpoint that passes validation.
// Override individual fields with options.
func NewEndpoint(opts ...func(*pulse.Endpoint)) pulse.Endpoint {
	e := pulse.Endpoint{
		ID:              uuid.New().String(),
		TenantID:        "tenant-1",
		Name:            "test-endpoint",
		URL:             "https://example.test/health",
		IntervalSeconds: pulse.MinIntervalSeconds,
		TimeoutMs:       1000,
		Active:          true,
	}
	for _, opt := range opts {
		opt(&e)
	}
	return e
}

// WithEndpointID sets the endpoint ID.
func WithEndpointID(id string) func(*pulse.Endpoint) {
	return func(e *pulse.Endpoint) { e.ID = id }
}

// WithURL sets the probed URL.
func WithURL(u string) func(*pulse.Endpoint) {
	return func(e *pulse.Endpoint) { e.URL = u }
}

// NewStatusRule returns an active status_code rule expecting the given codes.
func NewStatusRule(endpointID string, channels []string, codes ...int) pulse.AlertRule {
	threshold, _ := json.Marshal(map[string][]int{"expected_codes": codes})
	return pulse.AlertRule{
		ID:         uuid.New().String(),
		EndpointID: endpointID,
		Type:       pulse.RuleStatusCode,
		Threshold:  threshold,
		Active:     true,
		Channels:   channels,
	}
}

// NewResult returns a check result that received status code.
func NewResult(endpointID string, code int, at time.Time) pulse.CheckResult {
	ms := int64(42)
	return pulse.CheckResult{
		EndpointID:     endpointID,
		CheckedAt:      at,
		StatusCode:     &code,
		ResponseTimeMs: &ms,
	}
}
