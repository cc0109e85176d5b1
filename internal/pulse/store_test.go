package pulse

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/HerbHall/pulsewatch/internal/store"
)

// newTestStore creates a migrated in-memory PulseStore pinned to fixedNow.
func newTestStore(t *testing.T) *PulseStore {
	t.Helper()
	db, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Migrate(context.Background(), "pulse", migrations()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	ps := NewPulseStore(db.DB())
	ps.SetClock(fixedClock)
	return ps
}

// seedEndpoint inserts tenant-1 and an endpoint pointing at url.
func seedEndpoint(t *testing.T, ps *PulseStore, id, url string) Endpoint {
	t.Helper()
	ctx := context.Background()
	if err := ps.UpsertTenant(ctx, &Tenant{ID: "tenant-1", Name: "Tenant One", Email: "ops@tenant.test"}); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}
	ep := Endpoint{
		ID:              id,
		TenantID:        "tenant-1",
		Name:            id,
		URL:             url,
		IntervalSeconds: 60,
		TimeoutMs:       2000,
		Active:          true,
	}
	if err := ps.UpsertEndpoint(ctx, &ep); err != nil {
		t.Fatalf("UpsertEndpoint() error = %v", err)
	}
	return ep
}

func seedRule(t *testing.T, ps *PulseStore, id, endpointID string, rt RuleType, threshold string, channels ...string) AlertRule {
	t.Helper()
	r := AlertRule{
		ID:         id,
		EndpointID: endpointID,
		Type:       rt,
		Threshold:  json.RawMessage(threshold),
		Active:     true,
		Channels:   channels,
	}
	if err := ps.UpsertRule(context.Background(), &r); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}
	return r
}

func insertResult(t *testing.T, ps *PulseStore, endpointID string, at time.Time, status *int, rt *int64, errClass *string) {
	t.Helper()
	r := CheckResult{EndpointID: endpointID, CheckedAt: at, StatusCode: status, ResponseTimeMs: rt, Error: errClass}
	if err := ps.InsertResult(context.Background(), &r); err != nil {
		t.Fatalf("InsertResult() error = %v", err)
	}
}

func TestPulseStore_EndpointRoundTrip(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()
	ep := seedEndpoint(t, ps, "ep-1", "https://api.example.com/health")
	ep.Headers = map[string]string{"X-Api-Key": "k"}
	if err := ps.UpsertEndpoint(ctx, &ep); err != nil {
		t.Fatalf("UpsertEndpoint() update error = %v", err)
	}

	got, err := ps.GetEndpoint(ctx, "ep-1")
	if err != nil || got == nil {
		t.Fatalf("GetEndpoint() = %v, %v", got, err)
	}
	if got.URL != ep.URL || got.Headers["X-Api-Key"] != "k" || !got.Active || got.TimeoutMs != 2000 {
		t.Errorf("endpoint = %+v", got)
	}

	missing, err := ps.GetEndpoint(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("GetEndpoint(missing) = %v, %v; want nil, nil", missing, err)
	}
}

func TestPulseStore_EndpointValidation(t *testing.T) {
	ps := newTestStore(t)
	seedEndpoint(t, ps, "ep-ok", "https://ok.example.com")

	tests := []struct {
		name string
		ep   Endpoint
	}{
		{"interval too short", Endpoint{ID: "a", TenantID: "tenant-1", URL: "https://x.test", IntervalSeconds: 30, TimeoutMs: 1000}},
		{"timeout too small", Endpoint{ID: "b", TenantID: "tenant-1", URL: "https://x.test", IntervalSeconds: 60, TimeoutMs: 50}},
		{"timeout too large", Endpoint{ID: "c", TenantID: "tenant-1", URL: "https://x.test", IntervalSeconds: 60, TimeoutMs: 30001}},
		{"not http", Endpoint{ID: "d", TenantID: "tenant-1", URL: "ftp://x.test", IntervalSeconds: 60, TimeoutMs: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := ps.UpsertEndpoint(context.Background(), &tt.ep); !errors.Is(err, ErrInvalidEndpoint) {
				t.Errorf("UpsertEndpoint() error = %v, want ErrInvalidEndpoint", err)
			}
		})
	}
}

func TestPulseStore_ListActiveEndpoints(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()
	seedEndpoint(t, ps, "ep-1", "https://one.test")
	off := seedEndpoint(t, ps, "ep-2", "https://two.test")
	off.Active = false
	if err := ps.UpsertEndpoint(ctx, &off); err != nil {
		t.Fatalf("UpsertEndpoint() error = %v", err)
	}

	active, err := ps.ListActiveEndpoints(ctx)
	if err != nil {
		t.Fatalf("ListActiveEndpoints() error = %v", err)
	}
	if len(active) != 1 || active[0].ID != "ep-1" {
		t.Errorf("active = %+v, want only ep-1", active)
	}
	all, _ := ps.ListEndpoints(ctx)
	if len(all) != 2 {
		t.Errorf("all = %d, want 2", len(all))
	}
}

func TestPulseStore_RulesAndMarkTriggered(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()
	seedEndpoint(t, ps, "ep-1", "https://one.test")
	seedRule(t, ps, "r-avail", "ep-1", RuleAvailability, `{"min_uptime_percentage":99,"period_hours":24}`)
	seedRule(t, ps, "r-code", "ep-1", RuleStatusCode, `{"expected_codes":[200]}`, ChannelSlack, ChannelEmail)
	inactive := seedRule(t, ps, "r-off", "ep-1", RuleResponseTime, `{"max_response_time":100}`)
	inactive.Active = false
	if err := ps.UpsertRule(ctx, &inactive); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}

	rules, err := ps.ListActiveRules(ctx, "ep-1")
	if err != nil {
		t.Fatalf("ListActiveRules() error = %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("active rules = %d, want 2", len(rules))
	}
	if rules[1].ID != "r-code" || len(rules[1].Channels) != 2 || rules[1].Channels[0] != ChannelSlack {
		t.Errorf("rule = %+v", rules[1])
	}

	byType, err := ps.ListActiveRulesByType(ctx, RuleAvailability)
	if err != nil || len(byType) != 1 || byType[0].ID != "r-avail" {
		t.Errorf("ListActiveRulesByType() = %+v, %v", byType, err)
	}

	at := fixedNow.Add(-time.Minute)
	if err := ps.MarkTriggered(ctx, "r-code", at); err != nil {
		t.Fatalf("MarkTriggered() error = %v", err)
	}
	got, _ := ps.GetRule(ctx, "r-code")
	if got.LastTriggeredAt == nil || !got.LastTriggeredAt.Equal(at) {
		t.Errorf("LastTriggeredAt = %v, want %v", got.LastTriggeredAt, at)
	}

	// Catalog updates leave the trigger time alone.
	got.Channels = []string{ChannelWebhook}
	if err := ps.UpsertRule(ctx, got); err != nil {
		t.Fatalf("UpsertRule() error = %v", err)
	}
	again, _ := ps.GetRule(ctx, "r-code")
	if again.LastTriggeredAt == nil || !again.LastTriggeredAt.Equal(at) {
		t.Errorf("LastTriggeredAt after upsert = %v, want %v", again.LastTriggeredAt, at)
	}

	if err := ps.MarkTriggered(ctx, "missing", at); err == nil {
		t.Error("MarkTriggered(missing) error = nil")
	}
}

func TestPulseStore_UpsertRuleRejectsInvalidJSON(t *testing.T) {
	ps := newTestStore(t)
	seedEndpoint(t, ps, "ep-1", "https://one.test")
	r := AlertRule{ID: "r", EndpointID: "ep-1", Type: RuleResponseTime, Threshold: json.RawMessage(`{nope`)}
	if err := ps.UpsertRule(context.Background(), &r); !errors.Is(err, ErrInvalidThreshold) {
		t.Errorf("UpsertRule() error = %v, want ErrInvalidThreshold", err)
	}
}

func TestPulseStore_Results(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()
	seedEndpoint(t, ps, "ep-1", "https://one.test")
	seedEndpoint(t, ps, "ep-2", "https://two.test")

	insertResult(t, ps, "ep-1", fixedNow.Add(-2*time.Minute), intPtr(200), int64Ptr(30), nil)
	insertResult(t, ps, "ep-1", fixedNow.Add(-time.Minute), nil, nil, stringPtr(ErrClassTimeout))
	insertResult(t, ps, "ep-2", fixedNow.Add(-5*time.Minute), intPtr(503), int64Ptr(12), nil)

	latest, err := ps.LatestResult(ctx, "ep-1")
	if err != nil || latest == nil {
		t.Fatalf("LatestResult() = %v, %v", latest, err)
	}
	if latest.Error == nil || *latest.Error != ErrClassTimeout || latest.StatusCode != nil || latest.ResponseTimeMs != nil {
		t.Errorf("latest = %+v", latest)
	}

	results, _ := ps.ListResults(ctx, "ep-1", 10)
	if len(results) != 2 || !results[1].Success() {
		t.Errorf("results = %+v", results)
	}

	times, err := ps.LatestCheckTimes(ctx)
	if err != nil {
		t.Fatalf("LatestCheckTimes() error = %v", err)
	}
	if !times["ep-1"].Equal(fixedNow.Add(-time.Minute)) || !times["ep-2"].Equal(fixedNow.Add(-5*time.Minute)) {
		t.Errorf("times = %v", times)
	}

	none, err := ps.LatestResult(ctx, "ep-none")
	if err != nil || none != nil {
		t.Errorf("LatestResult(none) = %v, %v", none, err)
	}
}

func TestPulseStore_Aggregate(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()
	seedEndpoint(t, ps, "ep-1", "https://one.test")

	// 3 successes, 1 non-2xx, 1 transport failure inside 24h; 1 old failure outside.
	insertResult(t, ps, "ep-1", fixedNow.Add(-1*time.Hour), intPtr(200), int64Ptr(100), nil)
	insertResult(t, ps, "ep-1", fixedNow.Add(-2*time.Hour), intPtr(204), int64Ptr(200), nil)
	insertResult(t, ps, "ep-1", fixedNow.Add(-3*time.Hour), intPtr(200), int64Ptr(300), nil)
	insertResult(t, ps, "ep-1", fixedNow.Add(-4*time.Hour), intPtr(500), int64Ptr(400), nil)
	insertResult(t, ps, "ep-1", fixedNow.Add(-5*time.Hour), nil, nil, stringPtr(ErrClassConnectionFailed))
	insertResult(t, ps, "ep-1", fixedNow.Add(-48*time.Hour), nil, nil, stringPtr(ErrClassTimeout))

	agg, err := ps.Aggregate(ctx, "ep-1", 24)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if agg.Samples != 5 {
		t.Errorf("Samples = %d, want 5", agg.Samples)
	}
	if math.Abs(agg.UptimePercent-60) > 1e-9 {
		t.Errorf("UptimePercent = %v, want 60", agg.UptimePercent)
	}
	if agg.AvgResponseTimeMs == nil || math.Abs(*agg.AvgResponseTimeMs-250) > 1e-9 {
		t.Errorf("AvgResponseTimeMs = %v, want 250", agg.AvgResponseTimeMs)
	}

	week, _ := ps.Aggregate(ctx, "ep-1", 168)
	if week.Samples != 6 {
		t.Errorf("168h Samples = %d, want 6", week.Samples)
	}

	empty, err := ps.Aggregate(ctx, "ep-unknown", 24)
	if err != nil {
		t.Fatalf("Aggregate(empty) error = %v", err)
	}
	if empty.Samples != 0 || empty.UptimePercent != 0 || empty.AvgResponseTimeMs != nil {
		t.Errorf("empty aggregate = %+v", empty)
	}
}

func TestPulseStore_Notifications(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()

	recs := []DeliveryRecord{
		{ID: "n1", DecisionID: "d1", RuleID: "r1", EndpointID: "ep-1", Channel: ChannelEmail, Delivered: true, SentAt: fixedNow.Add(-time.Minute)},
		{ID: "n2", DecisionID: "d1", RuleID: "r1", EndpointID: "ep-1", Channel: ChannelSlack, Error: "status 500", SentAt: fixedNow},
	}
	for i := range recs {
		if err := ps.InsertNotification(ctx, &recs[i]); err != nil {
			t.Fatalf("InsertNotification() error = %v", err)
		}
	}

	got, err := ps.ListNotifications(ctx, 10)
	if err != nil {
		t.Fatalf("ListNotifications() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "n2" || got[0].Delivered || got[0].Error != "status 500" || !got[1].Delivered {
		t.Errorf("notifications = %+v", got)
	}
}

func TestPulseStore_TenantUpsert(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()
	if err := ps.UpsertTenant(ctx, &Tenant{ID: "acme", Email: "a@acme.test"}); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}
	if err := ps.UpsertTenant(ctx, &Tenant{ID: "acme", Email: "b@acme.test", WebhookURL: "https://hook.test"}); err != nil {
		t.Fatalf("UpsertTenant() update error = %v", err)
	}
	got, err := ps.GetTenant(ctx, "acme")
	if err != nil || got == nil || got.Email != "b@acme.test" || got.WebhookURL != "https://hook.test" {
		t.Errorf("GetTenant() = %+v, %v", got, err)
	}
	missing, err := ps.GetTenant(ctx, "none")
	if err != nil || missing != nil {
		t.Errorf("GetTenant(none) = %v, %v", missing, err)
	}
}
