package pulse

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/zap"
)

type sentNotification struct {
	destination string
	msg         *Notification
}

type fakeNotifier struct {
	kind    string
	err     error
	panicky bool
	delay   time.Duration

	mu   sync.Mutex
	sent []sentNotification
}

func (f *fakeNotifier) Type() string { return f.kind }

func (f *fakeNotifier) Notify(ctx context.Context, destination string, n *Notification) error {
	f.mu.Lock()
	f.sent = append(f.sent, sentNotification{destination: destination, msg: n})
	f.mu.Unlock()
	if f.panicky {
		panic("notifier exploded")
	}
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return f.err
}

func (f *fakeNotifier) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type staticDestinations map[string]string

func (s staticDestinations) Resolve(_ context.Context, _, channel string) (string, error) {
	if d, ok := s[channel]; ok {
		return d, nil
	}
	return "", ErrNoDestination
}

type memoryDeliveryLog struct {
	mu      sync.Mutex
	records []DeliveryRecord
}

func (m *memoryDeliveryLog) InsertNotification(_ context.Context, rec *DeliveryRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

var allDestinations = staticDestinations{
	ChannelEmail:        "ops@example.com",
	ChannelSlack:        "https://hooks.slack.test/T000/B000/XXX",
	ChannelWebhook:      "https://hooks.example.com/pulse",
	ChannelAlertmanager: "https://am.example.com/api/v2/alerts",
}

func triggeredDecision(channels ...string) TriggerDecision {
	r := rule(RuleStatusCode, `{"expected_codes":[200]}`)
	r.Channels = channels
	return TriggerDecision{
		ID:          "decision-1",
		Rule:        r,
		Endpoint:    Endpoint{ID: "ep-1", TenantID: "tenant-1", Name: "API", URL: "https://api.example.com/health"},
		Result:      resultWith(intPtr(503), int64Ptr(40), nil),
		Description: "Status code 503 not in expected codes [200]",
		Trigger:     true,
		TriggeredAt: fixedNow,
	}
}

func TestDispatcher_FailureIsolation(t *testing.T) {
	slack := &fakeNotifier{kind: ChannelSlack, err: errors.New("slack returned 500")}
	email := &fakeNotifier{kind: ChannelEmail}
	reg := prometheus.NewRegistry()
	metrics := NewMetrics(reg)

	d := NewDispatcher(DispatcherConfig{
		Notifiers:    []Notifier{slack, email},
		Destinations: allDestinations,
		Metrics:      metrics,
	}, zap.NewNop())

	report := d.Dispatch(context.Background(), triggeredDecision(ChannelSlack, ChannelEmail))

	if len(report.Outcomes) != 2 {
		t.Fatalf("outcomes = %d, want 2", len(report.Outcomes))
	}
	if report.Outcomes[0].Channel != ChannelSlack || report.Outcomes[0].Delivered() {
		t.Errorf("slack outcome = %+v, want failure", report.Outcomes[0])
	}
	if report.Outcomes[1].Channel != ChannelEmail || !report.Outcomes[1].Delivered() {
		t.Errorf("email outcome = %+v, want delivered", report.Outcomes[1])
	}
	if email.count() != 1 {
		t.Errorf("email attempts = %d, want 1", email.count())
	}
	if report.Sent() != 1 || report.Failed() != 1 {
		t.Errorf("Sent/Failed = %d/%d, want 1/1", report.Sent(), report.Failed())
	}
	if got := testutil.ToFloat64(metrics.NotificationsFailed.WithLabelValues(ChannelSlack)); got != 1 {
		t.Errorf("failed{slack} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(metrics.NotificationsSent.WithLabelValues(ChannelEmail)); got != 1 {
		t.Errorf("sent{email} = %v, want 1", got)
	}
}

func TestDispatcher_DefaultsToEmail(t *testing.T) {
	email := &fakeNotifier{kind: ChannelEmail}
	d := NewDispatcher(DispatcherConfig{Notifiers: []Notifier{email}, Destinations: allDestinations}, zap.NewNop())

	report := d.Dispatch(context.Background(), triggeredDecision())

	if len(report.Outcomes) != 1 || report.Outcomes[0].Channel != ChannelEmail {
		t.Fatalf("outcomes = %+v, want single email outcome", report.Outcomes)
	}
	if email.count() != 1 || email.sent[0].destination != "ops@example.com" {
		t.Errorf("email sent = %+v", email.sent)
	}
}

func TestDispatcher_MessageBuiltOnce(t *testing.T) {
	a := &fakeNotifier{kind: ChannelEmail}
	b := &fakeNotifier{kind: ChannelWebhook}
	d := NewDispatcher(DispatcherConfig{Notifiers: []Notifier{a, b}, Destinations: allDestinations}, zap.NewNop())

	d.Dispatch(context.Background(), triggeredDecision(ChannelEmail, ChannelWebhook))

	if a.sent[0].msg != b.sent[0].msg {
		t.Error("channels received different message values")
	}
	msg := a.sent[0].msg
	if msg.EndpointURL != "https://api.example.com/health" || msg.RuleType != RuleStatusCode ||
		msg.Description == "" || !msg.TriggeredAt.Equal(fixedNow) || msg.TenantID != "tenant-1" {
		t.Errorf("message = %+v", msg)
	}
}

func TestDispatcher_UnknownAndUnresolvedChannels(t *testing.T) {
	email := &fakeNotifier{kind: ChannelEmail}
	slack := &fakeNotifier{kind: ChannelSlack}
	d := NewDispatcher(DispatcherConfig{
		Notifiers:    []Notifier{email, slack},
		Destinations: staticDestinations{ChannelEmail: "ops@example.com"},
	}, zap.NewNop())

	report := d.Dispatch(context.Background(), triggeredDecision("pager", ChannelSlack, " EMAIL ", ChannelEmail))

	if len(report.Outcomes) != 3 {
		t.Fatalf("outcomes = %+v, want pager, slack, email", report.Outcomes)
	}
	if !errors.Is(report.Outcomes[0].Err, ErrUnknownChannel) {
		t.Errorf("pager error = %v, want ErrUnknownChannel", report.Outcomes[0].Err)
	}
	if !errors.Is(report.Outcomes[1].Err, ErrNoDestination) {
		t.Errorf("slack error = %v, want ErrNoDestination", report.Outcomes[1].Err)
	}
	if slack.count() != 0 {
		t.Error("slack notifier called without a destination")
	}
	if !report.Outcomes[2].Delivered() || email.count() != 1 {
		t.Errorf("email outcome = %+v, attempts = %d", report.Outcomes[2], email.count())
	}
}

func TestDispatcher_PanicIsolated(t *testing.T) {
	bad := &fakeNotifier{kind: ChannelWebhook, panicky: true}
	email := &fakeNotifier{kind: ChannelEmail}
	d := NewDispatcher(DispatcherConfig{Notifiers: []Notifier{bad, email}, Destinations: allDestinations}, zap.NewNop())

	report := d.Dispatch(context.Background(), triggeredDecision(ChannelWebhook, ChannelEmail))

	if report.Outcomes[0].Err == nil {
		t.Error("panicking notifier reported delivered")
	}
	if !report.Outcomes[1].Delivered() {
		t.Error("email not delivered after webhook panic")
	}
}

func TestDispatcher_PerChannelTimeout(t *testing.T) {
	slow := &fakeNotifier{kind: ChannelSlack, delay: 5 * time.Second}
	email := &fakeNotifier{kind: ChannelEmail}
	d := NewDispatcher(DispatcherConfig{
		Notifiers:    []Notifier{slow, email},
		Destinations: allDestinations,
		Timeout:      50 * time.Millisecond,
	}, zap.NewNop())

	start := time.Now()
	report := d.Dispatch(context.Background(), triggeredDecision(ChannelSlack, ChannelEmail))

	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Dispatch took %v, want bounded by channel timeout", elapsed)
	}
	if !errors.Is(report.Outcomes[0].Err, context.DeadlineExceeded) {
		t.Errorf("slow outcome error = %v, want deadline exceeded", report.Outcomes[0].Err)
	}
	if !report.Outcomes[1].Delivered() {
		t.Error("email should still be delivered with its own timeout")
	}
}

func TestDispatcher_DeliveryLog(t *testing.T) {
	log := &memoryDeliveryLog{}
	d := NewDispatcher(DispatcherConfig{
		Notifiers:    []Notifier{&fakeNotifier{kind: ChannelEmail}, &fakeNotifier{kind: ChannelSlack, err: errors.New("boom")}},
		Destinations: allDestinations,
		Log:          log,
		Clock:        fixedClock,
	}, zap.NewNop())

	d.Dispatch(context.Background(), triggeredDecision(ChannelEmail, ChannelSlack))

	if len(log.records) != 2 {
		t.Fatalf("records = %d, want 2", len(log.records))
	}
	if !log.records[0].Delivered || log.records[0].Error != "" {
		t.Errorf("email record = %+v", log.records[0])
	}
	if log.records[1].Delivered || log.records[1].Error != "boom" {
		t.Errorf("slack record = %+v", log.records[1])
	}
	for _, r := range log.records {
		if r.ID == "" || r.DecisionID != "decision-1" || r.RuleID != "rule-1" || !r.SentAt.Equal(fixedNow) {
			t.Errorf("record = %+v", r)
		}
	}
}

func TestDispatcher_RateLimit(t *testing.T) {
	email := &fakeNotifier{kind: ChannelEmail}
	d := NewDispatcher(DispatcherConfig{
		Notifiers:    []Notifier{email},
		Destinations: allDestinations,
		MaxPerSecond: 20,
	}, zap.NewNop())

	start := time.Now()
	for range 3 {
		d.Dispatch(context.Background(), triggeredDecision(ChannelEmail))
	}
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 sends at 20/s took %v, want >= ~100ms", elapsed)
	}
	if email.count() != 3 {
		t.Errorf("attempts = %d, want 3", email.count())
	}
}

func TestDestinations_Resolve(t *testing.T) {
	ps := newTestStore(t)
	ctx := context.Background()
	if err := ps.UpsertTenant(ctx, &Tenant{ID: "acme", Email: "oncall@acme.test"}); err != nil {
		t.Fatalf("UpsertTenant() error = %v", err)
	}
	dest := NewDestinations(ps, NotifyConfig{
		Email:           "fallback@example.com",
		SlackWebhookURL: "https://hooks.slack.test/global",
	})

	tests := []struct {
		tenant, channel string
		want            string
		wantErr         error
	}{
		{"acme", ChannelEmail, "oncall@acme.test", nil},
		{"acme", ChannelSlack, "https://hooks.slack.test/global", nil},
		{"unknown", ChannelEmail, "fallback@example.com", nil},
		{"acme", ChannelWebhook, "", ErrNoDestination},
		{"acme", "carrier-pigeon", "", ErrUnknownChannel},
	}
	for _, tt := range tests {
		got, err := dest.Resolve(ctx, tt.tenant, tt.channel)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Resolve(%s, %s) error = %v, want %v", tt.tenant, tt.channel, err, tt.wantErr)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("Resolve(%s, %s) = %q, %v; want %q", tt.tenant, tt.channel, got, err, tt.want)
		}
	}
}
