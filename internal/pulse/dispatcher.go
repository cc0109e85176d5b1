package pulse

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultChannels is used when a rule names no channels.
var DefaultChannels = []string{ChannelEmail}

// DefaultNotifyTimeout bounds each channel attempt.
const DefaultNotifyTimeout = 10 * time.Second

// AlertDispatcher delivers triggered decisions.
type AlertDispatcher interface {
	Dispatch(ctx context.Context, decision TriggerDecision) DispatchReport
}

// DestinationResolver finds the address for a tenant on a channel.
type DestinationResolver interface {
	Resolve(ctx context.Context, tenantID, channel string) (string, error)
}

// DeliveryLog persists per-channel outcomes.
type DeliveryLog interface {
	InsertNotification(ctx context.Context, rec *DeliveryRecord) error
}

// DeliveryRecord is one persisted channel attempt.
type DeliveryRecord struct {
	ID         string    `json:"id"`
	DecisionID string    `json:"decision_id"`
	RuleID     string    `json:"rule_id"`
	EndpointID string    `json:"endpoint_id"`
	Channel    string    `json:"channel"`
	Delivered  bool      `json:"delivered"`
	Error      string    `json:"error,omitempty"`
	SentAt     time.Time `json:"sent_at"`
	DurationMs int64     `json:"duration_ms"`
}

// ChannelOutcome is the result of one channel attempt.
type ChannelOutcome struct {
	Channel  string        `json:"channel"`
	Err      error         `json:"-"`
	Duration time.Duration `json:"duration"`
}

// Delivered reports whether the attempt succeeded.
func (o ChannelOutcome) Delivered() bool { return o.Err == nil }

// DispatchReport lists one outcome per attempted channel, in rule order.
type DispatchReport struct {
	DecisionID string           `json:"decision_id"`
	Outcomes   []ChannelOutcome `json:"outcomes"`
}

// Sent returns the number of delivered outcomes.
func (r DispatchReport) Sent() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Delivered() {
			n++
		}
	}
	return n
}

// Failed returns the number of failed outcomes.
func (r DispatchReport) Failed() int { return len(r.Outcomes) - r.Sent() }

// DispatcherConfig wires a Dispatcher.
type DispatcherConfig struct {
	Notifiers    []Notifier
	Destinations DestinationResolver
	Timeout      time.Duration
	MaxPerSecond float64 // per channel; 0 means unlimited
	Log          DeliveryLog
	Metrics      *Metrics
	Bus          plugin.EventBus
	Clock        func() time.Time
}

// Compile-time interface guard.
var _ AlertDispatcher = (*Dispatcher)(nil)

// Dispatcher fans a triggered decision out over the rule's channels. Every
// channel gets its own attempt and timeout; one failure never blocks another.
type Dispatcher struct {
	notifiers    map[string]Notifier
	limiters     map[string]*rate.Limiter
	destinations DestinationResolver
	timeout      time.Duration
	log          DeliveryLog
	metrics      *Metrics
	bus          plugin.EventBus
	now          func() time.Time
	logger       *zap.Logger
}

// NewDispatcher creates a dispatcher from cfg.
func NewDispatcher(cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	d := &Dispatcher{
		notifiers:    make(map[string]Notifier, len(cfg.Notifiers)),
		limiters:     make(map[string]*rate.Limiter, len(cfg.Notifiers)),
		destinations: cfg.Destinations,
		timeout:      cfg.Timeout,
		log:          cfg.Log,
		metrics:      cfg.Metrics,
		bus:          cfg.Bus,
		now:          cfg.Clock,
		logger:       logger,
	}
	if d.timeout <= 0 {
		d.timeout = DefaultNotifyTimeout
	}
	if d.metrics == nil {
		d.metrics = NewMetrics(nil)
	}
	if d.now == nil {
		d.now = time.Now
	}
	for _, n := range cfg.Notifiers {
		d.notifiers[n.Type()] = n
		if cfg.MaxPerSecond > 0 {
			d.limiters[n.Type()] = rate.NewLimiter(rate.Limit(cfg.MaxPerSecond), 1)
		}
	}
	return d
}

// Dispatch attempts delivery on every channel of the decision's rule and
// reports each outcome. It never returns early on a channel failure.
func (d *Dispatcher) Dispatch(ctx context.Context, decision TriggerDecision) DispatchReport {
	msg := BuildNotification(decision)
	report := DispatchReport{DecisionID: decision.ID}

	for _, ch := range normalizeChannels(decision.Rule.Channels) {
		out := d.attempt(ctx, ch, msg)
		report.Outcomes = append(report.Outcomes, out)
		d.record(ctx, msg, out)
	}
	return report
}

// BuildNotification assembles the channel-independent message for a decision.
func BuildNotification(decision TriggerDecision) *Notification {
	return &Notification{
		DecisionID:  decision.ID,
		RuleID:      decision.Rule.ID,
		RuleType:    decision.Rule.Type,
		EndpointID:  decision.Endpoint.ID,
		EndpointURL: decision.Endpoint.URL,
		Endpoint:    decision.Endpoint.Name,
		TenantID:    decision.Endpoint.TenantID,
		Description: decision.Description,
		TriggeredAt: decision.TriggeredAt,
	}
}

func (d *Dispatcher) attempt(ctx context.Context, channel string, msg *Notification) (out ChannelOutcome) {
	start := d.now()
	out.Channel = channel
	defer func() {
		if r := recover(); r != nil {
			out.Err = fmt.Errorf("notifier panic: %v", r)
		}
		out.Duration = d.now().Sub(start)
	}()

	notifier, ok := d.notifiers[channel]
	if !ok {
		out.Err = fmt.Errorf("%w: %q", ErrUnknownChannel, channel)
		return out
	}
	if d.destinations == nil {
		out.Err = ErrNoDestination
		return out
	}
	dest, err := d.destinations.Resolve(ctx, msg.TenantID, channel)
	if err != nil {
		out.Err = err
		return out
	}

	cctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	if lim := d.limiters[channel]; lim != nil {
		if err := lim.Wait(cctx); err != nil {
			out.Err = fmt.Errorf("rate limit: %w", err)
			return out
		}
	}
	out.Err = notifier.Notify(cctx, dest, msg)
	return out
}

func (d *Dispatcher) record(ctx context.Context, msg *Notification, out ChannelOutcome) {
	fields := []zap.Field{
		zap.String("channel", out.Channel),
		zap.String("rule_id", msg.RuleID),
		zap.String("endpoint_id", msg.EndpointID),
		zap.Duration("duration", out.Duration),
	}
	rec := &DeliveryRecord{
		ID:         uuid.NewString(),
		DecisionID: msg.DecisionID,
		RuleID:     msg.RuleID,
		EndpointID: msg.EndpointID,
		Channel:    out.Channel,
		Delivered:  out.Delivered(),
		SentAt:     d.now().UTC(),
		DurationMs: out.Duration.Milliseconds(),
	}

	if out.Err != nil {
		rec.Error = out.Err.Error()
		d.metrics.NotificationsFailed.WithLabelValues(out.Channel).Inc()
		d.logger.Warn("notification delivery failed", append(fields, zap.Error(out.Err))...)
	} else {
		d.metrics.NotificationsSent.WithLabelValues(out.Channel).Inc()
		d.logger.Debug("notification delivered", fields...)
	}

	if d.log != nil {
		if err := d.log.InsertNotification(ctx, rec); err != nil {
			d.logger.Warn("failed to record notification", append(fields, zap.Error(err))...)
		}
	}

	topic := TopicNotificationSent
	if !rec.Delivered {
		topic = TopicNotificationFailed
	}
	publish(ctx, d.bus, topic, rec)
}

// normalizeChannels lowercases, trims and de-duplicates channel names,
// keeping first-seen order. An empty set becomes DefaultChannels.
func normalizeChannels(channels []string) []string {
	out := make([]string, 0, len(channels))
	for _, ch := range channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" || slices.Contains(out, ch) {
			continue
		}
		out = append(out, ch)
	}
	if len(out) == 0 {
		return slices.Clone(DefaultChannels)
	}
	return out
}
