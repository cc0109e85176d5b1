package pulse

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Endpoint bounds.
const (
	MinIntervalSeconds = 60
	MinTimeoutMs       = 100
	MaxTimeoutMs       = 30000
)

// Check error classifications recorded on failed results.
const (
	ErrClassConnectionFailed = "connection_failed"
	ErrClassTimeout          = "timeout"
	ErrClassTooManyRedirects = "too_many_redirects"
	ErrClassCanceled         = "canceled"
)

// ErrInvalidEndpoint is returned by Endpoint.Validate.
var ErrInvalidEndpoint = errors.New("invalid endpoint")

// Endpoint is an externally owned URL probed on a fixed interval.
type Endpoint struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"tenant_id"`
	Name            string            `json:"name"`
	URL             string            `json:"url"`
	IntervalSeconds int               `json:"interval_seconds"`
	TimeoutMs       int               `json:"timeout_ms"`
	Headers         map[string]string `json:"headers,omitempty"`
	Active          bool              `json:"active"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// Validate checks the catalog bounds for interval, timeout and URL.
func (e *Endpoint) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("%w: id is required", ErrInvalidEndpoint)
	}
	if e.IntervalSeconds < MinIntervalSeconds {
		return fmt.Errorf("%w: interval_seconds %d below minimum %d", ErrInvalidEndpoint, e.IntervalSeconds, MinIntervalSeconds)
	}
	if e.TimeoutMs < MinTimeoutMs || e.TimeoutMs > MaxTimeoutMs {
		return fmt.Errorf("%w: timeout_ms %d outside [%d, %d]", ErrInvalidEndpoint, e.TimeoutMs, MinTimeoutMs, MaxTimeoutMs)
	}
	u, err := url.Parse(e.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: url %q must be an absolute http(s) URL", ErrInvalidEndpoint, e.URL)
	}
	return nil
}

// Interval returns the check interval as a duration.
func (e *Endpoint) Interval() time.Duration {
	return time.Duration(e.IntervalSeconds) * time.Second
}

// Timeout returns the per-check wall-clock bound.
func (e *Endpoint) Timeout() time.Duration {
	return time.Duration(e.TimeoutMs) * time.Millisecond
}

// CheckResult is the immutable outcome of one probe attempt.
// StatusCode and ResponseTimeMs are nil when no response was received;
// Error is nil unless the transport failed.
type CheckResult struct {
	ID             int64     `json:"id"`
	EndpointID     string    `json:"endpoint_id"`
	CheckedAt      time.Time `json:"checked_at"`
	StatusCode     *int      `json:"status_code"`
	ResponseTimeMs *int64    `json:"response_time_ms"`
	Error          *string   `json:"error"`
}

// Success reports whether the check received a 2xx response without error.
func (r *CheckResult) Success() bool {
	return r.Error == nil && r.StatusCode != nil && *r.StatusCode >= 200 && *r.StatusCode < 300
}

// RuleType tags the threshold shape of an AlertRule.
type RuleType string

const (
	RuleResponseTime RuleType = "response_time"
	RuleStatusCode   RuleType = "status_code"
	RuleAvailability RuleType = "availability"
)

// Notification channel identifiers.
const (
	ChannelEmail        = "email"
	ChannelSlack        = "slack"
	ChannelWebhook      = "webhook"
	ChannelAlertmanager = "alertmanager"
)

// AlertRule is a condition over one endpoint's results or aggregates.
type AlertRule struct {
	ID              string          `json:"id"`
	EndpointID      string          `json:"endpoint_id"`
	Type            RuleType        `json:"rule_type"`
	Threshold       json.RawMessage `json:"threshold"`
	Active          bool            `json:"active"`
	Channels        []string        `json:"channels"`
	LastTriggeredAt *time.Time      `json:"last_triggered_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
}

// Condition decodes the rule's threshold into its typed form.
func (r *AlertRule) Condition() (Condition, error) {
	return ParseCondition(r.Type, r.Threshold)
}

// Aggregate is a rolling statistic over an endpoint's recent results.
type Aggregate struct {
	EndpointID        string   `json:"endpoint_id"`
	PeriodHours       int      `json:"period_hours"`
	Samples           int      `json:"samples"`
	UptimePercent     float64  `json:"uptime_percent"`
	AvgResponseTimeMs *float64 `json:"avg_response_time_ms"`
}

// TriggerDecision is the evaluator's verdict for one rule in one tick.
type TriggerDecision struct {
	ID          string       `json:"id"`
	Rule        AlertRule    `json:"rule"`
	Endpoint    Endpoint     `json:"endpoint"`
	Result      *CheckResult `json:"result,omitempty"`
	Aggregate   *Aggregate   `json:"aggregate,omitempty"`
	Description string       `json:"description"`
	Trigger     bool         `json:"trigger"`
	TriggeredAt time.Time    `json:"triggered_at"`

	// PreviousTriggeredAt is the rule's last trigger time before this decision.
	PreviousTriggeredAt *time.Time `json:"previous_triggered_at,omitempty"`
}

// Tenant owns endpoints and carries per-channel notification destinations.
type Tenant struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Email           string    `json:"email"`
	SlackWebhookURL string    `json:"slack_webhook_url,omitempty"`
	WebhookURL      string    `json:"webhook_url,omitempty"`
	AlertmanagerURL string    `json:"alertmanager_url,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

func intPtr(v int) *int          { return &v }
func int64Ptr(v int64) *int64    { return &v }
func stringPtr(v string) *string { return &v }
