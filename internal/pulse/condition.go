package pulse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
)

// MaxAvailabilityPeriodHours caps the rolling window of availability rules.
const MaxAvailabilityPeriodHours = 168

var (
	// ErrInvalidThreshold is returned when a rule's threshold cannot be decoded.
	ErrInvalidThreshold = errors.New("invalid threshold")
	// ErrUnknownRuleType is returned for rule types with no condition variant.
	ErrUnknownRuleType = errors.New("unknown rule type")
)

// AggregateProvider computes rolling statistics for an endpoint.
type AggregateProvider interface {
	Aggregate(ctx context.Context, endpointID string, periodHours int) (Aggregate, error)
}

// EvalInput carries what a condition may look at.
type EvalInput struct {
	EndpointID string
	Result     *CheckResult
	Aggregates AggregateProvider
}

// Verdict is the outcome of a single condition test.
type Verdict struct {
	Trigger     bool
	Description string
	Aggregate   *Aggregate
}

// Condition is one variant of the rule threshold union.
type Condition interface {
	Type() RuleType
	Evaluate(ctx context.Context, in EvalInput) (Verdict, error)
}

// Compile-time interface guards.
var (
	_ Condition = ResponseTimeCondition{}
	_ Condition = StatusCodeCondition{}
	_ Condition = AvailabilityCondition{}
)

// ParseCondition decodes a raw threshold payload for the given rule type.
func ParseCondition(t RuleType, raw json.RawMessage) (Condition, error) {
	switch t {
	case RuleResponseTime:
		return parseResponseTime(raw)
	case RuleStatusCode:
		return parseStatusCode(raw)
	case RuleAvailability:
		return parseAvailability(raw)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRuleType, t)
	}
}

func decodeThreshold(raw json.RawMessage, target any) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: empty payload", ErrInvalidThreshold)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidThreshold, err)
	}
	return nil
}

// -- response_time --

// ResponseTimeCondition triggers when a measured response exceeds MaxResponseTimeMs,
// or, with AlertOnNull, when no response was received at all.
type ResponseTimeCondition struct {
	MaxResponseTimeMs int64
	AlertOnNull       bool
}

func parseResponseTime(raw json.RawMessage) (ResponseTimeCondition, error) {
	var t struct {
		MaxResponseTime *int64 `json:"max_response_time"`
		AlertOnNull     bool   `json:"alert_on_null"`
	}
	if err := decodeThreshold(raw, &t); err != nil {
		return ResponseTimeCondition{}, err
	}
	if t.MaxResponseTime == nil || *t.MaxResponseTime <= 0 {
		return ResponseTimeCondition{}, fmt.Errorf("%w: max_response_time must be positive", ErrInvalidThreshold)
	}
	return ResponseTimeCondition{MaxResponseTimeMs: *t.MaxResponseTime, AlertOnNull: t.AlertOnNull}, nil
}

func (c ResponseTimeCondition) Type() RuleType { return RuleResponseTime }

func (c ResponseTimeCondition) Evaluate(_ context.Context, in EvalInput) (Verdict, error) {
	r := in.Result
	if r == nil {
		return Verdict{Description: "no result to evaluate"}, nil
	}
	if r.ResponseTimeMs != nil {
		if *r.ResponseTimeMs > c.MaxResponseTimeMs {
			return Verdict{
				Trigger:     true,
				Description: fmt.Sprintf("Response time %dms exceeds threshold of %dms", *r.ResponseTimeMs, c.MaxResponseTimeMs),
			}, nil
		}
		return Verdict{Description: fmt.Sprintf("Response time %dms within %dms", *r.ResponseTimeMs, c.MaxResponseTimeMs)}, nil
	}
	if c.AlertOnNull && r.StatusCode == nil {
		return Verdict{Trigger: true, Description: noResponseDescription(r)}, nil
	}
	return Verdict{Description: "no response time recorded"}, nil
}

// -- status_code --

// StatusCodeCondition triggers on status codes outside an allow-list or an
// inclusive range. ExpectedCodes takes precedence when both are present.
type StatusCodeCondition struct {
	ExpectedCodes []int
	MinCode       int
	MaxCode       int
	AlertOnNull   bool
}

func parseStatusCode(raw json.RawMessage) (StatusCodeCondition, error) {
	var t struct {
		ExpectedCodes []int `json:"expected_codes"`
		MinCode       *int  `json:"min_code"`
		MaxCode       *int  `json:"max_code"`
		AlertOnNull   bool  `json:"alert_on_null"`
	}
	if err := decodeThreshold(raw, &t); err != nil {
		return StatusCodeCondition{}, err
	}
	c := StatusCodeCondition{ExpectedCodes: t.ExpectedCodes, AlertOnNull: t.AlertOnNull}
	if len(c.ExpectedCodes) > 0 {
		return c, nil
	}
	if t.MinCode == nil || t.MaxCode == nil {
		return StatusCodeCondition{}, fmt.Errorf("%w: expected_codes or min_code/max_code required", ErrInvalidThreshold)
	}
	if *t.MinCode > *t.MaxCode {
		return StatusCodeCondition{}, fmt.Errorf("%w: min_code %d greater than max_code %d", ErrInvalidThreshold, *t.MinCode, *t.MaxCode)
	}
	c.MinCode, c.MaxCode = *t.MinCode, *t.MaxCode
	return c, nil
}

func (c StatusCodeCondition) Type() RuleType { return RuleStatusCode }

func (c StatusCodeCondition) Evaluate(_ context.Context, in EvalInput) (Verdict, error) {
	r := in.Result
	if r == nil {
		return Verdict{Description: "no result to evaluate"}, nil
	}
	if r.StatusCode == nil {
		if c.AlertOnNull {
			return Verdict{Trigger: true, Description: noResponseDescription(r)}, nil
		}
		return Verdict{Description: "no status code recorded"}, nil
	}
	code := *r.StatusCode
	if len(c.ExpectedCodes) > 0 {
		if slices.Contains(c.ExpectedCodes, code) {
			return Verdict{Description: fmt.Sprintf("Status code %d is expected", code)}, nil
		}
		return Verdict{
			Trigger:     true,
			Description: fmt.Sprintf("Status code %d not in expected codes %v", code, c.ExpectedCodes),
		}, nil
	}
	if code < c.MinCode || code > c.MaxCode {
		return Verdict{
			Trigger:     true,
			Description: fmt.Sprintf("Status code %d outside range %d-%d", code, c.MinCode, c.MaxCode),
		}, nil
	}
	return Verdict{Description: fmt.Sprintf("Status code %d within range %d-%d", code, c.MinCode, c.MaxCode)}, nil
}

// -- availability --

// AvailabilityCondition triggers when rolling uptime over PeriodHours drops
// below MinUptimePercent. Windows with no samples never trigger.
type AvailabilityCondition struct {
	MinUptimePercent float64
	PeriodHours      int
}

func parseAvailability(raw json.RawMessage) (AvailabilityCondition, error) {
	var t struct {
		MinUptime   *float64 `json:"min_uptime_percentage"`
		PeriodHours *int     `json:"period_hours"`
	}
	if err := decodeThreshold(raw, &t); err != nil {
		return AvailabilityCondition{}, err
	}
	if t.MinUptime == nil || t.PeriodHours == nil {
		return AvailabilityCondition{}, fmt.Errorf("%w: min_uptime_percentage and period_hours required", ErrInvalidThreshold)
	}
	if *t.MinUptime < 0 || *t.MinUptime > 100 {
		return AvailabilityCondition{}, fmt.Errorf("%w: min_uptime_percentage %.2f outside [0, 100]", ErrInvalidThreshold, *t.MinUptime)
	}
	if *t.PeriodHours <= 0 {
		return AvailabilityCondition{}, fmt.Errorf("%w: period_hours must be positive", ErrInvalidThreshold)
	}
	return AvailabilityCondition{
		MinUptimePercent: *t.MinUptime,
		PeriodHours:      min(*t.PeriodHours, MaxAvailabilityPeriodHours),
	}, nil
}

func (c AvailabilityCondition) Type() RuleType { return RuleAvailability }

func (c AvailabilityCondition) Evaluate(ctx context.Context, in EvalInput) (Verdict, error) {
	if in.Aggregates == nil {
		return Verdict{}, errors.New("no aggregate provider")
	}
	agg, err := in.Aggregates.Aggregate(ctx, in.EndpointID, c.PeriodHours)
	if err != nil {
		return Verdict{}, fmt.Errorf("aggregate %dh: %w", c.PeriodHours, err)
	}
	if agg.Samples == 0 {
		return Verdict{Aggregate: &agg, Description: fmt.Sprintf("No samples in the last %dh", c.PeriodHours)}, nil
	}
	if agg.UptimePercent < c.MinUptimePercent {
		return Verdict{
			Trigger:   true,
			Aggregate: &agg,
			Description: fmt.Sprintf("Uptime %.2f%% over the last %dh is below %.2f%%",
				agg.UptimePercent, c.PeriodHours, c.MinUptimePercent),
		}, nil
	}
	return Verdict{
		Aggregate:   &agg,
		Description: fmt.Sprintf("Uptime %.2f%% over the last %dh", agg.UptimePercent, c.PeriodHours),
	}, nil
}

func noResponseDescription(r *CheckResult) string {
	if r.Error != nil {
		return fmt.Sprintf("No response received (%s)", *r.Error)
	}
	return "No response received"
}
