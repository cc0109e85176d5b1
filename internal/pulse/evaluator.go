package pulse

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// RuleWriter records the single field the evaluator owns on a rule.
type RuleWriter interface {
	MarkTriggered(ctx context.Context, ruleID string, at time.Time) error
}

// Evaluator decides whether an alert rule's condition currently holds.
type Evaluator struct {
	writer RuleWriter
	now    func() time.Time
	logger *zap.Logger
}

// NewEvaluator creates an evaluator. A nil clock defaults to time.Now.
func NewEvaluator(writer RuleWriter, clock func() time.Time, logger *zap.Logger) *Evaluator {
	if clock == nil {
		clock = time.Now
	}
	return &Evaluator{writer: writer, now: clock, logger: logger}
}

// Evaluate tests one rule against a fresh result (nil for sweeps) and the
// aggregate provider. It never returns an error: undecodable thresholds,
// unknown types and provider failures are logged and yield no trigger.
func (e *Evaluator) Evaluate(ctx context.Context, rule AlertRule, endpoint Endpoint, result *CheckResult, aggregates AggregateProvider) TriggerDecision {
	d := TriggerDecision{
		Rule:                rule,
		Endpoint:            endpoint,
		Result:              result,
		PreviousTriggeredAt: rule.LastTriggeredAt,
	}
	if !rule.Active {
		d.Description = "rule inactive"
		return d
	}

	log := e.logger.With(
		zap.String("rule_id", rule.ID),
		zap.String("endpoint_id", rule.EndpointID),
		zap.String("rule_type", string(rule.Type)),
	)

	cond, err := rule.Condition()
	if err != nil {
		log.Warn("skipping rule with unusable threshold", zap.Error(err))
		d.Description = err.Error()
		return d
	}

	v, err := cond.Evaluate(ctx, EvalInput{
		EndpointID: rule.EndpointID,
		Result:     result,
		Aggregates: aggregates,
	})
	if err != nil {
		log.Warn("rule evaluation failed", zap.Error(err))
		d.Description = err.Error()
		return d
	}

	d.Description = v.Description
	d.Aggregate = v.Aggregate
	if !v.Trigger {
		return d
	}

	at := e.now().UTC()
	d.ID = uuid.NewString()
	d.Trigger = true
	d.TriggeredAt = at
	d.Rule.LastTriggeredAt = &at

	if e.writer != nil {
		if err := e.writer.MarkTriggered(ctx, rule.ID, at); err != nil {
			log.Warn("failed to record trigger time", zap.Error(err))
		}
	}
	log.Info("alert rule triggered", zap.String("description", d.Description))
	return d
}
