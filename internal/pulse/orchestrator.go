package pulse

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"go.uber.org/zap"
)

// ErrTickInProgress is returned when RunTick is called while a tick runs.
var ErrTickInProgress = errors.New("tick already in progress")

// RuleCatalog lists active alert rules.
type RuleCatalog interface {
	ListActiveRules(ctx context.Context, endpointID string) ([]AlertRule, error)
	ListActiveRulesByType(ctx context.Context, t RuleType) ([]AlertRule, error)
}

// ResultAppender persists check results.
type ResultAppender interface {
	InsertResult(ctx context.Context, r *CheckResult) error
}

// TickSummary counts what one tick did.
type TickSummary struct {
	StartedAt           time.Time     `json:"started_at"`
	Duration            time.Duration `json:"duration_ns"`
	Due                 int           `json:"due"`
	Checked             int           `json:"checked"`
	Succeeded           int           `json:"succeeded"`
	Failed              int           `json:"failed"`
	AlertsTriggered     int           `json:"alerts_triggered"`
	Suppressed          int           `json:"suppressed"`
	NotificationsSent   int           `json:"notifications_sent"`
	NotificationsFailed int           `json:"notifications_failed"`
	SweptRules          int           `json:"swept_rules"`
	Errors              int           `json:"errors"`
}

type tickCounters struct {
	checked, succeeded, failed      atomic.Int64
	alerts, suppressed              atomic.Int64
	sent, notifyFailed, swept, errs atomic.Int64
}

func (c *tickCounters) fill(s *TickSummary) {
	s.Checked = int(c.checked.Load())
	s.Succeeded = int(c.succeeded.Load())
	s.Failed = int(c.failed.Load())
	s.AlertsTriggered = int(c.alerts.Load())
	s.Suppressed = int(c.suppressed.Load())
	s.NotificationsSent = int(c.sent.Load())
	s.NotificationsFailed = int(c.notifyFailed.Load())
	s.SweptRules = int(c.swept.Load())
	s.Errors = int(c.errs.Load())
}

// OrchestratorDeps are the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Catalog    EndpointCatalog
	Index      *LatestIndex
	Checker    Checker
	Results    ResultAppender
	Rules      RuleCatalog
	Aggregates AggregateProvider
	Evaluator  *Evaluator
	Dispatcher AlertDispatcher
	Bus        plugin.EventBus
	Metrics    *Metrics
	Clock      func() time.Time
}

// Orchestrator runs the check, evaluate, dispatch pipeline one tick at a time.
type Orchestrator struct {
	cfg  PulseConfig
	deps OrchestratorDeps
	due  *DueSet
	now  func() time.Time

	logger *zap.Logger

	tickMu  sync.Mutex
	lastMu  sync.RWMutex
	last    *TickSummary
	lastErr error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewOrchestrator creates an orchestrator.
func NewOrchestrator(cfg PulseConfig, deps OrchestratorDeps, logger *zap.Logger) *Orchestrator {
	if deps.Index == nil {
		deps.Index = NewLatestIndex(nil)
	}
	if deps.Metrics == nil {
		deps.Metrics = NewMetrics(nil)
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}
	if cfg.MaxWorkers < 1 {
		cfg.MaxWorkers = 1
	}
	return &Orchestrator{
		cfg:    cfg,
		deps:   deps,
		due:    NewDueSet(deps.Catalog, deps.Index),
		now:    deps.Clock,
		logger: logger,
	}
}

// RunTick executes one full cycle. The returned error is tick-fatal (due set
// unavailable); per-endpoint failures are counted in the summary instead.
// No new endpoint is started once ctx is cancelled, but checks already in
// flight run to their own deadline and their results are kept.
func (o *Orchestrator) RunTick(ctx context.Context) (TickSummary, error) {
	if !o.tickMu.TryLock() {
		return TickSummary{}, ErrTickInProgress
	}
	defer o.tickMu.Unlock()

	summary := TickSummary{StartedAt: o.now().UTC()}
	var c tickCounters
	err := o.runTick(ctx, summary.StartedAt, &summary, &c)
	c.fill(&summary)
	summary.Duration = o.now().Sub(summary.StartedAt)
	o.deps.Metrics.TickDuration.Observe(summary.Duration.Seconds())

	o.lastMu.Lock()
	o.last = &summary
	o.lastErr = err
	o.lastMu.Unlock()

	if err != nil {
		o.logger.Error("tick aborted", zap.Error(err))
		return summary, err
	}
	publish(ctx, o.deps.Bus, TopicTickCompleted, &summary)
	o.logger.Info("tick completed",
		zap.Int("due", summary.Due),
		zap.Int("checked", summary.Checked),
		zap.Int("failed", summary.Failed),
		zap.Int("alerts", summary.AlertsTriggered),
		zap.Int("notifications_sent", summary.NotificationsSent),
		zap.Int("notifications_failed", summary.NotificationsFailed),
		zap.Duration("duration", summary.Duration),
	)
	return summary, nil
}

func (o *Orchestrator) runTick(ctx context.Context, now time.Time, summary *TickSummary, c *tickCounters) error {
	due, err := o.due.DueEndpoints(ctx, now)
	if err != nil {
		return fmt.Errorf("compute due set: %w", err)
	}
	summary.Due = len(due)

	o.fanOut(ctx, len(due), func(i int) {
		o.processEndpoint(ctx, due[i], now, c)
	})

	if !o.cfg.AvailabilitySweep || ctx.Err() != nil {
		return nil
	}
	checked := make(map[string]bool, len(due))
	for i := range due {
		checked[due[i].ID] = true
	}
	if err := o.sweepAvailability(ctx, checked, c); err != nil {
		c.errs.Add(1)
		o.logger.Warn("availability sweep failed", zap.Error(err))
	}
	return nil
}

// fanOut runs fn(0..n-1) on at most MaxWorkers goroutines and stops
// starting new work once ctx is done.
func (o *Orchestrator) fanOut(ctx context.Context, n int, fn func(i int)) {
	sem := make(chan struct{}, o.cfg.MaxWorkers)
	var wg sync.WaitGroup

dispatch:
	for i := 0; i < n; i++ {
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			break dispatch
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			fn(i)
		}(i)
	}
	wg.Wait()
}

// processEndpoint checks ep and evaluates its rules. The result is stamped
// with the tick instant so the next due computation sees a full interval.
func (o *Orchestrator) processEndpoint(ctx context.Context, ep Endpoint, tickAt time.Time, c *tickCounters) {
	log := o.logger.With(zap.String("endpoint_id", ep.ID))
	defer func() {
		if r := recover(); r != nil {
			c.errs.Add(1)
			log.Error("endpoint processing panicked", zap.Any("panic", r))
		}
	}()

	// Detached from tick cancellation; the hard deadline still applies.
	work := context.WithoutCancel(ctx)
	checkCtx, cancel := context.WithTimeout(work, ep.Timeout()+o.cfg.DeadlineGrace)
	started := o.now()
	result := o.deps.Checker.Check(checkCtx, ep)
	cancel()
	result.CheckedAt = tickAt
	o.deps.Metrics.CheckDuration.Observe(o.now().Sub(started).Seconds())

	c.checked.Add(1)
	o.deps.Metrics.EndpointsChecked.Inc()
	if result.Success() {
		c.succeeded.Add(1)
		o.deps.Metrics.ChecksSucceeded.Inc()
	} else {
		c.failed.Add(1)
		o.deps.Metrics.ChecksFailed.Inc()
	}

	if err := o.deps.Results.InsertResult(work, &result); err != nil {
		c.errs.Add(1)
		log.Warn("failed to persist check result", zap.Error(err))
	} else {
		o.deps.Index.Record(ep.ID, result.CheckedAt)
		publish(work, o.deps.Bus, TopicResultRecorded, &result)
	}

	rules, err := o.deps.Rules.ListActiveRules(work, ep.ID)
	if err != nil {
		c.errs.Add(1)
		log.Warn("failed to load alert rules", zap.Error(err))
		return
	}
	for i := range rules {
		d := o.deps.Evaluator.Evaluate(work, rules[i], ep, &result, o.deps.Aggregates)
		o.handleDecision(work, d, c)
	}
}

// SweepAvailability evaluates availability rules of active endpoints not in
// skip, so rolling-uptime alerts fire between checks.
func (o *Orchestrator) SweepAvailability(ctx context.Context, skip map[string]bool) (TickSummary, error) {
	summary := TickSummary{StartedAt: o.now().UTC()}
	var c tickCounters
	err := o.sweepAvailability(ctx, skip, &c)
	c.fill(&summary)
	summary.Duration = o.now().Sub(summary.StartedAt)
	return summary, err
}

func (o *Orchestrator) sweepAvailability(ctx context.Context, skip map[string]bool, c *tickCounters) error {
	rules, err := o.deps.Rules.ListActiveRulesByType(ctx, RuleAvailability)
	if err != nil {
		return fmt.Errorf("list availability rules: %w", err)
	}
	if len(rules) == 0 {
		return nil
	}
	endpoints, err := o.deps.Catalog.ListActiveEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("list active endpoints: %w", err)
	}
	byID := make(map[string]Endpoint, len(endpoints))
	for i := range endpoints {
		byID[endpoints[i].ID] = endpoints[i]
	}

	pending := rules[:0]
	for i := range rules {
		if _, ok := byID[rules[i].EndpointID]; ok && !skip[rules[i].EndpointID] {
			pending = append(pending, rules[i])
		}
	}

	o.fanOut(ctx, len(pending), func(i int) {
		rule := pending[i]
		defer func() {
			if r := recover(); r != nil {
				c.errs.Add(1)
				o.logger.Error("availability sweep panicked",
					zap.String("rule_id", rule.ID), zap.Any("panic", r))
			}
		}()
		c.swept.Add(1)
		d := o.deps.Evaluator.Evaluate(ctx, rule, byID[rule.EndpointID], nil, o.deps.Aggregates)
		o.handleDecision(ctx, d, c)
	})
	return nil
}

func (o *Orchestrator) handleDecision(ctx context.Context, d TriggerDecision, c *tickCounters) {
	if !d.Trigger {
		return
	}
	c.alerts.Add(1)
	o.deps.Metrics.AlertsTriggered.Inc()
	publish(ctx, o.deps.Bus, TopicAlertTriggered, &d)

	if !o.shouldNotify(d) {
		c.suppressed.Add(1)
		o.deps.Metrics.NotificationsSuppressed.Inc()
		o.logger.Debug("notification suppressed by renotify interval",
			zap.String("rule_id", d.Rule.ID),
			zap.Timep("previous_triggered_at", d.PreviousTriggeredAt),
		)
		return
	}
	if o.deps.Dispatcher == nil {
		return
	}
	report := o.deps.Dispatcher.Dispatch(ctx, d)
	c.sent.Add(int64(report.Sent()))
	c.notifyFailed.Add(int64(report.Failed()))
}

// shouldNotify applies the renotify interval: with a positive interval, a
// rule that already triggered within it is not dispatched again.
func (o *Orchestrator) shouldNotify(d TriggerDecision) bool {
	if o.cfg.RenotifyInterval <= 0 || d.PreviousTriggeredAt == nil {
		return true
	}
	return d.TriggeredAt.Sub(*d.PreviousTriggeredAt) >= o.cfg.RenotifyInterval
}

// LastTick returns the most recent tick summary and its fatal error, if any.
// The summary is nil before the first tick.
func (o *Orchestrator) LastTick() (*TickSummary, error) {
	o.lastMu.RLock()
	defer o.lastMu.RUnlock()
	if o.last == nil {
		return nil, nil
	}
	s := *o.last
	return &s, o.lastErr
}
