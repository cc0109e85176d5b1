// Package pulse implements endpoint health checking: the due-set scheduler,
// the HTTP checker, the alert evaluator, the notification dispatcher and the
// orchestrator that ties them into a periodic tick.
package pulse

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"go.uber.org/zap"
)

// Compile-time interface guards.
var (
	_ plugin.Plugin        = (*Module)(nil)
	_ plugin.HTTPProvider  = (*Module)(nil)
	_ plugin.HealthChecker = (*Module)(nil)
	_ plugin.Validator     = (*Module)(nil)
)

// Module implements the pulse monitoring plugin.
type Module struct {
	logger *zap.Logger
	cfg    PulseConfig
	store  *PulseStore
	orch   *Orchestrator
	bus    plugin.EventBus
	clock  func() time.Time

	// Checker overrides the HTTP checker; set before Init. Used by tests.
	Checker Checker
}

// New creates a new pulse plugin instance.
func New() *Module {
	return &Module{clock: time.Now}
}

func (m *Module) Info() plugin.PluginInfo {
	return plugin.PluginInfo{
		Name:        "pulse",
		Version:     "0.1.0",
		Description: "Endpoint health checks, alert evaluation and notification",
		Required:    true,
		Roles:       []string{"monitoring", "notification"},
		APIVersion:  plugin.APIVersionCurrent,
	}
}

func (m *Module) Init(ctx context.Context, deps plugin.Dependencies) error {
	m.logger = deps.Logger
	m.bus = deps.Bus

	m.cfg = DefaultConfig()
	if deps.Config != nil {
		if err := deps.Config.Unmarshal(&m.cfg); err != nil {
			return fmt.Errorf("pulse config: %w", err)
		}
	}

	if deps.Store == nil {
		m.logger.Warn("pulse running without a store; checks are disabled")
		return nil
	}
	if err := deps.Store.Migrate(ctx, "pulse", migrations()); err != nil {
		return fmt.Errorf("pulse migrations: %w", err)
	}
	m.store = NewPulseStore(deps.Store.DB())
	m.store.SetClock(m.clock)

	metrics := NewMetrics(deps.Metrics)
	checker := m.Checker
	if checker == nil {
		var opts []CheckerOption
		if m.cfg.InsecureSkipVerify {
			opts = append(opts, WithInsecureTLS())
		}
		checker = NewHTTPChecker(opts...)
	}

	notifyClient := &http.Client{}
	dispatcher := NewDispatcher(DispatcherConfig{
		Notifiers: []Notifier{
			NewEmailNotifier(m.cfg.Notify.SMTP),
			NewSlackNotifier(notifyClient),
			NewWebhookNotifier(notifyClient, m.cfg.Notify.WebhookSecret),
			NewAlertmanagerNotifier(notifyClient, m.cfg.Notify.WebhookSecret),
		},
		Destinations: NewDestinations(m.store, m.cfg.Notify),
		Timeout:      m.cfg.NotifyTimeout,
		MaxPerSecond: m.cfg.Notify.MaxPerSecond,
		Log:          m.store,
		Metrics:      metrics,
		Bus:          deps.Bus,
		Clock:        m.clock,
	}, m.logger.Named("dispatcher"))

	m.orch = NewOrchestrator(m.cfg, OrchestratorDeps{
		Catalog:    m.store,
		Index:      NewLatestIndex(m.store),
		Checker:    checker,
		Results:    m.store,
		Rules:      m.store,
		Aggregates: m.store,
		Evaluator:  NewEvaluator(m.store, m.clock, m.logger.Named("evaluator")),
		Dispatcher: dispatcher,
		Bus:        deps.Bus,
		Metrics:    metrics,
		Clock:      m.clock,
	}, m.logger)

	m.logger.Info("pulse module initialized",
		zap.Duration("tick_interval", m.cfg.TickInterval),
		zap.Int("max_workers", m.cfg.MaxWorkers),
		zap.Bool("availability_sweep", m.cfg.AvailabilitySweep),
		zap.Duration("renotify_interval", m.cfg.RenotifyInterval),
	)
	return nil
}

// ValidateConfig implements plugin.Validator.
func (m *Module) ValidateConfig() error {
	return m.cfg.Validate()
}

// Start launches the tick loop. The loop outlives ctx and ends on Stop.
func (m *Module) Start(_ context.Context) error {
	if m.orch == nil {
		return nil
	}
	m.orch.Start(context.Background())
	m.logger.Info("pulse module started")
	return nil
}

func (m *Module) Stop(_ context.Context) error {
	if m.orch != nil {
		m.orch.Stop()
	}
	m.logger.Info("pulse module stopped")
	return nil
}

// Health implements plugin.HealthChecker.
func (m *Module) Health(_ context.Context) plugin.HealthStatus {
	if m.orch == nil {
		return plugin.HealthStatus{Status: "unhealthy", Message: "no store configured"}
	}
	last, err := m.orch.LastTick()
	details := map[string]string{"running": fmt.Sprint(m.orch.Running())}
	if last == nil {
		return plugin.HealthStatus{Status: "healthy", Message: "no tick yet", Details: details}
	}
	details["last_tick"] = last.StartedAt.Format(time.RFC3339)
	if err != nil {
		return plugin.HealthStatus{Status: "degraded", Message: err.Error(), Details: details}
	}
	return plugin.HealthStatus{Status: "healthy", Details: details}
}

// Orchestrator exposes the pipeline for one-shot runs. Nil without a store.
func (m *Module) Orchestrator() *Orchestrator {
	return m.orch
}

// Store exposes the catalog and result store. Nil without a store.
func (m *Module) Store() *PulseStore {
	return m.store
}

// Config returns the effective configuration after Init.
func (m *Module) Config() PulseConfig {
	return m.cfg
}
