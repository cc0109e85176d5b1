package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/HerbHall/pulsewatch/internal/config"
	"github.com/HerbHall/pulsewatch/internal/event"
	"github.com/HerbHall/pulsewatch/internal/pulse"
	"github.com/HerbHall/pulsewatch/internal/registry"
	"github.com/HerbHall/pulsewatch/internal/server"
	"github.com/HerbHall/pulsewatch/internal/store"
	"github.com/HerbHall/pulsewatch/internal/version"
	"github.com/HerbHall/pulsewatch/pkg/plugin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// app is the composed process: config, logger, database, bus and the
// initialized plugin registry.
type app struct {
	v       *viper.Viper
	logger  *zap.Logger
	db      *store.SQLiteStore
	bus     *event.Bus
	reg     *registry.Registry
	pulse   *pulse.Module
	metrics *prometheus.Registry
}

// newApp loads configuration, opens the database and initializes plugins.
// Plugins are not started.
func newApp(ctx context.Context, configPath string) (*app, error) {
	v, err := server.LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}
	logger, err := config.NewLogger(v)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	if f := v.ConfigFileUsed(); f != "" {
		logger.Info("configuration loaded", zap.String("component", "config"), zap.String("source", f))
	} else {
		logger.Warn("no configuration file found, using defaults", zap.String("component", "config"))
	}

	dbPath := v.GetString("database.path")
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := store.New(dbPath)
	if err != nil {
		return nil, err
	}
	if err := db.CheckVersion(ctx, version.Short()); err != nil {
		db.Close()
		return nil, err
	}
	logger.Info("database initialized", zap.String("component", "database"), zap.String("path", dbPath))

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	a := &app{
		v:       v,
		logger:  logger,
		db:      db,
		bus:     event.NewBus(logger.Named("event")),
		reg:     registry.New(logger.Named("registry")),
		pulse:   pulse.New(),
		metrics: metrics,
	}

	if err := a.reg.Register(a.pulse); err != nil {
		a.close()
		return nil, err
	}
	if !v.GetBool("plugins.pulse.enabled") {
		a.close()
		return nil, errors.New("the pulse plugin is disabled; nothing to run")
	}
	if err := a.reg.Validate(); err != nil {
		a.close()
		return nil, fmt.Errorf("plugin validation: %w", err)
	}

	cfg := config.New(v)
	err = a.reg.InitAll(ctx, func(name string) plugin.Dependencies {
		return plugin.Dependencies{
			Config:  cfg.Sub("plugins." + name),
			Logger:  logger.Named(name),
			Store:   db,
			Bus:     a.bus,
			Plugins: a.reg,
			Metrics: metrics,
		}
	})
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close releases the database and flushes the logger.
func (a *app) close() {
	a.bus.Wait()
	if err := a.db.Close(); err != nil {
		a.logger.Warn("close database", zap.Error(err))
	}
	_ = a.logger.Sync()
}
