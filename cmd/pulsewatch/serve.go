package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/HerbHall/pulsewatch/internal/auth"
	"github.com/HerbHall/pulsewatch/internal/seed"
	"github.com/HerbHall/pulsewatch/internal/server"
	"github.com/HerbHall/pulsewatch/internal/version"
	"github.com/HerbHall/pulsewatch/internal/ws"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the tick loop and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, root.configPath)
		},
	}
}

func serve(ctx context.Context, configPath string) error {
	a, err := newApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()
	logger := a.logger
	logger.Info("pulsewatch starting", zap.String("version", version.Short()))

	if path := a.v.GetString("seed.path"); path != "" {
		if err := applySeed(ctx, path, a); err != nil {
			return err
		}
		if a.v.GetBool("seed.watch") {
			go func() {
				err := seed.Watch(ctx, path, logger.Named("seed"), func(ctx context.Context, c *seed.Catalog) {
					if _, err := c.Apply(ctx, a.pulse.Store()); err != nil {
						logger.Error("apply reloaded seed catalog", zap.Error(err))
					}
				})
				if err != nil {
					logger.Error("seed watcher stopped", zap.Error(err))
				}
			}()
		}
	}

	srvCfg, err := server.ServerConfig(a.v)
	if err != nil {
		return err
	}

	var tokens *auth.TokenService
	if secret := a.v.GetString("stream.token_secret"); secret != "" {
		tokens = auth.NewTokenService([]byte(secret), a.v.GetDuration("stream.token_ttl"))
	} else {
		logger.Warn("stream.token_secret is empty; the API and stream are unauthenticated")
	}

	stream := ws.NewHandler(tokens, a.bus, logger.Named("ws"))

	opts := []server.Option{
		server.WithRegistry(a.metrics),
		server.WithReadiness(a.db.Ping),
		server.WithRoutes(stream),
	}
	if tokens != nil {
		opts = append(opts, server.WithAuth(auth.Middleware(tokens)))
	}
	srv := server.New(srvCfg, a.reg, logger, opts...)

	if err := a.reg.StartAll(ctx); err != nil {
		stream.Close()
		return err
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()
	logger.Info("pulsewatch ready", zap.String("addr", srvCfg.Addr()))

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	stream.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := a.reg.StopAll(shutdownCtx); err != nil {
		logger.Error("plugin shutdown error", zap.Error(err))
	}
	logger.Info("pulsewatch stopped")
	return serveErr
}

func applySeed(ctx context.Context, path string, a *app) error {
	c, err := seed.Load(path)
	if err != nil {
		return fmt.Errorf("load seed %s: %w", path, err)
	}
	st, err := c.Apply(ctx, a.pulse.Store())
	if err != nil {
		return err
	}
	a.logger.Info("seed catalog applied",
		zap.String("path", path),
		zap.Int("tenants", st.Tenants),
		zap.Int("endpoints", st.Endpoints),
		zap.Int("rules", st.Rules),
	)
	return nil
}
