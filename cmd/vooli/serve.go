package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mohammad-safakhou/vooli/config"
	"github.com/mohammad-safakhou/vooli/internal/reaper"
	srv "github.com/mohammad-safakhou/vooli/internal/server"
	"github.com/mohammad-safakhou/vooli/internal/telemetry"
)

func serveCMD() *cobra.Command {
	var serveAddr string
	var cfgPath string
	var serve = &cobra.Command{
		Use:   "serve",
		Short: "Run HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return err
			}
			if serveAddr != "" {
				cfg.Server.Address = serveAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := buildApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			if cfg.Reaper.Enabled {
				var locker reaper.Locker
				if a.rdb != nil {
					locker = reaper.RedisLocker{Rdb: a.rdb}
				}
				r, err := reaper.New(cfg.Reaper, cfg.Pipeline.RunTimeout, a.store, locker, a.logger, a.metrics)
				if err != nil {
					return err
				}
				r.Start(ctx)
			}

			e := srv.New(a.chat, srv.Options{
				Secret:         a.secret,
				AllowedOrigins: cfg.Server.AllowedOrigins,
				Metrics:        metricsIfEnabled(a),
				MetricsPath:    cfg.Telemetry.MetricsPath,
				DocsFile:       cfg.Server.DocsFile,
				Logger:         a.logger,
			})

			errCh := make(chan error, 1)
			go func() {
				a.logger.Info("listening", zap.String("addr", cfg.Server.Address))
				errCh <- e.Start(cfg.Server.Address)
			}()

			select {
			case err := <-errCh:
				if !errors.Is(err, http.ErrServerClosed) {
					return err
				}
			case <-ctx.Done():
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.Shutdown(shutdownCtx); err != nil {
				a.logger.Warn("http shutdown", zap.Error(err))
			}
			if err := a.chat.Wait(shutdownCtx); err != nil {
				a.logger.Warn("runs still in flight at shutdown; the reaper will fail them", zap.Error(err))
			}
			return nil
		},
	}
	serve.Flags().StringVar(&serveAddr, "addr", "", "listen address (overrides server.address)")
	serve.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "config file (default is .)")

	return serve
}

func metricsIfEnabled(a *app) *telemetry.Metrics {
	if !a.cfg.Telemetry.Enabled {
		return nil
	}
	return a.metrics
}
