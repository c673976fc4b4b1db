package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/basharzamzami/base44-Analytics/internal/app"
	"github.com/basharzamzami/base44-Analytics/internal/config"
	"github.com/basharzamzami/base44-Analytics/internal/server"
	"golang.org/x/sync/errgroup"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfgFile := flag.String("config", "", "config file (default: ~/.kpi/config.yaml)")
	flag.Parse()

	cfg, err := config.Load(*cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := app.NewLogger(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if cfg.Bootstrap.File != "" {
		b, err := app.LoadBootstrap(cfg.Bootstrap.File)
		if err != nil {
			return err
		}
		if err := app.ApplyBootstrap(ctx, a.Engine, b); err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		logger.Info("bootstrap applied", "file", cfg.Bootstrap.File, "tenants", len(b.Tenants))
	}

	auth, err := server.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.Issuer)
	if err != nil {
		return fmt.Errorf("init auth: %w", err)
	}
	apiServer := server.NewServer(a.Engine, auth, a.Metrics, logger)

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      apiServer.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("kpid started", "listen", cfg.Server.Listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Scheduler.Enabled {
		g.Go(func() error { return a.Scheduler().Run(ctx) })
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
