// Package app wires configuration into a running engine. It is shared by
// the kpid daemon and the kpictl command line.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/basharzamzami/base44-Analytics/internal/config"
	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/basharzamzami/base44-Analytics/pkg/alerts"
	"github.com/basharzamzami/base44-Analytics/pkg/engine"
	"github.com/basharzamzami/base44-Analytics/pkg/keylock"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/records"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/redis/go-redis/v9"
)

// App is a fully wired engine and the resources it owns.
type App struct {
	Config  *config.Config
	Engine  *engine.Engine
	Store   *storage.SQLite
	Records records.Source
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	closers []io.Closer
}

// Open builds an App from cfg. Close releases everything it opened.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = NewLogger(cfg)
	}
	a := &App{Config: cfg, Metrics: metrics.New(), Logger: logger}

	store, err := storage.NewSQLite(cfg.Storage.Path)
	if err != nil {
		return nil, fmt.Errorf("init storage: %w", err)
	}
	a.Store = store
	a.closers = append(a.closers, store)

	src, err := openRecords(ctx, cfg.Records)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Records = src
	if c, ok := src.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	locker, err := a.openLocker(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.Engine = engine.New(engine.Options{
		Store:      store,
		Records:    src,
		Locker:     locker,
		Publisher:  a.dispatcher(),
		Metrics:    a.Metrics,
		Logger:     logger,
		MaxPeriods: cfg.Scheduler.MaxPeriods,
	})
	return a, nil
}

func openRecords(ctx context.Context, cfg config.RecordsConfig) (records.Source, error) {
	switch cfg.Driver {
	case "postgres":
		src, err := records.OpenPostgres(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("init records: %w", err)
		}
		return src, nil
	default:
		src, err := records.NewSQLite(cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("init records: %w", err)
		}
		return src, nil
	}
}

func (a *App) openLocker(ctx context.Context) (keylock.Locker, error) {
	cfg := a.Config.Lock
	if cfg.Backend != "redis" {
		return keylock.NewLocal(), nil
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
	}
	a.closers = append(a.closers, rdb)
	a.Logger.Info("using redis locks", "addr", cfg.Redis.Addr)
	return keylock.NewRedis(rdb, cfg.Prefix,
		keylock.WithTTL(cfg.TTL),
		keylock.WithLogger(a.Logger),
	), nil
}

// dispatcher creates alert notifiers from config.
func (a *App) dispatcher() *alerts.Dispatcher {
	cfg := a.Config.Alerts
	var notifiers []alerts.Notifier

	if cfg.Slack.Enabled && cfg.Slack.WebhookURL != "" {
		notifiers = append(notifiers, alerts.NewSlackNotifier(cfg.Slack.WebhookURL, cfg.Slack.Channel))
	}
	if cfg.Webhook.Enabled && cfg.Webhook.URL != "" {
		notifiers = append(notifiers, alerts.NewWebhookNotifier(cfg.Webhook.URL, cfg.Webhook.Secret))
	}
	if cfg.Kafka.Enabled && len(cfg.Kafka.Brokers) > 0 {
		k := alerts.NewKafkaNotifier(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		notifiers = append(notifiers, k)
		a.closers = append(a.closers, k)
	}

	actions := make([]model.TransitionAction, 0, len(cfg.Actions))
	for _, s := range cfg.Actions {
		actions = append(actions, model.TransitionAction(s))
	}
	return alerts.NewDispatcher(notifiers, actions, a.Metrics, a.Logger)
}

// Scheduler creates the catch-up scheduler configured for this app.
func (a *App) Scheduler() *engine.Scheduler {
	cfg := a.Config.Scheduler
	return engine.NewScheduler(a.Engine, engine.SchedulerConfig{
		Interval:    cfg.Interval,
		Parallelism: cfg.Parallelism,
		MaxPeriods:  cfg.MaxPeriods,
		BackoffBase: cfg.BackoffBase,
		BackoffMax:  cfg.BackoffMax,
	}, a.Metrics, a.Logger)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// NewLogger creates a structured logger from config.
func NewLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	return slog.New(handler)
}
