package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/basharzamzami/base44-Analytics/pkg/keylock"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"golang.org/x/sync/errgroup"
)

// SchedulerConfig tunes the periodic catch-up.
type SchedulerConfig struct {
	Interval    time.Duration
	Parallelism int
	// MaxPeriods caps the periods computed per KPI and pass.
	MaxPeriods  int
	BackoffBase time.Duration
	BackoffMax  time.Duration
}

func (c SchedulerConfig) withDefaults() SchedulerConfig {
	if c.Interval <= 0 {
		c.Interval = time.Minute
	}
	if c.Parallelism <= 0 {
		c.Parallelism = 4
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 30 * time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Minute
	}
	if c.BackoffMax < c.BackoffBase {
		c.BackoffMax = c.BackoffBase
	}
	return c
}

type backoffState struct {
	failures int
	until    time.Time
}

// Scheduler periodically catches up every KPI of every tenant. A KPI whose
// evaluation hit a store failure is skipped for an exponentially growing
// delay.
type Scheduler struct {
	engine  *Engine
	cfg     SchedulerConfig
	metrics *metrics.Metrics
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	backoff map[string]backoffState
}

// NewScheduler creates a scheduler over e. m may be nil.
func NewScheduler(e *Engine, cfg SchedulerConfig, m *metrics.Metrics, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		engine:  e,
		cfg:     cfg.withDefaults(),
		metrics: m,
		logger:  logger,
		now:     time.Now,
		backoff: make(map[string]backoffState),
	}
}

// SetClock replaces the time source used for backoff and the catch-up horizon.
func (s *Scheduler) SetClock(now func() time.Time) {
	s.now = now
}

// Run executes a pass immediately and then on every interval until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.cfg.Interval, "parallelism", s.cfg.Parallelism)
	if err := s.RunOnce(ctx); err != nil {
		s.logger.Error("scheduler pass failed", "error", err)
	}

	t := time.NewTicker(s.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case <-t.C:
			if err := s.RunOnce(ctx); err != nil {
				s.logger.Error("scheduler pass failed", "error", err)
			}
		}
	}
}

// RunOnce catches up every KPI once. Per-KPI failures are logged and do not
// fail the pass.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	tenants, err := s.engine.store.ListTenants(ctx)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Parallelism)
	for _, id := range tenants {
		scope, err := s.engine.Authorize(tenant.Service("scheduler", id), id)
		if err != nil {
			s.logger.Error("authorize scheduler", "tenant", id, "error", err)
			continue
		}
		kpis, err := s.engine.store.ListKPIs(ctx, scope)
		if err != nil {
			s.logger.Error("list kpis", "tenant", id, "error", err)
			continue
		}
		for _, kpi := range kpis {
			key := keylock.Key(id, kpi.ID)
			if s.backingOff(key) {
				s.metrics.Scheduled("skipped")
				continue
			}
			g.Go(func() error {
				s.evaluate(ctx, scope, key, kpi.ID)
				return nil
			})
		}
	}
	return g.Wait()
}

func (s *Scheduler) evaluate(ctx context.Context, scope tenant.Scope, key, kpiID string) {
	report, err := s.engine.coordinator.Evaluate(ctx, scope, kpiID, Request{Now: s.now(), Limit: s.cfg.MaxPeriods})
	if err == nil {
		err = report.Err()
	}
	if err == nil {
		s.clearBackoff(key)
		s.metrics.Scheduled("ok")
		return
	}

	s.metrics.Scheduled("failed")
	if errors.Is(err, model.ErrStoreUnavailable) {
		delay := s.fail(key)
		s.metrics.Backoff()
		s.logger.Warn("kpi evaluation backing off",
			"tenant", scope.ID(),
			"kpi", kpiID,
			"delay", delay,
			"error", err,
		)
		return
	}
	s.logger.Error("scheduled evaluation failed", "tenant", scope.ID(), "kpi", kpiID, "error", err)
}

func (s *Scheduler) backingOff(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoff[key]
	return ok && s.now().Before(b.until)
}

// fail records a store failure for key and returns the delay before the
// next attempt: base, 2*base, 4*base, ... capped at max.
func (s *Scheduler) fail(key string) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.backoff[key]
	b.failures++
	delay := s.cfg.BackoffBase
	for i := 1; i < b.failures && delay < s.cfg.BackoffMax; i++ {
		delay *= 2
	}
	delay = min(delay, s.cfg.BackoffMax)
	b.until = s.now().Add(delay)
	s.backoff[key] = b
	return delay
}

func (s *Scheduler) clearBackoff(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.backoff, key)
}

// Backoff returns the time before which key is skipped, and whether it is
// backing off at all.
func (s *Scheduler) Backoff(key string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backoff[key]
	return b.until, ok
}
