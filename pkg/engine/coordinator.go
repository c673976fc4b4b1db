package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"time"

	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/basharzamzami/base44-Analytics/pkg/formula"
	"github.com/basharzamzami/base44-Analytics/pkg/keylock"
	"github.com/basharzamzami/base44-Analytics/pkg/lifecycle"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/records"
	"github.com/basharzamzami/base44-Analytics/pkg/rules"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/basharzamzami/base44-Analytics/pkg/window"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxPeriods bounds how many missing periods one catch-up computes.
const DefaultMaxPeriods = 1000

// Request selects what an evaluation computes. With Period set exactly that
// period is (re)computed. Otherwise every closed period missing between the
// KPI's watermark, or From when set, and Now is computed.
type Request struct {
	Period *model.Period
	From   time.Time
	// Now is the catch-up horizon. Zero means the current time.
	Now time.Time
	// Limit caps the number of periods. Zero uses the coordinator default.
	Limit int
}

func (r Request) flightKey() string {
	if r.Period != nil {
		return "period/" + r.Period.Key()
	}
	return "catchup/" + strconv.FormatInt(r.From.UnixNano(), 10) + "/" +
		strconv.FormatInt(r.Now.UnixNano(), 10) + "/" + strconv.Itoa(r.Limit)
}

// PeriodOutcome is the result of one period. Err is set when the period
// could not be computed; other periods of the same report are unaffected.
type PeriodOutcome struct {
	Period      model.Period       `json:"period"`
	Value       *model.KPIValue    `json:"value,omitempty"`
	Transitions []model.Transition `json:"transitions,omitempty"`
	Err         error              `json:"-"`
}

// Report summarizes an evaluation.
type Report struct {
	TenantID  string          `json:"tenant_id"`
	KPIID     string          `json:"kpi_id"`
	Periods   []PeriodOutcome `json:"periods"`
	Watermark time.Time       `json:"watermark"`
}

// Err joins the errors of all failed periods.
func (r *Report) Err() error {
	var errs []error
	for _, p := range r.Periods {
		if p.Err != nil {
			errs = append(errs, p.Err)
		}
	}
	return errors.Join(errs...)
}

// Transitions returns every transition of the report in period order.
func (r *Report) Transitions() []model.Transition {
	var out []model.Transition
	for _, p := range r.Periods {
		out = append(out, p.Transitions...)
	}
	return out
}

// Coordinator computes KPI values and runs alert rules against them. At most
// one evaluation per (tenant, KPI) runs at a time; identical concurrent
// requests share one result.
type Coordinator struct {
	store      storage.Store
	source     records.Source
	rules      *rules.Engine
	locker     keylock.Locker
	publisher  lifecycle.Publisher
	metrics    *metrics.Metrics
	logger     *slog.Logger
	maxPeriods int
	now        func() time.Time
	flight     singleflight.Group
}

// NewCoordinator creates a coordinator. publisher and m may be nil; locker
// defaults to an in-process lock table.
func NewCoordinator(store storage.Store, source records.Source, ruleEngine *rules.Engine, locker keylock.Locker, publisher lifecycle.Publisher, m *metrics.Metrics, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = keylock.NewLocal()
	}
	return &Coordinator{
		store:      store,
		source:     source,
		rules:      ruleEngine,
		locker:     locker,
		publisher:  publisher,
		metrics:    m,
		logger:     logger,
		maxPeriods: DefaultMaxPeriods,
		now:        time.Now,
	}
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

// SetMaxPeriods changes the default catch-up limit.
func (c *Coordinator) SetMaxPeriods(n int) {
	if n > 0 {
		c.maxPeriods = n
	}
}

// Evaluate runs req for one KPI. The work itself is detached from ctx: a
// caller that gives up receives model.ErrStoreUnavailable while the
// evaluation completes for anyone else waiting on it.
func (c *Coordinator) Evaluate(ctx context.Context, scope tenant.Scope, kpiID string, req Request) (*Report, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	if kpiID == "" {
		return nil, fmt.Errorf("empty kpi id: %w", model.ErrInvalidInput)
	}

	key := keylock.Key(scope.ID(), kpiID, req.flightKey())
	detached := context.WithoutCancel(ctx)
	ch := c.flight.DoChan(key, func() (any, error) {
		return c.run(detached, scope, kpiID, req)
	})

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("evaluate kpi %s: %w: %w", kpiID, model.ErrStoreUnavailable, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Report), nil
	}
}

// lockKPIs takes the evaluation lock of each KPI in a fixed order, so two
// callers locking overlapping sets never deadlock. The returned func releases
// them all.
func (c *Coordinator) lockKPIs(ctx context.Context, scope tenant.Scope, kpiIDs ...string) (func(), error) {
	ids := slices.Clone(kpiIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	unlocks := make([]func(), 0, len(ids))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, id := range ids {
		unlock, err := c.locker.Lock(ctx, keylock.Key(scope.ID(), id))
		if err != nil {
			release()
			return nil, fmt.Errorf("lock kpi %s: %w: %w", id, model.ErrStoreUnavailable, err)
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

func (c *Coordinator) run(ctx context.Context, scope tenant.Scope, kpiID string, req Request) (*Report, error) {
	started := time.Now()
	defer func() { c.metrics.EvaluationDone(time.Since(started)) }()

	unlock, err := c.lockKPIs(ctx, scope, kpiID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	kpi, err := c.store.GetKPI(ctx, scope, kpiID)
	if err != nil {
		return nil, fmt.Errorf("get kpi: %w", err)
	}
	if err := formula.Validate(kpi.Formula); err != nil {
		return nil, fmt.Errorf("kpi %s: %w", kpi.ID, err)
	}

	now := req.Now
	if now.IsZero() {
		now = c.now()
	}
	now = now.UTC()

	periods, err := c.plan(ctx, scope, kpi, req, now)
	if err != nil {
		return nil, err
	}

	report := &Report{TenantID: scope.ID(), KPIID: kpi.ID, Watermark: kpi.Watermark}
	for _, p := range periods {
		report.Periods = append(report.Periods, c.evaluatePeriod(ctx, scope, kpi, p))
	}

	if ts := report.Transitions(); len(ts) > 0 {
		for _, tr := range ts {
			c.metrics.Transition(string(tr.Action))
		}
		if c.publisher != nil {
			c.publisher.Publish(ctx, ts)
		}
	}

	wm, err := c.advanceWatermark(ctx, scope, kpi, now)
	if err != nil {
		c.logger.Error("advance watermark", "tenant", scope.ID(), "kpi", kpi.ID, "error", err)
	} else {
		report.Watermark = wm
	}

	c.logger.Info("kpi evaluated",
		"tenant", scope.ID(),
		"kpi", kpi.ID,
		"periods", len(report.Periods),
		"watermark", report.Watermark,
	)
	return report, nil
}

// anchor is where catch-up starts when no explicit From is given.
func anchor(kpi *model.KPIDefinition) time.Time {
	if !kpi.Watermark.IsZero() {
		return kpi.Watermark
	}
	return kpi.CreatedAt
}

func (c *Coordinator) plan(ctx context.Context, scope tenant.Scope, kpi *model.KPIDefinition, req Request, now time.Time) ([]model.Period, error) {
	if req.Period != nil {
		p := model.Period{Start: req.Period.Start.UTC(), End: req.Period.End.UTC()}
		if err := window.Validate(kpi.Granularity, p); err != nil {
			return nil, fmt.Errorf("kpi %s: %w: %w", kpi.ID, model.ErrInvalidInput, err)
		}
		return []model.Period{p}, nil
	}

	from := req.From
	if from.IsZero() {
		from = anchor(kpi)
	}
	from = window.Floor(kpi.Granularity, from)
	have, err := c.computed(ctx, scope, kpi.ID, from)
	if err != nil {
		return nil, err
	}

	limit := req.Limit
	if limit <= 0 {
		limit = c.maxPeriods
	}
	var periods []model.Period
	for p := range window.Missing(kpi.Granularity, from, now, have, limit) {
		periods = append(periods, p)
	}
	return periods, nil
}

// computed returns a membership test over the periods with a stored value
// starting at or after from.
func (c *Coordinator) computed(ctx context.Context, scope tenant.Scope, kpiID string, from time.Time) (func(model.Period) bool, error) {
	stored, err := c.store.PeriodsSince(ctx, scope, kpiID, from)
	if err != nil {
		return nil, fmt.Errorf("list computed periods: %w", err)
	}
	set := make(map[string]struct{}, len(stored))
	for _, p := range stored {
		set[p.Key()] = struct{}{}
	}
	return func(p model.Period) bool {
		_, ok := set[p.Key()]
		return ok
	}, nil
}

func (c *Coordinator) evaluatePeriod(ctx context.Context, scope tenant.Scope, kpi *model.KPIDefinition, p model.Period) PeriodOutcome {
	out := PeriodOutcome{Period: p}
	fail := func(err error) PeriodOutcome {
		out.Err = fmt.Errorf("period %s: %w", p.Key(), err)
		c.metrics.PeriodEvaluated(metrics.OutcomeFailed)
		c.logger.Warn("kpi period failed",
			"tenant", scope.ID(),
			"kpi", kpi.ID,
			"period_start", p.Start,
			"error", err,
		)
		return out
	}

	res, err := formula.Evaluate(kpi.Formula, c.source.Fetch(ctx, scope, kpi.Formula.EntityType, p.Range()))
	if err != nil {
		return fail(err)
	}

	value := &model.KPIValue{
		KPIID:       kpi.ID,
		PeriodStart: p.Start,
		PeriodEnd:   p.End,
		Value:       res.Ptr(),
		Considered:  res.Considered,
		Skipped:     res.Skipped,
		ComputedAt:  c.now().UTC(),
	}
	var transitions []model.Transition
	err = c.store.WithTx(ctx, func(tx storage.Store) error {
		newest := true
		latest, err := tx.LatestValue(ctx, scope, kpi.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
		case err != nil:
			return err
		default:
			newest = !p.Start.Before(latest.PeriodStart)
		}

		if err := tx.UpsertValue(ctx, scope, value); err != nil {
			return err
		}
		if !newest || c.rules == nil {
			return nil
		}
		transitions, err = c.rules.Apply(ctx, tx, scope, kpi, value)
		return err
	})
	if err != nil {
		return fail(err)
	}

	out.Value = value
	out.Transitions = transitions
	if value.HasData() {
		c.metrics.PeriodEvaluated(metrics.OutcomeValue)
	} else {
		c.metrics.PeriodEvaluated(metrics.OutcomeNoData)
	}
	c.logger.Debug("kpi period computed",
		"tenant", scope.ID(),
		"kpi", kpi.ID,
		"period_start", p.Start,
		"no_data", !value.HasData(),
		"considered", value.Considered,
		"skipped", value.Skipped,
		"transitions", len(transitions),
	)
	return out
}

// advanceWatermark moves the KPI watermark to the end of the gap-free run of
// computed periods. A failed period stops the run so later passes retry it.
func (c *Coordinator) advanceWatermark(ctx context.Context, scope tenant.Scope, kpi *model.KPIDefinition, now time.Time) (time.Time, error) {
	from := window.Floor(kpi.Granularity, anchor(kpi))
	have, err := c.computed(ctx, scope, kpi.ID, from)
	if err != nil {
		return kpi.Watermark, err
	}
	wm := window.Contiguous(kpi.Granularity, from, now, have)
	if !wm.After(kpi.Watermark) {
		return kpi.Watermark, nil
	}
	if err := c.store.SetWatermark(ctx, scope, kpi.ID, wm); err != nil {
		return kpi.Watermark, err
	}
	kpi.Watermark = wm
	return wm, nil
}
