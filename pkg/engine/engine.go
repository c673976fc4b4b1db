// Package engine is the entry point of the KPI evaluation and alerting
// engine. Every operation authorizes the caller against the requested tenant
// before any store access.
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/basharzamzami/base44-Analytics/pkg/formula"
	"github.com/basharzamzami/base44-Analytics/pkg/keylock"
	"github.com/basharzamzami/base44-Analytics/pkg/lifecycle"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/records"
	"github.com/basharzamzami/base44-Analytics/pkg/rules"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
)

// Options wires an Engine. Store and Records are required.
type Options struct {
	Store     storage.Store
	Records   records.Source
	Locker    keylock.Locker
	Publisher lifecycle.Publisher
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
	// MaxPeriods caps one catch-up evaluation. Zero uses DefaultMaxPeriods.
	MaxPeriods int
}

// Engine exposes tenant-guarded operations over KPIs, values and alerts.
type Engine struct {
	guard       *tenant.Guard
	store       storage.Store
	lifecycle   *lifecycle.Manager
	rules       *rules.Engine
	coordinator *Coordinator
	logger      *slog.Logger
}

// New creates an engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	lc := lifecycle.NewManager(opts.Store, opts.Publisher, logger)
	ruleEngine := rules.NewEngine(lc, logger)
	coord := NewCoordinator(opts.Store, opts.Records, ruleEngine, opts.Locker, opts.Publisher, opts.Metrics, logger)
	coord.SetMaxPeriods(opts.MaxPeriods)
	return &Engine{
		guard:       tenant.NewGuard(logger),
		store:       opts.Store,
		lifecycle:   lc,
		rules:       ruleEngine,
		coordinator: coord,
		logger:      logger,
	}
}

// Coordinator returns the evaluation coordinator.
func (e *Engine) Coordinator() *Coordinator { return e.coordinator }

// Lifecycle returns the alert lifecycle manager.
func (e *Engine) Lifecycle() *lifecycle.Manager { return e.lifecycle }

// Rules returns the rule engine.
func (e *Engine) Rules() *rules.Engine { return e.rules }

// Authorize mints a scope for p acting on tenantID.
func (e *Engine) Authorize(p tenant.Principal, tenantID string) (tenant.Scope, error) {
	return e.guard.Authorize(p, tenantID)
}

var kpiIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:-]*$`)

// ApplyKPI creates or replaces a KPI definition. Once a KPI has values its
// formula and granularity can no longer change. Replacing a definition waits
// for any in-flight evaluation of the same KPI.
func (e *Engine) ApplyKPI(ctx context.Context, p tenant.Principal, tenantID string, def *model.KPIDefinition) error {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return err
	}
	if err := validateKPI(def); err != nil {
		return err
	}

	if def.ID != "" {
		unlock, err := e.coordinator.lockKPIs(ctx, scope, def.ID)
		if err != nil {
			return err
		}
		defer unlock()
	}

	return e.store.WithTx(ctx, func(tx storage.Store) error {
		if def.ID != "" {
			existing, err := tx.GetKPI(ctx, scope, def.ID)
			switch {
			case errors.Is(err, model.ErrNotFound):
			case err != nil:
				return err
			default:
				if err := e.checkLocked(ctx, tx, scope, existing, def); err != nil {
					return err
				}
				def.CreatedAt = existing.CreatedAt
				def.Watermark = existing.Watermark
			}
		}
		if err := tx.SaveKPI(ctx, scope, def); err != nil {
			return err
		}
		e.logger.Info("kpi applied", "tenant", scope.ID(), "kpi", def.ID, "granularity", def.Granularity)
		return nil
	})
}

func validateKPI(def *model.KPIDefinition) error {
	if def.ID != "" && !kpiIDPattern.MatchString(def.ID) {
		return fmt.Errorf("invalid kpi id %q: %w", def.ID, model.ErrInvalidInput)
	}
	if strings.TrimSpace(def.Name) == "" {
		return fmt.Errorf("kpi has no name: %w", model.ErrInvalidInput)
	}
	if !def.Granularity.Valid() {
		return fmt.Errorf("unsupported granularity %q: %w", def.Granularity, model.ErrInvalidFormula)
	}
	return formula.Validate(def.Formula)
}

func (e *Engine) checkLocked(ctx context.Context, tx storage.Store, scope tenant.Scope, existing, def *model.KPIDefinition) error {
	_, err := tx.LatestValue(ctx, scope, existing.ID)
	if errors.Is(err, model.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if existing.Granularity != def.Granularity {
		return fmt.Errorf("kpi %s granularity %s -> %s: %w", existing.ID, existing.Granularity, def.Granularity, model.ErrDefinitionLocked)
	}
	same, err := sameFormula(existing.Formula, def.Formula)
	if err != nil {
		return err
	}
	if !same {
		return fmt.Errorf("kpi %s formula changed: %w", existing.ID, model.ErrDefinitionLocked)
	}
	return nil
}

// sameFormula compares formulas by their stored encoding, so numbers decoded
// as float64 equal the integers they were written as.
func sameFormula(a, b model.Formula) (bool, error) {
	ja, err := json.Marshal(a)
	if err != nil {
		return false, fmt.Errorf("encode formula: %w", err)
	}
	jb, err := json.Marshal(b)
	if err != nil {
		return false, fmt.Errorf("encode formula: %w", err)
	}
	return bytes.Equal(ja, jb), nil
}

// UpdateMetadata changes the non-breaking fields of a KPI definition.
func (e *Engine) UpdateMetadata(ctx context.Context, p tenant.Principal, tenantID, kpiID string, md model.KPIMetadata) (*model.KPIDefinition, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	if md.Name != nil && strings.TrimSpace(*md.Name) == "" {
		return nil, fmt.Errorf("kpi name must not be empty: %w", model.ErrInvalidInput)
	}

	var def *model.KPIDefinition
	err = e.store.WithTx(ctx, func(tx storage.Store) error {
		d, err := tx.GetKPI(ctx, scope, kpiID)
		if err != nil {
			return err
		}
		if md.Name != nil {
			d.Name = *md.Name
		}
		if md.Description != nil {
			d.Description = *md.Description
		}
		if md.Vertical != nil {
			d.Vertical = *md.Vertical
		}
		if md.Unit != nil {
			d.Unit = *md.Unit
		}
		if md.Target != nil {
			target := *md.Target
			d.Target = &target
		}
		if err := tx.SaveKPI(ctx, scope, d); err != nil {
			return err
		}
		def = d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return def, nil
}

func (e *Engine) GetKPI(ctx context.Context, p tenant.Principal, tenantID, kpiID string) (*model.KPIDefinition, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.store.GetKPI(ctx, scope, kpiID)
}

func (e *Engine) ListKPIs(ctx context.Context, p tenant.Principal, tenantID string) ([]model.KPIDefinition, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.store.ListKPIs(ctx, scope)
}

// CreateRule validates and stores an alert rule for an existing KPI. An
// existing rule with the same id is replaced. The write waits for in-flight
// evaluations of the rule's KPI, and of its previous KPI when it moves.
func (e *Engine) CreateRule(ctx context.Context, p tenant.Principal, tenantID string, r *model.AlertRule) error {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return err
	}
	if err := rules.Validate(*r); err != nil {
		return err
	}

	kpis := []string{r.KPIID}
	if r.ID != "" {
		existing, err := e.store.GetRule(ctx, scope, r.ID)
		switch {
		case errors.Is(err, model.ErrNotFound):
		case err != nil:
			return err
		default:
			kpis = append(kpis, existing.KPIID)
		}
	}
	unlock, err := e.coordinator.lockKPIs(ctx, scope, kpis...)
	if err != nil {
		return err
	}
	defer unlock()

	return e.store.WithTx(ctx, func(tx storage.Store) error {
		if _, err := tx.GetKPI(ctx, scope, r.KPIID); err != nil {
			return fmt.Errorf("rule kpi: %w", err)
		}
		if r.ID != "" {
			existing, err := tx.GetRule(ctx, scope, r.ID)
			switch {
			case errors.Is(err, model.ErrNotFound):
			case err != nil:
				return err
			default:
				if !slices.Contains(kpis, existing.KPIID) {
					return fmt.Errorf("rule %s moved concurrently: %w", r.ID, model.ErrStoreUnavailable)
				}
				r.CreatedAt = existing.CreatedAt
			}
		}
		return tx.SaveRule(ctx, scope, r)
	})
}

func (e *Engine) ListRules(ctx context.Context, p tenant.Principal, tenantID, kpiID string) ([]model.AlertRule, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.store.ListRules(ctx, scope, kpiID)
}

// Evaluate triggers an evaluation of one KPI.
func (e *Engine) Evaluate(ctx context.Context, p tenant.Principal, tenantID, kpiID string, req Request) (*Report, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.coordinator.Evaluate(ctx, scope, kpiID, req)
}

func (e *Engine) Values(ctx context.Context, p tenant.Principal, tenantID, kpiID string, f model.ValueFilter) ([]model.KPIValue, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	if !f.From.IsZero() && !f.To.IsZero() && f.To.Before(f.From) {
		return nil, fmt.Errorf("range ends before it starts: %w", model.ErrInvalidInput)
	}
	return e.store.ListValues(ctx, scope, kpiID, f)
}

func (e *Engine) Alerts(ctx context.Context, p tenant.Principal, tenantID string, f model.AlertFilter) ([]model.Alert, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.store.ListAlerts(ctx, scope, f)
}

func (e *Engine) GetAlert(ctx context.Context, p tenant.Principal, tenantID, alertID string) (*model.Alert, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.store.GetAlert(ctx, scope, alertID)
}

// Acknowledge records that p is handling an alert.
func (e *Engine) Acknowledge(ctx context.Context, p tenant.Principal, tenantID, alertID, note string) (*model.Alert, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.lifecycle.Acknowledge(ctx, scope, alertID, "", note)
}

// Resolve closes an alert on behalf of p.
func (e *Engine) Resolve(ctx context.Context, p tenant.Principal, tenantID, alertID, note string) (*model.Alert, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.lifecycle.Resolve(ctx, scope, alertID, "", note)
}

// LinkTask attaches an external task reference to an alert.
func (e *Engine) LinkTask(ctx context.Context, p tenant.Principal, tenantID, alertID, taskRef string) (*model.Alert, error) {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return nil, err
	}
	return e.lifecycle.LinkTask(ctx, scope, alertID, taskRef)
}

// UpsertForecast stores an externally computed forecast point.
func (e *Engine) UpsertForecast(ctx context.Context, p tenant.Principal, tenantID string, fp model.ForecastPoint) error {
	scope, err := e.guard.Authorize(p, tenantID)
	if err != nil {
		return err
	}
	if fp.Lower > fp.Upper {
		return fmt.Errorf("forecast lower %g above upper %g: %w", fp.Lower, fp.Upper, model.ErrInvalidInput)
	}
	if _, err := e.store.GetKPI(ctx, scope, fp.KPIID); err != nil {
		return fmt.Errorf("forecast kpi: %w", err)
	}
	return e.store.UpsertForecast(ctx, scope, fp)
}
