// Package rules evaluates threshold and anomaly rules against the newest
// value of a KPI and opens, refreshes or auto-resolves alerts.
package rules

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/lifecycle"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
)

// Validate checks a rule definition. Failures wrap model.ErrInvalidRule.
func Validate(r model.AlertRule) error {
	if r.KPIID == "" {
		return fmt.Errorf("rule has no kpi: %w", model.ErrInvalidRule)
	}
	if !r.Severity.Valid() {
		return fmt.Errorf("unknown severity %q: %w", r.Severity, model.ErrInvalidRule)
	}
	switch r.Kind {
	case model.RuleThreshold:
		if r.Threshold == nil {
			return fmt.Errorf("threshold rule without parameters: %w", model.ErrInvalidRule)
		}
		switch r.Threshold.Comparator {
		case model.CmpGt, model.CmpLt, model.CmpGte, model.CmpLte, model.CmpEq:
		default:
			return fmt.Errorf("unknown comparator %q: %w", r.Threshold.Comparator, model.ErrInvalidRule)
		}
		if math.IsNaN(r.Threshold.Limit) || math.IsInf(r.Threshold.Limit, 0) {
			return fmt.Errorf("threshold limit must be finite: %w", model.ErrInvalidRule)
		}
	case model.RuleAnomaly:
		if p := r.Anomaly; p != nil {
			if p.Window < 0 || p.MinSamples < 0 || p.Sensitivity < 0 || math.IsNaN(p.Sensitivity) {
				return fmt.Errorf("anomaly parameters must not be negative: %w", model.ErrInvalidRule)
			}
		}
	default:
		return fmt.Errorf("unknown rule kind %q: %w", r.Kind, model.ErrInvalidRule)
	}
	return nil
}

// Engine applies alert rules.
type Engine struct {
	lifecycle *lifecycle.Manager
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine creates a rule engine that resolves alerts through lc.
func NewEngine(lc *lifecycle.Manager, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{lifecycle: lc, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Apply runs every enabled rule of kpi against value, in rule creation order.
// It must run in the transaction that wrote value, and only for the newest
// value of the KPI.
func (e *Engine) Apply(ctx context.Context, tx storage.Store, scope tenant.Scope, kpi *model.KPIDefinition, value *model.KPIValue) ([]model.Transition, error) {
	if err := scope.Owns(kpi.TenantID); err != nil {
		return nil, err
	}
	rules, err := tx.ListRules(ctx, scope, kpi.ID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var out []model.Transition
	for i := range rules {
		rule := &rules[i]
		if !rule.Enabled {
			continue
		}
		tr, err := e.applyRule(ctx, tx, scope, kpi, rule, value)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
		out = append(out, tr...)
	}
	return out, nil
}

func (e *Engine) applyRule(ctx context.Context, tx storage.Store, scope tenant.Scope, kpi *model.KPIDefinition, rule *model.AlertRule, value *model.KPIValue) ([]model.Transition, error) {
	fired, detail, err := e.fires(ctx, tx, scope, kpi, rule, value)
	if errors.Is(err, model.ErrInsufficientBaseline) {
		e.logger.Debug("anomaly rule inert", "tenant", scope.ID(), "kpi", kpi.ID, "rule", rule.ID, "reason", err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	open, err := tx.OpenAlertForRule(ctx, scope, rule.ID)
	if errors.Is(err, model.ErrNotFound) {
		open = nil
	} else if err != nil {
		return nil, err
	}

	if !fired {
		if open == nil {
			return nil, nil
		}
		tr, err := e.lifecycle.AutoResolve(ctx, tx, scope, open, e.now(), value.Value)
		if err != nil {
			return nil, err
		}
		return []model.Transition{tr}, nil
	}

	v := *value.Value
	if open != nil {
		return e.refresh(ctx, tx, scope, open, value, v)
	}

	latest, err := tx.LatestAlertForRule(ctx, scope, rule.ID)
	if errors.Is(err, model.ErrNotFound) {
		latest = nil
	} else if err != nil {
		return nil, err
	}
	if latest != nil {
		// This period was already observed by an alert that has since been
		// resolved by hand.
		if !value.PeriodEnd.After(latest.LastPeriodEnd) {
			return nil, nil
		}
		// An anomaly streak continues across a manual resolve.
		if rule.Kind == model.RuleAnomaly && latest.LastPeriodEnd.Equal(value.PeriodStart) {
			e.observe(latest, value, v)
			return nil, tx.UpdateAlert(ctx, scope, latest)
		}
	}

	now := e.now().UTC()
	a := &model.Alert{
		TenantID:       scope.ID(),
		RuleID:         rule.ID,
		KPIID:          kpi.ID,
		RuleKind:       rule.Kind,
		Severity:       rule.Severity,
		State:          model.StateNew,
		TriggeredAt:    now,
		TriggerValueID: value.ID,
		PeriodStart:    value.PeriodStart,
		PeriodEnd:      value.PeriodEnd,
		LastObservedAt: now,
		LastPeriodEnd:  value.PeriodEnd,
		ObservedCount:  1,
		ObservedValue:  v,
		Context:        detail,
	}
	if err := tx.CreateAlert(ctx, scope, a); err != nil {
		return nil, err
	}
	e.logger.Info("alert opened",
		"tenant", scope.ID(),
		"kpi", kpi.ID,
		"rule", rule.ID,
		"severity", rule.Severity,
		"value", v,
	)
	return []model.Transition{lifecycle.Created(a, value.Value)}, nil
}

func (e *Engine) refresh(ctx context.Context, tx storage.Store, scope tenant.Scope, open *model.Alert, value *model.KPIValue, v float64) ([]model.Transition, error) {
	if !value.PeriodEnd.After(open.LastPeriodEnd) {
		// Recomputation of an observed period only corrects the value.
		if open.ObservedValue == v {
			return nil, nil
		}
		open.ObservedValue = v
		return nil, tx.UpdateAlert(ctx, scope, open)
	}
	e.observe(open, value, v)
	if err := tx.UpdateAlert(ctx, scope, open); err != nil {
		return nil, err
	}
	return []model.Transition{lifecycle.Refreshed(open, value.Value)}, nil
}

func (e *Engine) observe(a *model.Alert, value *model.KPIValue, v float64) {
	a.LastObservedAt = e.now().UTC()
	a.LastPeriodEnd = value.PeriodEnd
	a.ObservedCount++
	a.ObservedValue = v
}

// fires reports whether rule is satisfied by value. A value without data
// never satisfies a rule.
func (e *Engine) fires(ctx context.Context, tx storage.Store, scope tenant.Scope, kpi *model.KPIDefinition, rule *model.AlertRule, value *model.KPIValue) (bool, string, error) {
	if !value.HasData() {
		return false, "", nil
	}
	v := *value.Value

	switch rule.Kind {
	case model.RuleThreshold:
		if rule.Threshold == nil {
			return false, "", fmt.Errorf("threshold rule without parameters: %w", model.ErrInvalidRule)
		}
		ok := Compare(v, rule.Threshold.Comparator, rule.Threshold.Limit)
		return ok, fmt.Sprintf("%s = %g %s %g", kpi.Name, v, rule.Threshold.Comparator, rule.Threshold.Limit), nil

	case model.RuleAnomaly:
		var params model.AnomalyParams
		if rule.Anomaly != nil {
			params = *rule.Anomaly
		}
		params = params.WithDefaults()

		prior, err := tx.PriorValues(ctx, scope, kpi.ID, value.PeriodStart, params.Window)
		if err != nil {
			return false, "", err
		}
		baseline := make([]float64, 0, len(prior))
		for _, p := range prior {
			baseline = append(baseline, *p.Value)
		}

		var forecast *model.ForecastPoint
		if params.UseForecast {
			forecast, err = tx.GetForecast(ctx, scope, kpi.ID, value.PeriodStart)
			if errors.Is(err, model.ErrNotFound) {
				forecast = nil
			} else if err != nil {
				return false, "", err
			}
		}
		return Anomalous(v, baseline, params, forecast)

	default:
		return false, "", fmt.Errorf("unknown rule kind %q: %w", rule.Kind, model.ErrInvalidRule)
	}
}

// Compare applies a threshold comparator.
func Compare(v float64, cmp model.Comparator, limit float64) bool {
	switch cmp {
	case model.CmpGt:
		return v > limit
	case model.CmpLt:
		return v < limit
	case model.CmpGte:
		return v >= limit
	case model.CmpLte:
		return v <= limit
	case model.CmpEq:
		return v == limit
	}
	return false
}
