// Package storage persists KPI definitions, computed values, alert rules,
// alerts and forecast points. Every method takes a tenant.Scope and rejects a
// zero scope before touching the database.
package storage

import (
	"context"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
)

// KPIStore manages KPI definitions.
type KPIStore interface {
	// SaveKPI inserts or replaces a definition. CreatedAt is kept on replace.
	SaveKPI(ctx context.Context, scope tenant.Scope, def *model.KPIDefinition) error

	// GetKPI returns model.ErrNotFound when the id does not exist in scope.
	GetKPI(ctx context.Context, scope tenant.Scope, id string) (*model.KPIDefinition, error)

	ListKPIs(ctx context.Context, scope tenant.Scope) ([]model.KPIDefinition, error)

	// SetWatermark records the end of the gap-free prefix of computed periods.
	SetWatermark(ctx context.Context, scope tenant.Scope, kpiID string, at time.Time) error
}

// ValueStore manages computed KPI values.
type ValueStore interface {
	// UpsertValue writes the value for its period, overwriting a previous
	// computation in place. v.ID is set to the stored row's id.
	UpsertValue(ctx context.Context, scope tenant.Scope, v *model.KPIValue) error

	GetValue(ctx context.Context, scope tenant.Scope, kpiID string, p model.Period) (*model.KPIValue, error)

	// ListValues returns values ascending by period start.
	ListValues(ctx context.Context, scope tenant.Scope, kpiID string, f model.ValueFilter) ([]model.KPIValue, error)

	// PeriodsSince returns the periods starting at or after from that have a value.
	PeriodsSince(ctx context.Context, scope tenant.Scope, kpiID string, from time.Time) ([]model.Period, error)

	// PriorValues returns up to n values with data that start before
	// `before`, ascending by period start.
	PriorValues(ctx context.Context, scope tenant.Scope, kpiID string, before time.Time, n int) ([]model.KPIValue, error)

	// LatestValue returns the value with the greatest period start.
	LatestValue(ctx context.Context, scope tenant.Scope, kpiID string) (*model.KPIValue, error)
}

// RuleStore manages alert rules.
type RuleStore interface {
	SaveRule(ctx context.Context, scope tenant.Scope, r *model.AlertRule) error
	GetRule(ctx context.Context, scope tenant.Scope, id string) (*model.AlertRule, error)

	// ListRules returns rules in creation order. An empty kpiID lists all.
	ListRules(ctx context.Context, scope tenant.Scope, kpiID string) ([]model.AlertRule, error)
}

// AlertStore manages alerts. Alerts are never deleted.
type AlertStore interface {
	CreateAlert(ctx context.Context, scope tenant.Scope, a *model.Alert) error
	UpdateAlert(ctx context.Context, scope tenant.Scope, a *model.Alert) error
	GetAlert(ctx context.Context, scope tenant.Scope, id string) (*model.Alert, error)
	ListAlerts(ctx context.Context, scope tenant.Scope, f model.AlertFilter) ([]model.Alert, error)

	// OpenAlertForRule returns the single new or acknowledged alert of a rule.
	OpenAlertForRule(ctx context.Context, scope tenant.Scope, ruleID string) (*model.Alert, error)

	// LatestAlertForRule returns the most recently triggered alert of a rule
	// in any state.
	LatestAlertForRule(ctx context.Context, scope tenant.Scope, ruleID string) (*model.Alert, error)
}

// ForecastStore holds externally computed forecast points.
type ForecastStore interface {
	UpsertForecast(ctx context.Context, scope tenant.Scope, p model.ForecastPoint) error
	GetForecast(ctx context.Context, scope tenant.Scope, kpiID string, periodStart time.Time) (*model.ForecastPoint, error)
}

// Store is the complete persistence layer.
type Store interface {
	KPIStore
	ValueStore
	RuleStore
	AlertStore
	ForecastStore

	// ListTenants returns the tenants that own at least one KPI definition.
	// It is the only unscoped read and exists for the catch-up scheduler.
	ListTenants(ctx context.Context) ([]string, error)

	// WithTx runs fn in a transaction. fn must use the Store it is given for
	// every read and write. Nested calls join the outer transaction.
	WithTx(ctx context.Context, fn func(Store) error) error

	// Close releases resources.
	Close() error
}
