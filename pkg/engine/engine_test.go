package engine_test

import (
	"context"
	"testing"

	"github.com/basharzamzami/base44-Analytics/pkg/engine"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/records"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// nilStore panics on any call, proving that rejected requests never reach
// the store.
type nilStore struct{ storage.Store }

func TestEngine_CrossTenantTouchesNothing(t *testing.T) {
	e := engine.New(engine.Options{Store: nilStore{}, Records: records.Slice(nil), Logger: quietLogger()})
	mallory := tenant.Principal{Subject: "mallory", TenantID: "globex"}
	ctx := context.Background()
	p := dayPeriod(0)

	calls := map[string]func() error{
		"apply kpi": func() error { return e.ApplyKPI(ctx, mallory, "acme", revenueKPI()) },
		"get kpi": func() error {
			_, err := e.GetKPI(ctx, mallory, "acme", "revenue")
			return err
		},
		"list kpis": func() error {
			_, err := e.ListKPIs(ctx, mallory, "acme")
			return err
		},
		"update metadata": func() error {
			_, err := e.UpdateMetadata(ctx, mallory, "acme", "revenue", model.KPIMetadata{})
			return err
		},
		"create rule": func() error { return e.CreateRule(ctx, mallory, "acme", &model.AlertRule{}) },
		"list rules": func() error {
			_, err := e.ListRules(ctx, mallory, "acme", "")
			return err
		},
		"evaluate": func() error {
			_, err := e.Evaluate(ctx, mallory, "acme", "revenue", engine.Request{Period: &p})
			return err
		},
		"values": func() error {
			_, err := e.Values(ctx, mallory, "acme", "revenue", model.ValueFilter{})
			return err
		},
		"alerts": func() error {
			_, err := e.Alerts(ctx, mallory, "acme", model.AlertFilter{})
			return err
		},
		"get alert": func() error {
			_, err := e.GetAlert(ctx, mallory, "acme", "a1")
			return err
		},
		"acknowledge": func() error {
			_, err := e.Acknowledge(ctx, mallory, "acme", "a1", "")
			return err
		},
		"resolve": func() error {
			_, err := e.Resolve(ctx, mallory, "acme", "a1", "")
			return err
		},
		"link task": func() error {
			_, err := e.LinkTask(ctx, mallory, "acme", "a1", "T-1")
			return err
		},
		"forecast": func() error {
			return e.UpsertForecast(ctx, mallory, "acme", model.ForecastPoint{KPIID: "revenue"})
		},
	}
	for name, call := range calls {
		t.Run(name, func(t *testing.T) {
			var err error
			assert.NotPanics(t, func() { err = call() })
			assert.ErrorIs(t, err, model.ErrTenantMismatch)
		})
	}
}

func TestEngine_TenantsAreIsolated(t *testing.T) {
	h := newHarness(t, defaultRecords())
	globex := tenant.Principal{Subject: "gina", TenantID: "globex"}
	h.applyKPI(t, h.acme, revenueKPI())
	h.applyKPI(t, globex, revenueKPI())
	ctx := context.Background()

	p := dayPeriod(0)
	_, err := h.engine.Evaluate(ctx, globex, "globex", "revenue", engine.Request{Period: &p})
	require.NoError(t, err)
	_, err = h.engine.Evaluate(ctx, h.acme, "acme", "revenue", engine.Request{Period: &p})
	require.NoError(t, err)

	acme := h.values(t)
	require.Len(t, acme, 1)
	assert.Equal(t, 150.0, *acme[0].Value)

	other, err := h.engine.Values(ctx, globex, "globex", "revenue", model.ValueFilter{})
	require.NoError(t, err)
	require.Len(t, other, 1)
	assert.Equal(t, 9999.0, *other[0].Value)
}

func TestEngine_ApplyKPIValidates(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	bad := revenueKPI()
	bad.Formula.Field = "1amount"
	assert.ErrorIs(t, h.engine.ApplyKPI(ctx, h.acme, "acme", bad), model.ErrInvalidFormula)

	bad = revenueKPI()
	bad.Granularity = "yearly"
	assert.ErrorIs(t, h.engine.ApplyKPI(ctx, h.acme, "acme", bad), model.ErrInvalidFormula)

	bad = revenueKPI()
	bad.Name = " "
	assert.ErrorIs(t, h.engine.ApplyKPI(ctx, h.acme, "acme", bad), model.ErrInvalidInput)

	for _, id := range []string{"rev/enue", "../revenue", "rev enue", "%2F"} {
		bad = revenueKPI()
		bad.ID = id
		assert.ErrorIs(t, h.engine.ApplyKPI(ctx, h.acme, "acme", bad), model.ErrInvalidInput, id)
	}

	ok := revenueKPI()
	ok.ID = "revenue.net_v2"
	assert.NoError(t, h.engine.ApplyKPI(ctx, h.acme, "acme", ok))
}

func TestEngine_DefinitionLockedOnceValuesExist(t *testing.T) {
	h := newHarness(t, defaultRecords())
	ctx := context.Background()

	def := revenueKPI()
	def.Formula.Filter = &model.Predicate{Field: "amount", Op: model.OpGte, Value: 10}
	h.applyKPI(t, h.acme, def)

	// Without values the formula may still change.
	changed := revenueKPI()
	changed.Formula.Filter = &model.Predicate{Field: "amount", Op: model.OpGte, Value: 0}
	h.applyKPI(t, h.acme, changed)
	h.applyKPI(t, h.acme, def)

	p := dayPeriod(0)
	_, err := h.engine.Evaluate(ctx, h.acme, "acme", "revenue", engine.Request{Period: &p})
	require.NoError(t, err)

	assert.ErrorIs(t, h.engine.ApplyKPI(ctx, h.acme, "acme", changed), model.ErrDefinitionLocked)

	weekly := revenueKPI()
	weekly.Formula = def.Formula
	weekly.Granularity = model.Weekly
	assert.ErrorIs(t, h.engine.ApplyKPI(ctx, h.acme, "acme", weekly), model.ErrDefinitionLocked)

	same := revenueKPI()
	same.Formula.Filter = &model.Predicate{Field: "amount", Op: model.OpGte, Value: 10}
	same.Name = "Gross revenue"
	require.NoError(t, h.engine.ApplyKPI(ctx, h.acme, "acme", same))

	name, target := "Net revenue", 500.0
	got, err := h.engine.UpdateMetadata(ctx, h.acme, "acme", "revenue", model.KPIMetadata{Name: &name, Target: &target})
	require.NoError(t, err)
	assert.Equal(t, "Net revenue", got.Name)
	require.NotNil(t, got.Target)
	assert.Equal(t, 500.0, *got.Target)
	assert.Equal(t, day0, got.CreatedAt)
	assert.Equal(t, model.Daily, got.Granularity)

	empty := ""
	_, err = h.engine.UpdateMetadata(ctx, h.acme, "acme", "revenue", model.KPIMetadata{Name: &empty})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestEngine_CreateRule(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.applyKPI(t, h.acme, revenueKPI())

	err := h.engine.CreateRule(ctx, h.acme, "acme", &model.AlertRule{KPIID: "revenue", Kind: model.RuleThreshold, Severity: model.SeverityLow})
	assert.ErrorIs(t, err, model.ErrInvalidRule)

	err = h.engine.CreateRule(ctx, h.acme, "acme", &model.AlertRule{
		KPIID:     "missing",
		Kind:      model.RuleThreshold,
		Severity:  model.SeverityLow,
		Threshold: &model.ThresholdParams{Comparator: model.CmpLt, Limit: 1},
	})
	assert.ErrorIs(t, err, model.ErrNotFound)

	h.addThresholdRule(t, 100)
	list, err := h.engine.ListRules(ctx, h.acme, "acme", "revenue")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "big day", list[0].Name)
}

func TestEngine_AlertWorkflow(t *testing.T) {
	h := newHarness(t, defaultRecords())
	ctx := context.Background()
	h.applyKPI(t, h.acme, revenueKPI())
	h.addThresholdRule(t, 100)

	p := dayPeriod(0)
	report, err := h.engine.Evaluate(ctx, h.acme, "acme", "revenue", engine.Request{Period: &p})
	require.NoError(t, err)
	require.Len(t, report.Transitions(), 1)

	open, err := h.engine.Alerts(ctx, h.acme, "acme", model.AlertFilter{State: model.StateNew})
	require.NoError(t, err)
	require.Len(t, open, 1)
	id := open[0].ID

	acked, err := h.engine.Acknowledge(ctx, h.acme, "acme", id, "on it")
	require.NoError(t, err)
	assert.Equal(t, "alice", acked.AcknowledgedBy)

	linked, err := h.engine.LinkTask(ctx, h.acme, "acme", id, "TASK-7")
	require.NoError(t, err)
	assert.Equal(t, "TASK-7", linked.TaskRef)

	resolved, err := h.engine.Resolve(ctx, h.acme, "acme", id, "")
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, resolved.State)

	_, err = h.engine.Acknowledge(ctx, h.acme, "acme", id, "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	got, err := h.engine.GetAlert(ctx, h.acme, "acme", id)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionManual, got.Resolution)

	actions := make([]model.TransitionAction, 0, 3)
	for _, tr := range h.pub.all() {
		actions = append(actions, tr.Action)
	}
	assert.Equal(t, []model.TransitionAction{model.ActionCreated, model.ActionAcknowledged, model.ActionResolved}, actions)
}

func TestEngine_UpsertForecast(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.applyKPI(t, h.acme, revenueKPI())

	err := h.engine.UpsertForecast(ctx, h.acme, "acme", model.ForecastPoint{KPIID: "revenue", PeriodStart: day(1), Lower: 5, Upper: 1})
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	err = h.engine.UpsertForecast(ctx, h.acme, "acme", model.ForecastPoint{KPIID: "missing", PeriodStart: day(1)})
	assert.ErrorIs(t, err, model.ErrNotFound)

	require.NoError(t, h.engine.UpsertForecast(ctx, h.acme, "acme", model.ForecastPoint{
		KPIID: "revenue", PeriodStart: day(1), Predicted: 100, Lower: 90, Upper: 110,
	}))
}

func TestEngine_ValuesRange(t *testing.T) {
	h := newHarness(t, defaultRecords())
	ctx := context.Background()
	h.applyKPI(t, h.acme, revenueKPI())
	_, err := h.engine.Evaluate(ctx, h.acme, "acme", "revenue", engine.Request{})
	require.NoError(t, err)

	vals, err := h.engine.Values(ctx, h.acme, "acme", "revenue", model.ValueFilter{From: day(1), To: day(3)})
	require.NoError(t, err)
	require.Len(t, vals, 2)
	assert.Equal(t, day(1), vals[0].PeriodStart)

	_, err = h.engine.Values(ctx, h.acme, "acme", "revenue", model.ValueFilter{From: day(3), To: day(1)})
	assert.ErrorIs(t, err, model.ErrInvalidInput)
}
