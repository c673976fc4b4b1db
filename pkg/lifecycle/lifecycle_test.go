package lifecycle_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/lifecycle"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu sync.Mutex
	ts []model.Transition
}

func (r *recorder) Publish(_ context.Context, ts []model.Transition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ts = append(r.ts, ts...)
}

var t0 = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T) (*storage.SQLite, *lifecycle.Manager, *recorder, tenant.Scope) {
	t.Helper()
	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	rec := &recorder{}
	m := lifecycle.NewManager(store, rec, nil)
	m.SetClock(func() time.Time { return t0 })

	scope, err := tenant.NewGuard(nil).Authorize(tenant.Principal{Subject: "alice", TenantID: "acme"}, "acme")
	require.NoError(t, err)
	return store, m, rec, scope
}

func openAlert(t *testing.T, store storage.Store, scope tenant.Scope) *model.Alert {
	t.Helper()
	a := &model.Alert{
		RuleID:         "r1",
		KPIID:          "revenue",
		RuleKind:       model.RuleThreshold,
		Severity:       model.SeverityHigh,
		State:          model.StateNew,
		TriggeredAt:    t0.Add(-time.Hour),
		TriggerValueID: "v1",
		PeriodStart:    t0.Add(-25 * time.Hour),
		PeriodEnd:      t0.Add(-time.Hour),
		LastObservedAt: t0.Add(-time.Hour),
		LastPeriodEnd:  t0.Add(-time.Hour),
		ObservedCount:  1,
		ObservedValue:  120,
	}
	require.NoError(t, store.CreateAlert(context.Background(), scope, a))
	return a
}

func TestNext(t *testing.T) {
	tests := []struct {
		from   model.AlertState
		action model.TransitionAction
		want   model.AlertState
		ok     bool
	}{
		{"", model.ActionCreated, model.StateNew, true},
		{model.StateNew, model.ActionAcknowledged, model.StateAcknowledged, true},
		{model.StateNew, model.ActionResolved, model.StateResolved, true},
		{model.StateAcknowledged, model.ActionResolved, model.StateResolved, true},
		{model.StateNew, model.ActionRefreshed, model.StateNew, true},
		{model.StateAcknowledged, model.ActionRefreshed, model.StateAcknowledged, true},
		{model.StateAcknowledged, model.ActionAcknowledged, "", false},
		{model.StateResolved, model.ActionAcknowledged, "", false},
		{model.StateResolved, model.ActionResolved, "", false},
		{model.StateResolved, model.ActionRefreshed, "", false},
		{model.StateNew, model.ActionCreated, "", false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.action), func(t *testing.T) {
			got, err := lifecycle.Next(tt.from, tt.action)
			if !tt.ok {
				assert.ErrorIs(t, err, model.ErrInvalidTransition)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestManager_AcknowledgeThenResolve(t *testing.T) {
	store, m, rec, scope := setup(t)
	ctx := context.Background()
	a := openAlert(t, store, scope)

	acked, err := m.Acknowledge(ctx, scope, a.ID, "", "looking into it")
	require.NoError(t, err)
	assert.Equal(t, model.StateAcknowledged, acked.State)
	assert.Equal(t, "alice", acked.AcknowledgedBy)
	require.NotNil(t, acked.AcknowledgedAt)
	assert.Equal(t, t0, *acked.AcknowledgedAt)
	assert.Equal(t, "looking into it", acked.Context)

	_, err = m.Acknowledge(ctx, scope, a.ID, "", "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	// A clock that moved backwards must not break timestamp ordering.
	m.SetClock(func() time.Time { return t0.Add(-time.Minute) })
	resolved, err := m.Resolve(ctx, scope, a.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, resolved.State)
	assert.Equal(t, model.ResolutionManual, resolved.Resolution)
	assert.Equal(t, "bob", resolved.ResolvedBy)
	assert.False(t, resolved.ResolvedAt.Before(*resolved.AcknowledgedAt))

	_, err = m.Resolve(ctx, scope, a.ID, "bob", "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)
	_, err = m.Acknowledge(ctx, scope, a.ID, "bob", "")
	assert.ErrorIs(t, err, model.ErrInvalidTransition)

	stored, err := store.GetAlert(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, stored.State)

	require.Len(t, rec.ts, 2)
	assert.Equal(t, model.ActionAcknowledged, rec.ts[0].Action)
	assert.Equal(t, model.StateNew, rec.ts[0].From)
	assert.Equal(t, model.ActionResolved, rec.ts[1].Action)
	assert.Equal(t, model.StateAcknowledged, rec.ts[1].From)
}

func TestManager_ResolveNewDirectly(t *testing.T) {
	store, m, _, scope := setup(t)
	a := openAlert(t, store, scope)

	resolved, err := m.Resolve(context.Background(), scope, a.ID, "", "false positive")
	require.NoError(t, err)
	assert.Equal(t, model.StateResolved, resolved.State)
	assert.Nil(t, resolved.AcknowledgedAt)
}

func TestManager_OtherTenantCannotTouchAlert(t *testing.T) {
	store, m, rec, scope := setup(t)
	a := openAlert(t, store, scope)

	globex, err := tenant.NewGuard(nil).Authorize(tenant.Principal{Subject: "mallory", TenantID: "globex"}, "globex")
	require.NoError(t, err)

	_, err = m.Acknowledge(context.Background(), globex, a.ID, "", "")
	assert.ErrorIs(t, err, model.ErrNotFound)

	_, err = m.Acknowledge(context.Background(), tenant.Scope{}, a.ID, "", "")
	assert.ErrorIs(t, err, model.ErrTenantMismatch)

	stored, err := store.GetAlert(context.Background(), scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StateNew, stored.State)
	assert.Empty(t, rec.ts)
}

func TestManager_AutoResolve(t *testing.T) {
	store, m, rec, scope := setup(t)
	ctx := context.Background()
	a := openAlert(t, store, scope)

	v := 90.0
	var tr model.Transition
	err := store.WithTx(ctx, func(tx storage.Store) error {
		var err error
		tr, err = m.AutoResolve(ctx, tx, scope, a, t0, &v)
		return err
	})
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionAuto, tr.Resolution)
	assert.Equal(t, model.StateResolved, tr.To)
	assert.Equal(t, 90.0, *tr.Value)
	assert.Empty(t, rec.ts)

	stored, err := store.GetAlert(ctx, scope, a.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ResolutionAuto, stored.Resolution)
	assert.False(t, stored.State.Open())
}

func TestManager_LinkTask(t *testing.T) {
	store, m, _, scope := setup(t)
	ctx := context.Background()
	a := openAlert(t, store, scope)

	linked, err := m.LinkTask(ctx, scope, a.ID, "JIRA-42")
	require.NoError(t, err)
	assert.Equal(t, "JIRA-42", linked.TaskRef)
	assert.Equal(t, model.StateNew, linked.State)

	_, err = m.LinkTask(ctx, scope, a.ID, "")
	assert.ErrorIs(t, err, model.ErrInvalidInput)

	_, err = m.LinkTask(ctx, scope, "missing", "JIRA-1")
	assert.ErrorIs(t, err, model.ErrNotFound)
}
