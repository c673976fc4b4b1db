// Package lifecycle owns alert state changes: new → acknowledged → resolved,
// or new → resolved. Nothing leaves resolved.
package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
)

type edge struct {
	from   model.AlertState
	action model.TransitionAction
}

var table = map[edge]model.AlertState{
	{"", model.ActionCreated}:                        model.StateNew,
	{model.StateNew, model.ActionRefreshed}:          model.StateNew,
	{model.StateAcknowledged, model.ActionRefreshed}: model.StateAcknowledged,
	{model.StateNew, model.ActionAcknowledged}:       model.StateAcknowledged,
	{model.StateNew, model.ActionResolved}:           model.StateResolved,
	{model.StateAcknowledged, model.ActionResolved}:  model.StateResolved,
}

// Next returns the state reached by applying action in state from.
func Next(from model.AlertState, action model.TransitionAction) (model.AlertState, error) {
	to, ok := table[edge{from, action}]
	if !ok {
		return "", fmt.Errorf("%s alert cannot be %s: %w", stateName(from), action, model.ErrInvalidTransition)
	}
	return to, nil
}

func stateName(s model.AlertState) string {
	if s == "" {
		return "nonexistent"
	}
	return string(s)
}

// Publisher receives committed transitions.
type Publisher interface {
	Publish(ctx context.Context, ts []model.Transition)
}

// Manager applies manual and automatic alert transitions.
type Manager struct {
	store     storage.Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewManager creates a lifecycle manager. publisher may be nil.
func NewManager(store storage.Store, publisher Publisher, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{store: store, publisher: publisher, logger: logger, now: time.Now}
}

// SetClock replaces the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.now = now
}

// Acknowledge moves a new alert to acknowledged.
func (m *Manager) Acknowledge(ctx context.Context, scope tenant.Scope, alertID, actor, note string) (*model.Alert, error) {
	return m.manual(ctx, scope, alertID, model.ActionAcknowledged, actor, note)
}

// Resolve closes an open alert manually.
func (m *Manager) Resolve(ctx context.Context, scope tenant.Scope, alertID, actor, note string) (*model.Alert, error) {
	return m.manual(ctx, scope, alertID, model.ActionResolved, actor, note)
}

func (m *Manager) manual(ctx context.Context, scope tenant.Scope, alertID string, action model.TransitionAction, actor, note string) (*model.Alert, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}

	var (
		alert *model.Alert
		tr    model.Transition
	)
	err := m.store.WithTx(ctx, func(tx storage.Store) error {
		a, err := tx.GetAlert(ctx, scope, alertID)
		if err != nil {
			return err
		}
		to, err := Next(a.State, action)
		if err != nil {
			return fmt.Errorf("alert %s: %w", a.ID, err)
		}

		at := m.now().UTC()
		if actor == "" {
			actor = scope.Subject()
		}
		from := a.State
		a.State = to
		switch action {
		case model.ActionAcknowledged:
			a.AcknowledgedAt = &at
			a.AcknowledgedBy = actor
		case model.ActionResolved:
			if a.AcknowledgedAt != nil && at.Before(*a.AcknowledgedAt) {
				at = *a.AcknowledgedAt
			}
			a.ResolvedAt = &at
			a.ResolvedBy = actor
			a.Resolution = model.ResolutionManual
		}
		if note != "" {
			a.Context = appendNote(a.Context, note)
		}
		if err := tx.UpdateAlert(ctx, scope, a); err != nil {
			return err
		}

		alert = a
		tr = transition(a, action, from, at)
		tr.Message = note
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.logger.Info("alert transitioned",
		"tenant", scope.ID(),
		"alert", alert.ID,
		"from", tr.From,
		"to", tr.To,
		"actor", actor,
	)
	if m.publisher != nil {
		m.publisher.Publish(ctx, []model.Transition{tr})
	}
	return alert, nil
}

// AutoResolve closes an open alert because its rule no longer fires. It runs
// inside the caller's transaction and does not publish.
func (m *Manager) AutoResolve(ctx context.Context, tx storage.AlertStore, scope tenant.Scope, a *model.Alert, at time.Time, value *float64) (model.Transition, error) {
	to, err := Next(a.State, model.ActionResolved)
	if err != nil {
		return model.Transition{}, fmt.Errorf("alert %s: %w", a.ID, err)
	}
	at = at.UTC()
	if a.AcknowledgedAt != nil && at.Before(*a.AcknowledgedAt) {
		at = *a.AcknowledgedAt
	}

	from := a.State
	a.State = to
	a.ResolvedAt = &at
	a.ResolvedBy = "system"
	a.Resolution = model.ResolutionAuto
	if err := tx.UpdateAlert(ctx, scope, a); err != nil {
		return model.Transition{}, err
	}

	tr := transition(a, model.ActionResolved, from, at)
	tr.Value = value
	return tr, nil
}

// LinkTask attaches an external task reference to an alert in any state.
func (m *Manager) LinkTask(ctx context.Context, scope tenant.Scope, alertID, taskRef string) (*model.Alert, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	if taskRef == "" {
		return nil, fmt.Errorf("empty task reference: %w", model.ErrInvalidInput)
	}

	var alert *model.Alert
	err := m.store.WithTx(ctx, func(tx storage.Store) error {
		a, err := tx.GetAlert(ctx, scope, alertID)
		if err != nil {
			return err
		}
		a.TaskRef = taskRef
		if err := tx.UpdateAlert(ctx, scope, a); err != nil {
			return err
		}
		alert = a
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("alert linked to task", "tenant", scope.ID(), "alert", alertID, "task", taskRef)
	return alert, nil
}

// transition builds the record of a change applied to a.
func transition(a *model.Alert, action model.TransitionAction, from model.AlertState, at time.Time) model.Transition {
	return model.Transition{
		AlertID:    a.ID,
		RuleID:     a.RuleID,
		KPIID:      a.KPIID,
		TenantID:   a.TenantID,
		Severity:   a.Severity,
		Action:     action,
		From:       from,
		To:         a.State,
		Resolution: a.Resolution,
		At:         at,
	}
}

// Created returns the transition for a newly opened alert.
func Created(a *model.Alert, value *float64) model.Transition {
	tr := transition(a, model.ActionCreated, "", a.TriggeredAt)
	tr.Value = value
	tr.Message = a.Context
	return tr
}

// Refreshed returns the transition for an open alert that fired again.
func Refreshed(a *model.Alert, value *float64) model.Transition {
	tr := transition(a, model.ActionRefreshed, a.State, a.LastObservedAt)
	tr.Value = value
	return tr
}

func appendNote(existing, note string) string {
	if existing == "" {
		return note
	}
	return existing + "\n" + note
}
