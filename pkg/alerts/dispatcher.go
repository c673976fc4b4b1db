package alerts

import (
	"context"
	"log/slog"
	"slices"

	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// DefaultActions are the transitions notified unless configured otherwise.
// Refreshes of an already open alert are left out.
var DefaultActions = []model.TransitionAction{
	model.ActionCreated,
	model.ActionAcknowledged,
	model.ActionResolved,
}

// Dispatcher fans committed transitions out to notifiers. A failing
// notifier is logged and never reported back to the caller.
type Dispatcher struct {
	notifiers []Notifier
	actions   []model.TransitionAction
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. An empty actions list means DefaultActions.
func NewDispatcher(notifiers []Notifier, actions []model.TransitionAction, m *metrics.Metrics, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if len(actions) == 0 {
		actions = DefaultActions
	}
	return &Dispatcher{notifiers: notifiers, actions: actions, metrics: m, logger: logger}
}

// Publish implements lifecycle.Publisher.
func (d *Dispatcher) Publish(ctx context.Context, ts []model.Transition) {
	for _, tr := range ts {
		if !slices.Contains(d.actions, tr.Action) {
			continue
		}
		for _, n := range d.notifiers {
			if err := n.Send(ctx, tr); err != nil {
				d.metrics.NotifyFailed(n.Name())
				d.logger.Error("send alert failed",
					"notifier", n.Name(),
					"tenant", tr.TenantID,
					"alert", tr.AlertID,
					"action", tr.Action,
					"error", err,
				)
			}
		}
	}
}
