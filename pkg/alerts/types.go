// Package alerts delivers alert transitions to external systems.
package alerts

import (
	"context"
	"fmt"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// Notifier sends alert transitions to external systems.
type Notifier interface {
	// Name returns the notifier identifier.
	Name() string

	// Send delivers one transition. Implementations must be safe for concurrent use.
	Send(ctx context.Context, tr model.Transition) error
}

// title is the one-line summary shared by the notifiers.
func title(tr model.Transition) string {
	return fmt.Sprintf("KPI alert %s: %s (%s)", tr.Action, tr.KPIID, tr.Severity)
}

func formatValue(v *float64) string {
	if v == nil {
		return "no data"
	}
	return fmt.Sprintf("%g", *v)
}
