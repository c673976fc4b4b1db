package model

import "errors"

// Engine error taxonomy. Callers match with errors.Is; producers wrap with
// fmt.Errorf("...: %w", ErrX) to add context.
var (
	// ErrTenantMismatch is a tenant isolation violation. Never retried.
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrInvalidFormula is a KPI configuration error.
	ErrInvalidFormula = errors.New("invalid formula")

	// ErrStoreUnavailable is a transient backing-store failure, safe to retry.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrInvalidTransition is an alert state change outside the lifecycle.
	ErrInvalidTransition = errors.New("invalid alert transition")

	// ErrInsufficientBaseline signals that an anomaly rule cannot evaluate yet.
	// It is a no-op signal, not a failure.
	ErrInsufficientBaseline = errors.New("insufficient baseline")

	// ErrNotFound is returned when a tenant-scoped lookup matches nothing.
	ErrNotFound = errors.New("not found")

	// ErrInvalidRule is an alert rule configuration error.
	ErrInvalidRule = errors.New("invalid alert rule")

	// ErrDefinitionLocked rejects breaking edits to a KPI that already has values.
	ErrDefinitionLocked = errors.New("kpi definition locked")

	// ErrInvalidInput is a malformed request argument.
	ErrInvalidInput = errors.New("invalid input")
)
