// Package tenant enforces per-tenant isolation. Every data access path takes
// a Scope, and only a Guard can mint one.
package tenant

import (
	"fmt"
	"log/slog"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject  string `json:"sub"`
	TenantID string `json:"tenant_id"`
}

// Service returns a principal for engine-internal callers acting on behalf
// of a tenant, such as the catch-up scheduler.
func Service(name, tenantID string) Principal {
	return Principal{Subject: "service:" + name, TenantID: tenantID}
}

// Scope is a tenant id that has passed the guard.
type Scope struct {
	id      string
	subject string
}

// ID returns the verified tenant id.
func (s Scope) ID() string { return s.id }

// Subject returns the caller that was authorized.
func (s Scope) Subject() string { return s.subject }

// Valid reports whether the scope was minted by a Guard.
func (s Scope) Valid() bool { return s.id != "" }

// Check fails closed on a zero scope. Stores call it before any I/O.
func (s Scope) Check() error {
	if !s.Valid() {
		return fmt.Errorf("unscoped access: %w", model.ErrTenantMismatch)
	}
	return nil
}

// Owns reports whether a tenant-owned entity belongs to this scope.
func (s Scope) Owns(tenantID string) error {
	if err := s.Check(); err != nil {
		return err
	}
	if tenantID != s.id {
		return fmt.Errorf("entity of tenant %q accessed from %q: %w", tenantID, s.id, model.ErrTenantMismatch)
	}
	return nil
}

// Guard validates that a requested tenant matches the caller's authorization.
type Guard struct {
	logger *slog.Logger
}

// NewGuard creates a tenant guard.
func NewGuard(logger *slog.Logger) *Guard {
	if logger == nil {
		logger = slog.Default()
	}
	return &Guard{logger: logger}
}

// Authorize returns a Scope only when the principal's tenant equals the
// requested tenant.
func (g *Guard) Authorize(p Principal, requested string) (Scope, error) {
	if p.TenantID == "" || requested == "" || p.TenantID != requested {
		g.logger.Warn("tenant access denied",
			"subject", p.Subject,
			"caller_tenant", p.TenantID,
			"requested_tenant", requested,
		)
		return Scope{}, fmt.Errorf("caller %q requested tenant %q: %w", p.Subject, requested, model.ErrTenantMismatch)
	}
	return Scope{id: requested, subject: p.Subject}, nil
}
