package tenant_test

import (
	"log/slog"
	"os"
	"testing"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGuard() *tenant.Guard {
	return tenant.NewGuard(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError})))
}

func TestGuard_Authorize(t *testing.T) {
	g := newGuard()

	scope, err := g.Authorize(tenant.Principal{Subject: "u1", TenantID: "acme"}, "acme")
	require.NoError(t, err)
	assert.Equal(t, "acme", scope.ID())
	assert.Equal(t, "u1", scope.Subject())
	assert.True(t, scope.Valid())
	assert.NoError(t, scope.Check())
}

func TestGuard_Authorize_Mismatch(t *testing.T) {
	g := newGuard()

	tests := []struct {
		name      string
		principal tenant.Principal
		requested string
	}{
		{"other tenant", tenant.Principal{Subject: "u1", TenantID: "globex"}, "acme"},
		{"empty caller tenant", tenant.Principal{Subject: "u1"}, "acme"},
		{"empty requested", tenant.Principal{Subject: "u1", TenantID: "acme"}, ""},
		{"case differs", tenant.Principal{Subject: "u1", TenantID: "Acme"}, "acme"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			scope, err := g.Authorize(tt.principal, tt.requested)
			assert.ErrorIs(t, err, model.ErrTenantMismatch)
			assert.False(t, scope.Valid())
		})
	}
}

func TestScope_ZeroValueFailsClosed(t *testing.T) {
	var s tenant.Scope
	assert.ErrorIs(t, s.Check(), model.ErrTenantMismatch)
	assert.ErrorIs(t, s.Owns(""), model.ErrTenantMismatch)
}

func TestScope_Owns(t *testing.T) {
	scope, err := newGuard().Authorize(tenant.Service("scheduler", "acme"), "acme")
	require.NoError(t, err)

	assert.NoError(t, scope.Owns("acme"))
	assert.ErrorIs(t, scope.Owns("globex"), model.ErrTenantMismatch)
	assert.Equal(t, "service:scheduler", scope.Subject())
}
