package server_test

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/basharzamzami/base44-Analytics/internal/server"
	"github.com/basharzamzami/base44-Analytics/pkg/engine"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/records"
	"github.com/basharzamzami/base44-Analytics/pkg/storage"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day0 = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

type testServer struct {
	handler http.Handler
	auth    *server.Authenticator
	token   string
}

func setupServer(t *testing.T) *testServer {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	store, err := storage.NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	recs := records.Slice{
		{ID: "d1", TenantID: "acme", EntityType: "deal", Fields: map[string]any{"amount": 120.0}, Timestamp: day0.Add(time.Hour)},
		{ID: "d2", TenantID: "acme", EntityType: "deal", Fields: map[string]any{"amount": 30.0}, Timestamp: day0.Add(2 * time.Hour)},
	}
	m := metrics.New()
	e := engine.New(engine.Options{Store: store, Records: recs, Metrics: m, Logger: logger})

	auth, err := server.NewAuthenticator("test-secret", "kpi-test")
	require.NoError(t, err)
	token, err := auth.Issue(tenant.Principal{Subject: "alice", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)

	return &testServer{
		handler: server.NewServer(e, auth, m, logger).Handler(),
		auth:    auth,
		token:   token,
	}
}

func (s *testServer) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	return s.doAs(t, s.token, method, path, body)
}

func (s *testServer) doAs(t *testing.T, token, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.handler.ServeHTTP(w, req)
	return w
}

const revenueBody = `{
	"name": "Revenue",
	"vertical": "saas",
	"granularity": "daily",
	"formula": {"kind": "sum", "entity_type": "deal", "field": "amount"}
}`

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(w.Body).Decode(&v))
	return v
}

func TestServer_Health(t *testing.T) {
	srv := setupServer(t)

	w := srv.doAs(t, "", "GET", "/healthz", "")
	assert.Equal(t, http.StatusOK, w.Code)

	resp := decodeBody[map[string]string](t, w)
	assert.Equal(t, "ok", resp["status"])
}

func TestServer_RequiresToken(t *testing.T) {
	srv := setupServer(t)

	w := srv.doAs(t, "", "GET", "/api/v1/tenants/acme/kpis", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = srv.doAs(t, "not-a-jwt", "GET", "/api/v1/tenants/acme/kpis", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	other, err := server.NewAuthenticator("other-secret", "kpi-test")
	require.NoError(t, err)
	forged, err := other.Issue(tenant.Principal{Subject: "alice", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)
	w = srv.doAs(t, forged, "GET", "/api/v1/tenants/acme/kpis", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	expired, err := srv.auth.Issue(tenant.Principal{Subject: "alice", TenantID: "acme"}, -time.Minute)
	require.NoError(t, err)
	w = srv.doAs(t, expired, "GET", "/api/v1/tenants/acme/kpis", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServer_CrossTenantForbidden(t *testing.T) {
	srv := setupServer(t)

	w := srv.do(t, "GET", "/api/v1/tenants/globex/kpis", "")
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = srv.do(t, "PUT", "/api/v1/tenants/globex/kpis/revenue", revenueBody)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServer_KPILifecycle(t *testing.T) {
	srv := setupServer(t)

	w := srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue", revenueBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, "GET", "/api/v1/tenants/acme/kpis/revenue", "")
	require.Equal(t, http.StatusOK, w.Code)
	kpi := decodeBody[model.KPIDefinition](t, w)
	assert.Equal(t, "acme", kpi.TenantID)
	assert.Equal(t, model.FormulaSum, kpi.Formula.Kind)

	w = srv.do(t, "PATCH", "/api/v1/tenants/acme/kpis/revenue", `{"unit": "USD"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "USD", decodeBody[model.KPIDefinition](t, w).Unit)

	w = srv.do(t, "GET", "/api/v1/tenants/acme/kpis", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.KPIDefinition](t, w), 1)

	w = srv.do(t, "GET", "/api/v1/tenants/acme/kpis/missing", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_ErrorStatuses(t *testing.T) {
	srv := setupServer(t)
	require.Equal(t, http.StatusOK, srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue", revenueBody).Code)

	tests := []struct {
		name   string
		method string
		path   string
		body   string
		want   int
	}{
		{"invalid formula", "PUT", "/api/v1/tenants/acme/kpis/bad", `{"name":"x","granularity":"daily","formula":{"kind":"sum","entity_type":"deal"}}`, http.StatusUnprocessableEntity},
		{"invalid rule", "PUT", "/api/v1/tenants/acme/kpis/revenue/rules/r1", `{"kind":"threshold","severity":"high"}`, http.StatusUnprocessableEntity},
		{"malformed body", "PUT", "/api/v1/tenants/acme/kpis/revenue", `{"name":`, http.StatusBadRequest},
		{"unknown field", "PUT", "/api/v1/tenants/acme/kpis/revenue", `{"nmae":"x"}`, http.StatusBadRequest},
		{"bad limit", "GET", "/api/v1/tenants/acme/alerts?limit=-1", "", http.StatusBadRequest},
		{"bad time", "GET", "/api/v1/tenants/acme/kpis/revenue/values?from=yesterday", "", http.StatusBadRequest},
		{"non canonical period", "POST", "/api/v1/tenants/acme/kpis/revenue/evaluate", `{"period":{"period_start":"2024-06-01T03:00:00Z","period_end":"2024-06-02T00:00:00Z"}}`, http.StatusBadRequest},
		{"unknown alert", "POST", "/api/v1/tenants/acme/alerts/nope/acknowledge", "", http.StatusNotFound},
		{"task without ref", "POST", "/api/v1/tenants/acme/alerts/nope/task", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := srv.do(t, tt.method, tt.path, tt.body)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
			assert.NotEmpty(t, decodeBody[map[string]string](t, w)["error"])
		})
	}
}

func TestServer_EvaluateAndAlertWorkflow(t *testing.T) {
	srv := setupServer(t)
	require.Equal(t, http.StatusOK, srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue", revenueBody).Code)

	w := srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue/rules/big-day",
		`{"name":"big day","kind":"threshold","severity":"high","enabled":true,"threshold":{"comparator":">","limit":100}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, "POST", "/api/v1/tenants/acme/kpis/revenue/evaluate",
		`{"period":{"period_start":"2024-06-01T00:00:00Z","period_end":"2024-06-02T00:00:00Z"}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var report struct {
		Periods []struct {
			Value       model.KPIValue     `json:"value"`
			Transitions []model.Transition `json:"transitions"`
		} `json:"periods"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&report))
	require.Len(t, report.Periods, 1)
	require.NotNil(t, report.Periods[0].Value.Value)
	assert.Equal(t, 150.0, *report.Periods[0].Value.Value)
	require.Len(t, report.Periods[0].Transitions, 1)
	assert.Equal(t, model.ActionCreated, report.Periods[0].Transitions[0].Action)

	w = srv.do(t, "GET", "/api/v1/tenants/acme/kpis/revenue/values?from=2024-06-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decodeBody[[]model.KPIValue](t, w), 1)

	w = srv.do(t, "GET", "/api/v1/tenants/acme/alerts?state=new", "")
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decodeBody[[]model.Alert](t, w)
	require.Len(t, alerts, 1)
	id := alerts[0].ID

	w = srv.do(t, "POST", "/api/v1/tenants/acme/alerts/"+id+"/acknowledge", `{"note":"looking"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.StateAcknowledged, decodeBody[model.Alert](t, w).State)

	w = srv.do(t, "POST", "/api/v1/tenants/acme/alerts/"+id+"/task", `{"task_ref":"OPS-12"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OPS-12", decodeBody[model.Alert](t, w).TaskRef)

	w = srv.do(t, "POST", "/api/v1/tenants/acme/alerts/"+id+"/resolve", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.StateResolved, decodeBody[model.Alert](t, w).State)

	w = srv.do(t, "POST", "/api/v1/tenants/acme/alerts/"+id+"/acknowledge", "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue",
		strings.Replace(revenueBody, `"daily"`, `"weekly"`, 1))
	assert.Equal(t, http.StatusConflict, w.Code, "definition is locked once values exist")
}

func TestServer_Forecast(t *testing.T) {
	srv := setupServer(t)
	require.Equal(t, http.StatusOK, srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue", revenueBody).Code)

	w := srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue/forecasts",
		`{"period_start":"2024-06-02T00:00:00Z","predicted":100,"lower":90,"upper":110}`)
	assert.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = srv.do(t, "PUT", "/api/v1/tenants/acme/kpis/revenue/forecasts",
		`{"period_start":"2024-06-02T00:00:00Z","predicted":100,"lower":110,"upper":90}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServer_Metrics(t *testing.T) {
	srv := setupServer(t)
	srv.do(t, "GET", "/api/v1/tenants/acme/kpis", "")

	w := srv.doAs(t, "", "GET", "/metrics", "")
	require.Equal(t, http.StatusOK, w.Code)
	body, err := io.ReadAll(w.Body)
	require.NoError(t, err)
	assert.True(t, bytes.Contains(body, []byte(`http_requests_total{route="kpis.list",status="200"} 1`)), string(body))
}

func TestAuthenticator_RequiresSecret(t *testing.T) {
	_, err := server.NewAuthenticator("", "")
	assert.Error(t, err)
}

func TestAuthenticator_IssuerMismatch(t *testing.T) {
	a, err := server.NewAuthenticator("s", "issuer-a")
	require.NoError(t, err)
	b, err := server.NewAuthenticator("s", "issuer-b")
	require.NoError(t, err)

	token, err := b.Issue(tenant.Principal{Subject: "bob", TenantID: "acme"}, time.Hour)
	require.NoError(t, err)
	_, err = a.Verify(token)
	assert.Error(t, err)

	_, err = a.Verify(mustIssue(t, a, tenant.Principal{Subject: "bob"}))
	assert.Error(t, err, "tenant binding is required")

	p, err := a.Verify(mustIssue(t, a, tenant.Principal{Subject: "bob", TenantID: "acme"}))
	require.NoError(t, err)
	assert.Equal(t, tenant.Principal{Subject: "bob", TenantID: "acme"}, p)
}

func mustIssue(t *testing.T, a *server.Authenticator, p tenant.Principal) string {
	t.Helper()
	token, err := a.Issue(p, time.Hour)
	require.NoError(t, err)
	return token
}
