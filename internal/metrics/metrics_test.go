package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.PeriodEvaluated(metrics.OutcomeValue)
	m.EvaluationDone(time.Second)
	m.Transition("created")
	m.NotifyFailed("slack")
	m.Scheduled("ok")
	m.Backoff()
	assert.Nil(t, m.Registry())

	h := m.WrapHandler("/x", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestMetrics_Exposition(t *testing.T) {
	m := metrics.New()
	m.PeriodEvaluated(metrics.OutcomeValue)
	m.PeriodEvaluated(metrics.OutcomeValue)
	m.PeriodEvaluated(metrics.OutcomeFailed)
	m.Transition("created")

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	var series int
	for _, f := range families {
		if f.GetName() == "kpi_period_evaluations_total" {
			series = len(f.GetMetric())
		}
	}
	assert.Equal(t, 2, series)

	wrapped := m.WrapHandler("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	wrapped.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `kpi_period_evaluations_total{outcome="value"} 2`)
	assert.Contains(t, string(body), `kpi_alert_transitions_total{action="created"} 1`)
	assert.Contains(t, string(body), `http_requests_total{route="/healthz",status="200"} 1`)
}
