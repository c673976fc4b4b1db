package alerts_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/alerts"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func created() model.Transition {
	v := 120.0
	return model.Transition{
		AlertID:  "a1",
		RuleID:   "r1",
		KPIID:    "revenue",
		TenantID: "acme",
		Severity: model.SeverityHigh,
		Action:   model.ActionCreated,
		To:       model.StateNew,
		Value:    &v,
		At:       time.Date(2024, 6, 2, 0, 1, 0, 0, time.UTC),
		Message:  "Revenue = 120 > 100",
	}
}

func TestSlackNotifier_Name(t *testing.T) {
	n := alerts.NewSlackNotifier("https://hooks.slack.com/test", "#test")
	assert.Equal(t, "slack", n.Name())
}

func TestSlackNotifier_Send(t *testing.T) {
	var received struct {
		Channel     string `json:"channel"`
		Attachments []struct {
			Color  string `json:"color"`
			Title  string `json:"title"`
			Fields []struct {
				Title string `json:"title"`
				Value string `json:"value"`
			} `json:"fields"`
			Ts int64 `json:"ts"`
		} `json:"attachments"`
	}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, http.MethodPost, r.Method)

		err := json.NewDecoder(r.Body).Decode(&received)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	n := alerts.NewSlackNotifier(server.URL, "#kpi-alerts")
	require.NoError(t, n.Send(context.Background(), created()))

	assert.Equal(t, "#kpi-alerts", received.Channel)
	require.Len(t, received.Attachments, 1)
	att := received.Attachments[0]
	assert.Equal(t, "#ff0000", att.Color)
	assert.Equal(t, "KPI alert created: revenue (high)", att.Title)
	assert.Equal(t, created().At.Unix(), att.Ts)

	values := map[string]string{}
	for _, f := range att.Fields {
		values[f.Title] = f.Value
	}
	assert.Equal(t, "acme", values["Tenant"])
	assert.Equal(t, "120", values["Value"])
	assert.Equal(t, "Revenue = 120 > 100", values["Details"])
}

func TestSlackNotifier_ResolvedIsGreen(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	tr := created()
	tr.Action = model.ActionResolved
	tr.From, tr.To = model.StateNew, model.StateResolved
	tr.Resolution = model.ResolutionAuto
	tr.Value = nil

	require.NoError(t, alerts.NewSlackNotifier(server.URL, "").Send(context.Background(), tr))
	att := received["attachments"].([]any)[0].(map[string]any)
	assert.Equal(t, "#36a64f", att["color"])
	assert.NotContains(t, received, "channel")
}

func TestSlackNotifier_Send_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	n := alerts.NewSlackNotifier(server.URL, "#test")
	err := n.Send(context.Background(), created())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
}
