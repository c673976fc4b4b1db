package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/basharzamzami/base44-Analytics/internal/metrics"
	"github.com/basharzamzami/base44-Analytics/pkg/engine"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
)

const requestTimeout = 30 * time.Second

// Server exposes the KPI engine over HTTP.
type Server struct {
	engine  *engine.Engine
	auth    *Authenticator
	metrics *metrics.Metrics
	mux     *http.ServeMux
	logger  *slog.Logger
}

// NewServer creates an API server. m may be nil.
func NewServer(e *engine.Engine, auth *Authenticator, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		engine:  e,
		auth:    auth,
		metrics: m,
		mux:     http.NewServeMux(),
		logger:  logger,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metrics.Handler())

	const base = "/api/v1/tenants/{tenant}"
	s.handle("GET "+base+"/kpis", "kpis.list", s.handleListKPIs)
	s.handle("GET "+base+"/kpis/{kpi}", "kpis.get", s.handleGetKPI)
	s.handle("PUT "+base+"/kpis/{kpi}", "kpis.apply", s.handleApplyKPI)
	s.handle("PATCH "+base+"/kpis/{kpi}", "kpis.metadata", s.handleUpdateMetadata)
	s.handle("POST "+base+"/kpis/{kpi}/evaluate", "kpis.evaluate", s.handleEvaluate)
	s.handle("GET "+base+"/kpis/{kpi}/values", "values.list", s.handleValues)
	s.handle("PUT "+base+"/kpis/{kpi}/forecasts", "forecasts.upsert", s.handleUpsertForecast)
	s.handle("GET "+base+"/kpis/{kpi}/rules", "rules.list", s.handleListRules)
	s.handle("PUT "+base+"/kpis/{kpi}/rules/{rule}", "rules.put", s.handlePutRule)
	s.handle("GET "+base+"/alerts", "alerts.list", s.handleListAlerts)
	s.handle("GET "+base+"/alerts/{alert}", "alerts.get", s.handleGetAlert)
	s.handle("POST "+base+"/alerts/{alert}/acknowledge", "alerts.acknowledge", s.handleAcknowledge)
	s.handle("POST "+base+"/alerts/{alert}/resolve", "alerts.resolve", s.handleResolve)
	s.handle("POST "+base+"/alerts/{alert}/task", "alerts.task", s.handleLinkTask)
}

func (s *Server) handle(pattern, route string, h http.HandlerFunc) {
	s.mux.Handle(pattern, s.metrics.WrapHandler(route, s.requireAuth(h)))
}

// Handler returns the HTTP handler for this server.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListKPIs(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, _ := PrincipalFrom(ctx)
	kpis, err := s.engine.ListKPIs(ctx, p, r.PathValue("tenant"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kpis)
}

func (s *Server) handleGetKPI(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, _ := PrincipalFrom(ctx)
	kpi, err := s.engine.GetKPI(ctx, p, r.PathValue("tenant"), r.PathValue("kpi"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kpi)
}

func (s *Server) handleApplyKPI(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var def model.KPIDefinition
	if err := decode(w, r, &def); err != nil {
		s.writeError(w, r, err)
		return
	}
	def.ID = r.PathValue("kpi")

	p, _ := PrincipalFrom(ctx)
	if err := s.engine.ApplyKPI(ctx, p, r.PathValue("tenant"), &def); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (s *Server) handleUpdateMetadata(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var md model.KPIMetadata
	if err := decode(w, r, &md); err != nil {
		s.writeError(w, r, err)
		return
	}
	p, _ := PrincipalFrom(ctx)
	kpi, err := s.engine.UpdateMetadata(ctx, p, r.PathValue("tenant"), r.PathValue("kpi"), md)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, kpi)
}

// EvaluateRequest is the body of an evaluation trigger. An empty body
// catches up every missing period.
type EvaluateRequest struct {
	Period *model.Period `json:"period,omitempty"`
	From   time.Time     `json:"from,omitzero"`
	Limit  int           `json:"limit,omitempty"`
}

func (s *Server) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var body EvaluateRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	p, _ := PrincipalFrom(ctx)
	report, err := s.engine.Evaluate(ctx, p, r.PathValue("tenant"), r.PathValue("kpi"), engine.Request{
		Period: body.Period,
		From:   body.From,
		Limit:  body.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReportResponse(report))
}

type periodResponse struct {
	engine.PeriodOutcome
	Error string `json:"error,omitempty"`
}

type reportResponse struct {
	TenantID  string           `json:"tenant_id"`
	KPIID     string           `json:"kpi_id"`
	Periods   []periodResponse `json:"periods"`
	Watermark time.Time        `json:"watermark"`
}

func newReportResponse(r *engine.Report) reportResponse {
	resp := reportResponse{
		TenantID:  r.TenantID,
		KPIID:     r.KPIID,
		Periods:   make([]periodResponse, 0, len(r.Periods)),
		Watermark: r.Watermark,
	}
	for _, p := range r.Periods {
		pr := periodResponse{PeriodOutcome: p}
		if p.Err != nil {
			pr.Error = p.Err.Error()
		}
		resp.Periods = append(resp.Periods, pr)
	}
	return resp
}

func (s *Server) handleValues(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	q := r.URL.Query()
	var f model.ValueFilter
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		s.writeError(w, r, err)
		return
	}
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, _ := PrincipalFrom(ctx)
	values, err := s.engine.Values(ctx, p, r.PathValue("tenant"), r.PathValue("kpi"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, values)
}

func (s *Server) handleUpsertForecast(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var fp model.ForecastPoint
	if err := decode(w, r, &fp); err != nil {
		s.writeError(w, r, err)
		return
	}
	fp.KPIID = r.PathValue("kpi")

	p, _ := PrincipalFrom(ctx)
	if err := s.engine.UpsertForecast(ctx, p, r.PathValue("tenant"), fp); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, fp)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, _ := PrincipalFrom(ctx)
	list, err := s.engine.ListRules(ctx, p, r.PathValue("tenant"), r.PathValue("kpi"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handlePutRule(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var rule model.AlertRule
	if err := decode(w, r, &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	rule.ID = r.PathValue("rule")
	rule.KPIID = r.PathValue("kpi")

	p, _ := PrincipalFrom(ctx)
	if err := s.engine.CreateRule(ctx, p, r.PathValue("tenant"), &rule); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	q := r.URL.Query()
	f := model.AlertFilter{
		KPIID:    q.Get("kpi"),
		RuleID:   q.Get("rule"),
		State:    model.AlertState(q.Get("state")),
		Severity: model.Severity(q.Get("severity")),
	}
	var err error
	if f.Limit, err = parseLimit(q.Get("limit")); err != nil {
		s.writeError(w, r, err)
		return
	}

	p, _ := PrincipalFrom(ctx)
	alerts, err := s.engine.Alerts(ctx, p, r.PathValue("tenant"), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (s *Server) handleGetAlert(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	p, _ := PrincipalFrom(ctx)
	a, err := s.engine.GetAlert(ctx, p, r.PathValue("tenant"), r.PathValue("alert"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type noteRequest struct {
	Note    string `json:"note,omitempty"`
	TaskRef string `json:"task_ref,omitempty"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Acknowledge)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Resolve)
}

func (s *Server) handleLinkTask(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var body noteRequest
	if err := decode(w, r, &body); err != nil {
		s.writeError(w, r, err)
		return
	}
	if body.TaskRef == "" {
		s.writeError(w, r, fmt.Errorf("task_ref is required: %w", model.ErrInvalidInput))
		return
	}

	p, _ := PrincipalFrom(ctx)
	a, err := s.engine.LinkTask(ctx, p, r.PathValue("tenant"), r.PathValue("alert"), body.TaskRef)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

type transitionFunc func(ctx context.Context, p tenant.Principal, tenantID, alertID, note string) (*model.Alert, error)

func (s *Server) transition(w http.ResponseWriter, r *http.Request, fn transitionFunc) {
	ctx, cancel := context.WithTimeout(r.Context(), requestTimeout)
	defer cancel()

	var body noteRequest
	if r.ContentLength != 0 {
		if err := decode(w, r, &body); err != nil {
			s.writeError(w, r, err)
			return
		}
	}

	p, _ := PrincipalFrom(ctx)
	a, err := fn(ctx, p, r.PathValue("tenant"), r.PathValue("alert"), body.Note)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("decode body: %v: %w", err, model.ErrInvalidInput)
	}
	return nil
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("time %q: %w", s, model.ErrInvalidInput)
	}
	return t, nil
}

func parseLimit(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("limit %q: %w", s, model.ErrInvalidInput)
	}
	return n, nil
}

// statusFor maps the engine error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrTenantMismatch):
		return http.StatusForbidden
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrInvalidFormula), errors.Is(err, model.ErrInvalidRule):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrInvalidTransition), errors.Is(err, model.ErrDefinitionLocked):
		return http.StatusConflict
	case errors.Is(err, model.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		s.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		msg = "internal error"
	case http.StatusServiceUnavailable:
		s.logger.Warn("store unavailable", "path", r.URL.Path, "error", err)
		w.Header().Set("Retry-After", "5")
	}
	writeJSONError(w, status, msg)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
