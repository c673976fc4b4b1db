package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/google/uuid"
)

const kpiColumns = "id, tenant_id, name, description, vertical, formula, granularity, unit, target, watermark, created_at, updated_at"

func (s *SQLite) SaveKPI(ctx context.Context, scope tenant.Scope, def *model.KPIDefinition) error {
	if err := scope.Check(); err != nil {
		return err
	}
	if def.TenantID == "" {
		def.TenantID = scope.ID()
	}
	if err := scope.Owns(def.TenantID); err != nil {
		return err
	}
	if def.ID == "" {
		def.ID = uuid.New().String()
	}
	now := s.now().UTC()
	if def.CreatedAt.IsZero() {
		def.CreatedAt = now
	}
	def.UpdatedAt = now

	formula, err := json.Marshal(def.Formula)
	if err != nil {
		return fmt.Errorf("encode formula: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO kpi_definitions (`+kpiColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET
		   name = excluded.name,
		   description = excluded.description,
		   vertical = excluded.vertical,
		   formula = excluded.formula,
		   granularity = excluded.granularity,
		   unit = excluded.unit,
		   target = excluded.target,
		   watermark = excluded.watermark,
		   updated_at = excluded.updated_at`,
		def.ID, def.TenantID, def.Name, def.Description, def.Vertical, string(formula),
		string(def.Granularity), def.Unit, nullFloat(def.Target), nanos(def.Watermark),
		nanos(def.CreatedAt), nanos(def.UpdatedAt),
	)
	if err != nil {
		return unavailable("save kpi", err)
	}
	return nil
}

func (s *SQLite) GetKPI(ctx context.Context, scope tenant.Scope, id string) (*model.KPIDefinition, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx,
		"SELECT "+kpiColumns+" FROM kpi_definitions WHERE tenant_id = ? AND id = ?",
		scope.ID(), id,
	)
	def, err := scanKPI(row)
	if err != nil {
		return nil, lookup("kpi", id, err)
	}
	return def, nil
}

func (s *SQLite) ListKPIs(ctx context.Context, scope tenant.Scope) ([]model.KPIDefinition, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		"SELECT "+kpiColumns+" FROM kpi_definitions WHERE tenant_id = ? ORDER BY id",
		scope.ID(),
	)
	if err != nil {
		return nil, unavailable("list kpis", err)
	}
	defer rows.Close()

	var defs []model.KPIDefinition
	for rows.Next() {
		def, err := scanKPI(rows)
		if err != nil {
			return nil, unavailable("scan kpi", err)
		}
		defs = append(defs, *def)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list kpis", err)
	}
	return defs, nil
}

func (s *SQLite) SetWatermark(ctx context.Context, scope tenant.Scope, kpiID string, at time.Time) error {
	if err := scope.Check(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx,
		"UPDATE kpi_definitions SET watermark = ? WHERE tenant_id = ? AND id = ?",
		nanos(at), scope.ID(), kpiID,
	)
	if err != nil {
		return unavailable("set watermark", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("kpi %q: %w", kpiID, model.ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanKPI(sc scanner) (*model.KPIDefinition, error) {
	var (
		def                             model.KPIDefinition
		formula, granularity            string
		target                          sql.NullFloat64
		watermark, createdAt, updatedAt int64
	)
	if err := sc.Scan(&def.ID, &def.TenantID, &def.Name, &def.Description, &def.Vertical,
		&formula, &granularity, &def.Unit, &target, &watermark, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(formula), &def.Formula); err != nil {
		return nil, fmt.Errorf("decode formula of kpi %s: %w", def.ID, err)
	}
	def.Granularity = model.Granularity(granularity)
	def.Target = fromNullFloat(target)
	def.Watermark = fromNanos(watermark)
	def.CreatedAt = fromNanos(createdAt)
	def.UpdatedAt = fromNanos(updatedAt)
	return &def, nil
}

const ruleColumns = "id, tenant_id, kpi_id, name, kind, severity, params, enabled, created_at"

// ruleParams is the JSON shape of the params column.
type ruleParams struct {
	Threshold *model.ThresholdParams `json:"threshold,omitempty"`
	Anomaly   *model.AnomalyParams   `json:"anomaly,omitempty"`
}

func (s *SQLite) SaveRule(ctx context.Context, scope tenant.Scope, r *model.AlertRule) error {
	if err := scope.Check(); err != nil {
		return err
	}
	if r.TenantID == "" {
		r.TenantID = scope.ID()
	}
	if err := scope.Owns(r.TenantID); err != nil {
		return err
	}
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now().UTC()
	}

	params, err := json.Marshal(ruleParams{Threshold: r.Threshold, Anomaly: r.Anomaly})
	if err != nil {
		return fmt.Errorf("encode rule params: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO alert_rules (`+ruleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, id) DO UPDATE SET
		   kpi_id = excluded.kpi_id,
		   name = excluded.name,
		   kind = excluded.kind,
		   severity = excluded.severity,
		   params = excluded.params,
		   enabled = excluded.enabled`,
		r.ID, r.TenantID, r.KPIID, r.Name, string(r.Kind), string(r.Severity),
		string(params), r.Enabled, nanos(r.CreatedAt),
	)
	if err != nil {
		return unavailable("save rule", err)
	}
	return nil
}

func (s *SQLite) GetRule(ctx context.Context, scope tenant.Scope, id string) (*model.AlertRule, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx,
		"SELECT "+ruleColumns+" FROM alert_rules WHERE tenant_id = ? AND id = ?",
		scope.ID(), id,
	)
	r, err := scanRule(row)
	if err != nil {
		return nil, lookup("rule", id, err)
	}
	return r, nil
}

func (s *SQLite) ListRules(ctx context.Context, scope tenant.Scope, kpiID string) ([]model.AlertRule, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	query := "SELECT " + ruleColumns + " FROM alert_rules WHERE tenant_id = ?"
	args := []any{scope.ID()}
	if kpiID != "" {
		query += " AND kpi_id = ?"
		args = append(args, kpiID)
	}
	query += " ORDER BY created_at, id"

	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list rules", err)
	}
	defer rows.Close()

	var rules []model.AlertRule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, unavailable("scan rule", err)
		}
		rules = append(rules, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list rules", err)
	}
	return rules, nil
}

func scanRule(sc scanner) (*model.AlertRule, error) {
	var (
		r                      model.AlertRule
		kind, severity, params string
		createdAt              int64
	)
	if err := sc.Scan(&r.ID, &r.TenantID, &r.KPIID, &r.Name, &kind, &severity,
		&params, &r.Enabled, &createdAt); err != nil {
		return nil, err
	}
	var p ruleParams
	if err := json.Unmarshal([]byte(params), &p); err != nil {
		return nil, fmt.Errorf("decode params of rule %s: %w", r.ID, err)
	}
	r.Kind = model.RuleKind(kind)
	r.Severity = model.Severity(severity)
	r.Threshold = p.Threshold
	r.Anomaly = p.Anomaly
	r.CreatedAt = fromNanos(createdAt)
	return &r, nil
}
