package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/google/uuid"
)

const alertColumns = `id, tenant_id, rule_id, kpi_id, rule_kind, severity, state, triggered_at,
	trigger_value_id, period_start, period_end, last_observed_at, last_period_end,
	observed_count, observed_value, context, acknowledged_at, acknowledged_by,
	resolved_at, resolved_by, resolution, task_ref`

func (s *SQLite) CreateAlert(ctx context.Context, scope tenant.Scope, a *model.Alert) error {
	if err := scope.Check(); err != nil {
		return err
	}
	if a.TenantID == "" {
		a.TenantID = scope.ID()
	}
	if err := scope.Owns(a.TenantID); err != nil {
		return err
	}
	if a.ID == "" {
		a.ID = uuid.New().String()
	}

	_, err := s.q.ExecContext(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.TenantID, a.RuleID, a.KPIID, string(a.RuleKind), string(a.Severity), string(a.State),
		nanos(a.TriggeredAt), a.TriggerValueID, nanos(a.PeriodStart), nanos(a.PeriodEnd),
		nanos(a.LastObservedAt), nanos(a.LastPeriodEnd), a.ObservedCount, a.ObservedValue,
		a.Context, nullNanos(a.AcknowledgedAt), a.AcknowledgedBy, nullNanos(a.ResolvedAt),
		a.ResolvedBy, string(a.Resolution), a.TaskRef,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("rule %s already has an open alert: %w", a.RuleID, model.ErrInvalidTransition)
	}
	if err != nil {
		return unavailable("create alert", err)
	}
	return nil
}

// UpdateAlert writes the mutable columns of an alert. Identity, rule and
// trigger columns never change.
func (s *SQLite) UpdateAlert(ctx context.Context, scope tenant.Scope, a *model.Alert) error {
	if err := scope.Check(); err != nil {
		return err
	}
	if err := scope.Owns(a.TenantID); err != nil {
		return err
	}

	res, err := s.q.ExecContext(ctx,
		`UPDATE alerts SET
		   state = ?, last_observed_at = ?, last_period_end = ?, observed_count = ?,
		   observed_value = ?, context = ?, acknowledged_at = ?, acknowledged_by = ?,
		   resolved_at = ?, resolved_by = ?, resolution = ?, task_ref = ?
		 WHERE tenant_id = ? AND id = ?`,
		string(a.State), nanos(a.LastObservedAt), nanos(a.LastPeriodEnd), a.ObservedCount,
		a.ObservedValue, a.Context, nullNanos(a.AcknowledgedAt), a.AcknowledgedBy,
		nullNanos(a.ResolvedAt), a.ResolvedBy, string(a.Resolution), a.TaskRef,
		scope.ID(), a.ID,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("rule %s already has an open alert: %w", a.RuleID, model.ErrInvalidTransition)
	}
	if err != nil {
		return unavailable("update alert", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("check rows affected", err)
	}
	if n == 0 {
		return fmt.Errorf("alert %q: %w", a.ID, model.ErrNotFound)
	}
	return nil
}

func (s *SQLite) GetAlert(ctx context.Context, scope tenant.Scope, id string) (*model.Alert, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx,
		"SELECT "+alertColumns+" FROM alerts WHERE tenant_id = ? AND id = ?",
		scope.ID(), id,
	)
	a, err := scanAlert(row)
	if err != nil {
		return nil, lookup("alert", id, err)
	}
	return a, nil
}

func (s *SQLite) ListAlerts(ctx context.Context, scope tenant.Scope, f model.AlertFilter) ([]model.Alert, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	conditions := []string{"tenant_id = ?"}
	args := []any{scope.ID()}
	if f.KPIID != "" {
		conditions = append(conditions, "kpi_id = ?")
		args = append(args, f.KPIID)
	}
	if f.RuleID != "" {
		conditions = append(conditions, "rule_id = ?")
		args = append(args, f.RuleID)
	}
	if f.State != "" {
		conditions = append(conditions, "state = ?")
		args = append(args, string(f.State))
	}
	if f.Severity != "" {
		conditions = append(conditions, "severity = ?")
		args = append(args, string(f.Severity))
	}

	query := "SELECT " + alertColumns + " FROM alerts WHERE " + strings.Join(conditions, " AND ") +
		" ORDER BY triggered_at DESC, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryAlerts(ctx, query, args...)
}

func (s *SQLite) OpenAlertForRule(ctx context.Context, scope tenant.Scope, ruleID string) (*model.Alert, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx,
		"SELECT "+alertColumns+" FROM alerts WHERE tenant_id = ? AND rule_id = ? AND state IN ('new', 'acknowledged')",
		scope.ID(), ruleID,
	)
	a, err := scanAlert(row)
	if err != nil {
		return nil, lookup("open alert of rule", ruleID, err)
	}
	return a, nil
}

func (s *SQLite) LatestAlertForRule(ctx context.Context, scope tenant.Scope, ruleID string) (*model.Alert, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx,
		"SELECT "+alertColumns+" FROM alerts WHERE tenant_id = ? AND rule_id = ? ORDER BY triggered_at DESC, last_period_end DESC LIMIT 1",
		scope.ID(), ruleID,
	)
	a, err := scanAlert(row)
	if err != nil {
		return nil, lookup("latest alert of rule", ruleID, err)
	}
	return a, nil
}

func (s *SQLite) queryAlerts(ctx context.Context, query string, args ...any) ([]model.Alert, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query alerts", err)
	}
	defer rows.Close()

	var alerts []model.Alert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, unavailable("scan alert", err)
		}
		alerts = append(alerts, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query alerts", err)
	}
	return alerts, nil
}

func scanAlert(sc scanner) (*model.Alert, error) {
	var (
		a                              model.Alert
		ruleKind, severity, state, res string
		triggeredAt, start, end        int64
		lastObservedAt, lastPeriodEnd  int64
		acknowledgedAt, resolvedAt     sql.NullInt64
	)
	if err := sc.Scan(&a.ID, &a.TenantID, &a.RuleID, &a.KPIID, &ruleKind, &severity, &state,
		&triggeredAt, &a.TriggerValueID, &start, &end, &lastObservedAt, &lastPeriodEnd,
		&a.ObservedCount, &a.ObservedValue, &a.Context, &acknowledgedAt, &a.AcknowledgedBy,
		&resolvedAt, &a.ResolvedBy, &res, &a.TaskRef); err != nil {
		return nil, err
	}
	a.RuleKind = model.RuleKind(ruleKind)
	a.Severity = model.Severity(severity)
	a.State = model.AlertState(state)
	a.Resolution = model.Resolution(res)
	a.TriggeredAt = fromNanos(triggeredAt)
	a.PeriodStart = fromNanos(start)
	a.PeriodEnd = fromNanos(end)
	a.LastObservedAt = fromNanos(lastObservedAt)
	a.LastPeriodEnd = fromNanos(lastPeriodEnd)
	a.AcknowledgedAt = fromNullNanos(acknowledgedAt)
	a.ResolvedAt = fromNullNanos(resolvedAt)
	return &a, nil
}
