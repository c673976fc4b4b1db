package storage

import (
	"context"
	"database/sql"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"github.com/google/uuid"
)

const valueColumns = "id, tenant_id, kpi_id, period_start, period_end, value, considered, skipped, computed_at"

func (s *SQLite) UpsertValue(ctx context.Context, scope tenant.Scope, v *model.KPIValue) error {
	if err := scope.Check(); err != nil {
		return err
	}
	if v.TenantID == "" {
		v.TenantID = scope.ID()
	}
	if err := scope.Owns(v.TenantID); err != nil {
		return err
	}
	if v.ComputedAt.IsZero() {
		v.ComputedAt = s.now().UTC()
	}

	// The id of an existing row survives recomputation.
	var id string
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO kpi_values (`+valueColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, kpi_id, period_start, period_end) DO UPDATE SET
		   value = excluded.value,
		   considered = excluded.considered,
		   skipped = excluded.skipped,
		   computed_at = excluded.computed_at
		 RETURNING id`,
		uuid.New().String(), v.TenantID, v.KPIID, nanos(v.PeriodStart), nanos(v.PeriodEnd),
		nullFloat(v.Value), v.Considered, v.Skipped, nanos(v.ComputedAt),
	).Scan(&id)
	if err != nil {
		return unavailable("upsert kpi value", err)
	}
	v.ID = id
	return nil
}

func (s *SQLite) GetValue(ctx context.Context, scope tenant.Scope, kpiID string, p model.Period) (*model.KPIValue, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx,
		"SELECT "+valueColumns+" FROM kpi_values WHERE tenant_id = ? AND kpi_id = ? AND period_start = ? AND period_end = ?",
		scope.ID(), kpiID, nanos(p.Start), nanos(p.End),
	)
	v, err := scanValue(row)
	if err != nil {
		return nil, lookup("kpi value", kpiID+"@"+p.Key(), err)
	}
	return v, nil
}

func (s *SQLite) ListValues(ctx context.Context, scope tenant.Scope, kpiID string, f model.ValueFilter) ([]model.KPIValue, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	query := "SELECT " + valueColumns + " FROM kpi_values WHERE tenant_id = ? AND kpi_id = ?"
	args := []any{scope.ID(), kpiID}
	if !f.From.IsZero() {
		query += " AND period_start >= ?"
		args = append(args, nanos(f.From))
	}
	if !f.To.IsZero() {
		query += " AND period_end <= ?"
		args = append(args, nanos(f.To))
	}
	query += " ORDER BY period_start"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return s.queryValues(ctx, query, args...)
}

func (s *SQLite) PeriodsSince(ctx context.Context, scope tenant.Scope, kpiID string, from time.Time) ([]model.Period, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx,
		"SELECT period_start, period_end FROM kpi_values WHERE tenant_id = ? AND kpi_id = ? AND period_start >= ? ORDER BY period_start",
		scope.ID(), kpiID, nanos(from),
	)
	if err != nil {
		return nil, unavailable("list periods", err)
	}
	defer rows.Close()

	var periods []model.Period
	for rows.Next() {
		var start, end int64
		if err := rows.Scan(&start, &end); err != nil {
			return nil, unavailable("scan period", err)
		}
		periods = append(periods, model.Period{Start: fromNanos(start), End: fromNanos(end)})
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list periods", err)
	}
	return periods, nil
}

func (s *SQLite) PriorValues(ctx context.Context, scope tenant.Scope, kpiID string, before time.Time, n int) ([]model.KPIValue, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	values, err := s.queryValues(ctx,
		"SELECT "+valueColumns+` FROM kpi_values
		 WHERE tenant_id = ? AND kpi_id = ? AND period_start < ? AND value IS NOT NULL
		 ORDER BY period_start DESC LIMIT ?`,
		scope.ID(), kpiID, nanos(before), n,
	)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(values)-1; i < j; i, j = i+1, j-1 {
		values[i], values[j] = values[j], values[i]
	}
	return values, nil
}

func (s *SQLite) LatestValue(ctx context.Context, scope tenant.Scope, kpiID string) (*model.KPIValue, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	row := s.q.QueryRowContext(ctx,
		"SELECT "+valueColumns+" FROM kpi_values WHERE tenant_id = ? AND kpi_id = ? ORDER BY period_start DESC LIMIT 1",
		scope.ID(), kpiID,
	)
	v, err := scanValue(row)
	if err != nil {
		return nil, lookup("latest value of kpi", kpiID, err)
	}
	return v, nil
}

func (s *SQLite) queryValues(ctx context.Context, query string, args ...any) ([]model.KPIValue, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("query kpi values", err)
	}
	defer rows.Close()

	var values []model.KPIValue
	for rows.Next() {
		v, err := scanValue(rows)
		if err != nil {
			return nil, unavailable("scan kpi value", err)
		}
		values = append(values, *v)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("query kpi values", err)
	}
	return values, nil
}

func scanValue(sc scanner) (*model.KPIValue, error) {
	var (
		v                      model.KPIValue
		start, end, computedAt int64
		value                  sql.NullFloat64
	)
	if err := sc.Scan(&v.ID, &v.TenantID, &v.KPIID, &start, &end, &value,
		&v.Considered, &v.Skipped, &computedAt); err != nil {
		return nil, err
	}
	v.PeriodStart = fromNanos(start)
	v.PeriodEnd = fromNanos(end)
	v.Value = fromNullFloat(value)
	v.ComputedAt = fromNanos(computedAt)
	return &v, nil
}

func (s *SQLite) UpsertForecast(ctx context.Context, scope tenant.Scope, p model.ForecastPoint) error {
	if err := scope.Check(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx,
		`INSERT INTO forecast_points (tenant_id, kpi_id, period_start, predicted, lower, upper)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(tenant_id, kpi_id, period_start) DO UPDATE SET
		   predicted = excluded.predicted,
		   lower = excluded.lower,
		   upper = excluded.upper`,
		scope.ID(), p.KPIID, nanos(p.PeriodStart), p.Predicted, p.Lower, p.Upper,
	)
	if err != nil {
		return unavailable("upsert forecast", err)
	}
	return nil
}

func (s *SQLite) GetForecast(ctx context.Context, scope tenant.Scope, kpiID string, periodStart time.Time) (*model.ForecastPoint, error) {
	if err := scope.Check(); err != nil {
		return nil, err
	}
	p := model.ForecastPoint{KPIID: kpiID, PeriodStart: periodStart.UTC()}
	err := s.q.QueryRowContext(ctx,
		"SELECT predicted, lower, upper FROM forecast_points WHERE tenant_id = ? AND kpi_id = ? AND period_start = ?",
		scope.ID(), kpiID, nanos(periodStart),
	).Scan(&p.Predicted, &p.Lower, &p.Upper)
	if err != nil {
		return nil, lookup("forecast of kpi", kpiID, err)
	}
	return &p, nil
}
