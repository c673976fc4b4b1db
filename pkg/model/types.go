package model

import (
	"encoding/json"
	"math"
	"time"
)

// NormalizedRecord is a canonical data row produced by ingestion.
type NormalizedRecord struct {
	ID         string         `json:"id" db:"id"`
	TenantID   string         `json:"tenant_id" db:"tenant_id"`
	EntityType string         `json:"entity_type" db:"entity_type"`
	Fields     map[string]any `json:"fields" db:"fields"`
	Timestamp  time.Time      `json:"timestamp" db:"timestamp"`
}

// Number returns the numeric value of a field. Missing, null, string and
// boolean values are not numeric.
func (r NormalizedRecord) Number(field string) (float64, bool) {
	v, ok := r.Fields[field]
	if !ok {
		return 0, false
	}
	return AsNumber(v)
}

// AsNumber converts a JSON-typed field value to float64.
func AsNumber(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int32:
		f = float64(n)
	case int64:
		f = float64(n)
	case uint:
		f = float64(n)
	case uint32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// TimeRange is a half-open interval [Start, End).
type TimeRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Contains reports whether t falls inside the range.
func (r TimeRange) Contains(t time.Time) bool {
	return !t.Before(r.Start) && t.Before(r.End)
}

// Granularity defines the evaluation window of a KPI.
type Granularity string

const (
	Hourly  Granularity = "hourly"
	Daily   Granularity = "daily"
	Weekly  Granularity = "weekly"
	Monthly Granularity = "monthly"
)

// Valid reports whether g is a supported granularity.
func (g Granularity) Valid() bool {
	switch g {
	case Hourly, Daily, Weekly, Monthly:
		return true
	}
	return false
}

// Period is a half-open evaluation window [Start, End).
type Period struct {
	Start time.Time `json:"period_start"`
	End   time.Time `json:"period_end"`
}

// Range converts the period to a TimeRange.
func (p Period) Range() TimeRange {
	return TimeRange{Start: p.Start, End: p.End}
}

// Key is a stable string form of the period used for dedup and locking.
func (p Period) Key() string {
	return p.Start.UTC().Format(time.RFC3339) + "/" + p.End.UTC().Format(time.RFC3339)
}

// KPIDefinition describes how a KPI is computed for a tenant.
type KPIDefinition struct {
	ID          string      `json:"id" yaml:"id"`
	TenantID    string      `json:"tenant_id" yaml:"-"`
	Name        string      `json:"name" yaml:"name"`
	Description string      `json:"description,omitempty" yaml:"description"`
	Vertical    string      `json:"vertical" yaml:"vertical"`
	Formula     Formula     `json:"formula" yaml:"formula"`
	Granularity Granularity `json:"granularity" yaml:"granularity"`
	Unit        string      `json:"unit,omitempty" yaml:"unit"`
	Target      *float64    `json:"target,omitempty" yaml:"target"`
	// Watermark is the end of the gap-free prefix of computed periods.
	Watermark time.Time `json:"watermark,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"created_at" yaml:"-"`
	UpdatedAt time.Time `json:"updated_at" yaml:"-"`
}

// KPIMetadata holds the fields of a definition that may change after values exist.
type KPIMetadata struct {
	Name        *string  `json:"name,omitempty"`
	Description *string  `json:"description,omitempty"`
	Vertical    *string  `json:"vertical,omitempty"`
	Unit        *string  `json:"unit,omitempty"`
	Target      *float64 `json:"target,omitempty"`
}

// KPIValue is the computed value of a KPI for one period.
type KPIValue struct {
	ID          string    `json:"id" db:"id"`
	TenantID    string    `json:"tenant_id" db:"tenant_id"`
	KPIID       string    `json:"kpi_id" db:"kpi_id"`
	PeriodStart time.Time `json:"period_start" db:"period_start"`
	PeriodEnd   time.Time `json:"period_end" db:"period_end"`
	// Value is nil when the period has no data.
	Value      *float64  `json:"value" db:"value"`
	Considered int       `json:"considered" db:"considered"`
	Skipped    int       `json:"skipped" db:"skipped"`
	ComputedAt time.Time `json:"computed_at" db:"computed_at"`
}

// HasData reports whether the value carries a number.
func (v KPIValue) HasData() bool { return v.Value != nil }

// Period returns the value's evaluation window.
func (v KPIValue) Period() Period {
	return Period{Start: v.PeriodStart, End: v.PeriodEnd}
}

// ValueFilter selects KPI values over a time range. Zero bounds are open.
type ValueFilter struct {
	From  time.Time
	To    time.Time
	Limit int
}

// ForecastPoint is an externally computed prediction for one KPI period.
type ForecastPoint struct {
	KPIID       string    `json:"kpi_id"`
	PeriodStart time.Time `json:"period_start"`
	Predicted   float64   `json:"predicted"`
	Lower       float64   `json:"lower"`
	Upper       float64   `json:"upper"`
}
