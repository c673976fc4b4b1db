package model

import "time"

// Severity ranks how urgent an alert is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is a known severity.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// RuleKind is the tag of an alert rule variant.
type RuleKind string

const (
	RuleThreshold RuleKind = "threshold"
	RuleAnomaly   RuleKind = "anomaly"
)

// Comparator is the operator of a threshold rule.
type Comparator string

const (
	CmpGt  Comparator = ">"
	CmpLt  Comparator = "<"
	CmpGte Comparator = ">="
	CmpLte Comparator = "<="
	CmpEq  Comparator = "=="
)

// ThresholdParams configures a threshold rule.
type ThresholdParams struct {
	Comparator Comparator `json:"comparator" yaml:"comparator"`
	Limit      float64    `json:"limit" yaml:"limit"`
}

// Anomaly rule defaults.
const (
	DefaultAnomalyWindow      = 20
	DefaultAnomalyMinSamples  = 5
	DefaultAnomalySensitivity = 2.0
)

// AnomalyParams configures a statistical anomaly rule.
type AnomalyParams struct {
	Window      int     `json:"window" yaml:"window"`
	MinSamples  int     `json:"min_samples" yaml:"min_samples"`
	Sensitivity float64 `json:"sensitivity" yaml:"sensitivity"`
	UseForecast bool    `json:"use_forecast,omitempty" yaml:"use_forecast"`
}

// WithDefaults fills zero fields with the package defaults.
func (p AnomalyParams) WithDefaults() AnomalyParams {
	if p.Window <= 0 {
		p.Window = DefaultAnomalyWindow
	}
	if p.MinSamples <= 0 {
		p.MinSamples = DefaultAnomalyMinSamples
	}
	if p.MinSamples > p.Window {
		p.MinSamples = p.Window
	}
	if p.Sensitivity <= 0 {
		p.Sensitivity = DefaultAnomalySensitivity
	}
	return p
}

// AlertRule is a tagged rule attached to one KPI.
type AlertRule struct {
	ID        string           `json:"id" yaml:"id"`
	TenantID  string           `json:"tenant_id" yaml:"-"`
	KPIID     string           `json:"kpi_id" yaml:"-"`
	Name      string           `json:"name" yaml:"name"`
	Kind      RuleKind         `json:"kind" yaml:"kind"`
	Severity  Severity         `json:"severity" yaml:"severity"`
	Threshold *ThresholdParams `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Anomaly   *AnomalyParams   `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
	Enabled   bool             `json:"enabled" yaml:"enabled"`
	CreatedAt time.Time        `json:"created_at" yaml:"-"`
}

// AlertState is a step of the alert lifecycle.
type AlertState string

const (
	StateNew          AlertState = "new"
	StateAcknowledged AlertState = "acknowledged"
	StateResolved     AlertState = "resolved"
)

// Open reports whether the alert still needs attention.
func (s AlertState) Open() bool {
	return s == StateNew || s == StateAcknowledged
}

// Resolution records how an alert was closed.
type Resolution string

const (
	ResolutionManual Resolution = "manual"
	ResolutionAuto   Resolution = "auto"
)

// Alert is a persisted rule firing. Alerts are never deleted.
type Alert struct {
	ID             string     `json:"id"`
	TenantID       string     `json:"tenant_id"`
	RuleID         string     `json:"rule_id"`
	KPIID          string     `json:"kpi_id"`
	RuleKind       RuleKind   `json:"rule_kind"`
	Severity       Severity   `json:"severity"`
	State          AlertState `json:"state"`
	TriggeredAt    time.Time  `json:"triggered_at"`
	TriggerValueID string     `json:"trigger_value_id"`
	PeriodStart    time.Time  `json:"period_start"`
	PeriodEnd      time.Time  `json:"period_end"`
	LastObservedAt time.Time  `json:"last_observed_at"`
	LastPeriodEnd  time.Time  `json:"last_period_end"`
	ObservedCount  int        `json:"observed_count"`
	ObservedValue  float64    `json:"observed_value"`
	Context        string     `json:"context,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy     string     `json:"resolved_by,omitempty"`
	Resolution     Resolution `json:"resolution,omitempty"`
	TaskRef        string     `json:"task_ref,omitempty"`
}

// AlertFilter narrows alert listings. Empty fields match everything.
type AlertFilter struct {
	KPIID    string     `json:"kpi_id,omitempty"`
	RuleID   string     `json:"rule_id,omitempty"`
	State    AlertState `json:"state,omitempty"`
	Severity Severity   `json:"severity,omitempty"`
	Limit    int        `json:"limit,omitempty"`
}

// TransitionAction names what happened to an alert.
type TransitionAction string

const (
	ActionCreated      TransitionAction = "created"
	ActionRefreshed    TransitionAction = "refreshed"
	ActionAcknowledged TransitionAction = "acknowledged"
	ActionResolved     TransitionAction = "resolved"
)

// Transition describes one change applied to an alert.
type Transition struct {
	AlertID    string           `json:"alert_id"`
	RuleID     string           `json:"rule_id"`
	KPIID      string           `json:"kpi_id"`
	TenantID   string           `json:"tenant_id"`
	Severity   Severity         `json:"severity"`
	Action     TransitionAction `json:"action"`
	From       AlertState       `json:"from,omitempty"`
	To         AlertState       `json:"to"`
	Resolution Resolution       `json:"resolution,omitempty"`
	Value      *float64         `json:"value,omitempty"`
	At         time.Time        `json:"at"`
	Message    string           `json:"message,omitempty"`
}
