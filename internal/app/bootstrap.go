package app

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/engine"
	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/basharzamzami/base44-Analytics/pkg/records"
	"github.com/basharzamzami/base44-Analytics/pkg/tenant"
	"gopkg.in/yaml.v3"
)

// Bootstrap is a declarative set of KPI definitions and their alert rules.
//
//	tenants:
//	  - id: acme
//	    kpis:
//	      - id: revenue
//	        name: Revenue
//	        granularity: daily
//	        formula: {kind: sum, entity_type: deal, field: amount}
//	        rules:
//	          - {id: big-day, kind: threshold, severity: high, enabled: true,
//	             threshold: {comparator: ">", limit: 1000}}
type Bootstrap struct {
	Tenants []BootstrapTenant `yaml:"tenants"`
}

// BootstrapTenant groups the KPIs of one tenant.
type BootstrapTenant struct {
	ID   string         `yaml:"id"`
	KPIs []BootstrapKPI `yaml:"kpis"`
}

// BootstrapKPI is a KPI definition with its rules.
type BootstrapKPI struct {
	model.KPIDefinition `yaml:",inline"`
	Rules               []model.AlertRule `yaml:"rules"`
}

// LoadBootstrap parses a bootstrap file.
func LoadBootstrap(path string) (*Bootstrap, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}
	var b Bootstrap
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("parse bootstrap file %s: %w", path, err)
	}
	return &b, nil
}

// ApplyBootstrap applies every KPI and rule of b. It stops at the first
// failure; definitions applied before it are kept.
func ApplyBootstrap(ctx context.Context, e *engine.Engine, b *Bootstrap) error {
	for _, t := range b.Tenants {
		p := tenant.Service("bootstrap", t.ID)
		for _, k := range t.KPIs {
			def := k.KPIDefinition
			if err := e.ApplyKPI(ctx, p, t.ID, &def); err != nil {
				return fmt.Errorf("tenant %s kpi %s: %w", t.ID, k.ID, err)
			}
			for _, r := range k.Rules {
				r.KPIID = def.ID
				if err := e.CreateRule(ctx, p, t.ID, &r); err != nil {
					return fmt.Errorf("tenant %s kpi %s rule %s: %w", t.ID, def.ID, r.ID, err)
				}
			}
		}
	}
	return nil
}

// RecordFile is a batch of normalized records for one tenant, used to seed
// the local records database.
type RecordFile struct {
	Tenant  string       `yaml:"tenant"`
	Records []RecordLine `yaml:"records"`
}

// RecordLine is one record of a RecordFile.
type RecordLine struct {
	ID         string         `yaml:"id"`
	EntityType string         `yaml:"entity_type"`
	Timestamp  time.Time      `yaml:"timestamp"`
	Fields     map[string]any `yaml:"fields"`
}

// LoadRecords parses a record file and inserts it into dst on behalf of p.
func LoadRecords(ctx context.Context, e *engine.Engine, dst *records.SQLite, p tenant.Principal, path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read records file: %w", err)
	}
	var f RecordFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return 0, fmt.Errorf("parse records file %s: %w", path, err)
	}
	tenantID := f.Tenant
	if tenantID == "" {
		tenantID = p.TenantID
	}
	scope, err := e.Authorize(p, tenantID)
	if err != nil {
		return 0, err
	}

	recs := make([]model.NormalizedRecord, 0, len(f.Records))
	for i, l := range f.Records {
		if l.EntityType == "" || l.Timestamp.IsZero() {
			return 0, fmt.Errorf("record %d: entity_type and timestamp are required: %w", i, model.ErrInvalidInput)
		}
		recs = append(recs, model.NormalizedRecord{
			ID:         l.ID,
			TenantID:   scope.ID(),
			EntityType: l.EntityType,
			Fields:     l.Fields,
			Timestamp:  l.Timestamp.UTC(),
		})
	}
	if err := dst.Insert(ctx, scope, recs...); err != nil {
		return 0, err
	}
	return len(recs), nil
}
