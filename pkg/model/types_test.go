package model_test

import (
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
	"github.com/stretchr/testify/assert"
)

func TestAsNumber(t *testing.T) {
	tests := []struct {
		name  string
		in    any
		want  float64
		isNum bool
	}{
		{"float64", 12.5, 12.5, true},
		{"int", 7, 7, true},
		{"int64", int64(-3), -3, true},
		{"json number", json.Number("4.25"), 4.25, true},
		{"numeric string", "12", 0, false},
		{"bool", true, 0, false},
		{"nil", nil, 0, false},
		{"nan", math.NaN(), 0, false},
		{"inf", math.Inf(1), 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := model.AsNumber(tt.in)
			assert.Equal(t, tt.isNum, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizedRecord_Number_Missing(t *testing.T) {
	r := model.NormalizedRecord{Fields: map[string]any{"amount": 3.0}}
	v, ok := r.Number("amount")
	assert.True(t, ok)
	assert.Equal(t, 3.0, v)

	_, ok = r.Number("missing")
	assert.False(t, ok)
}

func TestGranularity_Valid(t *testing.T) {
	for _, g := range []model.Granularity{model.Hourly, model.Daily, model.Weekly, model.Monthly} {
		assert.True(t, g.Valid(), g)
	}
	assert.False(t, model.Granularity("yearly").Valid())
	assert.False(t, model.Granularity("").Valid())
}

func TestAnomalyParams_WithDefaults(t *testing.T) {
	p := model.AnomalyParams{}.WithDefaults()
	assert.Equal(t, model.DefaultAnomalyWindow, p.Window)
	assert.Equal(t, model.DefaultAnomalyMinSamples, p.MinSamples)
	assert.Equal(t, model.DefaultAnomalySensitivity, p.Sensitivity)

	p = model.AnomalyParams{Window: 3, MinSamples: 10, Sensitivity: 1.5}.WithDefaults()
	assert.Equal(t, 3, p.MinSamples)
	assert.Equal(t, 1.5, p.Sensitivity)
}

func TestTimeRange_Contains(t *testing.T) {
	start := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	r := model.TimeRange{Start: start, End: start.Add(time.Hour)}
	assert.True(t, r.Contains(start))
	assert.True(t, r.Contains(start.Add(59*time.Minute)))
	assert.False(t, r.Contains(start.Add(time.Hour)))
	assert.False(t, r.Contains(start.Add(-time.Nanosecond)))
}

func TestAlertState_Open(t *testing.T) {
	assert.True(t, model.StateNew.Open())
	assert.True(t, model.StateAcknowledged.Open())
	assert.False(t, model.StateResolved.Open())
}
