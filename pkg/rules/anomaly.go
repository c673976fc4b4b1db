package rules

import (
	"fmt"
	"math"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// Stats returns the mean and population standard deviation of xs.
func Stats(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	for _, x := range xs {
		d := x - mean
		std += d * d
	}
	std = math.Sqrt(std / float64(len(xs)))
	return mean, std
}

// Anomalous decides whether v departs from baseline, the trailing values in
// ascending period order. params must already carry defaults. It returns
// model.ErrInsufficientBaseline when baseline is shorter than MinSamples.
//
// A value is anomalous when |v-mean| > sensitivity*std. With a flat
// baseline (std 0) any deviation counts. When forecast is non-nil, a value
// outside [Lower, Upper] is anomalous as well.
func Anomalous(v float64, baseline []float64, params model.AnomalyParams, forecast *model.ForecastPoint) (bool, string, error) {
	if len(baseline) > params.Window {
		baseline = baseline[len(baseline)-params.Window:]
	}
	if len(baseline) < params.MinSamples {
		return false, "", fmt.Errorf("%d of %d samples: %w", len(baseline), params.MinSamples, model.ErrInsufficientBaseline)
	}

	mean, std := Stats(baseline)
	dev := math.Abs(v - mean)
	var statistical bool
	if std == 0 {
		statistical = dev > 1e-9*math.Max(1, math.Abs(mean))
	} else {
		statistical = dev > params.Sensitivity*std
	}
	if statistical {
		return true, fmt.Sprintf("value %g deviates %g from mean %g (std %g, sensitivity %g)", v, dev, mean, std, params.Sensitivity), nil
	}

	if forecast != nil && (v < forecast.Lower || v > forecast.Upper) {
		return true, fmt.Sprintf("value %g outside forecast range [%g, %g]", v, forecast.Lower, forecast.Upper), nil
	}
	return false, "", nil
}
