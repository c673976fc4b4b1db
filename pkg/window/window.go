// Package window computes canonical, contiguous KPI evaluation periods.
//
// All periods are UTC and half-open. Weeks start on Monday.
package window

import (
	"fmt"
	"iter"
	"time"

	"github.com/basharzamzami/base44-Analytics/pkg/model"
)

// Floor returns the start of the period containing t.
func Floor(g model.Granularity, t time.Time) time.Time {
	t = t.UTC()
	switch g {
	case model.Hourly:
		return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, time.UTC)
	case model.Weekly:
		weekday := int(t.Weekday())
		if weekday == 0 {
			weekday = 7
		}
		return time.Date(t.Year(), t.Month(), t.Day()-weekday+1, 0, 0, 0, 0, time.UTC)
	case model.Monthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	default:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	}
}

// Next returns the start of the period following the one starting at start.
func Next(g model.Granularity, start time.Time) time.Time {
	switch g {
	case model.Hourly:
		return start.Add(time.Hour)
	case model.Weekly:
		return start.AddDate(0, 0, 7)
	case model.Monthly:
		return start.AddDate(0, 1, 0)
	default:
		return start.AddDate(0, 0, 1)
	}
}

// PeriodOf returns the period containing t.
func PeriodOf(g model.Granularity, t time.Time) model.Period {
	start := Floor(g, t)
	return model.Period{Start: start, End: Next(g, start)}
}

// Validate checks that p is a canonical period of granularity g.
func Validate(g model.Granularity, p model.Period) error {
	if !g.Valid() {
		return fmt.Errorf("unsupported granularity %q", g)
	}
	want := PeriodOf(g, p.Start)
	if !want.Start.Equal(p.Start) || !want.End.Equal(p.End) {
		return fmt.Errorf("period %s is not a canonical %s window (want %s)", p.Key(), g, want.Key())
	}
	return nil
}

// Missing yields the closed periods (End <= now) from the period containing
// from up to now that have not been computed yet, in ascending order. At most
// limit periods are yielded; limit <= 0 means no limit. have may be nil.
func Missing(g model.Granularity, from, now time.Time, have func(model.Period) bool, limit int) iter.Seq[model.Period] {
	return func(yield func(model.Period) bool) {
		n := 0
		for start := Floor(g, from); ; {
			end := Next(g, start)
			if end.After(now) {
				return
			}
			p := model.Period{Start: start, End: end}
			if have == nil || !have(p) {
				if !yield(p) {
					return
				}
				n++
				if limit > 0 && n >= limit {
					return
				}
			}
			start = end
		}
	}
}

// Contiguous returns the end of the gap-free run of computed periods that
// begins at the period containing from. If the first period is missing it
// returns the floor of from.
func Contiguous(g model.Granularity, from, now time.Time, have func(model.Period) bool) time.Time {
	start := Floor(g, from)
	for {
		end := Next(g, start)
		if end.After(now) || !have(model.Period{Start: start, End: end}) {
			return start
		}
		start = end
	}
}
