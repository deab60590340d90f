package pricing

import "github.com/example/rescue-dispatch/internal/models"

const (
	normalMultiplier    = 1.0
	peakMultiplier      = 1.5
	lateNightMultiplier = 1.8
	weekendMultiplier   = 1.3
	weatherMultiplier   = 1.2

	peakStart      = 17 // inclusive
	peakEnd        = 20 // exclusive
	lateNightStart = 22 // inclusive, wraps past midnight
	lateNightEnd   = 6  // exclusive
)

// SurgeMultiplier stacks the time-of-day, weekend and weather surcharges and
// rounds to cents precision. The result is never below 1.0.
func SurgeMultiplier(timeOfDay int, isWeekend bool, weather models.Weather) float64 {
	m := normalMultiplier
	if timeOfDay >= peakStart && timeOfDay < peakEnd {
		m = max(m, peakMultiplier)
	}
	if timeOfDay >= lateNightStart || timeOfDay < lateNightEnd {
		m = max(m, lateNightMultiplier)
	}
	if isWeekend {
		m *= weekendMultiplier
	}
	if weather.Adverse() {
		m *= weatherMultiplier
	}
	return round2(m)
}
