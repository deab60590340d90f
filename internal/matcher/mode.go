package matcher

import (
	"github.com/example/rescue-dispatch/internal/eta"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/pricing"
)

const (
	// NoDriversAvailable is the DispatchResult.Error text for a failed dispatch.
	NoDriversAvailable = "No drivers available"

	soloScootThreshold = 5
	minChaseCarPool    = 2

	waitWithRoster  = 15
	waitEmptyRoster = 30
)

// Scores are the per-mode feasibility scores for a trip.
type Scores struct {
	SoloScoot int
	ChaseCar  int
}

func FeasibilityScores(trip models.TripRequest) Scores {
	var s Scores

	if trip.CityDensity == models.DensityHigh || trip.CityDensity == models.DensityMedium {
		s.SoloScoot += 3
	}
	if trip.DistanceMiles < 5 {
		s.SoloScoot += 2
	}
	if trip.Weather.Fair() {
		s.SoloScoot += 2
	}
	if trip.TimeOfDay >= 6 && trip.TimeOfDay <= 22 {
		s.SoloScoot++
	}

	if trip.DistanceMiles > 10 {
		s.ChaseCar += 3
	}
	if trip.Weather.Adverse() {
		s.ChaseCar += 3
	}
	if trip.CityDensity == models.DensityLow || trip.CityDensity == models.DensitySuburban {
		s.ChaseCar += 2
	}
	if trip.TimeOfDay < 6 || trip.TimeOfDay > 22 {
		s.ChaseCar += 2
	}
	return s
}

func partition(drivers []models.CandidateDriver) (solo, chase []models.CandidateDriver) {
	for _, d := range drivers {
		if !d.IsAvailable {
			continue
		}
		chase = append(chase, d)
		if d.SoloScootEligible() {
			solo = append(solo, d)
		}
	}
	return solo, chase
}

// SelectDispatchMode decides the service mode, the assigned drivers and the fare
// for a trip. It is deterministic and holds no state; running out of drivers is
// reported through the result, not as an error.
func SelectDispatchMode(trip models.TripRequest, drivers []models.CandidateDriver) models.DispatchResult {
	solo, chase := partition(drivers)
	scores := FeasibilityScores(trip)
	pickup := trip.Pickup.Coord()

	var (
		mode             models.DispatchMode
		primary, partner *models.CandidateDriver
	)
	switch {
	case len(solo) > 0 && scores.SoloScoot >= soloScootThreshold:
		best, err := SelectBestDriver(solo, pickup)
		if err != nil {
			return noDrivers(drivers)
		}
		mode, primary = models.ModeSoloScoot, &best
	case len(chase) >= minChaseCarPool:
		pair, err := SelectChaseCarPair(chase, pickup)
		if err != nil {
			return noDrivers(drivers)
		}
		mode, primary, partner = models.ModeChaseCar, &pair.Primary, &pair.Chase
	default:
		return noDrivers(drivers)
	}

	price, err := pricing.CalculatePrice(pricing.Request{
		Mode:          mode,
		DistanceMiles: trip.DistanceMiles,
		TimeOfDay:     trip.TimeOfDay,
		Weather:       trip.Weather,
		IsWeekend:     trip.IsWeekend,
	})
	if err != nil {
		msg := err.Error()
		return models.DispatchResult{Error: &msg}
	}
	arrival := eta.ArrivalMinutes(primary.Location(), pickup)

	return models.DispatchResult{
		Mode:                    &mode,
		PrimaryDriver:           primary,
		ChaseDriver:             partner,
		PriceEstimate:           &price,
		EstimatedArrivalMinutes: &arrival,
	}
}

func noDrivers(drivers []models.CandidateDriver) models.DispatchResult {
	msg := NoDriversAvailable
	wait := waitEmptyRoster
	if len(drivers) > 0 {
		wait = waitWithRoster
	}
	return models.DispatchResult{Error: &msg, WaitTimeMinutes: &wait}
}
