package pricing

import (
	"errors"
	"fmt"
	"math"

	"github.com/example/rescue-dispatch/internal/models"
)

var ErrUnknownMode = errors.New("unknown dispatch mode")

const (
	TaxRate     = 0.08
	PlatformFee = 2.50
	Currency    = "USD"
)

// Rate is the static fee schedule for one dispatch mode. Distance modes use
// PerMile; shadow bills HourlyRate with a MinimumHours floor instead.
type Rate struct {
	BaseFee            float64
	PerMile            float64
	RequiresTwoDrivers bool
	DriverMultiplier   float64
	HourlyRate         float64
	MinimumHours       float64
}

var rates = map[models.DispatchMode]Rate{
	models.ModeChaseCar: {
		BaseFee:            25.00,
		PerMile:            2.50,
		RequiresTwoDrivers: true,
		DriverMultiplier:   1.8,
	},
	models.ModeSoloScoot: {
		BaseFee: 15.00,
		PerMile: 1.75,
	},
	models.ModeShadow: {
		BaseFee:      20.00,
		HourlyRate:   40.00,
		MinimumHours: 2,
	},
}

// RateFor returns the fee schedule for mode.
func RateFor(mode models.DispatchMode) (Rate, error) {
	r, ok := rates[mode]
	if !ok {
		return Rate{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
	return r, nil
}

type Request struct {
	Mode          models.DispatchMode
	DistanceMiles float64
	TimeOfDay     int
	Weather       models.Weather
	IsWeekend     bool
	// DurationHours applies to shadow only; zero means "use the minimum".
	DurationHours float64
}

// CalculatePrice computes the fare breakdown for a request. An unrecognized mode
// is a caller bug and fails with ErrUnknownMode rather than falling back.
func CalculatePrice(req Request) (models.PriceBreakdown, error) {
	rate, err := RateFor(req.Mode)
	if err != nil {
		return models.PriceBreakdown{}, err
	}

	baseFee := rate.BaseFee
	var mileageFee float64
	if req.Mode == models.ModeShadow {
		hours := req.DurationHours
		if hours <= 0 {
			hours = rate.MinimumHours
		}
		mileageFee = max(hours, rate.MinimumHours) * rate.HourlyRate
	} else {
		mileageFee = req.DistanceMiles * rate.PerMile
		if rate.RequiresTwoDrivers {
			baseFee *= rate.DriverMultiplier
			mileageFee *= rate.DriverMultiplier
		}
	}

	surge := SurgeMultiplier(req.TimeOfDay, req.IsWeekend, req.Weather)
	fees := baseFee + mileageFee
	subtotal := fees * surge
	taxes := subtotal * TaxRate

	return models.PriceBreakdown{
		BaseFee:         baseFee,
		MileageFee:      mileageFee,
		SurgeMultiplier: surge,
		Subtotal:        subtotal,
		Taxes:           taxes,
		PlatformFee:     PlatformFee,
		Total:           round2(subtotal + taxes + PlatformFee),
		Currency:        Currency,
		Breakdown: models.FeeItems{
			Base:        baseFee,
			Mileage:     mileageFee,
			Surge:       fees * (surge - 1),
			Taxes:       taxes,
			PlatformFee: PlatformFee,
		},
	}, nil
}

func round2(v float64) float64 { return math.Round(v*100) / 100 }
