package models

import (
	"fmt"
	"strings"
	"time"
)

type Coord struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// UnknownLocation stands in for a driver whose position was never reported.
// Distances computed from it are meaningless; ranking still uses it so the
// decision stays a total function over the roster.
var UnknownLocation = Coord{Lat: 0, Lng: 0}

type Place struct {
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	Address string  `json:"address"`
}

func (p Place) Coord() Coord { return Coord{Lat: p.Lat, Lng: p.Lng} }

type Weather string

const (
	WeatherClear Weather = "clear"
	WeatherSunny Weather = "sunny"
	WeatherRain  Weather = "rain"
	WeatherSnow  Weather = "snow"
	WeatherStorm Weather = "storm"
)

// Fair reports clear or sunny conditions.
func (w Weather) Fair() bool { return w == WeatherClear || w == WeatherSunny }

// Adverse reports rain, snow or storm.
func (w Weather) Adverse() bool {
	return w == WeatherRain || w == WeatherSnow || w == WeatherStorm
}

func ParseWeather(s string) (Weather, error) {
	switch w := Weather(strings.ToLower(strings.TrimSpace(s))); w {
	case WeatherClear, WeatherSunny, WeatherRain, WeatherSnow, WeatherStorm:
		return w, nil
	}
	return "", fmt.Errorf("unknown weather %q", s)
}

type CityDensity string

const (
	DensityHigh     CityDensity = "high"
	DensityMedium   CityDensity = "medium"
	DensityLow      CityDensity = "low"
	DensitySuburban CityDensity = "suburban"
)

func ParseCityDensity(s string) (CityDensity, error) {
	switch d := CityDensity(strings.ToLower(strings.TrimSpace(s))); d {
	case DensityHigh, DensityMedium, DensityLow, DensitySuburban:
		return d, nil
	}
	return "", fmt.Errorf("unknown city density %q", s)
}

type GearStatus string

const (
	GearNone     GearStatus = "none"
	GearPending  GearStatus = "pending"
	GearVerified GearStatus = "verified"
	GearRejected GearStatus = "rejected"
)

// NoGear is the gear type sentinel for drivers without a scooter or bike.
const NoGear = "none"

type DispatchMode string

const (
	ModeChaseCar  DispatchMode = "chase_car"
	ModeSoloScoot DispatchMode = "solo_scoot"
	ModeShadow    DispatchMode = "shadow"
)

func ParseDispatchMode(s string) (DispatchMode, error) {
	switch m := DispatchMode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeChaseCar, ModeSoloScoot, ModeShadow:
		return m, nil
	}
	return "", fmt.Errorf("unknown dispatch mode %q", s)
}

// TripRequest carries everything the dispatch decision needs. DistanceMiles is
// supplied by the caller and is never derived from the coordinates here.
type TripRequest struct {
	Pickup        Place       `json:"pickup"`
	Destination   Place       `json:"destination"`
	DistanceMiles float64     `json:"distance_miles"`
	TimeOfDay     int         `json:"time_of_day"` // 0..23
	Weather       Weather     `json:"weather"`
	CityDensity   CityDensity `json:"city_density"`
	IsWeekend     bool        `json:"is_weekend"`
}

// CandidateDriver is one roster entry. CurrentLocation and Rating are optional:
// a nil location resolves to UnknownLocation and a nil rating compares as 0.
type CandidateDriver struct {
	ID                     string     `json:"id"`
	GearVerificationStatus GearStatus `json:"gear_verification_status"`
	GearType               string     `json:"gear_type"`
	IsAvailable            bool       `json:"is_available"`
	CurrentLocation        *Coord     `json:"current_location,omitempty"`
	Rating                 *float64   `json:"rating,omitempty"`
	Updated                time.Time  `json:"updated"`
}

func (d CandidateDriver) Location() Coord {
	if d.CurrentLocation == nil {
		return UnknownLocation
	}
	return *d.CurrentLocation
}

func (d CandidateDriver) RatingOrZero() float64 {
	if d.Rating == nil {
		return 0
	}
	return *d.Rating
}

// SoloScootEligible reports whether the driver may ride to a pickup on their own gear.
func (d CandidateDriver) SoloScootEligible() bool {
	return d.IsAvailable && d.GearVerificationStatus == GearVerified && d.GearType != NoGear
}

type FeeItems struct {
	Base        float64 `json:"base"`
	Mileage     float64 `json:"mileage"`
	Surge       float64 `json:"surge"`
	Taxes       float64 `json:"taxes"`
	PlatformFee float64 `json:"platform_fee"`
}

type PriceBreakdown struct {
	BaseFee         float64  `json:"base_fee"`
	MileageFee      float64  `json:"mileage_fee"`
	SurgeMultiplier float64  `json:"surge_multiplier"`
	Subtotal        float64  `json:"subtotal"`
	Taxes           float64  `json:"taxes"`
	PlatformFee     float64  `json:"platform_fee"`
	Total           float64  `json:"total"`
	Currency        string   `json:"currency"`
	Breakdown       FeeItems `json:"breakdown"`
}

// TotalCents converts the rounded total to minor units for payment providers.
func (p PriceBreakdown) TotalCents() int64 {
	return int64(p.Total*100 + 0.5)
}

type DispatchResult struct {
	Mode                    *DispatchMode    `json:"mode"`
	PrimaryDriver           *CandidateDriver `json:"primary_driver"`
	ChaseDriver             *CandidateDriver `json:"chase_driver"`
	PriceEstimate           *PriceBreakdown  `json:"price_estimate"`
	EstimatedArrivalMinutes *int             `json:"estimated_arrival_minutes"`
	Error                   *string          `json:"error"`
	WaitTimeMinutes         *int             `json:"wait_time_minutes"`
}

func (r DispatchResult) Dispatched() bool { return r.Mode != nil }

// DriverIDs lists the assigned drivers, primary first, without duplicates.
func (r DispatchResult) DriverIDs() []string {
	var ids []string
	if r.PrimaryDriver != nil {
		ids = append(ids, r.PrimaryDriver.ID)
	}
	if r.ChaseDriver != nil && (r.PrimaryDriver == nil || r.ChaseDriver.ID != r.PrimaryDriver.ID) {
		ids = append(ids, r.ChaseDriver.ID)
	}
	return ids
}

type TripStatus string

const (
	TripDispatched TripStatus = "dispatched"
	TripCompleted  TripStatus = "completed"
	TripCancelled  TripStatus = "cancelled"
)

type Trip struct {
	ID              string          `json:"id"`
	RiderID         string          `json:"rider_id"`
	Request         TripRequest     `json:"request"`
	Mode            DispatchMode    `json:"mode"`
	PrimaryDriverID string          `json:"primary_driver_id"`
	ChaseDriverID   string          `json:"chase_driver_id,omitempty"`
	Price           *PriceBreakdown `json:"price,omitempty"`
	PaymentIntentID string          `json:"payment_intent_id,omitempty"`
	Status          TripStatus      `json:"status"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

type DriverRole string

const (
	RolePrimary DriverRole = "primary"
	RoleChase   DriverRole = "chase"
)

// DispatchOffer is pushed to each assigned driver.
type DispatchOffer struct {
	TripID     string       `json:"trip_id"`
	DriverID   string       `json:"driver_id"`
	Role       DriverRole   `json:"role"`
	Mode       DispatchMode `json:"mode"`
	ETAMinutes int          `json:"eta_minutes"`
	Total      float64      `json:"total"`
	Pickup     Place        `json:"pickup"`
}

type EventType string

const (
	EventTripRequested      EventType = "trip_requested"
	EventTripDispatched     EventType = "trip_dispatched"
	EventTripDispatchFailed EventType = "trip_dispatch_failed"
	EventTripCompleted      EventType = "trip_completed"
	EventTripCancelled      EventType = "trip_cancelled"
)

type TripEvent struct {
	Event     EventType      `json:"event"`
	TripID    string         `json:"trip_id"`
	RiderID   string         `json:"rider_id,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}
