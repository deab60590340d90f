package matcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/observability"
	"github.com/example/rescue-dispatch/internal/storage"
)

var ErrTripClosed = errors.New("trip is not in flight")

type Dispatcher interface {
	Offer(ctx context.Context, offer models.DispatchOffer) error
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev models.TripEvent) error
}

// PaymentHolder authorizes the quoted fare; capture happens elsewhere.
type PaymentHolder interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Cancel(ctx context.Context, paymentIntentID string) error
}

type DispatchCommand struct {
	TripID  string
	RiderID string
	Request models.TripRequest
}

// Service runs SelectDispatchMode against the live roster and makes the outcome
// stick: drivers are reserved in the ledger before anything else sees them.
// Offers, Events and Payments are optional.
type Service struct {
	Roster      geo.Roster
	Offers      Dispatcher
	Store       storage.TripStore
	Ledger      storage.Ledger
	Events      EventPublisher
	Payments    PaymentHolder
	Logger      *slog.Logger
	RosterSize  int
	MaxAttempts int
}

func (s *Service) logger() *slog.Logger {
	if s.Logger == nil {
		return slog.Default()
	}
	return s.Logger
}

// Dispatch decides and commits a trip. A trip that finds no drivers is not an
// error: the returned result carries the message and a wait estimate. Errors are
// reserved for roster and storage failures.
func (s *Service) Dispatch(ctx context.Context, cmd DispatchCommand) (models.DispatchResult, error) {
	start := time.Now()
	defer func() { observability.DecisionLatency.Observe(time.Since(start).Seconds()) }()

	rosterSize, attempts := s.RosterSize, s.MaxAttempts
	if rosterSize <= 0 {
		rosterSize = 20
	}
	if attempts <= 0 {
		attempts = 3
	}
	log := s.logger().With("trip_id", cmd.TripID)
	s.publish(ctx, models.EventTripRequested, cmd.TripID, cmd.RiderID, map[string]any{
		"distance_miles": cmd.Request.DistanceMiles,
		"city_density":   cmd.Request.CityDensity,
		"weather":        cmd.Request.Weather,
	})

	pickup := cmd.Request.Pickup
	roster, err := s.Roster.Nearby(ctx, pickup.Lat, pickup.Lng, rosterSize)
	if err != nil {
		return models.DispatchResult{}, fmt.Errorf("load roster: %w", err)
	}

	// availability flags can be overwritten by status updates; the ledger is
	// what says a driver is on a trip
	excluded := make(map[string]bool)
	if len(roster) > 0 {
		ids := make([]string, len(roster))
		for i, d := range roster {
			ids[i] = d.ID
		}
		held, err := s.Ledger.Held(ctx, ids)
		if err != nil {
			return models.DispatchResult{}, fmt.Errorf("load assignments: %w", err)
		}
		for id, trip := range held {
			if trip != cmd.TripID {
				excluded[id] = true
			}
		}
		if len(excluded) > 0 {
			log.Debug("skipping drivers held by other trips", "count", len(excluded))
		}
	}

	scores := FeasibilityScores(cmd.Request)
	var result models.DispatchResult
	for attempt := 0; attempt < attempts; attempt++ {
		pool := roster
		if len(excluded) > 0 {
			pool = make([]models.CandidateDriver, 0, len(roster))
			for _, d := range roster {
				if !excluded[d.ID] {
					pool = append(pool, d)
				}
			}
		}

		result = SelectDispatchMode(cmd.Request, pool)
		if !result.Dispatched() {
			break
		}

		err := s.Ledger.Reserve(ctx, cmd.TripID, result.DriverIDs())
		var conflict *storage.DriverAssignedError
		if errors.As(err, &conflict) {
			observability.ReservationConflictsTotal.Inc()
			log.Info("driver taken by another trip, re-deciding", "driver_id", conflict.DriverID, "attempt", attempt+1)
			excluded[conflict.DriverID] = true
			result = noDrivers(pool)
			continue
		}
		if err != nil {
			return models.DispatchResult{}, fmt.Errorf("reserve drivers: %w", err)
		}

		if err := s.commit(ctx, cmd, result, scores); err != nil {
			return models.DispatchResult{}, err
		}
		log.Info("trip dispatched",
			"mode", *result.Mode,
			"drivers", result.DriverIDs(),
			"solo_score", scores.SoloScoot,
			"chase_score", scores.ChaseCar,
			"total", result.PriceEstimate.Total,
		)
		return result, nil
	}

	observability.DispatchFailuresTotal.Inc()
	log.Info("no drivers available",
		"roster", len(roster),
		"solo_score", scores.SoloScoot,
		"chase_score", scores.ChaseCar,
	)
	s.publish(ctx, models.EventTripDispatchFailed, cmd.TripID, cmd.RiderID, map[string]any{
		"wait_minutes": result.WaitTimeMinutes,
	})
	return result, nil
}

func (s *Service) commit(ctx context.Context, cmd DispatchCommand, result models.DispatchResult, scores Scores) error {
	log := s.logger().With("trip_id", cmd.TripID)
	ids := result.DriverIDs()
	for _, id := range ids {
		if err := s.Roster.SetAvailable(ctx, id, false); err != nil {
			log.Warn("mark driver unavailable", "driver_id", id, "error", err)
		}
	}

	now := time.Now().UTC()
	trip := &models.Trip{
		ID:              cmd.TripID,
		RiderID:         cmd.RiderID,
		Request:         cmd.Request,
		Mode:            *result.Mode,
		PrimaryDriverID: result.PrimaryDriver.ID,
		Price:           result.PriceEstimate,
		Status:          models.TripDispatched,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if result.ChaseDriver != nil {
		trip.ChaseDriverID = result.ChaseDriver.ID
	}

	if s.Payments != nil {
		price := result.PriceEstimate
		id, err := s.Payments.Hold(ctx, price.TotalCents(), price.Currency, cmd.RiderID)
		if err != nil {
			log.Warn("payment hold failed", "error", err)
		} else {
			trip.PaymentIntentID = id
		}
	}

	if err := s.Store.SaveTrip(ctx, trip); err != nil {
		s.rollback(ctx, cmd.TripID, ids, trip.PaymentIntentID)
		return fmt.Errorf("save trip: %w", err)
	}

	s.offer(ctx, trip, result)
	observability.DispatchesTotal.WithLabelValues(string(trip.Mode)).Inc()
	observability.SurgeMultiplier.Observe(result.PriceEstimate.SurgeMultiplier)
	s.publish(ctx, models.EventTripDispatched, cmd.TripID, cmd.RiderID, map[string]any{
		"mode":        trip.Mode,
		"drivers":     ids,
		"total":       result.PriceEstimate.Total,
		"eta_minutes": *result.EstimatedArrivalMinutes,
		"solo_score":  scores.SoloScoot,
		"chase_score": scores.ChaseCar,
	})
	return nil
}

func (s *Service) rollback(ctx context.Context, tripID string, ids []string, paymentIntentID string) {
	if _, err := s.Ledger.Release(ctx, tripID); err != nil {
		s.logger().Error("release after failed save", "trip_id", tripID, "error", err)
	}
	for _, id := range ids {
		if err := s.Roster.SetAvailable(ctx, id, true); err != nil {
			s.logger().Warn("restore driver availability", "trip_id", tripID, "driver_id", id, "error", err)
		}
	}
	if paymentIntentID != "" {
		if err := s.Payments.Cancel(ctx, paymentIntentID); err != nil {
			s.logger().Warn("cancel payment hold", "trip_id", tripID, "error", err)
		}
	}
}

func (s *Service) offer(ctx context.Context, trip *models.Trip, result models.DispatchResult) {
	if s.Offers == nil {
		return
	}
	send := func(driverID string, role models.DriverRole) {
		o := models.DispatchOffer{
			TripID:     trip.ID,
			DriverID:   driverID,
			Role:       role,
			Mode:       trip.Mode,
			ETAMinutes: *result.EstimatedArrivalMinutes,
			Total:      result.PriceEstimate.Total,
			Pickup:     trip.Request.Pickup,
		}
		// best-effort; the driver app also polls its assignment
		if err := s.Offers.Offer(ctx, o); err != nil {
			s.logger().Warn("offer not delivered", "trip_id", trip.ID, "driver_id", driverID, "error", err)
		}
	}
	send(trip.PrimaryDriverID, models.RolePrimary)
	if trip.ChaseDriverID != "" && trip.ChaseDriverID != trip.PrimaryDriverID {
		send(trip.ChaseDriverID, models.RoleChase)
	}
}

// Release closes an in-flight trip as completed or cancelled and returns its
// drivers to the roster. Cancelling also voids the payment hold.
func (s *Service) Release(ctx context.Context, tripID string, status models.TripStatus) (*models.Trip, error) {
	if status != models.TripCompleted && status != models.TripCancelled {
		return nil, fmt.Errorf("release trip %s: invalid final status %q", tripID, status)
	}
	trip, err := s.Store.GetTrip(ctx, tripID)
	if err != nil {
		return nil, err
	}
	if trip.Status != models.TripDispatched {
		return nil, ErrTripClosed
	}
	// the transition is the claim; a concurrent release loses here
	trip, err = s.Store.TransitionTrip(ctx, tripID, models.TripDispatched, status, time.Now().UTC())
	if errors.Is(err, storage.ErrStatusChanged) {
		return nil, ErrTripClosed
	}
	if err != nil {
		return nil, fmt.Errorf("update trip: %w", err)
	}

	freed, err := s.Ledger.Release(ctx, tripID)
	if err != nil {
		return nil, fmt.Errorf("release drivers: %w", err)
	}
	for _, id := range freed {
		if err := s.Roster.SetAvailable(ctx, id, true); err != nil {
			s.logger().Warn("restore driver availability", "trip_id", tripID, "driver_id", id, "error", err)
		}
	}

	if status == models.TripCancelled && trip.PaymentIntentID != "" && s.Payments != nil {
		if err := s.Payments.Cancel(ctx, trip.PaymentIntentID); err != nil {
			s.logger().Warn("cancel payment hold", "trip_id", tripID, "error", err)
		}
	}

	observability.TripsReleasedTotal.WithLabelValues(string(status)).Inc()
	ev := models.EventTripCompleted
	if status == models.TripCancelled {
		ev = models.EventTripCancelled
	}
	s.publish(ctx, ev, tripID, trip.RiderID, map[string]any{"drivers": freed})
	return trip, nil
}

func (s *Service) publish(ctx context.Context, ev models.EventType, tripID, riderID string, meta map[string]any) {
	if s.Events == nil {
		return
	}
	err := s.Events.PublishEvent(ctx, models.TripEvent{
		Event:     ev,
		TripID:    tripID,
		RiderID:   riderID,
		Metadata:  meta,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		s.logger().Warn("publish trip event", "event", ev, "trip_id", tripID, "error", err)
	}
}
