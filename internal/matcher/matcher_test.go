package matcher

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/storage"
)

func rating(v float64) *float64 { return &v }

func at(lat, lng float64) *models.Coord { return &models.Coord{Lat: lat, Lng: lng} }

func scooter(id string, r float64, loc *models.Coord) models.CandidateDriver {
	return models.CandidateDriver{
		ID:                     id,
		GearVerificationStatus: models.GearVerified,
		GearType:               "folding_scooter",
		IsAvailable:            true,
		CurrentLocation:        loc,
		Rating:                 rating(r),
	}
}

func driver(id string, loc *models.Coord) models.CandidateDriver {
	return models.CandidateDriver{
		ID:                     id,
		GearVerificationStatus: models.GearNone,
		GearType:               models.NoGear,
		IsAvailable:            true,
		CurrentLocation:        loc,
		Rating:                 rating(4.5),
	}
}

var providence = models.Place{Lat: 41.8240, Lng: -71.4128, Address: "Providence, RI"}

// scores solo 8, chase 0
func cityTrip() models.TripRequest {
	return models.TripRequest{
		Pickup:        providence,
		Destination:   models.Place{Lat: 41.85, Lng: -71.40},
		DistanceMiles: 3,
		TimeOfDay:     14,
		Weather:       models.WeatherClear,
		CityDensity:   models.DensityHigh,
	}
}

// scores solo 0, chase 10
func ruralNightTrip() models.TripRequest {
	return models.TripRequest{
		Pickup:        providence,
		Destination:   models.Place{Lat: 42.0, Lng: -71.6},
		DistanceMiles: 15,
		TimeOfDay:     23,
		Weather:       models.WeatherRain,
		CityDensity:   models.DensitySuburban,
	}
}

func TestFeasibilityScores(t *testing.T) {
	if got := FeasibilityScores(cityTrip()); got != (Scores{SoloScoot: 8, ChaseCar: 0}) {
		t.Fatalf("city trip scores = %+v", got)
	}
	if got := FeasibilityScores(ruralNightTrip()); got != (Scores{SoloScoot: 0, ChaseCar: 10}) {
		t.Fatalf("rural trip scores = %+v", got)
	}
	edge := cityTrip()
	edge.TimeOfDay = 22
	edge.DistanceMiles = 5
	if got := FeasibilityScores(edge); got.SoloScoot != 6 || got.ChaseCar != 0 {
		t.Fatalf("hour 22, 5 miles: scores = %+v", got)
	}
}

func TestSoloScootSelectedForCityTrip(t *testing.T) {
	d := scooter("s1", 4.8, at(41.83, -71.41))
	res := SelectDispatchMode(cityTrip(), []models.CandidateDriver{d})
	if !res.Dispatched() || *res.Mode != models.ModeSoloScoot {
		t.Fatalf("expected solo_scoot, got %+v", res)
	}
	if res.PrimaryDriver.ID != "s1" {
		t.Fatalf("primary = %s, want s1", res.PrimaryDriver.ID)
	}
	if res.ChaseDriver != nil || res.Error != nil || res.WaitTimeMinutes != nil {
		t.Fatalf("unexpected fields on success: %+v", res)
	}
	if res.PriceEstimate == nil || res.EstimatedArrivalMinutes == nil {
		t.Fatal("missing price or arrival estimate")
	}
	if *res.EstimatedArrivalMinutes < 1 {
		t.Fatalf("arrival minutes = %d", *res.EstimatedArrivalMinutes)
	}
}

func TestNoDriversEmptyRoster(t *testing.T) {
	res := SelectDispatchMode(cityTrip(), nil)
	if res.Dispatched() {
		t.Fatalf("expected no mode, got %v", *res.Mode)
	}
	if res.Error == nil || *res.Error != NoDriversAvailable {
		t.Fatalf("error = %v", res.Error)
	}
	if res.WaitTimeMinutes == nil || *res.WaitTimeMinutes != 30 {
		t.Fatalf("wait = %v, want 30", res.WaitTimeMinutes)
	}
	if res.PrimaryDriver != nil || res.PriceEstimate != nil {
		t.Fatal("failure result carries assignment fields")
	}
}

func TestNoDriversWithUnusableRoster(t *testing.T) {
	busy := scooter("busy", 5, at(41.82, -71.41))
	busy.IsAvailable = false
	lone := driver("lone", at(41.82, -71.41))
	res := SelectDispatchMode(cityTrip(), []models.CandidateDriver{busy, lone})
	if res.Dispatched() {
		t.Fatalf("expected failure, got %v", *res.Mode)
	}
	if res.WaitTimeMinutes == nil || *res.WaitTimeMinutes != 15 {
		t.Fatalf("wait = %v, want 15", res.WaitTimeMinutes)
	}
}

func TestSoloScootGating(t *testing.T) {
	base := scooter("g", 4.9, at(41.83, -71.41))
	cases := []struct {
		name   string
		mutate func(*models.CandidateDriver)
	}{
		{"unavailable", func(d *models.CandidateDriver) { d.IsAvailable = false }},
		{"pending gear", func(d *models.CandidateDriver) { d.GearVerificationStatus = models.GearPending }},
		{"rejected gear", func(d *models.CandidateDriver) { d.GearVerificationStatus = models.GearRejected }},
		{"no gear type", func(d *models.CandidateDriver) { d.GearType = models.NoGear }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			tc.mutate(&d)
			res := SelectDispatchMode(cityTrip(), []models.CandidateDriver{d})
			if res.Dispatched() && *res.Mode == models.ModeSoloScoot {
				t.Fatal("ineligible driver dispatched solo")
			}
		})
	}
}

func TestChaseCarWhenSoloScoreLow(t *testing.T) {
	near := driver("near", at(41.825, -71.413))
	mid := driver("mid", at(41.84, -71.42))
	far := scooter("far", 5, at(41.95, -71.50))
	res := SelectDispatchMode(ruralNightTrip(), []models.CandidateDriver{far, mid, near})
	if !res.Dispatched() || *res.Mode != models.ModeChaseCar {
		t.Fatalf("expected chase_car, got %+v", res)
	}
	if res.PrimaryDriver.ID != "near" || res.ChaseDriver.ID != "mid" {
		t.Fatalf("pair = %s/%s, want near/mid", res.PrimaryDriver.ID, res.ChaseDriver.ID)
	}
	if res.PriceEstimate.BaseFee != 45 {
		t.Fatalf("chase base fee = %v, want 45", res.PriceEstimate.BaseFee)
	}
}

func TestChaseCarUsesSoloEligibleDrivers(t *testing.T) {
	a := scooter("a", 4.0, at(41.83, -71.41))
	b := scooter("b", 4.0, at(41.84, -71.41))
	res := SelectDispatchMode(ruralNightTrip(), []models.CandidateDriver{a, b})
	if !res.Dispatched() || *res.Mode != models.ModeChaseCar {
		t.Fatalf("expected chase_car from gear drivers, got %+v", res)
	}
}

func TestSelectDispatchModeDeterministic(t *testing.T) {
	roster := []models.CandidateDriver{
		driver("x", at(41.83, -71.41)),
		driver("y", at(41.83, -71.41)),
		driver("z", at(41.83, -71.41)),
	}
	first := SelectDispatchMode(ruralNightTrip(), roster)
	for i := 0; i < 20; i++ {
		got := SelectDispatchMode(ruralNightTrip(), roster)
		if got.PrimaryDriver.ID != first.PrimaryDriver.ID || got.ChaseDriver.ID != first.ChaseDriver.ID {
			t.Fatalf("run %d picked %s/%s, first run %s/%s", i,
				got.PrimaryDriver.ID, got.ChaseDriver.ID, first.PrimaryDriver.ID, first.ChaseDriver.ID)
		}
	}
	if first.PrimaryDriver.ID != "x" || first.ChaseDriver.ID != "y" {
		t.Fatalf("ties should keep input order, got %s/%s", first.PrimaryDriver.ID, first.ChaseDriver.ID)
	}
}

func TestSelectBestDriver(t *testing.T) {
	pickup := providence.Coord()
	t.Run("rating wins over distance", func(t *testing.T) {
		got, err := SelectBestDriver([]models.CandidateDriver{
			scooter("close", 4.2, at(41.8241, -71.4128)),
			scooter("rated", 4.9, at(41.90, -71.50)),
		}, pickup)
		if err != nil || got.ID != "rated" {
			t.Fatalf("got %s, %v", got.ID, err)
		}
	})
	t.Run("distance breaks rating tie", func(t *testing.T) {
		got, _ := SelectBestDriver([]models.CandidateDriver{
			scooter("far", 4.5, at(41.90, -71.50)),
			scooter("near", 4.5, at(41.825, -71.413)),
		}, pickup)
		if got.ID != "near" {
			t.Fatalf("got %s, want near", got.ID)
		}
	})
	t.Run("nil rating ranks as zero", func(t *testing.T) {
		unrated := scooter("unrated", 0, at(41.8241, -71.4128))
		unrated.Rating = nil
		got, _ := SelectBestDriver([]models.CandidateDriver{unrated, scooter("low", 0.1, at(41.95, -71.6))}, pickup)
		if got.ID != "low" {
			t.Fatalf("got %s, want low", got.ID)
		}
	})
	t.Run("empty", func(t *testing.T) {
		if _, err := SelectBestDriver(nil, pickup); !errors.Is(err, ErrNoCandidates) {
			t.Fatalf("err = %v", err)
		}
	})
}

func TestSelectChaseCarPair(t *testing.T) {
	pickup := models.Coord{Lat: 0.01, Lng: 0.01}
	t.Run("ignores rating", func(t *testing.T) {
		best := scooter("best", 5, at(1, 1))
		pair, err := SelectChaseCarPair([]models.CandidateDriver{best, driver("a", at(0.02, 0.02)), driver("b", at(0.03, 0.03))}, pickup)
		if err != nil {
			t.Fatal(err)
		}
		if pair.Primary.ID != "a" || pair.Chase.ID != "b" || pair.SingleDriver {
			t.Fatalf("pair = %+v", pair)
		}
	})
	t.Run("missing location is treated as origin", func(t *testing.T) {
		ghost := driver("ghost", nil)
		pair, _ := SelectChaseCarPair([]models.CandidateDriver{driver("far", at(40, -70)), ghost}, pickup)
		if pair.Primary.ID != "ghost" {
			t.Fatalf("primary = %s, want ghost", pair.Primary.ID)
		}
	})
	t.Run("single candidate", func(t *testing.T) {
		pair, err := SelectChaseCarPair([]models.CandidateDriver{driver("only", at(0, 0))}, pickup)
		if err != nil {
			t.Fatal(err)
		}
		if !pair.SingleDriver || pair.Primary.ID != "only" || pair.Chase.ID != "only" {
			t.Fatalf("pair = %+v", pair)
		}
	})
	t.Run("empty", func(t *testing.T) {
		if _, err := SelectChaseCarPair(nil, pickup); !errors.Is(err, ErrNoCandidates) {
			t.Fatalf("err = %v", err)
		}
	})
}

type recordingDispatcher struct {
	mu     sync.Mutex
	offers []models.DispatchOffer
}

func (r *recordingDispatcher) Offer(_ context.Context, o models.DispatchOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.offers = append(r.offers, o)
	return nil
}

type recordingEvents struct {
	mu     sync.Mutex
	events []models.TripEvent
}

func (r *recordingEvents) PublishEvent(_ context.Context, ev models.TripEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingEvents) types() []models.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.EventType, len(r.events))
	for i, e := range r.events {
		out[i] = e.Event
	}
	return out
}

type fakePayments struct {
	mu        sync.Mutex
	holdErr   error
	held      []int64
	cancelled []string
}

func (f *fakePayments) Hold(_ context.Context, amount int64, _, _ string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.holdErr != nil {
		return "", f.holdErr
	}
	f.held = append(f.held, amount)
	return fmt.Sprintf("pi_%d", len(f.held)), nil
}

func (f *fakePayments) Cancel(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, id)
	return nil
}

type failingStore struct {
	*storage.MemoryStore
}

func (failingStore) SaveTrip(context.Context, *models.Trip) error { return errors.New("disk full") }

// countingLedger counts Reserve calls; stale makes Held report nothing.
type countingLedger struct {
	*storage.MemoryStore
	stale    bool
	mu       sync.Mutex
	reserves int
}

func (c *countingLedger) Reserve(ctx context.Context, tripID string, ids []string) error {
	c.mu.Lock()
	c.reserves++
	c.mu.Unlock()
	return c.MemoryStore.Reserve(ctx, tripID, ids)
}

func (c *countingLedger) Held(ctx context.Context, ids []string) (map[string]string, error) {
	if c.stale {
		return nil, nil
	}
	return c.MemoryStore.Held(ctx, ids)
}

type flakyRoster struct {
	*geo.Index
}

func (flakyRoster) SetAvailable(context.Context, string, bool) error {
	return errors.New("roster unreachable")
}

type fixture struct {
	svc      *Service
	roster   *geo.Index
	store    *storage.MemoryStore
	offers   *recordingDispatcher
	events   *recordingEvents
	payments *fakePayments
}

func newFixture(t *testing.T, drivers ...models.CandidateDriver) *fixture {
	t.Helper()
	f := &fixture{
		roster:   geo.NewIndex(),
		store:    storage.NewMemoryStore(),
		offers:   &recordingDispatcher{},
		events:   &recordingEvents{},
		payments: &fakePayments{},
	}
	ctx := context.Background()
	for _, d := range drivers {
		if err := f.roster.Upsert(ctx, d); err != nil {
			t.Fatal(err)
		}
	}
	f.svc = &Service{
		Roster:   f.roster,
		Offers:   f.offers,
		Store:    f.store,
		Ledger:   f.store,
		Events:   f.events,
		Payments: f.payments,
	}
	return f
}

func (f *fixture) available(t *testing.T, id string) bool {
	t.Helper()
	all, err := f.roster.Nearby(context.Background(), 0, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	for _, d := range all {
		if d.ID == id {
			return true
		}
	}
	return false
}

func TestServiceDispatchChaseCar(t *testing.T) {
	f := newFixture(t, driver("a", at(41.825, -71.413)), driver("b", at(41.83, -71.42)))
	ctx := context.Background()

	res, err := f.svc.Dispatch(ctx, DispatchCommand{TripID: "t1", RiderID: "r1", Request: ruralNightTrip()})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dispatched() || *res.Mode != models.ModeChaseCar {
		t.Fatalf("expected chase_car, got %+v", res)
	}
	for _, id := range []string{"a", "b"} {
		if trip, ok := f.store.AssignedTrip(id); !ok || trip != "t1" {
			t.Fatalf("driver %s not reserved for t1", id)
		}
		if f.available(t, id) {
			t.Fatalf("driver %s still available", id)
		}
	}
	if len(f.offers.offers) != 2 || f.offers.offers[0].Role != models.RolePrimary || f.offers.offers[1].Role != models.RoleChase {
		t.Fatalf("offers = %+v", f.offers.offers)
	}
	if len(f.payments.held) != 1 || f.payments.held[0] != res.PriceEstimate.TotalCents() {
		t.Fatalf("held = %v, want %d", f.payments.held, res.PriceEstimate.TotalCents())
	}
	trip, err := f.store.GetTrip(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripDispatched || trip.ChaseDriverID != "b" || trip.PaymentIntentID != "pi_1" {
		t.Fatalf("trip = %+v", trip)
	}
	evs := f.events.types()
	if len(evs) != 2 || evs[0] != models.EventTripRequested || evs[1] != models.EventTripDispatched {
		t.Fatalf("events = %v", evs)
	}
}

func TestServiceDispatchNoDrivers(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: "t1", Request: cityTrip()})
	if err != nil {
		t.Fatal(err)
	}
	if res.Dispatched() || *res.WaitTimeMinutes != 30 {
		t.Fatalf("result = %+v", res)
	}
	if _, err := f.store.GetTrip(context.Background(), "t1"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("failed dispatch persisted a trip: %v", err)
	}
	evs := f.events.types()
	if evs[len(evs)-1] != models.EventTripDispatchFailed {
		t.Fatalf("events = %v", evs)
	}
}

func TestServiceSkipsReservedDriver(t *testing.T) {
	f := newFixture(t, scooter("top", 5, at(41.825, -71.413)), scooter("next", 4, at(41.83, -71.41)))
	ctx := context.Background()
	if err := f.store.Reserve(ctx, "other", []string{"top"}); err != nil {
		t.Fatal(err)
	}
	res, err := f.svc.Dispatch(ctx, DispatchCommand{TripID: "t1", Request: cityTrip()})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dispatched() || res.PrimaryDriver.ID != "next" {
		t.Fatalf("expected next, got %+v", res)
	}
}

func TestServiceConcurrentDispatchSingleDriver(t *testing.T) {
	f := newFixture(t, scooter("solo", 5, at(41.825, -71.413)))
	const n = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("t%d", i)
			res, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: id, Request: cityTrip()})
			if err != nil {
				t.Error(err)
				return
			}
			if res.Dispatched() {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("winners = %v, want exactly one", winners)
	}
	if trip, _ := f.store.AssignedTrip("solo"); trip != winners[0] {
		t.Fatalf("ledger holds %s, winner %s", trip, winners[0])
	}
}

func TestServiceHoldFailureStillDispatches(t *testing.T) {
	f := newFixture(t, scooter("s", 5, at(41.825, -71.413)))
	f.payments.holdErr = errors.New("card declined")
	res, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: "t1", Request: cityTrip()})
	if err != nil || !res.Dispatched() {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	trip, _ := f.store.GetTrip(context.Background(), "t1")
	if trip.PaymentIntentID != "" {
		t.Fatalf("payment intent = %q", trip.PaymentIntentID)
	}
}

func TestServiceSaveFailureReleasesDrivers(t *testing.T) {
	f := newFixture(t, scooter("s", 5, at(41.825, -71.413)))
	f.svc.Store = failingStore{f.store}
	if _, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: "t1", Request: cityTrip()}); err == nil {
		t.Fatal("expected save error")
	}
	if _, ok := f.store.AssignedTrip("s"); ok {
		t.Fatal("driver left reserved after failed save")
	}
	if !f.available(t, "s") {
		t.Fatal("driver left unavailable after failed save")
	}
}

func TestServiceRelease(t *testing.T) {
	f := newFixture(t, driver("a", at(41.825, -71.413)), driver("b", at(41.83, -71.42)))
	ctx := context.Background()
	if _, err := f.svc.Dispatch(ctx, DispatchCommand{TripID: "t1", RiderID: "r1", Request: ruralNightTrip()}); err != nil {
		t.Fatal(err)
	}

	trip, err := f.svc.Release(ctx, "t1", models.TripCancelled)
	if err != nil {
		t.Fatal(err)
	}
	if trip.Status != models.TripCancelled {
		t.Fatalf("status = %s", trip.Status)
	}
	for _, id := range []string{"a", "b"} {
		if _, ok := f.store.AssignedTrip(id); ok {
			t.Fatalf("driver %s still reserved", id)
		}
		if !f.available(t, id) {
			t.Fatalf("driver %s not returned to roster", id)
		}
	}
	if len(f.payments.cancelled) != 1 || f.payments.cancelled[0] != "pi_1" {
		t.Fatalf("cancelled = %v", f.payments.cancelled)
	}
	evs := f.events.types()
	if evs[len(evs)-1] != models.EventTripCancelled {
		t.Fatalf("events = %v", evs)
	}

	if _, err := f.svc.Release(ctx, "t1", models.TripCompleted); !errors.Is(err, ErrTripClosed) {
		t.Fatalf("second release err = %v", err)
	}
	if _, err := f.svc.Release(ctx, "missing", models.TripCompleted); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("unknown trip err = %v", err)
	}
	if _, err := f.svc.Release(ctx, "t1", models.TripDispatched); err == nil {
		t.Fatal("expected error for non-final status")
	}
}

func TestServiceCompleteKeepsHold(t *testing.T) {
	f := newFixture(t, scooter("s", 5, at(41.825, -71.413)))
	ctx := context.Background()
	if _, err := f.svc.Dispatch(ctx, DispatchCommand{TripID: "t1", Request: cityTrip()}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.svc.Release(ctx, "t1", models.TripCompleted); err != nil {
		t.Fatal(err)
	}
	if len(f.payments.cancelled) != 0 {
		t.Fatalf("completed trip cancelled its hold: %v", f.payments.cancelled)
	}
}

func TestServiceBusyHubDoesNotHideFreeDriver(t *testing.T) {
	var drivers []models.CandidateDriver
	for i := 0; i < 20; i++ {
		d := scooter(fmt.Sprintf("busy-%02d", i), 5, at(providence.Lat, providence.Lng))
		d.IsAvailable = false
		drivers = append(drivers, d)
	}
	// about a mile north of the pickup
	drivers = append(drivers, scooter("free", 4.2, at(41.8385, -71.4128)))
	f := newFixture(t, drivers...)

	res, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: "t1", Request: cityTrip()})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dispatched() || res.PrimaryDriver.ID != "free" {
		t.Fatalf("expected free driver, got %+v", res)
	}
}

func setupHeldDrivers(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t,
		scooter("h1", 5, at(41.8241, -71.4128)),
		scooter("h2", 5, at(41.8242, -71.4128)),
		scooter("h3", 5, at(41.8243, -71.4128)),
		scooter("free", 4, at(41.84, -71.4128)),
	)
	// reserved elsewhere while a status update left them flagged available
	for i, id := range []string{"h1", "h2", "h3"} {
		if err := f.store.Reserve(context.Background(), fmt.Sprintf("other-%d", i), []string{id}); err != nil {
			t.Fatal(err)
		}
	}
	return f
}

func TestServiceSkipsDriversHeldByLedger(t *testing.T) {
	f := setupHeldDrivers(t)
	ledger := &countingLedger{MemoryStore: f.store}
	f.svc.Ledger = ledger

	res, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: "t1", Request: cityTrip()})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dispatched() || res.PrimaryDriver.ID != "free" {
		t.Fatalf("expected free driver, got %+v", res)
	}
	if ledger.reserves != 1 {
		t.Fatalf("reserve calls = %d, want 1", ledger.reserves)
	}
}

func TestServiceRedecidesOnReserveConflict(t *testing.T) {
	f := setupHeldDrivers(t)
	ledger := &countingLedger{MemoryStore: f.store, stale: true}
	f.svc.Ledger = ledger
	f.svc.MaxAttempts = 4

	res, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: "t1", Request: cityTrip()})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Dispatched() || res.PrimaryDriver.ID != "free" {
		t.Fatalf("expected free driver, got %+v", res)
	}
	if ledger.reserves != 4 {
		t.Fatalf("reserve calls = %d, want 4", ledger.reserves)
	}
}

func TestServiceConcurrentCancelVoidsHoldOnce(t *testing.T) {
	f := newFixture(t, scooter("s", 5, at(41.825, -71.413)))
	ctx := context.Background()
	if _, err := f.svc.Dispatch(ctx, DispatchCommand{TripID: "t1", Request: cityTrip()}); err != nil {
		t.Fatal(err)
	}

	const n = 8
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		closed int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Release(ctx, "t1", models.TripCancelled)
			switch {
			case err == nil:
			case errors.Is(err, ErrTripClosed):
				mu.Lock()
				closed++
				mu.Unlock()
			default:
				t.Error(err)
			}
		}()
	}
	wg.Wait()
	if closed != n-1 {
		t.Fatalf("closed = %d, want %d", closed, n-1)
	}
	if len(f.payments.cancelled) != 1 {
		t.Fatalf("cancelled = %v, want one cancellation", f.payments.cancelled)
	}
}

func TestServiceRollbackLogsRosterFailure(t *testing.T) {
	f := newFixture(t, scooter("s", 5, at(41.825, -71.413)))
	var buf bytes.Buffer
	f.svc.Logger = slog.New(slog.NewJSONHandler(&buf, nil))
	f.svc.Roster = flakyRoster{f.roster}
	f.svc.Store = failingStore{f.store}

	if _, err := f.svc.Dispatch(context.Background(), DispatchCommand{TripID: "t1", Request: cityTrip()}); err == nil {
		t.Fatal("expected save error")
	}
	if !strings.Contains(buf.String(), "restore driver availability") {
		t.Fatalf("rollback roster error not logged: %s", buf.String())
	}
	if _, ok := f.store.AssignedTrip("s"); ok {
		t.Fatal("driver left reserved after failed save")
	}
}
