package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rescue-dispatch/internal/dispatch"
	"github.com/example/rescue-dispatch/internal/eta"
	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/matcher"
	"github.com/example/rescue-dispatch/internal/models"
	"github.com/example/rescue-dispatch/internal/observability"
	"github.com/example/rescue-dispatch/internal/pricing"
	"github.com/example/rescue-dispatch/internal/storage"
)

// DriverPublisher forwards accepted driver updates to the roster stream.
type DriverPublisher interface {
	PublishDriver(ctx context.Context, d models.CandidateDriver) error
}

// Deps are the collaborators the API serves from. Routes, Drivers and WS may
// be nil.
type Deps struct {
	Roster   geo.Roster
	Dispatch *matcher.Service
	Store    storage.TripStore
	Routes   eta.RouteClient
	Drivers  DriverPublisher
	WS       *dispatch.WSRegistry
	Logger   *slog.Logger
}

type Server struct {
	roster   geo.Roster
	dispatch *matcher.Service
	store    storage.TripStore
	routes   eta.RouteClient
	drivers  DriverPublisher
	ws       *dispatch.WSRegistry
	logger   *slog.Logger
	now      func() time.Time
	mux      *mux.Router
}

func NewServer(d Deps) *Server {
	s := &Server{
		roster:   d.Roster,
		dispatch: d.Dispatch,
		store:    d.Store,
		routes:   d.Routes,
		drivers:  d.Drivers,
		ws:       d.WS,
		logger:   d.Logger,
		now:      time.Now,
		mux:      mux.NewRouter(),
	}
	if s.routes == nil {
		s.routes = eta.Haversine{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	s.registerMiddleware()
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/trips/dispatch", s.handleDispatch).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}", s.handleGetTrip).Methods(http.MethodGet)
	api.HandleFunc("/trips/{id}/complete", s.handleRelease(models.TripCompleted)).Methods(http.MethodPost)
	api.HandleFunc("/trips/{id}/cancel", s.handleRelease(models.TripCancelled)).Methods(http.MethodPost)
	api.HandleFunc("/price", s.handlePrice).Methods(http.MethodPost)
	api.HandleFunc("/density", s.handleDensity).Methods(http.MethodGet)

	s.mux.HandleFunc("/internal/driver/status", s.handleDriverStatus).Methods(http.MethodPost)
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
	if s.ws != nil {
		s.mux.HandleFunc("/ws/{driver_id}", s.handleWS)
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type dispatchRequest struct {
	RiderID       string       `json:"rider_id"`
	Pickup        models.Place `json:"pickup"`
	Destination   models.Place `json:"destination"`
	DistanceMiles *float64     `json:"distance_miles"`
	TimeOfDay     *int         `json:"time_of_day"`
	Weather       string       `json:"weather"`
	CityDensity   string       `json:"city_density"`
	IsWeekend     *bool        `json:"is_weekend"`
}

type dispatchResponse struct {
	TripID string                `json:"trip_id"`
	Result models.DispatchResult `json:"result"`
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var body dispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	req, err := s.tripRequest(r.Context(), body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tripID := uuid.NewString()
	res, err := s.dispatch.Dispatch(r.Context(), matcher.DispatchCommand{TripID: tripID, RiderID: body.RiderID, Request: req})
	if err != nil {
		s.logger.Error("dispatch failed", "trip_id", tripID, "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	status := http.StatusOK
	if !res.Dispatched() {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, dispatchResponse{TripID: tripID, Result: res})
}

// tripRequest validates the body and fills what the caller left out: density
// from the pickup's zone, distance from the route client, hour and weekend
// from the server clock.
func (s *Server) tripRequest(ctx context.Context, body dispatchRequest) (models.TripRequest, error) {
	if err := validatePlace("pickup", body.Pickup); err != nil {
		return models.TripRequest{}, err
	}
	if err := validatePlace("destination", body.Destination); err != nil {
		return models.TripRequest{}, err
	}
	weather, err := models.ParseWeather(body.Weather)
	if err != nil {
		return models.TripRequest{}, err
	}

	req := models.TripRequest{
		Pickup:      body.Pickup,
		Destination: body.Destination,
		Weather:     weather,
	}

	if body.CityDensity != "" {
		if req.CityDensity, err = models.ParseCityDensity(body.CityDensity); err != nil {
			return models.TripRequest{}, err
		}
	} else {
		req.CityDensity = geo.ClassifyDensity(body.Pickup.Lat, body.Pickup.Lng)
	}

	if req.TimeOfDay, req.IsWeekend, err = s.clockDefaults(body.TimeOfDay, body.IsWeekend); err != nil {
		return models.TripRequest{}, err
	}

	if body.DistanceMiles != nil {
		if *body.DistanceMiles < 0 {
			return models.TripRequest{}, fmt.Errorf("distance_miles must be >= 0")
		}
		req.DistanceMiles = *body.DistanceMiles
	} else {
		miles, err := s.routes.RouteMiles(ctx, body.Pickup.Coord(), body.Destination.Coord())
		if err != nil {
			return models.TripRequest{}, fmt.Errorf("resolve trip distance: %w", err)
		}
		req.DistanceMiles = miles
	}
	return req, nil
}

func validatePlace(field string, p models.Place) error {
	if p.Lat < -90 || p.Lat > 90 || p.Lng < -180 || p.Lng > 180 {
		return fmt.Errorf("%s coordinates out of range", field)
	}
	return nil
}

func (s *Server) handleGetTrip(w http.ResponseWriter, r *http.Request) {
	trip, err := s.store.GetTrip(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeStoreError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trip)
}

func (s *Server) handleRelease(status models.TripStatus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		trip, err := s.dispatch.Release(r.Context(), mux.Vars(r)["id"], status)
		if err != nil {
			s.writeStoreError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, trip)
	}
}

func (s *Server) writeStoreError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, "trip not found")
	case errors.Is(err, matcher.ErrTripClosed):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("trip lookup failed", "error", err, "request_id", requestIDFromContext(r.Context()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// clockDefaults resolves hour and weekend, taking the server clock for
// whatever the caller omitted.
func (s *Server) clockDefaults(hour *int, weekend *bool) (int, bool, error) {
	now := s.now()
	h := now.Hour()
	if hour != nil {
		if *hour < 0 || *hour > 23 {
			return 0, false, fmt.Errorf("time_of_day must be in 0..23")
		}
		h = *hour
	}
	w := now.Weekday() == time.Saturday || now.Weekday() == time.Sunday
	if weekend != nil {
		w = *weekend
	}
	return h, w, nil
}

type priceRequest struct {
	Mode          string  `json:"mode"`
	DistanceMiles float64 `json:"distance_miles"`
	TimeOfDay     *int    `json:"time_of_day"`
	Weather       string  `json:"weather"`
	IsWeekend     *bool   `json:"is_weekend"`
	DurationHours float64 `json:"duration_hours"`
}

func (s *Server) handlePrice(w http.ResponseWriter, r *http.Request) {
	var body priceRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	mode, err := models.ParseDispatchMode(body.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	weather, err := models.ParseWeather(body.Weather)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if body.DistanceMiles < 0 || body.DurationHours < 0 {
		writeError(w, http.StatusBadRequest, "distance_miles and duration_hours must be non-negative")
		return
	}
	hour, weekend, err := s.clockDefaults(body.TimeOfDay, body.IsWeekend)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	price, err := pricing.CalculatePrice(pricing.Request{
		Mode:          mode,
		DistanceMiles: body.DistanceMiles,
		TimeOfDay:     hour,
		Weather:       weather,
		IsWeekend:     weekend,
		DurationHours: body.DurationHours,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, price)
}

func (s *Server) handleDensity(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lng, errLng := strconv.ParseFloat(q.Get("lng"), 64)
	if errLat != nil || errLng != nil {
		writeError(w, http.StatusBadRequest, "lat and lng query parameters are required")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"density": geo.ClassifyDensity(lat, lng),
		"city":    geo.CityName(lat, lng),
	})
}

func (s *Server) handleDriverStatus(w http.ResponseWriter, r *http.Request) {
	var d models.CandidateDriver
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if d.ID == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}
	if d.GearVerificationStatus == "" {
		d.GearVerificationStatus = models.GearNone
	}
	if d.GearType == "" {
		d.GearType = models.NoGear
	}
	if err := s.roster.Upsert(r.Context(), d); err != nil {
		s.logger.Error("roster upsert failed", "driver_id", d.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "roster unavailable")
		return
	}
	if s.drivers != nil {
		if err := s.drivers.PublishDriver(r.Context(), d); err != nil {
			s.logger.Warn("publish driver update", "driver_id", d.ID, "error", err)
		}
	}
	observability.DriverUpdatesTotal.Inc()
	w.WriteHeader(http.StatusNoContent)
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["driver_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	session := s.ws.Add(id, conn)
	s.logger.Info("driver connected", "driver_id", id)
	defer func() {
		s.ws.Remove(id, session)
		_ = conn.Close()
		s.logger.Info("driver disconnected", "driver_id", id)
	}()
	// drain until the driver hangs up; offers are written by the registry
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
