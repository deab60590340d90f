package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/example/rescue-dispatch/internal/models"
)

var (
	ErrNotFound       = errors.New("trip not found")
	ErrDriverAssigned = errors.New("driver already assigned")
	ErrStatusChanged  = errors.New("trip status changed")
)

// DriverAssignedError names the driver that blocked a reservation.
type DriverAssignedError struct {
	DriverID string
	TripID   string // trip currently holding the driver, when known
}

func (e *DriverAssignedError) Error() string {
	if e.TripID == "" {
		return fmt.Sprintf("driver %s already assigned", e.DriverID)
	}
	return fmt.Sprintf("driver %s already assigned to trip %s", e.DriverID, e.TripID)
}

func (e *DriverAssignedError) Unwrap() error { return ErrDriverAssigned }

// TripStore defines persistence operations for trips. TransitionTrip moves a
// trip from one status to another and fails with ErrStatusChanged when the
// trip is no longer in from, so only one caller wins a transition.
type TripStore interface {
	SaveTrip(ctx context.Context, t *models.Trip) error
	TransitionTrip(ctx context.Context, id string, from, to models.TripStatus, at time.Time) (*models.Trip, error)
	GetTrip(ctx context.Context, id string) (*models.Trip, error)
}

// Ledger tracks in-flight driver assignments. Reserve is all-or-nothing: either
// every driver is bound to the trip or none is. Held reports which of the given
// drivers are bound, keyed by driver id with the holding trip as value.
type Ledger interface {
	Reserve(ctx context.Context, tripID string, driverIDs []string) error
	Release(ctx context.Context, tripID string) ([]string, error)
	Held(ctx context.Context, driverIDs []string) (map[string]string, error)
}

type MemoryStore struct {
	mu       sync.RWMutex
	trips    map[string]*models.Trip
	assigned map[string]string // driver id -> trip id
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		trips:    make(map[string]*models.Trip),
		assigned: make(map[string]string),
	}
}

func (m *MemoryStore) SaveTrip(_ context.Context, t *models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trips[t.ID] = &cp
	return nil
}

func (m *MemoryStore) TransitionTrip(_ context.Context, id string, from, to models.TripStatus, at time.Time) (*models.Trip, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	if t.Status != from {
		return nil, ErrStatusChanged
	}
	t.Status = to
	t.UpdatedAt = at
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) GetTrip(_ context.Context, id string) (*models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.trips[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MemoryStore) Reserve(_ context.Context, tripID string, driverIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range driverIDs {
		if holder, ok := m.assigned[id]; ok && holder != tripID {
			return &DriverAssignedError{DriverID: id, TripID: holder}
		}
	}
	for _, id := range driverIDs {
		m.assigned[id] = tripID
	}
	return nil
}

func (m *MemoryStore) Release(_ context.Context, tripID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var freed []string
	for driverID, holder := range m.assigned {
		if holder == tripID {
			freed = append(freed, driverID)
			delete(m.assigned, driverID)
		}
	}
	return freed, nil
}

func (m *MemoryStore) Held(_ context.Context, driverIDs []string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	held := make(map[string]string)
	for _, id := range driverIDs {
		if trip, ok := m.assigned[id]; ok {
			held[id] = trip
		}
	}
	return held, nil
}

// AssignedTrip reports which trip holds a driver.
func (m *MemoryStore) AssignedTrip(driverID string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.assigned[driverID]
	return t, ok
}
