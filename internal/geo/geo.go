package geo

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/example/rescue-dispatch/internal/models"
)

var ErrUnknownDriver = errors.New("unknown driver")

// Roster is the driver roster the dispatcher reads candidates from.
type Roster interface {
	Nearby(ctx context.Context, lat, lng float64, limit int) ([]models.CandidateDriver, error)
	Upsert(ctx context.Context, d models.CandidateDriver) error
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

// Index is an in-memory Roster.
type Index struct {
	mu      sync.RWMutex
	drivers map[string]models.CandidateDriver
	now     func() time.Time
}

func NewIndex() *Index {
	return &Index{drivers: make(map[string]models.CandidateDriver), now: time.Now}
}

func (g *Index) Upsert(_ context.Context, d models.CandidateDriver) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d.Updated = g.now()
	g.drivers[d.ID] = d
	return nil
}

func (g *Index) SetAvailable(_ context.Context, driverID string, available bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.drivers[driverID]
	if !ok {
		return ErrUnknownDriver
	}
	d.IsAvailable = available
	d.Updated = g.now()
	g.drivers[driverID] = d
	return nil
}

// Nearby returns up to limit available drivers closest to the point. Busy
// drivers never take a slot. limit <= 0 returns every available driver. Equal
// distances order by driver id.
// naive scan; fine for a single-market roster
func (g *Index) Nearby(_ context.Context, lat, lng float64, limit int) ([]models.CandidateDriver, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	type pair struct {
		d    models.CandidateDriver
		dist float64
	}
	origin := models.Coord{Lat: lat, Lng: lng}
	arr := make([]pair, 0, len(g.drivers))
	for _, d := range g.drivers {
		if !d.IsAvailable {
			continue
		}
		arr = append(arr, pair{d, DistanceMiles(d.Location(), origin)})
	}
	less := func(a, b pair) bool {
		if a.dist != b.dist {
			return a.dist < b.dist
		}
		return a.d.ID < b.d.ID
	}
	// partial selection sort for top-N
	n := limit
	if n <= 0 || n > len(arr) {
		n = len(arr)
	}
	for i := 0; i < n; i++ {
		minIdx := i
		for j := i + 1; j < len(arr); j++ {
			if less(arr[j], arr[minIdx]) {
				minIdx = j
			}
		}
		arr[i], arr[minIdx] = arr[minIdx], arr[i]
	}
	out := make([]models.CandidateDriver, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, arr[i].d)
	}
	return out, nil
}
