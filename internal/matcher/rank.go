package matcher

import (
	"errors"
	"sort"

	"github.com/example/rescue-dispatch/internal/geo"
	"github.com/example/rescue-dispatch/internal/models"
)

var ErrNoCandidates = errors.New("no candidate drivers")

type ranked struct {
	d    models.CandidateDriver
	dist float64
}

func withDistance(drivers []models.CandidateDriver, pickup models.Coord) []ranked {
	out := make([]ranked, len(drivers))
	for i, d := range drivers {
		out[i] = ranked{d: d, dist: geo.DistanceMiles(d.Location(), pickup)}
	}
	return out
}

// SelectBestDriver picks the highest rated driver, breaking ties by distance to
// pickup. Drivers keep their input order when both keys tie.
func SelectBestDriver(drivers []models.CandidateDriver, pickup models.Coord) (models.CandidateDriver, error) {
	if len(drivers) == 0 {
		return models.CandidateDriver{}, ErrNoCandidates
	}
	list := withDistance(drivers, pickup)
	sort.SliceStable(list, func(i, j int) bool {
		ri, rj := list[i].d.RatingOrZero(), list[j].d.RatingOrZero()
		if ri != rj {
			return ri > rj
		}
		return list[i].dist < list[j].dist
	})
	return list[0].d, nil
}

// ChaseCarPair is a two-driver assignment. SingleDriver is set when only one
// candidate existed and Chase repeats Primary.
type ChaseCarPair struct {
	Primary      models.CandidateDriver
	Chase        models.CandidateDriver
	SingleDriver bool
}

// SelectChaseCarPair pairs the two drivers closest to pickup; rating is ignored.
func SelectChaseCarPair(drivers []models.CandidateDriver, pickup models.Coord) (ChaseCarPair, error) {
	if len(drivers) == 0 {
		return ChaseCarPair{}, ErrNoCandidates
	}
	list := withDistance(drivers, pickup)
	sort.SliceStable(list, func(i, j int) bool { return list[i].dist < list[j].dist })
	if len(list) == 1 {
		return ChaseCarPair{Primary: list[0].d, Chase: list[0].d, SingleDriver: true}, nil
	}
	return ChaseCarPair{Primary: list[0].d, Chase: list[1].d}, nil
}
