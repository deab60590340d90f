package geo

import (
	"math"

	"github.com/example/rescue-dispatch/internal/models"
)

const earthRadiusMiles = 3959.0

// DistanceMiles is the great-circle (haversine) distance between two points.
// Coordinates are not range checked.
func DistanceMiles(a, b models.Coord) float64 {
	if a == b {
		return 0
	}
	dLat := radians(b.Lat - a.Lat)
	dLng := radians(b.Lng - a.Lng)
	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(radians(a.Lat))*math.Cos(radians(b.Lat))*math.Sin(dLng/2)*math.Sin(dLng/2)
	c := 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
	return earthRadiusMiles * c
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }
