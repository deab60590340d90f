package geo

import "github.com/example/rescue-dispatch/internal/models"

// Bounds is an inclusive lat/lng rectangle.
type Bounds struct {
	North, South, East, West float64
}

func (b Bounds) Contains(lat, lng float64) bool {
	return lat >= b.South && lat <= b.North && lng >= b.West && lng <= b.East
}

type Zone struct {
	Name    string
	Density models.CityDensity
	Bounds  Bounds
}

// launch-market city boxes; overlapping zones resolve to the first match.
var defaultZones = []Zone{
	{Name: "New York City", Density: models.DensityHigh, Bounds: Bounds{North: 40.9176, South: 40.4774, East: -73.7004, West: -74.2591}},
	{Name: "Boston", Density: models.DensityHigh, Bounds: Bounds{North: 42.3967, South: 42.2279, East: -70.8752, West: -71.1912}},
	{Name: "Chicago", Density: models.DensityHigh, Bounds: Bounds{North: 42.0231, South: 41.6445, East: -87.5237, West: -87.9401}},
	{Name: "Miami", Density: models.DensityHigh, Bounds: Bounds{North: 25.7907, South: 25.7098, East: -80.1300, West: -80.3195}},
	{Name: "Los Angeles", Density: models.DensityHigh, Bounds: Bounds{North: 34.3373, South: 33.7037, East: -118.1553, West: -118.6682}},
	{Name: "San Francisco", Density: models.DensityHigh, Bounds: Bounds{North: 37.8324, South: 37.6398, East: -122.2818, West: -122.5149}},
	{Name: "Washington DC", Density: models.DensityHigh, Bounds: Bounds{North: 38.9956, South: 38.7916, East: -76.9094, West: -77.1197}},
	{Name: "Seattle", Density: models.DensityHigh, Bounds: Bounds{North: 47.7341, South: 47.4955, East: -122.2044, West: -122.4597}},
	{Name: "Providence, RI", Density: models.DensityHigh, Bounds: Bounds{North: 41.8766, South: 41.7741, East: -71.3706, West: -71.4378}},
}

// DefaultZones returns a copy of the built-in zone table in declaration order.
func DefaultZones() []Zone {
	cp := make([]Zone, len(defaultZones))
	copy(cp, defaultZones)
	return cp
}

// DefaultLocation is the starting market, used when a rider has no fix yet.
var DefaultLocation = struct {
	models.Place
	Density models.CityDensity
}{
	Place:   models.Place{Lat: 41.8240, Lng: -71.4128, Address: "Providence, RI"},
	Density: models.DensityHigh,
}

// Classifier maps coordinates to a density using an ordered zone table.
// Points outside every zone are medium.
type Classifier struct {
	zones []Zone
}

func NewClassifier(zones []Zone) *Classifier {
	cp := make([]Zone, len(zones))
	copy(cp, zones)
	return &Classifier{zones: cp}
}

var defaultClassifier = NewClassifier(defaultZones)

func (c *Classifier) Density(lat, lng float64) models.CityDensity {
	if z, ok := c.zone(lat, lng); ok {
		return z.Density
	}
	return models.DensityMedium
}

// CityName returns the name of the first zone containing the point, or "".
func (c *Classifier) CityName(lat, lng float64) string {
	if z, ok := c.zone(lat, lng); ok {
		return z.Name
	}
	return ""
}

func (c *Classifier) zone(lat, lng float64) (Zone, bool) {
	for _, z := range c.zones {
		if z.Bounds.Contains(lat, lng) {
			return z, true
		}
	}
	return Zone{}, false
}

// ClassifyDensity classifies against the built-in zone table.
func ClassifyDensity(lat, lng float64) models.CityDensity {
	return defaultClassifier.Density(lat, lng)
}

func CityName(lat, lng float64) string {
	return defaultClassifier.CityName(lat, lng)
}
