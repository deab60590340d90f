package eta

import (
	"context"
	"fmt"

	"googlemaps.github.io/maps"

	"github.com/example/rescue-dispatch/internal/models"
)

// GoogleMapsClient resolves driving distance through the Distance Matrix API.
type GoogleMapsClient struct {
	client *maps.Client
}

func NewGoogleMapsClient(apiKey string) (*GoogleMapsClient, error) {
	c, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &GoogleMapsClient{client: c}, nil
}

func (g *GoogleMapsClient) RouteMiles(ctx context.Context, from, to models.Coord) (float64, error) {
	req := &maps.DistanceMatrixRequest{
		Origins:      []string{fmt.Sprintf("%f,%f", from.Lat, from.Lng)},
		Destinations: []string{fmt.Sprintf("%f,%f", to.Lat, to.Lng)},
		Mode:         maps.TravelModeDriving,
		Units:        maps.UnitsImperial,
	}
	resp, err := g.client.DistanceMatrix(ctx, req)
	if err != nil {
		return 0, fmt.Errorf("distance matrix request failed: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return 0, fmt.Errorf("distance matrix: empty response")
	}
	el := resp.Rows[0].Elements[0]
	if el.Status != "OK" {
		return 0, fmt.Errorf("distance matrix: element status %s", el.Status)
	}
	return float64(el.Distance.Meters) / metersPerMile, nil
}
