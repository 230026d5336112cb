package maps

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"googlemaps.github.io/maps"

	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

var ErrNoRoute = errors.New("no route found")

// RouteService handles interactions with the Google Maps Distance Matrix API.
type RouteService struct {
	client *maps.Client
}

// NewRouteService creates a new RouteService with the given API Key.
func NewRouteService(apiKey string) (*RouteService, error) {
	client, err := maps.NewClient(maps.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("failed to create maps client: %w", err)
	}
	return &RouteService{client: client}, nil
}

// Lookup returns the driving distance and the duration with and without
// live traffic for a single origin/destination pair departing now.
func (s *RouteService) Lookup(ctx context.Context, origin, destination types.Point) (pricing.RoadMetrics, error) {
	r := &maps.DistanceMatrixRequest{
		Origins:       []string{latLng(origin)},
		Destinations:  []string{latLng(destination)},
		Mode:          maps.TravelModeDriving,
		DepartureTime: "now",
		TrafficModel:  maps.TrafficModelBestGuess,
	}

	resp, err := s.client.DistanceMatrix(ctx, r)
	if err != nil {
		return pricing.RoadMetrics{}, fmt.Errorf("maps api error: %w", err)
	}
	if len(resp.Rows) == 0 || len(resp.Rows[0].Elements) == 0 {
		return pricing.RoadMetrics{}, ErrNoRoute
	}
	return metricsFromElement(resp.Rows[0].Elements[0])
}

func metricsFromElement(el *maps.DistanceMatrixElement) (pricing.RoadMetrics, error) {
	if el == nil || el.Status != "OK" {
		return pricing.RoadMetrics{}, ErrNoRoute
	}
	m := pricing.RoadMetrics{
		DistanceMeters:       float64(el.Distance.Meters),
		DurationSec:          el.Duration.Seconds(),
		DurationInTrafficSec: el.DurationInTraffic.Seconds(),
	}
	if m.DurationInTrafficSec == 0 {
		m.DurationInTrafficSec = m.DurationSec
	}
	return m, nil
}

func latLng(p types.Point) string {
	return strconv.FormatFloat(p.Lat, 'f', 6, 64) + "," + strconv.FormatFloat(p.Lng, 'f', 6, 64)
}
