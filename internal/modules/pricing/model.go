// README: Fare engine value objects: rates, requests, quotes and collaborator ports.
package pricing

import (
	"context"
	"time"

	"ridecore/internal/types"
)

type Rate struct {
	BaseFare    float64
	PerKm       float64
	MinCharge   float64
	PickupPerKm float64
}

// Override replaces per-driver figures of the class rate. Non-positive fields are ignored.
type Override struct {
	PerKm       float64
	MinCharge   float64
	PickupPerKm float64
}

// RoadMetrics is the result of a routing/traffic lookup.
type RoadMetrics struct {
	DistanceMeters       float64
	DurationSec          float64
	DurationInTrafficSec float64
}

type RoadLookup interface {
	Lookup(ctx context.Context, origin, destination types.Point) (RoadMetrics, error)
}

type SupplyCounter interface {
	CountAvailableNear(ctx context.Context, p types.Point, radiusKm float64) (int, error)
}

type DemandCounter interface {
	CountRequestsNear(ctx context.Context, p types.Point, radiusKm float64, since time.Time) (int, error)
}

type QuoteRequest struct {
	Pickup         types.Point
	Destination    types.Point
	VehicleClass   types.VehicleClass
	DriverLocation *types.Point
	Override       *Override
}

type FinalFareRequest struct {
	Pickup       types.Point
	Destination  types.Point
	VehicleClass types.VehicleClass
	Path         []types.Point
	ArrivedAt    *time.Time
	PickedAt     time.Time
	CompletedAt  time.Time
	DriverStart  *types.Point
	Override     *Override
	// QuotedSurge locks the multiplier shown at acceptance; zero recomputes it.
	QuotedSurge float64
}

// Quote is produced for both estimates and final fares.
type Quote struct {
	VehicleClass  types.VehicleClass
	DistanceKm    float64
	PickupKm      float64
	DurationSec   float64
	TrafficFactor float64
	Surge         float64
	WaitingFee    float64
	Price         types.Money
	DriverCount   int
}
