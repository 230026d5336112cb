// README: Driver pool entry as seen by matching, pricing and tracking.
package driver

import (
	"errors"
	"slices"
	"time"

	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

var ErrNotFound = errors.New("driver not found")

type Driver struct {
	ID           types.ID
	Position     types.Point
	HasPosition  bool
	Available    bool
	VehicleClass types.VehicleClass
	// DeviceToken is the push channel; an empty token means the driver cannot be offered rides.
	DeviceToken  string
	RateOverride *pricing.Override
	LastSeenAt   time.Time
}

// Profile is the registration payload for a driver.
type Profile struct {
	ID           types.ID
	VehicleClass types.VehicleClass
	DeviceToken  string
	RateOverride *pricing.Override
}

// Filter narrows a proximity search. An empty class matches any class.
type Filter struct {
	VehicleClass types.VehicleClass
	Exclude      []types.ID
}

// Match reports whether d can be offered a ride under f.
func (f Filter) Match(d Driver) bool {
	if !d.Available || d.DeviceToken == "" || !d.HasPosition {
		return false
	}
	if f.VehicleClass != "" && d.VehicleClass != f.VehicleClass {
		return false
	}
	return !slices.Contains(f.Exclude, d.ID)
}
