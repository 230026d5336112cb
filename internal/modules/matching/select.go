package matching

import (
	"math"

	"ridecore/internal/geo"
	"ridecore/internal/modules/driver"
	"ridecore/internal/types"
)

// SelectDriver picks the nearest eligible driver to pickup. A driver is eligible
// when available, reachable, not excluded and of the requested class (an empty
// class matches any). Ties go to the most recently seen driver.
func SelectDriver(pickup types.Point, class types.VehicleClass, exclude []types.ID, candidates []driver.Driver) (driver.Driver, bool) {
	var best driver.Driver
	bestKm := math.Inf(1)
	found := false
	f := driver.Filter{VehicleClass: class, Exclude: exclude}
	for _, d := range candidates {
		if !f.Match(d) {
			continue
		}
		km := geo.HaversineKm(pickup, d.Position)
		if math.IsNaN(km) {
			continue
		}
		if km < bestKm || (km == bestKm && d.LastSeenAt.After(best.LastSeenAt)) {
			best, bestKm, found = d, km, true
		}
	}
	return best, found
}
