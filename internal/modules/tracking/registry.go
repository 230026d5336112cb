package tracking

import (
	"sync"
	"time"

	"ridecore/internal/geo"
	"ridecore/internal/notify"
	"ridecore/internal/types"
)

// entry is the per-driver tracking state. It lives from the first position
// until the driver goes quiet for longer than the stale timeout.
type entry struct {
	last     notify.LocationUpdate
	lastSeen time.Time

	crumbRide  types.ID
	crumbPoint types.Point
	crumbAt    time.Time
}

// Registry holds tracking state keyed by driver id.
type Registry struct {
	mu      sync.Mutex
	entries map[types.ID]*entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[types.ID]*entry)}
}

// Touch records the latest position of a driver, creating its entry if needed.
func (r *Registry) Touch(u notify.LocationUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[u.DriverID]
	if !ok {
		e = &entry{}
		r.entries[u.DriverID] = e
	}
	if u.At.Before(e.lastSeen) {
		return
	}
	e.last = u
	e.lastSeen = u.At
}

// ShouldRecord reports whether p is far enough in time or space from the last
// breadcrumb of the ride, and if so makes p the new reference point.
func (r *Registry) ShouldRecord(driverID, rideID types.ID, p types.Point, at time.Time, minInterval time.Duration, minMeters float64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[driverID]
	if !ok {
		return false
	}
	if e.crumbRide == rideID {
		elapsed := at.Sub(e.crumbAt)
		moved := geo.HaversineKm(e.crumbPoint, p) * 1000
		if elapsed < minInterval && moved < minMeters {
			return false
		}
	}
	e.crumbRide, e.crumbPoint, e.crumbAt = rideID, p, at
	return true
}

// Sweep evicts entries not seen since staleBefore and returns the last update
// of every entry still live.
func (r *Registry) Sweep(staleBefore time.Time) (live []notify.LocationUpdate, evicted []types.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, e := range r.entries {
		if e.lastSeen.Before(staleBefore) {
			delete(r.entries, id)
			evicted = append(evicted, id)
			continue
		}
		live = append(live, e.last)
	}
	return live, evicted
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
