package ride

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"ridecore/internal/geo"
	"ridecore/internal/types"
)

// MemStore is a process-local Repository with the same conditional semantics
// as Store. It backs local runs without a database.
type MemStore struct {
	mu     sync.Mutex
	rides  map[types.ID]*Ride
	events []Event
}

func NewMemStore() *MemStore {
	return &MemStore{rides: make(map[types.ID]*Ride)}
}

func (m *MemStore) Create(_ context.Context, r *Ride) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rides[r.ID] = clone(r)
	return nil
}

func (m *MemStore) Get(_ context.Context, id types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(r), nil
}

func (m *MemStore) Assign(_ context.Context, id types.ID, version int, a Assignment) (bool, error) {
	return m.update(id, func(r *Ride) bool {
		if r.Status != StatusPending || r.DriverID != nil || r.StatusVersion != version {
			return false
		}
		d := a.DriverID
		r.DriverID = &d
		r.Status = StatusAccepted
		r.DriverStart = a.DriverStart
		if a.Estimate != nil {
			r.Estimate.Amount = a.Estimate.Amount
		}
		r.QuotedSurge = a.QuotedSurge
		r.AcceptedAt = &a.At
		return true
	}), nil
}

func (m *MemStore) UpdateStatus(_ context.Context, id types.ID, from, to Status, version int, at time.Time) (bool, error) {
	return m.update(id, func(r *Ride) bool {
		if r.Status != from || r.StatusVersion != version {
			return false
		}
		if from == StatusPaymentPending {
			r.PaymentStatus = PaymentAuthorized
		}
		if to == StatusEnroute {
			r.PickedAt = &at
		}
		r.Status = to
		return true
	}), nil
}

func (m *MemStore) Activate(_ context.Context, id types.ID) (bool, error) {
	return m.update(id, func(r *Ride) bool {
		if r.Status != StatusScheduled || r.Activated {
			return false
		}
		r.Status = StatusPending
		r.Activated = true
		return true
	}), nil
}

func (m *MemStore) Complete(_ context.Context, id types.ID, version int, f FareBreakdown, at time.Time) (bool, error) {
	return m.update(id, func(r *Ride) bool {
		if r.Status != StatusEnroute || r.StatusVersion != version {
			return false
		}
		f.Amount.Currency = r.Estimate.Currency
		r.Fare = &f
		if r.PaymentMethod == PaymentCard {
			r.PaymentStatus = PaymentCaptured
		}
		r.Status = StatusCompleted
		r.CompletedAt = &at
		return true
	}), nil
}

func (m *MemStore) Cancel(_ context.Context, id types.ID, from Status, version int, c Cancellation, at time.Time) (bool, error) {
	return m.update(id, func(r *Ride) bool {
		if r.Status != from || r.StatusVersion != version {
			return false
		}
		r.Status = StatusCancelled
		r.Cancellation = &c
		r.CancelledAt = &at
		return true
	}), nil
}

func (m *MemStore) MarkArrived(_ context.Context, id types.ID, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != StatusAccepted || r.Arrived {
		return false, nil
	}
	r.Arrived = true
	r.ArrivedAt = &at
	r.ArrivalNotifiedAt = &at
	return true, nil
}

func (m *MemStore) ClaimArrivalNotice(_ context.Context, id types.ID, at, notBefore time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || r.Status != StatusAccepted || !r.Arrived || r.ArrivalNotifiedAt == nil {
		return false, nil
	}
	if r.ArrivalNotifiedAt.After(notBefore) {
		return false, nil
	}
	r.ArrivalNotifiedAt = &at
	return true, nil
}

func (m *MemStore) AppendPath(_ context.Context, id types.ID, p PathPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok {
		return ErrNotFound
	}
	r.Path = append(r.Path, p)
	return nil
}

func (m *MemStore) ActiveByDriver(_ context.Context, driverID types.ID) (*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.Active() && r.AssignedTo(driverID) {
			return clone(r), nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) HasActiveByRider(_ context.Context, riderID types.ID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.rides {
		if r.RiderID != riderID {
			continue
		}
		switch r.Status {
		case StatusPaymentPending, StatusPending, StatusAccepted, StatusEnroute:
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) ListDueScheduled(_ context.Context, until time.Time, limit int) ([]*Ride, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Ride
	for _, r := range m.rides {
		if r.Status == StatusScheduled && !r.Activated && r.ScheduledFor != nil && !r.ScheduledFor.After(until) {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScheduledFor.Before(*out[j].ScheduledFor) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) CountRequestsNear(_ context.Context, p types.Point, radiusKm float64, since time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, r := range m.rides {
		if !r.CreatedAt.Before(since) && geo.HaversineKm(p, r.Pickup) <= radiusKm {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) AppendEvent(_ context.Context, e *Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := *e
	ev.ID = int64(len(m.events) + 1)
	m.events = append(m.events, ev)
	return nil
}

// Events returns the audit log of one ride in append order.
func (m *MemStore) Events(id types.ID) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, e := range m.events {
		if e.RideID == id {
			out = append(out, e)
		}
	}
	return out
}

// update applies fn under the lock and bumps the version when fn reports a change.
func (m *MemStore) update(id types.ID, fn func(r *Ride) bool) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rides[id]
	if !ok || !fn(r) {
		return false
	}
	r.StatusVersion++
	return true
}

func clone(r *Ride) *Ride {
	c := *r
	c.Path = slices.Clone(r.Path)
	return &c
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemStore)(nil)
)
