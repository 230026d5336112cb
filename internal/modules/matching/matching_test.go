// README: Matching tests covering SelectDriver and the dispatch/respond pipeline.
package matching

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/notify"
	"ridecore/internal/types"
)

var pickup = types.Point{Lat: -33.9, Lng: 18.4}

// offset returns a point roughly km north of pickup.
func offset(km float64) types.Point {
	return types.Point{Lat: pickup.Lat + km/111.2, Lng: pickup.Lng}
}

func mkDriver(id types.ID, km float64) driver.Driver {
	return driver.Driver{
		ID:           id,
		Position:     offset(km),
		HasPosition:  true,
		Available:    true,
		VehicleClass: types.ClassStandard,
		DeviceToken:  "tok-" + string(id),
		LastSeenAt:   time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func TestSelectDriver_EmptyPool(t *testing.T) {
	if _, ok := SelectDriver(pickup, types.ClassStandard, nil, nil); ok {
		t.Fatal("expected no driver from an empty pool")
	}
}

func TestSelectDriver_Nearest(t *testing.T) {
	pool := []driver.Driver{mkDriver("far", 3), mkDriver("near", 1), mkDriver("mid", 2)}
	d, ok := SelectDriver(pickup, types.ClassStandard, nil, pool)
	if !ok || d.ID != "near" {
		t.Fatalf("got %q (%v), want near", d.ID, ok)
	}
}

func TestSelectDriver_Filters(t *testing.T) {
	unavailable := mkDriver("unavailable", 0.1)
	unavailable.Available = false
	noToken := mkDriver("no_token", 0.2)
	noToken.DeviceToken = ""
	van := mkDriver("van", 0.3)
	van.VehicleClass = types.ClassVan
	noPos := mkDriver("no_pos", 0)
	noPos.HasPosition = false
	excluded := mkDriver("excluded", 0.4)
	ok1 := mkDriver("eligible", 2)

	pool := []driver.Driver{unavailable, noToken, van, noPos, excluded, ok1}
	d, ok := SelectDriver(pickup, types.ClassStandard, []types.ID{"excluded"}, pool)
	if !ok || d.ID != "eligible" {
		t.Fatalf("got %q (%v), want eligible", d.ID, ok)
	}

	d, ok = SelectDriver(pickup, "", []types.ID{"excluded"}, pool)
	if !ok || d.ID != "van" {
		t.Fatalf("any class: got %q (%v), want van", d.ID, ok)
	}
}

func TestSelectDriver_NeverReturnsUnavailable(t *testing.T) {
	pool := make([]driver.Driver, 0, 20)
	for i := 0; i < 20; i++ {
		d := mkDriver(types.ID(string(rune('a'+i))), float64(i)*0.3)
		d.Available = i%2 == 1
		pool = append(pool, d)
	}
	for i := 0; i < len(pool); i++ {
		var exclude []types.ID
		for j := 0; j < i; j++ {
			exclude = append(exclude, pool[j].ID)
		}
		if d, ok := SelectDriver(pickup, types.ClassStandard, exclude, pool); ok && !d.Available {
			t.Fatalf("returned unavailable driver %s", d.ID)
		}
	}
}

func TestSelectDriver_TieGoesToFreshest(t *testing.T) {
	stale := mkDriver("stale", 1)
	fresh := mkDriver("fresh", 1)
	fresh.LastSeenAt = stale.LastSeenAt.Add(30 * time.Second)
	for _, pool := range [][]driver.Driver{{stale, fresh}, {fresh, stale}} {
		d, ok := SelectDriver(pickup, types.ClassStandard, nil, pool)
		if !ok || d.ID != "fresh" {
			t.Fatalf("got %q, want fresh", d.ID)
		}
	}
}

// ---------------------------------------------------------------------------
// Dispatch pipeline with in-memory offers, drivers and the real ride service.
// ---------------------------------------------------------------------------

type memOffers struct {
	mu       sync.Mutex
	offers   map[types.ID]Offer
	excluded map[types.ID][]types.ID
}

func newMemOffers() *memOffers {
	return &memOffers{offers: map[types.ID]Offer{}, excluded: map[types.ID][]types.ID{}}
}

func (m *memOffers) SetOffer(_ context.Context, o Offer, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offers[o.RideID] = o
	m.excluded[o.RideID] = append(m.excluded[o.RideID], o.DriverID)
	return nil
}

func (m *memOffers) Offer(_ context.Context, rideID types.ID) (Offer, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.offers[rideID]
	return o, ok, nil
}

func (m *memOffers) ClearOffer(_ context.Context, rideID, driverID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.offers[rideID]; ok && o.DriverID == driverID {
		delete(m.offers, rideID)
	}
	return nil
}

func (m *memOffers) AddExcluded(_ context.Context, rideID, driverID types.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.excluded[rideID] = append(m.excluded[rideID], driverID)
	return nil
}

func (m *memOffers) Excluded(_ context.Context, rideID types.ID) ([]types.ID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.ID(nil), m.excluded[rideID]...), nil
}

// expire drops the live offer as if its TTL lapsed.
func (m *memOffers) expire(rideID types.ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.offers, rideID)
}

type memDrivers struct {
	mu      sync.Mutex
	drivers map[types.ID]driver.Driver
}

func newMemDrivers(ds ...driver.Driver) *memDrivers {
	m := &memDrivers{drivers: map[types.ID]driver.Driver{}}
	for _, d := range ds {
		m.drivers[d.ID] = d
	}
	return m
}

func (m *memDrivers) Get(_ context.Context, id types.ID) (*driver.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.drivers[id]
	if !ok {
		return nil, driver.ErrNotFound
	}
	return &d, nil
}

func (m *memDrivers) SetAvailability(_ context.Context, id types.ID, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.drivers[id]
	d.Available = available
	m.drivers[id] = d
	return nil
}

// NearbyAvailable mirrors the Redis store: closest first, filtered, then capped.
func (m *memDrivers) NearbyAvailable(_ context.Context, p types.Point, radiusKm float64, f driver.Filter, limit int) ([]driver.Driver, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]driver.Driver, 0, len(m.drivers))
	for _, d := range m.drivers {
		if f.Match(d) && geo.HaversineKm(p, d.Position) <= radiusKm {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return geo.HaversineKm(p, out[i].Position) < geo.HaversineKm(p, out[j].Position)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type fixedPricer struct{}

func (fixedPricer) Quote(_ context.Context, req pricing.QuoteRequest) (pricing.Quote, error) {
	return pricing.Quote{VehicleClass: req.VehicleClass, Surge: 1, TrafficFactor: 1, Price: types.Money{Amount: 35, Currency: "ZAR"}}, nil
}

type recorder struct {
	mu      sync.Mutex
	drivers []notify.DriverNotification
	riders  []notify.RiderNotification
}

func (r *recorder) NotifyDriver(_ context.Context, n notify.DriverNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers = append(r.drivers, n)
	return nil
}

func (r *recorder) NotifyRider(_ context.Context, n notify.RiderNotification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.riders = append(r.riders, n)
	return nil
}

func (r *recorder) driverKinds(id types.ID) []notify.DriverEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.DriverEvent
	for _, n := range r.drivers {
		if n.DriverID == id {
			out = append(out, n.Kind)
		}
	}
	return out
}

func (r *recorder) riderKinds() []notify.RiderEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.RiderEvent
	for _, n := range r.riders {
		out = append(out, n.Kind)
	}
	return out
}

type fixture struct {
	svc     *Service
	rides   *ride.Service
	offers  *memOffers
	drivers *memDrivers
	rec     *recorder
}

func newFixture(t *testing.T, ds ...driver.Driver) *fixture {
	return newFixtureLimit(t, 50, ds...)
}

func newFixtureLimit(t *testing.T, limit int, ds ...driver.Driver) *fixture {
	t.Helper()
	f := &fixture{offers: newMemOffers(), drivers: newMemDrivers(ds...), rec: &recorder{}}
	f.rides = ride.NewService(ride.NewMemStore(), ride.Deps{Drivers: f.drivers, Notifier: f.rec})
	cfg := config.MatchingConfig{RadiusKm: 5, CandidateLimit: limit, OfferTTL: 45 * time.Second}
	f.svc = NewService(f.offers, f.rides, f.drivers, fixedPricer{}, f.rec, cfg, nil)
	return f
}

func (f *fixture) pendingRide(t *testing.T) *ride.Ride {
	t.Helper()
	r, err := f.rides.Create(context.Background(), ride.CreateCommand{
		RiderID:      "rider1",
		Pickup:       pickup,
		Destination:  offset(5),
		VehicleClass: types.ClassStandard,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	return r
}

func TestDispatchNoCandidate(t *testing.T) {
	f := newFixture(t)
	r := f.pendingRide(t)

	offer, err := f.svc.Dispatch(context.Background(), r.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if offer.Found {
		t.Fatalf("expected no offer, got %+v", offer)
	}
	if kinds := f.rec.riderKinds(); len(kinds) != 1 || kinds[0] != notify.RiderNoDriver {
		t.Fatalf("rider notifications = %v, want [no_driver]", kinds)
	}
}

func TestDispatchOffersNearestAndReusesLiveOffer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mkDriver("dA", 1), mkDriver("dB", 2))
	r := f.pendingRide(t)

	offer, err := f.svc.Dispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !offer.Found || offer.DriverID != "dA" || offer.Quote.Price.Amount != 35 {
		t.Fatalf("offer = %+v", offer)
	}
	if kinds := f.rec.driverKinds("dA"); len(kinds) != 1 || kinds[0] != notify.DriverOffer {
		t.Fatalf("dA notifications = %v", kinds)
	}

	again, err := f.svc.Dispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if again.DriverID != "dA" || len(f.rec.driverKinds("dA")) != 1 {
		t.Fatalf("live offer should be reused without a second notification")
	}
}

func TestDispatchSkipsDriverAfterOfferLapses(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mkDriver("dA", 1), mkDriver("dB", 2))
	r := f.pendingRide(t)

	if _, err := f.svc.Dispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	f.offers.expire(r.ID)
	offer, err := f.svc.Dispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("re-dispatch: %v", err)
	}
	if offer.DriverID != "dB" {
		t.Fatalf("re-dispatch offered %q, want dB", offer.DriverID)
	}
	if _, err := f.svc.Respond(ctx, DriverResponse{DriverID: "dA", RideID: r.ID, Decision: DecisionAccept}); !errors.Is(err, ErrNoLongerAvailable) {
		t.Fatalf("lapsed driver accept err = %v, want ErrNoLongerAvailable", err)
	}
}

func TestDispatchNotPending(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mkDriver("dA", 1))
	r := f.pendingRide(t)
	if err := f.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, ActorType: ride.ActorRider}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := f.svc.Dispatch(ctx, r.ID); !errors.Is(err, ErrNotPending) {
		t.Fatalf("err = %v, want ErrNotPending", err)
	}
}

func TestRespondIgnoreRedispatches(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mkDriver("dA", 1), mkDriver("dB", 2))
	r := f.pendingRide(t)
	if _, err := f.svc.Dispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	next, err := f.svc.Respond(ctx, DriverResponse{DriverID: "dA", RideID: r.ID, Decision: DecisionIgnore})
	if err != nil {
		t.Fatalf("ignore: %v", err)
	}
	if !next.Found || next.DriverID != "dB" {
		t.Fatalf("next offer = %+v, want dB", next)
	}

	last, err := f.svc.Respond(ctx, DriverResponse{DriverID: "dB", RideID: r.ID, Decision: DecisionIgnore})
	if err != nil {
		t.Fatalf("second ignore: %v", err)
	}
	if last.Found {
		t.Fatalf("every driver declined, got offer %+v", last)
	}
}

func TestRespondAcceptAssignsRide(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mkDriver("dA", 1), mkDriver("dB", 2))
	r := f.pendingRide(t)
	if _, err := f.svc.Dispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if _, err := f.svc.Respond(ctx, DriverResponse{DriverID: "dA", RideID: r.ID, Decision: DecisionAccept}); err != nil {
		t.Fatalf("accept: %v", err)
	}
	got, _ := f.rides.Get(ctx, r.ID)
	if got.Status != ride.StatusAccepted || !got.AssignedTo("dA") {
		t.Fatalf("ride = %s driver=%v", got.Status, got.DriverID)
	}
	if got.Estimate.Amount != 35 {
		t.Fatalf("estimate should come from the accepted offer, got %d", got.Estimate.Amount)
	}
	if d, _ := f.drivers.Get(ctx, "dA"); d.Available {
		t.Fatalf("accepting driver should be unavailable")
	}
	if _, live, _ := f.offers.Offer(ctx, r.ID); live {
		t.Fatalf("offer should be cleared after accept")
	}

	// Driver B's later accept is a stale-state conflict.
	_, err := f.svc.Respond(ctx, DriverResponse{DriverID: "dB", RideID: r.ID, Decision: DecisionAccept})
	if !errors.Is(err, ErrNoLongerAvailable) {
		t.Fatalf("driver B err = %v, want ErrNoLongerAvailable", err)
	}
	if kinds := f.rec.driverKinds("dB"); len(kinds) != 1 || kinds[0] != notify.DriverUnavailable {
		t.Fatalf("dB notifications = %v, want [ride_unavailable]", kinds)
	}
}

func TestRespondAcceptAfterCancel(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, mkDriver("dA", 1))
	r := f.pendingRide(t)
	if _, err := f.svc.Dispatch(ctx, r.ID); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if err := f.rides.Cancel(ctx, ride.CancelCommand{RideID: r.ID, ActorType: ride.ActorRider}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := f.svc.Respond(ctx, DriverResponse{DriverID: "dA", RideID: r.ID, Decision: DecisionAccept})
	if !errors.Is(err, ErrNoLongerAvailable) {
		t.Fatalf("err = %v, want ErrNoLongerAvailable", err)
	}
}

func TestRespondRejectsUnknownDecision(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Respond(context.Background(), DriverResponse{DriverID: "d", RideID: "r", Decision: "maybe"})
	if !errors.Is(err, ErrBadDecision) {
		t.Fatalf("err = %v, want ErrBadDecision", err)
	}
}

func TestDispatchFindsClassBeyondCandidateLimit(t *testing.T) {
	ctx := context.Background()
	premium := mkDriver("prem", 1.1)
	premium.VehicleClass = types.ClassPremium
	f := newFixtureLimit(t, 2, mkDriver("std1", 0.1), mkDriver("std2", 0.2), premium)

	r, err := f.rides.Create(ctx, ride.CreateCommand{
		RiderID: "rider_prem", Pickup: pickup, Destination: offset(5), VehicleClass: types.ClassPremium,
	})
	if err != nil {
		t.Fatalf("create ride: %v", err)
	}
	offer, err := f.svc.Dispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !offer.Found || offer.DriverID != "prem" {
		t.Fatalf("offer = %+v, want prem", offer)
	}
}

func TestDispatchSkipsDeclinersBeyondCandidateLimit(t *testing.T) {
	ctx := context.Background()
	f := newFixtureLimit(t, 2, mkDriver("std1", 0.1), mkDriver("std2", 0.2), mkDriver("std3", 1.5))
	r := f.pendingRide(t)
	for _, id := range []types.ID{"std1", "std2"} {
		if err := f.offers.AddExcluded(ctx, r.ID, id); err != nil {
			t.Fatalf("exclude %s: %v", id, err)
		}
	}
	offer, err := f.svc.Dispatch(ctx, r.ID)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !offer.Found || offer.DriverID != "std3" {
		t.Fatalf("offer = %+v, want std3", offer)
	}
}
