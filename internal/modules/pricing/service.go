// README: Pricing service computes fare estimates and final fares.
package pricing

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"sync"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/types"
)

var ErrUnknownClass = errors.New("unknown vehicle class")

// Deps are the optional collaborators. Any nil field degrades gracefully:
// no road lookup means great-circle distance, no counters means surge = Min.
type Deps struct {
	Road   RoadLookup
	Supply SupplyCounter
	Demand DemandCounter
	Logger *slog.Logger
	Now    func() time.Time
}

type Service struct {
	cfg   config.PricingConfig
	surge config.SurgeConfig
	deps  Deps
	log   *slog.Logger

	mu    sync.RWMutex
	rates map[types.VehicleClass]Rate
}

func NewService(cfg config.PricingConfig, surge config.SurgeConfig, deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Service{
		cfg:   cfg,
		surge: surge,
		deps:  deps,
		log:   log.With("component", "pricing"),
		rates: make(map[types.VehicleClass]Rate, len(cfg.Rates)),
	}
	for class, r := range cfg.Rates {
		s.rates[class] = Rate(r)
	}
	return s
}

// ApplyRates replaces the rate of every class present in rates.
func (s *Service) ApplyRates(rates map[types.VehicleClass]Rate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for class, r := range rates {
		s.rates[class] = r
	}
}

func (s *Service) Quote(ctx context.Context, req QuoteRequest) (Quote, error) {
	rate, err := s.rateFor(req.VehicleClass, req.Override)
	if err != nil {
		return Quote{}, err
	}

	straight := geo.HaversineKm(req.Pickup, req.Destination)
	distance := straight
	duration := s.fallbackDurationSec(straight)
	traffic := 1.0

	if m, ok := s.lookup(ctx, req.Pickup, req.Destination); ok {
		if routed := m.DistanceMeters / 1000; s.plausible(routed, straight) {
			distance = routed
		} else {
			s.log.Warn("discarding implausible routed distance", "routed_km", routed, "straight_km", straight)
		}
		if m.DurationSec > 0 {
			duration = m.DurationInTrafficSec
			traffic = m.DurationInTrafficSec / m.DurationSec
		}
	}

	distance = s.clampKm(distance)
	traffic = s.clampTraffic(traffic)

	pickupKm := 0.0
	if req.DriverLocation != nil {
		pickupKm = s.clampKm(geo.HaversineKm(*req.DriverLocation, req.Pickup))
	}

	surge, drivers := s.surgeAt(ctx, req.Pickup)

	return Quote{
		VehicleClass:  req.VehicleClass,
		DistanceKm:    distance,
		PickupKm:      pickupKm,
		DurationSec:   duration,
		TrafficFactor: traffic,
		Surge:         surge,
		Price:         s.money(s.price(rate, distance, pickupKm, traffic, surge)),
		DriverCount:   drivers,
	}, nil
}

func (s *Service) FinalFare(ctx context.Context, req FinalFareRequest) (Quote, error) {
	rate, err := s.rateFor(req.VehicleClass, req.Override)
	if err != nil {
		return Quote{}, err
	}

	var distance float64
	if len(req.Path) >= 2 {
		distance = geo.PathKm(req.Path)
	} else {
		distance = geo.HaversineKm(req.Pickup, req.Destination)
	}
	distance = s.clampKm(distance)

	actualSec := 0.0
	if req.CompletedAt.After(req.PickedAt) {
		actualSec = req.CompletedAt.Sub(req.PickedAt).Seconds()
	}
	expectedSec := s.fallbackDurationSec(distance)
	if m, ok := s.lookup(ctx, req.Pickup, req.Destination); ok && m.DurationSec > 0 {
		expectedSec = m.DurationSec
	}
	traffic := 1.0
	if expectedSec > 0 {
		traffic = actualSec / expectedSec
	}
	traffic = s.clampTraffic(traffic)

	pickupKm := 0.0
	if req.DriverStart != nil {
		pickupKm = s.clampKm(geo.HaversineKm(*req.DriverStart, req.Pickup))
	}

	surge, drivers := req.QuotedSurge, 0
	if surge > 0 {
		surge = clampSurge(s.surge, surge)
	} else {
		surge, drivers = s.surgeAt(ctx, req.Pickup)
	}

	waiting := s.waitingFee(req.ArrivedAt, req.PickedAt)
	amount := s.price(rate, distance, pickupKm, traffic, surge) + int64(math.Round(waiting))

	return Quote{
		VehicleClass:  req.VehicleClass,
		DistanceKm:    distance,
		PickupKm:      pickupKm,
		DurationSec:   actualSec,
		TrafficFactor: traffic,
		Surge:         surge,
		WaitingFee:    waiting,
		Price:         s.money(amount),
		DriverCount:   drivers,
	}, nil
}

func (s *Service) rateFor(class types.VehicleClass, o *Override) (Rate, error) {
	s.mu.RLock()
	rate, ok := s.rates[class]
	s.mu.RUnlock()
	if !ok {
		return Rate{}, ErrUnknownClass
	}
	if o != nil {
		if positive(o.PerKm) {
			rate.PerKm = o.PerKm
		}
		if positive(o.MinCharge) {
			rate.MinCharge = o.MinCharge
		}
		if positive(o.PickupPerKm) {
			rate.PickupPerKm = o.PickupPerKm
		}
	}
	return rate, nil
}

// price is non-decreasing in every argument after the rate.
func (s *Service) price(rate Rate, distanceKm, pickupKm, traffic, surge float64) int64 {
	pickup := math.Min(pickupKm, s.cfg.PickupCapKm)
	raw := rate.BaseFare + rate.PerKm*distanceKm + rate.PickupPerKm*pickup
	raw = math.Max(rate.MinCharge, raw)
	return int64(math.Round(raw * traffic * surge))
}

func (s *Service) lookup(ctx context.Context, origin, destination types.Point) (RoadMetrics, bool) {
	if s.deps.Road == nil {
		return RoadMetrics{}, false
	}
	m, err := s.deps.Road.Lookup(ctx, origin, destination)
	if err != nil {
		s.log.Debug("road lookup failed, using great-circle", "error", err)
		return RoadMetrics{}, false
	}
	if !finite(m.DistanceMeters) || !finite(m.DurationSec) || !finite(m.DurationInTrafficSec) {
		s.log.Debug("road lookup returned non-finite metrics")
		return RoadMetrics{}, false
	}
	return m, true
}

func (s *Service) plausible(routedKm, straightKm float64) bool {
	if !finite(routedKm) || routedKm < 0 || routedKm > s.cfg.RouteCeilingKm {
		return false
	}
	if straightKm > 0 && routedKm > straightKm*s.cfg.RouteRatioLimit {
		return false
	}
	return true
}

func (s *Service) surgeAt(ctx context.Context, p types.Point) (float64, int) {
	if s.deps.Supply == nil || s.deps.Demand == nil {
		return s.surge.Min, 0
	}
	supply, err := s.deps.Supply.CountAvailableNear(ctx, p, s.surge.RadiusKm)
	if err != nil {
		s.log.Debug("supply count failed", "error", err)
		return s.surge.Min, 0
	}
	demand, err := s.deps.Demand.CountRequestsNear(ctx, p, s.surge.RadiusKm, s.deps.Now().Add(-s.surge.Window))
	if err != nil {
		s.log.Debug("demand count failed", "error", err)
		return s.surge.Min, supply
	}
	return Ladder(s.surge, supply, demand), supply
}

func (s *Service) waitingFee(arrivedAt *time.Time, pickedAt time.Time) float64 {
	if arrivedAt == nil || pickedAt.IsZero() || !pickedAt.After(*arrivedAt) {
		return 0
	}
	billable := pickedAt.Sub(*arrivedAt).Minutes() - s.cfg.FreeWaitMin
	if billable <= 0 {
		return 0
	}
	return billable * s.cfg.WaitingFeePerMin
}

// clampKm treats negative or non-finite distances as zero and caps at MaxTripKm.
func (s *Service) clampKm(km float64) float64 {
	if !finite(km) || km < 0 {
		return 0
	}
	return math.Min(km, s.cfg.MaxTripKm)
}

func (s *Service) clampTraffic(f float64) float64 {
	if !finite(f) || f < 1 {
		return 1
	}
	return math.Min(f, s.cfg.MaxTrafficFactor)
}

func (s *Service) fallbackDurationSec(km float64) float64 {
	if s.cfg.AvgSpeedKmh <= 0 {
		return 0
	}
	return km / s.cfg.AvgSpeedKmh * 3600
}

func (s *Service) money(amount int64) types.Money {
	return types.Money{Amount: amount, Currency: s.cfg.Currency}
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func positive(v float64) bool {
	return finite(v) && v > 0
}
