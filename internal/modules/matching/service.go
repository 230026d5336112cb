// README: Matching service dispatches pending rides to the nearest driver and handles responses.
package matching

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/notify"
	"ridecore/internal/types"
)

var (
	// ErrNoLongerAvailable is returned to a driver whose accept lost to another
	// driver, an expired offer or a cancellation. It is not a failure.
	ErrNoLongerAvailable = errors.New("ride no longer available")
	ErrNotPending        = errors.New("ride is not awaiting a driver")
	ErrBadDecision       = errors.New("unknown decision")
)

type Rides interface {
	Get(ctx context.Context, id types.ID) (*ride.Ride, error)
	Accept(ctx context.Context, cmd ride.AcceptCommand) error
}

type Drivers interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	NearbyAvailable(ctx context.Context, p types.Point, radiusKm float64, f driver.Filter, limit int) ([]driver.Driver, error)
}

type Pricer interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
}

type OfferStore interface {
	SetOffer(ctx context.Context, o Offer, ttl time.Duration) error
	Offer(ctx context.Context, rideID types.ID) (Offer, bool, error)
	ClearOffer(ctx context.Context, rideID, driverID types.ID) error
	AddExcluded(ctx context.Context, rideID, driverID types.ID) error
	Excluded(ctx context.Context, rideID types.ID) ([]types.ID, error)
}

type Service struct {
	offers   OfferStore
	rides    Rides
	drivers  Drivers
	pricer   Pricer
	notifier notify.Notifier
	cfg      config.MatchingConfig
	log      *slog.Logger
	now      func() time.Time
}

func NewService(offers OfferStore, rides Rides, drivers Drivers, pricer Pricer, notifier notify.Notifier, cfg config.MatchingConfig, log *slog.Logger) *Service {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		offers:   offers,
		rides:    rides,
		drivers:  drivers,
		pricer:   pricer,
		notifier: notifier,
		cfg:      cfg,
		log:      log.With("component", "matching"),
		now:      time.Now,
	}
}

// Dispatch offers a pending ride to the nearest eligible driver. A live offer is
// returned as is. No candidate yields Offer{Found: false} and a nil error.
func (s *Service) Dispatch(ctx context.Context, rideID types.ID) (Offer, error) {
	r, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return Offer{}, err
	}
	if r.Status != ride.StatusPending || r.DriverID != nil {
		return Offer{}, ErrNotPending
	}
	if live, ok, err := s.offers.Offer(ctx, rideID); err != nil {
		return Offer{}, err
	} else if ok {
		return live, nil
	}

	exclude, err := s.offers.Excluded(ctx, rideID)
	if err != nil {
		return Offer{}, err
	}
	candidates, err := s.drivers.NearbyAvailable(ctx, r.Pickup, s.cfg.RadiusKm,
		driver.Filter{VehicleClass: r.VehicleClass, Exclude: exclude}, s.cfg.CandidateLimit)
	if err != nil {
		return Offer{}, err
	}

	d, ok := SelectDriver(r.Pickup, r.VehicleClass, exclude, candidates)
	if !ok {
		s.log.Info("no driver available", "ride_id", rideID, "candidates", len(candidates), "excluded", len(exclude))
		n := notify.RiderNotification{RideID: r.ID, RiderID: r.RiderID, Kind: notify.RiderNoDriver}
		if err := s.notifier.NotifyRider(ctx, n); err != nil {
			s.log.Warn("notify rider failed", "ride_id", rideID, "error", err)
		}
		return Offer{RideID: rideID}, nil
	}

	offer := Offer{
		Found:     true,
		RideID:    rideID,
		DriverID:  d.ID,
		Quote:     s.quote(ctx, r, d),
		ExpiresAt: s.now().Add(s.cfg.OfferTTL),
	}
	if err := s.offers.SetOffer(ctx, offer, s.cfg.OfferTTL); err != nil {
		return Offer{}, err
	}

	err = s.notifier.NotifyDriver(ctx, notify.DriverNotification{
		DriverID:     d.ID,
		DeviceToken:  d.DeviceToken,
		Kind:         notify.DriverOffer,
		RideID:       r.ID,
		Pickup:       r.Pickup,
		Destination:  r.Destination,
		VehicleClass: r.VehicleClass,
		Price:        offer.Quote.Price,
		DistanceKm:   offer.Quote.DistanceKm,
		PickupKm:     offer.Quote.PickupKm,
		ExpiresAt:    offer.ExpiresAt,
	})
	if err != nil {
		// the offer stands; it lapses after its TTL if the driver never sees it
		s.log.Warn("notify driver failed", "ride_id", rideID, "driver_id", d.ID, "error", err)
	}
	s.log.Info("ride offered", "ride_id", rideID, "driver_id", d.ID, "price", offer.Quote.Price.Amount)
	return offer, nil
}

// Respond applies a driver's decision. Ignoring re-dispatches and returns the
// next offer; accepting returns the accepted offer.
func (s *Service) Respond(ctx context.Context, resp DriverResponse) (Offer, error) {
	if !resp.Decision.Valid() {
		return Offer{}, ErrBadDecision
	}
	live, held, err := s.offers.Offer(ctx, resp.RideID)
	if err != nil {
		return Offer{}, err
	}
	holds := held && live.DriverID == resp.DriverID

	switch resp.Decision {
	case DecisionIgnore:
		if err := s.offers.AddExcluded(ctx, resp.RideID, resp.DriverID); err != nil {
			return Offer{}, err
		}
		if holds {
			if err := s.offers.ClearOffer(ctx, resp.RideID, resp.DriverID); err != nil {
				return Offer{}, err
			}
		}
		s.log.Info("offer ignored", "ride_id", resp.RideID, "driver_id", resp.DriverID)
		next, err := s.Dispatch(ctx, resp.RideID)
		if errors.Is(err, ErrNotPending) {
			return Offer{}, nil
		}
		return next, err

	default:
		if !holds {
			s.tellUnavailable(ctx, resp)
			return Offer{}, ErrNoLongerAvailable
		}
		quote := live.Quote
		err := s.rides.Accept(ctx, ride.AcceptCommand{RideID: resp.RideID, DriverID: resp.DriverID, Quote: &quote})
		if errors.Is(err, ride.ErrConflict) || errors.Is(err, ride.ErrInvalidState) {
			s.log.Info("late accept", "ride_id", resp.RideID, "driver_id", resp.DriverID)
			s.tellUnavailable(ctx, resp)
			return Offer{}, ErrNoLongerAvailable
		}
		if err != nil {
			return Offer{}, err
		}
		if err := s.offers.ClearOffer(ctx, resp.RideID, resp.DriverID); err != nil {
			s.log.Warn("clear offer failed", "ride_id", resp.RideID, "error", err)
		}
		return live, nil
	}
}

func (s *Service) quote(ctx context.Context, r *ride.Ride, d driver.Driver) pricing.Quote {
	fallback := pricing.Quote{VehicleClass: r.VehicleClass, Price: r.Estimate, Surge: r.QuotedSurge}
	if s.pricer == nil {
		return fallback
	}
	pos := d.Position
	q, err := s.pricer.Quote(ctx, pricing.QuoteRequest{
		Pickup:         r.Pickup,
		Destination:    r.Destination,
		VehicleClass:   r.VehicleClass,
		DriverLocation: &pos,
		Override:       d.RateOverride,
	})
	if err != nil {
		s.log.Warn("offer quote failed, using estimate", "ride_id", r.ID, "error", err)
		return fallback
	}
	return q
}

func (s *Service) tellUnavailable(ctx context.Context, resp DriverResponse) {
	n := notify.DriverNotification{DriverID: resp.DriverID, Kind: notify.DriverUnavailable, RideID: resp.RideID}
	if d, err := s.drivers.Get(ctx, resp.DriverID); err == nil {
		n.DeviceToken = d.DeviceToken
	}
	if err := s.notifier.NotifyDriver(ctx, n); err != nil {
		s.log.Warn("notify late driver failed", "driver_id", resp.DriverID, "error", err)
	}
}
