// README: Tracking service fans out driver positions, records breadcrumbs and detects arrival.
package tracking

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/geo"
	"ridecore/internal/modules/ride"
	"ridecore/internal/notify"
	"ridecore/internal/types"
)

var ErrBadPosition = errors.New("invalid position")

type Position struct {
	DriverID types.ID
	Point    types.Point
	At       time.Time
}

type Rides interface {
	ActiveForDriver(ctx context.Context, driverID types.ID) (*ride.Ride, error)
	AppendPath(ctx context.Context, id types.ID, p ride.PathPoint) error
	MarkArrived(ctx context.Context, id types.ID, at time.Time) (bool, error)
	ClaimArrivalNotice(ctx context.Context, id types.ID, at time.Time, cooldown time.Duration) (bool, error)
}

type Positions interface {
	SetPosition(ctx context.Context, id types.ID, p types.Point, at time.Time) error
}

type Service struct {
	rides     Rides
	positions Positions
	publisher notify.Publisher
	notifier  notify.Notifier
	registry  *Registry
	cfg       config.TrackingConfig
	log       *slog.Logger
	now       func() time.Time
}

func NewService(rides Rides, positions Positions, publisher notify.Publisher, notifier notify.Notifier, cfg config.TrackingConfig, log *slog.Logger) *Service {
	if publisher == nil {
		publisher = notify.Nop{}
	}
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		rides:     rides,
		positions: positions,
		publisher: publisher,
		notifier:  notifier,
		registry:  NewRegistry(),
		cfg:       cfg,
		log:       log.With("component", "tracking"),
		now:       time.Now,
	}
}

func (s *Service) OnDriverPosition(ctx context.Context, pos Position) error {
	if pos.DriverID == "" || !geo.Valid(pos.Point) {
		return ErrBadPosition
	}
	if pos.At.IsZero() {
		pos.At = s.now()
	}
	if err := s.positions.SetPosition(ctx, pos.DriverID, pos.Point, pos.At); err != nil {
		return err
	}

	update := notify.LocationUpdate{DriverID: pos.DriverID, Lat: pos.Point.Lat, Lng: pos.Point.Lng, At: pos.At}

	r, err := s.rides.ActiveForDriver(ctx, pos.DriverID)
	if err != nil {
		if !errors.Is(err, ride.ErrNotFound) {
			s.log.Warn("active ride lookup failed", "driver_id", pos.DriverID, "error", err)
		}
		r = nil
	}
	if r != nil {
		update.RideID = r.ID
	}
	s.registry.Touch(update)
	s.publish(ctx, update)

	if r == nil {
		return nil
	}

	if s.registry.ShouldRecord(pos.DriverID, r.ID, pos.Point, pos.At, s.cfg.BreadcrumbInterval, s.cfg.BreadcrumbMinMeters) {
		if err := s.rides.AppendPath(ctx, r.ID, ride.PathPoint{Point: pos.Point, RecordedAt: pos.At}); err != nil {
			s.log.Warn("append breadcrumb failed", "ride_id", r.ID, "error", err)
		}
	}

	if r.Status == ride.StatusAccepted && geo.HaversineKm(pos.Point, r.Pickup)*1000 <= s.cfg.ArrivalRadiusMeters {
		s.detectArrival(ctx, r, pos)
	}
	return nil
}

// detectArrival fires the arrival notice once per ride. A repeat is only granted
// after the cooldown, through its own compare-and-set.
func (s *Service) detectArrival(ctx context.Context, r *ride.Ride, pos Position) {
	var won bool
	var err error
	if !r.Arrived {
		won, err = s.rides.MarkArrived(ctx, r.ID, pos.At)
	} else {
		won, err = s.rides.ClaimArrivalNotice(ctx, r.ID, pos.At, s.cfg.ArrivalCooldown)
	}
	if err != nil {
		s.log.Warn("arrival update failed", "ride_id", r.ID, "error", err)
		return
	}
	if !won {
		return
	}

	s.log.Info("driver arrived", "ride_id", r.ID, "driver_id", pos.DriverID, "repeat", r.Arrived)
	payload := map[string]any{"ride_id": string(r.ID), "driver_id": string(pos.DriverID), "at": pos.At}
	if err := s.publisher.Publish(ctx, notify.RideTopic(r.ID, notify.TopicArrived), payload); err != nil {
		s.log.Warn("publish arrival failed", "ride_id", r.ID, "error", err)
	}
	n := notify.RiderNotification{
		RideID:  r.ID,
		RiderID: r.RiderID,
		Kind:    notify.RiderArrived,
		Payload: map[string]string{"driver_id": string(pos.DriverID)},
	}
	if err := s.notifier.NotifyRider(ctx, n); err != nil {
		s.log.Warn("notify rider failed", "ride_id", r.ID, "error", err)
	}
}

// Run re-publishes every live driver's last position each heartbeat interval
// and drops drivers that went stale. It returns when ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.heartbeat(ctx)
		}
	}
}

func (s *Service) heartbeat(ctx context.Context) {
	live, evicted := s.registry.Sweep(s.now().Add(-s.cfg.StaleTimeout))
	for _, id := range evicted {
		s.log.Debug("driver tracking stale", "driver_id", id)
	}
	for _, u := range live {
		s.publish(ctx, u)
	}
}

func (s *Service) publish(ctx context.Context, u notify.LocationUpdate) {
	if err := s.publisher.Publish(ctx, notify.DriverLocationTopic(u.DriverID), u); err != nil {
		s.log.Warn("publish driver location failed", "driver_id", u.DriverID, "error", err)
	}
	if u.RideID == "" {
		return
	}
	if err := s.publisher.Publish(ctx, notify.RideTopic(u.RideID, notify.TopicDriverLocation), u); err != nil {
		s.log.Warn("publish ride location failed", "ride_id", u.RideID, "error", err)
	}
}
