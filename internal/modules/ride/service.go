// README: Ride service implements lifecycle transitions over a compare-and-set store.
package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"ridecore/internal/geo"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/notify"
	"ridecore/internal/types"
)

var (
	ErrInvalidState = errors.New("invalid state transition")
	ErrNotFound     = errors.New("ride not found")
	ErrConflict     = errors.New("ride state conflict")
	ErrActiveRide   = errors.New("rider has active ride")
	ErrBadRequest   = errors.New("bad request")
	ErrForbidden    = errors.New("actor is not a party to this ride")
)

// ReasonRiderBusy cancels a prebook whose rider is still on another ride at pickup time.
const ReasonRiderBusy = "rider_busy"

// Repository is the persistence contract. Every mutating method except
// AppendPath and AppendEvent is conditional and reports whether it won.
type Repository interface {
	Create(ctx context.Context, r *Ride) error
	Get(ctx context.Context, id types.ID) (*Ride, error)
	Assign(ctx context.Context, id types.ID, version int, a Assignment) (bool, error)
	UpdateStatus(ctx context.Context, id types.ID, from, to Status, version int, at time.Time) (bool, error)
	Activate(ctx context.Context, id types.ID) (bool, error)
	Complete(ctx context.Context, id types.ID, version int, fare FareBreakdown, at time.Time) (bool, error)
	Cancel(ctx context.Context, id types.ID, from Status, version int, c Cancellation, at time.Time) (bool, error)
	MarkArrived(ctx context.Context, id types.ID, at time.Time) (bool, error)
	ClaimArrivalNotice(ctx context.Context, id types.ID, at, notBefore time.Time) (bool, error)
	AppendPath(ctx context.Context, id types.ID, p PathPoint) error
	ActiveByDriver(ctx context.Context, driverID types.ID) (*Ride, error)
	HasActiveByRider(ctx context.Context, riderID types.ID) (bool, error)
	ListDueScheduled(ctx context.Context, until time.Time, limit int) ([]*Ride, error)
	AppendEvent(ctx context.Context, e *Event) error
}

// Assignment is written together with the pending -> accepted transition.
type Assignment struct {
	DriverID    types.ID
	DriverStart *types.Point
	Estimate    *types.Money
	QuotedSurge float64
	At          time.Time
}

type Pricing interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
	FinalFare(ctx context.Context, req pricing.FinalFareRequest) (pricing.Quote, error)
}

type Drivers interface {
	Get(ctx context.Context, id types.ID) (*driver.Driver, error)
	SetAvailability(ctx context.Context, id types.ID, available bool) error
}

type Deps struct {
	Pricing   Pricing
	Drivers   Drivers
	Notifier  notify.Notifier
	Publisher notify.Publisher
	Logger    *slog.Logger
	Now       func() time.Time
	// MinAhead is how far in the future a scheduled ride must be.
	MinAhead time.Duration
}

type Service struct {
	store Repository
	deps  Deps
	log   *slog.Logger
}

func NewService(store Repository, deps Deps) *Service {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Notifier == nil {
		deps.Notifier = notify.Nop{}
	}
	if deps.Publisher == nil {
		deps.Publisher = notify.Nop{}
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Service{store: store, deps: deps, log: log.With("component", "ride")}
}

type CreateCommand struct {
	RiderID       types.ID
	Pickup        types.Point
	Destination   types.Point
	VehicleClass  types.VehicleClass
	PaymentMethod PaymentMethod
	ScheduledFor  *time.Time
}

type AcceptCommand struct {
	RideID   types.ID
	DriverID types.ID
	// Quote is the offer shown to the driver, if any. Its price becomes the
	// estimate and its surge is the one the final fare reuses.
	Quote *pricing.Quote
}

type StartCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CompleteCommand struct {
	RideID   types.ID
	DriverID types.ID
}

type CancelCommand struct {
	RideID    types.ID
	ActorType string
	ActorID   *types.ID
	Reason    string
	Note      string
	// IfStatus, when set, limits the cancel to rides still in that status.
	IfStatus Status
}

func (s *Service) Create(ctx context.Context, cmd CreateCommand) (*Ride, error) {
	if cmd.RiderID == "" || !cmd.VehicleClass.Valid() {
		return nil, ErrBadRequest
	}
	if !geo.Valid(cmd.Pickup) || !geo.Valid(cmd.Destination) {
		return nil, ErrBadRequest
	}
	if cmd.PaymentMethod == "" {
		cmd.PaymentMethod = PaymentCash
	}
	if cmd.PaymentMethod != PaymentCash && cmd.PaymentMethod != PaymentCard {
		return nil, ErrBadRequest
	}

	now := s.deps.Now()
	r := &Ride{
		ID:            types.ID(uuid.NewString()),
		RiderID:       cmd.RiderID,
		Pickup:        cmd.Pickup,
		Destination:   cmd.Destination,
		VehicleClass:  cmd.VehicleClass,
		PaymentMethod: cmd.PaymentMethod,
		PaymentStatus: PaymentNone,
		CreatedAt:     now,
	}
	if cmd.PaymentMethod == PaymentCard {
		r.PaymentStatus = PaymentAwaiting
	}

	switch {
	case cmd.ScheduledFor != nil:
		if cmd.ScheduledFor.Before(now.Add(s.deps.MinAhead)) {
			return nil, fmt.Errorf("%w: scheduled time must be at least %s ahead", ErrBadRequest, s.deps.MinAhead)
		}
		at := *cmd.ScheduledFor
		r.ScheduledFor = &at
		r.Status = StatusScheduled
	case cmd.PaymentMethod == PaymentCard:
		r.Status = StatusPaymentPending
	default:
		r.Status = StatusPending
	}

	if r.Status != StatusScheduled {
		active, err := s.store.HasActiveByRider(ctx, cmd.RiderID)
		if err != nil {
			return nil, err
		}
		if active {
			return nil, ErrActiveRide
		}
	}

	if s.deps.Pricing != nil {
		q, err := s.deps.Pricing.Quote(ctx, pricing.QuoteRequest{
			Pickup:       cmd.Pickup,
			Destination:  cmd.Destination,
			VehicleClass: cmd.VehicleClass,
		})
		if err != nil {
			s.log.Warn("estimate failed", "error", err)
		} else {
			r.Estimate = q.Price
			r.QuotedSurge = q.Surge
		}
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	rider := cmd.RiderID
	s.appendEvent(ctx, r.ID, StatusNone, r.Status, ActorRider, &rider, "")
	s.log.Info("ride created", "ride_id", r.ID, "status", r.Status, "vehicle_class", r.VehicleClass)
	return r, nil
}

func (s *Service) Get(ctx context.Context, id types.ID) (*Ride, error) {
	return s.store.Get(ctx, id)
}

// ConfirmPayment moves a card ride from payment_pending to pending.
func (s *Service) ConfirmPayment(ctx context.Context, id types.ID) error {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if r.Status != StatusPaymentPending {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, r.ID, r.Status, StatusPending, r.StatusVersion, s.deps.Now())
	if err != nil {
		return err
	}
	if !ok {
		return s.stale(r, StatusPending)
	}
	s.appendEvent(ctx, r.ID, StatusPaymentPending, StatusPending, ActorSystem, nil, "payment authorized")
	return nil
}

// Activate releases a scheduled ride into pending. False means another caller
// already activated it, it is no longer scheduled, or the rider is still on
// another ride. A rider still busy at the scheduled pickup time gets the
// prebook cancelled with ReasonRiderBusy.
func (s *Service) Activate(ctx context.Context, id types.ID) (bool, error) {
	r, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if r.Status != StatusScheduled || r.Activated {
		return false, nil
	}
	busy, err := s.store.HasActiveByRider(ctx, r.RiderID)
	if err != nil {
		return false, err
	}
	if busy {
		if r.ScheduledFor != nil && s.deps.Now().Before(*r.ScheduledFor) {
			s.log.Info("scheduled ride held, rider has active ride", "ride_id", id)
			return false, nil
		}
		err := s.Cancel(ctx, CancelCommand{RideID: id, ActorType: ActorSystem, Reason: ReasonRiderBusy, IfStatus: StatusScheduled})
		if err != nil && !errors.Is(err, ErrInvalidState) && !errors.Is(err, ErrConflict) {
			return false, err
		}
		return false, nil
	}

	ok, err := s.store.Activate(ctx, id)
	if err != nil || !ok {
		return false, err
	}
	s.appendEvent(ctx, id, StatusScheduled, StatusPending, ActorSystem, nil, "prebook activated")
	s.log.Info("scheduled ride activated", "ride_id", id)
	return true, nil
}

func (s *Service) Accept(ctx context.Context, cmd AcceptCommand) error {
	if cmd.DriverID == "" {
		return ErrBadRequest
	}
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if r.Status != StatusPending || r.DriverID != nil {
		return ErrInvalidState
	}

	a := Assignment{DriverID: cmd.DriverID, QuotedSurge: r.QuotedSurge, At: s.deps.Now()}
	if d := s.driver(ctx, cmd.DriverID); d != nil && d.HasPosition {
		pos := d.Position
		a.DriverStart = &pos
	}
	if cmd.Quote != nil {
		price := cmd.Quote.Price
		a.Estimate = &price
		if cmd.Quote.Surge > 0 {
			a.QuotedSurge = cmd.Quote.Surge
		}
	}

	ok, err := s.store.Assign(ctx, r.ID, r.StatusVersion, a)
	if err != nil {
		return err
	}
	if !ok {
		s.log.Info("accept lost race", "ride_id", r.ID, "driver_id", cmd.DriverID)
		return ErrConflict
	}

	if s.deps.Drivers != nil {
		if err := s.deps.Drivers.SetAvailability(ctx, cmd.DriverID, false); err != nil {
			s.log.Warn("mark driver busy failed", "driver_id", cmd.DriverID, "error", err)
		}
	}
	driverID := cmd.DriverID
	s.appendEvent(ctx, r.ID, StatusPending, StatusAccepted, ActorDriver, &driverID, "")
	s.notifyRider(ctx, r, notify.RiderAssigned, map[string]string{"driver_id": string(cmd.DriverID)})
	s.log.Info("ride accepted", "ride_id", r.ID, "driver_id", cmd.DriverID)
	return nil
}

// Start is idempotent: a ride already enroute or completed is left untouched.
func (s *Service) Start(ctx context.Context, cmd StartCommand) error {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	if cmd.DriverID != "" && !r.AssignedTo(cmd.DriverID) {
		return ErrForbidden
	}
	if r.Status == StatusEnroute || r.Status == StatusCompleted {
		return nil
	}
	if !CanTransition(r.Status, StatusEnroute) {
		return ErrInvalidState
	}
	ok, err := s.store.UpdateStatus(ctx, r.ID, r.Status, StatusEnroute, r.StatusVersion, s.deps.Now())
	if err != nil {
		return err
	}
	if !ok {
		if cur, err := s.store.Get(ctx, r.ID); err == nil && (cur.Status == StatusEnroute || cur.Status == StatusCompleted) {
			return nil
		}
		return s.stale(r, StatusEnroute)
	}
	s.appendEvent(ctx, r.ID, StatusAccepted, StatusEnroute, ActorDriver, r.DriverID, "")
	s.notifyRider(ctx, r, notify.RiderStarted, nil)
	s.log.Info("ride started", "ride_id", r.ID)
	return nil
}

// Complete settles the final fare. Completing a completed ride returns its fare.
func (s *Service) Complete(ctx context.Context, cmd CompleteCommand) (*FareBreakdown, error) {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return nil, err
	}
	if cmd.DriverID != "" && !r.AssignedTo(cmd.DriverID) {
		return nil, ErrForbidden
	}
	if r.Status == StatusCompleted {
		return r.Fare, nil
	}
	if r.Status != StatusEnroute {
		return nil, ErrInvalidState
	}

	fare, err := s.finalFare(ctx, r)
	if err != nil {
		return nil, err
	}
	ok, err := s.store.Complete(ctx, r.ID, r.StatusVersion, fare, s.deps.Now())
	if err != nil {
		return nil, err
	}
	if !ok {
		cur, err := s.store.Get(ctx, r.ID)
		if err == nil && cur.Status == StatusCompleted {
			return cur.Fare, nil
		}
		s.log.Info("complete lost race", "ride_id", r.ID)
		return nil, ErrConflict
	}

	if r.DriverID != nil && s.deps.Drivers != nil {
		if err := s.deps.Drivers.SetAvailability(ctx, *r.DriverID, true); err != nil {
			s.log.Warn("release driver failed", "driver_id", *r.DriverID, "error", err)
		}
	}
	s.appendEvent(ctx, r.ID, StatusEnroute, StatusCompleted, ActorDriver, r.DriverID, "")
	s.notifyRider(ctx, r, notify.RiderCompleted, map[string]string{
		"amount":   fmt.Sprintf("%d", fare.Amount.Amount),
		"currency": fare.Amount.Currency,
	})
	s.log.Info("ride completed", "ride_id", r.ID, "amount", fare.Amount.Amount, "distance_km", fare.DistanceKm)
	return &fare, nil
}

func (s *Service) Cancel(ctx context.Context, cmd CancelCommand) error {
	r, err := s.store.Get(ctx, cmd.RideID)
	if err != nil {
		return err
	}
	switch cmd.ActorType {
	case ActorRider:
		if cmd.ActorID != nil && *cmd.ActorID != r.RiderID {
			return ErrForbidden
		}
	case ActorDriver:
		if cmd.ActorID == nil || !r.AssignedTo(*cmd.ActorID) {
			return ErrForbidden
		}
	case ActorSystem:
	default:
		return ErrBadRequest
	}
	if !CanTransition(r.Status, StatusCancelled) {
		return ErrInvalidState
	}
	if cmd.IfStatus != "" && r.Status != cmd.IfStatus {
		return ErrInvalidState
	}

	c := Cancellation{Actor: cmd.ActorType, ActorID: cmd.ActorID, Reason: cmd.Reason, Note: cmd.Note}
	var assigned *driver.Driver
	if r.DriverID != nil {
		assigned = s.driver(ctx, *r.DriverID)
		if assigned != nil && assigned.HasPosition {
			km := geo.HaversineKm(assigned.Position, r.Pickup)
			c.DistanceKm = &km
		}
	}

	ok, err := s.store.Cancel(ctx, r.ID, r.Status, r.StatusVersion, c, s.deps.Now())
	if err != nil {
		return err
	}
	if !ok {
		return s.stale(r, StatusCancelled)
	}

	s.appendEvent(ctx, r.ID, r.Status, StatusCancelled, cmd.ActorType, cmd.ActorID, cmd.Reason)
	s.log.Info("ride cancelled", "ride_id", r.ID, "actor", cmd.ActorType, "reason", cmd.Reason)

	if err := s.deps.Publisher.Publish(ctx, notify.RideTopic(r.ID, notify.TopicCancelled), map[string]string{
		"ride_id": string(r.ID),
		"actor":   cmd.ActorType,
		"reason":  cmd.Reason,
	}); err != nil {
		s.log.Warn("publish cancellation failed", "ride_id", r.ID, "error", err)
	}
	if cmd.ActorType != ActorRider {
		s.notifyRider(ctx, r, notify.RiderCancelled, map[string]string{"reason": cmd.Reason})
	}
	if r.DriverID != nil && s.deps.Drivers != nil {
		if err := s.deps.Drivers.SetAvailability(ctx, *r.DriverID, true); err != nil {
			s.log.Warn("release driver failed", "driver_id", *r.DriverID, "error", err)
		}
		if assigned != nil && cmd.ActorType != ActorDriver {
			n := notify.DriverNotification{
				DriverID:    assigned.ID,
				DeviceToken: assigned.DeviceToken,
				Kind:        notify.DriverCancelled,
				RideID:      r.ID,
				Pickup:      r.Pickup,
				Destination: r.Destination,
			}
			if err := s.deps.Notifier.NotifyDriver(ctx, n); err != nil {
				s.log.Warn("notify driver failed", "driver_id", assigned.ID, "error", err)
			}
		}
	}
	return nil
}

// MarkArrived flips the arrival flag once. Only the winning caller gets true.
func (s *Service) MarkArrived(ctx context.Context, id types.ID, at time.Time) (bool, error) {
	ok, err := s.store.MarkArrived(ctx, id, at)
	if err != nil || !ok {
		return false, err
	}
	s.appendEvent(ctx, id, StatusAccepted, StatusAccepted, ActorSystem, nil, "driver arrived")
	return true, nil
}

// ClaimArrivalNotice grants a repeat arrival notice when the previous one is
// older than cooldown. Only one concurrent caller wins each claim.
func (s *Service) ClaimArrivalNotice(ctx context.Context, id types.ID, at time.Time, cooldown time.Duration) (bool, error) {
	return s.store.ClaimArrivalNotice(ctx, id, at, at.Add(-cooldown))
}

func (s *Service) AppendPath(ctx context.Context, id types.ID, p PathPoint) error {
	if !geo.Valid(p.Point) {
		return ErrBadRequest
	}
	return s.store.AppendPath(ctx, id, p)
}

// ActiveForDriver returns the driver's accepted or enroute ride, or ErrNotFound.
func (s *Service) ActiveForDriver(ctx context.Context, driverID types.ID) (*Ride, error) {
	return s.store.ActiveByDriver(ctx, driverID)
}

// ListDueScheduled returns unactivated scheduled rides starting within lead of now.
func (s *Service) ListDueScheduled(ctx context.Context, lead time.Duration, limit int) ([]*Ride, error) {
	return s.store.ListDueScheduled(ctx, s.deps.Now().Add(lead), limit)
}

func (s *Service) finalFare(ctx context.Context, r *Ride) (FareBreakdown, error) {
	now := s.deps.Now()
	if s.deps.Pricing == nil {
		return FareBreakdown{Amount: r.Estimate, TrafficFactor: 1, Surge: r.QuotedSurge}, nil
	}
	path := make([]types.Point, 0, len(r.Path))
	for _, p := range r.Path {
		path = append(path, p.Point)
	}
	picked := now
	if r.PickedAt != nil {
		picked = *r.PickedAt
	}
	req := pricing.FinalFareRequest{
		Pickup:       r.Pickup,
		Destination:  r.Destination,
		VehicleClass: r.VehicleClass,
		Path:         path,
		ArrivedAt:    r.ArrivedAt,
		PickedAt:     picked,
		CompletedAt:  now,
		DriverStart:  r.DriverStart,
		QuotedSurge:  r.QuotedSurge,
	}
	if r.DriverID != nil {
		if d := s.driver(ctx, *r.DriverID); d != nil {
			req.Override = d.RateOverride
		}
	}
	q, err := s.deps.Pricing.FinalFare(ctx, req)
	if err != nil {
		return FareBreakdown{}, fmt.Errorf("final fare: %w", err)
	}
	return FareBreakdown{
		DistanceKm:    q.DistanceKm,
		PickupKm:      q.PickupKm,
		DurationSec:   q.DurationSec,
		TrafficFactor: q.TrafficFactor,
		Surge:         q.Surge,
		WaitingFee:    q.WaitingFee,
		Amount:        q.Price,
	}, nil
}

func (s *Service) stale(r *Ride, to Status) error {
	s.log.Info("stale transition", "ride_id", r.ID, "from", r.Status, "to", to)
	return ErrConflict
}

func (s *Service) driver(ctx context.Context, id types.ID) *driver.Driver {
	if s.deps.Drivers == nil {
		return nil
	}
	d, err := s.deps.Drivers.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, driver.ErrNotFound) {
			s.log.Warn("driver lookup failed", "driver_id", id, "error", err)
		}
		return nil
	}
	return d
}

func (s *Service) notifyRider(ctx context.Context, r *Ride, kind notify.RiderEvent, payload map[string]string) {
	n := notify.RiderNotification{RideID: r.ID, RiderID: r.RiderID, Kind: kind, Payload: payload}
	if err := s.deps.Notifier.NotifyRider(ctx, n); err != nil {
		s.log.Warn("notify rider failed", "ride_id", r.ID, "kind", kind, "error", err)
	}
}

func (s *Service) appendEvent(ctx context.Context, id types.ID, from, to Status, actor string, actorID *types.ID, note string) {
	err := s.store.AppendEvent(ctx, &Event{
		RideID:     id,
		FromStatus: from,
		ToStatus:   to,
		ActorType:  actor,
		ActorID:    actorID,
		Note:       note,
		CreatedAt:  s.deps.Now(),
	})
	if err != nil {
		s.log.Warn("append ride event failed", "ride_id", id, "error", err)
	}
}
