// Package events carries inbound ride requests, driver responses and driver
// positions from the transports to the matching and tracking workers over
// bounded queues. Submission never blocks.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"ridecore/internal/config"
	"ridecore/internal/modules/matching"
	"ridecore/internal/modules/ride"
	"ridecore/internal/modules/tracking"
	"ridecore/internal/types"
)

var ErrQueueFull = errors.New("event queue full")

// offerSlack is added to an offer's expiry before checking whether it lapsed.
const offerSlack = time.Second

// ReasonNoDriver is the cancellation reason once no-candidate retries run out.
const ReasonNoDriver = "no_driver"

type Dispatcher interface {
	Dispatch(ctx context.Context, rideID types.ID) (matching.Offer, error)
	Respond(ctx context.Context, resp matching.DriverResponse) (matching.Offer, error)
}

type Tracker interface {
	OnDriverPosition(ctx context.Context, pos tracking.Position) error
}

// Canceller closes out rides that dispatch gave up on.
type Canceller interface {
	Cancel(ctx context.Context, cmd ride.CancelCommand) error
}

// rideRequest.attempt counts dispatches that found nobody. Lapsed offers do
// not count against MaxRetries.
type rideRequest struct {
	rideID  types.ID
	attempt int
}

type Bus struct {
	requests  chan rideRequest
	responses chan matching.DriverResponse
	positions chan tracking.Position

	dispatcher Dispatcher
	tracker    Tracker
	canceller  Canceller
	cfg        config.DispatchConfig
	log        *slog.Logger

	dropped atomic.Int64
}

// NewBus wires the workers. A nil canceller leaves exhausted rides pending.
func NewBus(dispatcher Dispatcher, tracker Tracker, canceller Canceller, cfg config.DispatchConfig, log *slog.Logger) *Bus {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 1
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Bus{
		requests:   make(chan rideRequest, cfg.QueueDepth),
		responses:  make(chan matching.DriverResponse, cfg.QueueDepth),
		positions:  make(chan tracking.Position, cfg.QueueDepth),
		dispatcher: dispatcher,
		tracker:    tracker,
		canceller:  canceller,
		cfg:        cfg,
		log:        log.With("component", "events"),
	}
}

func (b *Bus) SubmitRideRequest(rideID types.ID) error {
	return b.submitRequest(rideRequest{rideID: rideID})
}

func (b *Bus) SubmitDriverResponse(resp matching.DriverResponse) error {
	select {
	case b.responses <- resp:
		return nil
	default:
		b.log.Warn("driver response queue full", "ride_id", resp.RideID, "driver_id", resp.DriverID)
		return ErrQueueFull
	}
}

// SubmitPosition drops the update when the queue is full. A newer position
// supersedes it anyway.
func (b *Bus) SubmitPosition(pos tracking.Position) error {
	select {
	case b.positions <- pos:
		return nil
	default:
		if n := b.dropped.Add(1); n%100 == 1 {
			b.log.Warn("position queue full, dropping updates", "dropped_total", n)
		}
		return ErrQueueFull
	}
}

// Dropped is the number of position updates discarded so far.
func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}

// Run starts the workers and blocks until ctx is done.
func (b *Bus) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < b.cfg.Workers; i++ {
		g.Go(func() error { b.requestWorker(ctx); return nil })
		g.Go(func() error { b.responseWorker(ctx); return nil })
		g.Go(func() error { b.positionWorker(ctx); return nil })
	}
	return g.Wait()
}

func (b *Bus) submitRequest(req rideRequest) error {
	select {
	case b.requests <- req:
		return nil
	default:
		b.log.Warn("ride request queue full", "ride_id", req.rideID)
		return ErrQueueFull
	}
}

func (b *Bus) requestWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-b.requests:
			offer, err := b.dispatcher.Dispatch(ctx, req.rideID)
			b.followUp(ctx, req, offer, err)
		}
	}
}

func (b *Bus) responseWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case resp := <-b.responses:
			offer, err := b.dispatcher.Respond(ctx, resp)
			switch {
			case errors.Is(err, matching.ErrNoLongerAvailable):
				b.log.Info("driver response lost", "ride_id", resp.RideID, "driver_id", resp.DriverID)
			case err != nil:
				b.log.Warn("driver response failed", "ride_id", resp.RideID, "driver_id", resp.DriverID, "error", err)
			case resp.Decision == matching.DecisionIgnore:
				b.followUp(ctx, rideRequest{rideID: resp.RideID}, offer, nil)
			}
		}
	}
}

func (b *Bus) positionWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case pos := <-b.positions:
			if err := b.tracker.OnDriverPosition(ctx, pos); err != nil {
				b.log.Debug("position update failed", "driver_id", pos.DriverID, "error", err)
			}
		}
	}
}

// followUp schedules the next dispatch attempt: after the retry interval when
// nobody was in range, or once a live offer has had time to lapse. A ride still
// unmatched after MaxRetries no-candidate retries is cancelled.
func (b *Bus) followUp(ctx context.Context, req rideRequest, offer matching.Offer, err error) {
	if errors.Is(err, matching.ErrNotPending) {
		return
	}
	if err != nil {
		b.log.Warn("dispatch failed", "ride_id", req.rideID, "attempt", req.attempt, "error", err)
	}
	if err == nil && offer.Found {
		b.schedule(ctx, req, time.Until(offer.ExpiresAt)+offerSlack)
		return
	}
	if req.attempt >= b.cfg.MaxRetries {
		b.giveUp(ctx, req)
		return
	}
	b.schedule(ctx, rideRequest{rideID: req.rideID, attempt: req.attempt + 1}, b.cfg.RetryInterval)
}

// schedule resubmits req after delay. A full queue pushes it back by another
// retry interval instead of dropping it.
func (b *Bus) schedule(ctx context.Context, req rideRequest, delay time.Duration) {
	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
		case <-timer.C:
			if err := b.submitRequest(req); errors.Is(err, ErrQueueFull) {
				b.schedule(ctx, req, b.cfg.RetryInterval)
			}
		}
	}()
}

func (b *Bus) giveUp(ctx context.Context, req rideRequest) {
	b.log.Info("dispatch retries exhausted", "ride_id", req.rideID, "attempts", req.attempt+1)
	if b.canceller == nil {
		return
	}
	err := b.canceller.Cancel(ctx, ride.CancelCommand{
		RideID:    req.rideID,
		ActorType: ride.ActorSystem,
		Reason:    ReasonNoDriver,
		IfStatus:  ride.StatusPending,
	})
	switch {
	case err == nil:
	case errors.Is(err, ride.ErrInvalidState), errors.Is(err, ride.ErrConflict):
		b.log.Info("exhausted ride already moved on", "ride_id", req.rideID)
	default:
		b.log.Warn("cancel unmatched ride failed", "ride_id", req.rideID, "error", err)
	}
}
