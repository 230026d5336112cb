// README: Prebook scheduler activates scheduled rides as they enter the lead window.
package prebook

import (
	"context"
	"log/slog"
	"time"

	"ridecore/internal/config"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

type Rides interface {
	ListDueScheduled(ctx context.Context, lead time.Duration, limit int) ([]*ride.Ride, error)
	Activate(ctx context.Context, id types.ID) (bool, error)
}

// Dispatcher queues a ride for matching.
type Dispatcher interface {
	SubmitRideRequest(rideID types.ID) error
}

type Service struct {
	rides      Rides
	dispatcher Dispatcher
	cfg        config.PrebookConfig
	log        *slog.Logger
}

func NewService(rides Rides, dispatcher Dispatcher, cfg config.PrebookConfig, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{rides: rides, dispatcher: dispatcher, cfg: cfg, log: log.With("component", "prebook")}
}

// Run sweeps once immediately and then every SweepInterval until ctx is done.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		if _, err := s.Sweep(ctx); err != nil {
			s.log.Error("prebook sweep failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep activates every due scheduled ride it wins and hands each to the
// dispatcher exactly once. It returns the number of rides activated.
func (s *Service) Sweep(ctx context.Context) (int, error) {
	due, err := s.rides.ListDueScheduled(ctx, s.cfg.LeadWindow, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	activated := 0
	for _, r := range due {
		if ctx.Err() != nil {
			return activated, ctx.Err()
		}
		ok, err := s.rides.Activate(ctx, r.ID)
		if err != nil {
			s.log.Warn("activate scheduled ride failed", "ride_id", r.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}
		activated++
		if err := s.dispatcher.SubmitRideRequest(r.ID); err != nil {
			// the ride is pending now; the dispatch retry loop or a manual request picks it up
			s.log.Error("dispatch activated ride failed", "ride_id", r.ID, "error", err)
		}
	}
	if activated > 0 {
		s.log.Info("prebook sweep", "due", len(due), "activated", activated)
	}
	return activated, nil
}
