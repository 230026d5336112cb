package notify

import (
	"context"
	"log/slog"
)

// Log writes notifications to the logger instead of delivering them.
type Log struct {
	log *slog.Logger
}

func NewLog(log *slog.Logger) *Log {
	if log == nil {
		log = slog.Default()
	}
	return &Log{log: log.With("component", "notify")}
}

func (l *Log) NotifyDriver(_ context.Context, n DriverNotification) error {
	l.log.Info("driver notification", "driver_id", n.DriverID, "ride_id", n.RideID, "kind", n.Kind, "price", n.Price.Amount)
	return nil
}

func (l *Log) NotifyRider(_ context.Context, n RiderNotification) error {
	l.log.Info("rider notification", "rider_id", n.RiderID, "ride_id", n.RideID, "kind", n.Kind)
	return nil
}
