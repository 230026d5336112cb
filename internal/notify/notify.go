// Package notify defines the outbound contracts of the engine: push notifications
// to drivers and riders, and live-update topics for tracking observers.
package notify

import (
	"context"
	"fmt"
	"time"

	"ridecore/internal/types"
)

type RiderEvent string

const (
	RiderAssigned  RiderEvent = "assigned"
	RiderArrived   RiderEvent = "arrived"
	RiderStarted   RiderEvent = "started"
	RiderCompleted RiderEvent = "completed"
	RiderCancelled RiderEvent = "cancelled"
	RiderNoDriver  RiderEvent = "no_driver"
)

type DriverEvent string

const (
	DriverOffer       DriverEvent = "offer"
	DriverUnavailable DriverEvent = "ride_unavailable"
	DriverCancelled   DriverEvent = "ride_cancelled"
)

type RiderNotification struct {
	RideID  types.ID
	RiderID types.ID
	Kind    RiderEvent
	Payload map[string]string
}

// DriverNotification carries the ride and quote handed to the messaging channel.
type DriverNotification struct {
	DriverID     types.ID
	DeviceToken  string
	Kind         DriverEvent
	RideID       types.ID
	Pickup       types.Point
	Destination  types.Point
	VehicleClass types.VehicleClass
	Price        types.Money
	DistanceKm   float64
	PickupKm     float64
	ExpiresAt    time.Time
}

type Notifier interface {
	NotifyDriver(ctx context.Context, n DriverNotification) error
	NotifyRider(ctx context.Context, n RiderNotification) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) error
}

// Live-update topic kinds under ride:<id>:<kind>.
const (
	TopicDriverLocation = "driverLocation"
	TopicArrived        = "arrived"
	TopicCancelled      = "cancelled"
)

func RideTopic(rideID types.ID, kind string) string {
	return fmt.Sprintf("ride:%s:%s", string(rideID), kind)
}

func DriverLocationTopic(driverID types.ID) string {
	return fmt.Sprintf("driver:%s:location", string(driverID))
}

// LocationUpdate is the payload of every location topic.
type LocationUpdate struct {
	DriverID types.ID  `json:"driver_id"`
	RideID   types.ID  `json:"ride_id,omitempty"`
	Lat      float64   `json:"lat"`
	Lng      float64   `json:"lng"`
	At       time.Time `json:"at"`
}

// Nop discards everything. Used when a channel is not configured.
type Nop struct{}

func (Nop) NotifyDriver(context.Context, DriverNotification) error { return nil }
func (Nop) NotifyRider(context.Context, RiderNotification) error   { return nil }
func (Nop) Publish(context.Context, string, any) error             { return nil }
