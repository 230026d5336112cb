package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"firebase.google.com/go/v4/messaging"
)

var ErrNoDeviceToken = errors.New("driver has no device token")

// Sender is the part of *messaging.Client the notifier uses.
type Sender interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCM delivers driver notifications by device token and rider notifications
// to the rider's topic.
type FCM struct {
	client Sender
	log    *slog.Logger
}

func NewFCM(client Sender, log *slog.Logger) *FCM {
	if log == nil {
		log = slog.Default()
	}
	return &FCM{client: client, log: log.With("component", "fcm")}
}

func RiderTopic(riderID string) string {
	return "rider_" + riderID
}

func (f *FCM) NotifyDriver(ctx context.Context, n DriverNotification) error {
	if n.DeviceToken == "" {
		return fmt.Errorf("%w: %s", ErrNoDeviceToken, string(n.DriverID))
	}
	msg := &messaging.Message{
		Token:   n.DeviceToken,
		Data:    driverData(n),
		Android: &messaging.AndroidConfig{Priority: "high"},
	}
	if n.Kind == DriverOffer {
		msg.Notification = &messaging.Notification{
			Title: "New ride request",
			Body:  fmt.Sprintf("Pickup %.1f km away, fare %d %s", n.PickupKm, n.Price.Amount, n.Price.Currency),
		}
	}
	id, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send fcm to driver %s: %w", string(n.DriverID), err)
	}
	f.log.Debug("driver notified", "driver_id", n.DriverID, "ride_id", n.RideID, "kind", n.Kind, "message_id", id)
	return nil
}

func (f *FCM) NotifyRider(ctx context.Context, n RiderNotification) error {
	data := map[string]string{
		"type":    string(n.Kind),
		"ride_id": string(n.RideID),
	}
	for k, v := range n.Payload {
		data[k] = v
	}
	msg := &messaging.Message{
		Topic: RiderTopic(string(n.RiderID)),
		Data:  data,
	}
	if title, body, ok := riderText(n.Kind); ok {
		msg.Notification = &messaging.Notification{Title: title, Body: body}
	}
	id, err := f.client.Send(ctx, msg)
	if err != nil {
		return fmt.Errorf("send fcm to rider %s: %w", string(n.RiderID), err)
	}
	f.log.Debug("rider notified", "rider_id", n.RiderID, "ride_id", n.RideID, "kind", n.Kind, "message_id", id)
	return nil
}

func driverData(n DriverNotification) map[string]string {
	data := map[string]string{
		"type":    string(n.Kind),
		"ride_id": string(n.RideID),
	}
	if n.Kind != DriverOffer {
		return data
	}
	data["pickup_lat"] = formatCoord(n.Pickup.Lat)
	data["pickup_lng"] = formatCoord(n.Pickup.Lng)
	data["destination_lat"] = formatCoord(n.Destination.Lat)
	data["destination_lng"] = formatCoord(n.Destination.Lng)
	data["vehicle_class"] = string(n.VehicleClass)
	data["price"] = strconv.FormatInt(n.Price.Amount, 10)
	data["currency"] = n.Price.Currency
	data["distance_km"] = strconv.FormatFloat(n.DistanceKm, 'f', 2, 64)
	data["pickup_km"] = strconv.FormatFloat(n.PickupKm, 'f', 2, 64)
	data["expires_at"] = n.ExpiresAt.UTC().Format(time.RFC3339)
	return data
}

func riderText(kind RiderEvent) (title, body string, ok bool) {
	switch kind {
	case RiderAssigned:
		return "Driver found", "Your driver is on the way.", true
	case RiderArrived:
		return "Your driver has arrived", "Please meet your driver at the pickup point.", true
	case RiderNoDriver:
		return "Still looking", "No driver available yet, retrying.", true
	case RiderCancelled:
		return "Ride cancelled", "Your ride was cancelled.", true
	}
	return "", "", false
}

func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', 6, 64)
}
