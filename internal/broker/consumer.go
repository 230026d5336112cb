// Package broker consumes inbound ride events from RabbitMQ and feeds the event bus.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"ridecore/internal/events"
	"ridecore/internal/modules/matching"
	"ridecore/internal/modules/tracking"
	"ridecore/internal/types"
)

const (
	Exchange = "ride_events"
	Queue    = "ride_engine"

	KeyRideRequest    = "ride.request"
	KeyDriverResponse = "driver.response"
	KeyDriverLocation = "driver.location"

	reconnectDelay = 3 * time.Second
)

var ErrUnknownRoutingKey = errors.New("unknown routing key")

type Submitter interface {
	SubmitRideRequest(rideID types.ID) error
	SubmitDriverResponse(resp matching.DriverResponse) error
	SubmitPosition(pos tracking.Position) error
}

type rideRequestMsg struct {
	RideID string `json:"rideId"`
}

type driverResponseMsg struct {
	DriverID string `json:"driverId"`
	RideID   string `json:"rideId"`
	Decision string `json:"decision"`
}

type driverLocationMsg struct {
	DriverID  string    `json:"driverId"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	Timestamp time.Time `json:"timestamp"`
}

type Consumer struct {
	url      string
	bus      Submitter
	log      *slog.Logger
	prefetch int
}

func NewConsumer(url string, bus Submitter, log *slog.Logger) *Consumer {
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{url: url, bus: bus, log: log.With("component", "broker"), prefetch: 64}
}

// Run consumes until ctx is done, reconnecting when the connection drops.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		err := c.consume(ctx)
		if ctx.Err() != nil {
			return nil
		}
		c.log.Warn("rabbitmq consumer stopped, reconnecting", "error", err)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(reconnectDelay):
		}
	}
}

func (c *Consumer) consume(ctx context.Context) error {
	conn, err := amqp091.Dial(c.url)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := declare(ch); err != nil {
		return err
	}
	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	deliveries, err := ch.Consume(Queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", Queue, err)
	}
	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	c.log.Info("rabbitmq consumer started", "exchange", Exchange, "queue", Queue)

	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			return fmt.Errorf("connection closed: %v", amqpErr)
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handle(d)
		}
	}
}

func declare(ch *amqp091.Channel) error {
	if err := ch.ExchangeDeclare(Exchange, "topic", true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}
	q, err := ch.QueueDeclare(Queue, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}
	for _, key := range []string{KeyRideRequest, KeyDriverResponse, KeyDriverLocation} {
		if err := ch.QueueBind(q.Name, key, Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Acknowledger is the part of amqp091.Delivery used to settle a message.
type Acknowledger interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func (c *Consumer) handle(d amqp091.Delivery) {
	c.settle(d.RoutingKey, d.Body, d)
}

// settle routes one message to the bus. Malformed messages are dropped, a full
// request or response queue puts the message back, and positions are never requeued.
func (c *Consumer) settle(key string, body []byte, ack Acknowledger) {
	err := c.route(key, body)
	switch {
	case err == nil:
		_ = ack.Ack(false)
	case errors.Is(err, events.ErrQueueFull) && key != KeyDriverLocation:
		_ = ack.Nack(false, true)
	case errors.Is(err, events.ErrQueueFull):
		_ = ack.Ack(false)
	default:
		c.log.Warn("dropping malformed message", "routing_key", key, "error", err)
		_ = ack.Nack(false, false)
	}
}

func (c *Consumer) route(key string, body []byte) error {
	switch key {
	case KeyRideRequest:
		var m rideRequestMsg
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		if m.RideID == "" {
			return errors.New("missing rideId")
		}
		return c.bus.SubmitRideRequest(types.ID(m.RideID))
	case KeyDriverResponse:
		var m driverResponseMsg
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		resp := matching.DriverResponse{DriverID: types.ID(m.DriverID), RideID: types.ID(m.RideID), Decision: matching.Decision(m.Decision)}
		if resp.DriverID == "" || resp.RideID == "" || !resp.Decision.Valid() {
			return errors.New("incomplete driver response")
		}
		return c.bus.SubmitDriverResponse(resp)
	case KeyDriverLocation:
		var m driverLocationMsg
		if err := json.Unmarshal(body, &m); err != nil {
			return err
		}
		if m.DriverID == "" {
			return errors.New("missing driverId")
		}
		return c.bus.SubmitPosition(tracking.Position{
			DriverID: types.ID(m.DriverID),
			Point:    types.Point{Lat: m.Lat, Lng: m.Lng},
			At:       m.Timestamp,
		})
	}
	return fmt.Errorf("%w: %s", ErrUnknownRoutingKey, key)
}
