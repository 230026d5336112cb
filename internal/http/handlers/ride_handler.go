// README: Ride handlers for create/get/cancel/payment and the driver trip steps.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/ride"
	"ridecore/internal/types"
)

// Dispatch hands a pending ride to the matching workers.
type Dispatch interface {
	SubmitRideRequest(rideID types.ID) error
}

type RideHandler struct {
	rides    *ride.Service
	dispatch Dispatch
	log      *slog.Logger
}

func NewRideHandler(rides *ride.Service, dispatch Dispatch, log *slog.Logger) *RideHandler {
	return &RideHandler{rides: rides, dispatch: dispatch, log: log.With("component", "http.ride")}
}

type createRideReq struct {
	// RiderID is optional and must match the caller unless the caller is an admin.
	RiderID       string     `json:"rider_id"`
	Pickup        pointReq   `json:"pickup"`
	Destination   pointReq   `json:"destination"`
	VehicleClass  string     `json:"vehicle_class"`
	PaymentMethod string     `json:"payment_method"`
	ScheduledFor  *time.Time `json:"scheduled_for"`
}

type cancelRideReq struct {
	Reason string `json:"reason"`
	Note   string `json:"note"`
}

type fareResp struct {
	DistanceKm    float64   `json:"distance_km"`
	PickupKm      float64   `json:"pickup_km"`
	DurationSec   float64   `json:"duration_sec"`
	TrafficFactor float64   `json:"traffic_factor"`
	Surge         float64   `json:"surge"`
	WaitingFee    float64   `json:"waiting_fee"`
	Amount        moneyResp `json:"amount"`
}

type cancellationResp struct {
	Actor      string   `json:"actor"`
	Reason     string   `json:"reason"`
	Note       string   `json:"note,omitempty"`
	DistanceKm *float64 `json:"driver_distance_km,omitempty"`
}

type rideResp struct {
	ID            types.ID          `json:"ride_id"`
	RiderID       types.ID          `json:"rider_id"`
	DriverID      *types.ID         `json:"driver_id,omitempty"`
	Status        ride.Status       `json:"status"`
	Pickup        pointResp         `json:"pickup"`
	Destination   pointResp         `json:"destination"`
	VehicleClass  string            `json:"vehicle_class"`
	Estimate      moneyResp         `json:"estimate"`
	Fare          *fareResp         `json:"fare,omitempty"`
	PaymentMethod string            `json:"payment_method"`
	PaymentStatus string            `json:"payment_status"`
	Arrived       bool              `json:"arrived"`
	Cancellation  *cancellationResp `json:"cancellation,omitempty"`
	ScheduledFor  *time.Time        `json:"scheduled_for,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	AcceptedAt    *time.Time        `json:"accepted_at,omitempty"`
	PickedAt      *time.Time        `json:"picked_at,omitempty"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
	CancelledAt   *time.Time        `json:"cancelled_at,omitempty"`
}

func toFareResp(f *ride.FareBreakdown) *fareResp {
	if f == nil {
		return nil
	}
	return &fareResp{
		DistanceKm:    f.DistanceKm,
		PickupKm:      f.PickupKm,
		DurationSec:   f.DurationSec,
		TrafficFactor: f.TrafficFactor,
		Surge:         f.Surge,
		WaitingFee:    f.WaitingFee,
		Amount:        toMoneyResp(f.Amount),
	}
}

func toRideResp(r *ride.Ride) rideResp {
	out := rideResp{
		ID:            r.ID,
		RiderID:       r.RiderID,
		DriverID:      r.DriverID,
		Status:        r.Status,
		Pickup:        toPointResp(r.Pickup),
		Destination:   toPointResp(r.Destination),
		VehicleClass:  string(r.VehicleClass),
		Estimate:      toMoneyResp(r.Estimate),
		Fare:          toFareResp(r.Fare),
		PaymentMethod: string(r.PaymentMethod),
		PaymentStatus: string(r.PaymentStatus),
		Arrived:       r.Arrived,
		ScheduledFor:  r.ScheduledFor,
		CreatedAt:     r.CreatedAt,
		AcceptedAt:    r.AcceptedAt,
		PickedAt:      r.PickedAt,
		CompletedAt:   r.CompletedAt,
		CancelledAt:   r.CancelledAt,
	}
	if c := r.Cancellation; c != nil {
		out.Cancellation = &cancellationResp{Actor: c.Actor, Reason: c.Reason, Note: c.Note, DistanceKm: c.DistanceKm}
	}
	return out
}

func (h *RideHandler) Create(c *gin.Context) {
	var req createRideReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	uid := middleware.CallerUID(c)
	rider := uid
	if req.RiderID != "" && req.RiderID != uid {
		if !isAdmin(c) {
			writeError(c, http.StatusForbidden, "cannot request a ride for another rider")
			return
		}
		rider = req.RiderID
	}
	pickup, ok := req.Pickup.point()
	if !ok {
		writeError(c, http.StatusBadRequest, "missing pickup")
		return
	}
	destination, ok := req.Destination.point()
	if !ok {
		writeError(c, http.StatusBadRequest, "missing destination")
		return
	}

	r, err := h.rides.Create(c.Request.Context(), ride.CreateCommand{
		RiderID:       types.ID(rider),
		Pickup:        pickup,
		Destination:   destination,
		VehicleClass:  types.VehicleClass(req.VehicleClass),
		PaymentMethod: ride.PaymentMethod(req.PaymentMethod),
		ScheduledFor:  req.ScheduledFor,
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	if r.Status == ride.StatusPending {
		if err := h.submit(c.Request.Context(), r.ID); err != nil {
			writeServiceError(c, err)
			return
		}
	}
	writeJSON(c, http.StatusCreated, toRideResp(r))
}

func (h *RideHandler) Get(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	writeJSON(c, http.StatusOK, toRideResp(r))
}

func (h *RideHandler) Cancel(c *gin.Context) {
	var req cancelRideReq
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, http.StatusBadRequest, "invalid json")
			return
		}
	}
	uid := types.ID(middleware.CallerUID(c))
	cmd := ride.CancelCommand{RideID: types.ID(c.Param("id")), ActorID: &uid, Reason: req.Reason, Note: req.Note}
	switch {
	case isAdmin(c):
		cmd.ActorType = ride.ActorSystem
	case middleware.CallerRole(c) == middleware.RoleDriver:
		cmd.ActorType = ride.ActorDriver
	default:
		cmd.ActorType = ride.ActorRider
	}
	if cmd.Reason == "" {
		cmd.Reason = cmd.ActorType + "_cancel"
	}
	if err := h.rides.Cancel(c.Request.Context(), cmd); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ride_id": cmd.RideID, "status": ride.StatusCancelled})
}

// ConfirmPayment records the card authorization and releases the ride to matching.
func (h *RideHandler) ConfirmPayment(c *gin.Context) {
	r, ok := h.load(c)
	if !ok {
		return
	}
	if r.RiderID != types.ID(middleware.CallerUID(c)) && !isAdmin(c) {
		writeError(c, http.StatusForbidden, "not your ride")
		return
	}
	if err := h.rides.ConfirmPayment(c.Request.Context(), r.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	if err := h.submit(c.Request.Context(), r.ID); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ride_id": r.ID, "status": ride.StatusPending})
}

func (h *RideHandler) Start(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "driver role required")
		return
	}
	err := h.rides.Start(c.Request.Context(), ride.StartCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ride_id": c.Param("id"), "status": ride.StatusEnroute})
}

func (h *RideHandler) Complete(c *gin.Context) {
	if middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "driver role required")
		return
	}
	fare, err := h.rides.Complete(c.Request.Context(), ride.CompleteCommand{
		RideID:   types.ID(c.Param("id")),
		DriverID: types.ID(middleware.CallerUID(c)),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ride_id": c.Param("id"), "status": ride.StatusCompleted, "fare": toFareResp(fare)})
}

func (h *RideHandler) load(c *gin.Context) (*ride.Ride, bool) {
	r, err := h.rides.Get(c.Request.Context(), types.ID(c.Param("id")))
	if err != nil {
		writeServiceError(c, err)
		return nil, false
	}
	if !canView(c, r) {
		writeError(c, http.StatusForbidden, "not your ride")
		return nil, false
	}
	return r, true
}

// submit queues a pending ride. A ride that cannot be queued is cancelled.
func (h *RideHandler) submit(ctx context.Context, id types.ID) error {
	err := h.dispatch.SubmitRideRequest(id)
	if err == nil {
		return nil
	}
	h.log.Warn("ride request not queued", "ride_id", id, "error", err)
	cancelErr := h.rides.Cancel(ctx, ride.CancelCommand{RideID: id, ActorType: ride.ActorSystem, Reason: "dispatch_unavailable"})
	if cancelErr != nil {
		h.log.Error("cancel unqueued ride failed", "ride_id", id, "error", cancelErr)
	}
	return errors.Join(err, cancelErr)
}
