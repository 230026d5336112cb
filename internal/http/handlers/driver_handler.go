// README: Driver handlers for registration, availability, location and offer responses.
package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"ridecore/internal/geo"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/matching"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/tracking"
	"ridecore/internal/types"
)

type DriverRegistry interface {
	Upsert(ctx context.Context, p driver.Profile) error
	SetAvailability(ctx context.Context, id types.ID, available bool) error
}

type PositionSink interface {
	SubmitPosition(pos tracking.Position) error
}

// Responder settles an offer synchronously so the driver learns the outcome.
type Responder interface {
	Respond(ctx context.Context, resp matching.DriverResponse) (matching.Offer, error)
}

type DriverHandler struct {
	drivers   DriverRegistry
	positions PositionSink
	matching  Responder
	log       *slog.Logger
	now       func() time.Time
}

func NewDriverHandler(drivers DriverRegistry, positions PositionSink, matching Responder, log *slog.Logger) *DriverHandler {
	return &DriverHandler{
		drivers:   drivers,
		positions: positions,
		matching:  matching,
		log:       log.With("component", "http.driver"),
		now:       time.Now,
	}
}

type rateOverrideReq struct {
	PerKm       float64 `json:"per_km"`
	MinCharge   float64 `json:"min_charge"`
	PickupPerKm float64 `json:"pickup_per_km"`
}

type upsertDriverReq struct {
	VehicleClass string           `json:"vehicle_class"`
	DeviceToken  string           `json:"device_token"`
	RateOverride *rateOverrideReq `json:"rate_override"`
}

type availabilityReq struct {
	Available *bool `json:"available"`
}

type respondReq struct {
	Decision string `json:"decision"`
}

func (h *DriverHandler) Upsert(c *gin.Context) {
	id := c.Param("id")
	if !requireDriver(c, id) {
		return
	}
	var req upsertDriverReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	class := types.VehicleClass(req.VehicleClass)
	if !class.Valid() {
		writeError(c, http.StatusBadRequest, "unknown vehicle class")
		return
	}
	p := driver.Profile{ID: types.ID(id), VehicleClass: class, DeviceToken: req.DeviceToken}
	if o := req.RateOverride; o != nil {
		p.RateOverride = &pricing.Override{PerKm: o.PerKm, MinCharge: o.MinCharge, PickupPerKm: o.PickupPerKm}
	}
	if err := h.drivers.Upsert(c.Request.Context(), p); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": id, "vehicle_class": class})
}

func (h *DriverHandler) SetAvailability(c *gin.Context) {
	id := c.Param("id")
	if !requireDriver(c, id) {
		return
	}
	var req availabilityReq
	if err := c.ShouldBindJSON(&req); err != nil || req.Available == nil {
		writeError(c, http.StatusBadRequest, "missing available")
		return
	}
	if err := h.drivers.SetAvailability(c.Request.Context(), types.ID(id), *req.Available); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"driver_id": id, "available": *req.Available})
}

// UpdateLocation queues the position for tracking. Dropped positions under
// load still answer 202; the next update supersedes them.
func (h *DriverHandler) UpdateLocation(c *gin.Context) {
	id := c.Param("id")
	if !requireDriver(c, id) {
		return
	}
	var req pointReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	p, ok := req.point()
	if !ok || !geo.Valid(p) {
		writeError(c, http.StatusBadRequest, tracking.ErrBadPosition.Error())
		return
	}
	if err := h.positions.SubmitPosition(tracking.Position{DriverID: types.ID(id), Point: p, At: h.now()}); err != nil {
		h.log.Debug("position dropped", "driver_id", id, "error", err)
	}
	writeJSON(c, http.StatusAccepted, map[string]any{"driver_id": id})
}

func (h *DriverHandler) Respond(c *gin.Context) {
	id := c.Param("id")
	if !requireDriver(c, id) {
		return
	}
	var req respondReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
	}
	decision := matching.Decision(req.Decision)
	if !decision.Valid() {
		writeError(c, http.StatusBadRequest, matching.ErrBadDecision.Error())
		return
	}
	rideID := types.ID(c.Param("rideId"))
	if _, err := h.matching.Respond(c.Request.Context(), matching.DriverResponse{
		DriverID: types.ID(id),
		RideID:   rideID,
		Decision: decision,
	}); err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, map[string]any{"ride_id": rideID, "decision": decision})
}
