// README: Base handler utilities (JSON helpers, error mapping, caller checks).
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/events"
	"ridecore/internal/http/middleware"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/matching"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/modules/tracking"
	"ridecore/internal/types"
)

const msgUnavailable = "this ride is no longer available"

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(c *gin.Context, status int, v any) {
	c.JSON(status, v)
}

func writeError(c *gin.Context, status int, msg string) {
	writeJSON(c, status, errorResponse{Error: msg})
}

func writeServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ride.ErrBadRequest), errors.Is(err, matching.ErrBadDecision),
		errors.Is(err, tracking.ErrBadPosition), errors.Is(err, pricing.ErrUnknownClass):
		writeError(c, http.StatusBadRequest, err.Error())
	case errors.Is(err, ride.ErrNotFound), errors.Is(err, driver.ErrNotFound):
		writeError(c, http.StatusNotFound, err.Error())
	case errors.Is(err, ride.ErrForbidden):
		writeError(c, http.StatusForbidden, err.Error())
	case errors.Is(err, ride.ErrActiveRide):
		writeError(c, http.StatusConflict, err.Error())
	case errors.Is(err, ride.ErrInvalidState), errors.Is(err, ride.ErrConflict),
		errors.Is(err, matching.ErrNoLongerAvailable), errors.Is(err, matching.ErrNotPending):
		writeError(c, http.StatusConflict, msgUnavailable)
	case errors.Is(err, events.ErrQueueFull):
		writeError(c, http.StatusServiceUnavailable, "dispatch queue is full, retry shortly")
	default:
		writeError(c, http.StatusInternalServerError, "internal error")
	}
}

// requireDriver lets a driver act only for their own id.
func requireDriver(c *gin.Context, id string) bool {
	if middleware.CallerRole(c) != middleware.RoleDriver {
		writeError(c, http.StatusForbidden, "driver role required")
		return false
	}
	if middleware.CallerUID(c) != id {
		writeError(c, http.StatusForbidden, "cannot act for another driver")
		return false
	}
	return true
}

func isAdmin(c *gin.Context) bool {
	return middleware.CallerRole(c) == middleware.RoleAdmin
}

// canView reports whether the caller is the rider, the assigned driver or an admin.
func canView(c *gin.Context, r *ride.Ride) bool {
	uid := types.ID(middleware.CallerUID(c))
	return isAdmin(c) || r.RiderID == uid || r.AssignedTo(uid)
}

type pointReq struct {
	Lat *float64 `json:"lat"`
	Lng *float64 `json:"lng"`
}

func (p pointReq) point() (types.Point, bool) {
	if p.Lat == nil || p.Lng == nil {
		return types.Point{}, false
	}
	return types.Point{Lat: *p.Lat, Lng: *p.Lng}, true
}

type pointResp struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

func toPointResp(p types.Point) pointResp {
	return pointResp{Lat: p.Lat, Lng: p.Lng}
}

type moneyResp struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func toMoneyResp(m types.Money) moneyResp {
	return moneyResp{Amount: m.Amount, Currency: m.Currency}
}
