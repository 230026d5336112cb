// README: Fare quote handler.
package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"ridecore/internal/modules/pricing"
	"ridecore/internal/types"
)

type Quoter interface {
	Quote(ctx context.Context, req pricing.QuoteRequest) (pricing.Quote, error)
}

type QuoteHandler struct {
	pricing Quoter
}

func NewQuoteHandler(pricing Quoter) *QuoteHandler {
	return &QuoteHandler{pricing: pricing}
}

type quoteReq struct {
	Pickup       pointReq `json:"pickup"`
	Destination  pointReq `json:"destination"`
	VehicleClass string   `json:"vehicle_class"`
}

type quoteResp struct {
	VehicleClass  string    `json:"vehicle_class"`
	DistanceKm    float64   `json:"distance_km"`
	DurationSec   float64   `json:"duration_sec"`
	TrafficFactor float64   `json:"traffic_factor"`
	Surge         float64   `json:"surge"`
	Price         moneyResp `json:"price"`
	DriverCount   int       `json:"drivers_nearby"`
}

func (h *QuoteHandler) Quote(c *gin.Context) {
	var req quoteReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid json")
		return
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
	q, err := h.pricing.Quote(c.Request.Context(), pricing.QuoteRequest{
		Pickup:       pickup,
		Destination:  destination,
		VehicleClass: types.VehicleClass(req.VehicleClass),
	})
	if err != nil {
		writeServiceError(c, err)
		return
	}
	writeJSON(c, http.StatusOK, quoteResp{
		VehicleClass:  string(q.VehicleClass),
		DistanceKm:    q.DistanceKm,
		DurationSec:   q.DurationSec,
		TrafficFactor: q.TrafficFactor,
		Surge:         q.Surge,
		Price:         toMoneyResp(q.Price),
		DriverCount:   q.DriverCount,
	})
}
