// README: HTTP router registration.
package http

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"ridecore/internal/http/handlers"
	"ridecore/internal/http/middleware"
	"ridecore/internal/infra"
	"ridecore/internal/modules/ride"
)

// Bus is the asynchronous side of the engine the API submits into.
type Bus interface {
	handlers.Dispatch
	handlers.PositionSink
}

type RouterDeps struct {
	Rides      *ride.Service
	Drivers    handlers.DriverRegistry
	Pricing    handlers.Quoter
	Matching   handlers.Responder
	Bus        Bus
	Subscriber handlers.Subscriber
	Verifier   infra.TokenVerifier
	Logger     *slog.Logger
	// AllowOrigins configures CORS; empty allows any origin.
	AllowOrigins []string
}

func NewRouter(deps RouterDeps) *gin.Engine {
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	r := gin.New()
	r.Use(middleware.Recovery(log), middleware.Logging(log), cors.New(corsConfig(deps.AllowOrigins)))

	r.GET("/health", func(c *gin.Context) {
		c.String(http.StatusOK, "OK")
	})

	api := r.Group("/api", middleware.Auth(deps.Verifier))

	quotes := handlers.NewQuoteHandler(deps.Pricing)
	api.POST("/quotes", quotes.Quote)

	rides := handlers.NewRideHandler(deps.Rides, deps.Bus, log)
	api.POST("/rides", rides.Create)
	api.GET("/rides/:id", rides.Get)
	api.POST("/rides/:id/cancel", rides.Cancel)
	api.POST("/rides/:id/payment/confirm", rides.ConfirmPayment)
	api.POST("/rides/:id/start", rides.Start)
	api.POST("/rides/:id/complete", rides.Complete)

	drivers := handlers.NewDriverHandler(deps.Drivers, deps.Bus, deps.Matching, log)
	api.PUT("/drivers/:id", drivers.Upsert)
	api.POST("/drivers/:id/availability", drivers.SetAvailability)
	api.POST("/drivers/:id/location", drivers.UpdateLocation)
	api.POST("/drivers/:id/rides/:rideId/respond", drivers.Respond)

	if deps.Subscriber != nil {
		streams := handlers.NewStreamHandler(deps.Rides, deps.Subscriber, deps.AllowOrigins, log)
		ws := r.Group("/ws", middleware.Auth(deps.Verifier))
		ws.GET("/rides/:id", streams.Ride)
		ws.GET("/drivers/:id", streams.Driver)
	}

	return r
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders:  []string{"Authorization", "Content-Type"},
		ExposeHeaders: []string{"Content-Length"},
		MaxAge:        12 * time.Hour,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cfg
}
