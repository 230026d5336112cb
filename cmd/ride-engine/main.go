// README: Entry point; loads config, wires services, runs the API, dispatch workers, tracking heartbeat, prebook sweeper and broker consumer.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"ridecore/internal/broker"
	"ridecore/internal/config"
	"ridecore/internal/events"
	httptransport "ridecore/internal/http"
	"ridecore/internal/infra"
	"ridecore/internal/maps"
	"ridecore/internal/modules/driver"
	"ridecore/internal/modules/matching"
	"ridecore/internal/modules/prebook"
	"ridecore/internal/modules/pricing"
	"ridecore/internal/modules/ride"
	"ridecore/internal/modules/tracking"
	"ridecore/internal/notify"
)

// memoryDSN runs rides in process memory, for local development.
const memoryDSN = "memory"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	log := infra.NewLogger(os.Stdout, "ride-engine", cfg.Log.Level)
	slog.SetDefault(log)

	if err := run(cfg, log); err != nil {
		log.Error("ride engine stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Firebase.ProjectID == "" {
		return errors.New("RIDE_FIREBASE_PROJECT_ID is required")
	}
	app, err := infra.NewFirebaseApp(ctx, cfg.Firebase.ProjectID, cfg.Firebase.CredentialsFile)
	if err != nil {
		return err
	}
	verifier, err := infra.NewFirebaseVerifier(ctx, app)
	if err != nil {
		return err
	}
	var notifier notify.Notifier = notify.NewLog(log)
	if fcm, err := infra.NewMessaging(ctx, app); err != nil {
		log.Warn("fcm unavailable, notifications are logged only", "error", err)
	} else {
		notifier = notify.NewFCM(fcm, log)
	}

	redisClient, err := infra.NewRedis(ctx, cfg.Redis.Addr)
	if err != nil {
		return err
	}
	defer redisClient.Close()
	publisher := notify.NewRedisPublisher(redisClient)
	drivers := driver.NewStore(redisClient)

	var rideStore ride.Repository
	var demand pricing.DemandCounter
	var rateStore *pricing.Store
	if cfg.DB.DSN == memoryDSN {
		log.Warn("using in-memory ride store")
		mem := ride.NewMemStore()
		rideStore, demand = mem, mem
	} else {
		pool, err := infra.NewDB(ctx, cfg.DB.DSN)
		if err != nil {
			return err
		}
		defer pool.Close()
		pg := ride.NewStore(pool)
		rideStore, demand = pg, pg
		rateStore = pricing.NewStore(pool)
	}

	pricingDeps := pricing.Deps{Supply: drivers, Demand: demand, Logger: log}
	if cfg.Maps.APIKey != "" {
		routes, err := maps.NewRouteService(cfg.Maps.APIKey)
		if err != nil {
			return err
		}
		pricingDeps.Road = routes
	}
	pricingSvc := pricing.NewService(cfg.Pricing, cfg.Surge, pricingDeps)
	if rateStore != nil {
		rates, err := rateStore.LoadRates(ctx)
		if err != nil {
			return err
		}
		pricingSvc.ApplyRates(rates)
		log.Info("vehicle rates loaded", "classes", len(rates))
	}

	rideSvc := ride.NewService(rideStore, ride.Deps{
		Pricing:   pricingSvc,
		Drivers:   drivers,
		Notifier:  notifier,
		Publisher: publisher,
		Logger:    log,
		MinAhead:  cfg.Prebook.MinAhead,
	})
	matchingSvc := matching.NewService(matching.NewStore(redisClient), rideSvc, drivers, pricingSvc, notifier, cfg.Matching, log)
	trackingSvc := tracking.NewService(rideSvc, drivers, publisher, notifier, cfg.Tracking, log)
	bus := events.NewBus(matchingSvc, trackingSvc, rideSvc, cfg.Dispatch, log)
	prebookSvc := prebook.NewService(rideSvc, bus, cfg.Prebook, log)

	router := httptransport.NewRouter(httptransport.RouterDeps{
		Rides:        rideSvc,
		Drivers:      drivers,
		Pricing:      pricingSvc,
		Matching:     matchingSvc,
		Bus:          bus,
		Subscriber:   publisher,
		Verifier:     verifier,
		Logger:       log,
		AllowOrigins: cfg.HTTP.CORSOrigins,
	})
	server := httptransport.NewServer(cfg.HTTP.Addr, router, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error { return bus.Run(gctx) })
	g.Go(func() error { return trackingSvc.Run(gctx) })
	g.Go(func() error { return prebookSvc.Run(gctx) })
	if cfg.AMQP.URL != "" {
		consumer := broker.NewConsumer(cfg.AMQP.URL, bus, log)
		g.Go(func() error { return consumer.Run(gctx) })
	} else {
		log.Info("RIDE_AMQP_URL not set, broker consumer disabled")
	}

	log.Info("ride engine started", "addr", cfg.HTTP.Addr)
	return g.Wait()
}
