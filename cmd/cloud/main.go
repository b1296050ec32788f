// Command cloud runs the authoritative side of the parking system: the
// mutation engine over Postgres, the reservation registry over Redis, the
// gate websocket hub and the operator HTTP API, all on one listener.
//
// Configuration comes from the environment (see internal/config); a local
// .env file is honoured for development.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/parkgrid/parking/internal/api"
	"github.com/parkgrid/parking/internal/bus"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/config"
	"github.com/parkgrid/parking/internal/engine"
	"github.com/parkgrid/parking/internal/images"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/payment"
	"github.com/parkgrid/parking/internal/reserve"
	"github.com/parkgrid/parking/internal/store"
)

func main() {
	_ = godotenv.Load()
	log.Configure(log.Config{Service: "parkgrid-cloud"})
	logger := log.WithComponent("main")

	cfg, err := config.LoadCloud()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.System()

	// Store: Postgres when configured, in-memory otherwise. The in-memory
	// store keeps single-binary demos and CI alive without a database.
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.OpenPostgres(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres")
		}
		defer pg.Close()
		if err := store.Migrate(ctx, pg.DB()); err != nil {
			logger.Fatal().Err(err).Msg("migrations")
		}
		st = pg
		logger.Info().Msg("store: postgres")
	} else {
		st = store.NewMemory()
		logger.Warn().Msg("store: in-memory, data is lost on restart (set DATABASE_URL)")
	}

	// Hub first: the relay and the engine both hang off it.
	hub := bus.NewHub(st, clk)

	// Reservations and the cross-pod relay share one Redis. Without Redis
	// the registry is process-local and broadcasts stay on this pod.
	var (
		reg   reserve.Registry
		relay *bus.Relay
	)
	if cfg.RedisURL != "" {
		rds, err := reserve.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("redis")
		}
		defer rds.Close()
		reg = rds
		relay = bus.NewRelay(rds.Client(), hub)
		logger.Info().Msg("reservations: redis")
	} else {
		reg = reserve.NewMemory()
		logger.Warn().Msg("reservations: in-memory, single pod only (set REDIS_URL)")
	}

	img, err := images.New(cfg.ImagesDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("images dir")
	}

	eng := engine.New(st, reg, hub, clk, engine.Config{Fee: cfg.Fee, ReserveTTL: cfg.ReserveTTL})
	pay := payment.NewService(st, clk, cfg.Bank, cfg.Fee)
	srv := api.NewServer(eng, pay, hub, img, cfg.SecretToken)

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx) })
	}
	g.Go(func() error {
		retention := time.Duration(cfg.RetentionDays) * 24 * time.Hour
		return eng.RunRetention(gctx, retention)
	})
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Msg("cloud api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("cloud exited")
	}
	logger.Info().Msg("cloud stopped")
}
