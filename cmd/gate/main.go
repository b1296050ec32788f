// Command gate runs a gate node: the lane-facing HTTP API over a local
// SQLite mirror and durable event queue, the websocket link down from the
// cloud, and the reconciler loops that keep both sides converged. The node
// answers lanes from local state first and survives cloud outages.
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

	"github.com/parkgrid/parking/internal/breaker"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/config"
	"github.com/parkgrid/parking/internal/gateapi"
	"github.com/parkgrid/parking/internal/gatelink"
	"github.com/parkgrid/parking/internal/images"
	"github.com/parkgrid/parking/internal/localstore"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/metrics"
	"github.com/parkgrid/parking/internal/reconciler"
	"github.com/parkgrid/parking/pkg/cloudapi"
)

func main() {
	_ = godotenv.Load()
	log.Configure(log.Config{Service: "parkgrid-gate"})
	logger := log.WithComponent("main")

	cfg, err := config.LoadGate()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clk := clock.System()

	local, err := localstore.Open(cfg.DBPath, clk)
	if err != nil {
		logger.Fatal().Err(err).Msg("local store")
	}
	defer local.Close()

	img, err := images.New(cfg.ImagesDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("images dir")
	}

	// One breaker guards every cloud call the node makes: snapshot pulls,
	// queue drains, inline pushes and image uploads.
	brk := breaker.New(breaker.Config{
		OnStateChange: func(from, to breaker.State) {
			metrics.BreakerState.Set(breakerGauge(to))
			logger.Warn().Str("from", from.String()).Str("to", to.String()).Msg("breaker state change")
		},
	}, clk)

	cloud := cloudapi.NewClient(cloudapi.Config{
		BaseURL: cfg.CloudAPI,
		Token:   cfg.SecretToken,
		GateID:  cfg.GateID,
		Timeout: 5 * time.Second,
	})

	// Websocket deltas land straight in the mirror. MarkOccupied and
	// MarkFree leave the cloud version column alone; only snapshots move it.
	link := gatelink.New(gatelink.Config{
		URL:            cloud.WSURL(cfg.GateID),
		GateID:         cfg.GateID,
		HeartbeatEvery: cfg.HeartbeatInterval,
		PingEvery:      cfg.PingInterval,
	}, func(slotID string, occupied bool, plate *string) {
		applyCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		var err error
		if occupied {
			p := ""
			if plate != nil {
				p = *plate
			}
			err = local.MarkOccupied(applyCtx, slotID, p)
		} else {
			err = local.MarkFree(applyCtx, slotID)
		}
		if err != nil {
			logger.Warn().Err(err).Str("slotid", slotID).Msg("slot update not applied")
		}
	}, clk)

	rec := reconciler.New(cloud, local, brk, img, clk, reconciler.Config{
		SnapshotEvery: cfg.SnapshotInterval,
		DrainEvery:    cfg.DrainInterval,
	})

	srv := gateapi.NewServer(gateapi.Deps{
		GateID:     cfg.GateID,
		Token:      cfg.SecretToken,
		Local:      local,
		Cloud:      cloud,
		Breaker:    brk,
		Link:       link,
		Reconciler: rec,
		Images:     img,
		Clock:      clk,
	})

	httpSrv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      srv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return link.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx) })
	g.Go(func() error {
		logger.Info().Str("addr", cfg.HTTPAddr).Str("gate", cfg.GateID).Msg("gate api listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("gate exited")
	}
	logger.Info().Msg("gate stopped")
}

// breakerGauge maps breaker states onto park_gate_breaker_state:
// 0 closed, 1 half-open, 2 open.
func breakerGauge(s breaker.State) float64 {
	switch s {
	case breaker.StateHalfOpen:
		return 1
	case breaker.StateOpen:
		return 2
	default:
		return 0
	}
}
