// Package reconciler runs the gate node's two background loops: the
// snapshot puller that keeps the local mirror fresh, and the queue
// drainer that uploads offline events oldest-first. Both share one
// circuit breaker so a dead cloud is probed once, not hammered twice.
package reconciler

import (
	"context"
	"encoding/json"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/parkgrid/parking/internal/breaker"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/images"
	"github.com/parkgrid/parking/internal/localstore"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/metrics"
	"github.com/parkgrid/parking/pkg/cloudapi"
)

// Config tunes the loops.
type Config struct {
	// SnapshotEvery is the mirror refresh cadence. Defaults to 3s.
	// A small jitter is added so a fleet of gates does not stampede.
	SnapshotEvery time.Duration

	// DrainEvery is the queue drain cadence. Defaults to 2s.
	DrainEvery time.Duration

	// DrainBatch caps events pushed per pass. Defaults to 32.
	DrainBatch int
}

// Reconciler converges the gate's local state with the cloud.
type Reconciler struct {
	cloud *cloudapi.Client
	local *localstore.Store
	brk   *breaker.Breaker
	imgs  *images.Store
	clk   clock.Clock
	cfg   Config
	log   zerolog.Logger

	mu       sync.Mutex
	lastPull time.Time
}

// New wires a reconciler. Run starts the loops. imgs may be nil when the
// gate takes no captures; queued events then travel with their paths as-is.
func New(cloud *cloudapi.Client, local *localstore.Store, brk *breaker.Breaker, imgs *images.Store, clk clock.Clock, cfg Config) *Reconciler {
	if cfg.SnapshotEvery == 0 {
		cfg.SnapshotEvery = 3 * time.Second
	}
	if cfg.DrainEvery == 0 {
		cfg.DrainEvery = 2 * time.Second
	}
	if cfg.DrainBatch == 0 {
		cfg.DrainBatch = 32
	}
	if clk == nil {
		clk = clock.System()
	}
	r := &Reconciler{
		cloud: cloud,
		local: local,
		brk:   brk,
		imgs:  imgs,
		clk:   clk,
		cfg:   cfg,
		log:   log.WithComponent("reconciler"),
	}
	// A gate that reboots offline still knows how stale its mirror is.
	if iso, ok, err := local.SyncState(context.Background(), localstore.KeyLastCloudOK); err == nil && ok {
		if t, err := clock.ParseISO(iso); err == nil {
			r.lastPull = t
		}
	}
	return r
}

// LastSnapshot reports when the mirror was last refreshed from the cloud.
func (r *Reconciler) LastSnapshot() (time.Time, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastPull, !r.lastPull.IsZero()
}

// Run drives both loops until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.snapshotLoop(ctx) })
	g.Go(func() error { return r.drainLoop(ctx) })
	return g.Wait()
}

// ====== Snapshot loop ======

func (r *Reconciler) snapshotLoop(ctx context.Context) error {
	// Pull immediately so the gate boots warm instead of serving an
	// empty mirror for the first interval.
	if err := r.SnapshotOnce(ctx); err != nil {
		r.log.Warn().Err(err).Msg("initial snapshot failed")
	}
	timer := time.NewTimer(r.jittered())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			if err := r.SnapshotOnce(ctx); err != nil {
				r.log.Warn().Err(err).Msg("snapshot pull failed")
			}
			if last, ok := r.LastSnapshot(); ok {
				metrics.SnapshotAge.Set(r.clk.Now().Sub(last).Seconds())
			}
			timer.Reset(r.jittered())
		}
	}
}

func (r *Reconciler) jittered() time.Duration {
	base := r.cfg.SnapshotEvery
	return base + time.Duration(rand.Int63n(int64(base/4)+1))
}

// SnapshotOnce pulls the cloud slot map and swaps it into the mirror.
// While the breaker is open the pull is skipped, not failed.
func (r *Reconciler) SnapshotOnce(ctx context.Context) error {
	report, err := r.brk.Allow()
	if err != nil {
		metrics.SnapshotPulls.WithLabelValues("skipped").Inc()
		return nil
	}

	m, err := r.cloud.SlotsMap(ctx)
	if err != nil {
		report(!cloudapi.IsTransient(err))
		metrics.SnapshotPulls.WithLabelValues("error").Inc()
		return err
	}
	report(true)

	slots := make(map[string]localstore.Slot, len(m.Slots))
	for id, s := range m.Slots {
		slots[id] = localstore.Slot{
			SlotID:   id,
			X:        s.X,
			Y:        s.Y,
			Occupied: s.Occupied,
			Plate:    s.Plate,
			Version:  s.Version,
		}
	}
	if err := r.local.ReplaceSnapshot(ctx, slots); err != nil {
		metrics.SnapshotPulls.WithLabelValues("error").Inc()
		return err
	}

	now := r.clk.Now()
	r.mu.Lock()
	r.lastPull = now
	r.mu.Unlock()
	if err := r.local.SetSyncState(ctx, localstore.KeyLastCloudOK, clock.ISO(now)); err != nil {
		r.log.Warn().Err(err).Msg("persisting last_cloud_ok_at failed")
	}
	metrics.SnapshotPulls.WithLabelValues("ok").Inc()
	metrics.SnapshotAge.Set(0)
	return nil
}

// ====== Drain loop ======

func (r *Reconciler) drainLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.DrainEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := r.DrainOnce(ctx); err != nil {
				r.log.Warn().Err(err).Msg("drain pass failed")
			}
		}
	}
}

// DrainOnce pushes pending events oldest-first. A transient failure
// stops the pass so later events cannot overtake the stuck one; a domain
// rejection parks the event and moves on. Returns how many events left
// the pending state.
func (r *Reconciler) DrainOnce(ctx context.Context) (int, error) {
	events, err := r.local.PendingOldestFirst(ctx, r.cfg.DrainBatch)
	if err != nil {
		return 0, err
	}

	advanced := 0
	for _, ev := range events {
		report, err := r.brk.Allow()
		if err != nil {
			break
		}

		pushErr := r.push(ctx, ev)
		switch {
		case pushErr == nil:
			report(true)
			if err := r.local.MarkDone(ctx, ev.ID); err != nil {
				r.log.Error().Err(err).Str("event", ev.EventID).Msg("mark done failed")
			}
			metrics.Drained.WithLabelValues("done").Inc()
			advanced++

		case !cloudapi.IsTransient(pushErr):
			// The cloud answered and refused. Retrying the same payload
			// can never succeed, so park it where the operator can see it.
			report(true)
			detail := rejectionDetail(pushErr)
			if err := r.local.MarkRejected(ctx, ev.ID, detail); err != nil {
				r.log.Error().Err(err).Str("event", ev.EventID).Msg("mark rejected failed")
			}
			metrics.Drained.WithLabelValues("rejected").Inc()
			r.log.Warn().
				Str("event", ev.EventID).
				Str("type", ev.Type).
				Str("detail", detail).
				Msg("cloud rejected queued event")
			advanced++

		default:
			report(false)
			if err := r.local.RecordError(ctx, ev.ID, pushErr.Error()); err != nil {
				r.log.Error().Err(err).Str("event", ev.EventID).Msg("record error failed")
			}
			metrics.Drained.WithLabelValues("retry").Inc()
			r.updateQueueDepth(ctx)
			return advanced, pushErr
		}
	}

	r.updateQueueDepth(ctx)
	return advanced, nil
}

func (r *Reconciler) push(ctx context.Context, ev localstore.Event) error {
	switch ev.Type {
	case localstore.TypeVehicleIn:
		var in cloudapi.InEvent
		if err := json.Unmarshal(ev.Payload, &in); err != nil {
			return &cloudapi.APIError{Status: 400, Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		in.Image = r.uploadLocalCapture(ctx, images.KindIn, in.Plate, in.Image)
		_, err := r.cloud.VehicleIn(ctx, in)
		return err
	case localstore.TypeVehicleOut:
		var out cloudapi.OutEvent
		if err := json.Unmarshal(ev.Payload, &out); err != nil {
			return &cloudapi.APIError{Status: 400, Code: "BAD_PAYLOAD", Message: err.Error()}
		}
		out.Image = r.uploadLocalCapture(ctx, images.KindOut, out.Plate, out.Image)
		_, err := r.cloud.VehicleOut(ctx, out)
		return err
	default:
		return &cloudapi.APIError{Status: 400, Code: "BAD_EVENT_TYPE", Message: ev.Type}
	}
}

// uploadLocalCapture swaps an event's "local:" capture path for a cloud
// path by uploading the file first. Delivering the event outranks the
// image: any upload failure keeps the local path and the push proceeds.
func (r *Reconciler) uploadLocalCapture(ctx context.Context, kind, plate, path string) string {
	if !strings.HasPrefix(path, images.LocalPrefix) || r.imgs == nil {
		return path
	}
	rel := strings.TrimPrefix(path, images.LocalPrefix)
	data, err := r.imgs.ReadFile(rel)
	if err != nil {
		r.log.Warn().Err(err).Str("path", rel).Msg("queued capture unreadable, keeping local path")
		return path
	}
	cloudPath, err := r.cloud.UploadImage(ctx, kind, plate, data)
	if err != nil {
		r.log.Warn().Err(err).Str("path", rel).Msg("capture upload failed, keeping local path")
		return path
	}
	return cloudPath
}

func (r *Reconciler) updateQueueDepth(ctx context.Context) {
	counts, err := r.local.QueueCounts(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.Set(float64(counts.Pending))
}

func rejectionDetail(err error) string {
	if ae, ok := cloudapi.AsAPIError(err); ok {
		return ae.Code
	}
	return err.Error()
}
