// Package engine is the cloud mutation engine: every state change runs as
// one store transaction keyed by a client event_id, so gates can retry
// events forever and the effect lands exactly once.
package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/parkgrid/parking/internal/bus"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/config"
	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/metrics"
	"github.com/parkgrid/parking/internal/payment"
	"github.com/parkgrid/parking/internal/reserve"
	"github.com/parkgrid/parking/internal/store"
)

// Broadcaster fans committed mutations out to the connected gates.
type Broadcaster interface {
	Broadcast(enc bus.Encoded)
}

// Config carries the engine knobs that come from the deployment.
type Config struct {
	Fee        config.Fee
	ReserveTTL time.Duration
}

// Engine owns the mutation paths and the reads the HTTP layer exposes.
type Engine struct {
	store    store.Store
	registry reserve.Registry
	bus      Broadcaster
	clk      clock.Clock
	fee      config.Fee
	ttl      time.Duration
	log      zerolog.Logger
}

func New(st store.Store, reg reserve.Registry, b Broadcaster, clk clock.Clock, cfg Config) *Engine {
	ttl := cfg.ReserveTTL
	if ttl <= 0 {
		ttl = 15 * time.Second
	}
	return &Engine{
		store:    st,
		registry: reg,
		bus:      b,
		clk:      clk,
		fee:      cfg.Fee,
		ttl:      ttl,
		log:      log.WithComponent("engine"),
	}
}

// InEvent is the vehicle_in mutation payload. Ts is the client clock and is
// informational only; the server clock is authoritative.
type InEvent struct {
	EventID string  `json:"event_id"`
	GateID  string  `json:"gateid"`
	SlotID  string  `json:"slotid"`
	Plate   string  `json:"plate"`
	Image   *string `json:"image,omitempty"`
	Ts      float64 `json:"ts,omitempty"`
}

// InResult answers a vehicle_in. Dedup means the event was already applied
// and nothing changed this time.
type InResult struct {
	OK      bool   `json:"ok"`
	Dedup   bool   `json:"dedup,omitempty"`
	Plate   string `json:"plate,omitempty"`
	SlotID  string `json:"slotid,omitempty"`
	TimeIn  string `json:"time_in,omitempty"`
	Version int    `json:"version,omitempty"`
}

// OutEvent is the vehicle_out mutation payload.
type OutEvent struct {
	EventID string  `json:"event_id"`
	GateID  string  `json:"gateid"`
	Plate   string  `json:"plate"`
	Image   *string `json:"image,omitempty"`
	Ts      float64 `json:"ts,omitempty"`
}

// OutResult answers a vehicle_out with the authoritative fee.
type OutResult struct {
	OK              bool   `json:"ok"`
	Dedup           bool   `json:"dedup,omitempty"`
	Plate           string `json:"plate,omitempty"`
	SlotID          string `json:"slotid,omitempty"`
	Fee             int64  `json:"fee"`
	DurationMinutes int64  `json:"duration_minutes"`
	TimeOut         string `json:"time_out,omitempty"`
}

// VehicleIn admits a vehicle into a slot. The whole mutation runs in one
// transaction with the slot row locked, so two gates racing for one slot
// serialize and exactly one wins.
func (e *Engine) VehicleIn(ctx context.Context, ev InEvent) (InResult, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.Plate = core.NormalizePlate(ev.Plate)
	if ev.Plate == "" {
		return InResult{}, fault.New(fault.BadInput, "MISSING_PLATE", "plate is required")
	}
	if ev.GateID == "" {
		return InResult{}, fault.New(fault.BadInput, "MISSING_GATE", "gateid is required")
	}
	if ev.SlotID == "" {
		return InResult{}, fault.New(fault.BadInput, "MISSING_SLOT", "slotid is required")
	}

	now := e.clk.Now()
	t0 := time.Now()
	res := InResult{OK: true}

	err := e.store.Mutate(ctx, func(tx store.Tx) error {
		seen, err := tx.HasProcessedEvent(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if seen {
			res.Dedup = true
			return nil
		}
		if err := requireGate(ctx, tx, ev.GateID); err != nil {
			return err
		}
		slot, err := tx.SlotForUpdate(ctx, ev.SlotID)
		if err != nil {
			return err
		}
		if slot.Occupied {
			return fault.Errorf(fault.Conflict, "SLOT_OCCUPIED", "slot %s is occupied", ev.SlotID)
		}
		// Soft reservations are advisory: a registry outage must not block
		// entries, the row lock still serializes.
		if owner, _, held, regErr := e.registry.Owner(ctx, ev.SlotID); regErr == nil && held && owner != ev.GateID {
			return fault.Errorf(fault.Conflict, "SLOT_RESERVED", "slot %s is reserved by %s", ev.SlotID, owner)
		}
		if _, open, err := tx.OpenVehicleByPlate(ctx, ev.Plate); err != nil {
			return err
		} else if open {
			return fault.Errorf(fault.Conflict, "VEHICLE_OPEN", "plate %s already has an open session", ev.Plate)
		}
		if _, err := tx.InsertVehicle(ctx, core.Vehicle{
			Plate:   ev.Plate,
			SlotID:  ev.SlotID,
			TimeIn:  now,
			ImageIn: ev.Image,
			GateIn:  ev.GateID,
		}); err != nil {
			return err
		}
		if _, err := tx.InsertTransaction(ctx, core.Transaction{
			Plate:  ev.Plate,
			SlotID: ev.SlotID,
			TimeIn: now,
			Status: core.TxOpen,
			GateIn: ev.GateID,
		}); err != nil {
			return err
		}
		version, err := tx.SetSlotOccupancy(ctx, ev.SlotID, true, &ev.Plate, now)
		if err != nil {
			return err
		}
		res.Version = version
		return tx.InsertProcessedEvent(ctx, core.ProcessedEvent{
			EventID:     ev.EventID,
			GateID:      ev.GateID,
			EventType:   core.EventVehicleIn,
			ProcessedAt: now,
		})
	})
	if err != nil {
		metrics.ObserveMutation(core.EventVehicleIn, outcomeOf(err), time.Since(t0))
		return InResult{}, err
	}
	if res.Dedup {
		metrics.ObserveMutation(core.EventVehicleIn, "dedup", time.Since(t0))
		return res, nil
	}

	if err := e.registry.Release(ctx, ev.SlotID); err != nil {
		e.log.Warn().Err(err).Str("slotid", ev.SlotID).Msg("reservation release failed, key will expire")
	}
	e.bus.Broadcast(bus.SlotUpdate(ev.SlotID, true, &ev.Plate))
	e.bus.Broadcast(bus.VehicleIn(ev.Plate, ev.SlotID, ev.GateID, clock.ISO(now)))
	metrics.ObserveMutation(core.EventVehicleIn, "ok", time.Since(t0))
	e.log.Info().Str("plate", ev.Plate).Str("slotid", ev.SlotID).Str("gate", ev.GateID).Msg("vehicle in")

	res.Plate = ev.Plate
	res.SlotID = ev.SlotID
	res.TimeIn = clock.ISO(now)
	return res, nil
}

// VehicleOut closes the plate's open session, bills it and frees the slot.
func (e *Engine) VehicleOut(ctx context.Context, ev OutEvent) (OutResult, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	ev.Plate = core.NormalizePlate(ev.Plate)
	if ev.Plate == "" {
		return OutResult{}, fault.New(fault.BadInput, "MISSING_PLATE", "plate is required")
	}
	if ev.GateID == "" {
		return OutResult{}, fault.New(fault.BadInput, "MISSING_GATE", "gateid is required")
	}

	now := e.clk.Now()
	t0 := time.Now()
	res := OutResult{OK: true}
	var slotID string

	err := e.store.Mutate(ctx, func(tx store.Tx) error {
		seen, err := tx.HasProcessedEvent(ctx, ev.EventID)
		if err != nil {
			return err
		}
		if seen {
			res.Dedup = true
			return nil
		}
		if err := requireGate(ctx, tx, ev.GateID); err != nil {
			return err
		}
		veh, open, err := tx.OpenVehicleByPlate(ctx, ev.Plate)
		if err != nil {
			return err
		}
		if !open {
			return fault.Errorf(fault.NotFound, "VEHICLE_NOT_FOUND", "no open session for plate %s", ev.Plate)
		}
		if _, err := tx.SlotForUpdate(ctx, veh.SlotID); err != nil {
			return err
		}
		txn, open, err := tx.OpenTransactionByPlate(ctx, ev.Plate)
		if err != nil {
			return err
		}
		if !open {
			return fault.Errorf(fault.Internal, "TRANSACTION_MISSING", "open session for %s has no open transaction", ev.Plate)
		}
		fee, minutes := payment.Quote(veh.TimeIn, now, e.fee)
		if err := tx.CloseVehicle(ctx, veh.ID, now, ev.Image, ev.GateID); err != nil {
			return err
		}
		if err := tx.CloseTransaction(ctx, txn.ID, now, fee, ev.GateID); err != nil {
			return err
		}
		if _, err := tx.SetSlotOccupancy(ctx, veh.SlotID, false, nil, now); err != nil {
			return err
		}
		slotID = veh.SlotID
		res.Fee = fee
		res.DurationMinutes = minutes
		return tx.InsertProcessedEvent(ctx, core.ProcessedEvent{
			EventID:     ev.EventID,
			GateID:      ev.GateID,
			EventType:   core.EventVehicleOut,
			ProcessedAt: now,
		})
	})
	if err != nil {
		metrics.ObserveMutation(core.EventVehicleOut, outcomeOf(err), time.Since(t0))
		return OutResult{}, err
	}
	if res.Dedup {
		metrics.ObserveMutation(core.EventVehicleOut, "dedup", time.Since(t0))
		return res, nil
	}

	e.bus.Broadcast(bus.SlotUpdate(slotID, false, nil))
	e.bus.Broadcast(bus.VehicleOut(ev.Plate, res.Fee, ev.GateID, clock.ISO(now)))
	metrics.ObserveMutation(core.EventVehicleOut, "ok", time.Since(t0))
	e.log.Info().Str("plate", ev.Plate).Str("slotid", slotID).Int64("fee", res.Fee).Msg("vehicle out")

	res.Plate = ev.Plate
	res.SlotID = slotID
	res.TimeOut = clock.ISO(now)
	return res, nil
}

// Heartbeat is the HTTP fallback for gates without a live bus session.
func (e *Engine) Heartbeat(ctx context.Context, gateID string) error {
	return e.store.TouchGateSync(ctx, gateID, e.clk.Now())
}

func requireGate(ctx context.Context, tx store.Tx, gateID string) error {
	ok, err := tx.GateExists(ctx, gateID)
	if err != nil {
		return err
	}
	if !ok {
		return fault.Errorf(fault.NotFound, "GATE_NOT_FOUND", "gate %s is not registered", gateID)
	}
	return nil
}

func outcomeOf(err error) string {
	switch fault.KindOf(err) {
	case fault.Conflict:
		return "conflict"
	case fault.NotFound:
		return "not_found"
	case fault.BadInput:
		return "bad_input"
	default:
		return "error"
	}
}
