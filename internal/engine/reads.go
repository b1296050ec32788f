package engine

import (
	"context"

	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/payment"
)

// SlotMapEntry is one row of the snapshot gates pull every few seconds.
type SlotMapEntry struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Occupied bool    `json:"occupied"`
	Plate    *string `json:"plate"`
	Version  int     `json:"version"`
}

// SlotsMap is the wholesale mirror snapshot, keyed by slotid.
type SlotsMap struct {
	Slots map[string]SlotMapEntry `json:"slots"`
	Ts    string                  `json:"ts"`
}

func (e *Engine) Slots(ctx context.Context) ([]core.Slot, error) {
	return e.store.Slots(ctx)
}

func (e *Engine) SlotsMap(ctx context.Context) (SlotsMap, error) {
	slots, err := e.store.Slots(ctx)
	if err != nil {
		return SlotsMap{}, err
	}
	m := make(map[string]SlotMapEntry, len(slots))
	for _, s := range slots {
		m[s.SlotID] = SlotMapEntry{X: s.X, Y: s.Y, Occupied: s.Occupied, Plate: s.Plate, Version: s.Version}
	}
	return SlotsMap{Slots: m, Ts: clock.ISO(e.clk.Now())}, nil
}

// SlotInfo joins a slot with its open session and what the driver would owe
// if they left right now.
func (e *Engine) SlotInfo(ctx context.Context, slotID string) (core.SlotInfo, error) {
	slot, err := e.store.Slot(ctx, slotID)
	if err != nil {
		return core.SlotInfo{}, err
	}
	info := core.SlotInfo{Slot: slot}
	if !slot.Occupied {
		return info, nil
	}
	veh, ok, err := e.store.OpenVehicleBySlot(ctx, slotID)
	if err != nil {
		return core.SlotInfo{}, err
	}
	if ok {
		fee, _ := payment.Quote(veh.TimeIn, e.clk.Now(), e.fee)
		info.Vehicle = &veh
		info.FeeNow = &fee
	}
	return info, nil
}

// Gates lists the registry with the online flag derived from last_sync.
func (e *Engine) Gates(ctx context.Context) ([]core.Gate, error) {
	gates, err := e.store.Gates(ctx)
	if err != nil {
		return nil, err
	}
	now := e.clk.Now()
	for i := range gates {
		gates[i].Online = gates[i].IsOnline(now)
	}
	return gates, nil
}

func (e *Engine) Vehicles(ctx context.Context, open *bool) ([]core.Vehicle, error) {
	return e.store.Vehicles(ctx, open)
}

func (e *Engine) Transactions(ctx context.Context, status, plate string, limit int) ([]core.Transaction, error) {
	return e.store.Transactions(ctx, status, core.NormalizePlate(plate), limit)
}

// Ping reports whether the authoritative store answers.
func (e *Engine) Ping(ctx context.Context) error {
	return e.store.Ping(ctx)
}
