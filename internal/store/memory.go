package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
)

// Memory implements Store without a database. The cloud boots on it when no
// DSN is configured (demo mode) and the engine's unit tests run against it.
// One mutex serializes every mutation, which trivially satisfies the same
// row-level guarantees the Postgres implementation gets from FOR UPDATE.
type Memory struct {
	mu    sync.RWMutex
	state *memState
}

type memState struct {
	slots     map[string]core.Slot
	gates     map[string]core.Gate
	vehicles  map[int64]core.Vehicle
	txs       map[int64]core.Transaction
	processed map[string]core.ProcessedEvent
	payments  map[string]core.Payment
	users     map[string]core.User
	nextVeh   int64
	nextTx    int64
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: &memState{
		slots:     map[string]core.Slot{},
		gates:     map[string]core.Gate{},
		vehicles:  map[int64]core.Vehicle{},
		txs:       map[int64]core.Transaction{},
		processed: map[string]core.ProcessedEvent{},
		payments:  map[string]core.Payment{},
		users:     map[string]core.User{},
		nextVeh:   1,
		nextTx:    1,
	}}
}

func (s *memState) clone() *memState {
	next := &memState{
		slots:     make(map[string]core.Slot, len(s.slots)),
		gates:     make(map[string]core.Gate, len(s.gates)),
		vehicles:  make(map[int64]core.Vehicle, len(s.vehicles)),
		txs:       make(map[int64]core.Transaction, len(s.txs)),
		processed: make(map[string]core.ProcessedEvent, len(s.processed)),
		payments:  make(map[string]core.Payment, len(s.payments)),
		users:     make(map[string]core.User, len(s.users)),
		nextVeh:   s.nextVeh,
		nextTx:    s.nextTx,
	}
	for k, v := range s.slots {
		next.slots[k] = v
	}
	for k, v := range s.gates {
		next.gates[k] = v
	}
	for k, v := range s.vehicles {
		next.vehicles[k] = v
	}
	for k, v := range s.txs {
		next.txs[k] = v
	}
	for k, v := range s.processed {
		next.processed[k] = v
	}
	for k, v := range s.payments {
		next.payments[k] = v
	}
	for k, v := range s.users {
		next.users[k] = v
	}
	return next
}

// Mutate runs fn against a clone and swaps it in only when fn succeeds, so a
// failed mutation leaves no partial writes behind.
func (m *Memory) Mutate(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.state.clone()
	if err := fn(&memTx{s: next}); err != nil {
		return err
	}
	m.state = next
	return nil
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

// =============================================================================
// TX VIEW
// =============================================================================

type memTx struct {
	s *memState
}

func (t *memTx) HasProcessedEvent(_ context.Context, eventID string) (bool, error) {
	_, ok := t.s.processed[eventID]
	return ok, nil
}

func (t *memTx) InsertProcessedEvent(_ context.Context, ev core.ProcessedEvent) error {
	if _, ok := t.s.processed[ev.EventID]; ok {
		return fault.Errorf(fault.Conflict, "DUPLICATE_EVENT", "event %s already processed", ev.EventID)
	}
	t.s.processed[ev.EventID] = ev
	return nil
}

func (t *memTx) GateExists(_ context.Context, gateID string) (bool, error) {
	_, ok := t.s.gates[gateID]
	return ok, nil
}

func (t *memTx) SlotForUpdate(_ context.Context, slotID string) (core.Slot, error) {
	s, ok := t.s.slots[slotID]
	if !ok {
		return core.Slot{}, fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	return s, nil
}

func (t *memTx) SetSlotOccupancy(_ context.Context, slotID string, occupied bool, plate *string, at time.Time) (int, error) {
	s, ok := t.s.slots[slotID]
	if !ok {
		return 0, fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	s.Occupied = occupied
	s.Plate = copyStr(plate)
	s.Version++
	s.UpdatedAt = at
	t.s.slots[slotID] = s
	return s.Version, nil
}

func (t *memTx) OpenVehicleByPlate(_ context.Context, plate string) (core.Vehicle, bool, error) {
	return t.s.openVehicleByPlate(plate)
}

func (t *memTx) InsertVehicle(_ context.Context, v core.Vehicle) (int64, error) {
	if _, ok, _ := t.s.openVehicleByPlate(v.Plate); ok {
		return 0, fault.Errorf(fault.Conflict, "VEHICLE_OPEN", "plate %s already has an open session", v.Plate)
	}
	v.ID = t.s.nextVeh
	t.s.nextVeh++
	v.ImageIn = copyStr(v.ImageIn)
	t.s.vehicles[v.ID] = v
	return v.ID, nil
}

func (t *memTx) CloseVehicle(_ context.Context, id int64, at time.Time, imageOut *string, gateOut string) error {
	v, ok := t.s.vehicles[id]
	if !ok || v.TimeOut != nil {
		return fault.Errorf(fault.NotFound, "VEHICLE_NOT_FOUND", "no open vehicle session %d", id)
	}
	out := at
	v.TimeOut = &out
	v.ImageOut = copyStr(imageOut)
	v.GateOut = core.StrPtr(gateOut)
	t.s.vehicles[id] = v
	return nil
}

func (t *memTx) OpenTransactionByPlate(_ context.Context, plate string) (core.Transaction, bool, error) {
	return t.s.openTxByPlate(plate)
}

func (t *memTx) InsertTransaction(_ context.Context, tr core.Transaction) (int64, error) {
	if _, ok, _ := t.s.openTxByPlate(tr.Plate); ok {
		return 0, fault.Errorf(fault.Conflict, "TRANSACTION_OPEN", "plate %s already has an open transaction", tr.Plate)
	}
	tr.ID = t.s.nextTx
	t.s.nextTx++
	tr.Status = core.TxOpen
	t.s.txs[tr.ID] = tr
	return tr.ID, nil
}

func (t *memTx) CloseTransaction(_ context.Context, id int64, at time.Time, fee int64, gateOut string) error {
	tr, ok := t.s.txs[id]
	if !ok || tr.Status != core.TxOpen {
		return fault.Errorf(fault.NotFound, "TRANSACTION_NOT_FOUND", "no open transaction %d", id)
	}
	out := at
	tr.TimeOut = &out
	tr.Fee = &fee
	tr.Status = core.TxClosed
	tr.GateOut = core.StrPtr(gateOut)
	t.s.txs[id] = tr
	return nil
}

func (s *memState) openVehicleByPlate(plate string) (core.Vehicle, bool, error) {
	for _, v := range s.vehicles {
		if v.Plate == plate && v.TimeOut == nil {
			return v, true, nil
		}
	}
	return core.Vehicle{}, false, nil
}

func (s *memState) openTxByPlate(plate string) (core.Transaction, bool, error) {
	for _, tr := range s.txs {
		if tr.Plate == plate && tr.Status == core.TxOpen {
			return tr, true, nil
		}
	}
	return core.Transaction{}, false, nil
}

// =============================================================================
// READS / SINGLE-ROW WRITES
// =============================================================================

func (m *Memory) Slots(context.Context) ([]core.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Slot, 0, len(m.state.slots))
	for _, s := range m.state.slots {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SlotID < out[j].SlotID })
	return out, nil
}

func (m *Memory) Slot(_ context.Context, slotID string) (core.Slot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.state.slots[slotID]
	if !ok {
		return core.Slot{}, fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	return s, nil
}

func (m *Memory) CreateSlot(_ context.Context, s core.Slot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.slots[s.SlotID]; ok {
		return fault.Errorf(fault.BadInput, "SLOT_EXISTS", "slot %s already exists", s.SlotID)
	}
	s.Occupied = false
	s.Plate = nil
	s.Version = 0
	m.state.slots[s.SlotID] = s
	return nil
}

func (m *Memory) UpdateSlotGeometry(_ context.Context, slotID string, x, y int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.slots[slotID]
	if !ok {
		return fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	s.X, s.Y = x, y
	s.Version++
	s.UpdatedAt = at
	m.state.slots[slotID] = s
	return nil
}

func (m *Memory) DeleteSlot(_ context.Context, slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.state.slots[slotID]
	if !ok {
		return fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	if s.Occupied {
		return fault.Errorf(fault.Conflict, "SLOT_OCCUPIED", "slot %s is occupied", slotID)
	}
	delete(m.state.slots, slotID)
	return nil
}

func (m *Memory) Gates(_ context.Context) ([]core.Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.Gate, 0, len(m.state.gates))
	for _, g := range m.state.gates {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GateID < out[j].GateID })
	return out, nil
}

func (m *Memory) Gate(_ context.Context, gateID string) (core.Gate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	g, ok := m.state.gates[gateID]
	if !ok {
		return core.Gate{}, fault.Errorf(fault.NotFound, "GATE_NOT_FOUND", "no gate %s", gateID)
	}
	return g, nil
}

func (m *Memory) UpsertGate(_ context.Context, g core.Gate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.state.gates[g.GateID]; ok {
		g.LastSync = prev.LastSync
	}
	m.state.gates[g.GateID] = g
	return nil
}

func (m *Memory) TouchGateSync(_ context.Context, gateID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.state.gates[gateID]
	if !ok {
		return fault.Errorf(fault.NotFound, "GATE_NOT_FOUND", "no gate %s", gateID)
	}
	t := at
	g.LastSync = &t
	m.state.gates[gateID] = g
	return nil
}

func (m *Memory) Vehicles(_ context.Context, open *bool) ([]core.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Vehicle
	for _, v := range m.state.vehicles {
		switch {
		case open == nil:
		case *open && v.TimeOut != nil:
			continue
		case !*open && v.TimeOut == nil:
			continue
		}
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeIn.After(out[j].TimeIn) })
	return out, nil
}

func (m *Memory) OpenVehicleBySlot(_ context.Context, slotID string) (core.Vehicle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.state.vehicles {
		if v.SlotID == slotID && v.TimeOut == nil {
			return v, true, nil
		}
	}
	return core.Vehicle{}, false, nil
}

func (m *Memory) OpenVehicleByPlate(_ context.Context, plate string) (core.Vehicle, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.openVehicleByPlate(plate)
}

func (m *Memory) Transactions(_ context.Context, status, plate string, limit int) ([]core.Transaction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []core.Transaction
	for _, tr := range m.state.txs {
		if status != "" && tr.Status != status {
			continue
		}
		if plate != "" && tr.Plate != plate {
			continue
		}
		out = append(out, tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TimeIn.After(out[j].TimeIn) })
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) OpenTransactionByPlate(_ context.Context, plate string) (core.Transaction, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state.openTxByPlate(plate)
}

func (m *Memory) CreatePayment(_ context.Context, pay core.Payment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.state.payments[pay.PaymentID]; ok {
		return fault.Errorf(fault.Conflict, "PAYMENT_EXISTS", "payment %s already exists", pay.PaymentID)
	}
	m.state.payments[pay.PaymentID] = pay
	return nil
}

func (m *Memory) Payment(_ context.Context, paymentID string) (core.Payment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pay, ok := m.state.payments[paymentID]
	if !ok {
		return core.Payment{}, fault.Errorf(fault.NotFound, "PAYMENT_NOT_FOUND", "no payment %s", paymentID)
	}
	return pay, nil
}

func (m *Memory) ConfirmPayment(_ context.Context, paymentID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pay, ok := m.state.payments[paymentID]
	if !ok {
		return false, fault.Errorf(fault.NotFound, "PAYMENT_NOT_FOUND", "no payment %s", paymentID)
	}
	if pay.Status == core.PaymentPaid {
		return true, nil
	}
	t := at
	pay.Status = core.PaymentPaid
	pay.PaidAt = &t
	m.state.payments[paymentID] = pay
	return false, nil
}

func (m *Memory) UserByName(_ context.Context, username string) (core.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.state.users[username]
	if !ok {
		return core.User{}, fault.Errorf(fault.NotFound, "USER_NOT_FOUND", "no user %s", username)
	}
	return u, nil
}

func (m *Memory) CreateUser(_ context.Context, u core.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state.users[u.Username] = u
	return nil
}

func (m *Memory) SweepProcessedEvents(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, ev := range m.state.processed {
		if ev.ProcessedAt.Before(before) {
			delete(m.state.processed, id)
			n++
		}
	}
	return n, nil
}

func copyStr(p *string) *string {
	if p == nil {
		return nil
	}
	s := *p
	return &s
}
