package engine

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/parkgrid/parking/internal/bus"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/config"
	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/reserve"
	"github.com/parkgrid/parking/internal/store"
)

type busRecorder struct {
	mu     sync.Mutex
	frames []bus.Encoded
}

func (b *busRecorder) Broadcast(enc bus.Encoded) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frames = append(b.frames, enc)
}

func (b *busRecorder) byType(typ string) []bus.Encoded {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []bus.Encoded
	for _, f := range b.frames {
		if f.Type == typ {
			out = append(out, f)
		}
	}
	return out
}

var testNow = time.Date(2025, 4, 1, 8, 0, 0, 0, clock.Zone)

// newTestEngine seeds two gates at opposite corners and a 2x2 slot grid.
func newTestEngine(t *testing.T, clk clock.Clock) (*Engine, *store.Memory, *reserve.Memory, *busRecorder) {
	t.Helper()
	ctx := context.Background()
	st := store.NewMemory()
	reg := reserve.NewMemory()
	rec := &busRecorder{}
	e := New(st, reg, rec, clk, Config{
		Fee:        config.Fee{Base: 5000, PerExtraHour: 3000},
		ReserveTTL: 15 * time.Second,
	})

	require.NoError(t, st.UpsertGate(ctx, core.Gate{GateID: "GATE01", Name: "North entry", X: 0, Y: 0}))
	require.NoError(t, st.UpsertGate(ctx, core.Gate{GateID: "GATE02", Name: "South exit", X: 9, Y: 9}))
	for _, s := range []core.Slot{
		{SlotID: "A-01", X: 1, Y: 0, Version: 1},
		{SlotID: "A-02", X: 2, Y: 0, Version: 1},
		{SlotID: "B-01", X: 1, Y: 1, Version: 1},
		{SlotID: "B-02", X: 2, Y: 1, Version: 1},
	} {
		s.UpdatedAt = testNow
		require.NoError(t, st.CreateSlot(ctx, s))
	}
	return e, st, reg, rec
}

func TestVehicleInHappyPath(t *testing.T) {
	e, st, _, rec := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	res, err := e.VehicleIn(ctx, InEvent{
		EventID: uuid.NewString(),
		GateID:  "GATE01",
		SlotID:  "A-01",
		Plate:   " 51a12345 ",
	})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.False(t, res.Dedup)
	assert.Equal(t, "51A12345", res.Plate)
	assert.Equal(t, 2, res.Version)
	assert.Equal(t, "2025-04-01T08:00:00+07:00", res.TimeIn)

	slot, err := st.Slot(ctx, "A-01")
	require.NoError(t, err)
	assert.True(t, slot.Occupied)
	require.NotNil(t, slot.Plate)
	assert.Equal(t, "51A12345", *slot.Plate)

	veh, ok, err := st.OpenVehicleByPlate(ctx, "51A12345")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A-01", veh.SlotID)
	assert.Equal(t, "GATE01", veh.GateIn)

	txn, ok, err := st.OpenTransactionByPlate(ctx, "51A12345")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, core.TxOpen, txn.Status)

	require.Len(t, rec.byType(bus.TypeSlotUpdate), 1)
	require.Len(t, rec.byType(bus.TypeVehicleIn), 1)
	f, err := bus.Decode(rec.byType(bus.TypeSlotUpdate)[0].Data)
	require.NoError(t, err)
	assert.Equal(t, "A-01", f.SlotID)
	require.NotNil(t, f.Occupied)
	assert.True(t, *f.Occupied)
}

func TestVehicleInDedup(t *testing.T) {
	e, st, _, rec := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()
	eventID := uuid.NewString()

	first, err := e.VehicleIn(ctx, InEvent{EventID: eventID, GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)
	assert.False(t, first.Dedup)

	second, err := e.VehicleIn(ctx, InEvent{EventID: eventID, GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)
	assert.True(t, second.OK)
	assert.True(t, second.Dedup)

	// One state change, one pair of broadcasts.
	slot, err := st.Slot(ctx, "A-01")
	require.NoError(t, err)
	assert.Equal(t, 2, slot.Version)
	assert.Len(t, rec.byType(bus.TypeSlotUpdate), 1)
}

func TestVehicleInOccupiedConflict(t *testing.T) {
	e, st, _, rec := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	_, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A11111"})
	require.NoError(t, err)

	_, err = e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE02", SlotID: "A-01", Plate: "51A22222"})
	require.Error(t, err)
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
	assert.Equal(t, "SLOT_OCCUPIED", fault.CodeOf(err))

	// The losing event wrote nothing.
	_, open, err := st.OpenVehicleByPlate(ctx, "51A22222")
	require.NoError(t, err)
	assert.False(t, open)
	assert.Len(t, rec.byType(bus.TypeSlotUpdate), 1)
}

func TestVehicleInOpenPlateConflict(t *testing.T) {
	e, _, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	_, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)

	_, err = e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-02", Plate: "51A12345"})
	require.Error(t, err)
	assert.Equal(t, "VEHICLE_OPEN", fault.CodeOf(err))
}

func TestVehicleInUnknownGateAndSlot(t *testing.T) {
	e, _, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	_, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE99", SlotID: "A-01", Plate: "51A12345"})
	assert.Equal(t, "GATE_NOT_FOUND", fault.CodeOf(err))

	_, err = e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "Z-99", Plate: "51A12345"})
	assert.Equal(t, "SLOT_NOT_FOUND", fault.CodeOf(err))

	_, err = e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "  "})
	assert.Equal(t, fault.BadInput, fault.KindOf(err))
}

func TestReservationBlocksOtherGateAndClearsOnEntry(t *testing.T) {
	e, _, reg, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	sug, err := e.SuggestSlot(ctx, "GATE01", true)
	require.NoError(t, err)
	assert.True(t, sug.Reserved)
	assert.Equal(t, "A-01", sug.SlotID)
	assert.Equal(t, 15, sug.TTL)

	// Another gate driving into the reserved slot is refused.
	_, err = e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE02", SlotID: "A-01", Plate: "51A22222"})
	require.Error(t, err)
	assert.Equal(t, "SLOT_RESERVED", fault.CodeOf(err))

	// The holder enters and the reservation is gone afterwards.
	_, err = e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A11111"})
	require.NoError(t, err)
	_, _, held, err := reg.Owner(ctx, "A-01")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestSuggestSkipsReservedForNextNearest(t *testing.T) {
	e, st, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	// A second gate sharing GATE01's corner, so both rank A-01 first.
	require.NoError(t, st.UpsertGate(ctx, core.Gate{GateID: "GATE03", Name: "West entry", X: 0, Y: 0}))

	first, err := e.SuggestSlot(ctx, "GATE01", true)
	require.NoError(t, err)
	assert.Equal(t, "A-01", first.SlotID)

	// GATE03's nearest is held by GATE01, so it gets the next-nearest B-01.
	second, err := e.SuggestSlot(ctx, "GATE03", true)
	require.NoError(t, err)
	assert.Equal(t, "B-01", second.SlotID)
	assert.True(t, second.Reserved)

	// GATE02 sits at the far corner and ranks B-02 first.
	far, err := e.SuggestSlot(ctx, "GATE02", true)
	require.NoError(t, err)
	assert.Equal(t, "B-02", far.SlotID)

	// Same gate asking again refreshes its own hold on the same slot.
	again, err := e.SuggestSlot(ctx, "GATE01", true)
	require.NoError(t, err)
	assert.Equal(t, "A-01", again.SlotID)
}

func TestSuggestAllReservedConflict(t *testing.T) {
	e, _, reg, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	for _, slotID := range []string{"A-01", "A-02", "B-01", "B-02"} {
		require.NoError(t, reg.Reserve(ctx, slotID, "GATE02", 15*time.Second))
	}
	_, err := e.SuggestSlot(ctx, "GATE01", true)
	require.Error(t, err)
	assert.Equal(t, "ALL_RESERVED", fault.CodeOf(err))
	assert.Equal(t, fault.Conflict, fault.KindOf(err))
}

func TestSuggestNoFreeSlot(t *testing.T) {
	e, _, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	for i, slotID := range []string{"A-01", "A-02", "B-01", "B-02"} {
		_, err := e.VehicleIn(ctx, InEvent{
			EventID: uuid.NewString(),
			GateID:  "GATE01",
			SlotID:  slotID,
			Plate:   fmt.Sprintf("51A%05d", i+1),
		})
		require.NoError(t, err)
	}
	_, err := e.SuggestSlot(ctx, "GATE01", true)
	require.Error(t, err)
	assert.Equal(t, "NO_FREE_SLOT", fault.CodeOf(err))
	assert.Equal(t, fault.NotFound, fault.KindOf(err))
}

func TestVehicleOutBillsAndFrees(t *testing.T) {
	mc := &movableClock{t: testNow}
	e, st, _, rec := newTestEngine(t, mc)
	ctx := context.Background()

	_, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)

	mc.advance(150 * time.Minute)

	res, err := e.VehicleOut(ctx, OutEvent{EventID: uuid.NewString(), GateID: "GATE02", Plate: "51A12345"})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, int64(11000), res.Fee)
	assert.Equal(t, int64(150), res.DurationMinutes)
	assert.Equal(t, "A-01", res.SlotID)

	slot, err := st.Slot(ctx, "A-01")
	require.NoError(t, err)
	assert.False(t, slot.Occupied)
	assert.Nil(t, slot.Plate)
	assert.Equal(t, 3, slot.Version)

	_, open, err := st.OpenVehicleByPlate(ctx, "51A12345")
	require.NoError(t, err)
	assert.False(t, open)

	txns, err := st.Transactions(ctx, core.TxClosed, "51A12345", 10)
	require.NoError(t, err)
	require.Len(t, txns, 1)
	require.NotNil(t, txns[0].Fee)
	assert.Equal(t, int64(11000), *txns[0].Fee)
	require.NotNil(t, txns[0].GateOut)
	assert.Equal(t, "GATE02", *txns[0].GateOut)

	updates := rec.byType(bus.TypeSlotUpdate)
	require.Len(t, updates, 2)
	f, err := bus.Decode(updates[1].Data)
	require.NoError(t, err)
	require.NotNil(t, f.Occupied)
	assert.False(t, *f.Occupied)
	assert.Nil(t, f.Plate)
	require.Len(t, rec.byType(bus.TypeVehicleOut), 1)
}

func TestVehicleOutUnknownPlate(t *testing.T) {
	e, _, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	_, err := e.VehicleOut(context.Background(), OutEvent{EventID: uuid.NewString(), GateID: "GATE01", Plate: "99Z99999"})
	require.Error(t, err)
	assert.Equal(t, "VEHICLE_NOT_FOUND", fault.CodeOf(err))
}

func TestVehicleOutDedupKeepsSlotFree(t *testing.T) {
	e, st, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	_, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)

	outID := uuid.NewString()
	_, err = e.VehicleOut(ctx, OutEvent{EventID: outID, GateID: "GATE01", Plate: "51A12345"})
	require.NoError(t, err)

	// The drained retry of the same event is a no-op, not VEHICLE_NOT_FOUND.
	res, err := e.VehicleOut(ctx, OutEvent{EventID: outID, GateID: "GATE01", Plate: "51A12345"})
	require.NoError(t, err)
	assert.True(t, res.Dedup)

	slot, err := st.Slot(ctx, "A-01")
	require.NoError(t, err)
	assert.Equal(t, 3, slot.Version)
}

// Two gates race the same slot with different plates: exactly one enters.
func TestConcurrentEntryRace(t *testing.T) {
	e, st, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	type attempt struct {
		res InResult
		err error
	}
	results := make(chan attempt, 2)
	var start sync.WaitGroup
	start.Add(1)
	for i, plate := range []string{"51A11111", "51A22222"} {
		gate := []string{"GATE01", "GATE02"}[i]
		go func(gate, plate string) {
			start.Wait()
			res, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: gate, SlotID: "B-01", Plate: plate})
			results <- attempt{res, err}
		}(gate, plate)
	}
	start.Done()

	var oks, conflicts int
	for i := 0; i < 2; i++ {
		a := <-results
		if a.err == nil {
			oks++
		} else {
			require.Equal(t, fault.Conflict, fault.KindOf(a.err))
			conflicts++
		}
	}
	assert.Equal(t, 1, oks)
	assert.Equal(t, 1, conflicts)

	slot, err := st.Slot(ctx, "B-01")
	require.NoError(t, err)
	assert.True(t, slot.Occupied)
	assert.Equal(t, 2, slot.Version)
}

func TestSlotInfoCarriesLiveQuote(t *testing.T) {
	mc := &movableClock{t: testNow}
	e, _, _, _ := newTestEngine(t, mc)
	ctx := context.Background()

	_, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)
	mc.advance(61 * time.Minute)

	info, err := e.SlotInfo(ctx, "A-01")
	require.NoError(t, err)
	require.NotNil(t, info.Vehicle)
	assert.Equal(t, "51A12345", info.Vehicle.Plate)
	require.NotNil(t, info.FeeNow)
	assert.Equal(t, int64(8000), *info.FeeNow)

	free, err := e.SlotInfo(ctx, "A-02")
	require.NoError(t, err)
	assert.Nil(t, free.Vehicle)
	assert.Nil(t, free.FeeNow)
}

func TestSlotsMapShape(t *testing.T) {
	e, _, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	_, err := e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)

	m, err := e.SlotsMap(ctx)
	require.NoError(t, err)
	assert.Len(t, m.Slots, 4)
	assert.Equal(t, "2025-04-01T08:00:00+07:00", m.Ts)
	entry := m.Slots["A-01"]
	assert.True(t, entry.Occupied)
	require.NotNil(t, entry.Plate)
	assert.Equal(t, "51A12345", *entry.Plate)
	assert.Equal(t, 2, entry.Version)
	assert.Nil(t, m.Slots["A-02"].Plate)
}

func TestGatesDeriveOnline(t *testing.T) {
	e, st, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	require.NoError(t, st.TouchGateSync(ctx, "GATE01", testNow.Add(-10*time.Second)))
	require.NoError(t, st.TouchGateSync(ctx, "GATE02", testNow.Add(-5*time.Minute)))

	gates, err := e.Gates(ctx)
	require.NoError(t, err)
	require.Len(t, gates, 2)
	byID := map[string]core.Gate{}
	for _, g := range gates {
		byID[g.GateID] = g
	}
	assert.True(t, byID["GATE01"].Online)
	assert.False(t, byID["GATE02"].Online)
}

func TestHeartbeatTouchesLastSync(t *testing.T) {
	e, st, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	require.NoError(t, e.Heartbeat(ctx, "GATE01"))
	g, err := st.Gate(ctx, "GATE01")
	require.NoError(t, err)
	require.NotNil(t, g.LastSync)
	assert.True(t, g.LastSync.Equal(testNow))

	err = e.Heartbeat(ctx, "GATE99")
	assert.Equal(t, "GATE_NOT_FOUND", fault.CodeOf(err))
}

func TestAdminSlotLifecycle(t *testing.T) {
	e, _, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	s, err := e.CreateSlot(ctx, "C-01", 5, 5)
	require.NoError(t, err)
	assert.Equal(t, 1, s.Version)

	_, err = e.CreateSlot(ctx, "C-01", 5, 5)
	assert.Equal(t, "SLOT_EXISTS", fault.CodeOf(err))

	_, err = e.CreateSlot(ctx, "C-02", -1, 0)
	assert.Equal(t, "BAD_GEOMETRY", fault.CodeOf(err))

	moved, err := e.UpdateSlot(ctx, "C-01", 6, 7)
	require.NoError(t, err)
	assert.Equal(t, 6, moved.X)
	assert.Equal(t, 7, moved.Y)

	require.NoError(t, e.DeleteSlot(ctx, "C-01"))
	err = e.DeleteSlot(ctx, "C-01")
	assert.Equal(t, fault.NotFound, fault.KindOf(err))

	// Occupied slots refuse deletion.
	_, err = e.VehicleIn(ctx, InEvent{EventID: uuid.NewString(), GateID: "GATE01", SlotID: "A-01", Plate: "51A12345"})
	require.NoError(t, err)
	err = e.DeleteSlot(ctx, "A-01")
	assert.Equal(t, "SLOT_OCCUPIED", fault.CodeOf(err))
}

func TestLogin(t *testing.T) {
	e, st, _, _ := newTestEngine(t, clock.Fixed{T: testNow})
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("hunter2"), bcrypt.DefaultCost)
	require.NoError(t, err)
	gateID := "GATE01"
	require.NoError(t, st.CreateUser(ctx, core.User{
		Username:     "booth",
		PasswordHash: string(hash),
		Role:         core.RoleGate,
		GateID:       &gateID,
	}))

	u, err := e.Login(ctx, "booth", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, core.RoleGate, u.Role)
	require.NotNil(t, u.GateID)
	assert.Equal(t, "GATE01", *u.GateID)

	_, err = e.Login(ctx, "booth", "wrong")
	assert.Equal(t, fault.Unauthorized, fault.KindOf(err))
	assert.Equal(t, "BAD_CREDENTIALS", fault.CodeOf(err))

	// Unknown users fail the same way, no user enumeration.
	_, err = e.Login(ctx, "nobody", "hunter2")
	assert.Equal(t, "BAD_CREDENTIALS", fault.CodeOf(err))
}

// movableClock lets a test park the clock and drive it forward.
type movableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (m *movableClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *movableClock) advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}
