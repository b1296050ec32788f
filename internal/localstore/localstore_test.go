package localstore

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/fault"
)

var testClk = clock.Fixed{T: time.Date(2025, 4, 1, 8, 0, 0, 0, clock.Zone)}

func openTest(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "gate.db"), testClk)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func snapshot() map[string]Slot {
	plate := "51A12345"
	return map[string]Slot{
		"A-01": {X: 1, Y: 0, Occupied: true, Plate: &plate, Version: 3},
		"A-02": {X: 2, Y: 0, Occupied: false, Version: 1},
		"B-01": {X: 1, Y: 1, Occupied: false, Version: 1},
	}
}

func TestSnapshotReplacesMirror(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))
	slots, err := s.Slots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 3)
	assert.Equal(t, "A-01", slots[0].SlotID)
	assert.True(t, slots[0].Occupied)
	require.NotNil(t, slots[0].Plate)
	assert.Equal(t, "51A12345", *slots[0].Plate)
	assert.Equal(t, 3, slots[0].Version)

	// A second snapshot drops rows that vanished upstream and corrects
	// occupancy wholesale.
	require.NoError(t, s.ReplaceSnapshot(ctx, map[string]Slot{
		"A-01": {X: 1, Y: 0, Occupied: false, Version: 4},
	}))
	slots, err = s.Slots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 1)
	assert.False(t, slots[0].Occupied)
	assert.Nil(t, slots[0].Plate)
	assert.Equal(t, 4, slots[0].Version)
}

func TestSnapshotOverwritesDivergedLocalRow(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))

	// Offline churn drives the local counter past anything the cloud has.
	require.NoError(t, s.MarkOccupied(ctx, "A-02", "51B22222"))
	require.NoError(t, s.MarkFree(ctx, "A-02"))
	require.NoError(t, s.MarkOccupied(ctx, "A-02", "51D44444"))
	sl, _, err := s.Slot(ctx, "A-02")
	require.NoError(t, err)
	require.Equal(t, 4, sl.Version)

	// The next pull wins even though its version number is behind the
	// local counter.
	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))
	sl, _, err = s.Slot(ctx, "A-02")
	require.NoError(t, err)
	assert.False(t, sl.Occupied)
	assert.Nil(t, sl.Plate)
	assert.Equal(t, 1, sl.Version)
}

func TestOptimisticOccupancy(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))

	require.NoError(t, s.MarkOccupied(ctx, "A-02", "51B22222"))
	sl, ok, err := s.Slot(ctx, "A-02")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, sl.Occupied)
	require.NotNil(t, sl.Plate)
	assert.Equal(t, "51B22222", *sl.Plate)
	assert.Equal(t, 2, sl.Version, "local writes count on top of the snapshot version")

	require.NoError(t, s.MarkFree(ctx, "A-02"))
	sl, _, err = s.Slot(ctx, "A-02")
	require.NoError(t, err)
	assert.False(t, sl.Occupied)
	assert.Nil(t, sl.Plate)
	assert.Equal(t, 3, sl.Version)

	err = s.MarkOccupied(ctx, "Z-99", "51C33333")
	require.Error(t, err)
	assert.Equal(t, "SLOT_NOT_FOUND", fault.CodeOf(err))
}

func TestFirstFreeSlotIsLexicographic(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))

	sl, ok, err := s.FirstFreeSlot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A-02", sl.SlotID)

	require.NoError(t, s.MarkOccupied(ctx, "A-02", "51B22222"))
	sl, ok, err = s.FirstFreeSlot(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "B-01", sl.SlotID)

	require.NoError(t, s.MarkOccupied(ctx, "B-01", "51C33333"))
	_, ok, err = s.FirstFreeSlot(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOccupiedByPlate(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))

	sl, ok, err := s.OccupiedByPlate(ctx, "51A12345")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "A-01", sl.SlotID)

	_, ok, err = s.OccupiedByPlate(ctx, "99Z99999")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueueLifecycle(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	in := []byte(`{"event_id":"ev-1","gateid":"GATE01","slotid":"A-01","plate":"51A12345"}`)
	out := []byte(`{"event_id":"ev-2","gateid":"GATE01","plate":"51A12345"}`)
	id1, err := s.Enqueue(ctx, "ev-1", TypeVehicleIn, in)
	require.NoError(t, err)
	id2, err := s.Enqueue(ctx, "ev-2", TypeVehicleOut, out)
	require.NoError(t, err)
	assert.Greater(t, id2, id1)

	_, err = s.Enqueue(ctx, "ev-1", TypeVehicleIn, in)
	require.Error(t, err)
	assert.Equal(t, "DUPLICATE_EVENT", fault.CodeOf(err))

	pending, err := s.PendingOldestFirst(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "ev-1", pending[0].EventID, "oldest first")
	assert.Equal(t, "ev-2", pending[1].EventID)

	// Transient failure keeps the event pending and counts the attempt.
	require.NoError(t, s.RecordError(ctx, pending[0].ID, "connect refused"))
	pending, err = s.PendingOldestFirst(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	require.NotNil(t, pending[0].LastError)

	require.NoError(t, s.MarkDone(ctx, pending[0].ID))
	require.NoError(t, s.MarkRejected(ctx, pending[1].ID, "VEHICLE_NOT_FOUND"))

	pending, err = s.PendingOldestFirst(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, Counts{Pending: 0, Done: 1, Rejected: 1}, counts)

	// Finishing twice is a not-found: the row left pending status.
	err = s.MarkDone(ctx, eventRowID(t, s, "ev-2"))
	require.Error(t, err)
	assert.Equal(t, "EVENT_NOT_FOUND", fault.CodeOf(err))
}

func eventRowID(t *testing.T, s *Store, eventID string) int64 {
	t.Helper()
	var id int64
	require.NoError(t, s.db.QueryRow(`SELECT id FROM gate_events WHERE event_id = ?`, eventID).Scan(&id))
	return id
}

func TestQueueCountsSurfaceLastError(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	_, err := s.Enqueue(ctx, "ev-1", TypeVehicleIn, []byte(`{}`))
	require.NoError(t, err)

	pending, err := s.PendingOldestFirst(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.RecordError(ctx, pending[0].ID, "dial tcp: timeout"))

	counts, err := s.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Pending)
	require.NotNil(t, counts.LastError)
	assert.Equal(t, "dial tcp: timeout", *counts.LastError)
}

func TestConflictsJoinSlotState(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)
	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))

	in := []byte(`{"event_id":"ev-1","gateid":"GATE01","slotid":"A-01","plate":"51B22222"}`)
	_, err := s.Enqueue(ctx, "ev-1", TypeVehicleIn, in)
	require.NoError(t, err)
	pending, err := s.PendingOldestFirst(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.MarkRejected(ctx, pending[0].ID, "SLOT_OCCUPIED"))

	conflicts, err := s.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "ev-1", conflicts[0].EventID)
	assert.Equal(t, "SLOT_OCCUPIED", conflicts[0].Detail)
	require.NotNil(t, conflicts[0].Slot, "conflict should carry the disputed slot")
	assert.Equal(t, "A-01", conflicts[0].Slot.SlotID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(conflicts[0].Payload, &payload))
	assert.Equal(t, "51B22222", payload["plate"])
}

func TestSyncStateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := openTest(t)

	_, ok, err := s.SyncState(ctx, KeyLastCloudOK)
	require.NoError(t, err)
	assert.False(t, ok, "fresh database has no sync state")

	require.NoError(t, s.SetSyncState(ctx, KeyLastCloudOK, "2025-04-01T08:00:00+07:00"))
	require.NoError(t, s.SetSyncState(ctx, KeyLastCloudOK, "2025-04-01T08:00:03+07:00"))

	v, ok, err := s.SyncState(ctx, KeyLastCloudOK)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "2025-04-01T08:00:03+07:00", v, "set overwrites in place")
}

func TestQueueSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "gate.db")

	s, err := Open(path, testClk)
	require.NoError(t, err)
	require.NoError(t, s.ReplaceSnapshot(ctx, snapshot()))
	_, err = s.Enqueue(ctx, "ev-1", TypeVehicleIn, []byte(`{"slotid":"A-02"}`))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(path, testClk)
	require.NoError(t, err)
	defer s.Close()

	pending, err := s.PendingOldestFirst(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ev-1", pending[0].EventID)

	slots, err := s.Slots(ctx)
	require.NoError(t, err)
	assert.Len(t, slots, 3)
}
