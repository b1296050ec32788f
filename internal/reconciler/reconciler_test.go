package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkgrid/parking/internal/breaker"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/images"
	"github.com/parkgrid/parking/internal/localstore"
	"github.com/parkgrid/parking/pkg/cloudapi"
)

type scripted struct {
	status int
	body   string
}

// fakeCloud scripts responses per event id and records arrival order.
type fakeCloud struct {
	mu          sync.Mutex
	snapshot    string
	responses   map[string]scripted
	seen        []string
	imagesSeen  map[string]string
	pulls       int
	uploads     int
	uploadsFail bool
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{
		snapshot:   `{"ok":true,"slots":{},"ts":"2025-04-01T08:00:00+07:00"}`,
		responses:  map[string]scripted{},
		imagesSeen: map[string]string{},
	}
}

func (f *fakeCloud) script(eventID string, status int, body string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.responses[eventID] = scripted{status, body}
}

func (f *fakeCloud) failUploads() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploadsFail = true
}

func (f *fakeCloud) order() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.seen...)
}

func (f *fakeCloud) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func (f *fakeCloud) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.uploads
}

func (f *fakeCloud) imageOf(eventID string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.imagesSeen[eventID]
}

func (f *fakeCloud) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.Method == http.MethodGet && r.URL.Path == "/slots/map" {
			f.mu.Lock()
			f.pulls++
			body := f.snapshot
			f.mu.Unlock()
			fmt.Fprint(w, body)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/images/upload" {
			f.mu.Lock()
			f.uploads++
			fail := f.uploadsFail
			f.mu.Unlock()
			if fail {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"ok":false,"error":{"code":"NETWORK_UNAVAILABLE","message":"storage down"}}`)
				return
			}
			fmt.Fprintf(w, `{"ok":true,"path":"%s/%s.jpg"}`, r.FormValue("kind"), r.FormValue("plate"))
			return
		}

		var ev struct {
			EventID string `json:"event_id"`
			Image   string `json:"image"`
		}
		_ = json.NewDecoder(r.Body).Decode(&ev)
		f.mu.Lock()
		f.seen = append(f.seen, ev.EventID)
		f.imagesSeen[ev.EventID] = ev.Image
		resp, ok := f.responses[ev.EventID]
		f.mu.Unlock()
		if !ok {
			resp = scripted{200, `{"ok":true}`}
		}
		w.WriteHeader(resp.status)
		fmt.Fprint(w, resp.body)
	}
}

type rig struct {
	fake  *fakeCloud
	local *localstore.Store
	brk   *breaker.Breaker
	imgs  *images.Store
	rec   *Reconciler
}

func newRig(t *testing.T) *rig {
	t.Helper()
	fake := newFakeCloud()
	srv := httptest.NewServer(fake.handler())
	t.Cleanup(srv.Close)

	local, err := localstore.Open(filepath.Join(t.TempDir(), "gate.db"), clock.System())
	require.NoError(t, err)
	t.Cleanup(func() { _ = local.Close() })

	imgs, err := images.New(t.TempDir())
	require.NoError(t, err)

	brk := breaker.New(breaker.Config{Cooldown: time.Hour}, clock.System())
	cloud := cloudapi.NewClient(cloudapi.Config{BaseURL: srv.URL, Token: "sekret", GateID: "GATE01", Timeout: 2 * time.Second})
	rec := New(cloud, local, brk, imgs, clock.System(), Config{})
	return &rig{fake: fake, local: local, brk: brk, imgs: imgs, rec: rec}
}

func enqueueIn(t *testing.T, local *localstore.Store, eventID, slotID, plate string) {
	t.Helper()
	payload := fmt.Sprintf(`{"event_id":%q,"gateid":"GATE01","slotid":%q,"plate":%q}`, eventID, slotID, plate)
	_, err := local.Enqueue(context.Background(), eventID, localstore.TypeVehicleIn, []byte(payload))
	require.NoError(t, err)
}

func TestSnapshotPullPopulatesMirror(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.fake.mu.Lock()
	r.fake.snapshot = `{"ok":true,"slots":{
		"A-01":{"x":1,"y":0,"occupied":true,"plate":"51A12345","version":3},
		"A-02":{"x":2,"y":0,"occupied":false,"plate":null,"version":1}
	},"ts":"2025-04-01T08:00:00+07:00"}`
	r.fake.mu.Unlock()

	require.NoError(t, r.rec.SnapshotOnce(ctx))

	slots, err := r.local.Slots(ctx)
	require.NoError(t, err)
	require.Len(t, slots, 2)
	assert.Equal(t, "A-01", slots[0].SlotID)
	assert.True(t, slots[0].Occupied)
	assert.Equal(t, 3, slots[0].Version)

	_, ok := r.rec.LastSnapshot()
	assert.True(t, ok)

	// The pull time is durable, not just in-memory state.
	iso, found, err := r.local.SyncState(ctx, localstore.KeyLastCloudOK)
	require.NoError(t, err)
	require.True(t, found)
	_, err = clock.ParseISO(iso)
	assert.NoError(t, err)
}

func TestLastSnapshotSeededFromDisk(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	require.NoError(t, r.local.SetSyncState(ctx, localstore.KeyLastCloudOK, "2025-04-01T08:00:00+07:00"))

	srv := httptest.NewServer(r.fake.handler())
	t.Cleanup(srv.Close)
	cloud := cloudapi.NewClient(cloudapi.Config{BaseURL: srv.URL, Token: "sekret", GateID: "GATE01", Timeout: 2 * time.Second})
	rec := New(cloud, r.local, r.brk, nil, clock.System(), Config{})

	last, ok := rec.LastSnapshot()
	require.True(t, ok, "a rebooted gate remembers its last good pull")
	assert.Equal(t, "2025-04-01T08:00:00+07:00", clock.ISO(last))
}

func TestSnapshotSkippedWhileBreakerOpen(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	for i := 0; i < 3; i++ {
		report, err := r.brk.Allow()
		require.NoError(t, err)
		report(false)
	}
	require.Equal(t, breaker.StateOpen, r.brk.State())

	require.NoError(t, r.rec.SnapshotOnce(ctx))
	assert.Equal(t, 0, r.fake.pullCount(), "open breaker must suppress the pull")
	_, ok := r.rec.LastSnapshot()
	assert.False(t, ok)
}

func TestDrainPushesOldestFirst(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	enqueueIn(t, r.local, "ev-1", "A-01", "51A11111")
	enqueueIn(t, r.local, "ev-2", "A-02", "51B22222")

	advanced, err := r.rec.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, advanced)
	assert.Equal(t, []string{"ev-1", "ev-2"}, r.fake.order())

	counts, err := r.local.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Pending)
	assert.Equal(t, 2, counts.Done)
}

func TestTransientFailureStopsThePass(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	enqueueIn(t, r.local, "ev-1", "A-01", "51A11111")
	enqueueIn(t, r.local, "ev-2", "A-02", "51B22222")
	r.fake.script("ev-1", 503, `{"ok":false,"error":{"code":"NETWORK_UNAVAILABLE","message":"db down"}}`)

	advanced, err := r.rec.DrainOnce(ctx)
	require.Error(t, err)
	assert.Equal(t, 0, advanced)
	assert.Equal(t, []string{"ev-1"}, r.fake.order(), "ev-2 must not overtake the stuck ev-1")

	pending, err := r.local.PendingOldestFirst(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, 1, pending[0].Attempts)
	require.NotNil(t, pending[0].LastError)
	assert.Equal(t, 0, pending[1].Attempts)

	// Cloud heals; the next pass drains both, still in order.
	r.fake.script("ev-1", 200, `{"ok":true}`)
	advanced, err = r.rec.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, advanced)
	assert.Equal(t, []string{"ev-1", "ev-1", "ev-2"}, r.fake.order())
}

func TestConflictParksEventAndContinues(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	enqueueIn(t, r.local, "ev-1", "A-01", "51A11111")
	enqueueIn(t, r.local, "ev-2", "A-02", "51B22222")
	r.fake.script("ev-1", 409, `{"ok":false,"error":{"code":"SLOT_OCCUPIED","message":"slot A-01 is occupied"}}`)

	advanced, err := r.rec.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, advanced, "a poison pill must not block the queue")

	counts, err := r.local.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, counts.Pending)
	assert.Equal(t, 1, counts.Done)
	assert.Equal(t, 1, counts.Rejected)

	conflicts, err := r.local.Conflicts(ctx)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, "ev-1", conflicts[0].EventID)
	assert.Equal(t, "SLOT_OCCUPIED", conflicts[0].Detail)

	// The breaker saw the 409 as proof of life, not a failure.
	assert.Equal(t, breaker.StateClosed, r.brk.State())
}

func TestDedupAnswerCountsAsDone(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	enqueueIn(t, r.local, "ev-1", "A-01", "51A11111")
	r.fake.script("ev-1", 200, `{"ok":true,"dedup":true}`)

	advanced, err := r.rec.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	counts, err := r.local.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Done)
}

func TestDrainUploadsLocalCaptureFirst(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)

	rel, err := r.imgs.Save(images.KindIn, "51A11111", []byte("jpeg-bytes"), time.Unix(1714550400, 0))
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"event_id":"ev-1","gateid":"GATE01","slotid":"A-01","plate":"51A11111","image":%q}`,
		images.LocalPrefix+rel)
	_, err = r.local.Enqueue(ctx, "ev-1", localstore.TypeVehicleIn, []byte(payload))
	require.NoError(t, err)

	advanced, err := r.rec.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	assert.Equal(t, 1, r.fake.uploadCount())
	assert.Equal(t, "in/51A11111.jpg", r.fake.imageOf("ev-1"), "the pushed event must carry the cloud path")
}

func TestUploadFailureStillDeliversEvent(t *testing.T) {
	ctx := context.Background()
	r := newRig(t)
	r.fake.failUploads()

	rel, err := r.imgs.Save(images.KindOut, "51A11111", []byte("jpeg-bytes"), time.Unix(1714550400, 0))
	require.NoError(t, err)

	payload := fmt.Sprintf(`{"event_id":"ev-1","gateid":"GATE01","plate":"51A11111","image":%q}`,
		images.LocalPrefix+rel)
	_, err = r.local.Enqueue(ctx, "ev-1", localstore.TypeVehicleOut, []byte(payload))
	require.NoError(t, err)

	advanced, err := r.rec.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, advanced)

	assert.Equal(t, images.LocalPrefix+rel, r.fake.imageOf("ev-1"), "the local path rides along until an upload lands")
	counts, err := r.local.QueueCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts.Done)
}

func TestRepeatedTransportFailuresOpenTheBreaker(t *testing.T) {
	ctx := context.Background()

	fake := newFakeCloud()
	srv := httptest.NewServer(fake.handler())
	srv.Close() // cloud is down from the start

	local, err := localstore.Open(filepath.Join(t.TempDir(), "gate.db"), clock.System())
	require.NoError(t, err)
	defer local.Close()

	brk := breaker.New(breaker.Config{Cooldown: time.Hour}, clock.System())
	cloud := cloudapi.NewClient(cloudapi.Config{BaseURL: srv.URL, Timeout: time.Second})
	rec := New(cloud, local, brk, nil, clock.System(), Config{})

	enqueueIn(t, local, "ev-1", "A-01", "51A11111")

	for i := 0; i < 3; i++ {
		_, err := rec.DrainOnce(ctx)
		require.Error(t, err)
	}
	require.Equal(t, breaker.StateOpen, brk.State())

	// With the breaker open the pass is a no-op: nothing advances and
	// nothing errors.
	advanced, err := rec.DrainOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, advanced)

	pending, err := local.PendingOldestFirst(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, 3, pending[0].Attempts)
}
