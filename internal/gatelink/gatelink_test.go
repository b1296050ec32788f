package gatelink

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parkgrid/parking/internal/bus"
	"github.com/parkgrid/parking/internal/clock"
)

// fakeCloud is a minimal bus endpoint: it records inbound frames and
// answers pings the way the hub does.
type fakeCloud struct {
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions []*websocket.Conn
	frames   chan bus.Frame
}

func newFakeCloud() *fakeCloud {
	return &fakeCloud{frames: make(chan bus.Frame, 256)}
}

func (f *fakeCloud) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := f.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.mu.Lock()
		f.sessions = append(f.sessions, conn)
		f.mu.Unlock()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			fr, err := bus.Decode(data)
			if err != nil {
				continue
			}
			if fr.Type == bus.TypePing {
				pong := bus.Pong(fr.Gate, fr.Ts, bus.EpochSeconds(time.Now()))
				_ = conn.WriteMessage(websocket.TextMessage, pong.Data)
			}
			f.frames <- fr
		}
	}
}

func (f *fakeCloud) push(t *testing.T, enc bus.Encoded) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.sessions)
	conn := f.sessions[len(f.sessions)-1]
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, enc.Data))
}

func (f *fakeCloud) dropAll() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.sessions {
		_ = c.Close()
	}
	f.sessions = nil
}

func (f *fakeCloud) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sessions)
}

func (f *fakeCloud) waitFrame(t *testing.T, typ string) bus.Frame {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case fr := <-f.frames:
			if fr.Type == typ {
				return fr
			}
		case <-deadline:
			t.Fatalf("no %s frame arrived", typ)
		}
	}
}

func startLink(t *testing.T, cloud *fakeCloud, apply SlotUpdateFunc) *Link {
	t.Helper()
	srv := httptest.NewServer(cloud.handler(t))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/GATE01"
	link := New(Config{
		URL:            url,
		GateID:         "GATE01",
		HeartbeatEvery: 30 * time.Millisecond,
		PingEvery:      40 * time.Millisecond,
		ReconnectWait:  50 * time.Millisecond,
	}, apply, clock.System())

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { _ = link.Run(ctx) }()
	return link
}

func TestHeartbeatsAndPingsFlow(t *testing.T) {
	cloud := newFakeCloud()
	link := startLink(t, cloud, nil)

	hb := cloud.waitFrame(t, bus.TypeHeartbeat)
	assert.Equal(t, "GATE01", hb.Gate)
	assert.Greater(t, hb.Ts, float64(0))

	ping := cloud.waitFrame(t, bus.TypePing)
	assert.Equal(t, "GATE01", ping.Gate)

	require.Eventually(t, link.Online, time.Second, 10*time.Millisecond)
}

func TestSlotUpdatesReachTheMirror(t *testing.T) {
	type update struct {
		slotID   string
		occupied bool
		plate    *string
	}
	got := make(chan update, 4)
	cloud := newFakeCloud()
	startLink(t, cloud, func(slotID string, occupied bool, plate *string) {
		got <- update{slotID, occupied, plate}
	})

	cloud.waitFrame(t, bus.TypeHeartbeat)

	plate := "51A12345"
	cloud.push(t, bus.SlotUpdate("A-01", true, &plate))
	select {
	case u := <-got:
		assert.Equal(t, "A-01", u.slotID)
		assert.True(t, u.occupied)
		require.NotNil(t, u.plate)
		assert.Equal(t, "51A12345", *u.plate)
	case <-time.After(2 * time.Second):
		t.Fatal("slot_update never applied")
	}

	cloud.push(t, bus.SlotUpdate("A-01", false, nil))
	select {
	case u := <-got:
		assert.Equal(t, "A-01", u.slotID)
		assert.False(t, u.occupied)
		assert.Nil(t, u.plate)
	case <-time.After(2 * time.Second):
		t.Fatal("freeing slot_update never applied")
	}
}

func TestLinkRedialsAfterDrop(t *testing.T) {
	cloud := newFakeCloud()
	link := startLink(t, cloud, nil)

	cloud.waitFrame(t, bus.TypeHeartbeat)
	require.Eventually(t, link.Online, time.Second, 10*time.Millisecond)

	cloud.dropAll()
	require.Eventually(t, func() bool { return !link.Online() }, time.Second, 10*time.Millisecond)

	// The link comes back on its own and resumes heartbeating.
	require.Eventually(t, func() bool { return cloud.sessionCount() > 0 }, 3*time.Second, 20*time.Millisecond)
	cloud.waitFrame(t, bus.TypeHeartbeat)
	require.Eventually(t, link.Online, time.Second, 10*time.Millisecond)
}
