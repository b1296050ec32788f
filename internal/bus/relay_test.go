package bus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRelayBridgesPods(t *testing.T) {
	mr := miniredis.RunT(t)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		clientA.Close()
		clientB.Close()
	})

	hubA, _, srvA := newTestHub(t)
	hubB, _, srvB := newTestHub(t)
	relayA := NewRelay(clientA, hubA)
	relayB := NewRelay(clientB, hubB)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relayA.Run(ctx)
	go relayB.Run(ctx)

	// Both relays must be subscribed before anything is published.
	require.Eventually(t, func() bool {
		n, err := clientA.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	gateA := dialGate(t, srvA, "GATE01")
	waitConnected(t, hubA, 1)
	gateB := dialGate(t, srvB, "GATE02")
	waitConnected(t, hubB, 1)

	hubA.Broadcast(SlotUpdate("C-01", true, strPtr("51B22222")))

	// The session on the sibling pod sees the frame.
	f := readFrame(t, gateB)
	assert.Equal(t, TypeSlotUpdate, f.Type)
	assert.Equal(t, "C-01", f.SlotID)
	require.NotNil(t, f.Plate)
	assert.Equal(t, "51B22222", *f.Plate)

	// The local session sees it exactly once: the relay skips frames
	// published by its own pod.
	f = readFrame(t, gateA)
	assert.Equal(t, TypeSlotUpdate, f.Type)
	gateA.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := gateA.ReadMessage()
	assert.Error(t, err)
}

func TestRelayKeepsHeartbeatExclusionAcrossPods(t *testing.T) {
	mr := miniredis.RunT(t)

	clientA := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clientB := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		clientA.Close()
		clientB.Close()
	})

	hubA, recA, srvA := newTestHub(t)
	hubB, recB, srvB := newTestHub(t)
	relayA := NewRelay(clientA, hubA)
	relayB := NewRelay(clientB, hubB)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go relayA.Run(ctx)
	go relayB.Run(ctx)

	require.Eventually(t, func() bool {
		n, err := clientA.PubSubNumSub(ctx, Channel).Result()
		return err == nil && n[Channel] == 2
	}, 2*time.Second, 10*time.Millisecond)

	sender := dialGate(t, srvA, "GATE01")
	waitConnected(t, hubA, 1)
	sameGateFarPod := dialGate(t, srvB, "GATE01")
	otherGateFarPod := dialGate(t, srvB, "GATE02")
	waitConnected(t, hubB, 2)

	send(t, sender, Heartbeat("GATE01", 1714550400))

	// A different gate on the sibling pod receives the heartbeat.
	f := readFrame(t, otherGateFarPod)
	assert.Equal(t, TypeHeartbeat, f.Type)
	assert.Equal(t, "GATE01", f.Gate)

	// The sending gate's session on the sibling pod does not.
	sameGateFarPod.SetReadDeadline(time.Now().Add(150 * time.Millisecond))
	_, _, err := sameGateFarPod.ReadMessage()
	assert.Error(t, err)

	// Only the pod that owns the live session touches last_sync.
	assert.Equal(t, []string{"GATE01"}, recA.touched())
	assert.Empty(t, recB.touched())
}
