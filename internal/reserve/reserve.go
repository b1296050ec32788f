// Package reserve is the slot reservation registry: short-lived
// "gate X intends to park into slot Y" claims with a TTL. Redis backs
// production so every cloud pod sees the same claims; the in-memory
// implementation covers tests and Redis-less demo boots.
//
// Reservations are soft. The mutation engine re-checks the claim inside the
// vehicle_in transaction and clears it after commit; expiry needs no
// cleanup pass because the TTL does it.
package reserve

import (
	"context"
	"sync"
	"time"

	"github.com/parkgrid/parking/internal/fault"
)

// Registry is what the engine and the reservation-inspect endpoint consume.
type Registry interface {
	// Reserve claims slotID for gateID. A live claim by another gate fails
	// with CONFLICT SLOT_RESERVED; re-claiming one's own slot refreshes the
	// TTL.
	Reserve(ctx context.Context, slotID, gateID string, ttl time.Duration) error
	// Owner reports the current holder. ok=false means the slot is free.
	Owner(ctx context.Context, slotID string) (gateID string, ttl time.Duration, ok bool, err error)
	// Release drops the claim unconditionally.
	Release(ctx context.Context, slotID string) error
	Close() error
}

func conflict(slotID, owner string) error {
	return fault.Errorf(fault.Conflict, "SLOT_RESERVED", "slot %s is reserved by %s", slotID, owner)
}

// Memory is a single-process Registry with lazy TTL expiry.
type Memory struct {
	mu      sync.Mutex
	entries map[string]memEntry
}

type memEntry struct {
	gateID  string
	expires time.Time
}

// NewMemory returns an empty registry.
func NewMemory() *Memory {
	return &Memory{entries: map[string]memEntry{}}
}

func (m *Memory) live(slotID string) (memEntry, bool) {
	e, ok := m.entries[slotID]
	if !ok {
		return memEntry{}, false
	}
	if time.Now().After(e.expires) {
		delete(m.entries, slotID)
		return memEntry{}, false
	}
	return e, true
}

func (m *Memory) Reserve(_ context.Context, slotID, gateID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.live(slotID); ok && e.gateID != gateID {
		return conflict(slotID, e.gateID)
	}
	m.entries[slotID] = memEntry{gateID: gateID, expires: time.Now().Add(ttl)}
	return nil
}

func (m *Memory) Owner(_ context.Context, slotID string) (string, time.Duration, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.live(slotID)
	if !ok {
		return "", 0, false, nil
	}
	return e.gateID, time.Until(e.expires), true, nil
}

func (m *Memory) Release(_ context.Context, slotID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, slotID)
	return nil
}

func (m *Memory) Close() error { return nil }
