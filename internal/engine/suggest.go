package engine

import (
	"context"
	"sort"

	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/metrics"
)

// Suggestion answers suggest_slot. TTL is the reservation lifetime in
// seconds, zero when nothing was reserved.
type Suggestion struct {
	OK       bool   `json:"ok"`
	SlotID   string `json:"slotid"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Reserved bool   `json:"reserved"`
	TTL      int    `json:"ttl,omitempty"`
}

// Reservation is the registry inspection view.
type Reservation struct {
	SlotID string `json:"slotid"`
	GateID string `json:"gateid"`
	TTL    int    `json:"ttl"`
}

// SuggestSlot picks the free slot nearest the gate's anchor and, unless the
// caller opted out, reserves it for the gate. Slots another gate holds are
// skipped in favor of the next-nearest candidate.
func (e *Engine) SuggestSlot(ctx context.Context, gateID string, reserveSlot bool) (Suggestion, error) {
	gate, err := e.store.Gate(ctx, gateID)
	if err != nil {
		return Suggestion{}, err
	}
	slots, err := e.store.Slots(ctx)
	if err != nil {
		return Suggestion{}, err
	}

	free := slots[:0]
	for _, s := range slots {
		if !s.Occupied {
			free = append(free, s)
		}
	}
	if len(free) == 0 {
		return Suggestion{}, fault.New(fault.NotFound, "NO_FREE_SLOT", "no free slot available")
	}
	sortByDistance(free, gate)

	if !reserveSlot {
		s := free[0]
		return Suggestion{OK: true, SlotID: s.SlotID, X: s.X, Y: s.Y}, nil
	}

	for _, s := range free {
		err := e.registry.Reserve(ctx, s.SlotID, gateID, e.ttl)
		if err == nil {
			metrics.Reservations.WithLabelValues("reserved").Inc()
			return Suggestion{
				OK:       true,
				SlotID:   s.SlotID,
				X:        s.X,
				Y:        s.Y,
				Reserved: true,
				TTL:      int(e.ttl.Seconds()),
			}, nil
		}
		if fault.KindOf(err) == fault.Conflict {
			metrics.Reservations.WithLabelValues("conflict").Inc()
			continue
		}
		// Registry down: hand out the candidate unreserved rather than
		// refusing entries.
		e.log.Warn().Err(err).Str("slotid", s.SlotID).Msg("registry unavailable, suggesting unreserved")
		return Suggestion{OK: true, SlotID: s.SlotID, X: s.X, Y: s.Y}, nil
	}
	return Suggestion{}, fault.New(fault.Conflict, "ALL_RESERVED", "every free slot is reserved by another gate")
}

// ReservationInfo inspects the registry entry for a slot.
func (e *Engine) ReservationInfo(ctx context.Context, slotID string) (Reservation, error) {
	owner, ttl, held, err := e.registry.Owner(ctx, slotID)
	if err != nil {
		return Reservation{}, err
	}
	if !held {
		return Reservation{}, fault.Errorf(fault.NotFound, "NO_RESERVATION", "slot %s is not reserved", slotID)
	}
	return Reservation{SlotID: slotID, GateID: owner, TTL: int(ttl.Seconds())}, nil
}

// sortByDistance orders slots by squared Euclidean distance to the gate's
// anchor, ties broken by slotid so suggestions are stable.
func sortByDistance(slots []core.Slot, gate core.Gate) {
	sort.Slice(slots, func(i, j int) bool {
		di := dist2(slots[i], gate)
		dj := dist2(slots[j], gate)
		if di != dj {
			return di < dj
		}
		return slots[i].SlotID < slots[j].SlotID
	})
}

func dist2(s core.Slot, g core.Gate) int {
	dx := s.X - g.X
	dy := s.Y - g.Y
	return dx*dx + dy*dy
}
