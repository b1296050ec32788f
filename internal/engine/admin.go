package engine

import (
	"context"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
)

// CreateSlot registers a new slot on the grid.
func (e *Engine) CreateSlot(ctx context.Context, slotID string, x, y int) (core.Slot, error) {
	slotID = strings.TrimSpace(slotID)
	if slotID == "" {
		return core.Slot{}, fault.New(fault.BadInput, "MISSING_SLOT", "slotid is required")
	}
	if x < 0 || y < 0 {
		return core.Slot{}, fault.New(fault.BadInput, "BAD_GEOMETRY", "x and y must be non-negative")
	}
	s := core.Slot{SlotID: slotID, X: x, Y: y, Version: 1, UpdatedAt: e.clk.Now()}
	if err := e.store.CreateSlot(ctx, s); err != nil {
		return core.Slot{}, err
	}
	e.log.Info().Str("slotid", slotID).Int("x", x).Int("y", y).Msg("slot created")
	return s, nil
}

// UpdateSlot edits geometry only. Occupancy is owned by the mutation paths
// and is never editable here.
func (e *Engine) UpdateSlot(ctx context.Context, slotID string, x, y int) (core.Slot, error) {
	if x < 0 || y < 0 {
		return core.Slot{}, fault.New(fault.BadInput, "BAD_GEOMETRY", "x and y must be non-negative")
	}
	if err := e.store.UpdateSlotGeometry(ctx, slotID, x, y, e.clk.Now()); err != nil {
		return core.Slot{}, err
	}
	return e.store.Slot(ctx, slotID)
}

// DeleteSlot removes a free slot; occupied slots refuse.
func (e *Engine) DeleteSlot(ctx context.Context, slotID string) error {
	if err := e.store.DeleteSlot(ctx, slotID); err != nil {
		return err
	}
	e.log.Info().Str("slotid", slotID).Msg("slot deleted")
	return nil
}

// Login checks credentials against the users table. The API layer hands out
// the deployment token; the engine only vouches for the password.
func (e *Engine) Login(ctx context.Context, username, password string) (core.User, error) {
	u, err := e.store.UserByName(ctx, strings.TrimSpace(username))
	if err != nil {
		if fault.KindOf(err) == fault.NotFound {
			return core.User{}, badCredentials()
		}
		return core.User{}, err
	}
	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return core.User{}, badCredentials()
	}
	return u, nil
}

func badCredentials() error {
	return fault.New(fault.Unauthorized, "BAD_CREDENTIALS", "invalid username or password")
}

// RunRetention sweeps ProcessedEvent rows older than retention, once at
// startup and then daily. The ledger only needs to outlive the longest
// plausible gate outage.
func (e *Engine) RunRetention(ctx context.Context, retention time.Duration) error {
	ticker := time.NewTicker(24 * time.Hour)
	defer ticker.Stop()
	for {
		cutoff := e.clk.Now().Add(-retention)
		n, err := e.store.SweepProcessedEvents(ctx, cutoff)
		switch {
		case err != nil:
			e.log.Warn().Err(err).Msg("retention sweep failed")
		case n > 0:
			e.log.Info().Int64("deleted", n).Time("cutoff", cutoff).Msg("retention sweep")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
