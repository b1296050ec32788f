// Package localstore is the gate node's on-disk state: a SQLite mirror of
// the cloud slot map plus a durable queue of events awaiting upload. Both
// live in one WAL database so a gate that loses power mid-entry replays
// cleanly on boot.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/fault"
)

const schemaVersion = 1

// Event statuses. An event is pending until the cloud either accepts it
// (done) or refuses it with a domain conflict (rejected). Rejected events
// never retry; they surface through Conflicts for the operator.
const (
	StatusPending  = "pending"
	StatusDone     = "done"
	StatusRejected = "rejected"
)

// Event types accepted by the queue.
const (
	TypeVehicleIn  = "vehicle_in"
	TypeVehicleOut = "vehicle_out"
)

// KeyLastCloudOK is the sync_state key holding the ISO time of the last
// successful snapshot pull. It survives restarts, so a gate that boots
// offline can still report how stale its mirror is.
const KeyLastCloudOK = "last_cloud_ok_at"

// Slot is one row of the local mirror. Version counts local changes on
// top of the last snapshot; every pull overwrites it with the cloud's
// value, which is the source of truth.
type Slot struct {
	SlotID    string  `json:"slotid"`
	X         int     `json:"x"`
	Y         int     `json:"y"`
	Occupied  bool    `json:"occupied"`
	Plate     *string `json:"plate"`
	Version   int     `json:"version"`
	UpdatedAt string  `json:"updated_at"`
}

// Event is one queued mutation.
type Event struct {
	ID             int64           `json:"id"`
	EventID        string          `json:"event_id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         string          `json:"status"`
	Attempts       int             `json:"attempts"`
	LastError      *string         `json:"last_error"`
	RejectedDetail *string         `json:"rejected_detail"`
	CreatedAt      string          `json:"created_at"`
	UpdatedAt      string          `json:"updated_at"`
}

// Counts summarizes the queue for /sync/status.
type Counts struct {
	Pending   int     `json:"pending"`
	Done      int     `json:"done"`
	Rejected  int     `json:"rejected"`
	LastError *string `json:"last_error"`
}

// Conflict is a rejected event paired with the slot it argued about, so
// an operator can see both sides of the disagreement.
type Conflict struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
	Detail  string          `json:"detail"`
	At      string          `json:"at"`
	Slot    *Slot           `json:"slot,omitempty"`
}

// Store wraps the gate's SQLite database.
type Store struct {
	db  *sql.DB
	clk clock.Clock
}

// Open opens (creating if needed) the gate database at path and runs
// migrations. WAL mode and a busy timeout go into the DSN so every pooled
// connection carries them.
func Open(path string, clk clock.Clock) (*Store, error) {
	if clk == nil {
		clk = clock.System()
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("localstore: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstore: ping: %w", err)
	}
	s := &Store{db: db, clk: clk}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("localstore: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	var current int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&current); err != nil {
		return err
	}
	if current >= schemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS slots_local (
		slotid     TEXT PRIMARY KEY,
		x          INTEGER NOT NULL DEFAULT 0,
		y          INTEGER NOT NULL DEFAULT 0,
		occupied   INTEGER NOT NULL DEFAULT 0,
		plate      TEXT,
		version    INTEGER NOT NULL DEFAULT 0,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS gate_events (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        TEXT NOT NULL UNIQUE,
		type            TEXT NOT NULL CHECK(type IN ('vehicle_in','vehicle_out')),
		payload         TEXT NOT NULL,
		status          TEXT NOT NULL DEFAULT 'pending' CHECK(status IN ('pending','done','rejected')),
		attempts        INTEGER NOT NULL DEFAULT 0,
		last_error      TEXT,
		rejected_detail TEXT,
		created_at      TEXT NOT NULL,
		updated_at      TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_gate_events_status ON gate_events(status, id);

	CREATE TABLE IF NOT EXISTS sync_state (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ====== Mirror ======

// ReplaceSnapshot swaps the whole mirror for the cloud's snapshot in one
// transaction. The cloud is authoritative: local optimistic rows that
// disagree get corrected here.
func (s *Store) ReplaceSnapshot(ctx context.Context, slots map[string]Slot) error {
	now := clock.ISO(s.clk.Now())
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("localstore: begin snapshot: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM slots_local`); err != nil {
		return fmt.Errorf("localstore: clear mirror: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO slots_local (slotid, x, y, occupied, plate, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("localstore: prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for id, sl := range slots {
		if _, err := stmt.ExecContext(ctx, id, sl.X, sl.Y, boolInt(sl.Occupied), sl.Plate, sl.Version, now); err != nil {
			return fmt.Errorf("localstore: insert slot %s: %w", id, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("localstore: commit snapshot: %w", err)
	}
	return nil
}

// Slots lists the mirror ordered by slot id.
func (s *Store) Slots(ctx context.Context) ([]Slot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT slotid, x, y, occupied, plate, version, updated_at
		FROM slots_local ORDER BY slotid`)
	if err != nil {
		return nil, fmt.Errorf("localstore: list slots: %w", err)
	}
	defer rows.Close()

	var out []Slot
	for rows.Next() {
		sl, err := scanSlot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sl)
	}
	return out, rows.Err()
}

// Slot fetches one mirror row.
func (s *Store) Slot(ctx context.Context, slotID string) (Slot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slotid, x, y, occupied, plate, version, updated_at
		FROM slots_local WHERE slotid = ?`, slotID)
	sl, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return Slot{}, false, nil
	}
	if err != nil {
		return Slot{}, false, err
	}
	return sl, true, nil
}

// FirstFreeSlot returns the lexicographically first unoccupied slot. This
// is the offline fallback for suggestions: deterministic, no distance
// data needed.
func (s *Store) FirstFreeSlot(ctx context.Context) (Slot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slotid, x, y, occupied, plate, version, updated_at
		FROM slots_local WHERE occupied = 0 ORDER BY slotid LIMIT 1`)
	sl, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return Slot{}, false, nil
	}
	if err != nil {
		return Slot{}, false, err
	}
	return sl, true, nil
}

// OccupiedByPlate finds the slot currently holding a plate.
func (s *Store) OccupiedByPlate(ctx context.Context, plate string) (Slot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT slotid, x, y, occupied, plate, version, updated_at
		FROM slots_local WHERE occupied = 1 AND plate = ? ORDER BY slotid LIMIT 1`, plate)
	sl, err := scanSlot(row)
	if err == sql.ErrNoRows {
		return Slot{}, false, nil
	}
	if err != nil {
		return Slot{}, false, err
	}
	return sl, true, nil
}

// MarkOccupied applies an optimistic local entry or a websocket delta.
func (s *Store) MarkOccupied(ctx context.Context, slotID, plate string) error {
	return s.setOccupancy(ctx, slotID, true, &plate)
}

// MarkFree applies an optimistic local exit or a websocket delta.
func (s *Store) MarkFree(ctx context.Context, slotID string) error {
	return s.setOccupancy(ctx, slotID, false, nil)
}

func (s *Store) setOccupancy(ctx context.Context, slotID string, occupied bool, plate *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE slots_local SET occupied = ?, plate = ?, version = version + 1, updated_at = ?
		WHERE slotid = ?`,
		boolInt(occupied), plate, clock.ISO(s.clk.Now()), slotID)
	if err != nil {
		return fmt.Errorf("localstore: set occupancy %s: %w", slotID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "slot %s not in local mirror", slotID)
	}
	return nil
}

// ====== Queue ======

// Enqueue appends an event for upload and returns its queue row id.
// Event ids are unique; replaying one is a conflict.
func (s *Store) Enqueue(ctx context.Context, eventID, typ string, payload []byte) (int64, error) {
	now := clock.ISO(s.clk.Now())
	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO gate_events (event_id, type, payload, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)`,
		eventID, typ, string(payload), now, now)
	if err != nil {
		return 0, fmt.Errorf("localstore: enqueue %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, fault.Errorf(fault.Conflict, "DUPLICATE_EVENT", "event %s already queued", eventID)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, nil
}

// PendingOldestFirst returns up to limit pending events in insertion
// order. Order matters: an exit must not overtake its own entry.
func (s *Store) PendingOldestFirst(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, event_id, type, payload, status, attempts, last_error, rejected_detail, created_at, updated_at
		FROM gate_events WHERE status = 'pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("localstore: list pending: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// MarkDone records that the cloud accepted the event.
func (s *Store) MarkDone(ctx context.Context, id int64) error {
	return s.finish(ctx, id, StatusDone, nil)
}

// MarkRejected parks the event permanently with the cloud's refusal code.
// Rejected events stop blocking the queue.
func (s *Store) MarkRejected(ctx context.Context, id int64, detail string) error {
	return s.finish(ctx, id, StatusRejected, &detail)
}

func (s *Store) finish(ctx context.Context, id int64, status string, detail *string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE gate_events SET status = ?, rejected_detail = ?, updated_at = ?
		WHERE id = ? AND status = 'pending'`,
		status, detail, clock.ISO(s.clk.Now()), id)
	if err != nil {
		return fmt.Errorf("localstore: finish event %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fault.Errorf(fault.NotFound, "EVENT_NOT_FOUND", "no pending event %d", id)
	}
	return nil
}

// RecordError notes a transient upload failure and keeps the event
// pending for the next pass.
func (s *Store) RecordError(ctx context.Context, id int64, msg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE gate_events SET attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?`, msg, clock.ISO(s.clk.Now()), id)
	if err != nil {
		return fmt.Errorf("localstore: record error on %d: %w", id, err)
	}
	return nil
}

// QueueCounts summarizes the queue. LastError is the most recent upload
// failure across pending events, if any.
func (s *Store) QueueCounts(ctx context.Context) (Counts, error) {
	var c Counts
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM gate_events GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("localstore: count queue: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, err
		}
		switch status {
		case StatusPending:
			c.Pending = n
		case StatusDone:
			c.Done = n
		case StatusRejected:
			c.Rejected = n
		}
	}
	if err := rows.Err(); err != nil {
		return Counts{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		SELECT last_error FROM gate_events
		WHERE status = 'pending' AND last_error IS NOT NULL
		ORDER BY updated_at DESC LIMIT 1`)
	var lastErr sql.NullString
	if err := row.Scan(&lastErr); err != nil && err != sql.ErrNoRows {
		return Counts{}, err
	}
	if lastErr.Valid {
		c.LastError = &lastErr.String
	}
	return c, nil
}

// ====== Sync state ======

// SetSyncState upserts one sync_state entry.
func (s *Store) SetSyncState(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("localstore: set sync state %s: %w", key, err)
	}
	return nil
}

// SyncState reads one sync_state entry.
func (s *Store) SyncState(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM sync_state WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("localstore: get sync state %s: %w", key, err)
	}
	return value, true, nil
}

// Conflicts lists rejected events joined with the slot each one argued
// about, newest first.
func (s *Store) Conflicts(ctx context.Context) ([]Conflict, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, type, payload, rejected_detail, updated_at
		FROM gate_events WHERE status = 'rejected' ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("localstore: list conflicts: %w", err)
	}
	defer rows.Close()

	var out []Conflict
	for rows.Next() {
		var c Conflict
		var payload string
		var detail sql.NullString
		if err := rows.Scan(&c.EventID, &c.Type, &payload, &detail, &c.At); err != nil {
			return nil, err
		}
		c.Payload = json.RawMessage(payload)
		if detail.Valid {
			c.Detail = detail.String
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range out {
		var ref struct {
			SlotID string `json:"slotid"`
			Plate  string `json:"plate"`
		}
		if err := json.Unmarshal(out[i].Payload, &ref); err != nil {
			continue
		}
		switch {
		case ref.SlotID != "":
			if sl, ok, err := s.Slot(ctx, ref.SlotID); err == nil && ok {
				out[i].Slot = &sl
			}
		case ref.Plate != "":
			if sl, ok, err := s.OccupiedByPlate(ctx, ref.Plate); err == nil && ok {
				out[i].Slot = &sl
			}
		}
	}
	return out, nil
}

// ====== Scanning ======

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSlot(r rowScanner) (Slot, error) {
	var sl Slot
	var occupied int
	var plate sql.NullString
	if err := r.Scan(&sl.SlotID, &sl.X, &sl.Y, &occupied, &plate, &sl.Version, &sl.UpdatedAt); err != nil {
		return Slot{}, err
	}
	sl.Occupied = occupied != 0
	if plate.Valid {
		sl.Plate = &plate.String
	}
	return sl, nil
}

func scanEvent(r rowScanner) (Event, error) {
	var ev Event
	var payload string
	var lastErr, detail sql.NullString
	if err := r.Scan(&ev.ID, &ev.EventID, &ev.Type, &payload, &ev.Status, &ev.Attempts, &lastErr, &detail, &ev.CreatedAt, &ev.UpdatedAt); err != nil {
		return Event{}, err
	}
	ev.Payload = json.RawMessage(payload)
	if lastErr.Valid {
		ev.LastError = &lastErr.String
	}
	if detail.Valid {
		ev.RejectedDetail = &detail.String
	}
	return ev, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
