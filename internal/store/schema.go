package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema is the authoritative DDL. Every statement is idempotent so the
// cloud can apply it on every boot; parkctl init applies the same script.
//
// The two partial unique indexes are the hard backstop behind the engine's
// pre-checks: at most one open vehicle session and one open transaction per
// plate, enforced even if two mutations race past the SELECTs.
const Schema = `
CREATE TABLE IF NOT EXISTS gates (
    gateid    TEXT PRIMARY KEY,
    name      TEXT NOT NULL DEFAULT '',
    location  TEXT NOT NULL DEFAULT '',
    x         INT  NOT NULL DEFAULT 0,
    y         INT  NOT NULL DEFAULT 0,
    last_sync TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS slots (
    slotid     TEXT PRIMARY KEY,
    x          INT NOT NULL DEFAULT 0,
    y          INT NOT NULL DEFAULT 0,
    occupied   BOOLEAN NOT NULL DEFAULT FALSE,
    plate      TEXT,
    version    INT NOT NULL DEFAULT 0,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS vehicles (
    id        BIGSERIAL PRIMARY KEY,
    plate     TEXT NOT NULL,
    slotid    TEXT NOT NULL,
    time_in   TIMESTAMPTZ NOT NULL,
    time_out  TIMESTAMPTZ,
    image_in  TEXT,
    image_out TEXT,
    gate_in   TEXT NOT NULL DEFAULT '',
    gate_out  TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS vehicles_open_plate
    ON vehicles (plate) WHERE time_out IS NULL;

CREATE TABLE IF NOT EXISTS transactions (
    id       BIGSERIAL PRIMARY KEY,
    plate    TEXT NOT NULL,
    slotid   TEXT NOT NULL,
    time_in  TIMESTAMPTZ NOT NULL,
    time_out TIMESTAMPTZ,
    fee      BIGINT,
    status   TEXT NOT NULL DEFAULT 'open',
    gate_in  TEXT NOT NULL DEFAULT '',
    gate_out TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS transactions_open_plate
    ON transactions (plate) WHERE status = 'open';

CREATE TABLE IF NOT EXISTS processed_events (
    event_id     TEXT PRIMARY KEY,
    gateid       TEXT NOT NULL,
    event_type   TEXT NOT NULL,
    processed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS payments (
    payment_id       TEXT PRIMARY KEY,
    plate            TEXT NOT NULL,
    amount           BIGINT NOT NULL,
    method           TEXT NOT NULL,
    status           TEXT NOT NULL DEFAULT 'PENDING',
    transfer_content TEXT NOT NULL,
    qr_url           TEXT,
    created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
    paid_at          TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS users (
    username      TEXT PRIMARY KEY,
    password_hash TEXT NOT NULL,
    role          TEXT NOT NULL DEFAULT 'gate',
    gateid        TEXT
);
`

// Migrate applies the schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("store: apply schema: %w", err)
	}
	return nil
}
