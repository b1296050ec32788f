package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
)

// Postgres is the production Store.
type Postgres struct {
	db *sql.DB
}

// OpenPostgres connects, pings with a short deadline and applies the schema.
func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fault.Wrap(fault.Unavailable, "DB_UNREACHABLE", err)
	}
	if err := Migrate(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Postgres{db: db}, nil
}

// DB exposes the handle for parkctl's seeding statements.
func (p *Postgres) DB() *sql.DB { return p.db }

func (p *Postgres) Ping(ctx context.Context) error { return p.db.PingContext(ctx) }
func (p *Postgres) Close() error                   { return p.db.Close() }

// =============================================================================
// TRANSACTIONS
// =============================================================================

func (p *Postgres) Mutate(ctx context.Context, fn func(Tx) error) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin: %w", err)
	}
	if err := fn(&pgTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit: %w", err)
	}
	return nil
}

type pgTx struct {
	tx *sql.Tx
}

func (t *pgTx) HasProcessedEvent(ctx context.Context, eventID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx,
		`SELECT 1 FROM processed_events WHERE event_id = $1`, eventID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query processed event: %w", err)
	}
	return true, nil
}

func (t *pgTx) InsertProcessedEvent(ctx context.Context, ev core.ProcessedEvent) error {
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO processed_events (event_id, gateid, event_type, processed_at)
		 VALUES ($1, $2, $3, $4)`,
		ev.EventID, ev.GateID, ev.EventType, ev.ProcessedAt)
	if isUniqueViolation(err, "") {
		return fault.Errorf(fault.Conflict, "DUPLICATE_EVENT", "event %s already processed", ev.EventID)
	}
	if err != nil {
		return fmt.Errorf("store: insert processed event: %w", err)
	}
	return nil
}

func (t *pgTx) GateExists(ctx context.Context, gateID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM gates WHERE gateid = $1`, gateID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: query gate: %w", err)
	}
	return true, nil
}

// SlotForUpdate takes the row lock that serializes concurrent mutations of
// one slot: the loser of a race blocks here until the winner commits, then
// sees the updated occupancy.
func (t *pgTx) SlotForUpdate(ctx context.Context, slotID string) (core.Slot, error) {
	row := t.tx.QueryRowContext(ctx,
		`SELECT slotid, x, y, occupied, plate, version, updated_at
		   FROM slots WHERE slotid = $1 FOR UPDATE`, slotID)
	s, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Slot{}, fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	if err != nil {
		return core.Slot{}, fmt.Errorf("store: lock slot: %w", err)
	}
	return s, nil
}

func (t *pgTx) SetSlotOccupancy(ctx context.Context, slotID string, occupied bool, plate *string, at time.Time) (int, error) {
	var version int
	err := t.tx.QueryRowContext(ctx,
		`UPDATE slots SET occupied = $2, plate = $3, version = version + 1, updated_at = $4
		  WHERE slotid = $1 RETURNING version`,
		slotID, occupied, nullStr(plate), at).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	if err != nil {
		return 0, fmt.Errorf("store: update slot: %w", err)
	}
	return version, nil
}

func (t *pgTx) OpenVehicleByPlate(ctx context.Context, plate string) (core.Vehicle, bool, error) {
	row := t.tx.QueryRowContext(ctx, openVehicleByPlateSQL, plate)
	return scanVehicleMaybe(row)
}

func (t *pgTx) InsertVehicle(ctx context.Context, v core.Vehicle) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO vehicles (plate, slotid, time_in, image_in, gate_in)
		 VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		v.Plate, v.SlotID, v.TimeIn, nullStr(v.ImageIn), v.GateIn).Scan(&id)
	if isUniqueViolation(err, "vehicles_open_plate") {
		return 0, fault.Errorf(fault.Conflict, "VEHICLE_OPEN", "plate %s already has an open session", v.Plate)
	}
	if err != nil {
		return 0, fmt.Errorf("store: insert vehicle: %w", err)
	}
	return id, nil
}

func (t *pgTx) CloseVehicle(ctx context.Context, id int64, at time.Time, imageOut *string, gateOut string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE vehicles SET time_out = $2, image_out = $3, gate_out = $4
		  WHERE id = $1 AND time_out IS NULL`,
		id, at, nullStr(imageOut), gateOut)
	if err != nil {
		return fmt.Errorf("store: close vehicle: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Errorf(fault.NotFound, "VEHICLE_NOT_FOUND", "no open vehicle session %d", id)
	}
	return nil
}

func (t *pgTx) OpenTransactionByPlate(ctx context.Context, plate string) (core.Transaction, bool, error) {
	row := t.tx.QueryRowContext(ctx, openTxByPlateSQL, plate)
	return scanTransactionMaybe(row)
}

func (t *pgTx) InsertTransaction(ctx context.Context, tr core.Transaction) (int64, error) {
	var id int64
	err := t.tx.QueryRowContext(ctx,
		`INSERT INTO transactions (plate, slotid, time_in, status, gate_in)
		 VALUES ($1, $2, $3, 'open', $4) RETURNING id`,
		tr.Plate, tr.SlotID, tr.TimeIn, tr.GateIn).Scan(&id)
	if isUniqueViolation(err, "transactions_open_plate") {
		return 0, fault.Errorf(fault.Conflict, "TRANSACTION_OPEN", "plate %s already has an open transaction", tr.Plate)
	}
	if err != nil {
		return 0, fmt.Errorf("store: insert transaction: %w", err)
	}
	return id, nil
}

func (t *pgTx) CloseTransaction(ctx context.Context, id int64, at time.Time, fee int64, gateOut string) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE transactions SET time_out = $2, fee = $3, status = 'closed', gate_out = $4
		  WHERE id = $1 AND status = 'open'`,
		id, at, fee, gateOut)
	if err != nil {
		return fmt.Errorf("store: close transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Errorf(fault.NotFound, "TRANSACTION_NOT_FOUND", "no open transaction %d", id)
	}
	return nil
}

// =============================================================================
// SLOTS
// =============================================================================

const slotColumns = `slotid, x, y, occupied, plate, version, updated_at`

func (p *Postgres) Slots(ctx context.Context) ([]core.Slot, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT `+slotColumns+` FROM slots ORDER BY slotid`)
	if err != nil {
		return nil, fmt.Errorf("store: list slots: %w", err)
	}
	defer rows.Close()

	var out []core.Slot
	for rows.Next() {
		s, err := scanSlot(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan slot: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (p *Postgres) Slot(ctx context.Context, slotID string) (core.Slot, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+slotColumns+` FROM slots WHERE slotid = $1`, slotID)
	s, err := scanSlot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Slot{}, fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	if err != nil {
		return core.Slot{}, fmt.Errorf("store: get slot: %w", err)
	}
	return s, nil
}

func (p *Postgres) CreateSlot(ctx context.Context, s core.Slot) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO slots (slotid, x, y, occupied, plate, version, updated_at)
		 VALUES ($1, $2, $3, FALSE, NULL, 0, $4)`,
		s.SlotID, s.X, s.Y, s.UpdatedAt)
	if isUniqueViolation(err, "") {
		return fault.Errorf(fault.BadInput, "SLOT_EXISTS", "slot %s already exists", s.SlotID)
	}
	if err != nil {
		return fmt.Errorf("store: create slot: %w", err)
	}
	return nil
}

func (p *Postgres) UpdateSlotGeometry(ctx context.Context, slotID string, x, y int, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE slots SET x = $2, y = $3, version = version + 1, updated_at = $4
		  WHERE slotid = $1`, slotID, x, y, at)
	if err != nil {
		return fmt.Errorf("store: update slot geometry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	return nil
}

func (p *Postgres) DeleteSlot(ctx context.Context, slotID string) error {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM slots WHERE slotid = $1 AND occupied = FALSE`, slotID)
	if err != nil {
		return fmt.Errorf("store: delete slot: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	// Either missing or occupied; one more read to say which.
	var occupied bool
	err = p.db.QueryRowContext(ctx,
		`SELECT occupied FROM slots WHERE slotid = $1`, slotID).Scan(&occupied)
	if errors.Is(err, sql.ErrNoRows) {
		return fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "no slot %s", slotID)
	}
	if err != nil {
		return fmt.Errorf("store: delete slot recheck: %w", err)
	}
	return fault.Errorf(fault.Conflict, "SLOT_OCCUPIED", "slot %s is occupied", slotID)
}

// =============================================================================
// GATES
// =============================================================================

func (p *Postgres) Gates(ctx context.Context) ([]core.Gate, error) {
	rows, err := p.db.QueryContext(ctx,
		`SELECT gateid, name, location, x, y, last_sync FROM gates ORDER BY gateid`)
	if err != nil {
		return nil, fmt.Errorf("store: list gates: %w", err)
	}
	defer rows.Close()

	var out []core.Gate
	for rows.Next() {
		g, err := scanGate(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan gate: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (p *Postgres) Gate(ctx context.Context, gateID string) (core.Gate, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT gateid, name, location, x, y, last_sync FROM gates WHERE gateid = $1`, gateID)
	g, err := scanGate(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Gate{}, fault.Errorf(fault.NotFound, "GATE_NOT_FOUND", "no gate %s", gateID)
	}
	if err != nil {
		return core.Gate{}, fmt.Errorf("store: get gate: %w", err)
	}
	return g, nil
}

func (p *Postgres) UpsertGate(ctx context.Context, g core.Gate) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO gates (gateid, name, location, x, y)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (gateid) DO UPDATE
		   SET name = EXCLUDED.name, location = EXCLUDED.location,
		       x = EXCLUDED.x, y = EXCLUDED.y`,
		g.GateID, g.Name, g.Location, g.X, g.Y)
	if err != nil {
		return fmt.Errorf("store: upsert gate: %w", err)
	}
	return nil
}

func (p *Postgres) TouchGateSync(ctx context.Context, gateID string, at time.Time) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE gates SET last_sync = $2 WHERE gateid = $1`, gateID, at)
	if err != nil {
		return fmt.Errorf("store: touch gate: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fault.Errorf(fault.NotFound, "GATE_NOT_FOUND", "no gate %s", gateID)
	}
	return nil
}

// =============================================================================
// VEHICLES / TRANSACTIONS
// =============================================================================

const vehicleColumns = `id, plate, slotid, time_in, time_out, image_in, image_out, gate_in, gate_out`

const openVehicleByPlateSQL = `SELECT ` + vehicleColumns + `
	FROM vehicles WHERE plate = $1 AND time_out IS NULL`

func (p *Postgres) Vehicles(ctx context.Context, open *bool) ([]core.Vehicle, error) {
	q := `SELECT ` + vehicleColumns + ` FROM vehicles`
	switch {
	case open == nil:
	case *open:
		q += ` WHERE time_out IS NULL`
	default:
		q += ` WHERE time_out IS NOT NULL`
	}
	q += ` ORDER BY time_in DESC LIMIT 500`

	rows, err := p.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list vehicles: %w", err)
	}
	defer rows.Close()

	var out []core.Vehicle
	for rows.Next() {
		v, err := scanVehicle(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan vehicle: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

func (p *Postgres) OpenVehicleBySlot(ctx context.Context, slotID string) (core.Vehicle, bool, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+vehicleColumns+` FROM vehicles WHERE slotid = $1 AND time_out IS NULL`, slotID)
	return scanVehicleMaybe(row)
}

func (p *Postgres) OpenVehicleByPlate(ctx context.Context, plate string) (core.Vehicle, bool, error) {
	row := p.db.QueryRowContext(ctx, openVehicleByPlateSQL, plate)
	return scanVehicleMaybe(row)
}

const txColumns = `id, plate, slotid, time_in, time_out, fee, status, gate_in, gate_out`

const openTxByPlateSQL = `SELECT ` + txColumns + `
	FROM transactions WHERE plate = $1 AND status = 'open'`

func (p *Postgres) Transactions(ctx context.Context, status, plate string, limit int) ([]core.Transaction, error) {
	q := `SELECT ` + txColumns + ` FROM transactions`
	var args []any
	where := ""
	if status != "" {
		args = append(args, status)
		where = fmt.Sprintf(" WHERE status = $%d", len(args))
	}
	if plate != "" {
		args = append(args, plate)
		if where == "" {
			where = fmt.Sprintf(" WHERE plate = $%d", len(args))
		} else {
			where += fmt.Sprintf(" AND plate = $%d", len(args))
		}
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)
	q += where + fmt.Sprintf(" ORDER BY time_in DESC LIMIT $%d", len(args))

	rows, err := p.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		tr, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan transaction: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (p *Postgres) OpenTransactionByPlate(ctx context.Context, plate string) (core.Transaction, bool, error) {
	row := p.db.QueryRowContext(ctx, openTxByPlateSQL, plate)
	return scanTransactionMaybe(row)
}

// =============================================================================
// PAYMENTS / USERS / LEDGER SWEEP
// =============================================================================

func (p *Postgres) CreatePayment(ctx context.Context, pay core.Payment) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO payments (payment_id, plate, amount, method, status, transfer_content, qr_url, created_at, paid_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		pay.PaymentID, pay.Plate, pay.Amount, pay.Method, pay.Status,
		pay.TransferContent, nullStr(pay.QRURL), pay.CreatedAt, nullTime(pay.PaidAt))
	if isUniqueViolation(err, "") {
		return fault.Errorf(fault.Conflict, "PAYMENT_EXISTS", "payment %s already exists", pay.PaymentID)
	}
	if err != nil {
		return fmt.Errorf("store: create payment: %w", err)
	}
	return nil
}

func (p *Postgres) Payment(ctx context.Context, paymentID string) (core.Payment, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT payment_id, plate, amount, method, status, transfer_content, qr_url, created_at, paid_at
		   FROM payments WHERE payment_id = $1`, paymentID)
	pay, err := scanPayment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Payment{}, fault.Errorf(fault.NotFound, "PAYMENT_NOT_FOUND", "no payment %s", paymentID)
	}
	if err != nil {
		return core.Payment{}, fmt.Errorf("store: get payment: %w", err)
	}
	return pay, nil
}

func (p *Postgres) ConfirmPayment(ctx context.Context, paymentID string, at time.Time) (bool, error) {
	res, err := p.db.ExecContext(ctx,
		`UPDATE payments SET status = 'PAID', paid_at = $2
		  WHERE payment_id = $1 AND status = 'PENDING'`, paymentID, at)
	if err != nil {
		return false, fmt.Errorf("store: confirm payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return false, nil
	}
	var status string
	err = p.db.QueryRowContext(ctx,
		`SELECT status FROM payments WHERE payment_id = $1`, paymentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return false, fault.Errorf(fault.NotFound, "PAYMENT_NOT_FOUND", "no payment %s", paymentID)
	}
	if err != nil {
		return false, fmt.Errorf("store: confirm payment recheck: %w", err)
	}
	return status == core.PaymentPaid, nil
}

func (p *Postgres) UserByName(ctx context.Context, username string) (core.User, error) {
	var u core.User
	var gateID sql.NullString
	err := p.db.QueryRowContext(ctx,
		`SELECT username, password_hash, role, gateid FROM users WHERE username = $1`, username).
		Scan(&u.Username, &u.PasswordHash, &u.Role, &gateID)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, fault.Errorf(fault.NotFound, "USER_NOT_FOUND", "no user %s", username)
	}
	if err != nil {
		return core.User{}, fmt.Errorf("store: get user: %w", err)
	}
	u.GateID = strPtrOf(gateID)
	return u, nil
}

// CreateUser is an upsert so parkctl adduser doubles as a password reset.
func (p *Postgres) CreateUser(ctx context.Context, u core.User) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO users (username, password_hash, role, gateid)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (username) DO UPDATE
		   SET password_hash = EXCLUDED.password_hash, role = EXCLUDED.role, gateid = EXCLUDED.gateid`,
		u.Username, u.PasswordHash, u.Role, nullStr(u.GateID))
	if err != nil {
		return fmt.Errorf("store: create user: %w", err)
	}
	return nil
}

func (p *Postgres) SweepProcessedEvents(ctx context.Context, before time.Time) (int64, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM processed_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("store: sweep processed events: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type scanner interface {
	Scan(dest ...any) error
}

func scanSlot(r scanner) (core.Slot, error) {
	var s core.Slot
	var plate sql.NullString
	var updated time.Time
	if err := r.Scan(&s.SlotID, &s.X, &s.Y, &s.Occupied, &plate, &s.Version, &updated); err != nil {
		return core.Slot{}, err
	}
	s.Plate = strPtrOf(plate)
	s.UpdatedAt = updated.In(clock.Zone)
	return s, nil
}

func scanGate(r scanner) (core.Gate, error) {
	var g core.Gate
	var last sql.NullTime
	if err := r.Scan(&g.GateID, &g.Name, &g.Location, &g.X, &g.Y, &last); err != nil {
		return core.Gate{}, err
	}
	g.LastSync = timePtrOf(last)
	return g, nil
}

func scanVehicle(r scanner) (core.Vehicle, error) {
	var v core.Vehicle
	var timeIn time.Time
	var timeOut sql.NullTime
	var imageIn, imageOut, gateOut sql.NullString
	if err := r.Scan(&v.ID, &v.Plate, &v.SlotID, &timeIn, &timeOut,
		&imageIn, &imageOut, &v.GateIn, &gateOut); err != nil {
		return core.Vehicle{}, err
	}
	v.TimeIn = timeIn.In(clock.Zone)
	v.TimeOut = timePtrOf(timeOut)
	v.ImageIn = strPtrOf(imageIn)
	v.ImageOut = strPtrOf(imageOut)
	v.GateOut = strPtrOf(gateOut)
	return v, nil
}

func scanVehicleMaybe(r scanner) (core.Vehicle, bool, error) {
	v, err := scanVehicle(r)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Vehicle{}, false, nil
	}
	if err != nil {
		return core.Vehicle{}, false, fmt.Errorf("store: scan vehicle: %w", err)
	}
	return v, true, nil
}

func scanTransaction(r scanner) (core.Transaction, error) {
	var tr core.Transaction
	var timeIn time.Time
	var timeOut sql.NullTime
	var fee sql.NullInt64
	var gateOut sql.NullString
	if err := r.Scan(&tr.ID, &tr.Plate, &tr.SlotID, &timeIn, &timeOut,
		&fee, &tr.Status, &tr.GateIn, &gateOut); err != nil {
		return core.Transaction{}, err
	}
	tr.TimeIn = timeIn.In(clock.Zone)
	tr.TimeOut = timePtrOf(timeOut)
	tr.Fee = intPtrOf(fee)
	tr.GateOut = strPtrOf(gateOut)
	return tr, nil
}

func scanTransactionMaybe(r scanner) (core.Transaction, bool, error) {
	tr, err := scanTransaction(r)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Transaction{}, false, nil
	}
	if err != nil {
		return core.Transaction{}, false, fmt.Errorf("store: scan transaction: %w", err)
	}
	return tr, true, nil
}

func scanPayment(r scanner) (core.Payment, error) {
	var pay core.Payment
	var qr sql.NullString
	var created time.Time
	var paid sql.NullTime
	if err := r.Scan(&pay.PaymentID, &pay.Plate, &pay.Amount, &pay.Method, &pay.Status,
		&pay.TransferContent, &qr, &created, &paid); err != nil {
		return core.Payment{}, err
	}
	pay.QRURL = strPtrOf(qr)
	pay.CreatedAt = created.In(clock.Zone)
	pay.PaidAt = timePtrOf(paid)
	return pay, nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pe *pq.Error
	if errors.As(err, &pe) && pe.Code == "23505" {
		return constraint == "" || pe.Constraint == constraint
	}
	return false
}

func nullStr(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func strPtrOf(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func nullTime(p *time.Time) sql.NullTime {
	if p == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *p, Valid: true}
}

func timePtrOf(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.In(clock.Zone)
	return &t
}

func intPtrOf(ni sql.NullInt64) *int64 {
	if !ni.Valid {
		return nil
	}
	n := ni.Int64
	return &n
}
