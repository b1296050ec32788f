// Package store is the authoritative persistence boundary of the cloud
// service. Postgres backs production; an in-memory implementation with the
// same semantics keeps the service bootable without a database and carries
// the engine's unit tests.
package store

import (
	"context"
	"time"

	"github.com/parkgrid/parking/internal/core"
)

// Tx is the transactional view the mutation engine composes its steps on.
// Implementations guarantee that SlotForUpdate serializes concurrent
// mutators of the same slot until the transaction ends.
type Tx interface {
	HasProcessedEvent(ctx context.Context, eventID string) (bool, error)
	InsertProcessedEvent(ctx context.Context, ev core.ProcessedEvent) error

	GateExists(ctx context.Context, gateID string) (bool, error)

	SlotForUpdate(ctx context.Context, slotID string) (core.Slot, error)
	SetSlotOccupancy(ctx context.Context, slotID string, occupied bool, plate *string, at time.Time) (version int, err error)

	OpenVehicleByPlate(ctx context.Context, plate string) (core.Vehicle, bool, error)
	InsertVehicle(ctx context.Context, v core.Vehicle) (int64, error)
	CloseVehicle(ctx context.Context, id int64, at time.Time, imageOut *string, gateOut string) error

	OpenTransactionByPlate(ctx context.Context, plate string) (core.Transaction, bool, error)
	InsertTransaction(ctx context.Context, t core.Transaction) (int64, error)
	CloseTransaction(ctx context.Context, id int64, at time.Time, fee int64, gateOut string) error
}

// Store is what the engine, the payment service and the HTTP layer depend
// on. Read methods run outside transactions; Mutate runs fn inside exactly
// one transaction and commits iff fn returns nil.
type Store interface {
	Mutate(ctx context.Context, fn func(Tx) error) error

	Slots(ctx context.Context) ([]core.Slot, error)
	Slot(ctx context.Context, slotID string) (core.Slot, error)
	CreateSlot(ctx context.Context, s core.Slot) error
	UpdateSlotGeometry(ctx context.Context, slotID string, x, y int, at time.Time) error
	DeleteSlot(ctx context.Context, slotID string) error

	Gates(ctx context.Context) ([]core.Gate, error)
	Gate(ctx context.Context, gateID string) (core.Gate, error)
	UpsertGate(ctx context.Context, g core.Gate) error
	TouchGateSync(ctx context.Context, gateID string, at time.Time) error

	Vehicles(ctx context.Context, open *bool) ([]core.Vehicle, error)
	OpenVehicleBySlot(ctx context.Context, slotID string) (core.Vehicle, bool, error)
	OpenVehicleByPlate(ctx context.Context, plate string) (core.Vehicle, bool, error)

	Transactions(ctx context.Context, status, plate string, limit int) ([]core.Transaction, error)
	OpenTransactionByPlate(ctx context.Context, plate string) (core.Transaction, bool, error)

	CreatePayment(ctx context.Context, p core.Payment) error
	Payment(ctx context.Context, paymentID string) (core.Payment, error)
	// ConfirmPayment flips PENDING→PAID once; the second confirm reports
	// alreadyPaid=true without touching the row.
	ConfirmPayment(ctx context.Context, paymentID string, at time.Time) (alreadyPaid bool, err error)

	UserByName(ctx context.Context, username string) (core.User, error)
	CreateUser(ctx context.Context, u core.User) error

	// SweepProcessedEvents deletes ledger rows older than before and
	// reports how many went.
	SweepProcessedEvents(ctx context.Context, before time.Time) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
