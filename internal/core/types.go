// Package core holds the domain entities shared by the cloud store, the
// mutation engine and both HTTP surfaces.
package core

import (
	"strings"
	"time"
)

// OnlineWindow is how recent a gate's last_sync must be for the gate to
// count as online. Heartbeats arrive every ~4s, so 60s tolerates a few
// missed beats before flipping the flag.
const OnlineWindow = 60 * time.Second

// Event types accepted by the mutation endpoints and carried in the gate
// offline queue.
const (
	EventVehicleIn  = "vehicle_in"
	EventVehicleOut = "vehicle_out"
)

// Transaction statuses.
const (
	TxOpen   = "open"
	TxClosed = "closed"
)

// Payment statuses and methods.
const (
	PaymentPending = "PENDING"
	PaymentPaid    = "PAID"

	MethodVietQR = "vietqr"
	MethodManual = "online_manual"
	MethodCash   = "cash"
)

// User roles.
const (
	RoleAdmin = "admin"
	RoleGate  = "gate"
)

// Gate is a physical entry/exit lane controller. X/Y anchor the gate on the
// slot grid for nearest-slot suggestions.
type Gate struct {
	GateID   string     `json:"gateid"`
	Name     string     `json:"name"`
	Location string     `json:"location"`
	X        int        `json:"x"`
	Y        int        `json:"y"`
	LastSync *time.Time `json:"last_sync"`
	Online   bool       `json:"online"`
}

// IsOnline derives the online flag; it is never stored.
func (g Gate) IsOnline(now time.Time) bool {
	return g.LastSync != nil && now.Sub(*g.LastSync) <= OnlineWindow
}

// Slot is one parking space. Plate is nil exactly when Occupied is false.
// Version increments by one on every committed mutation.
type Slot struct {
	SlotID    string    `json:"slotid"`
	X         int       `json:"x"`
	Y         int       `json:"y"`
	Occupied  bool      `json:"occupied"`
	Plate     *string   `json:"plate"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Vehicle is one parking session, open while TimeOut is nil. At most one
// open session per plate.
type Vehicle struct {
	ID       int64      `json:"id"`
	Plate    string     `json:"plate"`
	SlotID   string     `json:"slotid"`
	TimeIn   time.Time  `json:"time_in"`
	TimeOut  *time.Time `json:"time_out"`
	ImageIn  *string    `json:"image_in"`
	ImageOut *string    `json:"image_out"`
	GateIn   string     `json:"gate_in"`
	GateOut  *string    `json:"gate_out"`
}

// Transaction is the billing record for a session. Fee is set when the
// transaction closes.
type Transaction struct {
	ID      int64      `json:"id"`
	Plate   string     `json:"plate"`
	SlotID  string     `json:"slotid"`
	TimeIn  time.Time  `json:"time_in"`
	TimeOut *time.Time `json:"time_out"`
	Fee     *int64     `json:"fee"`
	Status  string     `json:"status"`
	GateIn  string     `json:"gate_in"`
	GateOut *string    `json:"gate_out"`
}

// ProcessedEvent is the exactly-once ledger row. A successful insert of a
// fresh event_id is the dedup primitive every mutation relies on.
type ProcessedEvent struct {
	EventID     string    `json:"event_id"`
	GateID      string    `json:"gateid"`
	EventType   string    `json:"event_type"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Payment is an advisory receipt; vehicle_out computes the authoritative fee
// independently.
type Payment struct {
	PaymentID       string     `json:"payment_id"`
	Plate           string     `json:"plate"`
	Amount          int64      `json:"amount"`
	Method          string     `json:"method"`
	Status          string     `json:"status"`
	TransferContent string     `json:"transfer_content"`
	QRURL           *string    `json:"qr_url,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	PaidAt          *time.Time `json:"paid_at"`
}

// User backs /login. Gate users carry the gateid their lane controller
// announces on the bus.
type User struct {
	Username     string  `json:"username"`
	PasswordHash string  `json:"-"`
	Role         string  `json:"role"`
	GateID       *string `json:"gateid"`
}

// SlotInfo joins a slot with its open session and a live fee quote, for the
// slot-detail endpoint.
type SlotInfo struct {
	Slot    Slot     `json:"slot"`
	Vehicle *Vehicle `json:"vehicle,omitempty"`
	FeeNow  *int64   `json:"fee_now,omitempty"`
}

// StrPtr is a convenience for the nullable text columns.
func StrPtr(s string) *string { return &s }

// NormalizePlate canonicalizes a licence plate for storage and matching.
// Cameras and keypads disagree on case and padding; the system never does.
func NormalizePlate(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}
