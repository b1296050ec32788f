// Package bus is the WebSocket event hub: one session per gate, fan-out of
// committed mutations, heartbeat bookkeeping and an optional Redis relay so
// multiple cloud pods share one logical bus.
package bus

import (
	"encoding/json"
	"time"
)

// Frame types on the wire.
const (
	TypeHeartbeat  = "heartbeat"
	TypePing       = "ping"
	TypePong       = "pong"
	TypeSyncEvent  = "sync_event"
	TypeSlotUpdate = "slot_update"
	TypeVehicleIn  = "vehicle_in"
	TypeVehicleOut = "vehicle_out"
)

// Frame is the decode side of the tagged bus protocol: one struct carries
// the superset of fields, the Type tag says which ones matter. Gates and the
// hub dispatch on Type in a single switch.
type Frame struct {
	Type     string          `json:"type"`
	Gate     string          `json:"gate,omitempty"`
	Ts       float64         `json:"ts,omitempty"`        // epoch seconds, client clock
	ServerTs float64         `json:"server_ts,omitempty"` // epoch seconds, hub clock (pong)
	SlotID   string          `json:"slotId,omitempty"`
	Occupied *bool           `json:"occupied,omitempty"`
	Plate    *string         `json:"plate,omitempty"`
	Fee      *int64          `json:"fee,omitempty"`
	At       string          `json:"at,omitempty"` // ISO timestamp on vehicle notifications
	Event    json.RawMessage `json:"event,omitempty"`
}

// Decode parses a raw bus message.
func Decode(data []byte) (Frame, error) {
	var f Frame
	err := json.Unmarshal(data, &f)
	return f, err
}

// Encoded is a marshaled frame ready for fan-out; Type rides along for
// metrics and relay labels.
type Encoded struct {
	Type string
	Data []byte
}

// SlotUpdate announces a committed occupancy change. Plate is explicitly
// null when the slot was freed, so UIs can bind it directly.
func SlotUpdate(slotID string, occupied bool, plate *string) Encoded {
	data, _ := json.Marshal(struct {
		Type     string  `json:"type"`
		SlotID   string  `json:"slotId"`
		Occupied bool    `json:"occupied"`
		Plate    *string `json:"plate"`
	}{TypeSlotUpdate, slotID, occupied, plate})
	return Encoded{Type: TypeSlotUpdate, Data: data}
}

// VehicleIn announces a committed entry.
func VehicleIn(plate, slotID, gate string, at string) Encoded {
	data, _ := json.Marshal(struct {
		Type   string `json:"type"`
		Plate  string `json:"plate"`
		SlotID string `json:"slotId"`
		Gate   string `json:"gate"`
		At     string `json:"at"`
	}{TypeVehicleIn, plate, slotID, gate, at})
	return Encoded{Type: TypeVehicleIn, Data: data}
}

// VehicleOut announces a committed exit with the final fee.
func VehicleOut(plate string, fee int64, gate string, at string) Encoded {
	data, _ := json.Marshal(struct {
		Type  string `json:"type"`
		Plate string `json:"plate"`
		Fee   int64  `json:"fee"`
		Gate  string `json:"gate"`
		At    string `json:"at"`
	}{TypeVehicleOut, plate, fee, gate, at})
	return Encoded{Type: TypeVehicleOut, Data: data}
}

// Heartbeat is sent by gates every few seconds; the hub re-broadcasts it to
// the other gates and touches last_sync.
func Heartbeat(gate string, ts float64) Encoded {
	data, _ := json.Marshal(struct {
		Type string  `json:"type"`
		Gate string  `json:"gate"`
		Ts   float64 `json:"ts"`
	}{TypeHeartbeat, gate, ts})
	return Encoded{Type: TypeHeartbeat, Data: data}
}

// Ping asks the hub for a pong; gates use the echoed ts for RTT.
func Ping(gate string, ts float64) Encoded {
	data, _ := json.Marshal(struct {
		Type string  `json:"type"`
		Gate string  `json:"gate"`
		Ts   float64 `json:"ts"`
	}{TypePing, gate, ts})
	return Encoded{Type: TypePing, Data: data}
}

// Pong answers a ping to the sender only.
func Pong(gate string, ts, serverTs float64) Encoded {
	data, _ := json.Marshal(struct {
		Type     string  `json:"type"`
		Gate     string  `json:"gate"`
		Ts       float64 `json:"ts"`
		ServerTs float64 `json:"server_ts"`
	}{TypePong, gate, ts, serverTs})
	return Encoded{Type: TypePong, Data: data}
}

// SyncEvent wraps an arbitrary gate-originated event for whole-lot fan-out.
func SyncEvent(gate string, event json.RawMessage) Encoded {
	data, _ := json.Marshal(struct {
		Type  string          `json:"type"`
		Gate  string          `json:"gate"`
		Event json.RawMessage `json:"event"`
	}{TypeSyncEvent, gate, event})
	return Encoded{Type: TypeSyncEvent, Data: data}
}

// EpochSeconds renders a timestamp the way ts/server_ts travel on the wire.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}
