package cloudapi

// InEvent is a vehicle_in mutation. EventID makes the call idempotent:
// resend the same event as often as needed, the effect lands once.
type InEvent struct {
	EventID string  `json:"event_id"`
	GateID  string  `json:"gateid"`
	SlotID  string  `json:"slotid"`
	Plate   string  `json:"plate"`
	Image   string  `json:"image,omitempty"`
	Ts      float64 `json:"ts,omitempty"`
}

// InResult answers a vehicle_in.
type InResult struct {
	OK      bool   `json:"ok"`
	Dedup   bool   `json:"dedup,omitempty"`
	Plate   string `json:"plate,omitempty"`
	SlotID  string `json:"slotid,omitempty"`
	TimeIn  string `json:"time_in,omitempty"`
	Version int    `json:"version,omitempty"`
}

// OutEvent is a vehicle_out mutation.
type OutEvent struct {
	EventID string  `json:"event_id"`
	GateID  string  `json:"gateid"`
	Plate   string  `json:"plate"`
	Image   string  `json:"image,omitempty"`
	Ts      float64 `json:"ts,omitempty"`
}

// OutResult answers a vehicle_out with the authoritative fee.
type OutResult struct {
	OK              bool   `json:"ok"`
	Dedup           bool   `json:"dedup,omitempty"`
	Plate           string `json:"plate,omitempty"`
	SlotID          string `json:"slotid,omitempty"`
	Fee             int64  `json:"fee"`
	DurationMinutes int64  `json:"duration_minutes"`
	TimeOut         string `json:"time_out,omitempty"`
}

// Slot is one row of the mirror snapshot.
type Slot struct {
	X        int     `json:"x"`
	Y        int     `json:"y"`
	Occupied bool    `json:"occupied"`
	Plate    *string `json:"plate"`
	Version  int     `json:"version"`
}

// SlotsMap is the wholesale snapshot gates pull every few seconds.
type SlotsMap struct {
	OK    bool            `json:"ok"`
	Slots map[string]Slot `json:"slots"`
	Ts    string          `json:"ts"`
}

// Suggestion answers suggest_slot. TTL is the reservation lifetime in
// seconds when Reserved is true.
type Suggestion struct {
	OK       bool   `json:"ok"`
	SlotID   string `json:"slotid"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Reserved bool   `json:"reserved"`
	TTL      int    `json:"ttl,omitempty"`
}

// Gate is a lane controller and its liveness.
type Gate struct {
	GateID   string  `json:"gateid"`
	Name     string  `json:"name"`
	Location string  `json:"location"`
	X        int     `json:"x"`
	Y        int     `json:"y"`
	LastSync *string `json:"last_sync"`
	Online   bool    `json:"online"`
}
