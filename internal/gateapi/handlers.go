package gateapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/parkgrid/parking/internal/bus"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/images"
	"github.com/parkgrid/parking/internal/localstore"
	"github.com/parkgrid/parking/internal/metrics"
	"github.com/parkgrid/parking/pkg/cloudapi"
)

// ======================== PUBLIC ========================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	counts, err := s.local.QueueCounts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "gate": s.gateID})
		return
	}
	slots, err := s.local.Slots(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "degraded", "gate": s.gateID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"gate":           s.gateID,
		"cloud_online":   s.cloudOnline(),
		"pending_events": counts.Pending,
		"slots":          len(slots),
	})
}

func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/images/")
	// UIs hand back event paths verbatim, prefix included.
	rel = strings.TrimPrefix(rel, images.LocalPrefix)
	f, err := s.images.Open(rel)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	io.Copy(w, f)
}

// ======================== SLOTS ========================

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.local.Slots(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if slots == nil {
		slots = []localstore.Slot{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "slots": slots})
}

type suggestion struct {
	OK       bool   `json:"ok"`
	SlotID   string `json:"slotid"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	Reserved bool   `json:"reserved"`
	TTL      int    `json:"ttl,omitempty"`
	Source   string `json:"source"`
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	reserve := true
	if q := r.URL.Query().Get("reserve"); q != "" {
		v, err := strconv.ParseBool(q)
		if err != nil {
			writeErr(w, fault.Errorf(fault.BadInput, "BAD_QUERY", "reserve must be a boolean, got %q", q))
			return
		}
		reserve = v
	}

	sug, err := s.suggest(r.Context(), reserve)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

// suggest asks the cloud for the nearest slot and falls back to the
// lexicographically first free slot in the mirror when the cloud cannot
// answer. Authoritative refusals (no free slot, everything reserved) are
// forwarded, not papered over.
func (s *Server) suggest(ctx context.Context, reserve bool) (suggestion, error) {
	if report, err := s.brk.Allow(); err == nil {
		sug, err := s.cloud.SuggestSlot(ctx, s.gateID, reserve)
		switch {
		case err == nil:
			report(true)
			return suggestion{
				OK:       true,
				SlotID:   sug.SlotID,
				X:        sug.X,
				Y:        sug.Y,
				Reserved: sug.Reserved,
				TTL:      sug.TTL,
				Source:   "cloud",
			}, nil
		case !cloudapi.IsTransient(err):
			report(true)
			ae, _ := cloudapi.AsAPIError(err)
			return suggestion{}, faultFromAPI(ae)
		default:
			report(false)
			s.log.Warn().Err(err).Msg("cloud suggest unreachable, using local mirror")
		}
	}

	sl, ok, err := s.local.FirstFreeSlot(ctx)
	if err != nil {
		return suggestion{}, err
	}
	if !ok {
		return suggestion{}, fault.New(fault.NotFound, "NO_FREE_SLOT", "no free slot in local mirror")
	}
	return suggestion{OK: true, SlotID: sl.SlotID, X: sl.X, Y: sl.Y, Reserved: false, Source: "local"}, nil
}

// ====================== MUTATIONS ======================

type inRequest struct {
	Plate    string `json:"plate"`
	SlotID   string `json:"slotid"`
	ImageB64 string `json:"image_b64"`
}

func (s *Server) handleVehicleIn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req inRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	plate := core.NormalizePlate(req.Plate)
	if plate == "" {
		writeErr(w, fault.New(fault.BadInput, "MISSING_PLATE", "plate is required"))
		return
	}

	slotID := strings.TrimSpace(req.SlotID)
	if slotID == "" {
		sug, err := s.suggest(ctx, true)
		if err != nil {
			writeErr(w, err)
			return
		}
		slotID = sug.SlotID
	}

	// Local admission control. The cloud re-checks under its own lock;
	// this is the fast no for the lane display.
	sl, ok, err := s.local.Slot(ctx, slotID)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, fault.Errorf(fault.NotFound, "SLOT_NOT_FOUND", "slot %s not in local mirror", slotID))
		return
	}
	if sl.Occupied {
		writeErr(w, fault.Errorf(fault.Conflict, "SLOT_OCCUPIED", "slot %s is occupied", slotID))
		return
	}
	if _, open, err := s.local.OccupiedByPlate(ctx, plate); err != nil {
		writeErr(w, err)
		return
	} else if open {
		writeErr(w, fault.Errorf(fault.Conflict, "VEHICLE_OPEN", "plate %s is already parked", plate))
		return
	}

	ev := cloudapi.InEvent{
		EventID: uuid.NewString(),
		GateID:  s.gateID,
		SlotID:  slotID,
		Plate:   plate,
		Image:   s.storeImage(ctx, "in", plate, req.ImageB64),
		Ts:      bus.EpochSeconds(s.clk.Now()),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := s.local.MarkOccupied(ctx, slotID, plate); err != nil {
		writeErr(w, err)
		return
	}
	metrics.LocalWrites.WithLabelValues(localstore.TypeVehicleIn).Inc()

	rowID, err := s.local.Enqueue(ctx, ev.EventID, localstore.TypeVehicleIn, payload)
	if err != nil {
		writeErr(w, err)
		return
	}

	res, outcome, pushErr := s.pushIn(ctx, rowID, ev)
	switch outcome {
	case pushAccepted:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"queued":   false,
			"event_id": ev.EventID,
			"plate":    res.Plate,
			"slotid":   res.SlotID,
			"time_in":  res.TimeIn,
			"version":  res.Version,
		})
	case pushRejected:
		// The cloud refused: undo the optimistic mark so the lane sees
		// the authoritative state, and surface the cloud's code.
		if err := s.local.MarkFree(ctx, slotID); err != nil {
			s.log.Error().Err(err).Str("slot", slotID).Msg("rollback after rejection failed")
		}
		writeErr(w, pushErr)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"queued":   true,
			"event_id": ev.EventID,
			"plate":    plate,
			"slotid":   slotID,
		})
	}
}

type outRequest struct {
	Plate    string `json:"plate"`
	ImageB64 string `json:"image_b64"`
}

func (s *Server) handleVehicleOut(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req outRequest
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	plate := core.NormalizePlate(req.Plate)
	if plate == "" {
		writeErr(w, fault.New(fault.BadInput, "MISSING_PLATE", "plate is required"))
		return
	}

	sl, ok, err := s.local.OccupiedByPlate(ctx, plate)
	if err != nil {
		writeErr(w, err)
		return
	}
	if !ok {
		writeErr(w, fault.Errorf(fault.NotFound, "VEHICLE_NOT_FOUND", "no parked vehicle with plate %s", plate))
		return
	}

	ev := cloudapi.OutEvent{
		EventID: uuid.NewString(),
		GateID:  s.gateID,
		Plate:   plate,
		Image:   s.storeImage(ctx, "out", plate, req.ImageB64),
		Ts:      bus.EpochSeconds(s.clk.Now()),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		writeErr(w, err)
		return
	}

	if err := s.local.MarkFree(ctx, sl.SlotID); err != nil {
		writeErr(w, err)
		return
	}
	metrics.LocalWrites.WithLabelValues(localstore.TypeVehicleOut).Inc()

	rowID, err := s.local.Enqueue(ctx, ev.EventID, localstore.TypeVehicleOut, payload)
	if err != nil {
		writeErr(w, err)
		return
	}

	res, outcome, pushErr := s.pushOut(ctx, rowID, ev)
	switch outcome {
	case pushAccepted:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":               true,
			"queued":           false,
			"event_id":         ev.EventID,
			"plate":            res.Plate,
			"slotid":           res.SlotID,
			"fee":              res.Fee,
			"duration_minutes": res.DurationMinutes,
			"time_out":         res.TimeOut,
		})
	case pushRejected:
		if err := s.local.MarkOccupied(ctx, sl.SlotID, plate); err != nil {
			s.log.Error().Err(err).Str("slot", sl.SlotID).Msg("rollback after rejection failed")
		}
		writeErr(w, pushErr)
	default:
		writeJSON(w, http.StatusOK, map[string]any{
			"ok":       true,
			"queued":   true,
			"event_id": ev.EventID,
			"plate":    plate,
			"slotid":   sl.SlotID,
		})
	}
}

// ====== Inline push ======

type pushOutcome int

const (
	pushQueued   pushOutcome = iota // stays in the queue for the drainer
	pushAccepted                    // cloud accepted inline
	pushRejected                    // cloud refused, event parked
)

// canPushInline allows the inline shortcut only when nothing older is
// pending: skipping ahead of a backlog would break delivery order.
func (s *Server) canPushInline(ctx context.Context) bool {
	counts, err := s.local.QueueCounts(ctx)
	if err != nil {
		return false
	}
	return counts.Pending <= 1
}

func (s *Server) pushIn(ctx context.Context, rowID int64, ev cloudapi.InEvent) (cloudapi.InResult, pushOutcome, error) {
	if !s.canPushInline(ctx) {
		return cloudapi.InResult{}, pushQueued, nil
	}
	report, err := s.brk.Allow()
	if err != nil {
		return cloudapi.InResult{}, pushQueued, nil
	}
	res, err := s.cloud.VehicleIn(ctx, ev)
	return res, s.settle(ctx, rowID, report, err), s.asFault(err)
}

func (s *Server) pushOut(ctx context.Context, rowID int64, ev cloudapi.OutEvent) (cloudapi.OutResult, pushOutcome, error) {
	if !s.canPushInline(ctx) {
		return cloudapi.OutResult{}, pushQueued, nil
	}
	report, err := s.brk.Allow()
	if err != nil {
		return cloudapi.OutResult{}, pushQueued, nil
	}
	res, err := s.cloud.VehicleOut(ctx, ev)
	return res, s.settle(ctx, rowID, report, err), s.asFault(err)
}

// settle books the inline push result against the queue row and the
// breaker.
func (s *Server) settle(ctx context.Context, rowID int64, report func(bool), err error) pushOutcome {
	switch {
	case err == nil:
		report(true)
		if err := s.local.MarkDone(ctx, rowID); err != nil {
			s.log.Error().Err(err).Int64("row", rowID).Msg("mark done failed")
		}
		metrics.Drained.WithLabelValues("done").Inc()
		return pushAccepted
	case !cloudapi.IsTransient(err):
		report(true)
		detail := fault.CodeOf(s.asFault(err))
		if err := s.local.MarkRejected(ctx, rowID, detail); err != nil {
			s.log.Error().Err(err).Int64("row", rowID).Msg("mark rejected failed")
		}
		metrics.Drained.WithLabelValues("rejected").Inc()
		return pushRejected
	default:
		report(false)
		return pushQueued
	}
}

func (s *Server) asFault(err error) error {
	if err == nil {
		return nil
	}
	if ae, ok := cloudapi.AsAPIError(err); ok {
		return faultFromAPI(ae)
	}
	return fault.Wrap(fault.Unavailable, "NETWORK_UNAVAILABLE", err)
}

// storeImage decodes and saves a capture locally, then uploads a copy so
// the cloud can serve it too. Failures never block the lane: until the
// upload lands, the event carries the "local:" form and the drainer retries
// the upload when it pushes the event.
func (s *Server) storeImage(ctx context.Context, kind, plate, b64 string) string {
	if b64 == "" || s.images == nil {
		return ""
	}
	data, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		s.log.Warn().Err(err).Msg("capture is not valid base64, dropping")
		return ""
	}
	rel, err := s.images.Save(kind, plate, data, s.clk.Now())
	if err != nil {
		s.log.Warn().Err(err).Msg("local capture save failed")
		return ""
	}
	if report, err := s.brk.Allow(); err == nil {
		path, err := s.cloud.UploadImage(ctx, kind, plate, data)
		report(err == nil || !cloudapi.IsTransient(err))
		if err == nil {
			return path
		}
		s.log.Warn().Err(err).Msg("capture upload failed, keeping local path")
	}
	return images.LocalPrefix + rel
}

// ======================== SYNC =========================

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.local.QueueCounts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	var lastSnapshot *string
	if s.rec != nil {
		if t, ok := s.rec.LastSnapshot(); ok {
			iso := clock.ISO(t)
			lastSnapshot = &iso
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":            true,
		"pending":       counts.Pending,
		"done":          counts.Done,
		"rejected":      counts.Rejected,
		"last_error":    counts.LastError,
		"breaker":       s.brk.State().String(),
		"cloud_online":  s.cloudOnline(),
		"last_snapshot": lastSnapshot,
	})
}

func (s *Server) handleSyncConflicts(w http.ResponseWriter, r *http.Request) {
	conflicts, err := s.local.Conflicts(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []localstore.Conflict{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "conflicts": conflicts})
}
