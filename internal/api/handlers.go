package api

import (
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/parkgrid/parking/internal/core"
	"github.com/parkgrid/parking/internal/engine"
	"github.com/parkgrid/parking/internal/fault"
)

// ======================== AUTH + HEALTH ========================

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	u, err := s.engine.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK     bool    `json:"ok"`
		Token  string  `json:"token"`
		Role   string  `json:"role"`
		GateID *string `json:"gateid"`
	}{true, s.token, u.Role, u.GateID})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"gates_connected": s.hub.Connected(),
	})
}

// ======================== SLOTS ========================

func (s *Server) handleSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.engine.Slots(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK    bool        `json:"ok"`
		Slots []core.Slot `json:"slots"`
	}{true, slots})
}

func (s *Server) handleSlotsMap(w http.ResponseWriter, r *http.Request) {
	m, err := s.engine.SlotsMap(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		engine.SlotsMap
	}{true, m})
}

func (s *Server) handleSuggest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		GateID  string `json:"gateid"`
		Reserve *bool  `json:"reserve"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	reserve := req.Reserve == nil || *req.Reserve
	sug, err := s.engine.SuggestSlot(r.Context(), req.GateID, reserve)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sug)
}

func (s *Server) handleSlotInfo(w http.ResponseWriter, r *http.Request) {
	info, err := s.engine.SlotInfo(r.Context(), mux.Vars(r)["slotid"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		core.SlotInfo
	}{true, info})
}

// ======================== MUTATIONS ========================

func (s *Server) handleVehicleIn(w http.ResponseWriter, r *http.Request) {
	var ev engine.InEvent
	if err := decodeBody(r, &ev); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.engine.VehicleIn(r.Context(), ev)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleVehicleOut(w http.ResponseWriter, r *http.Request) {
	var ev engine.OutEvent
	if err := decodeBody(r, &ev); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.engine.VehicleOut(r.Context(), ev)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ======================== READS ========================

func (s *Server) handleVehicles(w http.ResponseWriter, r *http.Request) {
	var open *bool
	if v := r.URL.Query().Get("open"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeErr(w, fault.New(fault.BadInput, "BAD_QUERY", "open must be true or false"))
			return
		}
		open = &b
	}
	vehicles, err := s.engine.Vehicles(r.Context(), open)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK       bool           `json:"ok"`
		Vehicles []core.Vehicle `json:"vehicles"`
	}{true, vehicles})
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeErr(w, fault.New(fault.BadInput, "BAD_QUERY", "limit must be a non-negative integer"))
			return
		}
		limit = n
	}
	txns, err := s.engine.Transactions(r.Context(), q.Get("status"), q.Get("plate"), limit)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK           bool               `json:"ok"`
		Transactions []core.Transaction `json:"transactions"`
	}{true, txns})
}

func (s *Server) handleGates(w http.ResponseWriter, r *http.Request) {
	gates, err := s.engine.Gates(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK    bool        `json:"ok"`
		Gates []core.Gate `json:"gates"`
	}{true, gates})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Heartbeat(r.Context(), mux.Vars(r)["gateid"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.ReservationInfo(r.Context(), mux.Vars(r)["slotid"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK bool `json:"ok"`
		engine.Reservation
	}{true, res})
}

// ======================== ADMIN ========================

func (s *Server) handleSlotCreate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SlotID string `json:"slotid"`
		X      int    `json:"x"`
		Y      int    `json:"y"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	slot, err := s.engine.CreateSlot(r.Context(), req.SlotID, req.X, req.Y)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK   bool      `json:"ok"`
		Slot core.Slot `json:"slot"`
	}{true, slot})
}

func (s *Server) handleSlotUpdate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		X int `json:"x"`
		Y int `json:"y"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	slot, err := s.engine.UpdateSlot(r.Context(), mux.Vars(r)["slotid"], req.X, req.Y)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK   bool      `json:"ok"`
		Slot core.Slot `json:"slot"`
	}{true, slot})
}

func (s *Server) handleSlotDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.DeleteSlot(r.Context(), mux.Vars(r)["slotid"]); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ======================== PAYMENTS ========================

func (s *Server) handleFeeQuote(w http.ResponseWriter, r *http.Request) {
	plate := r.URL.Query().Get("plate")
	if plate == "" {
		writeErr(w, fault.New(fault.BadInput, "MISSING_PLATE", "plate query param is required"))
		return
	}
	amount, minutes, err := s.payments.FeeQuote(r.Context(), strings.ToUpper(strings.TrimSpace(plate)))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool   `json:"ok"`
		Plate   string `json:"plate"`
		Fee     int64  `json:"fee"`
		Minutes int64  `json:"minutes"`
	}{true, strings.ToUpper(strings.TrimSpace(plate)), amount, minutes})
}

func (s *Server) handlePaymentVietQR(w http.ResponseWriter, r *http.Request) {
	s.createPayment(w, r, core.MethodVietQR)
}

func (s *Server) handlePaymentManual(w http.ResponseWriter, r *http.Request) {
	s.createPayment(w, r, core.MethodManual)
}

func (s *Server) createPayment(w http.ResponseWriter, r *http.Request, method string) {
	var req struct {
		Plate  string `json:"plate"`
		Amount *int64 `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	plate := strings.ToUpper(strings.TrimSpace(req.Plate))
	if plate == "" {
		writeErr(w, fault.New(fault.BadInput, "MISSING_PLATE", "plate is required"))
		return
	}
	var (
		p   core.Payment
		err error
	)
	if method == core.MethodVietQR {
		p, err = s.payments.CreateVietQR(r.Context(), plate, req.Amount)
	} else {
		p, err = s.payments.CreateManual(r.Context(), plate, req.Amount)
	}
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool         `json:"ok"`
		Payment core.Payment `json:"payment"`
	}{true, p})
}

func (s *Server) handlePaymentCash(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Plate  string `json:"plate"`
		Amount int64  `json:"amount"`
	}
	if err := decodeBody(r, &req); err != nil {
		writeErr(w, err)
		return
	}
	plate := strings.ToUpper(strings.TrimSpace(req.Plate))
	if plate == "" || req.Amount <= 0 {
		writeErr(w, fault.New(fault.BadInput, "BAD_BODY", "plate and a positive amount are required"))
		return
	}
	p, err := s.payments.CreateCash(r.Context(), plate, req.Amount)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool         `json:"ok"`
		Payment core.Payment `json:"payment"`
	}{true, p})
}

func (s *Server) handlePaymentConfirm(w http.ResponseWriter, r *http.Request) {
	p, alreadyPaid, err := s.payments.Confirm(r.Context(), mux.Vars(r)["payment_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK          bool         `json:"ok"`
		AlreadyPaid bool         `json:"already_paid"`
		Payment     core.Payment `json:"payment"`
	}{true, alreadyPaid, p})
}

func (s *Server) handlePaymentGet(w http.ResponseWriter, r *http.Request) {
	p, err := s.payments.Get(r.Context(), mux.Vars(r)["payment_id"])
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK      bool         `json:"ok"`
		Payment core.Payment `json:"payment"`
	}{true, p})
}

// ======================== IMAGES ========================

func (s *Server) handleImageUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 10<<20)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeErr(w, fault.Wrap(fault.BadInput, "BAD_UPLOAD", err))
		return
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		writeErr(w, fault.New(fault.BadInput, "BAD_UPLOAD", "file field is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeErr(w, fault.Wrap(fault.BadInput, "BAD_UPLOAD", err))
		return
	}
	rel, err := s.images.Save(r.FormValue("kind"), r.FormValue("plate"), data, time.Now())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, struct {
		OK   bool   `json:"ok"`
		Path string `json:"path"`
	}{true, rel})
}

func (s *Server) handleImageGet(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(r.URL.Path, "/images/")
	f, err := s.images.Open(rel)
	if err != nil {
		writeErr(w, err)
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "image/jpeg")
	io.Copy(w, f)
}

// ======================== BUS ========================

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, mux.Vars(r)["gateid"])
}

// ======================== DOCS ========================

const docsText = `ParkGrid cloud API

Public
  POST /login                          {username, password}
  GET  /health
  GET  /metrics                        Prometheus
  GET  /payments/{payment_id}          payment poll
  GET  /images/{name}                  stored frames
  GET  /docs                           this page

Bearer token (Authorization: Bearer $SECRET_TOKEN, or ?token= for /ws)
  GET    /slots
  GET    /slots/map                    mirror snapshot
  GET    /slots/{slotid}/info
  POST   /slots/suggest                {gateid, reserve?}
  POST   /vehicle/in                   {event_id, gateid, slotid, plate, image?}
  POST   /vehicle/out                  {event_id, gateid, plate, image?}
  GET    /vehicles?open=
  GET    /transactions?status=&plate=&limit=
  GET    /gates
  POST   /gates/{gateid}/heartbeat
  GET    /reservations/{slotid}
  POST   /admin/slots                  {slotid, x, y}
  PUT    /admin/slots/{slotid}         {x, y}
  DELETE /admin/slots/{slotid}
  GET    /payments/fee?plate=
  POST   /payments/vietqr              {plate, amount?}
  POST   /payments/manual              {plate, amount?}
  POST   /payments/cash                {plate, amount}
  POST   /payments/{payment_id}/confirm
  POST   /admin/payments/{payment_id}/confirm
  POST   /images/upload                multipart: file, kind, plate
  GET    /ws/{gateid}                  event bus
`

func (s *Server) handleDocs(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	io.WriteString(w, docsText)
}
