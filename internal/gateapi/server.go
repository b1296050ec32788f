// Package gateapi is the gate node's lane-facing HTTP surface. Every
// endpoint answers from local state first: entries and exits land in the
// SQLite mirror and the offline queue immediately, and the cloud is
// consulted inline only when it is reachable and nothing older is still
// queued.
package gateapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/parkgrid/parking/internal/breaker"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/gatelink"
	"github.com/parkgrid/parking/internal/httpmw"
	"github.com/parkgrid/parking/internal/images"
	"github.com/parkgrid/parking/internal/localstore"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/reconciler"
	"github.com/parkgrid/parking/pkg/cloudapi"
)

// Deps carries everything the server needs. Link and Reconciler may be
// nil; the related health fields then read as offline/never.
type Deps struct {
	GateID     string
	Token      string
	Local      *localstore.Store
	Cloud      *cloudapi.Client
	Breaker    *breaker.Breaker
	Link       *gatelink.Link
	Reconciler *reconciler.Reconciler
	Images     *images.Store
	Clock      clock.Clock
}

// Server handles the gate's local API.
type Server struct {
	gateID string
	token  string
	local  *localstore.Store
	cloud  *cloudapi.Client
	brk    *breaker.Breaker
	link   *gatelink.Link
	rec    *reconciler.Reconciler
	images *images.Store
	clk    clock.Clock
	log    zerolog.Logger
}

func NewServer(d Deps) *Server {
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	return &Server{
		gateID: d.GateID,
		token:  d.Token,
		local:  d.Local,
		cloud:  d.Cloud,
		brk:    d.Breaker,
		link:   d.Link,
		rec:    d.Reconciler,
		images: d.Images,
		clk:    d.Clock,
		log:    log.WithComponent("gateapi"),
	}
}

// Router builds the route table behind the shared middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// ======================== PUBLIC ========================

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.PathPrefix("/images/").HandlerFunc(s.handleImageGet).Methods("GET")

	// ======================== SLOTS ========================

	r.HandleFunc("/slots", s.handleSlots).Methods("GET")
	r.HandleFunc("/slots/suggest", s.handleSuggest).Methods("GET")

	// ====================== MUTATIONS ======================

	r.HandleFunc("/vehicle/in", s.handleVehicleIn).Methods("POST")
	r.HandleFunc("/vehicle/out", s.handleVehicleOut).Methods("POST")

	// ======================== SYNC =========================

	r.HandleFunc("/sync/status", s.handleSyncStatus).Methods("GET")
	r.HandleFunc("/sync/conflicts", s.handleSyncConflicts).Methods("GET")

	var h http.Handler = r
	h = httpmw.BearerAuth(s.token, gatePublic)(h)
	h = httpmw.RequestLogger(s.log)(h)
	h = httpmw.Recover(s.log)(h)
	return h
}

// gatePublic exempts liveness, metrics and stored captures.
func gatePublic(r *http.Request) bool {
	if r.Method != http.MethodGet {
		return false
	}
	p := r.URL.Path
	return p == "/health" || p == "/metrics" || strings.HasPrefix(p, "/images/")
}

// cloudOnline is the display truth for operators: the bus session is up.
func (s *Server) cloudOnline() bool {
	return s.link != nil && s.link.Online()
}

// ====== Responses ======

type errBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errEnvelope struct {
	OK    bool    `json:"ok"`
	Error errBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, err error) {
	writeJSON(w, fault.HTTPStatus(err), errEnvelope{
		Error: errBody{Code: fault.CodeOf(err), Message: fault.MessageOf(err)},
	})
}

func decodeBody(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fault.Wrap(fault.BadInput, "BAD_BODY", err)
	}
	return nil
}

// faultFromAPI translates a cloud rejection into the local error taxonomy
// so the gate's own envelope carries the cloud's code unchanged.
func faultFromAPI(ae *cloudapi.APIError) error {
	kind := fault.Internal
	switch ae.Status {
	case http.StatusBadRequest:
		kind = fault.BadInput
	case http.StatusUnauthorized:
		kind = fault.Unauthorized
	case http.StatusNotFound:
		kind = fault.NotFound
	case http.StatusConflict:
		kind = fault.Conflict
	case http.StatusServiceUnavailable:
		kind = fault.Unavailable
	case http.StatusGatewayTimeout:
		kind = fault.Timeout
	}
	return fault.New(kind, ae.Code, ae.Message)
}
