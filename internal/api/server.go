// Package api is the cloud HTTP surface: REST/JSON for gates, admin tools
// and the payment page, plus the WebSocket bus endpoint.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/parkgrid/parking/internal/bus"
	"github.com/parkgrid/parking/internal/engine"
	"github.com/parkgrid/parking/internal/httpmw"
	"github.com/parkgrid/parking/internal/images"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/payment"
)

// Server wires the engine, the payment service, the hub and the image store
// into one router. The caller owns the http.Server for graceful shutdown.
type Server struct {
	engine   *engine.Engine
	payments *payment.Service
	hub      *bus.Hub
	images   *images.Store
	token    string
	log      zerolog.Logger
}

func NewServer(eng *engine.Engine, pay *payment.Service, hub *bus.Hub, img *images.Store, token string) *Server {
	return &Server{
		engine:   eng,
		payments: pay,
		hub:      hub,
		images:   img,
		token:    token,
		log:      log.WithComponent("api"),
	}
}

// Router builds the full route table behind the middleware chain.
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()

	// ======================== PUBLIC ========================

	r.HandleFunc("/login", s.handleLogin).Methods("POST")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/docs", s.handleDocs).Methods("GET")
	r.PathPrefix("/images/").HandlerFunc(s.handleImageGet).Methods("GET")

	// ======================== SLOTS ========================

	r.HandleFunc("/slots", s.handleSlots).Methods("GET")
	r.HandleFunc("/slots/map", s.handleSlotsMap).Methods("GET")
	r.HandleFunc("/slots/suggest", s.handleSuggest).Methods("POST")
	r.HandleFunc("/slots/{slotid}/info", s.handleSlotInfo).Methods("GET")

	// ====================== MUTATIONS ======================

	r.HandleFunc("/vehicle/in", s.handleVehicleIn).Methods("POST")
	r.HandleFunc("/vehicle/out", s.handleVehicleOut).Methods("POST")

	// ======================== READS ========================

	r.HandleFunc("/vehicles", s.handleVehicles).Methods("GET")
	r.HandleFunc("/transactions", s.handleTransactions).Methods("GET")
	r.HandleFunc("/gates", s.handleGates).Methods("GET")
	r.HandleFunc("/gates/{gateid}/heartbeat", s.handleHeartbeat).Methods("POST")
	r.HandleFunc("/reservations/{slotid}", s.handleReservation).Methods("GET")

	// ======================== ADMIN ========================

	r.HandleFunc("/admin/slots", s.handleSlotCreate).Methods("POST")
	r.HandleFunc("/admin/slots/{slotid}", s.handleSlotUpdate).Methods("PUT")
	r.HandleFunc("/admin/slots/{slotid}", s.handleSlotDelete).Methods("DELETE")
	r.HandleFunc("/admin/payments/{payment_id}/confirm", s.handlePaymentConfirm).Methods("POST")

	// ======================= PAYMENTS ======================

	r.HandleFunc("/payments/fee", s.handleFeeQuote).Methods("GET")
	r.HandleFunc("/payments/vietqr", s.handlePaymentVietQR).Methods("POST")
	r.HandleFunc("/payments/manual", s.handlePaymentManual).Methods("POST")
	r.HandleFunc("/payments/cash", s.handlePaymentCash).Methods("POST")
	r.HandleFunc("/payments/{payment_id}/confirm", s.handlePaymentConfirm).Methods("POST")
	r.HandleFunc("/payments/{payment_id}", s.handlePaymentGet).Methods("GET")

	// ======================== IMAGES =======================

	r.HandleFunc("/images/upload", s.handleImageUpload).Methods("POST")

	// ========================= BUS =========================

	r.HandleFunc("/ws/{gateid}", s.handleWS).Methods("GET")

	var h http.Handler = r
	h = httpmw.BearerAuth(s.token, isPublic)(h)
	h = httpmw.RequestLogger(s.log)(h)
	h = httpmw.Recover(s.log)(h)
	return h
}
