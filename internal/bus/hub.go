package bus

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/fault"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/metrics"
)

// Clients are gate daemons, not browsers, and they authenticate with the
// bearer token before the upgrade; origin checks would only lock out the
// lanes.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

const (
	pongWait   = 60 * time.Second // time allowed to read the next pong
	pingPeriod = 30 * time.Second // protocol keepalive interval (must be < pongWait)
	writeWait  = 10 * time.Second // time allowed to write a message
	maxMsgSize = 512 * 1024
	sendBuffer = 256 // per-session outbound channel buffer
)

// GateToucher updates a gate's last_sync when its heartbeat arrives. The
// touch runs outside any mutation transaction.
type GateToucher interface {
	TouchGateSync(ctx context.Context, gateID string, at time.Time) error
}

type publisher interface {
	Publish(ctx context.Context, enc Encoded)
}

// Hub keeps exactly one live session per gate and fans frames out to all of
// them.
type Hub struct {
	touch GateToucher
	clk   clock.Clock
	log   zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session

	pub publisher // nil without a Redis relay
}

// NewHub builds an empty hub.
func NewHub(touch GateToucher, clk clock.Clock) *Hub {
	return &Hub{
		touch:    touch,
		clk:      clk,
		log:      log.WithComponent("hub"),
		sessions: map[string]*session{},
	}
}

// Connected lists the gates with a live session, sorted.
func (h *Hub) Connected() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.sessions))
	for gate := range h.sessions {
		out = append(out, gate)
	}
	sort.Strings(out)
	return out
}

// Broadcast fans a committed mutation out to every connected gate and, when
// a relay is attached, to the sibling pods.
func (h *Hub) Broadcast(enc Encoded) {
	h.broadcastRaw(enc.Type, enc.Data, "")
	if h.pub != nil {
		h.pub.Publish(context.Background(), enc)
	}
}

// broadcastRaw enqueues data on every session except exceptGate (empty means
// everyone).
func (h *Hub) broadcastRaw(typ string, data []byte, exceptGate string) {
	h.mu.RLock()
	for gate, s := range h.sessions {
		if exceptGate != "" && gate == exceptGate {
			continue
		}
		s.enqueue(data)
	}
	h.mu.RUnlock()
	metrics.Broadcasts.WithLabelValues(typ).Inc()
}

// ServeWS upgrades the request and runs the session until the connection
// dies. The caller has already authenticated the request and resolved
// gateID.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, gateID string) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("gate", gateID).Msg("websocket upgrade failed")
		return
	}

	s := &session{
		hub:  h,
		gate: gateID,
		conn: conn,
		send: make(chan []byte, sendBuffer),
		done: make(chan struct{}),
	}
	h.register(s)
	h.log.Info().Str("gate", gateID).Msg("gate connected")

	// writePump owns all writes, this goroutine owns all reads.
	go s.writePump()
	s.readPump()
}

// register installs s as the gate's session. A second connect for the same
// gate supersedes the first: the old session is closed, the new one wins.
func (h *Hub) register(s *session) {
	h.mu.Lock()
	old := h.sessions[s.gate]
	h.sessions[s.gate] = s
	n := len(h.sessions)
	h.mu.Unlock()

	if old != nil {
		h.log.Info().Str("gate", s.gate).Msg("superseding previous session")
		old.close()
	}
	metrics.WSSessions.Set(float64(n))
}

// unregister removes s only if it is still the current session for its
// gate, so a superseded session's teardown cannot evict its replacement.
func (h *Hub) unregister(s *session) {
	h.mu.Lock()
	if cur, ok := h.sessions[s.gate]; ok && cur == s {
		delete(h.sessions, s.gate)
	}
	n := len(h.sessions)
	h.mu.Unlock()
	metrics.WSSessions.Set(float64(n))
}

func (h *Hub) dispatch(s *session, f Frame, raw []byte) {
	switch f.Type {
	case TypeHeartbeat:
		h.touchGate(s.gate)
		h.broadcastRaw(TypeHeartbeat, raw, s.gate)
		if h.pub != nil {
			h.pub.Publish(context.Background(), Encoded{Type: TypeHeartbeat, Data: raw})
		}
	case TypePing:
		pong := Pong(s.gate, f.Ts, EpochSeconds(h.clk.Now()))
		s.enqueue(pong.Data)
	case TypeSyncEvent:
		// Wholesale fan-out, sender included.
		h.broadcastRaw(TypeSyncEvent, raw, "")
		if h.pub != nil {
			h.pub.Publish(context.Background(), Encoded{Type: TypeSyncEvent, Data: raw})
		}
	default:
		h.log.Debug().Str("gate", s.gate).Str("type", f.Type).Msg("dropping unknown frame")
	}
}

func (h *Hub) touchGate(gateID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := h.touch.TouchGateSync(ctx, gateID, h.clk.Now()); err != nil {
		if fault.KindOf(err) == fault.NotFound {
			h.log.Debug().Str("gate", gateID).Msg("heartbeat from unregistered gate")
			return
		}
		h.log.Warn().Err(err).Str("gate", gateID).Msg("heartbeat touch failed")
	}
}

// =============================================================================
// SESSION
// =============================================================================

type session struct {
	hub  *Hub
	gate string
	conn *websocket.Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

func (s *session) close() {
	s.once.Do(func() {
		close(s.done)
		s.hub.unregister(s)
		s.conn.Close()
		s.hub.log.Info().Str("gate", s.gate).Msg("gate disconnected")
	})
}

// enqueue is non-blocking: a full buffer means the consumer is dead or
// hopelessly behind, and the session is evicted. close is detached because
// callers hold the hub read lock.
func (s *session) enqueue(data []byte) {
	select {
	case s.send <- data:
	default:
		s.hub.log.Warn().Str("gate", s.gate).Msg("send buffer full, evicting session")
		go s.close()
	}
}

// writePump is the only goroutine that writes to the connection.
func (s *session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
			// Drain whatever queued up while we were writing.
			n := len(s.send)
			for i := 0; i < n; i++ {
				if err := s.conn.WriteMessage(websocket.TextMessage, <-s.send); err != nil {
					return
				}
			}

		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-s.done:
			return
		}
	}
}

// readPump is the only goroutine that reads from the connection.
func (s *session) readPump() {
	defer s.close()

	s.conn.SetReadLimit(maxMsgSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				s.hub.log.Warn().Err(err).Str("gate", s.gate).Msg("websocket read error")
			}
			return
		}
		frame, err := Decode(payload)
		if err != nil {
			s.hub.log.Debug().Err(err).Str("gate", s.gate).Msg("invalid frame")
			continue
		}
		s.hub.dispatch(s, frame, payload)
	}
}
