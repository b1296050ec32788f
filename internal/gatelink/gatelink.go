// Package gatelink keeps the gate node's websocket session to the cloud
// event bus alive: it dials, redials after drops, pushes heartbeats and
// latency pings, and applies slot_update deltas to the local mirror.
package gatelink

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/parkgrid/parking/internal/bus"
	"github.com/parkgrid/parking/internal/clock"
	"github.com/parkgrid/parking/internal/log"
	"github.com/parkgrid/parking/internal/metrics"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 512 * 1024
)

// SlotUpdateFunc receives slot_update deltas as they arrive on the bus.
type SlotUpdateFunc func(slotID string, occupied bool, plate *string)

// Config tunes the link.
type Config struct {
	// URL is the full websocket endpoint including the token query,
	// e.g. "ws://cloud:8000/ws/GATE01?token=...".
	URL string

	// GateID stamps outgoing heartbeat and ping frames.
	GateID string

	// HeartbeatEvery is the last_sync refresh cadence. Defaults to 4s.
	HeartbeatEvery time.Duration

	// PingEvery is the latency probe cadence. Defaults to 5s.
	PingEvery time.Duration

	// ReconnectWait is the pause between redial attempts. Defaults to 3s.
	ReconnectWait time.Duration
}

// Link is a reconnecting bus client. Run drives it; Online answers
// whether a session is currently up.
type Link struct {
	cfg    Config
	apply  SlotUpdateFunc
	clk    clock.Clock
	log    zerolog.Logger
	online atomic.Bool
}

// New creates a link. apply may be nil when the caller only wants
// heartbeats.
func New(cfg Config, apply SlotUpdateFunc, clk clock.Clock) *Link {
	if cfg.HeartbeatEvery == 0 {
		cfg.HeartbeatEvery = 4 * time.Second
	}
	if cfg.PingEvery == 0 {
		cfg.PingEvery = 5 * time.Second
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 3 * time.Second
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Link{
		cfg:   cfg,
		apply: apply,
		clk:   clk,
		log:   log.WithComponent("gatelink"),
	}
}

// Online reports whether a bus session is currently established.
func (l *Link) Online() bool { return l.online.Load() }

// Run dials and redials until ctx is cancelled. It always returns
// ctx.Err().
func (l *Link) Run(ctx context.Context) error {
	for {
		if err := l.session(ctx); err != nil && ctx.Err() == nil {
			l.log.Warn().Err(err).Str("url", l.cfg.URL).Msg("bus session ended")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(l.cfg.ReconnectWait):
		}
	}
}

func (l *Link) session(ctx context.Context) error {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, l.cfg.URL, nil)
	if err != nil {
		if resp != nil {
			l.log.Warn().Int("status", resp.StatusCode).Msg("bus handshake refused")
		}
		return err
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	l.online.Store(true)
	defer l.online.Store(false)
	l.log.Info().Str("gate", l.cfg.GateID).Msg("bus connected")

	readErr := make(chan error, 1)
	go l.readLoop(conn, readErr)

	// Announce ourselves right away so last_sync catches up after an
	// outage instead of waiting a full heartbeat interval.
	if err := l.write(conn, bus.Heartbeat(l.cfg.GateID, bus.EpochSeconds(l.clk.Now()))); err != nil {
		return err
	}

	heartbeat := time.NewTicker(l.cfg.HeartbeatEvery)
	defer heartbeat.Stop()
	ping := time.NewTicker(l.cfg.PingEvery)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return ctx.Err()
		case err := <-readErr:
			return err
		case <-heartbeat.C:
			if err := l.write(conn, bus.Heartbeat(l.cfg.GateID, bus.EpochSeconds(l.clk.Now()))); err != nil {
				return err
			}
		case <-ping.C:
			if err := l.write(conn, bus.Ping(l.cfg.GateID, bus.EpochSeconds(l.clk.Now()))); err != nil {
				return err
			}
		}
	}
}

func (l *Link) write(conn *websocket.Conn, enc bus.Encoded) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, enc.Data)
}

func (l *Link) readLoop(conn *websocket.Conn, done chan<- error) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			done <- err
			return
		}
		f, err := bus.Decode(data)
		if err != nil {
			l.log.Debug().Err(err).Msg("undecodable bus frame")
			continue
		}
		switch f.Type {
		case bus.TypePong:
			rtt := bus.EpochSeconds(l.clk.Now()) - f.Ts
			if rtt >= 0 {
				metrics.WSRoundTrip.Set(rtt)
			}
		case bus.TypeSlotUpdate:
			if l.apply == nil || f.SlotID == "" || f.Occupied == nil {
				continue
			}
			l.apply(f.SlotID, *f.Occupied, f.Plate)
		}
	}
}
