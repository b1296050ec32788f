// Package breaker implements the circuit breaker guarding the gate's
// calls to the cloud. When the cloud stops answering, the breaker opens
// and the gate runs fully local until a probe succeeds.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/parkgrid/parking/internal/clock"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // normal operation, calls pass through
	StateOpen                  // cloud considered down, calls blocked
	StateHalfOpen              // cooldown elapsed, probing
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is returned while the breaker blocks calls.
var ErrOpen = errors.New("breaker: circuit open")

// Config tunes the breaker.
type Config struct {
	// Threshold is how many consecutive failures trip the breaker.
	// Defaults to 3.
	Threshold uint32

	// Cooldown is how long the breaker stays open before letting a
	// probe through. Defaults to 10 seconds.
	Cooldown time.Duration

	// MaxProbes caps in-flight requests while half-open. Defaults to 1.
	MaxProbes uint32

	// OnStateChange fires on every transition. Optional.
	OnStateChange func(from, to State)
}

// Breaker is a single-upstream circuit breaker. Safe for concurrent use.
type Breaker struct {
	cfg Config
	clk clock.Clock

	mu          sync.Mutex
	state       State
	generation  uint64
	inFlight    uint32
	consecFails uint32
	probeOKs    uint32
	expiry      time.Time
}

// New creates a breaker in the closed state.
func New(cfg Config, clk clock.Clock) *Breaker {
	if cfg.Threshold == 0 {
		cfg.Threshold = 3
	}
	if cfg.Cooldown == 0 {
		cfg.Cooldown = 10 * time.Second
	}
	if cfg.MaxProbes == 0 {
		cfg.MaxProbes = 1
	}
	if clk == nil {
		clk = clock.System()
	}
	return &Breaker{cfg: cfg, clk: clk}
}

// State reports the current position, rolling open to half-open once the
// cooldown has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, _ := b.currentState(b.clk.Now())
	return s
}

// Allow asks permission for one upstream call. On success it returns a
// report callback the caller MUST invoke with the outcome; ok means the
// cloud answered, even with a rejection. Domain rejections prove the
// upstream is alive, only transport-level failures count against it.
func (b *Breaker) Allow() (report func(ok bool), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	state, gen := b.currentState(now)

	switch state {
	case StateOpen:
		return nil, ErrOpen
	case StateHalfOpen:
		if b.inFlight >= b.cfg.MaxProbes {
			return nil, ErrOpen
		}
	}
	b.inFlight++

	return func(ok bool) { b.afterRequest(gen, ok) }, nil
}

func (b *Breaker) afterRequest(gen uint64, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clk.Now()
	state, cur := b.currentState(now)
	if gen != cur {
		// The breaker moved on while this call was in flight.
		return
	}
	if b.inFlight > 0 {
		b.inFlight--
	}

	if ok {
		b.consecFails = 0
		if state == StateHalfOpen {
			b.probeOKs++
			if b.probeOKs >= b.cfg.MaxProbes {
				b.setState(StateClosed, now)
			}
		}
		return
	}

	switch state {
	case StateClosed:
		b.consecFails++
		if b.consecFails >= b.cfg.Threshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) currentState(now time.Time) (State, uint64) {
	if b.state == StateOpen && !b.expiry.After(now) {
		b.setState(StateHalfOpen, now)
	}
	return b.state, b.generation
}

func (b *Breaker) setState(s State, now time.Time) {
	if b.state == s {
		return
	}
	prev := b.state
	b.state = s
	b.generation++
	b.inFlight = 0
	b.consecFails = 0
	b.probeOKs = 0
	if s == StateOpen {
		b.expiry = now.Add(b.cfg.Cooldown)
	} else {
		b.expiry = time.Time{}
	}
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(prev, s)
	}
}
