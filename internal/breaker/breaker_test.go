package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type movableClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *movableClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *movableClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func fail(t *testing.T, b *Breaker) {
	t.Helper()
	report, err := b.Allow()
	require.NoError(t, err)
	report(false)
}

func succeed(t *testing.T, b *Breaker) {
	t.Helper()
	report, err := b.Allow()
	require.NoError(t, err)
	report(true)
}

func TestTripsAfterConsecutiveFailures(t *testing.T) {
	clk := &movableClock{t: time.Unix(1700000000, 0)}
	b := New(Config{}, clk)

	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())

	fail(t, b)
	assert.Equal(t, StateOpen, b.State())

	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)
}

func TestSuccessResetsTheStreak(t *testing.T) {
	clk := &movableClock{t: time.Unix(1700000000, 0)}
	b := New(Config{}, clk)

	fail(t, b)
	fail(t, b)
	succeed(t, b)
	fail(t, b)
	fail(t, b)
	assert.Equal(t, StateClosed, b.State())
}

func TestCooldownLetsOneProbeThrough(t *testing.T) {
	clk := &movableClock{t: time.Unix(1700000000, 0)}
	b := New(Config{Cooldown: 10 * time.Second}, clk)

	fail(t, b)
	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())

	clk.advance(9 * time.Second)
	_, err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)

	clk.advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, b.State())

	report, err := b.Allow()
	require.NoError(t, err)

	// Only one probe at a time while half-open.
	_, err = b.Allow()
	assert.ErrorIs(t, err, ErrOpen)

	report(true)
	assert.Equal(t, StateClosed, b.State())
}

func TestFailedProbeReopens(t *testing.T) {
	clk := &movableClock{t: time.Unix(1700000000, 0)}
	b := New(Config{Cooldown: 10 * time.Second}, clk)

	fail(t, b)
	fail(t, b)
	fail(t, b)
	clk.advance(11 * time.Second)

	report, err := b.Allow()
	require.NoError(t, err)
	report(false)
	require.Equal(t, StateOpen, b.State())

	// A fresh cooldown starts from the failed probe.
	clk.advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestStateChangeCallback(t *testing.T) {
	clk := &movableClock{t: time.Unix(1700000000, 0)}
	var transitions []string
	b := New(Config{
		Cooldown: 10 * time.Second,
		OnStateChange: func(from, to State) {
			transitions = append(transitions, from.String()+">"+to.String())
		},
	}, clk)

	fail(t, b)
	fail(t, b)
	fail(t, b)
	clk.advance(11 * time.Second)
	succeed(t, b)

	assert.Equal(t, []string{"CLOSED>OPEN", "OPEN>HALF_OPEN", "HALF_OPEN>CLOSED"}, transitions)
}

func TestStaleResultIgnoredAcrossGenerations(t *testing.T) {
	clk := &movableClock{t: time.Unix(1700000000, 0)}
	b := New(Config{Cooldown: 10 * time.Second}, clk)

	// An old in-flight call reports after the breaker has tripped and
	// recovered; its outcome must not flip the state again.
	stale, err := b.Allow()
	require.NoError(t, err)

	fail(t, b)
	fail(t, b)
	fail(t, b)
	require.Equal(t, StateOpen, b.State())
	clk.advance(11 * time.Second)
	succeed(t, b)
	require.Equal(t, StateClosed, b.State())

	stale(false)
	assert.Equal(t, StateClosed, b.State())
}
