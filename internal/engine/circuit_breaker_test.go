package engine

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskflow/pkg/schema"
)

// fakeClock is a settable time source for breaker tests.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestBreakers(threshold int, cooldown time.Duration) (*CircuitBreakers, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreakers(CircuitBreakerConfig{FailureThreshold: threshold, Cooldown: cooldown, HalfOpenMax: 1})
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreakers_StartClosed(t *testing.T) {
	cb, _ := newTestBreakers(3, time.Minute)
	assert.NoError(t, cb.Allow("http"))
	assert.Equal(t, CircuitClosed, cb.State("http"))
}

func TestCircuitBreakers_OpenAfterThreshold(t *testing.T) {
	cb, _ := newTestBreakers(3, time.Minute)

	cb.Record("http", false)
	cb.Record("http", false)
	assert.Equal(t, CircuitClosed, cb.State("http"))

	cb.Record("http", false)
	assert.Equal(t, CircuitOpen, cb.State("http"))

	err := cb.Allow("http")
	require.Error(t, err)
	assert.True(t, schema.HasCode(err, schema.ErrCodeCircuitOpen))

	// Other types are unaffected.
	assert.NoError(t, cb.Allow("noop"))
}

func TestCircuitBreakers_SuccessResetsCount(t *testing.T) {
	cb, _ := newTestBreakers(2, time.Minute)

	cb.Record("http", false)
	cb.Record("http", true)
	cb.Record("http", false)
	assert.Equal(t, CircuitClosed, cb.State("http"))
}

func TestCircuitBreakers_HalfOpenTrial(t *testing.T) {
	cb, clock := newTestBreakers(1, 30*time.Second)

	cb.Record("http", false)
	require.Error(t, cb.Allow("http"))

	clock.Advance(31 * time.Second)
	assert.Equal(t, CircuitHalfOpen, cb.State("http"))
	require.NoError(t, cb.Allow("http"), "first trial call passes")
	assert.Error(t, cb.Allow("http"), "trial budget exhausted")

	cb.Record("http", true)
	assert.Equal(t, CircuitClosed, cb.State("http"))
	assert.NoError(t, cb.Allow("http"))
}

func TestCircuitBreakers_HalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreakers(1, 10*time.Second)

	cb.Record("http", false)
	clock.Advance(11 * time.Second)
	require.NoError(t, cb.Allow("http"))

	cb.Record("http", false)
	assert.Equal(t, CircuitOpen, cb.State("http"))
	assert.Error(t, cb.Allow("http"))
}

func TestCircuitBreakers_StateChangeCallback(t *testing.T) {
	cb, clock := newTestBreakers(1, time.Second)

	var changes []string
	cb.OnStateChange(func(typ string, from, to CircuitState) {
		changes = append(changes, typ+":"+from.String()+"->"+to.String())
	})

	cb.Record("http", false)
	clock.Advance(2 * time.Second)
	require.NoError(t, cb.Allow("http"))
	cb.Record("http", true)

	assert.Equal(t, []string{
		"http:closed->open",
		"http:open->half_open",
		"http:half_open->closed",
	}, changes)
}

func TestCircuitBreakers_DisabledByZeroThreshold(t *testing.T) {
	cb, _ := newTestBreakers(0, time.Minute)
	for i := 0; i < 10; i++ {
		cb.Record("http", false)
	}
	assert.NoError(t, cb.Allow("http"))
}

func TestCountsAgainstCircuit(t *testing.T) {
	assert.False(t, countsAgainstCircuit(nil))
	assert.True(t, countsAgainstCircuit(schema.NewError(schema.ErrCodeExecution, "502")))
	assert.True(t, countsAgainstCircuit(schema.NewError(schema.ErrCodeTimeout, "slow")))
	assert.False(t, countsAgainstCircuit(schema.NewError(schema.ErrCodeNonRetryable, "bad input")))
	assert.False(t, countsAgainstCircuit(schema.NewError(schema.ErrCodeCancelled, "cancelled")))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", CircuitClosed.String())
	assert.Equal(t, "open", CircuitOpen.String())
	assert.Equal(t, "half_open", CircuitHalfOpen.String())
	assert.Equal(t, "unknown", CircuitState(42).String())
}
