package plugins

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/internal/actions"
	"github.com/rendis/stepflow/pkg/schema"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func TestBreakers_OpenAfterThreshold(t *testing.T) {
	b := newBreakers(BreakerConfig{FailureThreshold: 3, Cooldown: 10 * time.Second}, newFakeClock().now)

	require.NoError(t, b.allow("p.x"))
	assert.False(t, b.record("p.x", true))
	assert.False(t, b.record("p.x", true))
	assert.Equal(t, circuitClosed, b.state("p.x"))

	assert.True(t, b.record("p.x", true))
	assert.Equal(t, circuitOpen, b.state("p.x"))

	err := b.allow("p.x")
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.Contains(t, err.Error(), "3 consecutive failures")

	assert.NoError(t, b.allow("p.other"), "circuits are per action")
}

func TestBreakers_SuccessResetsCount(t *testing.T) {
	b := newBreakers(BreakerConfig{FailureThreshold: 2}, nil)

	b.record("p.x", true)
	b.record("p.x", false)
	b.record("p.x", true)
	assert.Equal(t, circuitClosed, b.state("p.x"))
}

func TestBreakers_HalfOpenTrial(t *testing.T) {
	clock := newFakeClock()
	b := newBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Minute}, clock.now)

	b.record("p.x", true)
	clock.advance(30 * time.Second)
	assert.Error(t, b.allow("p.x"))

	clock.advance(30 * time.Second)
	require.NoError(t, b.allow("p.x"), "first call after cooldown is a trial")
	assert.Equal(t, circuitHalfOpen, b.state("p.x"))
	assert.True(t, schema.IsCode(b.allow("p.x"), schema.ErrCodeCircuitOpen), "one trial at a time")

	// A failed trial reopens for a full cooldown.
	assert.True(t, b.record("p.x", true))
	assert.Error(t, b.allow("p.x"))

	clock.advance(time.Minute)
	require.NoError(t, b.allow("p.x"))
	b.record("p.x", false)
	assert.Equal(t, circuitClosed, b.state("p.x"))
	assert.NoError(t, b.allow("p.x"))
	assert.NoError(t, b.allow("p.x"))
}

func TestBreakers_ReleaseFreesTrial(t *testing.T) {
	clock := newFakeClock()
	b := newBreakers(BreakerConfig{FailureThreshold: 1, Cooldown: time.Second}, clock.now)

	b.record("p.x", true)
	clock.advance(time.Second)
	require.NoError(t, b.allow("p.x"))
	b.release("p.x")
	assert.NoError(t, b.allow("p.x"))
}

func TestCircuitState_String(t *testing.T) {
	assert.Equal(t, "closed", circuitClosed.String())
	assert.Equal(t, "open", circuitOpen.String())
	assert.Equal(t, "half_open", circuitHalfOpen.String())
	assert.Equal(t, "unknown", circuitState(9).String())
}

func TestToolAction_CircuitOpensOnProtocolFailures(t *testing.T) {
	var calls atomic.Int32
	srv := server.NewMCPServer("flaky", "1.0.0", server.WithToolCapabilities(false))
	srv.AddTool(mcp.NewTool("crash"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		calls.Add(1)
		return nil, errors.New("segfault")
	})
	srv.AddTool(mcp.NewTool("refuse"), func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		calls.Add(1)
		return mcp.NewToolResultError("bad input"), nil
	})

	clock := newFakeClock()
	reg := actions.NewRegistry()
	pm := NewManager(reg, Options{
		HealthInterval: time.Hour,
		Breaker:        BreakerConfig{FailureThreshold: 2, Cooldown: time.Minute},
		Clock:          clock.now,
	})
	t.Cleanup(func() { _ = pm.StopAll() })
	require.NoError(t, pm.Load(context.Background(), "flaky", InProcessConnector(srv)))

	for range 2 {
		_, err := execute(t, reg, "flaky.crash", nil)
		require.Error(t, err)
		assert.False(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	}
	_, err := execute(t, reg, "flaky.crash", nil)
	assert.True(t, schema.IsCode(err, schema.ErrCodeCircuitOpen))
	assert.Equal(t, int32(2), calls.Load(), "open circuit does not reach the plugin")

	// Tool-reported errors never open a circuit.
	for range 3 {
		_, err := execute(t, reg, "flaky.refuse", nil)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "bad input")
	}
	assert.Equal(t, int32(5), calls.Load())

	clock.advance(time.Minute)
	_, err = execute(t, reg, "flaky.crash", nil)
	assert.False(t, schema.IsCode(err, schema.ErrCodeCircuitOpen), "trial call goes through")
	assert.Equal(t, int32(6), calls.Load())
}
