package plugins

import (
	"sync"
	"time"

	"github.com/rendis/stepflow/pkg/schema"
)

// BreakerConfig controls the per-tool circuit breakers. A circuit opens
// after FailureThreshold consecutive call failures, rejects calls for
// Cooldown, then lets HalfOpenMax trial calls through.
type BreakerConfig struct {
	FailureThreshold int           // default 5
	Cooldown         time.Duration // default 30s
	HalfOpenMax      int           // default 1
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	if c.HalfOpenMax <= 0 {
		c.HalfOpenMax = 1
	}
	return c
}

type circuitState int

const (
	circuitClosed circuitState = iota
	circuitOpen
	circuitHalfOpen
)

func (s circuitState) String() string {
	switch s {
	case circuitClosed:
		return "closed"
	case circuitOpen:
		return "open"
	case circuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

type circuit struct {
	state    circuitState
	failures int
	openedAt time.Time
	trials   int
}

// breakers tracks one circuit per plugin action name.
type breakers struct {
	cfg BreakerConfig
	now func() time.Time

	mu       sync.Mutex
	circuits map[string]*circuit
}

func newBreakers(cfg BreakerConfig, now func() time.Time) *breakers {
	if now == nil {
		now = time.Now
	}
	return &breakers{cfg: cfg.withDefaults(), now: now, circuits: make(map[string]*circuit)}
}

func (b *breakers) get(name string) *circuit {
	c, ok := b.circuits[name]
	if !ok {
		c = &circuit{}
		b.circuits[name] = c
	}
	return c
}

// allow returns a CIRCUIT_OPEN error when name may not be called right now.
func (b *breakers) allow(name string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(name)
	if c.state == circuitOpen {
		remaining := b.cfg.Cooldown - b.now().Sub(c.openedAt)
		if remaining > 0 {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"circuit open for %s after %d consecutive failures; retry in %s",
				name, c.failures, remaining.Round(time.Millisecond)).
				WithDetails(map[string]any{"action": name, "consecutive_failures": c.failures})
		}
		c.state, c.trials = circuitHalfOpen, 0
	}
	if c.state == circuitHalfOpen {
		if c.trials >= b.cfg.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen, "circuit half-open for %s: trial call in flight", name).
				WithDetails(map[string]any{"action": name})
		}
		c.trials++
	}
	return nil
}

// record closes the circuit on success. A failure while half-open, or the
// FailureThreshold-th consecutive failure, opens it and reports true.
func (b *breakers) record(name string, failed bool) (opened bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.get(name)
	if !failed {
		*c = circuit{}
		return false
	}
	c.failures++
	if c.state == circuitHalfOpen || c.failures >= b.cfg.FailureThreshold {
		wasOpen := c.state == circuitOpen
		c.state, c.openedAt, c.trials = circuitOpen, b.now(), 0
		return !wasOpen
	}
	return false
}

// release returns a half-open trial slot without judging the call, used when
// the caller gave up before the plugin answered.
func (b *breakers) release(name string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c := b.get(name); c.state == circuitHalfOpen && c.trials > 0 {
		c.trials--
	}
}

func (b *breakers) state(name string) circuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(name).state
}

// forget drops the circuits of unregistered actions.
func (b *breakers) forget(names []string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range names {
		delete(b.circuits, n)
	}
}
