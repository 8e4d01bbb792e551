package scheduler

import (
	"sync"
	"time"

	"github.com/rendis/stepwise/pkg/schema"
)

// CircuitState is the state of a registration's circuit breaker.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // firing normally
	CircuitOpen                         // suppressing runs
	CircuitHalfOpen                     // probing recovery
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures how repeated workflow failures suppress a trigger.
type BreakerConfig struct {
	// FailureThreshold is the number of consecutive failed runs that opens
	// the circuit. Zero disables the breaker.
	FailureThreshold int
	// Cooldown is how long the circuit stays open before a probe run.
	Cooldown time.Duration
	// HalfOpenMax is the number of probe runs allowed while half-open.
	HalfOpenMax int
}

// DefaultBreakerConfig returns the settings used when none are given.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
		HalfOpenMax:      1,
	}
}

// breaker tracks consecutive run failures of one registration.
type breaker struct {
	mu       sync.Mutex
	config   BreakerConfig
	now      func() time.Time
	state    CircuitState
	failures int
	lastFail time.Time
	probes   int
}

func newBreaker(cfg BreakerConfig, now func() time.Time) *breaker {
	if cfg.HalfOpenMax <= 0 {
		cfg.HalfOpenMax = 1
	}
	if now == nil {
		now = time.Now
	}
	return &breaker{config: cfg, now: now}
}

// allow returns nil when a run may start, or a CIRCUIT_OPEN error.
func (b *breaker) allow(id string) error {
	if b.config.FailureThreshold <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		elapsed := b.now().Sub(b.lastFail)
		if elapsed >= b.config.Cooldown {
			b.state = CircuitHalfOpen
			b.probes = 1
			return nil
		}
		return schema.NewErrorf(schema.ErrCodeCircuitOpen,
			"trigger %q suppressed after %d consecutive failures", id, b.failures).
			WithDetails(map[string]any{
				"registration":         id,
				"consecutive_failures": b.failures,
				"cooldown_remaining":   (b.config.Cooldown - elapsed).String(),
			})
	case CircuitHalfOpen:
		if b.probes >= b.config.HalfOpenMax {
			return schema.NewErrorf(schema.ErrCodeCircuitOpen,
				"trigger %q half-open: probe already running", id)
		}
		b.probes++
	}
	return nil
}

func (b *breaker) success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probes = 0
	b.state = CircuitClosed
}

// failure records a failed run and returns the resulting state.
func (b *breaker) failure() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFail = b.now()
	if b.state == CircuitHalfOpen ||
		(b.config.FailureThreshold > 0 && b.failures >= b.config.FailureThreshold) {
		b.state = CircuitOpen
	}
	return b.state
}

func (b *breaker) current() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == CircuitOpen && b.now().Sub(b.lastFail) >= b.config.Cooldown {
		return CircuitHalfOpen
	}
	return b.state
}
