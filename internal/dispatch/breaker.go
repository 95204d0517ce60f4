package dispatch

import (
	"sync"
	"time"

	"wadesk/internal/domain"
)

// BreakerConfig tunes the per-instance circuit breaker.
type BreakerConfig struct {
	// Threshold is the failure count within Window that opens the circuit.
	Threshold int
	// Window is the rolling window failures are counted in.
	Window time.Duration
	// Cooldown is how long an open circuit rejects dispatches before the
	// next attempt is let through as a probe.
	Cooldown time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.Threshold <= 0 {
		c.Threshold = 5
	}
	if c.Window <= 0 {
		c.Window = time.Minute
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 30 * time.Second
	}
	return c
}

type circuitState struct {
	failures      int
	windowStart   time.Time
	open          bool
	probing       bool
	probeDeadline time.Time
	retryAt       time.Time
}

// FailureReport describes the breaker state after a recorded failure.
// Opened is true exactly once per CLOSED -> OPEN transition.
type FailureReport struct {
	Opened   bool
	Failures int
	RetryAt  time.Time
}

// CircuitBreaker guards dispatch attempts per (tenant, instance) key.
// A shared-backing implementation can replace the in-memory one when the
// dispatcher runs on more than one node.
type CircuitBreaker interface {
	AssertClosed(key string) error
	RecordFailure(key string) FailureReport
	RecordSuccess(key string) bool
}

// MemoryCircuitBreaker tracks broker health per key in process-local state.
// When an open circuit's cooldown elapses it goes half-open: exactly one
// attempt is admitted as a probe and everything else keeps failing fast
// until the probe's outcome decides the transition.
type MemoryCircuitBreaker struct {
	mu     sync.Mutex
	states map[string]*circuitState
	cfg    BreakerConfig
	now    func() time.Time
}

func NewCircuitBreaker(cfg BreakerConfig) *MemoryCircuitBreaker {
	return &MemoryCircuitBreaker{
		states: make(map[string]*circuitState),
		cfg:    cfg.withDefaults(),
		now:    time.Now,
	}
}

// AssertClosed fails with a circuit-open error while the circuit is open and
// the cooldown has not elapsed, or while another probe is in flight.
func (b *MemoryCircuitBreaker) AssertClosed(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.states[key]
	if st == nil || !st.open {
		return nil
	}
	now := b.now()
	if now.Before(st.retryAt) {
		return domain.CircuitOpen(st.retryAt.Sub(now))
	}
	if st.probing && now.Before(st.probeDeadline) {
		return domain.CircuitOpen(st.probeDeadline.Sub(now))
	}
	// half-open: claim the single probe permit. A probe that never
	// reports back forfeits it at the deadline.
	st.probing = true
	st.probeDeadline = now.Add(b.cfg.Cooldown)
	return nil
}

func (b *MemoryCircuitBreaker) RecordFailure(key string) FailureReport {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	st := b.states[key]
	if st == nil {
		st = &circuitState{windowStart: now}
		b.states[key] = st
	}
	if now.Sub(st.windowStart) >= b.cfg.Window {
		st.failures = 0
		st.windowStart = now
	}
	st.failures++

	if st.open {
		// failed probe: re-arm the cooldown without re-notifying
		st.probing = false
		st.retryAt = now.Add(b.cfg.Cooldown)
		return FailureReport{Failures: st.failures, RetryAt: st.retryAt}
	}
	if st.failures >= b.cfg.Threshold {
		st.open = true
		st.retryAt = now.Add(b.cfg.Cooldown)
		return FailureReport{Opened: true, Failures: st.failures, RetryAt: st.retryAt}
	}
	return FailureReport{Failures: st.failures}
}

// RecordSuccess resets the circuit and reports whether it had been open, so
// the caller can emit a closed notification exactly once per transition.
func (b *MemoryCircuitBreaker) RecordSuccess(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := b.states[key]
	if st == nil {
		return false
	}
	wasOpen := st.open
	delete(b.states, key)
	return wasOpen
}
