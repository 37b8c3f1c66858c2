package processor

import (
	"sync"
	"time"

	"github.com/jeffleon2/payment-engine/internal/metrics"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// CircuitBreaker gates processor calls. After Threshold consecutive failures
// it opens and every call fails fast for the Cooldown window; the first call
// after cooldown runs as a single half-open probe whose outcome decides
// whether the breaker closes again or reopens.
type CircuitBreaker struct {
	mu sync.Mutex

	threshold int
	cooldown  time.Duration
	now       func() time.Time

	state         BreakerState
	failures      int
	openedAt      time.Time
	probeInFlight bool
}

// BreakerSnapshot is the persistable view of breaker state, used to survive
// restarts without losing an in-progress cooldown.
type BreakerSnapshot struct {
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
	OpenedAt time.Time    `json:"opened_at"`
}

func NewCircuitBreaker(threshold int, cooldown time.Duration) *CircuitBreaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &CircuitBreaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     BreakerClosed,
	}
}

// Allow reports whether a call may proceed. In the open state it flips to
// half-open once the cooldown has elapsed and admits exactly one probe.
func (b *CircuitBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = true
		b.publishState()
		return true
	case BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// Success resets the failure count; a successful half-open probe closes the
// breaker.
func (b *CircuitBreaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = BreakerClosed
	b.failures = 0
	b.probeInFlight = false
	b.publishState()
}

// Failure counts one failed call. Reaching the threshold, or failing the
// half-open probe, opens the breaker and restarts the cooldown.
func (b *CircuitBreaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerHalfOpen {
		b.open()
		return
	}

	b.failures++
	if b.failures >= b.threshold {
		b.open()
	}
}

func (b *CircuitBreaker) open() {
	b.state = BreakerOpen
	b.failures = 0
	b.openedAt = b.now()
	b.probeInFlight = false
	b.publishState()
}

// publishState is called with b.mu held.
func (b *CircuitBreaker) publishState() {
	switch b.state {
	case BreakerHalfOpen:
		metrics.BreakerState.Set(1)
	case BreakerOpen:
		metrics.BreakerState.Set(2)
	default:
		metrics.BreakerState.Set(0)
	}
}

func (b *CircuitBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *CircuitBreaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{State: b.state, Failures: b.failures, OpenedAt: b.openedAt}
}

// Restore reloads a persisted snapshot, typically at startup.
func (b *CircuitBreaker) Restore(snap BreakerSnapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = snap.State
	b.failures = snap.Failures
	b.openedAt = snap.OpenedAt
	b.probeInFlight = false
	if b.state == "" {
		b.state = BreakerClosed
	}
	b.publishState()
}
