package worker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/exkrishan/callstream/internal/observability/logging"
	"github.com/exkrishan/callstream/internal/observability/metrics"
)

// BreakerState is the circuit breaker state.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerHalfOpen
	BreakerOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerHalfOpen:
		return "half_open"
	case BreakerOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Breaker tracks consecutive provider failures across all interactions and
// short-circuits new session attempts while the provider looks degraded.
// After the cooldown it half-opens to let a single probe through; sustained
// success closes it again.
type Breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time
	log       zerolog.Logger
	metrics   *metrics.Metrics

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	probing  bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		log:       logging.WithComponent("breaker"),
		metrics:   metrics.DefaultMetrics,
	}
}

// Allow reports whether a session attempt may proceed. In half-open state
// only one probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if b.now().Sub(b.openedAt) >= b.cooldown {
			b.setStateLocked(BreakerHalfOpen)
			b.probing = true
			return true
		}
		return false
	case BreakerHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	}
	return false
}

// Success records a successful session attempt.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.probing = false
	if b.state != BreakerClosed {
		b.setStateLocked(BreakerClosed)
	}
}

// Failure records a failed session attempt.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.probing = false

	switch b.state {
	case BreakerHalfOpen:
		// Probe failed: back to open, restart the cooldown.
		b.openedAt = b.now()
		b.setStateLocked(BreakerOpen)
	case BreakerClosed:
		if b.failures >= b.threshold {
			b.openedAt = b.now()
			b.setStateLocked(BreakerOpen)
		}
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) setStateLocked(s BreakerState) {
	b.log.Info().
		Str("from", b.state.String()).
		Str("to", s.String()).
		Int("failures", b.failures).
		Msg("Breaker state change")
	b.state = s
	b.metrics.BreakerState.Set(float64(s))
}
