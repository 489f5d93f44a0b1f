package budget

import (
	"time"

	"github.com/JET1478/Claude-B2B-Implementation/internal/domain"
)

// breaker is the per-tenant circuit breaker, an explicit state machine:
//
//	closed --(N consecutive failures)--> open
//	open --(cooldown elapsed)--> half-open, one trial call permitted
//	half-open --(trial success)--> closed
//	half-open --(trial failure)--> open, cooldown doubled up to the cap
//
// Callers hold the owning tenantState mutex for every method.
type breaker struct {
	state         domain.BreakerState
	failures      int
	trippedAt     time.Time
	cooldown      time.Duration
	probeInFlight bool
}

func newBreaker() breaker {
	return breaker{state: domain.BreakerClosed}
}

// allow reports whether a call may proceed. In half-open it admits exactly
// one trial call until that trial's outcome is committed.
func (b *breaker) allow(now time.Time) bool {
	switch b.state {
	case domain.BreakerClosed:
		return true
	case domain.BreakerOpen:
		if now.Sub(b.trippedAt) >= b.cooldown {
			b.state = domain.BreakerHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case domain.BreakerHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// blocked reports whether the breaker currently denies new work, without
// consuming the half-open trial slot. Used at ingestion; model-call
// reservations go through allow.
func (b *breaker) blocked(now time.Time) bool {
	return b.state == domain.BreakerOpen && now.Sub(b.trippedAt) < b.cooldown
}

func (b *breaker) onSuccess() {
	b.state = domain.BreakerClosed
	b.failures = 0
	b.probeInFlight = false
	b.trippedAt = time.Time{}
}

func (b *breaker) onFailure(now time.Time, cfg Config) {
	b.failures++

	switch b.state {
	case domain.BreakerHalfOpen:
		// Failed trial call: reopen with backoff.
		b.state = domain.BreakerOpen
		b.trippedAt = now
		b.probeInFlight = false
		b.cooldown *= 2
		if b.cooldown > cfg.MaxCooldown {
			b.cooldown = cfg.MaxCooldown
		}
	case domain.BreakerClosed:
		if b.failures >= cfg.FailureThreshold {
			b.state = domain.BreakerOpen
			b.trippedAt = now
			b.cooldown = cfg.Cooldown
		}
	case domain.BreakerOpen:
		// A call that was already in flight when the breaker tripped.
		// Counted, but the trip timestamp is not extended.
	}
}
