package sendqueue

import (
	"sync"
	"time"

	"github.com/sendgate/gateway/pkg/config"
)

// tokenBucket is a lazily-refilled rate limiter: tokens accrue based on
// elapsed wall-clock time since the last check rather than a background
// ticker, so an idle bucket costs nothing until it's touched again.
type tokenBucket struct {
	mu         sync.Mutex
	ratePerSec float64
	max        float64
	tokens     float64
	lastRefill time.Time
}

func newTokenBucket(ratePerSec float64, burst int) *tokenBucket {
	return &tokenBucket{
		ratePerSec: ratePerSec,
		max:        float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// take reports whether a token is available right now, consuming it if so.
func (b *tokenBucket) take() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// setRate adjusts the refill rate in place, used by the fallback
// throttle's gradual recovery ramp (+1 rps per cycle back to normal).
func (b *tokenBucket) setRate(ratePerSec float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refillLocked()
	b.ratePerSec = ratePerSec
}

func (b *tokenBucket) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	b.lastRefill = now
	b.tokens += elapsed * b.ratePerSec
	if b.tokens > b.max {
		b.tokens = b.max
	}
}

// recipientState is the per-recipient piece of the send queue: its own
// rate limiter plus 429 backoff bookkeeping, evicted by the GC loop once
// idle past IdleEvictAfter.
type recipientState struct {
	bucket *tokenBucket

	mu                  sync.Mutex
	consecutive429s     int
	backoffUntil        time.Time
	nextBackoffInterval time.Duration
	lastActivity        time.Time

	fallbackUntil  time.Time
	fallbackBucket *tokenBucket
	recoverySteps  int
}

func newRecipientState(cfg *config.SendQueueConfig) *recipientState {
	return &recipientState{
		bucket:              newTokenBucket(cfg.PerRecipientRatePSec, cfg.Burst),
		nextBackoffInterval: cfg.Backoff429InitialMS,
		lastActivity:        time.Now(),
	}
}

// inBackoff reports whether this recipient is currently serving a 429
// cooldown.
func (r *recipientState) inBackoff() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.backoffUntil)
}

// recordRateLimited applies exponential backoff for this recipient and
// returns the new consecutive-429 count (used to trigger fallback mode).
func (r *recipientState) recordRateLimited(cfg *config.SendQueueConfig, retryAfter time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.consecutive429s++
	wait := r.nextBackoffInterval
	if retryAfter > wait {
		wait = retryAfter
	}
	r.backoffUntil = time.Now().Add(wait)

	next := time.Duration(float64(r.nextBackoffInterval) * cfg.Backoff429Factor)
	if next > cfg.Backoff429MaxMS {
		next = cfg.Backoff429MaxMS
	}
	r.nextBackoffInterval = next

	return r.consecutive429s
}

// recordSuccess resets backoff state after a clean send.
func (r *recipientState) recordSuccess(cfg *config.SendQueueConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutive429s = 0
	r.nextBackoffInterval = cfg.Backoff429InitialMS
	r.backoffUntil = time.Time{}
}

// inFallback reports whether this recipient is currently serving the
// post-429-storm fallback throttle, dropped to a single chat's worth of
// rate rather than its normal per-recipient rate.
func (r *recipientState) inFallback() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.fallbackUntil)
}

// enterFallback drops this recipient into the fallback throttle for
// FallbackDuration, resetting the recovery ramp.
func (r *recipientState) enterFallback(cfg *config.SendQueueConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbackUntil = time.Now().Add(cfg.FallbackDuration)
	r.fallbackBucket = newTokenBucket(cfg.FallbackChatRatePerSec, 1)
	r.recoverySteps = 0
}

// recoveryTick advances this recipient's fallback bucket rate by one step;
// the GC loop calls this once per cycle while fallback is active so
// throughput ramps back up gradually instead of snapping back to full
// rate the instant the cooldown window ends.
func (r *recipientState) recoveryTick(cfg *config.SendQueueConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fallbackBucket == nil || time.Now().After(r.fallbackUntil) {
		return
	}
	r.recoverySteps++
	newRate := cfg.FallbackChatRatePerSec + float64(r.recoverySteps)*cfg.FallbackRecoveryStepPerSec
	r.fallbackBucket.setRate(newRate)
}

func (r *recipientState) touch() {
	r.mu.Lock()
	r.lastActivity = time.Now()
	r.mu.Unlock()
}

func (r *recipientState) idleSince() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Since(r.lastActivity)
}
