// Package sendqueue is the gateway's priority send queue: the single
// chokepoint every outbound message passes through before it reaches
// pkg/upstream, so global and per-recipient rate limits, 429 backoff, and
// fallback throttling are enforced in one place regardless of which
// engine (webhook reply, broadcast, downsell) produced the job.
package sendqueue

import (
	"context"
	"strconv"
	"time"

	"github.com/sendgate/gateway/pkg/config"
)

// SendFunc performs the actual delivery. It returns a *RateLimitedError
// (matched with errors.As) when the upstream responded 429, so the queue
// can drive its own backoff/fallback policy independent of pkg/upstream's
// internal retry handling of transient errors.
type SendFunc func(ctx context.Context) error

// RateLimitedError carries the platform's requested retry_after.
type RateLimitedError struct {
	RetryAfter time.Duration
}

func (e *RateLimitedError) Error() string { return "sendqueue: upstream rate limited" }

// Job is one queued send.
type Job struct {
	ID          string
	TenantSlug  string
	RecipientID int64
	Priority    config.Priority
	Send        SendFunc
	EnqueuedAt  time.Time
	Attempt     int

	// Done, if set, is called exactly once with the terminal outcome
	// (nil on success, non-nil on permanent failure or exhausted
	// retries). Callers that don't need a completion signal leave it nil.
	Done func(err error)
}

func recipientKey(tenantSlug string, recipientID int64) string {
	return tenantSlug + ":" + strconv.FormatInt(recipientID, 10)
}
