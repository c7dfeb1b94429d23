package sendqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sendgate/gateway/pkg/config"
)

func fastConfig() *config.SendQueueConfig {
	cfg := config.DefaultSendQueueConfig()
	cfg.GlobalRatePerSec = 1000
	cfg.PerRecipientRatePSec = 1000
	cfg.Burst = 1000
	cfg.Backoff429InitialMS = 10 * time.Millisecond
	cfg.Backoff429MaxMS = 50 * time.Millisecond
	return cfg
}

// TestQueue_DequeuesHighestPriorityFirst exercises the dequeue scan
// directly (bypassing the async drain loop, whose dispatch goroutines
// don't guarantee a Send-execution order even though the scan itself is
// deterministic) to pin down the one ordering guarantee the priority
// levels actually promise: a full drainOnce pass empties Start, then
// Shot, then Downsell, each in its own FIFO arrival order.
func TestQueue_DequeuesHighestPriorityFirst(t *testing.T) {
	q := New(fastConfig(), nil, nil)

	// Enqueue lowest priority first to prove ordering comes from priority,
	// not arrival order.
	q.Enqueue(&Job{ID: "d1", TenantSlug: "acme", RecipientID: 1, Priority: config.PriorityDownsell})
	q.Enqueue(&Job{ID: "s1", TenantSlug: "acme", RecipientID: 2, Priority: config.PriorityShot})
	q.Enqueue(&Job{ID: "st1", TenantSlug: "acme", RecipientID: 3, Priority: config.PriorityStart})
	q.Enqueue(&Job{ID: "st2", TenantSlug: "acme", RecipientID: 4, Priority: config.PriorityStart})

	var order []string
	for _, p := range priorityOrder {
		for {
			job, ok := q.tryDequeue(p)
			if !ok {
				break
			}
			order = append(order, job.ID)
		}
	}

	assert.Equal(t, []string{"st1", "st2", "s1", "d1"}, order)
}

func TestQueue_RateLimitedJobRetriesThenSucceeds(t *testing.T) {
	q := New(fastConfig(), nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	var attempts int
	var mu sync.Mutex
	doneCh := make(chan error, 1)

	job := &Job{
		ID:          "retry-1",
		TenantSlug:  "acme",
		RecipientID: 42,
		Priority:    config.PriorityStart,
		Send: func(context.Context) error {
			mu.Lock()
			attempts++
			n := attempts
			mu.Unlock()
			if n < 2 {
				return &RateLimitedError{RetryAfter: 5 * time.Millisecond}
			}
			return nil
		},
		Done: func(err error) { doneCh <- err },
	}
	q.Enqueue(job)

	select {
	case err := <-doneCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for retried job to complete")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, attempts)
}

func TestQueue_ExhaustsMaxRetryAttempts(t *testing.T) {
	cfg := fastConfig()
	cfg.MaxRetryAttempts = 2
	q := New(cfg, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q.Start(ctx)
	defer q.Stop()

	doneCh := make(chan error, 1)
	job := &Job{
		ID:          "always-limited",
		TenantSlug:  "acme",
		RecipientID: 7,
		Priority:    config.PriorityStart,
		Send: func(context.Context) error {
			return &RateLimitedError{RetryAfter: 5 * time.Millisecond}
		},
		Done: func(err error) { doneCh <- err },
	}
	q.Enqueue(job)

	select {
	case err := <-doneCh:
		var rateLimited *RateLimitedError
		assert.ErrorAs(t, err, &rateLimited)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for job to give up retrying")
	}
}
