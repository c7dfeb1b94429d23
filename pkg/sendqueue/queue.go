package sendqueue

import (
	"container/list"
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/metrics"
)

// Notifier reports a recipient entering the post-429-storm fallback
// throttle; nil-safe (see pkg/opsnotify).
type Notifier interface {
	NotifyFallbackEntered(tenantSlug string, consecutive429s int)
}

// Queue is the priority send queue. One Queue instance serves every
// tenant; tenants are isolated from each other only by their own rate
// buckets and fallback state, never by separate goroutines or queues,
// since strict cross-tenant priority ordering isn't required but strict
// per-level ordering (START > SHOT > DOWNSELL) is.
//
// The three priority levels are plain container/list FIFOs, not a
// heap-backed priority queue: a heap's comparator would reorder jobs
// within a level by whatever tiebreaker it used, losing the FIFO
// ordering each level is supposed to preserve.
type Queue struct {
	cfg      *config.SendQueueConfig
	metric   *metrics.Sink
	notifier Notifier

	mu     sync.Mutex
	lists  map[config.Priority]*list.List
	notify chan struct{}

	tenantsMu sync.Mutex
	tenants   map[string]*tenantState

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	started  bool
}

type tenantState struct {
	global *tokenBucket

	recipientsMu sync.Mutex
	recipients   map[string]*recipientState
}

func newTenantState(cfg *config.SendQueueConfig) *tenantState {
	return &tenantState{
		global:     newTokenBucket(cfg.GlobalRatePerSec, cfg.Burst),
		recipients: make(map[string]*recipientState),
	}
}

func (t *tenantState) recipient(cfg *config.SendQueueConfig, key string) *recipientState {
	t.recipientsMu.Lock()
	defer t.recipientsMu.Unlock()
	r, ok := t.recipients[key]
	if !ok {
		r = newRecipientState(cfg)
		t.recipients[key] = r
	}
	return r
}

// New builds an empty Queue.
func New(cfg *config.SendQueueConfig, metric *metrics.Sink, notifier Notifier) *Queue {
	if cfg == nil {
		cfg = config.DefaultSendQueueConfig()
	}
	return &Queue{
		cfg:      cfg,
		metric:   metric,
		notifier: notifier,
		lists: map[config.Priority]*list.List{
			config.PriorityStart:    list.New(),
			config.PriorityShot:     list.New(),
			config.PriorityDownsell: list.New(),
		},
		notify:  make(chan struct{}, 1),
		tenants: make(map[string]*tenantState),
		stopCh:  make(chan struct{}),
	}
}

// Enqueue appends a job to the back of its priority level's FIFO.
func (q *Queue) Enqueue(job *Job) {
	job.EnqueuedAt = time.Now()
	q.mu.Lock()
	q.lists[job.Priority].PushBack(job)
	q.mu.Unlock()
	q.wake()
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Depths reports current queue depth per priority, for metrics and admin
// inspection.
func (q *Queue) Depths() map[config.Priority]int {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[config.Priority]int, len(q.lists))
	for p, l := range q.lists {
		out[p] = l.Len()
	}
	return out
}

var priorityOrder = []config.Priority{config.PriorityStart, config.PriorityShot, config.PriorityDownsell}

// Start launches the drain loop and the idle-recipient GC loop.
func (q *Queue) Start(ctx context.Context) {
	if q.started {
		return
	}
	q.started = true

	q.wg.Add(2)
	go func() { defer q.wg.Done(); q.drainLoop(ctx) }()
	go func() { defer q.wg.Done(); q.gcLoop(ctx) }()
}

// Stop signals both loops to exit and waits for them.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// drainLoop repeatedly scans priority levels highest-first. Within a
// level it walks the FIFO front-to-back looking for the first job whose
// recipient isn't backed off and whose rate buckets have a token
// available right now; jobs it has to skip stay in place so ordering is
// preserved for the next pass. Dispatch happens in its own goroutine so a
// slow upstream call never blocks the scan.
func (q *Queue) drainLoop(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-q.notify:
		case <-ticker.C:
		}
		q.drainOnce(ctx)
	}
}

func (q *Queue) drainOnce(ctx context.Context) {
	for _, p := range priorityOrder {
		for {
			job, ok := q.tryDequeue(p)
			if !ok {
				break
			}
			q.dispatch(ctx, job)
		}
	}
}

// tryDequeue walks one priority level and removes the first eligible job.
func (q *Queue) tryDequeue(p config.Priority) (*Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l := q.lists[p]
	for e := l.Front(); e != nil; e = e.Next() {
		job := e.Value.(*Job)
		if q.eligible(job) {
			l.Remove(e)
			return job, true
		}
	}
	return nil, false
}

func (q *Queue) eligible(job *Job) bool {
	t := q.tenant(job.TenantSlug)
	rs := t.recipient(q.cfg, recipientKey(job.TenantSlug, job.RecipientID))
	if rs.inBackoff() {
		return false
	}

	if rs.inFallback() {
		rs.mu.Lock()
		bucket := rs.fallbackBucket
		rs.mu.Unlock()
		return bucket != nil && bucket.take()
	}

	if !t.global.take() {
		return false
	}
	if !rs.bucket.take() {
		return false
	}
	return true
}

func (q *Queue) tenant(slug string) *tenantState {
	q.tenantsMu.Lock()
	defer q.tenantsMu.Unlock()
	t, ok := q.tenants[slug]
	if !ok {
		t = newTenantState(q.cfg)
		q.tenants[slug] = t
	}
	return t
}

func (q *Queue) dispatch(ctx context.Context, job *Job) {
	t := q.tenant(job.TenantSlug)
	rs := t.recipient(q.cfg, recipientKey(job.TenantSlug, job.RecipientID))
	rs.touch()

	go func() {
		start := time.Now()
		err := job.Send(ctx)
		series := job.TenantSlug + ":" + job.Priority.String()

		var rateLimited *RateLimitedError
		switch {
		case err == nil:
			rs.recordSuccess(q.cfg)
			if q.metric != nil {
				q.metric.RecordSuccess(series, time.Since(start))
			}
			metrics.ObserveSend(job.TenantSlug, job.Priority.String(), "success", time.Since(start))
			if job.Done != nil {
				job.Done(nil)
			}

		case errors.As(err, &rateLimited):
			consecutive := rs.recordRateLimited(q.cfg, rateLimited.RetryAfter)
			metrics.ObserveRateLimited(job.TenantSlug)
			if consecutive >= q.cfg.FallbackAfterConsecutive429 {
				rs.enterFallback(q.cfg)
				slog.Warn("sendqueue: recipient entered fallback throttle", "tenant", job.TenantSlug, "recipient", job.RecipientID, "consecutive_429s", consecutive)
				if q.notifier != nil {
					q.notifier.NotifyFallbackEntered(job.TenantSlug, consecutive)
				}
			}
			job.Attempt++
			if job.Attempt >= q.cfg.MaxRetryAttempts {
				if q.metric != nil {
					q.metric.RecordFailure(series)
				}
				metrics.ObserveSend(job.TenantSlug, job.Priority.String(), "failure", 0)
				if job.Done != nil {
					job.Done(err)
				}
				return
			}
			q.mu.Lock()
			q.lists[job.Priority].PushFront(job)
			q.mu.Unlock()
			q.wake()

		default:
			if q.metric != nil {
				q.metric.RecordFailure(series)
			}
			metrics.ObserveSend(job.TenantSlug, job.Priority.String(), "failure", 0)
			if job.Done != nil {
				job.Done(err)
			}
		}
	}()
}

// gcLoop evicts idle recipient state and advances fallback recovery once
// per cycle, grounded on the teacher's cleanup service's ticker shape.
func (q *Queue) gcLoop(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.gcOnce()
		}
	}
}

func (q *Queue) gcOnce() {
	q.tenantsMu.Lock()
	tenants := make([]*tenantState, 0, len(q.tenants))
	for _, t := range q.tenants {
		tenants = append(tenants, t)
	}
	q.tenantsMu.Unlock()

	for _, t := range tenants {
		t.recipientsMu.Lock()
		for key, rs := range t.recipients {
			if rs.inFallback() {
				rs.recoveryTick(q.cfg)
			}
			if rs.idleSince() > q.cfg.IdleEvictAfter {
				delete(t.recipients, key)
			}
		}
		t.recipientsMu.Unlock()
	}

	for p, depth := range q.Depths() {
		metrics.SetQueueDepth(p.String(), depth)
	}
}
