// Package media is the warm-up subsystem for outbound photos, videos,
// documents, and audio. Every blob is content-addressed by SHA-256: the
// first time a tenant sends a given file, it's uploaded to the object
// store and pushed once to a staging chat to obtain a remote file handle
// (e.g. a Telegram file_id); every later send to any recipient reuses
// that handle instead of re-uploading the bytes.
//
// The pool's bounded-queue-plus-worker-goroutines shape is grounded on
// the teacher's pkg/queue WorkerPool/Worker pair: fixed worker count,
// graceful Start/Stop via sync.Once+WaitGroup, per-worker health
// tracking. The claim step there was a DB row lock; here it's an
// in-process priority-scored slice, since warm-up requests don't need to
// survive a process restart (a cold cache just re-warms on next send).
package media

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/sendgate/gateway/pkg/config"
)

// Request is one warm-up job: make sure (tenant, sha256, kind) has a
// ready remote file handle.
type Request struct {
	TenantSlug    string
	SHA256        string
	Kind          string // photo, video, document, audio
	StagingChatID string
	Fetch         func(ctx context.Context) ([]byte, string, error) // returns bytes, mime, error
	Priority      int                                               // higher first; dispatch passes KindRank(kind)
	enqueuedAt    time.Time
}

func (r *Request) dedupeKey() string { return r.TenantSlug + ":" + r.SHA256 + ":" + r.Kind }

// Warmer performs the actual upload-and-probe-send; implemented by the
// package wiring cmd/gateway, backed by pkg/objectstore and pkg/upstream.
type Warmer interface {
	Warm(ctx context.Context, req *Request) (remoteFileID string, err error)
}

// Pool is the bounded warm-up worker pool.
type Pool struct {
	cfg    *config.MediaConfig
	warmer Warmer

	mu       sync.Mutex
	queue    []*Request
	inflight map[string]bool
	enqueues int

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	workers  []*worker
	started  bool
}

// New builds a Pool. Capacity bounds how many distinct warm-ups can be
// pending at once; a full queue drops the new request (logged, not
// fatal — the send path falls back to skipping the media for that
// delivery and re-enqueues the warm-up anyway, per media.md's "miss"
// behavior).
func New(cfg *config.MediaConfig, warmer Warmer) *Pool {
	if cfg == nil {
		cfg = config.DefaultMediaConfig()
	}
	return &Pool{
		cfg:      cfg,
		warmer:   warmer,
		queue:    make([]*Request, 0, cfg.QueueCapacity),
		inflight: make(map[string]bool),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue adds a warm-up request, deduplicating by (tenant, sha256, kind)
// against both the pending queue and in-flight work. Returns false if the
// request was dropped (already pending/in-flight, or the queue is full).
func (p *Pool) Enqueue(req *Request) bool {
	req.enqueuedAt = time.Now()
	key := req.dedupeKey()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.inflight[key] {
		return false
	}
	for _, q := range p.queue {
		if q.dedupeKey() == key {
			return false
		}
	}
	if len(p.queue) >= p.cfg.QueueCapacity {
		slog.Warn("media: warm-up queue full, dropping request", "tenant", req.TenantSlug, "sha256", req.SHA256, "kind", req.Kind)
		return false
	}

	p.queue = append(p.queue, req)
	p.enqueues++
	if p.enqueues%p.cfg.ResortEveryNEnqueue == 0 {
		p.resortLocked()
	}
	return true
}

func (p *Pool) resortLocked() {
	sort.SliceStable(p.queue, func(i, j int) bool {
		if p.queue[i].Priority != p.queue[j].Priority {
			return p.queue[i].Priority > p.queue[j].Priority
		}
		return p.queue[i].enqueuedAt.Before(p.queue[j].enqueuedAt)
	})
}

// claim pops the head of the pending queue, marking it in-flight. The
// queue is priority-ordered as of its last resort (every
// ResortEveryNEnqueue enqueues); requests added since then wait behind it
// in arrival order.
func (p *Pool) claim() (*Request, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.queue) == 0 {
		return nil, false
	}
	req := p.queue[0]
	p.queue = p.queue[1:]
	p.inflight[req.dedupeKey()] = true
	return req, true
}

func (p *Pool) release(req *Request) {
	p.mu.Lock()
	delete(p.inflight, req.dedupeKey())
	p.mu.Unlock()
}

// SetWarmer assigns the pool's warmer. Exists because the warmer
// implementation (cmd/gateway's dispatcher) and the Manager that wraps
// this pool are mutually dependent: the warmer needs the Manager to
// record results, the Manager needs the pool to enqueue work. Must be
// called before Start.
func (p *Pool) SetWarmer(w Warmer) {
	p.warmer = w
}

// Start spawns cfg.Concurrency worker goroutines.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		return
	}
	p.started = true

	for i := 0; i < p.cfg.Concurrency; i++ {
		w := newWorker(i, p)
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			w.run(ctx)
		}()
	}
}

// Stop signals every worker to exit and waits for them.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

// Depth reports the current pending-queue length.
func (p *Pool) Depth() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.queue)
}
