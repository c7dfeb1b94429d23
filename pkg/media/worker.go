package media

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// worker polls the pool for warm-up requests and executes them. Mirrors
// the teacher's Worker: a poll loop with jittered sleep on empty, status
// tracked for health reporting.
type worker struct {
	id   int
	pool *Pool

	mu                sync.RWMutex
	status            string
	requestsProcessed int
	lastActivity      time.Time
}

func newWorker(id int, pool *Pool) *worker {
	return &worker{id: id, pool: pool, status: "idle", lastActivity: time.Now()}
}

func (w *worker) run(ctx context.Context) {
	log := slog.With("media_worker", w.id)
	for {
		select {
		case <-w.pool.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			req, ok := w.pool.claim()
			if !ok {
				w.sleep(w.pollInterval())
				continue
			}
			w.process(ctx, req, log)
		}
	}
}

func (w *worker) process(ctx context.Context, req *Request, log *slog.Logger) {
	w.setStatus("working")
	defer w.setStatus("idle")
	defer w.pool.release(req)

	fileID, err := w.pool.warmer.Warm(ctx, req)
	if err != nil {
		log.Warn("media: warm-up failed", "tenant", req.TenantSlug, "sha256", req.SHA256, "kind", req.Kind, "error", err)
	} else {
		log.Info("media: warm-up complete", "tenant", req.TenantSlug, "sha256", req.SHA256, "kind", req.Kind, "file_id", fileID)
	}

	w.mu.Lock()
	w.requestsProcessed++
	w.mu.Unlock()
}

func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.pool.stopCh:
	case <-time.After(d):
	}
}

func (w *worker) pollInterval() time.Duration {
	base := 50 * time.Millisecond
	jitter := 20 * time.Millisecond
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

func (w *worker) setStatus(status string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.lastActivity = time.Now()
}
