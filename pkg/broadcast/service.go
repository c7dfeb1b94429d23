// Package broadcast runs bulk sends against a tenant's audience: draft a
// message, populate its recipient queue, then drain that queue through
// the Send Queue in batches, with pause/resume/cancel support.
//
// The claim-a-batch-with-FOR-UPDATE-SKIP-LOCKED-then-process shape mirrors
// the teacher's queue.Worker.pollAndProcess, scaled from one row at a
// time to a configurable batch.
package broadcast

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/metrics"
	"github.com/sendgate/gateway/pkg/store"
)

// AudienceResolver expands an audience selector ("all_started",
// "after_pix") into a concrete recipient list at populate time.
type AudienceResolver interface {
	Resolve(ctx context.Context, tenantSlug, selector string) ([]int64, error)
}

// Sender delivers one broadcast message to one recipient.
type Sender interface {
	SendBroadcast(ctx context.Context, tenantSlug string, recipientID int64, content []byte) error
}

// Notifier reports a broadcast reaching a terminal state; nil-safe (see
// pkg/opsnotify).
type Notifier interface {
	NotifyBroadcastCompleted(tenantSlug, broadcastID string, sent, failed, total int)
}

// Service runs the broadcast state machine.
type Service struct {
	cfg      *config.BroadcastConfig
	store    *store.Store
	audience AudienceResolver
	sender   Sender
	notifier Notifier
}

// New builds a Service.
func New(cfg *config.BroadcastConfig, st *store.Store, audience AudienceResolver, sender Sender, notifier Notifier) *Service {
	if cfg == nil {
		cfg = config.DefaultBroadcastConfig()
	}
	return &Service{cfg: cfg, store: st, audience: audience, sender: sender, notifier: notifier}
}

// Create drafts a broadcast.
func (s *Service) Create(ctx context.Context, tenantSlug, title string, content []byte, audienceSelector string) (*store.Broadcast, error) {
	return s.store.CreateBroadcast(ctx, tenantSlug, title, content, audienceSelector)
}

// Populate resolves the audience and fills the broadcast_queue, moving
// the broadcast from draft to queued.
func (s *Service) Populate(ctx context.Context, b *store.Broadcast) error {
	recipients, err := s.audience.Resolve(ctx, b.TenantSlug, b.AudienceSelector)
	if err != nil {
		return fmt.Errorf("broadcast: resolve audience: %w", err)
	}
	if err := s.store.PopulateQueue(ctx, b.ID, b.TenantSlug, recipients); err != nil {
		return fmt.Errorf("broadcast: populate queue: %w", err)
	}
	slog.Info("broadcast: queue populated", "broadcast_id", b.ID, "recipients", len(recipients))
	return nil
}

// Start transitions queued/paused -> sending and drains one batch
// immediately; callers (the admin API or a background driver) call Drain
// repeatedly until the broadcast reaches a terminal state.
func (s *Service) Start(ctx context.Context, broadcastID string) error {
	if err := s.store.StartBroadcast(ctx, broadcastID); err != nil {
		return err
	}
	_, err := s.Drain(ctx, broadcastID)
	return err
}

// Pause transitions sending -> paused; the next Drain call on a paused
// broadcast is a no-op until Start is called again.
func (s *Service) Pause(ctx context.Context, broadcastID string) error {
	return s.store.PauseBroadcast(ctx, broadcastID)
}

// Cancel transitions any non-terminal state to canceled.
func (s *Service) Cancel(ctx context.Context, broadcastID string) error {
	return s.store.CancelBroadcast(ctx, broadcastID)
}

// Drain claims and sends one batch of pending recipients for a sending
// broadcast. Returns the number of items processed (0 means either the
// broadcast isn't in "sending" state, or its queue is empty and it has
// already auto-completed).
func (s *Service) Drain(ctx context.Context, broadcastID string) (int, error) {
	b, err := s.store.GetBroadcast(ctx, broadcastID)
	if err != nil {
		return 0, fmt.Errorf("broadcast: get broadcast: %w", err)
	}
	if b.State != "sending" {
		return 0, nil
	}

	items, err := s.store.ClaimBroadcastBatch(ctx, broadcastID, s.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("broadcast: claim batch: %w", err)
	}

	for _, item := range items {
		err := s.sender.SendBroadcast(ctx, item.TenantSlug, item.RecipientID, b.Content)
		if err != nil {
			if markErr := s.store.MarkQueueItemFailed(ctx, item.ID, broadcastID, err.Error()); markErr != nil {
				slog.Error("broadcast: mark failed error", "broadcast_id", broadcastID, "item_id", item.ID, "error", markErr)
			}
			continue
		}
		if markErr := s.store.MarkQueueItemSent(ctx, item.ID, broadcastID); markErr != nil {
			slog.Error("broadcast: mark sent error", "broadcast_id", broadcastID, "item_id", item.ID, "error", markErr)
		}
	}

	updated, err := s.store.GetBroadcast(ctx, broadcastID)
	if err == nil {
		metrics.SetBroadcastProgress(broadcastID, "sent", updated.Sent)
		metrics.SetBroadcastProgress(broadcastID, "failed", updated.Failed)
		metrics.SetBroadcastProgress(broadcastID, "total", updated.Total)
		if updated.State == "completed" && s.notifier != nil {
			s.notifier.NotifyBroadcastCompleted(updated.TenantSlug, updated.ID, updated.Sent, updated.Failed, updated.Total)
		}
	}

	return len(items), nil
}

// DriveUntilIdle repeatedly drains a broadcast until a batch returns zero
// items (queue empty or broadcast left the sending state), pacing
// between batches the same 200ms as the downsell scan loop so a large
// broadcast doesn't peg the Send Queue.
func (s *Service) DriveUntilIdle(ctx context.Context, broadcastID string) error {
	for {
		n, err := s.Drain(ctx, broadcastID)
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(200 * time.Millisecond):
		}
	}
}
