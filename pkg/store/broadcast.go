package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Broadcast is a bulk-send job against a tenant's audience, moving through
// draft -> queued -> sending -> {completed, canceled}, with sending able to
// pause and resume.
type Broadcast struct {
	ID               string
	TenantSlug       string
	Title            string
	Content          []byte
	AudienceSelector string
	State            string
	Total            int
	Sent             int
	Failed           int
	CreatedAt        time.Time
	StartedAt        sql.NullTime
	CompletedAt      sql.NullTime
}

// CreateBroadcast inserts a draft broadcast.
func (s *Store) CreateBroadcast(ctx context.Context, tenantSlug, title string, content []byte, audienceSelector string) (*Broadcast, error) {
	const q = `
		INSERT INTO broadcasts (id, tenant_slug, title, content, audience_selector)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, tenant_slug, title, content, audience_selector, state, total, sent, failed, created_at, started_at, completed_at`
	row := s.db.QueryRowContext(ctx, q, tenantSlug, title, content, audienceSelector)
	return scanBroadcast(row)
}

// PopulateQueue inserts one broadcast_queue row per recipient and sets the
// broadcast's total, atomically, then transitions it to "queued".
func (s *Store) PopulateQueue(ctx context.Context, broadcastID, tenantSlug string, recipients []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: populate queue begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO broadcast_queue (broadcast_id, tenant_slug, recipient_id) VALUES ($1, $2, $3)`)
	if err != nil {
		return fmt.Errorf("store: prepare queue insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range recipients {
		if _, err := stmt.ExecContext(ctx, broadcastID, tenantSlug, r); err != nil {
			return fmt.Errorf("store: queue insert: %w", err)
		}
	}

	const updateQ = `UPDATE broadcasts SET total = $2, state = 'queued' WHERE id = $1 AND state = 'draft'`
	res, err := tx.ExecContext(ctx, updateQ, broadcastID, len(recipients))
	if err != nil {
		return fmt.Errorf("store: mark broadcast queued: %w", err)
	}
	if err := requireRowsAffected(res, ErrNotFound); err != nil {
		return err
	}
	return tx.Commit()
}

// StartBroadcast transitions queued -> sending.
func (s *Store) StartBroadcast(ctx context.Context, id string) error {
	const q = `UPDATE broadcasts SET state = 'sending', started_at = now() WHERE id = $1 AND state IN ('queued', 'paused')`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: start broadcast: %w", err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

// PauseBroadcast transitions sending -> paused.
func (s *Store) PauseBroadcast(ctx context.Context, id string) error {
	const q = `UPDATE broadcasts SET state = 'paused' WHERE id = $1 AND state = 'sending'`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: pause broadcast: %w", err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

// CancelBroadcast transitions any non-terminal state to canceled.
func (s *Store) CancelBroadcast(ctx context.Context, id string) error {
	const q = `UPDATE broadcasts SET state = 'canceled' WHERE id = $1 AND state NOT IN ('completed', 'canceled')`
	res, err := s.db.ExecContext(ctx, q, id)
	if err != nil {
		return fmt.Errorf("store: cancel broadcast: %w", err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

// BroadcastQueueItem is one recipient row of a broadcast's queue.
type BroadcastQueueItem struct {
	ID          int64
	BroadcastID string
	TenantSlug  string
	RecipientID int64
	Attempt     int
}

// ClaimBroadcastBatch claims up to limit pending queue rows for a sending
// broadcast with FOR UPDATE SKIP LOCKED, mirroring the downsell due-scan
// claim pattern.
func (s *Store) ClaimBroadcastBatch(ctx context.Context, broadcastID string, limit int) ([]*BroadcastQueueItem, error) {
	const q = `
		SELECT id, broadcast_id, tenant_slug, recipient_id, attempt
		FROM broadcast_queue
		WHERE broadcast_id = $1 AND status = 'pending'
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`
	rows, err := s.db.QueryContext(ctx, q, broadcastID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: claim broadcast batch: %w", err)
	}
	defer rows.Close()

	var out []*BroadcastQueueItem
	for rows.Next() {
		var it BroadcastQueueItem
		if err := rows.Scan(&it.ID, &it.BroadcastID, &it.TenantSlug, &it.RecipientID, &it.Attempt); err != nil {
			return nil, fmt.Errorf("store: scan queue item: %w", err)
		}
		out = append(out, &it)
	}
	return out, rows.Err()
}

// MarkQueueItemSent/Failed/Skipped resolve one claimed queue row. Sent and
// Failed also bump the parent broadcast's matching counter; Skipped bumps
// no counter.
func (s *Store) MarkQueueItemSent(ctx context.Context, itemID int64, broadcastID string) error {
	return s.resolveQueueItem(ctx, itemID, broadcastID, "sent", "", "sent")
}

func (s *Store) MarkQueueItemFailed(ctx context.Context, itemID int64, broadcastID, errMsg string) error {
	return s.resolveQueueItem(ctx, itemID, broadcastID, "failed", errMsg, "failed")
}

func (s *Store) MarkQueueItemSkipped(ctx context.Context, itemID int64, broadcastID string) error {
	return s.resolveQueueItem(ctx, itemID, broadcastID, "skipped", "", "")
}

func (s *Store) resolveQueueItem(ctx context.Context, itemID int64, broadcastID, status, errMsg, counterCol string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: resolve queue item begin: %w", err)
	}
	defer tx.Rollback()

	const q = `UPDATE broadcast_queue SET status = $2, error = NULLIF($3, ''), attempt = attempt + 1 WHERE id = $1`
	if _, err := tx.ExecContext(ctx, q, itemID, status, errMsg); err != nil {
		return fmt.Errorf("store: update queue item: %w", err)
	}

	if counterCol != "" {
		updateQ := fmt.Sprintf(`UPDATE broadcasts SET %s = %s + 1 WHERE id = $1`, counterCol, counterCol)
		if _, err := tx.ExecContext(ctx, updateQ, broadcastID); err != nil {
			return fmt.Errorf("store: bump broadcast counter: %w", err)
		}
	}

	if err := s.autoCompleteBroadcastTx(ctx, tx, broadcastID); err != nil {
		return err
	}

	return tx.Commit()
}

// autoCompleteBroadcastTx transitions sending -> completed once no pending
// queue row remains, within the same transaction as the last resolution.
func (s *Store) autoCompleteBroadcastTx(ctx context.Context, tx *sql.Tx, broadcastID string) error {
	const checkQ = `SELECT EXISTS(SELECT 1 FROM broadcast_queue WHERE broadcast_id = $1 AND status = 'pending')`
	var pending bool
	if err := tx.QueryRowContext(ctx, checkQ, broadcastID).Scan(&pending); err != nil {
		return fmt.Errorf("store: check pending queue: %w", err)
	}
	if pending {
		return nil
	}
	const completeQ = `UPDATE broadcasts SET state = 'completed', completed_at = now() WHERE id = $1 AND state = 'sending'`
	_, err := tx.ExecContext(ctx, completeQ, broadcastID)
	if err != nil {
		return fmt.Errorf("store: auto-complete broadcast: %w", err)
	}
	return nil
}

// GetBroadcast looks up a broadcast by id.
func (s *Store) GetBroadcast(ctx context.Context, id string) (*Broadcast, error) {
	const q = `
		SELECT id, tenant_slug, title, content, audience_selector, state, total, sent, failed, created_at, started_at, completed_at
		FROM broadcasts WHERE id = $1`
	row := s.db.QueryRowContext(ctx, q, id)
	return scanBroadcast(row)
}

func scanBroadcast(row rowScanner) (*Broadcast, error) {
	var b Broadcast
	err := row.Scan(&b.ID, &b.TenantSlug, &b.Title, &b.Content, &b.AudienceSelector, &b.State, &b.Total, &b.Sent, &b.Failed, &b.CreatedAt, &b.StartedAt, &b.CompletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan broadcast: %w", err)
	}
	return &b, nil
}
