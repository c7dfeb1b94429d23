package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// FunnelEvent is an append-only log entry: a recipient started the bot,
// created a pix charge, or had a payment approved. The downsell engine
// reads this log to decide eligibility; nothing ever mutates a row.
type FunnelEvent struct {
	ID            int64
	EventID       sql.NullString
	TenantSlug    string
	RecipientID   int64
	Kind          string
	TransactionID sql.NullString
	OccurredAt    time.Time
}

// RecordFunnelEvent inserts an event. When eventID is non-empty (start
// events use the deterministic "st:{slug}:{recipient}:{YYYYMMDD}" key) a
// conflict is treated as an idempotent no-op: (nil, false, nil).
func (s *Store) RecordFunnelEvent(ctx context.Context, tenantSlug string, recipientID int64, kind, transactionID, eventID string) (*FunnelEvent, bool, error) {
	const q = `
		INSERT INTO funnel_events (event_id, tenant_slug, recipient_id, kind, transaction_id)
		VALUES (NULLIF($1, ''), $2, $3, $4, NULLIF($5, ''))
		ON CONFLICT (event_id) DO NOTHING
		RETURNING id, event_id, tenant_slug, recipient_id, kind, transaction_id, occurred_at`
	row := s.db.QueryRowContext(ctx, q, eventID, tenantSlug, recipientID, kind, transactionID)
	var ev FunnelEvent
	err := row.Scan(&ev.ID, &ev.EventID, &ev.TenantSlug, &ev.RecipientID, &ev.Kind, &ev.TransactionID, &ev.OccurredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("store: record funnel event: %w", err)
	}
	return &ev, true, nil
}

// HasStarted reports whether a recipient has a start event on record.
func (s *Store) HasStarted(ctx context.Context, tenantSlug string, recipientID int64) (bool, error) {
	const q = `SELECT EXISTS(SELECT 1 FROM funnel_events WHERE tenant_slug = $1 AND recipient_id = $2 AND kind = 'start')`
	var exists bool
	if err := s.db.QueryRowContext(ctx, q, tenantSlug, recipientID).Scan(&exists); err != nil {
		return false, fmt.Errorf("store: has started: %w", err)
	}
	return exists, nil
}

// UnpaidPixWithinDays implements the start-trigger eligibility gate: a
// recipient qualifies for a start-triggered downsell only if they created
// a pix charge within the trailing window and had no payment approved
// within that same window.
func (s *Store) UnpaidPixWithinDays(ctx context.Context, tenantSlug string, recipientID int64, days int) (bool, error) {
	const q = `
		SELECT EXISTS(
			SELECT 1 FROM funnel_events
			WHERE tenant_slug = $1 AND recipient_id = $2 AND kind = 'pix_created'
			  AND occurred_at >= now() - ($3 || ' days')::interval
		) AND NOT EXISTS(
			SELECT 1 FROM funnel_events
			WHERE tenant_slug = $1 AND recipient_id = $2 AND kind = 'payment_approved'
			  AND occurred_at >= now() - ($3 || ' days')::interval
		)`
	var eligible bool
	if err := s.db.QueryRowContext(ctx, q, tenantSlug, recipientID, days).Scan(&eligible); err != nil {
		return false, fmt.Errorf("store: unpaid pix check: %w", err)
	}
	return eligible, nil
}

// PixTransactionState implements the pix-trigger eligibility gate: it
// reports, separately, whether any pix_created event and whether any
// payment_approved event is recorded against the given transaction.
func (s *Store) PixTransactionState(ctx context.Context, tenantSlug, transactionID string) (pixCreated bool, approved bool, err error) {
	const q = `
		SELECT
			EXISTS(SELECT 1 FROM funnel_events WHERE tenant_slug = $1 AND transaction_id = $2 AND kind = 'pix_created'),
			EXISTS(SELECT 1 FROM funnel_events WHERE tenant_slug = $1 AND transaction_id = $2 AND kind = 'payment_approved')`
	if scanErr := s.db.QueryRowContext(ctx, q, tenantSlug, transactionID).Scan(&pixCreated, &approved); scanErr != nil {
		return false, false, fmt.Errorf("store: pix transaction state: %w", scanErr)
	}
	return pixCreated, approved, nil
}
