package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DownsellTemplate is a reusable message fired some delay after a funnel
// trigger (start or an unpaid pix) with no completed payment in between.
type DownsellTemplate struct {
	ID           string
	TenantSlug   string
	Name         string
	Content      []byte // raw JSON
	DelayMinutes int
	Active       bool
	AfterStart   bool
	AfterPix     bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// DownsellSchedule is one scheduled (or already-resolved) downsell send.
// EventID is the deterministic idempotency key described by the business
// identifier formats: "dw:{slug}:{recipient}:{templateId}:st:{scheduledAt}"
// for a start trigger, or with the transaction id in place of "st" for a
// pix trigger.
type DownsellSchedule struct {
	ID            string
	EventID       string
	TenantSlug    string
	RecipientID   int64
	TemplateID    string
	TransactionID sql.NullString
	Trigger       string
	ScheduledAt   time.Time
	Status        string
	CancelReason  sql.NullString
	Attempt       int
	LastAttemptAt sql.NullTime
	Meta          []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// CreateDownsellTemplate inserts a new template.
func (s *Store) CreateDownsellTemplate(ctx context.Context, t *DownsellTemplate) (*DownsellTemplate, error) {
	const q = `
		INSERT INTO downsell_templates (id, tenant_slug, name, content, delay_minutes, active, after_start, after_pix)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7)
		RETURNING id, tenant_slug, name, content, delay_minutes, active, after_start, after_pix, created_at, updated_at`
	row := s.db.QueryRowContext(ctx, q, t.TenantSlug, t.Name, t.Content, t.DelayMinutes, t.Active, t.AfterStart, t.AfterPix)
	return scanDownsellTemplate(row)
}

// ActiveTemplatesFor returns active templates for a tenant gated on the
// given trigger ("start" -> after_start, "pix" -> after_pix).
func (s *Store) ActiveTemplatesFor(ctx context.Context, tenantSlug, trigger string) ([]*DownsellTemplate, error) {
	col := "after_start"
	if trigger == "pix" {
		col = "after_pix"
	}
	q := fmt.Sprintf(`
		SELECT id, tenant_slug, name, content, delay_minutes, active, after_start, after_pix, created_at, updated_at
		FROM downsell_templates WHERE tenant_slug = $1 AND active = true AND %s = true`, col)
	rows, err := s.db.QueryContext(ctx, q, tenantSlug)
	if err != nil {
		return nil, fmt.Errorf("store: active templates: %w", err)
	}
	defer rows.Close()

	var out []*DownsellTemplate
	for rows.Next() {
		t, err := scanDownsellTemplate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanDownsellTemplate(row rowScanner) (*DownsellTemplate, error) {
	var t DownsellTemplate
	err := row.Scan(&t.ID, &t.TenantSlug, &t.Name, &t.Content, &t.DelayMinutes, &t.Active, &t.AfterStart, &t.AfterPix, &t.CreatedAt, &t.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan downsell template: %w", err)
	}
	return &t, nil
}

// ScheduleDownsell inserts a pending schedule keyed on its deterministic
// event_id. A conflict on event_id means this exact trigger was already
// scheduled; callers treat that as a no-op rather than an error, and a
// conflict on the pending-uniqueness partial index means a pending
// schedule already exists for this (tenant, recipient, template).
//
// Returns (schedule, true) on a fresh insert, (nil, false) with a nil error
// on either conflict so callers can distinguish "scheduled" from "already
// scheduled" without inspecting driver-specific error codes.
func (s *Store) ScheduleDownsell(ctx context.Context, sc *DownsellSchedule) (*DownsellSchedule, bool, error) {
	const q = `
		INSERT INTO downsell_schedules
			(id, event_id, tenant_slug, recipient_id, template_id, transaction_id, trigger, scheduled_at, meta)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT DO NOTHING
		RETURNING id, event_id, tenant_slug, recipient_id, template_id, transaction_id, trigger,
		          scheduled_at, status, cancel_reason, attempt, last_attempt_at, meta, created_at, updated_at`
	row := s.db.QueryRowContext(ctx, q,
		sc.EventID, sc.TenantSlug, sc.RecipientID, sc.TemplateID, sc.TransactionID, sc.Trigger, sc.ScheduledAt, sc.Meta)
	out, err := scanDownsellSchedule(row)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// DueDownsells claims up to limit pending schedules whose scheduled_at has
// passed, using FOR UPDATE SKIP LOCKED so concurrent scan loops (multiple
// gateway instances) never double-claim the same row.
func (s *Store) DueDownsells(ctx context.Context, limit int) ([]*DownsellSchedule, error) {
	const q = `
		SELECT id, event_id, tenant_slug, recipient_id, template_id, transaction_id, trigger,
		       scheduled_at, status, cancel_reason, attempt, last_attempt_at, meta, created_at, updated_at
		FROM downsell_schedules
		WHERE status = 'pending' AND scheduled_at <= now()
		ORDER BY scheduled_at
		LIMIT $1
		FOR UPDATE SKIP LOCKED`
	rows, err := s.db.QueryContext(ctx, q, limit)
	if err != nil {
		return nil, fmt.Errorf("store: due downsells: %w", err)
	}
	defer rows.Close()

	var out []*DownsellSchedule
	for rows.Next() {
		sc, err := scanDownsellSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// MarkDownsellSent moves a schedule to sent. MarkDownsellFailed with
// bumpAttempt records one more failed attempt and leaves the schedule
// pending for the next due-scan; without bumpAttempt it moves the schedule
// to failed.
func (s *Store) MarkDownsellSent(ctx context.Context, id string) error {
	return s.transitionDownsell(ctx, id, "sent", "", nil)
}

func (s *Store) MarkDownsellFailed(ctx context.Context, id string, bumpAttempt bool) error {
	if bumpAttempt {
		const q = `UPDATE downsell_schedules SET attempt = attempt + 1, last_attempt_at = now(), updated_at = now() WHERE id = $1`
		res, err := s.db.ExecContext(ctx, q, id)
		if err != nil {
			return fmt.Errorf("store: bump downsell attempt: %w", err)
		}
		return requireRowsAffected(res, ErrNotFound)
	}
	return s.transitionDownsell(ctx, id, "failed", "", nil)
}

// MarkDownsellSkipped transitions a schedule out of pending when the
// send-time eligibility gate rejects it, e.g. reason "no_unpaid_pix".
func (s *Store) MarkDownsellSkipped(ctx context.Context, id, reason string) error {
	return s.transitionDownsell(ctx, id, "skipped", reason, nil)
}

// CancelPendingDownsells cancels pending schedules for a recipient.
// On payment_approved it cancels every pending row tied to the paid
// transaction AND every pending start-triggered row for the recipient,
// since a completed payment clears the unpaid-pix condition both
// triggers exist to chase. On any other reason (e.g. pix expiry) it
// only cancels rows bound to the given transaction. Returns the number
// of rows canceled.
func (s *Store) CancelPendingDownsells(ctx context.Context, tenantSlug string, recipientID int64, transactionID, reason string) (int64, error) {
	var res sql.Result
	var err error
	switch {
	case transactionID != "" && reason == "payment_approved":
		const q = `
			UPDATE downsell_schedules SET status = 'canceled', cancel_reason = $4, updated_at = now()
			WHERE tenant_slug = $1 AND recipient_id = $2 AND status = 'pending'
			  AND (transaction_id = $3 OR trigger = 'start')`
		res, err = s.db.ExecContext(ctx, q, tenantSlug, recipientID, transactionID, reason)
	case transactionID != "":
		const q = `
			UPDATE downsell_schedules SET status = 'canceled', cancel_reason = $4, updated_at = now()
			WHERE tenant_slug = $1 AND recipient_id = $2 AND transaction_id = $3 AND status = 'pending'`
		res, err = s.db.ExecContext(ctx, q, tenantSlug, recipientID, transactionID, reason)
	default:
		const q = `
			UPDATE downsell_schedules SET status = 'canceled', cancel_reason = $3, updated_at = now()
			WHERE tenant_slug = $1 AND recipient_id = $2 AND status = 'pending'`
		res, err = s.db.ExecContext(ctx, q, tenantSlug, recipientID, reason)
	}
	if err != nil {
		return 0, fmt.Errorf("store: cancel pending downsells: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) transitionDownsell(ctx context.Context, id, status, reason string, meta []byte) error {
	const q = `
		UPDATE downsell_schedules SET status = $2, cancel_reason = NULLIF($3, ''), updated_at = now()
		WHERE id = $1`
	res, err := s.db.ExecContext(ctx, q, id, status, reason)
	if err != nil {
		return fmt.Errorf("store: transition downsell %s: %w", status, err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

func scanDownsellSchedule(row rowScanner) (*DownsellSchedule, error) {
	var sc DownsellSchedule
	err := row.Scan(
		&sc.ID, &sc.EventID, &sc.TenantSlug, &sc.RecipientID, &sc.TemplateID, &sc.TransactionID, &sc.Trigger,
		&sc.ScheduledAt, &sc.Status, &sc.CancelReason, &sc.Attempt, &sc.LastAttemptAt, &sc.Meta, &sc.CreatedAt, &sc.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan downsell schedule: %w", err)
	}
	return &sc, nil
}
