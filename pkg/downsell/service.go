// Package downsell schedules and fires the delayed "are you still there"
// messages sent after a funnel trigger (a start, or an unpaid pix charge)
// goes a configured number of minutes without a completed payment.
//
// The due-scan loop follows the teacher's cleanup.Service shape exactly:
// a context.CancelFunc + done channel, an immediate first pass, then a
// ticker. What it scans for (due schedules instead of stale rows) and
// what it does with what it finds (dispatch a send instead of a delete)
// is the gateway's own domain logic.
package downsell

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/metrics"
	"github.com/sendgate/gateway/pkg/store"
)

// Sender delivers one resolved downsell template to a recipient; wired to
// the Send Queue by cmd/gateway.
type Sender interface {
	SendDownsell(ctx context.Context, tenantSlug string, recipientID int64, templateContent []byte) error
}

// Service is the downsell scheduling and due-scan engine.
type Service struct {
	cfg    *config.DownsellConfig
	store  *store.Store
	sender Sender

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Service.
func New(cfg *config.DownsellConfig, st *store.Store, sender Sender) *Service {
	if cfg == nil {
		cfg = config.DefaultDownsellConfig()
	}
	return &Service{cfg: cfg, store: st, sender: sender}
}

// ScheduleForStart schedules every active after_start template for a
// recipient who just triggered the start funnel event. Scheduling is
// unconditional — the unpaid-pix eligibility gate is applied later, at
// send time in fire, not here. The event id is deterministic
// ("dw:{slug}:{recipient}:{templateId}:st:{scheduledAt}") so calling this
// twice for the same trigger is a no-op, not a duplicate schedule.
func (s *Service) ScheduleForStart(ctx context.Context, tenantSlug string, recipientID int64) error {
	templates, err := s.store.ActiveTemplatesFor(ctx, tenantSlug, "start")
	if err != nil {
		return fmt.Errorf("downsell: load templates: %w", err)
	}

	for _, tpl := range templates {
		scheduledAt := time.Now().Add(time.Duration(tpl.DelayMinutes) * time.Minute)
		eventID := fmt.Sprintf("dw:%s:%d:%s:st:%s", tenantSlug, recipientID, tpl.ID, scheduledAt.UTC().Format(time.RFC3339))
		if _, scheduled, err := s.store.ScheduleDownsell(ctx, &store.DownsellSchedule{
			EventID:     eventID,
			TenantSlug:  tenantSlug,
			RecipientID: recipientID,
			TemplateID:  tpl.ID,
			Trigger:     "start",
			ScheduledAt: scheduledAt,
		}); err != nil {
			return fmt.Errorf("downsell: schedule start downsell: %w", err)
		} else if scheduled {
			metrics.ObserveDownsellScheduled(tenantSlug, "start")
		}
	}
	return nil
}

// ScheduleForPix schedules every active after_pix template for a pix
// charge, keyed (and deduplicated) per transaction. Scheduling is
// unconditional; whether the charge is still unpaid by the time the
// schedule comes due is checked in fire, not here.
func (s *Service) ScheduleForPix(ctx context.Context, tenantSlug string, recipientID int64, transactionID string) error {
	templates, err := s.store.ActiveTemplatesFor(ctx, tenantSlug, "pix")
	if err != nil {
		return fmt.Errorf("downsell: load templates: %w", err)
	}

	for _, tpl := range templates {
		scheduledAt := time.Now().Add(time.Duration(tpl.DelayMinutes) * time.Minute)
		eventID := fmt.Sprintf("dw:%s:%d:%s:%s:%s", tenantSlug, recipientID, tpl.ID, transactionID, scheduledAt.UTC().Format(time.RFC3339))
		if _, scheduled, err := s.store.ScheduleDownsell(ctx, &store.DownsellSchedule{
			EventID:       eventID,
			TenantSlug:    tenantSlug,
			RecipientID:   recipientID,
			TemplateID:    tpl.ID,
			TransactionID: sql.NullString{String: transactionID, Valid: transactionID != ""},
			Trigger:       "pix",
			ScheduledAt:   scheduledAt,
		}); err != nil {
			return fmt.Errorf("downsell: schedule pix downsell: %w", err)
		} else if scheduled {
			metrics.ObserveDownsellScheduled(tenantSlug, "pix")
		}
	}
	return nil
}

// CancelOnPaymentApproved cancels every pending schedule tied to a
// transaction once its payment clears.
func (s *Service) CancelOnPaymentApproved(ctx context.Context, tenantSlug string, recipientID int64, transactionID string) error {
	n, err := s.store.CancelPendingDownsells(ctx, tenantSlug, recipientID, transactionID, "payment_approved")
	if err != nil {
		return fmt.Errorf("downsell: cancel on payment approved: %w", err)
	}
	if n > 0 {
		slog.Info("downsell: canceled pending schedules on payment", "tenant", tenantSlug, "recipient", recipientID, "transaction", transactionID, "count", n)
	}
	return nil
}

// CancelOnPixExpired cancels pending pix-triggered schedules for an
// expired charge.
func (s *Service) CancelOnPixExpired(ctx context.Context, tenantSlug string, recipientID int64, transactionID string) error {
	n, err := s.store.CancelPendingDownsells(ctx, tenantSlug, recipientID, transactionID, "pix_expired")
	if err != nil {
		return fmt.Errorf("downsell: cancel on pix expired: %w", err)
	}
	if n > 0 {
		slog.Info("downsell: canceled pending schedules on pix expiry", "tenant", tenantSlug, "recipient", recipientID, "transaction", transactionID, "count", n)
	}
	return nil
}

// Start launches the due-scan loop.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go s.run(ctx)
	slog.Info("downsell: due-scan loop started", "scan_interval", s.cfg.ScanInterval, "fetch_limit", s.cfg.FetchLimit)
}

// Stop signals the due-scan loop to exit and waits for it.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	slog.Info("downsell: due-scan loop stopped")
}

func (s *Service) run(ctx context.Context) {
	defer close(s.done)

	s.scanOnce(ctx)

	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scanOnce(ctx)
		}
	}
}

func (s *Service) scanOnce(ctx context.Context) {
	due, err := s.store.DueDownsells(ctx, s.cfg.FetchLimit)
	if err != nil {
		slog.Error("downsell: due-scan query failed", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	for i, sc := range due {
		s.fire(ctx, sc)
		if i < len(due)-1 {
			time.Sleep(s.cfg.BatchPaceGap)
		}
	}
}

// fire applies the eligibility gate at send time: a start-triggered
// schedule requires an unpaid pix within the trailing UnpaidPixDays
// window, and a pix-triggered schedule requires that specific charge to
// still be unpaid. Ineligible rows are marked skipped{no_unpaid_pix}
// rather than sent.
func (s *Service) fire(ctx context.Context, sc *store.DownsellSchedule) {
	eligible, err := s.eligible(ctx, sc)
	if err != nil {
		slog.Error("downsell: eligibility check failed", "schedule_id", sc.ID, "error", err)
		return
	}
	if !eligible {
		if err := s.store.MarkDownsellSkipped(ctx, sc.ID, "no_unpaid_pix"); err != nil {
			slog.Error("downsell: mark skipped failed", "schedule_id", sc.ID, "error", err)
		}
		return
	}

	templates, err := s.store.ActiveTemplatesFor(ctx, sc.TenantSlug, sc.Trigger)
	if err != nil {
		slog.Error("downsell: load template for fire failed", "schedule_id", sc.ID, "error", err)
		return
	}
	var content []byte
	for _, t := range templates {
		if t.ID == sc.TemplateID {
			content = t.Content
			break
		}
	}
	if content == nil {
		_ = s.store.MarkDownsellFailed(ctx, sc.ID, false)
		return
	}

	if err := s.sender.SendDownsell(ctx, sc.TenantSlug, sc.RecipientID, content); err != nil {
		slog.Warn("downsell: send failed", "schedule_id", sc.ID, "error", err)
		_ = s.store.MarkDownsellFailed(ctx, sc.ID, true)
		return
	}
	if err := s.store.MarkDownsellSent(ctx, sc.ID); err != nil {
		slog.Error("downsell: mark sent failed", "schedule_id", sc.ID, "error", err)
	}
}

// eligible applies the send-time gate: pix-triggered schedules require
// their specific charge to still be unpaid; start-triggered schedules
// require the recipient to have an unpaid pix within the trailing
// UnpaidPixDays window.
func (s *Service) eligible(ctx context.Context, sc *store.DownsellSchedule) (bool, error) {
	if sc.Trigger == "pix" {
		pixCreated, approved, err := s.store.PixTransactionState(ctx, sc.TenantSlug, sc.TransactionID.String)
		if err != nil {
			return false, fmt.Errorf("downsell: pix transaction state: %w", err)
		}
		return pixCreated && !approved, nil
	}

	unpaid, err := s.store.UnpaidPixWithinDays(ctx, sc.TenantSlug, sc.RecipientID, s.cfg.UnpaidPixDays)
	if err != nil {
		return false, fmt.Errorf("downsell: eligibility check: %w", err)
	}
	return unpaid, nil
}
