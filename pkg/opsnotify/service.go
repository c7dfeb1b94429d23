// Package opsnotify posts operational alerts — heartbeat failures,
// fallback-throttle entries, broadcast completions — to a Slack channel.
//
// Adapted from the teacher's pkg/slack: same nil-safe Service shape (a
// nil *Service makes every method a no-op, so wiring stays simple when
// no Slack token is configured) and the same fail-open policy (a posting
// error is logged, never propagated to the caller). The teacher hand-
// rolled its own Slack HTTP client; this uses slack-go/slack directly
// since nothing here needs the teacher's thread-fingerprint lookup.
package opsnotify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/slack-go/slack"
)

// Service posts operational notifications to Slack. Nil-safe: every
// method is a no-op when the service itself is nil.
type Service struct {
	client  *slack.Client
	channel string
	logger  *slog.Logger
}

// New builds a Service, or returns nil if token or channel is unset —
// mirroring pkg/slack.NewService's "notifications disabled" construction.
func New(token, channel string) *Service {
	if token == "" || channel == "" {
		return nil
	}
	return &Service{
		client:  slack.New(token),
		channel: channel,
		logger:  slog.Default().With("component", "opsnotify"),
	}
}

// NotifyHeartbeatFailure reports a failed upstream or database heartbeat.
func (s *Service) NotifyHeartbeatFailure(tenantSlug, reason string) {
	if s == nil {
		return
	}
	scope := tenantSlug
	if scope == "" {
		scope = "database"
	}
	s.post(fmt.Sprintf(":warning: heartbeat failed for *%s*: %s", scope, reason))
}

// NotifyFallbackEntered reports one of a tenant's recipients entering the
// 429 fallback throttle; the posted message names only the tenant.
func (s *Service) NotifyFallbackEntered(tenantSlug string, consecutive429s int) {
	if s == nil {
		return
	}
	s.post(fmt.Sprintf(":large_orange_diamond: tenant *%s* entered fallback throttle after %d consecutive 429s", tenantSlug, consecutive429s))
}

// NotifyBroadcastCompleted reports a broadcast reaching a terminal state.
func (s *Service) NotifyBroadcastCompleted(tenantSlug, broadcastID string, sent, failed, total int) {
	if s == nil {
		return
	}
	s.post(fmt.Sprintf(":white_check_mark: broadcast `%s` for *%s* completed: %d/%d sent, %d failed", broadcastID, tenantSlug, sent, total, failed))
}

func (s *Service) post(text string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, _, err := s.client.PostMessageContext(ctx, s.channel, slack.MsgOptionText(text, false))
	if err != nil {
		s.logger.Error("opsnotify: post failed", "error", err)
	}
}
