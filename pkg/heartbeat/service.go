// Package heartbeat periodically verifies that each tenant's upstream
// credential is still accepted and that the database connection pool is
// healthy, so credential rot and connectivity issues surface as log
// warnings and ops notifications instead of silently failing every send.
//
// Same Start/Stop/run shape as pkg/cleanup.Service; two independent
// tickers instead of one, since upstream and database checks run on
// different cadences and one failing shouldn't pause the other.
package heartbeat

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/store"
)

// UpstreamPinger probes a tenant's credential against the chat platform.
type UpstreamPinger interface {
	GetMe(ctx context.Context, token string) error
}

// TokenResolver resolves a tenant's decrypted credential.
type TokenResolver interface {
	Resolve(ctx context.Context, tenantSlug string) (string, error)
}

// Notifier reports heartbeat failures; nil-safe (see pkg/opsnotify).
type Notifier interface {
	NotifyHeartbeatFailure(tenantSlug, reason string)
}

// Service runs the upstream and database heartbeat loops.
type Service struct {
	cfg      *config.HeartbeatConfig
	store    *store.Store
	upstream UpstreamPinger
	vault    TokenResolver
	notifier Notifier

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Service.
func New(cfg *config.HeartbeatConfig, st *store.Store, upstream UpstreamPinger, vault TokenResolver, notifier Notifier) *Service {
	if cfg == nil {
		cfg = config.DefaultHeartbeatConfig()
	}
	return &Service{cfg: cfg, store: st, upstream: upstream, vault: vault, notifier: notifier}
}

// Start launches both heartbeat loops.
func (s *Service) Start(ctx context.Context) {
	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{}, 2)

	go s.runUpstream(ctx)
	go s.runDatabase(ctx)

	slog.Info("heartbeat: loops started", "upstream_interval", s.cfg.UpstreamInterval, "db_interval", s.cfg.DBInterval)
}

// Stop signals both loops to exit and waits for them.
func (s *Service) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	<-s.done
	slog.Info("heartbeat: loops stopped")
}

func (s *Service) runUpstream(ctx context.Context) {
	defer func() { s.done <- struct{}{} }()

	for {
		wait := jittered(s.cfg.UpstreamInterval, s.cfg.UpstreamJitter)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			s.checkUpstream(ctx)
		}
	}
}

func (s *Service) checkUpstream(ctx context.Context) {
	tenants, err := s.store.ListActiveTenants(ctx)
	if err != nil {
		slog.Error("heartbeat: list tenants failed", "error", err)
		return
	}

	for _, t := range tenants {
		token, err := s.vault.Resolve(ctx, t.Slug)
		if err != nil {
			s.reportFailure(t.Slug, "credential unavailable: "+err.Error())
			continue
		}
		if err := s.upstream.GetMe(ctx, token); err != nil {
			s.reportFailure(t.Slug, "upstream probe failed: "+err.Error())
		}
	}
}

func (s *Service) runDatabase(ctx context.Context) {
	defer func() { s.done <- struct{}{} }()

	ticker := time.NewTicker(s.cfg.DBInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkDatabase(ctx)
		}
	}
}

func (s *Service) checkDatabase(ctx context.Context) {
	health, err := s.store.Health(ctx)
	if err != nil || health.Status != "healthy" {
		s.reportFailure("", "database heartbeat failed")
	}
}

func (s *Service) reportFailure(tenantSlug, reason string) {
	slog.Warn("heartbeat: check failed", "tenant", tenantSlug, "reason", reason)
	if s.notifier != nil {
		s.notifier.NotifyHeartbeatFailure(tenantSlug, reason)
	}
}

func jittered(base, jitter time.Duration) time.Duration {
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
