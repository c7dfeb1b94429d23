// Package webhook is the inbound half of the gateway: receiving a chat
// platform's webhook delivery, acknowledging it within the platform's
// tight timeout budget, and doing the actual work — funnel-event
// recording, welcome-message delivery, downsell scheduling — in the
// background after the ack is already on the wire.
package webhook

import (
	"context"
	"crypto/subtle"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"strconv"
	"time"

	"github.com/labstack/echo/v5"

	"github.com/sendgate/gateway/pkg/downsell"
	"github.com/sendgate/gateway/pkg/store"
)

// slugPattern matches a tenant slug: lowercase, digits, hyphen/underscore,
// 2-64 characters.
var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{1,63}$`)

// Update is the minimal inbound delivery shape the handler needs; the
// full platform payload carries more, but the webhook only acts on
// these fields.
type Update struct {
	RecipientID int64
	IsStart     bool
	PayloadText string
}

// Parser decodes a platform-specific webhook body into an Update.
type Parser interface {
	Parse(body []byte) (*Update, error)
}

// WelcomeSender delivers a tenant's configured welcome message, including
// any multi-media attachments, to a newly-started recipient.
type WelcomeSender interface {
	SendWelcome(ctx context.Context, tenantSlug string, recipientID int64) error
}

// Handler wires the ack/background split together.
type Handler struct {
	store    *store.Store
	parser   Parser
	welcome  WelcomeSender
	downsell *downsell.Service
	secret   string
}

// New builds a Handler. secret is the shared webhook secret compared
// against each request's X-Webhook-Secret header using a constant-time
// comparison so timing can't leak it byte by byte.
func New(st *store.Store, parser Parser, welcome WelcomeSender, ds *downsell.Service, secret string) *Handler {
	return &Handler{store: st, parser: parser, welcome: welcome, downsell: ds, secret: secret}
}

// Register mounts the webhook route on an echo group.
func (h *Handler) Register(g *echo.Group) {
	g.POST("/webhook/:slug", h.handle)
}

func (h *Handler) handle(c *echo.Context) error {
	slug := c.Param("slug")
	if !slugPattern.MatchString(slug) {
		return c.NoContent(http.StatusNotFound)
	}

	if h.secret != "" {
		got := c.Request().Header.Get("X-Webhook-Secret")
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.secret)) != 1 {
			return c.NoContent(http.StatusUnauthorized)
		}
	}

	body, err := readBody(c)
	if err != nil {
		return c.NoContent(http.StatusBadRequest)
	}

	// Ack immediately; the platform only grants a few seconds before it
	// considers the delivery failed and retries.
	go h.processInBackground(slug, body)

	return c.NoContent(http.StatusOK)
}

func (h *Handler) processInBackground(slug string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	update, err := h.parser.Parse(body)
	if err != nil {
		slog.Warn("webhook: parse failed", "tenant", slug, "error", err)
		return
	}

	if !update.IsStart {
		return
	}

	eventID := startEventID(slug, update.RecipientID, time.Now())
	_, inserted, err := h.store.RecordFunnelEvent(ctx, slug, update.RecipientID, "start", "", eventID)
	if err != nil {
		slog.Error("webhook: record start event failed", "tenant", slug, "recipient", update.RecipientID, "error", err)
		return
	}
	if !inserted {
		// Already recorded today; avoid re-sending the welcome message
		// and re-scheduling downsells on a platform-side retry.
		return
	}

	if err := h.welcome.SendWelcome(ctx, slug, update.RecipientID); err != nil {
		slog.Warn("webhook: welcome send failed", "tenant", slug, "recipient", update.RecipientID, "error", err)
	}

	if err := h.downsell.ScheduleForStart(ctx, slug, update.RecipientID); err != nil {
		slog.Warn("webhook: downsell scheduling failed", "tenant", slug, "recipient", update.RecipientID, "error", err)
	}
}

// startEventID builds the deterministic per-day idempotency key for a
// start funnel event: "st:{slug}:{recipient}:{YYYYMMDD}".
func startEventID(slug string, recipientID int64, at time.Time) string {
	return "st:" + slug + ":" + strconv.FormatInt(recipientID, 10) + ":" + at.UTC().Format("20060102")
}

func readBody(c *echo.Context) ([]byte, error) {
	defer c.Request().Body.Close()
	return io.ReadAll(c.Request().Body)
}
