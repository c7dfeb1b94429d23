// Package dispatch is the glue between the domain engines (webhook,
// downsell, broadcast) and the two things that actually move a message:
// pkg/sendqueue for rate-limited delivery ordering and pkg/media for
// resolving attachments to a ready remote handle.
//
// Each domain engine only knows a narrow Sender/Warmer interface; this
// package is the one piece of cmd/gateway wiring that turns "send this
// JSON message to this recipient" into a queued Job and waits for its
// terminal outcome, the same request/response shape the teacher's
// pkg/llm.Client gives its callers even though the actual work happens
// on a pooled worker underneath.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/media"
	"github.com/sendgate/gateway/pkg/sendqueue"
	"github.com/sendgate/gateway/pkg/store"
	"github.com/sendgate/gateway/pkg/upstream"
	"github.com/sendgate/gateway/pkg/vault"
)

func parseChatID(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("dispatch: empty chat id")
	}
	return strconv.ParseInt(s, 10, 64)
}

func bytesReader(b []byte) *bytes.Reader { return bytes.NewReader(b) }

// Message is the wire envelope stored in tenants.welcome_message,
// downsell_templates.content, and broadcasts.content: a text body plus
// zero or more media attachments addressed by content hash.
type Message struct {
	Text  string     `json:"text"`
	Media []MediaRef `json:"media"`
}

// MediaRef names one attachment already saved through media.Manager.Save.
type MediaRef struct {
	Kind   string `json:"kind"` // photo, video, document, audio
	SHA256 string `json:"sha256"`
}

// Dispatcher wires the Send Queue, the media warm-up cache, and the
// upstream client together behind the Sender/WelcomeSender/Warmer
// interfaces the domain engines depend on.
type Dispatcher struct {
	store    *store.Store
	vault    *vault.Service
	queue    *sendqueue.Queue
	upstream *upstream.Client
	blob     *upstream.Client // small-pool client for staging-chat warm-up sends
	media    *media.Manager
}

// New builds a Dispatcher.
func New(st *store.Store, v *vault.Service, q *sendqueue.Queue, up, blobUp *upstream.Client, mediaMgr *media.Manager) *Dispatcher {
	return &Dispatcher{store: st, vault: v, queue: q, upstream: up, blob: blobUp, media: mediaMgr}
}

// SendWelcome delivers a tenant's configured welcome message to a
// recipient that just triggered the start funnel event. Implements
// pkg/webhook.WelcomeSender.
func (d *Dispatcher) SendWelcome(ctx context.Context, tenantSlug string, recipientID int64) error {
	t, err := d.store.GetTenant(ctx, tenantSlug)
	if err != nil {
		return fmt.Errorf("dispatch: load tenant: %w", err)
	}
	if len(t.WelcomeMessage) == 0 {
		return nil
	}
	return d.send(ctx, tenantSlug, recipientID, config.PriorityStart, t.WelcomeMessage, t.StagingChatID.String)
}

// SendDownsell delivers a resolved downsell template. Implements
// pkg/downsell.Sender.
func (d *Dispatcher) SendDownsell(ctx context.Context, tenantSlug string, recipientID int64, templateContent []byte) error {
	stagingChatID, err := d.stagingChatID(ctx, tenantSlug)
	if err != nil {
		return err
	}
	return d.send(ctx, tenantSlug, recipientID, config.PriorityDownsell, templateContent, stagingChatID)
}

// SendBroadcast delivers one broadcast message to one recipient.
// Implements pkg/broadcast.Sender.
func (d *Dispatcher) SendBroadcast(ctx context.Context, tenantSlug string, recipientID int64, content []byte) error {
	stagingChatID, err := d.stagingChatID(ctx, tenantSlug)
	if err != nil {
		return err
	}
	return d.send(ctx, tenantSlug, recipientID, config.PriorityShot, content, stagingChatID)
}

func (d *Dispatcher) stagingChatID(ctx context.Context, tenantSlug string) (string, error) {
	t, err := d.store.GetTenant(ctx, tenantSlug)
	if err != nil {
		return "", fmt.Errorf("dispatch: load tenant: %w", err)
	}
	return t.StagingChatID.String, nil
}

// send parses a message envelope, queues one Job through the Send Queue
// at the given priority, and blocks until the job's terminal outcome is
// known (or ctx is canceled). Any media not yet warm is silently skipped
// for this delivery; its warm-up was re-enqueued by Resolve and the next
// attempt to reach this recipient will pick it up once ready.
func (d *Dispatcher) send(ctx context.Context, tenantSlug string, recipientID int64, priority config.Priority, content []byte, stagingChatID string) error {
	var msg Message
	if err := json.Unmarshal(content, &msg); err != nil {
		return fmt.Errorf("dispatch: decode message: %w", err)
	}

	token, err := d.vault.Resolve(ctx, tenantSlug)
	if err != nil {
		return fmt.Errorf("dispatch: resolve credential: %w", err)
	}

	sort.SliceStable(msg.Media, func(i, j int) bool {
		return media.KindRank(msg.Media[i].Kind) > media.KindRank(msg.Media[j].Kind)
	})

	var ready []MediaRef
	var remoteIDs []string
	for _, m := range msg.Media {
		res, err := d.media.Resolve(ctx, tenantSlug, m.SHA256, m.Kind, stagingChatID, media.KindRank(m.Kind))
		if err != nil {
			return fmt.Errorf("dispatch: resolve media: %w", err)
		}
		if res.Ready {
			ready = append(ready, m)
			remoteIDs = append(remoteIDs, res.RemoteFileID)
		}
	}

	doneCh := make(chan error, 1)
	job := &sendqueue.Job{
		ID:          fmt.Sprintf("%s:%d:%d", tenantSlug, recipientID, priority),
		TenantSlug:  tenantSlug,
		RecipientID: recipientID,
		Priority:    priority,
		Send: func(sendCtx context.Context) error {
			return d.deliver(sendCtx, token, recipientID, msg.Text, ready, remoteIDs)
		},
		Done: func(err error) { doneCh <- err },
	}
	d.queue.Enqueue(job)

	select {
	case err := <-doneCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *Dispatcher) deliver(ctx context.Context, token string, recipientID int64, text string, media []MediaRef, remoteIDs []string) error {
	if text != "" {
		if _, err := d.upstream.SendText(ctx, upstream.SendTextRequest{Token: token, ChatID: recipientID, Text: text, ParseMode: "HTML"}); err != nil {
			return classifyForQueue(err)
		}
	}
	for i, m := range media {
		if _, err := d.upstream.SendMedia(ctx, upstream.SendMediaRequest{Token: token, ChatID: recipientID, Kind: m.Kind, RemoteFile: remoteIDs[i]}); err != nil {
			return classifyForQueue(err)
		}
	}
	return nil
}

// Warm fetches a media blob's bytes (already uploaded to the object store
// by media.Manager.Save) and pushes it once to the tenant's staging chat
// to obtain a reusable remote file handle, then records the result.
// Implements pkg/media.Warmer.
func (d *Dispatcher) Warm(ctx context.Context, req *media.Request) (string, error) {
	data, mime, err := req.Fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("dispatch: fetch blob for warm-up: %w", err)
	}

	t, err := d.store.GetTenant(ctx, req.TenantSlug)
	if err != nil {
		return "", fmt.Errorf("dispatch: load tenant for warm-up: %w", err)
	}
	token, err := d.vault.Resolve(ctx, req.TenantSlug)
	if err != nil {
		return "", fmt.Errorf("dispatch: resolve credential for warm-up: %w", err)
	}
	stagingChatID, err := parseChatID(t.StagingChatID.String)
	if err != nil {
		return "", fmt.Errorf("dispatch: tenant has no staging chat configured: %w", err)
	}

	result, err := d.blob.SendMedia(ctx, upstream.SendMediaRequest{
		Token:    token,
		ChatID:   stagingChatID,
		Kind:     req.Kind,
		Bytes:    bytesReader(data),
		Filename: req.SHA256,
	})
	if err != nil {
		_ = d.media.MarkError(ctx, req.TenantSlug, req.SHA256, req.Kind, err.Error())
		return "", err
	}
	_ = mime // mime is already recorded on the media_store row by Save; nothing else needs it here

	if err := d.media.MarkReady(ctx, req.TenantSlug, req.SHA256, req.Kind, result.FileID, req.StagingChatID, result.MessageID); err != nil {
		return "", fmt.Errorf("dispatch: mark media ready: %w", err)
	}
	return result.FileID, nil
}

// classifyForQueue maps a classified upstream.Error's rate-limited kind
// to the sentinel the Send Queue drives its own backoff/fallback policy
// from, and passes every other error through unchanged.
func classifyForQueue(err error) error {
	var upstreamErr *upstream.Error
	if errors.As(err, &upstreamErr) && upstreamErr.Kind == upstream.KindRateLimited {
		return &sendqueue.RateLimitedError{RetryAfter: time.Duration(upstreamErr.RetryAfter) * time.Second}
	}
	return err
}
