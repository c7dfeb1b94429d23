// Package upstream is the HTTP client for the chat platform's Bot API: a
// pooled, retrying, rate-limit-aware transport the Send Queue and Media
// warm-up pool call into to actually deliver a message or upload a blob.
//
// It keeps the teacher's client shape (a long-lived struct wrapping a
// configured *http.Client, constructed once, safe for concurrent use) but
// swaps the gRPC-to-an-internal-service transport of pkg/llm/client.go for
// plain HTTP against a third-party API, with cenkalti/backoff/v4 driving
// retries instead of a hand-rolled loop.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/version"
)

// Kind classifies a send failure into the canonical buckets the Send Queue
// and downsell/broadcast engines branch on.
type Kind int

const (
	KindOther Kind = iota
	KindChatNotFound
	KindBotBlocked
	KindUserDeactivated
	KindInvalidChatID
	KindForbidden
	KindBadRequest
	KindRateLimited
	KindTimeout
	KindNetwork
)

// Error wraps an upstream failure with its classified Kind and, for
// KindRateLimited, the platform's requested retry_after in seconds.
type Error struct {
	Kind       Kind
	RetryAfter int
	Status     int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("upstream: %s (status %d): %s", kindLabel(e.Kind), e.Status, e.Message)
}

func kindLabel(k Kind) string {
	switch k {
	case KindChatNotFound:
		return "chat_not_found"
	case KindBotBlocked:
		return "bot_blocked"
	case KindUserDeactivated:
		return "user_deactivated"
	case KindInvalidChatID:
		return "invalid_chat_id"
	case KindForbidden:
		return "forbidden"
	case KindBadRequest:
		return "bad_request"
	case KindRateLimited:
		return "rate_limited"
	case KindTimeout:
		return "timeout"
	case KindNetwork:
		return "network"
	default:
		return "other"
	}
}

// Client is the pooled HTTP transport to the chat platform's Bot API.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     *config.UpstreamConfig
}

// New builds a Client with a connection pool sized for the send path
// (MaxIdleConnsPerHost keep-alive connections reused across recipients).
func New(baseURL string, cfg *config.UpstreamConfig) *Client {
	if cfg == nil {
		cfg = config.DefaultUpstreamConfig()
	}
	transport := &http.Transport{
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxIdleConns:        cfg.MaxIdleConnsPerHost * 2,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout: cfg.ConnectTimeout,
		}).DialContext,
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Transport: transport},
		cfg:     cfg,
	}
}

// NewBlobClient builds a smaller-pooled Client for the media warm-up path,
// which uploads large payloads to a small number of staging chats rather
// than fanning out across recipients.
func NewBlobClient(baseURL string, cfg *config.UpstreamConfig) *Client {
	c := New(baseURL, cfg)
	if t, ok := c.http.Transport.(*http.Transport); ok {
		t.MaxIdleConnsPerHost = config.DefaultBlobPoolSize()
		t.MaxIdleConns = config.DefaultBlobPoolSize() * 2
	}
	return c
}

// SendTextRequest is the payload for a plain text delivery.
type SendTextRequest struct {
	Token     string
	ChatID    int64
	Text      string
	ParseMode string
}

// SendResult is the platform's acknowledgement of an accepted send.
type SendResult struct {
	MessageID string
	FileID    string // populated for media sends, used to warm the media cache
}

// SendText delivers a text message, retrying transient failures up to
// MaxRetries times with exponential backoff, but never retrying a
// classified permanent failure (bad chat id, blocked, etc).
func (c *Client) SendText(ctx context.Context, req SendTextRequest) (*SendResult, error) {
	body, _ := json.Marshal(map[string]any{
		"chat_id":    req.ChatID,
		"text":       req.Text,
		"parse_mode": req.ParseMode,
	})
	return c.sendWithRetry(ctx, req.Token, "sendMessage", c.cfg.TextRequestTimeout, "application/json", bytes.NewReader(body))
}

// SendMediaRequest describes a photo, video, document, or audio send,
// either by remote file id (fast path, no bytes uploaded) or by raw bytes
// (warm-up path, which SendMedia wraps in a multipart body).
type SendMediaRequest struct {
	Token      string
	ChatID     int64
	Kind       string // photo, video, document, audio
	Caption    string
	RemoteFile string // non-empty: send by already-known file id
	Bytes      io.Reader
	Filename   string
}

var mediaMethod = map[string]string{
	"photo":    "sendPhoto",
	"video":    "sendVideo",
	"document": "sendDocument",
	"audio":    "sendAudio",
}

var mediaField = map[string]string{
	"photo":    "photo",
	"video":    "video",
	"document": "document",
	"audio":    "audio",
}

// SendMedia delivers a media message, timed according to kind (photo is
// cheap, video gets the longest timeout).
func (c *Client) SendMedia(ctx context.Context, req SendMediaRequest) (*SendResult, error) {
	method, ok := mediaMethod[req.Kind]
	if !ok {
		return nil, fmt.Errorf("upstream: unknown media kind %q", req.Kind)
	}

	if req.RemoteFile != "" {
		body, _ := json.Marshal(map[string]any{
			"chat_id": req.ChatID,
			"caption": req.Caption,
			mediaField[req.Kind]: req.RemoteFile,
		})
		return c.sendWithRetry(ctx, req.Token, method, c.timeoutFor(req.Kind), "application/json", bytes.NewReader(body))
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	_ = w.WriteField("chat_id", strconv.FormatInt(req.ChatID, 10))
	_ = w.WriteField("caption", req.Caption)
	part, err := w.CreateFormFile(mediaField[req.Kind], req.Filename)
	if err != nil {
		return nil, fmt.Errorf("upstream: build multipart: %w", err)
	}
	if _, err := io.Copy(part, req.Bytes); err != nil {
		return nil, fmt.Errorf("upstream: read media bytes: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("upstream: close multipart: %w", err)
	}

	return c.sendWithRetry(ctx, req.Token, method, c.timeoutFor(req.Kind), w.FormDataContentType(), &buf)
}

func (c *Client) timeoutFor(kind string) time.Duration {
	switch kind {
	case "video":
		return c.cfg.VideoRequestTimeout
	case "photo", "document", "audio":
		return c.cfg.PhotoRequestTimeout
	default:
		return c.cfg.TextRequestTimeout
	}
}

// GetMe is the warm-up identity probe used by the heartbeat loop to verify
// a tenant's credential is still accepted upstream.
func (c *Client) GetMe(ctx context.Context, token string) error {
	_, err := c.sendWithRetry(ctx, token, "getMe", c.cfg.ConnectTimeout+5*time.Second, "", nil)
	return err
}

// sendWithRetry issues the request, retrying transient errors (network,
// timeout, 5xx) up to MaxRetries times with exponential backoff. A 429 is
// never retried here — it's returned as a classified *Error so the Send
// Queue can apply its own backoff/fallback policy instead of blocking this
// call.
func (c *Client) sendWithRetry(ctx context.Context, token, method string, timeout time.Duration, contentType string, body io.Reader) (*SendResult, error) {
	var payload []byte
	if body != nil {
		var err error
		payload, err = io.ReadAll(body)
		if err != nil {
			return nil, fmt.Errorf("upstream: buffer request body: %w", err)
		}
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = 0
	bounded := backoff.WithMaxRetries(bo, uint64(c.cfg.MaxRetries))

	var result *SendResult
	op := func() error {
		reqCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, token, method)
		httpReq, err := http.NewRequestWithContext(reqCtx, http.MethodPost, url, reqBody)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("upstream: build request: %w", err))
		}
		if contentType != "" {
			httpReq.Header.Set("Content-Type", contentType)
		}
		httpReq.Header.Set("User-Agent", version.Full())

		resp, err := c.http.Do(httpReq)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return &Error{Kind: KindTimeout, Message: err.Error()}
			}
			return &Error{Kind: KindNetwork, Message: err.Error()}
		}
		defer resp.Body.Close()

		raw, _ := io.ReadAll(resp.Body)

		if resp.StatusCode == http.StatusTooManyRequests {
			return backoff.Permanent(classifyRateLimited(resp, raw))
		}
		if resp.StatusCode >= 500 {
			return &Error{Kind: KindNetwork, Status: resp.StatusCode, Message: string(raw)}
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(classifyClientError(resp.StatusCode, raw))
		}

		result, err = decodeResult(raw)
		return err
	}

	if err := backoff.Retry(op, bounded); err != nil {
		var upstreamErr *Error
		if errors.As(err, &upstreamErr) {
			return nil, upstreamErr
		}
		slog.Error("upstream: send failed after retries", "method", method, "error", err)
		return nil, err
	}
	return result, nil
}

func classifyRateLimited(resp *http.Response, raw []byte) *Error {
	retryAfter := 1
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if n, err := strconv.Atoi(ra); err == nil {
			retryAfter = n
		}
	}
	var parsed struct {
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
		Description string `json:"description"`
	}
	if json.Unmarshal(raw, &parsed) == nil && parsed.Parameters.RetryAfter > 0 {
		retryAfter = parsed.Parameters.RetryAfter
	}
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter, Status: resp.StatusCode, Message: parsed.Description}
}

func classifyClientError(status int, raw []byte) *Error {
	var parsed struct {
		Description string `json:"description"`
	}
	_ = json.Unmarshal(raw, &parsed)
	desc := parsed.Description

	kind := KindBadRequest
	switch {
	case status == http.StatusForbidden:
		kind = KindForbidden
	case containsAny(desc, "chat not found"):
		kind = KindChatNotFound
	case containsAny(desc, "bot was blocked"):
		kind = KindBotBlocked
	case containsAny(desc, "user is deactivated"):
		kind = KindUserDeactivated
	case containsAny(desc, "chat_id is empty", "invalid chat_id", "CHAT_ID_INVALID"):
		kind = KindInvalidChatID
	}
	return &Error{Kind: kind, Status: status, Message: desc}
}

func containsAny(s string, subs ...string) bool {
	lower := strings.ToLower(s)
	for _, sub := range subs {
		if strings.Contains(lower, strings.ToLower(sub)) {
			return true
		}
	}
	return false
}

func decodeResult(raw []byte) (*SendResult, error) {
	var parsed struct {
		OK     bool `json:"ok"`
		Result struct {
			MessageID int64 `json:"message_id"`
			Photo     []struct {
				FileID string `json:"file_id"`
			} `json:"photo"`
			Video *struct {
				FileID string `json:"file_id"`
			} `json:"video"`
			Document *struct {
				FileID string `json:"file_id"`
			} `json:"document"`
			Audio *struct {
				FileID string `json:"file_id"`
			} `json:"audio"`
		} `json:"result"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("upstream: decode response: %w", err)
	}
	res := &SendResult{MessageID: strconv.FormatInt(parsed.Result.MessageID, 10)}
	switch {
	case len(parsed.Result.Photo) > 0:
		res.FileID = parsed.Result.Photo[len(parsed.Result.Photo)-1].FileID
	case parsed.Result.Video != nil:
		res.FileID = parsed.Result.Video.FileID
	case parsed.Result.Document != nil:
		res.FileID = parsed.Result.Document.FileID
	case parsed.Result.Audio != nil:
		res.FileID = parsed.Result.Audio.FileID
	}
	return res, nil
}
