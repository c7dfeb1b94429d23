// Package objectstore is the client for the gateway's R2-compatible blob
// store: every media blob sent to a recipient is uploaded here first,
// addressed by content hash, and later fetched back for upload to the
// chat platform.
//
// There is no AWS SDK in the example pack to ground this on, so requests
// are signed by hand with AWS Signature Version 4 using stdlib
// crypto/hmac+crypto/sha256 (see signer.go for why). Everything above the
// signature — pooled *http.Client, wrapped errors — keeps the shape the
// teacher's other clients use.
package objectstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/sendgate/gateway/pkg/config"
)

// Config is the deployment wiring for one R2-compatible bucket.
type Config struct {
	AccountID string
	AccessKey string
	SecretKey string
	Bucket    string
	Region    string // "auto" for R2
	PublicURL string // base URL objects are served from, e.g. a custom domain
}

// Client signs and issues requests against the object store.
type Client struct {
	cfg        Config
	http       *http.Client
	signingKey *signingKeyCache
}

// New builds a Client. Region defaults to "auto" (R2's convention) when
// unset.
func New(cfg Config, osc *config.ObjectStoreConfig) *Client {
	if cfg.Region == "" {
		cfg.Region = "auto"
	}
	if osc == nil {
		osc = config.DefaultObjectStoreConfig()
	}
	return &Client{
		cfg:        cfg,
		http:       &http.Client{Timeout: 30 * time.Second},
		signingKey: newSigningKeyCache(osc.SigningKeyTTL),
	}
}

func (c *Client) endpoint() string {
	return fmt.Sprintf("https://%s.r2.cloudflarestorage.com", c.cfg.AccountID)
}

// Key builds the content-addressed object key: {tenant}/{kind}/{sha256}[.ext].
func Key(tenant, kind, sha256Hex, ext string) string {
	if ext != "" {
		return fmt.Sprintf("%s/%s/%s.%s", tenant, kind, sha256Hex, strings.TrimPrefix(ext, "."))
	}
	return fmt.Sprintf("%s/%s/%s", tenant, kind, sha256Hex)
}

// Upload stores a blob and returns its ETag. The caller is expected to
// have already computed its content hash for Key.
func (c *Client) Upload(ctx context.Context, key string, body []byte, contentType string) (etag string, err error) {
	req, err := c.signedRequest(ctx, http.MethodPut, key, body, map[string]string{
		"Content-Type": contentType,
	})
	if err != nil {
		return "", err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("objectstore: upload: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("objectstore: upload %s: status %d: %s", key, resp.StatusCode, raw)
	}
	return strings.Trim(resp.Header.Get("ETag"), `"`), nil
}

// Download fetches a blob's bytes.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	req, err := c.signedRequest(ctx, http.MethodGet, key, nil, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("objectstore: download: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("objectstore: download %s: status %d: %s", key, resp.StatusCode, raw)
	}
	return io.ReadAll(resp.Body)
}

// Delete removes a blob. Used only by admin tooling; the send path never
// deletes.
func (c *Client) Delete(ctx context.Context, key string) error {
	req, err := c.signedRequest(ctx, http.MethodDelete, key, nil, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("objectstore: delete: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusNotFound {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("objectstore: delete %s: status %d: %s", key, resp.StatusCode, raw)
	}
	return nil
}

// PublicURL returns the URL a blob is reachable at for platforms that fetch
// media by URL instead of accepting raw bytes.
func (c *Client) PublicURL(key string) string {
	return strings.TrimSuffix(c.cfg.PublicURL, "/") + "/" + key
}

func (c *Client) signedRequest(ctx context.Context, method, key string, body []byte, extraHeaders map[string]string) (*http.Request, error) {
	host := fmt.Sprintf("%s.r2.cloudflarestorage.com", c.cfg.AccountID)
	reqURL := fmt.Sprintf("%s/%s/%s", c.endpoint(), c.cfg.Bucket, url.PathEscape(key))

	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("objectstore: build request: %w", err)
	}

	now := time.Now().UTC()
	amzDate := now.Format("20060102T150405Z")
	dateStamp := now.Format("20060102")
	payloadHash := sha256Hex(body)

	req.Header.Set("x-amz-date", amzDate)
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("Host", host)
	for k, v := range extraHeaders {
		if v != "" {
			req.Header.Set(k, v)
		}
	}

	signedHeaders, canonicalHeaders := canonicalizeHeaders(req.Header)
	canonicalRequest := strings.Join([]string{
		method,
		"/" + c.cfg.Bucket + "/" + url.PathEscape(key),
		"",
		canonicalHeaders,
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/s3/aws4_request", dateStamp, c.cfg.Region)
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256",
		amzDate,
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	signingKey := c.signingKey.derive(c.cfg.SecretKey, dateStamp, c.cfg.Region, "s3")
	signature := fmt.Sprintf("%x", hmacSHA256(signingKey, stringToSign))

	authHeader := fmt.Sprintf("AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		c.cfg.AccessKey, credentialScope, signedHeaders, signature)
	req.Header.Set("Authorization", authHeader)

	return req, nil
}

func canonicalizeHeaders(h http.Header) (signedHeaders, canonical string) {
	names := make([]string, 0, len(h))
	lower := make(map[string]string, len(h))
	for k := range h {
		l := strings.ToLower(k)
		names = append(names, l)
		lower[l] = strings.TrimSpace(h.Get(k))
	}
	sort.Strings(names)

	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteByte(':')
		sb.WriteString(lower[n])
		sb.WriteByte('\n')
	}
	return strings.Join(names, ";"), sb.String()
}
