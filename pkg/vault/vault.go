// Package vault is the Token Vault: encrypted-at-rest storage for each
// tenant's chat-platform bot credential, with a bounded in-memory cache of
// decrypted tokens so the hot send path does not decrypt on every
// delivery (Resolve still reads the tenant row to check staleness).
//
// It follows the teacher's singleton-service shape (see pkg/masking):
// compiled/derived state built once at construction, a small typed error
// surface, and fail-closed behavior on any crypto error.
package vault

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/sendgate/gateway/pkg/config"
	"github.com/sendgate/gateway/pkg/store"
)

// Error kinds the vault returns. Callers branch on these with errors.Is.
var (
	ErrMissingKey  = errors.New("vault: encryption key not configured")
	ErrMalformed   = errors.New("vault: stored credential is malformed")
	ErrNotFound    = errors.New("vault: no credential stored for tenant")
	ErrInvalidSlug = errors.New("vault: invalid tenant slug")
)

type cacheEntry struct {
	token     string
	updatedAt time.Time
}

// Service is the Token Vault. Safe for concurrent use; the nil receiver is
// not supported (unlike opsnotify, a gateway cannot run without a vault).
type Service struct {
	store *store.Store
	aead  cipher.AEAD
	cache *lru.LRU[string, cacheEntry]
}

// New builds the vault from a hex-encoded 32-byte AES-256 key. Construction
// fails closed: a missing or malformed key is an error, never a degraded
// no-encryption mode.
func New(st *store.Store, keyHex string, cfg *config.VaultConfig) (*Service, error) {
	if keyHex == "" {
		return nil, ErrMissingKey
	}
	key, err := hex.DecodeString(keyHex)
	if err != nil || len(key) != 32 {
		return nil, fmt.Errorf("%w: key must be 64 hex characters (AES-256)", ErrMalformed)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: build cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: build GCM: %w", err)
	}

	if cfg == nil {
		cfg = config.DefaultVaultConfig()
	}

	return &Service{
		store: st,
		aead:  aead,
		cache: lru.NewLRU[string, cacheEntry](cfg.CacheCapacity, nil, cfg.CacheTTL),
	}, nil
}

// Store encrypts a plaintext bot token and persists it for the tenant,
// invalidating any cached value.
func (s *Service) Store(ctx context.Context, tenantSlug, token string) error {
	ciphertext, iv, err := s.encrypt(token)
	if err != nil {
		return err
	}
	if err := s.store.SetTenantCredential(ctx, tenantSlug, ciphertext, iv); err != nil {
		return fmt.Errorf("vault: store credential: %w", err)
	}
	s.cache.Remove(tenantSlug)
	slog.Info("vault: credential stored", "tenant", tenantSlug, "token", maskToken(token))
	return nil
}

// Resolve returns the decrypted bot token for a tenant, serving from the
// in-memory cache when present and not stale relative to the row's
// cred_updated_at.
func (s *Service) Resolve(ctx context.Context, tenantSlug string) (string, error) {
	t, err := s.store.GetTenant(ctx, tenantSlug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("%w: %s", ErrInvalidSlug, tenantSlug)
		}
		return "", fmt.Errorf("vault: lookup tenant: %w", err)
	}
	if !t.CredCiphertext.Valid || !t.CredIV.Valid {
		return "", fmt.Errorf("%w: %s", ErrNotFound, tenantSlug)
	}

	if entry, ok := s.cache.Get(tenantSlug); ok {
		if t.CredUpdatedAt.Valid && !t.CredUpdatedAt.Time.After(entry.updatedAt) {
			return entry.token, nil
		}
	}

	token, err := s.decrypt(t.CredCiphertext.String, t.CredIV.String)
	if err != nil {
		return "", err
	}

	updatedAt := time.Now()
	if t.CredUpdatedAt.Valid {
		updatedAt = t.CredUpdatedAt.Time
	}
	s.cache.Add(tenantSlug, cacheEntry{token: token, updatedAt: updatedAt})
	return token, nil
}

// Invalidate drops a tenant's cached token, forcing the next Resolve to
// decrypt the stored credential again. Used when a credential is rotated
// out of band.
func (s *Service) Invalidate(tenantSlug string) {
	s.cache.Remove(tenantSlug)
}

func (s *Service) encrypt(plaintext string) (ciphertextHex, ivHex string, err error) {
	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", "", fmt.Errorf("vault: generate nonce: %w", err)
	}
	sealed := s.aead.Seal(nil, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), hex.EncodeToString(nonce), nil
}

func (s *Service) decrypt(ciphertextHex, ivHex string) (string, error) {
	ciphertext, err := hex.DecodeString(ciphertextHex)
	if err != nil {
		return "", fmt.Errorf("%w: ciphertext not hex", ErrMalformed)
	}
	nonce, err := hex.DecodeString(ivHex)
	if err != nil {
		return "", fmt.Errorf("%w: iv not hex", ErrMalformed)
	}
	plaintext, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: decryption failed", ErrMalformed)
	}
	return string(plaintext), nil
}

// maskToken redacts a secret for logging: keeps a short prefix and the
// last 4 characters, same shape as a masked API key.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:4] + "..." + token[len(token)-4:]
}
