package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// MediaObject is the content-addressed record of a blob the gateway has
// uploaded to the object store, keyed on (tenant, sha256, kind) so the
// same bytes reused across sends never get re-uploaded.
type MediaObject struct {
	TenantSlug string
	SHA256     string
	Kind       string
	R2Key      string
	ETag       string
	Bytes      int64
	Mime       string
	Ext        sql.NullString
	Width      sql.NullInt64
	Height     sql.NullInt64
	Duration   sql.NullInt64
	CreatedAt  time.Time
}

// MediaCacheEntry tracks whether a blob has a warmed-up remote file handle
// (e.g. a Telegram file_id) the send path can reuse instead of
// re-uploading the full blob on every delivery.
type MediaCacheEntry struct {
	TenantSlug       string
	SHA256           string
	Kind             string
	Status           string
	RemoteFileID     sql.NullString
	StagingChatID    sql.NullString
	StagingMessageID sql.NullString
	WarmupAt         sql.NullTime
	LastError        sql.NullString
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// UpsertMediaObject records (or re-confirms) a stored blob and seeds its
// cache entry in "warming" status if this is the first time it's seen.
func (s *Store) UpsertMediaObject(ctx context.Context, m *MediaObject) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: upsert media object begin: %w", err)
	}
	defer tx.Rollback()

	const objQ = `
		INSERT INTO media_store (tenant_slug, sha256, kind, r2_key, etag, bytes, mime, ext, width, height, duration)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_slug, sha256, kind) DO UPDATE SET etag = EXCLUDED.etag`
	if _, err := tx.ExecContext(ctx, objQ, m.TenantSlug, m.SHA256, m.Kind, m.R2Key, m.ETag, m.Bytes, m.Mime, m.Ext, m.Width, m.Height, m.Duration); err != nil {
		return fmt.Errorf("store: upsert media object: %w", err)
	}

	const cacheQ = `
		INSERT INTO media_cache (tenant_slug, sha256, kind, status)
		VALUES ($1, $2, $3, 'warming')
		ON CONFLICT (tenant_slug, sha256, kind) DO NOTHING`
	if _, err := tx.ExecContext(ctx, cacheQ, m.TenantSlug, m.SHA256, m.Kind); err != nil {
		return fmt.Errorf("store: seed media cache: %w", err)
	}

	return tx.Commit()
}

// GetMediaObject looks up stored-blob metadata.
func (s *Store) GetMediaObject(ctx context.Context, tenantSlug, sha256, kind string) (*MediaObject, error) {
	const q = `
		SELECT tenant_slug, sha256, kind, r2_key, etag, bytes, mime, ext, width, height, duration, created_at
		FROM media_store WHERE tenant_slug = $1 AND sha256 = $2 AND kind = $3`
	var m MediaObject
	err := s.db.QueryRowContext(ctx, q, tenantSlug, sha256, kind).Scan(
		&m.TenantSlug, &m.SHA256, &m.Kind, &m.R2Key, &m.ETag, &m.Bytes, &m.Mime, &m.Ext, &m.Width, &m.Height, &m.Duration, &m.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get media object: %w", err)
	}
	return &m, nil
}

// GetMediaCache looks up the warm-up cache entry for a blob.
func (s *Store) GetMediaCache(ctx context.Context, tenantSlug, sha256, kind string) (*MediaCacheEntry, error) {
	const q = `
		SELECT tenant_slug, sha256, kind, status, remote_file_id, staging_chat_id, staging_message_id, warmup_at, last_error, created_at, updated_at
		FROM media_cache WHERE tenant_slug = $1 AND sha256 = $2 AND kind = $3`
	row := s.db.QueryRowContext(ctx, q, tenantSlug, sha256, kind)
	return scanMediaCache(row)
}

// MarkMediaReady records a successful warm-up: the remote file handle and
// the staging message it came from.
func (s *Store) MarkMediaReady(ctx context.Context, tenantSlug, sha256, kind, remoteFileID, stagingChatID, stagingMessageID string) error {
	const q = `
		UPDATE media_cache
		SET status = 'ready', remote_file_id = $4, staging_chat_id = $5, staging_message_id = $6, warmup_at = now(), last_error = NULL, updated_at = now()
		WHERE tenant_slug = $1 AND sha256 = $2 AND kind = $3`
	res, err := s.db.ExecContext(ctx, q, tenantSlug, sha256, kind, remoteFileID, stagingChatID, stagingMessageID)
	if err != nil {
		return fmt.Errorf("store: mark media ready: %w", err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

// MarkMediaError records a failed warm-up attempt.
func (s *Store) MarkMediaError(ctx context.Context, tenantSlug, sha256, kind, lastErr string) error {
	const q = `
		UPDATE media_cache SET status = 'error', last_error = $4, updated_at = now()
		WHERE tenant_slug = $1 AND sha256 = $2 AND kind = $3`
	res, err := s.db.ExecContext(ctx, q, tenantSlug, sha256, kind, lastErr)
	if err != nil {
		return fmt.Errorf("store: mark media error: %w", err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

func scanMediaCache(row rowScanner) (*MediaCacheEntry, error) {
	var c MediaCacheEntry
	err := row.Scan(&c.TenantSlug, &c.SHA256, &c.Kind, &c.Status, &c.RemoteFileID, &c.StagingChatID, &c.StagingMessageID, &c.WarmupAt, &c.LastError, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan media cache: %w", err)
	}
	return &c, nil
}
