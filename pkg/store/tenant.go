package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned by lookups that find no matching row.
var ErrNotFound = errors.New("store: not found")

// Tenant is a configured chat-platform account the gateway sends on behalf
// of. Credentials live alongside it but are always opaque ciphertext here;
// pkg/vault owns encryption and decryption.
type Tenant struct {
	Slug            string
	DisplayName     string
	Provider        string
	CredCiphertext  sql.NullString
	CredIV          sql.NullString
	CredUpdatedAt   sql.NullTime
	StagingChatID   sql.NullString
	WelcomeMessage  []byte // raw JSON
	DeletedAt       sql.NullTime
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateTenant inserts a new tenant. The slug format (lowercase,
// hyphen/underscore, 2-64 chars) is validated by the caller (the admin
// API), not here.
func (s *Store) CreateTenant(ctx context.Context, slug, displayName, provider string, welcomeMessage []byte) (*Tenant, error) {
	const q = `
		INSERT INTO tenants (slug, display_name, provider, welcome_message)
		VALUES ($1, $2, $3, $4)
		RETURNING slug, display_name, provider, cred_ciphertext, cred_iv, cred_updated_at,
		          staging_chat_id, welcome_message, deleted_at, created_at, updated_at`
	row := s.db.QueryRowContext(ctx, q, slug, displayName, provider, welcomeMessage)
	return scanTenant(row)
}

// GetTenant looks up a tenant by slug, including soft-deleted ones.
func (s *Store) GetTenant(ctx context.Context, slug string) (*Tenant, error) {
	const q = `
		SELECT slug, display_name, provider, cred_ciphertext, cred_iv, cred_updated_at,
		       staging_chat_id, welcome_message, deleted_at, created_at, updated_at
		FROM tenants WHERE slug = $1`
	row := s.db.QueryRowContext(ctx, q, slug)
	return scanTenant(row)
}

// ListActiveTenants returns every tenant that has not been soft-deleted.
func (s *Store) ListActiveTenants(ctx context.Context) ([]*Tenant, error) {
	const q = `
		SELECT slug, display_name, provider, cred_ciphertext, cred_iv, cred_updated_at,
		       staging_chat_id, welcome_message, deleted_at, created_at, updated_at
		FROM tenants WHERE deleted_at IS NULL ORDER BY slug`
	rows, err := s.db.QueryContext(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("store: list tenants: %w", err)
	}
	defer rows.Close()

	var out []*Tenant
	for rows.Next() {
		t, err := scanTenant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTenantCredential stores or replaces a tenant's encrypted credential.
func (s *Store) SetTenantCredential(ctx context.Context, slug, ciphertext, iv string) error {
	const q = `
		UPDATE tenants SET cred_ciphertext = $2, cred_iv = $3, cred_updated_at = now(), updated_at = now()
		WHERE slug = $1 AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, slug, ciphertext, iv)
	if err != nil {
		return fmt.Errorf("store: set tenant credential: %w", err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

// SoftDeleteTenant marks a tenant deleted without removing its row, so
// historical funnel_events/broadcasts/downsell_schedules references stay
// intact.
func (s *Store) SoftDeleteTenant(ctx context.Context, slug string) error {
	const q = `UPDATE tenants SET deleted_at = now(), updated_at = now() WHERE slug = $1 AND deleted_at IS NULL`
	res, err := s.db.ExecContext(ctx, q, slug)
	if err != nil {
		return fmt.Errorf("store: soft delete tenant: %w", err)
	}
	return requireRowsAffected(res, ErrNotFound)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTenant(row rowScanner) (*Tenant, error) {
	var t Tenant
	err := row.Scan(
		&t.Slug, &t.DisplayName, &t.Provider, &t.CredCiphertext, &t.CredIV, &t.CredUpdatedAt,
		&t.StagingChatID, &t.WelcomeMessage, &t.DeletedAt, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan tenant: %w", err)
	}
	return &t, nil
}

func requireRowsAffected(res sql.Result, notFound error) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: rows affected: %w", err)
	}
	if n == 0 {
		return notFound
	}
	return nil
}
