package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTenantLifecycle(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	created, err := st.CreateTenant(ctx, "acme", "Acme Co", "telegram", []byte(`{"text":"hi"}`))
	require.NoError(t, err)
	assert.Equal(t, "acme", created.Slug)
	assert.False(t, created.CredCiphertext.Valid)

	got, err := st.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, created.Slug, got.Slug)
	assert.Equal(t, "Acme Co", got.DisplayName)

	require.NoError(t, st.SetTenantCredential(ctx, "acme", "ciphertext", "iv"))
	withCred, err := st.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, withCred.CredCiphertext.Valid)
	assert.Equal(t, "ciphertext", withCred.CredCiphertext.String)

	active, err := st.ListActiveTenants(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	require.NoError(t, st.SoftDeleteTenant(ctx, "acme"))
	active, err = st.ListActiveTenants(ctx)
	require.NoError(t, err)
	assert.Empty(t, active)

	// Soft-deleted tenants remain reachable by direct lookup.
	deleted, err := st.GetTenant(ctx, "acme")
	require.NoError(t, err)
	assert.True(t, deleted.DeletedAt.Valid)
}

func TestGetTenant_NotFound(t *testing.T) {
	st := newTestStore(t)
	_, err := st.GetTenant(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSoftDeleteTenant_NotFound(t *testing.T) {
	st := newTestStore(t)
	err := st.SoftDeleteTenant(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, ErrNotFound)
}
