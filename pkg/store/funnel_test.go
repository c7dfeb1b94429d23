package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordFunnelEvent_IdempotentByEventID(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateTenant(ctx, "acme", "Acme Co", "telegram", []byte(`{}`))
	require.NoError(t, err)

	ev, inserted, err := st.RecordFunnelEvent(ctx, "acme", 100, "start", "", "st:acme:100:20260731")
	require.NoError(t, err)
	require.True(t, inserted)
	require.NotNil(t, ev)

	_, insertedAgain, err := st.RecordFunnelEvent(ctx, "acme", 100, "start", "", "st:acme:100:20260731")
	require.NoError(t, err)
	assert.False(t, insertedAgain)

	started, err := st.HasStarted(ctx, "acme", 100)
	require.NoError(t, err)
	assert.True(t, started)

	started, err = st.HasStarted(ctx, "acme", 999)
	require.NoError(t, err)
	assert.False(t, started)
}

func TestPixTransactionState(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateTenant(ctx, "acme", "Acme Co", "telegram", []byte(`{}`))
	require.NoError(t, err)

	_, _, err = st.RecordFunnelEvent(ctx, "acme", 200, "pix_created", "tx-1", "")
	require.NoError(t, err)

	created, approved, err := st.PixTransactionState(ctx, "acme", "tx-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.False(t, approved)

	_, _, err = st.RecordFunnelEvent(ctx, "acme", 200, "payment_approved", "tx-1", "")
	require.NoError(t, err)

	created, approved, err = st.PixTransactionState(ctx, "acme", "tx-1")
	require.NoError(t, err)
	assert.True(t, created)
	assert.True(t, approved)
}
