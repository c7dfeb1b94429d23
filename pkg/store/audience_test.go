package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveAudience_AllStarted(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateTenant(ctx, "acme", "Acme Co", "telegram", []byte(`{}`))
	require.NoError(t, err)

	for _, recipient := range []int64{1, 2, 2} {
		_, _, err := st.RecordFunnelEvent(ctx, "acme", recipient, "start", "", "")
		require.NoError(t, err)
	}

	recipients, err := st.ResolveAudience(ctx, "acme", "all_started")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{1, 2}, recipients)
}

func TestResolveAudience_AfterPix(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()
	_, err := st.CreateTenant(ctx, "acme", "Acme Co", "telegram", []byte(`{}`))
	require.NoError(t, err)

	_, _, err = st.RecordFunnelEvent(ctx, "acme", 10, "pix_created", "tx-a", "")
	require.NoError(t, err)
	_, _, err = st.RecordFunnelEvent(ctx, "acme", 20, "pix_created", "tx-b", "")
	require.NoError(t, err)
	_, _, err = st.RecordFunnelEvent(ctx, "acme", 20, "payment_approved", "tx-b", "")
	require.NoError(t, err)

	recipients, err := st.ResolveAudience(ctx, "acme", "after_pix")
	require.NoError(t, err)
	assert.Equal(t, []int64{10}, recipients)
}

func TestResolveAudience_UnknownSelector(t *testing.T) {
	st := newTestStore(t)
	_, err := st.ResolveAudience(context.Background(), "acme", "bogus")
	assert.Error(t, err)
}
