package dispatch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sendgate/gateway/pkg/sendqueue"
	"github.com/sendgate/gateway/pkg/upstream"
)

func TestParseChatID(t *testing.T) {
	id, err := parseChatID("123456")
	require.NoError(t, err)
	assert.Equal(t, int64(123456), id)

	_, err = parseChatID("")
	assert.Error(t, err)

	_, err = parseChatID("not-a-number")
	assert.Error(t, err)
}

func TestClassifyForQueue_RateLimited(t *testing.T) {
	err := classifyForQueue(&upstream.Error{Kind: upstream.KindRateLimited, RetryAfter: 30})

	var rateLimited *sendqueue.RateLimitedError
	require.True(t, errors.As(err, &rateLimited))
	assert.Equal(t, int64(30), rateLimited.RetryAfter.Nanoseconds()/1e9)
}

func TestClassifyForQueue_OtherErrorsPassThrough(t *testing.T) {
	original := &upstream.Error{Kind: upstream.KindChatNotFound}
	err := classifyForQueue(original)
	assert.Same(t, original, err)
}
