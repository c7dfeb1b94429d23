package telegram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse_StartCommand(t *testing.T) {
	body := []byte(`{
		"update_id": 1,
		"message": {
			"chat": {"id": 555111},
			"text": "/start",
			"entities": [{"type": "bot_command", "offset": 0, "length": 6}]
		}
	}`)

	u, err := NewParser().Parse(body)

	require.NoError(t, err)
	assert.True(t, u.IsStart)
	assert.Equal(t, int64(555111), u.RecipientID)
	assert.Equal(t, "/start", u.PayloadText)
}

func TestParse_StartWithDeepLinkPayload(t *testing.T) {
	body := []byte(`{
		"update_id": 2,
		"message": {
			"chat": {"id": 9},
			"text": "/start promo42",
			"entities": [{"type": "bot_command", "offset": 0, "length": 6}]
		}
	}`)

	u, err := NewParser().Parse(body)

	require.NoError(t, err)
	assert.True(t, u.IsStart)
	assert.Equal(t, "/start promo42", u.PayloadText)
}

func TestParse_PlainTextIsNotStart(t *testing.T) {
	body := []byte(`{"update_id": 3, "message": {"chat": {"id": 9}, "text": "hello"}}`)

	u, err := NewParser().Parse(body)

	require.NoError(t, err)
	assert.False(t, u.IsStart)
}

func TestParse_CommandNotAtOffsetZeroIsIgnored(t *testing.T) {
	body := []byte(`{
		"update_id": 4,
		"message": {
			"chat": {"id": 9},
			"text": "hey /start",
			"entities": [{"type": "bot_command", "offset": 4, "length": 6}]
		}
	}`)

	u, err := NewParser().Parse(body)

	require.NoError(t, err)
	assert.False(t, u.IsStart)
}

func TestParse_NonMessageUpdateIsIgnored(t *testing.T) {
	body := []byte(`{"update_id": 5, "callback_query": {"id": "abc"}}`)

	u, err := NewParser().Parse(body)

	require.NoError(t, err)
	assert.False(t, u.IsStart)
	assert.Equal(t, int64(0), u.RecipientID)
}

func TestParse_InvalidJSON(t *testing.T) {
	_, err := NewParser().Parse([]byte(`not json`))
	assert.Error(t, err)
}
