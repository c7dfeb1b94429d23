package vault

import (
	"crypto/rand"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	svc, err := New(nil, hex.EncodeToString(key), nil)
	require.NoError(t, err)
	return svc
}

func TestNew_RejectsMissingKey(t *testing.T) {
	_, err := New(nil, "", nil)
	assert.ErrorIs(t, err, ErrMissingKey)
}

func TestNew_RejectsMalformedKey(t *testing.T) {
	_, err := New(nil, "not-hex", nil)
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = New(nil, hex.EncodeToString([]byte("too-short")), nil)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestEncryptDecrypt_RoundTrip(t *testing.T) {
	svc := newTestService(t)

	ciphertext, iv, err := svc.encrypt("super-secret-bot-token")
	require.NoError(t, err)
	assert.NotEmpty(t, ciphertext)
	assert.NotEmpty(t, iv)

	plaintext, err := svc.decrypt(ciphertext, iv)
	require.NoError(t, err)
	assert.Equal(t, "super-secret-bot-token", plaintext)
}

func TestEncrypt_NoncesAreUnique(t *testing.T) {
	svc := newTestService(t)

	_, iv1, err := svc.encrypt("token")
	require.NoError(t, err)
	_, iv2, err := svc.encrypt("token")
	require.NoError(t, err)

	assert.NotEqual(t, iv1, iv2)
}

func TestDecrypt_TamperedCiphertextFails(t *testing.T) {
	svc := newTestService(t)

	ciphertext, iv, err := svc.encrypt("token")
	require.NoError(t, err)

	raw, err := hex.DecodeString(ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xFF
	tampered := hex.EncodeToString(raw)

	_, err = svc.decrypt(tampered, iv)
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestMaskToken(t *testing.T) {
	assert.Equal(t, "***", maskToken("short"))
	assert.Equal(t, "abcd...wxyz", maskToken("abcdefghijklmnopqrstuvwxyz"))
}
