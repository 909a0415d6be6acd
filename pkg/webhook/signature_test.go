package webhook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	body, err := Canonical(map[string]any{"job_id": "j1", "result": map[string]any{"v": 1}})
	require.NoError(t, err)
	assert.Equal(t, `{"job_id":"j1","result":{"v":1}}`, string(body))

	sig := Sign("secret", body)
	assert.Regexp(t, `^sha256=[0-9a-f]{64}$`, sig)
	assert.Equal(t, sig, Sign("secret", body), "signing is deterministic")
	assert.True(t, Verify("secret", body, sig))
	assert.False(t, Verify("other", body, sig))
}

func TestSignatureChangesOnAnyByte(t *testing.T) {
	body := []byte(`{"job_id":"j1","result":"ok"}`)
	sig := Sign("secret", body)

	for i := range body {
		mutated := append([]byte(nil), body...)
		mutated[i] ^= 0x01
		assert.NotEqual(t, sig, Sign("secret", mutated), "byte %d", i)
		assert.False(t, Verify("secret", mutated, sig))
	}
}

func TestCanonicalKeepsCharactersUnescaped(t *testing.T) {
	body, err := Canonical(map[string]any{"error": "<b>ünïcode & more</b>"})
	require.NoError(t, err)
	assert.Equal(t, `{"error":"<b>ünïcode & more</b>"}`, string(body))
}

func TestKnownSignature(t *testing.T) {
	// HMAC-SHA256("key", "The quick brown fox jumps over the lazy dog")
	assert.Equal(t,
		"sha256=f7bc83f430538424b13298e6aa6fb143ef4d59a14946175997479dbc2d1a3cd8",
		Sign("key", []byte("The quick brown fox jumps over the lazy dog")))
}
