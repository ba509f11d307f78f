package vault

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestVault(t *testing.T) *Vault {
	t.Helper()
	key := make([]byte, keyLen)
	for i := range key {
		key[i] = byte(i)
	}
	v, err := New(key)
	require.NoError(t, err)
	return v
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	v := newTestVault(t)

	cases := []string{"", "hello", strings.Repeat("x", 64*1024), "utf8-é中"}
	for _, plaintext := range cases {
		blob, err := v.Encrypt(plaintext)
		require.NoError(t, err)

		got, err := v.Decrypt(blob)
		require.NoError(t, err)
		assert.Equal(t, plaintext, got)
	}
}

func TestDecryptTamperedCiphertextFails(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt("a secret")
	require.NoError(t, err)

	raw := []byte(blob)
	raw[len(raw)-1] ^= 0xFF
	tampered := string(raw)

	_, err = v.Decrypt(tampered)
	assert.Error(t, err)
}

func TestDeriveIsDeterministicForSameSalt(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	v1, err := Derive("hunter2", salt)
	require.NoError(t, err)
	v2, err := Derive("hunter2", salt)
	require.NoError(t, err)

	blob, err := v1.Encrypt("payload")
	require.NoError(t, err)

	got, err := v2.Decrypt(blob)
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestRotateReencryptsAllBlobs(t *testing.T) {
	v := newTestVault(t)

	store := map[string]string{}
	for _, id := range []string{"a", "b", "c"} {
		blob, err := v.Encrypt("secret-" + id)
		require.NoError(t, err)
		store[id] = blob
	}

	newKey := make([]byte, keyLen)
	for i := range newKey {
		newKey[i] = byte(255 - i)
	}

	ids := []string{"a", "b", "c"}
	committed := false
	err := v.Rotate(newKey, ids,
		func(id string) (string, error) { return store[id], nil },
		func(id, reencrypted string) error { store[id] = reencrypted; return nil },
		func() error { committed = true; return nil },
	)
	require.NoError(t, err)
	assert.True(t, committed)

	for _, id := range ids {
		got, err := v.Decrypt(store[id])
		require.NoError(t, err)
		assert.Equal(t, "secret-"+id, got)
	}
}

func TestRotateFailedCommitKeepsOldKey(t *testing.T) {
	v := newTestVault(t)

	blob, err := v.Encrypt("payload")
	require.NoError(t, err)
	store := map[string]string{"a": blob}

	newKey := make([]byte, keyLen)
	for i := range newKey {
		newKey[i] = byte(255 - i)
	}

	err = v.Rotate(newKey, []string{"a"},
		func(id string) (string, error) { return store[id], nil },
		func(id, reencrypted string) error { return nil }, // discard, simulating a rolled-back tx
		func() error { return assert.AnError },
	)
	require.Error(t, err)

	// The active key must still open the original blob.
	got, err := v.Decrypt(store["a"])
	require.NoError(t, err)
	assert.Equal(t, "payload", got)
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, err := HashPassword("Passw0rd!")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, phcPrefix))

	ok, err := VerifyPassword("Passw0rd!", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = VerifyPassword("wrongpassword", hash)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGenerateTokenLength(t *testing.T) {
	tok, err := GenerateToken(16)
	require.NoError(t, err)
	assert.NotEmpty(t, tok)

	tok2, err := GenerateToken(16)
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
}
