package refcodec

import (
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/git-incrypt/git-incrypt/symcrypt"
)

func randomKey(t *testing.T) symcrypt.Key {
	t.Helper()
	raw := make([]byte, symcrypt.KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	k, err := symcrypt.NewKey(raw)
	require.NoError(t, err)
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randomKey(t)
	for _, name := range []string{"master", "feature/long-name", "v1.0"} {
		token, err := Encrypt(key, name)
		require.NoError(t, err)
		assert.Regexp(t, "^refs/heads/", token)

		got, ok := Decrypt(key, token)
		require.True(t, ok)
		assert.Equal(t, name, got)
	}
}

func TestEncryptDecryptPreservesSuffix(t *testing.T) {
	key := randomKey(t)
	token, err := Encrypt(key, "master~2")
	require.NoError(t, err)
	assert.Regexp(t, "~2$", token)

	got, ok := Decrypt(key, token)
	require.True(t, ok)
	assert.Equal(t, "master~2", got)
}

func TestEncryptDeterministic(t *testing.T) {
	key := randomKey(t)
	a, err := Encrypt(key, "master")
	require.NoError(t, err)
	b, err := Encrypt(key, "master")
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecryptRejectsForeignRef(t *testing.T) {
	key := randomKey(t)
	_, ok := Decrypt(key, "refs/heads/not-a-valid-token-at-all")
	assert.False(t, ok)
}

func TestDecryptRejectsWrongKey(t *testing.T) {
	key1 := randomKey(t)
	key2 := randomKey(t)
	token, err := Encrypt(key1, "master")
	require.NoError(t, err)
	_, ok := Decrypt(key2, token)
	assert.False(t, ok)
}

func TestDecryptAcceptsBareToken(t *testing.T) {
	key := randomKey(t)
	token, err := Encrypt(key, "master")
	require.NoError(t, err)
	bare := token[len(RefPrefix):]
	got, ok := Decrypt(key, bare)
	require.True(t, ok)
	assert.Equal(t, "master", got)
}
