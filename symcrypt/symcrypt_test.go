package symcrypt

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomKey(t *testing.T) Key {
	t.Helper()
	raw := make([]byte, KeySize)
	_, err := rand.Read(raw)
	require.NoError(t, err)
	k, err := NewKey(raw)
	require.NoError(t, err)
	return k
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	key := randomKey(t)
	for _, plaintext := range [][]byte{
		[]byte(""),
		[]byte("a"),
		[]byte("exactly 16 bytes"),
		bytes.Repeat([]byte("x"), 1000),
	} {
		ct, err := Encrypt(key, plaintext)
		require.NoError(t, err)
		assert.Equal(t, 0, len(ct)%blockSize)

		pt, err := Decrypt(key, ct)
		require.NoError(t, err)
		assert.Equal(t, plaintext, pt)
	}
}

func TestEncryptDeterministic(t *testing.T) {
	key := randomKey(t)
	plaintext := []byte("same key same iv same ciphertext")
	a, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	b, err := Encrypt(key, plaintext)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestDecryptRejectsBadLength(t *testing.T) {
	key := randomKey(t)
	_, err := Decrypt(key, []byte("not a multiple of 16"))
	assert.ErrorIs(t, err, ErrCorruptCipher)
}

func TestDecryptRejectsBadPadding(t *testing.T) {
	key := randomKey(t)
	ct, err := Encrypt(key, []byte("hello"))
	require.NoError(t, err)
	ct[len(ct)-1] ^= 0xFF
	_, err = Decrypt(key, ct)
	assert.ErrorIs(t, err, ErrCorruptCipher)
}

func TestNewKeyRejectsBadSize(t *testing.T) {
	_, err := NewKey([]byte("too short"))
	assert.ErrorIs(t, err, ErrBadKeySize)
}
