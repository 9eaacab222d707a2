package cryptobox

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}
	box, err := New(key)
	require.NoError(t, err)

	plaintext := []byte("refresh-token-secret-value")
	ciphertext, err := box.Seal(plaintext)
	require.NoError(t, err)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := box.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	box, err := New(key)
	require.NoError(t, err)

	ciphertext, err := box.Seal([]byte("hello"))
	require.NoError(t, err)
	ciphertext[len(ciphertext)-1] ^= 0xFF

	_, err = box.Open(ciphertext)
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestOpenRejectsTruncatedBlob(t *testing.T) {
	var key [32]byte
	box, err := New(key)
	require.NoError(t, err)

	_, err = box.Open([]byte("short"))
	assert.ErrorIs(t, err, ErrDecryptFailed)
}

func TestFingerprintIsStableAndOneWay(t *testing.T) {
	a := Fingerprint("token-a")
	b := Fingerprint("token-a")
	c := Fingerprint("token-b")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotContains(t, a, "token-a")
}

func TestNewFromConfigDerivesDevKeyWhenAbsent(t *testing.T) {
	box1, err := NewFromConfig("", nil)
	require.NoError(t, err)
	box2, err := NewFromConfig("", nil)
	require.NoError(t, err)

	ciphertext, err := box1.Seal([]byte("plaintext"))
	require.NoError(t, err)

	// Deterministic derivation means a second Box on the same host can
	// decrypt what the first one sealed.
	got, err := box2.Open(ciphertext)
	require.NoError(t, err)
	assert.Equal(t, []byte("plaintext"), got)
}

func TestNewFromConfigRejectsBadLength(t *testing.T) {
	_, err := NewFromConfig("dG9vc2hvcnQ", nil)
	assert.Error(t, err)
}
