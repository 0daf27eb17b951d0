package mesh

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"golang.org/x/crypto/chacha20poly1305"
)

func testKey() []byte {
	key := make([]byte, chacha20poly1305.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestHopCrypto_SealOpenRoundTrip(t *testing.T) {
	hc := NewHopCrypto()
	require.NoError(t, hc.SetKey("peer-b", testKey()))

	plaintext := []byte(`{"dest":"c","data":"aGVsbG8="}`)
	nonce, ciphertext, mac, err := hc.Seal("peer-b", plaintext)
	require.NoError(t, err)
	assert.Len(t, nonce, chacha20poly1305.NonceSize)
	assert.Len(t, mac, chacha20poly1305.Overhead)
	assert.NotEqual(t, plaintext, ciphertext)

	got, err := hc.Open("peer-b", nonce, ciphertext, mac)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
}

func TestHopCrypto_TamperedMessageFails(t *testing.T) {
	hc := NewHopCrypto()
	require.NoError(t, hc.SetKey("peer-b", testKey()))

	nonce, ciphertext, mac, err := hc.Seal("peer-b", []byte("payload"))
	require.NoError(t, err)

	badMAC := append([]byte(nil), mac...)
	badMAC[0] ^= 0xff
	_, err = hc.Open("peer-b", nonce, ciphertext, badMAC)
	assert.Error(t, err)

	badCT := append([]byte(nil), ciphertext...)
	badCT[0] ^= 0xff
	_, err = hc.Open("peer-b", nonce, badCT, mac)
	assert.Error(t, err)
}

func TestHopCrypto_MissingKey(t *testing.T) {
	hc := NewHopCrypto()

	_, _, _, err := hc.Seal("stranger", []byte("x"))
	assert.ErrorIs(t, err, ErrNoHopKey)

	_, err = hc.Open("stranger", make([]byte, 12), []byte("x"), make([]byte, 16))
	assert.ErrorIs(t, err, ErrNoHopKey)

	assert.False(t, hc.HasKey("stranger"))
}

func TestHopCrypto_InvalidKeySize(t *testing.T) {
	hc := NewHopCrypto()
	assert.Error(t, hc.SetKey("peer-b", []byte("short")))
}

func TestHopCrypto_NoncesNeverRepeat(t *testing.T) {
	hc := NewHopCrypto()
	require.NoError(t, hc.SetKey("peer-b", testKey()))

	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		nonce, _, _, err := hc.Seal("peer-b", []byte("x"))
		require.NoError(t, err)
		_, dup := seen[string(nonce)]
		require.False(t, dup, "nonce reused at iteration %d", i)
		seen[string(nonce)] = struct{}{}
	}
}

func TestHopCrypto_KeyRotationChangesPrefix(t *testing.T) {
	hc := NewHopCrypto()
	require.NoError(t, hc.SetKey("peer-b", testKey()))
	nonce1, _, _, err := hc.Seal("peer-b", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, hc.SetKey("peer-b", testKey()))
	nonce2, _, _, err := hc.Seal("peer-b", []byte("x"))
	require.NoError(t, err)

	// Counter restarted, so distinct prefixes keep nonces from colliding.
	if bytes.Equal(nonce1[:4], nonce2[:4]) {
		t.Skip("random 4-byte prefixes collided, astronomically unlikely")
	}
	assert.NotEqual(t, nonce1, nonce2)
}
