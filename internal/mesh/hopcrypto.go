package mesh

import (
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrNoHopKey indicates sealing or opening was attempted for a peer without
// an installed key. Payloads are never sent in plaintext as a fallback.
var ErrNoHopKey = errors.New("no hop encryption key installed for peer")

const macSize = chacha20poly1305.Overhead

// hopKey is the AEAD state shared with one neighbor. The nonce is a 4-byte
// random prefix fixed at key installation plus an 8-byte monotonic counter,
// so nonces never repeat under one key.
type hopKey struct {
	aead    cipher.AEAD
	prefix  [4]byte
	counter atomic.Uint64
}

func (k *hopKey) nextNonce() []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, k.prefix[:])
	binary.BigEndian.PutUint64(nonce[4:], k.counter.Add(1))
	return nonce
}

// HopCrypto seals and opens per-hop payloads with ChaCha20-Poly1305, one
// key per neighbor. Keys are replaced atomically; rotation installs a fresh
// nonce prefix and counter.
type HopCrypto struct {
	mu   sync.RWMutex
	keys map[string]*hopKey
}

// NewHopCrypto creates an empty key store.
func NewHopCrypto() *HopCrypto {
	return &HopCrypto{keys: make(map[string]*hopKey)}
}

// SetKey installs or rotates the symmetric key shared with the peer. The
// key must be exactly 32 bytes.
func (h *HopCrypto) SetKey(peer string, key []byte) error {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return fmt.Errorf("hop key for %s: %w", peer, err)
	}

	k := &hopKey{aead: aead}
	if _, err := rand.Read(k.prefix[:]); err != nil {
		return fmt.Errorf("hop key nonce prefix: %w", err)
	}

	h.mu.Lock()
	h.keys[peer] = k
	h.mu.Unlock()
	return nil
}

// HasKey reports whether a key is installed for the peer.
func (h *HopCrypto) HasKey(peer string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.keys[peer]
	return ok
}

// Seal encrypts plaintext for the peer, returning the nonce, the ciphertext
// without its tag, and the 16-byte tag separately so the wire format can
// carry them in distinct fields.
func (h *HopCrypto) Seal(peer string, plaintext []byte) (nonce, ciphertext, mac []byte, err error) {
	h.mu.RLock()
	k := h.keys[peer]
	h.mu.RUnlock()
	if k == nil {
		return nil, nil, nil, fmt.Errorf("seal for %s: %w", peer, ErrNoHopKey)
	}

	nonce = k.nextNonce()
	sealed := k.aead.Seal(nil, nonce, plaintext, nil)
	split := len(sealed) - macSize
	return nonce, sealed[:split], sealed[split:], nil
}

// Open authenticates and decrypts a payload sealed by the peer.
func (h *HopCrypto) Open(peer string, nonce, ciphertext, mac []byte) ([]byte, error) {
	h.mu.RLock()
	k := h.keys[peer]
	h.mu.RUnlock()
	if k == nil {
		return nil, fmt.Errorf("open from %s: %w", peer, ErrNoHopKey)
	}

	sealed := make([]byte, 0, len(ciphertext)+len(mac))
	sealed = append(sealed, ciphertext...)
	sealed = append(sealed, mac...)
	plaintext, err := k.aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("open from %s: %w", peer, err)
	}
	return plaintext, nil
}
