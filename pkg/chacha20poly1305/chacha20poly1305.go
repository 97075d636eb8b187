// Package chacha20poly1305 implements the AEAD envelope HAP pairing uses to
// wrap M5/M6 (Pair-Setup) and M2/M3 (Pair-Verify) payloads.
package chacha20poly1305

import (
	"errors"

	"golang.org/x/crypto/chacha20poly1305"
)

// ErrInvalidParams is returned when a key or nonce has the wrong size.
var ErrInvalidParams = errors.New("chacha20poly1305: invalid params")

// nonce right-aligns the caller's label into the 12-byte ChaCha20-Poly1305
// nonce: the label occupies the low-order bytes, the high-order bytes are
// zero. HAP's fixed pairing labels ("PS-Msg05", "PV-Msg02", ...) are 8 bytes,
// leaving the top 4 bytes zero - this matches both this codebase's source
// material and real HAP controllers.
func nonce(label []byte) ([]byte, error) {
	if len(label) > chacha20poly1305.NonceSize {
		return nil, ErrInvalidParams
	}
	n := make([]byte, chacha20poly1305.NonceSize)
	copy(n[chacha20poly1305.NonceSize-len(label):], label)
	return n, nil
}

// Encrypt seals plaintext under key with the given nonce label and optional
// additional authenticated data, returning ciphertext||tag.
func Encrypt(key []byte, label string, plaintext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidParams
	}

	n, err := nonce([]byte(label))
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	return aead.Seal(nil, n, plaintext, aad), nil
}

// Decrypt opens ciphertext||tag under key with the given nonce label and
// optional additional authenticated data. A tag or ciphertext mismatch, or a
// flipped AAD/nonce byte, returns a non-nil error and no plaintext.
func Decrypt(key []byte, label string, ciphertext, aad []byte) ([]byte, error) {
	if len(key) != chacha20poly1305.KeySize {
		return nil, ErrInvalidParams
	}

	n, err := nonce([]byte(label))
	if err != nil {
		return nil, err
	}

	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}

	return aead.Open(nil, n, ciphertext, aad)
}

// EncryptCounter is like Encrypt but the nonce is an 8-byte little-endian
// counter rather than a fixed label, used by the post-handshake secured
// session framing (pkg/session).
func EncryptCounter(key []byte, counter uint64, plaintext, aad []byte) ([]byte, error) {
	label := make([]byte, 8)
	putUint64LE(label, counter)
	return Encrypt(key, string(label), plaintext, aad)
}

// DecryptCounter is the inverse of EncryptCounter.
func DecryptCounter(key []byte, counter uint64, ciphertext, aad []byte) ([]byte, error) {
	label := make([]byte, 8)
	putUint64LE(label, counter)
	return Decrypt(key, string(label), ciphertext, aad)
}

func putUint64LE(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}
