// Package curve25519 provides the ephemeral keypair and ECDH used by
// Pair-Verify to derive a ChaCha20-Poly1305 session key.
package curve25519

import (
	"crypto/rand"

	"golang.org/x/crypto/curve25519"
)

// GenerateKeyPair returns a fresh clamped Curve25519 (public, private) pair.
func GenerateKeyPair() (public, private [32]byte, err error) {
	if _, err = rand.Read(private[:]); err != nil {
		return
	}
	private[0] &= 248
	private[31] &= 127
	private[31] |= 64
	curve25519.ScalarBaseMult(&public, &private)
	return
}

// SharedSecret performs X25519 ECDH between private and peerPublic.
func SharedSecret(private, peerPublic [32]byte) ([32]byte, error) {
	var out [32]byte
	shared, err := curve25519.X25519(private[:], peerPublic[:])
	if err != nil {
		return out, err
	}
	copy(out[:], shared)
	return out, nil
}
