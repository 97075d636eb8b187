// Package uuid derives stable identifiers from a seed via SHA-512, as used
// for the accessory's pairing identifier and for per-pairing bookkeeping
// ids, both of which must stay the same across restarts for the same seed.
package uuid

import (
	"crypto/sha512"
	"encoding/hex"
	"strings"
)

// DeriveV4 takes the first 16 bytes of SHA-512(seed), sets the RFC 4122
// variant/version bits, and formats the result as a hyphenated UUID string.
func DeriveV4(seed []byte) string {
	sum := sha512.Sum512(seed)

	var b [16]byte
	copy(b[:], sum[:16])

	b[6] = (b[6] & 0x0F) | 0x40 // version 4
	b[8] = (b[8] & 0x3F) | 0x80 // variant 10xx

	s := hex.EncodeToString(b[:])
	return s[0:8] + "-" + s[8:12] + "-" + s[12:16] + "-" + s[16:20] + "-" + s[20:32]
}

// DeriveMAC takes the first 6 bytes of SHA-512(seed) and formats them as a
// colon-separated MAC address, the format HAP's mDNS "id" TXT record and the
// Pair-Setup accessory identifier require.
func DeriveMAC(seed []byte) string {
	sum := sha512.Sum512(seed)

	parts := make([]string, 6)
	for i := 0; i < 6; i++ {
		parts[i] = hex.EncodeToString(sum[i : i+1])
	}
	return strings.ToUpper(strings.Join(parts, ":"))
}
