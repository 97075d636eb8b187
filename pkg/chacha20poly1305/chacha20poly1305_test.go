package chacha20poly1305

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	var key [32]byte
	for i := range key {
		key[i] = byte(i)
	}

	plaintext := []byte("pair-setup inner TLV payload")
	ciphertext, err := Encrypt(key[:], "PS-Msg05", plaintext, nil)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, ciphertext)

	got, err := Decrypt(key[:], "PS-Msg05", ciphertext, nil)
	require.NoError(t, err)
	require.Equal(t, plaintext, got)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	var key [32]byte
	ciphertext, err := Encrypt(key[:], "PV-Msg02", []byte("hello"), nil)
	require.NoError(t, err)

	ciphertext[0] ^= 0xFF
	_, err = Decrypt(key[:], "PV-Msg02", ciphertext, nil)
	require.Error(t, err)
}

func TestDecryptRejectsWrongLabel(t *testing.T) {
	var key [32]byte
	ciphertext, err := Encrypt(key[:], "PV-Msg02", []byte("hello"), nil)
	require.NoError(t, err)

	_, err = Decrypt(key[:], "PV-Msg03", ciphertext, nil)
	require.Error(t, err)
}

func TestCounterRoundTripAcrossSeveralFrames(t *testing.T) {
	var key [32]byte
	key[0] = 7

	for counter := uint64(0); counter < 4; counter++ {
		lengthBuf := []byte{byte(counter), 0}
		plaintext := []byte("frame payload")

		ciphertext, err := EncryptCounter(key[:], counter, plaintext, lengthBuf)
		require.NoError(t, err)

		got, err := DecryptCounter(key[:], counter, ciphertext, lengthBuf)
		require.NoError(t, err)
		require.Equal(t, plaintext, got)
	}
}
