package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "accessory.db")
	backend, err := FileBackend(path)
	require.NoError(t, err)

	s, err := Open(backend)
	require.NoError(t, err)

	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestFormatResetsState(t *testing.T) {
	s := newTestStore(t)

	have, err := s.HaveAccessoryLongTermKeys()
	require.NoError(t, err)
	require.False(t, have)

	count, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 0, count)
}

func TestAccessoryLongTermKeyRoundTrip(t *testing.T) {
	s := newTestStore(t)

	var pub [32]byte
	var priv [64]byte
	for i := range pub {
		pub[i] = byte(i)
	}
	for i := range priv {
		priv[i] = byte(255 - i)
	}

	require.NoError(t, s.SetAccessoryLongTermKeys(pub, priv))

	have, err := s.HaveAccessoryLongTermKeys()
	require.NoError(t, err)
	require.True(t, have)

	gotPub, gotPriv, err := s.GetAccessoryLongTermKeys()
	require.NoError(t, err)
	require.Equal(t, pub, gotPub)
	require.Equal(t, priv, gotPriv)
}

func TestPairedDeviceLifecycle(t *testing.T) {
	s := newTestStore(t)

	var pkA, pkB [32]byte
	pkA[0] = 0xAA
	pkB[0] = 0xBB

	require.NoError(t, s.AddPairedDevice("device-a", pkA, 1))
	require.NoError(t, s.AddPairedDevice("device-b", pkB, 1))

	count, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 2, count)

	removed, err := s.RemovePairedDevice("device-a")
	require.NoError(t, err)
	require.True(t, removed)

	_, ok, err := s.RetrievePairedDevice("device-a")
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := s.RetrievePairedDevice("device-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pkB, got.PublicKey)

	count, err = s.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)
}

func TestAddPairedDeviceOverwritesExisting(t *testing.T) {
	s := newTestStore(t)

	var pk1, pk2 [32]byte
	pk1[0] = 1
	pk2[0] = 2

	require.NoError(t, s.AddPairedDevice("device-a", pk1, 1))
	require.NoError(t, s.AddPairedDevice("device-a", pk2, 1))

	count, err := s.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	got, ok, err := s.RetrievePairedDevice("device-a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pk2, got.PublicKey)
}

func TestPersistenceSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "accessory.db")

	backend, err := FileBackend(path)
	require.NoError(t, err)
	s, err := Open(backend)
	require.NoError(t, err)

	var pkA, pkB [32]byte
	pkA[0], pkB[0] = 0xA, 0xB

	require.NoError(t, s.AddPairedDevice("device-a", pkA, 1))
	require.NoError(t, s.AddPairedDevice("device-b", pkB, 1))
	_, err = s.RemovePairedDevice("device-a")
	require.NoError(t, err)
	require.NoError(t, s.Close())

	backend2, err := FileBackend(path)
	require.NoError(t, err)
	s2, err := Open(backend2)
	require.NoError(t, err)
	defer s2.Close()

	_, ok, err := s2.RetrievePairedDevice("device-a")
	require.NoError(t, err)
	require.False(t, ok)

	got, ok, err := s2.RetrievePairedDevice("device-b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, pkB, got.PublicKey)

	count, err := s2.Count()
	require.NoError(t, err)
	require.Equal(t, 1, count)

	var header [4]byte
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	_, err = f.ReadAt(header[:], 0)
	require.NoError(t, err)
	require.Equal(t, byte(Version), header[3])
}
