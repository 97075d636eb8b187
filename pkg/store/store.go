// Package store implements the accessory's persistent state: a fixed
// 108-byte header holding the accessory's long-term Ed25519 keypair plus a
// flat table of paired-controller records, version 0x02 of the layout
// described by HomeKitAccessory's original persistence design.
package store

import (
	"encoding/binary"
	"errors"
	"io"
	"os"

	"github.com/zhangjianshe/hapd/internal/logging"
)

const (
	// Version is the only persistence layout this store understands. An
	// older v0x01 header (1-byte version, unpadded sizes) is rejected
	// rather than migrated.
	Version = 0x02

	offVersion = 0x00
	offFlags   = 0x04
	offLTPK    = 0x08
	offLTSK    = 0x28
	offCount   = 0x68

	fixedHeaderSize = 0x6c
	dynamicBlockSize = 72 // 36 id + 32 pubkey + 4 flags

	idSize  = 36
	pkSize  = 32
	fgSize  = 4

	flagAccessoryKeysGenerated = 1 << 0
)

// ErrCorrupt is returned by Open when the backend holds data that isn't a
// recognizable v0x02 header and isn't empty either.
var ErrCorrupt = errors.New("store: unrecognized header version")

// Backend is the seam between the store's record logic and actual storage.
// The host-specific flash/file backend is an external collaborator; Store
// only needs these five operations.
type Backend interface {
	io.ReaderAt
	io.WriterAt
	Truncate(size int64) error
	Sync() error
	Close() error
}

// FileBackend opens/creates a Backend rooted at an *os.File.
func FileBackend(path string) (Backend, error) {
	return os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
}

// PairedDevice is one persisted controller record.
type PairedDevice struct {
	Identifier string
	PublicKey  [32]byte
	Flags      uint32
}

// Store owns the fixed header plus dynamic paired-device table.
type Store struct {
	backend Backend
}

// Open wraps backend in a Store, formatting it only if it's empty (a freshly
// created backend). A non-empty backend whose header doesn't carry Version
// is treated as corrupt rather than silently reformatted out from under
// whatever it actually holds.
func Open(backend Backend) (*Store, error) {
	s := &Store{backend: backend}

	var header [4]byte
	n, err := backend.ReadAt(header[:], offVersion)
	if err != nil && err != io.EOF {
		return nil, err
	}

	if n == 0 {
		if err := s.Format(); err != nil {
			return nil, err
		}
		return s, nil
	}

	if n < 4 || binary.BigEndian.Uint32(header[:]) != Version {
		return nil, ErrCorrupt
	}

	return s, nil
}

// Close flushes and closes the underlying backend.
func (s *Store) Close() error {
	if err := s.backend.Sync(); err != nil {
		return err
	}
	return s.backend.Close()
}

// Format zeroes the fixed header, writes version=0x02 and count=0, and
// truncates away any dynamic blocks.
func (s *Store) Format() error {
	if err := s.backend.Truncate(fixedHeaderSize); err != nil {
		return err
	}

	header := make([]byte, fixedHeaderSize)
	binary.BigEndian.PutUint32(header[offVersion:], Version)

	if _, err := s.backend.WriteAt(header, 0); err != nil {
		return err
	}
	if err := s.backend.Sync(); err != nil {
		return err
	}
	logging.For("store").Info().Msg("formatted fresh v0x02 header")
	return nil
}

// HaveAccessoryLongTermKeys reports bit 0 of the cryptography flags' first
// byte (byte offset 0 of the 4-byte field, not the big-endian word).
func (s *Store) HaveAccessoryLongTermKeys() (bool, error) {
	flagByte, err := s.readFlagsByte()
	if err != nil {
		return false, err
	}
	return flagByte&flagAccessoryKeysGenerated != 0, nil
}

// SetAccessoryLongTermKeys writes the accessory's Ed25519 public+private
// key into the fixed header and sets the "keys generated" flag.
func (s *Store) SetAccessoryLongTermKeys(public [32]byte, private [64]byte) error {
	if _, err := s.backend.WriteAt(public[:], offLTPK); err != nil {
		return err
	}
	if _, err := s.backend.WriteAt(private[:], offLTSK); err != nil {
		return err
	}

	flagByte, err := s.readFlagsByte()
	if err != nil {
		return err
	}
	flagByte |= flagAccessoryKeysGenerated

	if err := s.writeFlagsByte(flagByte); err != nil {
		return err
	}
	return s.backend.Sync()
}

// GetAccessoryLongTermKeys reads the accessory's Ed25519 keypair.
func (s *Store) GetAccessoryLongTermKeys() (public [32]byte, private [64]byte, err error) {
	if _, err = s.backend.ReadAt(public[:], offLTPK); err != nil && err != io.EOF {
		return
	}
	if _, err = s.backend.ReadAt(private[:], offLTSK); err != nil && err != io.EOF {
		return
	}
	err = nil
	return
}

// GetAccessoryLTPK reads only the accessory's public key.
func (s *Store) GetAccessoryLTPK() (public [32]byte, err error) {
	_, err = s.backend.ReadAt(public[:], offLTPK)
	if err == io.EOF {
		err = nil
	}
	return
}

// Count returns the number of paired-device records currently stored.
func (s *Store) Count() (int, error) {
	n, err := s.readUint32(offCount)
	return int(n), err
}

// AddPairedDevice overwrites the record for id in place if one already
// exists, or appends a new one and increments the record count.
func (s *Store) AddPairedDevice(id string, publicKey [32]byte, flags uint32) error {
	count, err := s.Count()
	if err != nil {
		return err
	}

	for i := 0; i < count; i++ {
		existing, err := s.readBlock(i)
		if err != nil {
			return err
		}
		if existing.Identifier == id {
			logging.For("store").Debug().Str("identifier", id).Msg("overwrote existing paired-device record")
			return s.writeBlock(i, id, publicKey, flags)
		}
	}

	if err := s.writeBlock(count, id, publicKey, flags); err != nil {
		return err
	}
	logging.For("store").Info().Str("identifier", id).Int("count", count+1).Msg("added paired-device record")
	return s.writeUint32(offCount, uint32(count+1))
}

// RemovePairedDevice deletes id's record, if present, compacting the table
// by moving the last block into the removed slot. It reports whether a
// record was actually removed.
func (s *Store) RemovePairedDevice(id string) (bool, error) {
	count, err := s.Count()
	if err != nil {
		return false, err
	}

	index := -1
	for i := 0; i < count; i++ {
		existing, err := s.readBlock(i)
		if err != nil {
			return false, err
		}
		if existing.Identifier == id {
			index = i
			break
		}
	}
	if index == -1 {
		return false, nil
	}

	if index != count-1 {
		last, err := s.readBlock(count - 1)
		if err != nil {
			return false, err
		}
		if err := s.writeBlock(index, last.Identifier, last.PublicKey, last.Flags); err != nil {
			return false, err
		}
	}

	if err := s.writeUint32(offCount, uint32(count-1)); err != nil {
		return false, err
	}
	logging.For("store").Info().Str("identifier", id).Int("count", count-1).Msg("removed paired-device record")
	return true, s.backend.Sync()
}

// RetrievePairedDevice returns a detached copy of id's record, if present.
func (s *Store) RetrievePairedDevice(id string) (PairedDevice, bool, error) {
	count, err := s.Count()
	if err != nil {
		return PairedDevice{}, false, err
	}

	for i := 0; i < count; i++ {
		existing, err := s.readBlock(i)
		if err != nil {
			return PairedDevice{}, false, err
		}
		if existing.Identifier == id {
			return existing, true, nil
		}
	}
	return PairedDevice{}, false, nil
}

// ListPairedDevices returns every stored paired-device record.
func (s *Store) ListPairedDevices() ([]PairedDevice, error) {
	count, err := s.Count()
	if err != nil {
		return nil, err
	}

	out := make([]PairedDevice, 0, count)
	for i := 0; i < count; i++ {
		block, err := s.readBlock(i)
		if err != nil {
			return nil, err
		}
		out = append(out, block)
	}
	return out, nil
}

// Reset removes every paired-device record (used when the last admin
// pairing is deleted and the accessory re-enters unpaired mode).
func (s *Store) Reset() error {
	if err := s.backend.Truncate(fixedHeaderSize); err != nil {
		return err
	}
	if err := s.writeUint32(offCount, 0); err != nil {
		return err
	}
	if err := s.backend.Sync(); err != nil {
		return err
	}
	logging.For("store").Warn().Msg("reset paired-device table, accessory re-entered unpaired mode")
	return nil
}

func (s *Store) blockOffset(index int) int64 {
	return fixedHeaderSize + int64(index)*dynamicBlockSize
}

func (s *Store) readBlock(index int) (PairedDevice, error) {
	buf := make([]byte, dynamicBlockSize)
	if _, err := s.backend.ReadAt(buf, s.blockOffset(index)); err != nil && err != io.EOF {
		return PairedDevice{}, err
	}

	var pd PairedDevice
	pd.Identifier = trimNulls(buf[:idSize])
	copy(pd.PublicKey[:], buf[idSize:idSize+pkSize])
	pd.Flags = binary.BigEndian.Uint32(buf[idSize+pkSize : idSize+pkSize+fgSize])
	return pd, nil
}

func (s *Store) writeBlock(index int, id string, publicKey [32]byte, flags uint32) error {
	buf := make([]byte, dynamicBlockSize)
	copy(buf[:idSize], id)
	copy(buf[idSize:idSize+pkSize], publicKey[:])
	binary.BigEndian.PutUint32(buf[idSize+pkSize:], flags)

	if _, err := s.backend.WriteAt(buf, s.blockOffset(index)); err != nil {
		return err
	}
	return s.backend.Sync()
}

// readFlagsByte/writeFlagsByte touch only byte offset 0 of the flags field,
// so bit 0 of that byte is bit 0 of the field as laid out on disk, matching
// the original C struct's byte-for-byte bit numbering rather than a
// big-endian uint32's bit numbering.
func (s *Store) readFlagsByte() (byte, error) {
	var b [1]byte
	_, err := s.backend.ReadAt(b[:], offFlags)
	if err != nil && err != io.EOF {
		return 0, err
	}
	return b[0], nil
}

func (s *Store) writeFlagsByte(v byte) error {
	_, err := s.backend.WriteAt([]byte{v}, offFlags)
	return err
}

func (s *Store) readUint32(off int64) (uint32, error) {
	var b [4]byte
	_, err := s.backend.ReadAt(b[:], off)
	if err != nil && err != io.EOF {
		return 0, err
	}
	return binary.BigEndian.Uint32(b[:]), nil
}

func (s *Store) writeUint32(off int64, v uint32) error {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	_, err := s.backend.WriteAt(b[:], off)
	return err
}

func trimNulls(b []byte) string {
	i := 0
	for i < len(b) && b[i] != 0 {
		i++
	}
	return string(b[:i])
}
