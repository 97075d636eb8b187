package tlv8

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	type Struct struct {
		Byte   byte    `tlv8:"1"`
		Uint16 uint16  `tlv8:"2"`
		Uint32 uint32  `tlv8:"3"`
		String string  `tlv8:"4"`
		Slice  []byte  `tlv8:"5"`
		Array  [4]byte `tlv8:"6"`
	}

	src := Struct{
		Byte:   1,
		Uint16: 300,
		Uint32: 70000,
		String: "hello",
		Slice:  []byte{1, 2, 3},
		Array:  [4]byte{1, 2, 3, 4},
	}

	b, err := Marshal(src)
	require.NoError(t, err)

	var dst Struct
	require.NoError(t, Unmarshal(b, &dst))
	require.Equal(t, src, dst)
}

func TestInsertEncodeParseReadRoundTrip(t *testing.T) {
	for _, length := range []int{1, 3, 254, 255, 256, 509, 510, 511, 8192} {
		value := make([]byte, length)
		for i := range value {
			value[i] = byte(i)
		}

		chain := Insert(nil, 0x03, value)
		encoded := Encode(chain)

		parsed := Parse(encoded)
		item := Find(parsed, 0x03)
		require.NotNil(t, item, "length=%d", length)

		got := ReadAll(item)
		require.Equal(t, value, got, "length=%d", length)
	}
}

func TestFragmentationShape(t *testing.T) {
	// L=255: exactly one full fragment plus a zero-length Separator.
	chain := Insert(nil, 0x05, make([]byte, 255))
	require.Equal(t, byte(0x05), chain.Type)
	require.Equal(t, byte(255), chain.Length)
	require.NotNil(t, chain.Next)
	require.Equal(t, byte(Separator), chain.Next.Type)
	require.Equal(t, byte(0), chain.Next.Length)
	require.Nil(t, chain.Next.Next)

	// L=256: one full 255-byte fragment, one 1-byte tail, no separator.
	chain = Insert(nil, 0x05, make([]byte, 256))
	require.Equal(t, byte(255), chain.Length)
	require.NotNil(t, chain.Next)
	require.Equal(t, byte(1), chain.Next.Length)
	require.Nil(t, chain.Next.Next)
}

func TestFindWalksToHeadFirst(t *testing.T) {
	chain := Insert(nil, 0x02, []byte("b"))
	chain = Insert(chain, 0x01, []byte("a"))

	// Find from a non-head item must still locate type 0x01 at the head.
	tail := FindNext(chain, 0x02)
	require.NotNil(t, tail)

	found := Find(tail, 0x01)
	require.NotNil(t, found)
	require.Equal(t, []byte("a"), found.Value)
}

func TestResetChainZeroesOffsets(t *testing.T) {
	chain := Insert(nil, 0x01, []byte("hello"))
	buf := make([]byte, 2)
	Read(chain, buf)
	require.Equal(t, byte(2), chain.Offset)

	ResetChain(chain)
	require.Equal(t, byte(0), chain.Offset)
}

func TestSeparatorBreaksConcatenation(t *testing.T) {
	// Two same-type items separated by a Separator must not be read as
	// one concatenated value.
	first := Insert(nil, 0x01, make([]byte, 255))
	encoded := Encode(first)
	// append a second, unrelated same-type item after the separator
	encoded = append(encoded, 0x01, 3, 'a', 'b', 'c')

	parsed := Parse(encoded)
	item := Find(parsed, 0x01)
	got := ReadAll(item)
	require.Equal(t, 255, len(got))
}

func TestChainLengthMatchesEncodedLength(t *testing.T) {
	chain := Insert(nil, 0x01, bytes.Repeat([]byte{0xAA}, 600))
	require.Equal(t, len(Encode(chain)), ChainLength(chain))
}
