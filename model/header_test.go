package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := &Header{Number: 1_234_567}
	h.ParentHash[0] = 1
	h.StateRoot[1] = 2
	h.ExtrinsicsRoot[2] = 3

	// One seal digest item: tag, engine id, compact length, payload.
	h.Digest = append([]byte{0x04}, append([]byte{digestItemSeal, 'B', 'A', 'B', 'E', 3 << 2}, []byte{9, 9, 9}...)...)

	encoded := h.Encode()

	decoded, err := DecodeHeader(encoded)
	require.NoError(t, err)
	assert.Equal(t, h, decoded)
	assert.Equal(t, h.Hash(), HashFromEncodedHeader(encoded))
}

func TestHeaderEmptyDigest(t *testing.T) {
	h := &Header{Number: 42, ParentHash: Hash{7}}

	decoded, err := DecodeHeader(h.Encode())
	require.NoError(t, err)
	assert.Equal(t, uint64(42), decoded.Number)
	assert.Equal(t, Hash{7}, decoded.ParentHash)
}

func TestHeaderDecodeErrors(t *testing.T) {
	t.Run("too short", func(t *testing.T) {
		_, err := DecodeHeader([]byte{1, 2, 3})
		assert.Error(t, err)
	})

	t.Run("trailing bytes", func(t *testing.T) {
		h := &Header{Number: 1}
		_, err := DecodeHeader(append(h.Encode(), 0xff))
		assert.Error(t, err)
	})

	t.Run("unknown digest item", func(t *testing.T) {
		h := &Header{Number: 1}
		h.Digest = []byte{0x04, 0x63} // one item with an unknown tag
		_, err := DecodeHeader(h.Encode())
		assert.Error(t, err)
	})
}

func TestCompactEncodingBoundaries(t *testing.T) {
	for _, v := range []uint64{0, 1, 63, 64, 16383, 16384, 1<<30 - 1, 1 << 30, 1 << 40, 1<<64 - 1} {
		encoded := compactEncode(nil, v)
		decoded, n, err := compactDecode(encoded)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, len(encoded), n, "value %d", v)
		assert.Equal(t, v, decoded, "value %d", v)
	}
}

func TestHashFromBytes(t *testing.T) {
	_, err := HashFromBytes(make([]byte, 31))
	assert.Error(t, err)

	h, err := HashFromBytes(make([]byte, 32))
	require.NoError(t, err)
	assert.True(t, h.IsZero())
}
