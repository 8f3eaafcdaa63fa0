package cache

import (
	"encoding/binary"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voxml/scanset/volume"
)

func patternTensor(d, h, w int) *volume.Tensor {
	t := volume.Zeros(d, h, w)
	for i := range t.Data {
		// Smooth ramp so LZ4 and zstd actually compress it.
		t.Data[i] = float32(i%97) / 97
	}
	return t
}

func testKey() Key {
	var fp [32]byte
	fp[0] = 0xab
	return Key{VolumeID: "vol-001", Fingerprint: fp}
}

func TestEntry_RoundTrip(t *testing.T) {
	shapes := [][3]int{{1, 1, 1}, {4, 8, 8}, {32, 64, 64}}
	codecs := []Compression{CompressionNone, CompressionLZ4, CompressionZstd}

	for _, shape := range shapes {
		for _, comp := range codecs {
			in := patternTensor(shape[0], shape[1], shape[2])
			data, err := encodeEntry(in, comp)
			require.NoError(t, err, "shape %v comp %s", shape, comp)

			out, err := decodeEntry(testKey(), data, shape)
			require.NoError(t, err, "shape %v comp %s", shape, comp)
			assert.True(t, in.Equal(out), "shape %v comp %s", shape, comp)
		}
	}
}

func TestEntry_CompressionShrinksPayload(t *testing.T) {
	in := patternTensor(16, 16, 16)

	plain, err := encodeEntry(in, CompressionNone)
	require.NoError(t, err)
	lz4, err := encodeEntry(in, CompressionLZ4)
	require.NoError(t, err)
	zstd, err := encodeEntry(in, CompressionZstd)
	require.NoError(t, err)

	assert.Less(t, len(lz4), len(plain))
	assert.Less(t, len(zstd), len(plain))
}

func TestEntry_IncompressibleFallsBackToNone(t *testing.T) {
	in := volume.Zeros(4, 4, 4)
	rng := uint32(0x9e3779b9)
	for i := range in.Data {
		rng = rng*1664525 + 1013904223
		in.Data[i] = math.Float32frombits(rng)
	}

	data, err := encodeEntry(in, CompressionLZ4)
	require.NoError(t, err)

	// Compression byte sits at offset 9 in the header.
	assert.Equal(t, uint8(CompressionNone), data[9])

	out, err := decodeEntry(testKey(), data, [3]int{4, 4, 4})
	require.NoError(t, err)
	assert.True(t, in.Equal(out))
}

func TestEntry_DecodeRejectsCorruption(t *testing.T) {
	shape := [3]int{4, 8, 8}
	in := patternTensor(shape[0], shape[1], shape[2])
	good, err := encodeEntry(in, CompressionLZ4)
	require.NoError(t, err)

	mutate := func(fn func(b []byte)) []byte {
		b := make([]byte, len(good))
		copy(b, good)
		fn(b)
		return b
	}

	cases := []struct {
		name string
		data []byte
	}{
		{"truncated header", good[:headerSize-1]},
		{"truncated payload", good[:len(good)-1]},
		{"bad magic", mutate(func(b []byte) { b[0] ^= 0xff })},
		{"bad version", mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[4:], 99) })},
		{"bad dtype", mutate(func(b []byte) { b[8] = 200 })},
		{"zero shape", mutate(func(b []byte) { binary.LittleEndian.PutUint32(b[12:], 0) })},
		{"flipped payload bit", mutate(func(b []byte) { b[headerSize] ^= 0x01 })},
		{"flipped checksum", mutate(func(b []byte) { b[44] ^= 0x01 })},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := decodeEntry(testKey(), tc.data, shape)
			var ce *CorruptError
			require.ErrorAs(t, err, &ce, "decode must report corruption")
			assert.Equal(t, testKey(), ce.Key)
		})
	}
}

func TestEntry_DecodeRejectsShapeMismatch(t *testing.T) {
	in := patternTensor(4, 8, 8)
	data, err := encodeEntry(in, CompressionNone)
	require.NoError(t, err)

	_, err = decodeEntry(testKey(), data, [3]int{8, 8, 8})
	var ce *CorruptError
	require.ErrorAs(t, err, &ce)
}

func TestEntry_EncodeRejectsInvalidTensor(t *testing.T) {
	bad := &volume.Tensor{Shape: [4]int{1, 2, 2, 2}, Data: make([]float32, 1)}
	_, err := encodeEntry(bad, CompressionLZ4)
	assert.Error(t, err)
}
