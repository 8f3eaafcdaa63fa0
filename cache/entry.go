package cache

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"math"

	"github.com/voxml/scanset/volume"
)

const (
	// entryMagic identifies scanset cache entries (ASCII "SCT1").
	entryMagic   = 0x53435431
	entryVersion = 1

	headerSize = 64

	// EntryExt is the file extension of cache entries.
	EntryExt = ".sct"
)

// entryHeader is the fixed 64-byte header at the start of every entry.
type entryHeader struct {
	Magic       uint32
	Version     uint32
	DType       uint8
	Compression uint8
	Padding     [2]byte
	Shape       [4]uint32
	RawSize     uint64 // uncompressed payload bytes
	PayloadSize uint64 // stored payload bytes
	Checksum    uint32 // CRC32 (IEEE) of the stored payload
	Padding2    [4]byte
	Reserved    [12]byte
}

// CorruptError describes a stored entry that failed validation on read.
// The cache absorbs it and recomputes; it is never returned from Fetch.
type CorruptError struct {
	Key    Key
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("cache: corrupt entry %s: %s", e.Key, e.Reason)
}

func corrupt(key Key, format string, args ...any) error {
	return &CorruptError{Key: key, Reason: fmt.Sprintf(format, args...)}
}

// encodeEntry serializes a tensor into the entry format.
func encodeEntry(t *volume.Tensor, comp Compression) ([]byte, error) {
	if err := t.Validate(); err != nil {
		return nil, err
	}

	raw := make([]byte, len(t.Data)*4)
	for i, v := range t.Data {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}

	payload, actual, err := compressPayload(comp, raw)
	if err != nil {
		return nil, fmt.Errorf("cache: compress entry: %w", err)
	}

	hdr := entryHeader{
		Magic:       entryMagic,
		Version:     entryVersion,
		DType:       uint8(volume.DTypeFloat32),
		Compression: uint8(actual),
		RawSize:     uint64(len(raw)),
		PayloadSize: uint64(len(payload)),
		Checksum:    crc32.ChecksumIEEE(payload),
	}
	for i, s := range t.Shape {
		hdr.Shape[i] = uint32(s)
	}

	var buf bytes.Buffer
	buf.Grow(headerSize + len(payload))
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	buf.Write(payload)
	return buf.Bytes(), nil
}

// decodeEntry validates and deserializes a stored entry. expectShape is
// the (D, H, W) shape the current config demands; an entry that decodes
// cleanly but no longer matches is corrupt for this key.
func decodeEntry(key Key, data []byte, expectShape [3]int) (*volume.Tensor, error) {
	if len(data) < headerSize {
		return nil, corrupt(key, "truncated header: %d bytes", len(data))
	}

	var hdr entryHeader
	if err := binary.Read(bytes.NewReader(data[:headerSize]), binary.LittleEndian, &hdr); err != nil {
		return nil, corrupt(key, "unreadable header: %v", err)
	}
	if hdr.Magic != entryMagic {
		return nil, corrupt(key, "bad magic 0x%08x", hdr.Magic)
	}
	if hdr.Version != entryVersion {
		return nil, corrupt(key, "unsupported version %d", hdr.Version)
	}
	if hdr.DType != uint8(volume.DTypeFloat32) {
		return nil, corrupt(key, "unsupported dtype %d", hdr.DType)
	}

	var shape [4]int
	for i, s := range hdr.Shape {
		if s == 0 || s > math.MaxInt32 {
			return nil, corrupt(key, "invalid shape %v", hdr.Shape)
		}
		shape[i] = int(s)
	}
	if shape[0] != 1 || shape[1] != expectShape[0] || shape[2] != expectShape[1] || shape[3] != expectShape[2] {
		return nil, corrupt(key, "shape %v does not match expected (1 %d %d %d)",
			hdr.Shape, expectShape[0], expectShape[1], expectShape[2])
	}

	payload := data[headerSize:]
	if uint64(len(payload)) != hdr.PayloadSize {
		return nil, corrupt(key, "payload size %d, header says %d", len(payload), hdr.PayloadSize)
	}
	if sum := crc32.ChecksumIEEE(payload); sum != hdr.Checksum {
		return nil, corrupt(key, "checksum mismatch: expected 0x%08x, got 0x%08x", hdr.Checksum, sum)
	}

	numel := shape[0] * shape[1] * shape[2] * shape[3]
	if hdr.RawSize != uint64(numel)*4 {
		return nil, corrupt(key, "raw size %d for %d elements", hdr.RawSize, numel)
	}

	raw, err := decompress(Compression(hdr.Compression), payload, int(hdr.RawSize))
	if err != nil {
		return nil, corrupt(key, "decompress: %v", err)
	}
	if len(raw) != int(hdr.RawSize) {
		return nil, corrupt(key, "decompressed to %d bytes, header says %d", len(raw), hdr.RawSize)
	}

	t := &volume.Tensor{Shape: shape, Data: make([]float32, numel)}
	for i := range t.Data {
		t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return t, nil
}
