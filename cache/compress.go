package cache

import (
	"fmt"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression selects the codec applied to entry payloads.
type Compression uint8

const (
	// CompressionNone stores payloads uncompressed.
	CompressionNone Compression = iota
	// CompressionLZ4 is the default: fast enough that decode stays
	// cheaper than recompute even on NVMe.
	CompressionLZ4
	// CompressionZstd trades encode time for better ratios. Useful when
	// the cache lives on an object store and transfer dominates.
	CompressionZstd
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

var (
	zstdEncoder, _ = zstd.NewWriter(nil)
	zstdDecoder, _ = zstd.NewReader(nil)
)

// compressPayload encodes raw with the requested codec. Incompressible
// payloads fall back to CompressionNone, so the returned codec must be
// stored, not the requested one.
func compressPayload(comp Compression, raw []byte) ([]byte, Compression, error) {
	switch comp {
	case CompressionNone:
		return raw, CompressionNone, nil
	case CompressionLZ4:
		var c lz4.Compressor
		dst := make([]byte, lz4.CompressBlockBound(len(raw)))
		n, err := c.CompressBlock(raw, dst)
		if err != nil {
			return nil, 0, err
		}
		if n == 0 || n >= len(raw) {
			// Incompressible.
			return raw, CompressionNone, nil
		}
		return dst[:n], CompressionLZ4, nil
	case CompressionZstd:
		dst := zstdEncoder.EncodeAll(raw, nil)
		if len(dst) >= len(raw) {
			return raw, CompressionNone, nil
		}
		return dst, CompressionZstd, nil
	default:
		return nil, 0, fmt.Errorf("unknown compression %d", comp)
	}
}

// decompress restores a payload. rawSize comes from the entry header.
func decompress(comp Compression, payload []byte, rawSize int) ([]byte, error) {
	switch comp {
	case CompressionNone:
		return payload, nil
	case CompressionLZ4:
		dst := make([]byte, rawSize)
		n, err := lz4.UncompressBlock(payload, dst)
		if err != nil {
			return nil, err
		}
		return dst[:n], nil
	case CompressionZstd:
		return zstdDecoder.DecodeAll(payload, make([]byte, 0, rawSize))
	default:
		return nil, fmt.Errorf("unknown compression %d", comp)
	}
}
