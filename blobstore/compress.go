package blobstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Compression defines the algorithm used by CompressingStore.
type Compression uint8

const (
	// CompressionNone stores payloads unchanged behind a frame header.
	CompressionNone Compression = 0
	// CompressionLZ4 uses LZ4 block compression (fast, good for hot data).
	CompressionLZ4 Compression = 1
	// CompressionZSTD uses zstd (better ratio, good for cold data).
	CompressionZSTD Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZSTD:
		return "zstd"
	default:
		return fmt.Sprintf("compression(%d)", uint8(c))
	}
}

// ParseCompression maps a configuration name to a Compression.
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZSTD, nil
	default:
		return CompressionNone, fmt.Errorf("unknown compression %q", name)
	}
}

// ErrCorruptFrame is returned when a stored frame cannot be decoded.
var ErrCorruptFrame = errors.New("corrupt compressed frame")

// Frame format: [algo uint8][uncompressed uint32][payload...]
const frameHeaderSize = 5

var (
	zstdEncoderPool sync.Pool
	zstdDecoderPool sync.Pool
)

func getZstdEncoder() *zstd.Encoder {
	if v := zstdEncoderPool.Get(); v != nil {
		return v.(*zstd.Encoder)
	}
	enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	return enc
}

func getZstdDecoder() *zstd.Decoder {
	if v := zstdDecoderPool.Get(); v != nil {
		return v.(*zstd.Decoder)
	}
	dec, _ := zstd.NewReader(nil)
	return dec
}

// CompressingStore wraps a BlobStore and compresses payloads at rest.
//
// Reads decode whatever algorithm the frame header names, so the algorithm
// can be changed without rewriting existing payloads.
type CompressingStore struct {
	inner BlobStore
	algo  Compression
}

// NewCompressingStore creates a CompressingStore that writes with algo.
func NewCompressingStore(inner BlobStore, algo Compression) *CompressingStore {
	return &CompressingStore{inner: inner, algo: algo}
}

// Open reads and decodes the whole frame.
func (s *CompressingStore) Open(ctx context.Context, name string) (Blob, error) {
	frame, err := ReadAll(ctx, s.inner, name)
	if err != nil {
		return nil, err
	}
	data, err := decodeFrame(frame)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}
	return &bytesBlob{data: data}, nil
}

// Put encodes data and writes the frame.
func (s *CompressingStore) Put(ctx context.Context, name string, data []byte) error {
	frame, err := encodeFrame(data, s.algo)
	if err != nil {
		return err
	}
	return s.inner.Put(ctx, name, frame)
}

func (s *CompressingStore) Delete(ctx context.Context, name string) error {
	return s.inner.Delete(ctx, name)
}

func (s *CompressingStore) List(ctx context.Context, prefix string) ([]string, error) {
	return s.inner.List(ctx, prefix)
}

func encodeFrame(data []byte, algo Compression) ([]byte, error) {
	var body []byte
	switch algo {
	case CompressionNone:
	case CompressionLZ4:
		buf := make([]byte, lz4.CompressBlockBound(len(data)))
		n, err := lz4.CompressBlock(data, buf, nil)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			body = buf[:n]
		}
	case CompressionZSTD:
		enc := getZstdEncoder()
		body = enc.EncodeAll(data, nil)
		zstdEncoderPool.Put(enc)
	default:
		return nil, fmt.Errorf("unknown compression %d", algo)
	}

	// Incompressible payloads are stored raw.
	if body == nil || len(body) >= len(data) {
		algo, body = CompressionNone, data
	}

	frame := make([]byte, frameHeaderSize+len(body))
	frame[0] = byte(algo)
	binary.LittleEndian.PutUint32(frame[1:], uint32(len(data)))
	copy(frame[frameHeaderSize:], body)
	return frame, nil
}

func decodeFrame(frame []byte) ([]byte, error) {
	if len(frame) < frameHeaderSize {
		return nil, ErrCorruptFrame
	}
	algo := Compression(frame[0])
	size := int(binary.LittleEndian.Uint32(frame[1:]))
	body := frame[frameHeaderSize:]

	switch algo {
	case CompressionNone:
		if len(body) != size {
			return nil, ErrCorruptFrame
		}
		return body, nil
	case CompressionLZ4:
		out := make([]byte, size)
		n, err := lz4.UncompressBlock(body, out)
		if err != nil || n != size {
			return nil, fmt.Errorf("%w: lz4: %v", ErrCorruptFrame, err)
		}
		return out, nil
	case CompressionZSTD:
		dec := getZstdDecoder()
		defer zstdDecoderPool.Put(dec)
		out, err := dec.DecodeAll(body, make([]byte, 0, size))
		if err != nil || len(out) != size {
			return nil, fmt.Errorf("%w: zstd: %v", ErrCorruptFrame, err)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown algorithm %d", ErrCorruptFrame, algo)
	}
}
