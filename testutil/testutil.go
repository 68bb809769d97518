package testutil

import (
	"encoding/binary"
	"math"
	"math/rand/v2"
	"sync"

	"github.com/hupe1980/him/model"
)

// RNG produces reproducible payloads and tile records. Safe for concurrent
// use; the sequence is fixed by the seed alone.
type RNG struct {
	mu  sync.Mutex
	src *rand.ChaCha8
	r   *rand.Rand
}

// NewRNG returns a generator seeded with seed.
func NewRNG(seed uint64) *RNG {
	var key [32]byte
	binary.LittleEndian.PutUint64(key[:], seed)
	src := rand.NewChaCha8(key)
	return &RNG{src: src, r: rand.New(src)}
}

// Bytes returns n pseudo-random bytes.
func (r *RNG) Bytes(n int) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, n)
	_, _ = r.src.Read(b)
	return b
}

// Float32Tensor returns a little-endian float32 payload for shape with
// values in [0, 1).
func (r *RNG) Float32Tensor(shape ...int) []byte {
	n := 1
	for _, d := range shape {
		n *= d
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	b := make([]byte, 4*n)
	for i := range n {
		binary.LittleEndian.PutUint32(b[4*i:], math.Float32bits(r.r.Float32()))
	}
	return b
}

// Tile returns a float32 tile record for the given coordinate. Shape
// defaults to 4x4.
func (r *RNG) Tile(stream, snapshotID string, level, x, y int, shape ...int) model.TileRecord {
	if len(shape) == 0 {
		shape = []int{4, 4}
	}
	return model.TileRecord{
		TileKey: model.TileKey{
			Stream:     stream,
			SnapshotID: snapshotID,
			Level:      level,
			X:          x,
			Y:          y,
		},
		Shape:   append([]int(nil), shape...),
		DType:   "float32",
		Payload: r.Float32Tensor(shape...),
	}
}

// Grid returns one tile per cell of a w×h grid at level.
func (r *RNG) Grid(stream, snapshotID string, level, w, h int) []model.TileRecord {
	out := make([]model.TileRecord, 0, w*h)
	for y := range h {
		for x := range w {
			out = append(out, r.Tile(stream, snapshotID, level, x, y))
		}
	}
	return out
}

// Pyramid returns a full quad-tree of tiles from level 0 up to top with
// fan-out 2: level L holds a 2^(top-L) × 2^(top-L) grid.
func (r *RNG) Pyramid(stream, snapshotID string, top int) []model.TileRecord {
	var out []model.TileRecord
	for level := 0; level <= top; level++ {
		side := 1 << (top - level)
		out = append(out, r.Grid(stream, snapshotID, level, side, side)...)
	}
	return out
}
