package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFloat32Tensor(t *testing.T) {
	rng := NewRNG(1)
	b := rng.Float32Tensor(2, 3)
	assert.Len(t, b, 24)
}

func TestSeedIsReproducible(t *testing.T) {
	assert.Equal(t, NewRNG(42).Bytes(16), NewRNG(42).Bytes(16))
	assert.NotEqual(t, NewRNG(42).Bytes(16), NewRNG(43).Bytes(16))
	assert.Equal(t, NewRNG(5).Tile("kv", "s1", 0, 1, 2), NewRNG(5).Tile("kv", "s1", 0, 1, 2))
}

func TestPyramid(t *testing.T) {
	tiles := NewRNG(3).Pyramid("kv_cache", "s1", 2)
	// 4x4 + 2x2 + 1x1
	require.Len(t, tiles, 21)

	levels := map[int]int{}
	for _, tile := range tiles {
		levels[tile.Level]++
		assert.Equal(t, []int{4, 4}, tile.Shape)
		assert.Len(t, tile.Payload, 64)
	}
	assert.Equal(t, map[int]int{0: 16, 1: 4, 2: 1}, levels)
}
