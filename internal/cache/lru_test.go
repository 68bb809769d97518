package cache

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him/resource"
)

func TestLRU_Accounting(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 100})
	c := NewLRU(50, rc)
	const name = "tiles/s1/L0/x0/y0/a.bin"

	assert.False(t, c.Add(name, make([]byte, 60)), "larger than capacity")
	_, ok := c.Get(name)
	assert.False(t, ok)

	for _, size := range []int{10, 20, 5} {
		require.True(t, c.Add(name, make([]byte, size)))
		assert.Equal(t, int64(size), c.Stats().Bytes)
		assert.Equal(t, int64(size), rc.MemoryUsage())
	}
	assert.Equal(t, 1, c.Stats().Entries)

	assert.False(t, c.Add(name, make([]byte, 60)))
	_, ok = c.Get(name)
	assert.False(t, ok, "an oversized replacement drops the stale payload")
	assert.Zero(t, rc.MemoryUsage())
}

func TestLRU_MemoryBudget(t *testing.T) {
	rc := resource.NewController(resource.Config{MemoryLimitBytes: 10})
	other := NewLRU(50, rc)
	require.True(t, other.Add("held.bin", make([]byte, 8)))

	c := NewLRU(50, rc)
	assert.False(t, c.Add("a.bin", make([]byte, 4)), "budget is shared")
	assert.True(t, c.Add("b.bin", make([]byte, 2)))
	assert.Equal(t, int64(10), rc.MemoryUsage())

	require.NoError(t, other.Close())
	assert.Equal(t, int64(2), rc.MemoryUsage())
}

func TestLRU_EvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRU(30, nil)
	for _, name := range []string{"a", "b", "c"} {
		require.True(t, c.Add(name, make([]byte, 10)))
	}

	// Touch a so b becomes the eviction candidate.
	_, ok := c.Get("a")
	require.True(t, ok)

	require.True(t, c.Add("d", make([]byte, 10)))

	_, ok = c.Get("b")
	assert.False(t, ok)
	for _, name := range []string{"a", "c", "d"} {
		_, ok = c.Get(name)
		assert.True(t, ok, name)
	}

	stats := c.Stats()
	assert.Equal(t, Stats{Hits: 4, Misses: 1, Evictions: 1, Entries: 3, Bytes: 30}, stats)
}

func TestLRU_RemoveAndClose(t *testing.T) {
	rc := resource.NewController(resource.Config{})
	c := NewLRU(100, rc)
	c.Add("x", []byte("a"))
	c.Add("y", []byte("bc"))

	c.Remove("x")
	c.Remove("missing")
	_, ok := c.Get("x")
	assert.False(t, ok)
	assert.Equal(t, int64(2), rc.MemoryUsage())

	require.NoError(t, c.Close())
	assert.Equal(t, Stats{Misses: 1}, c.Stats())
	assert.Zero(t, rc.MemoryUsage())
}
