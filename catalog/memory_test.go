package catalog_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/catalog/catalogtest"
	"github.com/hupe1980/him/model"
)

func TestMemoryCatalog(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) catalog.Catalog {
		return catalog.NewMemoryCatalog()
	})
}

func TestMemoryCatalog_ReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c := catalog.NewMemoryCatalog()

	m := catalogtest.Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, m))
	m.Shape[0] = 99

	got, err := c.LookupTile(ctx, m.TileID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Shape[0])

	got.Shape[1] = 42
	again, err := c.LookupTile(ctx, m.TileID)
	require.NoError(t, err)
	assert.Equal(t, 4, again.Shape[1])
}

func TestHintFilter_Overlap(t *testing.T) {
	h := model.QueryHint{SnapshotID: "s", Stream: "kv", LevelRange: model.LevelRange{Max: 4, Min: 2}}

	tests := []struct {
		name   string
		levels model.LevelRange
		want   bool
	}{
		{"inside", model.LevelRange{Max: 3, Min: 3}, true},
		{"touching top", model.LevelRange{Max: 6, Min: 4}, true},
		{"touching bottom", model.LevelRange{Max: 2, Min: 0}, true},
		{"above", model.LevelRange{Max: 7, Min: 5}, false},
		{"below", model.LevelRange{Max: 1, Min: 0}, false},
		{"ascending input", model.LevelRange{Max: 0, Min: 9}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lr := tt.levels
			assert.Equal(t, tt.want, catalog.HintFilter{Levels: &lr}.Match(h))
		})
	}

	assert.False(t, catalog.HintFilter{SnapshotID: "x"}.Match(h))
	assert.False(t, catalog.HintFilter{Stream: "attn"}.Match(h))
}
