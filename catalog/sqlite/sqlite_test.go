package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/catalog/catalogtest"
	"github.com/hupe1980/him/codec"
	"github.com/hupe1980/him/model"
)

func TestCatalog(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) catalog.Catalog {
		c, err := Open(context.Background(), filepath.Join(t.TempDir(), "catalog.db"))
		require.NoError(t, err)
		return c
	})
}

func TestCatalog_InMemory(t *testing.T) {
	catalogtest.Run(t, func(t *testing.T) catalog.Catalog {
		c, err := Open(context.Background(), ":memory:", WithCodec(codec.JSON{}))
		require.NoError(t, err)
		return c
	})
}

func TestCatalog_Reopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "catalog.db")

	c, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, c.CreateSnapshot(ctx, catalogtest.Snapshot("s1")))
	require.NoError(t, c.UpsertTile(ctx, catalogtest.Tile("s1", "kv", 0, 0, 0)))
	_, err = c.AppendHints(ctx, []model.QueryHint{{QueryID: "q1", SnapshotID: "s1", Stream: "kv"}})
	require.NoError(t, err)
	require.NoError(t, c.Close())

	c, err = Open(ctx, path)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetSnapshot(ctx, "s1")
	require.NoError(t, err)

	tiles, err := c.ListTiles(ctx, catalog.TileFilter{SnapshotID: "s1"})
	require.NoError(t, err)
	assert.Len(t, tiles, 1)

	// Sequence numbers keep growing across reopen.
	more, err := c.AppendHints(ctx, []model.QueryHint{{QueryID: "q2"}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), more[0].Seq)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(context.Background(), "")
	require.Error(t, err)
}
