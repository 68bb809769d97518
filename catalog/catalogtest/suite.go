// Package catalogtest provides a conformance suite for catalog.Catalog
// implementations.
package catalogtest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/model"
)

// Factory returns a fresh, empty catalog. The suite closes it.
type Factory func(t *testing.T) catalog.Catalog

// Run executes the conformance suite against catalogs produced by newCatalog.
func Run(t *testing.T, newCatalog Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, c catalog.Catalog)
	}{
		{"Snapshots", testSnapshots},
		{"SnapshotOrdering", testSnapshotOrdering},
		{"UpsertAndLookup", testUpsertAndLookup},
		{"UpsertReplacesKey", testUpsertReplacesKey},
		{"UpsertKeepsAccess", testUpsertKeepsAccess},
		{"UpsertDuringAccess", testUpsertDuringAccess},
		{"InsertTile", testInsertTile},
		{"ConcurrentInsert", testConcurrentInsert},
		{"TileRevision", testTileRevision},
		{"ListTilesOrderAndFilter", testListTiles},
		{"GetTiles", testGetTiles},
		{"RecordAccess", testRecordAccess},
		{"ConcurrentAccess", testConcurrentAccess},
		{"Hints", testHints},
		{"RecentHints", testRecentHints},
		{"Closed", testClosed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCatalog(t)
			t.Cleanup(func() { _ = c.Close() })
			tt.fn(t, c)
		})
	}
}

var epoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// Snapshot returns a snapshot record for tests.
func Snapshot(id string, parents ...string) model.Snapshot {
	seed := int64(7)
	return model.Snapshot{
		SnapshotID:  id,
		Parents:     parents,
		Tags:        map[string]string{"run": id},
		Provenance:  model.Provenance{Model: "m", CodeSHA: "abc", Seed: &seed},
		MergePolicy: model.MergeLWW,
		CreatedAt:   epoch,
	}
}

// Tile returns a tile row for tests. The tile id is derived from the key.
func Tile(snapshot, stream string, level, x, y int) model.TileMeta {
	key := model.TileKey{Stream: stream, SnapshotID: snapshot, Level: level, X: x, Y: y}
	return model.TileMeta{
		TileID:    fmt.Sprintf("id-%s-%s-%d-%d-%d", stream, snapshot, level, x, y),
		TileKey:   key,
		Shape:     []int{4, 4},
		DType:     "float32",
		Checksum:  "sum",
		SizeBytes: 64,
		Version:   1,
		CreatedAt: epoch,
		UpdatedAt: epoch,
	}
}

func testSnapshots(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	_, err := c.GetSnapshot(ctx, "s1")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	s1 := Snapshot("s1")
	require.NoError(t, c.CreateSnapshot(ctx, s1))
	require.ErrorIs(t, c.CreateSnapshot(ctx, s1), catalog.ErrExists)

	s2 := Snapshot("s2", "s1")
	require.NoError(t, c.CreateSnapshot(ctx, s2))

	got, err := c.GetSnapshot(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, got.Parents)
	assert.Equal(t, "s2", got.Tags["run"])
	assert.Equal(t, "m", got.Provenance.Model)
	require.NotNil(t, got.Provenance.Seed)
	assert.Equal(t, int64(7), *got.Provenance.Seed)
	assert.Equal(t, model.MergeLWW, got.MergePolicy)
	assert.True(t, got.CreatedAt.Equal(epoch))
}

func testSnapshotOrdering(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	for i, id := range []string{"b", "a", "c"} {
		s := Snapshot(id)
		s.CreatedAt = epoch.Add(time.Duration(i) * time.Second)
		if id == "a" {
			s.CreatedAt = epoch // ties with b, id breaks it
		}
		require.NoError(t, c.CreateSnapshot(ctx, s))
	}

	all, err := c.ListSnapshots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"c", "a", "b"}, []string{all[0].SnapshotID, all[1].SnapshotID, all[2].SnapshotID})

	limited, err := c.ListSnapshots(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
	assert.Equal(t, "c", limited[0].SnapshotID)
}

func testUpsertAndLookup(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	m := Tile("s1", "kv", 1, 2, 3)
	halo := 1
	m.Halo = &halo
	m.ParentTileID = "parent"
	require.NoError(t, c.UpsertTile(ctx, m))

	got, err := c.LookupTile(ctx, m.TileID)
	require.NoError(t, err)
	assert.Equal(t, m.TileKey, got.TileKey)
	assert.Equal(t, []int{4, 4}, got.Shape)
	assert.Equal(t, "float32", got.DType)
	assert.Equal(t, "parent", got.ParentTileID)
	require.NotNil(t, got.Halo)
	assert.Equal(t, 1, *got.Halo)
	assert.Equal(t, int64(64), got.SizeBytes)
	assert.Equal(t, 1, got.Version)
	assert.Nil(t, got.LastAccess)

	byKey, err := c.LookupKey(ctx, m.TileKey)
	require.NoError(t, err)
	assert.Equal(t, m.TileID, byKey.TileID)

	_, err = c.LookupTile(ctx, "missing")
	require.ErrorIs(t, err, catalog.ErrNotFound)

	_, err = c.LookupKey(ctx, model.TileKey{Stream: "kv", SnapshotID: "s1", Level: 9})
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func testUpsertReplacesKey(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	old := Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, old))

	next := old
	next.TileID = "replacement"
	next.Version = 2
	next.UpdatedAt = epoch.Add(time.Minute)
	require.NoError(t, c.UpsertTile(ctx, next))

	_, err := c.LookupTile(ctx, old.TileID)
	require.ErrorIs(t, err, catalog.ErrNotFound)

	got, err := c.LookupKey(ctx, old.TileKey)
	require.NoError(t, err)
	assert.Equal(t, "replacement", got.TileID)
	assert.Equal(t, 2, got.Version)
	assert.True(t, got.CreatedAt.Equal(epoch))

	tiles, err := c.ListTiles(ctx, catalog.TileFilter{SnapshotID: "s1"})
	require.NoError(t, err)
	assert.Len(t, tiles, 1)
}

func testUpsertKeepsAccess(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	old := Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, old))
	at := epoch.Add(time.Hour)
	_, err := c.RecordAccess(ctx, old.TileID, at)
	require.NoError(t, err)

	next := old
	next.TileID = "replacement"
	next.Version = 2
	require.NoError(t, c.UpsertTile(ctx, next))

	got, err := c.LookupKey(ctx, old.TileKey)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	require.NotNil(t, got.LastAccess)
	assert.True(t, got.LastAccess.Equal(at))
}

func testUpsertDuringAccess(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	m := Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, m))

	const workers, perWorker = 4, 10
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				_, err := c.RecordAccess(ctx, m.TileID, epoch)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range perWorker {
			next := m
			next.Version = i + 2
			assert.NoError(t, c.UpsertTile(ctx, next))
		}
	}()
	wg.Wait()

	got, err := c.LookupTile(ctx, m.TileID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), got.AccessCount)
	assert.Equal(t, perWorker+1, got.Version)
}

func testInsertTile(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	m := Tile("s1", "kv", 0, 3, 0)
	require.NoError(t, c.InsertTile(ctx, m))

	other := m
	other.TileID = "other"
	require.ErrorIs(t, c.InsertTile(ctx, other), catalog.ErrExists)

	got, err := c.LookupKey(ctx, m.TileKey)
	require.NoError(t, err)
	assert.Equal(t, m.TileID, got.TileID)

	_, err = c.LookupTile(ctx, "other")
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func testConcurrentInsert(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	const writers = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins []string
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m := Tile("s1", "kv", 0, 0, 0)
			m.TileID = fmt.Sprintf("writer-%d", i)
			err := c.InsertTile(ctx, m)
			if err == nil {
				mu.Lock()
				wins = append(wins, m.TileID)
				mu.Unlock()
				return
			}
			assert.ErrorIs(t, err, catalog.ErrExists)
		}()
	}
	wg.Wait()

	require.Len(t, wins, 1)
	got, err := c.LookupKey(ctx, model.TileKey{Stream: "kv", SnapshotID: "s1"})
	require.NoError(t, err)
	assert.Equal(t, wins[0], got.TileID)
}

func testTileRevision(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	rev, err := c.TileRevision(ctx, "s1")
	require.NoError(t, err)
	assert.Zero(t, rev)

	m := Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, m))
	afterUpsert, err := c.TileRevision(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, afterUpsert, rev)

	require.NoError(t, c.InsertTile(ctx, Tile("s1", "kv", 0, 1, 0)))
	afterInsert, err := c.TileRevision(ctx, "s1")
	require.NoError(t, err)
	assert.Greater(t, afterInsert, afterUpsert)

	require.ErrorIs(t, c.InsertTile(ctx, m), catalog.ErrExists)
	unchanged, err := c.TileRevision(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, afterInsert, unchanged)

	other, err := c.TileRevision(ctx, "s2")
	require.NoError(t, err)
	assert.Zero(t, other)
}

func testListTiles(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	rows := []model.TileMeta{
		Tile("s1", "kv", 1, 0, 0),
		Tile("s1", "kv", 0, 1, 1),
		Tile("s1", "kv", 0, 0, 1),
		Tile("s1", "attn", 0, 5, 0),
		Tile("s1", "kv", 0, 1, 0),
		Tile("s2", "kv", 0, 0, 0),
	}
	for _, m := range rows {
		require.NoError(t, c.UpsertTile(ctx, m))
	}

	tiles, err := c.ListTiles(ctx, catalog.TileFilter{SnapshotID: "s1"})
	require.NoError(t, err)
	require.Len(t, tiles, 5)

	type coord struct {
		stream      string
		level, x, y int
	}
	var got []coord
	for _, m := range tiles {
		got = append(got, coord{m.Stream, m.Level, m.X, m.Y})
	}
	assert.Equal(t, []coord{
		{"attn", 0, 5, 0},
		{"kv", 0, 1, 0},
		{"kv", 0, 0, 1},
		{"kv", 0, 1, 1},
		{"kv", 1, 0, 0},
	}, got)

	kv, err := c.ListTiles(ctx, catalog.TileFilter{SnapshotID: "s1", Stream: "kv", Levels: &model.LevelRange{Max: 0, Min: 0}})
	require.NoError(t, err)
	assert.Len(t, kv, 3)

	none, err := c.ListTiles(ctx, catalog.TileFilter{SnapshotID: "nope"})
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testGetTiles(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	a, b := Tile("s1", "kv", 0, 0, 0), Tile("s1", "kv", 0, 1, 0)
	require.NoError(t, c.UpsertTile(ctx, a))
	require.NoError(t, c.UpsertTile(ctx, b))

	got, err := c.GetTiles(ctx, []string{b.TileID, "missing", a.TileID})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, b.TileID, got[0].TileID)
	assert.Equal(t, a.TileID, got[1].TileID)
}

func testRecordAccess(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	m := Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, m))

	at := epoch.Add(time.Hour)
	got, err := c.RecordAccess(ctx, m.TileID, at)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.AccessCount)
	require.NotNil(t, got.LastAccess)
	assert.True(t, got.LastAccess.Equal(at))

	got, err = c.RecordAccess(ctx, m.TileID, at.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.AccessCount)

	stored, err := c.LookupTile(ctx, m.TileID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.AccessCount)

	_, err = c.RecordAccess(ctx, "missing", at)
	require.ErrorIs(t, err, catalog.ErrNotFound)
}

func testConcurrentAccess(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	m := Tile("s1", "kv", 0, 0, 0)
	require.NoError(t, c.UpsertTile(ctx, m))

	const workers, perWorker = 8, 10
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				_, err := c.RecordAccess(ctx, m.TileID, epoch)
				assert.NoError(t, err)
			}
		}()
	}
	wg.Wait()

	got, err := c.LookupTile(ctx, m.TileID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers*perWorker), got.AccessCount)
}

func hint(id, snapshot, stream string, lr model.LevelRange) model.QueryHint {
	return model.QueryHint{
		QueryID:    id,
		SnapshotID: snapshot,
		Stream:     stream,
		LevelRange: lr,
		BBoxes:     []model.BBox{{X: 1, Y: 1, W: 2, H: 2}},
		Confidence: 0.5,
		CreatedAt:  epoch,
	}
}

func testHints(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	stored, err := c.AppendHints(ctx, []model.QueryHint{
		hint("q1", "s1", "kv", model.LevelRange{Max: 2, Min: 0}),
		hint("q2", "s1", "kv", model.LevelRange{Max: 1, Min: 1}),
	})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Less(t, stored[0].Seq, stored[1].Seq)
	assert.NotZero(t, stored[0].Seq)

	more, err := c.AppendHints(ctx, []model.QueryHint{hint("q3", "s1", "kv", model.LevelRange{})})
	require.NoError(t, err)
	assert.Greater(t, more[0].Seq, stored[1].Seq)

	all, err := c.ScanHints(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "q1", all[0].QueryID)
	assert.Equal(t, model.LevelRange{Max: 2, Min: 0}, all[0].LevelRange)
	assert.Equal(t, []model.BBox{{X: 1, Y: 1, W: 2, H: 2}}, all[0].BBoxes)
	assert.InDelta(t, 0.5, all[0].Confidence, 1e-9)
	assert.True(t, all[0].CreatedAt.Equal(epoch))

	page, err := c.ScanHints(ctx, all[0].Seq, 1)
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "q2", page[0].QueryID)

	tail, err := c.ScanHints(ctx, all[2].Seq, 10)
	require.NoError(t, err)
	assert.Empty(t, tail)
}

func testRecentHints(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	var batch []model.QueryHint
	for i := range 5 {
		batch = append(batch, hint(fmt.Sprintf("q%d", i), "s1", "kv", model.LevelRange{Max: i, Min: i}))
	}
	batch = append(batch, hint("other", "s2", "kv", model.LevelRange{}))
	batch = append(batch, hint("attn", "s1", "attn", model.LevelRange{}))
	_, err := c.AppendHints(ctx, batch)
	require.NoError(t, err)

	recent, err := c.RecentHints(ctx, catalog.HintFilter{SnapshotID: "s1", Stream: "kv"}, 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, []string{"q2", "q3", "q4"}, []string{recent[0].QueryID, recent[1].QueryID, recent[2].QueryID})

	// Overlap with [3, 1] keeps q1..q3.
	levels := model.LevelRange{Max: 3, Min: 1}
	byLevel, err := c.RecentHints(ctx, catalog.HintFilter{SnapshotID: "s1", Stream: "kv", Levels: &levels}, 10)
	require.NoError(t, err)
	require.Len(t, byLevel, 3)
	assert.Equal(t, "q1", byLevel[0].QueryID)
	assert.Equal(t, "q3", byLevel[2].QueryID)

	everything, err := c.RecentHints(ctx, catalog.HintFilter{}, 0)
	require.NoError(t, err)
	assert.Len(t, everything, 7)
}

func testClosed(t *testing.T, c catalog.Catalog) {
	ctx := context.Background()

	require.NoError(t, c.Close())
	_, err := c.GetSnapshot(ctx, "s1")
	require.ErrorIs(t, err, catalog.ErrClosed)
	require.ErrorIs(t, c.UpsertTile(ctx, Tile("s1", "kv", 0, 0, 0)), catalog.ErrClosed)
	require.ErrorIs(t, c.InsertTile(ctx, Tile("s1", "kv", 0, 0, 0)), catalog.ErrClosed)
	_, err = c.TileRevision(ctx, "s1")
	require.ErrorIs(t, err, catalog.ErrClosed)
	_, err = c.AppendHints(ctx, nil)
	require.ErrorIs(t, err, catalog.ErrClosed)
}
