package him

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him/blobstore"
	"github.com/hupe1980/him/catalog"
	himfs "github.com/hupe1980/him/internal/fs"
	"github.com/hupe1980/him/model"
	"github.com/hupe1980/him/testutil"
)

// stepClock returns a clock that advances one second per call.
func stepClock() func() time.Time {
	var n atomic.Int64
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		return base.Add(time.Duration(n.Add(1)) * time.Second)
	}
}

func openStore(t *testing.T, opts ...Option) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(context.Background(), dir, append([]Option{WithClock(stepClock())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, dir
}

func mustSnapshot(t *testing.T, s *Store, id string, parents ...string) model.Snapshot {
	t.Helper()
	snap, err := s.CreateSnapshot(context.Background(), model.SnapshotSpec{SnapshotID: id, Parents: parents})
	require.NoError(t, err)
	return snap
}

func TestTileID_Deterministic(t *testing.T) {
	key := model.TileKey{Stream: "kv", SnapshotID: "s1", Level: 1, X: 2, Y: 3}
	a := TileID(key, []byte("payload"))
	assert.Equal(t, a, TileID(key, []byte("payload")))
	assert.Len(t, a, 64)

	assert.NotEqual(t, a, TileID(key, []byte("payload2")))

	// Length prefixes keep ("ab","c") and ("a","bc") apart.
	k1 := model.TileKey{Stream: "ab", SnapshotID: "c"}
	k2 := model.TileKey{Stream: "a", SnapshotID: "bc"}
	assert.NotEqual(t, TileID(k1, nil), TileID(k2, nil))
}

func TestPayloadPath(t *testing.T) {
	key := model.TileKey{Stream: "kv_cache", SnapshotID: "s1", Level: 2, X: 3, Y: 4}
	id := "0123456789abcdef"
	assert.Equal(t, "tiles/kv_cache/s1/L2/x3/y4/0123456789ab.bin", PayloadPath(key, id))
}

func TestCreateSnapshot(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	snap := mustSnapshot(t, s, "base")
	assert.Equal(t, model.MergeLWW, snap.MergePolicy)
	assert.NotNil(t, snap.Tags)
	assert.Empty(t, snap.Parents)

	_, err := s.CreateSnapshot(ctx, model.SnapshotSpec{SnapshotID: "base"})
	require.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateSnapshot(ctx, model.SnapshotSpec{SnapshotID: "child", Parents: []string{"missing"}})
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "parents", verr.Field)

	for _, bad := range []string{"", ".", "..", "a/b", "a b"} {
		_, err = s.CreateSnapshot(ctx, model.SnapshotSpec{SnapshotID: bad})
		require.ErrorIs(t, err, ErrValidation, "id %q", bad)
	}

	_, err = s.CreateSnapshot(ctx, model.SnapshotSpec{SnapshotID: "x", MergePolicy: "newest"})
	require.ErrorIs(t, err, ErrValidation)

	_, err = s.GetSnapshot(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestListSnapshotsAndLineage(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	mustSnapshot(t, s, "root")
	mustSnapshot(t, s, "left", "root")
	mustSnapshot(t, s, "right", "root")
	mustSnapshot(t, s, "merge", "left", "right")

	snaps, err := s.ListSnapshots(ctx, 0)
	require.NoError(t, err)
	require.Len(t, snaps, 4)
	assert.Equal(t, "merge", snaps[0].SnapshotID)
	assert.Equal(t, "root", snaps[3].SnapshotID)

	limited, err := s.ListSnapshots(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	lineage, err := s.Lineage(ctx, "merge")
	require.NoError(t, err)
	var ids []string
	for _, snap := range lineage {
		ids = append(ids, snap.SnapshotID)
	}
	assert.Equal(t, []string{"left", "right", "root"}, ids)

	_, err = s.Lineage(ctx, "nope")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPutTiles_Idempotent(t *testing.T) {
	ctx := context.Background()
	metrics := &BasicMetricsCollector{}
	s, dir := openStore(t, WithMetricsCollector(metrics))
	mustSnapshot(t, s, "s1")

	rec := testutil.NewRNG(1).Tile("kv_cache", "s1", 0, 0, 0)

	first, err := s.PutTiles(ctx, []model.TileRecord{rec})
	require.NoError(t, err)
	require.Len(t, first, 1)

	path := filepath.Join(dir, filepath.FromSlash(PayloadPath(rec.TileKey, first[0].TileID)))
	before, err := os.Stat(path)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	second, err := s.PutTiles(ctx, []model.TileRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, first[0].TileID, second[0].TileID)
	assert.Equal(t, first[0].UpdatedAt, second[0].UpdatedAt)
	assert.Equal(t, 1, second[0].Version)

	after, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, before.ModTime(), after.ModTime())

	stats := metrics.GetStats()
	assert.Equal(t, int64(2), stats.PutRecords)
	assert.Equal(t, int64(1), stats.PutWritten)
}

func TestPutTiles_InputOrderAndMetadata(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(2)
	records := rng.Grid("kv", "s1", 0, 4, 4)
	halo := 1
	records[3].Halo = &halo
	records[3].ParentTileID = "p"

	metas, err := s.PutTiles(ctx, records)
	require.NoError(t, err)
	require.Len(t, metas, len(records))
	for i, m := range metas {
		assert.Equal(t, records[i].TileKey, m.TileKey)
		assert.Equal(t, TileID(records[i].TileKey, records[i].Payload), m.TileID)
		assert.Equal(t, Checksum(records[i].Payload), m.Checksum)
		assert.Equal(t, int64(len(records[i].Payload)), m.SizeBytes)
		assert.Equal(t, []int{4, 4}, m.Shape)
		assert.Equal(t, 1, m.Version)
		assert.Zero(t, m.AccessCount)
	}
	require.NotNil(t, metas[3].Halo)
	assert.Equal(t, 1, *metas[3].Halo)
	assert.Equal(t, "p", metas[3].ParentTileID)

	empty, err := s.PutTiles(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPutTiles_UnknownSnapshotRejectsBatch(t *testing.T) {
	ctx := context.Background()
	s, dir := openStore(t)
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(3)
	records := []model.TileRecord{
		rng.Tile("kv", "s1", 0, 0, 0),
		rng.Tile("kv", "ghost", 0, 1, 0),
	}

	_, err := s.PutTiles(ctx, records)
	require.ErrorIs(t, err, ErrValidation)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, verr.Index)
	assert.Equal(t, "snapshot_id", verr.Field)

	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{})
	require.NoError(t, err)
	assert.Empty(t, tiles)

	_, err = os.Stat(filepath.Join(dir, "tiles"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestPutTiles_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(4)
	halo := -1
	tests := []struct {
		name  string
		field string
		mut   func(r *model.TileRecord)
	}{
		{"negative level", "level", func(r *model.TileRecord) { r.Level = -1 }},
		{"bad stream", "stream", func(r *model.TileRecord) { r.Stream = "../etc" }},
		{"zero dim", "shape", func(r *model.TileRecord) { r.Shape = []int{4, 0} }},
		{"empty dtype", "dtype", func(r *model.TileRecord) { r.DType = "" }},
		{"negative halo", "halo", func(r *model.TileRecord) { r.Halo = &halo }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := rng.Tile("kv", "s1", 0, 0, 0)
			tt.mut(&rec)
			_, err := s.PutTiles(ctx, []model.TileRecord{rec})
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.field, verr.Field)
			assert.Equal(t, 0, verr.Index)
		})
	}
}

func TestPutTiles_ChangedPayloadBumpsVersion(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(5)
	v1 := rng.Tile("kv", "s1", 0, 0, 0)
	first, err := s.PutTiles(ctx, []model.TileRecord{v1})
	require.NoError(t, err)

	tile, err := s.GetTile(ctx, first[0].TileID)
	require.NoError(t, err)
	require.NoError(t, tile.Close())

	v2 := v1
	v2.Payload = rng.Float32Tensor(4, 4)
	second, err := s.PutTiles(ctx, []model.TileRecord{v2})
	require.NoError(t, err)

	m := second[0]
	assert.NotEqual(t, first[0].TileID, m.TileID)
	assert.Equal(t, 2, m.Version)
	assert.Equal(t, first[0].CreatedAt, m.CreatedAt)
	assert.True(t, m.UpdatedAt.After(first[0].UpdatedAt))
	assert.Equal(t, int64(1), m.AccessCount)

	_, err = s.GetTile(ctx, first[0].TileID)
	require.ErrorIs(t, err, ErrNotFound)

	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: []model.BBox{{X: 0, Y: 0, W: 1, H: 1}}})
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, m.TileID, tiles[0].TileID)
}

func TestGetTile_CountsAccess(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	rec := testutil.NewRNG(6).Tile("kv", "s1", 1, 2, 3)
	metas, err := s.PutTiles(ctx, []model.TileRecord{rec})
	require.NoError(t, err)
	id := metas[0].TileID

	for range 2 {
		tile, err := s.GetTile(ctx, id)
		require.NoError(t, err)
		data, err := tile.Bytes(ctx)
		require.NoError(t, err)
		assert.Equal(t, rec.Payload, data)
		require.NoError(t, tile.Close())
	}

	tile, err := s.GetTileByCoordinate(ctx, rec.TileKey)
	require.NoError(t, err)
	assert.Equal(t, int64(3), tile.AccessCount)
	require.NotNil(t, tile.LastAccess)
	require.NoError(t, tile.Close())

	// Stat and listing do not count.
	meta, err := s.StatTile(ctx, rec.TileKey)
	require.NoError(t, err)
	assert.Equal(t, int64(3), meta.AccessCount)

	usage, err := s.TileUsageForSnapshot(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), usage[id].AccessCount)

	_, err = s.GetTile(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.GetTileByCoordinate(ctx, model.TileKey{Stream: "kv", SnapshotID: "s1", Level: 9})
	require.ErrorIs(t, err, ErrNotFound)
	_, err = s.TileUsageForSnapshot(ctx, "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetTile_MissingPayload(t *testing.T) {
	ctx := context.Background()
	s, dir := openStore(t)
	mustSnapshot(t, s, "s1")

	rec := testutil.NewRNG(7).Tile("kv", "s1", 0, 0, 0)
	metas, err := s.PutTiles(ctx, []model.TileRecord{rec})
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(dir, filepath.FromSlash(PayloadPath(rec.TileKey, metas[0].TileID)))))

	_, err = s.GetTile(ctx, metas[0].TileID)
	require.ErrorIs(t, err, ErrStorageIO)

	meta, err := s.StatTile(ctx, rec.TileKey)
	require.NoError(t, err)
	assert.Zero(t, meta.AccessCount)

	// Re-ingesting the same payload restores the file.
	again, err := s.PutTiles(ctx, []model.TileRecord{rec})
	require.NoError(t, err)
	assert.Equal(t, metas[0].TileID, again[0].TileID)
	assert.Equal(t, 1, again[0].Version)

	tile, err := s.GetTile(ctx, metas[0].TileID)
	require.NoError(t, err)
	require.NoError(t, tile.Close())
}

func TestTilesForSnapshot_BBox(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(8)
	var records []model.TileRecord
	for i := range 3 {
		records = append(records, rng.Tile("kv", "s1", 0, i, i))
	}
	_, err := s.PutTiles(ctx, records)
	require.NoError(t, err)

	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: []model.BBox{{X: 1, Y: 1, W: 1, H: 1}}})
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, 1, tiles[0].X)
	assert.Equal(t, 1, tiles[0].Y)

	none, err := s.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: []model.BBox{{X: 5, Y: 5, W: 2, H: 2}}})
	require.NoError(t, err)
	assert.Empty(t, none)

	_, err = s.TilesForSnapshot(ctx, "missing", TileQuery{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTilesForSnapshot_LevelRange(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	_, err := s.PutTiles(ctx, testutil.NewRNG(9).Pyramid("kv", "s1", 3))
	require.NoError(t, err)

	for _, lr := range []model.LevelRange{{Max: 2, Min: 0}, {Max: 0, Min: 2}} {
		tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{LevelRange: &lr})
		require.NoError(t, err)
		assert.Len(t, tiles, 64+16+4)
		levels := map[int]bool{}
		for _, m := range tiles {
			levels[m.Level] = true
		}
		assert.Equal(t, map[int]bool{0: true, 1: true, 2: true}, levels)
		assert.Equal(t, 0, tiles[0].Level)
		assert.Equal(t, 2, tiles[len(tiles)-1].Level)
	}

	// Level range and bbox combine; boxes are in each level's own grid.
	lr := model.NewLevelRange(1, 0)
	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{LevelRange: &lr, BBoxes: []model.BBox{{X: 0, Y: 0, W: 2, H: 1}}})
	require.NoError(t, err)
	assert.Len(t, tiles, 4)

	_, err = s.TilesForSnapshot(ctx, "s1", TileQuery{LevelRange: &model.LevelRange{Max: -1, Min: 0}})
	require.ErrorIs(t, err, ErrValidation)
}

func TestTilesForSnapshot_Ordering(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(10)
	_, err := s.PutTiles(ctx, []model.TileRecord{
		rng.Tile("kv", "s1", 1, 0, 0),
		rng.Tile("kv", "s1", 0, 1, 0),
		rng.Tile("attn", "s1", 0, 0, 1),
		rng.Tile("kv", "s1", 0, 0, 1),
	})
	require.NoError(t, err)

	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{})
	require.NoError(t, err)
	var got []string
	for _, m := range tiles {
		got = append(got, fmt.Sprintf("%s/%d/%d/%d", m.Stream, m.Level, m.X, m.Y))
	}
	assert.Equal(t, []string{"attn/0/0/1", "kv/0/1/0", "kv/0/0/1", "kv/1/0/0"}, got)

	kv, err := s.TilesForSnapshot(ctx, "s1", TileQuery{Stream: "attn"})
	require.NoError(t, err)
	assert.Len(t, kv, 1)
}

func TestPutTiles_FailedWriteLeavesNoRow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	faulty := himfs.NewFaultyFS(nil)
	blobs := blobstore.NewLocalStore(dir, blobstore.WithFileSystem(faulty))
	s, err := New(ctx, catalog.NewMemoryCatalog(), blobs)
	require.NoError(t, err)
	defer s.Close()
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(11)
	good := rng.Tile("kv", "s1", 0, 0, 0)
	bad := rng.Tile("kv", "s1", 0, 7, 0)
	_, err = s.PutTiles(ctx, []model.TileRecord{good})
	require.NoError(t, err)

	faulty.AddRule("/x7/", himfs.Fault{FailAfterBytes: -1, FailOnRename: true})
	_, err = s.PutTiles(ctx, []model.TileRecord{bad})
	require.ErrorIs(t, err, ErrStorageIO)

	_, err = s.StatTile(ctx, bad.TileKey)
	require.ErrorIs(t, err, ErrNotFound)

	names, err := blobs.List(ctx, "tiles/kv/s1/L0/x7")
	require.NoError(t, err)
	assert.Empty(t, names)

	_, err = s.StatTile(ctx, good.TileKey)
	require.NoError(t, err)

	faulty.ClearRules()
	metas, err := s.PutTiles(ctx, []model.TileRecord{bad})
	require.NoError(t, err)
	assert.Equal(t, 1, metas[0].Version)
}

func TestPutTiles_ConcurrentSameKey(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, WithLockStripes(4))
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(12)
	const writers = 8
	records := make([]model.TileRecord, writers)
	for i := range records {
		records[i] = rng.Tile("kv", "s1", 0, 0, 0)
	}

	var wg sync.WaitGroup
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.PutTiles(ctx, []model.TileRecord{records[i]})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{})
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, writers, tiles[0].Version)

	// The surviving row is one of the writes and its payload is intact.
	tile, err := s.GetTile(ctx, tiles[0].TileID)
	require.NoError(t, err)
	defer tile.Close()
	_, err = tile.Bytes(ctx)
	require.NoError(t, err)
}

func TestPutTiles_KeepsConcurrentAccess(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(14)
	const versions = 20
	records := make([]model.TileRecord, versions)
	for i := range records {
		records[i] = rng.Tile("kv", "s1", 0, 0, 0)
	}
	_, err := s.PutTiles(ctx, records[:1])
	require.NoError(t, err)

	const readers, perReader = 4, 25
	var (
		wg   sync.WaitGroup
		hits atomic.Int64
	)
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perReader {
				tile, err := s.GetTileByCoordinate(ctx, records[0].TileKey)
				if errors.Is(err, ErrNotFound) {
					// Replaced between lookup and count.
					continue
				}
				if assert.NoError(t, err) {
					hits.Add(1)
					_ = tile.Close()
				}
			}
		}()
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, r := range records[1:] {
			_, err := s.PutTiles(ctx, []model.TileRecord{r})
			assert.NoError(t, err)
		}
	}()
	wg.Wait()

	meta, err := s.StatTile(ctx, records[0].TileKey)
	require.NoError(t, err)
	assert.Equal(t, versions, meta.Version)
	assert.Equal(t, hits.Load(), meta.AccessCount)
}

func TestCreateTile(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryStore()
	s, err := New(ctx, catalog.NewMemoryCatalog(), blobs)
	require.NoError(t, err)
	defer s.Close()
	mustSnapshot(t, s, "s1")

	rng := testutil.NewRNG(15)
	rec := rng.Tile("kv", "s1", 0, 4, 0)
	first, err := s.CreateTile(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Version)

	// Same payload is idempotent.
	again, err := s.CreateTile(ctx, rec)
	require.NoError(t, err)
	assert.Equal(t, first.TileID, again.TileID)

	other := rec
	other.Payload = rng.Float32Tensor(4, 4)
	_, err = s.CreateTile(ctx, other)
	require.ErrorIs(t, err, ErrConflict)

	ok, err := blobstore.Exists(ctx, blobs, PayloadPath(other.TileKey, TileID(other.TileKey, other.Payload)))
	require.NoError(t, err)
	assert.False(t, ok)

	meta, err := s.StatTile(ctx, rec.TileKey)
	require.NoError(t, err)
	assert.Equal(t, first.TileID, meta.TileID)

	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: []model.BBox{{X: 4, Y: 0, W: 1, H: 1}}})
	require.NoError(t, err)
	require.Len(t, tiles, 1)

	_, err = s.CreateTile(ctx, rng.Tile("kv", "missing", 0, 0, 0))
	require.ErrorIs(t, err, ErrValidation)
}

// sharedStores opens n stores over one catalog and blob store.
func sharedStores(t *testing.T, n int) []*Store {
	t.Helper()
	cat, blobs := catalog.NewMemoryCatalog(), blobstore.NewMemoryStore()
	out := make([]*Store, n)
	for i := range out {
		s, err := New(context.Background(), cat, blobs, WithClock(stepClock()))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		out[i] = s
	}
	return out
}

func TestCreateTile_ConcurrentStores(t *testing.T) {
	ctx := context.Background()
	stores := sharedStores(t, 2)
	mustSnapshot(t, stores[0], "s1")

	rng := testutil.NewRNG(16)
	const writers = 8
	records := make([]model.TileRecord, writers)
	for i := range records {
		records[i] = rng.Tile("kv", "s1", 0, 0, 0)
	}

	var (
		wg   sync.WaitGroup
		wins atomic.Int64
	)
	for i := range writers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := stores[i%2].CreateTile(ctx, records[i])
			if err == nil {
				wins.Add(1)
				return
			}
			assert.ErrorIs(t, err, ErrConflict)
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins.Load())
}

func TestTilesForSnapshot_BBoxSeesOtherStores(t *testing.T) {
	ctx := context.Background()
	stores := sharedStores(t, 2)
	a, b := stores[0], stores[1]
	mustSnapshot(t, a, "s1")

	box := []model.BBox{{X: 1, Y: 1, W: 1, H: 1}}
	rng := testutil.NewRNG(17)
	rec := rng.Tile("kv", "s1", 0, 1, 1)
	_, err := a.PutTiles(ctx, []model.TileRecord{rec})
	require.NoError(t, err)

	tiles, err := b.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: box})
	require.NoError(t, err)
	require.Len(t, tiles, 1)

	// A replacement by a is picked up as well.
	rec.Payload = rng.Float32Tensor(4, 4)
	metas, err := a.PutTiles(ctx, []model.TileRecord{rec})
	require.NoError(t, err)

	tiles, err = b.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: box})
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, metas[0].TileID, tiles[0].TileID)

	// And so are tiles b writes itself.
	_, err = b.PutTiles(ctx, []model.TileRecord{rng.Tile("kv", "s1", 0, 2, 2)})
	require.NoError(t, err)
	tiles, err = a.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: []model.BBox{{X: 0, Y: 0, W: 3, H: 3}}})
	require.NoError(t, err)
	assert.Len(t, tiles, 2)
}

func TestOpen_RebuildsSpatialIndex(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := Open(ctx, dir)
	require.NoError(t, err)
	mustSnapshot(t, s, "s1")
	_, err = s.PutTiles(ctx, testutil.NewRNG(13).Grid("kv", "s1", 0, 3, 3))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = Open(ctx, dir)
	require.NoError(t, err)
	defer s.Close()

	tiles, err := s.TilesForSnapshot(ctx, "s1", TileQuery{BBoxes: []model.BBox{{X: 2, Y: 2, W: 1, H: 1}}})
	require.NoError(t, err)
	require.Len(t, tiles, 1)
	assert.Equal(t, 2, tiles[0].X)
}

func TestOpen_PayloadPipeline(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"zstd+cache", []Option{WithCompression(blobstore.CompressionZSTD), WithPayloadCache(1 << 20)}},
		{"lz4", []Option{WithCompression(blobstore.CompressionLZ4)}},
		{"mmap", []Option{WithMmapReads()}},
		{"lz4+mmap", []Option{WithCompression(blobstore.CompressionLZ4), WithMmapReads()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s, _ := openStore(t, tt.opts...)
			mustSnapshot(t, s, "s1")

			rec := testutil.NewRNG(14).Tile("kv", "s1", 0, 0, 0, 64, 64)
			metas, err := s.PutTiles(ctx, []model.TileRecord{rec})
			require.NoError(t, err)

			for range 2 {
				tile, err := s.GetTile(ctx, metas[0].TileID)
				require.NoError(t, err)
				data, err := tile.Bytes(ctx)
				require.NoError(t, err)
				assert.Equal(t, rec.Payload, data)
				require.NoError(t, tile.Close())
			}
		})
	}
}

func TestClosedStore(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	_, err := s.CreateSnapshot(ctx, model.SnapshotSpec{SnapshotID: "s1"})
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, err, ErrInvalidState)
	_, err = s.PutTiles(ctx, nil)
	require.ErrorIs(t, err, ErrClosed)
	_, err = s.LogHints(ctx, nil)
	require.ErrorIs(t, err, ErrClosed)
}
