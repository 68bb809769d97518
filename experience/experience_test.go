package experience

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/blobstore"
	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/codec"
	"github.com/hupe1980/him/model"
)

func newTileStore(t *testing.T) *him.Store {
	t.Helper()
	s, err := him.New(context.Background(), catalog.NewMemoryCatalog(), blobstore.NewMemoryStore())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestLoad_CreatesSnapshot(t *testing.T) {
	ctx := context.Background()
	tiles := newTileStore(t)

	s := New(tiles, Config{SnapshotID: "alice"})
	exps, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, exps)

	snap, err := tiles.GetSnapshot(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "simulated_human", snap.Tags["purpose"])

	// A second load is a no-op.
	_, err = s.Load(ctx)
	require.NoError(t, err)
}

func TestIngest(t *testing.T) {
	ctx := context.Background()
	tiles := newTileStore(t)
	now := time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

	s := New(tiles, Config{SnapshotID: "alice", SourceID: "alice-v1", Clock: func() time.Time { return now }})
	_, err := s.Load(ctx)
	require.NoError(t, err)

	first, err := s.Ingest(ctx, "What is the weather like?", "Sunny and warm.", map[string]any{"mood": "happy"})
	require.NoError(t, err)
	second, err := s.Ingest(ctx, "How do you brew tea?", "Steep leaves for three minutes.", nil)
	require.NoError(t, err)

	assert.Equal(t, 0, first.X)
	assert.Equal(t, 1, second.X)
	assert.Equal(t, "alice-v1", first.SourceID)
	assert.Equal(t, now, first.Timestamp)
	assert.Equal(t, "happy", first.Metadata["mood"])
	assert.NotNil(t, second.Metadata)

	meta, err := tiles.StatTile(ctx, model.TileKey{Stream: DefaultStream, SnapshotID: "alice", Level: 0, X: 1, Y: 0})
	require.NoError(t, err)
	assert.Equal(t, DType, meta.DType)
	assert.Equal(t, second.TileID, meta.TileID)

	assert.Len(t, s.Experiences(), 2)
}

func TestRehydration(t *testing.T) {
	ctx := context.Background()
	tiles := newTileStore(t)

	one := New(tiles, Config{SnapshotID: "bob"})
	_, err := one.Load(ctx)
	require.NoError(t, err)
	_, err = one.Ingest(ctx, "favourite colour", "Blue, like the sea.", nil)
	require.NoError(t, err)

	two := New(tiles, Config{SnapshotID: "bob"})
	exps, err := two.Load(ctx)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, "Blue, like the sea.", two.Generate("what is your favourite colour"))

	// Writes through either instance land at the next free x.
	_, err = two.Ingest(ctx, "favourite food", "Pasta.", nil)
	require.NoError(t, err)
	third, err := one.Ingest(ctx, "favourite song", "Anything by Bach.", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, third.X)

	a, err := New(tiles, Config{SnapshotID: "bob"}).Load(ctx)
	require.NoError(t, err)
	b := one.Experiences()
	require.Len(t, a, 3)
	require.Len(t, b, 3)
	for i := range a {
		assert.Equal(t, a[i].TileID, b[i].TileID)
		assert.Equal(t, a[i].Response, b[i].Response)
	}
}

// sharedTileStores opens n tile stores over one catalog and blob store, the
// way separate processes would share them.
func sharedTileStores(t *testing.T, n int) []*him.Store {
	t.Helper()
	cat, blobs := catalog.NewMemoryCatalog(), blobstore.NewMemoryStore()
	out := make([]*him.Store, n)
	for i := range out {
		s, err := him.New(context.Background(), cat, blobs)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		out[i] = s
	}
	return out
}

func TestIngest_ConcurrentInstances(t *testing.T) {
	ctx := context.Background()
	shared := sharedTileStores(t, 2)
	tiles := shared[0]

	const perInstance = 50
	instances := []*Store{
		New(shared[0], Config{SnapshotID: "dave"}),
		New(shared[1], Config{SnapshotID: "dave"}),
	}

	var wg sync.WaitGroup
	for i, s := range instances {
		for j := range perInstance {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.Ingest(ctx, fmt.Sprintf("observation %d-%d", i, j), "ok", nil)
				assert.NoError(t, err)
			}()
		}
	}
	wg.Wait()

	exps, err := New(tiles, Config{SnapshotID: "dave"}).Load(ctx)
	require.NoError(t, err)
	require.Len(t, exps, 2*perInstance)

	seen := make(map[string]bool)
	for x, e := range exps {
		assert.Equal(t, x, e.X)
		seen[e.Observation] = true
	}
	assert.Len(t, seen, 2*perInstance)
}

func TestLoad_ReplacesOverwrittenExperience(t *testing.T) {
	ctx := context.Background()
	tiles := newTileStore(t)

	s := New(tiles, Config{SnapshotID: "erin"})
	first, err := s.Ingest(ctx, "old observation", "old", nil)
	require.NoError(t, err)

	data, err := codec.Default.Marshal(payload{Observation: "new observation", Response: "new", SourceID: "erin"})
	require.NoError(t, err)
	metas, err := tiles.PutTiles(ctx, []model.TileRecord{{
		TileKey: model.TileKey{Stream: DefaultStream, SnapshotID: "erin", Level: 0, X: first.X, Y: 0},
		Shape:   []int{1, 1, 1},
		DType:   DType,
		Payload: data,
	}})
	require.NoError(t, err)

	exps, err := s.Load(ctx)
	require.NoError(t, err)
	require.Len(t, exps, 1)
	assert.Equal(t, metas[0].TileID, exps[0].TileID)
	assert.Equal(t, "new", exps[0].Response)

	next, err := s.Ingest(ctx, "another", "yes", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, next.X)
}

func TestGenerate(t *testing.T) {
	ctx := context.Background()
	tiles := newTileStore(t)
	s := New(tiles, Config{SnapshotID: "carol"})

	assert.Equal(t,
		"I am reflecting on 'hello there' and forming a response as a human would.",
		s.Generate("hello   there"),
	)

	_, err := s.Ingest(ctx, "an observation without a reply", "", nil)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "the cat sat on the mat", "Cats love mats.", nil)
	require.NoError(t, err)
	_, err = s.Ingest(ctx, "the dog sat on the mat", "Dogs love mats too.", nil)
	require.NoError(t, err)

	assert.Equal(t, "Dogs love mats too.", s.Generate("where did the dog sit"))
	// Equal scores go to the earliest experience.
	assert.Equal(t, "Cats love mats.", s.Generate("the mat"))
	// No overlap falls back to the first experience with a response.
	assert.Equal(t, "Cats love mats.", s.Generate("quantum chromodynamics"))

	for range 3 {
		assert.Equal(t, "Dogs love mats too.", s.Generate("where did the dog sit"))
	}
}

func TestReflect_TruncatesQuery(t *testing.T) {
	q := "a b c d e f g h i j k l m n o p q r s"
	assert.Equal(t,
		"I am reflecting on 'a b c d e f g h i j k l m n o p' and forming a response as a human would.",
		Reflect(q),
	)
}
