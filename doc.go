// Package him implements a hierarchical, content-addressed tile store.
//
// Tiles are opaque payloads addressed by (stream, snapshot, level, x, y).
// Level 0 is the finest grid; a tile at level l+1 covers fanout×fanout tiles
// of level l. Snapshots form a lineage DAG and own the tiles written under
// them. The store keeps three things in sync:
//
//   - a catalog (metadata index) of snapshots, tile rows and the hint log
//   - a blob store holding the payload tree
//   - an in-memory spatial grid index serving bbox queries
//
// # Quick Start
//
//	ctx := context.Background()
//	store, _ := him.Open(ctx, "./data")
//	defer store.Close()
//
//	_, _ = store.CreateSnapshot(ctx, model.SnapshotSpec{SnapshotID: "s1"})
//	metas, _ := store.PutTiles(ctx, []model.TileRecord{{
//	    TileKey: model.TileKey{Stream: "kv_cache", SnapshotID: "s1"},
//	    Shape:   []int{4, 4},
//	    DType:   "float32",
//	    Payload: payload,
//	}})
//
//	tile, _ := store.GetTile(ctx, metas[0].TileID) // counts one access
//	defer tile.Close()
//	data, _ := tile.Bytes(ctx)
//
// # Writes
//
// PutTiles validates the whole batch before writing. The tile id is the
// SHA-256 over the length-prefixed key and the payload, so re-ingesting an
// unchanged tile is a no-op that returns the stored metadata without touching
// the payload tree. A changed payload at an existing key replaces the row,
// bumps its version and keeps its creation time and usage counters.
//
// # Hints
//
// LogHints appends prefetch hints to an append-only log. IterHints walks the
// whole log lazily; RecentHints returns the newest matching hints.
//
// # Backends
//
// Open wires a SQLite catalog and a local payload tree. New accepts any
// catalog.Catalog (memory, SQLite, Badger) and blobstore.BlobStore (local,
// memory, S3, MinIO, optionally wrapped for compression and caching).
//
// # Errors
//
// Errors satisfy errors.Is against ErrNotFound, ErrConflict, ErrValidation,
// ErrCapacity, ErrInvalidState or ErrStorageIO.
package him
