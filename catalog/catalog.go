// Package catalog defines the metadata index of the tile store: snapshot
// records, tile rows with their usage counters, and the append-only hint log.
//
// Payload bytes never live in a catalog. Backends:
//
//   - MemoryCatalog: in-process maps, for tests and ephemeral stores
//   - sqlite.Catalog: durable single-file index (modernc.org/sqlite)
//   - badger.Catalog: embedded key-value index (dgraph-io/badger)
//   - dynamodb.Catalog: shared index on one DynamoDB table
//
// All backends must pass catalogtest.Run.
package catalog

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/hupe1980/him/model"
)

var (
	// ErrNotFound is returned when a snapshot or tile row does not exist.
	ErrNotFound = errors.New("catalog: not found")

	// ErrExists is returned when creating a snapshot whose id is taken or
	// inserting a tile at an occupied key.
	ErrExists = errors.New("catalog: already exists")

	// ErrClosed is returned by operations on a closed catalog.
	ErrClosed = errors.New("catalog: closed")

	// ErrConflict is returned when a shared backend loses a write race it
	// could not resolve by retrying.
	ErrConflict = errors.New("catalog: write conflict")
)

// TileFilter selects tile rows. Zero fields match everything.
type TileFilter struct {
	SnapshotID string
	Stream     string
	Levels     *model.LevelRange
}

// Match reports whether m passes the filter.
func (f TileFilter) Match(m model.TileMeta) bool {
	if f.SnapshotID != "" && m.SnapshotID != f.SnapshotID {
		return false
	}
	if f.Stream != "" && m.Stream != f.Stream {
		return false
	}
	if f.Levels != nil && !f.Levels.Contains(m.Level) {
		return false
	}
	return true
}

// HintFilter selects hints for RecentHints. A hint passes the level filter
// when its range overlaps Levels.
type HintFilter struct {
	SnapshotID string
	Stream     string
	Levels     *model.LevelRange
}

// Match reports whether h passes the filter.
func (f HintFilter) Match(h model.QueryHint) bool {
	if f.SnapshotID != "" && h.SnapshotID != f.SnapshotID {
		return false
	}
	if f.Stream != "" && h.Stream != f.Stream {
		return false
	}
	if f.Levels != nil {
		want, got := f.Levels.Normalize(), h.LevelRange.Normalize()
		if got.Max < want.Min || got.Min > want.Max {
			return false
		}
	}
	return true
}

// Catalog is the metadata index.
//
// Implementations must be safe for concurrent use. UpsertTile and
// RecordAccess are atomic per row.
type Catalog interface {
	// CreateSnapshot inserts s. Returns ErrExists if the id is taken.
	CreateSnapshot(ctx context.Context, s model.Snapshot) error
	// GetSnapshot returns ErrNotFound for unknown ids.
	GetSnapshot(ctx context.Context, id string) (model.Snapshot, error)
	// ListSnapshots returns snapshots most recent first, ties by id.
	// limit <= 0 returns all.
	ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error)

	// LookupTile returns the row with the given tile id.
	LookupTile(ctx context.Context, tileID string) (model.TileMeta, error)
	// LookupKey returns the row currently occupying key.
	LookupKey(ctx context.Context, key model.TileKey) (model.TileMeta, error)
	// UpsertTile stores m as the row for m.TileKey, replacing any previous
	// row (and its tile id) at that key. The usage counters (AccessCount,
	// LastAccess) of a replaced row carry over in the same atomic step;
	// those of m only apply to a new key.
	UpsertTile(ctx context.Context, m model.TileMeta) error
	// InsertTile stores m only if no row occupies m.TileKey. Returns
	// ErrExists otherwise.
	InsertTile(ctx context.Context, m model.TileMeta) error
	// TileRevision returns a counter that grows with every tile write into
	// the snapshot. Unknown snapshots report 0.
	TileRevision(ctx context.Context, snapshotID string) (uint64, error)
	// ListTiles returns matching rows ordered by level, stream, y, x.
	ListTiles(ctx context.Context, f TileFilter) ([]model.TileMeta, error)
	// GetTiles returns the rows for ids that exist, in the order of ids.
	GetTiles(ctx context.Context, ids []string) ([]model.TileMeta, error)
	// RecordAccess increments the access count of a tile, sets its last
	// access time and returns the updated row.
	RecordAccess(ctx context.Context, tileID string, at time.Time) (model.TileMeta, error)

	// AppendHints stores hints in order and returns them with Seq assigned.
	AppendHints(ctx context.Context, hints []model.QueryHint) ([]model.QueryHint, error)
	// ScanHints returns up to limit hints with Seq > afterSeq in Seq order.
	ScanHints(ctx context.Context, afterSeq uint64, limit int) ([]model.QueryHint, error)
	// RecentHints returns the limit most recent matching hints, oldest first.
	RecentHints(ctx context.Context, f HintFilter, limit int) ([]model.QueryHint, error)

	Close() error
}

// CompareTiles orders rows by level, stream, y, x, then tile id.
func CompareTiles(a, b model.TileMeta) int {
	return cmp.Or(
		cmp.Compare(a.Level, b.Level),
		cmp.Compare(a.Stream, b.Stream),
		cmp.Compare(a.Y, b.Y),
		cmp.Compare(a.X, b.X),
		cmp.Compare(a.TileID, b.TileID),
	)
}

// SortTiles sorts rows with CompareTiles.
func SortTiles(tiles []model.TileMeta) {
	slices.SortFunc(tiles, CompareTiles)
}

// CompareSnapshots orders snapshots most recent first, ties by id.
func CompareSnapshots(a, b model.Snapshot) int {
	return cmp.Or(
		b.CreatedAt.Compare(a.CreatedAt),
		cmp.Compare(a.SnapshotID, b.SnapshotID),
	)
}
