// Package spatial implements the grid index that serves bbox tile queries.
//
// Tiles are bucketed by (snapshot, stream, level). Inside a bucket the grid is
// partitioned into square cells of CellSize tiles per axis, and every cell
// holds a roaring bitmap of the ordinals of the tiles it contains. A bbox
// query ORs the bitmaps of the cells the box touches and then checks the exact
// tile coordinate of every candidate.
package spatial

import (
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/hupe1980/him/model"
)

// DefaultCellSize is the number of tiles per axis in one grid cell.
const DefaultCellSize = 16

type bucketKey struct {
	snapshot string
	stream   string
	level    int
}

type cell struct {
	x, y int
}

type bucket struct {
	cells map[cell]*roaring.Bitmap
	all   *roaring.Bitmap
}

func newBucket() *bucket {
	return &bucket{cells: make(map[cell]*roaring.Bitmap), all: roaring.New()}
}

type entry struct {
	id  string
	key model.TileKey
}

// Index maps tile coordinates to tile ids. It is safe for concurrent use.
type Index struct {
	cellSize int

	mu       sync.RWMutex
	entries  []entry // ordinal -> entry; id == "" marks a free slot
	free     []uint32
	byID     map[string]uint32
	byKey    map[model.TileKey]uint32
	buckets  map[bucketKey]*bucket
	bySnapID map[string]map[bucketKey]struct{}
}

// Option configures an Index.
type Option func(*Index)

// WithCellSize sets the number of tiles per axis in one grid cell.
func WithCellSize(n int) Option {
	return func(ix *Index) {
		if n > 0 {
			ix.cellSize = n
		}
	}
}

// New creates an empty index.
func New(opts ...Option) *Index {
	ix := &Index{
		cellSize: DefaultCellSize,
		byID:     make(map[string]uint32),
		byKey:    make(map[model.TileKey]uint32),
		buckets:  make(map[bucketKey]*bucket),
		bySnapID: make(map[string]map[bucketKey]struct{}),
	}
	for _, opt := range opts {
		opt(ix)
	}
	return ix
}

// Len returns the number of indexed tiles.
func (ix *Index) Len() int {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return len(ix.byID)
}

func (ix *Index) cellOf(x, y int) cell {
	return cell{x: floorDiv(x, ix.cellSize), y: floorDiv(y, ix.cellSize)}
}

// Insert records that tileID occupies key. A different tile previously
// indexed at the same key is replaced.
func (ix *Index) Insert(key model.TileKey, tileID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	ix.insertLocked(key, tileID)
}

// ReplaceSnapshot swaps the indexed tiles of one snapshot for tiles.
func (ix *Index) ReplaceSnapshot(snapshotID string, tiles []model.TileMeta) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var stale []uint32
	for bk := range ix.bySnapID[snapshotID] {
		stale = append(stale, ix.buckets[bk].all.ToArray()...)
	}
	for _, ord := range stale {
		ix.removeLocked(ord)
	}
	for _, m := range tiles {
		if m.SnapshotID == snapshotID {
			ix.insertLocked(m.TileKey, m.TileID)
		}
	}
}

func (ix *Index) insertLocked(key model.TileKey, tileID string) {
	if ord, ok := ix.byKey[key]; ok {
		if ix.entries[ord].id == tileID {
			return
		}
		ix.removeLocked(ord)
	}
	if ord, ok := ix.byID[tileID]; ok {
		ix.removeLocked(ord)
	}

	var ord uint32
	if n := len(ix.free); n > 0 {
		ord = ix.free[n-1]
		ix.free = ix.free[:n-1]
		ix.entries[ord] = entry{id: tileID, key: key}
	} else {
		ord = uint32(len(ix.entries))
		ix.entries = append(ix.entries, entry{id: tileID, key: key})
	}
	ix.byID[tileID] = ord
	ix.byKey[key] = ord

	bk := bucketKey{snapshot: key.SnapshotID, stream: key.Stream, level: key.Level}
	b, ok := ix.buckets[bk]
	if !ok {
		b = newBucket()
		ix.buckets[bk] = b
		snap := ix.bySnapID[key.SnapshotID]
		if snap == nil {
			snap = make(map[bucketKey]struct{})
			ix.bySnapID[key.SnapshotID] = snap
		}
		snap[bk] = struct{}{}
	}
	c := ix.cellOf(key.X, key.Y)
	bm, ok := b.cells[c]
	if !ok {
		bm = roaring.New()
		b.cells[c] = bm
	}
	bm.Add(ord)
	b.all.Add(ord)
}

// Remove drops tileID from the index. Unknown ids are ignored.
func (ix *Index) Remove(tileID string) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	if ord, ok := ix.byID[tileID]; ok {
		ix.removeLocked(ord)
	}
}

func (ix *Index) removeLocked(ord uint32) {
	e := ix.entries[ord]
	delete(ix.byID, e.id)
	delete(ix.byKey, e.key)
	ix.entries[ord] = entry{}
	ix.free = append(ix.free, ord)

	bk := bucketKey{snapshot: e.key.SnapshotID, stream: e.key.Stream, level: e.key.Level}
	b := ix.buckets[bk]
	if b == nil {
		return
	}
	c := ix.cellOf(e.key.X, e.key.Y)
	if bm := b.cells[c]; bm != nil {
		bm.Remove(ord)
		if bm.IsEmpty() {
			delete(b.cells, c)
		}
	}
	b.all.Remove(ord)
	if b.all.IsEmpty() {
		delete(ix.buckets, bk)
		if snap := ix.bySnapID[bk.snapshot]; snap != nil {
			delete(snap, bk)
			if len(snap) == 0 {
				delete(ix.bySnapID, bk.snapshot)
			}
		}
	}
}

// Query selects tiles of one snapshot.
type Query struct {
	SnapshotID string
	// Stream restricts the result to one stream. Empty matches all.
	Stream string
	// Levels restricts the result to a level range. Nil matches all.
	Levels *model.LevelRange
	// BBoxes keeps tiles whose (x, y) at their own level falls in any box.
	// Nil keeps every tile; a non-nil list of empty boxes keeps none.
	BBoxes []model.BBox
}

// Search returns the ids of the tiles matching q in unspecified order.
func (ix *Index) Search(q Query) []string {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var out []string
	for bk := range ix.bySnapID[q.SnapshotID] {
		if q.Stream != "" && bk.stream != q.Stream {
			continue
		}
		if q.Levels != nil && !q.Levels.Contains(bk.level) {
			continue
		}
		b := ix.buckets[bk]

		if q.BBoxes == nil {
			it := b.all.Iterator()
			for it.HasNext() {
				out = append(out, ix.entries[it.Next()].id)
			}
			continue
		}

		candidates := ix.candidates(b, q.BBoxes)
		it := candidates.Iterator()
		for it.HasNext() {
			e := ix.entries[it.Next()]
			if model.IntersectsAny(e.key.X, e.key.Y, q.BBoxes) {
				out = append(out, e.id)
			}
		}
	}
	return out
}

// candidates ORs the posting lists of every cell touched by the boxes.
func (ix *Index) candidates(b *bucket, boxes []model.BBox) *roaring.Bitmap {
	var lists []*roaring.Bitmap
	for _, box := range boxes {
		if box.Empty() {
			continue
		}
		lo := ix.cellOf(box.X, box.Y)
		hi := ix.cellOf(box.X+box.W-1, box.Y+box.H-1)
		span := int64(hi.x-lo.x+1) * int64(hi.y-lo.y+1)

		if span > int64(len(b.cells)) {
			// The box touches more cells than the bucket holds.
			for c, bm := range b.cells {
				if c.x >= lo.x && c.x <= hi.x && c.y >= lo.y && c.y <= hi.y {
					lists = append(lists, bm)
				}
			}
			continue
		}
		for cy := lo.y; cy <= hi.y; cy++ {
			for cx := lo.x; cx <= hi.x; cx++ {
				if bm, ok := b.cells[cell{x: cx, y: cy}]; ok {
					lists = append(lists, bm)
				}
			}
		}
	}
	return roaring.FastOr(lists...)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
