package catalog

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/him/model"
)

// MemoryCatalog is an in-memory Catalog. Values are copied on the way in and
// out, so callers never share mutable state with the index.
type MemoryCatalog struct {
	mu        sync.RWMutex
	closed    bool
	snapshots map[string]model.Snapshot
	tiles     map[string]model.TileMeta // tile id -> row
	keys      map[model.TileKey]string  // key -> tile id
	revs      map[string]uint64         // snapshot id -> tile revision
	hints     []model.QueryHint
	seq       uint64
}

// NewMemoryCatalog creates an empty in-memory catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		snapshots: make(map[string]model.Snapshot),
		tiles:     make(map[string]model.TileMeta),
		keys:      make(map[model.TileKey]string),
		revs:      make(map[string]uint64),
	}
}

func (c *MemoryCatalog) CreateSnapshot(_ context.Context, s model.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.snapshots[s.SnapshotID]; ok {
		return ErrExists
	}
	c.snapshots[s.SnapshotID] = cloneSnapshot(s)
	return nil
}

func (c *MemoryCatalog) GetSnapshot(_ context.Context, id string) (model.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return model.Snapshot{}, ErrClosed
	}
	s, ok := c.snapshots[id]
	if !ok {
		return model.Snapshot{}, ErrNotFound
	}
	return cloneSnapshot(s), nil
}

func (c *MemoryCatalog) ListSnapshots(_ context.Context, limit int) ([]model.Snapshot, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	out := make([]model.Snapshot, 0, len(c.snapshots))
	for _, s := range c.snapshots {
		out = append(out, cloneSnapshot(s))
	}
	slices.SortFunc(out, CompareSnapshots)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *MemoryCatalog) LookupTile(_ context.Context, tileID string) (model.TileMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return model.TileMeta{}, ErrClosed
	}
	m, ok := c.tiles[tileID]
	if !ok {
		return model.TileMeta{}, ErrNotFound
	}
	return cloneMeta(m), nil
}

func (c *MemoryCatalog) LookupKey(_ context.Context, key model.TileKey) (model.TileMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return model.TileMeta{}, ErrClosed
	}
	id, ok := c.keys[key]
	if !ok {
		return model.TileMeta{}, ErrNotFound
	}
	return cloneMeta(c.tiles[id]), nil
}

func (c *MemoryCatalog) UpsertTile(_ context.Context, m model.TileMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if old, ok := c.keys[m.TileKey]; ok {
		prev := c.tiles[old]
		m.AccessCount, m.LastAccess = prev.AccessCount, prev.LastAccess
		delete(c.tiles, old)
	}
	c.tiles[m.TileID] = cloneMeta(m)
	c.keys[m.TileKey] = m.TileID
	c.revs[m.SnapshotID]++
	return nil
}

func (c *MemoryCatalog) TileRevision(_ context.Context, snapshotID string) (uint64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.revs[snapshotID], nil
}

func (c *MemoryCatalog) InsertTile(_ context.Context, m model.TileMeta) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.keys[m.TileKey]; ok {
		return ErrExists
	}
	c.tiles[m.TileID] = cloneMeta(m)
	c.keys[m.TileKey] = m.TileID
	c.revs[m.SnapshotID]++
	return nil
}

func (c *MemoryCatalog) ListTiles(_ context.Context, f TileFilter) ([]model.TileMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	var out []model.TileMeta
	for _, m := range c.tiles {
		if f.Match(m) {
			out = append(out, cloneMeta(m))
		}
	}
	SortTiles(out)
	return out, nil
}

func (c *MemoryCatalog) GetTiles(_ context.Context, ids []string) ([]model.TileMeta, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	out := make([]model.TileMeta, 0, len(ids))
	for _, id := range ids {
		if m, ok := c.tiles[id]; ok {
			out = append(out, cloneMeta(m))
		}
	}
	return out, nil
}

func (c *MemoryCatalog) RecordAccess(_ context.Context, tileID string, at time.Time) (model.TileMeta, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return model.TileMeta{}, ErrClosed
	}
	m, ok := c.tiles[tileID]
	if !ok {
		return model.TileMeta{}, ErrNotFound
	}
	m.AccessCount++
	at = at.UTC()
	m.LastAccess = &at
	c.tiles[tileID] = m
	return cloneMeta(m), nil
}

func (c *MemoryCatalog) AppendHints(_ context.Context, hints []model.QueryHint) ([]model.QueryHint, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	out := make([]model.QueryHint, len(hints))
	for i, h := range hints {
		c.seq++
		h = cloneHint(h)
		h.Seq = c.seq
		c.hints = append(c.hints, h)
		out[i] = cloneHint(h)
	}
	return out, nil
}

func (c *MemoryCatalog) ScanHints(_ context.Context, afterSeq uint64, limit int) ([]model.QueryHint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	// Seq n lives at index n-1.
	start := min(int(afterSeq), len(c.hints))
	end := len(c.hints)
	if limit > 0 {
		end = min(end, start+limit)
	}
	out := make([]model.QueryHint, 0, end-start)
	for _, h := range c.hints[start:end] {
		out = append(out, cloneHint(h))
	}
	return out, nil
}

func (c *MemoryCatalog) RecentHints(_ context.Context, f HintFilter, limit int) ([]model.QueryHint, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil, ErrClosed
	}
	var out []model.QueryHint
	for i := len(c.hints) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if f.Match(c.hints[i]) {
			out = append(out, cloneHint(c.hints[i]))
		}
	}
	slices.Reverse(out)
	return out, nil
}

// Close marks the catalog closed. Further calls return ErrClosed.
func (c *MemoryCatalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func cloneSnapshot(s model.Snapshot) model.Snapshot {
	s.Parents = slices.Clone(s.Parents)
	s.Tags = maps.Clone(s.Tags)
	if s.Provenance.Seed != nil {
		seed := *s.Provenance.Seed
		s.Provenance.Seed = &seed
	}
	return s
}

func cloneMeta(m model.TileMeta) model.TileMeta {
	m.Shape = slices.Clone(m.Shape)
	if m.Halo != nil {
		h := *m.Halo
		m.Halo = &h
	}
	if m.LastAccess != nil {
		t := *m.LastAccess
		m.LastAccess = &t
	}
	return m
}

func cloneHint(h model.QueryHint) model.QueryHint {
	h.BBoxes = slices.Clone(h.BBoxes)
	return h
}
