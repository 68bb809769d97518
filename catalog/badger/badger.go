// Package badger implements catalog.Catalog on an embedded BadgerDB.
//
// Key layout:
//
//	s/{snapshot_id}                             -> snapshot record
//	t/{tile_id}                                 -> tile row
//	k/{snapshot}\x00{stream}\x00{level}\x00{x}\x00{y} -> tile id
//	h/{seq as big-endian uint64}                -> hint
package badger

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/codec"
	"github.com/hupe1980/him/model"
)

var (
	prefixSnapshot = []byte("s/")
	prefixTile     = []byte("t/")
	prefixKey      = []byte("k/")
	prefixHint     = []byte("h/")
	prefixRevision = []byte("r/")
	keyHintSeq     = []byte("seq/hints")
)

// Config holds configuration for a Badger catalog.
type Config struct {
	// Path is the directory for BadgerDB files. Ignored when InMemory is true.
	Path string

	// InMemory enables in-memory mode (no disk persistence).
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's internal logs. Nil disables them.
	Logger *slog.Logger

	// GCInterval is how often value log garbage collection runs. 0 disables.
	GCInterval time.Duration

	// GCDiscardRatio is the minimum ratio of discardable data before GC.
	GCDiscardRatio float64

	// Codec encodes stored values. Defaults to codec.Default.
	Codec codec.Codec
}

// DefaultConfig returns production defaults for a persistent catalog at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:           path,
		SyncWrites:     true,
		GCInterval:     5 * time.Minute,
		GCDiscardRatio: 0.5,
	}
}

// InMemoryConfig returns a configuration for tests.
func InMemoryConfig() Config {
	return Config{InMemory: true}
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Catalog is a BadgerDB-backed catalog.Catalog.
type Catalog struct {
	codec  codec.Codec
	logger *slog.Logger

	mu      sync.RWMutex // guards db against Close
	db      *badger.DB
	writeMu sync.Mutex // serializes read-write transactions
	seq     *badger.Sequence

	stopGC chan struct{}
	gcDone chan struct{}
}

var _ catalog.Catalog = (*Catalog)(nil)

// Open opens a catalog with the given configuration.
func Open(cfg Config) (*Catalog, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent catalog")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("create catalog directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)

	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger catalog: %w", err)
	}

	seq, err := db.GetSequence(keyHintSeq, 128)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open hint sequence: %w", err)
	}

	c := &Catalog{
		codec:  cfg.Codec,
		logger: cfg.Logger,
		db:     db,
		seq:    seq,
	}
	c.codec = codec.Or(c.codec)

	if cfg.GCInterval > 0 && !cfg.InMemory {
		c.stopGC = make(chan struct{})
		c.gcDone = make(chan struct{})
		go c.runGC(cfg.GCInterval, cfg.GCDiscardRatio)
	}

	return c, nil
}

func (c *Catalog) runGC(interval time.Duration, ratio float64) {
	defer close(c.gcDone)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopGC:
			return
		case <-ticker.C:
			// ErrNoRewrite means there was nothing to collect.
			if err := c.db.RunValueLogGC(ratio); err != nil && !errors.Is(err, badger.ErrNoRewrite) && c.logger != nil {
				c.logger.Warn("badger value log GC error", slog.String("error", err.Error()))
			}
		}
	}
}

// Close stops garbage collection and closes the database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	if c.stopGC != nil {
		close(c.stopGC)
		<-c.gcDone
	}
	err := errors.Join(c.seq.Release(), c.db.Close())
	c.db = nil
	return err
}

// view runs fn in a read-only transaction.
func (c *Catalog) view(fn func(txn *badger.Txn) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return catalog.ErrClosed
	}
	return c.db.View(fn)
}

// update runs fn in a read-write transaction. Writers are serialized, so
// read-modify-write cycles such as access counting never conflict.
func (c *Catalog) update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return catalog.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.db.Update(fn)
}

func (c *Catalog) get(txn *badger.Txn, key []byte, v any) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return catalog.ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return c.codec.Unmarshal(val, v)
	})
}

func (c *Catalog) set(txn *badger.Txn, key []byte, v any) error {
	val, err := c.codec.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, val)
}

func join(prefix []byte, s string) []byte {
	out := make([]byte, 0, len(prefix)+len(s))
	return append(append(out, prefix...), s...)
}

func snapshotKey(id string) []byte { return join(prefixSnapshot, id) }

func tileKey(id string) []byte { return join(prefixTile, id) }

func revisionKey(snapshotID string) []byte { return join(prefixRevision, snapshotID) }

func coordKeyPrefix(snapshotID string) []byte {
	return append(join(prefixKey, snapshotID), 0)
}

func coordKey(k model.TileKey) []byte {
	b := coordKeyPrefix(k.SnapshotID)
	b = append(b, k.Stream...)
	for _, n := range []int{k.Level, k.X, k.Y} {
		b = append(b, 0)
		b = strconv.AppendInt(b, int64(n), 10)
	}
	return b
}

func hintKey(seq uint64) []byte {
	b := make([]byte, len(prefixHint)+8)
	copy(b, prefixHint)
	binary.BigEndian.PutUint64(b[len(prefixHint):], seq)
	return b
}

func (c *Catalog) CreateSnapshot(ctx context.Context, s model.Snapshot) error {
	return c.update(ctx, func(txn *badger.Txn) error {
		key := snapshotKey(s.SnapshotID)
		if _, err := txn.Get(key); err == nil {
			return catalog.ErrExists
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return c.set(txn, key, s)
	})
}

func (c *Catalog) GetSnapshot(_ context.Context, id string) (model.Snapshot, error) {
	var s model.Snapshot
	err := c.view(func(txn *badger.Txn) error {
		return c.get(txn, snapshotKey(id), &s)
	})
	return s, err
}

func (c *Catalog) ListSnapshots(_ context.Context, limit int) ([]model.Snapshot, error) {
	var out []model.Snapshot
	err := c.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixSnapshot, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var s model.Snapshot
			if err := it.Item().Value(func(val []byte) error { return c.codec.Unmarshal(val, &s) }); err != nil {
				return err
			}
			out = append(out, s)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(out, catalog.CompareSnapshots)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (c *Catalog) LookupTile(_ context.Context, tileID string) (model.TileMeta, error) {
	var m model.TileMeta
	err := c.view(func(txn *badger.Txn) error {
		return c.get(txn, tileKey(tileID), &m)
	})
	return m, err
}

func (c *Catalog) lookupID(txn *badger.Txn, k model.TileKey) (string, error) {
	item, err := txn.Get(coordKey(k))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", catalog.ErrNotFound
	}
	if err != nil {
		return "", err
	}
	id, err := item.ValueCopy(nil)
	return string(id), err
}

func (c *Catalog) LookupKey(_ context.Context, key model.TileKey) (model.TileMeta, error) {
	var m model.TileMeta
	err := c.view(func(txn *badger.Txn) error {
		id, err := c.lookupID(txn, key)
		if err != nil {
			return err
		}
		return c.get(txn, tileKey(id), &m)
	})
	return m, err
}

func (c *Catalog) UpsertTile(ctx context.Context, m model.TileMeta) error {
	return c.update(ctx, func(txn *badger.Txn) error {
		old, err := c.lookupID(txn, m.TileKey)
		if err != nil && !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		if old != "" {
			var prev model.TileMeta
			if err := c.get(txn, tileKey(old), &prev); err != nil {
				return err
			}
			m.AccessCount, m.LastAccess = prev.AccessCount, prev.LastAccess
			if old != m.TileID {
				if err := txn.Delete(tileKey(old)); err != nil {
					return err
				}
			}
		}
		return c.putTile(txn, m)
	})
}

func (c *Catalog) InsertTile(ctx context.Context, m model.TileMeta) error {
	return c.update(ctx, func(txn *badger.Txn) error {
		if _, err := c.lookupID(txn, m.TileKey); err == nil {
			return catalog.ErrExists
		} else if !errors.Is(err, catalog.ErrNotFound) {
			return err
		}
		return c.putTile(txn, m)
	})
}

func (c *Catalog) putTile(txn *badger.Txn, m model.TileMeta) error {
	if err := c.set(txn, tileKey(m.TileID), m); err != nil {
		return err
	}
	if err := txn.Set(coordKey(m.TileKey), []byte(m.TileID)); err != nil {
		return err
	}
	rev, err := readRevision(txn, m.SnapshotID)
	if err != nil {
		return err
	}
	return txn.Set(revisionKey(m.SnapshotID), binary.BigEndian.AppendUint64(nil, rev+1))
}

func readRevision(txn *badger.Txn, snapshotID string) (uint64, error) {
	item, err := txn.Get(revisionKey(snapshotID))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var rev uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt tile revision of %s", snapshotID)
		}
		rev = binary.BigEndian.Uint64(val)
		return nil
	})
	return rev, err
}

func (c *Catalog) TileRevision(_ context.Context, snapshotID string) (uint64, error) {
	var rev uint64
	err := c.view(func(txn *badger.Txn) error {
		var err error
		rev, err = readRevision(txn, snapshotID)
		return err
	})
	return rev, err
}

func (c *Catalog) ListTiles(_ context.Context, f catalog.TileFilter) ([]model.TileMeta, error) {
	var out []model.TileMeta
	err := c.view(func(txn *badger.Txn) error {
		if f.SnapshotID == "" {
			return c.scanAllTiles(txn, f, &out)
		}

		// Walk the coordinate index of the snapshot, then load each row.
		it := txn.NewIterator(badger.IteratorOptions{Prefix: coordKeyPrefix(f.SnapshotID), PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var m model.TileMeta
			if err := c.get(txn, tileKey(string(id)), &m); err != nil {
				return err
			}
			if f.Match(m) {
				out = append(out, m)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	catalog.SortTiles(out)
	return out, nil
}

func (c *Catalog) scanAllTiles(txn *badger.Txn, f catalog.TileFilter, out *[]model.TileMeta) error {
	it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixTile, PrefetchValues: true, PrefetchSize: 100})
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		var m model.TileMeta
		if err := it.Item().Value(func(val []byte) error { return c.codec.Unmarshal(val, &m) }); err != nil {
			return err
		}
		if f.Match(m) {
			*out = append(*out, m)
		}
	}
	return nil
}

func (c *Catalog) GetTiles(_ context.Context, ids []string) ([]model.TileMeta, error) {
	out := make([]model.TileMeta, 0, len(ids))
	err := c.view(func(txn *badger.Txn) error {
		for _, id := range ids {
			var m model.TileMeta
			err := c.get(txn, tileKey(id), &m)
			if errors.Is(err, catalog.ErrNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) RecordAccess(ctx context.Context, tileID string, at time.Time) (model.TileMeta, error) {
	var m model.TileMeta
	err := c.update(ctx, func(txn *badger.Txn) error {
		m = model.TileMeta{}
		if err := c.get(txn, tileKey(tileID), &m); err != nil {
			return err
		}
		m.AccessCount++
		at := at.UTC()
		m.LastAccess = &at
		return c.set(txn, tileKey(tileID), m)
	})
	if err != nil {
		return model.TileMeta{}, err
	}
	return m, nil
}

func (c *Catalog) AppendHints(ctx context.Context, hints []model.QueryHint) ([]model.QueryHint, error) {
	out := make([]model.QueryHint, len(hints))
	err := c.update(ctx, func(txn *badger.Txn) error {
		for i, h := range hints {
			n, err := c.seq.Next()
			if err != nil {
				return err
			}
			h.Seq = n + 1
			h.BBoxes = slices.Clone(h.BBoxes)
			if err := c.set(txn, hintKey(h.Seq), h); err != nil {
				return err
			}
			out[i] = h
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) decodeHint(item *badger.Item) (model.QueryHint, error) {
	var h model.QueryHint
	if err := item.Value(func(val []byte) error { return c.codec.Unmarshal(val, &h) }); err != nil {
		return model.QueryHint{}, err
	}
	h.Seq = binary.BigEndian.Uint64(item.Key()[len(prefixHint):])
	return h, nil
}

func (c *Catalog) ScanHints(_ context.Context, afterSeq uint64, limit int) ([]model.QueryHint, error) {
	out := []model.QueryHint{}
	err := c.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixHint, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		for it.Seek(hintKey(afterSeq + 1)); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			h, err := c.decodeHint(it.Item())
			if err != nil {
				return err
			}
			out = append(out, h)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Catalog) RecentHints(_ context.Context, f catalog.HintFilter, limit int) ([]model.QueryHint, error) {
	out := []model.QueryHint{}
	err := c.view(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefixHint, Reverse: true, PrefetchValues: true, PrefetchSize: 100})
		defer it.Close()
		seek := append(bytes.Clone(prefixHint), bytes.Repeat([]byte{0xff}, 8)...)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			h, err := c.decodeHint(it.Item())
			if err != nil {
				return err
			}
			if f.Match(h) {
				out = append(out, h)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}
