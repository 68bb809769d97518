package him

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/singleflight"

	"github.com/hupe1980/him/blobstore"
	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/catalog/sqlite"
	"github.com/hupe1980/him/internal/cache"
	"github.com/hupe1980/him/model"
	"github.com/hupe1980/him/spatial"
)

// CatalogFile is the name of the SQLite catalog created by Open.
const CatalogFile = "him.db"

// Store is the hierarchical tile store. It composes a catalog (metadata
// index) with a blob store (payload tree) and keeps an in-memory spatial
// index for bbox queries. The spatial index follows the catalog's tile
// revision per snapshot, so tiles written by other stores sharing the
// catalog are found too.
//
// Store is safe for concurrent use. Writers of the same tile key are
// serialized; readers never take key locks.
type Store struct {
	catalog catalog.Catalog
	blobs   blobstore.BlobStore
	spatial *spatial.Index
	locks   *keyLocks
	opts    options
	closed  atomic.Bool

	indexMu sync.Mutex
	indexed map[string]uint64 // snapshot id -> tile revision reflected by spatial
	refresh singleflight.Group
}

// New creates a store over an existing catalog and blob store and rebuilds
// the spatial index from the catalog. The store takes ownership of the
// catalog and closes it on Close.
func New(ctx context.Context, cat catalog.Catalog, blobs blobstore.BlobStore, optFns ...Option) (*Store, error) {
	if cat == nil || blobs == nil {
		return nil, errors.New("him: catalog and blob store are required")
	}

	opts := applyOptions(optFns)
	s := &Store{
		catalog: cat,
		blobs:   blobs,
		spatial: spatial.New(spatial.WithCellSize(opts.cellSize)),
		locks:   newKeyLocks(opts.lockStripes),
		opts:    opts,
		indexed: make(map[string]uint64),
	}

	if err := s.rebuildIndex(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Open opens (creating if needed) a store rooted at dir: a SQLite catalog at
// dir/him.db and a local payload tree under dir.
func Open(ctx context.Context, dir string, optFns ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &StorageError{Op: "create root", Name: dir, Err: err}
	}

	opts := applyOptions(optFns)

	cat, err := sqlite.Open(ctx, filepath.Join(dir, CatalogFile), sqlite.WithCodec(opts.codec))
	if err != nil {
		return nil, &StorageError{Op: "open catalog", Name: dir, Err: err}
	}

	localOpts := []blobstore.LocalOption{blobstore.WithIOController(opts.io)}
	if opts.mmap {
		localOpts = append(localOpts, blobstore.WithMmap())
	}
	var blobs blobstore.BlobStore = blobstore.NewLocalStore(dir, localOpts...)
	if opts.compression != blobstore.CompressionNone {
		blobs = blobstore.NewCompressingStore(blobs, opts.compression)
	}
	if opts.cacheBytes > 0 {
		blobs = blobstore.NewCachingStore(blobs, cache.NewLRU(opts.cacheBytes, opts.io), 0)
	}

	s, err := New(ctx, cat, blobs, optFns...)
	if err != nil {
		_ = cat.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) rebuildIndex(ctx context.Context) (err error) {
	var tiles []model.TileMeta
	defer func() { s.opts.logger.LogRecovery(ctx, len(tiles), err) }()

	snaps, err := s.catalog.ListSnapshots(ctx, 0)
	if err != nil {
		return translateError("rebuild index", "", err)
	}
	// Revisions are read before the rows, so a write racing the rebuild
	// shows up as a stale revision later.
	revs := make(map[string]uint64, len(snaps))
	for _, snap := range snaps {
		rev, err := s.catalog.TileRevision(ctx, snap.SnapshotID)
		if err != nil {
			return translateError("rebuild index", snap.SnapshotID, err)
		}
		revs[snap.SnapshotID] = rev
	}

	tiles, err = s.catalog.ListTiles(ctx, catalog.TileFilter{})
	if err != nil {
		return translateError("rebuild index", "", err)
	}
	for _, m := range tiles {
		s.spatial.Insert(m.TileKey, m.TileID)
	}

	s.indexMu.Lock()
	maps.Copy(s.indexed, revs)
	s.indexMu.Unlock()
	return nil
}

// syncIndex brings the spatial index of one snapshot up to the catalog's
// tile revision.
func (s *Store) syncIndex(ctx context.Context, snapshotID string) error {
	_, err, _ := s.refresh.Do(snapshotID, func() (any, error) {
		rev, err := s.catalog.TileRevision(ctx, snapshotID)
		if err != nil {
			return nil, translateError("tile revision", snapshotID, err)
		}
		s.indexMu.Lock()
		current, ok := s.indexed[snapshotID]
		s.indexMu.Unlock()
		if ok && current == rev {
			return nil, nil
		}

		tiles, err := s.catalog.ListTiles(ctx, catalog.TileFilter{SnapshotID: snapshotID})
		if err != nil {
			return nil, translateError("sync index", snapshotID, err)
		}
		s.spatial.ReplaceSnapshot(snapshotID, tiles)
		s.opts.logger.LogIndexSync(ctx, snapshotID, len(tiles))

		s.indexMu.Lock()
		s.indexed[snapshotID] = rev
		s.indexMu.Unlock()
		return nil, nil
	})
	return err
}

// Fanout returns the number of children per axis between two levels.
func (s *Store) Fanout() int {
	return s.opts.fanout
}

// Close closes the store and its catalog. Close is idempotent.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if err := s.catalog.Close(); err != nil {
		return &StorageError{Op: "close catalog", Err: err}
	}
	return nil
}

func (s *Store) checkOpen() error {
	if s.closed.Load() {
		return ErrClosed
	}
	return nil
}

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_.:-]+$`)

// validateName checks stream and snapshot names. Names become path segments
// of the payload tree, so separators and dot segments are rejected.
func validateName(name string) error {
	if name == "" {
		return errors.New("must not be empty")
	}
	if name == "." || name == ".." || !nameRE.MatchString(name) {
		return fmt.Errorf("%q must match [A-Za-z0-9_.:-]+", name)
	}
	return nil
}

// CreateSnapshot registers a new snapshot. Returns ErrConflict when the id
// is taken and a ValidationError when a parent is unknown.
func (s *Store) CreateSnapshot(ctx context.Context, spec model.SnapshotSpec) (snap model.Snapshot, err error) {
	if err := s.checkOpen(); err != nil {
		return model.Snapshot{}, err
	}

	ctx, span := s.startSpan(ctx, "Store.CreateSnapshot", attribute.String("him.snapshot_id", spec.SnapshotID))
	defer func() {
		s.opts.logger.LogCreateSnapshot(ctx, spec.SnapshotID, len(spec.Parents), err)
		endSpan(span, err)
	}()

	if verr := validateName(spec.SnapshotID); verr != nil {
		return model.Snapshot{}, invalid(-1, "snapshot_id", "%v", verr)
	}
	policy := spec.MergePolicy
	if policy == "" {
		policy = model.MergeLWW
	}
	if !policy.Valid() {
		return model.Snapshot{}, invalid(-1, "merge_policy", "unknown policy %q", policy)
	}
	for _, p := range spec.Parents {
		if _, perr := s.catalog.GetSnapshot(ctx, p); perr != nil {
			if errors.Is(perr, catalog.ErrNotFound) {
				return model.Snapshot{}, invalid(-1, "parents", "unknown parent snapshot %q", p)
			}
			return model.Snapshot{}, translateError("get snapshot", p, perr)
		}
	}

	tags := spec.Tags
	if tags == nil {
		tags = map[string]string{}
	}
	parents := spec.Parents
	if parents == nil {
		parents = []string{}
	}

	snap = model.Snapshot{
		SnapshotID:  spec.SnapshotID,
		Parents:     parents,
		Tags:        tags,
		Provenance:  spec.Provenance,
		MergePolicy: policy,
		CreatedAt:   s.opts.clock().UTC(),
	}
	if cerr := s.catalog.CreateSnapshot(ctx, snap); cerr != nil {
		return model.Snapshot{}, translateError("create snapshot", spec.SnapshotID, cerr)
	}
	return snap, nil
}

// GetSnapshot returns the snapshot with the given id or ErrNotFound.
func (s *Store) GetSnapshot(ctx context.Context, id string) (model.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return model.Snapshot{}, err
	}
	snap, err := s.catalog.GetSnapshot(ctx, id)
	if err != nil {
		return model.Snapshot{}, translateError("get snapshot", id, err)
	}
	return snap, nil
}

// ListSnapshots returns snapshots most recent first. limit <= 0 returns all.
func (s *Store) ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	snaps, err := s.catalog.ListSnapshots(ctx, limit)
	if err != nil {
		return nil, translateError("list snapshots", "", err)
	}
	return snaps, nil
}

// Lineage returns the ancestors of a snapshot in breadth-first order, each
// listed once.
func (s *Store) Lineage(ctx context.Context, id string) ([]model.Snapshot, error) {
	root, err := s.GetSnapshot(ctx, id)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{id: true}
	queue := append([]string(nil), root.Parents...)
	var out []model.Snapshot
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true

		snap, err := s.catalog.GetSnapshot(ctx, next)
		if errors.Is(err, catalog.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, translateError("get snapshot", next, err)
		}
		out = append(out, snap)
		queue = append(queue, snap.Parents...)
	}
	return out, nil
}

// requireSnapshot returns ErrNotFound when the snapshot does not exist.
func (s *Store) requireSnapshot(ctx context.Context, id string) error {
	if _, err := s.catalog.GetSnapshot(ctx, id); err != nil {
		return translateError("get snapshot", id, err)
	}
	return nil
}
