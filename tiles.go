package him

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"path"
	"strconv"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/him/blobstore"
	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/model"
	"github.com/hupe1980/him/spatial"
)

// TileID returns the content-addressed identity of a tile: the hex SHA-256
// over the length-prefixed key tuple followed by the payload.
func TileID(key model.TileKey, payload []byte) string {
	h := sha256.New()
	var n [4]byte
	for _, part := range []string{
		key.Stream,
		key.SnapshotID,
		strconv.Itoa(key.Level),
		strconv.Itoa(key.X),
		strconv.Itoa(key.Y),
	} {
		binary.BigEndian.PutUint32(n[:], uint32(len(part)))
		h.Write(n[:])
		h.Write([]byte(part))
	}
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Checksum returns the hex SHA-256 of a payload.
func Checksum(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}

// PayloadPath returns the blob name of a tile payload:
// tiles/{stream}/{snapshot}/L{level}/x{x}/y{y}/{tile_id[:12]}.bin
func PayloadPath(key model.TileKey, tileID string) string {
	prefix := tileID
	if len(prefix) > 12 {
		prefix = prefix[:12]
	}
	return path.Join(
		"tiles",
		key.Stream,
		key.SnapshotID,
		"L"+strconv.Itoa(key.Level),
		"x"+strconv.Itoa(key.X),
		"y"+strconv.Itoa(key.Y),
		prefix+".bin",
	)
}

// Tile is a resolved tile: its metadata plus an open payload handle.
// The caller must Close it.
type Tile struct {
	model.TileMeta
	// Path is the blob name of the payload.
	Path string

	blob blobstore.Blob
}

// Size returns the stored payload size in bytes.
func (t *Tile) Size() int64 { return t.blob.Size() }

// ReadAt reads payload bytes starting at off.
func (t *Tile) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	return t.blob.ReadAt(ctx, p, off)
}

// Bytes reads the whole payload and verifies it against the checksum.
func (t *Tile) Bytes(ctx context.Context) ([]byte, error) {
	buf := make([]byte, t.blob.Size())
	if len(buf) > 0 {
		n, err := t.blob.ReadAt(ctx, buf, 0)
		if err != nil && !(errors.Is(err, io.EOF) && n == len(buf)) {
			return nil, &StorageError{Op: "read payload", Name: t.Path, Err: err}
		}
	}
	if Checksum(buf) != t.Checksum {
		return nil, &StorageError{Op: "read payload", Name: t.Path, Err: errors.New("checksum mismatch")}
	}
	return buf, nil
}

// Close releases the payload handle.
func (t *Tile) Close() error { return t.blob.Close() }

// TileQuery filters TilesForSnapshot.
type TileQuery struct {
	// Stream restricts the result to one stream. Empty matches all.
	Stream string
	// LevelRange is inclusive and may be given in either order.
	LevelRange *model.LevelRange
	// BBoxes keeps tiles whose (x, y) at their own level falls in any box.
	BBoxes []model.BBox
}

func validateRecord(i int, r model.TileRecord) error {
	if err := validateName(r.Stream); err != nil {
		return invalid(i, "stream", "%v", err)
	}
	if err := validateName(r.SnapshotID); err != nil {
		return invalid(i, "snapshot_id", "%v", err)
	}
	if r.Level < 0 {
		return invalid(i, "level", "must not be negative, got %d", r.Level)
	}
	for _, d := range r.Shape {
		if d <= 0 {
			return invalid(i, "shape", "dimensions must be positive, got %v", r.Shape)
		}
	}
	if r.DType == "" {
		return invalid(i, "dtype", "must not be empty")
	}
	if r.Halo != nil && *r.Halo < 0 {
		return invalid(i, "halo", "must not be negative, got %d", *r.Halo)
	}
	return nil
}

// validateBatch checks every record before any byte is written.
func (s *Store) validateBatch(ctx context.Context, records []model.TileRecord) error {
	known := make(map[string]bool)
	for i, r := range records {
		if err := validateRecord(i, r); err != nil {
			return err
		}
		if known[r.SnapshotID] {
			continue
		}
		if _, err := s.catalog.GetSnapshot(ctx, r.SnapshotID); err != nil {
			if errors.Is(err, catalog.ErrNotFound) {
				return invalid(i, "snapshot_id", "unknown snapshot %q", r.SnapshotID)
			}
			return translateError("get snapshot", r.SnapshotID, err)
		}
		known[r.SnapshotID] = true
	}
	return nil
}

// PutTiles ingests a batch of tiles and returns their metadata in input
// order.
//
// The whole batch is validated first; an invalid record or unknown snapshot
// rejects the batch before anything is written. Each record is then written
// atomically under its key lock: a tile whose key and payload are unchanged
// is returned as stored without touching the payload tree. Records of one
// batch are independent, so a failure may leave earlier records committed.
func (s *Store) PutTiles(ctx context.Context, records []model.TileRecord) (_ []model.TileMeta, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "Store.PutTiles", attribute.Int("him.records", len(records)))
	start := time.Now()
	var written, bytesWritten atomic.Int64
	defer func() {
		s.opts.metricsCollector.RecordPutTiles(len(records), int(written.Load()), bytesWritten.Load(), time.Since(start), err)
		s.opts.logger.LogPutTiles(ctx, len(records), int(written.Load()), err)
		endSpan(span, err)
	}()

	if len(records) == 0 {
		return []model.TileMeta{}, nil
	}
	if err := s.validateBatch(ctx, records); err != nil {
		return nil, err
	}

	out := make([]model.TileMeta, len(records))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.writeConcurrency)
	for i := range records {
		g.Go(func() error {
			m, wrote, err := s.putTile(gctx, records[i])
			if err != nil {
				return err
			}
			out[i] = m
			if wrote {
				written.Add(1)
				bytesWritten.Add(int64(len(records[i].Payload)))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// putTile writes one record. It reports whether the payload was written.
func (s *Store) putTile(ctx context.Context, r model.TileRecord) (model.TileMeta, bool, error) {
	unlock := s.locks.lock(r.TileKey)
	defer unlock()

	id := TileID(r.TileKey, r.Payload)
	name := PayloadPath(r.TileKey, id)

	prev, err := s.catalog.LookupKey(ctx, r.TileKey)
	hasPrev := err == nil
	if err != nil && !errors.Is(err, catalog.ErrNotFound) {
		return model.TileMeta{}, false, translateError("lookup tile", r.TileKey.String(), err)
	}

	samePayload := hasPrev && prev.TileID == id
	if samePayload {
		ok, err := blobstore.Exists(ctx, s.blobs, name)
		if err != nil {
			return model.TileMeta{}, false, &StorageError{Op: "stat payload", Name: name, Err: err}
		}
		if ok {
			return prev, false, nil
		}
	}

	if err := s.blobs.Put(ctx, name, r.Payload); err != nil {
		return model.TileMeta{}, false, &StorageError{Op: "write payload", Name: name, Err: err}
	}

	now := s.opts.clock().UTC()
	m := model.TileMeta{
		TileID:       id,
		TileKey:      r.TileKey,
		Shape:        append([]int{}, r.Shape...),
		DType:        r.DType,
		ParentTileID: r.ParentTileID,
		Halo:         r.Halo,
		Checksum:     Checksum(r.Payload),
		SizeBytes:    int64(len(r.Payload)),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if hasPrev {
		m.Version = prev.Version + 1
		if samePayload {
			// Restored a missing payload; the tile itself did not change.
			m.Version = prev.Version
		}
		m.CreatedAt = prev.CreatedAt
	}

	if err := s.catalog.UpsertTile(ctx, m); err != nil {
		if !samePayload {
			_ = s.blobs.Delete(ctx, name)
		}
		return model.TileMeta{}, false, translateError("upsert tile", r.TileKey.String(), err)
	}
	s.spatial.Insert(r.TileKey, id)
	if hasPrev {
		// The catalog carried the stored counters over; this only fills the
		// returned copy.
		m.AccessCount, m.LastAccess = prev.AccessCount, prev.LastAccess
	}
	return m, true, nil
}

// CreateTile writes a tile only if its key is free. A key already holding
// the same payload returns the stored tile; a key holding another payload
// fails with ErrConflict and leaves the stored tile alone. Unlike PutTiles
// this holds across stores sharing one catalog.
func (s *Store) CreateTile(ctx context.Context, r model.TileRecord) (_ model.TileMeta, err error) {
	if err := s.checkOpen(); err != nil {
		return model.TileMeta{}, err
	}

	ctx, span := s.startSpan(ctx, "Store.CreateTile", attribute.String("him.tile_key", r.TileKey.String()))
	start := time.Now()
	written := 0
	defer func() {
		s.opts.metricsCollector.RecordPutTiles(1, written, int64(written*len(r.Payload)), time.Since(start), err)
		s.opts.logger.LogPutTiles(ctx, 1, written, err)
		endSpan(span, err)
	}()

	if err := s.validateBatch(ctx, []model.TileRecord{r}); err != nil {
		return model.TileMeta{}, err
	}

	unlock := s.locks.lock(r.TileKey)
	defer unlock()

	id := TileID(r.TileKey, r.Payload)
	name := PayloadPath(r.TileKey, id)

	if err := s.blobs.Put(ctx, name, r.Payload); err != nil {
		return model.TileMeta{}, &StorageError{Op: "write payload", Name: name, Err: err}
	}

	now := s.opts.clock().UTC()
	m := model.TileMeta{
		TileID:       id,
		TileKey:      r.TileKey,
		Shape:        append([]int{}, r.Shape...),
		DType:        r.DType,
		ParentTileID: r.ParentTileID,
		Halo:         r.Halo,
		Checksum:     Checksum(r.Payload),
		SizeBytes:    int64(len(r.Payload)),
		Version:      1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.catalog.InsertTile(ctx, m)
	if errors.Is(err, catalog.ErrExists) {
		prev, lerr := s.catalog.LookupKey(ctx, r.TileKey)
		if lerr != nil {
			return model.TileMeta{}, translateError("lookup tile", r.TileKey.String(), lerr)
		}
		if prev.TileID == id {
			return prev, nil
		}
		// The payload path embeds the tile id, so nothing else refers to it.
		_ = s.blobs.Delete(ctx, name)
		return model.TileMeta{}, translateError("create tile", r.TileKey.String(), err)
	}
	if err != nil {
		_ = s.blobs.Delete(ctx, name)
		return model.TileMeta{}, translateError("create tile", r.TileKey.String(), err)
	}
	s.spatial.Insert(r.TileKey, id)
	written = 1
	return m, nil
}

// GetTile resolves a tile by id and counts one access. The caller must Close
// the returned tile.
func (s *Store) GetTile(ctx context.Context, tileID string) (*Tile, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "Store.GetTile", attribute.String("him.tile_id", tileID))

	meta, err := s.catalog.LookupTile(ctx, tileID)
	if err != nil {
		err = translateError("get tile", tileID, err)
		s.finishGet(ctx, span, tileID, time.Now(), err)
		return nil, err
	}
	return s.resolve(ctx, span, meta)
}

// GetTileByCoordinate resolves the tile occupying key and counts one access.
// The caller must Close the returned tile.
func (s *Store) GetTileByCoordinate(ctx context.Context, key model.TileKey) (*Tile, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	ctx, span := s.startSpan(ctx, "Store.GetTileByCoordinate", attribute.String("him.tile_key", key.String()))

	meta, err := s.catalog.LookupKey(ctx, key)
	if err != nil {
		err = translateError("get tile", key.String(), err)
		s.finishGet(ctx, span, key.String(), time.Now(), err)
		return nil, err
	}
	return s.resolve(ctx, span, meta)
}

func (s *Store) resolve(ctx context.Context, span trace.Span, meta model.TileMeta) (_ *Tile, err error) {
	start := time.Now()
	defer func() { s.finishGet(ctx, span, meta.TileID, start, err) }()

	name := PayloadPath(meta.TileKey, meta.TileID)
	blob, err := s.blobs.Open(ctx, name)
	if err != nil {
		if errors.Is(err, blobstore.ErrNotFound) {
			err = fmt.Errorf("payload missing: %w", err)
		}
		return nil, &StorageError{Op: "open payload", Name: name, Err: err}
	}

	updated, err := s.catalog.RecordAccess(ctx, meta.TileID, s.opts.clock())
	if err != nil {
		_ = blob.Close()
		return nil, translateError("record access", meta.TileID, err)
	}
	return &Tile{TileMeta: updated, Path: name, blob: blob}, nil
}

func (s *Store) finishGet(ctx context.Context, span trace.Span, ref string, start time.Time, err error) {
	s.opts.metricsCollector.RecordGetTile(time.Since(start), err)
	s.opts.logger.LogGetTile(ctx, ref, err)
	endSpan(span, err)
}

// StatTile returns the metadata of the tile at key without counting an
// access.
func (s *Store) StatTile(ctx context.Context, key model.TileKey) (model.TileMeta, error) {
	if err := s.checkOpen(); err != nil {
		return model.TileMeta{}, err
	}
	meta, err := s.catalog.LookupKey(ctx, key)
	if err != nil {
		return model.TileMeta{}, translateError("stat tile", key.String(), err)
	}
	return meta, nil
}

// TilesForSnapshot lists the tiles of a snapshot ordered by level, stream, y,
// x. Level and stream filters use the catalog index; bbox filters use the
// spatial grid index, refreshed first when the catalog's tile revision of the
// snapshot moved.
func (s *Store) TilesForSnapshot(ctx context.Context, snapshotID string, q TileQuery) (tiles []model.TileMeta, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "Store.TilesForSnapshot",
		attribute.String("him.snapshot_id", snapshotID),
		attribute.Int("him.bboxes", len(q.BBoxes)),
	)
	start := time.Now()
	defer func() {
		s.opts.metricsCollector.RecordQuery(len(tiles), time.Since(start), err)
		s.opts.logger.LogQuery(ctx, snapshotID, len(tiles), err)
		endSpan(span, err)
	}()

	var levels *model.LevelRange
	if q.LevelRange != nil {
		if verr := q.LevelRange.Validate(); verr != nil {
			return nil, invalid(-1, "level_range", "%v", verr)
		}
		lr := q.LevelRange.Normalize()
		levels = &lr
	}
	if err := s.requireSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}

	if len(q.BBoxes) == 0 {
		tiles, err = s.catalog.ListTiles(ctx, catalog.TileFilter{SnapshotID: snapshotID, Stream: q.Stream, Levels: levels})
		if err != nil {
			return nil, translateError("list tiles", snapshotID, err)
		}
		return tiles, nil
	}

	if err := s.syncIndex(ctx, snapshotID); err != nil {
		return nil, err
	}
	ids := s.spatial.Search(spatial.Query{SnapshotID: snapshotID, Stream: q.Stream, Levels: levels, BBoxes: q.BBoxes})
	if len(ids) == 0 {
		return []model.TileMeta{}, nil
	}
	found, err := s.catalog.GetTiles(ctx, ids)
	if err != nil {
		return nil, translateError("get tiles", snapshotID, err)
	}

	// Rows replaced between the index lookup and the fetch are dropped.
	filter := catalog.TileFilter{SnapshotID: snapshotID, Stream: q.Stream, Levels: levels}
	tiles = found[:0]
	for _, m := range found {
		if filter.Match(m) && model.IntersectsAny(m.X, m.Y, q.BBoxes) {
			tiles = append(tiles, m)
		}
	}
	catalog.SortTiles(tiles)
	return tiles, nil
}

// TileUsageForSnapshot returns the usage statistics of every tile of a
// snapshot keyed by tile id.
func (s *Store) TileUsageForSnapshot(ctx context.Context, snapshotID string) (map[string]model.TileUsage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := s.requireSnapshot(ctx, snapshotID); err != nil {
		return nil, err
	}
	tiles, err := s.catalog.ListTiles(ctx, catalog.TileFilter{SnapshotID: snapshotID})
	if err != nil {
		return nil, translateError("list tiles", snapshotID, err)
	}
	usage := make(map[string]model.TileUsage, len(tiles))
	for _, m := range tiles {
		usage[m.TileID] = m.Usage()
	}
	return usage, nil
}
