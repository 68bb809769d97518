// Package sqlite implements catalog.Catalog on a single SQLite file using the
// pure-Go modernc.org/sqlite driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/codec"
	"github.com/hupe1980/him/model"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	snapshot_id  TEXT PRIMARY KEY,
	parents      BLOB NOT NULL,
	tags         BLOB NOT NULL,
	provenance   BLOB NOT NULL,
	merge_policy TEXT NOT NULL,
	created_at   INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS tiles (
	tile_id        TEXT PRIMARY KEY,
	stream         TEXT NOT NULL,
	snapshot_id    TEXT NOT NULL,
	level          INTEGER NOT NULL,
	x              INTEGER NOT NULL,
	y              INTEGER NOT NULL,
	shape          BLOB NOT NULL,
	dtype          TEXT NOT NULL,
	parent_tile_id TEXT NOT NULL DEFAULT '',
	halo           INTEGER,
	checksum       TEXT NOT NULL,
	size_bytes     INTEGER NOT NULL,
	version        INTEGER NOT NULL,
	created_at     INTEGER NOT NULL,
	updated_at     INTEGER NOT NULL,
	access_count   INTEGER NOT NULL DEFAULT 0,
	last_access    INTEGER,
	UNIQUE (stream, snapshot_id, level, x, y)
);

CREATE INDEX IF NOT EXISTS idx_tiles_snapshot_level ON tiles(snapshot_id, level);

CREATE TABLE IF NOT EXISTS tile_revisions (
	snapshot_id TEXT PRIMARY KEY,
	revision    INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS hints (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	query_id    TEXT NOT NULL,
	snapshot_id TEXT NOT NULL,
	stream      TEXT NOT NULL,
	level_max   INTEGER NOT NULL,
	level_min   INTEGER NOT NULL,
	bboxes      BLOB NOT NULL,
	confidence  REAL NOT NULL,
	created_at  INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_hints_snapshot_stream ON hints(snapshot_id, stream, seq);
`

const tileColumns = `tile_id, stream, snapshot_id, level, x, y, shape, dtype, parent_tile_id, halo,
	checksum, size_bytes, version, created_at, updated_at, access_count, last_access`

// Options configures a Catalog.
type Options struct {
	// Codec encodes the JSON columns. Defaults to codec.Default.
	Codec codec.Codec
	// BusyTimeout bounds how long a writer waits for the database lock.
	BusyTimeout time.Duration
}

// Option mutates Options.
type Option func(*Options)

// WithCodec sets the codec of the JSON columns.
func WithCodec(c codec.Codec) Option {
	return func(o *Options) { o.Codec = c }
}

// WithBusyTimeout sets the lock wait timeout.
func WithBusyTimeout(d time.Duration) Option {
	return func(o *Options) { o.BusyTimeout = d }
}

// Catalog is a SQLite-backed catalog.Catalog.
type Catalog struct {
	codec codec.Codec

	mu sync.RWMutex
	db *sql.DB
}

var _ catalog.Catalog = (*Catalog)(nil)

// Open opens (creating if needed) the catalog database at path. Use
// ":memory:" for a private in-memory database.
func Open(ctx context.Context, path string, optFns ...Option) (*Catalog, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}

	opts := Options{Codec: codec.Default, BusyTimeout: 5 * time.Second}
	for _, fn := range optFns {
		fn(&opts)
	}

	db, err := sql.Open("sqlite", dsn(path, opts.BusyTimeout))
	if err != nil {
		return nil, err
	}
	// One connection serializes writers and keeps :memory: databases alive.
	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &Catalog{codec: opts.Codec, db: db}, nil
}

func dsn(path string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(ON)")
	if path != ":memory:" {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	return "file:" + path + "?" + q.Encode()
}

func (c *Catalog) getDB() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.db == nil {
		return nil, catalog.ErrClosed
	}
	return c.db, nil
}

// Close closes the database.
func (c *Catalog) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.db == nil {
		return nil
	}
	err := c.db.Close()
	c.db = nil
	return err
}

func (c *Catalog) CreateSnapshot(ctx context.Context, s model.Snapshot) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}

	parents, err := c.codec.Marshal(nonNil(s.Parents))
	if err != nil {
		return err
	}
	tags, err := c.codec.Marshal(s.Tags)
	if err != nil {
		return err
	}
	prov, err := c.codec.Marshal(s.Provenance)
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO snapshots (snapshot_id, parents, tags, provenance, merge_policy, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(snapshot_id) DO NOTHING
	`, s.SnapshotID, parents, tags, prov, string(s.MergePolicy), s.CreatedAt.UnixNano())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrExists
	}
	return nil
}

func (c *Catalog) GetSnapshot(ctx context.Context, id string) (model.Snapshot, error) {
	db, err := c.getDB()
	if err != nil {
		return model.Snapshot{}, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT snapshot_id, parents, tags, provenance, merge_policy, created_at
		FROM snapshots WHERE snapshot_id = ?`, id)
	s, err := c.scanSnapshot(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Snapshot{}, catalog.ErrNotFound
	}
	return s, err
}

func (c *Catalog) ListSnapshots(ctx context.Context, limit int) ([]model.Snapshot, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	rows, err := db.QueryContext(ctx, `
		SELECT snapshot_id, parents, tags, provenance, merge_policy, created_at
		FROM snapshots ORDER BY created_at DESC, snapshot_id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Snapshot
	for rows.Next() {
		s, err := c.scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func (c *Catalog) scanSnapshot(r scanner) (model.Snapshot, error) {
	var (
		s                   model.Snapshot
		parents, tags, prov []byte
		policy              string
		createdAt           int64
	)
	if err := r.Scan(&s.SnapshotID, &parents, &tags, &prov, &policy, &createdAt); err != nil {
		return model.Snapshot{}, err
	}
	if err := c.codec.Unmarshal(parents, &s.Parents); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode parents of %s: %w", s.SnapshotID, err)
	}
	if err := c.codec.Unmarshal(tags, &s.Tags); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode tags of %s: %w", s.SnapshotID, err)
	}
	if err := c.codec.Unmarshal(prov, &s.Provenance); err != nil {
		return model.Snapshot{}, fmt.Errorf("decode provenance of %s: %w", s.SnapshotID, err)
	}
	s.MergePolicy = model.MergePolicy(policy)
	s.CreatedAt = fromNanos(createdAt)
	return s, nil
}

func (c *Catalog) LookupTile(ctx context.Context, tileID string) (model.TileMeta, error) {
	db, err := c.getDB()
	if err != nil {
		return model.TileMeta{}, err
	}
	return c.queryTile(ctx, db, `SELECT `+tileColumns+` FROM tiles WHERE tile_id = ?`, tileID)
}

func (c *Catalog) LookupKey(ctx context.Context, key model.TileKey) (model.TileMeta, error) {
	db, err := c.getDB()
	if err != nil {
		return model.TileMeta{}, err
	}
	return c.queryTile(ctx, db, `SELECT `+tileColumns+` FROM tiles
		WHERE stream = ? AND snapshot_id = ? AND level = ? AND x = ? AND y = ?`,
		key.Stream, key.SnapshotID, key.Level, key.X, key.Y)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (c *Catalog) queryTile(ctx context.Context, q queryer, query string, args ...any) (model.TileMeta, error) {
	m, err := c.scanTile(q.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return model.TileMeta{}, catalog.ErrNotFound
	}
	return m, err
}

func (c *Catalog) scanTile(r scanner) (model.TileMeta, error) {
	var (
		m          model.TileMeta
		shape      []byte
		halo       sql.NullInt64
		created    int64
		updated    int64
		lastAccess sql.NullInt64
	)
	err := r.Scan(&m.TileID, &m.Stream, &m.SnapshotID, &m.Level, &m.X, &m.Y, &shape, &m.DType,
		&m.ParentTileID, &halo, &m.Checksum, &m.SizeBytes, &m.Version, &created, &updated,
		&m.AccessCount, &lastAccess)
	if err != nil {
		return model.TileMeta{}, err
	}
	if err := c.codec.Unmarshal(shape, &m.Shape); err != nil {
		return model.TileMeta{}, fmt.Errorf("decode shape of %s: %w", m.TileID, err)
	}
	if halo.Valid {
		h := int(halo.Int64)
		m.Halo = &h
	}
	m.CreatedAt = fromNanos(created)
	m.UpdatedAt = fromNanos(updated)
	if lastAccess.Valid {
		t := fromNanos(lastAccess.Int64)
		m.LastAccess = &t
	}
	return m, nil
}

type tileRow struct {
	shape      []byte
	halo       sql.NullInt64
	lastAccess sql.NullInt64
}

func (c *Catalog) encodeTile(m model.TileMeta) (tileRow, error) {
	var r tileRow
	shape, err := c.codec.Marshal(nonNil(m.Shape))
	if err != nil {
		return r, err
	}
	r.shape = shape
	if m.Halo != nil {
		r.halo = sql.NullInt64{Int64: int64(*m.Halo), Valid: true}
	}
	if m.LastAccess != nil {
		r.lastAccess = sql.NullInt64{Int64: m.LastAccess.UnixNano(), Valid: true}
	}
	return r, nil
}

func (c *Catalog) UpsertTile(ctx context.Context, m model.TileMeta) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}

	r, err := c.encodeTile(m)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	// Counters of the row being replaced survive the replacement.
	err = tx.QueryRowContext(ctx, `
		SELECT access_count, last_access FROM tiles
		WHERE stream = ? AND snapshot_id = ? AND level = ? AND x = ? AND y = ?`,
		m.Stream, m.SnapshotID, m.Level, m.X, m.Y).Scan(&m.AccessCount, &r.lastAccess)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM tiles
		WHERE stream = ? AND snapshot_id = ? AND level = ? AND x = ? AND y = ? AND tile_id <> ?`,
		m.Stream, m.SnapshotID, m.Level, m.X, m.Y, m.TileID); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO tiles (`+tileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tile_id) DO UPDATE SET
			shape = excluded.shape,
			dtype = excluded.dtype,
			parent_tile_id = excluded.parent_tile_id,
			halo = excluded.halo,
			checksum = excluded.checksum,
			size_bytes = excluded.size_bytes,
			version = excluded.version,
			created_at = excluded.created_at,
			updated_at = excluded.updated_at
	`, m.TileID, m.Stream, m.SnapshotID, m.Level, m.X, m.Y, r.shape, m.DType, m.ParentTileID, r.halo,
		m.Checksum, m.SizeBytes, m.Version, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(),
		m.AccessCount, r.lastAccess)
	if err != nil {
		return err
	}
	if err := bumpRevision(ctx, tx, m.SnapshotID); err != nil {
		return err
	}

	return tx.Commit()
}

func (c *Catalog) InsertTile(ctx context.Context, m model.TileMeta) error {
	db, err := c.getDB()
	if err != nil {
		return err
	}

	r, err := c.encodeTile(m)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO tiles (`+tileColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`, m.TileID, m.Stream, m.SnapshotID, m.Level, m.X, m.Y, r.shape, m.DType, m.ParentTileID, r.halo,
		m.Checksum, m.SizeBytes, m.Version, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(),
		m.AccessCount, r.lastAccess)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return catalog.ErrExists
	}
	if err := bumpRevision(ctx, tx, m.SnapshotID); err != nil {
		return err
	}
	return tx.Commit()
}

func bumpRevision(ctx context.Context, tx *sql.Tx, snapshotID string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO tile_revisions (snapshot_id, revision) VALUES (?, 1)
		ON CONFLICT(snapshot_id) DO UPDATE SET revision = revision + 1`, snapshotID)
	return err
}

func (c *Catalog) TileRevision(ctx context.Context, snapshotID string) (uint64, error) {
	db, err := c.getDB()
	if err != nil {
		return 0, err
	}
	var rev int64
	err = db.QueryRowContext(ctx, `SELECT revision FROM tile_revisions WHERE snapshot_id = ?`, snapshotID).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(rev), nil
}

func (c *Catalog) ListTiles(ctx context.Context, f catalog.TileFilter) ([]model.TileMeta, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if f.SnapshotID != "" {
		where = append(where, "snapshot_id = ?")
		args = append(args, f.SnapshotID)
	}
	if f.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, f.Stream)
	}
	if f.Levels != nil {
		lr := f.Levels.Normalize()
		where = append(where, "level BETWEEN ? AND ?")
		args = append(args, lr.Min, lr.Max)
	}

	query := `SELECT ` + tileColumns + ` FROM tiles`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY level, stream, y, x, tile_id"

	return c.queryTiles(ctx, db, query, args...)
}

func (c *Catalog) queryTiles(ctx context.Context, db *sql.DB, query string, args ...any) ([]model.TileMeta, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.TileMeta
	for rows.Next() {
		m, err := c.scanTile(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (c *Catalog) GetTiles(ctx context.Context, ids []string) ([]model.TileMeta, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []model.TileMeta{}, nil
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")

	found, err := c.queryTiles(ctx, db, `SELECT `+tileColumns+` FROM tiles WHERE tile_id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}

	byID := make(map[string]model.TileMeta, len(found))
	for _, m := range found {
		byID[m.TileID] = m
	}
	out := make([]model.TileMeta, 0, len(found))
	for _, id := range ids {
		if m, ok := byID[id]; ok {
			out = append(out, m)
		}
	}
	return out, nil
}

func (c *Catalog) RecordAccess(ctx context.Context, tileID string, at time.Time) (model.TileMeta, error) {
	db, err := c.getDB()
	if err != nil {
		return model.TileMeta{}, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return model.TileMeta{}, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE tiles SET access_count = access_count + 1, last_access = ?
		WHERE tile_id = ?`, at.UnixNano(), tileID)
	if err != nil {
		return model.TileMeta{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.TileMeta{}, catalog.ErrNotFound
	}

	m, err := c.queryTile(ctx, tx, `SELECT `+tileColumns+` FROM tiles WHERE tile_id = ?`, tileID)
	if err != nil {
		return model.TileMeta{}, err
	}
	return m, tx.Commit()
}

func (c *Catalog) AppendHints(ctx context.Context, hints []model.QueryHint) ([]model.QueryHint, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO hints (query_id, snapshot_id, stream, level_max, level_min, bboxes, confidence, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	out := make([]model.QueryHint, len(hints))
	for i, h := range hints {
		boxes, err := c.codec.Marshal(nonNil(h.BBoxes))
		if err != nil {
			return nil, err
		}
		res, err := stmt.ExecContext(ctx, h.QueryID, h.SnapshotID, h.Stream,
			h.LevelRange.Max, h.LevelRange.Min, boxes, h.Confidence, h.CreatedAt.UnixNano())
		if err != nil {
			return nil, err
		}
		seq, err := res.LastInsertId()
		if err != nil {
			return nil, err
		}
		h.Seq = uint64(seq)
		h.BBoxes = slices.Clone(h.BBoxes)
		out[i] = h
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

const hintColumns = `seq, query_id, snapshot_id, stream, level_max, level_min, bboxes, confidence, created_at`

func (c *Catalog) ScanHints(ctx context.Context, afterSeq uint64, limit int) ([]model.QueryHint, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}
	return c.queryHints(ctx, db, `SELECT `+hintColumns+` FROM hints WHERE seq > ? ORDER BY seq LIMIT ?`,
		int64(afterSeq), limit)
}

func (c *Catalog) RecentHints(ctx context.Context, f catalog.HintFilter, limit int) ([]model.QueryHint, error) {
	db, err := c.getDB()
	if err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = -1
	}

	var (
		where []string
		args  []any
	)
	if f.SnapshotID != "" {
		where = append(where, "snapshot_id = ?")
		args = append(args, f.SnapshotID)
	}
	if f.Stream != "" {
		where = append(where, "stream = ?")
		args = append(args, f.Stream)
	}
	if f.Levels != nil {
		lr := f.Levels.Normalize()
		where = append(where, "MAX(level_max, level_min) >= ? AND MIN(level_max, level_min) <= ?")
		args = append(args, lr.Min, lr.Max)
	}

	query := `SELECT ` + hintColumns + ` FROM hints`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC LIMIT ?"
	args = append(args, limit)

	out, err := c.queryHints(ctx, db, query, args...)
	if err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

func (c *Catalog) queryHints(ctx context.Context, db *sql.DB, query string, args ...any) ([]model.QueryHint, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.QueryHint{}
	for rows.Next() {
		var (
			h       model.QueryHint
			seq     int64
			boxes   []byte
			created int64
		)
		if err := rows.Scan(&seq, &h.QueryID, &h.SnapshotID, &h.Stream, &h.LevelRange.Max,
			&h.LevelRange.Min, &boxes, &h.Confidence, &created); err != nil {
			return nil, err
		}
		if err := c.codec.Unmarshal(boxes, &h.BBoxes); err != nil {
			return nil, fmt.Errorf("decode bboxes of hint %d: %w", seq, err)
		}
		h.Seq = uint64(seq)
		h.CreatedAt = fromNanos(created)
		out = append(out, h)
	}
	return out, rows.Err()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
