// Package experience persists observation/response pairs as tiles and
// answers queries by textual relevance over them.
//
// Each experience is one level-0 tile at (x, 0) in a dedicated stream of a
// snapshot. Several Store instances may share a snapshot and stream: Load
// and Ingest re-read the tiles, so every instance converges on the same list.
// Ingest claims its x with a create-if-absent write and moves on to the next
// x when another instance got there first.
package experience

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/codec"
	"github.com/hupe1980/him/internal/textsim"
	"github.com/hupe1980/him/model"
)

const (
	// DefaultSnapshotID is the snapshot used when Config leaves it empty.
	DefaultSnapshotID = "simulated-human"
	// DefaultStream is the stream used when Config leaves it empty.
	DefaultStream = "human_experience"
	// DType marks experience payloads.
	DType = "experience/json"
)

// TileStore is the part of the tile store an experience store needs.
type TileStore interface {
	GetSnapshot(ctx context.Context, id string) (model.Snapshot, error)
	CreateSnapshot(ctx context.Context, spec model.SnapshotSpec) (model.Snapshot, error)
	CreateTile(ctx context.Context, r model.TileRecord) (model.TileMeta, error)
	GetTile(ctx context.Context, tileID string) (*him.Tile, error)
	TilesForSnapshot(ctx context.Context, snapshotID string, q him.TileQuery) ([]model.TileMeta, error)
}

// Config configures a Store.
type Config struct {
	SnapshotID string
	Stream     string
	// SourceID is written into every ingested experience. Defaults to
	// SnapshotID.
	SourceID   string
	Provenance model.Provenance
	// Codec encodes payloads. Defaults to codec.Default.
	Codec codec.Codec
	// Clock stamps ingested experiences. Defaults to time.Now.
	Clock func() time.Time
}

// Experience is one stored observation/response pair.
type Experience struct {
	Observation string
	Response    string
	SourceID    string
	Timestamp   time.Time
	Metadata    map[string]any
	TileID      string
	X           int

	vec textsim.Vector
}

// payload is the stored form of an experience.
type payload struct {
	Observation string         `json:"observation"`
	Response    string         `json:"response,omitempty"`
	SourceID    string         `json:"source_id"`
	Timestamp   time.Time      `json:"timestamp"`
	Metadata    map[string]any `json:"metadata"`
}

// Store is an experience store backed by a tile store.
type Store struct {
	tiles TileStore
	cfg   Config

	mu     sync.RWMutex
	exps   []Experience
	byX    map[int]string // x -> tile id
	next   int
	loaded bool
}

// New creates a store. It performs no I/O; call Load before use.
func New(tiles TileStore, cfg Config) *Store {
	if cfg.SnapshotID == "" {
		cfg.SnapshotID = DefaultSnapshotID
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultStream
	}
	if cfg.SourceID == "" {
		cfg.SourceID = cfg.SnapshotID
	}
	cfg.Codec = codec.Or(cfg.Codec)
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Provenance.Model == "" {
		cfg.Provenance.Model = "simulated_human"
	}
	return &Store{tiles: tiles, cfg: cfg, byX: make(map[int]string)}
}

// SnapshotID returns the snapshot the store writes to.
func (s *Store) SnapshotID() string { return s.cfg.SnapshotID }

// Load creates the snapshot if it does not exist and rehydrates the
// experiences stored under it. The returned slice is owned by the caller.
func (s *Store) Load(ctx context.Context) ([]Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSnapshot(ctx); err != nil {
		return nil, err
	}
	if err := s.sync(ctx); err != nil {
		return nil, err
	}
	s.loaded = true
	return slices.Clone(s.exps), nil
}

func (s *Store) ensureSnapshot(ctx context.Context) error {
	_, err := s.tiles.GetSnapshot(ctx, s.cfg.SnapshotID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, him.ErrNotFound) {
		return err
	}
	_, err = s.tiles.CreateSnapshot(ctx, model.SnapshotSpec{
		SnapshotID: s.cfg.SnapshotID,
		Tags:       map[string]string{"purpose": "simulated_human"},
		Provenance: s.cfg.Provenance,
	})
	// Another instance may have created it meanwhile.
	if errors.Is(err, him.ErrConflict) {
		return nil
	}
	return err
}

// sync reads tiles written since the last sync. An x that now holds another
// tile replaces the experience known there. Callers hold s.mu.
func (s *Store) sync(ctx context.Context) error {
	levels := model.LevelRange{Max: 0, Min: 0}
	metas, err := s.tiles.TilesForSnapshot(ctx, s.cfg.SnapshotID, him.TileQuery{
		Stream:     s.cfg.Stream,
		LevelRange: &levels,
	})
	if err != nil {
		return err
	}

	added := false
	for _, m := range metas {
		if m.Y != 0 || m.DType != DType {
			continue
		}
		id, ok := s.byX[m.X]
		if ok && id == m.TileID {
			continue
		}
		exp, err := s.read(ctx, m)
		if err != nil {
			return err
		}
		if ok {
			s.exps = slices.DeleteFunc(s.exps, func(e Experience) bool { return e.X == m.X })
		}
		s.exps = append(s.exps, exp)
		s.byX[m.X] = m.TileID
		s.next = max(s.next, m.X+1)
		added = true
	}
	if added {
		slices.SortStableFunc(s.exps, func(a, b Experience) int { return a.X - b.X })
	}
	return nil
}

func (s *Store) read(ctx context.Context, m model.TileMeta) (Experience, error) {
	tile, err := s.tiles.GetTile(ctx, m.TileID)
	if err != nil {
		return Experience{}, err
	}
	defer tile.Close()

	data, err := tile.Bytes(ctx)
	if err != nil {
		return Experience{}, err
	}
	p, err := codec.Decode[payload](s.cfg.Codec, data)
	if err != nil {
		return Experience{}, fmt.Errorf("decode experience %s: %w", m.TileID, err)
	}
	return newExperience(p, m), nil
}

func newExperience(p payload, m model.TileMeta) Experience {
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	return Experience{
		Observation: p.Observation,
		Response:    p.Response,
		SourceID:    p.SourceID,
		Timestamp:   p.Timestamp,
		Metadata:    p.Metadata,
		TileID:      m.TileID,
		X:           m.X,
		vec:         textsim.NewVector(p.Observation),
	}
}

// Ingest stores a new experience at the next free x coordinate and returns
// it. The tile is written before Ingest returns.
func (s *Store) Ingest(ctx context.Context, observation, response string, metadata map[string]any) (Experience, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.loaded {
		if err := s.ensureSnapshot(ctx); err != nil {
			return Experience{}, err
		}
		s.loaded = true
	}
	if err := s.sync(ctx); err != nil {
		return Experience{}, err
	}

	p := payload{
		Observation: observation,
		Response:    response,
		SourceID:    s.cfg.SourceID,
		Timestamp:   s.cfg.Clock().UTC(),
		Metadata:    maps.Clone(metadata),
	}
	if p.Metadata == nil {
		p.Metadata = map[string]any{}
	}
	data, err := s.cfg.Codec.Marshal(p)
	if err != nil {
		return Experience{}, fmt.Errorf("encode experience: %w", err)
	}

	for {
		if err := ctx.Err(); err != nil {
			return Experience{}, err
		}
		x := s.next
		meta, err := s.tiles.CreateTile(ctx, model.TileRecord{
			TileKey: model.TileKey{
				Stream:     s.cfg.Stream,
				SnapshotID: s.cfg.SnapshotID,
				Level:      0,
				X:          x,
				Y:          0,
			},
			Shape:   []int{len(observation) + 1, len(response) + 1, 1},
			DType:   DType,
			Payload: data,
		})
		if errors.Is(err, him.ErrConflict) {
			// Another instance took x; pick up its tile and try the next one.
			if err := s.sync(ctx); err != nil {
				return Experience{}, err
			}
			s.next = max(s.next, x+1)
			continue
		}
		if err != nil {
			return Experience{}, err
		}

		exp := newExperience(p, meta)
		s.exps = append(s.exps, exp)
		s.byX[x] = exp.TileID
		s.next = x + 1
		return exp, nil
	}
}

// Experiences returns the experiences known to this instance, ordered by x.
func (s *Store) Experiences() []Experience {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.exps)
}

// Generate answers query with the response of the most relevant experience.
// Without a relevant match it falls back to the first experience that has a
// response, then to a reflective reply.
func (s *Store) Generate(query string) string {
	exps := s.Experiences()
	if best, ok := Best(query, exps); ok {
		return best.Response
	}
	for _, e := range exps {
		if e.Response != "" {
			return e.Response
		}
	}
	return Reflect(query)
}

// Best returns the experience whose observation is most similar to query.
// Only experiences with a response and a positive score qualify; ties go to
// the earliest experience.
func Best(query string, exps []Experience) (Experience, bool) {
	q := textsim.NewVector(query)
	var (
		best      Experience
		bestScore float64
	)
	for _, e := range exps {
		if e.Response == "" {
			continue
		}
		vec := e.vec
		if vec.Empty() {
			vec = textsim.NewVector(e.Observation)
		}
		if score := textsim.Cosine(q, vec); score > bestScore {
			best, bestScore = e, score
		}
	}
	return best, bestScore > 0
}

// Reflect is the reply given when no experience applies.
func Reflect(query string) string {
	words := strings.Fields(query)
	if len(words) > 16 {
		words = words[:16]
	}
	return fmt.Sprintf("I am reflecting on '%s' and forming a response as a human would.", strings.Join(words, " "))
}
