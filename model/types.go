package model

import (
	"fmt"
	"time"
)

// DefaultStream is the stream used by query requests that do not name one.
const DefaultStream = "kv_cache"

// MergePolicy describes how a snapshot reconciles concurrent branches.
type MergePolicy string

const (
	// MergeLWW resolves conflicts by last writer wins.
	MergeLWW MergePolicy = "lww"
	// MergeManual leaves conflicts to an operator.
	MergeManual MergePolicy = "manual"
)

// Valid reports whether p is a known merge policy.
func (p MergePolicy) Valid() bool {
	return p == MergeLWW || p == MergeManual
}

// Provenance records the environment that produced a snapshot.
type Provenance struct {
	Model   string `json:"model"`
	CodeSHA string `json:"code_sha"`
	CUDA    string `json:"cuda,omitempty"`
	Driver  string `json:"driver,omitempty"`
	Seed    *int64 `json:"seed,omitempty"`
}

// SnapshotSpec is the input for creating a snapshot.
type SnapshotSpec struct {
	SnapshotID  string            `json:"snapshot_id"`
	Parents     []string          `json:"parents"`
	Tags        map[string]string `json:"tags"`
	Provenance  Provenance        `json:"provenance"`
	MergePolicy MergePolicy       `json:"merge_policy,omitempty"`
}

// Snapshot is an immutable, named lineage point under which tiles live.
type Snapshot struct {
	SnapshotID  string            `json:"snapshot_id"`
	Parents     []string          `json:"parents"`
	Tags        map[string]string `json:"tags"`
	Provenance  Provenance        `json:"provenance"`
	MergePolicy MergePolicy       `json:"merge_policy"`
	CreatedAt   time.Time         `json:"created_at"`
}

// TileKey is the coordinate of a tile. At most one tile occupies a key.
type TileKey struct {
	Stream     string `json:"stream"`
	SnapshotID string `json:"snapshot_id"`
	Level      int    `json:"level"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
}

// String returns a compact representation of the key.
func (k TileKey) String() string {
	return fmt.Sprintf("%s/%s/L%d/x%d/y%d", k.Stream, k.SnapshotID, k.Level, k.X, k.Y)
}

// TileRecord is a single tile ingest request.
type TileRecord struct {
	TileKey
	Shape        []int  `json:"shape"`
	DType        string `json:"dtype"`
	Payload      []byte `json:"-"`
	Halo         *int   `json:"halo,omitempty"`
	ParentTileID string `json:"parent_tile_id,omitempty"`
}

// TileMeta describes a stored tile.
type TileMeta struct {
	TileID string `json:"tile_id"`
	TileKey
	Shape        []int      `json:"shape"`
	DType        string     `json:"dtype"`
	ParentTileID string     `json:"parent_tile_id,omitempty"`
	Halo         *int       `json:"halo,omitempty"`
	Checksum     string     `json:"checksum"`
	SizeBytes    int64      `json:"size_bytes"`
	Version      int        `json:"version"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	AccessCount  int64      `json:"access_count"`
	LastAccess   *time.Time `json:"last_access,omitempty"`
}

// Usage returns the access statistics of the tile.
func (m TileMeta) Usage() TileUsage {
	return TileUsage{AccessCount: m.AccessCount, LastAccess: m.LastAccess}
}

// TileUsage is the book-keeping that describes how hot a tile is.
type TileUsage struct {
	AccessCount int64      `json:"access_count"`
	LastAccess  *time.Time `json:"last_access,omitempty"`
}

// QueryHint is a logged prediction of a future access pattern.
type QueryHint struct {
	Seq        uint64     `json:"seq,omitempty"`
	QueryID    string     `json:"query_id"`
	SnapshotID string     `json:"snapshot_id"`
	Stream     string     `json:"stream"`
	LevelRange LevelRange `json:"level_range"`
	BBoxes     []BBox     `json:"bboxes"`
	Confidence float64    `json:"confidence"`
	CreatedAt  time.Time  `json:"created_at"`
}

// QueryRequest asks the planner for a bounded tile selection.
type QueryRequest struct {
	Goal       string      `json:"goal"`
	SnapshotID string      `json:"snapshot_id"`
	Stream     string      `json:"stream,omitempty"`
	BudgetMS   int         `json:"budget_ms"`
	MaxTiles   int         `json:"max_tiles,omitempty"`
	LevelRange *LevelRange `json:"level_range,omitempty"`
	BBoxes     []BBox      `json:"bboxes,omitempty"`
}

// QueryTile references a tile selected by a plan.
type QueryTile struct {
	TileID     string `json:"tile_id"`
	Stream     string `json:"stream"`
	SnapshotID string `json:"snapshot_id"`
	Level      int    `json:"level"`
	X          int    `json:"x"`
	Y          int    `json:"y"`
}

// QueryPlan is the planner's ranked tile selection.
type QueryPlan struct {
	Tiles           []QueryTile `json:"tile_ids"`
	Acceptance      float64     `json:"acceptance"`
	BudgetMS        int         `json:"budget_ms"`
	EstimatedCostMS float64     `json:"estimated_cost_ms"`
	Coverage        float64     `json:"coverage"`
	Freshness       float64     `json:"freshness"`
	LevelMatch      float64     `json:"level_match"`
}
