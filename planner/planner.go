// Package planner turns a query request into a bounded, ranked selection of
// tiles from a snapshot.
//
// The planner is deterministic: for a fixed store state and request it
// returns the same plan, since no wall clock or randomness feeds the score.
package planner

import (
	"cmp"
	"context"
	"math"
	"slices"
	"time"

	"github.com/hupe1980/him"
	"github.com/hupe1980/him/model"
)

const (
	// DefaultMaxTiles is used when a request leaves max_tiles unset.
	DefaultMaxTiles = 8
	// MaxTilesLimit is the largest accepted max_tiles.
	MaxTilesLimit = 32
	// DefaultHintLimit is the number of recent hints consulted per plan.
	DefaultHintLimit = 64
)

// DefaultLevelRange is used when a request leaves level_range unset.
var DefaultLevelRange = model.LevelRange{Max: 2, Min: 0}

// Ranking weights.
const (
	levelWeight   = 3.0
	hotnessWeight = 2.0
	hintWeight    = 4.0
)

// Source is the read side of the tile store used by the planner.
type Source interface {
	TilesForSnapshot(ctx context.Context, snapshotID string, q him.TileQuery) ([]model.TileMeta, error)
	RecentHints(ctx context.Context, q him.HintQuery) ([]model.QueryHint, error)
	Fanout() int
}

// Option configures a Planner.
type Option func(*Planner)

// WithCostModel sets the fetch cost model.
func WithCostModel(c CostModel) Option {
	return func(p *Planner) { p.cost = c }
}

// WithHintLimit sets how many recent hints feed the ranking.
func WithHintLimit(n int) Option {
	return func(p *Planner) {
		if n > 0 {
			p.hintLimit = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *him.Logger) Option {
	return func(p *Planner) {
		if l != nil {
			p.logger = l
		}
	}
}

// Planner selects tiles for query requests.
type Planner struct {
	src       Source
	cost      CostModel
	hintLimit int
	logger    *him.Logger
}

// New creates a planner reading from src.
func New(src Source, opts ...Option) *Planner {
	p := &Planner{
		src:       src,
		cost:      DefaultCostModel,
		hintLimit: DefaultHintLimit,
		logger:    him.NoopLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type candidate struct {
	meta  model.TileMeta
	cost  float64
	score float64
	hint  float64
	cover model.Rect // in reference-level cells
}

// Plan selects up to MaxTiles tiles within the budget. It returns ErrNotFound
// for an unknown snapshot and an empty plan with zero acceptance when no tile
// matches.
func (p *Planner) Plan(ctx context.Context, req model.QueryRequest) (plan model.QueryPlan, err error) {
	defer func() {
		p.logger.LogPlan(ctx, req.SnapshotID, len(plan.Tiles), plan.Acceptance, err)
	}()

	req, err = normalize(req)
	if err != nil {
		return model.QueryPlan{}, err
	}
	levels := *req.LevelRange
	ref := levels.Min
	fanout := p.src.Fanout()

	empty := model.QueryPlan{Tiles: []model.QueryTile{}, BudgetMS: req.BudgetMS}

	metas, err := p.src.TilesForSnapshot(ctx, req.SnapshotID, him.TileQuery{Stream: req.Stream, LevelRange: &levels})
	if err != nil {
		return model.QueryPlan{}, err
	}

	requested := rects(req.BBoxes)
	cands := make([]*candidate, 0, len(metas))
	for _, m := range metas {
		c := &candidate{meta: m, cost: p.cost.Cost(m), cover: model.CoverAt(m.Level, m.X, m.Y, ref, fanout)}
		if len(requested) > 0 && !intersectsAny(c.cover, requested) {
			continue
		}
		cands = append(cands, c)
	}
	if len(cands) == 0 {
		return empty, nil
	}

	hints, err := p.src.RecentHints(ctx, him.HintQuery{
		SnapshotID: req.SnapshotID,
		Stream:     req.Stream,
		Limit:      p.hintLimit,
		LevelRange: &levels,
	})
	if err != nil {
		return model.QueryPlan{}, err
	}

	var total float64
	for _, c := range cands {
		total += c.cost
	}
	preferFine := Pressure(total/float64(len(cands)), req.MaxTiles, req.BudgetMS) <= 1

	for _, c := range cands {
		c.hint = hintBonus(c.meta, hints)
		c.score = levelWeight*levelPreference(c.meta.Level, levels, preferFine) +
			hotnessWeight*math.Log1p(float64(c.meta.AccessCount)) +
			hintWeight*c.hint
	}
	slices.SortFunc(cands, func(a, b *candidate) int {
		if a.score != b.score {
			return cmp.Compare(b.score, a.score)
		}
		return cmp.Or(
			cmp.Compare(a.meta.Level, b.meta.Level),
			cmp.Compare(a.meta.Y, b.meta.Y),
			cmp.Compare(a.meta.X, b.meta.X),
			cmp.Compare(a.meta.TileID, b.meta.TileID),
		)
	})

	selected := selectGreedy(cands, req.MaxTiles, float64(req.BudgetMS))
	if len(selected) == 0 {
		return empty, nil
	}

	region := requested
	if len(region) == 0 {
		region = hintRegion(hints, levels, fanout)
	}
	if len(region) == 0 {
		for _, c := range cands {
			region = append(region, c.cover)
		}
	}

	plan = model.QueryPlan{
		Tiles:      make([]model.QueryTile, 0, len(selected)),
		BudgetMS:   req.BudgetMS,
		Freshness:  freshness(selected, cands),
		LevelMatch: levelMatch(selected, cands, levels, preferFine),
	}
	covers := make([]model.Rect, 0, len(selected))
	var hinted int
	for _, c := range selected {
		plan.Tiles = append(plan.Tiles, model.QueryTile{
			TileID:     c.meta.TileID,
			Stream:     c.meta.Stream,
			SnapshotID: c.meta.SnapshotID,
			Level:      c.meta.Level,
			X:          c.meta.X,
			Y:          c.meta.Y,
		})
		plan.EstimatedCostMS += c.cost
		covers = append(covers, c.cover)
		if c.hint > 0 {
			hinted++
		}
	}
	plan.Coverage = coverage(region, covers)
	hintRatio := float64(hinted) / float64(len(selected))
	plan.Acceptance = min(0.99, 0.5*plan.Coverage+0.2*plan.Freshness+0.2*plan.LevelMatch+0.1*hintRatio)
	return plan, nil
}

func normalize(req model.QueryRequest) (model.QueryRequest, error) {
	if req.SnapshotID == "" {
		return req, &him.ValidationError{Index: -1, Field: "snapshot_id", Reason: "must not be empty"}
	}
	if req.BudgetMS <= 0 {
		return req, &him.ValidationError{Index: -1, Field: "budget_ms", Reason: "must be positive"}
	}
	if req.MaxTiles == 0 {
		req.MaxTiles = DefaultMaxTiles
	}
	if req.MaxTiles < 1 || req.MaxTiles > MaxTilesLimit {
		return req, &him.ValidationError{Index: -1, Field: "max_tiles", Reason: "must be within [1, 32]"}
	}
	if req.Stream == "" {
		req.Stream = model.DefaultStream
	}
	levels := DefaultLevelRange
	if req.LevelRange != nil {
		if err := req.LevelRange.Validate(); err != nil {
			return req, &him.ValidationError{Index: -1, Field: "level_range", Reason: err.Error()}
		}
		levels = req.LevelRange.Normalize()
	}
	req.LevelRange = &levels
	return req, nil
}

// levelPreference is 1 at the preferred end of the range and 0 at the other.
func levelPreference(level int, levels model.LevelRange, preferFine bool) float64 {
	if levels.Max == levels.Min {
		return 1
	}
	pos := float64(level-levels.Min) / float64(levels.Max-levels.Min)
	if preferFine {
		return 1 - pos
	}
	return pos
}

// hintBonus sums the confidence of every hint whose region contains the tile
// at the tile's own level.
func hintBonus(m model.TileMeta, hints []model.QueryHint) float64 {
	var bonus float64
	for _, h := range hints {
		if h.SnapshotID != m.SnapshotID || !h.LevelRange.Contains(m.Level) {
			continue
		}
		if model.IntersectsAny(m.X, m.Y, h.BBoxes) {
			bonus += h.Confidence
		}
	}
	return bonus
}

// selectGreedy walks the ranked candidates and keeps those that fit the
// remaining budget and are not nested in an already selected tile.
func selectGreedy(ranked []*candidate, maxTiles int, budget float64) []*candidate {
	var selected []*candidate
	remaining := budget
	for _, c := range ranked {
		if len(selected) == maxTiles {
			break
		}
		if c.cost > remaining {
			continue
		}
		if nested(c, selected) {
			continue
		}
		selected = append(selected, c)
		remaining -= c.cost
	}
	return selected
}

func nested(c *candidate, selected []*candidate) bool {
	for _, s := range selected {
		if s.meta.Stream != c.meta.Stream || s.meta.Level == c.meta.Level {
			continue
		}
		if s.cover.ContainsRect(c.cover) || c.cover.ContainsRect(s.cover) {
			return true
		}
	}
	return false
}

// hintRegion projects hint boxes onto the reference level. A box is read in
// the grid of the finest level the hint shares with the request.
func hintRegion(hints []model.QueryHint, levels model.LevelRange, fanout int) []model.Rect {
	var region []model.Rect
	for _, h := range hints {
		hl := h.LevelRange.Normalize()
		lo := max(hl.Min, levels.Min)
		if lo > min(hl.Max, levels.Max) {
			continue
		}
		s := model.Scale(lo-levels.Min, fanout)
		for _, b := range h.BBoxes {
			r := b.Rect()
			if r.Empty() {
				continue
			}
			region = append(region, model.Rect{X0: r.X0 * s, Y0: r.Y0 * s, X1: r.X1 * s, Y1: r.Y1 * s})
		}
	}
	return region
}

// freshness scores the selection's usage relative to all candidates: half
// from access counts, half from how recent the last access is.
func freshness(selected, all []*candidate) float64 {
	var (
		maxCount   int64
		oldest     time.Time
		newest     time.Time
		haveAccess bool
	)
	for _, c := range all {
		maxCount = max(maxCount, c.meta.AccessCount)
		if la := c.meta.LastAccess; la != nil {
			if !haveAccess || la.Before(oldest) {
				oldest = *la
			}
			if !haveAccess || la.After(newest) {
				newest = *la
			}
			haveAccess = true
		}
	}

	var sum float64
	for _, c := range selected {
		var hot, recent float64
		if maxCount > 0 {
			hot = math.Log1p(float64(c.meta.AccessCount)) / math.Log1p(float64(maxCount))
		}
		if la := c.meta.LastAccess; la != nil {
			window := newest.Sub(oldest)
			if window <= 0 {
				recent = 1
			} else {
				recent = float64(la.Sub(oldest)) / float64(window)
			}
		}
		sum += 0.5*hot + 0.5*recent
	}
	return sum / float64(len(selected))
}

// levelMatch is 1 when the mean selected level sits at the preferred level
// actually present among the candidates, falling linearly over the width of
// the requested range.
func levelMatch(selected, all []*candidate, levels model.LevelRange, preferFine bool) float64 {
	if levels.Max == levels.Min {
		return 1
	}
	target := all[0].meta.Level
	for _, c := range all[1:] {
		if preferFine {
			target = min(target, c.meta.Level)
		} else {
			target = max(target, c.meta.Level)
		}
	}
	var sum float64
	for _, c := range selected {
		sum += float64(c.meta.Level)
	}
	mean := sum / float64(len(selected))
	return max(0, 1-math.Abs(mean-float64(target))/float64(levels.Max-levels.Min))
}

func rects(boxes []model.BBox) []model.Rect {
	out := make([]model.Rect, 0, len(boxes))
	for _, b := range boxes {
		if r := b.Rect(); !r.Empty() {
			out = append(out, r)
		}
	}
	return out
}

func intersectsAny(r model.Rect, region []model.Rect) bool {
	for _, o := range region {
		if !r.Intersect(o).Empty() {
			return true
		}
	}
	return false
}
