package him

import (
	"context"
	"iter"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/hupe1980/him/catalog"
	"github.com/hupe1980/him/model"
)

// HintQuery filters RecentHints.
type HintQuery struct {
	SnapshotID string
	Stream     string
	// Limit caps the result. Defaults to DefaultRecentHints.
	Limit int
	// LevelRange keeps hints whose level range overlaps it.
	LevelRange *model.LevelRange
}

// LogHints appends hints to the hint log and returns them with their
// sequence numbers. Hints are never deduplicated. A missing query id is
// replaced by a random UUID and a zero creation time by the current time.
func (s *Store) LogHints(ctx context.Context, hints []model.QueryHint) (stored []model.QueryHint, err error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	ctx, span := s.startSpan(ctx, "Store.LogHints", attribute.Int("him.hints", len(hints)))
	defer func() {
		var last uint64
		if n := len(stored); n > 0 {
			last = stored[n-1].Seq
		}
		s.opts.metricsCollector.RecordHints(len(hints), err)
		s.opts.logger.LogHints(ctx, len(hints), last, err)
		endSpan(span, err)
	}()

	if len(hints) == 0 {
		return []model.QueryHint{}, nil
	}

	batch := make([]model.QueryHint, len(hints))
	now := s.opts.clock().UTC()
	for i, h := range hints {
		if verr := h.LevelRange.Validate(); verr != nil {
			return nil, invalid(i, "level_range", "%v", verr)
		}
		if h.Confidence < 0 || h.Confidence > 1 {
			return nil, invalid(i, "confidence", "must be within [0, 1], got %g", h.Confidence)
		}
		if h.QueryID == "" {
			h.QueryID = uuid.NewString()
		}
		if h.CreatedAt.IsZero() {
			h.CreatedAt = now
		}
		h.Seq = 0
		batch[i] = h
	}

	stored, err = s.catalog.AppendHints(ctx, batch)
	if err != nil {
		return nil, translateError("append hints", "", err)
	}
	return stored, nil
}

// IterHints returns a lazy sequence over the whole hint log in insertion
// order. The log is read in pages, so hints appended while iterating are
// observed. Each call starts from the beginning.
func (s *Store) IterHints(ctx context.Context) iter.Seq2[model.QueryHint, error] {
	return func(yield func(model.QueryHint, error) bool) {
		var after uint64
		for {
			if err := s.checkOpen(); err != nil {
				yield(model.QueryHint{}, err)
				return
			}
			page, err := s.catalog.ScanHints(ctx, after, s.opts.hintPageSize)
			if err != nil {
				yield(model.QueryHint{}, translateError("scan hints", "", err))
				return
			}
			for _, h := range page {
				if !yield(h, nil) {
					return
				}
				after = h.Seq
			}
			if len(page) < s.opts.hintPageSize {
				return
			}
		}
	}
}

// RecentHints returns the most recent hints matching q, oldest first.
func (s *Store) RecentHints(ctx context.Context, q HintQuery) ([]model.QueryHint, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultRecentHints
	}
	var levels *model.LevelRange
	if q.LevelRange != nil {
		if err := q.LevelRange.Validate(); err != nil {
			return nil, invalid(-1, "level_range", "%v", err)
		}
		lr := q.LevelRange.Normalize()
		levels = &lr
	}

	hints, err := s.catalog.RecentHints(ctx, catalog.HintFilter{
		SnapshotID: q.SnapshotID,
		Stream:     q.Stream,
		Levels:     levels,
	}, limit)
	if err != nil {
		return nil, translateError("recent hints", q.SnapshotID, err)
	}
	return hints, nil
}
