package him

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/him/model"
)

func hint(snap string, hi, lo int) model.QueryHint {
	return model.QueryHint{
		SnapshotID: snap,
		Stream:     model.DefaultStream,
		LevelRange: model.LevelRange{Max: hi, Min: lo},
		BBoxes:     []model.BBox{{X: 0, Y: 0, W: 2, H: 2}},
		Confidence: 0.5,
	}
}

func TestLogHints(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	stored, err := s.LogHints(ctx, []model.QueryHint{hint("s1", 2, 0), hint("s1", 3, 1)})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, uint64(1), stored[0].Seq)
	assert.Equal(t, uint64(2), stored[1].Seq)
	assert.NotEmpty(t, stored[0].QueryID)
	assert.NotEqual(t, stored[0].QueryID, stored[1].QueryID)
	assert.False(t, stored[0].CreatedAt.IsZero())

	// Identical hints are both kept.
	again, err := s.LogHints(ctx, []model.QueryHint{stored[0]})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), again[0].Seq)
	assert.Equal(t, stored[0].QueryID, again[0].QueryID)

	empty, err := s.LogHints(ctx, nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestLogHints_Validation(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	bad := hint("s1", 2, 0)
	bad.Confidence = 1.5
	_, err := s.LogHints(ctx, []model.QueryHint{hint("s1", 1, 0), bad})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, 1, verr.Index)
	assert.Equal(t, "confidence", verr.Field)

	_, err = s.LogHints(ctx, []model.QueryHint{hint("s1", -1, 0)})
	require.ErrorIs(t, err, ErrValidation)

	// Rejected batches append nothing.
	n := 0
	for _, err := range s.IterHints(ctx) {
		require.NoError(t, err)
		n++
	}
	assert.Zero(t, n)
}

func TestIterHints_Pages(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t, WithHintPageSize(2))

	var batch []model.QueryHint
	for i := range 5 {
		h := hint("s1", i, 0)
		h.QueryID = string(rune('a' + i))
		batch = append(batch, h)
	}
	_, err := s.LogHints(ctx, batch)
	require.NoError(t, err)

	var ids []string
	var seqs []uint64
	for h, err := range s.IterHints(ctx) {
		require.NoError(t, err)
		ids = append(ids, h.QueryID)
		seqs = append(seqs, h.Seq)
	}
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, ids)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, seqs)

	// Early break stops the walk.
	n := 0
	for range s.IterHints(ctx) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestRecentHints(t *testing.T) {
	ctx := context.Background()
	s, _ := openStore(t)

	var batch []model.QueryHint
	for i := range 60 {
		h := hint("s1", 0, 0)
		if i%2 == 1 {
			h = hint("s2", 4, 3)
		}
		batch = append(batch, h)
	}
	_, err := s.LogHints(ctx, batch)
	require.NoError(t, err)

	all, err := s.RecentHints(ctx, HintQuery{})
	require.NoError(t, err)
	require.Len(t, all, DefaultRecentHints)
	assert.Equal(t, uint64(11), all[0].Seq)
	assert.Equal(t, uint64(60), all[len(all)-1].Seq)

	s2, err := s.RecentHints(ctx, HintQuery{SnapshotID: "s2", Limit: 3})
	require.NoError(t, err)
	require.Len(t, s2, 3)
	assert.Equal(t, []uint64{56, 58, 60}, []uint64{s2[0].Seq, s2[1].Seq, s2[2].Seq})

	// Overlap, given in ascending order.
	lr := model.LevelRange{Max: 2, Min: 4}
	overlap, err := s.RecentHints(ctx, HintQuery{LevelRange: &lr, Limit: 100})
	require.NoError(t, err)
	assert.Len(t, overlap, 30)
	for _, h := range overlap {
		assert.Equal(t, "s2", h.SnapshotID)
	}

	_, err = s.RecentHints(ctx, HintQuery{LevelRange: &model.LevelRange{Max: -2, Min: 0}})
	require.ErrorIs(t, err, ErrValidation)
}
