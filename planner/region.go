package planner

import (
	"slices"

	"github.com/hupe1980/him/model"
)

// unionArea returns the number of cells covered by at least one rectangle.
// It sweeps the distinct x edges and merges the y intervals of each slab.
func unionArea(rects []model.Rect) int64 {
	xs := make([]int, 0, 2*len(rects))
	live := rects[:0:0]
	for _, r := range rects {
		if r.Empty() {
			continue
		}
		live = append(live, r)
		xs = append(xs, r.X0, r.X1)
	}
	if len(live) == 0 {
		return 0
	}
	slices.Sort(xs)
	xs = slices.Compact(xs)

	type span struct{ lo, hi int }
	var (
		area  int64
		spans []span
	)
	for i := 0; i+1 < len(xs); i++ {
		x0, x1 := xs[i], xs[i+1]
		spans = spans[:0]
		for _, r := range live {
			if r.X0 <= x0 && r.X1 >= x1 {
				spans = append(spans, span{r.Y0, r.Y1})
			}
		}
		if len(spans) == 0 {
			continue
		}
		slices.SortFunc(spans, func(a, b span) int { return a.lo - b.lo })

		var covered int64
		cur := spans[0]
		for _, s := range spans[1:] {
			if s.lo <= cur.hi {
				cur.hi = max(cur.hi, s.hi)
				continue
			}
			covered += int64(cur.hi - cur.lo)
			cur = s
		}
		covered += int64(cur.hi - cur.lo)
		area += covered * int64(x1-x0)
	}
	return area
}

// coverage returns the fraction of the region covered by the selection.
func coverage(region, selected []model.Rect) float64 {
	total := unionArea(region)
	if total == 0 {
		return 0
	}
	var overlap []model.Rect
	for _, r := range region {
		for _, s := range selected {
			if o := r.Intersect(s); !o.Empty() {
				overlap = append(overlap, o)
			}
		}
	}
	return float64(unionArea(overlap)) / float64(total)
}
