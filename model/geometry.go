package model

import (
	"encoding/json"
	"fmt"
)

// DefaultFanout is the number of children per axis between two levels.
const DefaultFanout = 2

// LevelRange is an inclusive range of pyramid levels, written as
// (max_level, min_level).
type LevelRange struct {
	Max int
	Min int
}

// NewLevelRange returns the normalized range spanning a and b.
func NewLevelRange(a, b int) LevelRange {
	return LevelRange{Max: a, Min: b}.Normalize()
}

// Normalize swaps the bounds when they were given in ascending order.
func (r LevelRange) Normalize() LevelRange {
	if r.Max < r.Min {
		r.Max, r.Min = r.Min, r.Max
	}
	return r
}

// Contains reports whether level lies within the range.
func (r LevelRange) Contains(level int) bool {
	n := r.Normalize()
	return level >= n.Min && level <= n.Max
}

// Validate returns an error for ranges with negative bounds.
func (r LevelRange) Validate() error {
	if r.Max < 0 || r.Min < 0 {
		return fmt.Errorf("level range (%d, %d) must not be negative", r.Max, r.Min)
	}
	return nil
}

// Span returns the number of levels in the range.
func (r LevelRange) Span() int {
	n := r.Normalize()
	return n.Max - n.Min + 1
}

// MarshalJSON encodes the range as [max, min].
func (r LevelRange) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{r.Max, r.Min})
}

// UnmarshalJSON decodes a [max, min] pair.
func (r *LevelRange) UnmarshalJSON(data []byte) error {
	var pair []int
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("level range must have 2 elements, got %d", len(pair))
	}
	r.Max, r.Min = pair[0], pair[1]
	return nil
}

// BBox is a rectangle (x, y, width, height) in a level's grid units.
type BBox struct {
	X int
	Y int
	W int
	H int
}

// Empty reports whether the box covers no cell.
func (b BBox) Empty() bool {
	return b.W <= 0 || b.H <= 0
}

// Contains reports whether the grid cell (x, y) lies inside the box.
func (b BBox) Contains(x, y int) bool {
	if b.Empty() {
		return false
	}
	return x >= b.X && x < b.X+b.W && y >= b.Y && y < b.Y+b.H
}

// Rect returns the half-open rectangle covered by the box.
func (b BBox) Rect() Rect {
	if b.Empty() {
		return Rect{}
	}
	return Rect{X0: b.X, Y0: b.Y, X1: b.X + b.W, Y1: b.Y + b.H}
}

// MarshalJSON encodes the box as [x, y, w, h].
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]int{b.X, b.Y, b.W, b.H})
}

// UnmarshalJSON decodes a [x, y, w, h] quadruple.
func (b *BBox) UnmarshalJSON(data []byte) error {
	var quad []int
	if err := json.Unmarshal(data, &quad); err != nil {
		return err
	}
	if len(quad) != 4 {
		return fmt.Errorf("bbox must have 4 elements, got %d", len(quad))
	}
	b.X, b.Y, b.W, b.H = quad[0], quad[1], quad[2], quad[3]
	return nil
}

// IntersectsAny reports whether the cell (x, y) falls in any of the boxes.
func IntersectsAny(x, y int, boxes []BBox) bool {
	for _, b := range boxes {
		if b.Contains(x, y) {
			return true
		}
	}
	return false
}

// Rect is a half-open rectangle [X0, X1) × [Y0, Y1).
type Rect struct {
	X0, Y0, X1, Y1 int
}

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool {
	return r.X1 <= r.X0 || r.Y1 <= r.Y0
}

// Area returns the number of cells in the rectangle.
func (r Rect) Area() int64 {
	if r.Empty() {
		return 0
	}
	return int64(r.X1-r.X0) * int64(r.Y1-r.Y0)
}

// ContainsRect reports whether o lies entirely inside r.
func (r Rect) ContainsRect(o Rect) bool {
	if o.Empty() {
		return true
	}
	return o.X0 >= r.X0 && o.Y0 >= r.Y0 && o.X1 <= r.X1 && o.Y1 <= r.Y1
}

// Intersect returns the overlap of r and o.
func (r Rect) Intersect(o Rect) Rect {
	out := Rect{
		X0: max(r.X0, o.X0),
		Y0: max(r.Y0, o.Y0),
		X1: min(r.X1, o.X1),
		Y1: min(r.Y1, o.Y1),
	}
	if out.Empty() {
		return Rect{}
	}
	return out
}

// Scale returns fanout^levels, the number of cells per axis one tile spans
// `levels` levels further down.
func Scale(levels, fanout int) int {
	if fanout < 2 {
		fanout = DefaultFanout
	}
	s := 1
	for range levels {
		s *= fanout
	}
	return s
}

// Cover returns the region of level-0 cells covered by the tile (level, x, y).
func Cover(level, x, y, fanout int) Rect {
	return CoverAt(level, x, y, 0, fanout)
}

// CoverAt returns the region covered by (level, x, y) expressed in the grid
// of the reference level ref. Tiles below ref are clamped to one ref cell.
func CoverAt(level, x, y, ref, fanout int) Rect {
	if level >= ref {
		s := Scale(level-ref, fanout)
		return Rect{X0: x * s, Y0: y * s, X1: (x + 1) * s, Y1: (y + 1) * s}
	}
	s := Scale(ref-level, fanout)
	px, py := floorDiv(x, s), floorDiv(y, s)
	return Rect{X0: px, Y0: py, X1: px + 1, Y1: py + 1}
}

// Parent returns the coordinate of the tile one level up that contains
// (level, x, y).
func Parent(level, x, y, fanout int) (int, int, int) {
	if fanout < 2 {
		fanout = DefaultFanout
	}
	return level + 1, floorDiv(x, fanout), floorDiv(y, fanout)
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
