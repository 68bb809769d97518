package planner

import "github.com/hupe1980/him/model"

// CostModel estimates the time to fetch a tile.
type CostModel struct {
	// PerTileMS is the fixed overhead of resolving one tile.
	PerTileMS float64
	// BytesPerMS is the payload throughput.
	BytesPerMS float64
}

// DefaultCostModel assumes 10ms per tile and 64 KiB per millisecond.
var DefaultCostModel = CostModel{
	PerTileMS:  10,
	BytesPerMS: 64 * 1024,
}

// Cost returns the estimated fetch time of m in milliseconds.
func (c CostModel) Cost(m model.TileMeta) float64 {
	cost := c.PerTileMS
	if c.BytesPerMS > 0 {
		cost += float64(m.SizeBytes) / c.BytesPerMS
	}
	return cost
}

// Pressure returns how far a full selection of maxTiles mean-cost tiles
// would overrun the budget. Values above 1 mean the budget cannot afford
// maxTiles tiles of the average candidate.
func Pressure(meanCost float64, maxTiles, budgetMS int) float64 {
	if budgetMS <= 0 {
		return 0
	}
	return float64(maxTiles) * meanCost / float64(budgetMS)
}
