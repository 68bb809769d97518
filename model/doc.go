// Package model defines the core types shared by the tile store, the query
// planner and the experience layer.
//
// # Identity Types
//
//   - Snapshot: immutable lineage point, identified by a caller-supplied ID
//   - TileKey: (stream, snapshot, level, x, y) coordinate of a tile
//   - TileMeta.TileID: content-addressed identity derived from key and payload
//   - QueryHint.Seq: position of a hint in the append-only hint log
//
// # Geometry
//
// Level 0 is the finest resolution. A tile at level L covers
// Fanout^L × Fanout^L cells of level 0:
//
//	r := model.Cover(2, 1, 0, 2) // Rect{X0: 4, Y0: 0, X1: 8, Y1: 4}
//
// BBox values are (x, y, width, height) in grid units of a level.
package model
