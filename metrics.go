package him

import (
	"sync/atomic"
	"time"
)

// MetricsCollector defines an interface for collecting operational metrics.
// Implement this interface to integrate with monitoring systems like Prometheus
// (see server.PrometheusCollector).
type MetricsCollector interface {
	// RecordPutTiles is called after each tile batch. count is the number of
	// records, written the number whose payload was stored (the rest were
	// unchanged duplicates).
	RecordPutTiles(count, written int, bytes int64, duration time.Duration, err error)

	// RecordGetTile is called after each resolved or failed tile read.
	RecordGetTile(duration time.Duration, err error)

	// RecordQuery is called after each tiles-for-snapshot listing.
	RecordQuery(results int, duration time.Duration, err error)

	// RecordHints is called after each hint append.
	RecordHints(count int, err error)
}

// NoopMetricsCollector is a no-op implementation of MetricsCollector.
type NoopMetricsCollector struct{}

func (NoopMetricsCollector) RecordPutTiles(int, int, int64, time.Duration, error) {}
func (NoopMetricsCollector) RecordGetTile(time.Duration, error)                  {}
func (NoopMetricsCollector) RecordQuery(int, time.Duration, error)               {}
func (NoopMetricsCollector) RecordHints(int, error)                              {}

// BasicMetricsCollector provides simple in-memory metrics collection.
// Useful for debugging and tests.
type BasicMetricsCollector struct {
	PutBatches      atomic.Int64
	PutRecords      atomic.Int64
	PutWritten      atomic.Int64
	PutBytes        atomic.Int64
	PutErrors       atomic.Int64
	GetCount        atomic.Int64
	GetErrors       atomic.Int64
	GetTotalNanos   atomic.Int64
	QueryCount      atomic.Int64
	QueryErrors     atomic.Int64
	QueryResults    atomic.Int64
	QueryTotalNanos atomic.Int64
	HintCount       atomic.Int64
	HintErrors      atomic.Int64
}

// RecordPutTiles implements MetricsCollector.
func (b *BasicMetricsCollector) RecordPutTiles(count, written int, bytes int64, _ time.Duration, err error) {
	b.PutBatches.Add(1)
	b.PutRecords.Add(int64(count))
	if err != nil {
		b.PutErrors.Add(1)
		return
	}
	b.PutWritten.Add(int64(written))
	b.PutBytes.Add(bytes)
}

// RecordGetTile implements MetricsCollector.
func (b *BasicMetricsCollector) RecordGetTile(duration time.Duration, err error) {
	b.GetCount.Add(1)
	b.GetTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.GetErrors.Add(1)
	}
}

// RecordQuery implements MetricsCollector.
func (b *BasicMetricsCollector) RecordQuery(results int, duration time.Duration, err error) {
	b.QueryCount.Add(1)
	b.QueryTotalNanos.Add(duration.Nanoseconds())
	if err != nil {
		b.QueryErrors.Add(1)
		return
	}
	b.QueryResults.Add(int64(results))
}

// RecordHints implements MetricsCollector.
func (b *BasicMetricsCollector) RecordHints(count int, err error) {
	if err != nil {
		b.HintErrors.Add(1)
		return
	}
	b.HintCount.Add(int64(count))
}

// GetStats returns a snapshot of current metrics.
func (b *BasicMetricsCollector) GetStats() BasicMetricsStats {
	return BasicMetricsStats{
		PutBatches:    b.PutBatches.Load(),
		PutRecords:    b.PutRecords.Load(),
		PutWritten:    b.PutWritten.Load(),
		PutBytes:      b.PutBytes.Load(),
		PutErrors:     b.PutErrors.Load(),
		GetCount:      b.GetCount.Load(),
		GetErrors:     b.GetErrors.Load(),
		GetAvgNanos:   avg(b.GetTotalNanos.Load(), b.GetCount.Load()),
		QueryCount:    b.QueryCount.Load(),
		QueryErrors:   b.QueryErrors.Load(),
		QueryResults:  b.QueryResults.Load(),
		QueryAvgNanos: avg(b.QueryTotalNanos.Load(), b.QueryCount.Load()),
		HintCount:     b.HintCount.Load(),
		HintErrors:    b.HintErrors.Load(),
	}
}

func avg(total, count int64) int64 {
	if count == 0 {
		return 0
	}
	return total / count
}

// BasicMetricsStats is a snapshot of BasicMetricsCollector state.
type BasicMetricsStats struct {
	PutBatches    int64
	PutRecords    int64
	PutWritten    int64
	PutBytes      int64
	PutErrors     int64
	GetCount      int64
	GetErrors     int64
	GetAvgNanos   int64
	QueryCount    int64
	QueryErrors   int64
	QueryResults  int64
	QueryAvgNanos int64
	HintCount     int64
	HintErrors    int64
}
