package him

import (
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/hupe1980/him/blobstore"
	"github.com/hupe1980/him/codec"
	"github.com/hupe1980/him/model"
	"github.com/hupe1980/him/resource"
	"github.com/hupe1980/him/spatial"
)

const (
	// DefaultWriteConcurrency bounds parallel payload writes of one batch.
	DefaultWriteConcurrency = 8

	// DefaultLockStripes is the size of the per-key write lock table.
	DefaultLockStripes = 256

	// DefaultHintPageSize is the page size used by IterHints.
	DefaultHintPageSize = 256

	// DefaultRecentHints is the RecentHints limit when none is given.
	DefaultRecentHints = 50
)

type options struct {
	codec            codec.Codec
	metricsCollector MetricsCollector
	logger           *Logger
	tracer           trace.Tracer
	clock            func() time.Time
	fanout           int
	writeConcurrency int
	lockStripes      int
	hintPageSize     int
	cellSize         int

	// Used by Open only.
	io          *resource.Controller
	compression blobstore.Compression
	cacheBytes  int64
	mmap        bool
}

// Option configures a Store.
type Option func(*options)

// WithCodec configures the codec of the catalog created by Open.
//
// If nil is passed, codec.Default is used.
func WithCodec(c codec.Codec) Option {
	return func(o *options) { o.codec = codec.Or(c) }
}

// WithMetricsCollector configures a metrics collector for monitoring operations.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &him.BasicMetricsCollector{}
//	store, _ := him.Open(ctx, "./data", him.WithMetricsCollector(metrics))
//	// ... use store ...
//	stats := metrics.GetStats()
//	fmt.Printf("Puts: %d, Avg get latency: %dns\n", stats.PutRecords, stats.GetAvgNanos)
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithLogger configures structured logging for operations.
// Pass nil to disable logging.
//
// Example with JSON logging:
//
//	logger := him.NewJSONLogger(slog.LevelInfo)
//	store, _ := him.Open(ctx, "./data", him.WithLogger(logger))
func WithLogger(logger *Logger) Option {
	return func(o *options) {
		if logger == nil {
			logger = NoopLogger()
		}
		o.logger = logger
	}
}

// WithLogLevel creates a text logger with the specified level and sets it.
// Convenience wrapper for WithLogger(NewTextLogger(level)).
func WithLogLevel(level slog.Level) Option {
	return func(o *options) {
		o.logger = NewTextLogger(level)
	}
}

// WithTracer sets the OpenTelemetry tracer used for store spans.
// Defaults to the global tracer provider.
func WithTracer(t trace.Tracer) Option {
	return func(o *options) {
		if t != nil {
			o.tracer = t
		}
	}
}

// WithClock overrides the time source used for created/updated/access
// timestamps. Useful for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.clock = now
		}
	}
}

// WithFanout sets the number of children per axis between two pyramid levels.
func WithFanout(n int) Option {
	return func(o *options) {
		if n >= 2 {
			o.fanout = n
		}
	}
}

// WithWriteConcurrency bounds the number of payload writes of one PutTiles
// batch that run in parallel.
func WithWriteConcurrency(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.writeConcurrency = n
		}
	}
}

// WithLockStripes sets the size of the striped per-key write lock table.
func WithLockStripes(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.lockStripes = n
		}
	}
}

// WithHintPageSize sets the page size used by IterHints.
func WithHintPageSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.hintPageSize = n
		}
	}
}

// WithSpatialCellSize sets the cell size of the spatial grid index.
func WithSpatialCellSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.cellSize = n
		}
	}
}

// WithIOController throttles payload writes of the local store created by
// Open. A nil controller disables throttling.
func WithIOController(rc *resource.Controller) Option {
	return func(o *options) {
		o.io = rc
	}
}

// WithCompression compresses payloads of the local store created by Open.
func WithCompression(c blobstore.Compression) Option {
	return func(o *options) {
		o.compression = c
	}
}

// WithPayloadCache enables an in-memory LRU read cache of the given size in
// front of the local store created by Open.
func WithPayloadCache(bytes int64) Option {
	return func(o *options) {
		o.cacheBytes = bytes
	}
}

// WithMmapReads serves payload reads of the local store created by Open
// from memory mappings.
func WithMmapReads() Option {
	return func(o *options) {
		o.mmap = true
	}
}

func applyOptions(optFns []Option) options {
	o := options{
		codec:            codec.Default,
		metricsCollector: NoopMetricsCollector{},
		logger:           NoopLogger(),
		tracer:           otel.Tracer("github.com/hupe1980/him"),
		clock:            time.Now,
		fanout:           model.DefaultFanout,
		writeConcurrency: DefaultWriteConcurrency,
		lockStripes:      DefaultLockStripes,
		hintPageSize:     DefaultHintPageSize,
		cellSize:         spatial.DefaultCellSize,
	}
	for _, fn := range optFns {
		if fn != nil {
			fn(&o)
		}
	}
	return o
}
