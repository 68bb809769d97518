package him

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with him-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})),
	}
}

// NoopLogger creates a Logger that discards all log output.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
			Level: slog.Level(1000),
		})),
	}
}

// WithSnapshot adds a snapshot field to the logger.
func (l *Logger) WithSnapshot(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("snapshot_id", id),
	}
}

// WithStream adds a stream field to the logger.
func (l *Logger) WithStream(stream string) *Logger {
	return &Logger{
		Logger: l.Logger.With("stream", stream),
	}
}

// LogCreateSnapshot logs a snapshot creation.
func (l *Logger) LogCreateSnapshot(ctx context.Context, id string, parents int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "create snapshot failed",
			"snapshot_id", id,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "snapshot created",
		"snapshot_id", id,
		"parents", parents,
	)
}

// LogPutTiles logs a tile batch ingest.
func (l *Logger) LogPutTiles(ctx context.Context, count, written int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put tiles failed",
			"count", count,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "put tiles completed",
		"count", count,
		"written", written,
		"unchanged", count-written,
	)
}

// LogGetTile logs a tile read.
func (l *Logger) LogGetTile(ctx context.Context, ref string, err error) {
	if err != nil {
		l.DebugContext(ctx, "get tile failed",
			"tile", ref,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "get tile completed",
		"tile", ref,
	)
}

// LogQuery logs a tile listing.
func (l *Logger) LogQuery(ctx context.Context, snapshotID string, results int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "tile query failed",
			"snapshot_id", snapshotID,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "tile query completed",
		"snapshot_id", snapshotID,
		"results", results,
	)
}

// LogHints logs a hint append.
func (l *Logger) LogHints(ctx context.Context, count int, lastSeq uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "log hints failed",
			"count", count,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "hints logged",
		"count", count,
		"last_seq", lastSeq,
	)
}

// LogRecovery logs the spatial index rebuild performed on open.
func (l *Logger) LogRecovery(ctx context.Context, tiles int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index rebuild failed",
			"tiles", tiles,
			"error", err,
		)
		return
	}
	l.InfoContext(ctx, "index rebuild completed",
		"tiles", tiles,
	)
}

// LogIndexSync logs a spatial index refresh of one snapshot.
func (l *Logger) LogIndexSync(ctx context.Context, snapshotID string, tiles int) {
	l.DebugContext(ctx, "spatial index synced",
		"snapshot_id", snapshotID,
		"tiles", tiles,
	)
}

// LogPlan logs a query plan.
func (l *Logger) LogPlan(ctx context.Context, snapshotID string, tiles int, acceptance float64, err error) {
	if err != nil {
		l.WarnContext(ctx, "query plan failed",
			"snapshot_id", snapshotID,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "query plan completed",
		"snapshot_id", snapshotID,
		"tiles", tiles,
		"acceptance", acceptance,
	)
}
