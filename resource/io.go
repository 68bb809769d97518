package resource

import (
	"context"
	"io"
)

// throttleChunk bounds how much of a payload is admitted per limiter wait,
// so large tiles stream out instead of stalling until the whole budget is free.
const throttleChunk = 64 << 10

// ThrottledWriter charges every write against the controller's IO budget.
type ThrottledWriter struct {
	ctx context.Context
	dst io.Writer
	rc  *Controller
}

// Throttle wraps dst. A nil controller or one without an IO limit passes
// writes straight through.
func Throttle(ctx context.Context, dst io.Writer, rc *Controller) io.Writer {
	if rc == nil || rc.ioLimiter == nil {
		return dst
	}
	return &ThrottledWriter{ctx: ctx, dst: dst, rc: rc}
}

func (w *ThrottledWriter) Write(p []byte) (int, error) {
	var written int
	for len(p) > 0 {
		chunk := p[:min(len(p), throttleChunk)]
		if err := w.rc.AcquireIO(w.ctx, len(chunk)); err != nil {
			return written, err
		}
		n, err := w.dst.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[n:]
	}
	return written, nil
}
