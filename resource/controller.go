// Package resource bounds the shared resources of a HIM deployment: model
// admission slots, cache memory and payload IO throughput.
package resource

import (
	"context"
	"errors"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrSlotsExhausted is returned by AcquireSlot when no slot is free.
var ErrSlotsExhausted = errors.New("no free slot")

// Config holds resource limits.
type Config struct {
	// MaxSlots is the number of concurrently admitted sessions.
	// If <= 0, admission is unlimited.
	MaxSlots int64

	// MemoryLimitBytes is the hard limit for managed memory.
	// If 0, no hard limit is enforced (only tracking).
	MemoryLimitBytes int64

	// IOLimitBytesPerSec is the maximum payload write throughput.
	// If 0, unlimited.
	IOLimitBytesPerSec int64
}

// Controller manages shared resources (slots, memory, IO).
type Controller struct {
	cfg Config

	// Slots
	slotSem   *semaphore.Weighted // nil if unlimited
	slotsUsed atomic.Int64

	// Memory
	memSem  *semaphore.Weighted // nil if unlimited
	memUsed atomic.Int64

	// IO
	ioLimiter *rate.Limiter
}

// NewController creates a new resource controller.
func NewController(cfg Config) *Controller {
	c := &Controller{cfg: cfg}

	if cfg.MaxSlots > 0 {
		c.slotSem = semaphore.NewWeighted(cfg.MaxSlots)
	}

	if cfg.MemoryLimitBytes > 0 {
		c.memSem = semaphore.NewWeighted(cfg.MemoryLimitBytes)
	}

	if cfg.IOLimitBytesPerSec > 0 {
		c.ioLimiter = rate.NewLimiter(rate.Limit(cfg.IOLimitBytesPerSec), int(cfg.IOLimitBytesPerSec))
	}

	return c
}

// MaxSlots returns the configured slot limit, or 0 when unlimited.
func (c *Controller) MaxSlots() int64 {
	if c == nil || c.slotSem == nil {
		return 0
	}
	return c.cfg.MaxSlots
}

// TryAcquireSlot reserves an admission slot without blocking.
// Returns false if every slot is taken.
func (c *Controller) TryAcquireSlot() bool {
	if c == nil {
		return true
	}
	if c.slotSem != nil && !c.slotSem.TryAcquire(1) {
		return false
	}
	c.slotsUsed.Add(1)
	return true
}

// AcquireSlot reserves an admission slot, failing immediately with
// ErrSlotsExhausted when none is free.
func (c *Controller) AcquireSlot() error {
	if !c.TryAcquireSlot() {
		return ErrSlotsExhausted
	}
	return nil
}

// ReleaseSlot returns a slot obtained from TryAcquireSlot.
func (c *Controller) ReleaseSlot() {
	if c == nil {
		return
	}
	if c.slotSem != nil {
		c.slotSem.Release(1)
	}
	c.slotsUsed.Add(-1)
}

// SlotsInUse returns the number of held slots.
func (c *Controller) SlotsInUse() int64 {
	if c == nil {
		return 0
	}
	return c.slotsUsed.Load()
}

// AcquireMemory attempts to reserve memory.
// If a hard limit is configured and usage would exceed it,
// this blocks until memory is available or ctx is canceled.
func (c *Controller) AcquireMemory(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}

	if c.memSem != nil {
		if err := c.memSem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}

	c.memUsed.Add(bytes)
	return nil
}

// TryAcquireMemory attempts to reserve memory without blocking.
// Returns true if acquired, false if limit would be exceeded.
func (c *Controller) TryAcquireMemory(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}

	if c.memSem != nil {
		if !c.memSem.TryAcquire(bytes) {
			return false
		}
	}

	c.memUsed.Add(bytes)
	return true
}

// ReleaseMemory releases reserved memory.
func (c *Controller) ReleaseMemory(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}

	if c.memSem != nil {
		c.memSem.Release(bytes)
	}
	c.memUsed.Add(-bytes)
}

// MemoryUsage returns the current memory usage in bytes.
func (c *Controller) MemoryUsage() int64 {
	if c == nil {
		return 0
	}
	return c.memUsed.Load()
}

// AcquireIO waits until the IO limit allows the specified number of bytes.
// Requests larger than the burst are admitted in burst-sized steps.
func (c *Controller) AcquireIO(ctx context.Context, bytes int) error {
	if c == nil || c.ioLimiter == nil || bytes <= 0 {
		return nil
	}
	burst := c.ioLimiter.Burst()
	for bytes > 0 {
		n := min(bytes, burst)
		if err := c.ioLimiter.WaitN(ctx, n); err != nil {
			return err
		}
		bytes -= n
	}
	return nil
}
