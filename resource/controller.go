// Package resource bounds what dataset loading may consume: resident vector memory,
// concurrent loaders and read throughput.
package resource

import (
	"context"
	"fmt"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Limits holds loader limits. Zero values mean unlimited.
type Limits struct {
	// MemoryBytes caps the bytes of vectors materialized in memory at once.
	MemoryBytes int64

	// MaxConcurrentLoads caps loaders (store population, artifact uploads) running at
	// once. Defaults to 1.
	MaxConcurrentLoads int64

	// ReadBytesPerSec throttles dataset reads.
	ReadBytesPerSec int64
}

// ErrBudgetExceeded is returned when a single reservation can never fit the budget.
type ErrBudgetExceeded struct {
	Requested int64
	Limit     int64
}

func (e *ErrBudgetExceeded) Error() string {
	return fmt.Sprintf("resource: reservation of %d bytes exceeds memory budget of %d bytes", e.Requested, e.Limit)
}

// Controller enforces Limits. A nil *Controller enforces nothing.
type Controller struct {
	limits Limits

	mem      *semaphore.Weighted // nil when unlimited
	reserved atomic.Int64

	loads *semaphore.Weighted

	reads *rate.Limiter
}

// NewController creates a Controller for limits.
func NewController(limits Limits) *Controller {
	if limits.MaxConcurrentLoads <= 0 {
		limits.MaxConcurrentLoads = 1
	}

	c := &Controller{
		limits: limits,
		loads:  semaphore.NewWeighted(limits.MaxConcurrentLoads),
	}
	if limits.MemoryBytes > 0 {
		c.mem = semaphore.NewWeighted(limits.MemoryBytes)
	}
	if limits.ReadBytesPerSec > 0 {
		c.reads = rate.NewLimiter(rate.Limit(limits.ReadBytesPerSec), int(limits.ReadBytesPerSec))
	}
	return c
}

// Reserve blocks until bytes of vector memory are available or ctx is done.
func (c *Controller) Reserve(ctx context.Context, bytes int64) error {
	if c == nil || bytes <= 0 {
		return nil
	}
	if c.mem != nil {
		if bytes > c.limits.MemoryBytes {
			return &ErrBudgetExceeded{Requested: bytes, Limit: c.limits.MemoryBytes}
		}
		if err := c.mem.Acquire(ctx, bytes); err != nil {
			return err
		}
	}
	c.reserved.Add(bytes)
	return nil
}

// TryReserve reserves bytes without blocking.
func (c *Controller) TryReserve(bytes int64) bool {
	if c == nil || bytes <= 0 {
		return true
	}
	if c.mem != nil && !c.mem.TryAcquire(bytes) {
		return false
	}
	c.reserved.Add(bytes)
	return true
}

// Release returns bytes reserved earlier.
func (c *Controller) Release(bytes int64) {
	if c == nil || bytes <= 0 {
		return
	}
	if c.mem != nil {
		c.mem.Release(bytes)
	}
	c.reserved.Add(-bytes)
}

// Reserved returns the bytes currently reserved.
func (c *Controller) Reserved() int64 {
	if c == nil {
		return 0
	}
	return c.reserved.Load()
}

// AcquireLoad takes a loader slot, blocking while all are busy.
func (c *Controller) AcquireLoad(ctx context.Context) error {
	if c == nil {
		return nil
	}
	return c.loads.Acquire(ctx, 1)
}

// TryAcquireLoad takes a loader slot without blocking.
func (c *Controller) TryAcquireLoad() bool {
	if c == nil {
		return true
	}
	return c.loads.TryAcquire(1)
}

// ReleaseLoad returns a loader slot.
func (c *Controller) ReleaseLoad() {
	if c == nil {
		return
	}
	c.loads.Release(1)
}

// WaitRead waits until the read limiter admits n bytes. Requests larger than the
// limiter burst are admitted in burst-sized steps.
func (c *Controller) WaitRead(ctx context.Context, n int) error {
	if c == nil || c.reads == nil {
		return nil
	}
	burst := c.reads.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := c.reads.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
