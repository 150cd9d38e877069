package resource

import (
	"context"
	"io"
)

// ThrottledReader charges every read against the Controller's read limiter.
type ThrottledReader struct {
	ctx context.Context
	r   io.Reader
	c   *Controller
}

// NewThrottledReader wraps r. A nil Controller makes it a pass-through.
func NewThrottledReader(ctx context.Context, r io.Reader, c *Controller) *ThrottledReader {
	return &ThrottledReader{ctx: ctx, r: r, c: c}
}

// Read charges the bytes actually read, so short reads are not over-billed.
func (t *ThrottledReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.c.WaitRead(t.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

// ThrottledReaderAt charges every positioned read against the read limiter.
type ThrottledReaderAt struct {
	ctx context.Context
	r   io.ReaderAt
	c   *Controller
}

// NewThrottledReaderAt wraps r.
func NewThrottledReaderAt(ctx context.Context, r io.ReaderAt, c *Controller) *ThrottledReaderAt {
	return &ThrottledReaderAt{ctx: ctx, r: r, c: c}
}

func (t *ThrottledReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if err := t.c.WaitRead(t.ctx, len(p)); err != nil {
		return 0, err
	}
	return t.r.ReadAt(p, off)
}
