package provider

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hupe1980/annbench/dataset"
	"github.com/hupe1980/annbench/resource"
)

// Memory serves a fully materialized dataset.
type Memory struct {
	vectors  [][]float32
	dim      int
	reserved int64
	ctrl     *resource.Controller
}

// NewMemory wraps vectors without copying.
func NewMemory(vectors [][]float32) *Memory {
	m := &Memory{vectors: vectors}
	if len(vectors) > 0 {
		m.dim = len(vectors[0])
	}
	return m
}

// LoadMemory reads up to limit records of path into memory. The bytes are reserved
// against the controller's memory budget first.
func LoadMemory(ctx context.Context, path string, limit int, opts ...Option) (*Memory, error) {
	o := newOptions(opts)

	info, err := dataset.Inspect(path, limit)
	if err != nil {
		return nil, err
	}

	bytes := int64(info.Count) * int64(info.Dimension) * 4
	if err := o.controller.Reserve(ctx, bytes); err != nil {
		return nil, fmt.Errorf("provider: reserving %d bytes for %s: %w", bytes, path, err)
	}

	fr, err := dataset.OpenWrapped(path, func(r io.Reader) io.Reader {
		return resource.NewThrottledReader(ctx, r, o.controller)
	})
	if err != nil {
		o.controller.Release(bytes)
		return nil, err
	}
	defer fr.Close()

	vectors := make([][]float32, 0, info.Count)
	for len(vectors) < info.Count {
		v, err := fr.Next()
		if err != nil {
			o.controller.Release(bytes)
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		vectors = append(vectors, v)
	}

	o.logger.DebugContext(ctx, "dataset loaded into memory",
		"path", path,
		"count", info.Count,
		"dimension", info.Dimension,
		"bytes", bytes,
	)

	return &Memory{
		vectors:  vectors,
		dim:      info.Dimension,
		reserved: bytes,
		ctrl:     o.controller,
	}, nil
}

// Get returns record i in O(1).
func (m *Memory) Get(i int) ([]float32, error) {
	if err := dataset.CheckIndex(i, len(m.vectors)); err != nil {
		return nil, err
	}
	return m.vectors[i], nil
}

// Size returns the number of records.
func (m *Memory) Size() int { return len(m.vectors) }

// Dimension returns the record dimension.
func (m *Memory) Dimension() int { return m.dim }

// Close releases the memory reservation.
func (m *Memory) Close() error {
	m.ctrl.Release(m.reserved)
	m.reserved = 0
	m.vectors = nil
	return nil
}
