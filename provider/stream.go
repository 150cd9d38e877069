package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/hupe1980/annbench/dataset"
	"github.com/hupe1980/annbench/resource"
)

// Stream reads records directly from the dataset file.
//
// Uncompressed files are served with positioned reads on a shared descriptor, which
// is safe for concurrent use. For compressed files every Get opens its own decoder and
// skips the preceding records, so fetching record i costs O(i); no intermediate index
// is built.
type Stream struct {
	ctx  context.Context
	info dataset.Info
	ctrl *resource.Controller
	file *os.File // nil for compressed files

	scanned atomic.Int64
}

// OpenStream opens path for direct access. Counting a compressed file scans it once.
func OpenStream(ctx context.Context, path string, limit int, opts ...Option) (*Stream, error) {
	o := newOptions(opts)

	info, err := dataset.Inspect(path, limit)
	if err != nil {
		return nil, err
	}

	s := &Stream{ctx: ctx, info: info, ctrl: o.controller}
	if !info.Format.Compressed() {
		f, err := os.Open(path) //nolint:gosec // G304: path is caller supplied
		if err != nil {
			return nil, err
		}
		s.file = f
	}

	o.logger.DebugContext(ctx, "streaming provider opened",
		"path", path,
		"format", info.Format.String(),
		"count", info.Count,
		"dimension", info.Dimension,
	)
	return s, nil
}

// Get returns record i.
func (s *Stream) Get(i int) ([]float32, error) {
	if err := dataset.CheckIndex(i, s.info.Count); err != nil {
		return nil, err
	}
	if !s.info.Format.Compressed() {
		if s.file == nil {
			return nil, os.ErrClosed
		}
		return dataset.ReadRecordAt(resource.NewThrottledReaderAt(s.ctx, s.file, s.ctrl), s.info, i)
	}
	return s.scan(i)
}

func (s *Stream) scan(i int) ([]float32, error) {
	fr, err := dataset.OpenWrapped(s.info.Path, func(r io.Reader) io.Reader {
		return resource.NewThrottledReader(s.ctx, r, s.ctrl)
	})
	if err != nil {
		return nil, err
	}
	defer fr.Close()

	if err := fr.Skip(i); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			err = &dataset.ErrTruncatedRecord{Record: fr.Position()}
		}
		return nil, fmt.Errorf("%s: %w", s.info.Path, err)
	}
	v, err := fr.Next()
	s.scanned.Add(int64(fr.Position()))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", s.info.Path, err)
	}
	return v, nil
}

// Size returns the number of addressable records.
func (s *Stream) Size() int { return s.info.Count }

// Dimension returns the record dimension.
func (s *Stream) Dimension() int { return s.info.Dimension }

// Info returns the dataset handle metadata.
func (s *Stream) Info() dataset.Info { return s.info }

// RecordsScanned returns how many records compressed Gets have decoded or skipped in
// total. It stays zero for uncompressed files.
func (s *Stream) RecordsScanned() int64 { return s.scanned.Load() }

// Close closes the shared descriptor, if any.
func (s *Stream) Close() error {
	if s.file == nil {
		return nil
	}
	err := s.file.Close()
	s.file = nil
	return err
}
