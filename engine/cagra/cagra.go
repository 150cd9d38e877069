// Package cagra provides the CAGRA_HNSW engine.
//
// The accelerator library this selector names needs cgo and a CUDA device, so the
// engine runs an exhaustive BLAS-backed L2 scan with the device's operational contract:
// every index shares one device context guarded by a single lock, segments are built by
// a bounded pool of writer threads, and searches are issued one at a time.
package cagra

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/annbench/dataset"
	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/internal/queue"
)

const (
	segmentPrefix = "seg-"
	vectorSuffix  = ".fbin"
	idSuffix      = ".ibin"
)

// device serializes access to the shared accelerator context.
type device struct {
	mu       sync.Mutex
	launches atomic.Int64
}

// Engine creates device indexes that share one device context.
type Engine struct {
	dev *device
}

// New returns an engine with its own device context.
func New() *Engine { return &Engine{dev: &device{}} }

// Algorithm returns engine.CagraHNSW.
func (e *Engine) Algorithm() engine.Algorithm { return engine.CagraHNSW }

// Traits pins querying to a single in-flight query.
func (e *Engine) Traits() engine.Traits {
	return engine.Traits{SingleInFlightQuery: true, MetricPrefix: "cuvs", Codec: "lucene_cuvs"}
}

// Launches reports how many search kernels ran on the device.
func (e *Engine) Launches() int64 { return e.dev.launches.Load() }

// segment is a row-major arena of vectors with precomputed squared norms.
type segment struct {
	ids   []int32
	data  []float32
	norms []float32
	dim   int
}

func (s *segment) len() int { return len(s.ids) }

func (s *segment) build() {
	s.norms = make([]float32, s.len())
	for i := range s.norms {
		row := blas32.Vector{N: s.dim, Inc: 1, Data: s.data[i*s.dim : (i+1)*s.dim]}
		s.norms[i] = blas32.Dot(row, row)
	}
}

type index struct {
	p      engine.Params
	dev    *device
	logger *slog.Logger

	mu     sync.Mutex
	active *segment
	sealed []*segment
	closed atomic.Bool

	builders  *errgroup.Group
	persisted int
}

// Create opens a new index. An on-disk index directory that already holds segments is
// opened in append mode unless CleanIndexDir is set.
func (e *Engine) Create(ctx context.Context, p engine.Params) (engine.Index, error) {
	if p.Dimension <= 0 {
		return nil, fmt.Errorf("cagra: invalid dimension %d", p.Dimension)
	}
	if p.FlushFreq < 2 {
		p.FlushFreq = 2
	}
	if p.WriterThreads <= 0 {
		p.WriterThreads = 1
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	builders := &errgroup.Group{}
	builders.SetLimit(p.WriterThreads)

	idx := &index{
		p:        p,
		dev:      e.dev,
		logger:   logger,
		builders: builders,
	}

	if !p.InMemory {
		if p.IndexDir == "" {
			return nil, errors.New("cagra: index directory required for on-disk index")
		}
		if p.CleanIndexDir {
			if err := os.RemoveAll(p.IndexDir); err != nil {
				return nil, fmt.Errorf("cagra: cleaning %s: %w", p.IndexDir, err)
			}
		}
		if err := os.MkdirAll(p.IndexDir, 0o750); err != nil {
			return nil, err
		}
		if err := idx.load(); err != nil {
			return nil, err
		}
	}

	logger.DebugContext(ctx, "cagra index created",
		"graph_degree", p.GraphDegree,
		"intermediate_graph_degree", p.IntermediateGraphDegree,
		"hnsw_layers", p.HnswLayers,
		"writer_threads", p.WriterThreads,
	)
	return idx, nil
}

// Add appends a document to the active arena, handing the arena to a writer thread
// once it reaches FlushFreq documents.
func (x *index) Add(_ context.Context, id int, vec []float32) error {
	if x.closed.Load() {
		return engine.ErrClosed
	}
	if len(vec) != x.p.Dimension {
		return fmt.Errorf("cagra: document %d: dimension %d, index expects %d", id, len(vec), x.p.Dimension)
	}

	x.mu.Lock()
	if x.active == nil {
		x.active = &segment{dim: x.p.Dimension}
	}
	x.active.ids = append(x.active.ids, int32(id))
	x.active.data = append(x.active.data, vec...)

	var full *segment
	if x.active.len() >= x.p.FlushFreq {
		full = x.active
		x.active = nil
		x.sealed = append(x.sealed, full)
	}
	x.mu.Unlock()

	if full != nil {
		x.builders.Go(func() error {
			full.build()
			return nil
		})
	}
	return nil
}

// Commit builds the remaining arena, waits for every writer thread and persists new
// segments when on disk.
func (x *index) Commit(ctx context.Context) error {
	x.mu.Lock()
	if x.active != nil && x.active.len() > 0 {
		last := x.active
		x.sealed = append(x.sealed, last)
		x.builders.Go(func() error {
			last.build()
			return nil
		})
	}
	x.active = nil
	x.mu.Unlock()

	if err := x.builders.Wait(); err != nil {
		return err
	}
	if x.p.InMemory {
		return nil
	}

	x.mu.Lock()
	pending := x.sealed[x.persisted:]
	base := x.persisted
	x.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(x.p.WriterThreads)
	for i, s := range pending {
		stem := filepath.Join(x.p.IndexDir, fmt.Sprintf("%s%06d", segmentPrefix, base+i))
		g.Go(func() error { return writeSegment(stem, s) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	x.mu.Lock()
	x.persisted = base + len(pending)
	x.mu.Unlock()

	x.logger.DebugContext(ctx, "cagra segments committed", "new", len(pending), "total", x.persisted)
	return nil
}

func writeSegment(stem string, s *segment) error {
	rows := make([][]float32, s.len())
	ids := make([][]int32, s.len())
	for i := range rows {
		rows[i] = s.data[i*s.dim : (i+1)*s.dim]
		ids[i] = []int32{s.ids[i]}
	}
	if err := dataset.WriteFile(stem+vectorSuffix, rows); err != nil {
		return fmt.Errorf("cagra: writing segment vectors: %w", err)
	}
	if err := dataset.WriteIntsFile(stem+idSuffix, ids); err != nil {
		return fmt.Errorf("cagra: writing segment ids: %w", err)
	}
	return nil
}

func (x *index) load() error {
	entries, err := os.ReadDir(x.p.IndexDir)
	if err != nil {
		return err
	}
	var stems []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, segmentPrefix) && strings.HasSuffix(name, vectorSuffix) {
			stems = append(stems, strings.TrimSuffix(name, vectorSuffix))
		}
	}
	sort.Strings(stems)

	for _, stem := range stems {
		base := filepath.Join(x.p.IndexDir, stem)
		rows, err := dataset.ReadAll(base+vectorSuffix, 0)
		if err != nil {
			return fmt.Errorf("cagra: loading %s: %w", stem, err)
		}
		ids, err := dataset.ReadAllInts(base+idSuffix, 0)
		if err != nil {
			return fmt.Errorf("cagra: loading %s: %w", stem, err)
		}
		if len(ids) != len(rows) {
			return fmt.Errorf("cagra: segment %s has %d vectors and %d ids", stem, len(rows), len(ids))
		}

		s := &segment{dim: x.p.Dimension}
		for i, row := range rows {
			if len(row) != x.p.Dimension {
				return &dataset.ErrDimensionMismatch{Record: i, Expected: x.p.Dimension, Actual: len(row)}
			}
			s.ids = append(s.ids, ids[i][0])
			s.data = append(s.data, row...)
		}
		s.build()
		x.sealed = append(x.sealed, s)
	}
	x.persisted = len(x.sealed)
	return nil
}

// Close stops accepting documents. Documents not yet committed are discarded.
func (x *index) Close() error {
	x.closed.Store(true)
	return nil
}

// OpenSearcher snapshots the built segments.
func (x *index) OpenSearcher(_ context.Context) (engine.Searcher, error) {
	x.mu.Lock()
	segs := append([]*segment(nil), x.sealed...)
	x.mu.Unlock()

	for _, s := range segs {
		if s.norms == nil {
			return nil, errors.New("cagra: searcher opened before commit")
		}
	}
	return &searcher{segs: segs, dev: x.dev, dim: x.p.Dimension}, nil
}

// SizeBytes sums the persisted segment files.
func (x *index) SizeBytes() (int64, bool) {
	if x.p.InMemory {
		return 0, false
	}
	var total int64
	err := filepath.WalkDir(x.p.IndexDir, func(_ string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	return total, err == nil
}

type searcher struct {
	segs []*segment
	dev  *device
	dim  int
}

// Search scans every segment on the device. Concurrent calls queue on the device lock.
func (s *searcher) Search(ctx context.Context, q []float32, k int) ([]engine.Hit, error) {
	if len(q) != s.dim {
		return nil, fmt.Errorf("cagra: query dimension %d, index expects %d", len(q), s.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	s.dev.mu.Lock()
	defer s.dev.mu.Unlock()
	s.dev.launches.Add(1)

	qv := blas32.Vector{N: s.dim, Inc: 1, Data: q}
	qnorm := blas32.Dot(qv, qv)

	lists := make([][]engine.Hit, 0, len(s.segs))
	for _, seg := range s.segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n := seg.len()
		if n == 0 {
			continue
		}

		// dots = A·q, so |a-q|² = |a|² - 2a·q + |q|².
		dots := make([]float32, n)
		a := blas32.General{Rows: n, Cols: s.dim, Stride: s.dim, Data: seg.data}
		blas32.Gemv(blas.NoTrans, 1, a, qv, 0, blas32.Vector{N: n, Inc: 1, Data: dots})

		top := queue.NewTopK(k)
		for i, dot := range dots {
			top.Offer(queue.Candidate{ID: seg.ids[i], Distance: max(seg.norms[i]-2*dot+qnorm, 0)})
		}

		hits := make([]engine.Hit, top.Len())
		for i, c := range top.Items() {
			hits[i] = engine.Hit{ID: c.ID, Score: engine.Score(c.Distance)}
		}
		lists = append(lists, hits)
	}
	return engine.MergeHits(lists, k), nil
}

func (s *searcher) SegmentCount() int { return len(s.segs) }

func (s *searcher) Close() error { return nil }
