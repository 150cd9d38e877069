// Package hnsw adapts github.com/coder/hnsw as the CPU graph engine (LUCENE_HNSW).
//
// Documents are buffered into per-writer graph segments, one segment per concurrently
// adding goroutine, so ingestion workers never contend on a single graph. A segment
// is sealed once it holds FlushFreq documents, and Commit seals the rest. Search fans
// out over the sealed segments and merges by score.
package hnsw

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	graph "github.com/coder/hnsw"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/annbench/engine"
)

const (
	segmentPrefix = "seg-"
	segmentSuffix = ".hnsw"
	maxActive     = 64
)

// Engine creates graph indexes.
type Engine struct{}

// New returns the CPU graph engine.
func New() *Engine { return &Engine{} }

// Algorithm returns engine.LuceneHNSW.
func (e *Engine) Algorithm() engine.Algorithm { return engine.LuceneHNSW }

// Traits reports no query pinning.
func (e *Engine) Traits() engine.Traits {
	return engine.Traits{MetricPrefix: "hnsw", Codec: "lucene_hnsw"}
}

type segment struct {
	g *graph.Graph[int32]
	n int
}

type index struct {
	p      engine.Params
	logger *slog.Logger

	free chan *segment

	mu     sync.Mutex
	sealed []*segment
	closed atomic.Bool

	segments atomic.Int64

	persisted int // sealed segments already written to IndexDir
}

// Create opens a new index. An on-disk index directory that already holds segments
// is opened in append mode unless CleanIndexDir is set.
func (e *Engine) Create(ctx context.Context, p engine.Params) (engine.Index, error) {
	if p.Dimension <= 0 {
		return nil, fmt.Errorf("hnsw: invalid dimension %d", p.Dimension)
	}
	if p.FlushFreq < 2 {
		p.FlushFreq = 2
	}
	if p.MaxConn <= 0 {
		p.MaxConn = 16
	}
	if p.BeamWidth <= 0 {
		p.BeamWidth = 100
	}
	logger := p.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	idx := &index{
		p:      p,
		logger: logger,
		free:   make(chan *segment, maxActive),
	}

	if !p.InMemory {
		if p.IndexDir == "" {
			return nil, errors.New("hnsw: index directory required for on-disk index")
		}
		if p.CleanIndexDir {
			if err := os.RemoveAll(p.IndexDir); err != nil {
				return nil, fmt.Errorf("hnsw: cleaning %s: %w", p.IndexDir, err)
			}
		}
		if err := os.MkdirAll(p.IndexDir, 0o750); err != nil {
			return nil, err
		}
		if err := idx.load(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

// newSegment seeds level generation from Params.Seed and the segment ordinal.
func (x *index) newSegment() *segment {
	g := graph.NewGraph[int32]()
	g.Rng = rand.New(rand.NewSource(x.p.Seed + x.segments.Add(1))) //nolint:gosec // G404: level generation only
	g.Distance = graph.EuclideanDistance
	g.M = x.p.MaxConn
	g.EfSearch = x.p.BeamWidth
	return &segment{g: g}
}

func (x *index) acquire() *segment {
	select {
	case s := <-x.free:
		return s
	default:
		return x.newSegment()
	}
}

func (x *index) release(s *segment) {
	select {
	case x.free <- s:
	default:
		x.seal(s)
	}
}

func (x *index) seal(s *segment) {
	if s.n == 0 {
		return
	}
	x.mu.Lock()
	x.sealed = append(x.sealed, s)
	x.mu.Unlock()
}

// Add inserts one document into a segment owned by the caller for the duration of
// the call.
func (x *index) Add(_ context.Context, id int, vec []float32) error {
	if x.closed.Load() {
		return engine.ErrClosed
	}
	if len(vec) != x.p.Dimension {
		return fmt.Errorf("hnsw: document %d: dimension %d, index expects %d", id, len(vec), x.p.Dimension)
	}

	s := x.acquire()
	s.g.Add(graph.MakeNode(int32(id), vec))
	s.n++
	if s.n >= x.p.FlushFreq {
		x.seal(s)
		return nil
	}
	x.release(s)
	return nil
}

// Commit seals every buffered segment and persists new segments when on disk.
func (x *index) Commit(ctx context.Context) error {
drain:
	for {
		select {
		case s := <-x.free:
			x.seal(s)
		default:
			break drain
		}
	}

	if x.p.InMemory {
		return nil
	}

	x.mu.Lock()
	pending := x.sealed[x.persisted:]
	base := x.persisted
	x.mu.Unlock()

	g, _ := errgroup.WithContext(ctx)
	for i, s := range pending {
		path := filepath.Join(x.p.IndexDir, fmt.Sprintf("%s%06d%s", segmentPrefix, base+i, segmentSuffix))
		g.Go(func() error { return exportSegment(path, s) })
	}
	if err := g.Wait(); err != nil {
		return err
	}

	x.mu.Lock()
	x.persisted = base + len(pending)
	x.mu.Unlock()

	x.logger.DebugContext(ctx, "hnsw segments committed", "new", len(pending), "total", x.persisted)
	return nil
}

func exportSegment(path string, s *segment) error {
	f, err := os.Create(path) //nolint:gosec // G304: path is derived from the index dir
	if err != nil {
		return err
	}
	w := bufio.NewWriter(f)
	if err := s.g.Export(w); err != nil {
		_ = f.Close()
		return fmt.Errorf("hnsw: exporting %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("hnsw: exporting %s: %w", path, err)
	}
	return f.Close()
}

func (x *index) load() error {
	entries, err := os.ReadDir(x.p.IndexDir)
	if err != nil {
		return err
	}
	var names []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), segmentPrefix) && strings.HasSuffix(e.Name(), segmentSuffix) {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	for _, name := range names {
		f, err := os.Open(filepath.Join(x.p.IndexDir, name)) //nolint:gosec // G304: listed from the index dir
		if err != nil {
			return err
		}
		s := x.newSegment()
		err = s.g.Import(bufio.NewReader(f))
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("hnsw: importing %s: %w", name, err)
		}
		s.n = s.g.Len()
		x.sealed = append(x.sealed, s)
	}
	x.persisted = len(x.sealed)
	return nil
}

// Close stops accepting documents. Uncommitted buffered documents are discarded.
func (x *index) Close() error {
	x.closed.Store(true)
	return nil
}

// OpenSearcher snapshots the sealed segments.
func (x *index) OpenSearcher(_ context.Context) (engine.Searcher, error) {
	x.mu.Lock()
	segs := append([]*segment(nil), x.sealed...)
	x.mu.Unlock()

	ef := x.p.EfSearch
	for _, s := range segs {
		if ef > 0 {
			s.g.EfSearch = ef
		}
	}
	return &searcher{segs: segs, dim: x.p.Dimension}, nil
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

// searcher reads immutable sealed graphs, so concurrent Search needs no locking.
type searcher struct {
	segs []*segment
	dim  int
}

func (s *searcher) Search(ctx context.Context, q []float32, k int) ([]engine.Hit, error) {
	if len(q) != s.dim {
		return nil, fmt.Errorf("hnsw: query dimension %d, index expects %d", len(q), s.dim)
	}
	lists := make([][]engine.Hit, 0, len(s.segs))
	for _, seg := range s.segs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seg.n == 0 {
			continue
		}
		nodes := seg.g.Search(q, k)
		hits := make([]engine.Hit, len(nodes))
		for i, n := range nodes {
			d := graph.EuclideanDistance(q, n.Value)
			hits[i] = engine.Hit{ID: n.Key, Score: engine.Score(d * d)}
		}
		lists = append(lists, hits)
	}
	return engine.MergeHits(lists, k), nil
}

func (s *searcher) SegmentCount() int { return len(s.segs) }

func (s *searcher) Close() error { return nil }
