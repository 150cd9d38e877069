// Package engine defines the boundary between the benchmark driver and the search
// engines it drives. Engines own index construction and search; the driver only feeds
// documents, issues queries and times them.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Algorithm selects an engine, matching the algoToRun configuration key.
type Algorithm string

const (
	// LuceneHNSW is the CPU graph engine.
	LuceneHNSW Algorithm = "LUCENE_HNSW"
	// CagraHNSW is the GPU-backed engine.
	CagraHNSW Algorithm = "CAGRA_HNSW"
)

var (
	// ErrUnknownAlgorithm is returned for an unrecognized selector.
	ErrUnknownAlgorithm = errors.New("engine: unknown algorithm")

	// ErrClosed is returned by a Writer after Close.
	ErrClosed = errors.New("engine: writer closed")
)

// ParseAlgorithm resolves a selector case-insensitively. The legacy selectors HNSW and
// CAGRA map to LUCENE_HNSW and CAGRA_HNSW.
func ParseAlgorithm(s string) (Algorithm, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case string(LuceneHNSW), "HNSW":
		return LuceneHNSW, nil
	case string(CagraHNSW), "CAGRA":
		return CagraHNSW, nil
	default:
		return "", fmt.Errorf("%w: %q (choices: %s, %s)", ErrUnknownAlgorithm, s, LuceneHNSW, CagraHNSW)
	}
}

// Hit is one retrieved document.
type Hit struct {
	ID    int32
	Score float32
}

// Traits describe operational constraints of an engine.
type Traits struct {
	// SingleInFlightQuery pins querying to one concurrent query, regardless of the
	// configured query thread count.
	SingleInFlightQuery bool

	// MetricPrefix prefixes result metric keys, e.g. "hnsw-query-time".
	MetricPrefix string

	// Codec names the engine in per-query results.
	Codec string
}

// Params configures one index.
type Params struct {
	Dimension int
	// FlushFreq is the number of buffered documents that triggers a new segment.
	FlushFreq int

	// InMemory keeps the index off disk. Otherwise segments are persisted to IndexDir
	// on Commit and an existing IndexDir is opened in append mode.
	InMemory      bool
	IndexDir      string
	CleanIndexDir bool

	// CPU graph knobs. Seed drives graph level generation.
	MaxConn   int
	BeamWidth int
	EfSearch  int
	Seed      int64

	// Device knobs.
	GraphDegree             int
	IntermediateGraphDegree int
	ITopK                   int
	SearchWidth             int
	HnswLayers              int
	WriterThreads           int

	Logger *slog.Logger
}

// Writer receives documents. Add must be safe for concurrent use.
type Writer interface {
	Add(ctx context.Context, id int, vec []float32) error
	Commit(ctx context.Context) error
	Close() error
}

// Searcher answers top-k queries over committed documents.
type Searcher interface {
	Search(ctx context.Context, q []float32, k int) ([]Hit, error)
	SegmentCount() int
	Close() error
}

// Index is a writable index that can be opened for search once committed.
type Index interface {
	Writer
	// OpenSearcher returns a Searcher over everything committed so far.
	OpenSearcher(ctx context.Context) (Searcher, error)
	// SizeBytes reports the on-disk size; ok is false for in-memory indexes.
	SizeBytes() (size int64, ok bool)
}

// Engine creates indexes.
type Engine interface {
	Algorithm() Algorithm
	Traits() Traits
	Create(ctx context.Context, p Params) (Index, error)
}

// Registry maps selectors to engines.
type Registry struct {
	mu      sync.RWMutex
	engines map[Algorithm]Engine
}

// NewRegistry creates a Registry holding engines.
func NewRegistry(engines ...Engine) *Registry {
	r := &Registry{engines: make(map[Algorithm]Engine, len(engines))}
	for _, e := range engines {
		r.Register(e)
	}
	return r
}

// Register adds or replaces the engine for its algorithm.
func (r *Registry) Register(e Engine) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.engines[e.Algorithm()] = e
}

// Lookup returns the engine for a.
func (r *Registry) Lookup(a Algorithm) (Engine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.engines[a]
	if !ok {
		return nil, fmt.Errorf("%w: %q is not registered", ErrUnknownAlgorithm, a)
	}
	return e, nil
}

// Algorithms lists registered selectors in sorted order.
func (r *Registry) Algorithms() []Algorithm {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Algorithm, 0, len(r.engines))
	for a := range r.engines {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Score converts a squared Euclidean distance into a similarity in (0, 1].
func Score(squaredL2 float32) float32 {
	return 1 / (1 + squaredL2)
}

// MergeHits merges per-segment result lists into the global top k by descending score,
// breaking ties by ascending id.
func MergeHits(lists [][]Hit, k int) []Hit {
	var all []Hit
	for _, l := range lists {
		all = append(all, l...)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].Score != all[j].Score {
			return all[i].Score > all[j].Score
		}
		return all[i].ID < all[j].ID
	})
	if len(all) > k {
		all = all[:k]
	}
	return all
}
