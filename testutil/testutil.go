package testutil

import (
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/dataset"
)

// RNG wraps a seeded source. It is thread-safe.
type RNG struct {
	rand *rand.Rand
	seed int64
	mu   sync.Mutex
}

// NewRNG creates a new RNG instance with the specified seed.
func NewRNG(seed int64) *RNG {
	return &RNG{
		rand: rand.New(rand.NewSource(seed)), //nolint:gosec // G404: deterministic test data
		seed: seed,
	}
}

// Reset rewinds the RNG to its initial seed.
func (r *RNG) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rand = rand.New(rand.NewSource(r.seed)) //nolint:gosec // G404: deterministic test data
}

// Seed returns the initial seed.
func (r *RNG) Seed() int64 {
	return r.seed
}

// Intn returns a non-negative pseudo-random number in [0,n).
func (r *RNG) Intn(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rand.Intn(n)
}

// UniformVectors generates random vectors with values in [0, 1) over one backing array.
func (r *RNG) UniformVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	data := make([]float32, num*dimensions)
	vectors := make([][]float32, num)
	for i := range num {
		vec := data[i*dimensions : (i+1)*dimensions]
		for j := range vec {
			vec[j] = r.rand.Float32()
		}
		vectors[i] = vec
	}
	return vectors
}

// ByteVectors generates vectors with integral components in [0, 256), exactly
// representable in bvecs.
func (r *RNG) ByteVectors(num, dimensions int) [][]float32 {
	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([][]float32, num)
	for i := range num {
		vec := make([]float32, dimensions)
		for j := range vec {
			vec[j] = float32(r.rand.Intn(256))
		}
		vectors[i] = vec
	}
	return vectors
}

// ClusteredVectors generates vectors around clusters random centroids with Gaussian
// noise of the given spread.
func (r *RNG) ClusteredVectors(num, dim, clusters int, spread float32) [][]float32 {
	centroids := r.UniformVectors(clusters, dim)

	r.mu.Lock()
	defer r.mu.Unlock()

	vectors := make([][]float32, num)
	for i := range num {
		c := centroids[i%clusters]
		vec := make([]float32, dim)
		for j := range vec {
			vec[j] = c[j] + float32(r.rand.NormFloat64())*spread
		}
		vectors[i] = vec
	}
	return vectors
}

// SquaredL2 returns the squared Euclidean distance between a and b.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum
}

// BruteForce returns the ids of the k nearest base vectors to query, nearest first,
// ties broken by ascending id.
func BruteForce(base [][]float32, query []float32, k int) []int32 {
	type result struct {
		id   int32
		dist float32
	}
	results := make([]result, len(base))
	for i, v := range base {
		results[i] = result{id: int32(i), dist: SquaredL2(query, v)}
	}
	sort.Slice(results, func(i, j int) bool {
		if results[i].dist != results[j].dist {
			return results[i].dist < results[j].dist
		}
		return results[i].id < results[j].id
	})
	if len(results) > k {
		results = results[:k]
	}
	out := make([]int32, len(results))
	for i, r := range results {
		out[i] = r.id
	}
	return out
}

// GroundTruth computes exact k-nearest-neighbor lists for every query.
func GroundTruth(base, queries [][]float32, k int) [][]int32 {
	out := make([][]int32, len(queries))
	for i, q := range queries {
		out[i] = BruteForce(base, q, k)
	}
	return out
}

// FixtureSpec describes a synthetic benchmark dataset.
type FixtureSpec struct {
	Docs    int
	Queries int
	Dim     int
	// Depth is the ground-truth list length.
	Depth int
	Seed  int64
	// BaseName and QueryName choose the framing and compression by suffix. They
	// default to base.fvecs and query.fvecs.
	BaseName  string
	QueryName string
}

// Fixture holds the paths and contents of a written dataset.
type Fixture struct {
	BasePath        string
	QueryPath       string
	GroundTruthPath string

	Base        [][]float32
	Queries     [][]float32
	GroundTruth [][]int32
}

// WriteFixture writes base, query and exact ground-truth files under dir, creating
// dir when needed.
func WriteFixture(t testing.TB, dir string, spec FixtureSpec) *Fixture {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o750))

	if spec.Seed == 0 {
		spec.Seed = 4711
	}
	if spec.BaseName == "" {
		spec.BaseName = "base.fvecs"
	}
	if spec.QueryName == "" {
		spec.QueryName = "query.fvecs"
	}

	rng := NewRNG(spec.Seed)
	fx := &Fixture{
		BasePath:        filepath.Join(dir, spec.BaseName),
		QueryPath:       filepath.Join(dir, spec.QueryName),
		GroundTruthPath: filepath.Join(dir, "groundtruth.ivecs"),
		Base:            rng.ClusteredVectors(spec.Docs, spec.Dim, 8, 0.05),
		Queries:         rng.ClusteredVectors(spec.Queries, spec.Dim, 8, 0.05),
	}
	fx.GroundTruth = GroundTruth(fx.Base, fx.Queries, spec.Depth)

	require.NoError(t, dataset.WriteFile(fx.BasePath, fx.Base))
	require.NoError(t, dataset.WriteFile(fx.QueryPath, fx.Queries))
	require.NoError(t, dataset.WriteIntsFile(fx.GroundTruthPath, fx.GroundTruth))
	return fx
}
