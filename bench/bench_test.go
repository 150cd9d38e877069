package bench

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/config"
	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/engine/cagra"
	"github.com/hupe1980/annbench/engine/hnsw"
	"github.com/hupe1980/annbench/provider"
	"github.com/hupe1980/annbench/recall"
	"github.com/hupe1980/annbench/testutil"
)

// recordingWriter records which worker goroutine submitted each id.
type recordingWriter struct {
	mu        sync.Mutex
	claims    map[int]int
	failAt    int
	committed atomic.Bool
	closed    atomic.Bool
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{claims: map[int]int{}, failAt: -1}
}

func (w *recordingWriter) Add(_ context.Context, id int, _ []float32) error {
	if id == w.failAt {
		return errors.New("engine rejected document")
	}
	w.mu.Lock()
	w.claims[id]++
	w.mu.Unlock()
	return nil
}

func (w *recordingWriter) Commit(context.Context) error {
	w.committed.Store(true)
	return nil
}

func (w *recordingWriter) Close() error {
	w.closed.Store(true)
	return nil
}

func vectors(n, dim int) [][]float32 {
	return testutil.NewRNG(int64(n)).UniformVectors(n, dim)
}

func TestIngestCoversEveryIDExactlyOnce(t *testing.T) {
	w := newRecordingWriter()
	p := provider.NewMemory(vectors(1000, 4))

	report, err := Ingest(context.Background(), w, p, 1000, 4)
	require.NoError(t, err)

	assert.Len(t, w.claims, 1000)
	for id := range 1000 {
		assert.Equal(t, 1, w.claims[id], "id %d", id)
	}
	assert.True(t, w.committed.Load())
	assert.True(t, w.closed.Load())

	total := 0
	for _, n := range report.PerWorker {
		total += n
	}
	assert.Equal(t, 1000, total)
	assert.Equal(t, 4, report.Workers)
}

func TestIngestFailureAbortsWithoutCommit(t *testing.T) {
	w := newRecordingWriter()
	w.failAt = 500
	p := provider.NewMemory(vectors(1000, 4))

	_, err := Ingest(context.Background(), w, p, 1000, 4)
	require.ErrorContains(t, err, "document 500")
	assert.False(t, w.committed.Load())
	assert.True(t, w.closed.Load())
}

func TestIngestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	w := newRecordingWriter()
	_, err := Ingest(ctx, w, provider.NewMemory(vectors(10, 2)), 10, 2)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, w.committed.Load())
}

func TestIngestRejectsShortProvider(t *testing.T) {
	_, err := Ingest(context.Background(), newRecordingWriter(), provider.NewMemory(vectors(3, 2)), 5, 1)
	assert.Error(t, err)
}

// fakeSearcher returns fixed ids and tracks concurrency.
type fakeSearcher struct {
	inFlight atomic.Int32
	peak     atomic.Int32
	calls    atomic.Int32
}

func (s *fakeSearcher) Search(_ context.Context, _ []float32, k int) ([]engine.Hit, error) {
	s.calls.Add(1)
	n := s.inFlight.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(2 * time.Millisecond)
	s.inFlight.Add(-1)

	hits := make([]engine.Hit, k)
	for i := range hits {
		hits[i] = engine.Hit{ID: int32(i), Score: 1 / float32(i+1)}
	}
	return hits, nil
}

func (s *fakeSearcher) SegmentCount() int { return 3 }
func (s *fakeSearcher) Close() error      { return nil }

func identityTruth(rows, k int) [][]int32 {
	gt := make([][]int32, rows)
	for i := range gt {
		gt[i] = make([]int32, k)
		for j := range gt[i] {
			gt[i][j] = int32(j)
		}
	}
	return gt
}

func TestQueryExcludesWarmup(t *testing.T) {
	s := &fakeSearcher{}
	queries := provider.NewMemory(vectors(20, 2))

	report, err := Query(context.Background(), s, engine.Traits{Codec: "lucene_hnsw"}, queries, identityTruth(20, 5),
		QueryConfig{TopK: 5, NumQueries: 20, NumWarmUp: 4, Threads: 4})
	require.NoError(t, err)

	assert.Equal(t, int32(20), s.calls.Load())
	assert.Equal(t, 4, report.Warmup)
	assert.Equal(t, 16, report.Measured)
	require.Len(t, report.Results, 16)
	assert.Equal(t, 4, report.Results[0].QueryID)
	assert.Equal(t, 19, report.Results[15].QueryID)
	assert.Equal(t, 3, report.SegmentCount)
	assert.InDelta(t, 1.0, report.Summary.AvgRecall, 1e-12)
	assert.Positive(t, report.Throughput)
	assert.Positive(t, report.MeanLatency)
	assert.GreaterOrEqual(t, report.P99Latency, report.P50Latency)
	assert.Equal(t, "lucene_hnsw", report.Results[0].Codec)
}

func TestQueryPinsSingleInFlight(t *testing.T) {
	s := &fakeSearcher{}
	queries := provider.NewMemory(vectors(16, 2))

	report, err := Query(context.Background(), s, engine.Traits{SingleInFlightQuery: true}, queries, identityTruth(16, 3),
		QueryConfig{TopK: 3, NumQueries: 16, Threads: 8})
	require.NoError(t, err)
	assert.Equal(t, 1, report.Threads)
	assert.Equal(t, int32(1), s.peak.Load())

	s = &fakeSearcher{}
	report, err = Query(context.Background(), s, engine.Traits{}, queries, identityTruth(16, 3),
		QueryConfig{TopK: 3, NumQueries: 16, Threads: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, report.Threads)
	assert.Greater(t, s.peak.Load(), int32(1))
}

func TestQueryDepthErrorAbortsBeforeSearching(t *testing.T) {
	s := &fakeSearcher{}
	gt := identityTruth(10, 10)
	gt[7] = gt[7][:4]

	_, err := Query(context.Background(), s, engine.Traits{}, provider.NewMemory(vectors(10, 2)), gt,
		QueryConfig{TopK: 10, NumQueries: 10, Threads: 2})

	var de *recall.ErrGroundTruthDepth
	require.ErrorAs(t, err, &de)
	assert.Equal(t, 7, de.Query)
	assert.Equal(t, 4, de.Have)
	assert.Zero(t, s.calls.Load())
}

func TestQueryShallowWarmupRowIsFine(t *testing.T) {
	gt := identityTruth(6, 5)
	gt[0] = nil

	report, err := Query(context.Background(), &fakeSearcher{}, engine.Traits{}, provider.NewMemory(vectors(6, 2)), gt,
		QueryConfig{TopK: 5, NumQueries: 6, NumWarmUp: 1, Threads: 1})
	require.NoError(t, err)
	assert.Len(t, report.Results, 5)
}

func runConfig(fx *testutil.Fixture, algo engine.Algorithm) config.Run {
	cfg := config.Default()
	cfg.BenchmarkID = "test"
	cfg.DatasetFile = fx.BasePath
	cfg.QueryFile = fx.QueryPath
	cfg.GroundTruthFile = fx.GroundTruthPath
	cfg.AlgoToRun = string(algo)
	cfg.NumDocs = 400
	cfg.NumQueriesToRun = 20
	cfg.NumWarmUpQueries = 2
	cfg.TopK = 10
	cfg.NumIndexThreads = 4
	cfg.QueryThreads = 2
	cfg.FlushFreq = 150
	return cfg
}

func TestRunBothEngines(t *testing.T) {
	fx := testutil.WriteFixture(t, t.TempDir(), testutil.FixtureSpec{Docs: 400, Queries: 20, Dim: 8, Depth: 10})
	registry := engine.NewRegistry(hnsw.New(), cagra.New())

	for _, algo := range []engine.Algorithm{engine.LuceneHNSW, engine.CagraHNSW} {
		t.Run(string(algo), func(t *testing.T) {
			res, err := Run(context.Background(), runConfig(fx, algo), registry)
			require.NoError(t, err)

			prefix := "hnsw"
			if algo == engine.CagraHNSW {
				prefix = "cuvs"
				assert.InDelta(t, 1.0, res.Metrics["cuvs-recall-accuracy"], 1e-9)
				assert.Equal(t, 1, res.Query.Threads)
				assert.Equal(t, 3, res.Metrics["cuvs-segment-count"])
			} else {
				assert.Positive(t, res.Metrics["hnsw-segment-count"])
				assert.Greater(t, res.Metrics["hnsw-recall-accuracy"], 0.5)
			}
			assert.Contains(t, res.Metrics, prefix+"-indexing-time")
			assert.Contains(t, res.Metrics, prefix+"-query-throughput")
			assert.Len(t, res.Queries, 18)
			assert.Equal(t, 400, res.Ingest.Docs)
		})
	}
}

func TestRunOnDiskReportsIndexSize(t *testing.T) {
	dir := t.TempDir()
	fx := testutil.WriteFixture(t, dir, testutil.FixtureSpec{Docs: 400, Queries: 20, Dim: 8, Depth: 10})

	cfg := runConfig(fx, engine.CagraHNSW)
	cfg.CreateIndexInMemory = false
	cfg.CuvsIndexDirPath = filepath.Join(dir, "cuvsIndex")
	cfg.ProviderKind = "bolt"
	cfg.ProviderStorePath = filepath.Join(dir, "base.bolt")

	res, err := Run(context.Background(), cfg, engine.NewRegistry(cagra.New()))
	require.NoError(t, err)
	assert.Positive(t, res.Metrics["cuvs-index-size"])
}

func TestRunPreflight(t *testing.T) {
	fx := testutil.WriteFixture(t, t.TempDir(), testutil.FixtureSpec{Docs: 50, Queries: 5, Dim: 4, Depth: 10})
	registry := engine.NewRegistry(hnsw.New())

	cfg := runConfig(fx, engine.LuceneHNSW)
	cfg.GroundTruthFile = filepath.Join(t.TempDir(), "missing.ivecs")
	_, err := Run(context.Background(), cfg, registry)
	var im *config.ErrInputMissing
	assert.ErrorAs(t, err, &im)

	cfg = runConfig(fx, engine.LuceneHNSW)
	cfg.VectorDimension = 5
	_, err = Run(context.Background(), cfg, registry)
	var fe *config.FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "vectorDimension", fe.Field)

	cfg = runConfig(fx, engine.LuceneHNSW)
	cfg.TopK = 20
	cfg.NumDocs = 50
	_, err = Run(context.Background(), cfg, registry)
	var de *recall.ErrGroundTruthDepth
	assert.ErrorAs(t, err, &de)
}

func TestWriteResults(t *testing.T) {
	dir := t.TempDir()
	res := &Result{
		Config:  config.Default(),
		Metrics: map[string]any{"hnsw-query-time": 12.5},
		Queries: []QueryResult{{
			Codec: "lucene_hnsw", QueryID: 3, Docs: []int32{1, 2}, GroundTruth: []int32{2, 1},
			Scores: []float32{0.5, 0.25}, LatencyMs: 1.5, Precision: 1, Recall: 1,
		}},
	}
	res.Config.BenchmarkID = "b1"

	paths, err := WriteResults(dir, res)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	var doc map[string]map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, 12.5, doc["metrics"]["hnsw-query-time"])
	assert.Equal(t, "b1", doc["configuration"]["benchmarkID"])

	f, err := os.Open(filepath.Join(dir, "b1_neighbors.csv"))
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"lucene_hnsw", "3", "[1,2]", "[2,1]", "[0.5,0.25]", "1.5", "1", "1"}, rows[1])
}
