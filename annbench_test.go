package annbench

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/artifact"
	"github.com/hupe1980/annbench/catalog"
	"github.com/hupe1980/annbench/datasets"
	"github.com/hupe1980/annbench/sampler"
	"github.com/hupe1980/annbench/testutil"
)

type fixedProbe struct{}

func (fixedProbe) Snapshot(context.Context) (sampler.Snapshot, error) {
	return sampler.Snapshot{
		Memory: sampler.MemorySample{RSS: 64 << 20, HeapUsed: 8 << 20},
		CPU:    sampler.CPUSample{ProcessCPU: 50},
	}, nil
}

func newHarness(t *testing.T, opts ...Option) *Harness {
	t.Helper()
	base := []Option{
		WithRunsDir(filepath.Join(t.TempDir(), "runs")),
		WithSampleProbe(fixedProbe{}),
		WithFingerprint("test-fingerprint"),
	}
	return New(append(base, opts...)...)
}

func writeDataset(t *testing.T) *testutil.Fixture {
	t.Helper()
	return testutil.WriteFixture(t, filepath.Join(t.TempDir(), "synthetic"), testutil.FixtureSpec{
		Docs:    200,
		Queries: 20,
		Dim:     8,
		Depth:   10,
	})
}

func runParams(fx *testutil.Fixture, algo string) map[string]any {
	return map[string]any{
		"datasetFile":         fx.BasePath,
		"queryFile":           fx.QueryPath,
		"groundTruthFile":     fx.GroundTruthPath,
		"numDocs":             200,
		"topK":                10,
		"numQueriesToRun":     20,
		"numWarmUpQueries":    2,
		"numIndexThreads":     2,
		"queryThreads":        2,
		"flushFreq":           64,
		"createIndexInMemory": true,
		"algoToRun":           algo,
	}
}

func TestRunWritesRunDirectory(t *testing.T) {
	fx := writeDataset(t)
	h := newHarness(t)

	rec, err := h.Run(context.Background(), runParams(fx, "CAGRA_HNSW"), map[string]any{"sweep_id": "unit"})
	require.NoError(t, err)

	for _, name := range []string{
		ConfigFile, EnvFile, LockFile,
		"results.json", rec.Run.ID + "_neighbors.csv",
		sampler.MemoryFile, sampler.CPUFile, sampler.SummaryFile,
		MetricsFile,
	} {
		assert.FileExists(t, filepath.Join(rec.Dir, name))
	}
	assert.NoFileExists(t, filepath.Join(rec.Dir, ErrorLogFile))

	var env Environment
	data, err := os.ReadFile(filepath.Join(rec.Dir, EnvFile))
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &env))
	assert.Equal(t, "test-fingerprint", env.Fingerprint)
	assert.NotEmpty(t, env.InvocationID)

	lock, err := readLock(filepath.Join(rec.Dir, LockFile))
	require.NoError(t, err)
	assert.Equal(t, rec.Run.ID, lock.RunID)
	assert.Equal(t, "unit", lock.Sweep["sweep_id"])
	assert.Equal(t, fx.BasePath, lock.Dataset.DatasetFile)

	entry, err := h.Catalog().Get(rec.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusCompleted, entry.Status)
	assert.Equal(t, "CAGRA_HNSW", entry.Algo)
	assert.Equal(t, 10, entry.TopK)
	assert.InDelta(t, 1.0, entry.Recall, 1e-9, "the device engine scans exhaustively")
	assert.NotEqual(t, float64(catalog.Unset), entry.QueryTime)
	assert.Greater(t, entry.QPS, 0.0)
	assert.InDelta(t, 64.0, entry.PeakMemoryMB, 1e-9)

	prom, err := os.ReadFile(filepath.Join(rec.Dir, MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "annbench_runs_total")
	assert.Contains(t, string(prom), `phase="measured"`)
}

func TestRunObservedByMetricsCollector(t *testing.T) {
	fx := writeDataset(t)
	metrics := &BasicMetricsCollector{}
	h := newHarness(t, WithMetricsCollector(metrics))

	_, err := h.Run(context.Background(), runParams(fx, "LUCENE_HNSW"), nil)
	require.NoError(t, err)

	stats := metrics.GetStats()
	assert.Equal(t, int64(200), stats.IngestDocs)
	assert.Equal(t, int64(18), stats.QueryCount)
	assert.Equal(t, int64(2), stats.WarmupCount)
	assert.Equal(t, int64(1), stats.RunCount)
	assert.Zero(t, stats.RunErrors)
	assert.Greater(t, stats.AvgRecall, 0.0)
}

func TestRunFailureLeavesErrorLog(t *testing.T) {
	fx := writeDataset(t)
	require.NoError(t, os.Remove(fx.QueryPath))
	h := newHarness(t)

	rec, err := h.Run(context.Background(), runParams(fx, "LUCENE_HNSW"), nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInputMissing)

	var re *RunError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, rec.Run.ID, re.RunID)

	assert.FileExists(t, filepath.Join(rec.Dir, ErrorLogFile))
	assert.FileExists(t, filepath.Join(rec.Dir, LockFile))
	assert.FileExists(t, filepath.Join(rec.Dir, sampler.SummaryFile))

	entry, err := h.Catalog().Get(rec.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, catalog.StatusFailed, entry.Status)
	assert.Equal(t, float64(catalog.Unset), entry.Recall)
}

func TestRunRejectsTopKBeyondGroundTruth(t *testing.T) {
	fx := writeDataset(t)
	h := newHarness(t)

	params := runParams(fx, "LUCENE_HNSW")
	params["topK"] = 20
	_, err := h.Run(context.Background(), params, nil)
	assert.ErrorIs(t, err, ErrGroundTruthDepth)

	_, statErr := os.Stat(h.RunsDir())
	assert.True(t, errors.Is(statErr, os.ErrNotExist), "nothing is written before validation passes")
}

const sweepTemplate = `
meta:
  sweep_id: unit-sweep
base:
  datasetFile: %s
  queryFile: %s
  groundTruthFile: %s
  numDocs: 200
  numQueriesToRun: 20
  numWarmUpQueries: 2
  createIndexInMemory: true
  topK: 10
matrix:
%s
`

func writeSweep(t *testing.T, fx *testutil.Fixture, matrix string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sweep.yaml")
	doc := fmt.Sprintf(sweepTemplate, fx.BasePath, fx.QueryPath, fx.GroundTruthPath, matrix)
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))
	return path
}

func TestSweepContinuesPastFailures(t *testing.T) {
	fx := writeDataset(t)
	h := newHarness(t)

	path := writeSweep(t, fx, "  algoToRun: CAGRA_HNSW\n  vectorDimension: [8, 9]\n")
	report, err := h.Sweep(context.Background(), path)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConfig)

	assert.Equal(t, "unit-sweep", report.SweepID)
	assert.Len(t, report.Runs, 2)
	assert.Len(t, report.Succeeded, 1)
	assert.Len(t, report.Failed, 1)

	entries, err := h.Catalog().Load()
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestSweepMaterializationErrorRunsNothing(t *testing.T) {
	fx := writeDataset(t)
	h := newHarness(t)

	path := writeSweep(t, fx, "  algoToRun: LUCENE_HNSW\n  topK: [5, 50]\n")
	_, err := h.Sweep(context.Background(), path)
	assert.ErrorIs(t, err, ErrGroundTruthDepth)
	assert.NoFileExists(t, h.Catalog().Path())
}

func TestDryRunSweepPrunes(t *testing.T) {
	fx := writeDataset(t)
	h := newHarness(t)

	path := writeSweep(t, fx, strings.Join([]string{
		"  algoToRun: [LUCENE_HNSW, CAGRA_HNSW]",
		"  hnswMaxConn: [8, 16]",
		"  cagraGraphDegree: [32, 64]",
	}, "\n"))

	runs, err := h.DryRunSweep(path)
	require.NoError(t, err)
	require.Len(t, runs, 4)
	for _, r := range runs {
		switch r.Algorithm() {
		case "LUCENE_HNSW":
			assert.NotContains(t, r.Config, "cagraGraphDegree")
		case "CAGRA_HNSW":
			assert.NotContains(t, r.Config, "hnswMaxConn")
		}
	}
	assert.NoDirExists(t, h.RunsDir())

	again, err := h.DryRunSweep(path)
	require.NoError(t, err)
	for i := range runs {
		assert.Equal(t, runs[i].ID, again[i].ID)
	}
}

func TestReplay(t *testing.T) {
	fx := writeDataset(t)
	h := newHarness(t)

	first, err := h.Run(context.Background(), runParams(fx, "LUCENE_HNSW"), map[string]any{"sweep_id": "unit"})
	require.NoError(t, err)

	m, err := h.LoadReplay(first.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, m.ID, "replay reproduces the run id")
	assert.Equal(t, "unit", m.Meta["sweep_id"])

	again, err := h.Replay(context.Background(), first.Run.ID)
	require.NoError(t, err)
	assert.Equal(t, first.Run.ID, again.Run.ID)

	entries, err := h.Catalog().Load()
	require.NoError(t, err)
	assert.Len(t, entries, 1)

	_, err = h.Replay(context.Background(), "000000000000")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunFile(t *testing.T) {
	fx := writeDataset(t)
	h := newHarness(t)

	data, err := json.Marshal(runParams(fx, "hnsw"))
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	m, err := h.LoadRunFile(path)
	require.NoError(t, err)
	assert.Equal(t, "LUCENE_HNSW", m.Algorithm())
	assert.Equal(t, "single-run", m.Meta["sweep_id"])
	assert.Equal(t, "synthetic", m.Dataset())

	swept := writeSweep(t, fx, "  algoToRun: [CAGRA_HNSW, LUCENE_HNSW]\n  queryThreads: [1, 4]\n")
	first, err := h.LoadRunFile(swept)
	require.NoError(t, err)
	assert.Equal(t, "CAGRA_HNSW", first.Algorithm())
	assert.Equal(t, "unit-sweep", first.Meta["sweep_id"])
}

func TestMultiSweep(t *testing.T) {
	a := writeDataset(t)
	b := writeDataset(t)

	reg, err := datasets.Parse([]byte(fmt.Sprintf(`
datasets:
  alpha:
    base_file: %s
    query_file: %s
    ground_truth_file: %s
    num_docs: 200
    vector_dimension: 8
    top_k_ground_truth: 10
    available: true
  beta:
    base_file: %s
    query_file: %s
    ground_truth_file: %s
    num_docs: 200
    vector_dimension: 8
    top_k_ground_truth: 10
    available: true
`, a.BasePath, a.QueryPath, a.GroundTruthPath, b.BasePath, b.QueryPath, b.GroundTruthPath)), "")
	require.NoError(t, err)

	store := artifact.NewMemoryStore()
	h := newHarness(t, WithRegistry(reg), WithArtifactStore(store))

	path := filepath.Join(t.TempDir(), "multi.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
meta:
  sweep_id: multi
  dataset: alpha
base:
  benchmarkID: nightly
  numQueriesToRun: 20
  numWarmUpQueries: 0
  createIndexInMemory: true
  topK: 10
matrix:
  algoToRun: CAGRA_HNSW
`), 0o600))

	runs, err := h.DryRunMultiSweep(path, nil)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, "alpha", runs[0].Dataset())
	assert.Equal(t, "nightly_ALPHA", runs[0].Config["benchmarkID"])
	assert.Equal(t, "beta", runs[1].Dataset())
	assert.NotEqual(t, runs[0].ID, runs[1].ID)

	report, err := h.MultiSweep(context.Background(), path, []string{"alpha", "beta"})
	require.NoError(t, err)
	assert.Len(t, report.Succeeded, 2)
	assert.Empty(t, report.Failed)

	published, err := store.List(context.Background(), runs[1].ID)
	require.NoError(t, err)
	assert.Contains(t, published, runs[1].ID+"/results.json")

	entries, err := h.Catalog().ByDatasetAndAlgo("beta", "CAGRA_HNSW")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.InDelta(t, 1.0, entries[0].Recall, 1e-9)

	_, err = h.MultiSweep(context.Background(), path, []string{"gamma"})
	assert.ErrorIs(t, err, ErrConfig)
}

func TestMultiSweepRequiresRegistry(t *testing.T) {
	h := newHarness(t)
	_, err := h.DryRunMultiSweep("unused.yaml", nil)
	assert.ErrorIs(t, err, ErrConfig)
}
