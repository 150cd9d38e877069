package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/internal/fs"
)

func measured(id, dataset, algo string, topK int, recall, indexing, query float64) Entry {
	e := NewEntry(id, "run-"+id, dataset, algo, map[string]any{"topK": float64(topK)}, "2026-01-01T00:00:00Z")
	e.TopK = topK
	e.Recall = recall
	e.IndexingTime = indexing
	e.QueryTime = query
	return e
}

func lines(t *testing.T, c *Catalog) []string {
	t.Helper()
	data, err := os.ReadFile(c.Path())
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}

func TestNewEntryIsUnset(t *testing.T) {
	e := NewEntry("a", "n", "d", "LUCENE_HNSW", nil, "")
	for _, v := range []float64{e.IndexingTime, e.QueryTime, e.Recall, e.QPS, e.MeanLatency, e.IndexSize, e.PeakMemoryMB, e.AvgMemoryMB, float64(e.TopK)} {
		assert.Equal(t, float64(Unset), v)
	}
}

func TestUpdateReplacesInPlace(t *testing.T) {
	ctx := context.Background()
	c := Open(t.TempDir())

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, c.Add(ctx, NewEntry(id, id, "sift", "LUCENE_HNSW", nil, "")))
	}
	require.Len(t, lines(t, c), 3)

	b := measured("b", "sift", "LUCENE_HNSW", 10, 0.9, 12, 3)
	require.NoError(t, c.Update(ctx, b))

	entries, err := c.Load()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, []string{"a", "b", "c"}, []string{entries[0].RunID, entries[1].RunID, entries[2].RunID})
	assert.InDelta(t, 0.9, entries[1].Recall, 1e-9)
	assert.Equal(t, float64(Unset), entries[0].Recall)

	got, err := c.Get("b")
	require.NoError(t, err)
	assert.Equal(t, 10, got.TopK)
}

func TestUpdateAppendsUnknown(t *testing.T) {
	ctx := context.Background()
	c := Open(filepath.Join(t.TempDir(), "runs"))

	require.NoError(t, c.Update(ctx, NewEntry("x", "x", "d", "CAGRA_HNSW", nil, "")))
	require.NoError(t, c.Update(ctx, NewEntry("y", "y", "d", "CAGRA_HNSW", nil, "")))
	require.NoError(t, c.Update(ctx, NewEntry("x", "x2", "d", "CAGRA_HNSW", nil, "")))

	entries, err := c.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "x2", entries[0].Name)
}

func TestLoadMissingAndCorrupt(t *testing.T) {
	dir := t.TempDir()
	c := Open(dir)

	entries, err := c.Load()
	require.NoError(t, err)
	assert.Empty(t, entries)

	_, err = c.Get("nope")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, os.WriteFile(c.Path(), []byte("{\"runId\":\"a\"}\nnot json\n\n{\"runId\":\"b\",\"recall\":0.5}\n"), 0o600))
	entries, err = c.Load()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, float64(Unset), entries[0].QueryTime, "absent metrics stay unset")
	assert.InDelta(t, 0.5, entries[1].Recall, 1e-9)
}

func TestFailedRewriteKeepsCatalog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	require.NoError(t, Open(dir).Add(ctx, NewEntry("a", "a", "d", "LUCENE_HNSW", nil, "")))

	ffs := fs.NewFaultyFS(nil)
	ffs.AddRule(FileName, fs.Fault{FailAfterBytes: -1, FailOnRename: true})
	c := Open(dir, WithFileSystem(ffs))

	err := c.Update(ctx, measured("a", "d", "LUCENE_HNSW", 10, 1, 1, 1))
	require.ErrorIs(t, err, fs.ErrInjected)

	e, err := Open(dir).Get("a")
	require.NoError(t, err)
	assert.Equal(t, float64(Unset), e.Recall)
}

func TestConcurrentUpdates(t *testing.T) {
	ctx := context.Background()
	c := Open(t.TempDir())

	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, c.Update(ctx, NewEntry(fmt.Sprintf("r%02d", i), "", "d", "LUCENE_HNSW", nil, "")))
		}()
	}
	wg.Wait()

	entries, err := c.Load()
	require.NoError(t, err)
	assert.Len(t, entries, 16)
}

func TestParseFilter(t *testing.T) {
	for in, want := range map[string]Filter{
		"":                             {},
		"dataset=sift":                 {Dataset: "sift"},
		`algo="CAGRA" dataset='Glove'`: {Dataset: "glove", Algo: "cagra"},
		"recall>0.9 algo=lucene":       {Algo: "lucene"},
	} {
		assert.Equal(t, want, ParseFilter(in), in)
	}
}

func TestList(t *testing.T) {
	ctx := context.Background()
	c := Open(t.TempDir())
	require.NoError(t, c.Add(ctx, NewEntry("1", "", "sift-1m", "LUCENE_HNSW", nil, "")))
	require.NoError(t, c.Add(ctx, NewEntry("2", "", "sift-1m", "CAGRA_HNSW", nil, "")))
	require.NoError(t, c.Add(ctx, NewEntry("3", "", "glove", "CAGRA_HNSW", nil, "")))

	all, err := c.List(Filter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	sift, err := c.List(ParseFilter("dataset=SIFT"))
	require.NoError(t, err)
	assert.Len(t, sift, 2)

	cagra, err := c.List(ParseFilter("dataset=sift algo=cagra"))
	require.NoError(t, err)
	require.Len(t, cagra, 1)
	assert.Equal(t, "2", cagra[0].RunID)

	exact, err := c.ByDatasetAndAlgo("sift", "CAGRA_HNSW")
	require.NoError(t, err)
	assert.Empty(t, exact, "exact match does not accept substrings")
}

func TestBestByRecall(t *testing.T) {
	ctx := context.Background()
	c := Open(t.TempDir())
	for _, e := range []Entry{
		measured("a", "sift", "LUCENE_HNSW", 10, 0.95, 100, 9),
		measured("b", "sift", "LUCENE_HNSW", 10, 0.97, 80, 12),
		measured("c", "sift", "LUCENE_HNSW", 10, 0.80, 10, 1),
		measured("d", "sift", "LUCENE_HNSW", 100, 0.92, 50, 20),
		measured("e", "sift", "CAGRA_HNSW", 10, 0.99, 1, 1),
	} {
		require.NoError(t, c.Add(ctx, e))
	}

	best, err := c.BestByRecall("sift", "LUCENE_HNSW", 0.9)
	require.NoError(t, err)
	require.Len(t, best, 4)
	assert.Equal(t, "b", best["sift_LUCENE_HNSW_top10_best_indexing"].RunID)
	assert.Equal(t, "a", best["sift_LUCENE_HNSW_top10_best_query"].RunID)
	assert.Equal(t, "d", best["sift_LUCENE_HNSW_top100_best_indexing"].RunID)
	assert.Equal(t, "d", best["sift_LUCENE_HNSW_top100_best_query"].RunID)

	none, err := c.BestByRecall("sift", "LUCENE_HNSW", 0.999)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestBestByRecallSkipsUnsetTimes(t *testing.T) {
	indexed := measured("indexed", "sift", "LUCENE_HNSW", 10, 0.95, 1000, 9)
	skipped := measured("skipped", "sift", "LUCENE_HNSW", 10, 0.95, Unset, 5)
	unqueried := measured("unqueried", "sift", "LUCENE_HNSW", 100, 0.95, 10, Unset)

	best := BestByRecall([]Entry{skipped, indexed, unqueried}, "sift", "LUCENE_HNSW", 0.9)
	assert.Equal(t, "indexed", best["sift_LUCENE_HNSW_top10_best_indexing"].RunID)
	assert.Equal(t, "skipped", best["sift_LUCENE_HNSW_top10_best_query"].RunID)
	assert.Equal(t, "unqueried", best["sift_LUCENE_HNSW_top100_best_indexing"].RunID)
	assert.NotContains(t, best, "sift_LUCENE_HNSW_top100_best_query")
	assert.Len(t, best, 3)
}

func TestFrontier(t *testing.T) {
	entries := []Entry{
		measured("fast-index", "d", "A", 10, 0.9, 1, 10),
		measured("fast-query", "d", "A", 10, 0.9, 10, 1),
		measured("balanced", "d", "A", 10, 0.9, 4, 4),
		measured("dominated", "d", "A", 10, 0.9, 5, 5),
		measured("tie", "d", "A", 10, 0.9, 4, 4),
	}
	var ids []string
	for _, e := range Frontier(entries) {
		ids = append(ids, e.RunID)
	}
	assert.ElementsMatch(t, []string{"fast-index", "fast-query", "balanced", "tie"}, ids)
}

func TestPareto(t *testing.T) {
	entries := []Entry{
		measured("a", "d", "LUCENE_HNSW", 10, 0.90, 10, 10),
		measured("b", "d", "LUCENE_HNSW", 10, 0.95, 30, 2),
		measured("c", "d", "LUCENE_HNSW", 10, 0.99, 40, 40),
		measured("g", "d", "CAGRA_HNSW", 10, 0.97, 2, 3),
		NewEntry("unmeasured", "", "d", "CAGRA_HNSW", nil, ""),
	}
	entries[1].Params["hnswMaxConn"] = 32.0

	got := Pareto(entries, []float64{0.9, 0.95, 0.999})
	require.Len(t, got, 4)

	assert.Equal(t, "CAGRA_HNSW", got[0].Algo)
	assert.Equal(t, "g", got[0].RunID)
	assert.Equal(t, "g", got[1].RunID)
	assert.InDelta(t, 0.95, got[1].RecallThreshold, 1e-9)

	assert.Equal(t, "LUCENE_HNSW", got[2].Algo)
	assert.InDelta(t, 0.9, got[2].RecallThreshold, 1e-9)
	assert.Equal(t, "a", got[2].RunID)
	assert.InDelta(t, 20, got[2].TotalTime, 1e-9)
	assert.ElementsMatch(t, []string{"a", "b"}, got[2].Frontier)

	assert.Equal(t, "b", got[3].RunID)
	assert.Equal(t, 32.0, got[3].Params["hnswMaxConn"])
	assert.Equal(t, 10, got[3].Params["topK"])
}
