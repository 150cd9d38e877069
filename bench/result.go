package bench

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hupe1980/annbench/config"
)

// Metric names, prefixed with the engine's metric prefix ("hnsw" or "cuvs").
const (
	MetricIndexingTime    = "indexing-time"
	MetricIndexSize       = "index-size"
	MetricQueryTime       = "query-time"
	MetricQueryThroughput = "query-throughput"
	MetricMeanLatency     = "mean-latency"
	MetricP50Latency      = "p50-latency"
	MetricP95Latency      = "p95-latency"
	MetricP99Latency      = "p99-latency"
	MetricRecallAccuracy  = "recall-accuracy"
	MetricSegmentCount    = "segment-count"
)

// MetricKey joins an engine prefix and a metric name.
func MetricKey(prefix, name string) string {
	return prefix + "-" + name
}

// Files written by WriteResults.
const (
	ResultsFile     = "results.json"
	NeighborsSuffix = "_neighbors.csv"
)

// Result is everything one benchmark run produced.
type Result struct {
	Config  config.Run
	Metrics map[string]any
	Queries []QueryResult

	Ingest *IngestReport
	Query  *QueryReport
}

type resultsDocument struct {
	Configuration config.Run     `json:"configuration"`
	Metrics       map[string]any `json:"metrics"`
}

// WriteResults writes results.json (configuration and metrics) and the per-query
// neighbors CSV into dir and returns the written paths.
func WriteResults(dir string, res *Result) ([]string, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, err
	}

	data, err := json.MarshalIndent(resultsDocument{Configuration: res.Config, Metrics: res.Metrics}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("bench: encoding results: %w", err)
	}
	resultsPath := filepath.Join(dir, ResultsFile)
	if err := os.WriteFile(resultsPath, data, 0o600); err != nil {
		return nil, err
	}

	id := res.Config.BenchmarkID
	if id == "" {
		id = "run"
	}
	csvPath := filepath.Join(dir, id+NeighborsSuffix)
	if err := writeNeighbors(csvPath, res.Queries); err != nil {
		return nil, err
	}
	return []string{resultsPath, csvPath}, nil
}

func writeNeighbors(path string, results []QueryResult) error {
	f, err := os.Create(path) //nolint:gosec // G304: path is derived from the results dir
	if err != nil {
		return err
	}
	w := csv.NewWriter(f)
	_ = w.Write([]string{"codec", "query-id", "docs", "ground-truth", "scores", "latency", "precision", "recall"})
	for _, r := range results {
		_ = w.Write([]string{
			r.Codec,
			strconv.Itoa(r.QueryID),
			joinInts(r.Docs),
			joinInts(r.GroundTruth),
			joinFloats(r.Scores),
			strconv.FormatFloat(r.LatencyMs, 'f', -1, 64),
			strconv.FormatFloat(r.Precision, 'f', -1, 64),
			strconv.FormatFloat(r.Recall, 'f', -1, 64),
		})
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("bench: writing %s: %w", path, err)
	}
	return f.Close()
}

func joinInts(v []int32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatInt(int64(x), 10)
	}
	return "[" + strings.Join(parts, ",") + "]"
}

func joinFloats(v []float32) string {
	parts := make([]string, len(v))
	for i, x := range v {
		parts[i] = strconv.FormatFloat(float64(x), 'g', -1, 32)
	}
	return "[" + strings.Join(parts, ",") + "]"
}
