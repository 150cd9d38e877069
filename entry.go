package annbench

import (
	"encoding/json"

	"github.com/hupe1980/annbench/bench"
	"github.com/hupe1980/annbench/catalog"
	"github.com/hupe1980/annbench/sampler"
)

// metricPrefixes are tried in order when reading engine metrics.
var metricPrefixes = []string{"hnsw", "cuvs"}

// fillEntry copies the headline metrics of a finished run into its catalog entry.
func fillEntry(e *catalog.Entry, res *bench.Result, samples sampler.Report) {
	if res != nil {
		m := res.Metrics
		e.IndexingTime = metric(m, bench.MetricIndexingTime)
		e.QueryTime = metric(m, bench.MetricQueryTime)
		e.QPS = metric(m, bench.MetricQueryThroughput)
		e.MeanLatency = metric(m, bench.MetricMeanLatency)
		e.IndexSize = metric(m, bench.MetricIndexSize)

		r := metric(m, bench.MetricRecallAccuracy)
		if r > 1 {
			r /= 100
		}
		e.Recall = r
		e.TopK = res.Config.TopK

		if e.Params == nil {
			e.Params = map[string]any{}
		}
		for _, p := range metricPrefixes {
			if v, ok := m[bench.MetricKey(p, bench.MetricSegmentCount)]; ok {
				e.Params["segmentCount"] = v
				break
			}
		}
	}

	if samples.Samples > 0 {
		e.PeakMemoryMB = samples.PeakMemoryMB
		e.AvgMemoryMB = samples.AvgMemoryMB
	}
}

// metric returns the first numeric value stored under any engine prefix, or
// catalog.Unset.
func metric(m map[string]any, name string) float64 {
	for _, p := range metricPrefixes {
		if v, ok := toFloat(m[bench.MetricKey(p, name)]); ok {
			return v
		}
	}
	return catalog.Unset
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	}
	return 0, false
}
