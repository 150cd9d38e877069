// Package bench drives one benchmark run: concurrent ingestion into an engine index,
// concurrent querying, and recall scoring against ground truth.
package bench

import (
	"context"
	"fmt"
	"time"

	"github.com/hupe1980/annbench/config"
	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/provider"
)

const bytesPerGB = 1 << 30

// Run executes cfg with the engine selected by cfg.AlgoToRun.
//
// Configuration and pre-flight errors are returned before any index is created.
// Ingestion and querying are all-or-nothing: the first failure aborts the run.
func Run(ctx context.Context, cfg config.Run, engines *engine.Registry, opts ...Option) (*Result, error) {
	o := newOptions(opts)
	logger := o.logger.With("algorithm", cfg.AlgoToRun)

	if err := cfg.Resolve(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.CheckInputs(); err != nil {
		return nil, err
	}
	eng, err := engines.Lookup(cfg.Algorithm())
	if err != nil {
		return nil, &config.FieldError{Field: "algoToRun", Reason: err.Error()}
	}
	traits := eng.Traits()

	base, err := provider.Open(ctx, provider.Kind(cfg.ProviderKind), cfg.DatasetFile, cfg.NumDocs, o.providerOptions(cfg.ProviderStorePath)...)
	if err != nil {
		return nil, fmt.Errorf("bench: opening dataset: %w", err)
	}
	defer base.Close()

	dim := base.Dimension()
	if cfg.VectorDimension > 0 && cfg.VectorDimension != dim {
		return nil, &config.FieldError{
			Field:  "vectorDimension",
			Reason: fmt.Sprintf("configured %d, %s has %d", cfg.VectorDimension, cfg.DatasetFile, dim),
		}
	}

	queries, err := provider.LoadMemory(ctx, cfg.QueryFile, cfg.NumQueriesToRun, provider.WithLogger(logger), provider.WithController(o.controller))
	if err != nil {
		return nil, fmt.Errorf("bench: opening queries: %w", err)
	}
	defer queries.Close()
	if queries.Dimension() != dim {
		return nil, &config.FieldError{
			Field:  "queryFile",
			Reason: fmt.Sprintf("query dimension %d, dataset dimension %d", queries.Dimension(), dim),
		}
	}

	gt, err := provider.LoadGroundTruth(cfg.GroundTruthFile, cfg.NumQueriesToRun)
	if err != nil {
		return nil, fmt.Errorf("bench: loading ground truth: %w", err)
	}

	res := &Result{Config: cfg, Metrics: map[string]any{}}
	key := func(name string) string { return MetricKey(traits.MetricPrefix, name) }

	idx, err := eng.Create(ctx, cfg.EngineParams(dim, logger))
	if err != nil {
		return nil, fmt.Errorf("bench: creating %s index: %w", cfg.AlgoToRun, err)
	}

	if cfg.SkipIndexing {
		logger.InfoContext(ctx, "indexing skipped")
		if err := idx.Close(); err != nil {
			return nil, err
		}
	} else {
		n := min(cfg.NumDocs, base.Size())
		logger.InfoContext(ctx, "indexing", "docs", n, "workers", cfg.NumIndexThreads, "provider", cfg.ProviderKind)
		report, err := Ingest(ctx, idx, base, n, cfg.NumIndexThreads, opts...)
		if err != nil {
			return nil, err
		}
		res.Ingest = report
		res.Metrics[key(MetricIndexingTime)] = report.Elapsed.Milliseconds()
	}

	if size, ok := idx.SizeBytes(); ok {
		res.Metrics[key(MetricIndexSize)] = float64(size) / bytesPerGB
	}

	searcher, err := idx.OpenSearcher(ctx)
	if err != nil {
		return nil, fmt.Errorf("bench: opening searcher: %w", err)
	}
	defer searcher.Close()

	qr, err := Query(ctx, searcher, traits, queries, gt, QueryConfig{
		TopK:       cfg.TopK,
		NumQueries: cfg.NumQueriesToRun,
		NumWarmUp:  cfg.NumWarmUpQueries,
		Threads:    cfg.QueryThreads,
		TargetQPS:  cfg.TargetQPS,
	}, opts...)
	if err != nil {
		return nil, err
	}
	res.Query = qr
	res.Queries = qr.Results

	res.Metrics[key(MetricQueryTime)] = float64(qr.WallTime) / float64(time.Millisecond)
	res.Metrics[key(MetricQueryThroughput)] = qr.Throughput
	res.Metrics[key(MetricMeanLatency)] = qr.MeanLatency
	res.Metrics[key(MetricP50Latency)] = qr.P50Latency
	res.Metrics[key(MetricP95Latency)] = qr.P95Latency
	res.Metrics[key(MetricP99Latency)] = qr.P99Latency
	res.Metrics[key(MetricSegmentCount)] = qr.SegmentCount
	res.Metrics[key(MetricRecallAccuracy)] = qr.Summary.AvgRecall
	res.Metrics["min-recall"] = qr.Summary.MinRecall
	res.Metrics["max-recall"] = qr.Summary.MaxRecall
	res.Metrics["avg-recall"] = qr.Summary.AvgRecall
	res.Metrics["min-precision"] = qr.Summary.MinPrecision
	res.Metrics["max-precision"] = qr.Summary.MaxPrecision
	res.Metrics["avg-precision"] = qr.Summary.AvgPrecision
	return res, nil
}
