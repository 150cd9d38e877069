package bench

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"gonum.org/v1/gonum/stat"

	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/provider"
	"github.com/hupe1980/annbench/recall"
)

// QueryConfig controls one query phase.
type QueryConfig struct {
	TopK       int
	NumQueries int
	// NumWarmUp queries, by sequence number 1..NumWarmUp, run before the measured
	// queries and are excluded from every statistic.
	NumWarmUp int
	Threads   int
	// TargetQPS caps the measured query rate when positive.
	TargetQPS float64
}

// QueryResult is the outcome of one measured query.
type QueryResult struct {
	Codec       string    `json:"codec"`
	QueryID     int       `json:"query-id"`
	Docs        []int32   `json:"docs"`
	GroundTruth []int32   `json:"ground-truth"`
	Scores      []float32 `json:"scores"`
	LatencyMs   float64   `json:"latency"`
	Precision   float64   `json:"precision"`
	Recall      float64   `json:"recall"`
}

// QueryReport aggregates a query phase.
type QueryReport struct {
	Results  []QueryResult
	Warmup   int
	Measured int
	Threads  int

	// WallTime covers the measured queries only.
	WallTime     time.Duration
	Throughput   float64
	MeanLatency  float64
	P50Latency   float64
	P95Latency   float64
	P99Latency   float64
	SegmentCount int
	Summary      *recall.Summary
}

// Query runs the query phase against s.
//
// Query j of the provider has sequence number j+1. Warmup queries run first and are
// discarded; measured queries then run on Threads workers, or on one worker when the
// engine allows a single in-flight query. Recall depth is checked for every measured
// query before anything runs.
func Query(ctx context.Context, s engine.Searcher, traits engine.Traits, queries provider.Provider, gt [][]int32, cfg QueryConfig, opts ...Option) (*QueryReport, error) {
	o := newOptions(opts)

	count := min(cfg.NumQueries, queries.Size())
	if count < cfg.NumQueries {
		o.logger.WarnContext(ctx, "fewer queries available than requested", "requested", cfg.NumQueries, "available", count)
	}
	warm := min(max(cfg.NumWarmUp, 0), count)

	if err := checkDepth(gt, warm, count, cfg.TopK); err != nil {
		return nil, err
	}

	threads := max(cfg.Threads, 1)
	if traits.SingleInFlightQuery {
		threads = 1
	}

	report := &QueryReport{Warmup: warm, Measured: count - warm, Threads: threads, SegmentCount: s.SegmentCount()}

	// Warmup.
	err := dispatch(ctx, threads, 0, warm, nil, func(ctx context.Context, j int) error {
		q, err := queries.Get(j)
		if err != nil {
			return fmt.Errorf("bench: reading query %d: %w", j, err)
		}
		start := time.Now()
		_, err = s.Search(ctx, q, cfg.TopK)
		o.recorder.RecordQuery(time.Since(start), 0, true, err)
		if err != nil {
			return fmt.Errorf("bench: warmup query %d: %w", j, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if warm > 0 {
		o.logger.DebugContext(ctx, "warmup complete", "queries", warm)
	}

	var limiter *rate.Limiter
	if cfg.TargetQPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.TargetQPS), 1)
	}

	var mu sync.Mutex
	results := make([]QueryResult, 0, count-warm)

	start := time.Now()
	err = dispatch(ctx, threads, warm, count, limiter, func(ctx context.Context, j int) error {
		q, err := queries.Get(j)
		if err != nil {
			return fmt.Errorf("bench: reading query %d: %w", j, err)
		}
		qStart := time.Now()
		hits, err := s.Search(ctx, q, cfg.TopK)
		latency := time.Since(qStart)
		if err != nil {
			o.recorder.RecordQuery(latency, 0, false, err)
			return fmt.Errorf("bench: query %d: %w", j, err)
		}

		res := QueryResult{
			Codec:       traits.Codec,
			QueryID:     j,
			Docs:        make([]int32, len(hits)),
			GroundTruth: gt[j],
			Scores:      make([]float32, len(hits)),
			LatencyMs:   float64(latency) / float64(time.Millisecond),
		}
		for i, h := range hits {
			res.Docs[i] = h.ID
			res.Scores[i] = h.Score
		}
		res.Recall, err = recall.ComputeQuery(j, res.Docs, gt[j])
		if err != nil {
			return err
		}
		res.Precision = recall.Precision(res.Docs, gt[j])
		o.recorder.RecordQuery(latency, res.Recall, false, nil)

		mu.Lock()
		results = append(results, res)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, err
	}
	report.WallTime = time.Since(start)

	sort.Slice(results, func(a, b int) bool { return results[a].QueryID < results[b].QueryID })
	report.Results = results
	report.aggregate()

	o.logger.InfoContext(ctx, "querying complete",
		"measured", report.Measured,
		"threads", threads,
		"wall_time", report.WallTime,
		"throughput", report.Throughput,
		"avg_recall", report.Summary.AvgRecall,
	)
	return report, nil
}

func checkDepth(gt [][]int32, from, to, k int) error {
	if len(gt) < to {
		return &recall.ErrGroundTruthDepth{Query: len(gt), Want: k, Have: 0}
	}
	for j := from; j < to; j++ {
		if len(gt[j]) < k {
			return &recall.ErrGroundTruthDepth{Query: j, Want: k, Have: len(gt[j])}
		}
	}
	return nil
}

// dispatch runs fn for every id in [from, to) on the given number of workers sharing
// one counter. The first error cancels the rest.
func dispatch(ctx context.Context, workers, from, to int, limiter *rate.Limiter, fn func(context.Context, int) error) error {
	if from >= to {
		return nil
	}
	var next atomic.Int64
	next.Store(int64(from))

	g, gctx := errgroup.WithContext(ctx)
	for range min(workers, to-from) {
		g.Go(func() error {
			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				j := int(next.Add(1) - 1)
				if j >= to {
					return nil
				}
				if limiter != nil {
					if err := limiter.Wait(gctx); err != nil {
						return err
					}
				}
				if err := fn(gctx, j); err != nil {
					return err
				}
			}
		})
	}
	return g.Wait()
}

func (r *QueryReport) aggregate() {
	r.Summary = recall.NewSummary()
	latencies := make([]float64, len(r.Results))
	for i, res := range r.Results {
		latencies[i] = res.LatencyMs
		r.Summary.Add(res.Recall, res.Precision)
	}
	r.Summary.Finalize()

	if secs := r.WallTime.Seconds(); secs > 0 {
		r.Throughput = float64(len(r.Results)) / secs
	}
	if len(latencies) == 0 {
		return
	}
	sort.Float64s(latencies)
	r.MeanLatency = stat.Mean(latencies, nil)
	r.P50Latency = stat.Quantile(0.50, stat.Empirical, latencies, nil)
	r.P95Latency = stat.Quantile(0.95, stat.Empirical, latencies, nil)
	r.P99Latency = stat.Quantile(0.99, stat.Empirical, latencies, nil)
}
