package bench

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/provider"
)

// IngestReport summarizes one ingestion phase.
type IngestReport struct {
	Docs      int
	Workers   int
	Elapsed   time.Duration
	PerWorker []int
}

// Ingest feeds documents [0, n) from p into w with the given number of workers.
//
// Workers claim ids from one shared counter, so every id is submitted by exactly one
// worker in no particular order. Commit and Close run once after all workers have
// returned. The first failing Add cancels the remaining workers and fails the phase;
// the writer is closed without committing.
func Ingest(ctx context.Context, w engine.Writer, p provider.Provider, n, workers int, opts ...Option) (*IngestReport, error) {
	o := newOptions(opts)
	if workers <= 0 {
		workers = 1
	}
	if n > p.Size() {
		return nil, fmt.Errorf("bench: %d documents requested, provider holds %d", n, p.Size())
	}

	var (
		next      atomic.Int64
		mu        sync.Mutex
		coverage  = roaring.New()
		perWorker = make([]int, workers)
	)

	start := time.Now()
	g, gctx := errgroup.WithContext(ctx)
	for worker := range workers {
		g.Go(func() error {
			claimed := roaring.New()
			defer func() {
				mu.Lock()
				coverage.Or(claimed)
				mu.Unlock()
			}()

			for {
				if err := gctx.Err(); err != nil {
					return err
				}
				id := int(next.Add(1) - 1)
				if id >= n {
					return nil
				}

				vec, err := p.Get(id)
				if err != nil {
					return fmt.Errorf("bench: reading document %d: %w", id, err)
				}
				addStart := time.Now()
				err = w.Add(gctx, id, vec)
				o.recorder.RecordIngest(1, time.Since(addStart), err)
				if err != nil {
					return fmt.Errorf("bench: indexing document %d: %w", id, err)
				}
				claimed.Add(uint32(id))
				perWorker[worker]++

				if o.progressEvery > 0 && (id+1)%o.progressEvery == 0 {
					o.logger.InfoContext(gctx, "indexing progress", "docs", id+1, "of", n)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		_ = w.Close()
		return nil, err
	}

	if got := coverage.GetCardinality(); got != uint64(n) {
		_ = w.Close()
		return nil, fmt.Errorf("bench: ingestion covered %d of %d documents", got, n)
	}

	if err := w.Commit(ctx); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("bench: commit: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("bench: closing writer: %w", err)
	}

	report := &IngestReport{Docs: n, Workers: workers, Elapsed: time.Since(start), PerWorker: perWorker}
	o.logger.InfoContext(ctx, "indexing complete",
		"docs", n,
		"workers", workers,
		"elapsed", report.Elapsed,
	)
	return report, nil
}
