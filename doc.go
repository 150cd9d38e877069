// Package annbench benchmarks approximate nearest neighbor search engines.
//
// A benchmark run ingests a base vector file into an index, issues a query file
// against it and scores every result list against exact ground truth. Runs are
// described by a flat parameter map; sweeps expand a parameter matrix into many
// runs, each identified by a hash of its parameters and the environment.
//
// # Quick Start
//
// A single run:
//
//	h := annbench.New(annbench.WithRunsDir("./runs"))
//	rec, err := h.Run(ctx, cfg, nil)
//
// A sweep over a parameter matrix:
//
//	report, err := h.Sweep(ctx, "sweeps/hnsw.yaml")
//	fmt.Println(report.Succeeded, report.Failed)
//
// # Run Directories
//
// Every run writes into runs/<runId>/:
//
//	materialized-config.json  the resolved parameters
//	env.json                  invocation id, fingerprint and host
//	run.lock.json             everything needed to replay the run
//	results.json              configuration and metrics
//	<runId>_neighbors.csv     per-query results
//	memory_metrics.json       memory samples
//	cpu_metrics.json          CPU samples
//	metrics.json              sampling summary
//	metrics.prom              Prometheus text exposition
//	error.log                 only when the run failed
//
// and runs/catalog.jsonl holds one entry per run.
//
// # Errors
//
// Run errors are classified into ErrConfig, ErrDataIntegrity, ErrOutOfBounds,
// ErrGroundTruthDepth and ErrInputMissing:
//
//	if errors.Is(err, annbench.ErrInputMissing) {
//	    // fetch the dataset first
//	}
package annbench
