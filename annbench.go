package annbench

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/hupe1980/annbench/artifact"
	"github.com/hupe1980/annbench/bench"
	"github.com/hupe1980/annbench/catalog"
	"github.com/hupe1980/annbench/config"
	"github.com/hupe1980/annbench/sampler"
	"github.com/hupe1980/annbench/sweep"
)

// Harness executes benchmark runs and sweeps into a runs directory and keeps
// the run catalog up to date.
//
// A Harness is safe for sequential use; runs are executed one at a time so
// that resource samples of one run are not polluted by another.
type Harness struct {
	opts         options
	logger       *Logger
	catalog      *catalog.Catalog
	invocationID string
}

// New creates a Harness.
func New(optFns ...Option) *Harness {
	o := newOptions(optFns)

	catOpts := []catalog.Option{catalog.WithLogger(o.logger.Logger)}
	if o.mirror != nil {
		catOpts = append(catOpts, catalog.WithMirror(o.mirror))
	}

	return &Harness{
		opts:         o,
		logger:       o.logger,
		catalog:      catalog.Open(o.runsDir, catOpts...),
		invocationID: uuid.NewString(),
	}
}

// Catalog returns the run catalog.
func (h *Harness) Catalog() *catalog.Catalog { return h.catalog }

// RunsDir returns the directory holding the run directories.
func (h *Harness) RunsDir() string { return h.opts.runsDir }

// RunDir returns the directory of run id.
func (h *Harness) RunDir(id string) string { return filepath.Join(h.opts.runsDir, id) }

// Record is the outcome of one executed run.
type Record struct {
	Run     sweep.Materialized
	Dir     string
	Entry   catalog.Entry
	Result  *bench.Result
	Samples sampler.Report
	Elapsed time.Duration
}

// SweepReport lists the run ids of a sweep by outcome.
type SweepReport struct {
	SweepID   string
	Runs      []sweep.Materialized
	Succeeded []string
	Failed    []string
}

func (r *SweepReport) merge(o *SweepReport) {
	r.Runs = append(r.Runs, o.Runs...)
	r.Succeeded = append(r.Succeeded, o.Succeeded...)
	r.Failed = append(r.Failed, o.Failed...)
}

func (h *Harness) sweepOptions(depth int) []sweep.Option {
	opts := []sweep.Option{
		sweep.WithLogger(h.logger.Logger),
		sweep.WithClock(h.opts.now),
	}
	if h.opts.fingerprint != "" {
		opts = append(opts, sweep.WithFingerprint(h.opts.fingerprint))
	}
	if depth > 0 {
		opts = append(opts, sweep.WithGroundTruthDepth(depth))
	}
	return opts
}

func (h *Harness) resolver() sweep.Resolver {
	if h.opts.registry == nil {
		return nil
	}
	return h.opts.registry
}

// Materialize turns a flat configuration into a run without executing it.
func (h *Harness) Materialize(params, meta map[string]any) (sweep.Materialized, error) {
	m, err := sweep.MaterializeConfig(params, meta, h.sweepOptions(0)...)
	if err != nil {
		return sweep.Materialized{}, translateError(err)
	}
	return m, nil
}

// Run materializes params and executes the run.
func (h *Harness) Run(ctx context.Context, params, meta map[string]any) (*Record, error) {
	m, err := h.Materialize(params, meta)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, m)
}

// RunConfig executes a typed configuration.
func (h *Harness) RunConfig(ctx context.Context, cfg config.Run, meta map[string]any) (*Record, error) {
	return h.Run(ctx, cfg.Params(), meta)
}

// LoadRunFile materializes a run file. A file with base and matrix sections is
// read as a sweep and reduced to its first combination; any other file is a flat
// configuration.
func (h *Harness) LoadRunFile(path string) (sweep.Materialized, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is caller supplied
	if err != nil {
		return sweep.Materialized{}, fmt.Errorf("annbench: %w", err)
	}

	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return sweep.Materialized{}, translateError(&config.FieldError{Field: "<document>", Reason: "invalid YAML or JSON: " + err.Error()})
	}

	_, hasBase := raw["base"]
	_, hasMatrix := raw["matrix"]
	if hasBase && hasMatrix {
		s, err := sweep.Parse(data, h.resolver())
		if err != nil {
			return sweep.Materialized{}, translateError(err)
		}
		m, err := sweep.MaterializeConfig(s.First(), s.Meta, h.sweepOptions(s.GroundTruthDepth)...)
		return m, translateError(err)
	}

	meta := map[string]any{
		"sweep_id": "single-run",
		"dataset":  h.inferDataset(raw),
		"notes":    "Single run from config file",
	}
	return h.Materialize(raw, meta)
}

// RunFile loads and executes a run file.
func (h *Harness) RunFile(ctx context.Context, path string) (*Record, error) {
	m, err := h.LoadRunFile(path)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, m)
}

func (h *Harness) inferDataset(params map[string]any) string {
	file, _ := params["datasetFile"].(string)
	if file == "" {
		return "unknown"
	}
	if h.opts.registry != nil {
		for _, id := range h.opts.registry.IDs() {
			d, err := h.opts.registry.Get(id)
			if err == nil && filepath.Clean(d.BaseFile) == filepath.Clean(file) {
				return id
			}
		}
	}
	if dir := filepath.Base(filepath.Dir(file)); dir != "." && dir != string(filepath.Separator) {
		return dir
	}
	return "unknown"
}

// Execute runs m into its run directory.
//
// The run directory, lockfile and a placeholder catalog entry are written before
// the benchmark starts, so a crashed run is still visible and replayable. A
// failed run leaves error.log behind and returns a *RunError; the harness never
// exits the process.
func (h *Harness) Execute(ctx context.Context, m sweep.Materialized) (*Record, error) {
	dir := h.RunDir(m.ID)
	logger := h.logger.WithRunID(m.ID).WithAlgorithm(m.Algorithm()).WithDataset(m.Dataset())

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("annbench: creating run directory: %w", err)
	}

	configPath := filepath.Join(dir, ConfigFile)
	envPath := filepath.Join(dir, EnvFile)
	if err := writeJSON(configPath, m.Config); err != nil {
		return nil, err
	}
	if err := writeJSON(envPath, snapshotEnvironment(ctx, h.invocationID, h.fingerprint(), h.opts.now())); err != nil {
		return nil, err
	}
	if err := writeJSON(filepath.Join(dir, LockFile), newLock(m, configPath, envPath)); err != nil {
		return nil, err
	}

	entry := catalog.NewEntry(m.ID, m.Name, m.Dataset(), m.Algorithm(), m.Params(), m.CreatedAt.Format(time.RFC3339Nano))
	entry.Status = catalog.StatusRunning
	if err := h.catalog.Update(ctx, entry); err != nil {
		return nil, err
	}

	logger.InfoContext(ctx, "starting run", "name", m.Name, "dir", dir)
	start := time.Now()

	samplerOpts := []sampler.Option{
		sampler.WithInterval(h.opts.sampleInterval),
		sampler.WithLogger(logger.Logger),
	}
	if h.opts.probe != nil {
		samplerOpts = append(samplerOpts, sampler.WithProbe(h.opts.probe))
	}
	smp := sampler.New(samplerOpts...)
	smp.Start(ctx)

	prom := NewPrometheusCollector()
	collector := multiCollector{h.opts.metricsCollector, prom}

	res, runErr := h.benchmark(ctx, m, dir, collector, logger)

	samples := smp.Stop()
	if err := sampler.WriteFiles(dir, samples); err != nil {
		logger.WarnContext(ctx, "writing sampling files failed", "error", err)
	}

	elapsed := time.Since(start)
	collector.RecordRun(m.Algorithm(), elapsed, runErr)
	if err := prom.WriteToTextfile(filepath.Join(dir, MetricsFile)); err != nil {
		logger.WarnContext(ctx, "writing metrics failed", "error", err)
	}

	rec := &Record{Run: m, Dir: dir, Result: res, Samples: samples, Elapsed: elapsed}

	if runErr != nil {
		if err := appendErrorLog(dir, runErr, h.opts.now()); err != nil {
			logger.WarnContext(ctx, "writing error log failed", "error", err)
		}
		entry.Status = catalog.StatusFailed
	} else {
		fillEntry(&entry, res, samples)
		entry.Status = catalog.StatusCompleted
	}
	rec.Entry = entry

	if err := h.catalog.Update(ctx, entry); err != nil {
		runErr = errors.Join(runErr, err)
	}
	h.publish(ctx, m.ID, dir, logger)

	logger.LogRun(ctx, m.Name, elapsed, runErr)
	if runErr != nil {
		return rec, &RunError{RunID: m.ID, Name: m.Name, cause: translateError(runErr)}
	}
	return rec, nil
}

func (h *Harness) benchmark(ctx context.Context, m sweep.Materialized, dir string, collector MetricsCollector, logger *Logger) (*bench.Result, error) {
	cfg, err := m.Run()
	if err != nil {
		return nil, err
	}
	cfg.SaveResultsOnDisk = true
	cfg.ResultsDirectory = dir

	benchOpts := []bench.Option{
		bench.WithLogger(logger.Logger),
		bench.WithRecorder(collector),
	}
	if h.opts.controller != nil {
		benchOpts = append(benchOpts, bench.WithController(h.opts.controller))
	}

	res, err := bench.Run(ctx, cfg, h.opts.engines, benchOpts...)
	if err != nil {
		return nil, err
	}
	if res.Ingest != nil {
		logger.LogIngest(ctx, res.Ingest.Docs, res.Ingest.Elapsed, nil)
	}
	if res.Query != nil {
		logger.LogQueryPhase(ctx, res.Query.Measured, res.Query.Summary.AvgRecall, nil)
	}

	if _, err := bench.WriteResults(dir, res); err != nil {
		return res, fmt.Errorf("annbench: writing results: %w", err)
	}
	return res, nil
}

func (h *Harness) publish(ctx context.Context, runID, dir string, logger *Logger) {
	if h.opts.store == nil {
		return
	}
	opts := append([]artifact.PublishOption{artifact.WithLogger(logger.Logger)}, h.opts.publishOptions...)
	report, err := artifact.Publish(ctx, h.opts.store, runID, dir, opts...)
	if err != nil {
		logger.WarnContext(ctx, "publishing run artifacts failed", "error", err)
		return
	}
	logger.DebugContext(ctx, "run artifacts published", "files", len(report.Files), "bytes", report.Bytes)
}

func (h *Harness) fingerprint() string {
	if h.opts.fingerprint != "" {
		return h.opts.fingerprint
	}
	return sweep.Fingerprint()
}

// LoadSweep parses and materializes a sweep file.
func (h *Harness) LoadSweep(path string) (*sweep.Sweep, []sweep.Materialized, error) {
	s, err := sweep.Load(path, h.resolver())
	if err != nil {
		return nil, nil, translateError(err)
	}
	runs, err := h.materializeSweep(s)
	if err != nil {
		return nil, nil, err
	}
	return s, runs, nil
}

func (h *Harness) materializeSweep(s *sweep.Sweep) ([]sweep.Materialized, error) {
	if _, ok := s.Meta["sweep_id"]; !ok {
		s.Meta["sweep_id"] = uuid.NewString()
	}
	runs, err := sweep.Materialize(s, h.sweepOptions(0)...)
	if err != nil {
		return nil, translateError(err)
	}
	return runs, nil
}

// Sweep materializes every combination of the sweep file and executes them in
// order. A failed run is recorded and the sweep continues; the returned error
// joins every run error. An invalid combination aborts before anything runs.
func (h *Harness) Sweep(ctx context.Context, path string) (*SweepReport, error) {
	s, runs, err := h.LoadSweep(path)
	if err != nil {
		return nil, err
	}
	return h.executeSweep(ctx, s, runs)
}

func (h *Harness) executeSweep(ctx context.Context, s *sweep.Sweep, runs []sweep.Materialized) (*SweepReport, error) {
	report := &SweepReport{SweepID: fmt.Sprint(s.Meta["sweep_id"]), Runs: runs}
	h.logger.InfoContext(ctx, "starting sweep", "sweep_id", report.SweepID, "runs", len(runs))

	var errs []error
	for i, m := range runs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			for _, rest := range runs[i:] {
				report.Failed = append(report.Failed, rest.ID)
			}
			break
		}
		h.logger.InfoContext(ctx, "executing sweep run", "index", i+1, "total", len(runs), "run_id", m.ID, "name", m.Name)
		if _, err := h.Execute(ctx, m); err != nil {
			report.Failed = append(report.Failed, m.ID)
			errs = append(errs, err)
			continue
		}
		report.Succeeded = append(report.Succeeded, m.ID)
	}

	h.logger.LogSweep(ctx, len(report.Succeeded), len(report.Failed))
	return report, errors.Join(errs...)
}

// DryRunSweep returns the runs a sweep file would execute.
func (h *Harness) DryRunSweep(path string) ([]sweep.Materialized, error) {
	_, runs, err := h.LoadSweep(path)
	return runs, err
}

func (h *Harness) datasetIDs(ids []string) ([]string, error) {
	if h.opts.registry == nil {
		return nil, fmt.Errorf("%w: multi-sweep requires a dataset registry", ErrConfig)
	}
	if len(ids) == 0 {
		ids = h.opts.registry.Available()
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no datasets available", ErrConfig)
	}
	return ids, nil
}

func (h *Harness) loadMultiSweep(path string, ids []string) ([]*sweep.Sweep, [][]sweep.Materialized, error) {
	ids, err := h.datasetIDs(ids)
	if err != nil {
		return nil, nil, err
	}
	s, err := sweep.Load(path, h.resolver())
	if err != nil {
		return nil, nil, translateError(err)
	}

	sweeps := make([]*sweep.Sweep, 0, len(ids))
	runs := make([][]sweep.Materialized, 0, len(ids))
	for _, id := range ids {
		ds, err := s.ForDataset(h.opts.registry, strings.TrimSpace(id))
		if err != nil {
			return nil, nil, translateError(err)
		}
		r, err := h.materializeSweep(ds)
		if err != nil {
			return nil, nil, err
		}
		sweeps = append(sweeps, ds)
		runs = append(runs, r)
	}
	return sweeps, runs, nil
}

// MultiSweep runs the sweep file once per dataset id, or once per available
// dataset when ids is empty. Every dataset is materialized before the first run.
func (h *Harness) MultiSweep(ctx context.Context, path string, ids []string) (*SweepReport, error) {
	sweeps, runs, err := h.loadMultiSweep(path, ids)
	if err != nil {
		return nil, err
	}

	total := &SweepReport{SweepID: fmt.Sprint(sweeps[0].Meta["sweep_id"])}
	var errs []error
	for i, s := range sweeps {
		h.logger.InfoContext(ctx, "starting dataset sweep", "dataset", s.Meta["dataset"])
		report, err := h.executeSweep(ctx, s, runs[i])
		total.merge(report)
		if err != nil {
			errs = append(errs, fmt.Errorf("dataset %v: %w", s.Meta["dataset"], err))
		}
	}
	return total, errors.Join(errs...)
}

// DryRunMultiSweep returns the runs MultiSweep would execute.
func (h *Harness) DryRunMultiSweep(path string, ids []string) ([]sweep.Materialized, error) {
	_, runs, err := h.loadMultiSweep(path, ids)
	if err != nil {
		return nil, err
	}
	var out []sweep.Materialized
	for _, r := range runs {
		out = append(out, r...)
	}
	return out, nil
}

// LoadReplay rebuilds the run recorded by the lockfile of runID.
func (h *Harness) LoadReplay(runID string) (sweep.Materialized, error) {
	lock, err := readLock(filepath.Join(h.RunDir(runID), LockFile))
	if errors.Is(err, os.ErrNotExist) {
		return sweep.Materialized{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return sweep.Materialized{}, err
	}

	var params map[string]any
	if err := readJSON(lock.ConfigPath, &params); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return sweep.Materialized{}, fmt.Errorf("%w: config_path %q: %w", ErrInputMissing, lock.ConfigPath, err)
		}
		return sweep.Materialized{}, err
	}
	return h.Materialize(params, lock.Sweep)
}

// Replay re-executes a recorded run from its lockfile.
func (h *Harness) Replay(ctx context.Context, runID string) (*Record, error) {
	m, err := h.LoadReplay(runID)
	if err != nil {
		return nil, err
	}
	return h.Execute(ctx, m)
}
