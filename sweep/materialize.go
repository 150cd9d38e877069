package sweep

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hupe1980/annbench/config"
	"github.com/hupe1980/annbench/dataset"
	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/recall"
)

const (
	keyAlgo        = "algoToRun"
	keyFlushFreq   = "flushFreq"
	keyTopK        = "topK"
	keyDatasetFile = "datasetFile"
	keyGroundTruth = "groundTruthFile"

	minFlushFreq = 2
	idBytes      = 6
)

var (
	luceneOnly = map[string]bool{"hnswMaxConn": true, "hnswBeamWidth": true, "efSearch": true}
	cagraOnly  = map[string]bool{
		"cagraGraphDegree":             true,
		"cagraIntermediateGraphDegree": true,
		"cuvsWriterThreads":            true,
		"cagraHnswLayers":              true,
		"cagraITopK":                   true,
		"cagraSearchWidth":             true,
	}

	// baseParams are reported with the dataset, not as tuned parameters.
	baseParams = map[string]bool{
		"datasetFile": true, "queryFile": true, "groundTruthFile": true, "numDocs": true,
		"vectorDimension": true, "numWarmUpQueries": true, "numQueriesToRun": true, "topK": true,
		"createIndexInMemory": true, "cleanIndexDirectory": true, "saveResultsOnDisk": true,
		"queryThreads": true, "numIndexThreads": true, "loadVectorsInMemory": true,
		"skipIndexing": true, "algoToRun": true, "cuvsIndexDirPath": true, "hnswIndexDirPath": true,
	}

	// nameParams appear in friendly names, in this order.
	nameParams = []string{
		"cagraGraphDegree", "cagraIntermediateGraphDegree", "hnswMaxConn", "hnswBeamWidth",
		"topK", "numIndexThreads", "queryThreads",
	}
)

func relevant(key, algo string) bool {
	a, err := engine.ParseAlgorithm(algo)
	if err != nil {
		return true
	}
	switch a {
	case engine.LuceneHNSW:
		return !cagraOnly[key]
	case engine.CagraHNSW:
		return !luceneOnly[key]
	}
	return true
}

// Prune removes the parameters the configured algorithm ignores and returns the
// dropped keys.
func Prune(params map[string]any) []string {
	algo, ok := params[keyAlgo]
	if !ok {
		return nil
	}
	var dropped []string
	for k := range params {
		if !relevant(k, fmt.Sprint(algo)) {
			dropped = append(dropped, k)
			delete(params, k)
		}
	}
	return dropped
}

// Fingerprint identifies the toolchain and platform the harness was built for.
func Fingerprint() string {
	return runtime.Version() + " " + runtime.GOOS + "/" + runtime.GOARCH
}

// RunID derives the run id: the first 12 hex characters of
// sha256(canonical JSON of params + "|" + fingerprint). Map keys are encoded in
// sorted order, so the id does not depend on insertion order.
func RunID(params map[string]any, fingerprint string) (string, error) {
	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("sweep: canonicalizing parameters: %w", err)
	}
	sum := sha256.Sum256(append(append(canonical, '|'), fingerprint...))
	return hex.EncodeToString(sum[:idBytes]), nil
}

// FriendlyName builds a readable run name from the dataset file, the algorithm and
// the key parameters, e.g. "sift-base.fvecs_lucene_hnsw_hnswMaxConn16_topK100".
func FriendlyName(params map[string]any) string {
	parts := []string{datasetShortName(params), strings.ToLower(stringOr(params[keyAlgo], "alg"))}
	for _, k := range nameParams {
		if v, ok := params[k]; ok {
			parts = append(parts, k+fmt.Sprint(v))
		}
	}
	return strings.Join(parts, "_")
}

func datasetShortName(params map[string]any) string {
	file := strings.ReplaceAll(stringOr(params[keyDatasetFile], "ds"), `\`, "/")
	segs := strings.Split(strings.TrimRight(file, "/"), "/")
	if n := len(segs); n >= 2 && segs[n-2] != "" {
		return segs[n-2] + "-" + segs[n-1]
	}
	return segs[len(segs)-1]
}

func stringOr(v any, fallback string) string {
	if v == nil {
		return fallback
	}
	return fmt.Sprint(v)
}

func toInt(v any) (int, bool) {
	switch t := v.(type) {
	case int:
		return t, true
	case int64:
		return int(t), true
	case float64:
		return int(t), true
	case json.Number:
		n, err := t.Int64()
		return int(n), err == nil
	case string:
		n, err := strconv.Atoi(strings.TrimSpace(t))
		return n, err == nil
	}
	return 0, false
}

// Materialized is one concrete run.
type Materialized struct {
	ID        string         `json:"runId"`
	Name      string         `json:"name"`
	Config    map[string]any `json:"config"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}

// Dataset returns meta.dataset, else the short name of the base file, else "unknown".
func (m Materialized) Dataset() string {
	if v, ok := m.Meta["dataset"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	if v, ok := m.Config[keyDatasetFile]; ok && v != nil {
		return datasetShortName(m.Config)
	}
	return "unknown"
}

// Algorithm returns the configured algorithm selector.
func (m Materialized) Algorithm() string {
	return stringOr(m.Config[keyAlgo], "UNKNOWN")
}

// Params returns the tuned parameters, i.e. the configuration without the dataset,
// sizing and directory keys.
func (m Materialized) Params() map[string]any {
	out := map[string]any{}
	for k, v := range m.Config {
		if !baseParams[k] {
			out[k] = v
		}
	}
	return out
}

// Run decodes the configuration into a resolved config.Run.
func (m Materialized) Run() (config.Run, error) {
	r, err := config.FromParams(m.Config)
	if err != nil {
		return config.Run{}, err
	}
	if r.BenchmarkID == "" {
		r.BenchmarkID = m.ID
	}
	return r, nil
}

type options struct {
	fingerprint string
	depth       int
	logger      *slog.Logger
	now         func() time.Time
}

// Option configures materialization.
type Option func(*options)

// WithFingerprint overrides the environment fingerprint mixed into run ids.
func WithFingerprint(fp string) Option {
	return func(o *options) { o.fingerprint = fp }
}

// WithGroundTruthDepth sets the known ground-truth depth that topK is checked against.
func WithGroundTruthDepth(depth int) Option {
	return func(o *options) { o.depth = depth }
}

// WithLogger sets the logger that reports pruned and duplicate runs.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock sets the creation timestamp source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func newOptions(opts []Option) options {
	o := options{
		fingerprint: Fingerprint(),
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Materialize expands s into runs. Runs whose ids collide with an earlier run of the
// same sweep are dropped. Any invalid combination fails the whole sweep.
func Materialize(s *Sweep, opts ...Option) ([]Materialized, error) {
	if s.GroundTruthDepth > 0 {
		opts = append([]Option{WithGroundTruthDepth(s.GroundTruthDepth)}, opts...)
	}
	o := newOptions(opts)

	seen := map[string]bool{}
	var runs []Materialized
	for _, combo := range Expand(s.Matrix) {
		params := clone(s.Base)
		for k, v := range combo {
			params[k] = v
		}
		m, err := materialize(params, s.Meta, o)
		if err != nil {
			return nil, err
		}
		if seen[m.ID] {
			o.logger.Warn("dropping duplicate run", "run_id", m.ID, "name", m.Name)
			continue
		}
		seen[m.ID] = true
		runs = append(runs, m)
	}
	return runs, nil
}

// MaterializeConfig materializes a single configuration.
func MaterializeConfig(params, meta map[string]any, opts ...Option) (Materialized, error) {
	return materialize(clone(params), meta, newOptions(opts))
}

func materialize(params, meta map[string]any, o options) (Materialized, error) {
	if v, ok := params[keyAlgo]; ok {
		algo, err := engine.ParseAlgorithm(fmt.Sprint(v))
		if err != nil {
			return Materialized{}, &config.FieldError{Field: keyAlgo, Reason: err.Error()}
		}
		params[keyAlgo] = string(algo)
	}
	if dropped := Prune(params); len(dropped) > 0 {
		o.logger.Debug("dropping parameters the algorithm ignores", "algorithm", params[keyAlgo], "keys", dropped)
	}

	if raw, ok := params[keyFlushFreq]; ok {
		if ff, ok := toInt(raw); !ok || ff < minFlushFreq {
			params[keyFlushFreq] = minFlushFreq
		}
	}

	if err := validateTopK(params, o.depth); err != nil {
		return Materialized{}, err
	}

	id, err := RunID(params, o.fingerprint)
	if err != nil {
		return Materialized{}, err
	}
	if meta == nil {
		meta = map[string]any{}
	}
	return Materialized{
		ID:        id,
		Name:      FriendlyName(params),
		Config:    params,
		Meta:      meta,
		CreatedAt: o.now(),
	}, nil
}

func validateTopK(params map[string]any, depth int) error {
	raw, ok := params[keyTopK]
	if !ok {
		return &config.FieldError{Field: keyTopK, Reason: "missing"}
	}
	k, ok := toInt(raw)
	if !ok {
		return &config.FieldError{Field: keyTopK, Reason: fmt.Sprintf("not an integer: %v", raw)}
	}
	if k <= 0 {
		return &config.FieldError{Field: keyTopK, Reason: fmt.Sprintf("must be > 0, got %d", k)}
	}

	if depth <= 0 {
		depth = groundTruthDepth(params)
	}
	if depth > 0 && k > depth {
		return fmt.Errorf("%w: %w",
			&config.FieldError{Field: keyTopK, Reason: fmt.Sprintf("%d exceeds ground-truth depth %d", k, depth)},
			&recall.ErrGroundTruthDepth{Query: -1, Want: k, Have: depth})
	}
	return nil
}

// groundTruthDepth reads the neighbor-list length from the ground-truth file's first
// record when the file is present.
func groundTruthDepth(params map[string]any) int {
	path, ok := params[keyGroundTruth].(string)
	if !ok || path == "" {
		return 0
	}
	if _, err := os.Stat(path); err != nil {
		return 0
	}
	d, err := dataset.Dimension(path)
	if err != nil {
		return 0
	}
	return d
}
