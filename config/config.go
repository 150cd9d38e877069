// Package config defines the typed run configuration consumed by the benchmark driver.
//
// A Run is decoded from a flat JSON or YAML object whose keys match the field tags.
// Decoding starts from Default, so absent keys keep their defaults; Resolve then
// normalizes derived values once and Validate reports the first offending fields.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/provider"
)

// Run is one resolved benchmark configuration.
type Run struct {
	BenchmarkID string `json:"benchmarkID,omitempty" yaml:"benchmarkID,omitempty"`

	DatasetFile     string `json:"datasetFile" yaml:"datasetFile"`
	QueryFile       string `json:"queryFile" yaml:"queryFile"`
	GroundTruthFile string `json:"groundTruthFile" yaml:"groundTruthFile"`
	VectorColName   string `json:"vectorColName,omitempty" yaml:"vectorColName,omitempty"`

	NumDocs          int `json:"numDocs" yaml:"numDocs"`
	VectorDimension  int `json:"vectorDimension,omitempty" yaml:"vectorDimension,omitempty"`
	TopK             int `json:"topK" yaml:"topK"`
	NumQueriesToRun  int `json:"numQueriesToRun" yaml:"numQueriesToRun"`
	NumWarmUpQueries int `json:"numWarmUpQueries" yaml:"numWarmUpQueries"`
	NumIndexThreads  int `json:"numIndexThreads" yaml:"numIndexThreads"`
	QueryThreads     int `json:"queryThreads" yaml:"queryThreads"`
	FlushFreq        int `json:"flushFreq" yaml:"flushFreq"`

	AlgoToRun string `json:"algoToRun" yaml:"algoToRun"`

	CreateIndexInMemory bool   `json:"createIndexInMemory" yaml:"createIndexInMemory"`
	CleanIndexDirectory bool   `json:"cleanIndexDirectory" yaml:"cleanIndexDirectory"`
	SaveResultsOnDisk   bool   `json:"saveResultsOnDisk" yaml:"saveResultsOnDisk"`
	ResultsDirectory    string `json:"resultsDirectory,omitempty" yaml:"resultsDirectory,omitempty"`
	HnswIndexDirPath    string `json:"hnswIndexDirPath,omitempty" yaml:"hnswIndexDirPath,omitempty"`
	CuvsIndexDirPath    string `json:"cuvsIndexDirPath,omitempty" yaml:"cuvsIndexDirPath,omitempty"`
	SkipIndexing        bool   `json:"skipIndexing,omitempty" yaml:"skipIndexing,omitempty"`

	LoadVectorsInMemory bool    `json:"loadVectorsInMemory,omitempty" yaml:"loadVectorsInMemory,omitempty"`
	ProviderKind        string  `json:"providerKind,omitempty" yaml:"providerKind,omitempty"`
	ProviderStorePath   string  `json:"providerStorePath,omitempty" yaml:"providerStorePath,omitempty"`
	TargetQPS           float64 `json:"targetQPS,omitempty" yaml:"targetQPS,omitempty"`

	HnswMaxConn   int `json:"hnswMaxConn,omitempty" yaml:"hnswMaxConn,omitempty"`
	HnswBeamWidth int `json:"hnswBeamWidth,omitempty" yaml:"hnswBeamWidth,omitempty"`
	EfSearch      int `json:"efSearch,omitempty" yaml:"efSearch,omitempty"`

	CagraGraphDegree             int `json:"cagraGraphDegree,omitempty" yaml:"cagraGraphDegree,omitempty"`
	CagraIntermediateGraphDegree int `json:"cagraIntermediateGraphDegree,omitempty" yaml:"cagraIntermediateGraphDegree,omitempty"`
	CagraITopK                   int `json:"cagraITopK,omitempty" yaml:"cagraITopK,omitempty"`
	CagraSearchWidth             int `json:"cagraSearchWidth,omitempty" yaml:"cagraSearchWidth,omitempty"`
	CagraHnswLayers              int `json:"cagraHnswLayers,omitempty" yaml:"cagraHnswLayers,omitempty"`
	CuvsWriterThreads            int `json:"cuvsWriterThreads,omitempty" yaml:"cuvsWriterThreads,omitempty"`
}

// Default returns the configuration every decode starts from.
func Default() Run {
	return Run{
		NumDocs:          1_000_000,
		TopK:             100,
		NumQueriesToRun:  1000,
		NumWarmUpQueries: 20,
		NumIndexThreads:  8,
		QueryThreads:     1,
		FlushFreq:        500_000,
		AlgoToRun:        string(engine.LuceneHNSW),

		CreateIndexInMemory: true,
		CleanIndexDirectory: true,
		SaveResultsOnDisk:   true,
		ResultsDirectory:    "results",
		HnswIndexDirPath:    "hnswIndex",
		CuvsIndexDirPath:    "cuvsIndex",

		HnswMaxConn:   16,
		HnswBeamWidth: 100,
		EfSearch:      150,

		CagraGraphDegree:             64,
		CagraIntermediateGraphDegree: 128,
		CagraITopK:                   128,
		CagraSearchWidth:             1,
		CuvsWriterThreads:            32,
	}
}

// Parse decodes data over Default. format is "json" or "yaml".
func Parse(data []byte, format string) (Run, error) {
	r := Default()
	switch strings.ToLower(format) {
	case "json":
		if err := json.Unmarshal(data, &r); err != nil {
			return Run{}, &FieldError{Field: "<document>", Reason: "invalid JSON", cause: err}
		}
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &r); err != nil {
			return Run{}, &FieldError{Field: "<document>", Reason: "invalid YAML", cause: err}
		}
	default:
		return Run{}, fmt.Errorf("config: unsupported format %q", format)
	}
	return r, nil
}

// LoadFile reads a JSON or YAML configuration, chosen by suffix, and resolves it.
func LoadFile(path string) (Run, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is caller supplied
	if err != nil {
		return Run{}, fmt.Errorf("config: %w", err)
	}
	format := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	r, err := Parse(data, format)
	if err != nil {
		return Run{}, err
	}
	if err := r.Resolve(); err != nil {
		return Run{}, err
	}
	return r, nil
}

// FromParams decodes a flat parameter map, as produced by the sweep materializer.
func FromParams(params map[string]any) (Run, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return Run{}, fmt.Errorf("config: encoding parameters: %w", err)
	}
	r := Default()
	if err := json.Unmarshal(data, &r); err != nil {
		var te *json.UnmarshalTypeError
		if errors.As(err, &te) {
			return Run{}, &FieldError{Field: te.Field, Reason: "expected " + te.Type.String() + ", got " + te.Value, cause: err}
		}
		return Run{}, &FieldError{Field: "<params>", Reason: "undecodable", cause: err}
	}
	if err := r.Resolve(); err != nil {
		return Run{}, err
	}
	return r, nil
}

// Params flattens the configuration into its key/value form.
func (r Run) Params() map[string]any {
	data, _ := json.Marshal(r)
	out := map[string]any{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	_ = dec.Decode(&out)
	return out
}

// Resolve normalizes derived values: the canonical algorithm name, the flush
// frequency floor and the provider strategy.
func (r *Run) Resolve() error {
	algo, err := engine.ParseAlgorithm(r.AlgoToRun)
	if err != nil {
		return &FieldError{Field: "algoToRun", Reason: fmt.Sprintf("unknown algorithm %q", r.AlgoToRun), cause: err}
	}
	r.AlgoToRun = string(algo)

	if r.FlushFreq < 2 {
		r.FlushFreq = 2
	}
	if r.NumWarmUpQueries < 0 {
		r.NumWarmUpQueries = 0
	}
	if r.LoadVectorsInMemory {
		r.ProviderKind = string(provider.KindMemory)
	}
	kind, err := provider.ParseKind(r.ProviderKind)
	if err != nil {
		return &FieldError{Field: "providerKind", Reason: err.Error(), cause: err}
	}
	r.ProviderKind = string(kind)
	return nil
}

// Validate reports every invalid field.
func (r Run) Validate() error {
	var errs []error
	required := func(field, v string) {
		if strings.TrimSpace(v) == "" {
			errs = append(errs, &FieldError{Field: field, Reason: "required"})
		}
	}
	positive := func(field string, v int) {
		if v <= 0 {
			errs = append(errs, &FieldError{Field: field, Reason: fmt.Sprintf("must be > 0, got %d", v)})
		}
	}

	required("datasetFile", r.DatasetFile)
	required("queryFile", r.QueryFile)
	required("groundTruthFile", r.GroundTruthFile)
	positive("topK", r.TopK)
	positive("numDocs", r.NumDocs)
	positive("numQueriesToRun", r.NumQueriesToRun)
	positive("numIndexThreads", r.NumIndexThreads)
	positive("queryThreads", r.QueryThreads)

	if _, err := engine.ParseAlgorithm(r.AlgoToRun); err != nil {
		errs = append(errs, &FieldError{Field: "algoToRun", Reason: fmt.Sprintf("unknown algorithm %q", r.AlgoToRun), cause: err})
	}
	if r.TargetQPS < 0 {
		errs = append(errs, &FieldError{Field: "targetQPS", Reason: "must not be negative"})
	}
	if !r.CreateIndexInMemory && r.IndexDir() == "" {
		errs = append(errs, &FieldError{Field: r.indexDirField(), Reason: "required for an on-disk index"})
	}
	return errors.Join(errs...)
}

// CheckInputs verifies that the three input files exist before any work starts.
func (r Run) CheckInputs() error {
	for _, in := range []struct{ field, path string }{
		{"datasetFile", r.DatasetFile},
		{"queryFile", r.QueryFile},
		{"groundTruthFile", r.GroundTruthFile},
	} {
		st, err := os.Stat(in.path)
		if err != nil {
			return &ErrInputMissing{Field: in.field, Path: in.path, cause: err}
		}
		if st.IsDir() {
			return &ErrInputMissing{Field: in.field, Path: in.path, cause: errors.New("is a directory")}
		}
	}
	return nil
}

// Algorithm returns the resolved engine selector.
func (r Run) Algorithm() engine.Algorithm {
	return engine.Algorithm(r.AlgoToRun)
}

// IndexDir returns the index directory for the selected algorithm.
func (r Run) IndexDir() string {
	if r.Algorithm() == engine.CagraHNSW {
		return r.CuvsIndexDirPath
	}
	return r.HnswIndexDirPath
}

func (r Run) indexDirField() string {
	if r.Algorithm() == engine.CagraHNSW {
		return "cuvsIndexDirPath"
	}
	return "hnswIndexDirPath"
}

// EngineParams maps the configuration onto engine parameters for an index of the
// given dimension.
func (r Run) EngineParams(dim int, logger *slog.Logger) engine.Params {
	return engine.Params{
		Dimension:               dim,
		FlushFreq:               r.FlushFreq,
		InMemory:                r.CreateIndexInMemory,
		IndexDir:                r.IndexDir(),
		CleanIndexDir:           r.CleanIndexDirectory,
		MaxConn:                 r.HnswMaxConn,
		BeamWidth:               r.HnswBeamWidth,
		EfSearch:                r.EfSearch,
		GraphDegree:             r.CagraGraphDegree,
		IntermediateGraphDegree: r.CagraIntermediateGraphDegree,
		ITopK:                   r.CagraITopK,
		SearchWidth:             r.CagraSearchWidth,
		HnswLayers:              r.CagraHnswLayers,
		WriterThreads:           r.CuvsWriterThreads,
		Logger:                  logger,
	}
}
