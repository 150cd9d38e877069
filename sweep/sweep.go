// Package sweep loads parameter sweeps and materializes them into concrete runs with
// stable, content-addressed ids.
//
// A sweep file has three sections:
//
//	meta:
//	  name: hnsw-vs-cagra
//	  dataset: sift-1m        # optional, fills base paths from the dataset registry
//	base:
//	  topK: 100
//	  numQueriesToRun: 1000
//	matrix:
//	  algoToRun: [LUCENE_HNSW, CAGRA_HNSW]
//	  hnswMaxConn: [16, 32]
//	  cagraGraphDegree: [64]
//
// Every list-valued matrix entry is a dimension of the cartesian product; scalar
// entries are fixed. When algoToRun is swept, each algorithm expands separately over
// the parameters it understands.
package sweep

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/annbench/config"
	"github.com/hupe1980/annbench/datasets"
	"github.com/hupe1980/annbench/engine"
)

var (
	// ErrMissingMeta is returned for a sweep without a meta section.
	ErrMissingMeta = errors.New("sweep: meta section required")

	// ErrEmptyMatrix is returned for a sweep without matrix parameters.
	ErrEmptyMatrix = errors.New("sweep: matrix section requires at least one parameter")
)

// Resolver looks dataset ids up. *datasets.Registry implements it.
type Resolver interface {
	Get(id string) (datasets.Dataset, error)
}

// Sweep is a loaded sweep file.
type Sweep struct {
	Meta   map[string]any `yaml:"meta"`
	Base   map[string]any `yaml:"base"`
	Matrix map[string]any `yaml:"matrix"`

	// GroundTruthDepth is the registry's ground-truth depth for meta.dataset, or 0
	// when unknown.
	GroundTruthDepth int `yaml:"-"`
}

// Load reads and validates a sweep file. reg may be nil when the sweep names no
// dataset.
func Load(path string, reg Resolver) (*Sweep, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: sweep path is caller supplied
	if err != nil {
		return nil, fmt.Errorf("sweep: %w", err)
	}
	return Parse(data, reg)
}

// Parse decodes and validates a sweep document.
func Parse(data []byte, reg Resolver) (*Sweep, error) {
	var s Sweep
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, &config.FieldError{Field: "<sweep>", Reason: "invalid YAML: " + err.Error()}
	}
	if s.Meta == nil {
		s.Meta = map[string]any{}
	}
	if s.Base == nil {
		s.Base = map[string]any{}
	}
	if s.Matrix == nil {
		s.Matrix = map[string]any{}
	}

	if id, ok := s.Meta["dataset"].(string); ok && id != "" && reg != nil {
		if err := s.applyDataset(reg, id, false); err != nil {
			return nil, err
		}
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *Sweep) applyDataset(reg Resolver, id string, override bool) error {
	d, err := reg.Get(id)
	if err != nil {
		return &config.FieldError{Field: "meta.dataset", Reason: err.Error()}
	}
	for k, v := range d.BaseParams() {
		if _, set := s.Base[k]; override || !set {
			s.Base[k] = v
		}
	}
	s.GroundTruthDepth = d.TopKGroundTruth
	return nil
}

// ForDataset returns a copy of the sweep retargeted at dataset id: meta.dataset is
// replaced, the dataset's paths override the base section and a base benchmarkID
// gets the dataset as suffix, e.g. "nightly_SIFT_1M".
func (s *Sweep) ForDataset(reg Resolver, id string) (*Sweep, error) {
	out := &Sweep{
		Meta:   clone(s.Meta),
		Base:   clone(s.Base),
		Matrix: clone(s.Matrix),
	}
	out.Meta["dataset"] = id
	if bid, ok := out.Base["benchmarkID"]; ok && bid != nil {
		out.Base["benchmarkID"] = fmt.Sprint(bid) + "_" + strings.ToUpper(strings.ReplaceAll(id, "-", "_"))
	}
	if err := out.applyDataset(reg, id, true); err != nil {
		return nil, err
	}
	return out, out.Validate()
}

// Validate checks the sections, the required keys and that no matrix entry is empty.
func (s *Sweep) Validate() error {
	if len(s.Meta) == 0 {
		return ErrMissingMeta
	}
	var required []string
	if _, ok := s.Meta["dataset"]; !ok {
		required = append(required, "datasetFile", "queryFile", "groundTruthFile")
	}
	required = append(required, "topK", "numQueriesToRun")
	for _, key := range required {
		if _, ok := s.Base[key]; !ok {
			if _, inMatrix := s.Matrix[key]; !inMatrix {
				return &config.FieldError{Field: key, Reason: "required in base"}
			}
		}
	}
	if len(s.Matrix) == 0 {
		return ErrEmptyMatrix
	}
	keys := make([]string, 0, len(s.Matrix))
	for k := range s.Matrix {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if len(values(s.Matrix[k])) == 0 {
			return &config.FieldError{Field: "matrix." + k, Reason: "empty value list"}
		}
	}
	for _, v := range values(s.Matrix[keyAlgo]) {
		if _, err := engine.ParseAlgorithm(fmt.Sprint(v)); err != nil {
			return &config.FieldError{Field: keyAlgo, Reason: fmt.Sprintf("invalid algorithm %v", v)}
		}
	}
	return nil
}

// First returns the single configuration made of base plus the first value of every
// matrix entry.
func (s *Sweep) First() map[string]any {
	out := clone(s.Base)
	for k, v := range s.Matrix {
		if vs := values(v); len(vs) > 0 {
			out[k] = vs[0]
		}
	}
	return out
}

// Expand computes the combinations of a matrix. Keys are expanded in sorted order.
// When algoToRun holds a list, every algorithm expands over its own pruned matrix, so
// parameters the algorithm ignores never multiply its runs.
func Expand(matrix map[string]any) []map[string]any {
	if len(matrix) == 0 {
		return []map[string]any{{}}
	}
	algos, swept := matrix[keyAlgo].([]any)
	if !swept {
		return product(matrix)
	}

	var out []map[string]any
	for _, algo := range algos {
		sub := map[string]any{keyAlgo: algo}
		for k, v := range matrix {
			if k != keyAlgo && relevant(k, fmt.Sprint(algo)) {
				sub[k] = v
			}
		}
		out = append(out, product(sub)...)
	}
	return out
}

func product(matrix map[string]any) []map[string]any {
	keys := make([]string, 0, len(matrix))
	for k := range matrix {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var out []map[string]any
	var walk func(i int, cur map[string]any)
	walk = func(i int, cur map[string]any) {
		if i == len(keys) {
			out = append(out, clone(cur))
			return
		}
		k := keys[i]
		for _, v := range values(matrix[k]) {
			cur[k] = v
			walk(i+1, cur)
		}
		delete(cur, k)
	}
	walk(0, map[string]any{})
	return out
}

func values(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func clone(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
