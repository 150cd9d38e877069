// Package datasets resolves dataset ids to their files through a datasets.yaml
// registry:
//
//	default_paths:
//	  data: /data
//	datasets:
//	  sift-1m:
//	    name: SIFT 1M
//	    base_file: /data/sift/base.fvecs
//	    query_file: /data/sift/query.fvecs
//	    ground_truth_file: /data/sift/groundtruth.ivecs
//	    num_docs: 1000000
//	    vector_dimension: 128
//	    top_k_ground_truth: 100
//	    available: true
//
// When BENCHMARK_DATASET_PATH is set, every file path is re-rooted under it: a
// leading default path is replaced, other paths are appended.
package datasets

import (
	"errors"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultFile is the registry file looked up in the working directory.
	DefaultFile = "datasets.yaml"
	// EnvBasePath re-roots every dataset path.
	EnvBasePath = "BENCHMARK_DATASET_PATH"
)

// ErrUnknownDataset is returned for an id the registry does not list.
var ErrUnknownDataset = errors.New("datasets: unknown dataset")

// Dataset describes one registered dataset.
type Dataset struct {
	ID              string `yaml:"-"`
	Name            string `yaml:"name"`
	Description     string `yaml:"description"`
	BaseFile        string `yaml:"base_file"`
	QueryFile       string `yaml:"query_file"`
	GroundTruthFile string `yaml:"ground_truth_file"`
	NumDocs         int    `yaml:"num_docs"`
	VectorDimension int    `yaml:"vector_dimension"`
	TopKGroundTruth int    `yaml:"top_k_ground_truth"`
	Configured      bool   `yaml:"available"`
}

// Status reports whether the dataset can be used, naming the first missing file.
func (d Dataset) Status() string {
	if !d.Configured {
		return "Not configured"
	}
	for _, f := range []struct{ label, path string }{
		{"Base file missing", d.BaseFile},
		{"Query file missing", d.QueryFile},
		{"Ground truth missing", d.GroundTruthFile},
	} {
		if _, err := os.Stat(f.path); err != nil {
			return f.label
		}
	}
	return "Available"
}

// Available reports whether the dataset is configured and all of its files exist.
func (d Dataset) Available() bool { return d.Status() == "Available" }

// BaseParams returns the run parameters the dataset supplies.
func (d Dataset) BaseParams() map[string]any {
	return map[string]any{
		"datasetFile":     d.BaseFile,
		"queryFile":       d.QueryFile,
		"groundTruthFile": d.GroundTruthFile,
		"numDocs":         d.NumDocs,
		"vectorDimension": d.VectorDimension,
	}
}

// Registry is a loaded datasets.yaml.
type Registry struct {
	datasets     map[string]Dataset
	defaultPaths map[string]string
}

type document struct {
	DefaultPaths map[string]string  `yaml:"default_paths"`
	Datasets     map[string]Dataset `yaml:"datasets"`
}

// Load reads a registry file, applying BENCHMARK_DATASET_PATH from the environment.
func Load(file string) (*Registry, error) {
	data, err := os.ReadFile(file) //nolint:gosec // G304: registry path is caller supplied
	if err != nil {
		return nil, fmt.Errorf("datasets: %w", err)
	}
	return Parse(data, os.Getenv(EnvBasePath))
}

// Parse decodes a registry document. A non-empty basePath re-roots every file path.
func Parse(data []byte, basePath string) (*Registry, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("datasets: invalid registry: %w", err)
	}
	r := &Registry{datasets: make(map[string]Dataset, len(doc.Datasets)), defaultPaths: doc.DefaultPaths}
	for id, d := range doc.Datasets {
		d.ID = id
		if basePath != "" {
			d.BaseFile = r.reroot(d.BaseFile, basePath)
			d.QueryFile = r.reroot(d.QueryFile, basePath)
			d.GroundTruthFile = r.reroot(d.GroundTruthFile, basePath)
		}
		r.datasets[id] = d
	}
	return r, nil
}

func (r *Registry) reroot(p, basePath string) string {
	if p == "" {
		return p
	}
	rel := p
	prefixes := make([]string, 0, len(r.defaultPaths))
	for _, dp := range r.defaultPaths {
		prefixes = append(prefixes, dp)
	}
	sort.Strings(prefixes)
	for _, dp := range prefixes {
		if dp != "" && strings.HasPrefix(p, dp) {
			rel = strings.TrimPrefix(strings.TrimPrefix(p, dp), "/")
			break
		}
	}
	return path.Join(basePath, rel)
}

// Get returns the dataset registered under id.
func (r *Registry) Get(id string) (Dataset, error) {
	d, ok := r.datasets[id]
	if !ok {
		return Dataset{}, fmt.Errorf("%w: %q", ErrUnknownDataset, id)
	}
	return d, nil
}

// IDs lists every registered id in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.datasets))
	for id := range r.datasets {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Available lists the ids whose files are all present.
func (r *Registry) Available() []string {
	var ids []string
	for _, id := range r.IDs() {
		if r.datasets[id].Available() {
			ids = append(ids, id)
		}
	}
	return ids
}
