// Package catalog keeps the index of benchmark runs in runs/catalog.jsonl, one JSON
// entry per line.
//
// Add appends a line. Update replaces the entry with the same run id, or appends it,
// and rewrites the whole file atomically. Entries can be listed, filtered by dataset
// and algorithm, and ranked by recall.
package catalog

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/hupe1980/annbench/internal/fs"
)

// FileName is the catalog file inside the runs directory.
const FileName = "catalog.jsonl"

// Unset marks a metric that has not been measured.
const Unset = -1

// Run states recorded in Entry.Status.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// ErrNotFound is returned by Get for an unknown run id.
var ErrNotFound = errors.New("catalog: run not found")

// Entry is one run in the catalog.
type Entry struct {
	RunID     string         `json:"runId"`
	Name      string         `json:"name"`
	Dataset   string         `json:"dataset"`
	Algo      string         `json:"algo"`
	Params    map[string]any `json:"params"`
	CreatedAt string         `json:"createdAt"`

	IndexingTime float64 `json:"indexingTime"`
	QueryTime    float64 `json:"queryTime"`
	Recall       float64 `json:"recall"`
	TopK         int     `json:"topK"`
	QPS          float64 `json:"qps"`
	MeanLatency  float64 `json:"meanLatency"`
	IndexSize    float64 `json:"indexSize"`
	PeakMemoryMB float64 `json:"peakMemoryMB"`
	AvgMemoryMB  float64 `json:"avgMemoryMB"`

	Status string `json:"status,omitempty"`
}

// NewEntry returns an entry whose metrics are all Unset.
func NewEntry(runID, name, dataset, algo string, params map[string]any, createdAt string) Entry {
	return Entry{
		RunID:        runID,
		Name:         name,
		Dataset:      dataset,
		Algo:         algo,
		Params:       params,
		CreatedAt:    createdAt,
		IndexingTime: Unset,
		QueryTime:    Unset,
		Recall:       Unset,
		TopK:         Unset,
		QPS:          Unset,
		MeanLatency:  Unset,
		IndexSize:    Unset,
		PeakMemoryMB: Unset,
		AvgMemoryMB:  Unset,
	}
}

// UnmarshalJSON keeps Unset for metrics missing from older lines.
func (e *Entry) UnmarshalJSON(data []byte) error {
	type plain Entry
	p := plain(NewEntry("", "", "", "", nil, ""))
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	*e = Entry(p)
	return nil
}

// Mirror receives every written entry, e.g. to share catalogs across machines.
type Mirror interface {
	Put(ctx context.Context, e Entry) error
}

type options struct {
	fs     fs.FileSystem
	mirror Mirror
	logger *slog.Logger
}

// Option configures a Catalog.
type Option func(*options)

// WithMirror mirrors every Add and Update. Mirror failures are logged, not returned.
func WithMirror(m Mirror) Option {
	return func(o *options) { o.mirror = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithFileSystem replaces the file system, for fault injection in tests.
func WithFileSystem(fsys fs.FileSystem) Option {
	return func(o *options) { o.fs = fsys }
}

// Catalog is the run index of one runs directory. It is safe for concurrent use
// within a process.
type Catalog struct {
	path string
	opts options

	mu sync.Mutex
}

// Open returns the catalog of runsDir. The file is created on first write.
func Open(runsDir string, opts ...Option) *Catalog {
	o := options{
		fs:     fs.Default,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &Catalog{path: filepath.Join(runsDir, FileName), opts: o}
}

// Path returns the catalog file path.
func (c *Catalog) Path() string { return c.path }

// Add appends e.
func (c *Catalog) Add(ctx context.Context, e Entry) error {
	line, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("catalog: encoding %s: %w", e.RunID, err)
	}

	c.mu.Lock()
	err = c.appendLine(line)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.mirror(ctx, e)
	return nil
}

func (c *Catalog) appendLine(line []byte) error {
	f, err := fs.Append(c.opts.fs, c.path)
	if err != nil {
		return fmt.Errorf("catalog: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		_ = f.Close()
		return fmt.Errorf("catalog: appending: %w", err)
	}
	return f.Close()
}

// Update replaces the entry with e's run id, or appends e, and rewrites the file.
func (c *Catalog) Update(ctx context.Context, e Entry) error {
	c.mu.Lock()
	entries, err := c.load()
	if err == nil {
		replaced := false
		for i := range entries {
			if entries[i].RunID == e.RunID {
				entries[i] = e
				replaced = true
				break
			}
		}
		if !replaced {
			entries = append(entries, e)
		}
		err = c.rewrite(entries)
	}
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.mirror(ctx, e)
	return nil
}

func (c *Catalog) rewrite(entries []Entry) error {
	err := fs.WriteFile(c.opts.fs, c.path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		for _, e := range entries {
			if err := enc.Encode(e); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("catalog: rewriting: %w", err)
	}
	return nil
}

func (c *Catalog) mirror(ctx context.Context, e Entry) {
	if c.opts.mirror == nil {
		return
	}
	if err := c.opts.mirror.Put(ctx, e); err != nil {
		c.opts.logger.WarnContext(ctx, "catalog mirror failed", "run_id", e.RunID, "error", err)
	}
}

// Load returns every entry in file order. A missing file is an empty catalog.
// Undecodable lines are skipped with a warning.
func (c *Catalog) Load() ([]Entry, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.load()
}

func (c *Catalog) load() ([]Entry, error) {
	f, err := c.opts.fs.OpenFile(c.path, os.O_RDONLY, 0)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("catalog: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for lineNo := 1; sc.Scan(); lineNo++ {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			c.opts.logger.Warn("skipping undecodable catalog line", "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("catalog: reading: %w", err)
	}
	return entries, nil
}

// Get returns the entry for runID.
func (c *Catalog) Get(runID string) (Entry, error) {
	entries, err := c.Load()
	if err != nil {
		return Entry{}, err
	}
	for _, e := range entries {
		if e.RunID == runID {
			return e, nil
		}
	}
	return Entry{}, fmt.Errorf("%w: %s", ErrNotFound, runID)
}

// Filter selects entries by case-insensitive substring match. Empty fields match
// everything.
type Filter struct {
	Dataset string
	Algo    string
}

// ParseFilter parses a where clause such as `dataset=sift algo="cagra"`. Unknown
// terms are ignored.
func ParseFilter(where string) Filter {
	var f Filter
	for _, term := range strings.Fields(strings.ToLower(where)) {
		key, value, ok := strings.Cut(term, "=")
		if !ok {
			continue
		}
		value = strings.Trim(value, `'"`)
		switch key {
		case "dataset":
			f.Dataset = value
		case "algo":
			f.Algo = value
		}
	}
	return f
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.Dataset != "" && !strings.Contains(strings.ToLower(e.Dataset), strings.ToLower(f.Dataset)) {
		return false
	}
	if f.Algo != "" && !strings.Contains(strings.ToLower(e.Algo), strings.ToLower(f.Algo)) {
		return false
	}
	return true
}

// List returns the entries passing f in file order.
func (c *Catalog) List(f Filter) ([]Entry, error) {
	entries, err := c.Load()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// ByDatasetAndAlgo returns the entries with exactly this dataset and algorithm.
func (c *Catalog) ByDatasetAndAlgo(dataset, algo string) ([]Entry, error) {
	entries, err := c.Load()
	if err != nil {
		return nil, err
	}
	out := entries[:0]
	for _, e := range entries {
		if e.Dataset == dataset && e.Algo == algo {
			out = append(out, e)
		}
	}
	return out, nil
}

// BestByRecall groups the runs of dataset and algo reaching the recall threshold by
// topK and picks the fastest indexing and the fastest querying run of each group.
// Keys have the form "<dataset>_<algo>_top<K>_best_indexing" and "..._best_query".
func (c *Catalog) BestByRecall(dataset, algo string, threshold float64) (map[string]Entry, error) {
	entries, err := c.ByDatasetAndAlgo(dataset, algo)
	if err != nil {
		return nil, err
	}
	return BestByRecall(entries, dataset, algo, threshold), nil
}

// BestByRecall is the in-memory form of Catalog.BestByRecall. Entries are expected to
// belong to one dataset and algorithm. An Unset time never competes on its axis.
func BestByRecall(entries []Entry, dataset, algo string, threshold float64) map[string]Entry {
	bestIndexing := map[int]Entry{}
	bestQuery := map[int]Entry{}
	for _, e := range entries {
		if e.Recall < threshold {
			continue
		}
		if e.IndexingTime != Unset {
			if cur, ok := bestIndexing[e.TopK]; !ok || e.IndexingTime < cur.IndexingTime {
				bestIndexing[e.TopK] = e
			}
		}
		if e.QueryTime != Unset {
			if cur, ok := bestQuery[e.TopK]; !ok || e.QueryTime < cur.QueryTime {
				bestQuery[e.TopK] = e
			}
		}
	}

	out := make(map[string]Entry, len(bestIndexing)+len(bestQuery))
	for k, e := range bestIndexing {
		out[fmt.Sprintf("%s_%s_top%d_best_indexing", dataset, algo, k)] = e
	}
	for k, e := range bestQuery {
		out[fmt.Sprintf("%s_%s_top%d_best_query", dataset, algo, k)] = e
	}
	return out
}

// SortByCreated orders entries oldest first, keeping file order for equal times.
func SortByCreated(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].CreatedAt < entries[j].CreatedAt })
}
