package artifact

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/annbench/dataset"
)

// Report summarizes a Publish call.
type Report struct {
	Files []string
	Bytes int64
}

type publishOptions struct {
	concurrency int
	compression dataset.Compression
	maxElapsed  time.Duration
	skip        func(rel string) bool
	logger      *slog.Logger
}

// PublishOption configures Publish.
type PublishOption func(*publishOptions)

// WithConcurrency bounds the number of parallel uploads.
func WithConcurrency(n int) PublishOption {
	return func(o *publishOptions) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithCompression compresses every file before upload and appends the compression
// suffix (".zst", ".gz", ".lz4") to its name.
func WithCompression(c dataset.Compression) PublishOption {
	return func(o *publishOptions) { o.compression = c }
}

// WithMaxElapsed bounds the total retry time of a single upload.
func WithMaxElapsed(d time.Duration) PublishOption {
	return func(o *publishOptions) { o.maxElapsed = d }
}

// WithSkip excludes files whose slash-separated path relative to the run directory
// matches.
func WithSkip(skip func(rel string) bool) PublishOption {
	return func(o *publishOptions) { o.skip = skip }
}

// WithLogger sets the logger that reports retries.
func WithLogger(l *slog.Logger) PublishOption {
	return func(o *publishOptions) {
		if l != nil {
			o.logger = l
		}
	}
}

var suffixes = map[dataset.Compression]string{
	dataset.Gzip: ".gz",
	dataset.Zstd: ".zst",
	dataset.LZ4:  ".lz4",
}

// Publish uploads every regular file below dir to store under prefix, preserving the
// relative layout.
func Publish(ctx context.Context, store Store, prefix, dir string, opts ...PublishOption) (*Report, error) {
	o := publishOptions{
		concurrency: 4,
		maxElapsed:  time.Minute,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}

	var files []string
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if o.skip != nil && o.skip(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("artifact: scanning %s: %w", dir, err)
	}

	report := &Report{Files: make([]string, len(files))}
	var total atomic.Int64

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(o.concurrency)
	for i, rel := range files {
		g.Go(func() error {
			data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(rel))) //nolint:gosec // G304: walked from dir
			if err != nil {
				return err
			}
			name := path.Join(prefix, rel)
			if data, err = compress(data, o.compression); err != nil {
				return fmt.Errorf("artifact: compressing %s: %w", rel, err)
			}
			name += suffixes[o.compression]

			if err := put(ctx, store, name, data, o); err != nil {
				return fmt.Errorf("artifact: uploading %s: %w", name, err)
			}
			report.Files[i] = name
			total.Add(int64(len(data)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	report.Bytes = total.Load()
	return report, nil
}

func compress(data []byte, c dataset.Compression) ([]byte, error) {
	if c == dataset.None {
		return data, nil
	}
	var buf bytes.Buffer
	w, err := dataset.Compress(&buf, c)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func put(ctx context.Context, store Store, name string, data []byte, o publishOptions) error {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = o.maxElapsed

	return backoff.RetryNotify(
		func() error {
			err := store.Put(ctx, name, data)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return backoff.Permanent(err)
			}
			return err
		},
		backoff.WithContext(policy, ctx),
		func(err error, d time.Duration) {
			o.logger.WarnContext(ctx, "artifact upload failed, retrying", "name", name, "backoff", d, "error", err)
		},
	)
}
