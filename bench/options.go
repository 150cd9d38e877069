package bench

import (
	"io"
	"log/slog"
	"time"

	"github.com/hupe1980/annbench/provider"
	"github.com/hupe1980/annbench/resource"
)

// Recorder receives per-operation observations. The root package's metrics
// collectors satisfy it.
type Recorder interface {
	RecordIngest(docs int, d time.Duration, err error)
	RecordQuery(d time.Duration, recall float64, warmup bool, err error)
}

type noopRecorder struct{}

func (noopRecorder) RecordIngest(int, time.Duration, error)          {}
func (noopRecorder) RecordQuery(time.Duration, float64, bool, error) {}

type options struct {
	logger        *slog.Logger
	recorder      Recorder
	controller    *resource.Controller
	progressEvery int
}

// Option configures the driver.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithRecorder forwards per-document and per-query observations to r.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		if r != nil {
			o.recorder = r
		}
	}
}

// WithController bounds memory and read throughput while opening providers.
func WithController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithProgressEvery logs ingestion progress every n documents. The default is 25000;
// zero disables progress logging.
func WithProgressEvery(n int) Option {
	return func(o *options) {
		o.progressEvery = n
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
		recorder:      noopRecorder{},
		progressEvery: 25_000,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

func (o options) providerOptions(storePath string) []provider.Option {
	return []provider.Option{
		provider.WithLogger(o.logger),
		provider.WithController(o.controller),
		provider.WithStorePath(storePath),
	}
}
