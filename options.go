package annbench

import (
	"time"

	"github.com/hupe1980/annbench/artifact"
	"github.com/hupe1980/annbench/catalog"
	"github.com/hupe1980/annbench/datasets"
	"github.com/hupe1980/annbench/engine"
	"github.com/hupe1980/annbench/engine/cagra"
	"github.com/hupe1980/annbench/engine/hnsw"
	"github.com/hupe1980/annbench/resource"
	"github.com/hupe1980/annbench/sampler"
)

// DefaultRunsDir is where run directories and the catalog live unless
// WithRunsDir says otherwise.
const DefaultRunsDir = "runs"

type options struct {
	logger           *Logger
	metricsCollector MetricsCollector
	runsDir          string
	store            artifact.Store
	publishOptions   []artifact.PublishOption
	mirror           catalog.Mirror
	sampleInterval   time.Duration
	probe            sampler.Probe
	engines          *engine.Registry
	registry         *datasets.Registry
	controller       *resource.Controller
	fingerprint      string
	now              func() time.Time
}

// Option configures a Harness.
type Option func(*options)

// WithLogger configures structured logging.
// Pass nil to disable logging.
func WithLogger(l *Logger) Option {
	return func(o *options) {
		if l == nil {
			l = NoopLogger()
		}
		o.logger = l
	}
}

// WithMetricsCollector configures a metrics collector that observes every run.
// Pass nil to disable metrics collection.
//
// Example with BasicMetricsCollector:
//
//	metrics := &annbench.BasicMetricsCollector{}
//	h := annbench.New(annbench.WithMetricsCollector(metrics))
//	...
//	stats := metrics.GetStats()
func WithMetricsCollector(mc MetricsCollector) Option {
	return func(o *options) {
		if mc == nil {
			mc = NoopMetricsCollector{}
		}
		o.metricsCollector = mc
	}
}

// WithRunsDir sets the directory that holds one sub-directory per run and the
// run catalog.
func WithRunsDir(dir string) Option {
	return func(o *options) {
		o.runsDir = dir
	}
}

// WithArtifactStore publishes every finished run directory to store.
func WithArtifactStore(store artifact.Store, opts ...artifact.PublishOption) Option {
	return func(o *options) {
		o.store = store
		o.publishOptions = opts
	}
}

// WithCatalogMirror mirrors catalog writes to a shared catalog.
func WithCatalogMirror(m catalog.Mirror) Option {
	return func(o *options) {
		o.mirror = m
	}
}

// WithSampleInterval sets the resource sampling interval.
func WithSampleInterval(d time.Duration) Option {
	return func(o *options) {
		o.sampleInterval = d
	}
}

// WithSampleProbe replaces the process probe used by the resource sampler.
func WithSampleProbe(p sampler.Probe) Option {
	return func(o *options) {
		o.probe = p
	}
}

// WithEngineRegistry replaces the engines runs are dispatched to.
func WithEngineRegistry(r *engine.Registry) Option {
	return func(o *options) {
		o.engines = r
	}
}

// WithRegistry sets the dataset registry that resolves meta.dataset in sweep files.
func WithRegistry(r *datasets.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// WithController bounds the memory and IO used by vector providers.
func WithController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithFingerprint overrides the environment fingerprint mixed into run ids.
func WithFingerprint(fp string) Option {
	return func(o *options) {
		o.fingerprint = fp
	}
}

// WithClock sets the time source for creation timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		o.now = now
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger:           NoopLogger(),
		metricsCollector: NoopMetricsCollector{},
		runsDir:          DefaultRunsDir,
		sampleInterval:   sampler.DefaultInterval,
		now:              func() time.Time { return time.Now().UTC() },
	}
	for _, fn := range opts {
		fn(&o)
	}
	if o.engines == nil {
		o.engines = engine.NewRegistry(hnsw.New(), cagra.New())
	}
	return o
}
