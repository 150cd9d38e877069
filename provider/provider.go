// Package provider gives uniform random access to the records of a vector dataset.
//
// Three strategies are available:
//
//   - Memory: the whole dataset is materialized; Get is O(1).
//   - Bolt: records live in a bbolt file that survives process restarts, so repeated
//     benchmark invocations skip re-parsing; Get is a B+tree lookup.
//   - Stream: no intermediate store. Uncompressed files are read at the exact byte
//     offset of the record (O(1) I/O). Compressed files are re-decompressed from the
//     start on every Get (O(index)).
//
// Every Provider returns the same vector for the same index across calls and fails
// with *dataset.ErrOutOfBounds outside [0, Size()). All three are safe for concurrent
// Get; returned slices must be treated as read-only.
package provider

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"github.com/hupe1980/annbench/resource"
)

// Provider is random access over the records of one dataset.
type Provider interface {
	// Get returns record i.
	Get(i int) ([]float32, error)
	// Size returns the number of addressable records.
	Size() int
	// Dimension returns the record dimension.
	Dimension() int
	// Close releases the backing store or handle.
	Close() error
}

// Kind selects a Provider strategy.
type Kind string

const (
	KindMemory Kind = "memory"
	KindBolt   Kind = "bolt"
	KindStream Kind = "stream"
)

// ParseKind validates a strategy name. The empty string selects KindStream.
func ParseKind(s string) (Kind, error) {
	switch k := Kind(s); k {
	case "":
		return KindStream, nil
	case KindMemory, KindBolt, KindStream:
		return k, nil
	default:
		return "", fmt.Errorf("provider: unknown kind %q", s)
	}
}

type options struct {
	logger     *slog.Logger
	controller *resource.Controller
	storePath  string
}

// Option configures provider construction.
type Option func(*options)

// WithLogger sets the logger used while loading.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithController applies memory and read-throughput limits while loading.
func WithController(c *resource.Controller) Option {
	return func(o *options) {
		o.controller = c
	}
}

// WithStorePath sets the bbolt file used by KindBolt. The default is the dataset path
// with a ".bolt" suffix.
func WithStorePath(path string) Option {
	return func(o *options) {
		o.storePath = path
	}
}

func newOptions(opts []Option) options {
	o := options{
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Open constructs a Provider of kind over path, capped at limit records when limit is
// positive.
func Open(ctx context.Context, kind Kind, path string, limit int, opts ...Option) (Provider, error) {
	switch kind {
	case KindMemory:
		return LoadMemory(ctx, path, limit, opts...)
	case KindBolt:
		return OpenBolt(ctx, path, limit, opts...)
	case KindStream, "":
		return OpenStream(ctx, path, limit, opts...)
	default:
		return nil, fmt.Errorf("provider: unknown kind %q", kind)
	}
}
