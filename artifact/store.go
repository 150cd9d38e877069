package artifact

import (
	"context"
	"io"
	"os"
)

// ErrNotFound is returned when an artifact does not exist.
//
// Implementations return an error that satisfies `errors.Is(err, ErrNotFound)`.
var ErrNotFound = os.ErrNotExist

// Store holds run artifacts under slash-separated names.
type Store interface {
	// Put writes an artifact, replacing any previous content.
	Put(ctx context.Context, name string, data []byte) error
	// Open opens an artifact for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// List returns the names with the given prefix in sorted order.
	List(ctx context.Context, prefix string) ([]string, error)
	// Delete removes an artifact. Deleting a missing artifact is not an error.
	Delete(ctx context.Context, name string) error
}
