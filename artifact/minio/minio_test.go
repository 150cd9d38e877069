package minio

import (
	"context"
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/artifact"
)

// TestStoreIntegration requires a running MinIO instance.
// Skip if not available.
func TestStoreIntegration(t *testing.T) {
	endpoint := os.Getenv("MINIO_ENDPOINT")
	if endpoint == "" {
		endpoint = "localhost:9000"
	}
	ctx := context.Background()

	store, err := Dial(ctx, endpoint, "minioadmin", "minioadmin", "test-annbench", "it/", false)
	if err != nil {
		t.Skipf("MinIO not available: %v", err)
	}

	require.NoError(t, store.Put(ctx, "run1/results.json", []byte(`{"ok":true}`)))

	rc, err := store.Open(ctx, "run1/results.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.JSONEq(t, `{"ok":true}`, string(data))

	names, err := store.List(ctx, "run1/")
	require.NoError(t, err)
	assert.Contains(t, names, "run1/results.json")

	require.NoError(t, store.Delete(ctx, "run1/results.json"))
	require.NoError(t, store.Delete(ctx, "run1/results.json"))

	_, err = store.Open(ctx, "run1/results.json")
	assert.ErrorIs(t, err, artifact.ErrNotFound)
}

func TestKey(t *testing.T) {
	s := NewStore(nil, "b", "root/")
	assert.Equal(t, "root/run/x.json", s.key("run/x.json"))
	assert.Equal(t, "x", NewStore(nil, "b", "").key("x"))
}
