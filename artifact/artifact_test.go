package artifact

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/dataset"
)

func testStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "run1/results.json", []byte("one")))
	require.NoError(t, s.Put(ctx, "run1/sub/neighbors.csv", []byte("two")))
	require.NoError(t, s.Put(ctx, "run2/results.json", []byte("three")))
	require.NoError(t, s.Put(ctx, "run1/results.json", []byte("four")))

	rc, err := s.Open(ctx, "run1/results.json")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	assert.Equal(t, "four", string(data))

	names, err := s.List(ctx, "run1/")
	require.NoError(t, err)
	assert.Equal(t, []string{"run1/results.json", "run1/sub/neighbors.csv"}, names)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	require.NoError(t, s.Delete(ctx, "run2/results.json"))
	require.NoError(t, s.Delete(ctx, "run2/results.json"))
	_, err = s.Open(ctx, "run2/results.json")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocalStore(t *testing.T) {
	testStore(t, NewLocalStore(t.TempDir()))
}

func TestLocalStoreMissingRoot(t *testing.T) {
	names, err := NewLocalStore(filepath.Join(t.TempDir(), "absent")).List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, names)
}

func TestMemoryStore(t *testing.T) {
	testStore(t, NewMemoryStore())
}

func writeRun(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	files := map[string]string{
		"results.json":               `{"recall":1}`,
		"env.json":                   `{}`,
		"results/sift_neighbors.csv": "1,2,3\n",
		"results/cpu_metrics.json":   `{"cpu_samples":[]}`,
		"index/seg-000000.fbin":      "skip me",
	}
	for name, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o750))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	}
	return dir
}

func TestPublish(t *testing.T) {
	dir := writeRun(t)
	store := NewMemoryStore()

	report, err := Publish(context.Background(), store, "abc123", dir,
		WithConcurrency(2),
		WithSkip(func(rel string) bool { return filepath.Dir(rel) == "index" }),
	)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{
		"abc123/results.json",
		"abc123/env.json",
		"abc123/results/sift_neighbors.csv",
		"abc123/results/cpu_metrics.json",
	}, report.Files)
	assert.Equal(t, int64(len(`{"recall":1}`)+len(`{}`)+len("1,2,3\n")+len(`{"cpu_samples":[]}`)), report.Bytes)

	names, err := store.List(context.Background(), "abc123/")
	require.NoError(t, err)
	assert.Len(t, names, 4)
}

func TestPublishCompressed(t *testing.T) {
	dir := writeRun(t)
	store := NewMemoryStore()

	_, err := Publish(context.Background(), store, "r", dir, WithCompression(dataset.Zstd))
	require.NoError(t, err)

	rc, err := store.Open(context.Background(), "r/results.json.zst")
	require.NoError(t, err)
	zr, err := dataset.Decompress(rc, dataset.Zstd)
	require.NoError(t, err)
	data, err := io.ReadAll(zr)
	require.NoError(t, err)
	assert.Equal(t, `{"recall":1}`, string(data))
}

// flakyStore fails the first failures Put calls of every name.
type flakyStore struct {
	*MemoryStore
	mu       sync.Mutex
	attempts map[string]int
	failures int
}

func (f *flakyStore) Put(ctx context.Context, name string, data []byte) error {
	f.mu.Lock()
	f.attempts[name]++
	n := f.attempts[name]
	f.mu.Unlock()
	if n <= f.failures {
		return errors.New("transient")
	}
	return f.MemoryStore.Put(ctx, name, data)
}

func TestPublishRetries(t *testing.T) {
	dir := writeRun(t)
	store := &flakyStore{MemoryStore: NewMemoryStore(), attempts: map[string]int{}, failures: 2}

	report, err := Publish(context.Background(), store, "r", dir)
	require.NoError(t, err)
	assert.Len(t, report.Files, 5)
	assert.Equal(t, 5, store.Puts())
	for _, n := range store.attempts {
		assert.Equal(t, 3, n)
	}
}

func TestPublishGivesUp(t *testing.T) {
	dir := writeRun(t)
	store := &flakyStore{MemoryStore: NewMemoryStore(), attempts: map[string]int{}, failures: 1 << 30}

	_, err := Publish(context.Background(), store, "r", dir, WithMaxElapsed(200*time.Millisecond))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "transient")
}

func TestPublishCancelled(t *testing.T) {
	dir := writeRun(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	store := &flakyStore{MemoryStore: NewMemoryStore(), attempts: map[string]int{}, failures: 1 << 30}
	_, err := Publish(ctx, store, "r", dir)
	assert.Error(t, err)
}

func TestPublishMissingDir(t *testing.T) {
	_, err := Publish(context.Background(), NewMemoryStore(), "r", filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}

func TestCompressNone(t *testing.T) {
	in := []byte("plain")
	out, err := compress(in, dataset.None)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(in, out))
}
