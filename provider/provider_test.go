package provider

import (
	"context"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/dataset"
	"github.com/hupe1980/annbench/resource"
)

func fixture(n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = float32(math.Sin(float64(i*dim+j))) * 3.5
		}
		out[i] = v
	}
	return out
}

func openAll(t *testing.T, path string, limit int) map[Kind]Provider {
	t.Helper()
	ctx := context.Background()
	out := map[Kind]Provider{}
	for _, kind := range []Kind{KindMemory, KindBolt, KindStream} {
		p, err := Open(ctx, kind, path, limit, WithStorePath(filepath.Join(t.TempDir(), "store.bolt")))
		require.NoError(t, err, kind)
		t.Cleanup(func() { _ = p.Close() })
		out[kind] = p
	}
	return out
}

func TestRoundTripAllStrategies(t *testing.T) {
	vectors := fixture(5, 3)

	for _, name := range []string{"base.fbin", "base.fbin.gz"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, dataset.WriteFile(path, vectors))

		for kind, p := range openAll(t, path, 0) {
			require.Equal(t, 5, p.Size(), kind)
			require.Equal(t, 3, p.Dimension(), kind)

			for i := range 5 {
				got, err := p.Get(i)
				require.NoError(t, err, "%s/%s get %d", name, kind, i)
				require.Len(t, got, 3)
				for j := range got {
					assert.Equal(t, math.Float32bits(vectors[i][j]), math.Float32bits(got[j]), "%s/%s [%d][%d]", name, kind, i, j)
				}
			}
		}
	}
}

func TestBounds(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fbin")
	require.NoError(t, dataset.WriteFile(path, fixture(5, 3)))

	for kind, p := range openAll(t, path, 0) {
		for _, i := range []int{5, -1} {
			_, err := p.Get(i)
			var oob *dataset.ErrOutOfBounds
			require.ErrorAs(t, err, &oob, kind)
			assert.Equal(t, i, oob.Index)
			assert.Equal(t, 5, oob.Size)
		}

		_, err := p.Get(4)
		assert.NoError(t, err, kind)
	}
}

func TestDeterminism(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fvecs.zst")
	require.NoError(t, dataset.WriteFile(path, fixture(20, 4)))

	for kind, p := range openAll(t, path, 0) {
		first, err := p.Get(13)
		require.NoError(t, err)
		for range 3 {
			again, err := p.Get(13)
			require.NoError(t, err)
			assert.Equal(t, first, again, kind)
		}
	}
}

func TestLimitCapsSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fvecs")
	require.NoError(t, dataset.WriteFile(path, fixture(10, 2)))

	for kind, p := range openAll(t, path, 4) {
		assert.Equal(t, 4, p.Size(), kind)
		_, err := p.Get(4)
		var oob *dataset.ErrOutOfBounds
		assert.ErrorAs(t, err, &oob, kind)
	}
}

func TestConcurrentGet(t *testing.T) {
	vectors := fixture(64, 8)
	for _, name := range []string{"base.fvecs", "base.fvecs.gz"} {
		path := filepath.Join(t.TempDir(), name)
		require.NoError(t, dataset.WriteFile(path, vectors))

		for kind, p := range openAll(t, path, 0) {
			var wg sync.WaitGroup
			errs := make(chan error, 8)
			for w := range 8 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for i := w; i < p.Size(); i += 8 {
						v, err := p.Get(i)
						if err != nil {
							errs <- err
							return
						}
						if v[0] != vectors[i][0] {
							errs <- assert.AnError
							return
						}
					}
				}()
			}
			wg.Wait()
			close(errs)
			for err := range errs {
				t.Errorf("%s/%s: %v", name, kind, err)
			}
		}
	}
}

func TestCompressedStreamCostGrowsWithIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fvecs.gz")
	require.NoError(t, dataset.WriteFile(path, fixture(50, 4)))

	s, err := OpenStream(context.Background(), path, 0)
	require.NoError(t, err)
	defer s.Close()

	var prev int64 = -1
	for _, i := range []int{0, 1, 2, 10, 25, 49} {
		before := s.RecordsScanned()
		_, err := s.Get(i)
		require.NoError(t, err)
		cost := s.RecordsScanned() - before

		assert.Equal(t, int64(i+1), cost)
		assert.GreaterOrEqual(t, cost, prev)
		prev = cost
	}
}

func TestUncompressedStreamIsDirect(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fvecs")
	require.NoError(t, dataset.WriteFile(path, fixture(50, 4)))

	s, err := OpenStream(context.Background(), path, 0)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Get(49)
	require.NoError(t, err)
	assert.Zero(t, s.RecordsScanned())
	assert.False(t, s.Info().Format.Compressed())
}

func TestStreamClosed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fvecs")
	require.NoError(t, dataset.WriteFile(path, fixture(2, 2)))

	s, err := OpenStream(context.Background(), path, 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(0)
	assert.Error(t, err)
}

func TestBoltReusesStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.fvecs")
	store := filepath.Join(dir, "base.bolt")
	vectors := fixture(30, 4)
	require.NoError(t, dataset.WriteFile(path, vectors))

	b, err := OpenBolt(context.Background(), path, 0, WithStorePath(store))
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = OpenBolt(context.Background(), path, 0, WithStorePath(store))
	require.NoError(t, err)
	defer b.Close()

	assert.Equal(t, 30, b.Size())
	v, err := b.Get(29)
	require.NoError(t, err)
	assert.Equal(t, vectors[29], v)
}

func TestBoltRebuildsOnDifferentLimit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "base.fvecs")
	store := filepath.Join(dir, "base.bolt")
	require.NoError(t, dataset.WriteFile(path, fixture(30, 4)))

	b, err := OpenBolt(context.Background(), path, 10, WithStorePath(store))
	require.NoError(t, err)
	assert.Equal(t, 10, b.Size())
	require.NoError(t, b.Close())

	b, err = OpenBolt(context.Background(), path, 0, WithStorePath(store))
	require.NoError(t, err)
	defer b.Close()
	assert.Equal(t, 30, b.Size())
}

func TestMemoryBudget(t *testing.T) {
	path := filepath.Join(t.TempDir(), "base.fvecs")
	require.NoError(t, dataset.WriteFile(path, fixture(100, 8)))

	ctrl := resource.NewController(resource.Limits{MemoryBytes: 1024})
	_, err := LoadMemory(context.Background(), path, 0, WithController(ctrl))
	var be *resource.ErrBudgetExceeded
	require.ErrorAs(t, err, &be)
	assert.Zero(t, ctrl.Reserved())

	m, err := LoadMemory(context.Background(), path, 32, WithController(ctrl))
	require.NoError(t, err)
	assert.Equal(t, int64(32*8*4), ctrl.Reserved())

	require.NoError(t, m.Close())
	assert.Zero(t, ctrl.Reserved())
}

func TestNewMemory(t *testing.T) {
	m := NewMemory(fixture(3, 2))
	assert.Equal(t, 3, m.Size())
	assert.Equal(t, 2, m.Dimension())

	_, err := m.Get(3)
	var oob *dataset.ErrOutOfBounds
	assert.ErrorAs(t, err, &oob)
}

func TestParseKind(t *testing.T) {
	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindStream, k)

	k, err = ParseKind("bolt")
	require.NoError(t, err)
	assert.Equal(t, KindBolt, k)

	_, err = ParseKind("mapdb")
	assert.Error(t, err)
}

func TestGroundTruth(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gt.ivecs")
	require.NoError(t, dataset.WriteIntsFile(path, [][]int32{{1, 2, 3}, {4, 5, 6}}))

	gt, err := LoadGroundTruth(path, 0)
	require.NoError(t, err)
	assert.Equal(t, [][]int32{{1, 2, 3}, {4, 5, 6}}, gt)
	assert.Equal(t, 3, Depth(gt))
	assert.Zero(t, Depth(nil))
}
