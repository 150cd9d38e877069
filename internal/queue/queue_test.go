package queue

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/annbench/testutil"
)

func TestTopKKeepsNearest(t *testing.T) {
	rng := testutil.NewRNG(42)
	const n, k = 500, 10

	q := NewTopK(k)
	all := make([]Candidate, n)
	for i := range all {
		all[i] = Candidate{ID: int32(i), Distance: float32(rng.Intn(10_000))}
		q.Offer(all[i])
	}
	require.True(t, q.Full())

	sort.SliceStable(all, func(i, j int) bool { return all[i].Distance < all[j].Distance })
	got := q.Drain()
	require.Len(t, got, k)
	for i := range got {
		assert.Equal(t, all[i].Distance, got[i].Distance, "position %d", i)
	}
	assert.Zero(t, q.Len())
}

func TestTopKWorstAndReject(t *testing.T) {
	q := NewTopK(2)
	_, ok := q.Worst()
	assert.False(t, ok)

	assert.True(t, q.Offer(Candidate{ID: 1, Distance: 1}))
	assert.True(t, q.Offer(Candidate{ID: 2, Distance: 5}))
	w, _ := q.Worst()
	assert.Equal(t, int32(2), w.ID)

	assert.False(t, q.Offer(Candidate{ID: 3, Distance: 5}), "ties with the worst are rejected")
	assert.True(t, q.Offer(Candidate{ID: 4, Distance: 2}))
	w, _ = q.Worst()
	assert.Equal(t, int32(4), w.ID)

	q.Reset()
	assert.Zero(t, q.Len())
}

func TestTopKZeroBound(t *testing.T) {
	q := NewTopK(0)
	assert.False(t, q.Offer(Candidate{ID: 1}))
	assert.Empty(t, q.Drain())
}
