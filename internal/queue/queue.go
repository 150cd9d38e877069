// Package queue provides a bounded priority queue for k-nearest selection.
package queue

// Candidate is a vector id and its distance to the query.
type Candidate struct {
	ID       int32
	Distance float32
}

// TopK keeps the k candidates with the smallest distance. The farthest retained
// candidate sits on top, so a closer one can replace it in O(log k).
type TopK struct {
	k     int
	items []Candidate
}

// NewTopK returns an empty queue bounded to k candidates.
func NewTopK(k int) *TopK {
	return &TopK{
		k:     k,
		items: make([]Candidate, 0, max(k, 0)),
	}
}

// Len returns the number of retained candidates.
func (q *TopK) Len() int { return len(q.items) }

// Full reports whether k candidates are retained.
func (q *TopK) Full() bool { return len(q.items) >= q.k }

// Worst returns the farthest retained candidate.
func (q *TopK) Worst() (Candidate, bool) {
	if len(q.items) == 0 {
		return Candidate{}, false
	}
	return q.items[0], true
}

// Offer adds c when the queue has room or c is closer than the current worst.
// It reports whether c was retained.
func (q *TopK) Offer(c Candidate) bool {
	if q.k <= 0 {
		return false
	}
	if len(q.items) < q.k {
		q.items = append(q.items, c)
		q.siftUp(len(q.items) - 1)
		return true
	}
	if c.Distance >= q.items[0].Distance {
		return false
	}
	q.items[0] = c
	q.siftDown(0)
	return true
}

// Items returns the retained candidates in heap order. The slice is owned by the
// queue until the next Offer or Reset.
func (q *TopK) Items() []Candidate { return q.items }

// Drain empties the queue and returns the candidates ordered nearest first.
func (q *TopK) Drain() []Candidate {
	out := make([]Candidate, len(q.items))
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = q.pop()
	}
	return out
}

// Reset clears the queue for reuse with the same bound.
func (q *TopK) Reset() {
	q.items = q.items[:0]
}

func (q *TopK) pop() Candidate {
	n := len(q.items)
	root := q.items[0]
	q.items[0] = q.items[n-1]
	q.items = q.items[:n-1]
	if n-1 > 0 {
		q.siftDown(0)
	}
	return root
}

func (q *TopK) less(i, j int) bool {
	return q.items[i].Distance > q.items[j].Distance
}

func (q *TopK) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !q.less(i, p) {
			return
		}
		q.items[i], q.items[p] = q.items[p], q.items[i]
		i = p
	}
}

func (q *TopK) siftDown(i int) {
	n := len(q.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		if r := l + 1; r < n && q.less(r, l) {
			best = r
		}
		if !q.less(best, i) {
			return
		}
		q.items[i], q.items[best] = q.items[best], q.items[i]
		i = best
	}
}
