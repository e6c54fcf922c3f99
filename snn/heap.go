package snn

import "container/heap"

// neighbor is a candidate neighbor during search. dist is the squared
// Euclidean distance to the query point.
type neighbor struct {
	idx  int32
	dist float64
}

// farther orders neighbors by (distance, index); the index component makes
// every k-nearest computation a total order and therefore deterministic.
func farther(a, b neighbor) bool {
	if a.dist != b.dist {
		return a.dist > b.dist
	}
	return a.idx > b.idx
}

// nearHeap is a bounded max-heap holding the k best candidates seen so far;
// the worst of them sits on top.
type nearHeap []neighbor

func (h nearHeap) Len() int            { return len(h) }
func (h nearHeap) Less(i, j int) bool  { return farther(h[i], h[j]) }
func (h nearHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *nearHeap) Push(x interface{}) { *h = append(*h, x.(neighbor)) }
func (h *nearHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// offer adds cand if the heap has room or cand beats the current worst.
func (h *nearHeap) offer(cand neighbor, k int) {
	if len(*h) < k {
		heap.Push(h, cand)
		return
	}
	if farther((*h)[0], cand) {
		(*h)[0] = cand
		heap.Fix(h, 0)
	}
}

// sorted drains the heap into ascending (distance, index) order.
func (h nearHeap) sorted() []neighbor {
	out := make([]neighbor, len(h))
	for i := len(h) - 1; i >= 0; i-- {
		out[i] = heap.Pop(&h).(neighbor)
	}
	return out
}

// candHeap is a min-heap of candidates to expand, closest first.
type candHeap []neighbor

func (h candHeap) Len() int            { return len(h) }
func (h candHeap) Less(i, j int) bool  { return farther(h[j], h[i]) }
func (h candHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x interface{}) { *h = append(*h, x.(neighbor)) }
func (h *candHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
