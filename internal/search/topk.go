package search

import "container/heap"

// ranksBefore orders matches by distance, then by id.
func ranksBefore(a, b Match) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// matchMaxHeap keeps the worst retained match at the root.
type matchMaxHeap []Match

func (h matchMaxHeap) Len() int           { return len(h) }
func (h matchMaxHeap) Less(i, j int) bool { return ranksBefore(h[j], h[i]) }
func (h matchMaxHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *matchMaxHeap) Push(x any)        { *h = append(*h, x.(Match)) }
func (h *matchMaxHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func pushTopK(h *matchMaxHeap, item Match, topK int) {
	if topK <= 0 {
		return
	}
	if h.Len() < topK {
		heap.Push(h, item)
		return
	}
	if !ranksBefore(item, (*h)[0]) {
		return
	}
	(*h)[0] = item
	heap.Fix(h, 0)
}

func heapToAscending(h *matchMaxHeap) []Match {
	out := make([]Match, h.Len())
	for i := len(out) - 1; i >= 0; i-- {
		out[i] = heap.Pop(h).(Match)
	}
	return out
}
