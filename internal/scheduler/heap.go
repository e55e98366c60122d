package scheduler

// Wake-up bookkeeping for lanes whose head entry is waiting out a backoff.
//
// Each waiting lane has one item keyed by conversation id. The timer
// goroutine peeks the root (the soonest NextAttemptAt), sleeps until then
// and fires a selection pass. Rescheduling a lane replaces its item, so the
// heap never holds more items than there are lanes.

import "container/heap"

type item struct {
	lane  string // conversation id
	dueAt int64  // sort key, UTC milliseconds

	// heapIdx is maintained by minHeap.Swap so a lane can be removed in
	// O(log N) when it is rescheduled or cancelled.
	heapIdx int
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The smallest dueAt sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	if h[i].dueAt != h[j].dueAt {
		return h[i].dueAt < h[j].dueAt
	}
	return h[i].lane < h[j].lane
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	it := x.(*item)
	it.heapIdx = len(*h)
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil  // allow GC
	it.heapIdx = -1 // mark as not in heap
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
