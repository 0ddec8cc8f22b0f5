package syncstate

import (
	"container/heap"
	"time"

	"flowsync/internal/models"
)

type retryItem struct {
	entry models.RetryEntry
	index int
}

// retryHeap is a min-heap on next-retry-at.
type retryHeap []*retryItem

func (h retryHeap) Len() int { return len(h) }

func (h retryHeap) Less(i, j int) bool {
	return h[i].entry.NextRetryAt.Before(h[j].entry.NextRetryAt)
}

func (h retryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *retryHeap) Push(x any) {
	it := x.(*retryItem)
	it.index = len(*h)
	*h = append(*h, it)
}

func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	*h = old[:n-1]
	return it
}

func (h *retryHeap) push(it *retryItem) { heap.Push(h, it) }

func (h *retryHeap) fix(it *retryItem) { heap.Fix(h, it.index) }

func (h *retryHeap) remove(it *retryItem) {
	if it.index >= 0 && it.index < h.Len() {
		heap.Remove(h, it.index)
	}
}

// due collects entries with next-retry-at <= now. Every ancestor of a due
// node is due too, so the walk only descends into due subtrees.
func (h retryHeap) due(now time.Time) []models.RetryEntry {
	var out []models.RetryEntry
	stack := []int{0}
	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if i >= len(h) || h[i].entry.NextRetryAt.After(now) {
			continue
		}
		out = append(out, h[i].entry)
		stack = append(stack, 2*i+1, 2*i+2)
	}
	return out
}
