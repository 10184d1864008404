package scheduler

import "container/heap"

// taskHeap is a container/heap.Interface ordering Tasks by priority
// value (smaller first) with FIFO order within a priority class via
// the monotonic seq tie-breaker.
type taskHeap []*Task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) {
	*h = append(*h, x.(*Task))
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// pushTask and popTask wrap container/heap's package-level functions so
// callers never forget heap.Init/Fix invariants.
func pushTask(h *taskHeap, t *Task) { heap.Push(h, t) }

func popTask(h *taskHeap) *Task {
	if h.Len() == 0 {
		return nil
	}
	return heap.Pop(h).(*Task)
}
