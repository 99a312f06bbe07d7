package heap

import "container/heap"

// PriorityQueue is a min-queue ordered by lessFunc. The zero value is not
// usable; construct with New.
type PriorityQueue[T any] struct {
	inner innerHeap[T]
}

type innerHeap[T any] struct {
	items    []T
	lessFunc func(a, b T) bool
}

func New[T any](lessFunc func(a, b T) bool) *PriorityQueue[T] {
	return &PriorityQueue[T]{inner: innerHeap[T]{lessFunc: lessFunc}}
}

func (pq *PriorityQueue[T]) Len() int { return len(pq.inner.items) }

func (pq *PriorityQueue[T]) Push(value T) {
	heap.Push(&pq.inner, value)
}

func (pq *PriorityQueue[T]) Pop() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	return heap.Pop(&pq.inner).(T), true
}

func (pq *PriorityQueue[T]) Peek() (T, bool) {
	if pq.Len() == 0 {
		var zero T
		return zero, false
	}

	return pq.inner.items[0], true
}

func (h innerHeap[T]) Len() int { return len(h.items) }

func (h innerHeap[T]) Less(i, j int) bool {
	return h.lessFunc(h.items[i], h.items[j])
}

func (h innerHeap[T]) Swap(i, j int) {
	h.items[i], h.items[j] = h.items[j], h.items[i]
}

func (h *innerHeap[T]) Push(x any) {
	h.items = append(h.items, x.(T))
}

func (h *innerHeap[T]) Pop() any {
	old := h.items
	n := len(old)
	item := old[n-1]
	h.items = old[:n-1]
	return item
}
