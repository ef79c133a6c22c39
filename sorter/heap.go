package sorter

// minHeap is an array-backed binary heap ordered by less.
type minHeap[T any] struct {
	items []T
	less  func(a, b T) bool
}

func newMinHeap[T any](capacity int, less func(a, b T) bool) *minHeap[T] {
	return &minHeap[T]{
		items: make([]T, 0, capacity),
		less:  less,
	}
}

func (h *minHeap[T]) Len() int {
	return len(h.items)
}

func (h *minHeap[T]) Push(v T) {
	h.items = append(h.items, v)
	h.up(len(h.items) - 1)
}

// Pop removes and returns the smallest item. The heap must not be empty.
func (h *minHeap[T]) Pop() T {
	top := h.items[0]
	last := len(h.items) - 1

	h.items[0] = h.items[last]

	var zero T
	h.items[last] = zero
	h.items = h.items[:last]

	if last > 0 {
		h.down(0)
	}

	return top
}

func (h *minHeap[T]) up(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !h.less(h.items[i], h.items[parent]) {
			break
		}
		h.items[i], h.items[parent] = h.items[parent], h.items[i]
		i = parent
	}
}

func (h *minHeap[T]) down(i int) {
	n := len(h.items)

	for {
		smallest := i
		left := 2*i + 1
		right := left + 1

		if left < n && h.less(h.items[left], h.items[smallest]) {
			smallest = left
		}
		if right < n && h.less(h.items[right], h.items[smallest]) {
			smallest = right
		}

		if smallest == i {
			return
		}

		h.items[i], h.items[smallest] = h.items[smallest], h.items[i]
		i = smallest
	}
}
