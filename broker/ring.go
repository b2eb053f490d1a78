package broker

// ring is a fixed-capacity FIFO that overwrites its oldest item when full.
// It is not safe for concurrent use; Subscription guards it.
type ring[T any] struct {
	items []T
	head  int // next read position
	size  int
}

func newRing[T any](capacity int) *ring[T] {
	if capacity <= 0 {
		capacity = 1
	}
	return &ring[T]{items: make([]T, capacity)}
}

// push appends item and reports whether the oldest item was dropped to make room.
func (r *ring[T]) push(item T) (dropped T, overflow bool) {
	if r.size == len(r.items) {
		dropped = r.items[r.head]
		r.items[r.head] = item
		r.head = (r.head + 1) % len(r.items)
		return dropped, true
	}
	r.items[(r.head+r.size)%len(r.items)] = item
	r.size++
	return dropped, false
}

func (r *ring[T]) pop() (T, bool) {
	var zero T
	if r.size == 0 {
		return zero, false
	}
	item := r.items[r.head]
	r.items[r.head] = zero
	r.head = (r.head + 1) % len(r.items)
	r.size--
	return item, true
}

func (r *ring[T]) len() int { return r.size }
