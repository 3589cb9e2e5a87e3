package ledger

// ring is a fixed-capacity FIFO buffer. When full, the oldest element is
// evicted to make room for new entries. It carries no lock of its own; the
// owning Ledger serialises all access.
type ring[T any] struct {
	items []T
	cap   int
	head  int // index of the oldest element
	count int // number of elements currently stored
}

// newRing creates a ring with the given capacity, clamped to at least 1.
func newRing[T any](capacity int) *ring[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &ring[T]{
		items: make([]T, capacity),
		cap:   capacity,
	}
}

// add inserts a value. If the ring is full, the oldest value is overwritten.
func (r *ring[T]) add(v T) {
	if r.count == r.cap {
		r.items[r.head] = v
		r.head = (r.head + 1) % r.cap
		return
	}
	r.items[(r.head+r.count)%r.cap] = v
	r.count++
}

// list returns all values in insertion order (oldest first).
func (r *ring[T]) list() []T {
	if r.count == 0 {
		return nil
	}
	result := make([]T, r.count)
	for i := 0; i < r.count; i++ {
		result[i] = r.items[(r.head+i)%r.cap]
	}
	return result
}

// tail returns the most recent n values in insertion order. n <= 0 or
// n >= len returns everything.
func (r *ring[T]) tail(n int) []T {
	all := r.list()
	if n <= 0 || n >= len(all) {
		return all
	}
	return all[len(all)-n:]
}

func (r *ring[T]) len() int { return r.count }

// reset empties the ring without reallocating.
func (r *ring[T]) reset() {
	var zero T
	for i := range r.items {
		r.items[i] = zero
	}
	r.head = 0
	r.count = 0
}
