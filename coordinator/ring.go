package coordinator

// Ring is a bounded FIFO set of idempotency keys. When full, observing
// a new key evicts the oldest one. Membership is O(1) via a side map.
type Ring struct {
	slots []string
	index map[string]struct{}
	head  int
	size  int
}

// NewRing returns a ring holding at most capacity keys. Capacity must
// be positive.
func NewRing(capacity int) *Ring {
	if capacity < 1 {
		capacity = 1
	}
	return &Ring{
		slots: make([]string, capacity),
		index: make(map[string]struct{}, capacity),
	}
}

// Observe records key and reports whether it was already present.
func (r *Ring) Observe(key string) (seen bool) {
	if _, ok := r.index[key]; ok {
		return true
	}
	if r.size == len(r.slots) {
		delete(r.index, r.slots[r.head])
	} else {
		r.size++
	}
	r.slots[r.head] = key
	r.index[key] = struct{}{}
	r.head = (r.head + 1) % len(r.slots)
	return false
}

// Contains reports membership without recording the key.
func (r *Ring) Contains(key string) bool {
	_, ok := r.index[key]
	return ok
}

// Len is the number of keys currently held.
func (r *Ring) Len() int { return r.size }
