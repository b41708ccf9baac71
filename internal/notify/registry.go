package notify

import "sync"

type registration[T any] struct {
	id int
	fn T
}

// Registry keeps callbacks in registration order. Callers take a Snapshot
// and invoke it outside their own locks.
type Registry[T any] struct {
	mu      sync.Mutex
	nextId  int
	entries []registration[T]
}

// Add registers fn and returns a func that unregisters it.
func (r *Registry[T]) Add(fn T) func() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextId++
	id := r.nextId
	r.entries = append(r.entries, registration[T]{id: id, fn: fn})

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()

		for i, e := range r.entries {
			if e.id == id {
				r.entries = append(r.entries[:i:i], r.entries[i+1:]...)
				return
			}
		}
	}
}

func (r *Registry[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.fn
	}
	return out
}

func (r *Registry[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
