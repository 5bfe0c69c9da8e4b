package app

import "sync"

// signatureRing remembers the last capacity signatures. Older entries are evicted first.
type signatureRing struct {
	mu       sync.Mutex
	capacity int
	order    []string
	members  map[string]struct{}
}

func newSignatureRing(capacity int) *signatureRing {
	if capacity <= 0 {
		capacity = 1024
	}
	return &signatureRing{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		members:  make(map[string]struct{}, capacity),
	}
}

func (r *signatureRing) Contains(signature string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.members[signature]
	return ok
}

func (r *signatureRing) Add(signature string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.members[signature]; ok {
		return
	}
	if len(r.order) == r.capacity {
		oldest := r.order[0]
		r.order = r.order[1:]
		delete(r.members, oldest)
	}
	r.order = append(r.order, signature)
	r.members[signature] = struct{}{}
}
