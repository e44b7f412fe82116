package relay

import "sync"

// Registry maps a session to its single live subscription handle.
type Registry struct {
	mu sync.Mutex
	m  map[SessionID]*Handle
}

func NewRegistry() *Registry {
	return &Registry{m: make(map[SessionID]*Handle)}
}

// TryRegister inserts h only if id has no entry.
func (r *Registry) TryRegister(id SessionID, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.m[id]; ok {
		return false
	}
	r.m[id] = h
	return true
}

// Remove deletes id's entry only if it is still h.
func (r *Registry) Remove(id SessionID, h *Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.m[id]; !ok || cur != h {
		return false
	}
	delete(r.m, id)
	return true
}

func (r *Registry) Get(id SessionID) (*Handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.m[id]
	return h, ok
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.m)
}

// Snapshot copies the current entries.
func (r *Registry) Snapshot() map[SessionID]*Handle {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[SessionID]*Handle, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}
