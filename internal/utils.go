package internal

import "sync"

// ClaimSet tracks identifiers currently owned by a worker.
type ClaimSet struct {
	mu sync.Mutex
	v  map[string]bool
}

func NewClaimSet() *ClaimSet {
	return &ClaimSet{v: make(map[string]bool)}
}

// Claim marks id as taken. It returns false if another caller holds it.
func (s *ClaimSet) Claim(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.v[id] {
		return false
	}
	s.v[id] = true
	return true
}

// Release gives id back.
func (s *ClaimSet) Release(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.v, id)
}

// Len is the number of ids currently claimed.
func (s *ClaimSet) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.v)
}
