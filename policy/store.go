package policy

import (
	"context"
	"sort"
	"sync"
)

// Store persists policy definitions.
type Store interface {
	// ListActive returns active policies in scope, or in every scope when
	// scope is empty.
	ListActive(ctx context.Context, scope Scope) ([]*Policy, error)
	// List returns every policy, active or not.
	List(ctx context.Context) ([]*Policy, error)
	Get(ctx context.Context, name string) (*Policy, error)
	// Put atomically creates or replaces the policy with p.Name.
	Put(ctx context.Context, p *Policy) error
	Delete(ctx context.Context, name string) error
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu       sync.RWMutex
	policies map[string]*Policy
}

// NewMemoryStore returns a store seeded with policies.
func NewMemoryStore(policies ...*Policy) (*MemoryStore, error) {
	s := &MemoryStore{policies: map[string]*Policy{}}
	for _, p := range policies {
		if err := s.Put(context.Background(), p); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// ListActive implements Store.
func (s *MemoryStore) ListActive(_ context.Context, scope Scope) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Policy
	for _, p := range s.policies {
		if !p.Active || (scope != "" && p.Scope != scope) {
			continue
		}
		out = append(out, p.Clone())
	}
	sortSet(out)
	return out, nil
}

// List implements Store.
func (s *MemoryStore) List(_ context.Context) ([]*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Policy, 0, len(s.policies))
	for _, p := range s.policies {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, name string) (*Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.policies[name]
	if !ok {
		return nil, ErrNotFound
	}
	return p.Clone(), nil
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, p *Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.policies[p.Name] = p.Clone()
	s.mu.Unlock()
	return nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.policies[name]; !ok {
		return ErrNotFound
	}
	delete(s.policies, name)
	return nil
}
