package token

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Store persists token records. Update is a compare-and-swap on Version:
// it succeeds only when the stored version equals r.Version, and on
// success the stored and passed versions are both incremented.
type Store interface {
	Get(ctx context.Context, serial string) (*Record, error)
	ListByOwner(ctx context.Context, owner Owner) ([]*Record, error)
	Create(ctx context.Context, r *Record) error
	Update(ctx context.Context, r *Record) error
	Delete(ctx context.Context, serial string) error
}

// OwnerMatches reports whether a record assigned to have answers a lookup for
// want. Empty resolver or realm on want matches any.
func OwnerMatches(have, want Owner) bool {
	if have.UserID == "" || have.UserID != want.UserID {
		return false
	}
	if want.Realm != "" && !strings.EqualFold(have.Realm, want.Realm) {
		return false
	}
	if want.Resolver != "" && have.Resolver != want.Resolver {
		return false
	}
	return true
}

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*Record{}}
}

func (s *MemoryStore) Get(_ context.Context, serial string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[serial]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, owner Owner) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Record
	for _, r := range s.records {
		if OwnerMatches(r.Owner, owner) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Serial < out[j].Serial })
	return out, nil
}

func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[r.Serial]; ok {
		return ErrExists
	}
	r.Version = 1
	s.records[r.Serial] = r.Clone()
	return nil
}

func (s *MemoryStore) Update(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.records[r.Serial]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != r.Version {
		return ErrVersionConflict
	}
	r.Version++
	s.records[r.Serial] = r.Clone()
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[serial]; !ok {
		return ErrNotFound
	}
	delete(s.records, serial)
	return nil
}
