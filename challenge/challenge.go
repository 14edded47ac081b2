package challenge

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

var (
	ErrNotFound = errors.New("challenge not found")
	ErrExpired  = errors.New("challenge expired")
	ErrExists   = errors.New("challenge already exists")
	ErrBackend  = errors.New("challenge store backend unavailable")
)

// Record is one pending challenge for one token. Several records may share
// a transaction id when a PIN triggered challenges on more than one token.
type Record struct {
	TransactionID string    `json:"transaction_id"`
	Serial        string    `json:"serial"`
	Payload       string    `json:"payload,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	Consumed      bool      `json:"consumed,omitempty"`
}

// Expired reports whether the validity window has passed at now.
func (r *Record) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Store persists challenge records.
//
// Consume atomically claims every unconsumed record for a transaction id and
// marks them consumed, so a second Consume of the same id always yields
// ErrNotFound. It returns the records that are still inside their validity
// window; if all claimed records were expired it returns ErrExpired.
type Store interface {
	Create(ctx context.Context, r *Record) error
	Consume(ctx context.Context, transactionID string, now time.Time) ([]*Record, error)
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// Claim applies the Consume result rules to the records a store just
// claimed.
func Claim(claimed []*Record, now time.Time) ([]*Record, error) {
	if len(claimed) == 0 {
		return nil, ErrNotFound
	}
	live := make([]*Record, 0, len(claimed))
	for _, r := range claimed {
		if !r.Expired(now) {
			live = append(live, r)
		}
	}
	if len(live) == 0 {
		return nil, ErrExpired
	}
	sort.Slice(live, func(i, j int) bool { return live[i].Serial < live[j].Serial })
	return live, nil
}

type key struct{ txid, serial string }

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[key]*Record
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[key]*Record{}}
}

func (s *MemoryStore) Create(_ context.Context, r *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key{r.TransactionID, r.Serial}
	if _, ok := s.records[k]; ok {
		return ErrExists
	}
	cp := *r
	s.records[k] = &cp
	return nil
}

func (s *MemoryStore) Consume(_ context.Context, transactionID string, now time.Time) ([]*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var claimed []*Record
	for k, r := range s.records {
		if k.txid != transactionID || r.Consumed {
			continue
		}
		r.Consumed = true
		cp := *r
		claimed = append(claimed, &cp)
	}
	return Claim(claimed, now)
}

func (s *MemoryStore) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, r := range s.records {
		if r.Consumed || r.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}
