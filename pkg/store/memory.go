package store

import (
	"context"
	"sync"
	"time"

	"github.com/guardline-labs/secureop/pkg/contracts"
)

// MemoryStore is the in-process TxStore used by tests and single-node
// deployments without a database.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[uint64]*contracts.TxRecord
	order   []uint64
	nextID  uint64
	nonces  map[contracts.Address]map[uint64]bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[uint64]*contracts.TxRecord),
		nextID:  1,
		nonces:  make(map[contracts.Address]map[uint64]bool),
	}
}

func (s *MemoryStore) Append(ctx context.Context, rec *contracts.TxRecord) (uint64, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++

	stored := rec.Clone()
	stored.TxID = id
	s.records[id] = stored
	s.order = append(s.order, id)

	rec.TxID = id
	return id, nil
}

func (s *MemoryStore) Get(ctx context.Context, txID uint64) (*contracts.TxRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[txID]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, txID uint64, expect, to contracts.TxStatus, resolvedAt time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[txID]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != expect {
		return ErrStatusConflict
	}
	rec.Status = to
	if to.Resolved() {
		t := resolvedAt
		rec.ResolvedAt = &t
	}
	return nil
}

func (s *MemoryStore) List(ctx context.Context, offset, count int) ([]*contracts.TxRecord, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	if offset < 0 {
		offset = 0
	}
	if offset >= len(s.order) {
		return nil, nil
	}
	end := len(s.order)
	if count > 0 && offset+count < end {
		end = offset + count
	}

	out := make([]*contracts.TxRecord, 0, end-offset)
	for _, id := range s.order[offset:end] {
		out = append(out, s.records[id].Clone())
	}
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context) (int, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.order), nil
}

func (s *MemoryStore) ConsumeNonce(ctx context.Context, signer contracts.Address, nonce uint64) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	key := signer.Normalize()
	used, ok := s.nonces[key]
	if !ok {
		used = make(map[uint64]bool)
		s.nonces[key] = used
	}
	if used[nonce] {
		return ErrNonceUsed
	}
	used[nonce] = true
	return nil
}

func (s *MemoryStore) NextNonce(ctx context.Context, signer contracts.Address) (uint64, error) {
	_ = ctx
	s.mu.RLock()
	defer s.mu.RUnlock()

	var next uint64
	for n := range s.nonces[signer.Normalize()] {
		if n+1 > next {
			next = n + 1
		}
	}
	return next, nil
}
