package memory

import (
	"context"
	"sort"
	"sync"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/storage"
)

// ChainTxStore is an in-memory implementation of storage.ChainTxStore.
type ChainTxStore struct {
	mu   sync.RWMutex
	data map[string]*domain.ChainTxRecord // keyed by signature
}

// NewChainTxStore creates a new in-memory chain transaction store.
func NewChainTxStore() *ChainTxStore {
	return &ChainTxStore{
		data: make(map[string]*domain.ChainTxRecord),
	}
}

var _ storage.ChainTxStore = (*ChainTxStore)(nil)

// Insert adds a new record. Returns ErrDuplicateKey if the signature exists.
func (s *ChainTxStore) Insert(_ context.Context, r *domain.ChainTxRecord) error {
	if r == nil || r.Signature == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[r.Signature]; exists {
		return storage.ErrDuplicateKey
	}

	// Store a copy to prevent external mutation
	recordCopy := *r
	s.data[r.Signature] = &recordCopy
	return nil
}

// GetBySignature retrieves a record. Returns ErrNotFound if not exists.
func (s *ChainTxStore) GetBySignature(_ context.Context, signature string) (*domain.ChainTxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, exists := s.data[signature]
	if !exists {
		return nil, storage.ErrNotFound
	}

	recordCopy := *r
	return &recordCopy, nil
}

// UpdateStatus moves a PENDING record to CONFIRMED or FAILED.
func (s *ChainTxStore) UpdateStatus(_ context.Context, signature string, status domain.TxStatus, confirmedAt int64) error {
	if status != domain.TxStatusConfirmed && status != domain.TxStatusFailed {
		return storage.ErrInvalidTransition
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.data[signature]
	if !exists {
		return storage.ErrNotFound
	}
	if r.Status != domain.TxStatusPending {
		return storage.ErrInvalidTransition
	}

	r.Status = status
	r.ConfirmedAt = confirmedAt
	return nil
}

// ListByUser retrieves records for a user ordered by created_at DESC.
func (s *ChainTxStore) ListByUser(_ context.Context, userID string, limit int) ([]*domain.ChainTxRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.ChainTxRecord
	for _, r := range s.data {
		if r.UserID == userID {
			recordCopy := *r
			result = append(result, &recordCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt > result[j].CreatedAt
		}
		return result[i].Signature > result[j].Signature
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// Len returns the number of stored records.
func (s *ChainTxStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}
