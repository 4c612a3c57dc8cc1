package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/storage"
)

// WithdrawalStore is an in-memory implementation of storage.WithdrawalStore.
type WithdrawalStore struct {
	mu   sync.RWMutex
	data map[string]*domain.WithdrawalInfo // keyed by id
}

// NewWithdrawalStore creates a new in-memory withdrawal store.
func NewWithdrawalStore() *WithdrawalStore {
	return &WithdrawalStore{
		data: make(map[string]*domain.WithdrawalInfo),
	}
}

var _ storage.WithdrawalStore = (*WithdrawalStore)(nil)

// Insert adds a new withdrawal. Returns ErrDuplicateKey if the ID exists.
func (s *WithdrawalStore) Insert(_ context.Context, w *domain.WithdrawalInfo) error {
	if w == nil || w.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.data[w.ID]; exists {
		return storage.ErrDuplicateKey
	}

	withdrawalCopy := *w
	s.data[w.ID] = &withdrawalCopy
	return nil
}

// GetByID retrieves a withdrawal. Returns ErrNotFound if not exists.
func (s *WithdrawalStore) GetByID(_ context.Context, id string) (*domain.WithdrawalInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	w, exists := s.data[id]
	if !exists {
		return nil, storage.ErrNotFound
	}

	withdrawalCopy := *w
	return &withdrawalCopy, nil
}

// Update persists the withdrawal after a state change, enforcing legal edges
// against the stored status.
func (s *WithdrawalStore) Update(_ context.Context, w *domain.WithdrawalInfo) error {
	if w == nil || w.ID == "" {
		return storage.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.data[w.ID]
	if !exists {
		return storage.ErrNotFound
	}
	if current.Status != w.Status && !current.Status.CanTransitionTo(w.Status) {
		return fmt.Errorf("%s -> %s: %w", current.Status, w.Status, storage.ErrInvalidTransition)
	}

	withdrawalCopy := *w
	s.data[w.ID] = &withdrawalCopy
	return nil
}

// ListByStatus retrieves withdrawals in a given status, oldest first.
func (s *WithdrawalStore) ListByStatus(_ context.Context, status domain.WithdrawalStatus, limit int) ([]*domain.WithdrawalInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*domain.WithdrawalInfo
	for _, w := range s.data {
		if w.Status == status {
			withdrawalCopy := *w
			result = append(result, &withdrawalCopy)
		}
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt != result[j].CreatedAt {
			return result[i].CreatedAt < result[j].CreatedAt
		}
		return result[i].ID < result[j].ID
	})

	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}
