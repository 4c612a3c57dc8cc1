package memory

import (
	"context"
	"sort"
	"sync"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/storage"
)

// BalanceSyncStore is an in-memory implementation of storage.BalanceSyncStore.
type BalanceSyncStore struct {
	mu   sync.RWMutex
	data []*domain.BalanceSync
}

// NewBalanceSyncStore creates a new in-memory balance sync history store.
func NewBalanceSyncStore() *BalanceSyncStore {
	return &BalanceSyncStore{}
}

var _ storage.BalanceSyncStore = (*BalanceSyncStore)(nil)

// InsertBulk appends the rows of one sweep.
func (s *BalanceSyncStore) InsertBulk(_ context.Context, syncs []*domain.BalanceSync) error {
	for _, b := range syncs {
		if b == nil || b.Address == "" {
			return storage.ErrInvalidInput
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, b := range syncs {
		syncCopy := *b
		s.data = append(s.data, &syncCopy)
	}
	return nil
}

// GetLatestByAddress retrieves the most recent sync row per asset for an
// address.
func (s *BalanceSyncStore) GetLatestByAddress(_ context.Context, address string) ([]*domain.BalanceSync, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	latest := make(map[string]*domain.BalanceSync)
	for _, b := range s.data {
		if b.Address != address {
			continue
		}
		if cur, ok := latest[b.AssetSymbol]; !ok || b.LastSynced > cur.LastSynced {
			latest[b.AssetSymbol] = b
		}
	}

	result := make([]*domain.BalanceSync, 0, len(latest))
	for _, b := range latest {
		syncCopy := *b
		result = append(result, &syncCopy)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].AssetSymbol < result[j].AssetSymbol
	})
	return result, nil
}
