package ledger

import (
	"context"
	"fmt"
	"sync"
)

// MemoryLedger is an in-process Client used by tests and local mode. It
// enforces the same idempotency contract as the real ledger: a reused key is
// a no-op returning the original posting.
type MemoryLedger struct {
	mu       sync.RWMutex
	byKey    map[string]*storedPosting
	balances map[string]int64 // userID|asset -> available
	seq      int
}

type storedPosting struct {
	id      string
	posting Posting
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		byKey:    make(map[string]*storedPosting),
		balances: make(map[string]int64),
	}
}

var _ Client = (*MemoryLedger)(nil)

func balanceKey(userID, assetSymbol string) string {
	return userID + "|" + assetSymbol
}

// CreatePosting appends a posting, or no-ops on a reused idempotency key.
func (l *MemoryLedger) CreatePosting(_ context.Context, p Posting) (*PostingResult, error) {
	if p.IdempotencyKey == "" {
		return nil, fmt.Errorf("idempotency key required")
	}
	if p.Amount <= 0 {
		return nil, fmt.Errorf("posting amount must be positive, got %d", p.Amount)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if existing, ok := l.byKey[p.IdempotencyKey]; ok {
		return &PostingResult{ID: existing.id, Duplicate: true}, nil
	}

	l.seq++
	sp := &storedPosting{
		id:      fmt.Sprintf("posting-%d", l.seq),
		posting: p,
	}
	l.byKey[p.IdempotencyKey] = sp

	key := balanceKey(p.UserID, p.AssetSymbol)
	switch p.Direction {
	case Credit:
		l.balances[key] += p.Amount
	case Debit:
		l.balances[key] -= p.Amount
	default:
		l.seq--
		delete(l.byKey, p.IdempotencyKey)
		return nil, fmt.Errorf("unknown direction %q", p.Direction)
	}

	return &PostingResult{ID: sp.id}, nil
}

// GetAvailableBalance returns the aggregate balance for a user/asset.
func (l *MemoryLedger) GetAvailableBalance(_ context.Context, userID, assetSymbol string) (int64, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.balances[balanceKey(userID, assetSymbol)], nil
}

// SetBalance seeds a balance directly. Test helper.
func (l *MemoryLedger) SetBalance(userID, assetSymbol string, amount int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[balanceKey(userID, assetSymbol)] = amount
}

// PostingCount returns the number of distinct postings accepted.
func (l *MemoryLedger) PostingCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.byKey)
}

// PostingByKey returns the posting stored under an idempotency key.
func (l *MemoryLedger) PostingByKey(key string) (Posting, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	sp, ok := l.byKey[key]
	if !ok {
		return Posting{}, false
	}
	return sp.posting, true
}
