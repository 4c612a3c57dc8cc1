package storage

import (
	"context"

	"solana-custody-engine/internal/domain"
)

// ChainTxStore provides access to chain_tx_records storage: one row per
// blockchain transaction the system has ever processed. Append-only except
// for the PENDING -> CONFIRMED/FAILED settlement transition of withdrawals.
type ChainTxStore interface {
	// Insert adds a new record. Returns ErrDuplicateKey if the signature
	// already exists.
	Insert(ctx context.Context, r *domain.ChainTxRecord) error

	// GetBySignature retrieves a record. Returns ErrNotFound if not exists.
	GetBySignature(ctx context.Context, signature string) (*domain.ChainTxRecord, error)

	// UpdateStatus moves a record from PENDING to CONFIRMED or FAILED and
	// stamps confirmedAt (ms). Returns ErrNotFound if the signature is
	// unknown and ErrInvalidTransition if the record is not PENDING.
	UpdateStatus(ctx context.Context, signature string, status domain.TxStatus, confirmedAt int64) error

	// ListByUser retrieves records for a user ordered by created_at DESC.
	ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ChainTxRecord, error)
}

// WithdrawalStore provides access to withdrawal orchestration state.
type WithdrawalStore interface {
	// Insert adds a new withdrawal. Returns ErrDuplicateKey if the ID exists.
	Insert(ctx context.Context, w *domain.WithdrawalInfo) error

	// GetByID retrieves a withdrawal. Returns ErrNotFound if not exists.
	GetByID(ctx context.Context, id string) (*domain.WithdrawalInfo, error)

	// Update persists the withdrawal after a state change. The new status
	// must be reachable from the stored status; otherwise
	// ErrInvalidTransition.
	Update(ctx context.Context, w *domain.WithdrawalInfo) error

	// ListByStatus retrieves withdrawals in a given status, oldest first.
	ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit int) ([]*domain.WithdrawalInfo, error)
}

// BalanceSyncStore keeps the reconciliation report history. Append-only,
// timeseries-shaped: every sweep appends its rows.
type BalanceSyncStore interface {
	// InsertBulk appends the rows of one sweep.
	InsertBulk(ctx context.Context, syncs []*domain.BalanceSync) error

	// GetLatestByAddress retrieves the most recent sync rows per asset for
	// an address.
	GetLatestByAddress(ctx context.Context, address string) ([]*domain.BalanceSync, error)
}
