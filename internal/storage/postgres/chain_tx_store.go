package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/storage"
)

// ChainTxStore implements storage.ChainTxStore using PostgreSQL.
type ChainTxStore struct {
	pool *Pool
}

// NewChainTxStore creates a new ChainTxStore.
func NewChainTxStore(pool *Pool) *ChainTxStore {
	return &ChainTxStore{pool: pool}
}

// Compile-time interface check.
var _ storage.ChainTxStore = (*ChainTxStore)(nil)

const chainTxColumns = `signature, purpose, status, amount, asset_symbol, user_id, slot, block_time, to_address, confirmed_at, raw_payload, created_at`

// Insert adds a new record. Returns ErrDuplicateKey if the signature exists.
func (s *ChainTxStore) Insert(ctx context.Context, r *domain.ChainTxRecord) error {
	query := `
		INSERT INTO chain_tx_records (` + chainTxColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	_, err := s.pool.Exec(ctx, query,
		r.Signature,
		string(r.Purpose),
		string(r.Status),
		r.Amount,
		r.AssetSymbol,
		r.UserID,
		r.Slot,
		r.BlockTime,
		r.ToAddress,
		r.ConfirmedAt,
		r.RawPayload,
		r.CreatedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert chain tx record: %w", err)
	}
	return nil
}

// GetBySignature retrieves a record. Returns ErrNotFound if not exists.
func (s *ChainTxStore) GetBySignature(ctx context.Context, signature string) (*domain.ChainTxRecord, error) {
	query := `
		SELECT ` + chainTxColumns + `
		FROM chain_tx_records
		WHERE signature = $1
	`

	row := s.pool.QueryRow(ctx, query, signature)
	r, err := scanChainTxRecord(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get chain tx record: %w", err)
	}
	return r, nil
}

// UpdateStatus moves a PENDING record to CONFIRMED or FAILED.
func (s *ChainTxStore) UpdateStatus(ctx context.Context, signature string, status domain.TxStatus, confirmedAt int64) error {
	if status != domain.TxStatusConfirmed && status != domain.TxStatusFailed {
		return storage.ErrInvalidTransition
	}

	query := `
		UPDATE chain_tx_records
		SET status = $2, confirmed_at = $3
		WHERE signature = $1 AND status = $4
	`

	tag, err := s.pool.Exec(ctx, query, signature, string(status), confirmedAt, string(domain.TxStatusPending))
	if err != nil {
		return fmt.Errorf("update chain tx status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish unknown signature from a record not in PENDING.
		if _, err := s.GetBySignature(ctx, signature); err != nil {
			return err
		}
		return storage.ErrInvalidTransition
	}
	return nil
}

// ListByUser retrieves records for a user ordered by created_at DESC.
func (s *ChainTxStore) ListByUser(ctx context.Context, userID string, limit int) ([]*domain.ChainTxRecord, error) {
	query := `
		SELECT ` + chainTxColumns + `
		FROM chain_tx_records
		WHERE user_id = $1
		ORDER BY created_at DESC, signature DESC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list chain tx records by user: %w", err)
	}
	defer rows.Close()

	var records []*domain.ChainTxRecord
	for rows.Next() {
		r, err := scanChainTxRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan chain tx record: %w", err)
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// scanChainTxRecord scans a single row into a ChainTxRecord.
func scanChainTxRecord(row pgx.Row) (*domain.ChainTxRecord, error) {
	var r domain.ChainTxRecord
	var purpose, status string

	err := row.Scan(
		&r.Signature,
		&purpose,
		&status,
		&r.Amount,
		&r.AssetSymbol,
		&r.UserID,
		&r.Slot,
		&r.BlockTime,
		&r.ToAddress,
		&r.ConfirmedAt,
		&r.RawPayload,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Purpose = domain.TxPurpose(purpose)
	r.Status = domain.TxStatus(status)
	return &r, nil
}
