package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/storage"
)

// WithdrawalStore implements storage.WithdrawalStore using PostgreSQL.
type WithdrawalStore struct {
	pool *Pool
}

// NewWithdrawalStore creates a new WithdrawalStore.
func NewWithdrawalStore(pool *Pool) *WithdrawalStore {
	return &WithdrawalStore{pool: pool}
}

// Compile-time interface check.
var _ storage.WithdrawalStore = (*WithdrawalStore)(nil)

const withdrawalColumns = `id, user_id, to_address, amount, asset_symbol, status, signature, error, created_at, submitted_at, confirmed_at`

// Insert adds a new withdrawal. Returns ErrDuplicateKey if the ID exists.
func (s *WithdrawalStore) Insert(ctx context.Context, w *domain.WithdrawalInfo) error {
	query := `
		INSERT INTO withdrawals (` + withdrawalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`

	_, err := s.pool.Exec(ctx, query,
		w.ID,
		w.UserID,
		w.ToAddress,
		w.Amount,
		w.AssetSymbol,
		string(w.Status),
		w.Signature,
		w.Error,
		w.CreatedAt,
		w.SubmittedAt,
		w.ConfirmedAt,
	)
	if err != nil {
		if isDuplicateKeyError(err) {
			return storage.ErrDuplicateKey
		}
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

// GetByID retrieves a withdrawal. Returns ErrNotFound if not exists.
func (s *WithdrawalStore) GetByID(ctx context.Context, id string) (*domain.WithdrawalInfo, error) {
	query := `
		SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE id = $1
	`

	row := s.pool.QueryRow(ctx, query, id)
	w, err := scanWithdrawal(row)
	if err != nil {
		if isNotFoundError(err) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	return w, nil
}

// Update persists the withdrawal after a state change, enforcing legal edges
// against the stored status.
func (s *WithdrawalStore) Update(ctx context.Context, w *domain.WithdrawalInfo) error {
	current, err := s.GetByID(ctx, w.ID)
	if err != nil {
		return err
	}
	if current.Status != w.Status && !current.Status.CanTransitionTo(w.Status) {
		return fmt.Errorf("%s -> %s: %w", current.Status, w.Status, storage.ErrInvalidTransition)
	}

	query := `
		UPDATE withdrawals
		SET status = $2, signature = $3, error = $4, submitted_at = $5, confirmed_at = $6
		WHERE id = $1
	`

	_, err = s.pool.Exec(ctx, query,
		w.ID,
		string(w.Status),
		w.Signature,
		w.Error,
		w.SubmittedAt,
		w.ConfirmedAt,
	)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	return nil
}

// ListByStatus retrieves withdrawals in a given status, oldest first.
func (s *WithdrawalStore) ListByStatus(ctx context.Context, status domain.WithdrawalStatus, limit int) ([]*domain.WithdrawalInfo, error) {
	query := `
		SELECT ` + withdrawalColumns + `
		FROM withdrawals
		WHERE status = $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`

	rows, err := s.pool.Query(ctx, query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("list withdrawals by status: %w", err)
	}
	defer rows.Close()

	var withdrawals []*domain.WithdrawalInfo
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan withdrawal: %w", err)
		}
		withdrawals = append(withdrawals, w)
	}
	return withdrawals, rows.Err()
}

// scanWithdrawal scans a single row into a WithdrawalInfo.
func scanWithdrawal(row pgx.Row) (*domain.WithdrawalInfo, error) {
	var w domain.WithdrawalInfo
	var status string

	err := row.Scan(
		&w.ID,
		&w.UserID,
		&w.ToAddress,
		&w.Amount,
		&w.AssetSymbol,
		&status,
		&w.Signature,
		&w.Error,
		&w.CreatedAt,
		&w.SubmittedAt,
		&w.ConfirmedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Status = domain.WithdrawalStatus(status)
	return &w, nil
}
