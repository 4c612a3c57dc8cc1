package clickhouse

import (
	"context"
	"fmt"
	"time"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/observability"
	"solana-custody-engine/internal/storage"
)

// BalanceSyncStore implements storage.BalanceSyncStore using ClickHouse.
// Reconciliation history is append-only and timeseries-shaped, so it lives
// here rather than in the transactional store.
type BalanceSyncStore struct {
	conn *Conn
}

// NewBalanceSyncStore creates a new BalanceSyncStore.
func NewBalanceSyncStore(conn *Conn) *BalanceSyncStore {
	return &BalanceSyncStore{conn: conn}
}

// Compile-time interface check.
var _ storage.BalanceSyncStore = (*BalanceSyncStore)(nil)

// InsertBulk appends the rows of one sweep.
func (s *BalanceSyncStore) InsertBulk(ctx context.Context, syncs []*domain.BalanceSync) error {
	if len(syncs) == 0 {
		return nil
	}

	for _, b := range syncs {
		if b == nil || b.Address == "" {
			return storage.ErrInvalidInput
		}
	}

	batch, err := s.conn.PrepareBatch(ctx, `
		INSERT INTO balance_sync_history (
			user_id, address, asset_symbol, onchain_balance, offchain_balance,
			difference, needs_reconciliation, last_synced
		)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, b := range syncs {
		needsFlag := uint8(0)
		if b.NeedsReconciliation {
			needsFlag = 1
		}
		err = batch.Append(
			b.UserID, b.Address, b.AssetSymbol,
			b.OnchainBalance, b.OffchainBalance, b.Difference,
			needsFlag, uint64(b.LastSynced),
		)
		if err != nil {
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	start := time.Now()
	err = batch.Send()
	observability.RecordDBQuery("clickhouse", "insert_bulk", time.Since(start).Seconds(), err)
	if err != nil {
		return fmt.Errorf("send batch: %w", err)
	}

	return nil
}

// GetLatestByAddress retrieves the most recent sync row per asset for an
// address.
func (s *BalanceSyncStore) GetLatestByAddress(ctx context.Context, address string) ([]*domain.BalanceSync, error) {
	query := `
		SELECT user_id, address, asset_symbol, onchain_balance, offchain_balance,
		       difference, needs_reconciliation, last_synced
		FROM balance_sync_history
		WHERE address = ?
		ORDER BY last_synced DESC
		LIMIT 1 BY asset_symbol
	`

	rows, err := s.conn.Query(ctx, query, address)
	if err != nil {
		return nil, fmt.Errorf("query latest by address: %w", err)
	}
	defer rows.Close()

	var result []*domain.BalanceSync
	for rows.Next() {
		var b domain.BalanceSync
		var needsFlag uint8
		var lastSynced uint64
		err := rows.Scan(
			&b.UserID, &b.Address, &b.AssetSymbol,
			&b.OnchainBalance, &b.OffchainBalance, &b.Difference,
			&needsFlag, &lastSynced,
		)
		if err != nil {
			return nil, fmt.Errorf("scan balance sync: %w", err)
		}
		b.NeedsReconciliation = needsFlag != 0
		b.LastSynced = int64(lastSynced)
		result = append(result, &b)
	}
	return result, rows.Err()
}
