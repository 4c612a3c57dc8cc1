package postgres_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/storage"
	"solana-custody-engine/internal/storage/postgres"
)

func testRecord(signature string) *domain.ChainTxRecord {
	return &domain.ChainTxRecord{
		Signature:   signature,
		Purpose:     domain.PurposeDeposit,
		Status:      domain.TxStatusConfirmed,
		Amount:      1_500_000_000,
		AssetSymbol: "SOL",
		UserID:      "user-1",
		Slot:        250000000,
		BlockTime:   1700000000,
		ConfirmedAt: 1700000000500,
		RawPayload:  []byte(`{"slot":250000000}`),
		CreatedAt:   time.Now().UnixMilli(),
	}
}

func TestChainTxStore_InsertAndGetBySignature(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewChainTxStore(pool)
	ctx := context.Background()

	record := testRecord("sig-insert-001")
	require.NoError(t, store.Insert(ctx, record))

	got, err := store.GetBySignature(ctx, "sig-insert-001")
	require.NoError(t, err)

	assert.Equal(t, record.Signature, got.Signature)
	assert.Equal(t, record.Purpose, got.Purpose)
	assert.Equal(t, record.Status, got.Status)
	assert.Equal(t, record.Amount, got.Amount)
	assert.Equal(t, record.AssetSymbol, got.AssetSymbol)
	assert.Equal(t, record.UserID, got.UserID)
	assert.Equal(t, record.Slot, got.Slot)
	assert.Equal(t, record.BlockTime, got.BlockTime)
	assert.Equal(t, record.ConfirmedAt, got.ConfirmedAt)
	assert.Equal(t, record.RawPayload, got.RawPayload)
}

func TestChainTxStore_InsertDuplicate(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewChainTxStore(pool)
	ctx := context.Background()

	record := testRecord("sig-dup-001")
	require.NoError(t, store.Insert(ctx, record))

	err := store.Insert(ctx, testRecord("sig-dup-001"))
	assert.ErrorIs(t, err, storage.ErrDuplicateKey)
}

func TestChainTxStore_GetMissing(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewChainTxStore(pool)

	_, err := store.GetBySignature(context.Background(), "no-such-sig")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChainTxStore_UpdateStatus(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewChainTxStore(pool)
	ctx := context.Background()

	record := testRecord("sig-pending-001")
	record.Purpose = domain.PurposeWithdraw
	record.Status = domain.TxStatusPending
	record.ConfirmedAt = 0
	require.NoError(t, store.Insert(ctx, record))

	confirmedAt := time.Now().UnixMilli()
	require.NoError(t, store.UpdateStatus(ctx, "sig-pending-001", domain.TxStatusConfirmed, confirmedAt))

	got, err := store.GetBySignature(ctx, "sig-pending-001")
	require.NoError(t, err)
	assert.Equal(t, domain.TxStatusConfirmed, got.Status)
	assert.Equal(t, confirmedAt, got.ConfirmedAt)

	// Already confirmed records cannot move again.
	err = store.UpdateStatus(ctx, "sig-pending-001", domain.TxStatusFailed, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestChainTxStore_UpdateStatusMissing(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewChainTxStore(pool)

	err := store.UpdateStatus(context.Background(), "no-such-sig", domain.TxStatusConfirmed, 1)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestChainTxStore_UpdateStatusRejectsPending(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewChainTxStore(pool)

	err := store.UpdateStatus(context.Background(), "any-sig", domain.TxStatusPending, 0)
	assert.ErrorIs(t, err, storage.ErrInvalidTransition)
}

func TestChainTxStore_ListByUser(t *testing.T) {
	pool, cleanup := setupTestDB(t)
	defer cleanup()

	store := postgres.NewChainTxStore(pool)
	ctx := context.Background()

	for i, sig := range []string{"sig-list-a", "sig-list-b", "sig-list-c"} {
		r := testRecord(sig)
		r.CreatedAt = int64(1700000000000 + i*1000)
		require.NoError(t, store.Insert(ctx, r))
	}
	other := testRecord("sig-other-user")
	other.UserID = "user-2"
	require.NoError(t, store.Insert(ctx, other))

	records, err := store.ListByUser(ctx, "user-1", 10)
	require.NoError(t, err)
	require.Len(t, records, 3)

	// Newest first.
	assert.Equal(t, "sig-list-c", records[0].Signature)
	assert.Equal(t, "sig-list-a", records[2].Signature)

	limited, err := store.ListByUser(ctx, "user-1", 2)
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
