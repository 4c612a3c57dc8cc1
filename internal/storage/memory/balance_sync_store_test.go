package memory

import (
	"context"
	"errors"
	"testing"

	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/storage"
)

func TestBalanceSyncStore_InsertBulkAndGetLatest(t *testing.T) {
	store := NewBalanceSyncStore()
	ctx := context.Background()

	err := store.InsertBulk(ctx, []*domain.BalanceSync{
		{UserID: "u1", Address: "addr1", AssetSymbol: "SOL", OnchainBalance: 100, OffchainBalance: 100, LastSynced: 1000},
		{UserID: "u1", Address: "addr1", AssetSymbol: "USDC", OnchainBalance: 200, OffchainBalance: 150, Difference: 50, NeedsReconciliation: true, LastSynced: 1000},
	})
	if err != nil {
		t.Fatalf("InsertBulk failed: %v", err)
	}

	// A newer sweep supersedes the older rows.
	err = store.InsertBulk(ctx, []*domain.BalanceSync{
		{UserID: "u1", Address: "addr1", AssetSymbol: "SOL", OnchainBalance: 300, OffchainBalance: 300, LastSynced: 2000},
	})
	if err != nil {
		t.Fatalf("second InsertBulk failed: %v", err)
	}

	latest, err := store.GetLatestByAddress(ctx, "addr1")
	if err != nil {
		t.Fatalf("GetLatestByAddress failed: %v", err)
	}
	if len(latest) != 2 {
		t.Fatalf("expected 2 assets, got %d", len(latest))
	}

	// Sorted by asset symbol.
	if latest[0].AssetSymbol != "SOL" || latest[0].OnchainBalance != 300 {
		t.Errorf("expected latest SOL row, got %+v", latest[0])
	}
	if latest[1].AssetSymbol != "USDC" || latest[1].Difference != 50 {
		t.Errorf("expected USDC discrepancy row, got %+v", latest[1])
	}
}

func TestBalanceSyncStore_InsertBulkInvalid(t *testing.T) {
	store := NewBalanceSyncStore()
	err := store.InsertBulk(context.Background(), []*domain.BalanceSync{{UserID: "u1"}})
	if !errors.Is(err, storage.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestBalanceSyncStore_GetLatestUnknownAddress(t *testing.T) {
	store := NewBalanceSyncStore()
	latest, err := store.GetLatestByAddress(context.Background(), "nope")
	if err != nil {
		t.Fatalf("GetLatestByAddress failed: %v", err)
	}
	if len(latest) != 0 {
		t.Errorf("expected no rows, got %d", len(latest))
	}
}
