package reconcile

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage/memory"
)

type fakeRPC struct {
	solana.RPCClient
	balances      map[string]uint64                // address -> lamports
	tokenAccounts map[string][]solana.TokenAccount // owner -> accounts
	balanceErr    map[string]error
}

func (f *fakeRPC) GetBalance(_ context.Context, address string) (uint64, error) {
	if err := f.balanceErr[address]; err != nil {
		return 0, err
	}
	return f.balances[address], nil
}

func (f *fakeRPC) GetTokenAccountsByOwner(_ context.Context, owner, _ string) ([]solana.TokenAccount, error) {
	return f.tokenAccounts[owner], nil
}

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type harness struct {
	service *Service
	rpc     *fakeRPC
	ledger  *ledger.MemoryLedger
	history *memory.BalanceSyncStore
	keyring *custody.MemoryKeyring
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	rpc := &fakeRPC{
		balances:      make(map[string]uint64),
		tokenAccounts: make(map[string][]solana.TokenAccount),
		balanceErr:    make(map[string]error),
	}
	ml := ledger.NewMemoryLedger()
	history := memory.NewBalanceSyncStore()
	keyring := custody.NewMemoryKeyring()

	return &harness{
		service: New(Options{
			RPC:         rpc,
			Ledger:      ml,
			AddressBook: keyring,
			Assets: domain.NewAssetTable([]domain.Asset{
				{Symbol: "USDC", Mint: usdcMint, Decimals: 6},
			}),
			History: history,
		}),
		rpc:     rpc,
		ledger:  ml,
		history: history,
		keyring: keyring,
	}
}

func TestSyncUserBalances_DetectsDiscrepancy(t *testing.T) {
	h := newHarness(t)
	address, _ := h.keyring.CreateKey("user-1")

	h.rpc.balances[address] = 150
	h.ledger.SetBalance("user-1", "SOL", 100)
	// USDC matches on both sides.
	h.rpc.tokenAccounts[address] = []solana.TokenAccount{{Address: "ta", Mint: usdcMint, Owner: address, Amount: 500}}
	h.ledger.SetBalance("user-1", "USDC", 500)

	syncs, err := h.service.SyncUserBalances(context.Background(), "user-1", address)
	if err != nil {
		t.Fatalf("SyncUserBalances failed: %v", err)
	}
	if len(syncs) != 2 {
		t.Fatalf("expected 2 syncs, got %d", len(syncs))
	}

	bySymbol := make(map[string]domain.BalanceSync)
	for _, s := range syncs {
		bySymbol[s.AssetSymbol] = s
	}

	sol := bySymbol["SOL"]
	if sol.OnchainBalance != 150 || sol.OffchainBalance != 100 {
		t.Errorf("SOL balances = %d/%d", sol.OnchainBalance, sol.OffchainBalance)
	}
	if sol.Difference != 50 || !sol.NeedsReconciliation {
		t.Errorf("SOL diff = %d, needs = %v", sol.Difference, sol.NeedsReconciliation)
	}

	usdc := bySymbol["USDC"]
	if usdc.Difference != 0 || usdc.NeedsReconciliation {
		t.Errorf("USDC should match: diff = %d", usdc.Difference)
	}
}

func TestSyncUserBalances_SumsTokenAccounts(t *testing.T) {
	h := newHarness(t)
	address, _ := h.keyring.CreateKey("user-1")

	h.rpc.tokenAccounts[address] = []solana.TokenAccount{
		{Address: "ta1", Mint: usdcMint, Owner: address, Amount: 300},
		{Address: "ta2", Mint: usdcMint, Owner: address, Amount: 200},
	}
	h.ledger.SetBalance("user-1", "USDC", 500)

	syncs, err := h.service.SyncUserBalances(context.Background(), "user-1", address)
	if err != nil {
		t.Fatalf("SyncUserBalances failed: %v", err)
	}
	for _, s := range syncs {
		if s.AssetSymbol == "USDC" && (s.OnchainBalance != 500 || s.NeedsReconciliation) {
			t.Errorf("USDC onchain = %d, needs = %v", s.OnchainBalance, s.NeedsReconciliation)
		}
	}
}

func TestSyncAllBalances(t *testing.T) {
	h := newHarness(t)
	addrA, _ := h.keyring.CreateKey("alice")
	addrB, _ := h.keyring.CreateKey("bob")

	h.rpc.balances[addrA] = 1000
	h.ledger.SetBalance("alice", "SOL", 1000) // matches
	h.rpc.balances[addrB] = 2000
	h.ledger.SetBalance("bob", "SOL", 1500) // off by 500

	report, err := h.service.SyncAllBalances(context.Background())
	if err != nil {
		t.Fatalf("SyncAllBalances failed: %v", err)
	}
	if report.TotalAccounts != 2 || report.SyncedAccounts != 2 {
		t.Errorf("accounts = %d/%d", report.SyncedAccounts, report.TotalAccounts)
	}
	if len(report.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d", len(report.Discrepancies))
	}
	d := report.Discrepancies[0]
	if d.UserID != "bob" || d.Difference != 500 {
		t.Errorf("discrepancy = %s %d", d.UserID, d.Difference)
	}

	// The sweep landed in the history store.
	latest, err := h.history.GetLatestByAddress(context.Background(), addrB)
	if err != nil {
		t.Fatalf("history lookup: %v", err)
	}
	if len(latest) == 0 {
		t.Error("no sync history recorded")
	}
}

func TestSyncAllBalances_AccountErrorIsolation(t *testing.T) {
	h := newHarness(t)
	addrA, _ := h.keyring.CreateKey("alice")
	addrB, _ := h.keyring.CreateKey("bob")

	h.rpc.balanceErr[addrA] = errors.New("rpc unavailable")
	h.rpc.balances[addrB] = 700
	h.ledger.SetBalance("bob", "SOL", 700)

	report, err := h.service.SyncAllBalances(context.Background())
	if err != nil {
		t.Fatalf("sweep should survive one failing account: %v", err)
	}
	if report.SyncedAccounts != 1 {
		t.Errorf("SyncedAccounts = %d, want 1", report.SyncedAccounts)
	}
	if len(report.Errors) != 1 {
		t.Fatalf("expected 1 error, got %d", len(report.Errors))
	}
}

func TestResolve_AdjustOffchain(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetBalance("user-1", "SOL", 100)

	sync := domain.BalanceSync{
		UserID:              "user-1",
		Address:             "addr",
		AssetSymbol:         "SOL",
		OnchainBalance:      150,
		OffchainBalance:     100,
		Difference:          50,
		NeedsReconciliation: true,
		LastSynced:          1700000000000,
	}
	if err := h.service.Resolve(context.Background(), sync, domain.ReconcileAdjustOffchain); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}

	balance, _ := h.ledger.GetAvailableBalance(context.Background(), "user-1", "SOL")
	if balance != 150 {
		t.Errorf("balance after adjustment = %d, want 150", balance)
	}

	key := fmt.Sprintf("%suser-1_SOL_%d", ledger.AdjustmentKeyPrefix, sync.LastSynced)
	p, ok := h.ledger.PostingByKey(key)
	if !ok {
		t.Fatal("no adjustment posting")
	}
	if p.Direction != ledger.Credit || p.Amount != 50 {
		t.Errorf("posting = %s %d", p.Direction, p.Amount)
	}
	if p.Metadata["difference"] != "50" {
		t.Errorf("metadata = %v", p.Metadata)
	}

	// Re-resolving the same sync is idempotent.
	if err := h.service.Resolve(context.Background(), sync, domain.ReconcileAdjustOffchain); err != nil {
		t.Fatalf("second Resolve failed: %v", err)
	}
	balance, _ = h.ledger.GetAvailableBalance(context.Background(), "user-1", "SOL")
	if balance != 150 {
		t.Errorf("balance after repeat = %d, want 150", balance)
	}
}

func TestResolve_AdjustOffchainNegativeDiff(t *testing.T) {
	h := newHarness(t)
	h.ledger.SetBalance("user-1", "SOL", 200)

	sync := domain.BalanceSync{
		UserID:              "user-1",
		AssetSymbol:         "SOL",
		OnchainBalance:      150,
		OffchainBalance:     200,
		Difference:          -50,
		NeedsReconciliation: true,
		LastSynced:          1700000000001,
	}
	if err := h.service.Resolve(context.Background(), sync, domain.ReconcileAdjustOffchain); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	balance, _ := h.ledger.GetAvailableBalance(context.Background(), "user-1", "SOL")
	if balance != 150 {
		t.Errorf("balance = %d, want 150", balance)
	}
}

func TestResolve_ManualReview(t *testing.T) {
	h := newHarness(t)

	sync := domain.BalanceSync{
		UserID:              "user-1",
		AssetSymbol:         "SOL",
		Difference:          50,
		NeedsReconciliation: true,
	}
	if err := h.service.Resolve(context.Background(), sync, domain.ReconcileManualReview); err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if h.ledger.PostingCount() != 0 {
		t.Error("manual review must not post to the ledger")
	}
}

func TestResolve_Rejections(t *testing.T) {
	h := newHarness(t)

	matched := domain.BalanceSync{UserID: "user-1", AssetSymbol: "SOL"}
	if err := h.service.Resolve(context.Background(), matched, domain.ReconcileAdjustOffchain); err == nil {
		t.Error("resolved a sync with no discrepancy")
	}

	sync := domain.BalanceSync{UserID: "user-1", AssetSymbol: "SOL", Difference: 1, NeedsReconciliation: true}
	if err := h.service.Resolve(context.Background(), sync, domain.ReconcileAction("delete_everything")); err == nil {
		t.Error("accepted an unknown action")
	}
}
