package withdrawal

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/mr-tron/base58"

	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/errcode"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
	"solana-custody-engine/internal/storage/memory"
)

type fakeRPC struct {
	solana.RPCClient
	mu             sync.Mutex
	sponsorBalance uint64
	simulateErr    interface{}
	sendErr        error
	confirmErr     error
	sendCount      int
	tokenAccounts  map[string][]solana.TokenAccount // owner -> accounts
}

func (f *fakeRPC) GetLatestBlockhash(context.Context) (*solana.Blockhash, error) {
	return &solana.Blockhash{Blockhash: testBlockhash, LastValidBlockHeight: 100}, nil
}

func (f *fakeRPC) GetBalance(context.Context, string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sponsorBalance, nil
}

func (f *fakeRPC) SimulateTransaction(context.Context, []byte) (*solana.SimulationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &solana.SimulationResult{Err: f.simulateErr}, nil
}

func (f *fakeRPC) SendTransaction(context.Context, []byte) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sendCount++
	if f.sendErr != nil {
		return "", f.sendErr
	}
	return "submitted-sig", nil
}

func (f *fakeRPC) ConfirmTransaction(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.confirmErr
}

func (f *fakeRPC) GetTokenAccountsByOwner(_ context.Context, owner, _ string) ([]solana.TokenAccount, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tokenAccounts[owner], nil
}

var testBlockhash = base58.Encode(make([]byte, 32))

func testAddress(b byte) string {
	raw := make([]byte, 32)
	for i := range raw {
		raw[i] = b
	}
	return base58.Encode(raw)
}

const usdcMint = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"

type harness struct {
	orch    *Orchestrator
	rpc     *fakeRPC
	store   *memory.WithdrawalStore
	txStore *memory.ChainTxStore
	ledger  *ledger.MemoryLedger
	keyring *custody.MemoryKeyring
	sponsor custody.Signer
	userKey string
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	keyring := custody.NewMemoryKeyring()
	userKey, err := keyring.CreateKey("user-1")
	if err != nil {
		t.Fatalf("create user key: %v", err)
	}

	sponsorSeed := make([]byte, 32)
	sponsorSeed[0] = 1
	sponsor, err := custody.NewSignerFromSeed(base58.Encode(sponsorSeed))
	if err != nil {
		t.Fatalf("create sponsor: %v", err)
	}

	rpc := &fakeRPC{
		sponsorBalance: 1_000_000_000,
		tokenAccounts:  make(map[string][]solana.TokenAccount),
	}
	store := memory.NewWithdrawalStore()
	txStore := memory.NewChainTxStore()
	ml := ledger.NewMemoryLedger()
	ml.SetBalance("user-1", "SOL", 10_000_000)
	ml.SetBalance("user-1", "USDC", 50_000_000)

	return &harness{
		orch: New(Options{
			RPC:     rpc,
			Store:   store,
			TxStore: txStore,
			Ledger:  ml,
			Keyring: keyring,
			Sponsor: sponsor,
			Assets: domain.NewAssetTable([]domain.Asset{
				{Symbol: "USDC", Mint: usdcMint, Decimals: 6},
			}),
			CheckBalance: true,
		}),
		rpc:     rpc,
		store:   store,
		txStore: txStore,
		ledger:  ml,
		keyring: keyring,
		sponsor: sponsor,
		userKey: userKey,
	}
}

func solRequest(amount int64) Request {
	return Request{UserID: "user-1", ToAddress: testAddress(5), Amount: amount, AssetSymbol: "SOL"}
}

func TestProcessWithdrawal_NativeHappyPath(t *testing.T) {
	h := newHarness(t)

	w, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if err != nil {
		t.Fatalf("ProcessWithdrawal failed: %v", err)
	}
	if w.Status != domain.WithdrawalConfirmed {
		t.Errorf("status = %s, want CONFIRMED", w.Status)
	}
	if w.Signature != "submitted-sig" {
		t.Errorf("signature = %s", w.Signature)
	}
	if w.SubmittedAt == 0 || w.ConfirmedAt == 0 {
		t.Error("submission/confirmation timestamps not set")
	}

	// Persisted state matches.
	stored, err := h.store.GetByID(context.Background(), w.ID)
	if err != nil {
		t.Fatalf("stored withdrawal: %v", err)
	}
	if stored.Status != domain.WithdrawalConfirmed {
		t.Errorf("stored status = %s", stored.Status)
	}

	// Ledger was debited once under the withdrawal idempotency key.
	p, ok := h.ledger.PostingByKey(ledger.WithdrawalKeyPrefix + "submitted-sig")
	if !ok {
		t.Fatal("no debit posting")
	}
	if p.Direction != ledger.Debit || p.Amount != 1_000_000 {
		t.Errorf("posting = %s %d", p.Direction, p.Amount)
	}
	balance, _ := h.ledger.GetAvailableBalance(context.Background(), "user-1", "SOL")
	if balance != 9_000_000 {
		t.Errorf("balance = %d, want 9000000", balance)
	}

	// The on-chain record is confirmed.
	rec, err := h.txStore.GetBySignature(context.Background(), "submitted-sig")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Status != domain.TxStatusConfirmed || rec.Purpose != domain.PurposeWithdraw {
		t.Errorf("record = %s %s", rec.Status, rec.Purpose)
	}
}

func TestProcessWithdrawal_TokenHappyPath(t *testing.T) {
	h := newHarness(t)
	dest := testAddress(5)
	h.rpc.tokenAccounts[h.userKey] = []solana.TokenAccount{{Address: testAddress(6), Mint: usdcMint, Owner: h.userKey}}
	h.rpc.tokenAccounts[dest] = []solana.TokenAccount{{Address: testAddress(7), Mint: usdcMint, Owner: dest}}

	w, err := h.orch.ProcessWithdrawal(context.Background(), Request{
		UserID: "user-1", ToAddress: dest, Amount: 5_000_000, AssetSymbol: "USDC",
	})
	if err != nil {
		t.Fatalf("ProcessWithdrawal failed: %v", err)
	}
	if w.Status != domain.WithdrawalConfirmed {
		t.Errorf("status = %s", w.Status)
	}

	balance, _ := h.ledger.GetAvailableBalance(context.Background(), "user-1", "USDC")
	if balance != 45_000_000 {
		t.Errorf("USDC balance = %d", balance)
	}
}

func TestProcessWithdrawal_MissingTokenAccount(t *testing.T) {
	h := newHarness(t)
	dest := testAddress(5)
	// Only the user side has a token account.
	h.rpc.tokenAccounts[h.userKey] = []solana.TokenAccount{{Address: testAddress(6), Mint: usdcMint, Owner: h.userKey}}

	w, err := h.orch.ProcessWithdrawal(context.Background(), Request{
		UserID: "user-1", ToAddress: dest, Amount: 5_000_000, AssetSymbol: "USDC",
	})
	if !errcode.Is(err, errcode.MissingTokenAccount) {
		t.Fatalf("expected MissingTokenAccount, got %v", err)
	}
	if w.Status != domain.WithdrawalFailed {
		t.Errorf("status = %s, want FAILED", w.Status)
	}
	if h.ledger.PostingCount() != 0 {
		t.Error("failed preparation must not touch the ledger")
	}
}

func TestProcessWithdrawal_InsufficientBalance(t *testing.T) {
	h := newHarness(t)

	_, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(100_000_000))
	if !errcode.Is(err, errcode.InsufficientFunds) {
		t.Fatalf("expected InsufficientFunds, got %v", err)
	}
	// Validation failures never create a row.
	rows, _ := h.store.ListByStatus(context.Background(), domain.WithdrawalFailed, 10)
	if len(rows) != 0 {
		t.Error("validation failure created a withdrawal row")
	}
}

func TestProcessWithdrawal_InsufficientSponsorFunds(t *testing.T) {
	h := newHarness(t)
	h.rpc.sponsorBalance = 1_000 // below the fee reserve

	w, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if !errcode.Is(err, errcode.InsufficientSponsorFunds) {
		t.Fatalf("expected InsufficientSponsorFunds, got %v", err)
	}
	if w.Status != domain.WithdrawalFailed {
		t.Errorf("status = %s", w.Status)
	}
	if h.rpc.sendCount != 0 {
		t.Error("transaction was submitted despite the sponsor check")
	}
	if h.ledger.PostingCount() != 0 {
		t.Error("ledger touched before submission")
	}
}

func TestProcessWithdrawal_SimulationFailure(t *testing.T) {
	h := newHarness(t)
	h.rpc.simulateErr = map[string]interface{}{
		"InstructionError": []interface{}{float64(0), map[string]interface{}{"Custom": float64(1)}},
	}

	w, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if err == nil {
		t.Fatal("expected a simulation error")
	}
	if w.Status != domain.WithdrawalFailed {
		t.Errorf("status = %s", w.Status)
	}
	if h.rpc.sendCount != 0 {
		t.Error("failed simulation must block submission")
	}
}

func TestProcessWithdrawal_SubmitFailure(t *testing.T) {
	h := newHarness(t)
	h.rpc.sendErr = errors.New("blockhash not found")

	w, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if err == nil {
		t.Fatal("expected a submission error")
	}
	if w.Status != domain.WithdrawalFailed {
		t.Errorf("status = %s", w.Status)
	}
	if h.ledger.PostingCount() != 0 {
		t.Error("ledger debited without a submission")
	}
}

func TestProcessWithdrawal_ConfirmFailure(t *testing.T) {
	h := newHarness(t)
	h.rpc.confirmErr = errcode.New(errcode.TxFailed, "transaction failed on-chain")

	w, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if !errcode.Is(err, errcode.TxFailed) {
		t.Fatalf("expected TxFailed, got %v", err)
	}
	if w.Status != domain.WithdrawalFailed {
		t.Errorf("status = %s", w.Status)
	}

	// Both rows reflect the failure. The debit stays: the funds moved on
	// submission and reconciliation owns any correction.
	rec, err := h.txStore.GetBySignature(context.Background(), "submitted-sig")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Status != domain.TxStatusFailed {
		t.Errorf("record status = %s", rec.Status)
	}
}

func TestProcessWithdrawal_ConfirmTimeoutLeavesSubmitted(t *testing.T) {
	h := newHarness(t)
	h.rpc.confirmErr = errcode.New(errcode.TxTimeout, "not confirmed in time")

	w, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if err != nil {
		t.Fatalf("a confirmation timeout is not a failure: %v", err)
	}
	if w.Status != domain.WithdrawalSubmitted {
		t.Errorf("status = %s, want SUBMITTED", w.Status)
	}

	// The sweep resolves it once the chain answers.
	h.rpc.mu.Lock()
	h.rpc.confirmErr = nil
	h.rpc.mu.Unlock()
	if err := h.orch.ConfirmPending(context.Background()); err != nil {
		t.Fatalf("ConfirmPending failed: %v", err)
	}
	stored, _ := h.store.GetByID(context.Background(), w.ID)
	if stored.Status != domain.WithdrawalConfirmed {
		t.Errorf("status after sweep = %s, want CONFIRMED", stored.Status)
	}

	// No double debit across the retry.
	if h.ledger.PostingCount() != 1 {
		t.Errorf("%d postings, want 1", h.ledger.PostingCount())
	}
}

func TestProcessWithdrawal_ConfirmTransportErrorLeavesSubmitted(t *testing.T) {
	h := newHarness(t)
	h.rpc.confirmErr = errcode.New(errcode.RPCConnection, "websocket dial: connection refused")

	w, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if err != nil {
		t.Fatalf("a transport failure during confirmation is not a withdrawal failure: %v", err)
	}
	if w.Status != domain.WithdrawalSubmitted {
		t.Errorf("status = %s, want SUBMITTED", w.Status)
	}

	// The chain record must not be stamped FAILED: the transaction is on
	// the wire and may still confirm.
	rec, err := h.txStore.GetBySignature(context.Background(), "submitted-sig")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Status != domain.TxStatusPending {
		t.Errorf("record status = %s, want PENDING", rec.Status)
	}

	// Once the endpoint recovers, the sweep settles it.
	h.rpc.mu.Lock()
	h.rpc.confirmErr = nil
	h.rpc.mu.Unlock()
	if err := h.orch.ConfirmPending(context.Background()); err != nil {
		t.Fatalf("ConfirmPending failed: %v", err)
	}
	stored, _ := h.store.GetByID(context.Background(), w.ID)
	if stored.Status != domain.WithdrawalConfirmed {
		t.Errorf("status after sweep = %s, want CONFIRMED", stored.Status)
	}
	if h.ledger.PostingCount() != 1 {
		t.Errorf("%d postings, want 1", h.ledger.PostingCount())
	}
}

func TestConfirmPending_RestoresSettlement(t *testing.T) {
	h := newHarness(t)

	// A crash between submission and settlement leaves a SUBMITTED row
	// with a signature but no ledger debit and no chain record.
	crashed := &domain.WithdrawalInfo{
		ID:          "w-crashed",
		UserID:      "user-1",
		ToAddress:   testAddress(5),
		Amount:      1_000_000,
		AssetSymbol: "SOL",
		Status:      domain.WithdrawalSubmitted,
		Signature:   "crashed-sig",
	}
	if err := h.store.Insert(context.Background(), crashed); err != nil {
		t.Fatalf("seed withdrawal: %v", err)
	}

	if err := h.orch.ConfirmPending(context.Background()); err != nil {
		t.Fatalf("ConfirmPending failed: %v", err)
	}

	stored, _ := h.store.GetByID(context.Background(), "w-crashed")
	if stored.Status != domain.WithdrawalConfirmed {
		t.Errorf("status = %s, want CONFIRMED", stored.Status)
	}

	// The sweep restored the debit and the chain record.
	p, ok := h.ledger.PostingByKey(ledger.WithdrawalKeyPrefix + "crashed-sig")
	if !ok {
		t.Fatal("confirmed withdrawal has no ledger debit")
	}
	if p.Direction != ledger.Debit || p.Amount != 1_000_000 {
		t.Errorf("posting = %s %d", p.Direction, p.Amount)
	}
	rec, err := h.txStore.GetBySignature(context.Background(), "crashed-sig")
	if err != nil {
		t.Fatalf("record missing: %v", err)
	}
	if rec.Status != domain.TxStatusConfirmed {
		t.Errorf("record status = %s, want CONFIRMED", rec.Status)
	}
}

// flakyLedger fails postings on demand while keeping balance reads working.
type flakyLedger struct {
	*ledger.MemoryLedger
	failPostings bool
}

func (f *flakyLedger) CreatePosting(ctx context.Context, p ledger.Posting) (*ledger.PostingResult, error) {
	if f.failPostings {
		return nil, errors.New("ledger unavailable")
	}
	return f.MemoryLedger.CreatePosting(ctx, p)
}

func TestProcessWithdrawal_SettleFailureLeavesSubmitted(t *testing.T) {
	h := newHarness(t)
	fl := &flakyLedger{MemoryLedger: h.ledger, failPostings: true}

	orch := New(Options{
		RPC:          h.rpc,
		Store:        h.store,
		TxStore:      h.txStore,
		Ledger:       fl,
		Keyring:      h.keyring,
		Sponsor:      h.sponsor,
		Assets:       domain.NewAssetTable(nil),
		CheckBalance: true,
	})

	w, err := orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if err == nil {
		t.Fatal("expected the settle failure to surface")
	}
	// The funds moved on-chain; the row must stay SUBMITTED so the sweep
	// can retry the debit, never FAILED.
	if w.Status != domain.WithdrawalSubmitted {
		t.Errorf("status = %s, want SUBMITTED", w.Status)
	}
	if h.ledger.PostingCount() != 0 {
		t.Errorf("%d postings before recovery, want 0", h.ledger.PostingCount())
	}

	fl.failPostings = false
	if err := orch.ConfirmPending(context.Background()); err != nil {
		t.Fatalf("ConfirmPending failed: %v", err)
	}
	stored, _ := h.store.GetByID(context.Background(), w.ID)
	if stored.Status != domain.WithdrawalConfirmed {
		t.Errorf("status after recovery = %s, want CONFIRMED", stored.Status)
	}
	if h.ledger.PostingCount() != 1 {
		t.Errorf("%d postings after recovery, want 1", h.ledger.PostingCount())
	}
}

func TestCancel(t *testing.T) {
	h := newHarness(t)

	pending := &domain.WithdrawalInfo{
		ID:     "w-pending",
		UserID: "user-1",
		Status: domain.WithdrawalPending,
	}
	if err := h.store.Insert(context.Background(), pending); err != nil {
		t.Fatalf("seed withdrawal: %v", err)
	}

	w, err := h.orch.Cancel(context.Background(), "w-pending")
	if err != nil {
		t.Fatalf("Cancel failed: %v", err)
	}
	if w.Status != domain.WithdrawalCancelled {
		t.Errorf("status = %s", w.Status)
	}

	// Executing withdrawals cannot be cancelled.
	confirmed, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(1_000_000))
	if err != nil {
		t.Fatalf("ProcessWithdrawal failed: %v", err)
	}
	if _, err := h.orch.Cancel(context.Background(), confirmed.ID); !errors.Is(err, storage.ErrInvalidTransition) {
		t.Errorf("expected ErrInvalidTransition, got %v", err)
	}

	if _, err := h.orch.Cancel(context.Background(), "no-such-id"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestProcessWithdrawal_Validation(t *testing.T) {
	h := newHarness(t)

	if _, err := h.orch.ProcessWithdrawal(context.Background(), solRequest(0)); err == nil {
		t.Error("zero amount accepted")
	}

	req := solRequest(100)
	req.ToAddress = "not-an-address!"
	if _, err := h.orch.ProcessWithdrawal(context.Background(), req); !errcode.Is(err, errcode.InvalidAddress) {
		t.Errorf("expected InvalidAddress, got %v", err)
	}

	req = solRequest(100)
	req.AssetSymbol = "DOGE"
	if _, err := h.orch.ProcessWithdrawal(context.Background(), req); !errcode.Is(err, errcode.InvalidMint) {
		t.Errorf("expected InvalidMint, got %v", err)
	}
}
