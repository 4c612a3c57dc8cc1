package domain

// BalanceSync is one on-chain vs off-chain comparison for a user/asset pair.
// A report artifact, not an authoritative store.
type BalanceSync struct {
	UserID              string
	Address             string
	AssetSymbol         string
	OnchainBalance      int64 // smallest unit
	OffchainBalance     int64 // ledger aggregate, smallest unit
	Difference          int64 // onchain - offchain
	NeedsReconciliation bool  // Difference != 0
	LastSynced          int64 // Unix ms
}

// SyncReport summarizes one full reconciliation sweep.
type SyncReport struct {
	TotalAccounts  int
	SyncedAccounts int
	Discrepancies  []BalanceSync
	Errors         []string
	Timestamp      int64 // Unix ms
}

// ReconcileAction is the operator decision applied to a discrepancy.
// Never invoked automatically from a sweep.
type ReconcileAction string

const (
	ReconcileAdjustOffchain ReconcileAction = "adjust_offchain"
	ReconcileManualReview   ReconcileAction = "manual_review"
)
