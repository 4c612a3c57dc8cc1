// Package ledger is the boundary to the external double-entry accounting
// service. The engine appends postings and reads aggregate balances; it
// never mutates ledger totals directly.
package ledger

import "context"

// Direction of a posting against a user/asset balance.
type Direction string

const (
	Credit Direction = "CREDIT"
	Debit  Direction = "DEBIT"
)

// Posting is one ledger entry request. IdempotencyKey makes it safe to
// retry: the ledger treats a reused key as a no-op and returns the original
// posting.
type Posting struct {
	UserID         string            `json:"userId"`
	AssetSymbol    string            `json:"assetSymbol"`
	Direction      Direction         `json:"direction"`
	Amount         int64             `json:"amount"` // smallest unit, positive
	TxType         string            `json:"txType"` // e.g. "deposit", "withdrawal", "adjustment"
	TxRef          string            `json:"txRef"`  // chain signature
	IdempotencyKey string            `json:"idempotencyKey"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// PostingResult is the ledger's record of an accepted posting.
type PostingResult struct {
	ID        string `json:"id"`
	Duplicate bool   `json:"duplicate"` // true when the idempotency key was already used
}

// Client is the ledger API consumed by the settlement engine.
type Client interface {
	// CreatePosting appends a posting. A previously used idempotency key is
	// a no-op, not an error: the existing posting is returned with
	// Duplicate set.
	CreatePosting(ctx context.Context, p Posting) (*PostingResult, error)

	// GetAvailableBalance returns the aggregate available balance for a
	// user/asset in smallest units.
	GetAvailableBalance(ctx context.Context, userID, assetSymbol string) (int64, error)
}

// Idempotency key prefixes. The key, not the record store, is the true
// duplicate-prevention mechanism for settlement writes.
const (
	DepositKeyPrefix    = "deposit_"
	WithdrawalKeyPrefix = "withdrawal_"
	AdjustmentKeyPrefix = "adjustment_"
)
