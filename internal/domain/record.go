package domain

// TxPurpose classifies why the platform touched a chain transaction.
type TxPurpose string

const (
	PurposeDeposit  TxPurpose = "DEPOSIT"
	PurposeWithdraw TxPurpose = "WITHDRAW"
)

// TxStatus is the on-chain settlement status of a recorded transaction.
type TxStatus string

const (
	TxStatusPending   TxStatus = "PENDING"
	TxStatusConfirmed TxStatus = "CONFIRMED"
	TxStatusFailed    TxStatus = "FAILED"
)

// ChainTxRecord is the local record of one blockchain transaction the system
// has processed. The signature is the global dedup key: a signature is
// processed at most once no matter how often the indexer observes it.
// Corresponds to chain_tx_records table in PostgreSQL.
type ChainTxRecord struct {
	Signature   string    // PRIMARY KEY, base58 transaction signature
	Purpose     TxPurpose // DEPOSIT | WITHDRAW
	Status      TxStatus  // PENDING | CONFIRMED | FAILED
	Amount      int64     // smallest unit (lamports / token base units)
	AssetSymbol string
	UserID      string
	Slot        int64
	BlockTime   int64  // Unix timestamp (seconds), 0 if unknown
	ToAddress   string // destination, withdrawals only
	ConfirmedAt int64  // Unix ms, 0 until confirmed
	RawPayload  []byte // raw transaction JSON for audit
	CreatedAt   int64  // record creation timestamp (ms)
}
