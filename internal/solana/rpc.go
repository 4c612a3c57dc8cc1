package solana

import "context"

// Commitment levels for confirmation queries.
const (
	CommitmentProcessed = "processed"
	CommitmentConfirmed = "confirmed"
	CommitmentFinalized = "finalized"
)

// RPCClient defines the chain read/submit interface the settlement engine
// depends on. Implemented by HTTPClient; tests supply fakes.
type RPCClient interface {
	// GetTransaction retrieves a confirmed transaction by signature with
	// parsed instructions and balance metadata. Returns nil if not found.
	GetTransaction(ctx context.Context, signature string) (*Transaction, error)

	// GetSignaturesForAddress retrieves recent signatures for an address,
	// newest first.
	GetSignaturesForAddress(ctx context.Context, address string, opts *SignaturesOpts) ([]SignatureInfo, error)

	// GetBalance retrieves the lamport balance of an address.
	GetBalance(ctx context.Context, address string) (uint64, error)

	// GetTokenAccountsByOwner retrieves token accounts held by owner for a mint.
	GetTokenAccountsByOwner(ctx context.Context, owner, mint string) ([]TokenAccount, error)

	// GetLatestBlockhash retrieves a recent blockhash for transaction building.
	GetLatestBlockhash(ctx context.Context) (*Blockhash, error)

	// SendTransaction submits a fully signed, serialized transaction.
	// Returns the transaction signature.
	SendTransaction(ctx context.Context, serialized []byte) (string, error)

	// SimulateTransaction simulates a signed transaction without submitting it.
	SimulateTransaction(ctx context.Context, serialized []byte) (*SimulationResult, error)

	// ConfirmTransaction blocks until the signature reaches the commitment
	// level or ctx expires.
	ConfirmTransaction(ctx context.Context, signature, commitment string) error

	// GetSlot retrieves the current slot.
	GetSlot(ctx context.Context) (int64, error)
}

// Transaction represents a confirmed Solana transaction.
type Transaction struct {
	Slot      int64
	Signature string
	BlockTime int64 // Unix timestamp (seconds)
	Meta      *TransactionMeta
	Message   *TransactionMessage
	Raw       []byte // raw RPC result JSON, kept for audit
}

// Failed reports whether the transaction errored on-chain.
func (t *Transaction) Failed() bool {
	return t.Meta != nil && t.Meta.Err != nil
}

// TransactionMeta contains transaction metadata.
type TransactionMeta struct {
	Err               interface{}
	Fee               uint64
	PreBalances       []uint64
	PostBalances      []uint64
	PreTokenBalances  []TokenBalance
	PostTokenBalances []TokenBalance
	LogMessages       []string
}

// TokenBalance is a pre/post token balance entry.
type TokenBalance struct {
	AccountIndex int
	Mint         string
	Owner        string
	Amount       uint64 // base units
}

// TransactionMessage contains the parsed transaction message.
type TransactionMessage struct {
	AccountKeys  []string
	Instructions []ParsedInstruction
}

// ParsedInstruction is one jsonParsed instruction.
type ParsedInstruction struct {
	Program   string // e.g. "system", "spl-token"
	ProgramID string
	Type      string // e.g. "transfer", "transferChecked"
	Info      InstructionInfo
}

// InstructionInfo holds the parsed fields relevant to transfer detection.
type InstructionInfo struct {
	Source      string
	Destination string
	Authority   string
	Mint        string
	Lamports    uint64
	Amount      uint64 // token base units
}

// TokenAccount is one SPL token account from getTokenAccountsByOwner.
type TokenAccount struct {
	Address string
	Mint    string
	Owner   string
	Amount  uint64 // base units
}

// Blockhash is a recent blockhash with its expiry height.
type Blockhash struct {
	Blockhash            string
	LastValidBlockHeight uint64
}

// SimulationResult is the outcome of simulateTransaction.
type SimulationResult struct {
	Err  interface{} // nil on success
	Logs []string
}

// SignatureStatus is one entry from getSignatureStatuses.
type SignatureStatus struct {
	Slot               int64
	Confirmations      *uint64
	ConfirmationStatus string
	Err                interface{}
}
