// Package deposit turns confirmed blockchain transactions into ledger
// credits exactly once.
package deposit

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/errcode"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/observability"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
)

// Processor detects incoming value on custodial addresses and records it.
type Processor struct {
	rpc         solana.RPCClient
	txStore     storage.ChainTxStore
	ledger      ledger.Client
	assets      *domain.AssetTable
	addressBook custody.AddressBook
	logger      *log.Logger
}

// ProcessorOptions contains configuration for creating a Processor.
type ProcessorOptions struct {
	RPC         solana.RPCClient
	TxStore     storage.ChainTxStore
	Ledger      ledger.Client
	Assets      *domain.AssetTable
	AddressBook custody.AddressBook
	Logger      *log.Logger
}

// NewProcessor creates a new deposit processor.
func NewProcessor(opts ProcessorOptions) *Processor {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Processor{
		rpc:         opts.RPC,
		txStore:     opts.TxStore,
		ledger:      opts.Ledger,
		assets:      opts.Assets,
		addressBook: opts.AddressBook,
		logger:      logger,
	}
}

// ProcessTransaction determines whether the transaction moved value onto the
// custodial address and, if so, posts a ledger credit and records the
// on-chain fact exactly once.
//
// Returns (nil, nil) when the transaction carries no deposit for this
// address: already processed, failed on-chain, or no detectable transfer.
func (p *Processor) ProcessTransaction(ctx context.Context, signature, custodialAddress string) (*domain.DepositInfo, error) {
	if !solana.ValidAddress(custodialAddress) {
		return nil, errcode.New(errcode.InvalidAddress, "invalid custodial address %q", custodialAddress)
	}

	userID, ok := p.addressBook.UserForAddress(custodialAddress)
	if !ok {
		return nil, errcode.New(errcode.InvalidAddress, "address %s is not a custodial address", custodialAddress)
	}

	// Idempotent re-entry: a known signature is a no-op, not an error.
	if _, err := p.txStore.GetBySignature(ctx, signature); err == nil {
		observability.DefaultMetrics.DepositsDuplicate.Inc()
		return nil, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("check record store: %w", err)
	}

	tx, err := p.rpc.GetTransaction(ctx, signature)
	if err != nil {
		return nil, err
	}
	if tx == nil {
		return nil, errcode.New(errcode.TxNotFound, "transaction %s not found", signature)
	}

	// Failed transactions never produce deposits.
	if tx.Failed() {
		return nil, nil
	}

	amount, asset, detected := p.detect(tx, custodialAddress)
	if !detected {
		return nil, nil
	}

	info := &domain.DepositInfo{
		Signature:   signature,
		UserID:      userID,
		ToAddress:   custodialAddress,
		Amount:      amount,
		AssetSymbol: asset.Symbol,
		Slot:        tx.Slot,
		BlockTime:   tx.BlockTime,
	}

	if err := p.settle(ctx, info, tx); err != nil {
		observability.RecordDepositError(string(errcode.CodeOf(err)))
		return nil, err
	}

	observability.RecordDeposit(asset.Symbol, amount)
	p.logger.Printf("Deposit detected: %d %s to %s (sig=%s)", amount, asset.Symbol, custodialAddress, signature)
	return info, nil
}

// detect finds the deposited amount and asset, if any.
//
// Native asset: compare the custodial address's pre and post balances inside
// the transaction's account list; a positive delta is a deposit.
//
// Tokens: scan parsed instructions for transfer-type instructions whose
// destination is the custodial address (or its token account), and verify
// the mint is a supported asset. Unknown mints are ignored.
func (p *Processor) detect(tx *solana.Transaction, custodialAddress string) (int64, domain.Asset, bool) {
	if tx.Meta == nil || tx.Message == nil {
		return 0, domain.Asset{}, false
	}

	// Native balance delta.
	for i, key := range tx.Message.AccountKeys {
		if key != custodialAddress {
			continue
		}
		if i < len(tx.Meta.PreBalances) && i < len(tx.Meta.PostBalances) {
			delta := int64(tx.Meta.PostBalances[i]) - int64(tx.Meta.PreBalances[i])
			if delta > 0 {
				native, _ := p.assets.BySymbol(domain.NativeSymbol)
				return delta, native, true
			}
		}
		break
	}

	// Token transfer instructions.
	for _, in := range tx.Message.Instructions {
		if in.Program != "spl-token" {
			continue
		}
		if in.Type != "transfer" && in.Type != "transferChecked" {
			continue
		}
		if !p.destinationMatches(tx, in.Info.Destination, custodialAddress) {
			continue
		}

		mint := in.Info.Mint
		if mint == "" {
			// Plain transfer instructions omit the mint; resolve it from the
			// transaction's token balance entries.
			mint = resolveMint(tx, in.Info.Destination, custodialAddress)
		}

		asset, ok := p.assets.ByMint(mint)
		if !ok {
			// Unsupported mint: no deposit, no error.
			continue
		}
		if in.Info.Amount == 0 {
			continue
		}
		return int64(in.Info.Amount), asset, true
	}

	return 0, domain.Asset{}, false
}

// destinationMatches accepts either the custodial address itself or a token
// account owned by it.
func (p *Processor) destinationMatches(tx *solana.Transaction, destination, custodialAddress string) bool {
	if destination == "" {
		return false
	}
	if destination == custodialAddress {
		return true
	}
	for _, tb := range tx.Meta.PostTokenBalances {
		if tb.Owner == custodialAddress && tb.AccountIndex < len(tx.Message.AccountKeys) &&
			tx.Message.AccountKeys[tb.AccountIndex] == destination {
			return true
		}
	}
	return false
}

// resolveMint finds the mint of the destination token account from the
// transaction's token balance metadata.
func resolveMint(tx *solana.Transaction, destination, custodialAddress string) string {
	for _, tb := range tx.Meta.PostTokenBalances {
		if tb.AccountIndex < len(tx.Message.AccountKeys) &&
			tx.Message.AccountKeys[tb.AccountIndex] == destination {
			return tb.Mint
		}
		if tb.Owner == custodialAddress {
			return tb.Mint
		}
	}
	return ""
}

// settle posts the ledger credit and creates the record. The posting goes
// first: its idempotency key is the true duplicate-prevention mechanism, so
// a crash between the two writes is safe to retry. A duplicate record insert
// after a successful posting is tolerated for the same reason.
func (p *Processor) settle(ctx context.Context, info *domain.DepositInfo, tx *solana.Transaction) error {
	_, err := p.ledger.CreatePosting(ctx, ledger.Posting{
		UserID:         info.UserID,
		AssetSymbol:    info.AssetSymbol,
		Direction:      ledger.Credit,
		Amount:         info.Amount,
		TxType:         "deposit",
		TxRef:          info.Signature,
		IdempotencyKey: ledger.DepositKeyPrefix + info.Signature,
	})
	if err != nil {
		return fmt.Errorf("post deposit credit: %w", err)
	}

	now := time.Now().UnixMilli()
	record := &domain.ChainTxRecord{
		Signature:   info.Signature,
		Purpose:     domain.PurposeDeposit,
		Status:      domain.TxStatusConfirmed,
		Amount:      info.Amount,
		AssetSymbol: info.AssetSymbol,
		UserID:      info.UserID,
		Slot:        info.Slot,
		BlockTime:   info.BlockTime,
		ConfirmedAt: now,
		RawPayload:  tx.Raw,
		CreatedAt:   now,
	}
	if err := p.txStore.Insert(ctx, record); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("insert deposit record: %w", err)
	}
	return nil
}
