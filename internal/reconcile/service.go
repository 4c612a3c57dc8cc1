// Package reconcile compares on-chain custodial balances against the
// off-chain ledger and surfaces discrepancies. It never mutates either side
// on its own; corrections are explicit operator actions.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/observability"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
)

// Service runs balance comparisons across custodial accounts.
type Service struct {
	rpc         solana.RPCClient
	ledger      ledger.Client
	addressBook custody.AddressBook
	assets      *domain.AssetTable
	history     storage.BalanceSyncStore // optional
	logger      *log.Logger
}

// Options contains configuration for creating a Service.
type Options struct {
	RPC         solana.RPCClient
	Ledger      ledger.Client
	AddressBook custody.AddressBook
	Assets      *domain.AssetTable
	History     storage.BalanceSyncStore
	Logger      *log.Logger
}

// New creates a new reconciliation service.
func New(opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Service{
		rpc:         opts.RPC,
		ledger:      opts.Ledger,
		addressBook: opts.AddressBook,
		assets:      opts.Assets,
		history:     opts.History,
		logger:      logger,
	}
}

// SyncUserBalances compares every supported asset for one custodial address.
func (s *Service) SyncUserBalances(ctx context.Context, userID, address string) ([]domain.BalanceSync, error) {
	now := time.Now().UnixMilli()
	var syncs []domain.BalanceSync

	for _, symbol := range s.assets.Symbols() {
		asset, _ := s.assets.BySymbol(symbol)

		onchain, err := s.onchainBalance(ctx, address, asset)
		if err != nil {
			return nil, fmt.Errorf("onchain balance %s/%s: %w", address, symbol, err)
		}
		offchain, err := s.ledger.GetAvailableBalance(ctx, userID, symbol)
		if err != nil {
			return nil, fmt.Errorf("ledger balance %s/%s: %w", userID, symbol, err)
		}

		diff := onchain - offchain
		syncs = append(syncs, domain.BalanceSync{
			UserID:              userID,
			Address:             address,
			AssetSymbol:         symbol,
			OnchainBalance:      onchain,
			OffchainBalance:     offchain,
			Difference:          diff,
			NeedsReconciliation: diff != 0,
			LastSynced:          now,
		})
	}
	return syncs, nil
}

// SyncAllBalances sweeps every custodial account. One account failing does
// not stop the sweep; its error lands in the report.
func (s *Service) SyncAllBalances(ctx context.Context) (*domain.SyncReport, error) {
	accounts := s.addressBook.Accounts()
	report := &domain.SyncReport{
		TotalAccounts: len(accounts),
		Timestamp:     time.Now().UnixMilli(),
	}

	var all []*domain.BalanceSync
	for _, acct := range accounts {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		syncs, err := s.SyncUserBalances(ctx, acct.UserID, acct.Address)
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("%s: %v", acct.Address, err))
			s.logger.Printf("Reconcile: account %s: %v", acct.Address, err)
			continue
		}
		report.SyncedAccounts++
		for i := range syncs {
			all = append(all, &syncs[i])
			if syncs[i].NeedsReconciliation {
				report.Discrepancies = append(report.Discrepancies, syncs[i])
			}
		}
	}

	if s.history != nil && len(all) > 0 {
		if err := s.history.InsertBulk(ctx, all); err != nil {
			// History is an audit trail, not the sweep's deliverable.
			s.logger.Printf("Reconcile: persist sync history: %v", err)
		}
	}

	observability.RecordReconcileSweep(len(report.Discrepancies), len(report.Errors), float64(report.Timestamp)/1000)
	s.logger.Printf("Reconcile sweep done: %d/%d accounts, %d discrepancies, %d errors",
		report.SyncedAccounts, report.TotalAccounts, len(report.Discrepancies), len(report.Errors))
	return report, nil
}

// Resolve applies an explicit operator decision to one discrepancy.
//
// adjust_offchain posts a correcting ledger entry so the off-chain balance
// matches the chain. manual_review records the intent and changes nothing.
func (s *Service) Resolve(ctx context.Context, sync domain.BalanceSync, action domain.ReconcileAction) error {
	if !sync.NeedsReconciliation {
		return fmt.Errorf("balances for %s/%s already match", sync.UserID, sync.AssetSymbol)
	}

	switch action {
	case domain.ReconcileManualReview:
		s.logger.Printf("Reconcile: %s/%s flagged for manual review (diff=%d)",
			sync.UserID, sync.AssetSymbol, sync.Difference)
		return nil

	case domain.ReconcileAdjustOffchain:
		direction := ledger.Credit
		amount := sync.Difference
		if amount < 0 {
			direction = ledger.Debit
			amount = -amount
		}
		_, err := s.ledger.CreatePosting(ctx, ledger.Posting{
			UserID:      sync.UserID,
			AssetSymbol: sync.AssetSymbol,
			Direction:   direction,
			Amount:      amount,
			TxType:      "adjustment",
			IdempotencyKey: fmt.Sprintf("%s%s_%s_%d",
				ledger.AdjustmentKeyPrefix, sync.UserID, sync.AssetSymbol, sync.LastSynced),
			Metadata: map[string]string{
				"address":    sync.Address,
				"difference": fmt.Sprintf("%d", sync.Difference),
			},
		})
		if err != nil {
			return fmt.Errorf("post adjustment: %w", err)
		}
		s.logger.Printf("Reconcile: adjusted %s/%s off-chain by %s%d",
			sync.UserID, sync.AssetSymbol, direction, amount)
		return nil

	default:
		return fmt.Errorf("unknown reconcile action %q", action)
	}
}

// onchainBalance reads the chain balance for one asset at an address.
func (s *Service) onchainBalance(ctx context.Context, address string, asset domain.Asset) (int64, error) {
	if asset.Symbol == domain.NativeSymbol {
		lamports, err := s.rpc.GetBalance(ctx, address)
		if err != nil {
			return 0, err
		}
		return int64(lamports), nil
	}
	accounts, err := s.rpc.GetTokenAccountsByOwner(ctx, address, asset.Mint)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, a := range accounts {
		total += int64(a.Amount)
	}
	return total, nil
}
