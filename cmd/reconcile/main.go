// Package main runs one reconciliation sweep and prints the report.
// Intended for cron or manual operator runs.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"solana-custody-engine/internal/config"
	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/reconcile"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
	chstore "solana-custody-engine/internal/storage/clickhouse"
	"solana-custody-engine/internal/storage/migrations"
)

func main() {
	userID := flag.String("user", "", "Reconcile a single user instead of the full sweep")
	asJSON := flag.Bool("json", false, "Print the report as JSON")
	flag.Parse()

	logger := log.New(os.Stderr, "[reconcile] ", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Configuration error: %v", err)
	}

	ctx := context.Background()

	keyring := custody.NewMemoryKeyring()
	for id, seed := range cfg.CustodySeeds {
		if _, err := keyring.ImportSeed(id, seed); err != nil {
			logger.Fatalf("Import custody seed for %s: %v", id, err)
		}
	}

	var ledgerClient ledger.Client
	if cfg.LedgerURL != "" {
		ledgerClient = ledger.NewHTTPClient(cfg.LedgerURL)
	} else {
		ledgerClient = ledger.NewMemoryLedger()
	}

	var history storage.BalanceSyncStore
	if cfg.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			logger.Fatalf("Connect to clickhouse: %v", err)
		}
		defer conn.Close()
		history = chstore.NewBalanceSyncStore(conn)
	}

	svc := reconcile.New(reconcile.Options{
		RPC:         solana.NewHTTPClient(cfg.RPCEndpoint),
		Ledger:      ledgerClient,
		AddressBook: keyring,
		Assets:      domain.NewAssetTable(cfg.Assets),
		History:     history,
		Logger:      logger,
	})

	if *userID != "" {
		address := ""
		for _, acct := range keyring.Accounts() {
			if acct.UserID == *userID {
				address = acct.Address
				break
			}
		}
		if address == "" {
			logger.Fatalf("No custodial account for user %s", *userID)
		}
		syncs, err := svc.SyncUserBalances(ctx, *userID, address)
		if err != nil {
			logger.Fatalf("Sync failed: %v", err)
		}
		printSyncs(syncs, *asJSON)
		return
	}

	report, err := svc.SyncAllBalances(ctx)
	if err != nil {
		logger.Fatalf("Sweep failed: %v", err)
	}

	if *asJSON {
		json.NewEncoder(os.Stdout).Encode(report)
	} else {
		fmt.Printf("Accounts: %d synced / %d total\n", report.SyncedAccounts, report.TotalAccounts)
		fmt.Printf("Discrepancies: %d\n", len(report.Discrepancies))
		printSyncs(report.Discrepancies, false)
		for _, e := range report.Errors {
			fmt.Printf("ERROR %s\n", e)
		}
	}

	if len(report.Discrepancies) > 0 {
		os.Exit(2)
	}
}

func printSyncs(syncs []domain.BalanceSync, asJSON bool) {
	if asJSON {
		json.NewEncoder(os.Stdout).Encode(syncs)
		return
	}
	for _, s := range syncs {
		marker := " "
		if s.NeedsReconciliation {
			marker = "!"
		}
		fmt.Printf("%s %-12s %-6s onchain=%d offchain=%d diff=%d\n",
			marker, s.UserID, s.AssetSymbol, s.OnchainBalance, s.OffchainBalance, s.Difference)
	}
}
