// Package main replays historical signatures for one custodial address
// through the deposit processor. Processing is idempotent, so re-running a
// backfill over an already indexed range is safe.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"solana-custody-engine/internal/config"
	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/deposit"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
	"solana-custody-engine/internal/storage/memory"
	"solana-custody-engine/internal/storage/migrations"
	pgstore "solana-custody-engine/internal/storage/postgres"
)

func main() {
	address := flag.String("address", "", "Custodial address to backfill (required)")
	before := flag.String("before", "", "Start paging backwards from this signature")
	until := flag.String("until", "", "Stop paging at this signature")
	pageSize := flag.Int("page-size", 100, "Signatures per RPC page")
	maxPages := flag.Int("max-pages", 50, "Safety cap on pages to fetch")
	flag.Parse()

	logger := log.New(os.Stdout, "[backfill] ", log.LstdFlags)

	if *address == "" {
		logger.Fatal("--address is required")
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Configuration error: %v", err)
	}

	ctx := context.Background()

	var txStore storage.ChainTxStore
	var cleanup func()
	if cfg.UseMemory {
		txStore = memory.NewChainTxStore()
		cleanup = func() {}
	} else {
		pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
		if err != nil {
			logger.Fatalf("Connect to postgres: %v", err)
		}
		if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
			pool.Close()
			logger.Fatalf("Run migrations: %v", err)
		}
		txStore = pgstore.NewChainTxStore(pool)
		cleanup = pool.Close
	}
	defer cleanup()

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
		logger.Println("LEDGER_URL not set, using in-memory ledger (credits will not persist)")
		ledgerClient = ledger.NewMemoryLedger()
	}

	rpc := solana.NewHTTPClient(cfg.RPCEndpoint)
	processor := deposit.NewProcessor(deposit.ProcessorOptions{
		RPC:         rpc,
		TxStore:     txStore,
		Ledger:      ledgerClient,
		Assets:      domain.NewAssetTable(cfg.Assets),
		AddressBook: keyring,
		Logger:      logger,
	})

	var processed, credited, failed int
	cursor := *before
	for page := 0; page < *maxPages; page++ {
		sigs, err := rpc.GetSignaturesForAddress(ctx, *address, &solana.SignaturesOpts{
			Before: cursor,
			Until:  *until,
			Limit:  *pageSize,
		})
		if err != nil {
			logger.Fatalf("Fetch signatures: %v", err)
		}
		if len(sigs) == 0 {
			break
		}

		for _, sig := range sigs {
			processed++
			if sig.Err != nil {
				continue
			}
			info, err := processor.ProcessTransaction(ctx, sig.Signature, *address)
			if err != nil {
				failed++
				logger.Printf("Process %s: %v", sig.Signature, err)
				continue
			}
			if info != nil {
				credited++
			}
		}
		cursor = sigs[len(sigs)-1].Signature
		logger.Printf("Page %d: %d signatures scanned, cursor %s", page+1, len(sigs), cursor)
	}

	fmt.Printf("Backfill done: %d signatures scanned, %d deposits credited, %d errors\n",
		processed, credited, failed)
	if failed > 0 {
		os.Exit(1)
	}
}
