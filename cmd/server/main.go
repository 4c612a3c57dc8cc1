// Package main runs the settlement engine as a long-lived service:
// - Indexer (continuous): deposit detection on watched custodial addresses
// - Reconciliation (scheduled): on-chain vs ledger balance sweeps
// - HTTP API: withdrawal submission, status, health, Prometheus metrics
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"solana-custody-engine/internal/config"
	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/deposit"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/errcode"
	"solana-custody-engine/internal/events"
	"solana-custody-engine/internal/indexer"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/observability"
	"solana-custody-engine/internal/reconcile"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
	chstore "solana-custody-engine/internal/storage/clickhouse"
	"solana-custody-engine/internal/storage/memory"
	"solana-custody-engine/internal/storage/migrations"
	pgstore "solana-custody-engine/internal/storage/postgres"
	"solana-custody-engine/internal/withdrawal"
)

// Server holds all components of the settlement service.
type Server struct {
	cfg *config.Config

	indexer      *indexer.Indexer
	orchestrator *withdrawal.Orchestrator
	reconciler   *reconcile.Service
	wdStore      storage.WithdrawalStore
	logger       *log.Logger

	mu               sync.Mutex
	started          time.Time
	lastReconcileRun time.Time
	reconcileRuns    int
}

func main() {
	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lshortfile)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	server, cleanup, err := buildServer(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("Failed to build server: %v", err)
	}
	defer cleanup()

	done := make(chan error, 1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, initiating graceful shutdown...", sig)
		cancel()

		select {
		case sig := <-sigCh:
			logger.Printf("Received second signal %v, forcing immediate shutdown", sig)
			os.Exit(1)
		case <-time.After(30 * time.Second):
			logger.Println("Graceful shutdown timed out after 30s, forcing exit")
			os.Exit(1)
		case <-done:
		}
	}()

	go server.startHTTPServer(cfg.MetricsAddr)

	err = server.Run(ctx)
	done <- err
	cancel()

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatalf("Server error: %v", err)
	}
	logger.Println("Shutdown complete")
}

// buildServer wires every component from configuration.
func buildServer(ctx context.Context, cfg *config.Config, logger *log.Logger) (*Server, func(), error) {
	stores, cleanup, err := createStores(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}

	rpc := solana.NewHTTPClient(cfg.RPCEndpoint)
	var confirmer *solana.WSConfirmer
	if cfg.WSEndpoint != "" {
		confirmer = solana.NewWSConfirmer(cfg.WSEndpoint)
	}

	sponsor, err := custody.NewSignerFromSeed(cfg.SponsorSeed)
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("load sponsor key: %w", err)
	}
	keyring := custody.NewMemoryKeyring()
	for userID, seed := range cfg.CustodySeeds {
		if _, err := keyring.ImportSeed(userID, seed); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("import custody seed for %s: %w", userID, err)
		}
	}

	var ledgerClient ledger.Client
	if cfg.LedgerURL != "" {
		ledgerClient = ledger.NewHTTPClient(cfg.LedgerURL)
	} else {
		logger.Println("LEDGER_URL not set, using in-memory ledger")
		ledgerClient = ledger.NewMemoryLedger()
	}

	var emitters events.Multi
	if cfg.WebhookURL != "" {
		emitters = append(emitters, events.NewWebhookEmitter(cfg.WebhookURL, 10*time.Second))
	}
	if cfg.KafkaBroker != "" {
		emitters = append(emitters, events.NewKafkaEmitter(cfg.KafkaBroker, cfg.KafkaTopic))
	}
	var emitter events.Emitter
	if len(emitters) > 0 {
		emitter = emitters
	}

	assets := domain.NewAssetTable(cfg.Assets)

	processor := deposit.NewProcessor(deposit.ProcessorOptions{
		RPC:         rpc,
		TxStore:     stores.txStore,
		Ledger:      ledgerClient,
		Assets:      assets,
		AddressBook: keyring,
		Logger:      logger,
	})

	watch := cfg.WatchAddresses
	if len(watch) == 0 {
		for _, acct := range keyring.Accounts() {
			watch = append(watch, acct.Address)
		}
	}

	ix := indexer.New(indexer.Options{
		RPC:       rpc,
		Processor: processor,
		TxStore:   stores.txStore,
		Emitter:   emitter,
		Addresses: watch,
		Interval:  cfg.IndexerInterval,
		BatchSize: cfg.IndexerBatchSize,
		Logger:    logger,
	})

	orch := withdrawal.New(withdrawal.Options{
		RPC:                rpc,
		Confirmer:          confirmer,
		Store:              stores.wdStore,
		TxStore:            stores.txStore,
		Ledger:             ledgerClient,
		Keyring:            keyring,
		Sponsor:            sponsor,
		Assets:             assets,
		Emitter:            emitter,
		PriorityFee:        cfg.PriorityFee,
		MinSponsorLamports: cfg.MinSponsorLamports,
		ConfirmTimeout:     cfg.ConfirmTimeout,
		CheckBalance:       cfg.CheckBalance,
		Logger:             logger,
	})

	rec := reconcile.New(reconcile.Options{
		RPC:         rpc,
		Ledger:      ledgerClient,
		AddressBook: keyring,
		Assets:      assets,
		History:     stores.syncStore,
		Logger:      logger,
	})

	return &Server{
		cfg:          cfg,
		indexer:      ix,
		orchestrator: orch,
		reconciler:   rec,
		wdStore:      stores.wdStore,
		logger:       logger,
	}, cleanup, nil
}

// serverStores holds the storage implementations the server needs.
type serverStores struct {
	txStore   storage.ChainTxStore
	wdStore   storage.WithdrawalStore
	syncStore storage.BalanceSyncStore // nil without ClickHouse
}

func createStores(ctx context.Context, cfg *config.Config) (*serverStores, func(), error) {
	if cfg.UseMemory {
		return &serverStores{
			txStore:   memory.NewChainTxStore(),
			wdStore:   memory.NewWithdrawalStore(),
			syncStore: memory.NewBalanceSyncStore(),
		}, func() {}, nil
	}

	pool, err := pgstore.NewPool(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to postgres: %w", err)
	}
	if err := migrations.RunPostgresMigrations(ctx, pool); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("run postgres migrations: %w", err)
	}

	stores := &serverStores{
		txStore: pgstore.NewChainTxStore(pool),
		wdStore: pgstore.NewWithdrawalStore(pool),
	}
	cleanup := func() { pool.Close() }

	if cfg.ClickhouseDSN != "" {
		conn, err := migrations.RunClickhouseMigrations(ctx, cfg.ClickhouseDSN)
		if err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("connect to clickhouse: %w", err)
		}
		stores.syncStore = chstore.NewBalanceSyncStore(conn)
		cleanup = func() {
			conn.Close()
			pool.Close()
		}
	}
	return stores, cleanup, nil
}

// Run starts the continuous components and blocks until the context ends.
func (s *Server) Run(ctx context.Context) error {
	s.mu.Lock()
	s.started = time.Now()
	s.mu.Unlock()

	if err := s.indexer.Start(ctx); err != nil {
		return fmt.Errorf("start indexer: %w", err)
	}
	defer s.indexer.Stop()

	// Resolve withdrawals left SUBMITTED by a previous run.
	if err := s.orchestrator.ConfirmPending(ctx); err != nil && ctx.Err() == nil {
		s.logger.Printf("Pending withdrawal sweep: %v", err)
	}

	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.runReconcile(ctx)
		}
	}
}

func (s *Server) runReconcile(ctx context.Context) {
	start := time.Now()
	report, err := s.reconciler.SyncAllBalances(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Printf("Reconciliation sweep failed: %v", err)
		}
		return
	}
	s.mu.Lock()
	s.lastReconcileRun = start
	s.reconcileRuns++
	s.mu.Unlock()
	if len(report.Discrepancies) > 0 {
		s.logger.Printf("Reconciliation found %d discrepancies", len(report.Discrepancies))
	}
}

// startHTTPServer starts the HTTP server for the API, health and metrics.
func (s *Server) startHTTPServer(addr string) {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", observability.Handler())
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/withdrawals", s.handleWithdrawals)
	mux.HandleFunc("/withdrawals/", s.handleWithdrawalByID)

	s.logger.Printf("Starting HTTP server on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		s.logger.Printf("HTTP server error: %v", err)
	}
}

// StatusResponse is the JSON response for the /status endpoint.
type StatusResponse struct {
	Status            string    `json:"status"`
	Uptime            string    `json:"uptime"`
	IndexerRunning    bool      `json:"indexer_running"`
	LastProcessedSlot int64     `json:"last_processed_slot"`
	WatchedAddresses  int       `json:"watched_addresses"`
	LastReconcileRun  time.Time `json:"last_reconcile_run,omitempty"`
	ReconcileRuns     int       `json:"reconcile_runs"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	ixStatus := s.indexer.Status()

	s.mu.Lock()
	resp := StatusResponse{
		Status:            "running",
		Uptime:            time.Since(s.started).String(),
		IndexerRunning:    ixStatus.Running,
		LastProcessedSlot: ixStatus.LastProcessedSlot,
		WatchedAddresses:  ixStatus.Addresses,
		LastReconcileRun:  s.lastReconcileRun,
		ReconcileRuns:     s.reconcileRuns,
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

// WithdrawalRequest is the JSON body for POST /withdrawals.
type WithdrawalRequest struct {
	UserID      string `json:"user_id"`
	ToAddress   string `json:"to_address"`
	Amount      int64  `json:"amount"`
	AssetSymbol string `json:"asset_symbol"`
}

func (s *Server) handleWithdrawals(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req WithdrawalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid JSON body", http.StatusBadRequest)
		return
	}

	info, err := s.orchestrator.ProcessWithdrawal(r.Context(), withdrawal.Request{
		UserID:      req.UserID,
		ToAddress:   req.ToAddress,
		Amount:      req.Amount,
		AssetSymbol: req.AssetSymbol,
	})
	if err != nil && info == nil {
		// Rejected before anything was recorded.
		writeError(w, err, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err != nil {
		w.WriteHeader(http.StatusUnprocessableEntity)
	} else {
		w.WriteHeader(http.StatusCreated)
	}
	json.NewEncoder(w).Encode(withdrawalResponse(info))
}

func (s *Server) handleWithdrawalByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/withdrawals/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.Error(w, "missing withdrawal id", http.StatusBadRequest)
		return
	}

	switch {
	case r.Method == http.MethodGet && action == "":
		info, err := s.wdStore.GetByID(r.Context(), id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				http.Error(w, "withdrawal not found", http.StatusNotFound)
			} else {
				writeError(w, err, http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(withdrawalResponse(info))

	case r.Method == http.MethodPost && action == "cancel":
		info, err := s.orchestrator.Cancel(r.Context(), id)
		if err != nil {
			switch {
			case errors.Is(err, storage.ErrNotFound):
				http.Error(w, "withdrawal not found", http.StatusNotFound)
			case errors.Is(err, storage.ErrInvalidTransition):
				writeError(w, err, http.StatusConflict)
			default:
				writeError(w, err, http.StatusInternalServerError)
			}
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(withdrawalResponse(info))

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// WithdrawalResponse is the JSON view of a withdrawal.
type WithdrawalResponse struct {
	ID          string `json:"id"`
	UserID      string `json:"user_id"`
	ToAddress   string `json:"to_address"`
	Amount      int64  `json:"amount"`
	AssetSymbol string `json:"asset_symbol"`
	Status      string `json:"status"`
	Signature   string `json:"signature,omitempty"`
	Error       string `json:"error,omitempty"`
	CreatedAt   int64  `json:"created_at"`
	SubmittedAt int64  `json:"submitted_at,omitempty"`
	ConfirmedAt int64  `json:"confirmed_at,omitempty"`
}

func withdrawalResponse(info *domain.WithdrawalInfo) WithdrawalResponse {
	return WithdrawalResponse{
		ID:          info.ID,
		UserID:      info.UserID,
		ToAddress:   info.ToAddress,
		Amount:      info.Amount,
		AssetSymbol: info.AssetSymbol,
		Status:      string(info.Status),
		Signature:   info.Signature,
		Error:       info.Error,
		CreatedAt:   info.CreatedAt,
		SubmittedAt: info.SubmittedAt,
		ConfirmedAt: info.ConfirmedAt,
	}
}

func writeError(w http.ResponseWriter, err error, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{
		"error": err.Error(),
		"code":  string(errcode.CodeOf(err)),
	})
}
