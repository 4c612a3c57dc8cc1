// Package indexer polls the chain for new activity on watched custodial
// addresses and feeds signatures to the deposit processor.
package indexer

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"solana-custody-engine/internal/deposit"
	"solana-custody-engine/internal/events"
	"solana-custody-engine/internal/observability"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
)

const (
	defaultInterval  = 15 * time.Second
	defaultBatchSize = 25
)

// Indexer periodically sweeps a set of addresses for recent signatures.
type Indexer struct {
	rpc       solana.RPCClient
	processor *deposit.Processor
	txStore   storage.ChainTxStore
	emitter   events.Emitter
	addresses []string
	interval  time.Duration
	batchSize int
	logger    *log.Logger

	mu                sync.Mutex
	isRunning         bool
	cancel            context.CancelFunc
	done              chan struct{}
	lastProcessedSlot int64
	lastSweep         time.Time
}

// Options contains configuration for creating an Indexer.
type Options struct {
	RPC       solana.RPCClient
	Processor *deposit.Processor
	TxStore   storage.ChainTxStore
	Emitter   events.Emitter // optional, best effort
	Addresses []string
	Interval  time.Duration
	BatchSize int
	// StartSlot pins the first sweep to a historical slot. Zero means
	// start from the current chain tip.
	StartSlot int64
	Logger    *log.Logger
}

// New creates a new indexer.
func New(opts Options) *Indexer {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultInterval
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &Indexer{
		rpc:               opts.RPC,
		processor:         opts.Processor,
		txStore:           opts.TxStore,
		emitter:           opts.Emitter,
		addresses:         opts.Addresses,
		interval:          interval,
		batchSize:         batchSize,
		lastProcessedSlot: opts.StartSlot,
		logger:            logger,
	}
}

// Status is a snapshot of the indexer's progress.
type Status struct {
	Running           bool
	LastProcessedSlot int64
	LastSweep         time.Time
	Addresses         int
}

// Start launches the polling loop. It is an error to start a running indexer.
func (ix *Indexer) Start(ctx context.Context) error {
	ix.mu.Lock()
	if ix.isRunning {
		ix.mu.Unlock()
		return errors.New("indexer already running")
	}

	if ix.lastProcessedSlot == 0 {
		slot, err := ix.rpc.GetSlot(ctx)
		if err != nil {
			ix.mu.Unlock()
			return err
		}
		ix.lastProcessedSlot = slot
	}

	runCtx, cancel := context.WithCancel(ctx)
	ix.isRunning = true
	ix.cancel = cancel
	ix.done = make(chan struct{})
	ix.mu.Unlock()

	ix.logger.Printf("Indexer started: %d addresses, interval %s, from slot %d",
		len(ix.addresses), ix.interval, ix.lastProcessedSlot)

	go ix.run(runCtx)
	return nil
}

// Stop halts the polling loop and waits for the in-flight sweep to finish.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	if !ix.isRunning {
		ix.mu.Unlock()
		return
	}
	ix.isRunning = false
	cancel := ix.cancel
	done := ix.done
	ix.mu.Unlock()

	cancel()
	<-done
	ix.logger.Printf("Indexer stopped")
}

// Status reports the current indexer state.
func (ix *Indexer) Status() Status {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return Status{
		Running:           ix.isRunning,
		LastProcessedSlot: ix.lastProcessedSlot,
		LastSweep:         ix.lastSweep,
		Addresses:         len(ix.addresses),
	}
}

// ForceProcess runs one sweep synchronously, outside the schedule. Useful
// for backfills and tests.
func (ix *Indexer) ForceProcess(ctx context.Context) error {
	return ix.sweep(ctx)
}

func (ix *Indexer) run(ctx context.Context) {
	defer close(ix.done)

	// Immediate first sweep, then on the ticker.
	if err := ix.sweep(ctx); err != nil && ctx.Err() == nil {
		ix.logger.Printf("Indexer sweep failed: %v", err)
	}

	ticker := time.NewTicker(ix.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ix.sweep(ctx); err != nil && ctx.Err() == nil {
				ix.logger.Printf("Indexer sweep failed: %v", err)
			}
		}
	}
}

// sweep processes the most recent signatures for every watched address.
// One address failing does not stop the others.
func (ix *Indexer) sweep(ctx context.Context) error {
	start := time.Now()
	var maxSlot int64
	for _, addr := range ix.addresses {
		slot, err := ix.sweepAddress(ctx, addr)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			observability.DefaultMetrics.IndexerAddressErrors.Inc()
			ix.logger.Printf("Indexer: address %s: %v", addr, err)
			continue
		}
		if slot > maxSlot {
			maxSlot = slot
		}
	}

	ix.mu.Lock()
	if maxSlot > ix.lastProcessedSlot {
		ix.lastProcessedSlot = maxSlot
	}
	ix.lastSweep = time.Now()
	slot := ix.lastProcessedSlot
	ix.mu.Unlock()

	observability.RecordSweep(time.Since(start).Seconds(), slot)
	return nil
}

// sweepAddress fetches recent signatures for one address and runs the
// unseen ones through the deposit processor. Returns the highest slot seen.
func (ix *Indexer) sweepAddress(ctx context.Context, address string) (int64, error) {
	sigs, err := ix.rpc.GetSignaturesForAddress(ctx, address, &solana.SignaturesOpts{Limit: ix.batchSize})
	if err != nil {
		return 0, err
	}
	observability.DefaultMetrics.IndexerSignaturesSeen.Add(float64(len(sigs)))

	var maxSlot int64
	// Oldest first, so a crash resumes from a consistent point.
	for i := len(sigs) - 1; i >= 0; i-- {
		sig := sigs[i]
		if sig.Slot > maxSlot {
			maxSlot = sig.Slot
		}
		if sig.Err != nil {
			continue
		}
		if _, err := ix.txStore.GetBySignature(ctx, sig.Signature); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			ix.logger.Printf("Indexer: record lookup %s: %v", sig.Signature, err)
			continue
		}

		info, err := ix.processor.ProcessTransaction(ctx, sig.Signature, address)
		if err != nil {
			if ctx.Err() != nil {
				return maxSlot, ctx.Err()
			}
			// One bad transaction must not block the rest of the batch.
			ix.logger.Printf("Indexer: process %s: %v", sig.Signature, err)
			continue
		}
		if info != nil && ix.emitter != nil {
			if err := ix.emitter.Emit(ctx, events.NewEnvelope(events.TypeDeposit, info)); err != nil {
				ix.logger.Printf("Indexer: emit deposit %s: %v", info.Signature, err)
			}
		}
	}
	return maxSlot, nil
}
