// Package withdrawal drives outbound transfers through the full lifecycle:
// request, dual-signature transaction build, submission, ledger debit and
// on-chain confirmation.
package withdrawal

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/domain"
	"solana-custody-engine/internal/errcode"
	"solana-custody-engine/internal/events"
	"solana-custody-engine/internal/idhash"
	"solana-custody-engine/internal/ledger"
	"solana-custody-engine/internal/observability"
	"solana-custody-engine/internal/solana"
	"solana-custody-engine/internal/storage"
	"solana-custody-engine/internal/txproto"
)

const (
	defaultConfirmTimeout     = 90 * time.Second
	defaultMinSponsorLamports = 10_000_000 // 0.01 SOL fee reserve
)

// Request describes one withdrawal to execute.
type Request struct {
	UserID      string
	ToAddress   string
	Amount      int64 // smallest unit
	AssetSymbol string
}

// Orchestrator executes withdrawals end to end.
type Orchestrator struct {
	rpc                solana.RPCClient
	confirmer          *solana.WSConfirmer // optional, falls back to RPC polling
	store              storage.WithdrawalStore
	txStore            storage.ChainTxStore
	ledger             ledger.Client
	keyring            custody.Keyring
	sponsor            custody.Signer
	assets             *domain.AssetTable
	emitter            events.Emitter // optional, best effort
	priorityFee        uint64         // micro-lamports per compute unit, 0 disables
	minSponsorLamports uint64
	confirmTimeout     time.Duration
	checkBalance       bool
	logger             *log.Logger
}

// Options contains configuration for creating an Orchestrator.
type Options struct {
	RPC       solana.RPCClient
	Confirmer *solana.WSConfirmer
	Store     storage.WithdrawalStore
	TxStore   storage.ChainTxStore
	Ledger    ledger.Client
	Keyring   custody.Keyring
	Sponsor   custody.Signer
	Assets    *domain.AssetTable
	Emitter   events.Emitter
	// PriorityFee is the compute unit price attached to every transaction,
	// in micro-lamports. Zero omits the instruction.
	PriorityFee uint64
	// MinSponsorLamports is the sponsor balance below which withdrawals are
	// refused before signing.
	MinSponsorLamports uint64
	ConfirmTimeout     time.Duration
	// CheckBalance enables the off-chain available-balance check during
	// validation.
	CheckBalance bool
	Logger       *log.Logger
}

// New creates a new withdrawal orchestrator.
func New(opts Options) *Orchestrator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	confirmTimeout := opts.ConfirmTimeout
	if confirmTimeout <= 0 {
		confirmTimeout = defaultConfirmTimeout
	}
	minSponsor := opts.MinSponsorLamports
	if minSponsor == 0 {
		minSponsor = defaultMinSponsorLamports
	}
	return &Orchestrator{
		rpc:                opts.RPC,
		confirmer:          opts.Confirmer,
		store:              opts.Store,
		txStore:            opts.TxStore,
		ledger:             opts.Ledger,
		keyring:            opts.Keyring,
		sponsor:            opts.Sponsor,
		assets:             opts.Assets,
		emitter:            opts.Emitter,
		priorityFee:        opts.PriorityFee,
		minSponsorLamports: minSponsor,
		confirmTimeout:     confirmTimeout,
		checkBalance:       opts.CheckBalance,
		logger:             logger,
	}
}

// ProcessWithdrawal runs one withdrawal through the state machine. The
// returned WithdrawalInfo reflects the final persisted state; a non-nil
// error always corresponds to a FAILED (or still SUBMITTED, for confirmation
// timeouts) row.
func (o *Orchestrator) ProcessWithdrawal(ctx context.Context, req Request) (*domain.WithdrawalInfo, error) {
	asset, err := o.validate(ctx, req)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	w := &domain.WithdrawalInfo{
		ID:          idhash.ComputeWithdrawalID(req.UserID, req.ToAddress, req.Amount, req.AssetSymbol, now.UnixMilli()),
		UserID:      req.UserID,
		ToAddress:   req.ToAddress,
		Amount:      req.Amount,
		AssetSymbol: req.AssetSymbol,
		Status:      domain.WithdrawalPending,
		CreatedAt:   now.UnixMilli(),
	}
	if err := o.store.Insert(ctx, w); err != nil {
		return nil, fmt.Errorf("insert withdrawal: %w", err)
	}

	if err := o.execute(ctx, w, asset); err != nil {
		return w, err
	}
	return w, nil
}

// Cancel aborts a withdrawal that has not started executing. Only PENDING
// withdrawals can be cancelled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (*domain.WithdrawalInfo, error) {
	w, err := o.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.Status != domain.WithdrawalPending {
		return nil, fmt.Errorf("cannot cancel withdrawal in status %s: %w", w.Status, storage.ErrInvalidTransition)
	}
	w.Status = domain.WithdrawalCancelled
	if err := o.store.Update(ctx, w); err != nil {
		return nil, err
	}
	return w, nil
}

// validate checks the request without side effects.
func (o *Orchestrator) validate(ctx context.Context, req Request) (domain.Asset, error) {
	if req.Amount <= 0 {
		return domain.Asset{}, errcode.New(errcode.PrepareFailed, "amount must be positive, got %d", req.Amount)
	}
	if !solana.ValidAddress(req.ToAddress) {
		return domain.Asset{}, errcode.New(errcode.InvalidAddress, "invalid destination address %q", req.ToAddress)
	}
	asset, ok := o.assets.BySymbol(req.AssetSymbol)
	if !ok {
		return domain.Asset{}, errcode.New(errcode.InvalidMint, "unsupported asset %q", req.AssetSymbol)
	}
	if o.checkBalance {
		available, err := o.ledger.GetAvailableBalance(ctx, req.UserID, req.AssetSymbol)
		if err != nil {
			return domain.Asset{}, fmt.Errorf("check available balance: %w", err)
		}
		if available < req.Amount {
			return domain.Asset{}, errcode.New(errcode.InsufficientFunds,
				"insufficient balance: available %d, required %d", available, req.Amount)
		}
	}
	return asset, nil
}

// execute drives the inserted withdrawal from PENDING to a terminal state.
func (o *Orchestrator) execute(ctx context.Context, w *domain.WithdrawalInfo, asset domain.Asset) error {
	if err := o.transition(ctx, w, domain.WithdrawalPreparing); err != nil {
		return err
	}

	tx, err := o.prepare(ctx, w, asset)
	if err != nil {
		return o.fail(ctx, w, err)
	}

	userSigner, err := o.keyring.SignerFor(ctx, w.UserID)
	if err != nil {
		return o.fail(ctx, w, errcode.Wrap(errcode.SignFailed, err, "resolve user signer"))
	}
	// User authorization first, sponsor countersignature second.
	if err := tx.Sign(userSigner, o.sponsor); err != nil {
		return o.fail(ctx, w, err)
	}
	if err := o.transition(ctx, w, domain.WithdrawalSigned); err != nil {
		return err
	}

	sig, err := tx.Submit(ctx, o.rpc)
	if err != nil {
		return o.fail(ctx, w, err)
	}
	w.Signature = sig
	w.SubmittedAt = time.Now().UnixMilli()
	if err := o.transition(ctx, w, domain.WithdrawalSubmitted); err != nil {
		return err
	}
	o.logger.Printf("Withdrawal %s submitted: sig=%s", w.ID, sig)

	// The transaction is on the wire: debit the ledger and record the
	// signature before waiting for finality. A failure here must not fail
	// the withdrawal; confirm retries the settlement under the same
	// idempotency key.
	if err := o.settle(ctx, w); err != nil {
		o.logger.Printf("Withdrawal %s: settle after submit: %v", w.ID, err)
	}

	return o.confirm(ctx, w)
}

// prepare builds, fee-checks and simulates the dual-signature transaction.
func (o *Orchestrator) prepare(ctx context.Context, w *domain.WithdrawalInfo, asset domain.Asset) (*txproto.PreparedTx, error) {
	userSigner, err := o.keyring.SignerFor(ctx, w.UserID)
	if err != nil {
		return nil, errcode.Wrap(errcode.PrepareFailed, err, "resolve user signer")
	}
	userAddress := userSigner.PublicKey()

	blockhash, err := o.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return nil, errcode.Wrap(errcode.PrepareFailed, err, "fetch blockhash")
	}

	var instrs []txproto.Instruction
	if asset.Symbol == domain.NativeSymbol {
		instrs = append(instrs, txproto.SystemTransfer(userAddress, w.ToAddress, uint64(w.Amount)))
	} else {
		transfer, err := o.tokenTransfer(ctx, w, asset, userAddress)
		if err != nil {
			return nil, err
		}
		instrs = append(instrs, transfer)
	}
	if o.priorityFee > 0 {
		instrs = append(instrs, txproto.ComputeUnitPrice(o.priorityFee))
	}

	tx, err := txproto.Prepare(o.sponsor.PublicKey(), instrs, blockhash.Blockhash)
	if err != nil {
		return nil, err
	}

	// Refuse to spend a signature if the sponsor cannot pay the fee.
	sponsorBalance, err := o.rpc.GetBalance(ctx, o.sponsor.PublicKey())
	if err != nil {
		return nil, errcode.Wrap(errcode.PrepareFailed, err, "check sponsor balance")
	}
	observability.DefaultMetrics.SponsorBalance.Set(float64(sponsorBalance))
	if sponsorBalance < o.minSponsorLamports {
		return nil, errcode.New(errcode.InsufficientSponsorFunds,
			"sponsor balance %d below fee reserve %d", sponsorBalance, o.minSponsorLamports)
	}

	if err := tx.Simulate(ctx, o.rpc); err != nil {
		return nil, err
	}
	return tx, nil
}

// tokenTransfer resolves both sides' token accounts and builds the transfer
// instruction. The missing-account cases get distinct messages: the source
// missing is the custodian's problem, the destination missing is the
// recipient's.
func (o *Orchestrator) tokenTransfer(ctx context.Context, w *domain.WithdrawalInfo, asset domain.Asset, userAddress string) (txproto.Instruction, error) {
	source, err := o.tokenAccount(ctx, userAddress, asset.Mint)
	if err != nil {
		return txproto.Instruction{}, err
	}
	if source == "" {
		return txproto.Instruction{}, errcode.New(errcode.MissingTokenAccount,
			"user %s holds no %s token account", w.UserID, asset.Symbol)
	}
	dest, err := o.tokenAccount(ctx, w.ToAddress, asset.Mint)
	if err != nil {
		return txproto.Instruction{}, err
	}
	if dest == "" {
		return txproto.Instruction{}, errcode.New(errcode.MissingTokenAccount,
			"destination %s holds no %s token account", w.ToAddress, asset.Symbol)
	}
	return txproto.TokenTransfer(source, dest, userAddress, uint64(w.Amount)), nil
}

func (o *Orchestrator) tokenAccount(ctx context.Context, owner, mint string) (string, error) {
	accounts, err := o.rpc.GetTokenAccountsByOwner(ctx, owner, mint)
	if err != nil {
		return "", errcode.Wrap(errcode.PrepareFailed, err, "resolve token account for %s", owner)
	}
	if len(accounts) == 0 {
		return "", nil
	}
	return accounts[0].Address, nil
}

// settle debits the off-chain ledger and inserts the pending on-chain
// record. The posting's idempotency key makes retries after a crash safe.
func (o *Orchestrator) settle(ctx context.Context, w *domain.WithdrawalInfo) error {
	_, err := o.ledger.CreatePosting(ctx, ledger.Posting{
		UserID:         w.UserID,
		AssetSymbol:    w.AssetSymbol,
		Direction:      ledger.Debit,
		Amount:         w.Amount,
		TxType:         "withdrawal",
		TxRef:          w.Signature,
		IdempotencyKey: ledger.WithdrawalKeyPrefix + w.Signature,
	})
	if err != nil {
		return fmt.Errorf("post withdrawal debit: %w", err)
	}

	record := &domain.ChainTxRecord{
		Signature:   w.Signature,
		Purpose:     domain.PurposeWithdraw,
		Status:      domain.TxStatusPending,
		Amount:      w.Amount,
		AssetSymbol: w.AssetSymbol,
		UserID:      w.UserID,
		ToAddress:   w.ToAddress,
		CreatedAt:   time.Now().UnixMilli(),
	}
	if err := o.txStore.Insert(ctx, record); err != nil && !errors.Is(err, storage.ErrDuplicateKey) {
		return fmt.Errorf("insert withdrawal record: %w", err)
	}
	return nil
}

// confirm waits for the submitted transaction to reach finality and settles
// the terminal state in both stores.
func (o *Orchestrator) confirm(ctx context.Context, w *domain.WithdrawalInfo) error {
	waitCtx, cancel := context.WithTimeout(ctx, o.confirmTimeout)
	defer cancel()

	var err error
	if o.confirmer != nil {
		err = o.confirmer.WaitForSignature(waitCtx, w.Signature, solana.CommitmentConfirmed)
	} else {
		err = o.rpc.ConfirmTransaction(waitCtx, w.Signature, solana.CommitmentConfirmed)
	}

	switch {
	case err == nil:
		// The debit and the chain record may still be missing if the
		// process died between submission and settlement; the idempotency
		// key makes this a no-op otherwise.
		if serr := o.settle(ctx, w); serr != nil {
			o.logger.Printf("Withdrawal %s: settle on confirm: %v", w.ID, serr)
			return serr
		}
		now := time.Now().UnixMilli()
		w.ConfirmedAt = now
		if err := o.transition(ctx, w, domain.WithdrawalConfirmed); err != nil {
			return err
		}
		if err := o.txStore.UpdateStatus(ctx, w.Signature, domain.TxStatusConfirmed, now); err != nil {
			o.logger.Printf("Withdrawal %s: record confirm: %v", w.ID, err)
		}
		o.logger.Printf("Withdrawal %s confirmed: sig=%s", w.ID, w.Signature)
		observability.RecordWithdrawal(string(w.Status), float64(now-w.CreatedAt)/1000)
		o.emit(ctx, w)
		return nil

	case errcode.Is(err, errcode.TxFailed):
		// Definitive on-chain failure.
		if rerr := o.txStore.UpdateStatus(ctx, w.Signature, domain.TxStatusFailed, 0); rerr != nil {
			o.logger.Printf("Withdrawal %s: record fail: %v", w.ID, rerr)
		}
		return o.fail(ctx, w, err)

	default:
		// Timeout or transport trouble: the outcome is unknown, not
		// failed. Leave SUBMITTED for the pending sweep to resolve.
		o.logger.Printf("Withdrawal %s: confirmation unresolved, left SUBMITTED (sig=%s): %v", w.ID, w.Signature, err)
		return nil
	}
}

// ConfirmPending resolves withdrawals stuck in SUBMITTED, e.g. after a
// restart or a confirmation timeout.
func (o *Orchestrator) ConfirmPending(ctx context.Context) error {
	pending, err := o.store.ListByStatus(ctx, domain.WithdrawalSubmitted, 100)
	if err != nil {
		return fmt.Errorf("list submitted withdrawals: %w", err)
	}
	for _, w := range pending {
		if err := o.confirm(ctx, w); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			o.logger.Printf("Withdrawal %s: pending confirm: %v", w.ID, err)
		}
	}
	return nil
}

// transition moves the withdrawal to the next state and persists it.
func (o *Orchestrator) transition(ctx context.Context, w *domain.WithdrawalInfo, next domain.WithdrawalStatus) error {
	if !w.Status.CanTransitionTo(next) {
		return fmt.Errorf("withdrawal %s: %s -> %s: %w", w.ID, w.Status, next, storage.ErrInvalidTransition)
	}
	w.Status = next
	if err := o.store.Update(ctx, w); err != nil {
		return fmt.Errorf("persist withdrawal %s: %w", w.ID, err)
	}
	return nil
}

// fail records the cause, moves the withdrawal to FAILED and returns the
// original error.
func (o *Orchestrator) fail(ctx context.Context, w *domain.WithdrawalInfo, cause error) error {
	w.Error = cause.Error()
	observability.RecordWithdrawalError(string(errcode.CodeOf(cause)))
	if w.Status.CanTransitionTo(domain.WithdrawalFailed) {
		w.Status = domain.WithdrawalFailed
		if err := o.store.Update(ctx, w); err != nil {
			o.logger.Printf("Withdrawal %s: persist FAILED: %v", w.ID, err)
		}
	}
	o.logger.Printf("Withdrawal %s failed: %v", w.ID, cause)
	o.emit(ctx, w)
	return cause
}

func (o *Orchestrator) emit(ctx context.Context, w *domain.WithdrawalInfo) {
	if o.emitter == nil {
		return
	}
	if err := o.emitter.Emit(ctx, events.NewEnvelope(events.TypeWithdrawal, w)); err != nil {
		o.logger.Printf("Withdrawal %s: emit: %v", w.ID, err)
	}
}
