package txproto

import (
	"bytes"
	"context"
	"fmt"
	"sync/atomic"

	"solana-custody-engine/internal/custody"
	"solana-custody-engine/internal/errcode"
	"solana-custody-engine/internal/solana"
)

// PreparedTx is one compiled transaction moving through sign and submit.
// It may be submitted exactly once; resubmission requires re-preparing with
// a fresh blockhash.
type PreparedTx struct {
	msg        *Message
	msgBytes   []byte
	signatures [][]byte // aligned with msg.SignerKeys()
	submitted  atomic.Bool
}

// Prepare compiles instructions into a transaction with the sponsor as fee
// payer.
func Prepare(sponsorKey string, instructions []Instruction, recentBlockhash string) (*PreparedTx, error) {
	msg, err := CompileMessage(sponsorKey, instructions, recentBlockhash)
	if err != nil {
		return nil, errcode.Wrap(errcode.PrepareFailed, err, "compile message")
	}
	msgBytes, err := msg.Serialize()
	if err != nil {
		return nil, errcode.Wrap(errcode.PrepareFailed, err, "serialize message")
	}
	return &PreparedTx{
		msg:        msg,
		msgBytes:   msgBytes,
		signatures: make([][]byte, msg.NumRequiredSignatures),
	}, nil
}

// Message returns the compiled message.
func (p *PreparedTx) Message() *Message {
	return p.msg
}

// Sign applies signatures in the given order. Counterpart programs expect
// the primary authority's signature applied before the sponsor's, so callers
// pass the user signer first, sponsor last. Every required signer must be
// covered.
func (p *PreparedTx) Sign(signers ...custody.Signer) error {
	slots := p.msg.SignerKeys()
	for _, signer := range signers {
		idx := -1
		for i, key := range slots {
			if key == signer.PublicKey() {
				idx = i
				break
			}
		}
		if idx < 0 {
			return errcode.New(errcode.SignFailed, "signer %s not required by transaction", signer.PublicKey())
		}
		sig, err := signer.Sign(p.msgBytes)
		if err != nil {
			return errcode.Wrap(errcode.SignFailed, err, "sign as %s", signer.PublicKey())
		}
		if len(sig) != 64 {
			return errcode.New(errcode.SignFailed, "signature from %s is %d bytes, want 64", signer.PublicKey(), len(sig))
		}
		p.signatures[idx] = sig
	}
	return nil
}

// FullySigned reports whether every required signature slot is filled.
func (p *PreparedTx) FullySigned() bool {
	for _, sig := range p.signatures {
		if sig == nil {
			return false
		}
	}
	return true
}

// Serialize encodes the signed transaction in wire format.
func (p *PreparedTx) Serialize() ([]byte, error) {
	if !p.FullySigned() {
		return nil, errcode.New(errcode.SignFailed, "transaction missing %d of %d signatures",
			p.missingSignatures(), len(p.signatures))
	}

	var buf bytes.Buffer
	writeCompactU16(&buf, len(p.signatures))
	for _, sig := range p.signatures {
		buf.Write(sig)
	}
	buf.Write(p.msgBytes)
	return buf.Bytes(), nil
}

func (p *PreparedTx) missingSignatures() int {
	n := 0
	for _, sig := range p.signatures {
		if sig == nil {
			n++
		}
	}
	return n
}

// Simulate runs the transaction through simulateTransaction and returns an
// error if the program execution would fail. Missing signatures are replaced
// with zero placeholders so simulation can run before signing; the endpoint
// does not verify signatures for simulation.
func (p *PreparedTx) Simulate(ctx context.Context, rpc solana.RPCClient) error {
	var buf bytes.Buffer
	writeCompactU16(&buf, len(p.signatures))
	zero := make([]byte, 64)
	for _, sig := range p.signatures {
		if sig == nil {
			sig = zero
		}
		buf.Write(sig)
	}
	buf.Write(p.msgBytes)
	serialized := buf.Bytes()
	result, err := rpc.SimulateTransaction(ctx, serialized)
	if err != nil {
		return err
	}
	if result.Err != nil {
		return classifySimulationError(result)
	}
	return nil
}

// classifySimulationError maps simulation failures onto the distinguished
// error conditions users see.
func classifySimulationError(result *solana.SimulationResult) error {
	errStr := fmt.Sprintf("%v", result.Err)
	for _, l := range result.Logs {
		errStr += " " + l
	}
	switch {
	case contains(errStr, "insufficient lamports"), contains(errStr, "insufficient funds"):
		return errcode.New(errcode.InsufficientFunds, "simulation: insufficient balance")
	case contains(errStr, "AccountNotFound"), contains(errStr, "could not find account"),
		contains(errStr, "invalid account data"):
		return errcode.New(errcode.MissingTokenAccount, "simulation: required account does not exist")
	default:
		return errcode.New(errcode.PrepareFailed, "simulation failed: %v", result.Err)
	}
}

func contains(s, sub string) bool {
	return bytes.Contains([]byte(s), []byte(sub))
}

// Submit sends the transaction exactly once. A second call fails regardless
// of whether the first submission succeeded, because its fee may already be
// spent; callers must re-prepare to retry.
func (p *PreparedTx) Submit(ctx context.Context, rpc solana.RPCClient) (string, error) {
	if !p.submitted.CompareAndSwap(false, true) {
		return "", errcode.New(errcode.SubmitFailed, "transaction already submitted once; re-prepare with a fresh blockhash")
	}

	serialized, err := p.Serialize()
	if err != nil {
		return "", err
	}

	signature, err := rpc.SendTransaction(ctx, serialized)
	if err != nil {
		return "", errcode.Wrap(errcode.SubmitFailed, err, "send transaction")
	}
	return signature, nil
}
