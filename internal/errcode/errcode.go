// Package errcode defines the enumerated error taxonomy shared by the
// settlement components. Callers branch on Code rather than on error strings.
package errcode

import (
	"errors"
	"fmt"
)

// Code identifies a failure category.
type Code string

const (
	// RPC layer
	RPCConnection  Code = "RPC_CONNECTION"
	RPCTimeout     Code = "RPC_TIMEOUT"
	RPCRateLimited Code = "RPC_RATE_LIMITED"

	// Chain transaction
	TxNotFound Code = "TX_NOT_FOUND"
	TxFailed   Code = "TX_FAILED"
	TxTimeout  Code = "TX_TIMEOUT"

	// Balances
	InsufficientFunds        Code = "INSUFFICIENT_FUNDS"
	InsufficientSponsorFunds Code = "INSUFFICIENT_SPONSOR_FUNDS"
	MissingTokenAccount      Code = "MISSING_TOKEN_ACCOUNT"

	// Deposits
	DepositNotFound         Code = "DEPOSIT_NOT_FOUND"
	DepositAlreadyProcessed Code = "DEPOSIT_ALREADY_PROCESSED"
	AmountMismatch          Code = "AMOUNT_MISMATCH"

	// Withdrawals
	PrepareFailed Code = "WITHDRAWAL_PREPARE_FAILED"
	SignFailed    Code = "WITHDRAWAL_SIGN_FAILED"
	SubmitFailed  Code = "WITHDRAWAL_SUBMIT_FAILED"

	// Validation
	InvalidMint    Code = "INVALID_MINT"
	InvalidAddress Code = "INVALID_ADDRESS"

	// Background sweeps
	Indexer Code = "INDEXER_ERROR"
	Sync    Code = "SYNC_ERROR"

	// Side channels
	WebhookDelivery Code = "WEBHOOK_DELIVERY_FAILED"

	// Capability explicitly not available (no silent fallback).
	Unavailable Code = "UNAVAILABLE"
)

// Error is a coded error with an optional wrapped cause.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the wrapped cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a coded error with a formatted message.
func New(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a coded error wrapping a cause.
func Wrap(code Code, err error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// CodeOf extracts the Code from err, or "" if err carries none.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the failure category is worth retrying with
// backoff. Rate limits and timeouts are transient; everything else is a
// caller/operator decision.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case RPCRateLimited, RPCTimeout, RPCConnection, TxTimeout:
		return true
	default:
		return false
	}
}
