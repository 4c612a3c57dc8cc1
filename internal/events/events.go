// Package events publishes settlement events to best-effort side channels.
// Delivery is at-most-once: the record store and the ledger are the sources
// of truth, never an emitted event.
package events

import (
	"context"
	"time"
)

// Event types carried in the envelope.
const (
	TypeDeposit    = "deposit"
	TypeWithdrawal = "withdrawal"
	TypeError      = "error"
)

// Envelope is the typed payload delivered to every sink.
type Envelope struct {
	Type      string      `json:"type"` // deposit | withdrawal | error
	Data      interface{} `json:"data"`
	Timestamp int64       `json:"timestamp"` // Unix ms
	Source    string      `json:"source"`
}

// NewEnvelope wraps a payload with the current timestamp.
func NewEnvelope(eventType string, data interface{}) Envelope {
	return Envelope{
		Type:      eventType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
		Source:    "settlement-engine",
	}
}

// Emitter delivers an event to one sink. Implementations must not block
// indefinitely and must not be relied upon for correctness.
type Emitter interface {
	Emit(ctx context.Context, e Envelope) error
}

// Multi fans out to several emitters, returning the first error after
// attempting all of them.
type Multi []Emitter

// Emit sends the envelope to every emitter.
func (m Multi) Emit(ctx context.Context, e Envelope) error {
	var firstErr error
	for _, em := range m {
		if err := em.Emit(ctx, e); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
