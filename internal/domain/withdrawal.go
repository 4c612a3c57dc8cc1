package domain

// WithdrawalStatus is one state of the withdrawal state machine.
type WithdrawalStatus string

const (
	WithdrawalPending   WithdrawalStatus = "PENDING"
	WithdrawalPreparing WithdrawalStatus = "PREPARING"
	WithdrawalSigned    WithdrawalStatus = "SIGNED"
	WithdrawalSubmitted WithdrawalStatus = "SUBMITTED"
	WithdrawalConfirmed WithdrawalStatus = "CONFIRMED"
	WithdrawalFailed    WithdrawalStatus = "FAILED"
	WithdrawalCancelled WithdrawalStatus = "CANCELLED"
)

// withdrawalEdges lists the legal transitions. FAILED is reachable from every
// non-terminal state; CANCELLED only from PENDING.
var withdrawalEdges = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalPending:   {WithdrawalPreparing, WithdrawalFailed, WithdrawalCancelled},
	WithdrawalPreparing: {WithdrawalSigned, WithdrawalFailed},
	WithdrawalSigned:    {WithdrawalSubmitted, WithdrawalFailed},
	WithdrawalSubmitted: {WithdrawalConfirmed, WithdrawalFailed},
}

// CanTransitionTo reports whether moving from s to next is a legal edge.
func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	for _, t := range withdrawalEdges[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether the status is an end state.
func (s WithdrawalStatus) Terminal() bool {
	switch s {
	case WithdrawalConfirmed, WithdrawalFailed, WithdrawalCancelled:
		return true
	}
	return false
}

// WithdrawalInfo is the orchestration state of one withdrawal request.
// Created at request time and mutated in place through the state machine.
type WithdrawalInfo struct {
	ID          string
	UserID      string
	ToAddress   string
	Amount      int64 // smallest unit
	AssetSymbol string
	Status      WithdrawalStatus
	Signature   string // set once submitted
	Error       string // causing message when FAILED
	CreatedAt   int64  // Unix ms
	SubmittedAt int64  // Unix ms, 0 until submitted
	ConfirmedAt int64  // Unix ms, 0 until confirmed
}

// EventKey is the partition key used when the withdrawal is published to a
// message broker. Falls back to the request id before submission.
func (w *WithdrawalInfo) EventKey() string {
	if w.Signature != "" {
		return w.Signature
	}
	return w.ID
}
