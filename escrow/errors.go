package escrow

import (
	"errors"

	"escrowflow/dispute"
	"escrowflow/ledger"
)

var (
	// ErrNotFound is returned when no agreement exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrWrongCaller is returned when the caller is not authorized for the operation.
	ErrWrongCaller = errors.New("escrow: wrong caller")
	// ErrInvalidState is returned when the operation is not valid for the current status.
	ErrInvalidState = errors.New("escrow: invalid state")
	// ErrAlreadyExpired is returned when the approval deadline has passed.
	ErrAlreadyExpired = errors.New("escrow: agreement already expired")
	// ErrNoAgent is returned for agent operations on an agreement without an agent.
	ErrNoAgent = errors.New("escrow: no agent assigned")
	// ErrInvalidParty is returned for malformed creation arguments.
	ErrInvalidParty = errors.New("escrow: invalid party")
	// ErrInvalidAmount is returned for a non-positive deposit or a negative timeout.
	ErrInvalidAmount = errors.New("escrow: invalid amount")

	ErrInsufficientEscrow = ledger.ErrInsufficientEscrow
)

// Error kinds reported to API clients.
const (
	KindNotFound           = "NotFound"
	KindWrongCaller        = "WrongCaller"
	KindInvalidState       = "InvalidState"
	KindAlreadyExpired     = "AlreadyExpired"
	KindInsufficientEscrow = "InsufficientEscrow"
	KindNoAgent            = "NoAgent"
	KindInvalidParty       = "InvalidParty"
	KindInvalidArgument    = "InvalidArgument"
	KindInternal           = "Internal"
)

// KindOf maps err onto its error kind. Unknown errors are Internal.
func KindOf(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrWrongCaller):
		return KindWrongCaller
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrAlreadyExpired):
		return KindAlreadyExpired
	case errors.Is(err, ErrInsufficientEscrow):
		return KindInsufficientEscrow
	case errors.Is(err, ErrNoAgent):
		return KindNoAgent
	case errors.Is(err, ErrInvalidParty):
		return KindInvalidParty
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, dispute.ErrInvalidOutcome):
		return KindInvalidArgument
	default:
		return KindInternal
	}
}
