package orders

import (
	"errors"
	"fmt"
	"strings"
)

// Kind classifies an Error.
type Kind string

const (
	KindValidation    Kind = "ValidationError"
	KindWallet        Kind = "WalletError"
	KindLedgerCall    Kind = "LedgerCallError"
	KindLedgerTimeout Kind = "LedgerTimeoutError"
	KindConsistency   Kind = "ConsistencyError"
	KindNotEffective  Kind = "NotEffectiveError"
	KindStorage       Kind = "StorageError"
)

// Sentinels matched through errors.Is against any *Error of the same kind.
var (
	ErrValidation    = errors.New("orders: validation failed")
	ErrWallet        = errors.New("orders: wallet unavailable")
	ErrLedgerCall    = errors.New("orders: ledger call failed")
	ErrLedgerTimeout = errors.New("orders: ledger outcome unknown")
	ErrConsistency   = errors.New("orders: on-chain state contradicts order")
	ErrNotEffective  = errors.New("orders: transition not yet effective")
	ErrStorage       = errors.New("orders: order store failure")
)

var kindSentinels = map[Kind]error{
	KindValidation:    ErrValidation,
	KindWallet:        ErrWallet,
	KindLedgerCall:    ErrLedgerCall,
	KindLedgerTimeout: ErrLedgerTimeout,
	KindConsistency:   ErrConsistency,
	KindNotEffective:  ErrNotEffective,
	KindStorage:       ErrStorage,
}

// Error is the single error type surfaced by the engine.
type Error struct {
	Kind    Kind
	Op      string
	OrderID string
	// Field names the failed precondition for validation errors.
	Field string
	// ContractID is set when a contract exists that a retry can resume.
	ContractID string
	Reason     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	if e.Op != "" {
		fmt.Fprintf(&b, " in %s", e.Op)
	}
	if e.OrderID != "" {
		fmt.Fprintf(&b, " (order %s)", e.OrderID)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, ": %s", e.Field)
	}
	if e.Reason != "" {
		fmt.Fprintf(&b, ": %s", e.Reason)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches the kind sentinel so callers can write errors.Is(err, ErrValidation).
func (e *Error) Is(target error) bool {
	sentinel, ok := kindSentinels[e.Kind]
	return ok && sentinel == target
}

// Retryable reports whether the same request may succeed later without input changes.
func (e *Error) Retryable() bool {
	switch e.Kind {
	case KindWallet, KindLedgerCall, KindLedgerTimeout, KindNotEffective, KindStorage:
		return true
	default:
		return false
	}
}

// KindOf extracts the kind of err, or "" when err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func invalid(op, orderID, field, reason string) *Error {
	return &Error{Kind: KindValidation, Op: op, OrderID: orderID, Field: field, Reason: reason}
}
