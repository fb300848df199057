package escrow

import (
	"errors"
	"fmt"
	"strings"
)

// Operation kinds. Every Error matches exactly one of these through errors.Is.
var (
	ErrDeployment = errors.New("escrow: deployment failed")
	ErrFunding    = errors.New("escrow: funding failed")
	ErrAcceptance = errors.New("escrow: acceptance failed")
	ErrPickup     = errors.New("escrow: pickup confirmation failed")
	ErrDelivery   = errors.New("escrow: delivery confirmation failed")
	ErrQuery      = errors.New("escrow: state query failed")
)

// ErrInvalidContract is returned for contract ids that are not ledger addresses.
var ErrInvalidContract = errors.New("escrow: invalid contract id")

// Error reports a failed contract operation. It unwraps to both its kind and
// the underlying ledger error, so errors.Is(err, ledger.ErrTimeout) tells an
// unknown outcome apart from a known failure.
type Error struct {
	Kind       error
	ContractID string
	TxHash     string
	Err        error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(e.Kind.Error())
	if e.ContractID != "" {
		fmt.Fprintf(&b, ": contract %s", e.ContractID)
	}
	if e.TxHash != "" {
		fmt.Fprintf(&b, ": tx %s", e.TxHash)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}
