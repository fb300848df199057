// Package ledger holds the shared, single-identity ledger client and the
// execution-context switcher that lends it to one party at a time.
package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrReverted marks a transaction that was included with a failed receipt.
	ErrReverted = errors.New("ledger: transaction reverted")
	// ErrTimeout marks a submission whose outcome is unknown.
	ErrTimeout = errors.New("ledger: receipt wait timed out")
	// ErrInsufficientFunds is returned when the signer cannot cover value plus fees.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")
	// ErrNoSigner is returned when a signed operation is attempted without a usable identity.
	ErrNoSigner = errors.New("ledger: no signer configured")
)

// Signer is a ledger identity able to authorise transactions.
type Signer struct {
	Address common.Address
	Key     *ecdsa.PrivateKey
}

// NewSigner derives the address for key.
func NewSigner(key *ecdsa.PrivateKey) Signer {
	if key == nil {
		return Signer{}
	}
	return Signer{Address: crypto.PubkeyToAddress(key.PublicKey), Key: key}
}

// Valid reports whether the signer carries a key matching its address.
func (s Signer) Valid() bool {
	if s.Key == nil || s.Address == (common.Address{}) {
		return false
	}
	return crypto.PubkeyToAddress(s.Key.PublicKey) == s.Address
}

// Receipt summarises an included transaction.
type Receipt struct {
	TxHash          common.Hash
	Success         bool
	ContractAddress common.Address
	BlockNumber     uint64
	GasUsed         uint64
}

// Transport submits signed transactions and read-only calls to a ledger network.
// Implementations return ErrReverted (with the receipt) for failed inclusions and
// ErrTimeout when no receipt arrived in time.
type Transport interface {
	Transfer(ctx context.Context, from Signer, to common.Address, value *big.Int) (*Receipt, error)
	Deploy(ctx context.Context, from Signer, code []byte, gas uint64) (*Receipt, error)
	Execute(ctx context.Context, from Signer, contract common.Address, data []byte, value *big.Int, gas uint64) (*Receipt, error)
	Call(ctx context.Context, contract common.Address, data []byte, gas uint64) ([]byte, error)
	Balance(ctx context.Context, account common.Address) (*big.Int, error)
}

// Outcome classifies an error for metrics and logs.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrReverted):
		return "reverted"
	case errors.Is(err, ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "error"
	}
}
