package orders

import (
	"context"
	"errors"
	"math/big"

	"courierchain/escrow"
	"courierchain/ledger"
	"courierchain/wallet"
)

var (
	// ErrNotFound is returned by stores for unknown ids.
	ErrNotFound = errors.New("orders: not found")
	// ErrExists is returned by Store.Write when the id is taken.
	ErrExists = errors.New("orders: already exists")
	// ErrConflict is returned by Store.Update when the stored version moved on.
	ErrConflict = errors.New("orders: concurrent update")
	// ErrContractTaken is returned by Store.Write when another order holds the contract.
	ErrContractTaken = errors.New("orders: contract bound to another order")
)

// Filter selects orders in Store.Query. Zero fields do not constrain.
type Filter struct {
	UserID         string
	StoreID        string
	AgentID        string
	ContractID     string
	ExcludeAgentID string
	Status         Status
	Limit          int
	NewestFirst    bool
}

// Store persists orders. Write is create-only and keeps contract ids unique;
// Update fails for unknown ids and stale versions and bumps Version on success.
type Store interface {
	Read(ctx context.Context, orderID string) (*Order, error)
	Write(ctx context.Context, order *Order) error
	Update(ctx context.Context, order *Order) error
	Query(ctx context.Context, filter Filter) ([]*Order, error)
}

// Directory resolves store ownership.
type Directory interface {
	StoreOwner(ctx context.Context, storeID string) (string, error)
	OwnsStore(ctx context.Context, userID, storeID string) (bool, error)
}

// AuditSink receives one entry per applied transition.
type AuditSink interface {
	AppendAudit(ctx context.Context, entry AuditEntry) error
}

// Wallets provisions the ledger identity of a user.
type Wallets interface {
	GetOrCreate(ctx context.Context, userID string) (*wallet.Wallet, error)
	Lookup(ctx context.Context, userID string) (*wallet.Wallet, bool, error)
}

// Contracts is the contract lifecycle the engine drives.
type Contracts interface {
	Deploy(ctx context.Context, customer, storeOwner escrow.Party, productAmount, deliveryFee *big.Int) (string, error)
	Fund(ctx context.Context, customer escrow.Party, contractID string, productAmount, deliveryFee *big.Int) (*ledger.Receipt, error)
	AcceptAsAgent(ctx context.Context, agent escrow.Party, contractID string) (*ledger.Receipt, error)
	ConfirmPickup(ctx context.Context, storeOwner escrow.Party, contractID string) (*ledger.Receipt, error)
	ConfirmDelivery(ctx context.Context, agent escrow.Party, contractID string) (*ledger.Receipt, error)
	GetState(ctx context.Context, contractID string) (*escrow.State, error)
}

var (
	_ Wallets   = (*wallet.Registry)(nil)
	_ Contracts = (*escrow.Manager)(nil)
)
