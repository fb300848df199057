package ledger

import (
	"context"
	"errors"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"courierchain/observability"
	"courierchain/observability/logging"
)

// Client is the shared ledger client. It signs every submission with a single
// ambient operator identity; use a Switcher to act as anyone else.
type Client struct {
	transport Transport
	logger    *slog.Logger
	metrics   *observability.EscrowMetrics
	nowFn     func() time.Time

	mu       sync.RWMutex
	operator Signer
}

// ClientOption customises a Client.
type ClientOption func(*Client)

// WithLogger overrides the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics wires the ledger collectors.
func WithMetrics(m *observability.EscrowMetrics) ClientOption {
	return func(c *Client) { c.metrics = m }
}

// NewClient builds a client whose default identity is operator.
func NewClient(transport Transport, operator Signer, opts ...ClientOption) (*Client, error) {
	if transport == nil {
		return nil, errors.New("ledger: transport required")
	}
	if !operator.Valid() {
		return nil, ErrNoSigner
	}
	c := &Client{
		transport: transport,
		operator:  operator,
		logger:    slog.Default(),
		nowFn:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	c.logger = c.logger.With(slog.String("component", "ledger"))
	return c, nil
}

// Operator returns the identity currently used to sign submissions.
func (c *Client) Operator() Signer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.operator
}

// SetOperator replaces the ambient identity and returns the previous one.
func (c *Client) SetOperator(s Signer) Signer {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.operator
	c.operator = s
	return prev
}

func (c *Client) signer() (Signer, error) {
	s := c.Operator()
	if !s.Valid() {
		return Signer{}, ErrNoSigner
	}
	return s, nil
}

// CreateAccount opens a ledger account for address by transferring the initial
// balance from the current operator.
func (c *Client) CreateAccount(ctx context.Context, address common.Address, initialBalance *big.Int) (*Receipt, error) {
	if initialBalance == nil || initialBalance.Sign() <= 0 {
		return nil, errors.New("ledger: initial balance must be positive")
	}
	return c.Transfer(ctx, address, initialBalance)
}

// Transfer moves value from the current operator to the given account.
func (c *Client) Transfer(ctx context.Context, to common.Address, value *big.Int) (*Receipt, error) {
	from, err := c.signer()
	if err != nil {
		return nil, err
	}
	start := c.nowFn()
	receipt, err := c.transport.Transfer(ctx, from, to, value)
	c.observe("transfer", start, receipt, err)
	return receipt, err
}

// Deploy creates a contract from code (bytecode with constructor arguments appended).
func (c *Client) Deploy(ctx context.Context, code []byte, gas uint64) (*Receipt, error) {
	from, err := c.signer()
	if err != nil {
		return nil, err
	}
	start := c.nowFn()
	receipt, err := c.transport.Deploy(ctx, from, code, gas)
	c.observe("deploy", start, receipt, err)
	return receipt, err
}

// Execute invokes a state-changing contract function, optionally attaching value.
func (c *Client) Execute(ctx context.Context, contract common.Address, data []byte, value *big.Int, gas uint64) (*Receipt, error) {
	from, err := c.signer()
	if err != nil {
		return nil, err
	}
	start := c.nowFn()
	receipt, err := c.transport.Execute(ctx, from, contract, data, value, gas)
	c.observe("execute", start, receipt, err)
	return receipt, err
}

// Call performs a read-only contract query. It does not depend on the operator.
func (c *Client) Call(ctx context.Context, contract common.Address, data []byte, gas uint64) ([]byte, error) {
	start := c.nowFn()
	out, err := c.transport.Call(ctx, contract, data, gas)
	c.observe("call", start, nil, err)
	return out, err
}

// Balance returns the account balance in base units.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	start := c.nowFn()
	bal, err := c.transport.Balance(ctx, account)
	c.observe("balance", start, nil, err)
	return bal, err
}

func (c *Client) observe(op string, start time.Time, receipt *Receipt, err error) {
	outcome := Outcome(err)
	c.metrics.ObserveLedgerCall(op, c.nowFn().Sub(start), outcome)
	if err == nil {
		if receipt != nil {
			c.logger.Debug("ledger call", slog.String("op", op), slog.String("tx_hash", receipt.TxHash.Hex()))
		}
		return
	}
	attrs := []any{slog.String("op", op), slog.String("outcome", outcome), logging.ErrorField(err)}
	if receipt != nil {
		attrs = append(attrs, slog.String("tx_hash", receipt.TxHash.Hex()))
	}
	c.logger.Warn("ledger call failed", attrs...)
}
