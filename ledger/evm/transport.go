// Package evm implements ledger.Transport over an Ethereum JSON-RPC endpoint,
// such as a Hedera JSON-RPC relay.
package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"golang.org/x/time/rate"

	"courierchain/ledger"
)

const transferGas = 21_000

// RPCClient is the subset of the Ethereum RPC used by the transport.
type RPCClient interface {
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// Dial initialises an RPC client for the provided endpoint.
func Dial(endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.Dial(trimmed)
}

// Config controls signing and receipt polling.
type Config struct {
	// ChainID pins the signing domain; when nil it is fetched once from the node.
	ChainID           *big.Int
	ReceiptTimeout    time.Duration
	PollInterval      time.Duration
	RequestsPerSecond float64
	Burst             int
}

func (c Config) withDefaults() Config {
	if c.ReceiptTimeout <= 0 {
		c.ReceiptTimeout = 60 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// Transport signs legacy transactions and waits for their receipts.
type Transport struct {
	client  RPCClient
	cfg     Config
	limiter *rate.Limiter

	chainMu sync.Mutex
	chainID *big.Int
}

var _ ledger.Transport = (*Transport)(nil)

// New constructs a transport from an RPC client.
func New(client RPCClient, cfg Config) (*Transport, error) {
	if client == nil {
		return nil, errors.New("evm: rpc client required")
	}
	cfg = cfg.withDefaults()
	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	t := &Transport{
		client:  client,
		cfg:     cfg,
		limiter: rate.NewLimiter(limit, cfg.Burst),
	}
	if cfg.ChainID != nil {
		t.chainID = new(big.Int).Set(cfg.ChainID)
	}
	return t, nil
}

func (t *Transport) Transfer(ctx context.Context, from ledger.Signer, to common.Address, value *big.Int) (*ledger.Receipt, error) {
	return t.send(ctx, from, &to, value, nil, transferGas)
}

func (t *Transport) Deploy(ctx context.Context, from ledger.Signer, code []byte, gas uint64) (*ledger.Receipt, error) {
	if len(code) == 0 {
		return nil, errors.New("evm: empty deployment code")
	}
	return t.send(ctx, from, nil, nil, code, gas)
}

func (t *Transport) Execute(ctx context.Context, from ledger.Signer, contract common.Address, data []byte, value *big.Int, gas uint64) (*ledger.Receipt, error) {
	return t.send(ctx, from, &contract, value, data, gas)
}

func (t *Transport) Call(ctx context.Context, contract common.Address, data []byte, gas uint64) ([]byte, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	out, err := t.client.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data, Gas: gas}, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: call %s: %w", contract.Hex(), classify(err))
	}
	return out, nil
}

func (t *Transport) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	bal, err := t.client.BalanceAt(ctx, account, nil)
	if err != nil {
		return nil, fmt.Errorf("evm: balance %s: %w", account.Hex(), classify(err))
	}
	return bal, nil
}

func (t *Transport) send(ctx context.Context, from ledger.Signer, to *common.Address, value *big.Int, data []byte, gas uint64) (*ledger.Receipt, error) {
	if !from.Valid() {
		return nil, ledger.ErrNoSigner
	}
	if value == nil {
		value = new(big.Int)
	}
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	chainID, err := t.resolveChainID(ctx)
	if err != nil {
		return nil, err
	}
	nonce, err := t.client.PendingNonceAt(ctx, from.Address)
	if err != nil {
		return nil, fmt.Errorf("evm: fetch nonce: %w", classify(err))
	}
	gasPrice, err := t.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: suggest gas price: %w", classify(err))
	}
	tx := gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: gasPrice,
		Gas:      gas,
		To:       to,
		Value:    value,
		Data:     data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(chainID), from.Key)
	if err != nil {
		return nil, fmt.Errorf("evm: sign transaction: %w", err)
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("evm: send %s: %w", signed.Hash().Hex(), classify(err))
	}
	return t.waitReceipt(ctx, signed.Hash())
}

func (t *Transport) waitReceipt(ctx context.Context, hash common.Hash) (*ledger.Receipt, error) {
	waitCtx, cancel := context.WithTimeout(ctx, t.cfg.ReceiptTimeout)
	defer cancel()
	ticker := time.NewTicker(t.cfg.PollInterval)
	defer ticker.Stop()
	for {
		receipt, err := t.client.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil && receipt != nil:
			out := &ledger.Receipt{
				TxHash:          hash,
				Success:         receipt.Status == gethtypes.ReceiptStatusSuccessful,
				ContractAddress: receipt.ContractAddress,
				GasUsed:         receipt.GasUsed,
			}
			if receipt.BlockNumber != nil {
				out.BlockNumber = receipt.BlockNumber.Uint64()
			}
			if !out.Success {
				out.ContractAddress = common.Address{}
				return out, fmt.Errorf("%w: %s", ledger.ErrReverted, hash.Hex())
			}
			return out, nil
		case err != nil && !errors.Is(err, ethereum.NotFound) && waitCtx.Err() == nil:
			return nil, fmt.Errorf("evm: fetch receipt %s: %w", hash.Hex(), classify(err))
		}
		select {
		case <-waitCtx.Done():
			// The transaction was broadcast, so its outcome is unknown either way.
			return nil, fmt.Errorf("%w: %s: %v", ledger.ErrTimeout, hash.Hex(), waitCtx.Err())
		case <-ticker.C:
		}
	}
}

func (t *Transport) resolveChainID(ctx context.Context) (*big.Int, error) {
	t.chainMu.Lock()
	defer t.chainMu.Unlock()
	if t.chainID != nil {
		return t.chainID, nil
	}
	id, err := t.client.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("evm: fetch chain id: %w", classify(err))
	}
	t.chainID = id
	return id, nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "insufficient funds"), strings.Contains(msg, "insufficient_payer_balance"):
		return fmt.Errorf("%w: %v", ledger.ErrInsufficientFunds, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ledger.ErrTimeout, err)
	case strings.Contains(msg, "execution reverted"):
		return fmt.Errorf("%w: %v", ledger.ErrReverted, err)
	}
	return err
}
