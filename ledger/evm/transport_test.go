package evm

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"courierchain/ledger"
)

type fakeRPC struct {
	mu          sync.Mutex
	chainID     *big.Int
	chainCalls  int
	nonce       uint64
	sent        []*gethtypes.Transaction
	pendingFor  int
	status      uint64
	neverMined  bool
	sendErr     error
	callOut     []byte
	balance     *big.Int
	receiptPoll int
}

func (f *fakeRPC) ChainID(context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.chainCalls++
	return f.chainID, nil
}

func (f *fakeRPC) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	return f.nonce, nil
}

func (f *fakeRPC) SuggestGasPrice(context.Context) (*big.Int, error) {
	return big.NewInt(7), nil
}

func (f *fakeRPC) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeRPC) TransactionReceipt(_ context.Context, hash common.Hash) (*gethtypes.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receiptPoll++
	if f.neverMined || f.receiptPoll <= f.pendingFor {
		return nil, ethereum.NotFound
	}
	return &gethtypes.Receipt{
		Status:          f.status,
		TxHash:          hash,
		ContractAddress: common.HexToAddress("0x00000000000000000000000000000000000000c0"),
		BlockNumber:     big.NewInt(12),
		GasUsed:         90_000,
	}, nil
}

func (f *fakeRPC) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if msg.To == nil {
		return nil, errors.New("missing target")
	}
	return f.callOut, nil
}

func (f *fakeRPC) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

func testSigner(t *testing.T) ledger.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return ledger.NewSigner(key)
}

func fastConfig() Config {
	return Config{ReceiptTimeout: 50 * time.Millisecond, PollInterval: time.Millisecond}
}

func TestExecuteSignsForChainAndWaitsForReceipt(t *testing.T) {
	rpc := &fakeRPC{chainID: big.NewInt(296), nonce: 4, pendingFor: 2, status: gethtypes.ReceiptStatusSuccessful}
	transport, err := New(rpc, fastConfig())
	if err != nil {
		t.Fatalf("new transport: %v", err)
	}
	from := testSigner(t)
	contract := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	receipt, err := transport.Execute(context.Background(), from, contract, []byte{0x01, 0x02, 0x03, 0x04}, big.NewInt(55), 400_000)
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !receipt.Success || receipt.BlockNumber != 12 {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
	if len(rpc.sent) != 1 {
		t.Fatalf("expected one submission, got %d", len(rpc.sent))
	}
	tx := rpc.sent[0]
	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(296)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if sender != from.Address {
		t.Fatalf("signed by %s, want %s", sender, from.Address)
	}
	if tx.Nonce() != 4 || tx.Gas() != 400_000 || tx.Value().Int64() != 55 || *tx.To() != contract {
		t.Fatalf("unexpected transaction fields")
	}

	if _, err := transport.Transfer(context.Background(), from, contract, big.NewInt(1)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if rpc.chainCalls != 1 {
		t.Fatalf("chain id should be fetched once, got %d", rpc.chainCalls)
	}
}

func TestRevertedReceiptMapsToErrReverted(t *testing.T) {
	rpc := &fakeRPC{chainID: big.NewInt(1), status: gethtypes.ReceiptStatusFailed}
	transport, _ := New(rpc, fastConfig())
	receipt, err := transport.Deploy(context.Background(), testSigner(t), []byte{0x60, 0x80}, 2_000_000)
	if !errors.Is(err, ledger.ErrReverted) {
		t.Fatalf("expected ErrReverted, got %v", err)
	}
	if receipt == nil || receipt.Success || receipt.ContractAddress != (common.Address{}) {
		t.Fatalf("unexpected receipt %+v", receipt)
	}
}

func TestUnminedTransactionTimesOut(t *testing.T) {
	rpc := &fakeRPC{chainID: big.NewInt(1), neverMined: true}
	transport, _ := New(rpc, fastConfig())
	_, err := transport.Transfer(context.Background(), testSigner(t), common.Address{1}, big.NewInt(1))
	if !errors.Is(err, ledger.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if len(rpc.sent) != 1 {
		t.Fatalf("expected broadcast before timing out")
	}
}

func TestSendErrorsAreClassified(t *testing.T) {
	rpc := &fakeRPC{chainID: big.NewInt(1), sendErr: errors.New("insufficient funds for gas * price + value")}
	transport, _ := New(rpc, fastConfig())
	_, err := transport.Transfer(context.Background(), testSigner(t), common.Address{1}, big.NewInt(1))
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}
	if _, err := transport.Transfer(context.Background(), ledger.Signer{}, common.Address{1}, big.NewInt(1)); !errors.Is(err, ledger.ErrNoSigner) {
		t.Fatalf("expected ErrNoSigner, got %v", err)
	}
}

func TestReadsPassThrough(t *testing.T) {
	rpc := &fakeRPC{chainID: big.NewInt(1), callOut: []byte{0xde, 0xad}, balance: big.NewInt(99)}
	transport, _ := New(rpc, Config{RequestsPerSecond: 1000, Burst: 2})
	out, err := transport.Call(context.Background(), common.Address{2}, []byte{0x01}, 100_000)
	if err != nil || len(out) != 2 {
		t.Fatalf("call: %v %x", err, out)
	}
	bal, err := transport.Balance(context.Background(), common.Address{2})
	if err != nil || bal.Int64() != 99 {
		t.Fatalf("balance: %v %v", err, bal)
	}
}
