// Package memledger is an in-process ledger that hosts the logistics escrow
// program. It backs tests and the "memory" ledger mode of courierd.
package memledger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"courierchain/contracts/logistics"
	"courierchain/ledger"
)

// Fault is an injected failure applied to the next matching submission.
type Fault int

const (
	FaultNone Fault = iota
	// FaultReject fails the submission before inclusion.
	FaultReject
	// FaultTimeoutBeforeCommit drops the submission and reports an unknown outcome.
	FaultTimeoutBeforeCommit
	// FaultTimeoutAfterCommit applies the submission but reports an unknown outcome.
	FaultTimeoutAfterCommit
)

// ErrRejected is returned for submissions failed by FaultReject.
var ErrRejected = errors.New("memledger: submission rejected")

type account struct {
	balance *uint256.Int
	nonce   uint64
}

// Ledger implements ledger.Transport entirely in memory.
type Ledger struct {
	mu        sync.Mutex
	accounts  map[common.Address]*account
	contracts map[common.Address]*escrowProgram
	receipts  map[common.Hash]*ledger.Receipt
	txFee     *uint256.Int
	block     uint64
	calls     map[string]int
	faults    map[string][]Fault
}

// Option customises a Ledger.
type Option func(*Ledger)

// WithGenesis credits address with amount at construction.
func WithGenesis(address common.Address, amount *big.Int) Option {
	return func(l *Ledger) {
		if v, err := toUint256(amount); err == nil {
			l.account(address).balance.Add(l.account(address).balance, v)
		}
	}
}

// WithTxFee charges a flat fee to the sender of every included transaction.
func WithTxFee(fee *big.Int) Option {
	return func(l *Ledger) {
		if v, err := toUint256(fee); err == nil {
			l.txFee = v
		}
	}
}

// New constructs an empty ledger.
func New(opts ...Option) *Ledger {
	l := &Ledger{
		accounts:  make(map[common.Address]*account),
		contracts: make(map[common.Address]*escrowProgram),
		receipts:  make(map[common.Hash]*ledger.Receipt),
		txFee:     new(uint256.Int),
		calls:     make(map[string]int),
		faults:    make(map[string][]Fault),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	return l
}

var _ ledger.Transport = (*Ledger)(nil)

// InjectFault queues f for the next submission matching op. op is one of
// "transfer", "deploy", "execute", or "execute:<method>".
func (l *Ledger) InjectFault(op string, f Fault) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.faults[op] = append(l.faults[op], f)
}

// Calls reports how many times an operation reached the ledger.
func (l *Ledger) Calls(op string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[op]
}

// BalanceOf returns the balance without counting a call.
func (l *Ledger) BalanceOf(address common.Address) *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if acc, ok := l.accounts[address]; ok {
		return acc.balance.ToBig()
	}
	return new(big.Int)
}

// ContractStatus returns the status of a hosted escrow.
func (l *Ledger) ContractStatus(address common.Address) (logistics.Status, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	prog, ok := l.contracts[address]
	if !ok {
		return 0, false
	}
	return prog.status, true
}

// ForceFail moves a hosted escrow to FAILED, as an external dispute would.
func (l *Ledger) ForceFail(address common.Address) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	prog, ok := l.contracts[address]
	if !ok {
		return false
	}
	prog.status = logistics.StatusFailed
	return true
}

// Receipt returns a previously recorded receipt.
func (l *Ledger) Receipt(hash common.Hash) (*ledger.Receipt, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	r, ok := l.receipts[hash]
	if !ok {
		return nil, false
	}
	copyReceipt := *r
	return &copyReceipt, true
}

func (l *Ledger) Transfer(ctx context.Context, from ledger.Signer, to common.Address, value *big.Int) (*ledger.Receipt, error) {
	amount, err := toUint256(value)
	if err != nil {
		return nil, err
	}
	return l.submit(ctx, []string{"transfer"}, from, func(tx *txContext) error {
		if _, isContract := l.contracts[to]; isContract {
			return tx.revert("contract does not accept plain transfers")
		}
		return tx.move(from.Address, to, amount)
	})
}

func (l *Ledger) Deploy(ctx context.Context, from ledger.Signer, code []byte, gas uint64) (*ledger.Receipt, error) {
	return l.submit(ctx, []string{"deploy"}, from, func(tx *txContext) error {
		owner, amount, fee, err := logistics.UnpackConstructor(code)
		if err != nil {
			return tx.revert(err.Error())
		}
		if len(code) == logistics.ConstructorArgsSize {
			return tx.revert("missing contract bytecode")
		}
		if amount.Sign() <= 0 {
			return tx.revert("product amount must be positive")
		}
		productAmount, err := toUint256(amount)
		if err != nil {
			return tx.revert(err.Error())
		}
		deliveryFee, err := toUint256(fee)
		if err != nil {
			return tx.revert(err.Error())
		}
		address := crypto.CreateAddress(from.Address, tx.nonce)
		l.contracts[address] = &escrowProgram{
			customer:      from.Address,
			storeOwner:    owner,
			productAmount: productAmount,
			deliveryFee:   deliveryFee,
			agentStake:    new(uint256.Int),
			balance:       new(uint256.Int),
			status:        logistics.StatusInitiated,
		}
		tx.receipt.ContractAddress = address
		return nil
	})
}

func (l *Ledger) Execute(ctx context.Context, from ledger.Signer, contract common.Address, data []byte, value *big.Int, gas uint64) (*ledger.Receipt, error) {
	amount, err := toUint256(value)
	if err != nil {
		return nil, err
	}
	ops := []string{"execute"}
	method, methodErr := logistics.MethodByID(data)
	if methodErr == nil {
		ops = append(ops, "execute:"+method.Name)
	}
	return l.submit(ctx, ops, from, func(tx *txContext) error {
		prog, ok := l.contracts[contract]
		if !ok {
			return tx.revert("no contract at " + contract.Hex())
		}
		if methodErr != nil {
			return tx.revert("unknown selector")
		}
		if !method.IsPayable() && !amount.IsZero() {
			return tx.revert(method.Name + " is not payable")
		}
		return prog.execute(tx, method.Name, from.Address, amount)
	})
}

func (l *Ledger) Call(ctx context.Context, contract common.Address, data []byte, gas uint64) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["call"]++
	method, err := logistics.MethodByID(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrReverted, err)
	}
	l.calls["call:"+method.Name]++
	prog, ok := l.contracts[contract]
	if !ok {
		return nil, fmt.Errorf("%w: no contract at %s", ledger.ErrReverted, contract.Hex())
	}
	value, err := prog.view(method.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ledger.ErrReverted, err)
	}
	return logistics.EncodeOutput(method.Name, value)
}

func (l *Ledger) Balance(ctx context.Context, address common.Address) (*big.Int, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["balance"]++
	if acc, ok := l.accounts[address]; ok {
		return acc.balance.ToBig(), nil
	}
	return new(big.Int), nil
}

type txContext struct {
	ledger  *Ledger
	nonce   uint64
	receipt *ledger.Receipt
	pending []func()
}

type revertError struct{ reason string }

func (e *revertError) Error() string { return e.reason }

func (tx *txContext) revert(reason string) error {
	return &revertError{reason: reason}
}

// move checks funds immediately and defers the mutation until the transaction commits.
func (tx *txContext) move(from, to common.Address, amount *uint256.Int) error {
	if err := tx.debit(from, amount); err != nil {
		return err
	}
	tx.credit(to, amount)
	return nil
}

func (tx *txContext) debit(from common.Address, amount *uint256.Int) error {
	if amount.IsZero() {
		return nil
	}
	src := tx.ledger.account(from)
	required := new(uint256.Int).Add(amount, tx.ledger.txFee)
	if src.balance.Lt(required) {
		return tx.revert("insufficient balance for value")
	}
	value := amount.Clone()
	tx.pending = append(tx.pending, func() {
		src.balance.Sub(src.balance, value)
	})
	return nil
}

func (tx *txContext) credit(to common.Address, amount *uint256.Int) {
	if amount.IsZero() {
		return
	}
	value := amount.Clone()
	tx.pending = append(tx.pending, func() {
		dst := tx.ledger.account(to)
		dst.balance.Add(dst.balance, value)
	})
}

func (l *Ledger) submit(ctx context.Context, ops []string, from ledger.Signer, apply func(*txContext) error) (*ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	fault := FaultNone
	for _, op := range ops {
		l.calls[op]++
		if f := l.popFault(op); f != FaultNone && fault == FaultNone {
			fault = f
		}
	}
	op := ops[len(ops)-1]
	if !from.Valid() {
		return nil, ledger.ErrNoSigner
	}
	switch fault {
	case FaultReject:
		return nil, fmt.Errorf("%w: %s", ErrRejected, op)
	case FaultTimeoutBeforeCommit:
		return nil, fmt.Errorf("%w: %s", ledger.ErrTimeout, op)
	}

	sender := l.account(from.Address)
	if sender.balance.Lt(l.txFee) {
		return nil, fmt.Errorf("%w: fee %s", ledger.ErrInsufficientFunds, l.txFee.Dec())
	}
	tx := &txContext{ledger: l, nonce: sender.nonce}
	tx.receipt = &ledger.Receipt{TxHash: txHash(from.Address, sender.nonce)}
	applyErr := apply(tx)

	var revert *revertError
	if applyErr != nil && !errors.As(applyErr, &revert) {
		return nil, applyErr
	}
	sender.nonce++
	sender.balance.Sub(sender.balance, l.txFee)
	l.block++
	tx.receipt.BlockNumber = l.block
	tx.receipt.GasUsed = 21_000
	if revert == nil {
		for _, commit := range tx.pending {
			commit()
		}
		tx.receipt.Success = true
	} else {
		tx.receipt.ContractAddress = common.Address{}
	}
	l.receipts[tx.receipt.TxHash] = tx.receipt
	out := *tx.receipt

	if fault == FaultTimeoutAfterCommit {
		return nil, fmt.Errorf("%w: %s", ledger.ErrTimeout, op)
	}
	if revert != nil {
		if strings.Contains(revert.reason, "insufficient") {
			return &out, fmt.Errorf("%w: %s: %w", ledger.ErrReverted, revert.reason, ledger.ErrInsufficientFunds)
		}
		return &out, fmt.Errorf("%w: %s", ledger.ErrReverted, revert.reason)
	}
	return &out, nil
}

func (l *Ledger) popFault(op string) Fault {
	queue := l.faults[op]
	if len(queue) == 0 {
		return FaultNone
	}
	l.faults[op] = queue[1:]
	return queue[0]
}

func (l *Ledger) account(address common.Address) *account {
	acc, ok := l.accounts[address]
	if !ok {
		acc = &account{balance: new(uint256.Int)}
		l.accounts[address] = acc
	}
	return acc
}

func txHash(from common.Address, nonce uint64) common.Hash {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], nonce)
	return crypto.Keccak256Hash(from.Bytes(), buf[:])
}

func toUint256(value *big.Int) (*uint256.Int, error) {
	if value == nil {
		return new(uint256.Int), nil
	}
	if value.Sign() < 0 {
		return nil, errors.New("memledger: negative amount")
	}
	v, overflow := uint256.FromBig(value)
	if overflow {
		return nil, errors.New("memledger: amount overflows 256 bits")
	}
	return v, nil
}
