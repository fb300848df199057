package memledger

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"courierchain/contracts/logistics"
	"courierchain/ledger"
)

func newSigner(t *testing.T) ledger.Signer {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return ledger.NewSigner(key)
}

func deployEscrow(t *testing.T, l *Ledger, customer ledger.Signer, owner common.Address, amount, fee int64) common.Address {
	t.Helper()
	args, err := logistics.PackConstructor(owner, big.NewInt(amount), big.NewInt(fee))
	require.NoError(t, err)
	code := append([]byte{0x60, 0x80}, args...)
	receipt, err := l.Deploy(context.Background(), customer, code, 2_000_000)
	require.NoError(t, err)
	require.True(t, receipt.Success)
	require.NotEqual(t, common.Address{}, receipt.ContractAddress)
	return receipt.ContractAddress
}

func execute(l *Ledger, signer ledger.Signer, contract common.Address, method string, value int64) (*ledger.Receipt, error) {
	data, err := logistics.Pack(method)
	if err != nil {
		return nil, err
	}
	return l.Execute(context.Background(), signer, contract, data, big.NewInt(value), 500_000)
}

func view(t *testing.T, l *Ledger, contract common.Address, method string) *big.Int {
	t.Helper()
	data, err := logistics.Pack(method)
	require.NoError(t, err)
	out, err := l.Call(context.Background(), contract, data, 100_000)
	require.NoError(t, err)
	v, err := logistics.UnpackUint(method, out)
	require.NoError(t, err)
	return v
}

func TestEscrowHappyPathSettlesBalances(t *testing.T) {
	customer, owner, agent := newSigner(t), newSigner(t), newSigner(t)
	l := New(
		WithGenesis(customer.Address, big.NewInt(1_000)),
		WithGenesis(agent.Address, big.NewInt(1_000)),
	)
	contract := deployEscrow(t, l, customer, owner.Address, 50, 5)

	_, err := execute(l, customer, contract, logistics.MethodFund, 55)
	require.NoError(t, err)
	require.Equal(t, int64(55), view(t, l, contract, logistics.MethodBalance).Int64())

	_, err = execute(l, agent, contract, logistics.MethodAcceptDelivery, 50)
	require.NoError(t, err)
	require.Equal(t, int64(50), view(t, l, contract, logistics.MethodAgentStake).Int64())

	_, err = execute(l, owner, contract, logistics.MethodConfirmPickup, 0)
	require.NoError(t, err)
	_, err = execute(l, agent, contract, logistics.MethodConfirmDelivery, 0)
	require.NoError(t, err)

	status, ok := l.ContractStatus(contract)
	require.True(t, ok)
	require.Equal(t, logistics.StatusDelivered, status)
	require.Equal(t, int64(0), view(t, l, contract, logistics.MethodBalance).Int64())
	require.Equal(t, int64(945), l.BalanceOf(customer.Address).Int64())
	require.Equal(t, int64(50), l.BalanceOf(owner.Address).Int64())
	require.Equal(t, int64(1_005), l.BalanceOf(agent.Address).Int64())
}

func TestEscrowRejectsOutOfOrderAndUnauthorisedCalls(t *testing.T) {
	customer, owner, agent := newSigner(t), newSigner(t), newSigner(t)
	l := New(WithGenesis(customer.Address, big.NewInt(1_000)), WithGenesis(agent.Address, big.NewInt(1_000)))
	contract := deployEscrow(t, l, customer, owner.Address, 50, 5)

	receipt, err := execute(l, customer, contract, logistics.MethodFund, 54)
	require.ErrorIs(t, err, ledger.ErrReverted)
	require.NotNil(t, receipt)
	require.False(t, receipt.Success)

	_, err = execute(l, agent, contract, logistics.MethodAcceptDelivery, 50)
	require.ErrorIs(t, err, ledger.ErrReverted, "accept before funding")

	_, err = execute(l, customer, contract, logistics.MethodFund, 55)
	require.NoError(t, err)

	_, err = execute(l, agent, contract, logistics.MethodAcceptDelivery, 10)
	require.ErrorIs(t, err, ledger.ErrReverted, "insufficient stake")
	_, err = execute(l, agent, contract, logistics.MethodConfirmPickup, 0)
	require.ErrorIs(t, err, ledger.ErrReverted, "pickup before acceptance")

	_, err = execute(l, agent, contract, logistics.MethodAcceptDelivery, 50)
	require.NoError(t, err)
	_, err = execute(l, agent, contract, logistics.MethodConfirmPickup, 0)
	require.ErrorIs(t, err, ledger.ErrReverted, "agent cannot confirm pickup")
	_, err = execute(l, owner, contract, logistics.MethodConfirmPickup, 1)
	require.ErrorIs(t, err, ledger.ErrReverted, "pickup is not payable")

	status, _ := l.ContractStatus(contract)
	require.Equal(t, logistics.StatusAgentAssigned, status)
	require.Equal(t, int64(1_000-50), l.BalanceOf(agent.Address).Int64())
}

func TestFaultInjection(t *testing.T) {
	operator, target := newSigner(t), newSigner(t)
	l := New(WithGenesis(operator.Address, big.NewInt(100)))

	l.InjectFault("transfer", FaultTimeoutBeforeCommit)
	_, err := l.Transfer(context.Background(), operator, target.Address, big.NewInt(10))
	require.ErrorIs(t, err, ledger.ErrTimeout)
	require.Equal(t, int64(0), l.BalanceOf(target.Address).Int64())

	l.InjectFault("transfer", FaultTimeoutAfterCommit)
	_, err = l.Transfer(context.Background(), operator, target.Address, big.NewInt(10))
	require.ErrorIs(t, err, ledger.ErrTimeout)
	require.Equal(t, int64(10), l.BalanceOf(target.Address).Int64())

	l.InjectFault("transfer", FaultReject)
	_, err = l.Transfer(context.Background(), operator, target.Address, big.NewInt(10))
	require.True(t, errors.Is(err, ErrRejected))
	require.Equal(t, int64(10), l.BalanceOf(target.Address).Int64())
	require.Equal(t, 3, l.Calls("transfer"))
}

func TestTxFeeCharged(t *testing.T) {
	operator, target := newSigner(t), newSigner(t)
	l := New(WithGenesis(operator.Address, big.NewInt(100)), WithTxFee(big.NewInt(2)))

	receipt, err := l.Transfer(context.Background(), operator, target.Address, big.NewInt(10))
	require.NoError(t, err)
	require.Equal(t, int64(88), l.BalanceOf(operator.Address).Int64())
	stored, ok := l.Receipt(receipt.TxHash)
	require.True(t, ok)
	require.True(t, stored.Success)

	_, err = l.Transfer(context.Background(), target, operator.Address, big.NewInt(9))
	require.ErrorIs(t, err, ledger.ErrInsufficientFunds)
	require.Equal(t, int64(8), l.BalanceOf(target.Address).Int64(), "fee is charged on revert")
}
