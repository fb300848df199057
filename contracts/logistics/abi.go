// Package logistics binds the LogisticsEscrow contract: its ABI, status enum and
// default gas budgets.
package logistics

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"os"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// Method names exposed by the escrow contract.
const (
	MethodFund            = "fundContract"
	MethodAcceptDelivery  = "acceptDelivery"
	MethodConfirmPickup   = "confirmPickup"
	MethodConfirmDelivery = "confirmDelivery"

	MethodCurrentStatus = "currentStatus"
	MethodDeliveryAgent = "deliveryAgent"
	MethodCustomer      = "customer"
	MethodStoreOwner    = "storeOwner"
	MethodProductAmount = "productAmount"
	MethodDeliveryFee   = "deliveryFee"
	MethodAgentStake    = "agentStake"
	MethodBalance       = "getContractBalance"
)

// ConstructorArgsSize is the encoded size of (address, uint256, uint256).
const ConstructorArgsSize = 3 * 32

const escrowABI = `[
  {"type":"constructor","stateMutability":"nonpayable","inputs":[
    {"name":"_storeOwner","type":"address"},
    {"name":"_productAmount","type":"uint256"},
    {"name":"_deliveryFee","type":"uint256"}]},
  {"type":"function","name":"fundContract","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"acceptDelivery","stateMutability":"payable","inputs":[],"outputs":[]},
  {"type":"function","name":"confirmPickup","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"confirmDelivery","stateMutability":"nonpayable","inputs":[],"outputs":[]},
  {"type":"function","name":"currentStatus","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
  {"type":"function","name":"deliveryAgent","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"customer","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"storeOwner","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"productAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"deliveryFee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"agentStake","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getContractBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]}
]`

var (
	parsedOnce sync.Once
	parsedABI  abi.ABI
	parseErr   error
)

// ABI returns the parsed contract interface.
func ABI() abi.ABI {
	parsedOnce.Do(func() {
		parsedABI, parseErr = abi.JSON(strings.NewReader(escrowABI))
	})
	if parseErr != nil {
		panic(fmt.Sprintf("logistics: parse abi: %v", parseErr))
	}
	return parsedABI
}

// PackConstructor encodes the constructor parameters appended to the bytecode at deployment.
func PackConstructor(storeOwner common.Address, productAmount, deliveryFee *big.Int) ([]byte, error) {
	if productAmount == nil || deliveryFee == nil {
		return nil, errors.New("logistics: amounts required")
	}
	return ABI().Pack("", storeOwner, productAmount, deliveryFee)
}

// UnpackConstructor decodes the trailing constructor parameters of deployment data.
func UnpackConstructor(data []byte) (common.Address, *big.Int, *big.Int, error) {
	if len(data) < ConstructorArgsSize {
		return common.Address{}, nil, nil, errors.New("logistics: deployment data too short")
	}
	values, err := ABI().Constructor.Inputs.Unpack(data[len(data)-ConstructorArgsSize:])
	if err != nil {
		return common.Address{}, nil, nil, err
	}
	owner, _ := values[0].(common.Address)
	amount, _ := values[1].(*big.Int)
	fee, _ := values[2].(*big.Int)
	if amount == nil || fee == nil {
		return common.Address{}, nil, nil, errors.New("logistics: malformed constructor arguments")
	}
	return owner, amount, fee, nil
}

// Pack encodes a call to one of the contract's argument-less functions.
func Pack(method string) ([]byte, error) {
	return ABI().Pack(method)
}

// MethodByID resolves the function selector at the head of call data.
func MethodByID(data []byte) (*abi.Method, error) {
	if len(data) < 4 {
		return nil, errors.New("logistics: call data missing selector")
	}
	parsed := ABI()
	return parsed.MethodById(data[:4])
}

// UnpackUint decodes a uint256 view result.
func UnpackUint(method string, data []byte) (*big.Int, error) {
	values, err := ABI().Unpack(method, data)
	if err != nil {
		return nil, err
	}
	if len(values) != 1 {
		return nil, fmt.Errorf("logistics: %s returned %d values", method, len(values))
	}
	out, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("logistics: %s returned %T", method, values[0])
	}
	return out, nil
}

// UnpackAddress decodes an address view result.
func UnpackAddress(method string, data []byte) (common.Address, error) {
	values, err := ABI().Unpack(method, data)
	if err != nil {
		return common.Address{}, err
	}
	if len(values) != 1 {
		return common.Address{}, fmt.Errorf("logistics: %s returned %d values", method, len(values))
	}
	out, ok := values[0].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("logistics: %s returned %T", method, values[0])
	}
	return out, nil
}

// UnpackStatus decodes the currentStatus view result.
func UnpackStatus(data []byte) (Status, error) {
	values, err := ABI().Unpack(MethodCurrentStatus, data)
	if err != nil {
		return 0, err
	}
	if len(values) != 1 {
		return 0, fmt.Errorf("logistics: currentStatus returned %d values", len(values))
	}
	raw, ok := values[0].(uint8)
	if !ok {
		return 0, fmt.Errorf("logistics: currentStatus returned %T", values[0])
	}
	status := Status(raw)
	if !status.Valid() {
		return 0, fmt.Errorf("%w: %d", ErrUnknownStatus, raw)
	}
	return status, nil
}

// EncodeOutput packs a view result. The in-process ledger uses it to answer calls.
func EncodeOutput(method string, value interface{}) ([]byte, error) {
	m, ok := ABI().Methods[method]
	if !ok {
		return nil, fmt.Errorf("logistics: unknown method %q", method)
	}
	return m.Outputs.Pack(value)
}

// LoadBytecode reads compiled contract bytecode stored as hex text.
func LoadBytecode(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("logistics: read bytecode: %w", err)
	}
	return DecodeBytecode(string(raw))
}

// DecodeBytecode parses hex bytecode, tolerating a 0x prefix and surrounding whitespace.
func DecodeBytecode(raw string) ([]byte, error) {
	trimmed := strings.TrimSpace(raw)
	trimmed = strings.TrimPrefix(trimmed, "0x")
	if trimmed == "" {
		return nil, errors.New("logistics: empty bytecode")
	}
	code, err := hex.DecodeString(trimmed)
	if err != nil {
		return nil, fmt.Errorf("logistics: decode bytecode: %w", err)
	}
	return code, nil
}
