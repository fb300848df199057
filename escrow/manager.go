// Package escrow deploys logistics escrow contracts and drives them as the
// party each call requires.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"courierchain/contracts/logistics"
	"courierchain/crypto"
	"courierchain/ledger"
)

// Party is anything able to act on the ledger, typically a *wallet.Wallet.
type Party interface {
	Signer() ledger.Signer
}

// BytecodeSource yields the compiled escrow program.
type BytecodeSource func(ctx context.Context) ([]byte, error)

// BytecodeFile reads hex bytecode from disk.
func BytecodeFile(path string) BytecodeSource {
	return func(context.Context) ([]byte, error) {
		return logistics.LoadBytecode(path)
	}
}

// StaticBytecode serves a fixed program.
func StaticBytecode(code []byte) BytecodeSource {
	return func(context.Context) ([]byte, error) {
		if len(code) == 0 {
			return nil, errors.New("escrow: empty bytecode")
		}
		return append([]byte(nil), code...), nil
	}
}

// State is a read-only snapshot of an escrow contract.
type State struct {
	ContractID    string           `json:"contractId"`
	Status        logistics.Status `json:"status"`
	Customer      common.Address   `json:"customer"`
	StoreOwner    common.Address   `json:"storeOwner"`
	Agent         common.Address   `json:"deliveryAgent"`
	ProductAmount *big.Int         `json:"productAmount"`
	DeliveryFee   *big.Int         `json:"deliveryFee"`
	AgentStake    *big.Int         `json:"agentStake"`
	Balance       *big.Int         `json:"balance"`
}

// HasAgent reports whether an agent address has been bound on-chain.
func (s *State) HasAgent() bool {
	return s != nil && s.Agent != (common.Address{})
}

// Config wires a Manager.
type Config struct {
	Switcher *ledger.Switcher
	Bytecode BytecodeSource
	Gas      logistics.GasLimits
	Logger   *slog.Logger
}

// Manager owns the contract lifecycle. Mutating calls are never retried here.
type Manager struct {
	switcher *ledger.Switcher
	source   BytecodeSource
	gas      logistics.GasLimits
	logger   *slog.Logger
	tracer   trace.Tracer

	codeMu sync.Mutex
	code   []byte
}

func NewManager(cfg Config) (*Manager, error) {
	if cfg.Switcher == nil {
		return nil, errors.New("escrow: switcher required")
	}
	if cfg.Bytecode == nil {
		return nil, errors.New("escrow: bytecode source required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		switcher: cfg.Switcher,
		source:   cfg.Bytecode,
		gas:      cfg.Gas.WithDefaults(),
		logger:   cfg.Logger.With(slog.String("component", "escrow")),
		tracer:   otel.Tracer("courierchain/escrow"),
	}, nil
}

// bytecode loads the program once and reuses it for every deployment.
func (m *Manager) bytecode(ctx context.Context) ([]byte, error) {
	m.codeMu.Lock()
	defer m.codeMu.Unlock()
	if m.code != nil {
		return m.code, nil
	}
	code, err := m.source(ctx)
	if err != nil {
		return nil, err
	}
	if len(code) == 0 {
		return nil, errors.New("escrow: empty bytecode")
	}
	m.code = code
	return code, nil
}

// Deploy creates a new escrow as the customer. No funds move.
func (m *Manager) Deploy(ctx context.Context, customer, storeOwner Party, productAmount, deliveryFee *big.Int) (contractID string, err error) {
	ctx, span := m.tracer.Start(ctx, "escrow.Deploy")
	defer func() { endSpan(span, err) }()

	customerSigner, ownerSigner := signerOf(customer), signerOf(storeOwner)
	if !customerSigner.Valid() || !ownerSigner.Valid() {
		return "", &Error{Kind: ErrDeployment, Err: errors.New("customer and store owner wallets required")}
	}
	if productAmount == nil || productAmount.Sign() <= 0 || deliveryFee == nil || deliveryFee.Sign() < 0 {
		return "", &Error{Kind: ErrDeployment, Err: errors.New("product amount must be positive and fee non-negative")}
	}
	code, err := m.bytecode(ctx)
	if err != nil {
		return "", &Error{Kind: ErrDeployment, Err: err}
	}
	args, err := logistics.PackConstructor(ownerSigner.Address, productAmount, deliveryFee)
	if err != nil {
		return "", &Error{Kind: ErrDeployment, Err: err}
	}
	data := make([]byte, 0, len(code)+len(args))
	data = append(append(data, code...), args...)

	receipt, err := ledger.RunAs(ctx, m.switcher, customerSigner, func(ctx context.Context, c *ledger.Client) (*ledger.Receipt, error) {
		return c.Deploy(ctx, data, m.gas.Create)
	})
	if err != nil {
		return "", &Error{Kind: ErrDeployment, TxHash: txHash(receipt), Err: err}
	}
	if receipt.ContractAddress == (common.Address{}) {
		return "", &Error{Kind: ErrDeployment, TxHash: txHash(receipt), Err: errors.New("receipt carries no contract address")}
	}
	contractID = receipt.ContractAddress.Hex()
	span.SetAttributes(attribute.String("contract", contractID))
	m.logger.Info("escrow deployed",
		slog.String("contract", contractID),
		slog.String("customer", customerSigner.Address.Hex()),
		slog.String("store_owner", ownerSigner.Address.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
	)
	return contractID, nil
}

// Fund attaches productAmount+deliveryFee as the customer.
func (m *Manager) Fund(ctx context.Context, customer Party, contractID string, productAmount, deliveryFee *big.Int) (*ledger.Receipt, error) {
	if productAmount == nil || deliveryFee == nil {
		return nil, &Error{Kind: ErrFunding, ContractID: contractID, Err: errors.New("amounts required")}
	}
	total := new(big.Int).Add(productAmount, deliveryFee)
	return m.execute(ctx, "escrow.Fund", ErrFunding, customer, contractID, logistics.MethodFund, total, m.gas.Fund)
}

// AcceptAsAgent stakes the product amount as the agent and binds them on-chain.
func (m *Manager) AcceptAsAgent(ctx context.Context, agent Party, contractID string) (*ledger.Receipt, error) {
	contract, err := parseContract(contractID)
	if err != nil {
		return nil, &Error{Kind: ErrAcceptance, ContractID: contractID, Err: err}
	}
	stake, err := m.viewUint(ctx, contract, logistics.MethodProductAmount)
	if err != nil {
		return nil, &Error{Kind: ErrAcceptance, ContractID: contractID, Err: fmt.Errorf("read required stake: %w", err)}
	}
	return m.execute(ctx, "escrow.AcceptAsAgent", ErrAcceptance, agent, contractID, logistics.MethodAcceptDelivery, stake, m.gas.Accept)
}

// ConfirmPickup records the hand-over as the store owner.
func (m *Manager) ConfirmPickup(ctx context.Context, storeOwner Party, contractID string) (*ledger.Receipt, error) {
	return m.execute(ctx, "escrow.ConfirmPickup", ErrPickup, storeOwner, contractID, logistics.MethodConfirmPickup, nil, m.gas.Pickup)
}

// ConfirmDelivery settles the escrow as the agent.
func (m *Manager) ConfirmDelivery(ctx context.Context, agent Party, contractID string) (*ledger.Receipt, error) {
	return m.execute(ctx, "escrow.ConfirmDelivery", ErrDelivery, agent, contractID, logistics.MethodConfirmDelivery, nil, m.gas.Deliver)
}

func (m *Manager) execute(ctx context.Context, spanName string, kind error, party Party, contractID, method string, value *big.Int, gas uint64) (receipt *ledger.Receipt, err error) {
	ctx, span := m.tracer.Start(ctx, spanName, trace.WithAttributes(
		attribute.String("contract", contractID),
		attribute.String("method", method),
	))
	defer func() { endSpan(span, err) }()

	contract, err := parseContract(contractID)
	if err != nil {
		return nil, &Error{Kind: kind, ContractID: contractID, Err: err}
	}
	signer := signerOf(party)
	if !signer.Valid() {
		return nil, &Error{Kind: kind, ContractID: contractID, Err: ledger.ErrNoSigner}
	}
	data, err := logistics.Pack(method)
	if err != nil {
		return nil, &Error{Kind: kind, ContractID: contractID, Err: err}
	}
	receipt, err = ledger.RunAs(ctx, m.switcher, signer, func(ctx context.Context, c *ledger.Client) (*ledger.Receipt, error) {
		return c.Execute(ctx, contract, data, value, gas)
	})
	if err != nil {
		return receipt, &Error{Kind: kind, ContractID: contractID, TxHash: txHash(receipt), Err: err}
	}
	m.logger.Info("escrow call confirmed",
		slog.String("contract", contractID),
		slog.String("method", method),
		slog.String("address", signer.Address.Hex()),
		slog.String("tx_hash", receipt.TxHash.Hex()),
	)
	return receipt, nil
}

// GetState reads every view of the contract in parallel.
func (m *Manager) GetState(ctx context.Context, contractID string) (state *State, err error) {
	ctx, span := m.tracer.Start(ctx, "escrow.GetState", trace.WithAttributes(attribute.String("contract", contractID)))
	defer func() { endSpan(span, err) }()

	contract, err := parseContract(contractID)
	if err != nil {
		return nil, &Error{Kind: ErrQuery, ContractID: contractID, Err: err}
	}
	state = &State{ContractID: contract.Hex()}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		out, err := m.call(gctx, contract, logistics.MethodCurrentStatus)
		if err != nil {
			return err
		}
		state.Status, err = logistics.UnpackStatus(out)
		return err
	})
	addresses := map[string]*common.Address{
		logistics.MethodDeliveryAgent: &state.Agent,
		logistics.MethodCustomer:      &state.Customer,
		logistics.MethodStoreOwner:    &state.StoreOwner,
	}
	for method, dst := range addresses {
		g.Go(func() error {
			out, err := m.call(gctx, contract, method)
			if err != nil {
				return err
			}
			*dst, err = logistics.UnpackAddress(method, out)
			return err
		})
	}
	amounts := map[string]**big.Int{
		logistics.MethodProductAmount: &state.ProductAmount,
		logistics.MethodDeliveryFee:   &state.DeliveryFee,
		logistics.MethodAgentStake:    &state.AgentStake,
		logistics.MethodBalance:       &state.Balance,
	}
	for method, dst := range amounts {
		g.Go(func() error {
			v, err := m.viewUint(gctx, contract, method)
			if err != nil {
				return err
			}
			*dst = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, &Error{Kind: ErrQuery, ContractID: contractID, Err: err}
	}
	return state, nil
}

func (m *Manager) call(ctx context.Context, contract common.Address, method string) ([]byte, error) {
	data, err := logistics.Pack(method)
	if err != nil {
		return nil, err
	}
	out, err := m.switcher.Client().Call(ctx, contract, data, m.gas.Query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}
	return out, nil
}

func (m *Manager) viewUint(ctx context.Context, contract common.Address, method string) (*big.Int, error) {
	out, err := m.call(ctx, contract, method)
	if err != nil {
		return nil, err
	}
	return logistics.UnpackUint(method, out)
}

func parseContract(contractID string) (common.Address, error) {
	addr, err := crypto.ParseAddress(contractID)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %q", ErrInvalidContract, contractID)
	}
	return addr, nil
}

func signerOf(p Party) ledger.Signer {
	if p == nil {
		return ledger.Signer{}
	}
	return p.Signer()
}

func txHash(r *ledger.Receipt) string {
	if r == nil {
		return ""
	}
	return r.TxHash.Hex()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
