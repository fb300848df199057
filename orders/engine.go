// Package orders runs the order state machine: it validates transitions, drives
// the escrow contract as the right party, reconciles the result with on-chain
// state and only then commits the off-chain record.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"courierchain/contracts/logistics"
	"courierchain/escrow"
	"courierchain/internal/keylock"
	"courierchain/ledger"
	"courierchain/observability"
	"courierchain/wallet"
)

// Config wires an Engine. Store, Directory, Wallets and Contracts are required.
type Config struct {
	Store     Store
	Directory Directory
	Wallets   Wallets
	Contracts Contracts
	// Reconciler defaults to one built over Contracts and Wallets.
	Reconciler *Reconciler
	Audit      AuditSink
	// UnitsPerMinor converts cents into ledger base units. Defaults to 1.
	UnitsPerMinor *big.Int
	// VerifyAttempts bounds how often a lagging contract read is retried after a
	// reported success.
	VerifyAttempts int
	VerifyBackoff  time.Duration
	Logger         *slog.Logger
	Metrics        *observability.EscrowMetrics
	Now            func() time.Time
	NewID          func() string
}

// Engine is the order state machine.
type Engine struct {
	store      Store
	directory  Directory
	wallets    Wallets
	contracts  Contracts
	reconciler *Reconciler
	audit      AuditSink
	units      *big.Int
	attempts   int
	backoff    time.Duration
	logger     *slog.Logger
	metrics    *observability.EscrowMetrics
	tracer     trace.Tracer
	nowFn      func() time.Time
	newID      func() string
	locks      *keylock.Locker
}

// Result is an order together with the contract snapshot it was verified against.
type Result struct {
	Order    *Order        `json:"order"`
	Contract *escrow.State `json:"contract,omitempty"`
	// Healed is set when the order was advanced to match on-chain state.
	Healed bool `json:"healed,omitempty"`
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config) (*Engine, error) {
	switch {
	case cfg.Store == nil:
		return nil, errors.New("orders: store required")
	case cfg.Directory == nil:
		return nil, errors.New("orders: directory required")
	case cfg.Wallets == nil:
		return nil, errors.New("orders: wallets required")
	case cfg.Contracts == nil:
		return nil, errors.New("orders: contracts required")
	}
	units := big.NewInt(1)
	if cfg.UnitsPerMinor != nil && cfg.UnitsPerMinor.Sign() > 0 {
		units = new(big.Int).Set(cfg.UnitsPerMinor)
	}
	if cfg.Reconciler == nil {
		rec, err := NewReconciler(ReconcilerConfig{
			Contracts:     cfg.Contracts,
			Wallets:       cfg.Wallets,
			UnitsPerMinor: units,
			Metrics:       cfg.Metrics,
		})
		if err != nil {
			return nil, err
		}
		cfg.Reconciler = rec
	}
	if cfg.VerifyAttempts <= 0 {
		cfg.VerifyAttempts = 3
	}
	if cfg.VerifyBackoff < 0 {
		cfg.VerifyBackoff = 0
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = func() string { return "order_" + uuid.NewString() }
	}
	return &Engine{
		store:      cfg.Store,
		directory:  cfg.Directory,
		wallets:    cfg.Wallets,
		contracts:  cfg.Contracts,
		reconciler: cfg.Reconciler,
		audit:      cfg.Audit,
		units:      units,
		attempts:   cfg.VerifyAttempts,
		backoff:    cfg.VerifyBackoff,
		logger:     cfg.Logger.With(slog.String("component", "orders")),
		metrics:    cfg.Metrics,
		tracer:     otel.Tracer("courierchain/orders"),
		nowFn:      cfg.Now,
		newID:      cfg.NewID,
		locks:      keylock.New(),
	}, nil
}

// Reconciler exposes the engine's reconciler for read-only checks.
func (e *Engine) Reconciler() *Reconciler {
	return e.reconciler
}

// CreateParams describes a new order.
type CreateParams struct {
	UserID      string
	StoreID     string
	TotalPrice  Amount
	DeliveryFee Amount
	// OrderID optionally makes creation idempotent under a caller-chosen id.
	OrderID string
	// ContractID resumes a creation whose deployment succeeded but whose
	// funding or commit did not.
	ContractID string
}

// CreateOrder deploys and funds an escrow as the customer and records the order as PENDING.
func (e *Engine) CreateOrder(ctx context.Context, p CreateParams) (res *Result, err error) {
	const op = "createOrder"
	ctx, span := e.tracer.Start(ctx, "orders.CreateOrder", trace.WithAttributes(
		attribute.String("user_id", p.UserID),
		attribute.String("store_id", p.StoreID),
	))
	defer func() { e.finish(span, EventCreate, err) }()

	p.UserID = strings.TrimSpace(p.UserID)
	p.StoreID = strings.TrimSpace(p.StoreID)
	p.OrderID = strings.TrimSpace(p.OrderID)
	p.ContractID = strings.TrimSpace(p.ContractID)
	switch {
	case p.UserID == "":
		return nil, invalid(op, p.OrderID, "userId", "required")
	case p.StoreID == "":
		return nil, invalid(op, p.OrderID, "storeId", "required")
	case p.TotalPrice <= 0:
		return nil, invalid(op, p.OrderID, "totalPrice", "must be positive")
	case p.DeliveryFee < 0:
		return nil, invalid(op, p.OrderID, "deliveryFee", "must not be negative")
	}

	orderID := p.OrderID
	if orderID == "" {
		orderID = e.newID()
	} else {
		unlock := e.locks.Lock(orderID)
		defer unlock()
		existing, err := e.store.Read(ctx, orderID)
		switch {
		case err == nil:
			if existing.UserID != p.UserID || existing.StoreID != p.StoreID ||
				existing.TotalPrice != p.TotalPrice || existing.DeliveryFee != p.DeliveryFee {
				return nil, invalid(op, orderID, "orderId", "already used for a different order")
			}
			v := e.reconciler.Verify(ctx, existing)
			return &Result{Order: existing, Contract: v.Observed}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, &Error{Kind: KindStorage, Op: op, OrderID: orderID, Err: err}
		}
	}
	span.SetAttributes(attribute.String("order_id", orderID))

	ownerID, err := e.directory.StoreOwner(ctx, p.StoreID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid(op, orderID, "storeId", "unknown store")
		}
		return nil, &Error{Kind: KindStorage, Op: op, OrderID: orderID, Err: err}
	}
	customer, err := e.wallet(ctx, op, orderID, p.UserID)
	if err != nil {
		return nil, err
	}
	owner, err := e.wallet(ctx, op, orderID, ownerID)
	if err != nil {
		return nil, err
	}

	amount := p.TotalPrice.LedgerUnits(e.units)
	fee := p.DeliveryFee.LedgerUnits(e.units)
	total := new(big.Int).Add(amount, fee)

	contractID := p.ContractID
	var state *escrow.State
	if contractID == "" {
		contractID, err = e.contracts.Deploy(ctx, customer, owner, amount, fee)
		if err != nil {
			return nil, e.ledgerError(op, orderID, "", err)
		}
	} else {
		unlockContract := e.locks.Lock("contract:" + contractID)
		defer unlockContract()
		holders, qerr := e.store.Query(ctx, Filter{ContractID: contractID, Limit: 1})
		if qerr != nil {
			return nil, &Error{Kind: KindStorage, Op: op, OrderID: orderID, ContractID: contractID, Err: qerr}
		}
		if len(holders) > 0 && holders[0].ID != orderID {
			return nil, invalid(op, orderID, "contractId", "contract already belongs to order "+holders[0].ID)
		}
		state, err = e.contracts.GetState(ctx, contractID)
		if err != nil {
			return nil, e.ledgerError(op, orderID, contractID, err)
		}
		switch {
		case state.Customer != customer.Address || state.StoreOwner != owner.Address:
			return nil, invalid(op, orderID, "contractId", "contract parties do not match the order")
		case state.ProductAmount.Cmp(amount) != 0 || state.DeliveryFee.Cmp(fee) != 0:
			return nil, invalid(op, orderID, "contractId", "contract amounts do not match the order")
		case state.Status != logistics.StatusInitiated:
			return nil, invalid(op, orderID, "contractId", "contract is already "+state.Status.String())
		}
	}

	if state == nil || state.Balance.Cmp(total) < 0 {
		if _, err := e.contracts.Fund(ctx, customer, contractID, amount, fee); err != nil {
			if !errors.Is(err, ledger.ErrTimeout) {
				return nil, e.ledgerError(op, orderID, contractID, err)
			}
			after, stateErr := e.contracts.GetState(ctx, contractID)
			if stateErr != nil || after.Balance.Cmp(total) < 0 {
				return nil, e.ledgerError(op, orderID, contractID, err)
			}
		}
	}

	now := e.nowFn().UTC()
	order := &Order{
		ID:          orderID,
		UserID:      p.UserID,
		StoreID:     p.StoreID,
		TotalPrice:  p.TotalPrice,
		DeliveryFee: p.DeliveryFee,
		Status:      StatusPending,
		ContractID:  contractID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	v, err := e.confirm(ctx, op, order)
	if err != nil {
		return nil, withContract(err, contractID)
	}
	if v.Observed.Balance.Cmp(total) < 0 {
		return nil, &Error{Kind: KindNotEffective, Op: op, OrderID: orderID, ContractID: contractID,
			Reason: fmt.Sprintf("contract balance %s below %s", v.Observed.Balance, total)}
	}
	if err := e.store.Write(ctx, order); err != nil {
		if errors.Is(err, ErrContractTaken) {
			return nil, invalid(op, orderID, "contractId", "contract already belongs to another order")
		}
		return nil, &Error{Kind: KindStorage, Op: op, OrderID: orderID, ContractID: contractID, Err: err}
	}
	e.record(ctx, order, EventCreate, p.UserID, "", v.Observed, "", false)
	e.logger.Info("order created",
		slog.String("order_id", orderID),
		slog.String("user_id", p.UserID),
		slog.String("contract", contractID),
	)
	return &Result{Order: order.Clone(), Contract: v.Observed}, nil
}

// SelectContract binds an agent to a PENDING order.
func (e *Engine) SelectContract(ctx context.Context, agentID, orderID string) (*Result, error) {
	return e.Transition(ctx, orderID, agentID, EventSelect)
}

// AcceptDelivery stakes the product amount as the bound agent.
func (e *Engine) AcceptDelivery(ctx context.Context, orderID, agentID string) (*Result, error) {
	return e.Transition(ctx, orderID, agentID, EventAccept)
}

// ConfirmPickup records the hand-over; only the store owner may call it.
func (e *Engine) ConfirmPickup(ctx context.Context, orderID, storeOwnerID string) (*Result, error) {
	return e.Transition(ctx, orderID, storeOwnerID, EventPickup)
}

// ConfirmDelivery settles the escrow as the bound agent.
func (e *Engine) ConfirmDelivery(ctx context.Context, orderID, agentID string) (*Result, error) {
	return e.Transition(ctx, orderID, agentID, EventDeliver)
}

// CancelOrder cancels a PENDING order on behalf of its customer.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*Result, error) {
	return e.Transition(ctx, orderID, userID, EventCancel)
}

// Transition applies event to the order on behalf of actorID.
func (e *Engine) Transition(ctx context.Context, orderID, actorID string, event Event) (res *Result, err error) {
	op := string(event)
	orderID = strings.TrimSpace(orderID)
	actorID = strings.TrimSpace(actorID)
	ctx, span := e.tracer.Start(ctx, "orders.Transition", trace.WithAttributes(
		attribute.String("order_id", orderID),
		attribute.String("event", op),
	))
	defer func() { e.finish(span, event, err) }()

	r, ok := lookup(event)
	if !ok {
		return nil, invalid(op, orderID, "event", fmt.Sprintf("unknown event %q", event))
	}
	if orderID == "" {
		return nil, invalid(op, "", "orderId", "required")
	}
	if actorID == "" {
		return nil, invalid(op, orderID, "actor", "required")
	}

	unlock := e.locks.Lock(orderID)
	defer unlock()

	order, err := e.store.Read(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid(op, orderID, "order", "not found")
		}
		return nil, &Error{Kind: KindStorage, Op: op, OrderID: orderID, Err: err}
	}
	if err := e.authorize(ctx, op, order, actorID, r.role); err != nil {
		return nil, err
	}

	pre := e.reconciler.Verify(ctx, order)
	healed := false
	switch pre.Drift {
	case DriftNone:
	case DriftAhead:
		if order, err = e.heal(ctx, op, order, pre, actorID); err != nil {
			return nil, err
		}
		healed = true
		if order.Status == r.to || Precedes(r.to, order.Status) {
			return &Result{Order: order.Clone(), Contract: pre.Observed, Healed: true}, nil
		}
	default:
		return nil, e.driftError(op, order, pre)
	}

	to, err := Next(order.Status, event)
	if err != nil {
		return nil, invalid(op, orderID, "status", err.Error())
	}

	next := order.Clone()
	next.Status = to
	if event == EventSelect {
		next.DeliveryAgentID = actorID
	}

	txHash := ""
	var observed *escrow.State
	if r.onLedger {
		partyID := next.DeliveryAgentID
		if r.role == RoleStoreOwner {
			partyID = actorID
		}
		party, err := e.wallet(ctx, op, orderID, partyID)
		if err != nil {
			return nil, err
		}
		receipt, callErr := e.invoke(ctx, event, party, order.ContractID)
		if callErr != nil && !errors.Is(callErr, ledger.ErrTimeout) {
			return nil, e.ledgerError(op, orderID, order.ContractID, callErr)
		}
		if receipt != nil {
			txHash = receipt.TxHash.Hex()
		}
		v, err := e.confirm(ctx, op, next)
		if err != nil {
			if callErr != nil && errors.Is(err, ErrNotEffective) {
				// The call timed out and the chain shows no effect: the outcome is still unknown.
				return nil, e.ledgerError(op, orderID, order.ContractID, callErr)
			}
			return nil, err
		}
		observed = v.Observed
		if v.Drift == DriftAhead {
			next.Status = v.Projected
			healed = true
		}
	} else {
		observed = pre.Observed
	}

	now := e.nowFn().UTC()
	for _, s := range pathBetween(order.Status, next.Status) {
		next.stamp(s, now)
	}
	if err := e.store.Update(ctx, next); err != nil {
		return nil, &Error{Kind: KindStorage, Op: op, OrderID: orderID, ContractID: order.ContractID, Err: err}
	}
	e.record(ctx, next, event, actorID, order.Status, observed, txHash, healed)
	e.logger.Info("order transitioned",
		slog.String("order_id", orderID),
		slog.String("event", op),
		slog.String("from", string(order.Status)),
		slog.String("to", string(next.Status)),
		slog.String("tx_hash", txHash),
	)
	return &Result{Order: next.Clone(), Contract: observed, Healed: healed}, nil
}

func (e *Engine) authorize(ctx context.Context, op string, order *Order, actorID string, role Role) error {
	switch role {
	case RoleCustomer:
		if actorID != order.UserID {
			return invalid(op, order.ID, "actor", "only the customer may "+op)
		}
	case RoleCandidate:
		if actorID == order.UserID {
			return invalid(op, order.ID, "actor", "customers cannot deliver their own order")
		}
		if order.DeliveryAgentID != "" {
			return invalid(op, order.ID, "actor", "order already assigned to another agent")
		}
	case RoleAgent:
		if order.DeliveryAgentID == "" || actorID != order.DeliveryAgentID {
			return invalid(op, order.ID, "actor", "only the assigned delivery agent may "+op)
		}
	case RoleStoreOwner:
		owns, err := e.directory.OwnsStore(ctx, actorID, order.StoreID)
		if err != nil {
			return &Error{Kind: KindStorage, Op: op, OrderID: order.ID, Err: err}
		}
		if !owns {
			return invalid(op, order.ID, "actor", "only the store owner may "+op)
		}
	}
	return nil
}

func (e *Engine) invoke(ctx context.Context, event Event, party *wallet.Wallet, contractID string) (*ledger.Receipt, error) {
	switch event {
	case EventAccept:
		return e.contracts.AcceptAsAgent(ctx, party, contractID)
	case EventPickup:
		return e.contracts.ConfirmPickup(ctx, party, contractID)
	case EventDeliver:
		return e.contracts.ConfirmDelivery(ctx, party, contractID)
	default:
		return nil, fmt.Errorf("orders: %s has no contract call", event)
	}
}

// confirm verifies that the contract reflects target, re-reading while it lags.
func (e *Engine) confirm(ctx context.Context, op string, target *Order) (Verification, error) {
	var v Verification
	for attempt := 0; attempt < e.attempts; attempt++ {
		if attempt > 0 && e.backoff > 0 {
			select {
			case <-ctx.Done():
				return v, &Error{Kind: KindLedgerTimeout, Op: op, OrderID: target.ID, Err: ctx.Err()}
			case <-time.After(e.backoff):
			}
		}
		v = e.reconciler.Verify(ctx, target)
		switch v.Drift {
		case DriftNone, DriftAhead:
			return v, nil
		case DriftContradiction:
			return v, e.driftError(op, target, v)
		}
	}
	if v.Drift == DriftUnknown {
		return v, e.driftError(op, target, v)
	}
	return v, &Error{Kind: KindNotEffective, Op: op, OrderID: target.ID, Reason: v.Reason}
}

// heal advances order to the status implied by on-chain state and persists it.
func (e *Engine) heal(ctx context.Context, op string, order *Order, v Verification, actorID string) (*Order, error) {
	next := order.Clone()
	next.Status = v.Projected
	now := e.nowFn().UTC()
	for _, s := range pathBetween(order.Status, next.Status) {
		next.stamp(s, now)
	}
	if err := e.store.Update(ctx, next); err != nil {
		return nil, &Error{Kind: KindStorage, Op: op, OrderID: order.ID, ContractID: order.ContractID, Err: err}
	}
	e.record(ctx, next, EventReconcile, actorID, order.Status, v.Observed, "", true)
	e.logger.Warn("order advanced to match contract",
		slog.String("order_id", order.ID),
		slog.String("from", string(order.Status)),
		slog.String("to", string(next.Status)),
		slog.String("reason", v.Reason),
	)
	return next, nil
}

func (e *Engine) driftError(op string, order *Order, v Verification) error {
	switch v.Drift {
	case DriftUnknown:
		kind := KindLedgerCall
		if errors.Is(v.Err, ledger.ErrTimeout) {
			kind = KindLedgerTimeout
		}
		return &Error{Kind: kind, Op: op, OrderID: order.ID, ContractID: order.ContractID, Reason: v.Reason, Err: v.Err}
	case DriftBehind:
		return &Error{Kind: KindConsistency, Op: op, OrderID: order.ID, ContractID: order.ContractID,
			Reason: "order is ahead of its contract: " + v.Reason}
	default:
		return &Error{Kind: KindConsistency, Op: op, OrderID: order.ID, ContractID: order.ContractID, Reason: v.Reason}
	}
}

func (e *Engine) wallet(ctx context.Context, op, orderID, userID string) (*wallet.Wallet, error) {
	w, err := e.wallets.GetOrCreate(ctx, userID)
	if err != nil {
		if errors.Is(err, wallet.ErrInvalidUser) {
			return nil, invalid(op, orderID, "actor", "user id required")
		}
		return nil, &Error{Kind: KindWallet, Op: op, OrderID: orderID, Err: err}
	}
	return w, nil
}

func (e *Engine) ledgerError(op, orderID, contractID string, err error) error {
	kind := KindLedgerCall
	if errors.Is(err, ledger.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		kind = KindLedgerTimeout
	}
	return &Error{Kind: kind, Op: op, OrderID: orderID, ContractID: contractIDFrom(contractID, err), Err: err}
}

func contractIDFrom(contractID string, err error) string {
	if contractID != "" {
		return contractID
	}
	var escrowErr *escrow.Error
	if errors.As(err, &escrowErr) {
		return escrowErr.ContractID
	}
	return ""
}

func withContract(err error, contractID string) error {
	var e *Error
	if errors.As(err, &e) && e.ContractID == "" {
		e.ContractID = contractID
	}
	return err
}

func (e *Engine) record(ctx context.Context, order *Order, event Event, actorID string, from Status, observed *escrow.State, txHash string, healed bool) {
	if e.audit == nil {
		return
	}
	entry := AuditEntry{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Event:      event,
		ActorID:    actorID,
		FromStatus: from,
		ToStatus:   order.Status,
		TxHash:     txHash,
		Healed:     healed,
		At:         order.UpdatedAt,
	}
	if observed != nil {
		entry.ContractStatus = observed.Status.String()
	}
	if err := e.audit.AppendAudit(ctx, entry); err != nil {
		e.logger.Warn("audit append failed", slog.String("order_id", order.ID), slog.Any("error", err))
	}
}

func (e *Engine) finish(span trace.Span, event Event, err error) {
	outcome := "ok"
	if err != nil {
		outcome = string(KindOf(err))
		if outcome == "" {
			outcome = "error"
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	e.metrics.RecordTransition(string(event), outcome)
	span.End()
}

// pathBetween lists the statuses entered when moving from a to b, b included.
func pathBetween(a, b Status) []Status {
	if b == StatusCancelled {
		return []Status{StatusCancelled}
	}
	path := []Status{StatusPending, StatusAssigned, StatusInDelivery, StatusInTransit, StatusDelivered}
	var out []Status
	for _, s := range path {
		if Precedes(a, s) && !Precedes(b, s) {
			out = append(out, s)
		}
	}
	return out
}
