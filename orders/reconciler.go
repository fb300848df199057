package orders

import (
	"context"
	"fmt"
	"math/big"

	"courierchain/contracts/logistics"
	"courierchain/escrow"
	"courierchain/observability"
)

// Drift classifies how on-chain state relates to an order.
type Drift string

const (
	DriftNone Drift = "none"
	// DriftBehind means the contract has not reached the status the order implies.
	DriftBehind Drift = "behind"
	// DriftAhead means the contract moved further along the forward path.
	DriftAhead         Drift = "ahead"
	DriftContradiction Drift = "contradiction"
	// DriftUnknown means the contract could not be read.
	DriftUnknown Drift = "unknown"
)

// Verification is the outcome of comparing an order with its contract.
type Verification struct {
	OK        bool
	Drift     Drift
	Observed  *escrow.State
	Expected  []logistics.Status
	Projected Status
	Reason    string
	Err       error
}

// StateReader reads contract snapshots.
type StateReader interface {
	GetState(ctx context.Context, contractID string) (*escrow.State, error)
}

// ReconcilerConfig wires a Reconciler.
type ReconcilerConfig struct {
	Contracts StateReader
	// Wallets, when set, lets the reconciler check that the on-chain agent is the bound one.
	Wallets Wallets
	// UnitsPerMinor converts order amounts to ledger units for the amount check.
	UnitsPerMinor *big.Int
	Metrics       *observability.EscrowMetrics
}

// Reconciler compares orders with on-chain state. It never mutates either.
type Reconciler struct {
	contracts StateReader
	wallets   Wallets
	units     *big.Int
	metrics   *observability.EscrowMetrics
}

func NewReconciler(cfg ReconcilerConfig) (*Reconciler, error) {
	if cfg.Contracts == nil {
		return nil, fmt.Errorf("orders: reconciler needs a contract reader")
	}
	units := big.NewInt(1)
	if cfg.UnitsPerMinor != nil && cfg.UnitsPerMinor.Sign() > 0 {
		units = new(big.Int).Set(cfg.UnitsPerMinor)
	}
	return &Reconciler{contracts: cfg.Contracts, wallets: cfg.Wallets, units: units, metrics: cfg.Metrics}, nil
}

// Verify reads the order's contract and classifies the drift. Failures are
// reported in the result, never returned.
func (r *Reconciler) Verify(ctx context.Context, order *Order) Verification {
	v := r.verify(ctx, order)
	v.OK = v.Drift == DriftNone
	r.metrics.RecordReconcile(string(v.Drift))
	return v
}

func (r *Reconciler) verify(ctx context.Context, order *Order) Verification {
	v := Verification{Expected: ExpectedContractStatus(order.Status)}
	if order.ContractID == "" {
		v.Drift = DriftContradiction
		v.Reason = "order has no contract"
		return v
	}
	state, err := r.contracts.GetState(ctx, order.ContractID)
	if err != nil {
		v.Drift = DriftUnknown
		v.Err = err
		v.Reason = "contract state unavailable"
		return v
	}
	v.Observed = state
	agentBound := order.DeliveryAgentID != ""
	v.Projected = ProjectStatus(state.Status, agentBound)

	if reason := r.termsMismatch(order, state); reason != "" {
		v.Drift = DriftContradiction
		v.Reason = reason
		return v
	}
	if state.HasAgent() {
		if !agentBound {
			v.Drift = DriftContradiction
			v.Reason = "contract has an agent but the order has none bound"
			return v
		}
		if drift, reason, err := r.agentMismatch(ctx, order, state); drift != DriftNone {
			v.Drift = drift
			v.Reason = reason
			v.Err = err
			return v
		}
	}

	switch {
	case expects(order.Status, state.Status):
		v.Drift = DriftNone
	case order.Status == StatusCancelled:
		v.Drift = DriftContradiction
		v.Reason = fmt.Sprintf("cancelled order but contract is %s", state.Status)
	case state.Status == logistics.StatusFailed:
		v.Drift = DriftContradiction
		v.Reason = fmt.Sprintf("contract failed while order is %s", order.Status)
	case Precedes(order.Status, v.Projected):
		v.Drift = DriftAhead
		v.Reason = fmt.Sprintf("contract is %s, order is %s", state.Status, order.Status)
	default:
		v.Drift = DriftBehind
		v.Reason = fmt.Sprintf("contract is %s, order expects %v", state.Status, v.Expected)
	}
	return v
}

func (r *Reconciler) termsMismatch(order *Order, state *escrow.State) string {
	if state.ProductAmount != nil && state.ProductAmount.Cmp(order.TotalPrice.LedgerUnits(r.units)) != 0 {
		return fmt.Sprintf("contract product amount %s does not match order total %s", state.ProductAmount, order.TotalPrice)
	}
	if state.DeliveryFee != nil && state.DeliveryFee.Cmp(order.DeliveryFee.LedgerUnits(r.units)) != 0 {
		return fmt.Sprintf("contract delivery fee %s does not match order fee %s", state.DeliveryFee, order.DeliveryFee)
	}
	return ""
}

// agentMismatch checks the on-chain agent against the wallet of the bound one.
// A bound agent without a wallet cannot have accepted, so any on-chain agent
// is someone else.
func (r *Reconciler) agentMismatch(ctx context.Context, order *Order, state *escrow.State) (Drift, string, error) {
	if r.wallets == nil {
		return DriftNone, "", nil
	}
	w, ok, err := r.wallets.Lookup(ctx, order.DeliveryAgentID)
	switch {
	case err != nil:
		return DriftUnknown, "bound agent wallet unavailable", err
	case !ok:
		return DriftContradiction, fmt.Sprintf("contract agent %s accepted but %s has no wallet", state.Agent.Hex(), order.DeliveryAgentID), nil
	case w.Address != state.Agent:
		return DriftContradiction, fmt.Sprintf("contract agent %s is not the wallet of %s", state.Agent.Hex(), order.DeliveryAgentID), nil
	}
	return DriftNone, "", nil
}
