package orders

import (
	"context"
	"errors"
	"strings"

	"courierchain/escrow"
)

// DefaultRecentLimit bounds Recent when the caller passes no limit.
const DefaultRecentLimit = 10

// Get returns an order with a fresh contract snapshot. A failing contract read
// leaves Contract nil rather than failing the lookup.
func (e *Engine) Get(ctx context.Context, orderID string) (*Result, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, invalid("getOrder", "", "orderId", "required")
	}
	order, err := e.store.Read(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid("getOrder", orderID, "order", "not found")
		}
		return nil, &Error{Kind: KindStorage, Op: "getOrder", OrderID: orderID, Err: err}
	}
	res := &Result{Order: order}
	if order.ContractID != "" {
		if state, err := e.contracts.GetState(ctx, order.ContractID); err == nil {
			res.Contract = state
		}
	}
	return res, nil
}

func (e *Engine) ByUser(ctx context.Context, userID string) ([]*Order, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, invalid("getOrdersByUser", "", "userId", "required")
	}
	return e.query(ctx, "getOrdersByUser", Filter{UserID: userID, NewestFirst: true})
}

func (e *Engine) ByStore(ctx context.Context, storeID string) ([]*Order, error) {
	if strings.TrimSpace(storeID) == "" {
		return nil, invalid("getOrdersByStore", "", "storeId", "required")
	}
	return e.query(ctx, "getOrdersByStore", Filter{StoreID: storeID, NewestFirst: true})
}

func (e *Engine) ByStatus(ctx context.Context, status Status) ([]*Order, error) {
	if !status.Valid() {
		return nil, invalid("getOrdersByStatus", "", "status", "unknown status "+string(status))
	}
	return e.query(ctx, "getOrdersByStatus", Filter{Status: status, NewestFirst: true})
}

// Recent returns the newest orders. limit <= 0 means DefaultRecentLimit.
func (e *Engine) Recent(ctx context.Context, limit int) ([]*Order, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	return e.query(ctx, "getRecentOrders", Filter{Limit: limit, NewestFirst: true})
}

// AvailableContracts lists PENDING orders an agent could claim, oldest first.
// Orders placed by the agent are excluded.
func (e *Engine) AvailableContracts(ctx context.Context, agentID string) ([]ContractListing, error) {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return nil, invalid("getAvailableContracts", "", "agentId", "required")
	}
	pending, err := e.query(ctx, "getAvailableContracts", Filter{Status: StatusPending})
	if err != nil {
		return nil, err
	}
	out := make([]ContractListing, 0, len(pending))
	for _, o := range pending {
		if o.UserID == agentID || o.DeliveryAgentID != "" {
			continue
		}
		out = append(out, ContractListing{
			OrderID:     o.ID,
			ContractID:  o.ContractID,
			StoreID:     o.StoreID,
			TotalPrice:  o.TotalPrice,
			DeliveryFee: o.DeliveryFee,
			CreatedAt:   o.CreatedAt,
			Status:      "AVAILABLE",
		})
	}
	return out, nil
}

// AgentContracts lists the orders bound to an agent, newest first.
func (e *Engine) AgentContracts(ctx context.Context, agentID string) ([]*Order, error) {
	if strings.TrimSpace(agentID) == "" {
		return nil, invalid("getAgentContracts", "", "agentId", "required")
	}
	return e.query(ctx, "getAgentContracts", Filter{AgentID: agentID, NewestFirst: true})
}

// ContractReport pairs an order with a fresh reconciliation of its contract.
type ContractReport struct {
	Order    *Order        `json:"order"`
	Contract *escrow.State `json:"contract"`
	Drift    Drift         `json:"drift"`
	Reason   string        `json:"reason,omitempty"`
}

// ContractState reads the on-chain snapshot of an order's contract and reports
// how it relates to the stored order. Nothing is healed.
func (e *Engine) ContractState(ctx context.Context, orderID string) (*ContractReport, error) {
	const op = "getContractState"
	orderID = strings.TrimSpace(orderID)
	order, err := e.store.Read(ctx, orderID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, invalid(op, orderID, "order", "not found")
		}
		return nil, &Error{Kind: KindStorage, Op: op, OrderID: orderID, Err: err}
	}
	if order.ContractID == "" {
		return nil, invalid(op, orderID, "contractId", "order has no contract")
	}
	v := e.reconciler.Verify(ctx, order)
	if v.Drift == DriftUnknown {
		return nil, e.ledgerError(op, orderID, order.ContractID, v.Err)
	}
	return &ContractReport{Order: order, Contract: v.Observed, Drift: v.Drift, Reason: v.Reason}, nil
}

func (e *Engine) query(ctx context.Context, op string, f Filter) ([]*Order, error) {
	list, err := e.store.Query(ctx, f)
	if err != nil {
		return nil, &Error{Kind: KindStorage, Op: op, Err: err}
	}
	return list, nil
}
