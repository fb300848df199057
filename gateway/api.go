package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"courierchain/orders"
)

// apiRequest is the body of POST /api.
type apiRequest struct {
	Service string          `json:"service"`
	Params  json.RawMessage `json:"params"`
}

// apiParams is the union of every service's parameters.
type apiParams struct {
	OrderID      string        `json:"orderId"`
	UserID       string        `json:"userId"`
	StoreID      string        `json:"storeId"`
	AgentID      string        `json:"agentId"`
	StoreOwnerID string        `json:"storeOwnerId"`
	ContractID   string        `json:"contractId"`
	TotalPrice   orders.Amount `json:"totalPrice"`
	DeliveryFee  orders.Amount `json:"deliveryFee"`
	Status       string        `json:"status"`
	Limit        int           `json:"limit"`
}

type handlerFunc func(ctx context.Context, o Orders, p apiParams) (any, error)

var services = map[string]handlerFunc{
	"createOrder": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.CreateOrder(ctx, orders.CreateParams{
			OrderID:     p.OrderID,
			UserID:      p.UserID,
			StoreID:     p.StoreID,
			TotalPrice:  p.TotalPrice,
			DeliveryFee: p.DeliveryFee,
			ContractID:  p.ContractID,
		})
	},
	"selectContract": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.SelectContract(ctx, p.AgentID, p.OrderID)
	},
	"acceptDelivery": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.AcceptDelivery(ctx, p.OrderID, p.AgentID)
	},
	"confirmPickup": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.ConfirmPickup(ctx, p.OrderID, p.StoreOwnerID)
	},
	"confirmDelivery": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.ConfirmDelivery(ctx, p.OrderID, p.AgentID)
	},
	"cancelOrder": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.CancelOrder(ctx, p.OrderID, p.UserID)
	},
	"getOrder": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.Get(ctx, p.OrderID)
	},
	"getOrdersByUser": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.ByUser(ctx, p.UserID)
	},
	"getOrdersByStore": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.ByStore(ctx, p.StoreID)
	},
	"getOrdersByStatus": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.ByStatus(ctx, orders.Status(strings.ToUpper(strings.TrimSpace(p.Status))))
	},
	"getRecentOrders": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.Recent(ctx, p.Limit)
	},
	"getAvailableContracts": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.AvailableContracts(ctx, p.AgentID)
	},
	"getAgentContracts": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.AgentContracts(ctx, p.AgentID)
	},
	"getContractState": func(ctx context.Context, o Orders, p apiParams) (any, error) {
		return o.ContractState(ctx, p.OrderID)
	},
}

func (s *Server) handleAPI(w http.ResponseWriter, r *http.Request) {
	var req apiRequest
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, "", badRequest("body", fmt.Sprintf("invalid request body: %v", err)))
		return
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		s.writeError(w, req.Service, badRequest("body", "unexpected data after request"))
		return
	}
	handler, ok := services[req.Service]
	if !ok {
		s.writeError(w, req.Service, badRequest("service", fmt.Sprintf("unknown service %q", req.Service)))
		return
	}
	var params apiParams
	if len(req.Params) > 0 && string(req.Params) != "null" {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			s.writeError(w, req.Service, badRequest("params", err.Error()))
			return
		}
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	data, err := handler(ctx, s.orders, params)
	if err != nil {
		s.writeError(w, req.Service, err)
		return
	}
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func badRequest(field, reason string) error {
	return &orders.Error{Kind: orders.KindValidation, Op: "api", Field: field, Reason: reason}
}
