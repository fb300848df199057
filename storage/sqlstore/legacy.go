package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"courierchain/orders"
)

// ErrLegacyDocument is returned for documents that cannot be mapped onto an order.
var ErrLegacyDocument = errors.New("sqlstore: invalid legacy order document")

// legacyOrder accepts both camelCase and snake_case spellings.
type legacyOrder struct {
	OrderID          string          `json:"orderId"`
	OrderIDSnake     string          `json:"order_id"`
	UserID           string          `json:"userId"`
	UserIDSnake      string          `json:"user_id"`
	StoreID          string          `json:"storeId"`
	StoreIDSnake     string          `json:"store_id"`
	TotalPrice       *orders.Amount  `json:"totalPrice"`
	TotalPriceSnake  *orders.Amount  `json:"total_price"`
	DeliveryFee      *orders.Amount  `json:"deliveryFee"`
	DeliveryFeeSnake *orders.Amount  `json:"delivery_fee"`
	Status           string          `json:"status"`
	ContractID       string          `json:"contractId"`
	ContractIDSnake  string          `json:"contract_id"`
	AgentID          string          `json:"deliveryAgentId"`
	AgentIDSnake     string          `json:"delivery_agent_id"`
	Timestamp        string          `json:"timestamp"`
	CreatedAt        string          `json:"createdAt"`
	CreatedAtSnake   string          `json:"created_at"`
	Contents         json.RawMessage `json:"contents"`
}

// DecodeLegacyOrder normalizes a legacy order document into an Order. The
// document may be flat or nested under "contents", in camelCase or snake_case.
func DecodeLegacyOrder(raw []byte) (*orders.Order, error) {
	var doc legacyOrder
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLegacyDocument, err)
	}
	if len(doc.Contents) > 0 && string(doc.Contents) != "null" {
		var inner legacyOrder
		if err := json.Unmarshal(doc.Contents, &inner); err != nil {
			return nil, fmt.Errorf("%w: contents: %w", ErrLegacyDocument, err)
		}
		doc = inner
	}

	o := &orders.Order{
		ID:              first(doc.OrderID, doc.OrderIDSnake),
		UserID:          first(doc.UserID, doc.UserIDSnake),
		StoreID:         first(doc.StoreID, doc.StoreIDSnake),
		Status:          orders.Status(strings.ToUpper(strings.TrimSpace(doc.Status))),
		ContractID:      first(doc.ContractID, doc.ContractIDSnake),
		DeliveryAgentID: first(doc.AgentID, doc.AgentIDSnake),
	}
	if p := firstAmount(doc.TotalPrice, doc.TotalPriceSnake); p != nil {
		o.TotalPrice = *p
	}
	if f := firstAmount(doc.DeliveryFee, doc.DeliveryFeeSnake); f != nil {
		o.DeliveryFee = *f
	}
	switch {
	case o.ID == "":
		return nil, fmt.Errorf("%w: missing order id", ErrLegacyDocument)
	case o.UserID == "" || o.StoreID == "":
		return nil, fmt.Errorf("%w: %s: missing user or store", ErrLegacyDocument, o.ID)
	case o.TotalPrice <= 0 || o.DeliveryFee < 0:
		return nil, fmt.Errorf("%w: %s: invalid amounts", ErrLegacyDocument, o.ID)
	case !o.Status.Valid():
		return nil, fmt.Errorf("%w: %s: unknown status %q", ErrLegacyDocument, o.ID, doc.Status)
	}

	created := time.Unix(0, 0).UTC()
	if ts := first(doc.CreatedAt, doc.CreatedAtSnake, doc.Timestamp); ts != "" {
		parsed, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: timestamp: %w", ErrLegacyDocument, o.ID, err)
		}
		created = parsed.UTC()
	}
	o.CreatedAt = created
	o.UpdatedAt = created
	return o, nil
}

// ImportLegacy writes a legacy document unless an order with its id exists.
// It reports whether a row was inserted.
func (s *Store) ImportLegacy(ctx context.Context, raw []byte) (bool, error) {
	o, err := DecodeLegacyOrder(raw)
	if err != nil {
		return false, err
	}
	if err := s.Write(ctx, o); err != nil {
		if errors.Is(err, orders.ErrExists) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func first(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func firstAmount(values ...*orders.Amount) *orders.Amount {
	for _, v := range values {
		if v != nil {
			return v
		}
	}
	return nil
}
