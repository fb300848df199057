package orders

import (
	"time"
)

// Status is the off-chain projection of an order's progress.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusAssigned   Status = "ASSIGNED"
	StatusInDelivery Status = "IN_DELIVERY"
	StatusInTransit  Status = "IN_TRANSIT"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

// Event names a requested transition.
type Event string

const (
	EventCreate  Event = "create"
	EventSelect  Event = "select"
	EventAccept  Event = "accept"
	EventPickup  Event = "pickup"
	EventDeliver Event = "deliver"
	EventCancel  Event = "cancel"
	// EventReconcile marks a forward repair adopted from on-chain state.
	EventReconcile Event = "reconcile"
)

// Order is the canonical off-chain order record.
type Order struct {
	ID              string     `json:"orderId"`
	UserID          string     `json:"userId"`
	StoreID         string     `json:"storeId"`
	TotalPrice      Amount     `json:"totalPrice"`
	DeliveryFee     Amount     `json:"deliveryFee"`
	Status          Status     `json:"status"`
	ContractID      string     `json:"contractId"`
	DeliveryAgentID string     `json:"deliveryAgentId,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	AssignedAt      *time.Time `json:"assignedAt,omitempty"`
	AcceptedAt      *time.Time `json:"acceptedAt,omitempty"`
	PickedUpAt      *time.Time `json:"pickedUpAt,omitempty"`
	DeliveredAt     *time.Time `json:"deliveredAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	// Version increments on every update and guards against lost writes.
	Version int64 `json:"version"`
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.AssignedAt = cloneTime(o.AssignedAt)
	out.AcceptedAt = cloneTime(o.AcceptedAt)
	out.PickedUpAt = cloneTime(o.PickedUpAt)
	out.DeliveredAt = cloneTime(o.DeliveredAt)
	out.CancelledAt = cloneTime(o.CancelledAt)
	return &out
}

// stamp records entry into status at ts without overwriting earlier stamps.
func (o *Order) stamp(status Status, ts time.Time) {
	set := func(dst **time.Time) {
		if *dst == nil {
			t := ts
			*dst = &t
		}
	}
	switch status {
	case StatusAssigned:
		set(&o.AssignedAt)
	case StatusInDelivery:
		set(&o.AcceptedAt)
	case StatusInTransit:
		set(&o.PickedUpAt)
	case StatusDelivered:
		set(&o.DeliveredAt)
	case StatusCancelled:
		set(&o.CancelledAt)
	}
	o.UpdatedAt = ts
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// ContractListing is the agent-facing view of an order open for delivery.
type ContractListing struct {
	OrderID     string    `json:"orderId"`
	ContractID  string    `json:"contractId"`
	StoreID     string    `json:"storeId"`
	TotalPrice  Amount    `json:"totalPrice"`
	DeliveryFee Amount    `json:"deliveryFee"`
	CreatedAt   time.Time `json:"createdAt"`
	Status      string    `json:"status"`
}

// AuditEntry records one applied transition.
type AuditEntry struct {
	ID             string    `json:"id"`
	OrderID        string    `json:"orderId"`
	Event          Event     `json:"event"`
	ActorID        string    `json:"actorId"`
	FromStatus     Status    `json:"fromStatus"`
	ToStatus       Status    `json:"toStatus"`
	ContractStatus string    `json:"contractStatus"`
	TxHash         string    `json:"txHash,omitempty"`
	Healed         bool      `json:"healed"`
	At             time.Time `json:"at"`
}
