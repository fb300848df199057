package sqlstore

import (
	"time"

	"gorm.io/gorm"

	"courierchain/orders"
)

// OrderRecord is the persisted order row.
type OrderRecord struct {
	ID              string    `gorm:"primaryKey;size:64"`
	UserID          string    `gorm:"size:128;index;not null"`
	StoreID         string    `gorm:"size:128;index;not null"`
	TotalPrice      int64     `gorm:"not null"`
	DeliveryFee     int64     `gorm:"not null"`
	Status          string    `gorm:"size:32;index;not null"`
	ContractID      *string   `gorm:"size:64;uniqueIndex"`
	DeliveryAgentID string    `gorm:"size:128;index"`
	CreatedAt       time.Time `gorm:"index"`
	UpdatedAt       time.Time
	AssignedAt      *time.Time
	AcceptedAt      *time.Time
	PickedUpAt      *time.Time
	DeliveredAt     *time.Time
	CancelledAt     *time.Time
	Version         int64 `gorm:"not null;default:0"`
}

func (OrderRecord) TableName() string { return "orders" }

// OrderEvent is one row of the per-order audit trail.
type OrderEvent struct {
	Seq            uint   `gorm:"primaryKey;autoIncrement"`
	ID             string `gorm:"size:64;uniqueIndex;not null"`
	OrderID        string `gorm:"size:64;index;not null"`
	Event          string `gorm:"size:32;not null"`
	ActorID        string `gorm:"size:128"`
	FromStatus     string `gorm:"size:32"`
	ToStatus       string `gorm:"size:32"`
	ContractStatus string `gorm:"size:32"`
	TxHash         string `gorm:"size:80"`
	Healed         bool
	At             time.Time `gorm:"index"`
}

func (OrderEvent) TableName() string { return "order_events" }

// WalletRecord persists a user's ledger account.
type WalletRecord struct {
	UserID       string `gorm:"primaryKey;size:128"`
	Address      string `gorm:"size:42;uniqueIndex;not null"`
	EncryptedKey []byte `gorm:"not null"`
	Funded       bool
	FundingTx    string `gorm:"size:80"`
	CreatedAt    time.Time
	FundedAt     *time.Time
}

func (WalletRecord) TableName() string { return "wallets" }

// StoreRecord maps a store to the user that owns it.
type StoreRecord struct {
	ID        string `gorm:"primaryKey;size:128"`
	OwnerID   string `gorm:"size:128;index;not null"`
	Name      string `gorm:"size:255"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (StoreRecord) TableName() string { return "stores" }

// AutoMigrate performs all schema migrations.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&OrderRecord{},
		&OrderEvent{},
		&WalletRecord{},
		&StoreRecord{},
	)
}

func toRecord(o *orders.Order) OrderRecord {
	return OrderRecord{
		ID:              o.ID,
		UserID:          o.UserID,
		StoreID:         o.StoreID,
		TotalPrice:      int64(o.TotalPrice),
		DeliveryFee:     int64(o.DeliveryFee),
		Status:          string(o.Status),
		ContractID:      nullable(o.ContractID),
		DeliveryAgentID: o.DeliveryAgentID,
		CreatedAt:       o.CreatedAt.UTC(),
		UpdatedAt:       o.UpdatedAt.UTC(),
		AssignedAt:      utc(o.AssignedAt),
		AcceptedAt:      utc(o.AcceptedAt),
		PickedUpAt:      utc(o.PickedUpAt),
		DeliveredAt:     utc(o.DeliveredAt),
		CancelledAt:     utc(o.CancelledAt),
		Version:         o.Version,
	}
}

func (r OrderRecord) order() *orders.Order {
	return &orders.Order{
		ID:              r.ID,
		UserID:          r.UserID,
		StoreID:         r.StoreID,
		TotalPrice:      orders.Amount(r.TotalPrice),
		DeliveryFee:     orders.Amount(r.DeliveryFee),
		Status:          orders.Status(r.Status),
		ContractID:      deref(r.ContractID),
		DeliveryAgentID: r.DeliveryAgentID,
		CreatedAt:       r.CreatedAt.UTC(),
		UpdatedAt:       r.UpdatedAt.UTC(),
		AssignedAt:      utc(r.AssignedAt),
		AcceptedAt:      utc(r.AcceptedAt),
		PickedUpAt:      utc(r.PickedUpAt),
		DeliveredAt:     utc(r.DeliveredAt),
		CancelledAt:     utc(r.CancelledAt),
		Version:         r.Version,
	}
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// nullable stores an empty contract id as NULL so the unique index ignores it.
func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
