// Package sqlstore persists orders, audit events, wallets and store ownership
// through gorm on Postgres or SQLite.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"courierchain/orders"
)

// ErrDSNRequired is returned by Open for a blank DSN.
var ErrDSNRequired = errors.New("sqlstore: dsn required")

const defaultFilePragmas = "mode=rwc&_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"

// FileDSN converts a filesystem path into an on-disk SQLite DSN.
func FileDSN(path string) (string, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return "", ErrDSNRequired
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return "", fmt.Errorf("resolve storage path: %w", err)
	}
	return fmt.Sprintf("file:%s?%s", abs, defaultFilePragmas), nil
}

// Store implements orders.Store, orders.AuditSink, orders.Directory and wallet.Store.
type Store struct {
	db *gorm.DB
}

// Driver names the database driver Open selects for dsn.
func Driver(dsn string) string {
	dsn = strings.TrimSpace(dsn)
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		return "postgres"
	}
	return "sqlite"
}

// Open connects to dsn and migrates the schema. postgres:// and postgresql://
// DSNs use the Postgres driver; anything else is a SQLite DSN or file path.
func Open(dsn string) (*Store, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrDSNRequired
	}
	var dialector gorm.Dialector
	switch {
	case Driver(dsn) == "postgres":
		dialector = postgres.Open(dsn)
	case strings.HasPrefix(dsn, "file:"):
		dialector = sqlite.Open(dsn)
	default:
		fileDSN, err := FileDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = sqlite.Open(fileDSN)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open: %w", err)
	}
	return New(db)
}

// New wraps an open gorm handle and migrates the schema.
func New(db *gorm.DB) (*Store, error) {
	if db == nil {
		return nil, errors.New("sqlstore: nil db")
	}
	if err := AutoMigrate(db); err != nil {
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// DB exposes the underlying handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Read loads one order.
func (s *Store) Read(ctx context.Context, orderID string) (*orders.Order, error) {
	var rec OrderRecord
	if err := s.db.WithContext(ctx).First(&rec, "id = ?", orderID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, orders.ErrNotFound
		}
		return nil, err
	}
	return rec.order(), nil
}

// Write inserts a new order. An existing id yields orders.ErrExists and a
// contract id already held by another order yields orders.ErrContractTaken.
func (s *Store) Write(ctx context.Context, order *orders.Order) error {
	if order == nil || order.ID == "" {
		return errors.New("sqlstore: order id required")
	}
	rec := toRecord(order)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&OrderRecord{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return orders.ErrExists
		}
		if rec.ContractID != nil {
			if err := tx.Model(&OrderRecord{}).Where("contract_id = ?", *rec.ContractID).Count(&count).Error; err != nil {
				return err
			}
			if count > 0 {
				return orders.ErrContractTaken
			}
		}
		return tx.Create(&rec).Error
	})
}

// Update replaces an order whose stored version equals order.Version and
// increments the version on both the row and order.
func (s *Store) Update(ctx context.Context, order *orders.Order) error {
	if order == nil || order.ID == "" {
		return errors.New("sqlstore: order id required")
	}
	rec := toRecord(order)
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&OrderRecord{}).
			Where("id = ? AND version = ?", rec.ID, rec.Version).
			Updates(map[string]any{
				"user_id":           rec.UserID,
				"store_id":          rec.StoreID,
				"total_price":       rec.TotalPrice,
				"delivery_fee":      rec.DeliveryFee,
				"status":            rec.Status,
				"contract_id":       rec.ContractID,
				"delivery_agent_id": rec.DeliveryAgentID,
				"updated_at":        rec.UpdatedAt,
				"assigned_at":       rec.AssignedAt,
				"accepted_at":       rec.AcceptedAt,
				"picked_up_at":      rec.PickedUpAt,
				"delivered_at":      rec.DeliveredAt,
				"cancelled_at":      rec.CancelledAt,
				"version":           rec.Version + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			var count int64
			if err := tx.Model(&OrderRecord{}).Where("id = ?", rec.ID).Count(&count).Error; err != nil {
				return err
			}
			if count == 0 {
				return orders.ErrNotFound
			}
			return orders.ErrConflict
		}
		order.Version = rec.Version + 1
		return nil
	})
}

// Query lists orders matching f, oldest first unless f.NewestFirst is set.
func (s *Store) Query(ctx context.Context, f orders.Filter) ([]*orders.Order, error) {
	q := s.db.WithContext(ctx).Model(&OrderRecord{})
	if f.UserID != "" {
		q = q.Where("user_id = ?", f.UserID)
	}
	if f.StoreID != "" {
		q = q.Where("store_id = ?", f.StoreID)
	}
	if f.AgentID != "" {
		q = q.Where("delivery_agent_id = ?", f.AgentID)
	}
	if f.ContractID != "" {
		q = q.Where("contract_id = ?", f.ContractID)
	}
	if f.ExcludeAgentID != "" {
		q = q.Where("delivery_agent_id <> ?", f.ExcludeAgentID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	if f.NewestFirst {
		q = q.Order("created_at DESC").Order("id DESC")
	} else {
		q = q.Order("created_at ASC").Order("id ASC")
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}
	var recs []OrderRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, err
	}
	out := make([]*orders.Order, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.order())
	}
	return out, nil
}

// AppendAudit stores one audit entry.
func (s *Store) AppendAudit(ctx context.Context, entry orders.AuditEntry) error {
	row := OrderEvent{
		ID:             entry.ID,
		OrderID:        entry.OrderID,
		Event:          string(entry.Event),
		ActorID:        entry.ActorID,
		FromStatus:     string(entry.FromStatus),
		ToStatus:       string(entry.ToStatus),
		ContractStatus: entry.ContractStatus,
		TxHash:         entry.TxHash,
		Healed:         entry.Healed,
		At:             entry.At.UTC(),
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

// AuditTrail returns the audit entries of an order in insertion order.
func (s *Store) AuditTrail(ctx context.Context, orderID string) ([]orders.AuditEntry, error) {
	var rows []OrderEvent
	if err := s.db.WithContext(ctx).Where("order_id = ?", orderID).Order("seq ASC").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]orders.AuditEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, orders.AuditEntry{
			ID:             row.ID,
			OrderID:        row.OrderID,
			Event:          orders.Event(row.Event),
			ActorID:        row.ActorID,
			FromStatus:     orders.Status(row.FromStatus),
			ToStatus:       orders.Status(row.ToStatus),
			ContractStatus: row.ContractStatus,
			TxHash:         row.TxHash,
			Healed:         row.Healed,
			At:             row.At.UTC(),
		})
	}
	return out, nil
}
