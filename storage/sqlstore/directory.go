package sqlstore

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"courierchain/orders"
)

var (
	_ orders.Store     = (*Store)(nil)
	_ orders.AuditSink = (*Store)(nil)
	_ orders.Directory = (*Store)(nil)
)

// UpsertStore registers storeID as owned by ownerID, replacing a previous owner.
func (s *Store) UpsertStore(ctx context.Context, storeID, ownerID, name string) error {
	storeID = strings.TrimSpace(storeID)
	ownerID = strings.TrimSpace(ownerID)
	if storeID == "" || ownerID == "" {
		return errors.New("sqlstore: store id and owner id required")
	}
	row := StoreRecord{ID: storeID, OwnerID: ownerID, Name: name}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"owner_id", "name", "updated_at"}),
	}).Create(&row).Error
}

func (s *Store) StoreOwner(ctx context.Context, storeID string) (string, error) {
	var row StoreRecord
	if err := s.db.WithContext(ctx).First(&row, "id = ?", storeID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", orders.ErrNotFound
		}
		return "", err
	}
	return row.OwnerID, nil
}

func (s *Store) OwnsStore(ctx context.Context, userID, storeID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&StoreRecord{}).
		Where("id = ? AND owner_id = ?", storeID, userID).
		Count(&count).Error
	if err != nil {
		return false, err
	}
	return count > 0, nil
}
