package sqlstore

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"courierchain/wallet"
)

var _ wallet.Store = (*Store)(nil)

func (s *Store) GetWallet(ctx context.Context, userID string) (*wallet.Record, error) {
	var row WalletRecord
	if err := s.db.WithContext(ctx).First(&row, "user_id = ?", userID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, wallet.ErrNotFound
		}
		return nil, err
	}
	return &wallet.Record{
		UserID:       row.UserID,
		Address:      row.Address,
		EncryptedKey: row.EncryptedKey,
		Funded:       row.Funded,
		FundingTx:    row.FundingTx,
		CreatedAt:    row.CreatedAt.UTC(),
		FundedAt:     utc(row.FundedAt),
	}, nil
}

func (s *Store) CreateWallet(ctx context.Context, rec *wallet.Record) error {
	if rec == nil {
		return errors.New("sqlstore: nil wallet record")
	}
	row := WalletRecord{
		UserID:       rec.UserID,
		Address:      rec.Address,
		EncryptedKey: rec.EncryptedKey,
		Funded:       rec.Funded,
		FundingTx:    rec.FundingTx,
		CreatedAt:    rec.CreatedAt.UTC(),
		FundedAt:     utc(rec.FundedAt),
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&WalletRecord{}).Where("user_id = ?", row.UserID).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return wallet.ErrExists
		}
		return tx.Create(&row).Error
	})
}

func (s *Store) MarkWalletFunded(ctx context.Context, userID, txHash string, at time.Time) error {
	fundedAt := at.UTC()
	res := s.db.WithContext(ctx).Model(&WalletRecord{}).
		Where("user_id = ?", userID).
		Updates(map[string]any{"funded": true, "funding_tx": txHash, "funded_at": &fundedAt})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return wallet.ErrNotFound
	}
	return nil
}
