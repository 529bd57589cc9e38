package store

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type TransferStore struct {
	db *gorm.DB
}

var _ TransferRepository = (*TransferStore)(nil)

func NewTransferStore(db *gorm.DB) *TransferStore {
	return &TransferStore{db: db}
}

func (ts *TransferStore) SaveTransfer(ctx context.Context, t *Transfer) error {
	if t.FinishedAt == 0 {
		t.FinishedAt = time.Now().Unix()
	}
	return ts.db.WithContext(ctx).Create(t).Error
}

// GetTransfers returns the most recent transfers first. A limit <= 0
// returns all of them.
func (ts *TransferStore) GetTransfers(ctx context.Context, limit int) ([]Transfer, error) {
	var transfers []Transfer
	q := ts.db.WithContext(ctx).Order("id desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&transfers).Error; err != nil {
		return nil, err
	}
	return transfers, nil
}

func (ts *TransferStore) GetTransfersByCID(ctx context.Context, cid string) ([]Transfer, error) {
	var transfers []Transfer
	err := ts.db.WithContext(ctx).Where("cid = ?", cid).Order("id asc").Find(&transfers).Error
	if err != nil {
		return nil, err
	}
	return transfers, nil
}

func (ts *TransferStore) PruneTransfers(ctx context.Context, before time.Time) (int64, error) {
	res := ts.db.WithContext(ctx).Where("finished_at < ?", before.Unix()).Delete(&Transfer{})
	return res.RowsAffected, res.Error
}
