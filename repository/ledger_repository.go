package repository

import (
	"context"
	"time"

	"reconciler-service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LedgerRepository is the durable, append-only side of the event ledger.
type LedgerRepository interface {
	// Insert appends one delivery. Returns false without error when the
	// delivery id is already present in the durable log.
	Insert(ctx context.Context, event *models.WebhookEvent) (bool, error)
	RecentDeliveryIDs(ctx context.Context, limit int) ([]string, error)
	TrimBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormLedgerRepo struct {
	db *gorm.DB
}

func NewGormLedgerRepo(db *gorm.DB) LedgerRepository {
	return &gormLedgerRepo{db: db}
}

func (r *gormLedgerRepo) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	// A duplicate older than the in-memory ring lands here as a primary-key
	// conflict; that is a duplicate verdict, not a failure.
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(event)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// RecentDeliveryIDs returns the newest delivery ids, newest first, used to
// warm the in-memory ring on cold start.
func (r *gormLedgerRepo) RecentDeliveryIDs(ctx context.Context, limit int) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.WebhookEvent{}).
		Order("created_at DESC").
		Limit(limit).
		Pluck("delivery_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *gormLedgerRepo) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.WebhookEvent{})
	return res.RowsAffected, res.Error
}
