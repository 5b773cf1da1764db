package repository

import (
	"context"
	"errors"

	"reconciler-service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// SnapshotRepository is the membership state cache: one row per membership
// id, replaced whole on every write.
type SnapshotRepository interface {
	Get(ctx context.Context, membershipID string) (*models.MembershipSnapshot, error)
	Put(ctx context.Context, snap models.MembershipSnapshot) error
}

type gormSnapshotRepo struct {
	db *gorm.DB
}

func NewGormSnapshotRepo(db *gorm.DB) SnapshotRepository {
	return &gormSnapshotRepo{db: db}
}

func (r *gormSnapshotRepo) Get(ctx context.Context, membershipID string) (*models.MembershipSnapshot, error) {
	var snap models.MembershipSnapshot
	err := r.db.WithContext(ctx).Where("membership_id = ?", membershipID).First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (r *gormSnapshotRepo) Put(ctx context.Context, snap models.MembershipSnapshot) error {
	// Whole-record replacement; no partial-field updates by design of the
	// concurrency model.
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&snap).Error
}
