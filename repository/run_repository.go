package repository

import (
	"context"
	"errors"

	"reconciler-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RunRepository persists reconciliation run summaries.
type RunRepository interface {
	Create(ctx context.Context, run *models.ReconciliationRun) error
	Latest(ctx context.Context) (*models.ReconciliationRun, error)
}

type gormRunRepo struct {
	db *gorm.DB
}

func NewGormRunRepo(db *gorm.DB) RunRepository {
	return &gormRunRepo{db: db}
}

func (r *gormRunRepo) Create(ctx context.Context, run *models.ReconciliationRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	return r.db.WithContext(ctx).Create(run).Error
}

func (r *gormRunRepo) Latest(ctx context.Context) (*models.ReconciliationRun, error) {
	var run models.ReconciliationRun
	err := r.db.WithContext(ctx).Order("started_at DESC").First(&run).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}
