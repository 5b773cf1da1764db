package repository

import (
	"context"
	"errors"
	"time"

	"reconciler-service/models"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// DispatchRepository backs the notification dispatcher: dedupe reservations,
// per-identity alert cooldowns, and the case-channel index.
type DispatchRepository interface {
	// ReserveDedupe reserves a dedupe key ahead of a send attempt. Returns
	// false when the key was already reserved or sent within the cooldown.
	ReserveDedupe(ctx context.Context, key, channel string, cooldown time.Duration) (bool, error)
	// MarkSent confirms a reserved key after a successful send.
	MarkSent(ctx context.Context, key string) error
	// ReleaseDedupe frees a reserved key after a failed send so a retry can
	// go through.
	ReleaseDedupe(ctx context.Context, key string) error

	CooldownActive(ctx context.Context, key string, window time.Duration) (bool, error)
	TouchCooldown(ctx context.Context, key string) error

	GetCaseChannel(ctx context.Context, caseKey string) (string, error)
	PutCaseChannel(ctx context.Context, caseKey, channelID string) error
}

type gormDispatchRepo struct {
	db *gorm.DB
}

func NewGormDispatchRepo(db *gorm.DB) DispatchRepository {
	return &gormDispatchRepo{db: db}
}

func (r *gormDispatchRepo) ReserveDedupe(ctx context.Context, key, channel string, cooldown time.Duration) (bool, error) {
	now := time.Now().UTC()

	var existing models.DedupeReservation
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		create := r.db.WithContext(ctx).Create(&models.DedupeReservation{
			Key:        key,
			Channel:    channel,
			ReservedAt: now,
			Sent:       false,
		})
		if create.Error != nil {
			// A concurrent reservation beat us to the key.
			return false, nil
		}
		return true, nil
	case err != nil:
		return false, err
	}

	if now.Sub(existing.ReservedAt) < cooldown {
		// Either already sent recently or another send is in flight.
		return false, nil
	}

	res := r.db.WithContext(ctx).
		Model(&models.DedupeReservation{}).
		Where("key = ? AND reserved_at = ?", key, existing.ReservedAt).
		Updates(map[string]interface{}{"reserved_at": now, "sent": false})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *gormDispatchRepo) MarkSent(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).
		Model(&models.DedupeReservation{}).
		Where("key = ?", key).
		Update("sent", true).Error
}

func (r *gormDispatchRepo) ReleaseDedupe(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).
		Where("key = ? AND sent = ?", key, false).
		Delete(&models.DedupeReservation{}).Error
}

func (r *gormDispatchRepo) CooldownActive(ctx context.Context, key string, window time.Duration) (bool, error) {
	var cd models.AlertCooldown
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&cd).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return time.Since(cd.LastSentAt) < window, nil
}

func (r *gormDispatchRepo) TouchCooldown(ctx context.Context, key string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&models.AlertCooldown{Key: key, LastSentAt: time.Now().UTC()}).Error
}

func (r *gormDispatchRepo) GetCaseChannel(ctx context.Context, caseKey string) (string, error) {
	var cc models.CaseChannel
	err := r.db.WithContext(ctx).Where("case_key = ?", caseKey).First(&cc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return cc.ChannelID, nil
}

func (r *gormDispatchRepo) PutCaseChannel(ctx context.Context, caseKey, channelID string) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&models.CaseChannel{CaseKey: caseKey, ChannelID: channelID}).Error
}
