package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"reconciler-service/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// IdentityRepository stores membership→chat-identity links and trial
// history. Links are append-only: prior resolutions are kept as rows.
type IdentityRepository interface {
	RecordLink(ctx context.Context, link *models.IdentityLink) error
	LatestByMembership(ctx context.Context, membershipID string) (*models.IdentityLink, error)
	LatestByEmail(ctx context.Context, email string) (*models.IdentityLink, error)
	LatestByChatIdentity(ctx context.Context, chatIdentityID string) (*models.IdentityLink, error)
	// IdentitiesClaiming lists the distinct chat identities linked to one
	// membership id; more than one means the membership is ambiguous.
	IdentitiesClaiming(ctx context.Context, membershipID string) ([]string, error)

	RecordTrialEvent(ctx context.Context, ev *models.TrialEvent) error
	CountTrialEvents(ctx context.Context, email, chatIdentityID string) (int64, error)
	TrimTrialEventsBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormIdentityRepo struct {
	db *gorm.DB
}

func NewGormIdentityRepo(db *gorm.DB) IdentityRepository {
	return &gormIdentityRepo{db: db}
}

func (r *gormIdentityRepo) RecordLink(ctx context.Context, link *models.IdentityLink) error {
	if link.ID == uuid.Nil {
		link.ID = uuid.New()
	}
	link.Email = strings.ToLower(strings.TrimSpace(link.Email))
	if link.LastSeenAt.IsZero() {
		link.LastSeenAt = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Create(link).Error
}

func (r *gormIdentityRepo) latest(ctx context.Context, query string, arg string) (*models.IdentityLink, error) {
	var link models.IdentityLink
	err := r.db.WithContext(ctx).
		Where(query, arg).
		Order("last_seen_at DESC").
		First(&link).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &link, nil
}

func (r *gormIdentityRepo) LatestByMembership(ctx context.Context, membershipID string) (*models.IdentityLink, error) {
	return r.latest(ctx, "membership_id = ?", membershipID)
}

func (r *gormIdentityRepo) LatestByEmail(ctx context.Context, email string) (*models.IdentityLink, error) {
	return r.latest(ctx, "email = ?", strings.ToLower(strings.TrimSpace(email)))
}

func (r *gormIdentityRepo) LatestByChatIdentity(ctx context.Context, chatIdentityID string) (*models.IdentityLink, error) {
	return r.latest(ctx, "chat_identity_id = ?", chatIdentityID)
}

func (r *gormIdentityRepo) IdentitiesClaiming(ctx context.Context, membershipID string) ([]string, error) {
	var ids []string
	err := r.db.WithContext(ctx).
		Model(&models.IdentityLink{}).
		Where("membership_id = ?", membershipID).
		Distinct().
		Pluck("chat_identity_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (r *gormIdentityRepo) RecordTrialEvent(ctx context.Context, ev *models.TrialEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.Email = strings.ToLower(strings.TrimSpace(ev.Email))
	return r.db.WithContext(ctx).Create(ev).Error
}

func (r *gormIdentityRepo) CountTrialEvents(ctx context.Context, email, chatIdentityID string) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).Model(&models.TrialEvent{}).Where("trial_days > 0")
	email = strings.ToLower(strings.TrimSpace(email))
	switch {
	case email != "" && chatIdentityID != "":
		q = q.Where("email = ? OR chat_identity_id = ?", email, chatIdentityID)
	case email != "":
		q = q.Where("email = ?", email)
	case chatIdentityID != "":
		q = q.Where("chat_identity_id = ?", chatIdentityID)
	default:
		return 0, nil
	}
	err := q.Count(&count).Error
	return count, err
}

func (r *gormIdentityRepo) TrimTrialEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("created_at < ?", cutoff).
		Delete(&models.TrialEvent{})
	return res.RowsAffected, res.Error
}
