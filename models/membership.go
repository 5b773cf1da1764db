package models

import (
	"strings"
	"time"
)

// StatusBucket groups raw provider membership statuses into the coarse
// lifecycle buckets the classifier and reconciler reason about.
type StatusBucket int

const (
	BucketOther StatusBucket = iota
	BucketEngaged
	BucketPaymentFailed
	BucketDeactivated
)

func (b StatusBucket) String() string {
	switch b {
	case BucketEngaged:
		return "engaged"
	case BucketPaymentFailed:
		return "payment_failed"
	case BucketDeactivated:
		return "deactivated"
	}
	return "other"
}

// BucketForStatus maps a raw provider status string to its bucket.
func BucketForStatus(status string) StatusBucket {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "active", "trialing":
		return BucketEngaged
	case "past_due", "unpaid":
		return BucketPaymentFailed
	case "canceled", "cancelled", "completed", "expired":
		return BucketDeactivated
	}
	return BucketOther
}

// Entitled reports whether a bucket keeps chat access on its own.
func (b StatusBucket) Entitled() bool {
	return b == BucketEngaged
}

// MembershipSnapshot is the last-observed status of one provider membership.
// One row per membership id; writes replace the whole record.
type MembershipSnapshot struct {
	MembershipID      string     `gorm:"type:varchar(64);primaryKey"`
	Status            string     `gorm:"type:varchar(32);not null"`
	CancelAtPeriodEnd bool       `gorm:"not null"`
	RenewalPeriodEnd  *time.Time
	// ProviderUpdatedAt is the provider's updated_at, not ours. Non-decreasing
	// per membership id under normal operation.
	ProviderUpdatedAt time.Time `gorm:"index"`
	ObservedAt        time.Time `gorm:"autoUpdateTime"`
	CreatedAt         time.Time `gorm:"autoCreateTime"`
}

// Bucket returns the status bucket of the snapshot.
func (s MembershipSnapshot) Bucket() StatusBucket {
	return BucketForStatus(s.Status)
}
