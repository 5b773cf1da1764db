package models

import (
	"time"

	"github.com/google/uuid"
)

// ResolutionMethod tags how a membership→chat-identity link was established.
// Precedence is fixed: verified connection beats cached email beats
// historical observation. A link is never silently escalated to a stronger
// method.
type ResolutionMethod string

const (
	MethodVerifiedConnection ResolutionMethod = "verified_connection"
	MethodCachedEmail        ResolutionMethod = "cached_email"
	MethodHistorical         ResolutionMethod = "historical_observation"
	MethodUnresolved         ResolutionMethod = "unresolved"
)

// Rank orders methods for comparison; higher is stronger.
func (m ResolutionMethod) Rank() int {
	switch m {
	case MethodVerifiedConnection:
		return 3
	case MethodCachedEmail:
		return 2
	case MethodHistorical:
		return 1
	}
	return 0
}

// IdentityLink maps a provider membership to a chat identity. Prior
// resolutions are retained as rows, not overwritten, so an identity moving
// between memberships keeps its history.
type IdentityLink struct {
	ID             uuid.UUID        `gorm:"type:uuid;primaryKey"`
	MembershipID   string           `gorm:"type:varchar(64);index;not null"`
	ChatIdentityID string           `gorm:"type:varchar(64);index;not null"`
	Email          string           `gorm:"type:varchar(256);index"`
	Method         ResolutionMethod `gorm:"type:varchar(32);not null"`
	Confidence     float64          `gorm:"not null"`
	CreatedAt      time.Time        `gorm:"autoCreateTime"`
	LastSeenAt     time.Time        `gorm:"index"`
}

// Resolution is the outcome of one resolver pass.
type Resolution struct {
	ChatIdentityID string
	Method         ResolutionMethod
	Confidence     float64
}

// Found reports whether the resolver produced an identity.
func (r Resolution) Found() bool {
	return r.ChatIdentityID != "" && r.Method != MethodUnresolved
}

// ChatRecord is a recent chat-platform record that may embed provider
// identifiers (the bounded-scan input of the resolver's last strategy).
type ChatRecord struct {
	ChatIdentityID string
	MembershipID   string
	Email          string
	Text           string
	SeenAt         time.Time
}

// TrialEvent records trial activity per payer identity for repeat-trial
// detection. Bounded per identity by retention trimming.
type TrialEvent struct {
	ID              uuid.UUID `gorm:"type:uuid;primaryKey"`
	Email           string    `gorm:"type:varchar(256);index"`
	ChatIdentityID  string    `gorm:"type:varchar(64);index"`
	MembershipID    string    `gorm:"type:varchar(64)"`
	EventType       string    `gorm:"type:varchar(64)"`
	TrialDays       int
	FirstMembership *bool
	CreatedAt       time.Time `gorm:"autoCreateTime;index"`
}
