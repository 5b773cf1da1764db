package models

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"time"
)

// Notification is a semantic payload for the dispatcher. Fields carry
// identity-bearing facts; free text lives only in Body and never feeds the
// dedupe key.
type Notification struct {
	Kind           EventKind
	MembershipID   string
	ChatIdentityID string
	PaymentID      string
	Title          string
	Body           string
	Fields         map[string]string
}

// DedupeKey derives the short-cooldown key from the target channel plus the
// identity-bearing semantic fields. Wall-clock time never participates, so
// repeat deliveries of the same fact collapse.
func (n Notification) DedupeKey(channel string) string {
	parts := []string{channel, string(n.Kind), n.MembershipID, n.ChatIdentityID, n.PaymentID}
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+n.Fields[k])
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

// CaseKey returns the stable key for dispute/resolution case channels:
// membership plus payment id, so follow-ups land in the same channel.
func (n Notification) CaseKey() string {
	return "case:" + n.MembershipID + ":" + n.PaymentID
}

// DedupeReservation is a reserved-then-confirmed dedupe key. Reserved before
// the send attempt, released on failure so a retry can go through.
type DedupeReservation struct {
	Key        string    `gorm:"type:varchar(64);primaryKey"`
	Channel    string    `gorm:"type:varchar(128);not null"`
	ReservedAt time.Time `gorm:"index;not null"`
	Sent       bool      `gorm:"not null"`
}

// AlertCooldown gates re-alerting one identity about one issue category.
type AlertCooldown struct {
	Key        string    `gorm:"type:varchar(256);primaryKey"` // identity|category
	LastSentAt time.Time `gorm:"not null"`
}

// CaseChannel indexes an open dispute/resolution channel by its case key.
type CaseChannel struct {
	CaseKey   string    `gorm:"type:varchar(192);primaryKey"`
	ChannelID string    `gorm:"type:varchar(64);not null"`
	CreatedAt time.Time `gorm:"autoCreateTime"`
}
