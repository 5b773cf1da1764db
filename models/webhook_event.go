package models

import (
	"encoding/json"
	"time"
)

// WebhookEvent is one accepted webhook delivery, recorded by the ledger.
// Immutable after insert; rows beyond the retention window are trimmed.
type WebhookEvent struct {
	DeliveryID    string    `gorm:"type:varchar(128);primaryKey"`
	EventType     string    `gorm:"type:varchar(64);index;not null"`
	OccurredAt    time.Time `gorm:"not null"`
	MembershipRef string    `gorm:"type:varchar(64);index"`
	PayloadDigest string    `gorm:"type:varchar(64);not null"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index"`
}

// WebhookEnvelope is the inbound JSON body: a type tag plus a loosely-typed
// data object. Correctness-critical code only ever sees the typed
// ProviderMembership fetched afterwards; Data is used for refs and digests.
type WebhookEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// webhookData is the minimal typed view of the envelope payload.
type webhookData struct {
	ID           string `json:"id"`
	MembershipID string `json:"membership_id"`
	PaymentID    string `json:"payment_id"`
	Membership   *struct {
		ID string `json:"id"`
	} `json:"membership"`
}

// MembershipRef extracts the membership id the event is about, trying the
// flat field first and the nested membership object second.
func (e WebhookEnvelope) MembershipRef() string {
	var d webhookData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	if d.MembershipID != "" {
		return d.MembershipID
	}
	if d.Membership != nil {
		return d.Membership.ID
	}
	return ""
}

// PaymentRef extracts the payment id for payment-flavored events.
func (e WebhookEnvelope) PaymentRef() string {
	var d webhookData
	if err := json.Unmarshal(e.Data, &d); err != nil {
		return ""
	}
	if d.PaymentID != "" {
		return d.PaymentID
	}
	return d.ID
}
