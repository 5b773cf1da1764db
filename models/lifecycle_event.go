package models

import (
	"time"

	"github.com/google/uuid"
)

// EventKind is the semantic lifecycle event the classifier emits.
type EventKind string

const (
	EventActivated             EventKind = "membership_activated"
	EventDeactivated           EventKind = "membership_deactivated"
	EventPaymentFailed         EventKind = "payment_failed"
	EventPaymentSucceeded      EventKind = "payment_succeeded"
	EventAccessRestored        EventKind = "access_restored"
	EventCancellationScheduled EventKind = "cancellation_scheduled"
	EventCancellationRemoved   EventKind = "cancellation_removed"
	EventPaymentPending        EventKind = "payment_pending"
	EventPaymentDispute        EventKind = "payment_dispute"
	EventPaymentRefund         EventKind = "payment_refund"
	EventInvoiceIssue          EventKind = "invoice_issue"
)

// Operational kinds raised by the engine itself rather than the classifier.
const (
	EventTrialAbuse       EventKind = "trial_abuse"
	EventLookupNeeded     EventKind = "lookup_needed"
	EventReconcileSummary EventKind = "reconcile_summary"
)

// IssueCategory buckets event kinds for the long re-alert cooldown: repeated
// events about the same underlying issue for the same identity collapse.
func (k EventKind) IssueCategory() string {
	switch k {
	case EventPaymentFailed, EventInvoiceIssue:
		return "payment_problem"
	case EventAccessRestored, EventPaymentSucceeded:
		return "payment_resumed"
	case EventPaymentDispute, EventPaymentRefund:
		return "dispute"
	case EventCancellationScheduled, EventCancellationRemoved:
		return "cancellation"
	}
	return string(k)
}

// CaseFlavored reports whether the event routes into a dedicated case
// channel instead of the shared alert channel.
func (k EventKind) CaseFlavored() bool {
	return k == EventPaymentDispute || k == EventPaymentRefund
}

// LifecycleEvent is the published form of one classified semantic event,
// consumed by downstream collaborators (drip scheduler, analytics).
type LifecycleEvent struct {
	Kind           EventKind `json:"kind"`
	MembershipID   string    `json:"membership_id"`
	ChatIdentityID string    `json:"chat_identity_id,omitempty"`
	Email          string    `json:"email,omitempty"`
	Status         string    `json:"status"`
	Source         string    `json:"source"` // "webhook" or "reconciler"
	WebhookType    string    `json:"webhook_type,omitempty"`
	PaymentID      string    `json:"payment_id,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Verdict is a reconciliation decision for one audited identity.
type Verdict string

const (
	VerdictKeep        Verdict = "keep"
	VerdictRevoke      Verdict = "revoke"
	VerdictWouldRevoke Verdict = "would_revoke"
	VerdictHold        Verdict = "hold"
	VerdictRelink      Verdict = "relink"
	VerdictHeal        Verdict = "heal"
)

// EntitlementDecision is the ephemeral per-identity outcome of one audit
// pass. Logged and counted, not persisted.
type EntitlementDecision struct {
	MembershipID   string
	ChatIdentityID string
	Verdict        Verdict
	Reason         string
}

// ReconciliationRun is the persisted summary of one full audit pass.
type ReconciliationRun struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	StartedAt   time.Time `gorm:"index" json:"started_at"`
	FinishedAt  time.Time `json:"finished_at"`
	Enforced    bool      `json:"enforced"`
	Checked     int       `json:"checked"`
	Relinked    int       `json:"relinked"`
	Revoked     int       `json:"revoked"`
	WouldRevoke int       `json:"would_revoke"`
	Healed      int       `json:"healed"`
	Errors      int       `json:"errors"`
}
