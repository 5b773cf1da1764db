package services

import (
	"strings"

	"reconciler-service/models"
)

// Classify is a pure function from (previous snapshot, current snapshot,
// originating webhook type) to a semantic lifecycle event. The second return
// is false when nothing significant changed: intentional silence, not
// failure.
func Classify(prev *models.MembershipSnapshot, cur models.MembershipSnapshot, webhookType string) (models.EventKind, bool) {
	// Explicit signals beat inference: an unambiguous fine-grained webhook
	// type overrides whatever the status diff would say.
	if kind, ok := classifyWebhookType(webhookType); ok {
		return kind, true
	}

	curBucket := cur.Bucket()

	// First observation of this membership id.
	if prev == nil {
		switch curBucket {
		case models.BucketDeactivated:
			return models.EventDeactivated, true
		case models.BucketPaymentFailed:
			return models.EventPaymentFailed, true
		case models.BucketEngaged:
			if cur.CancelAtPeriodEnd {
				return models.EventCancellationScheduled, true
			}
			return models.EventActivated, true
		}
		return "", false
	}

	prevBucket := prev.Bucket()

	switch {
	case prevBucket == models.BucketDeactivated && curBucket == models.BucketDeactivated:
		// Already terminal; re-alerting would be noise.
		return "", false

	case curBucket == models.BucketDeactivated:
		return models.EventDeactivated, true

	case prevBucket == models.BucketEngaged && curBucket == models.BucketPaymentFailed:
		return models.EventPaymentFailed, true

	case prevBucket == models.BucketPaymentFailed && curBucket == models.BucketPaymentFailed:
		// Each provider retry attempt is a distinct, significant movement.
		if cur.ProviderUpdatedAt.After(prev.ProviderUpdatedAt) {
			return models.EventPaymentFailed, true
		}
		return "", false

	case prevBucket == models.BucketPaymentFailed && curBucket == models.BucketEngaged:
		return models.EventAccessRestored, true

	case prevBucket == models.BucketEngaged && curBucket == models.BucketEngaged:
		if !prev.CancelAtPeriodEnd && cur.CancelAtPeriodEnd {
			return models.EventCancellationScheduled, true
		}
		if prev.CancelAtPeriodEnd && !cur.CancelAtPeriodEnd {
			return models.EventCancellationRemoved, true
		}
		if renewalAdvanced(prev, cur) {
			return models.EventPaymentSucceeded, true
		}
		return "", false
	}

	return "", false
}

// classifyWebhookType maps the fine-grained webhook types that carry meaning
// on their own. Generic membership/payment status types fall through to the
// diff.
func classifyWebhookType(webhookType string) (models.EventKind, bool) {
	t := strings.ToLower(strings.TrimSpace(webhookType))
	switch {
	case t == "":
		return "", false
	case strings.Contains(t, "dispute") || strings.Contains(t, "chargeback"):
		return models.EventPaymentDispute, true
	case strings.Contains(t, "refund"):
		return models.EventPaymentRefund, true
	case strings.HasPrefix(t, "invoice."):
		return models.EventInvoiceIssue, true
	case t == "payment.created" || t == "payment.pending":
		return models.EventPaymentPending, true
	}
	return "", false
}

func renewalAdvanced(prev *models.MembershipSnapshot, cur models.MembershipSnapshot) bool {
	if cur.RenewalPeriodEnd == nil {
		return false
	}
	if prev.RenewalPeriodEnd == nil {
		return true
	}
	return cur.RenewalPeriodEnd.After(*prev.RenewalPeriodEnd)
}
