package models

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// FlexTime unmarshals provider timestamps that arrive either as RFC3339
// strings or as unix seconds (number or numeric string).
type FlexTime struct {
	time.Time
}

func (f *FlexTime) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(data), `"`)
	if s == "" || s == "null" {
		f.Time = time.Time{}
		return nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		f.Time = t.UTC()
		return nil
	}
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		f.Time = time.Unix(int64(secs), 0).UTC()
		return nil
	}
	// Unknown format is tolerated as zero; callers treat it as absent.
	f.Time = time.Time{}
	return nil
}

func (f FlexTime) MarshalJSON() ([]byte, error) {
	if f.Time.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(f.Time.UTC().Format(time.RFC3339))
}

// Ptr returns the time as *time.Time, nil when absent.
func (f FlexTime) Ptr() *time.Time {
	if f.Time.IsZero() {
		return nil
	}
	t := f.Time
	return &t
}

// ProviderUser is the provider-level payer behind one or more memberships.
type ProviderUser struct {
	ID            string  `json:"id"`
	Username      string  `json:"username"`
	Name          string  `json:"name"`
	Email         string  `json:"email"`
	ChatAccountID string  `json:"chat_account_id"`
	TotalSpendUSD float64 `json:"total_spent_in_usd"`
}

// ProviderMembership is the canonical membership record as read from the
// provider API. Optional fields stay pointers or zero values.
type ProviderMembership struct {
	ID                string        `json:"id"`
	Status            string        `json:"status"`
	CancelAtPeriodEnd bool          `json:"cancel_at_period_end"`
	RenewalPeriodEnd  FlexTime      `json:"renewal_period_end"`
	ExpiresAt         FlexTime      `json:"expires_at"`
	TrialEnd          FlexTime      `json:"trial_end"`
	UpdatedAt         FlexTime      `json:"updated_at"`
	MemberID          string        `json:"member_id"`
	PlanID            string        `json:"plan_id"`
	TrialDays         int           `json:"trial_period_days"`
	FirstMembership   *bool         `json:"is_first_membership"`
	User              *ProviderUser `json:"user"`
}

// Bucket returns the status bucket of the live record.
func (m ProviderMembership) Bucket() StatusBucket {
	return BucketForStatus(m.Status)
}

// UserID returns the provider-level user id, from either the nested user
// object or nothing.
func (m ProviderMembership) UserID() string {
	if m.User != nil {
		return m.User.ID
	}
	return ""
}

// Email returns the payer email when the provider included it.
func (m ProviderMembership) Email() string {
	if m.User != nil {
		return strings.ToLower(strings.TrimSpace(m.User.Email))
	}
	return ""
}

// ConnectedChatID returns the provider-reported connected chat account, the
// highest-precedence identity signal.
func (m ProviderMembership) ConnectedChatID() string {
	if m.User != nil {
		return strings.TrimSpace(m.User.ChatAccountID)
	}
	return ""
}

// Snapshot projects the live record into the cached snapshot shape.
func (m ProviderMembership) Snapshot() MembershipSnapshot {
	return MembershipSnapshot{
		MembershipID:      m.ID,
		Status:            m.Status,
		CancelAtPeriodEnd: m.CancelAtPeriodEnd,
		RenewalPeriodEnd:  m.RenewalPeriodEnd.Ptr(),
		ProviderUpdatedAt: m.UpdatedAt.Time,
	}
}

// ProviderMember is the provider's member object (company-scoped person).
type ProviderMember struct {
	ID            string  `json:"id"`
	UserID        string  `json:"user_id"`
	Email         string  `json:"email"`
	ChatAccountID string  `json:"chat_account_id"`
	TotalSpendUSD float64 `json:"total_spent_in_usd"`
}

// ProviderPayment is a single payment attempt on a membership.
type ProviderPayment struct {
	ID             string   `json:"id"`
	MembershipID   string   `json:"membership_id"`
	Status         string   `json:"status"`
	Substatus      string   `json:"substatus"`
	BillingReason  string   `json:"billing_reason"`
	FailureCode    string   `json:"failure_code"`
	FailureMessage string   `json:"failure_message"`
	RefundedAt     FlexTime `json:"refunded_at"`
	DisputedAt     FlexTime `json:"disputed_at"`
	PaidAt         FlexTime `json:"paid_at"`
	CreatedAt      FlexTime `json:"created_at"`
	AmountUSD      float64  `json:"amount"`
}

// Succeeded reports whether this payment attempt went through.
func (p ProviderPayment) Succeeded() bool {
	switch strings.ToLower(p.Status) {
	case "succeeded", "paid", "successful", "success":
		return true
	}
	return false
}

// LooksLikeDispute reports a chargeback/dispute signal on the payment.
func (p ProviderPayment) LooksLikeDispute() bool {
	if !p.DisputedAt.IsZero() {
		return true
	}
	txt := strings.ToLower(p.Status + " " + p.Substatus + " " + p.BillingReason)
	return strings.Contains(txt, "dispute") || strings.Contains(txt, "chargeback")
}

// LooksLikeResolutionNeeded reports any payment problem worth a case channel:
// disputes plus failed/refunded/billing-issue attempts.
func (p ProviderPayment) LooksLikeResolutionNeeded() bool {
	if p.LooksLikeDispute() {
		return true
	}
	txt := strings.ToLower(p.Status + " " + p.Substatus + " " + p.BillingReason)
	for _, w := range []string{"failed", "past_due", "unpaid", "billing_issue", "canceled", "cancelled", "refunded"} {
		if strings.Contains(txt, w) {
			return true
		}
	}
	if p.FailureCode != "" || p.FailureMessage != "" {
		return true
	}
	return !p.RefundedAt.IsZero()
}

// PageInfo is the provider's cursor pagination envelope.
type PageInfo struct {
	HasNextPage bool   `json:"has_next_page"`
	EndCursor   string `json:"end_cursor"`
}
