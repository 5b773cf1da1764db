package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"reconciler-service/models"

	"go.uber.org/zap"
)

// ProviderClient is the typed read client for the subscription provider's
// API. All list endpoints are cursor-paginated; all calls use bounded
// timeouts and retry transient failures with backoff.
type ProviderClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	companyID  string
	maxRetries int
	logger     *zap.Logger

	// Entitlement fallback window: a monthly billing period plus a short
	// grace allowance absorbing payment-processor latency.
	MonthlyDays int
	GraceDays   int
}

func NewProviderClient(baseURL, apiKey, companyID string, graceDays int, logger *zap.Logger) *ProviderClient {
	return &ProviderClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		companyID:  companyID,
		maxRetries: 3,
		logger:     logger,

		MonthlyDays: 30,
		GraceDays:   graceDays,
	}
}

// listEnvelope is the provider's cursor-paginated response wrapper.
type listEnvelope struct {
	Data     json.RawMessage `json:"data"`
	PageInfo models.PageInfo `json:"page_info"`
}

func (c *ProviderClient) doJSON(ctx context.Context, path string, query url.Values, out interface{}) error {
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return fmt.Errorf("build provider request: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = &models.TransientProviderError{Op: path, Err: err}
			continue
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		resp.Body.Close()
		if readErr != nil {
			lastErr = &models.TransientProviderError{Op: path, Err: readErr}
			continue
		}

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return errProviderNotFound
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = &models.TransientProviderError{Op: path, StatusCode: resp.StatusCode, Err: fmt.Errorf("%s", truncate(body, 200))}
			continue
		case resp.StatusCode >= 400:
			return fmt.Errorf("provider %s: status %d: %s", path, resp.StatusCode, truncate(body, 200))
		}

		if out == nil {
			return nil
		}
		if err := json.Unmarshal(body, out); err != nil {
			return fmt.Errorf("provider %s: decode response: %w", path, err)
		}
		return nil
	}
	return lastErr
}

var errProviderNotFound = fmt.Errorf("provider: not found")

func truncate(b []byte, n int) string {
	if len(b) > n {
		b = b[:n]
	}
	return string(b)
}

// GetMembership fetches one canonical membership record. Returns (nil, nil)
// when the provider has no such membership.
func (c *ProviderClient) GetMembership(ctx context.Context, membershipID string) (*models.ProviderMembership, error) {
	var m models.ProviderMembership
	err := c.doJSON(ctx, "/memberships/"+url.PathEscape(membershipID), nil, &m)
	if err == errProviderNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetMember fetches the provider's company-scoped member object.
func (c *ProviderClient) GetMember(ctx context.Context, memberID string) (*models.ProviderMember, error) {
	var m models.ProviderMember
	err := c.doJSON(ctx, "/members/"+url.PathEscape(memberID), nil, &m)
	if err == errProviderNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// GetPayment fetches one payment record.
func (c *ProviderClient) GetPayment(ctx context.Context, paymentID string) (*models.ProviderPayment, error) {
	var p models.ProviderPayment
	err := c.doJSON(ctx, "/payments/"+url.PathEscape(paymentID), nil, &p)
	if err == errProviderNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// GetPaymentsForMembership lists payment attempts for one membership,
// newest first.
func (c *ProviderClient) GetPaymentsForMembership(ctx context.Context, membershipID string) ([]models.ProviderPayment, error) {
	q := url.Values{}
	q.Set("membership_id", membershipID)
	if c.companyID != "" {
		q.Set("company_id", c.companyID)
	}
	var env listEnvelope
	if err := c.doJSON(ctx, "/payments", q, &env); err != nil {
		return nil, err
	}
	var out []models.ProviderPayment
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, fmt.Errorf("decode payments page: %w", err)
	}
	return out, nil
}

// ListMemberships returns one page of company memberships.
func (c *ProviderClient) ListMemberships(ctx context.Context, filter map[string]string, cursor string) ([]models.ProviderMembership, models.PageInfo, error) {
	return listPage[models.ProviderMembership](ctx, c, "/memberships", filter, cursor)
}

// ListMembers returns one page of company members.
func (c *ProviderClient) ListMembers(ctx context.Context, filter map[string]string, cursor string) ([]models.ProviderMember, models.PageInfo, error) {
	return listPage[models.ProviderMember](ctx, c, "/members", filter, cursor)
}

func listPage[T any](ctx context.Context, c *ProviderClient, path string, filter map[string]string, cursor string) ([]T, models.PageInfo, error) {
	q := url.Values{}
	if c.companyID != "" {
		q.Set("company_id", c.companyID)
	}
	q.Set("first", "100")
	for k, v := range filter {
		q.Set(k, v)
	}
	if cursor != "" {
		q.Set("after", cursor)
	}

	var env listEnvelope
	if err := c.doJSON(ctx, path, q, &env); err != nil {
		return nil, models.PageInfo{}, err
	}
	var out []T
	if err := json.Unmarshal(env.Data, &out); err != nil {
		return nil, models.PageInfo{}, fmt.Errorf("decode %s page: %w", path, err)
	}
	return out, env.PageInfo, nil
}

// GetUserMemberships returns every membership of one provider-level user,
// the input to multi-membership relinking.
func (c *ProviderClient) GetUserMemberships(ctx context.Context, userID string) ([]models.ProviderMembership, error) {
	var all []models.ProviderMembership
	cursor := ""
	for {
		page, info, err := c.ListMemberships(ctx, map[string]string{"user_id": userID}, cursor)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if !info.HasNextPage || info.EndCursor == "" {
			return all, nil
		}
		cursor = info.EndCursor
	}
}

// AccessEndTime is the primary entitlement end timestamp for a membership,
// free days included.
func (c *ProviderClient) AccessEndTime(m *models.ProviderMembership) *time.Time {
	if m == nil {
		return nil
	}
	for _, t := range []models.FlexTime{m.RenewalPeriodEnd, m.ExpiresAt, m.TrialEnd} {
		if p := t.Ptr(); p != nil {
			return p
		}
	}
	return nil
}

// LastSuccessfulPaymentTime returns the most recent successful payment time
// for a membership, the fallback when the record lacks an end timestamp.
func (c *ProviderClient) LastSuccessfulPaymentTime(ctx context.Context, membershipID string) (*time.Time, error) {
	payments, err := c.GetPaymentsForMembership(ctx, membershipID)
	if err != nil {
		return nil, err
	}
	for _, p := range payments {
		if !p.Succeeded() {
			continue
		}
		if t := p.PaidAt.Ptr(); t != nil {
			return t, nil
		}
		if t := p.CreatedAt.Ptr(); t != nil {
			return t, nil
		}
	}
	return nil, nil
}

// IsEntitledUntilEnd computes grace-aware entitlement:
//   - primary: now < membership end timestamp
//   - fallback: now < last successful payment + monthly window + grace days
func (c *ProviderClient) IsEntitledUntilEnd(ctx context.Context, m *models.ProviderMembership, now time.Time) (bool, *time.Time, string, error) {
	if end := c.AccessEndTime(m); end != nil {
		cutoff := end.Add(time.Duration(c.GraceDays) * 24 * time.Hour)
		return now.Before(cutoff), &cutoff, "membership_end", nil
	}

	if m == nil {
		return false, nil, "no_membership", nil
	}
	lastPaid, err := c.LastSuccessfulPaymentTime(ctx, m.ID)
	if err != nil {
		return false, nil, "", err
	}
	if lastPaid != nil {
		cutoff := lastPaid.Add(time.Duration(c.MonthlyDays+c.GraceDays) * 24 * time.Hour)
		return now.Before(cutoff), &cutoff, "last_success_paid_at", nil
	}

	return false, nil, "no_end_or_payment", nil
}
