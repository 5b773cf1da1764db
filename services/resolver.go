package services

import (
	"context"
	"strings"
	"time"

	"reconciler-service/models"
	"reconciler-service/repository"

	"go.uber.org/zap"
)

// ResolveInput carries everything the resolver may use to tie a membership
// to a chat identity. EventTime bounds the free-text proximity check.
type ResolveInput struct {
	MembershipID    string
	ConnectedChatID string
	Email           string
	EventTime       time.Time
}

// IdentityResolver maps provider memberships to chat identities through a
// fixed precedence chain: verified connection, cached email link, then a
// bounded scan of recent chat records. Weaker strategies never override a
// stronger hit.
type IdentityResolver struct {
	repo    repository.IdentityRepository
	records ChatRecordSource

	scanLimit int
	proximity time.Duration
	logger    *zap.Logger
}

func NewIdentityResolver(repo repository.IdentityRepository, records ChatRecordSource, logger *zap.Logger) *IdentityResolver {
	return &IdentityResolver{
		repo:      repo,
		records:   records,
		scanLimit: 500,
		proximity: 15 * time.Minute,
		logger:    logger,
	}
}

// Resolve runs the chain and records the winning link. An unresolved outcome
// is (Resolution{Method: unresolved}, nil); an error is reserved for storage
// failures and genuine ambiguity.
func (r *IdentityResolver) Resolve(ctx context.Context, in ResolveInput) (models.Resolution, error) {
	// Strategy 1: the provider record names the chat account outright.
	if id := strings.TrimSpace(in.ConnectedChatID); id != "" {
		res := models.Resolution{ChatIdentityID: id, Method: models.MethodVerifiedConnection, Confidence: 1.0}
		return res, r.remember(ctx, in, res)
	}

	// Strategy 2: a previously cached email link.
	if email := normalizeEmail(in.Email); email != "" {
		link, err := r.repo.LatestByEmail(ctx, email)
		if err != nil {
			return models.Resolution{Method: models.MethodUnresolved}, err
		}
		if link != nil {
			res := models.Resolution{ChatIdentityID: link.ChatIdentityID, Method: models.MethodCachedEmail, Confidence: 0.9}
			return res, r.remember(ctx, in, res)
		}
	}

	// Strategy 3a: a prior link for this membership id.
	if in.MembershipID != "" {
		link, err := r.repo.LatestByMembership(ctx, in.MembershipID)
		if err != nil {
			return models.Resolution{Method: models.MethodUnresolved}, err
		}
		if link != nil {
			res := models.Resolution{ChatIdentityID: link.ChatIdentityID, Method: models.MethodHistorical, Confidence: 0.8}
			return res, nil
		}
	}

	// Strategy 3b: bounded scan of recent chat records.
	res, err := r.scanRecords(ctx, in)
	if err != nil {
		return models.Resolution{Method: models.MethodUnresolved}, err
	}
	if res.Found() {
		return res, r.remember(ctx, in, res)
	}
	return models.Resolution{Method: models.MethodUnresolved}, nil
}

func (r *IdentityResolver) scanRecords(ctx context.Context, in ResolveInput) (models.Resolution, error) {
	if r.records == nil {
		return models.Resolution{Method: models.MethodUnresolved}, nil
	}
	records, err := r.records.RecentRecords(ctx, r.scanLimit)
	if err != nil {
		// The scan is best-effort; a failing chat bridge must not block the
		// stronger strategies' callers.
		r.logger.Warn("Chat record scan failed", zap.Error(err))
		return models.Resolution{Method: models.MethodUnresolved}, nil
	}

	email := normalizeEmail(in.Email)
	exactID := map[string]struct{}{}
	exactEmail := map[string]struct{}{}
	fuzzy := map[string]struct{}{}
	for _, rec := range records {
		if rec.ChatIdentityID == "" {
			continue
		}
		switch {
		case in.MembershipID != "" && rec.MembershipID == in.MembershipID:
			exactID[rec.ChatIdentityID] = struct{}{}
		case email != "" && normalizeEmail(rec.Email) == email:
			exactEmail[rec.ChatIdentityID] = struct{}{}
		case r.fuzzyMatch(rec, in, email):
			fuzzy[rec.ChatIdentityID] = struct{}{}
		}
	}

	// A membership-id match beats an email match beats a free-text hit.
	// Ambiguity is judged within the strongest non-empty tier only, so a
	// stale email record cannot contest a direct id hit.
	pool := exactID
	if len(pool) == 0 {
		pool = exactEmail
	}
	if len(pool) == 0 {
		pool = fuzzy
	}
	switch len(pool) {
	case 0:
		return models.Resolution{Method: models.MethodUnresolved}, nil
	case 1:
		for id := range pool {
			return models.Resolution{ChatIdentityID: id, Method: models.MethodHistorical, Confidence: 0.7}, nil
		}
	}
	return models.Resolution{Method: models.MethodUnresolved}, models.ErrIdentityAmbiguous
}

// fuzzyMatch accepts a free-text mention of the membership id or email, but
// only when the record is temporally close to the triggering event. Distant
// mentions are too likely to be someone else's pasted receipt.
func (r *IdentityResolver) fuzzyMatch(rec models.ChatRecord, in ResolveInput, email string) bool {
	if rec.Text == "" || in.EventTime.IsZero() || rec.SeenAt.IsZero() {
		return false
	}
	delta := in.EventTime.Sub(rec.SeenAt)
	if delta < 0 {
		delta = -delta
	}
	if delta > r.proximity {
		return false
	}
	text := strings.ToLower(rec.Text)
	if in.MembershipID != "" && strings.Contains(text, strings.ToLower(in.MembershipID)) {
		return true
	}
	return email != "" && strings.Contains(text, email)
}

// remember appends the resolution as a link row. Append-only on purpose: the
// row history is what lets the reconciler spot one membership claimed by two
// identities.
func (r *IdentityResolver) remember(ctx context.Context, in ResolveInput, res models.Resolution) error {
	if in.MembershipID == "" || !res.Found() {
		return nil
	}
	return r.repo.RecordLink(ctx, &models.IdentityLink{
		MembershipID:   in.MembershipID,
		ChatIdentityID: res.ChatIdentityID,
		Email:          in.Email,
		Method:         res.Method,
		Confidence:     res.Confidence,
	})
}

func normalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
