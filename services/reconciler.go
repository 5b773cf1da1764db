package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"reconciler-service/awsx"
	"reconciler-service/models"
	"reconciler-service/repository"

	"go.uber.org/zap"
)

// ErrRunInProgress is returned when a reconciliation run is requested while
// one is already executing.
var ErrRunInProgress = errors.New("reconciliation run already in progress")

// Reconciler state labels, observable through the admin API.
const (
	StateIdle      = "idle"
	StateScanning  = "scanning"
	StateApplying  = "applying"
	StateReporting = "reporting"
)

type ReconcilerOptions struct {
	MemberRoleID      string
	Enforce           bool
	AutoHeal          bool
	HealSpendFloorUSD float64
	SummaryTopicARN   string
}

// Reconciler is the periodic audit job: it pages every identity currently
// holding the member role, re-derives entitlement from the provider, and
// converges chat access toward the provider's truth. Removal is gated behind
// an explicit enforcement flag; every guardrail errs toward keeping access.
type Reconciler struct {
	provider   *ProviderClient
	gateway    ChatGateway
	identities repository.IdentityRepository
	snapshots  repository.SnapshotRepository
	runs       repository.RunRepository
	dispatcher *Dispatcher
	publisher  awsx.SNSPublisher
	metrics    *awsx.MetricsClient
	logger     *zap.Logger
	opts       ReconcilerOptions

	mu    sync.Mutex
	state atomic.Value
	now   func() time.Time
}

func NewReconciler(
	provider *ProviderClient,
	gateway ChatGateway,
	identities repository.IdentityRepository,
	snapshots repository.SnapshotRepository,
	runs repository.RunRepository,
	dispatcher *Dispatcher,
	publisher awsx.SNSPublisher,
	metrics *awsx.MetricsClient,
	opts ReconcilerOptions,
	logger *zap.Logger,
) *Reconciler {
	r := &Reconciler{
		provider:   provider,
		gateway:    gateway,
		identities: identities,
		snapshots:  snapshots,
		runs:       runs,
		dispatcher: dispatcher,
		publisher:  publisher,
		metrics:    metrics,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
	r.state.Store(StateIdle)
	return r
}

// State reports the current phase of the job.
func (r *Reconciler) State() string {
	return r.state.Load().(string)
}

// Run executes one full audit pass. Only one run executes at a time; a
// second caller gets ErrRunInProgress instead of queueing.
func (r *Reconciler) Run(ctx context.Context) (*models.ReconciliationRun, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()
	defer r.state.Store(StateIdle)

	run := &models.ReconciliationRun{
		StartedAt: r.now().UTC(),
		Enforced:  r.opts.Enforce,
	}
	log := r.logger.With(zap.Time("run_started_at", run.StartedAt))

	r.state.Store(StateScanning)
	holders, err := r.gateway.RoleHolders(ctx, r.opts.MemberRoleID)
	if err != nil {
		return nil, fmt.Errorf("list role holders: %w", err)
	}
	log.Info("Reconciliation scan started",
		zap.Int("holders", len(holders)),
		zap.Bool("enforce", r.opts.Enforce),
	)

	decisions := make([]models.EntitlementDecision, 0, len(holders))
	for _, identityID := range holders {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		d := r.audit(ctx, identityID)
		decisions = append(decisions, d)
	}
	run.Checked = len(decisions)

	r.state.Store(StateApplying)
	for _, d := range decisions {
		r.apply(ctx, d, run, log)
	}

	if r.opts.AutoHeal {
		r.heal(ctx, holders, run, log)
	}

	r.state.Store(StateReporting)
	run.FinishedAt = r.now().UTC()
	r.report(ctx, run, log)
	return run, nil
}

// audit derives the verdict for one grant-holding identity. It performs only
// reads plus link recording; enforcement happens in the apply phase after
// the full scan completes.
func (r *Reconciler) audit(ctx context.Context, identityID string) models.EntitlementDecision {
	d := models.EntitlementDecision{ChatIdentityID: identityID}

	link, err := r.identities.LatestByChatIdentity(ctx, identityID)
	if err != nil {
		d.Verdict, d.Reason = models.VerdictHold, "link lookup failed: "+err.Error()
		return d
	}

	if link == nil {
		// Unknown holder. Try to find them on the provider side before
		// flagging a manual lookup; never revoke an unresolved identity.
		if relinked, ok := r.relinkByChatAccount(ctx, identityID); ok {
			d.MembershipID = relinked
			d.Verdict, d.Reason = models.VerdictRelink, "linked via provider chat connection"
			return d
		}
		d.Verdict, d.Reason = models.VerdictHold, "no identity link and no provider match"
		return d
	}
	d.MembershipID = link.MembershipID

	m, err := r.provider.GetMembership(ctx, link.MembershipID)
	if err != nil {
		// Transient provider trouble is never grounds for removal.
		d.Verdict, d.Reason = models.VerdictHold, "provider error: "+err.Error()
		return d
	}

	if m == nil {
		if relinked, ok := r.relinkSiblings(ctx, identityID, link.Email, ""); ok {
			d.MembershipID = relinked
			d.Verdict, d.Reason = models.VerdictRelink, "membership gone, sibling entitled"
			return d
		}
		return r.revokeCandidate(ctx, d, "membership no longer exists")
	}

	// An engaged status keeps access outright, whatever the timestamps say;
	// stale or missing period ends on an active membership are the
	// provider's bookkeeping, not grounds for removal.
	bucket := m.Bucket()
	if bucket.Entitled() {
		d.Verdict = models.VerdictKeep
		d.Reason = "status " + m.Status
		if err := r.snapshots.Put(ctx, m.Snapshot()); err != nil {
			r.logger.Warn("Snapshot refresh failed during audit",
				zap.String("membership_id", m.ID), zap.Error(err))
		}
		return d
	}
	if bucket == models.BucketOther {
		// Statuses outside the revocable buckets (pending and the like)
		// never feed the removal path.
		d.Verdict = models.VerdictKeep
		d.Reason = "status " + m.Status + " is not revocable"
		return d
	}

	// Revocable bucket. The grace allowance may still carry the payer past
	// the nominal period end.
	entitled, cutoff, why, err := r.provider.IsEntitledUntilEnd(ctx, m, r.now().UTC())
	if err != nil {
		d.Verdict, d.Reason = models.VerdictHold, "entitlement check failed: "+err.Error()
		return d
	}
	if entitled {
		d.Verdict = models.VerdictKeep
		if cutoff != nil {
			d.Reason = why + " until " + cutoff.Format(time.RFC3339)
		} else {
			d.Reason = why
		}
		return d
	}

	// Ownership guardrail: when the provider's own record names a connected
	// chat account and it is not this holder, the cached link is suspect.
	// Never relink or remove on a suspect link.
	if owner := m.ConnectedChatID(); owner != "" && owner != identityID {
		d.Verdict = models.VerdictHold
		d.Reason = "membership connected to a different chat account"
		return d
	}

	// Lapsed on this membership; the payer may have an entitled sibling
	// membership (plan switch, repurchase) that should carry the grant.
	if relinked, ok := r.relinkSiblings(ctx, identityID, m.Email(), m.UserID()); ok {
		d.MembershipID = relinked
		d.Verdict, d.Reason = models.VerdictRelink, "lapsed, relinked to entitled sibling"
		return d
	}
	return r.revokeCandidate(ctx, d, "entitlement lapsed: "+why)
}

// revokeCandidate finalizes a removal verdict, applying the ambiguity
// guardrail and the enforcement switch.
func (r *Reconciler) revokeCandidate(ctx context.Context, d models.EntitlementDecision, reason string) models.EntitlementDecision {
	if d.MembershipID != "" {
		claimants, err := r.identities.IdentitiesClaiming(ctx, d.MembershipID)
		if err != nil {
			d.Verdict, d.Reason = models.VerdictHold, "claimant lookup failed: "+err.Error()
			return d
		}
		if len(claimants) > 1 {
			d.Verdict = models.VerdictHold
			d.Reason = "membership claimed by " + strconv.Itoa(len(claimants)) + " identities"
			return d
		}
	}

	d.Reason = reason
	if r.opts.Enforce {
		d.Verdict = models.VerdictRevoke
	} else {
		d.Verdict = models.VerdictWouldRevoke
	}
	return d
}

// relinkByChatAccount searches provider members by connected chat account
// and links the identity to an entitled membership when one exists.
func (r *Reconciler) relinkByChatAccount(ctx context.Context, identityID string) (string, bool) {
	members, _, err := r.provider.ListMembers(ctx, map[string]string{"chat_account_id": identityID}, "")
	if err != nil || len(members) == 0 {
		return "", false
	}
	for _, member := range members {
		if member.UserID == "" {
			continue
		}
		if mid, ok := r.entitledMembershipOfUser(ctx, member.UserID); ok {
			r.recordRelink(ctx, mid, identityID, member.Email, models.MethodVerifiedConnection, 1.0)
			return mid, true
		}
	}
	return "", false
}

// relinkSiblings looks for another entitled membership of the same payer,
// by user id first and by email as fallback.
func (r *Reconciler) relinkSiblings(ctx context.Context, identityID, email, userID string) (string, bool) {
	if userID != "" {
		if mid, ok := r.entitledMembershipOfUser(ctx, userID); ok {
			r.recordRelink(ctx, mid, identityID, email, models.MethodVerifiedConnection, 1.0)
			return mid, true
		}
	}
	if email == "" {
		return "", false
	}
	members, _, err := r.provider.ListMembers(ctx, map[string]string{"email": email}, "")
	if err != nil {
		return "", false
	}
	for _, member := range members {
		if member.UserID == "" {
			continue
		}
		if mid, ok := r.entitledMembershipOfUser(ctx, member.UserID); ok {
			r.recordRelink(ctx, mid, identityID, email, models.MethodCachedEmail, 0.9)
			return mid, true
		}
	}
	return "", false
}

func (r *Reconciler) entitledMembershipOfUser(ctx context.Context, userID string) (string, bool) {
	memberships, err := r.provider.GetUserMemberships(ctx, userID)
	if err != nil {
		return "", false
	}
	now := r.now().UTC()
	for _, m := range memberships {
		m := m
		if m.Bucket().Entitled() {
			return m.ID, true
		}
		entitled, _, _, err := r.provider.IsEntitledUntilEnd(ctx, &m, now)
		if err == nil && entitled {
			return m.ID, true
		}
	}
	return "", false
}

func (r *Reconciler) recordRelink(ctx context.Context, membershipID, identityID, email string, method models.ResolutionMethod, confidence float64) {
	err := r.identities.RecordLink(ctx, &models.IdentityLink{
		MembershipID:   membershipID,
		ChatIdentityID: identityID,
		Email:          email,
		Method:         method,
		Confidence:     confidence,
	})
	if err != nil {
		r.logger.Error("Failed to record relink",
			zap.String("membership_id", membershipID),
			zap.String("chat_identity_id", identityID),
			zap.Error(err))
	}
}

// apply executes one decision: counts it, enforces removals, and raises the
// per-verdict notifications.
func (r *Reconciler) apply(ctx context.Context, d models.EntitlementDecision, run *models.ReconciliationRun, log *zap.Logger) {
	switch d.Verdict {
	case models.VerdictKeep:
		return

	case models.VerdictRelink:
		run.Relinked++
		log.Info("Identity relinked",
			zap.String("chat_identity_id", d.ChatIdentityID),
			zap.String("membership_id", d.MembershipID),
			zap.String("reason", d.Reason))
		return

	case models.VerdictHold:
		run.Errors++
		log.Warn("Audit hold",
			zap.String("chat_identity_id", d.ChatIdentityID),
			zap.String("membership_id", d.MembershipID),
			zap.String("reason", d.Reason))
		r.notify(ctx, models.Notification{
			Kind:           models.EventLookupNeeded,
			MembershipID:   d.MembershipID,
			ChatIdentityID: d.ChatIdentityID,
			Title:          "Manual lookup needed",
			Body:           d.Reason,
		})
		return

	case models.VerdictWouldRevoke:
		run.WouldRevoke++
		log.Info("Would revoke (enforcement off)",
			zap.String("chat_identity_id", d.ChatIdentityID),
			zap.String("membership_id", d.MembershipID),
			zap.String("reason", d.Reason))
		return

	case models.VerdictRevoke:
		if err := r.gateway.RevokeRole(ctx, d.ChatIdentityID, r.opts.MemberRoleID); err != nil {
			run.Errors++
			log.Error("Role revocation failed",
				zap.String("chat_identity_id", d.ChatIdentityID),
				zap.Error(err))
			return
		}
		run.Revoked++
		r.countMetric(awsx.MetricRolesRevoked)
		log.Info("Role revoked",
			zap.String("chat_identity_id", d.ChatIdentityID),
			zap.String("membership_id", d.MembershipID),
			zap.String("reason", d.Reason))
		r.notify(ctx, models.Notification{
			Kind:           models.EventDeactivated,
			MembershipID:   d.MembershipID,
			ChatIdentityID: d.ChatIdentityID,
			Title:          "Access removed",
			Body:           d.Reason,
			Fields:         map[string]string{"source": "reconciler"},
		})
	}
}

// heal grants the role to entitled, strongly-resolved payers that lost it,
// e.g. after a chat-platform incident. Only verified chat connections above
// the spend floor qualify, and ambiguous memberships are skipped.
func (r *Reconciler) heal(ctx context.Context, holders []string, run *models.ReconciliationRun, log *zap.Logger) {
	holding := make(map[string]struct{}, len(holders))
	for _, h := range holders {
		holding[h] = struct{}{}
	}

	cursor := ""
	now := r.now().UTC()
	for {
		page, info, err := r.provider.ListMemberships(ctx, map[string]string{"valid": "true"}, cursor)
		if err != nil {
			run.Errors++
			log.Error("Heal scan failed", zap.Error(err))
			return
		}
		for _, m := range page {
			m := m
			identityID := m.ConnectedChatID()
			if identityID == "" {
				continue
			}
			if _, has := holding[identityID]; has {
				continue
			}
			if m.User == nil || m.User.TotalSpendUSD < r.opts.HealSpendFloorUSD {
				continue
			}
			claimants, err := r.identities.IdentitiesClaiming(ctx, m.ID)
			if err != nil || len(claimants) > 1 {
				continue
			}
			entitled, _, _, err := r.provider.IsEntitledUntilEnd(ctx, &m, now)
			if err != nil || !entitled {
				continue
			}

			if err := r.gateway.GrantRole(ctx, identityID, r.opts.MemberRoleID); err != nil {
				run.Errors++
				log.Error("Heal grant failed",
					zap.String("chat_identity_id", identityID),
					zap.Error(err))
				continue
			}
			holding[identityID] = struct{}{}
			run.Healed++
			r.countMetric(awsx.MetricRolesGranted)
			r.recordRelink(ctx, m.ID, identityID, m.Email(), models.MethodVerifiedConnection, 1.0)
			log.Info("Role healed",
				zap.String("chat_identity_id", identityID),
				zap.String("membership_id", m.ID))
		}
		if !info.HasNextPage || info.EndCursor == "" {
			return
		}
		cursor = info.EndCursor
	}
}

// report persists the run summary, posts it to the status channel, and
// publishes it for downstream consumers.
func (r *Reconciler) report(ctx context.Context, run *models.ReconciliationRun, log *zap.Logger) {
	if err := r.runs.Create(ctx, run); err != nil {
		log.Error("Failed to persist run summary", zap.Error(err))
	}

	log.Info("Reconciliation finished",
		zap.Int("checked", run.Checked),
		zap.Int("relinked", run.Relinked),
		zap.Int("revoked", run.Revoked),
		zap.Int("would_revoke", run.WouldRevoke),
		zap.Int("healed", run.Healed),
		zap.Int("errors", run.Errors),
		zap.Duration("took", run.FinishedAt.Sub(run.StartedAt)),
	)

	mode := "dry-run"
	if run.Enforced {
		mode = "enforcing"
	}
	r.notify(ctx, models.Notification{
		Kind:  models.EventReconcileSummary,
		Title: "Reconciliation summary (" + mode + ")",
		Fields: map[string]string{
			"checked":      strconv.Itoa(run.Checked),
			"relinked":     strconv.Itoa(run.Relinked),
			"revoked":      strconv.Itoa(run.Revoked),
			"would_revoke": strconv.Itoa(run.WouldRevoke),
			"healed":       strconv.Itoa(run.Healed),
			"errors":       strconv.Itoa(run.Errors),
			"run_id":       run.ID.String(),
		},
	})

	if r.publisher != nil && r.opts.SummaryTopicARN != "" {
		payload, err := json.Marshal(run)
		if err == nil {
			err = r.publisher.Publish(ctx, r.opts.SummaryTopicARN, payload)
		}
		if err != nil {
			log.Error("Failed to publish run summary", zap.Error(err))
		}
	}

	if run.Errors > 0 {
		r.countMetric(awsx.MetricReconcileErrors)
	}
}

func (r *Reconciler) notify(ctx context.Context, n models.Notification) {
	if r.dispatcher == nil {
		return
	}
	if err := r.dispatcher.Dispatch(ctx, n); err != nil {
		r.logger.Error("Reconciler notification failed",
			zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

func (r *Reconciler) countMetric(name string) {
	if r.metrics == nil {
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.metrics.RecordCount(bg, name, nil)
	}()
}
