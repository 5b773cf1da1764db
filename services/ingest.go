package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"reconciler-service/awsx"
	"reconciler-service/models"
	"reconciler-service/repository"

	"go.uber.org/zap"
)

// IngestStatus is the outcome of processing one verified delivery.
type IngestStatus string

const (
	IngestAccepted  IngestStatus = "accepted"
	IngestDuplicate IngestStatus = "duplicate"
	IngestIgnored   IngestStatus = "ignored"
)

// IngestResult summarizes what one delivery produced.
type IngestResult struct {
	Status IngestStatus
	Kind   models.EventKind
}

type IngestorOptions struct {
	MemberRoleID      string
	EnforceRemovals   bool
	LifecycleTopicARN string
}

// Ingestor runs the post-verification webhook pipeline: ledger dedup, an
// authoritative read-back from the provider, snapshot diffing, identity
// resolution, role convergence, and notification dispatch. The transport
// edges (HTTP controller, queue consumer) verify and hand deliveries here.
type Ingestor struct {
	ledger     *EventLedger
	provider   *ProviderClient
	snapshots  repository.SnapshotRepository
	identities repository.IdentityRepository
	resolver   *IdentityResolver
	dispatcher *Dispatcher
	gateway    ChatGateway
	publisher  awsx.SNSPublisher
	metrics    *awsx.MetricsClient
	logger     *zap.Logger
	opts       IngestorOptions
	now        func() time.Time
}

func NewIngestor(
	ledger *EventLedger,
	provider *ProviderClient,
	snapshots repository.SnapshotRepository,
	identities repository.IdentityRepository,
	resolver *IdentityResolver,
	dispatcher *Dispatcher,
	gateway ChatGateway,
	publisher awsx.SNSPublisher,
	metrics *awsx.MetricsClient,
	opts IngestorOptions,
	logger *zap.Logger,
) *Ingestor {
	return &Ingestor{
		ledger:     ledger,
		provider:   provider,
		snapshots:  snapshots,
		identities: identities,
		resolver:   resolver,
		dispatcher: dispatcher,
		gateway:    gateway,
		publisher:  publisher,
		metrics:    metrics,
		opts:       opts,
		logger:     logger,
		now:        time.Now,
	}
}

// Process handles one verified delivery. A non-nil error means local state
// could not be advanced safely and the delivery should be retried by the
// transport (HTTP 5xx, queue redelivery). Transient provider failures are
// not errors here: the delivery is already recorded, so surfacing a 5xx
// would only drive redeliveries that the ledger then suppresses. Those
// deliveries end as recorded-only receipts for the reconciler to pick up.
func (s *Ingestor) Process(ctx context.Context, deliveryID string, occurredAt time.Time, body []byte) (IngestResult, error) {
	var env models.WebhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return IngestResult{Status: IngestIgnored}, fmt.Errorf("malformed webhook body: %w", err)
	}
	if env.Type == "" {
		return IngestResult{Status: IngestIgnored}, fmt.Errorf("webhook body missing type")
	}

	log := s.logger.With(
		zap.String("delivery_id", deliveryID),
		zap.String("webhook_type", env.Type),
	)

	membershipID, paymentID, payment := s.resolveRefs(ctx, env, log)

	digest := sha256.Sum256(body)
	accepted, err := s.ledger.Record(ctx, models.WebhookEvent{
		DeliveryID:    deliveryID,
		EventType:     env.Type,
		OccurredAt:    occurredAt.UTC(),
		MembershipRef: membershipID,
		PayloadDigest: hex.EncodeToString(digest[:]),
	})
	if err != nil {
		return IngestResult{}, err
	}
	if !accepted {
		log.Info("Duplicate delivery suppressed")
		s.countMetric(awsx.MetricWebhooksDuplicate, env.Type)
		return IngestResult{Status: IngestDuplicate}, nil
	}
	s.countMetric(awsx.MetricWebhooksAccepted, env.Type)

	if membershipID == "" {
		log.Info("Delivery carries no membership reference; recorded only")
		return IngestResult{Status: IngestIgnored}, nil
	}

	cur := s.currentMembership(ctx, membershipID, env, log)
	if cur == nil {
		log.Warn("Provider unreachable and payload unusable; recorded only",
			zap.String("membership_id", membershipID))
		return IngestResult{Status: IngestIgnored}, nil
	}

	prev, err := s.snapshots.Get(ctx, membershipID)
	if err != nil {
		return IngestResult{}, fmt.Errorf("load snapshot: %w", err)
	}

	kind, significant := Classify(prev, cur.Snapshot(), env.Type)

	if err := s.snapshots.Put(ctx, cur.Snapshot()); err != nil {
		return IngestResult{}, fmt.Errorf("store snapshot: %w", err)
	}

	if !significant {
		log.Debug("No significant movement", zap.String("status", cur.Status))
		return IngestResult{Status: IngestAccepted}, nil
	}
	s.countMetric(awsx.MetricEventsClassified, string(kind))
	log.Info("Lifecycle event classified",
		zap.String("kind", string(kind)),
		zap.String("membership_id", membershipID),
		zap.String("status", cur.Status),
	)

	res, err := s.resolver.Resolve(ctx, ResolveInput{
		MembershipID:    membershipID,
		ConnectedChatID: cur.ConnectedChatID(),
		Email:           cur.Email(),
		EventTime:       occurredAt,
	})
	switch {
	case err == models.ErrIdentityAmbiguous:
		log.Warn("Identity resolution ambiguous", zap.String("membership_id", membershipID))
	case err != nil:
		log.Error("Identity resolution failed", zap.Error(err))
	}

	s.converge(ctx, kind, membershipID, res, log)
	s.checkTrialAbuse(ctx, env.Type, cur, res, log)

	if !res.Found() {
		s.notify(ctx, models.Notification{
			Kind:         models.EventLookupNeeded,
			MembershipID: membershipID,
			PaymentID:    paymentID,
			Title:        "Manual lookup needed",
			Body:         "No chat identity could be resolved for this event.",
			Fields: map[string]string{
				"event":  string(kind),
				"status": cur.Status,
				"email":  cur.Email(),
			},
		})
	}

	s.notify(ctx, s.buildNotification(kind, cur, res, paymentID, payment))
	s.publishLifecycle(ctx, kind, env.Type, cur, res, paymentID, occurredAt)

	return IngestResult{Status: IngestAccepted, Kind: kind}, nil
}

// resolveRefs extracts the membership and payment references, following a
// payment ref back to its membership when the envelope lacks a direct one.
// A transient failure on the follow-up read degrades to no reference.
func (s *Ingestor) resolveRefs(ctx context.Context, env models.WebhookEnvelope, log *zap.Logger) (string, string, *models.ProviderPayment) {
	membershipID := env.MembershipRef()

	var paymentID string
	var payment *models.ProviderPayment
	if strings.HasPrefix(env.Type, "payment") || strings.HasPrefix(env.Type, "invoice") || strings.Contains(env.Type, "dispute") || strings.Contains(env.Type, "refund") {
		paymentID = env.PaymentRef()
		if paymentID != "" && membershipID == "" {
			p, err := s.provider.GetPayment(ctx, paymentID)
			if err != nil {
				log.Warn("Payment ref lookup failed",
					zap.String("payment_id", paymentID), zap.Error(err))
			} else if p != nil {
				payment = p
				membershipID = p.MembershipID
			}
		}
	}

	if membershipID == "" && strings.HasPrefix(env.Type, "membership") {
		var m models.ProviderMembership
		if err := json.Unmarshal(env.Data, &m); err == nil {
			membershipID = m.ID
		}
	}
	return membershipID, paymentID, payment
}

// currentMembership prefers the authoritative provider read; when that fails
// it falls back to the payload's embedded membership so terminal events
// still classify. A 404 with no usable payload is a terminal record; a
// transient failure with no usable payload returns nil.
func (s *Ingestor) currentMembership(ctx context.Context, membershipID string, env models.WebhookEnvelope, log *zap.Logger) *models.ProviderMembership {
	m, err := s.provider.GetMembership(ctx, membershipID)
	if err == nil && m != nil {
		return m
	}
	if err != nil {
		log.Warn("Membership read-back failed; trying embedded payload",
			zap.String("membership_id", membershipID), zap.Error(err))
	}

	var embedded models.ProviderMembership
	if jerr := json.Unmarshal(env.Data, &embedded); jerr == nil && embedded.ID == membershipID && embedded.Status != "" {
		return &embedded
	}
	if err != nil {
		return nil
	}
	// Gone entirely: treat as a terminal record.
	return &models.ProviderMembership{ID: membershipID, Status: "expired"}
}

// converge applies the immediate role consequence of a classified event.
// Grants are safe to apply eagerly; removals honor the enforcement switch
// and otherwise defer to the reconciliation job.
func (s *Ingestor) converge(ctx context.Context, kind models.EventKind, membershipID string, res models.Resolution, log *zap.Logger) {
	if !res.Found() {
		return
	}
	switch kind {
	case models.EventActivated, models.EventAccessRestored:
		if err := s.gateway.GrantRole(ctx, res.ChatIdentityID, s.opts.MemberRoleID); err != nil {
			log.Error("Role grant failed",
				zap.String("chat_identity_id", res.ChatIdentityID), zap.Error(err))
			return
		}
		s.countMetric(awsx.MetricRolesGranted, string(kind))

	case models.EventDeactivated:
		if !s.opts.EnforceRemovals {
			log.Info("Removal deferred (enforcement off)",
				zap.String("chat_identity_id", res.ChatIdentityID),
				zap.String("membership_id", membershipID))
			return
		}
		if err := s.gateway.RevokeRole(ctx, res.ChatIdentityID, s.opts.MemberRoleID); err != nil {
			log.Error("Role revocation failed",
				zap.String("chat_identity_id", res.ChatIdentityID), zap.Error(err))
			return
		}
		s.countMetric(awsx.MetricRolesRevoked, string(kind))
	}
}

// checkTrialAbuse records trial starts and flags repeat-trial payers: a
// trial on a non-first membership, or a second trial for the same payer.
func (s *Ingestor) checkTrialAbuse(ctx context.Context, webhookType string, cur *models.ProviderMembership, res models.Resolution, log *zap.Logger) {
	if cur.TrialDays <= 0 {
		return
	}
	if !strings.HasPrefix(webhookType, "membership") {
		return
	}

	if err := s.identities.RecordTrialEvent(ctx, &models.TrialEvent{
		Email:           cur.Email(),
		ChatIdentityID:  res.ChatIdentityID,
		MembershipID:    cur.ID,
		EventType:       webhookType,
		TrialDays:       cur.TrialDays,
		FirstMembership: cur.FirstMembership,
	}); err != nil {
		log.Error("Failed to record trial event", zap.Error(err))
		return
	}

	repeat := cur.FirstMembership != nil && !*cur.FirstMembership
	if !repeat {
		count, err := s.identities.CountTrialEvents(ctx, cur.Email(), res.ChatIdentityID)
		if err != nil {
			log.Error("Trial history lookup failed", zap.Error(err))
			return
		}
		repeat = count >= 2
	}
	if !repeat {
		return
	}

	log.Warn("Repeat trial detected",
		zap.String("membership_id", cur.ID),
		zap.String("email", cur.Email()))
	s.notify(ctx, models.Notification{
		Kind:           models.EventTrialAbuse,
		MembershipID:   cur.ID,
		ChatIdentityID: res.ChatIdentityID,
		Title:          "Repeat trial detected",
		Body:           "This payer has used a free trial before.",
		Fields: map[string]string{
			"email":      cur.Email(),
			"trial_days": strconv.Itoa(cur.TrialDays),
		},
	})
}

func (s *Ingestor) buildNotification(kind models.EventKind, cur *models.ProviderMembership, res models.Resolution, paymentID string, payment *models.ProviderPayment) models.Notification {
	n := models.Notification{
		Kind:           kind,
		MembershipID:   cur.ID,
		ChatIdentityID: res.ChatIdentityID,
		PaymentID:      paymentID,
		Title:          notificationTitle(kind),
		Fields: map[string]string{
			"status": cur.Status,
		},
	}
	if email := cur.Email(); email != "" {
		n.Fields["email"] = email
	}
	if cur.User != nil && cur.User.Username != "" {
		n.Fields["username"] = cur.User.Username
	}
	if res.Found() {
		n.Fields["resolved_via"] = string(res.Method)
	}
	if payment != nil {
		if payment.AmountUSD > 0 {
			n.Fields["amount_usd"] = strconv.FormatFloat(payment.AmountUSD, 'f', 2, 64)
		}
		if payment.FailureMessage != "" {
			n.Body = payment.FailureMessage
		}
	}
	return n
}

func notificationTitle(kind models.EventKind) string {
	switch kind {
	case models.EventActivated:
		return "Membership activated"
	case models.EventDeactivated:
		return "Membership deactivated"
	case models.EventPaymentFailed:
		return "Payment failed"
	case models.EventPaymentSucceeded:
		return "Payment succeeded"
	case models.EventAccessRestored:
		return "Access restored"
	case models.EventCancellationScheduled:
		return "Cancellation scheduled"
	case models.EventCancellationRemoved:
		return "Cancellation removed"
	case models.EventPaymentPending:
		return "Payment pending"
	case models.EventPaymentDispute:
		return "Payment dispute opened"
	case models.EventPaymentRefund:
		return "Payment refunded"
	case models.EventInvoiceIssue:
		return "Invoice issue"
	}
	return string(kind)
}

func (s *Ingestor) publishLifecycle(ctx context.Context, kind models.EventKind, webhookType string, cur *models.ProviderMembership, res models.Resolution, paymentID string, occurredAt time.Time) {
	if s.publisher == nil || s.opts.LifecycleTopicARN == "" {
		return
	}
	payload, err := json.Marshal(models.LifecycleEvent{
		Kind:           kind,
		MembershipID:   cur.ID,
		ChatIdentityID: res.ChatIdentityID,
		Email:          cur.Email(),
		Status:         cur.Status,
		Source:         "webhook",
		WebhookType:    webhookType,
		PaymentID:      paymentID,
		OccurredAt:     occurredAt.UTC(),
	})
	if err != nil {
		return
	}
	if err := s.publisher.Publish(ctx, s.opts.LifecycleTopicARN, payload); err != nil {
		s.logger.Error("Lifecycle publish failed",
			zap.String("kind", string(kind)), zap.Error(err))
	}
}

func (s *Ingestor) notify(ctx context.Context, n models.Notification) {
	if s.dispatcher == nil {
		return
	}
	if err := s.dispatcher.Dispatch(ctx, n); err != nil {
		s.logger.Error("Notification dispatch failed",
			zap.String("kind", string(n.Kind)), zap.Error(err))
	}
}

func (s *Ingestor) countMetric(name, kind string) {
	if s.metrics == nil {
		return
	}
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		var dims map[string]string
		if kind != "" {
			dims = map[string]string{"Kind": kind}
		}
		_ = s.metrics.RecordCount(bg, name, dims)
	}()
}
