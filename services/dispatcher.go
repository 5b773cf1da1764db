package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"reconciler-service/awsx"
	"reconciler-service/models"
	"reconciler-service/repository"

	"go.uber.org/zap"
)

// Dispatcher delivers semantic notifications to chat channels with two
// layers of suppression: a short content dedupe window that collapses repeat
// deliveries of the same fact, and a long per-identity cooldown that stops
// re-alerting about the same issue category. Dispute and refund events get a
// dedicated case channel instead of the shared alert stream.
type Dispatcher struct {
	repo    repository.DispatchRepository
	gateway ChatGateway
	metrics *awsx.MetricsClient
	logger  *zap.Logger

	alertChannelID  string
	statusChannelID string
	caseCategoryID  string

	dedupeCooldown time.Duration
	alertCooldown  time.Duration
}

type DispatcherOptions struct {
	AlertChannelID  string
	StatusChannelID string
	CaseCategoryID  string
	DedupeCooldown  time.Duration
	AlertCooldown   time.Duration
}

func NewDispatcher(repo repository.DispatchRepository, gateway ChatGateway, metrics *awsx.MetricsClient, opts DispatcherOptions, logger *zap.Logger) *Dispatcher {
	if opts.DedupeCooldown <= 0 {
		opts.DedupeCooldown = 45 * time.Second
	}
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = 6 * time.Hour
	}
	return &Dispatcher{
		repo:            repo,
		gateway:         gateway,
		metrics:         metrics,
		logger:          logger,
		alertChannelID:  opts.AlertChannelID,
		statusChannelID: opts.StatusChannelID,
		caseCategoryID:  opts.CaseCategoryID,
		dedupeCooldown:  opts.DedupeCooldown,
		alertCooldown:   opts.AlertCooldown,
	}
}

// Dispatch routes one notification. Suppression is success: a muted
// notification returns nil. A send failure releases the dedupe reservation
// so the next attempt is not swallowed.
func (d *Dispatcher) Dispatch(ctx context.Context, n models.Notification) error {
	if n.Kind.CaseFlavored() {
		return d.dispatchCase(ctx, n)
	}

	channelID := d.channelFor(n.Kind)
	if channelID == "" {
		d.logger.Debug("No channel configured for notification kind", zap.String("kind", string(n.Kind)))
		return nil
	}

	if d.identityCooldownActive(ctx, n, channelID) {
		d.mute(ctx, n, "identity_cooldown")
		return nil
	}

	key := n.DedupeKey(channelID)
	ok, err := d.repo.ReserveDedupe(ctx, key, channelID, d.dedupeCooldown)
	if err != nil {
		return fmt.Errorf("reserve dedupe: %w", err)
	}
	if !ok {
		d.mute(ctx, n, "duplicate")
		return nil
	}

	if err := d.gateway.Send(ctx, channelID, renderNotification(n)); err != nil {
		if relErr := d.repo.ReleaseDedupe(ctx, key); relErr != nil {
			d.logger.Error("Failed to release dedupe reservation", zap.String("key", key), zap.Error(relErr))
		}
		return fmt.Errorf("send notification: %w", err)
	}

	if err := d.repo.MarkSent(ctx, key); err != nil {
		d.logger.Error("Failed to confirm dedupe reservation", zap.String("key", key), zap.Error(err))
	}
	d.touchIdentityCooldown(ctx, n, channelID)
	d.count(ctx, awsx.MetricNotificationsSent, n.Kind)
	return nil
}

// dispatchCase sends into the per-case channel, creating it on the first
// event for the case key. The starter card carries the full context; later
// events for the same case become follow-up lines in the same channel.
func (d *Dispatcher) dispatchCase(ctx context.Context, n models.Notification) error {
	caseKey := n.CaseKey()
	channelID, err := d.repo.GetCaseChannel(ctx, caseKey)
	if err != nil {
		return fmt.Errorf("lookup case channel: %w", err)
	}

	fresh := channelID == ""
	if fresh {
		channelID, err = d.gateway.GetOrCreateChannel(ctx, caseSlug(n), d.caseCategoryID)
		if err != nil {
			return fmt.Errorf("create case channel: %w", err)
		}
		if err := d.repo.PutCaseChannel(ctx, caseKey, channelID); err != nil {
			return fmt.Errorf("index case channel: %w", err)
		}
	}

	key := n.DedupeKey(channelID)
	ok, err := d.repo.ReserveDedupe(ctx, key, channelID, d.dedupeCooldown)
	if err != nil {
		return fmt.Errorf("reserve dedupe: %w", err)
	}
	if !ok {
		d.mute(ctx, n, "duplicate")
		return nil
	}

	content := renderNotification(n)
	if !fresh {
		content = "Update: " + content
	}
	if err := d.gateway.Send(ctx, channelID, content); err != nil {
		if relErr := d.repo.ReleaseDedupe(ctx, key); relErr != nil {
			d.logger.Error("Failed to release dedupe reservation", zap.String("key", key), zap.Error(relErr))
		}
		return fmt.Errorf("send case notification: %w", err)
	}
	if err := d.repo.MarkSent(ctx, key); err != nil {
		d.logger.Error("Failed to confirm dedupe reservation", zap.String("key", key), zap.Error(err))
	}
	d.count(ctx, awsx.MetricNotificationsSent, n.Kind)
	return nil
}

// channelFor routes problem kinds to the alert channel and routine lifecycle
// movement to the status channel.
func (d *Dispatcher) channelFor(kind models.EventKind) string {
	switch kind {
	case models.EventPaymentFailed, models.EventInvoiceIssue, models.EventDeactivated,
		models.EventTrialAbuse, models.EventLookupNeeded:
		if d.alertChannelID != "" {
			return d.alertChannelID
		}
		return d.statusChannelID
	}
	return d.statusChannelID
}

// identityCooldownActive gates alert-channel kinds: one identity, one issue
// category, at most once per cooldown window. Status traffic and case
// follow-ups are exempt.
func (d *Dispatcher) identityCooldownActive(ctx context.Context, n models.Notification, channelID string) bool {
	if channelID != d.alertChannelID || n.ChatIdentityID == "" {
		return false
	}
	active, err := d.repo.CooldownActive(ctx, cooldownKey(n), d.alertCooldown)
	if err != nil {
		d.logger.Error("Cooldown lookup failed", zap.Error(err))
		return false
	}
	return active
}

func (d *Dispatcher) touchIdentityCooldown(ctx context.Context, n models.Notification, channelID string) {
	if channelID != d.alertChannelID || n.ChatIdentityID == "" {
		return
	}
	if err := d.repo.TouchCooldown(ctx, cooldownKey(n)); err != nil {
		d.logger.Error("Cooldown update failed", zap.Error(err))
	}
}

func cooldownKey(n models.Notification) string {
	return n.ChatIdentityID + "|" + n.Kind.IssueCategory()
}

func (d *Dispatcher) mute(ctx context.Context, n models.Notification, reason string) {
	d.logger.Debug("Notification muted",
		zap.String("kind", string(n.Kind)),
		zap.String("membership_id", n.MembershipID),
		zap.String("reason", reason),
	)
	d.count(ctx, awsx.MetricNotificationsMuted, n.Kind)
}

func (d *Dispatcher) count(_ context.Context, metric string, kind models.EventKind) {
	if d.metrics == nil {
		return
	}
	// Recorded off the request path; metrics must not slow a send.
	go func() {
		bg, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = d.metrics.RecordCount(bg, metric, map[string]string{"Kind": string(kind)})
	}()
}

// caseSlug builds a channel name like "dispute-mem123-pay456" from the tail
// of the ids, lowercase, chat-platform safe.
func caseSlug(n models.Notification) string {
	flavor := "dispute"
	if n.Kind == models.EventPaymentRefund {
		flavor = "refund"
	}
	return flavor + "-" + slugTail(n.MembershipID) + "-" + slugTail(n.PaymentID)
}

func slugTail(id string) string {
	s := strings.ToLower(id)
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	out := b.String()
	if len(out) > 8 {
		out = out[len(out)-8:]
	}
	if out == "" {
		out = "unknown"
	}
	return out
}

func renderNotification(n models.Notification) string {
	var b strings.Builder
	if n.Title != "" {
		b.WriteString("**" + n.Title + "**\n")
	}
	if n.Body != "" {
		b.WriteString(n.Body + "\n")
	}
	keys := make([]string, 0, len(n.Fields))
	for k := range n.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteString(k + ": " + n.Fields[k] + "\n")
	}
	return strings.TrimRight(b.String(), "\n")
}
