package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"reconciler-service/models"
	"reconciler-service/repository"

	"go.uber.org/zap"
)

// EventLedger deduplicates accepted webhook deliveries by delivery id: a
// bounded in-memory ring backed by the durable append-only log. This guards
// at-most-once delivery only; two distinct deliveries describing the same
// underlying change are both recorded; business-level dedup belongs to the
// classifier.
type EventLedger struct {
	mu    sync.Mutex
	ring  []string
	index map[string]struct{}
	next  int
	size  int

	repo   repository.LedgerRepository
	logger *zap.Logger
}

func NewEventLedger(repo repository.LedgerRepository, ringSize int, logger *zap.Logger) *EventLedger {
	if ringSize <= 0 {
		ringSize = 2000
	}
	return &EventLedger{
		ring:   make([]string, ringSize),
		index:  make(map[string]struct{}, ringSize),
		size:   ringSize,
		repo:   repo,
		logger: logger,
	}
}

// Warm loads the tail of the durable log into the ring so duplicates of
// deliveries accepted before a restart are still caught.
func (l *EventLedger) Warm(ctx context.Context) error {
	ids, err := l.repo.RecentDeliveryIDs(ctx, l.size)
	if err != nil {
		return fmt.Errorf("warm ledger ring: %w", err)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// RecentDeliveryIDs is newest-first; insert oldest-first so the newest
	// entries are evicted last.
	for i := len(ids) - 1; i >= 0; i-- {
		l.insertLocked(ids[i])
	}
	l.logger.Info("Event ledger warmed", zap.Int("entries", len(ids)))
	return nil
}

// Record appends an accepted delivery. Returns accepted=false when the
// delivery id was already seen, in the ring or in the durable log. A
// durable-log write failure bubbles up: it means corrupted local state and
// must halt further automated action.
func (l *EventLedger) Record(ctx context.Context, event models.WebhookEvent) (bool, error) {
	l.mu.Lock()
	if _, dup := l.index[event.DeliveryID]; dup {
		l.mu.Unlock()
		return false, nil
	}
	l.insertLocked(event.DeliveryID)
	l.mu.Unlock()

	inserted, err := l.repo.Insert(ctx, &event)
	if err != nil {
		// Roll the ring back so the sender's retry of this delivery is not
		// mistaken for a duplicate; it has no durable record yet.
		l.mu.Lock()
		l.removeLocked(event.DeliveryID)
		l.mu.Unlock()
		return false, fmt.Errorf("ledger append: %w", err)
	}
	if !inserted {
		// Older than the ring but still within the durable retention.
		return false, nil
	}
	return true, nil
}

// insertLocked adds an id to the ring, evicting the oldest entry.
func (l *EventLedger) insertLocked(id string) {
	if old := l.ring[l.next]; old != "" {
		delete(l.index, old)
	}
	l.ring[l.next] = id
	l.index[id] = struct{}{}
	l.next = (l.next + 1) % l.size
}

// removeLocked drops an id from the ring, leaving an empty slot that the
// next insert reuses without evicting anything.
func (l *EventLedger) removeLocked(id string) {
	if _, ok := l.index[id]; !ok {
		return
	}
	delete(l.index, id)
	for i, v := range l.ring {
		if v == id {
			l.ring[i] = ""
			return
		}
	}
}

// Trim enforces the durable log's bounded retention.
func (l *EventLedger) Trim(ctx context.Context, retention time.Duration) {
	n, err := l.repo.TrimBefore(ctx, time.Now().UTC().Add(-retention))
	if err != nil {
		l.logger.Error("Ledger retention trim failed", zap.Error(err))
		return
	}
	if n > 0 {
		l.logger.Info("Ledger retention trim", zap.Int64("removed", n))
	}
}
