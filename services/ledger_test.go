package services

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"reconciler-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockLedgerRepo struct{ mock.Mock }

func (m *MockLedgerRepo) Insert(ctx context.Context, event *models.WebhookEvent) (bool, error) {
	args := m.Called(ctx, event)
	return args.Bool(0), args.Error(1)
}
func (m *MockLedgerRepo) RecentDeliveryIDs(ctx context.Context, limit int) ([]string, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockLedgerRepo) TrimBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

func TestLedgerRecordExactlyOnce(t *testing.T) {
	repo := new(MockLedgerRepo)
	ledger := NewEventLedger(repo, 10, zap.NewNop())

	event := models.WebhookEvent{DeliveryID: "del_1", EventType: "membership.went_valid"}
	repo.On("Insert", mock.Anything, mock.Anything).Return(true, nil).Once()

	accepted, err := ledger.Record(context.Background(), event)
	assert.NoError(t, err)
	assert.True(t, accepted)

	// Replays of the same delivery id are suppressed without touching the
	// durable log again.
	for i := 0; i < 3; i++ {
		accepted, err = ledger.Record(context.Background(), event)
		assert.NoError(t, err)
		assert.False(t, accepted)
	}
	repo.AssertExpectations(t)
}

func TestLedgerRingEviction(t *testing.T) {
	repo := new(MockLedgerRepo)
	ledger := NewEventLedger(repo, 3, zap.NewNop())
	repo.On("Insert", mock.Anything, mock.Anything).Return(true, nil)

	for i := 0; i < 4; i++ {
		accepted, err := ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: fmt.Sprintf("del_%d", i)})
		assert.NoError(t, err)
		assert.True(t, accepted)
	}

	// del_0 was evicted by del_3, so the ring no longer remembers it.
	accepted, err := ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_0"})
	assert.NoError(t, err)
	assert.True(t, accepted)

	// del_3 is still resident.
	accepted, err = ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_3"})
	assert.NoError(t, err)
	assert.False(t, accepted)
}

func TestLedgerWarm(t *testing.T) {
	repo := new(MockLedgerRepo)
	ledger := NewEventLedger(repo, 10, zap.NewNop())

	repo.On("RecentDeliveryIDs", mock.Anything, 10).Return([]string{"del_3", "del_2", "del_1"}, nil).Once()
	assert.NoError(t, ledger.Warm(context.Background()))

	// Everything loaded from the tail is treated as already seen.
	for _, id := range []string{"del_1", "del_2", "del_3"} {
		accepted, err := ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: id})
		assert.NoError(t, err)
		assert.False(t, accepted)
	}
	repo.AssertExpectations(t)
}

func TestLedgerDurableWriteFailure(t *testing.T) {
	repo := new(MockLedgerRepo)
	ledger := NewEventLedger(repo, 10, zap.NewNop())
	repo.On("Insert", mock.Anything, mock.Anything).Return(false, errors.New("disk full")).Once()

	accepted, err := ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_1"})
	assert.Error(t, err)
	assert.False(t, accepted)
	repo.AssertExpectations(t)
}

func TestLedgerRetryAfterWriteFailure(t *testing.T) {
	// A delivery whose durable write failed has no record anywhere; the
	// sender's retry must go through as the one accepted attempt.
	repo := new(MockLedgerRepo)
	ledger := NewEventLedger(repo, 10, zap.NewNop())
	repo.On("Insert", mock.Anything, mock.Anything).Return(false, errors.New("disk full")).Once()
	repo.On("Insert", mock.Anything, mock.Anything).Return(true, nil).Once()

	accepted, err := ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_1"})
	assert.Error(t, err)
	assert.False(t, accepted)

	accepted, err = ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_1"})
	assert.NoError(t, err)
	assert.True(t, accepted)

	// And from here on it is an ordinary duplicate.
	accepted, err = ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_1"})
	assert.NoError(t, err)
	assert.False(t, accepted)
	repo.AssertExpectations(t)
}

func TestLedgerDuplicateBeyondRing(t *testing.T) {
	// The durable log remembers ids the ring has evicted; a conflict there
	// is a quiet duplicate, never an error the transport would retry on.
	repo := new(MockLedgerRepo)
	ledger := NewEventLedger(repo, 10, zap.NewNop())
	repo.On("Insert", mock.Anything, mock.Anything).Return(false, nil).Once()

	accepted, err := ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_old"})
	assert.NoError(t, err)
	assert.False(t, accepted)

	// The ring now remembers it and does not touch the log again.
	accepted, err = ledger.Record(context.Background(), models.WebhookEvent{DeliveryID: "del_old"})
	assert.NoError(t, err)
	assert.False(t, accepted)
	repo.AssertExpectations(t)
}

func TestLedgerTrim(t *testing.T) {
	repo := new(MockLedgerRepo)
	ledger := NewEventLedger(repo, 10, zap.NewNop())
	repo.On("TrimBefore", mock.Anything, mock.Anything).Return(int64(5), nil).Once()

	ledger.Trim(context.Background(), 30*24*time.Hour)
	repo.AssertExpectations(t)
}
