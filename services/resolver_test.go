package services

import (
	"context"
	"testing"
	"time"

	"reconciler-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockIdentityRepo struct{ mock.Mock }

func (m *MockIdentityRepo) RecordLink(ctx context.Context, link *models.IdentityLink) error {
	args := m.Called(ctx, link)
	return args.Error(0)
}
func (m *MockIdentityRepo) LatestByMembership(ctx context.Context, membershipID string) (*models.IdentityLink, error) {
	args := m.Called(ctx, membershipID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IdentityLink), args.Error(1)
}
func (m *MockIdentityRepo) LatestByEmail(ctx context.Context, email string) (*models.IdentityLink, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IdentityLink), args.Error(1)
}
func (m *MockIdentityRepo) LatestByChatIdentity(ctx context.Context, chatIdentityID string) (*models.IdentityLink, error) {
	args := m.Called(ctx, chatIdentityID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.IdentityLink), args.Error(1)
}
func (m *MockIdentityRepo) IdentitiesClaiming(ctx context.Context, membershipID string) ([]string, error) {
	args := m.Called(ctx, membershipID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}
func (m *MockIdentityRepo) RecordTrialEvent(ctx context.Context, ev *models.TrialEvent) error {
	args := m.Called(ctx, ev)
	return args.Error(0)
}
func (m *MockIdentityRepo) CountTrialEvents(ctx context.Context, email, chatIdentityID string) (int64, error) {
	args := m.Called(ctx, email, chatIdentityID)
	return args.Get(0).(int64), args.Error(1)
}
func (m *MockIdentityRepo) TrimTrialEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

type fakeRecordSource struct {
	records []models.ChatRecord
	err     error
}

func (f *fakeRecordSource) RecentRecords(ctx context.Context, limit int) ([]models.ChatRecord, error) {
	return f.records, f.err
}

var eventTime = time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)

func TestResolveVerifiedConnectionWinsOutright(t *testing.T) {
	repo := new(MockIdentityRepo)
	repo.On("RecordLink", mock.Anything, mock.MatchedBy(func(l *models.IdentityLink) bool {
		return l.ChatIdentityID == "chat_1" && l.Method == models.MethodVerifiedConnection
	})).Return(nil).Once()

	r := NewIdentityResolver(repo, &fakeRecordSource{}, zap.NewNop())
	res, err := r.Resolve(context.Background(), ResolveInput{
		MembershipID:    "mem_1",
		ConnectedChatID: "chat_1",
		Email:           "payer@example.com",
		EventTime:       eventTime,
	})

	assert.NoError(t, err)
	assert.True(t, res.Found())
	assert.Equal(t, "chat_1", res.ChatIdentityID)
	assert.Equal(t, models.MethodVerifiedConnection, res.Method)
	// The weaker strategies never ran.
	repo.AssertNotCalled(t, "LatestByEmail", mock.Anything, mock.Anything)
	repo.AssertExpectations(t)
}

func TestResolveCachedEmail(t *testing.T) {
	repo := new(MockIdentityRepo)
	repo.On("LatestByEmail", mock.Anything, "payer@example.com").
		Return(&models.IdentityLink{ChatIdentityID: "chat_2", Method: models.MethodCachedEmail}, nil).Once()
	repo.On("RecordLink", mock.Anything, mock.Anything).Return(nil).Once()

	r := NewIdentityResolver(repo, &fakeRecordSource{}, zap.NewNop())
	res, err := r.Resolve(context.Background(), ResolveInput{
		MembershipID: "mem_1",
		Email:        "Payer@Example.com", // normalized before lookup
		EventTime:    eventTime,
	})

	assert.NoError(t, err)
	assert.Equal(t, "chat_2", res.ChatIdentityID)
	assert.Equal(t, models.MethodCachedEmail, res.Method)
	repo.AssertExpectations(t)
}

func TestResolvePriorMembershipLink(t *testing.T) {
	repo := new(MockIdentityRepo)
	repo.On("LatestByEmail", mock.Anything, mock.Anything).Return(nil, nil)
	repo.On("LatestByMembership", mock.Anything, "mem_1").
		Return(&models.IdentityLink{ChatIdentityID: "chat_3", Method: models.MethodHistorical}, nil).Once()

	r := NewIdentityResolver(repo, &fakeRecordSource{}, zap.NewNop())
	res, err := r.Resolve(context.Background(), ResolveInput{
		MembershipID: "mem_1",
		Email:        "payer@example.com",
		EventTime:    eventTime,
	})

	assert.NoError(t, err)
	assert.Equal(t, "chat_3", res.ChatIdentityID)
	assert.Equal(t, models.MethodHistorical, res.Method)
}

func TestResolveRecordScan(t *testing.T) {
	newRepo := func() *MockIdentityRepo {
		repo := new(MockIdentityRepo)
		repo.On("LatestByEmail", mock.Anything, mock.Anything).Return(nil, nil)
		repo.On("LatestByMembership", mock.Anything, mock.Anything).Return(nil, nil)
		repo.On("RecordLink", mock.Anything, mock.Anything).Return(nil)
		return repo
	}

	t.Run("exact membership id match", func(t *testing.T) {
		source := &fakeRecordSource{records: []models.ChatRecord{
			{ChatIdentityID: "chat_4", MembershipID: "mem_1", SeenAt: eventTime},
		}}
		r := NewIdentityResolver(newRepo(), source, zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveInput{MembershipID: "mem_1", EventTime: eventTime})
		assert.NoError(t, err)
		assert.Equal(t, "chat_4", res.ChatIdentityID)
		assert.Equal(t, models.MethodHistorical, res.Method)
	})

	t.Run("free text inside proximity window", func(t *testing.T) {
		source := &fakeRecordSource{records: []models.ChatRecord{
			{ChatIdentityID: "chat_5", Text: "just bought, order mem_1 thanks", SeenAt: eventTime.Add(-5 * time.Minute)},
		}}
		r := NewIdentityResolver(newRepo(), source, zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveInput{MembershipID: "mem_1", EventTime: eventTime})
		assert.NoError(t, err)
		assert.Equal(t, "chat_5", res.ChatIdentityID)
	})

	t.Run("free text outside proximity window is ignored", func(t *testing.T) {
		source := &fakeRecordSource{records: []models.ChatRecord{
			{ChatIdentityID: "chat_5", Text: "order mem_1", SeenAt: eventTime.Add(-2 * time.Hour)},
		}}
		r := NewIdentityResolver(newRepo(), source, zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveInput{MembershipID: "mem_1", EventTime: eventTime})
		assert.NoError(t, err)
		assert.False(t, res.Found())
		assert.Equal(t, models.MethodUnresolved, res.Method)
	})

	t.Run("exact match breaks free-text ties", func(t *testing.T) {
		source := &fakeRecordSource{records: []models.ChatRecord{
			{ChatIdentityID: "chat_6", Text: "mem_1 is mine", SeenAt: eventTime},
			{ChatIdentityID: "chat_7", MembershipID: "mem_1", SeenAt: eventTime},
		}}
		r := NewIdentityResolver(newRepo(), source, zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveInput{MembershipID: "mem_1", EventTime: eventTime})
		assert.NoError(t, err)
		assert.Equal(t, "chat_7", res.ChatIdentityID)
	})

	t.Run("membership id match beats email match", func(t *testing.T) {
		// A record carrying the exact membership id outranks another account
		// whose record merely shares the payer's email.
		source := &fakeRecordSource{records: []models.ChatRecord{
			{ChatIdentityID: "chat_8", Email: "payer@example.com", SeenAt: eventTime},
			{ChatIdentityID: "chat_9", MembershipID: "mem_1", SeenAt: eventTime},
		}}
		r := NewIdentityResolver(newRepo(), source, zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveInput{
			MembershipID: "mem_1", Email: "payer@example.com", EventTime: eventTime,
		})
		assert.NoError(t, err)
		assert.Equal(t, "chat_9", res.ChatIdentityID)
	})

	t.Run("two equal claimants is ambiguous", func(t *testing.T) {
		source := &fakeRecordSource{records: []models.ChatRecord{
			{ChatIdentityID: "chat_6", MembershipID: "mem_1", SeenAt: eventTime},
			{ChatIdentityID: "chat_7", MembershipID: "mem_1", SeenAt: eventTime},
		}}
		r := NewIdentityResolver(newRepo(), source, zap.NewNop())
		_, err := r.Resolve(context.Background(), ResolveInput{MembershipID: "mem_1", EventTime: eventTime})
		assert.ErrorIs(t, err, models.ErrIdentityAmbiguous)
	})

	t.Run("scan source failure degrades to unresolved", func(t *testing.T) {
		source := &fakeRecordSource{err: assert.AnError}
		r := NewIdentityResolver(newRepo(), source, zap.NewNop())
		res, err := r.Resolve(context.Background(), ResolveInput{MembershipID: "mem_1", EventTime: eventTime})
		assert.NoError(t, err)
		assert.False(t, res.Found())
	})
}
