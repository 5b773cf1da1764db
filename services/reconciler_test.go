package services

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"reconciler-service/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"go.uber.org/zap"
)

type MockSnapshotRepo struct{ mock.Mock }

func (m *MockSnapshotRepo) Get(ctx context.Context, membershipID string) (*models.MembershipSnapshot, error) {
	args := m.Called(ctx, membershipID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.MembershipSnapshot), args.Error(1)
}
func (m *MockSnapshotRepo) Put(ctx context.Context, snap models.MembershipSnapshot) error {
	args := m.Called(ctx, snap)
	return args.Error(0)
}

type MockRunRepo struct{ mock.Mock }

func (m *MockRunRepo) Create(ctx context.Context, run *models.ReconciliationRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}
func (m *MockRunRepo) Latest(ctx context.Context) (*models.ReconciliationRun, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.ReconciliationRun), args.Error(1)
}

// providerBackend is a stub provider API: direct membership reads plus the
// list endpoints the relink paths page through.
type providerBackend struct {
	memberships      map[string]models.ProviderMembership
	userMemberships  map[string][]models.ProviderMembership
	validMemberships []models.ProviderMembership
	failAll          bool
}

func (b *providerBackend) handler() http.Handler {
	writeList := func(w http.ResponseWriter, items interface{}) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"data":      items,
			"page_info": models.PageInfo{},
		})
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if b.failAll {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		switch {
		case strings.HasPrefix(r.URL.Path, "/memberships/"):
			id := strings.TrimPrefix(r.URL.Path, "/memberships/")
			m, ok := b.memberships[id]
			if !ok {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			_ = json.NewEncoder(w).Encode(m)
		case r.URL.Path == "/memberships":
			if uid := r.URL.Query().Get("user_id"); uid != "" {
				writeList(w, b.userMemberships[uid])
			} else {
				writeList(w, b.validMemberships)
			}
		case r.URL.Path == "/members":
			writeList(w, []models.ProviderMember{})
		case r.URL.Path == "/payments":
			writeList(w, []models.ProviderPayment{})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})
}

func flexTime(s string) models.FlexTime {
	t, _ := time.Parse(time.RFC3339, s)
	return models.FlexTime{Time: t}
}

func entitledMembership(id, userID string) models.ProviderMembership {
	return models.ProviderMembership{
		ID:               id,
		Status:           "active",
		RenewalPeriodEnd: flexTime("2030-01-01T00:00:00Z"),
		UpdatedAt:        flexTime("2026-01-01T00:00:00Z"),
		User:             &models.ProviderUser{ID: userID, Email: "payer@example.com"},
	}
}

func lapsedMembership(id, userID string) models.ProviderMembership {
	return models.ProviderMembership{
		ID:               id,
		Status:           "canceled",
		RenewalPeriodEnd: flexTime("2020-01-01T00:00:00Z"),
		UpdatedAt:        flexTime("2026-01-01T00:00:00Z"),
		User:             &models.ProviderUser{ID: userID, Email: "payer@example.com"},
	}
}

type reconcilerFixture struct {
	reconciler *Reconciler
	gateway    *MockChatGateway
	identities *MockIdentityRepo
	snapshots  *MockSnapshotRepo
	runs       *MockRunRepo
}

func newReconcilerFixture(t *testing.T, backend *providerBackend, enforce bool) *reconcilerFixture {
	t.Helper()
	srv := httptest.NewServer(backend.handler())
	t.Cleanup(srv.Close)

	gateway := new(MockChatGateway)
	identities := new(MockIdentityRepo)
	snapshots := new(MockSnapshotRepo)
	runs := new(MockRunRepo)
	runs.On("Create", mock.Anything, mock.Anything).Return(nil)

	provider := NewProviderClient(srv.URL, "test-key", "biz_1", 3, zap.NewNop())
	rec := NewReconciler(provider, gateway, identities, snapshots, runs, nil, nil, nil, ReconcilerOptions{
		MemberRoleID: "role_member",
		Enforce:      enforce,
	}, zap.NewNop())
	return &reconcilerFixture{reconciler: rec, gateway: gateway, identities: identities, snapshots: snapshots, runs: runs}
}

func link(membershipID, chatID string) *models.IdentityLink {
	return &models.IdentityLink{
		MembershipID:   membershipID,
		ChatIdentityID: chatID,
		Email:          "payer@example.com",
		Method:         models.MethodVerifiedConnection,
	}
}

func TestReconcileKeepsEntitledHolder(t *testing.T) {
	backend := &providerBackend{
		memberships: map[string]models.ProviderMembership{"mem_1": entitledMembership("mem_1", "user_1")},
	}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()
	f.snapshots.On("Put", mock.Anything, mock.Anything).Return(nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Checked)
	assert.Equal(t, 0, run.Revoked)
	assert.Equal(t, 0, run.Errors)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileKeepsEngagedDespiteStaleWindow(t *testing.T) {
	// Active status wins over a lapsed period end; stale timestamps on an
	// engaged membership are bookkeeping, not a removal reason.
	stale := entitledMembership("mem_1", "user_1")
	stale.RenewalPeriodEnd = flexTime("2020-01-01T00:00:00Z")
	backend := &providerBackend{
		memberships: map[string]models.ProviderMembership{"mem_1": stale},
	}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()
	f.snapshots.On("Put", mock.Anything, mock.Anything).Return(nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, run.Revoked)
	assert.Equal(t, 0, run.WouldRevoke)
	assert.Equal(t, 0, run.Errors)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileKeepsNonRevocableStatus(t *testing.T) {
	pending := entitledMembership("mem_1", "user_1")
	pending.Status = "pending"
	pending.RenewalPeriodEnd = flexTime("2020-01-01T00:00:00Z")
	backend := &providerBackend{
		memberships: map[string]models.ProviderMembership{"mem_1": pending},
	}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, run.Revoked)
	assert.Equal(t, 0, run.WouldRevoke)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileDryRunNeverRemoves(t *testing.T) {
	backend := &providerBackend{
		memberships:     map[string]models.ProviderMembership{"mem_1": lapsedMembership("mem_1", "user_1")},
		userMemberships: map[string][]models.ProviderMembership{"user_1": {lapsedMembership("mem_1", "user_1")}},
	}
	f := newReconcilerFixture(t, backend, false)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()
	f.identities.On("IdentitiesClaiming", mock.Anything, "mem_1").Return([]string{"chat_1"}, nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, run.WouldRevoke)
	assert.Equal(t, 0, run.Revoked)
	assert.False(t, run.Enforced)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileEnforcedRemoval(t *testing.T) {
	backend := &providerBackend{
		memberships:     map[string]models.ProviderMembership{"mem_1": lapsedMembership("mem_1", "user_1")},
		userMemberships: map[string][]models.ProviderMembership{"user_1": {lapsedMembership("mem_1", "user_1")}},
	}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()
	f.identities.On("IdentitiesClaiming", mock.Anything, "mem_1").Return([]string{"chat_1"}, nil).Once()
	f.gateway.On("RevokeRole", mock.Anything, "chat_1", "role_member").Return(nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Revoked)
	assert.True(t, run.Enforced)
	f.gateway.AssertExpectations(t)
}

func TestReconcileAmbiguousClaimHolds(t *testing.T) {
	backend := &providerBackend{
		memberships:     map[string]models.ProviderMembership{"mem_1": lapsedMembership("mem_1", "user_1")},
		userMemberships: map[string][]models.ProviderMembership{"user_1": {lapsedMembership("mem_1", "user_1")}},
	}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()
	// Two identities claim the same membership; removal would guess wrong.
	f.identities.On("IdentitiesClaiming", mock.Anything, "mem_1").Return([]string{"chat_1", "chat_2"}, nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, run.Revoked)
	assert.Equal(t, 1, run.Errors)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileOwnershipMismatchHolds(t *testing.T) {
	// The provider says this membership is connected to someone else; the
	// cached link is suspect, so nothing is removed or relinked.
	lapsed := lapsedMembership("mem_1", "user_1")
	lapsed.User.ChatAccountID = "chat_other"
	backend := &providerBackend{
		memberships: map[string]models.ProviderMembership{"mem_1": lapsed},
	}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, run.Revoked)
	assert.Equal(t, 0, run.Relinked)
	assert.Equal(t, 1, run.Errors)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
	f.identities.AssertNotCalled(t, "RecordLink", mock.Anything, mock.Anything)
}

func TestReconcileProviderOutageHolds(t *testing.T) {
	backend := &providerBackend{failAll: true}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 0, run.Revoked)
	assert.Equal(t, 1, run.Errors)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileRelinksEntitledSibling(t *testing.T) {
	backend := &providerBackend{
		memberships: map[string]models.ProviderMembership{"mem_1": lapsedMembership("mem_1", "user_1")},
		userMemberships: map[string][]models.ProviderMembership{
			"user_1": {lapsedMembership("mem_1", "user_1"), entitledMembership("mem_2", "user_1")},
		},
	}
	f := newReconcilerFixture(t, backend, true)

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{"chat_1"}, nil).Once()
	f.identities.On("LatestByChatIdentity", mock.Anything, "chat_1").Return(link("mem_1", "chat_1"), nil).Once()
	f.identities.On("RecordLink", mock.Anything, mock.MatchedBy(func(l *models.IdentityLink) bool {
		return l.MembershipID == "mem_2" && l.ChatIdentityID == "chat_1"
	})).Return(nil).Once()

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Relinked)
	assert.Equal(t, 0, run.Revoked)
	f.identities.AssertExpectations(t)
	f.gateway.AssertNotCalled(t, "RevokeRole", mock.Anything, mock.Anything, mock.Anything)
}

func TestReconcileAutoHealSkipsAmbiguousClaims(t *testing.T) {
	healable := entitledMembership("mem_ok", "user_1")
	healable.User.ChatAccountID = "chat_new"
	healable.User.TotalSpendUSD = 120
	contested := entitledMembership("mem_shared", "user_2")
	contested.User.ChatAccountID = "chat_other"
	contested.User.TotalSpendUSD = 500
	backend := &providerBackend{
		validMemberships: []models.ProviderMembership{healable, contested},
	}
	f := newReconcilerFixture(t, backend, true)
	f.reconciler.opts.AutoHeal = true
	f.reconciler.opts.HealSpendFloorUSD = 50

	f.gateway.On("RoleHolders", mock.Anything, "role_member").Return([]string{}, nil).Once()
	f.identities.On("IdentitiesClaiming", mock.Anything, "mem_ok").Return([]string{"chat_new"}, nil).Once()
	// Two identities claim the contested membership; healing it would guess.
	f.identities.On("IdentitiesClaiming", mock.Anything, "mem_shared").Return([]string{"chat_a", "chat_b"}, nil).Once()
	f.gateway.On("GrantRole", mock.Anything, "chat_new", "role_member").Return(nil).Once()
	f.identities.On("RecordLink", mock.Anything, mock.Anything).Return(nil)

	run, err := f.reconciler.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 1, run.Healed)
	f.gateway.AssertExpectations(t)
	f.gateway.AssertNotCalled(t, "GrantRole", mock.Anything, "chat_other", mock.Anything)
}

func TestReconcileRejectsConcurrentRun(t *testing.T) {
	backend := &providerBackend{}
	f := newReconcilerFixture(t, backend, false)
	f.reconciler.mu.Lock()
	defer f.reconciler.mu.Unlock()

	_, err := f.reconciler.Run(context.Background())
	assert.ErrorIs(t, err, ErrRunInProgress)
	assert.Equal(t, StateIdle, f.reconciler.State())
}
