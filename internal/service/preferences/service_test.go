package preferences

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

// memRepo is an in-memory repository for testing.
type memRepo struct {
	mu        sync.RWMutex
	store     map[string]domain.Preferences
	trackings map[string]string // tracking id -> user id
}

func newMemRepo() *memRepo {
	return &memRepo{store: map[string]domain.Preferences{}, trackings: map[string]string{}}
}

func (m *memRepo) Get(_ context.Context, userID string) (*domain.Preferences, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.store[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *memRepo) BulkUpsert(_ context.Context, prefs []domain.Preferences) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range prefs {
		m.store[p.UserID] = p
	}
	return len(prefs), nil
}

func (m *memRepo) UnsubscribeByTrackingID(_ context.Context, trackingID string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	userID, ok := m.trackings[trackingID]
	if !ok {
		return false, nil
	}
	p := m.store[userID]
	p.UserID = userID
	p.Unsubscribed = true
	p.UpdatedAt = at
	m.store[userID] = p
	return true, nil
}

func (m *memRepo) MarkHardBounced(_ context.Context, userID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.store[userID]
	p.UserID = userID
	p.HardBounced = true
	p.UpdatedAt = at
	m.store[userID] = p
	return nil
}

func TestBulkUpsert(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	n, err := svc.BulkUpsert(ctx, []domain.Preferences{
		{UserID: " u1 ", MarketingConsent: true, EmailVerified: true},
		{UserID: "u2", MarketingConsent: false},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	p, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, p.Eligible())
	assert.False(t, p.UpdatedAt.IsZero())

	_, err = svc.Get(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBulkUpsert_RejectsWholeBatch(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)
	ctx := context.Background()

	_, err := svc.BulkUpsert(ctx, []domain.Preferences{{UserID: "u1"}, {UserID: ""}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.BulkUpsert(ctx, []domain.Preferences{{UserID: "u1"}, {UserID: "u1"}})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = svc.BulkUpsert(ctx, make([]domain.Preferences, MaxBatch+1))
	assert.ErrorIs(t, err, ErrBatchTooLarge)

	assert.Empty(t, repo.store)

	n, err := svc.BulkUpsert(ctx, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestUnsubscribeByTrackingID(t *testing.T) {
	repo := newMemRepo()
	repo.trackings["trk-1"] = "u1"
	svc := NewService(repo)
	ctx := context.Background()

	ok, err := svc.UnsubscribeByTrackingID(ctx, "trk-1", time.Now())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, repo.store["u1"].Unsubscribed)

	ok, err = svc.UnsubscribeByTrackingID(ctx, "missing", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = svc.UnsubscribeByTrackingID(ctx, "", time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkHardBounced(t *testing.T) {
	repo := newMemRepo()
	svc := NewService(repo)

	require.NoError(t, svc.MarkHardBounced(context.Background(), "u7"))
	assert.True(t, repo.store["u7"].HardBounced)
	assert.ErrorIs(t, svc.MarkHardBounced(context.Background(), ""), ErrInvalidInput)
}
