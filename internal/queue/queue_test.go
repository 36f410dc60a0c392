package queue

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
)

type fakeSource struct {
	mu     sync.Mutex
	states map[string]DrainState
}

func newFakeSource() *fakeSource {
	return &fakeSource{states: make(map[string]DrainState)}
}

func (f *fakeSource) set(id string, status domain.CampaignStatus, perMinute int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = DrainState{Status: status, SendRate: perMinute}
}

func (f *fakeSource) DrainState(_ context.Context, id string) (DrainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[id]
	if !ok {
		return DrainState{}, fmt.Errorf("campaign %s not found", id)
	}
	return s, nil
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	q      Queue
	source *fakeSource
	clock  *clock
}

// forEachQueue runs fn against both queue implementations.
func forEachQueue(t *testing.T, opts Options, fn func(t *testing.T, h harness)) {
	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })

		c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		src := newFakeSource()
		o := opts
		o.Now = c.Now
		fn(t, harness{q: NewRedisQueue(client, src, o), source: src, clock: c})
	})
	t.Run("memory", func(t *testing.T) {
		c := &clock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
		src := newFakeSource()
		o := opts
		o.Now = c.Now
		fn(t, harness{q: NewMemoryQueue(src, o), source: src, clock: c})
	})
}

func entries(campaignID string, n int) []Entry {
	out := make([]Entry, n)
	for i := range out {
		out[i] = Entry{
			RecordID:   fmt.Sprintf("rec-%03d", i),
			CampaignID: campaignID,
			UserID:     fmt.Sprintf("user-%03d", i),
			Email:      fmt.Sprintf("user%d@example.com", i),
			TrackingID: fmt.Sprintf("trk-%03d", i),
		}
	}
	return out
}

func recordIDs(batch []Entry) []string {
	ids := make([]string, len(batch))
	for i, e := range batch {
		ids[i] = e.RecordID
	}
	return ids
}

func TestQueue_PushDedupesByRecipient(t *testing.T) {
	forEachQueue(t, Options{}, func(t *testing.T, h harness) {
		ctx := context.Background()
		h.source.set("c1", domain.CampaignSending, 0)

		n, err := h.q.Push(ctx, "c1", entries("c1", 5))
		require.NoError(t, err)
		assert.Equal(t, 5, n)

		n, err = h.q.Push(ctx, "c1", entries("c1", 7))
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		stats, err := h.q.Stats(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 7, stats.Pending)
	})
}

func TestQueue_DrainIsFIFOAndLeases(t *testing.T) {
	forEachQueue(t, Options{}, func(t *testing.T, h harness) {
		ctx := context.Background()
		h.source.set("c1", domain.CampaignSending, 0)
		_, err := h.q.Push(ctx, "c1", entries("c1", 5))
		require.NoError(t, err)

		batch, err := h.q.Drain(ctx, "c1", 3)
		require.NoError(t, err)
		assert.Equal(t, []string{"rec-000", "rec-001", "rec-002"}, recordIDs(batch))
		assert.Equal(t, "user0@example.com", batch[0].Email)

		stats, err := h.q.Stats(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, Stats{Pending: 2, InFlight: 3}, stats)

		leased, err := h.q.Leased(ctx, "c1")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"rec-000", "rec-001", "rec-002"}, leased)

		require.NoError(t, h.q.Ack(ctx, batch[0]))
		assert.ErrorIs(t, h.q.Ack(ctx, batch[0]), ErrNotLeased)

		stats, err = h.q.Stats(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 2, stats.InFlight)
	})
}

func TestQueue_DrainReturnsNothingUnlessSending(t *testing.T) {
	forEachQueue(t, Options{}, func(t *testing.T, h harness) {
		ctx := context.Background()
		_, err := h.q.Push(ctx, "c1", entries("c1", 3))
		require.NoError(t, err)

		for _, status := range []domain.CampaignStatus{
			domain.CampaignPaused, domain.CampaignCancelled, domain.CampaignDraft, domain.CampaignCompleted,
		} {
			h.source.set("c1", status, 0)
			batch, err := h.q.Drain(ctx, "c1", 10)
			require.NoError(t, err)
			assert.Empty(t, batch, status)
		}

		h.source.set("c1", domain.CampaignSending, 0)
		batch, err := h.q.Drain(ctx, "c1", 10)
		require.NoError(t, err)
		assert.Len(t, batch, 3)
	})
}

func TestQueue_DrainRespectsSendRate(t *testing.T) {
	forEachQueue(t, Options{}, func(t *testing.T, h harness) {
		ctx := context.Background()
		h.source.set("c1", domain.CampaignSending, 10)
		_, err := h.q.Push(ctx, "c1", entries("c1", 25))
		require.NoError(t, err)

		batch, err := h.q.Drain(ctx, "c1", 50)
		require.NoError(t, err)
		assert.Len(t, batch, 10)

		batch, err = h.q.Drain(ctx, "c1", 50)
		require.NoError(t, err)
		assert.Empty(t, batch, "budget for the minute is spent")

		h.clock.Advance(2 * time.Minute)
		batch, err = h.q.Drain(ctx, "c1", 50)
		require.NoError(t, err)
		assert.Len(t, batch, 10, "bucket refills to one minute of budget")
		assert.Equal(t, "rec-010", batch[0].RecordID)
	})
}

func TestQueue_RequeueBacksOffThenDeadLetters(t *testing.T) {
	opts := Options{MaxAttempts: 3, Backoff: Backoff{Base: time.Minute, Max: 10 * time.Minute, Factor: 2}}
	forEachQueue(t, opts, func(t *testing.T, h harness) {
		ctx := context.Background()
		h.source.set("c1", domain.CampaignSending, 0)
		_, err := h.q.Push(ctx, "c1", entries("c1", 1))
		require.NoError(t, err)

		batch, err := h.q.Drain(ctx, "c1", 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)

		retried, err := h.q.Requeue(ctx, batch[0], "421 try later")
		require.NoError(t, err)
		assert.True(t, retried)

		stats, err := h.q.Stats(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, Stats{Delayed: 1}, stats)

		batch, err = h.q.Drain(ctx, "c1", 1)
		require.NoError(t, err)
		assert.Empty(t, batch, "not ready before backoff elapses")

		h.clock.Advance(time.Minute)
		batch, err = h.q.Drain(ctx, "c1", 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, 1, batch[0].Attempts)
		assert.Equal(t, "421 try later", batch[0].LastError)

		retried, err = h.q.Requeue(ctx, batch[0], "421 again")
		require.NoError(t, err)
		assert.True(t, retried)

		h.clock.Advance(2 * time.Minute)
		batch, err = h.q.Drain(ctx, "c1", 1)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, 2, batch[0].Attempts)

		retried, err = h.q.Requeue(ctx, batch[0], "421 still")
		require.NoError(t, err)
		assert.False(t, retried, "third failure reaches the ceiling")

		stats, err = h.q.Stats(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, Stats{DeadLettered: 1}, stats)
	})
}

func TestQueue_RequeueWithoutLease(t *testing.T) {
	forEachQueue(t, Options{}, func(t *testing.T, h harness) {
		_, err := h.q.Requeue(context.Background(), Entry{RecordID: "ghost", CampaignID: "c1"}, "x")
		assert.ErrorIs(t, err, ErrNotLeased)
	})
}

func TestQueue_DiscardAllKeepsInFlight(t *testing.T) {
	forEachQueue(t, Options{}, func(t *testing.T, h harness) {
		ctx := context.Background()
		h.source.set("c1", domain.CampaignSending, 0)
		_, err := h.q.Push(ctx, "c1", entries("c1", 6))
		require.NoError(t, err)
		batch, err := h.q.Drain(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)

		n, err := h.q.DiscardAll(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 4, n)

		stats, err := h.q.Stats(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, Stats{InFlight: 2}, stats)

		h.source.set("c1", domain.CampaignSending, 0)
		batch, err = h.q.Drain(ctx, "c1", 10)
		require.NoError(t, err)
		assert.Empty(t, batch)
	})
}

func TestQueue_RecoverExpiredLeases(t *testing.T) {
	opts := Options{LeaseTimeout: time.Minute}
	forEachQueue(t, opts, func(t *testing.T, h harness) {
		ctx := context.Background()
		h.source.set("c1", domain.CampaignSending, 0)
		_, err := h.q.Push(ctx, "c1", entries("c1", 2))
		require.NoError(t, err)
		batch, err := h.q.Drain(ctx, "c1", 2)
		require.NoError(t, err)
		require.Len(t, batch, 2)
		require.NoError(t, h.q.Ack(ctx, batch[0]))

		n, err := h.q.RecoverExpired(ctx, "c1")
		require.NoError(t, err)
		assert.Zero(t, n, "lease still valid")

		h.clock.Advance(2 * time.Minute)
		n, err = h.q.RecoverExpired(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		batch, err = h.q.Drain(ctx, "c1", 10)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, "rec-001", batch[0].RecordID)
		assert.Equal(t, 1, batch[0].Attempts)
		assert.Equal(t, "lease expired", batch[0].LastError)
	})
}

func TestQueue_CampaignsAreIsolated(t *testing.T) {
	forEachQueue(t, Options{}, func(t *testing.T, h harness) {
		ctx := context.Background()
		h.source.set("a", domain.CampaignSending, 0)
		h.source.set("b", domain.CampaignPaused, 0)
		_, err := h.q.Push(ctx, "a", entries("a", 2))
		require.NoError(t, err)
		_, err = h.q.Push(ctx, "b", entries("b", 3))
		require.NoError(t, err)

		batch, err := h.q.Drain(ctx, "a", 10)
		require.NoError(t, err)
		assert.Len(t, batch, 2)

		stats, err := h.q.Stats(ctx, "b")
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Pending)
	})
}

func TestBackoff_Delay(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, 30*time.Second, b.Delay(1))
	assert.Equal(t, time.Minute, b.Delay(2))
	assert.Equal(t, 2*time.Minute, b.Delay(3))
	assert.Equal(t, 10*time.Minute, b.Delay(10))
	assert.Zero(t, Backoff{}.Delay(3))
	assert.Zero(t, b.Delay(0))
}

func TestRateLimiter_Take(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	rl := NewRateLimiter(client)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	n, err := rl.Take(ctx, "c1", 60, 100, now)
	require.NoError(t, err)
	assert.Equal(t, 60, n)

	n, err = rl.Take(ctx, "c1", 60, 100, now)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = rl.Take(ctx, "c1", 60, 100, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 5, n)

	n, err = rl.Take(ctx, "c1", 0, 7, now)
	require.NoError(t, err)
	assert.Equal(t, 7, n, "zero rate is unthrottled")

	require.NoError(t, rl.Reset(ctx, "c1"))
	n, err = rl.Take(ctx, "c1", 60, 100, now.Add(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 60, n)
}
