package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/preferences"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

type fakeCampaigns struct {
	mu        sync.Mutex
	campaigns map[string]*domain.Campaign
	completed []string
	reseeded  []string
	progress  map[string]*campaign.ProgressReport
	finished  []string
	notDrain  bool
	queue     queue.Queue
}

func newFakeCampaigns(cs ...domain.Campaign) *fakeCampaigns {
	f := &fakeCampaigns{campaigns: make(map[string]*domain.Campaign), progress: make(map[string]*campaign.ProgressReport)}
	for i := range cs {
		c := cs[i]
		f.campaigns[c.ID] = &c
	}
	return f
}

func (f *fakeCampaigns) Get(_ context.Context, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f *fakeCampaigns) setStatus(id string, status domain.CampaignStatus, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.campaigns[id]
	c.Status = status
	if status == domain.CampaignCancelled {
		c.CancelledAt = &at
	}
}

func (f *fakeCampaigns) ListByStatus(_ context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Campaign
	for _, c := range f.campaigns {
		if c.Status == status {
			out = append(out, *c)
		}
	}
	return out, nil
}

func (f *fakeCampaigns) Complete(_ context.Context, id string) (*domain.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.notDrain {
		return nil, campaign.ErrNotDrained
	}
	c := f.campaigns[id]
	c.Status = domain.CampaignCompleted
	f.completed = append(f.completed, id)
	return c, nil
}

func (f *fakeCampaigns) Progress(_ context.Context, id string) (*campaign.ProgressReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.progress[id]; ok {
		return p, nil
	}
	return &campaign.ProgressReport{}, nil
}

func (f *fakeCampaigns) Reseed(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reseeded = append(f.reseeded, id)
	return 2, nil
}

func (f *fakeCampaigns) FinishCancel(ctx context.Context, id string) (*campaign.CancelResult, error) {
	f.mu.Lock()
	f.finished = append(f.finished, id)
	f.mu.Unlock()
	n, err := f.queue.DiscardAll(ctx, id)
	if err != nil {
		return nil, err
	}
	return &campaign.CancelResult{CampaignID: id, Discarded: n, Cancelled: n}, nil
}

func (f *fakeCampaigns) DrainState(_ context.Context, id string) (queue.DrainState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return queue.DrainState{}, campaign.ErrNotFound
	}
	return queue.DrainState{Status: c.Status, SendRate: c.SendRate}, nil
}

type outcome struct {
	status   domain.DeliveryStatus
	attempts int
	reason   string
}

type fakeRecords struct {
	mu       sync.Mutex
	outcomes map[string]outcome
}

func newFakeRecords() *fakeRecords { return &fakeRecords{outcomes: make(map[string]outcome)} }

func (f *fakeRecords) MarkSent(_ context.Context, id, _ string, attempts int, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = outcome{status: domain.DeliverySent, attempts: attempts}
	return true, nil
}

func (f *fakeRecords) MarkFailed(_ context.Context, id, reason string, attempts int, _ time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = outcome{status: domain.DeliveryFailed, attempts: attempts, reason: reason}
	return true, nil
}

func (f *fakeRecords) RecordAttempt(_ context.Context, id string, attempts int, lastErr string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outcomes[id] = outcome{status: domain.DeliveryQueued, attempts: attempts, reason: lastErr}
	return nil
}

func (f *fakeRecords) get(id string) outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outcomes[id]
}

type fakeProfiles map[string]map[string]interface{}

func (f fakeProfiles) MergeFields(_ context.Context, userID string) (map[string]interface{}, error) {
	fields, ok := f[userID]
	if !ok {
		return nil, preferences.ErrNotFound
	}
	return fields, nil
}

type fakeBouncer struct {
	mu    sync.Mutex
	users []string
}

func (f *fakeBouncer) MarkHardBounced(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	return nil
}

// scriptedTransport fails sends to specific addresses with a fixed error.
// Addresses in flaky fail retryably that many times before succeeding.
type scriptedTransport struct {
	mu     sync.Mutex
	fail   map[string]error
	flaky  map[string]int
	onSend func(msg *sending.Message)
	sent   []*sending.Message
	calls  int
}

func (s *scriptedTransport) Send(_ context.Context, msg *sending.Message) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.onSend != nil {
		s.onSend(msg)
	}
	if err, ok := s.fail[msg.To]; ok {
		return "", err
	}
	if s.flaky[msg.To] > 0 {
		s.flaky[msg.To]--
		return "", sending.Retryable("451", errors.New("greylisted"))
	}
	s.sent = append(s.sent, msg)
	return fmt.Sprintf("id-%d", len(s.sent)), nil
}

func (s *scriptedTransport) Name() string { return "scripted" }

type workerFixture struct {
	worker    *DeliveryWorker
	campaigns *fakeCampaigns
	queue     *queue.MemoryQueue
	records   *fakeRecords
	transport *scriptedTransport
	bouncer   *fakeBouncer
	now       time.Time
}

func newWorkerFixture(t *testing.T, camp domain.Campaign) *workerFixture {
	t.Helper()
	f := &workerFixture{
		campaigns: newFakeCampaigns(camp),
		records:   newFakeRecords(),
		transport: &scriptedTransport{fail: map[string]error{}, flaky: map[string]int{}},
		bouncer:   &fakeBouncer{},
		now:       time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC),
	}
	f.queue = queue.NewMemoryQueue(f.campaigns, queue.Options{Now: func() time.Time { return f.now }})
	f.campaigns.queue = f.queue
	links := mailing.NewLinkTracker("https://t.example.com", "secret")
	f.worker = NewDeliveryWorker(DeliveryDeps{
		Campaigns: f.campaigns,
		Queue:     f.queue,
		Records:   f.records,
		Profiles: fakeProfiles{
			"u1": {"first_name": "Ann"},
			"u2": {"first_name": "Bob"},
			"u3": {},
		},
		Bouncer:   f.bouncer,
		Composer:  mailing.NewComposer(mailing.NewTemplateEngine(), links),
		Transport: f.transport,
	}, DeliveryConfig{BatchSize: 10, SendConcurrency: 2})
	return f
}

func sendingCampaign(id string) domain.Campaign {
	return domain.Campaign{
		ID: id, Name: "Promo", Status: domain.CampaignSending,
		Subject: "Hi {{ first_name }}", FromEmail: "news@shop.example",
		HTMLContent: `<html><body><a href="https://shop.example/sale">Sale</a></body></html>`,
	}
}

func (f *workerFixture) push(t *testing.T, campaignID string, users ...string) {
	t.Helper()
	var entries []queue.Entry
	for _, u := range users {
		entries = append(entries, queue.Entry{
			RecordID: "r-" + u, CampaignID: campaignID, UserID: u,
			Email: u + "@example.com", TrackingID: "t-" + u,
		})
	}
	_, err := f.queue.Push(context.Background(), campaignID, entries)
	require.NoError(t, err)
}

func TestDeliveryWorkerSendsAndTracks(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.push(t, "c1", "u1", "u2")

	n, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, domain.DeliverySent, f.records.get("r-u1").status)
	assert.Equal(t, 1, f.records.get("r-u1").attempts)

	require.Len(t, f.transport.sent, 2)
	for _, msg := range f.transport.sent {
		assert.Contains(t, msg.HTML, "https://t.example.com/t/o/", "open pixel injected")
		assert.Contains(t, msg.HTML, "https://t.example.com/t/c/", "links rewritten")
		assert.NotEmpty(t, msg.Headers["List-Unsubscribe"])
	}

	stats, err := f.queue.Stats(context.Background(), "c1")
	require.NoError(t, err)
	assert.True(t, stats.Empty())
	assert.Equal(t, int64(2), f.worker.Stats().Sent)
}

func TestDeliveryWorkerMissingMergeFieldIsTerminal(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.push(t, "c1", "u3")

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	got := f.records.get("r-u3")
	assert.Equal(t, domain.DeliveryFailed, got.status)
	assert.Contains(t, got.reason, "first_name")
	assert.Zero(t, f.transport.calls, "nothing is sent")

	stats, err := f.queue.Stats(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, stats.DeadLettered)
	assert.True(t, stats.Empty())
}

func TestDeliveryWorkerRetriesThenFails(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.transport.fail["u1@example.com"] = sending.Retryable("421", errors.New("try later"))
	f.push(t, "c1", "u1")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		f.now = f.now.Add(time.Hour)
	}

	assert.Equal(t, 3, f.transport.calls)
	got := f.records.get("r-u1")
	assert.Equal(t, domain.DeliveryFailed, got.status)
	assert.Equal(t, 3, got.attempts)
	assert.Contains(t, got.reason, "try later")

	s := f.worker.Stats()
	assert.Equal(t, int64(2), s.Retried)
	assert.Equal(t, int64(1), s.DeadLettered)
}

func TestDeliveryWorkerRetriesThenSucceeds(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.transport.flaky["u1@example.com"] = 2
	f.push(t, "c1", "u1")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := f.worker.RunOnce(ctx)
		require.NoError(t, err)
		got := f.records.get("r-u1")
		assert.Equal(t, domain.DeliveryQueued, got.status)
		assert.Equal(t, i+1, got.attempts)
		f.now = f.now.Add(time.Hour)
	}
	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, f.transport.calls)
	got := f.records.get("r-u1")
	assert.Equal(t, domain.DeliverySent, got.status)
	assert.Equal(t, 3, got.attempts)

	stats, err := f.queue.Stats(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, stats.Empty())
	assert.Zero(t, stats.DeadLettered)
	s := f.worker.Stats()
	assert.Equal(t, int64(2), s.Retried)
	assert.Equal(t, int64(1), s.Sent)
	assert.Zero(t, s.Failed)
}

func TestDeliveryWorkerCancelDuringRetryableSend(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.transport.flaky["u1@example.com"] = 1
	f.transport.onSend = func(*sending.Message) {
		f.campaigns.setStatus("c1", domain.CampaignCancelled, f.now)
	}
	f.push(t, "c1", "u1")
	ctx := context.Background()

	_, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)

	got := f.records.get("r-u1")
	assert.Equal(t, domain.DeliveryFailed, got.status)
	assert.Equal(t, domain.CancelledReason, got.reason)
	assert.Equal(t, 1, got.attempts)

	stats, err := f.queue.Stats(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, stats.Empty(), "entry is not requeued for a cancelled campaign")
	assert.Zero(t, f.worker.Stats().Retried)
}

func TestDeliveryWorkerHardBounce(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.transport.fail["u2@example.com"] = sending.Terminal("550", errors.New("no such user"))
	f.push(t, "c1", "u1", "u2")

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)

	assert.Equal(t, domain.DeliverySent, f.records.get("r-u1").status, "failures are isolated")
	assert.Equal(t, domain.DeliveryFailed, f.records.get("r-u2").status)
	assert.Equal(t, []string{"u2"}, f.bouncer.users)
}

func TestDeliveryWorkerUnknownRecipient(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.push(t, "c1", "ghost")

	_, err := f.worker.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, domain.DeliveryFailed, f.records.get("r-ghost").status)
}

func TestDeliveryWorkerSkipsPausedAndCompletesDrained(t *testing.T) {
	paused := sendingCampaign("c2")
	paused.Status = domain.CampaignPaused
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.campaigns.campaigns["c2"] = &paused
	f.push(t, "c2", "u1")
	ctx := context.Background()

	n, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, []string{"c1"}, f.campaigns.completed, "empty sending campaign completes")

	stats, err := f.queue.Stats(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending, "paused campaign keeps its queue")
}

func TestDeliveryWorkerStartStop(t *testing.T) {
	f := newWorkerFixture(t, sendingCampaign("c1"))
	f.worker.cfg.PollInterval = 10 * time.Millisecond
	require.NoError(t, f.worker.Start())
	assert.Error(t, f.worker.Start())

	require.Eventually(t, func() bool { return f.worker.Stats().Ticks > 0 }, time.Second, 5*time.Millisecond)
	f.worker.Stop()
	f.worker.Stop()
}
