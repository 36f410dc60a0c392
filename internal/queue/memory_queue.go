package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// MemoryQueue is a single-process queue for development and tests. It keeps
// the same ordering, dedupe, lease and retry semantics as RedisQueue.
type MemoryQueue struct {
	source CampaignSource
	opts   Options

	mu         sync.Mutex
	partitions map[string]*partition
}

type partition struct {
	mu       sync.Mutex
	pending  []string
	entries  map[string]Entry
	members  map[string]struct{}
	delayed  map[string]time.Time
	inflight map[string]time.Time
	dead     []Entry

	limiter   *rate.Limiter
	limitRate int
}

// NewMemoryQueue creates an in-process queue.
func NewMemoryQueue(source CampaignSource, opts Options) *MemoryQueue {
	return &MemoryQueue{
		source:     source,
		opts:       opts.withDefaults(),
		partitions: make(map[string]*partition),
	}
}

func (q *MemoryQueue) partition(campaignID string) *partition {
	q.mu.Lock()
	defer q.mu.Unlock()
	p, ok := q.partitions[campaignID]
	if !ok {
		p = &partition{
			entries:  make(map[string]Entry),
			members:  make(map[string]struct{}),
			delayed:  make(map[string]time.Time),
			inflight: make(map[string]time.Time),
		}
		q.partitions[campaignID] = p
	}
	return p
}

func (q *MemoryQueue) Push(_ context.Context, campaignID string, entries []Entry) (int, error) {
	p := q.partition(campaignID)
	p.mu.Lock()
	defer p.mu.Unlock()

	added := 0
	for _, e := range entries {
		if _, dup := p.members[e.UserID]; dup {
			continue
		}
		e.CampaignID = campaignID
		p.members[e.UserID] = struct{}{}
		p.entries[e.RecordID] = e
		p.pending = append(p.pending, e.RecordID)
		added++
	}
	return added, nil
}

func (q *MemoryQueue) Drain(ctx context.Context, campaignID string, maxBatch int) ([]Entry, error) {
	if maxBatch <= 0 {
		return nil, nil
	}
	state, err := q.source.DrainState(ctx, campaignID)
	if err != nil {
		return nil, fmt.Errorf("campaign state: %w", err)
	}
	if !state.Status.Sending() {
		return nil, nil
	}

	now := q.opts.Now()
	p := q.partition(campaignID)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.promote(now)

	want := maxBatch
	if len(p.pending) < want {
		want = len(p.pending)
	}
	if want == 0 {
		return nil, nil
	}
	granted := p.take(state.SendRate, want, now)
	if granted == 0 {
		return nil, nil
	}

	deadline := now.Add(q.opts.LeaseTimeout)
	batch := make([]Entry, 0, granted)
	for _, id := range p.pending[:granted] {
		e, ok := p.entries[id]
		if !ok {
			continue
		}
		p.inflight[id] = deadline
		batch = append(batch, e)
	}
	p.pending = p.pending[granted:]
	return batch, nil
}

// promote moves due delayed entries to the back of pending in ready order.
func (p *partition) promote(now time.Time) {
	var due []string
	for id, at := range p.delayed {
		if !at.After(now) {
			due = append(due, id)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		a, b := p.delayed[due[i]], p.delayed[due[j]]
		if a.Equal(b) {
			return due[i] < due[j]
		}
		return a.Before(b)
	})
	for _, id := range due {
		delete(p.delayed, id)
		p.pending = append(p.pending, id)
	}
}

// take grants up to want tokens from a bucket holding one minute of budget.
func (p *partition) take(perMinute, want int, now time.Time) int {
	if perMinute <= 0 {
		return want
	}
	if p.limiter == nil || p.limitRate != perMinute {
		p.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60), perMinute)
		p.limitRate = perMinute
	}
	available := int(p.limiter.TokensAt(now))
	if available < want {
		want = available
	}
	if want <= 0 || !p.limiter.AllowN(now, want) {
		return 0
	}
	return want
}

func (q *MemoryQueue) Ack(_ context.Context, entry Entry) error {
	p := q.partition(entry.CampaignID)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.inflight[entry.RecordID]; !ok {
		return ErrNotLeased
	}
	delete(p.inflight, entry.RecordID)
	delete(p.entries, entry.RecordID)
	return nil
}

func (q *MemoryQueue) Requeue(_ context.Context, entry Entry, reason string) (bool, error) {
	p := q.partition(entry.CampaignID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return q.requeueLocked(p, entry, reason)
}

func (q *MemoryQueue) requeueLocked(p *partition, entry Entry, reason string) (bool, error) {
	if _, ok := p.inflight[entry.RecordID]; !ok {
		return false, ErrNotLeased
	}
	delete(p.inflight, entry.RecordID)

	next, retry, delay := q.opts.nextAttempt(entry, reason)
	if !retry {
		delete(p.entries, entry.RecordID)
		p.dead = append(p.dead, next)
		return false, nil
	}
	p.entries[entry.RecordID] = next
	if delay > 0 {
		p.delayed[entry.RecordID] = q.opts.Now().Add(delay)
	} else {
		p.pending = append(p.pending, entry.RecordID)
	}
	return true, nil
}

func (q *MemoryQueue) DiscardAll(_ context.Context, campaignID string) (int, error) {
	p := q.partition(campaignID)
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.pending) + len(p.delayed)
	for _, id := range p.pending {
		delete(p.entries, id)
	}
	for id := range p.delayed {
		delete(p.entries, id)
	}
	p.pending = nil
	p.delayed = make(map[string]time.Time)
	p.members = make(map[string]struct{})
	p.limiter = nil
	return n, nil
}

func (q *MemoryQueue) Stats(_ context.Context, campaignID string) (Stats, error) {
	p := q.partition(campaignID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Pending:      len(p.pending),
		Delayed:      len(p.delayed),
		InFlight:     len(p.inflight),
		DeadLettered: len(p.dead),
	}, nil
}

func (q *MemoryQueue) Leased(_ context.Context, campaignID string) ([]string, error) {
	p := q.partition(campaignID)
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.inflight))
	for id := range p.inflight {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// DeadLetters returns dead-lettered entries for inspection.
func (q *MemoryQueue) DeadLetters(_ context.Context, campaignID string) ([]Entry, error) {
	p := q.partition(campaignID)
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]Entry(nil), p.dead...), nil
}

func (q *MemoryQueue) RecoverExpired(_ context.Context, campaignID string) (int, error) {
	now := q.opts.Now()
	p := q.partition(campaignID)
	p.mu.Lock()
	defer p.mu.Unlock()

	var expired []string
	for id, deadline := range p.inflight {
		if !deadline.After(now) {
			expired = append(expired, id)
		}
	}
	sort.Strings(expired)
	for _, id := range expired {
		if _, err := q.requeueLocked(p, p.entries[id], "lease expired"); err != nil {
			return 0, err
		}
	}
	return len(expired), nil
}
