// Package queue holds the per-campaign send queues drained by the delivery
// worker. Entries are deduplicated per recipient, leased while in flight,
// retried with backoff and dead-lettered after the retry ceiling.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Entry is one message awaiting send.
type Entry = domain.QueueEntry

// Defaults for Options.
const (
	DefaultMaxAttempts  = 3
	DefaultLeaseTimeout = 5 * time.Minute
)

var (
	// ErrNotLeased is returned when acking or requeueing an entry whose
	// lease was already released or recovered.
	ErrNotLeased = errors.New("entry is not leased")
)

// DrainState is what Drain needs to know about a campaign on every call.
type DrainState struct {
	Status   domain.CampaignStatus
	SendRate int // entries per minute, 0 = unthrottled
}

// CampaignSource reports the live state of a campaign. Drain consults it on
// every call so pause and cancel take effect on the next batch.
type CampaignSource interface {
	DrainState(ctx context.Context, campaignID string) (DrainState, error)
}

// Stats is a point-in-time view of one campaign's queue.
type Stats struct {
	Pending      int `json:"pending"`
	Delayed      int `json:"delayed"`
	InFlight     int `json:"in_flight"`
	DeadLettered int `json:"dead_lettered"`
}

// Empty reports whether nothing is waiting or in flight.
func (s Stats) Empty() bool {
	return s.Pending == 0 && s.Delayed == 0 && s.InFlight == 0
}

// Queue is the contract shared by the Redis and in-memory queues.
type Queue interface {
	// Push appends entries, skipping recipients already pushed for the campaign.
	Push(ctx context.Context, campaignID string, entries []Entry) (int, error)
	// Drain leases up to maxBatch entries in FIFO order. It returns an empty
	// batch when the campaign is not sending or its rate budget is spent.
	Drain(ctx context.Context, campaignID string, maxBatch int) ([]Entry, error)
	// Ack releases the lease after a terminal outcome.
	Ack(ctx context.Context, entry Entry) error
	// Requeue records a failed attempt. It returns false when the entry
	// reached the retry ceiling and was dead-lettered.
	Requeue(ctx context.Context, entry Entry, reason string) (bool, error)
	// DiscardAll drops pending and delayed entries and the dedupe state.
	// In-flight entries are left to finish.
	DiscardAll(ctx context.Context, campaignID string) (int, error)
	// Stats reports queue depth.
	Stats(ctx context.Context, campaignID string) (Stats, error)
	// Leased lists the record ids currently in flight.
	Leased(ctx context.Context, campaignID string) ([]string, error)
	// RecoverExpired returns entries with lapsed leases to the queue,
	// counting the lapse as a failed attempt.
	RecoverExpired(ctx context.Context, campaignID string) (int, error)
}

// Options configures retry and lease behaviour.
type Options struct {
	MaxAttempts  int
	LeaseTimeout time.Duration
	Backoff      Backoff
	Now          func() time.Time
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.LeaseTimeout <= 0 {
		o.LeaseTimeout = DefaultLeaseTimeout
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// nextAttempt applies a failure to e and decides where it goes next.
func (o Options) nextAttempt(e Entry, reason string) (Entry, bool, time.Duration) {
	e.Attempts++
	e.LastError = reason
	if e.Attempts >= o.MaxAttempts {
		return e, false, 0
	}
	return e, true, o.Backoff.Delay(e.Attempts)
}
