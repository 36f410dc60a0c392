package tracking

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
)

// Meta carries request details attached to an event.
type Meta struct {
	IPAddress string
	UserAgent string
	LinkID    string
}

// RecorderOptions configures buffering.
type RecorderOptions struct {
	BufferSize    int
	Workers       int
	HandleTimeout time.Duration
	Metrics       *metrics.Metrics
	Now           func() time.Time
}

// Recorder is a fire-and-forget buffer in front of a Sink. When the buffer
// is full new events are dropped and counted.
type Recorder struct {
	sink    Sink
	opts    RecorderOptions
	events  chan domain.TrackingEvent
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	started atomic.Bool

	accepted atomic.Int64
	dropped  atomic.Int64
	handled  atomic.Int64
	failed   atomic.Int64
}

// RecorderStats is a snapshot of the recorder counters.
type RecorderStats struct {
	Accepted int64 `json:"accepted"`
	Dropped  int64 `json:"dropped"`
	Handled  int64 `json:"handled"`
	Failed   int64 `json:"failed"`
	Buffered int   `json:"buffered"`
}

// NewRecorder creates a recorder. Call Start to begin applying events.
func NewRecorder(sink Sink, opts RecorderOptions) *Recorder {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 10000
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.HandleTimeout <= 0 {
		opts.HandleTimeout = 5 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		sink:   sink,
		opts:   opts,
		events: make(chan domain.TrackingEvent, opts.BufferSize),
	}
}

// Start launches the workers.
func (r *Recorder) Start() {
	if !r.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.run()
	}
	log.Printf("[TrackingRecorder] Started with %d workers (buffer=%d)", r.opts.Workers, r.opts.BufferSize)
}

// Stop stops accepting events and waits for the buffer to drain.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.events)
	r.mu.Unlock()

	if r.started.Load() {
		r.wg.Wait()
	}
	s := r.Stats()
	log.Printf("[TrackingRecorder] Stopped (handled=%d failed=%d dropped=%d)", s.Handled, s.Failed, s.Dropped)
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for evt := range r.events {
		ctx, cancel := context.WithTimeout(context.Background(), r.opts.HandleTimeout)
		err := r.sink.Handle(ctx, evt)
		cancel()
		if err != nil {
			r.failed.Add(1)
			log.Printf("[TrackingRecorder] %s event for %s failed: %v", evt.Type, evt.TrackingID, err)
			continue
		}
		r.handled.Add(1)
	}
}

// RecordOpen queues an open. It never blocks.
func (r *Recorder) RecordOpen(trackingID string, meta Meta) bool {
	return r.enqueue(domain.TrackingEvent{Type: domain.EventOpen, TrackingID: trackingID}, meta)
}

// RecordClick queues a click on target. It never blocks.
func (r *Recorder) RecordClick(trackingID, target string, meta Meta) bool {
	return r.enqueue(domain.TrackingEvent{Type: domain.EventClick, TrackingID: trackingID, URL: target}, meta)
}

// RecordUnsubscribe queues an unsubscribe. It never blocks.
func (r *Recorder) RecordUnsubscribe(trackingID string, meta Meta) bool {
	return r.enqueue(domain.TrackingEvent{Type: domain.EventUnsubscribe, TrackingID: trackingID}, meta)
}

func (r *Recorder) enqueue(evt domain.TrackingEvent, meta Meta) bool {
	evt.IPAddress = meta.IPAddress
	evt.UserAgent = meta.UserAgent
	evt.LinkID = meta.LinkID
	evt.OccurredAt = r.opts.Now().UTC()

	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		r.drop(evt)
		return false
	}
	select {
	case r.events <- evt:
		r.accepted.Add(1)
		return true
	default:
		r.drop(evt)
		return false
	}
}

func (r *Recorder) drop(evt domain.TrackingEvent) {
	r.dropped.Add(1)
	r.opts.Metrics.Tracking(string(evt.Type), metrics.TrackingDropped)
}

// Stats returns the recorder counters.
func (r *Recorder) Stats() RecorderStats {
	return RecorderStats{
		Accepted: r.accepted.Load(),
		Dropped:  r.dropped.Load(),
		Handled:  r.handled.Load(),
		Failed:   r.failed.Load(),
		Buffered: len(r.events),
	}
}
