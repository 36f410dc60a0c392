package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/service/campaign"
	"github.com/ignite/campaign-engine/internal/service/preferences"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

// Defaults for DeliveryConfig.
const (
	DefaultPollInterval    = time.Second
	DefaultBatchSize       = 50
	DefaultSendConcurrency = 8
	DefaultMaxCampaigns    = 16
	DefaultSendTimeout     = 30 * time.Second
)

// Campaigns is the slice of the campaign controller the workers use.
type Campaigns interface {
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)
	Complete(ctx context.Context, id string) (*domain.Campaign, error)
}

// Records applies send outcomes to delivery records. Updates only touch
// records that are still PENDING or QUEUED and report whether they did.
type Records interface {
	MarkSent(ctx context.Context, id, messageID string, attempts int, at time.Time) (bool, error)
	MarkFailed(ctx context.Context, id, reason string, attempts int, at time.Time) (bool, error)
	RecordAttempt(ctx context.Context, id string, attempts int, lastErr string) error
}

// Profiles supplies per-recipient merge fields.
type Profiles interface {
	MergeFields(ctx context.Context, userID string) (map[string]interface{}, error)
}

// Bouncer flags addresses that permanently rejected mail.
type Bouncer interface {
	MarkHardBounced(ctx context.Context, userID string) error
}

// DeliveryConfig tunes the delivery loop.
type DeliveryConfig struct {
	PollInterval    time.Duration
	BatchSize       int // entries drained per campaign per tick
	SendConcurrency int // parallel sends within one campaign
	MaxCampaigns    int // campaigns drained in parallel
	SendTimeout     time.Duration
}

func (c DeliveryConfig) withDefaults() DeliveryConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.SendConcurrency <= 0 {
		c.SendConcurrency = DefaultSendConcurrency
	}
	if c.MaxCampaigns <= 0 {
		c.MaxCampaigns = DefaultMaxCampaigns
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = DefaultSendTimeout
	}
	return c
}

// DeliveryDeps wires a DeliveryWorker. Bouncer and Metrics are optional.
type DeliveryDeps struct {
	Campaigns Campaigns
	Queue     queue.Queue
	Records   Records
	Profiles  Profiles
	Bouncer   Bouncer
	Composer  *mailing.Composer
	Transport sending.Transport
	Metrics   *metrics.Metrics
}

// DeliveryStats is a snapshot of the worker's counters.
type DeliveryStats struct {
	Sent         int64 `json:"sent"`
	Failed       int64 `json:"failed"`
	Retried      int64 `json:"retried"`
	DeadLettered int64 `json:"dead_lettered"`
	Completed    int64 `json:"completed"`
	Ticks        int64 `json:"ticks"`
}

// DeliveryWorker drains the queues of SENDING campaigns and hands each entry
// to the mail transport.
type DeliveryWorker struct {
	campaigns Campaigns
	queue     queue.Queue
	records   Records
	profiles  Profiles
	bouncer   Bouncer
	composer  *mailing.Composer
	transport sending.Transport
	metrics   *metrics.Metrics
	cfg       DeliveryConfig
	now       func() time.Time

	sent         int64
	failed       int64
	retried      int64
	deadLettered int64
	completed    int64
	ticks        int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewDeliveryWorker creates a delivery worker.
func NewDeliveryWorker(d DeliveryDeps, cfg DeliveryConfig) *DeliveryWorker {
	return &DeliveryWorker{
		campaigns: d.Campaigns,
		queue:     d.Queue,
		records:   d.Records,
		profiles:  d.Profiles,
		bouncer:   d.Bouncer,
		composer:  d.Composer,
		transport: d.Transport,
		metrics:   d.Metrics,
		cfg:       cfg.withDefaults(),
		now:       time.Now,
	}
}

// Start launches the polling loop in the background.
func (w *DeliveryWorker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return errors.New("delivery worker already running")
	}
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	w.running = true

	log.Printf("[DeliveryWorker] Starting (transport=%s, poll=%s, batch=%d, concurrency=%d)",
		w.transport.Name(), w.cfg.PollInterval, w.cfg.BatchSize, w.cfg.SendConcurrency)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := w.RunOnce(ctx); err != nil && ctx.Err() == nil {
					logger.Error("delivery tick failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop cancels the loop and waits for in-flight sends to finish.
func (w *DeliveryWorker) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	s := w.Stats()
	log.Printf("[DeliveryWorker] Stopped (sent=%d, failed=%d, retried=%d)", s.Sent, s.Failed, s.Retried)
}

// Stats returns the worker's counters.
func (w *DeliveryWorker) Stats() DeliveryStats {
	return DeliveryStats{
		Sent:         atomic.LoadInt64(&w.sent),
		Failed:       atomic.LoadInt64(&w.failed),
		Retried:      atomic.LoadInt64(&w.retried),
		DeadLettered: atomic.LoadInt64(&w.deadLettered),
		Completed:    atomic.LoadInt64(&w.completed),
		Ticks:        atomic.LoadInt64(&w.ticks),
	}
}

// RunOnce drains one batch from every SENDING campaign and returns the
// number of entries processed. A failing campaign does not stop the others.
func (w *DeliveryWorker) RunOnce(ctx context.Context) (int, error) {
	atomic.AddInt64(&w.ticks, 1)
	campaigns, err := w.campaigns.ListByStatus(ctx, domain.CampaignSending)
	if err != nil {
		return 0, fmt.Errorf("list sending campaigns: %w", err)
	}

	var processed int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.MaxCampaigns)
	for i := range campaigns {
		camp := campaigns[i]
		g.Go(func() error {
			n, err := w.processCampaign(gctx, &camp)
			atomic.AddInt64(&processed, int64(n))
			if err != nil {
				logger.Error("campaign drain failed", "campaign_id", camp.ID, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return int(processed), nil
}

func (w *DeliveryWorker) processCampaign(ctx context.Context, camp *domain.Campaign) (int, error) {
	entries, err := w.queue.Drain(ctx, camp.ID, w.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("drain: %w", err)
	}
	w.metrics.DrainBatch(len(entries))
	if len(entries) == 0 {
		w.maybeComplete(ctx, camp.ID)
		return 0, nil
	}

	// Sends are isolated per entry; one failure never cancels its siblings.
	var g errgroup.Group
	g.SetLimit(w.cfg.SendConcurrency)
	for _, e := range entries {
		e := e
		g.Go(func() error {
			w.deliver(ctx, camp, e)
			return nil
		})
	}
	_ = g.Wait()
	return len(entries), nil
}

// maybeComplete asks the controller to complete a campaign whose queue has
// fully drained. The controller re-checks the delivery records.
func (w *DeliveryWorker) maybeComplete(ctx context.Context, id string) {
	stats, err := w.queue.Stats(ctx, id)
	if err != nil || !stats.Empty() {
		return
	}
	_, err = w.campaigns.Complete(ctx, id)
	switch {
	case err == nil:
		atomic.AddInt64(&w.completed, 1)
		log.Printf("[DeliveryWorker] Campaign %s completed", id)
	case errors.Is(err, campaign.ErrNotDrained), errors.Is(err, campaign.ErrInvalidTransition):
	default:
		logger.Warn("complete campaign failed", "campaign_id", id, "error", err)
	}
}

func (w *DeliveryWorker) deliver(ctx context.Context, camp *domain.Campaign, e queue.Entry) {
	attempt := e.Attempts + 1

	fields, err := w.profiles.MergeFields(ctx, e.UserID)
	if errors.Is(err, preferences.ErrNotFound) {
		w.fail(ctx, e, attempt, errors.New("recipient no longer exists"))
		return
	}
	if err != nil {
		w.retry(ctx, e, fmt.Errorf("load merge fields: %w", err))
		return
	}

	msg, err := w.composer.Compose(camp, e.Email, e.TrackingID, fields)
	if err != nil {
		w.fail(ctx, e, attempt, err)
		return
	}

	sendCtx, cancel := context.WithTimeout(ctx, w.cfg.SendTimeout)
	start := w.now()
	messageID, err := w.transport.Send(sendCtx, msg)
	took := w.now().Sub(start)
	cancel()
	if err == nil {
		w.metrics.Send(w.transport.Name(), metrics.OutcomeSent, took)
		atomic.AddInt64(&w.sent, 1)
		applied, merr := w.records.MarkSent(ctx, e.RecordID, messageID, attempt, w.now().UTC())
		if merr != nil {
			logger.Error("mark sent failed", "record_id", e.RecordID, "error", merr)
		} else if !applied {
			logger.Debug("sent record was no longer outstanding", "record_id", e.RecordID)
		}
		w.ack(ctx, e)
		return
	}

	if sending.IsRetryable(err) {
		w.metrics.Send(w.transport.Name(), metrics.OutcomeRetried, took)
		w.retry(ctx, e, err)
		return
	}
	w.metrics.Send(w.transport.Name(), metrics.OutcomeFailed, took)
	w.fail(ctx, e, attempt, err)
	if isHardBounce(err) && w.bouncer != nil {
		if berr := w.bouncer.MarkHardBounced(ctx, e.UserID); berr != nil {
			logger.Warn("mark hard bounce failed", "user_id", e.UserID, "error", berr)
		}
	}
}

// retry requeues e. Past the retry ceiling the queue dead-letters the entry
// and the record fails with the last error. Entries of a campaign that left
// SENDING or PAUSED while the send was in flight are failed instead.
func (w *DeliveryWorker) retry(ctx context.Context, e queue.Entry, cause error) {
	if reason, stopped := w.campaignStopped(ctx, e.CampaignID); stopped {
		w.markFailed(ctx, e, e.Attempts+1, reason)
		w.ack(ctx, e)
		return
	}
	reason := cause.Error()
	requeued, err := w.queue.Requeue(ctx, e, reason)
	if err != nil {
		if errors.Is(err, queue.ErrNotLeased) {
			return
		}
		logger.Error("requeue failed", "record_id", e.RecordID, "error", err)
		return
	}
	if requeued {
		atomic.AddInt64(&w.retried, 1)
		if err := w.records.RecordAttempt(ctx, e.RecordID, e.Attempts+1, reason); err != nil {
			logger.Warn("record attempt failed", "record_id", e.RecordID, "error", err)
		}
		return
	}
	atomic.AddInt64(&w.deadLettered, 1)
	w.metrics.Send(w.transport.Name(), metrics.OutcomeDeadLetter, 0)
	w.markFailed(ctx, e, e.Attempts+1, reason)
}

func (w *DeliveryWorker) campaignStopped(ctx context.Context, id string) (string, bool) {
	camp, err := w.campaigns.Get(ctx, id)
	if err != nil {
		logger.Warn("campaign status check failed", "campaign_id", id, "error", err)
		return "", false
	}
	switch camp.Status {
	case domain.CampaignSending, domain.CampaignPaused:
		return "", false
	case domain.CampaignCancelled:
		return domain.CancelledReason, true
	default:
		return "campaign " + string(camp.Status), true
	}
}

// fail records a terminal failure and releases the lease.
func (w *DeliveryWorker) fail(ctx context.Context, e queue.Entry, attempt int, cause error) {
	w.markFailed(ctx, e, attempt, cause.Error())
	w.ack(ctx, e)
}

func (w *DeliveryWorker) markFailed(ctx context.Context, e queue.Entry, attempt int, reason string) {
	atomic.AddInt64(&w.failed, 1)
	if _, err := w.records.MarkFailed(ctx, e.RecordID, reason, attempt, w.now().UTC()); err != nil {
		logger.Error("mark failed failed", "record_id", e.RecordID, "error", err)
	}
	logger.Info("delivery failed", "campaign_id", e.CampaignID, "record_id", e.RecordID,
		"email", e.Email, "attempts", attempt, "reason", reason)
}

func (w *DeliveryWorker) ack(ctx context.Context, e queue.Entry) {
	if err := w.queue.Ack(ctx, e); err != nil && !errors.Is(err, queue.ErrNotLeased) {
		logger.Warn("ack failed", "record_id", e.RecordID, "error", err)
	}
}

// hardBounceCodes are SMTP replies that mean the mailbox does not exist.
var hardBounceCodes = map[string]bool{"550": true, "551": true, "553": true}

func isHardBounce(err error) bool {
	var te *sending.TransportError
	return errors.As(err, &te) && !te.Retryable && hardBounceCodes[te.Code]
}
