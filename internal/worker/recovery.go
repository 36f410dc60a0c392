package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// DefaultRecoveryInterval is how often the recovery worker sweeps.
const DefaultRecoveryInterval = 2 * time.Minute

// CancelSweepWindow bounds how long after cancellation a campaign is still
// swept for leases that outlived the cancel.
const CancelSweepWindow = 24 * time.Hour

// RecoveryCampaigns is what the recovery worker needs from the controller.
type RecoveryCampaigns interface {
	Campaigns
	Progress(ctx context.Context, id string) (*campaign.ProgressReport, error)
	Reseed(ctx context.Context, id string) (int, error)
	FinishCancel(ctx context.Context, id string) (*campaign.CancelResult, error)
}

// RecoveryResult summarizes one sweep.
type RecoveryResult struct {
	Recovered int
	Reseeded  int
	Completed int
	Cancelled int
}

// QueueRecoveryWorker repairs queues after crashes. It returns lapsed leases
// to the queue, re-pushes outstanding records missing from the queue and
// completes campaigns that drained while no delivery worker was watching.
type QueueRecoveryWorker struct {
	campaigns RecoveryCampaigns
	queue     queue.Queue
	metrics   *metrics.Metrics
	interval  time.Duration
	now       func() time.Time
}

// NewQueueRecoveryWorker creates a recovery worker. A non-positive interval
// selects DefaultRecoveryInterval.
func NewQueueRecoveryWorker(c RecoveryCampaigns, q queue.Queue, m *metrics.Metrics, interval time.Duration) *QueueRecoveryWorker {
	if interval <= 0 {
		interval = DefaultRecoveryInterval
	}
	return &QueueRecoveryWorker{campaigns: c, queue: q, metrics: m, interval: interval, now: time.Now}
}

// Start runs the recovery loop. It blocks until ctx is cancelled.
func (qr *QueueRecoveryWorker) Start(ctx context.Context) {
	log.Printf("[QueueRecovery] Starting (interval=%s)", qr.interval)

	ticker := time.NewTicker(qr.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[QueueRecovery] Stopping")
			return
		case <-ticker.C:
			res := qr.RecoverOnce(ctx)
			if res.Recovered+res.Reseeded+res.Completed+res.Cancelled > 0 {
				log.Printf("[QueueRecovery] recovered=%d reseeded=%d completed=%d cancelled=%d",
					res.Recovered, res.Reseeded, res.Completed, res.Cancelled)
			}
		}
	}
}

// RecoverOnce performs one sweep over SENDING and PAUSED campaigns, then
// finishes the cleanup of campaigns cancelled within CancelSweepWindow.
func (qr *QueueRecoveryWorker) RecoverOnce(ctx context.Context) RecoveryResult {
	var res RecoveryResult
	for _, status := range []domain.CampaignStatus{domain.CampaignSending, domain.CampaignPaused} {
		campaigns, err := qr.campaigns.ListByStatus(ctx, status)
		if err != nil {
			logger.Error("recovery: list campaigns failed", "status", status, "error", err)
			continue
		}
		for _, c := range campaigns {
			qr.recoverCampaign(ctx, c, &res)
		}
	}
	qr.sweepCancelled(ctx, &res)
	return res
}

// sweepCancelled returns lapsed leases of recently cancelled campaigns to
// the queue and fails them, so no record stays QUEUED after a cancel.
func (qr *QueueRecoveryWorker) sweepCancelled(ctx context.Context, res *RecoveryResult) {
	campaigns, err := qr.campaigns.ListByStatus(ctx, domain.CampaignCancelled)
	if err != nil {
		logger.Error("recovery: list campaigns failed", "status", domain.CampaignCancelled, "error", err)
		return
	}
	cutoff := qr.now().Add(-CancelSweepWindow)
	for _, c := range campaigns {
		if c.CancelledAt != nil && c.CancelledAt.Before(cutoff) {
			continue
		}
		n, err := qr.queue.RecoverExpired(ctx, c.ID)
		if err != nil {
			logger.Warn("recovery: expired leases", "campaign_id", c.ID, "error", err)
		}
		stats, err := qr.queue.Stats(ctx, c.ID)
		if err != nil {
			logger.Warn("recovery: queue stats", "campaign_id", c.ID, "error", err)
			continue
		}
		if n == 0 && stats.Pending+stats.Delayed == 0 {
			continue
		}
		done, err := qr.campaigns.FinishCancel(ctx, c.ID)
		if err != nil {
			if !errors.Is(err, campaign.ErrLaunchInProgress) {
				logger.Warn("recovery: finish cancel", "campaign_id", c.ID, "error", err)
			}
			continue
		}
		res.Recovered += n
		qr.metrics.Recovered(n)
		res.Cancelled += done.Cancelled
	}
}

func (qr *QueueRecoveryWorker) recoverCampaign(ctx context.Context, c domain.Campaign, res *RecoveryResult) {
	n, err := qr.queue.RecoverExpired(ctx, c.ID)
	if err != nil {
		logger.Warn("recovery: expired leases", "campaign_id", c.ID, "error", err)
	}
	if n > 0 {
		res.Recovered += n
		qr.metrics.Recovered(n)
	}

	report, err := qr.campaigns.Progress(ctx, c.ID)
	if err != nil {
		logger.Warn("recovery: progress", "campaign_id", c.ID, "error", err)
		return
	}
	inQueue := report.Queue.Pending + report.Queue.Delayed + report.Queue.InFlight
	if report.Outstanding() > inQueue {
		pushed, err := qr.campaigns.Reseed(ctx, c.ID)
		if err != nil && !errors.Is(err, campaign.ErrLaunchInProgress) {
			logger.Warn("recovery: reseed", "campaign_id", c.ID, "error", err)
		}
		res.Reseeded += pushed
		return
	}

	if c.Status == domain.CampaignSending && report.Outstanding() == 0 && report.Queue.Empty() {
		if _, err := qr.campaigns.Complete(ctx, c.ID); err == nil {
			res.Completed++
		} else if !errors.Is(err, campaign.ErrNotDrained) && !errors.Is(err, campaign.ErrInvalidTransition) {
			logger.Warn("recovery: complete", "campaign_id", c.ID, "error", err)
		}
	}
}
