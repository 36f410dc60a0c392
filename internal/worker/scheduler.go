package worker

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// DefaultSchedulerPollInterval is how often due campaigns are looked up.
const DefaultSchedulerPollInterval = 30 * time.Second

const schedulerBatch = 20

// Launcher is what the scheduler needs from the controller.
type Launcher interface {
	DueCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error)
	Launch(ctx context.Context, id string) (*campaign.LaunchResult, error)
	Fail(ctx context.Context, id, reason string) (*domain.Campaign, error)
}

// CampaignScheduler launches SCHEDULED campaigns once their time has come.
type CampaignScheduler struct {
	launcher     Launcher
	pollInterval time.Duration
}

// NewCampaignScheduler creates a scheduler. A non-positive interval selects
// DefaultSchedulerPollInterval.
func NewCampaignScheduler(l Launcher, interval time.Duration) *CampaignScheduler {
	if interval <= 0 {
		interval = DefaultSchedulerPollInterval
	}
	return &CampaignScheduler{launcher: l, pollInterval: interval}
}

// Start runs the scheduler loop. It blocks until ctx is cancelled.
func (s *CampaignScheduler) Start(ctx context.Context) {
	log.Printf("[CampaignScheduler] Starting (poll=%s)", s.pollInterval)
	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Println("[CampaignScheduler] Stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce launches every due campaign and returns how many started.
func (s *CampaignScheduler) RunOnce(ctx context.Context) int {
	ctx = campaign.WithActor(ctx, "scheduler")
	due, err := s.launcher.DueCampaigns(ctx, schedulerBatch)
	if err != nil {
		logger.Error("scheduler: list due campaigns failed", "error", err)
		return 0
	}

	launched := 0
	for _, c := range due {
		res, err := s.launcher.Launch(ctx, c.ID)
		switch {
		case err == nil:
			launched++
			log.Printf("[CampaignScheduler] Launched %s (%d recipients)", c.ID, res.Total)
		case errors.Is(err, campaign.ErrLaunchInProgress), errors.Is(err, campaign.ErrInvalidTransition):
			// Another process got there first.
		case errors.Is(err, campaign.ErrNoRecipients), errors.Is(err, campaign.ErrValidation):
			if _, ferr := s.launcher.Fail(ctx, c.ID, "scheduled launch: "+err.Error()); ferr != nil {
				logger.Error("scheduler: fail campaign", "campaign_id", c.ID, "error", ferr)
			}
		default:
			logger.Error("scheduler: launch failed", "campaign_id", c.ID, "error", err)
		}
	}
	return launched
}
