package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

type fakeLauncher struct {
	due      []domain.Campaign
	results  map[string]error
	launched []string
	failed   map[string]string
	actor    string
}

func (f *fakeLauncher) DueCampaigns(_ context.Context, _ int) ([]domain.Campaign, error) {
	return f.due, nil
}

func (f *fakeLauncher) Launch(ctx context.Context, id string) (*campaign.LaunchResult, error) {
	f.actor = campaign.ActorFromContext(ctx)
	if err := f.results[id]; err != nil {
		return nil, err
	}
	f.launched = append(f.launched, id)
	return &campaign.LaunchResult{CampaignID: id, Total: 3}, nil
}

func (f *fakeLauncher) Fail(_ context.Context, id, reason string) (*domain.Campaign, error) {
	f.failed[id] = reason
	return &domain.Campaign{ID: id, Status: domain.CampaignFailed}, nil
}

func TestSchedulerLaunchesDueCampaigns(t *testing.T) {
	l := &fakeLauncher{
		due: []domain.Campaign{{ID: "a"}, {ID: "b"}, {ID: "c"}, {ID: "d"}},
		results: map[string]error{
			"b": campaign.ErrNoRecipients,
			"c": campaign.ErrLaunchInProgress,
			"d": errors.New("redis down"),
		},
		failed: map[string]string{},
	}

	n := NewCampaignScheduler(l, 0).RunOnce(context.Background())
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"a"}, l.launched)
	assert.Equal(t, "scheduler", l.actor)
	assert.Contains(t, l.failed["b"], "zero recipients")
	assert.NotContains(t, l.failed, "c")
	assert.NotContains(t, l.failed, "d", "transient errors are retried on the next tick")
}
