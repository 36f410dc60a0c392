package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
)

// LaunchResult summarizes a launch.
type LaunchResult struct {
	CampaignID string `json:"campaign_id"`
	Matched    int    `json:"matched"`
	Excluded   int    `json:"excluded"`
	Seeded     int    `json:"seeded"`
	Queued     int    `json:"queued"`
	Total      int    `json:"total"`
}

// CancelResult summarizes a cancellation.
type CancelResult struct {
	CampaignID string `json:"campaign_id"`
	Discarded  int    `json:"discarded"`
	Cancelled  int    `json:"cancelled"`
	InFlight   int    `json:"in_flight"`
}

// Launch resolves the audience, seeds one delivery record per recipient,
// moves the campaign to SENDING and enqueues the records. Only one launch
// per campaign runs at a time.
func (c *Controller) Launch(ctx context.Context, id string) (*LaunchResult, error) {
	var res *LaunchResult
	err := c.withLock(ctx, id, func(ctx context.Context) error {
		var err error
		res, err = c.launch(ctx, id)
		return err
	})
	return res, err
}

func (c *Controller) launch(ctx context.Context, id string) (*LaunchResult, error) {
	camp, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	to, ok := domain.NextStatus(camp.Status, domain.ActionLaunch)
	if !ok {
		return nil, &PolicyError{Current: camp.Status, Action: domain.ActionLaunch}
	}

	fields, err := c.freezeContent(ctx, camp)
	if err != nil {
		return nil, err
	}

	res := &LaunchResult{CampaignID: id}
	total := camp.TotalRecipients
	if total == 0 {
		// Records left by a failed seed are kept; seeding skips them.
		resolution, err := c.segments.Resolve(ctx, deref(camp.SegmentID), deref(camp.ExclusionSegmentID))
		if err != nil {
			return nil, fmt.Errorf("resolve audience: %w", err)
		}
		res.Matched = resolution.Matched
		res.Excluded = resolution.Excluded
		if len(resolution.Recipients) == 0 {
			return res, ErrNoRecipients
		}
		seeded, err := c.deliveries.SeedRecords(ctx, id, resolution.Recipients)
		if err != nil {
			c.failQuietly(ctx, camp, "seeding delivery records: "+err.Error())
			return nil, fmt.Errorf("%w: %v", ErrSeeding, err)
		}
		res.Seeded = seeded
		if total, err = c.deliveries.CountRecords(ctx, id); err != nil {
			c.failQuietly(ctx, camp, "counting delivery records: "+err.Error())
			return nil, fmt.Errorf("%w: %v", ErrSeeding, err)
		}
	} else {
		logger.Info("relaunch reuses existing delivery records", "campaign_id", id, "total", total)
	}
	res.Total = total

	t := c.newTransition(ctx, camp, domain.ActionLaunch, to, "")
	if err := c.campaigns.Start(ctx, t, StartFields{
		TotalRecipients: total,
		Subject:         fields.Subject,
		HTMLContent:     fields.HTML,
		TextContent:     fields.Text,
	}); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, c.conflict(ctx, id, domain.ActionLaunch)
		}
		return nil, fmt.Errorf("start campaign: %w", err)
	}
	c.recordTransition(t)

	queued, err := c.pushPending(ctx, id)
	res.Queued = queued
	if err != nil {
		if fresh, gerr := c.campaigns.Get(ctx, id); gerr == nil {
			c.failQuietly(ctx, fresh, "enqueue: "+err.Error())
		}
		return res, fmt.Errorf("enqueue delivery records: %w", err)
	}

	logger.Info("campaign launched",
		"campaign_id", id, "matched", res.Matched, "excluded", res.Excluded, "seeded", res.Seeded, "queued", res.Queued, "actor", ActorFromContext(ctx))
	return res, nil
}

// freezeContent loads the template body when the campaign references one
// and inline content is empty. The result is written with the launch
// transition so later template edits do not affect this send.
func (c *Controller) freezeContent(ctx context.Context, camp *domain.Campaign) (*mailing.TemplateContent, error) {
	content := &mailing.TemplateContent{Subject: camp.Subject, HTML: camp.HTMLContent, Text: camp.TextContent}
	inline := strings.TrimSpace(content.HTML) != "" || strings.TrimSpace(content.Text) != ""
	if inline || camp.TemplateRef == nil {
		if !inline {
			return nil, invalid("content", "html_content, text_content or template_ref is required")
		}
		return content, nil
	}
	if c.templates == nil {
		return nil, invalid("template_ref", "template storage is not configured")
	}
	tc, err := c.templates.Load(ctx, *camp.TemplateRef)
	if err != nil {
		if errors.Is(err, mailing.ErrTemplateNotFound) {
			return nil, invalid("template_ref", "template not found")
		}
		return nil, fmt.Errorf("load template: %w", err)
	}
	if tc.Subject != "" && strings.TrimSpace(content.Subject) == "" {
		content.Subject = tc.Subject
	}
	content.HTML = tc.HTML
	content.Text = tc.Text
	if c.composer != nil {
		for field, body := range map[string]string{"html_content": content.HTML, "text_content": content.Text} {
			if err := c.composer.Engine().Parse(body); err != nil {
				return nil, invalid(field, err.Error())
			}
		}
	}
	return content, nil
}

// Reseed re-enqueues outstanding records of a SENDING or PAUSED campaign.
// It repairs queues lost to a cache flush. Recipients still present in the
// queue are skipped by its membership check.
func (c *Controller) Reseed(ctx context.Context, id string) (int, error) {
	var queued int
	err := c.withLock(ctx, id, func(ctx context.Context) error {
		camp, err := c.campaigns.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, ok := domain.NextStatus(camp.Status, domain.ActionReseed); !ok {
			return &PolicyError{Current: camp.Status, Action: domain.ActionReseed}
		}
		queued, err = c.pushPending(ctx, id)
		return err
	})
	if err == nil {
		logger.Info("campaign reseeded", "campaign_id", id, "queued", queued)
	}
	return queued, err
}

// pushPending walks outstanding records in id order and pushes them in
// batches. It returns how many entries the queue accepted.
func (c *Controller) pushPending(ctx context.Context, id string) (int, error) {
	var (
		after  string
		queued int
	)
	for {
		records, err := c.deliveries.OutstandingRecords(ctx, id, after, c.pushBatch)
		if err != nil {
			return queued, fmt.Errorf("page pending records: %w", err)
		}
		if len(records) == 0 {
			return queued, nil
		}
		now := c.now().UTC()
		entries := make([]domain.QueueEntry, len(records))
		ids := make([]string, len(records))
		for i, r := range records {
			entries[i] = domain.EntryFor(r, now)
			ids[i] = r.ID
		}
		n, err := c.queue.Push(ctx, id, entries)
		if err != nil {
			return queued, err
		}
		if _, err := c.deliveries.MarkQueued(ctx, ids, now); err != nil {
			return queued, fmt.Errorf("mark queued: %w", err)
		}
		queued += n
		after = records[len(records)-1].ID
		if len(records) < c.pushBatch {
			return queued, nil
		}
	}
}

// Cancel stops a campaign permanently. Queued entries are discarded and
// outstanding records are failed. Sends already leased by a worker finish.
func (c *Controller) Cancel(ctx context.Context, id string) (*CancelResult, error) {
	res := &CancelResult{CampaignID: id}
	err := c.withLock(ctx, id, func(ctx context.Context) error {
		camp, err := c.campaigns.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := c.transition(ctx, camp, domain.ActionCancel, "", nil); err != nil {
			return err
		}

		c.cancelCleanup(ctx, id, res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// FinishCancel repeats the cancel cleanup for a CANCELLED campaign. Entries
// that were leased at cancel time and came back to the queue are discarded
// and their records failed.
func (c *Controller) FinishCancel(ctx context.Context, id string) (*CancelResult, error) {
	res := &CancelResult{CampaignID: id}
	err := c.withLock(ctx, id, func(ctx context.Context) error {
		camp, err := c.campaigns.Get(ctx, id)
		if err != nil {
			return err
		}
		if camp.Status != domain.CampaignCancelled {
			return fmt.Errorf("%w: campaign is %s", ErrInvalidTransition, camp.Status)
		}
		c.cancelCleanup(ctx, id, res)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func (c *Controller) cancelCleanup(ctx context.Context, id string, res *CancelResult) {
	var cleanup *multierror.Error
	var err error
	if res.Discarded, err = c.queue.DiscardAll(ctx, id); err != nil {
		cleanup = multierror.Append(cleanup, fmt.Errorf("discard queue: %w", err))
	}
	leased, err := c.queue.Leased(ctx, id)
	if err != nil {
		cleanup = multierror.Append(cleanup, fmt.Errorf("list leased: %w", err))
	}
	res.InFlight = len(leased)
	if res.Cancelled, err = c.deliveries.CancelOutstanding(ctx, id, domain.CancelledReason, leased, c.now().UTC()); err != nil {
		cleanup = multierror.Append(cleanup, fmt.Errorf("cancel records: %w", err))
	}
	if err := cleanup.ErrorOrNil(); err != nil {
		logger.Error("campaign cancel cleanup incomplete", "campaign_id", id, "error", err)
	}
}

// SendTest renders the campaign for sample and delivers it to the given
// addresses without creating delivery records or tracking.
func (c *Controller) SendTest(ctx context.Context, id string, to []string, sample map[string]interface{}) (int, error) {
	if c.composer == nil || c.transport == nil {
		return 0, errors.New("test sends are not configured")
	}
	camp, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return 0, err
	}
	if len(to) == 0 || len(to) > 10 {
		return 0, invalid("to", "between 1 and 10 addresses are required")
	}
	content, err := c.freezeContent(ctx, camp)
	if err != nil {
		return 0, err
	}
	draft := *camp
	draft.Subject = content.Subject
	draft.HTMLContent = content.HTML
	draft.TextContent = content.Text

	fields := make(map[string]interface{}, len(sample)+1)
	for k, v := range sample {
		fields[k] = v
	}
	if _, ok := fields[mailing.FieldUnsubscribeURL]; !ok {
		fields[mailing.FieldUnsubscribeURL] = "#"
	}

	sent := 0
	for _, addr := range to {
		msg, err := c.composer.Compose(&draft, strings.TrimSpace(addr), "", fields)
		if err != nil {
			return sent, invalid("content", err.Error())
		}
		msg.Subject = "[TEST] " + msg.Subject
		if _, err := c.transport.Send(ctx, msg); err != nil {
			return sent, fmt.Errorf("send test to %s: %w", logger.RedactEmail(addr), err)
		}
		sent++
	}
	logger.Info("test send delivered", "campaign_id", id, "count", sent, "actor", ActorFromContext(ctx))
	return sent, nil
}

func (c *Controller) failQuietly(ctx context.Context, camp *domain.Campaign, reason string) {
	if _, err := c.transition(ctx, camp, domain.ActionFail, reason, nil); err != nil {
		logger.Error("mark campaign failed", "campaign_id", camp.ID, "error", err)
	}
}
