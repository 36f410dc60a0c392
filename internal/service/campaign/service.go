package campaign

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/mailing"
	"github.com/ignite/campaign-engine/internal/metrics"
	"github.com/ignite/campaign-engine/internal/pkg/distlock"
	"github.com/ignite/campaign-engine/internal/pkg/logger"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

// Deps wires the controller. Only Campaigns, Deliveries, Segments and Queue
// are required.
type Deps struct {
	Campaigns  Repository
	Deliveries DeliveryRepository
	Segments   Resolver
	Queue      queue.Queue
	Templates  mailing.TemplateStore
	Locks      distlock.Factory
	Composer   *mailing.Composer
	Transport  sending.Transport
	Metrics    *metrics.Metrics
	Now        func() time.Time
}

// Controller implements campaign business logic. All public methods are
// safe for concurrent use if the underlying repositories are.
type Controller struct {
	campaigns  Repository
	deliveries DeliveryRepository
	segments   Resolver
	queue      queue.Queue
	templates  mailing.TemplateStore
	locks      distlock.Factory
	composer   *mailing.Composer
	transport  sending.Transport
	metrics    *metrics.Metrics

	lockTTL   time.Duration
	pushBatch int
	now       func() time.Time
}

// NewController creates a campaign controller.
func NewController(d Deps) *Controller {
	c := &Controller{
		campaigns:  d.Campaigns,
		deliveries: d.Deliveries,
		segments:   d.Segments,
		queue:      d.Queue,
		templates:  d.Templates,
		locks:      d.Locks,
		composer:   d.Composer,
		transport:  d.Transport,
		metrics:    d.Metrics,
		lockTTL:    10 * time.Minute,
		pushBatch:  1000,
		now:        d.Now,
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// CreateInput holds the fields for creating a new campaign.
type CreateInput struct {
	Name               string  `json:"name"`
	Subject            string  `json:"subject"`
	FromName           string  `json:"from_name"`
	FromEmail          string  `json:"from_email"`
	ReplyTo            string  `json:"reply_to"`
	HTMLContent        string  `json:"html_content"`
	TextContent        string  `json:"text_content"`
	TemplateRef        *string `json:"template_ref"`
	SegmentID          *string `json:"segment_id"`
	ExclusionSegmentID *string `json:"exclusion_segment_id"`
	SendRate           int     `json:"send_rate"`
}

// UpdateFields holds the mutable fields for a campaign update.
// Nil fields are not applied.
type UpdateFields struct {
	Name               *string `json:"name"`
	Subject            *string `json:"subject"`
	FromName           *string `json:"from_name"`
	FromEmail          *string `json:"from_email"`
	ReplyTo            *string `json:"reply_to"`
	HTMLContent        *string `json:"html_content"`
	TextContent        *string `json:"text_content"`
	TemplateRef        *string `json:"template_ref"`
	SegmentID          *string `json:"segment_id"`
	ExclusionSegmentID *string `json:"exclusion_segment_id"`
	SendRate           *int    `json:"send_rate"`
}

// Get returns a single campaign.
func (c *Controller) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	return c.campaigns.Get(ctx, id)
}

// List returns campaigns matching the filter.
func (c *Controller) List(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error) {
	if f.Limit <= 0 || f.Limit > 200 {
		f.Limit = 50
	}
	return c.campaigns.List(ctx, f)
}

// History returns the campaign's transition audit trail.
func (c *Controller) History(ctx context.Context, id string) ([]domain.CampaignTransition, error) {
	if _, err := c.campaigns.Get(ctx, id); err != nil {
		return nil, err
	}
	return c.campaigns.History(ctx, id)
}

// Create validates and persists a new campaign in draft status.
func (c *Controller) Create(ctx context.Context, in CreateInput) (*domain.Campaign, error) {
	now := c.now().UTC()
	camp := &domain.Campaign{
		ID:                 uuid.New().String(),
		Name:               strings.TrimSpace(in.Name),
		Subject:            in.Subject,
		FromName:           in.FromName,
		FromEmail:          strings.TrimSpace(in.FromEmail),
		ReplyTo:            strings.TrimSpace(in.ReplyTo),
		HTMLContent:        in.HTMLContent,
		TextContent:        in.TextContent,
		TemplateRef:        blankToNil(in.TemplateRef),
		SegmentID:          blankToNil(in.SegmentID),
		ExclusionSegmentID: blankToNil(in.ExclusionSegmentID),
		SendRate:           in.SendRate,
		Status:             domain.CampaignDraft,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := c.validate(camp); err != nil {
		return nil, err
	}
	if err := c.campaigns.Create(ctx, camp); err != nil {
		return nil, fmt.Errorf("create campaign: %w", err)
	}
	logger.Info("campaign created", "campaign_id", camp.ID, "actor", ActorFromContext(ctx))
	return camp, nil
}

// Update modifies mutable fields of a DRAFT or SCHEDULED campaign.
func (c *Controller) Update(ctx context.Context, id string, u UpdateFields) (*domain.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := domain.NextStatus(camp.Status, domain.ActionEdit); !ok {
		return nil, &PolicyError{Current: camp.Status, Action: domain.ActionEdit}
	}
	expect := camp.Status

	if u.Name != nil {
		camp.Name = strings.TrimSpace(*u.Name)
	}
	if u.Subject != nil {
		camp.Subject = *u.Subject
	}
	if u.FromName != nil {
		camp.FromName = *u.FromName
	}
	if u.FromEmail != nil {
		camp.FromEmail = strings.TrimSpace(*u.FromEmail)
	}
	if u.ReplyTo != nil {
		camp.ReplyTo = strings.TrimSpace(*u.ReplyTo)
	}
	if u.HTMLContent != nil {
		camp.HTMLContent = *u.HTMLContent
	}
	if u.TextContent != nil {
		camp.TextContent = *u.TextContent
	}
	if u.TemplateRef != nil {
		camp.TemplateRef = blankToNil(u.TemplateRef)
	}
	if u.SegmentID != nil {
		camp.SegmentID = blankToNil(u.SegmentID)
	}
	if u.ExclusionSegmentID != nil {
		camp.ExclusionSegmentID = blankToNil(u.ExclusionSegmentID)
	}
	if u.SendRate != nil {
		camp.SendRate = *u.SendRate
	}
	if err := c.validate(camp); err != nil {
		return nil, err
	}
	if camp.Status == domain.CampaignScheduled && !camp.HasContent() {
		return nil, invalid("content", "a scheduled campaign needs html_content, text_content or template_ref")
	}

	camp.UpdatedAt = c.now().UTC()
	if err := c.campaigns.Update(ctx, camp, expect); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, c.conflict(ctx, id, domain.ActionEdit)
		}
		return nil, fmt.Errorf("update campaign: %w", err)
	}
	return camp, nil
}

func (c *Controller) validate(camp *domain.Campaign) error {
	v := &ValidationError{}
	if camp.Name == "" {
		v.add("name", "is required")
	} else if len(camp.Name) > 255 {
		v.add("name", "must be at most 255 characters")
	}
	if strings.TrimSpace(camp.Subject) == "" {
		v.add("subject", "is required")
	}
	if !mailing.ValidateEmail(camp.FromEmail) {
		v.add("from_email", "must be a valid email address")
	}
	if camp.ReplyTo != "" && !mailing.ValidateEmail(camp.ReplyTo) {
		v.add("reply_to", "must be a valid email address")
	}
	if camp.SendRate < 0 {
		v.add("send_rate", "must be zero (unthrottled) or positive")
	}
	if camp.SegmentID != nil && camp.ExclusionSegmentID != nil && *camp.SegmentID == *camp.ExclusionSegmentID {
		v.add("exclusion_segment_id", "must differ from segment_id")
	}
	if c.composer != nil {
		for field, content := range map[string]string{
			"subject": camp.Subject, "html_content": camp.HTMLContent, "text_content": camp.TextContent,
		} {
			if err := c.composer.Engine().Parse(content); err != nil {
				v.add(field, err.Error())
			}
		}
	}
	return v.err()
}

// Delete removes a DRAFT campaign and its (empty) delivery records.
func (c *Controller) Delete(ctx context.Context, id string) error {
	return c.withLock(ctx, id, func(ctx context.Context) error {
		camp, err := c.campaigns.Get(ctx, id)
		if err != nil {
			return err
		}
		if _, err := c.transition(ctx, camp, domain.ActionDelete, "", nil); err != nil {
			return err
		}
		if _, err := c.deliveries.DeleteRecords(ctx, id); err != nil {
			logger.Warn("delete campaign records failed", "campaign_id", id, "error", err)
		}
		return nil
	})
}

// Schedule moves a DRAFT campaign to SCHEDULED for a future time.
func (c *Controller) Schedule(ctx context.Context, id string, at time.Time) (*domain.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := domain.NextStatus(camp.Status, domain.ActionSchedule); !ok {
		return nil, &PolicyError{Current: camp.Status, Action: domain.ActionSchedule}
	}
	v := &ValidationError{}
	if !at.After(c.now()) {
		v.add("scheduled_at", "must be in the future")
	}
	if !camp.HasContent() {
		v.add("content", "html_content, text_content or template_ref is required")
	}
	if err := v.err(); err != nil {
		return nil, err
	}
	at = at.UTC()
	return c.transition(ctx, camp, domain.ActionSchedule, "", func(t *domain.CampaignTransition) {
		t.ScheduledAt = &at
	})
}

// Unschedule returns a SCHEDULED campaign to DRAFT.
func (c *Controller) Unschedule(ctx context.Context, id string) (*domain.Campaign, error) {
	return c.simpleTransition(ctx, id, domain.ActionUnschedule, "")
}

// Pause stops queue consumption for a SENDING campaign.
func (c *Controller) Pause(ctx context.Context, id string) (*domain.Campaign, error) {
	return c.simpleTransition(ctx, id, domain.ActionPause, "")
}

// Resume continues a PAUSED campaign from where it stopped. Nothing is re-seeded.
func (c *Controller) Resume(ctx context.Context, id string) (*domain.Campaign, error) {
	return c.simpleTransition(ctx, id, domain.ActionResume, "")
}

// Fail moves a campaign to FAILED with reason.
func (c *Controller) Fail(ctx context.Context, id, reason string) (*domain.Campaign, error) {
	return c.simpleTransition(ctx, id, domain.ActionFail, reason)
}

// Complete marks a drained SENDING campaign COMPLETED.
func (c *Controller) Complete(ctx context.Context, id string) (*domain.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, ok := domain.NextStatus(camp.Status, domain.ActionComplete); !ok {
		return nil, &PolicyError{Current: camp.Status, Action: domain.ActionComplete}
	}
	p, err := c.deliveries.Progress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign progress: %w", err)
	}
	stats, err := c.queue.Stats(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	if p.Outstanding() > 0 || !stats.Empty() {
		return nil, ErrNotDrained
	}
	done, err := c.transition(ctx, camp, domain.ActionComplete, "", nil)
	if err != nil {
		return nil, err
	}
	if _, err := c.queue.DiscardAll(ctx, id); err != nil {
		logger.Warn("queue cleanup after completion failed", "campaign_id", id, "error", err)
	}
	return done, nil
}

// ProgressReport combines record counts with live queue depth.
type ProgressReport struct {
	domain.Progress
	Queue queue.Stats `json:"queue"`
}

// Progress reports (sent + failed) / total recipients with per-status
// counts. Available in any state.
func (c *Controller) Progress(ctx context.Context, id string) (*ProgressReport, error) {
	camp, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	p, err := c.deliveries.Progress(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("campaign progress: %w", err)
	}
	p.CampaignID = id
	p.Status = camp.Status
	if camp.TotalRecipients > 0 {
		p.Total = camp.TotalRecipients
	}
	p.ComputeRatio()

	report := &ProgressReport{Progress: p}
	if stats, err := c.queue.Stats(ctx, id); err == nil {
		report.Queue = stats
	} else {
		logger.Warn("queue stats unavailable", "campaign_id", id, "error", err)
	}
	return report, nil
}

// DueCampaigns returns SCHEDULED campaigns whose time has come.
func (c *Controller) DueCampaigns(ctx context.Context, limit int) ([]domain.Campaign, error) {
	return c.campaigns.ListDue(ctx, c.now().UTC(), limit)
}

// ListByStatus returns campaigns in the given status.
func (c *Controller) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	return c.campaigns.ListByStatus(ctx, status)
}

func (c *Controller) simpleTransition(ctx context.Context, id string, action domain.CampaignAction, reason string) (*domain.Campaign, error) {
	camp, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return c.transition(ctx, camp, action, reason, nil)
}

// transition applies action to camp with a compare-and-set on its current
// status and returns the stored result.
func (c *Controller) transition(ctx context.Context, camp *domain.Campaign, action domain.CampaignAction, reason string, mutate func(*domain.CampaignTransition)) (*domain.Campaign, error) {
	to, ok := domain.NextStatus(camp.Status, action)
	if !ok {
		return nil, &PolicyError{Current: camp.Status, Action: action}
	}
	t := c.newTransition(ctx, camp, action, to, reason)
	if mutate != nil {
		mutate(&t)
	}
	if err := c.campaigns.Transition(ctx, t); err != nil {
		if errors.Is(err, ErrConflict) {
			return nil, c.conflict(ctx, camp.ID, action)
		}
		return nil, fmt.Errorf("%s campaign: %w", action, err)
	}
	c.recordTransition(t)
	if to == domain.CampaignDeleted {
		// Deleted campaigns are no longer readable through the repository.
		gone := *camp
		gone.Status = to
		gone.UpdatedAt = t.At
		return &gone, nil
	}
	return c.campaigns.Get(ctx, camp.ID)
}

func (c *Controller) newTransition(ctx context.Context, camp *domain.Campaign, action domain.CampaignAction, to domain.CampaignStatus, reason string) domain.CampaignTransition {
	return domain.CampaignTransition{
		CampaignID: camp.ID,
		Action:     action,
		From:       camp.Status,
		To:         to,
		Actor:      ActorFromContext(ctx),
		Reason:     reason,
		At:         c.now().UTC(),
	}
}

func (c *Controller) recordTransition(t domain.CampaignTransition) {
	c.metrics.Transition(string(t.Action), string(t.To))
	logger.Info("campaign transition",
		"campaign_id", t.CampaignID, "action", t.Action, "from_status", t.From, "new_status", t.To, "actor", t.Actor, "reason", t.Reason)
}

// conflict re-reads a campaign after a failed compare-and-set so the caller
// sees the status that won.
func (c *Controller) conflict(ctx context.Context, id string, action domain.CampaignAction) error {
	fresh, err := c.campaigns.Get(ctx, id)
	if err != nil {
		return err
	}
	return &PolicyError{Current: fresh.Status, Action: action}
}

func (c *Controller) withLock(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if c.locks == nil {
		return fn(ctx)
	}
	err := distlock.WithLock(ctx, c.locks("campaign:lock:"+id, c.lockTTL), fn)
	if errors.Is(err, distlock.ErrNotAcquired) {
		return ErrLaunchInProgress
	}
	return err
}

func blankToNil(s *string) *string {
	if s == nil {
		return nil
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return nil
	}
	return &v
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
