package domain

import (
	"strings"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignSending   CampaignStatus = "sending"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignCancelled CampaignStatus = "cancelled"
	CampaignFailed    CampaignStatus = "failed"
	CampaignDeleted   CampaignStatus = "deleted"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignSending, CampaignPaused,
		CampaignCompleted, CampaignCancelled, CampaignFailed, CampaignDeleted:
		return true
	}
	return false
}

// Sending reports whether queues for the campaign may be drained.
func (s CampaignStatus) Sending() bool { return s == CampaignSending }

// Campaign represents an email campaign with its content and delivery config.
type Campaign struct {
	ID                 string         `json:"id" db:"id"`
	Name               string         `json:"name" db:"name"`
	Subject            string         `json:"subject" db:"subject"`
	FromName           string         `json:"from_name" db:"from_name"`
	FromEmail          string         `json:"from_email" db:"from_email"`
	ReplyTo            string         `json:"reply_to" db:"reply_to"`
	HTMLContent        string         `json:"html_content" db:"html_content"`
	TextContent        string         `json:"text_content" db:"text_content"`
	TemplateRef        *string        `json:"template_ref" db:"template_ref"`
	SegmentID          *string        `json:"segment_id" db:"segment_id"`
	ExclusionSegmentID *string        `json:"exclusion_segment_id" db:"exclusion_segment_id"`
	SendRate           int            `json:"send_rate" db:"send_rate"` // entries per minute, 0 = unthrottled
	Status             CampaignStatus `json:"status" db:"status"`
	TotalRecipients    int            `json:"total_recipients" db:"total_recipients"`
	FailureReason      string         `json:"failure_reason,omitempty" db:"failure_reason"`

	ScheduledAt *time.Time `json:"scheduled_at" db:"scheduled_at"`
	StartedAt   *time.Time `json:"started_at" db:"started_at"`
	PausedAt    *time.Time `json:"paused_at" db:"paused_at"`
	ResumedAt   *time.Time `json:"resumed_at" db:"resumed_at"`
	CompletedAt *time.Time `json:"completed_at" db:"completed_at"`
	CancelledAt *time.Time `json:"cancelled_at" db:"cancelled_at"`
	FailedAt    *time.Time `json:"failed_at" db:"failed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// IsTerminal returns true if the campaign is in a final state.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted || c.Status == CampaignCancelled || c.Status == CampaignDeleted
}

// IsEditable returns true while content and targeting may still change.
func (c *Campaign) IsEditable() bool {
	return c.Status == CampaignDraft || c.Status == CampaignScheduled
}

// HasContent reports whether the campaign carries a sendable body, either
// inline or through a template reference that is resolved at launch.
func (c *Campaign) HasContent() bool {
	if strings.TrimSpace(c.HTMLContent) != "" || strings.TrimSpace(c.TextContent) != "" {
		return true
	}
	return c.TemplateRef != nil && *c.TemplateRef != ""
}

// CampaignTransition is one entry of a campaign's audit trail.
type CampaignTransition struct {
	CampaignID  string         `json:"campaign_id" db:"campaign_id"`
	Action      CampaignAction `json:"action" db:"action"`
	From        CampaignStatus `json:"from_status" db:"from_status"`
	To          CampaignStatus `json:"to_status" db:"to_status"`
	Actor       string         `json:"actor,omitempty" db:"actor"`
	Reason      string         `json:"reason,omitempty" db:"reason"`
	At          time.Time      `json:"at" db:"at"`
	ScheduledAt *time.Time     `json:"scheduled_at,omitempty" db:"-"` // schedule only
}
