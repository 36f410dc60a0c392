package domain

import "time"

// DeliveryStatus enumerates the lifecycle of a single recipient's delivery.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliveryQueued  DeliveryStatus = "queued"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryOpened  DeliveryStatus = "opened"
	DeliveryClicked DeliveryStatus = "clicked"
	DeliveryFailed  DeliveryStatus = "failed"
)

// CancelledReason is recorded on records failed by a campaign cancellation.
const CancelledReason = "campaign cancelled"

var deliveryAdvances = map[DeliveryStatus][]DeliveryStatus{
	DeliveryPending: {DeliveryQueued, DeliverySent, DeliveryFailed},
	DeliveryQueued:  {DeliverySent, DeliveryFailed},
	DeliverySent:    {DeliveryOpened, DeliveryClicked},
	DeliveryOpened:  {DeliveryClicked},
}

// CanAdvance reports whether a record may move from one status to another.
// Statuses only move forward; FAILED and CLICKED are final.
func CanAdvance(from, to DeliveryStatus) bool {
	for _, s := range deliveryAdvances[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Delivered reports whether the status means the message left the system.
func (s DeliveryStatus) Delivered() bool {
	return s == DeliverySent || s == DeliveryOpened || s == DeliveryClicked
}

// DeliveryRecord is the per-recipient row created when a campaign launches.
type DeliveryRecord struct {
	ID             string         `json:"id" db:"id"`
	CampaignID     string         `json:"campaign_id" db:"campaign_id"`
	UserID         string         `json:"user_id" db:"user_id"`
	Email          string         `json:"email" db:"email"`
	TrackingID     string         `json:"tracking_id" db:"tracking_id"`
	Status         DeliveryStatus `json:"status" db:"status"`
	Attempts       int            `json:"attempts" db:"attempts"`
	LastError      string         `json:"last_error,omitempty" db:"last_error"`
	MessageID      string         `json:"message_id,omitempty" db:"message_id"`
	OpenCount      int            `json:"open_count" db:"open_count"`
	ClickCount     int            `json:"click_count" db:"click_count"`
	FirstOpenedAt  *time.Time     `json:"first_opened_at" db:"first_opened_at"`
	LastOpenedAt   *time.Time     `json:"last_opened_at" db:"last_opened_at"`
	FirstClickedAt *time.Time     `json:"first_clicked_at" db:"first_clicked_at"`
	LastClickedAt  *time.Time     `json:"last_clicked_at" db:"last_clicked_at"`
	QueuedAt       *time.Time     `json:"queued_at" db:"queued_at"`
	SentAt         *time.Time     `json:"sent_at" db:"sent_at"`
	FailedAt       *time.Time     `json:"failed_at" db:"failed_at"`
	CreatedAt      time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at" db:"updated_at"`
}

// QueueEntry carries everything a worker needs to render and send one message.
type QueueEntry struct {
	RecordID   string    `json:"record_id"`
	CampaignID string    `json:"campaign_id"`
	UserID     string    `json:"user_id"`
	Email      string    `json:"email"`
	TrackingID string    `json:"tracking_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error,omitempty"`
}

// EntryFor builds the queue entry for a delivery record.
func EntryFor(r DeliveryRecord, at time.Time) QueueEntry {
	return QueueEntry{
		RecordID:   r.ID,
		CampaignID: r.CampaignID,
		UserID:     r.UserID,
		Email:      r.Email,
		TrackingID: r.TrackingID,
		EnqueuedAt: at,
		Attempts:   r.Attempts,
	}
}

// Progress summarizes a campaign's delivery records.
type Progress struct {
	CampaignID string         `json:"campaign_id"`
	Status     CampaignStatus `json:"status"`
	Total      int            `json:"total"`
	Pending    int            `json:"pending"`
	Queued     int            `json:"queued"`
	Sent       int            `json:"sent"`
	Opened     int            `json:"opened"`
	Clicked    int            `json:"clicked"`
	Failed     int            `json:"failed"`
	Ratio      float64        `json:"ratio"`
}

// Delivered counts records that reached the transport successfully.
func (p Progress) Delivered() int {
	return p.Sent + p.Opened + p.Clicked
}

// Outstanding counts records still waiting to be sent.
func (p Progress) Outstanding() int {
	return p.Pending + p.Queued
}

// ComputeRatio fills Ratio as (delivered + failed) / total.
func (p *Progress) ComputeRatio() {
	if p.Total <= 0 {
		p.Ratio = 0
		return
	}
	p.Ratio = float64(p.Delivered()+p.Failed) / float64(p.Total)
	if p.Ratio > 1 {
		p.Ratio = 1
	}
}
