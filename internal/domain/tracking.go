package domain

import "time"

// TrackingEventType enumerates the types of email engagement events.
type TrackingEventType string

const (
	EventOpen        TrackingEventType = "open"
	EventClick       TrackingEventType = "click"
	EventUnsubscribe TrackingEventType = "unsubscribe"
)

// TrackingEvent represents a single engagement event from an email recipient.
type TrackingEvent struct {
	Type       TrackingEventType `json:"type"`
	TrackingID string            `json:"tracking_id"`
	URL        string            `json:"url,omitempty"`
	LinkID     string            `json:"link_id,omitempty"`
	IPAddress  string            `json:"ip_address,omitempty"`
	UserAgent  string            `json:"user_agent,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}
