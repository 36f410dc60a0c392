// Package sending defines the mail transport contract used by the delivery
// worker and the campaign controller's test sends.
//
// Each transport (SMTP, SES) implements Transport. Failures are classified
// as retryable or terminal through TransportError so the worker can decide
// between requeueing and failing the delivery record.
package sending

import (
	"context"
)

// Message is a fully rendered email ready for a transport.
type Message struct {
	To         string
	FromName   string
	FromEmail  string
	ReplyTo    string
	Subject    string
	HTML       string
	Text       string
	Headers    map[string]string
	CampaignID string
	TrackingID string
}

// Transport delivers a single message. Implementations must be safe for
// concurrent use. The returned id is the provider's message id, if any.
type Transport interface {
	Send(ctx context.Context, msg *Message) (string, error)
	Name() string
}

// Renderer turns template content and merge fields into output. Rendering is
// pure: the same inputs always produce the same output.
type Renderer interface {
	Render(content string, fields map[string]interface{}) (string, error)
}
