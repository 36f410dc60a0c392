package mailing

import (
	"fmt"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

// Merge fields the composer always provides.
const (
	FieldEmail          = "email"
	FieldUnsubscribeURL = "unsubscribe_url"
)

// Composer renders a campaign into a message for one recipient.
type Composer struct {
	engine *TemplateEngine
	links  *LinkTracker
}

// NewComposer creates a composer. links may be nil to skip tracking.
func NewComposer(engine *TemplateEngine, links *LinkTracker) *Composer {
	return &Composer{engine: engine, links: links}
}

// Engine returns the underlying template engine.
func (c *Composer) Engine() *TemplateEngine { return c.engine }

// Compose renders subject and bodies strictly. When trackingID is set the
// unsubscribe URL is offered as a merge field and links are rewritten.
func (c *Composer) Compose(camp *domain.Campaign, to, trackingID string, fields map[string]interface{}) (*sending.Message, error) {
	if !ValidateEmail(to) {
		return nil, fmt.Errorf("%w: recipient %q", sending.ErrInvalidMessage, to)
	}

	merged := make(map[string]interface{}, len(fields)+2)
	for k, v := range fields {
		merged[k] = v
	}
	merged[FieldEmail] = to
	track := c.links != nil && trackingID != ""
	if track {
		merged[FieldUnsubscribeURL] = c.links.UnsubscribeURL(trackingID)
	}

	subject, err := c.engine.Render(camp.Subject, merged)
	if err != nil {
		return nil, fmt.Errorf("render subject: %w", err)
	}
	var htmlBody, textBody string
	if camp.HTMLContent != "" {
		if htmlBody, err = c.engine.Render(camp.HTMLContent, merged); err != nil {
			return nil, fmt.Errorf("render html: %w", err)
		}
	}
	if camp.TextContent != "" {
		if textBody, err = c.engine.Render(camp.TextContent, merged); err != nil {
			return nil, fmt.Errorf("render text: %w", err)
		}
	}

	msg := &sending.Message{
		To:         to,
		FromName:   camp.FromName,
		FromEmail:  camp.FromEmail,
		ReplyTo:    camp.ReplyTo,
		Subject:    subject,
		HTML:       htmlBody,
		Text:       textBody,
		Headers:    map[string]string{"X-Campaign-ID": camp.ID},
		CampaignID: camp.ID,
		TrackingID: trackingID,
	}
	if track {
		if msg.HTML != "" {
			msg.HTML = c.links.Inject(msg.HTML, trackingID)
		}
		AddUnsubscribeHeaders(msg.Headers, merged[FieldUnsubscribeURL].(string))
	}
	return msg, nil
}
