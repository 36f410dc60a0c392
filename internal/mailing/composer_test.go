package mailing

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/sending"
)

func testCampaign() *domain.Campaign {
	return &domain.Campaign{
		ID:          "camp-1",
		Subject:     "Hello {{ first_name }}",
		FromName:    "Team",
		FromEmail:   "team@example.com",
		HTMLContent: `<html><body><a href="https://example.com/x">x</a> <a href="{{ unsubscribe_url }}">unsubscribe</a></body></html>`,
		TextContent: "Hi {{ first_name }}, unsubscribe: {{ unsubscribe_url }}",
	}
}

func TestComposer_ComposeTracked(t *testing.T) {
	links := NewLinkTracker("https://t.example.com", "k")
	c := NewComposer(NewTemplateEngine(), links)

	msg, err := c.Compose(testCampaign(), "ana@example.com", "trk-1", map[string]interface{}{"first_name": "Ana"})
	require.NoError(t, err)

	assert.Equal(t, "Hello Ana", msg.Subject)
	assert.Equal(t, "ana@example.com", msg.To)
	assert.Equal(t, "trk-1", msg.TrackingID)
	assert.Contains(t, msg.HTML, "/t/c/trk-1?")
	assert.Contains(t, msg.HTML, links.UnsubscribeURL("trk-1"))
	assert.Contains(t, msg.HTML, links.OpenURL("trk-1"))
	assert.Equal(t, 1, strings.Count(msg.HTML, "/t/c/"), "unsubscribe link is not wrapped")
	assert.Contains(t, msg.Text, links.UnsubscribeURL("trk-1"))
	assert.Equal(t, "<"+links.UnsubscribeURL("trk-1")+">", msg.Headers["List-Unsubscribe"])
	assert.Equal(t, "camp-1", msg.Headers["X-Campaign-ID"])
}

func TestComposer_MissingFieldIsError(t *testing.T) {
	c := NewComposer(NewTemplateEngine(), NewLinkTracker("https://t.example.com", "k"))

	_, err := c.Compose(testCampaign(), "ana@example.com", "trk-1", map[string]interface{}{})
	assert.ErrorIs(t, err, ErrMissingMergeField)
}

func TestComposer_InvalidRecipient(t *testing.T) {
	c := NewComposer(NewTemplateEngine(), nil)

	_, err := c.Compose(testCampaign(), "not-an-email", "", map[string]interface{}{"first_name": "A"})
	assert.ErrorIs(t, err, sending.ErrInvalidMessage)
	assert.False(t, sending.IsRetryable(err))
}

func TestComposer_UntrackedNeedsUnsubscribeField(t *testing.T) {
	c := NewComposer(NewTemplateEngine(), nil)
	camp := testCampaign()
	fields := map[string]interface{}{"first_name": "A", FieldUnsubscribeURL: "#"}

	msg, err := c.Compose(camp, "a@example.com", "", fields)
	require.NoError(t, err)
	assert.NotContains(t, msg.HTML, "/t/c/")
	assert.Empty(t, msg.Headers["List-Unsubscribe"])
}
