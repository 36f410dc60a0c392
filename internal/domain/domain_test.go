package domain

import (
	"testing"
	"time"
)

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from   CampaignStatus
		action CampaignAction
		want   CampaignStatus
		ok     bool
	}{
		{CampaignDraft, ActionLaunch, CampaignSending, true},
		{CampaignScheduled, ActionLaunch, CampaignSending, true},
		{CampaignFailed, ActionLaunch, CampaignSending, true},
		{CampaignSending, ActionLaunch, "", false},
		{CampaignSending, ActionPause, CampaignPaused, true},
		{CampaignPaused, ActionResume, CampaignSending, true},
		{CampaignSending, ActionResume, "", false},
		{CampaignScheduled, ActionCancel, CampaignCancelled, true},
		{CampaignCompleted, ActionCancel, "", false},
		{CampaignDraft, ActionDelete, CampaignDeleted, true},
		{CampaignScheduled, ActionDelete, "", false},
		{CampaignScheduled, ActionEdit, CampaignScheduled, true},
		{CampaignSending, ActionEdit, "", false},
		{CampaignPaused, ActionReseed, CampaignPaused, true},
		{CampaignPaused, ActionComplete, "", false},
		{CampaignDraft, "bogus", "", false},
	}
	for _, tt := range tests {
		got, ok := NextStatus(tt.from, tt.action)
		if got != tt.want || ok != tt.ok {
			t.Errorf("NextStatus(%s, %s) = (%q, %v), want (%q, %v)", tt.from, tt.action, got, ok, tt.want, tt.ok)
		}
	}
}

func TestAllowedFromIsACopy(t *testing.T) {
	from := AllowedFrom(ActionCancel)
	from[0] = CampaignDeleted
	if AllowedFrom(ActionCancel)[0] == CampaignDeleted {
		t.Fatal("AllowedFrom must not expose the rule table")
	}
}

func TestCanAdvance(t *testing.T) {
	if !CanAdvance(DeliveryPending, DeliveryQueued) || !CanAdvance(DeliverySent, DeliveryOpened) || !CanAdvance(DeliveryOpened, DeliveryClicked) {
		t.Fatal("forward moves must be allowed")
	}
	if CanAdvance(DeliveryQueued, DeliveryOpened) {
		t.Fatal("open before send must be rejected")
	}
	if CanAdvance(DeliveryClicked, DeliveryOpened) || CanAdvance(DeliveryFailed, DeliverySent) {
		t.Fatal("backward moves must be rejected")
	}
}

func TestProgressRatio(t *testing.T) {
	p := Progress{Total: 10, Sent: 3, Opened: 1, Clicked: 1, Failed: 1, Pending: 4}
	p.ComputeRatio()
	if p.Ratio != 0.6 {
		t.Fatalf("Ratio = %v, want 0.6", p.Ratio)
	}
	if p.Outstanding() != 4 {
		t.Fatalf("Outstanding = %d, want 4", p.Outstanding())
	}

	empty := Progress{}
	empty.ComputeRatio()
	if empty.Ratio != 0 {
		t.Fatalf("empty Ratio = %v", empty.Ratio)
	}
}

func TestEntryFor(t *testing.T) {
	at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	e := EntryFor(DeliveryRecord{ID: "r1", CampaignID: "c1", UserID: "u1", Email: "a@b.co", TrackingID: "t1", Attempts: 2}, at)
	if e.RecordID != "r1" || e.TrackingID != "t1" || e.Attempts != 2 || !e.EnqueuedAt.Equal(at) {
		t.Fatalf("unexpected entry %+v", e)
	}
}

func TestCampaignHasContent(t *testing.T) {
	ref := "welcome.json"
	if (&Campaign{}).HasContent() {
		t.Fatal("empty campaign has no content")
	}
	if !(&Campaign{TextContent: "hi"}).HasContent() || !(&Campaign{TemplateRef: &ref}).HasContent() {
		t.Fatal("text or template reference is content")
	}
}
