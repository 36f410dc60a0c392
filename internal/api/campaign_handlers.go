package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// CampaignService is the controller surface the operator API drives.
type CampaignService interface {
	List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error)
	Get(ctx context.Context, id string) (*domain.Campaign, error)
	Create(ctx context.Context, in campaign.CreateInput) (*domain.Campaign, error)
	Update(ctx context.Context, id string, u campaign.UpdateFields) (*domain.Campaign, error)
	Delete(ctx context.Context, id string) error
	Schedule(ctx context.Context, id string, at time.Time) (*domain.Campaign, error)
	Unschedule(ctx context.Context, id string) (*domain.Campaign, error)
	Launch(ctx context.Context, id string) (*campaign.LaunchResult, error)
	Pause(ctx context.Context, id string) (*domain.Campaign, error)
	Resume(ctx context.Context, id string) (*domain.Campaign, error)
	Cancel(ctx context.Context, id string) (*campaign.CancelResult, error)
	Reseed(ctx context.Context, id string) (int, error)
	Progress(ctx context.Context, id string) (*campaign.ProgressReport, error)
	History(ctx context.Context, id string) ([]domain.CampaignTransition, error)
	SendTest(ctx context.Context, id string, to []string, sample map[string]interface{}) (int, error)
}

type campaignHandlers struct {
	svc CampaignService
}

func (h *campaignHandlers) list(w http.ResponseWriter, r *http.Request) {
	page := ParsePage(r, 50, 200)
	campaigns, total, err := h.svc.List(r.Context(), campaign.ListFilter{
		Status: r.URL.Query().Get("status"),
		Search: r.URL.Query().Get("search"),
		Limit:  page.Limit,
		Offset: page.Offset,
	})
	if err != nil {
		respondError(w, err)
		return
	}
	if campaigns == nil {
		campaigns = []domain.Campaign{}
	}
	httputil.OK(w, NewListResponse(campaigns, page, total))
}

func (h *campaignHandlers) create(w http.ResponseWriter, r *http.Request) {
	var in campaign.CreateInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	c, err := h.svc.Create(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, c)
}

func (h *campaignHandlers) get(w http.ResponseWriter, r *http.Request) {
	c, err := h.svc.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (h *campaignHandlers) update(w http.ResponseWriter, r *http.Request) {
	var u campaign.UpdateFields
	if !httputil.Decode(w, r, &u) {
		return
	}
	c, err := h.svc.Update(r.Context(), chi.URLParam(r, "id"), u)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (h *campaignHandlers) delete(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		respondError(w, err)
		return
	}
	httputil.NoContent(w)
}

type scheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
}

func (h *campaignHandlers) schedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if req.ScheduledAt.IsZero() {
		httputil.ErrorWithDetails(w, http.StatusBadRequest, httputil.CodeValidation, "validation failed",
			[]campaign.FieldError{{Field: "scheduled_at", Message: "is required"}})
		return
	}
	c, err := h.svc.Schedule(r.Context(), chi.URLParam(r, "id"), req.ScheduledAt)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (h *campaignHandlers) unschedule(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Unschedule)
}

func (h *campaignHandlers) pause(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Pause)
}

func (h *campaignHandlers) resume(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.svc.Resume)
}

func (h *campaignHandlers) transition(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) (*domain.Campaign, error)) {
	c, err := fn(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, c)
}

func (h *campaignHandlers) launch(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Launch(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Accepted(w, res)
}

func (h *campaignHandlers) cancel(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (h *campaignHandlers) reseed(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	n, err := h.svc.Reseed(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"campaign_id": id, "queued": n})
}

func (h *campaignHandlers) progress(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Progress(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, p)
}

func (h *campaignHandlers) history(w http.ResponseWriter, r *http.Request) {
	ts, err := h.svc.History(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	if ts == nil {
		ts = []domain.CampaignTransition{}
	}
	httputil.OK(w, map[string]any{"transitions": ts})
}

type testSendRequest struct {
	To         []string               `json:"to"`
	SampleData map[string]interface{} `json:"sample_data"`
}

func (h *campaignHandlers) sendTest(w http.ResponseWriter, r *http.Request) {
	var req testSendRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	n, err := h.svc.SendTest(r.Context(), chi.URLParam(r, "id"), req.To, req.SampleData)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"sent": n})
}
