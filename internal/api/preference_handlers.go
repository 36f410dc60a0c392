package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
)

// PreferenceService manages recipient email eligibility flags.
type PreferenceService interface {
	Get(ctx context.Context, userID string) (*domain.Preferences, error)
	BulkUpsert(ctx context.Context, prefs []domain.Preferences) (int, error)
}

type preferenceHandlers struct {
	svc PreferenceService
}

type bulkPreferencesRequest struct {
	Preferences []domain.Preferences `json:"preferences"`
}

func (h *preferenceHandlers) bulkUpsert(w http.ResponseWriter, r *http.Request) {
	var req bulkPreferencesRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	n, err := h.svc.BulkUpsert(r.Context(), req.Preferences)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, map[string]any{"upserted": n})
}

func (h *preferenceHandlers) get(w http.ResponseWriter, r *http.Request) {
	p, err := h.svc.Get(r.Context(), chi.URLParam(r, "userID"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, p)
}
