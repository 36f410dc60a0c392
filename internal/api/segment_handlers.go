package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/pkg/httputil"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// SegmentService is the segment evaluator surface the operator API drives.
type SegmentService interface {
	CreateSegment(ctx context.Context, in segmentation.SegmentInput) (*domain.Segment, error)
	UpdateSegment(ctx context.Context, id string, in segmentation.SegmentInput) (*domain.Segment, error)
	GetSegment(ctx context.Context, id string) (*domain.Segment, error)
	Preview(ctx context.Context, req segmentation.PreviewRequest) (*segmentation.Preview, error)
	Count(ctx context.Context, segmentID string) (*segmentation.CountResult, error)
	Recount(ctx context.Context, segmentID string) (*segmentation.CountResult, error)
}

type segmentHandlers struct {
	svc SegmentService
}

func (h *segmentHandlers) schema(w http.ResponseWriter, _ *http.Request) {
	httputil.OK(w, map[string]any{
		"attributes": segmentation.AttributeList(),
		"operators":  segmentation.GetOperatorMetadata(),
		"max_depth":  segmentation.MaxDepth,
	})
}

func (h *segmentHandlers) create(w http.ResponseWriter, r *http.Request) {
	var in segmentation.SegmentInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	seg, err := h.svc.CreateSegment(r.Context(), in)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.Created(w, seg)
}

func (h *segmentHandlers) get(w http.ResponseWriter, r *http.Request) {
	seg, err := h.svc.GetSegment(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, seg)
}

func (h *segmentHandlers) update(w http.ResponseWriter, r *http.Request) {
	var in segmentation.SegmentInput
	if !httputil.Decode(w, r, &in) {
		return
	}
	seg, err := h.svc.UpdateSegment(r.Context(), chi.URLParam(r, "id"), in)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, seg)
}

func (h *segmentHandlers) preview(w http.ResponseWriter, r *http.Request) {
	var req segmentation.PreviewRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	p, err := h.svc.Preview(r.Context(), req)
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, p)
}

// count serves the cached audience size. Without an id it counts the
// default audience.
func (h *segmentHandlers) count(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Count(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, res)
}

func (h *segmentHandlers) recount(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Recount(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, err)
		return
	}
	httputil.OK(w, res)
}
