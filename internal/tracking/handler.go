package tracking

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-engine/internal/mailing"
)

// 1x1 transparent GIF
var pixelGIF = []byte{
	0x47, 0x49, 0x46, 0x38, 0x39, 0x61, 0x01, 0x00, 0x01, 0x00,
	0x80, 0x00, 0x00, 0xff, 0xff, 0xff, 0x00, 0x00, 0x00, 0x2c,
	0x00, 0x00, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00, 0x02,
	0x02, 0x44, 0x01, 0x00, 0x3b,
}

// EventRecorder accepts tracking events without blocking.
type EventRecorder interface {
	RecordOpen(trackingID string, meta Meta) bool
	RecordClick(trackingID, target string, meta Meta) bool
	RecordUnsubscribe(trackingID string, meta Meta) bool
}

// Handler serves the public tracking surface.
type Handler struct {
	recorder     EventRecorder
	links        *mailing.LinkTracker
	safeRedirect string
}

// NewHandler creates a handler. safeRedirect is used for any click that
// cannot be verified or decoded.
func NewHandler(recorder EventRecorder, links *mailing.LinkTracker, safeRedirect string) *Handler {
	return &Handler{recorder: recorder, links: links, safeRedirect: safeRedirect}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/t/o/{token}", h.HandleOpen)
	r.Get("/t/c/{token}", h.HandleClick)
	r.Get("/t/u/{token}", h.HandleUnsubscribe)
	r.Post("/t/u/{token}", h.HandleUnsubscribe)
	r.Get("/health", h.HandleHealth)
	return r
}

func meta(r *http.Request) Meta {
	return Meta{IPAddress: mailing.ClientIP(r), UserAgent: r.UserAgent()}
}

func (h *Handler) HandleOpen(w http.ResponseWriter, r *http.Request) {
	if token := chi.URLParam(r, "token"); token != "" {
		h.recorder.RecordOpen(token, meta(r))
	}
	h.servePixel(w)
}

func (h *Handler) HandleClick(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	target, linkID, err := h.links.ParseClick(token, r.URL.Query())
	if err != nil {
		http.Redirect(w, r, h.safeRedirect, http.StatusFound)
		return
	}

	m := meta(r)
	m.LinkID = linkID
	h.recorder.RecordClick(token, target, m)
	http.Redirect(w, r, target, http.StatusFound)
}

func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !h.links.VerifyUnsubscribe(token, r.URL.Query().Get("s")) {
		http.Error(w, "invalid unsubscribe link", http.StatusBadRequest)
		return
	}
	h.recorder.RecordUnsubscribe(token, meta(r))

	if r.Method == http.MethodPost {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(`<!DOCTYPE html><html><body style="font-family:Arial,sans-serif;text-align:center;padding:50px;">
		<h1>You have been unsubscribed</h1>
		<p>You will no longer receive marketing emails from us.</p>
	</body></html>`))
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

func (h *Handler) servePixel(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "image/gif")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Write(pixelGIF)
}
