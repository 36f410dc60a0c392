package tracking

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/mailing"
)

type captureSink struct {
	mu     sync.Mutex
	events []domain.TrackingEvent
	err    error
}

func (c *captureSink) Handle(_ context.Context, evt domain.TrackingEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.events = append(c.events, evt)
	return nil
}

func (c *captureSink) all() []domain.TrackingEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.TrackingEvent(nil), c.events...)
}

func TestRecorder_DropsWhenFull(t *testing.T) {
	sink := &captureSink{}
	rec := NewRecorder(sink, RecorderOptions{BufferSize: 2, Workers: 1})

	assert.True(t, rec.RecordOpen("a", Meta{}))
	assert.True(t, rec.RecordClick("b", "https://x.example.com", Meta{LinkID: "1"}))
	assert.False(t, rec.RecordOpen("c", Meta{}), "buffer is full")

	stats := rec.Stats()
	assert.Equal(t, int64(2), stats.Accepted)
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 2, stats.Buffered)

	rec.Start()
	rec.Stop()

	events := sink.all()
	require.Len(t, events, 2)
	assert.Equal(t, domain.EventOpen, events[0].Type)
	assert.Equal(t, "https://x.example.com", events[1].URL)
	assert.Equal(t, "1", events[1].LinkID)
	assert.Equal(t, int64(2), rec.Stats().Handled)
}

func TestRecorder_RejectsAfterStop(t *testing.T) {
	rec := NewRecorder(&captureSink{}, RecorderOptions{})
	rec.Start()
	rec.Stop()
	rec.Stop()
	assert.False(t, rec.RecordOpen("a", Meta{}))
	assert.Equal(t, int64(1), rec.Stats().Dropped)
}

func TestRecorder_SinkErrorsAreCounted(t *testing.T) {
	sink := &captureSink{err: errors.New("db down")}
	rec := NewRecorder(sink, RecorderOptions{Workers: 2})
	rec.Start()
	rec.RecordOpen("a", Meta{})
	rec.RecordOpen("b", Meta{})
	rec.Stop()
	assert.Equal(t, int64(2), rec.Stats().Failed)
}

type fakeStore struct {
	sent   map[string]bool
	opens  map[string]int
	clicks map[string]int
	logged []domain.TrackingEvent
	err    error
}

func newFakeStore(sent ...string) *fakeStore {
	f := &fakeStore{sent: map[string]bool{}, opens: map[string]int{}, clicks: map[string]int{}}
	for _, id := range sent {
		f.sent[id] = true
	}
	return f
}

func (f *fakeStore) RecordOpen(_ context.Context, id string, _ time.Time) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	if !f.sent[id] {
		return false, nil
	}
	f.opens[id]++
	return true, nil
}

func (f *fakeStore) RecordClick(_ context.Context, id string, _ time.Time) (bool, error) {
	if !f.sent[id] {
		return false, nil
	}
	f.clicks[id]++
	return true, nil
}

func (f *fakeStore) LogEvent(_ context.Context, evt domain.TrackingEvent) error {
	f.logged = append(f.logged, evt)
	return nil
}

type fakeUnsub struct{ ids []string }

func (f *fakeUnsub) UnsubscribeByTrackingID(_ context.Context, id string, _ time.Time) (bool, error) {
	f.ids = append(f.ids, id)
	return true, nil
}

func TestStoreSink_Handle(t *testing.T) {
	store := newFakeStore("trk-1")
	unsub := &fakeUnsub{}
	sink := NewStoreSink(store, unsub, nil)
	ctx := context.Background()

	require.NoError(t, sink.Handle(ctx, domain.TrackingEvent{Type: domain.EventOpen, TrackingID: "trk-1"}))
	require.NoError(t, sink.Handle(ctx, domain.TrackingEvent{Type: domain.EventClick, TrackingID: "trk-1"}))
	require.NoError(t, sink.Handle(ctx, domain.TrackingEvent{Type: domain.EventOpen, TrackingID: "unknown"}), "unknown id is a no-op")
	require.NoError(t, sink.Handle(ctx, domain.TrackingEvent{Type: domain.EventUnsubscribe, TrackingID: "trk-1"}))

	assert.Equal(t, 1, store.opens["trk-1"])
	assert.Equal(t, 1, store.clicks["trk-1"])
	assert.Len(t, store.logged, 3)
	assert.Equal(t, []string{"trk-1"}, unsub.ids)

	assert.Error(t, sink.Handle(ctx, domain.TrackingEvent{Type: "bogus"}))

	store.err = errors.New("timeout")
	assert.Error(t, sink.Handle(ctx, domain.TrackingEvent{Type: domain.EventOpen, TrackingID: "trk-1"}))
}

type fakeRecorder struct {
	opens, clicks, unsubs []string
	targets               []string
}

func (f *fakeRecorder) RecordOpen(id string, _ Meta) bool { f.opens = append(f.opens, id); return true }
func (f *fakeRecorder) RecordClick(id, target string, _ Meta) bool {
	f.clicks = append(f.clicks, id)
	f.targets = append(f.targets, target)
	return true
}
func (f *fakeRecorder) RecordUnsubscribe(id string, _ Meta) bool {
	f.unsubs = append(f.unsubs, id)
	return true
}

func newTestHandler() (*Handler, *fakeRecorder, *mailing.LinkTracker) {
	links := mailing.NewLinkTracker("https://t.example.com", "secret")
	rec := &fakeRecorder{}
	return NewHandler(rec, links, "https://www.example.com/"), rec, links
}

func serve(h *Handler, method, target string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.Routes().ServeHTTP(w, httptest.NewRequest(method, target, nil))
	return w
}

func pathOf(t *testing.T, raw string) string {
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.RequestURI()
}

func TestHandler_OpenServesPixel(t *testing.T) {
	h, rec, _ := newTestHandler()

	w := serve(h, http.MethodGet, "/t/o/unknown-token")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "image/gif", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Header().Get("Cache-Control"), "no-store")
	assert.Equal(t, pixelGIF, w.Body.Bytes())
	assert.Equal(t, []string{"unknown-token"}, rec.opens)
}

func TestHandler_ClickRedirects(t *testing.T) {
	h, rec, links := newTestHandler()

	w := serve(h, http.MethodGet, pathOf(t, links.ClickURL("trk-1", "https://shop.example.com/a?b=c", "2")))
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://shop.example.com/a?b=c", w.Header().Get("Location"))
	assert.Equal(t, []string{"trk-1"}, rec.clicks)
}

func TestHandler_ClickBadSignatureUsesSafeDefault(t *testing.T) {
	h, rec, links := newTestHandler()

	forged := pathOf(t, links.ClickURL("trk-1", "https://evil.example.com", "")) + "x"
	w := serve(h, http.MethodGet, forged)
	assert.Equal(t, http.StatusFound, w.Code)
	assert.Equal(t, "https://www.example.com/", w.Header().Get("Location"))
	assert.Empty(t, rec.clicks)

	w = serve(h, http.MethodGet, "/t/c/trk-1?u=not-base64!")
	assert.Equal(t, "https://www.example.com/", w.Header().Get("Location"))
}

func TestHandler_Unsubscribe(t *testing.T) {
	h, rec, links := newTestHandler()

	w := serve(h, http.MethodGet, pathOf(t, links.UnsubscribeURL("trk-1")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "unsubscribed")

	w = serve(h, http.MethodPost, pathOf(t, links.UnsubscribeURL("trk-2")))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []string{"trk-1", "trk-2"}, rec.unsubs)

	w = serve(h, http.MethodGet, "/t/u/trk-3?s=bad")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Len(t, rec.unsubs, 2)
}
