package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_Counters(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Send("smtp", OutcomeSent, 20*time.Millisecond)
	m.Send("smtp", OutcomeSent, 0)
	m.Send("smtp", OutcomeFailed, 0)
	m.Transition("launch", "sending")
	m.Tracking("open", TrackingDropped)
	m.Recovered(3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.sends.WithLabelValues("smtp", OutcomeSent)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.sends.WithLabelValues("smtp", OutcomeFailed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("launch", "sending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.trackingEvents.WithLabelValues("open", TrackingDropped)))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.recovered))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var m *Metrics
	m.Send("smtp", OutcomeSent, time.Second)
	m.DrainBatch(4)
	m.Transition("pause", "paused")
	m.Tracking("click", TrackingRecorded)
	m.Recovered(1)
	assert.Nil(t, m.Registry())
}

func TestMetrics_Handler(t *testing.T) {
	m := New(nil)
	m.Send("ses", OutcomeSent, 0)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), `campaign_sends_total{outcome="sent",transport="ses"} 1`)
}
