// Package tracking records opens, clicks and unsubscribes against delivery
// records. Events are buffered and applied asynchronously; the HTTP surface
// always serves its pixel or redirect regardless of the recording outcome.
package tracking

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/metrics"
)

// Sink consumes tracking events.
type Sink interface {
	Handle(ctx context.Context, evt domain.TrackingEvent) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, evt domain.TrackingEvent) error

func (f SinkFunc) Handle(ctx context.Context, evt domain.TrackingEvent) error { return f(ctx, evt) }

// EventStore applies engagement to delivery records. The Record methods
// return false when the tracking id is unknown or the record was never sent.
type EventStore interface {
	RecordOpen(ctx context.Context, trackingID string, at time.Time) (bool, error)
	RecordClick(ctx context.Context, trackingID string, at time.Time) (bool, error)
	LogEvent(ctx context.Context, evt domain.TrackingEvent) error
}

// Unsubscriber opts the recipient behind a tracking id out of marketing mail.
type Unsubscriber interface {
	UnsubscribeByTrackingID(ctx context.Context, trackingID string, at time.Time) (bool, error)
}

// StoreSink writes events to the database.
type StoreSink struct {
	store   EventStore
	unsub   Unsubscriber
	metrics *metrics.Metrics
}

// NewStoreSink creates a sink. unsub may be nil to ignore unsubscribes.
func NewStoreSink(store EventStore, unsub Unsubscriber, m *metrics.Metrics) *StoreSink {
	return &StoreSink{store: store, unsub: unsub, metrics: m}
}

func (s *StoreSink) Handle(ctx context.Context, evt domain.TrackingEvent) error {
	var (
		applied bool
		err     error
	)
	switch evt.Type {
	case domain.EventOpen:
		applied, err = s.store.RecordOpen(ctx, evt.TrackingID, evt.OccurredAt)
	case domain.EventClick:
		applied, err = s.store.RecordClick(ctx, evt.TrackingID, evt.OccurredAt)
	case domain.EventUnsubscribe:
		if s.unsub == nil {
			return nil
		}
		applied, err = s.unsub.UnsubscribeByTrackingID(ctx, evt.TrackingID, evt.OccurredAt)
	default:
		return fmt.Errorf("unknown tracking event type %q", evt.Type)
	}
	if err != nil {
		s.metrics.Tracking(string(evt.Type), metrics.TrackingError)
		return fmt.Errorf("apply %s event: %w", evt.Type, err)
	}
	if !applied {
		s.metrics.Tracking(string(evt.Type), metrics.TrackingUnknown)
		return nil
	}
	s.metrics.Tracking(string(evt.Type), metrics.TrackingRecorded)
	if err := s.store.LogEvent(ctx, evt); err != nil {
		return fmt.Errorf("log %s event: %w", evt.Type, err)
	}
	return nil
}
