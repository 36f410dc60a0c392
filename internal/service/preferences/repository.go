package preferences

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Repository defines the data access contract for user email preferences.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns one user's flags. Returns ErrNotFound if the user has none.
	Get(ctx context.Context, userID string) (*domain.Preferences, error)

	// BulkUpsert inserts or replaces flags for every entry in one statement
	// and returns the number of rows written.
	BulkUpsert(ctx context.Context, prefs []domain.Preferences) (int, error)

	// UnsubscribeByTrackingID sets unsubscribed for the user behind a
	// delivery record. Returns false for an unknown tracking id.
	UnsubscribeByTrackingID(ctx context.Context, trackingID string, at time.Time) (bool, error)

	// MarkHardBounced sets hard_bounced for a user.
	MarkHardBounced(ctx context.Context, userID string, at time.Time) error
}
