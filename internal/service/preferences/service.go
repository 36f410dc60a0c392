package preferences

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
)

// MaxBatch bounds a single bulk upsert.
const MaxBatch = 1000

// Service implements preference business logic. It is safe for concurrent use.
type Service struct {
	repo Repository
	now  func() time.Time
}

// NewService creates a preferences service backed by the given repository.
func NewService(repo Repository) *Service {
	return &Service{repo: repo, now: time.Now}
}

// Get returns one user's flags.
func (s *Service) Get(ctx context.Context, userID string) (*domain.Preferences, error) {
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.repo.Get(ctx, userID)
}

// BulkUpsert validates and writes a batch. The whole batch is rejected when
// any entry is invalid.
func (s *Service) BulkUpsert(ctx context.Context, prefs []domain.Preferences) (int, error) {
	if len(prefs) == 0 {
		return 0, nil
	}
	if len(prefs) > MaxBatch {
		return 0, fmt.Errorf("%w: %d entries (max %d)", ErrBatchTooLarge, len(prefs), MaxBatch)
	}

	now := s.now().UTC()
	seen := make(map[string]int, len(prefs))
	batch := make([]domain.Preferences, 0, len(prefs))
	for i, p := range prefs {
		p.UserID = strings.TrimSpace(p.UserID)
		if p.UserID == "" {
			return 0, fmt.Errorf("%w: entry %d has no user_id", ErrInvalidInput, i)
		}
		if j, dup := seen[p.UserID]; dup {
			return 0, fmt.Errorf("%w: user %s appears at entries %d and %d", ErrInvalidInput, p.UserID, j, i)
		}
		seen[p.UserID] = i
		p.UpdatedAt = now
		batch = append(batch, p)
	}
	return s.repo.BulkUpsert(ctx, batch)
}

// UnsubscribeByTrackingID opts out the recipient of a delivery.
func (s *Service) UnsubscribeByTrackingID(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	if trackingID == "" {
		return false, nil
	}
	return s.repo.UnsubscribeByTrackingID(ctx, trackingID, at)
}

// MarkHardBounced records a permanent mailbox failure.
func (s *Service) MarkHardBounced(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.repo.MarkHardBounced(ctx, userID, s.now().UTC())
}
