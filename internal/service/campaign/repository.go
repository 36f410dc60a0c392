package campaign

import (
	"context"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// Get returns a single campaign. Returns ErrNotFound if it doesn't exist.
	Get(ctx context.Context, id string) (*domain.Campaign, error)

	// List returns campaigns matching the given filter, ordered by created_at DESC.
	List(ctx context.Context, filter ListFilter) ([]domain.Campaign, int, error)

	// Create inserts a new campaign.
	Create(ctx context.Context, c *domain.Campaign) error

	// Update writes the editable fields if the stored status still equals
	// expect. Returns ErrConflict otherwise.
	Update(ctx context.Context, c *domain.Campaign, expect domain.CampaignStatus) error

	// Transition moves the campaign from t.From to t.To, stamping the
	// matching timestamp, and appends t to the audit trail in the same
	// transaction. Returns ErrConflict if the status is no longer t.From.
	Transition(ctx context.Context, t domain.CampaignTransition) error

	// Start is the launch transition. It also freezes the rendered content
	// sources and the recipient count.
	Start(ctx context.Context, t domain.CampaignTransition, f StartFields) error

	// ListDue returns SCHEDULED campaigns whose schedule time has passed.
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error)

	// ListByStatus returns every campaign in the given status.
	ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error)

	// History returns the audit trail, oldest first.
	History(ctx context.Context, id string) ([]domain.CampaignTransition, error)
}

// StartFields are written together with the launch transition.
type StartFields struct {
	TotalRecipients int
	Subject         string
	HTMLContent     string
	TextContent     string
}

// DeliveryRepository defines the data access contract for delivery records.
type DeliveryRepository interface {
	// SeedRecords inserts one PENDING record per recipient. Recipients that
	// already have a record for the campaign are skipped. Returns the number
	// of records inserted.
	SeedRecords(ctx context.Context, campaignID string, recipients []domain.Recipient) (int, error)

	// CountRecords returns how many records exist for the campaign.
	CountRecords(ctx context.Context, campaignID string) (int, error)

	// OutstandingRecords pages through PENDING and QUEUED records ordered by id.
	OutstandingRecords(ctx context.Context, campaignID, afterID string, limit int) ([]domain.DeliveryRecord, error)

	// MarkQueued moves PENDING records to QUEUED.
	MarkQueued(ctx context.Context, ids []string, at time.Time) (int, error)

	// CancelOutstanding fails PENDING and QUEUED records with reason,
	// skipping the ids in exclude.
	CancelOutstanding(ctx context.Context, campaignID, reason string, exclude []string, at time.Time) (int, error)

	// Progress counts records by status.
	Progress(ctx context.Context, campaignID string) (domain.Progress, error)

	// DeleteRecords removes every record of the campaign.
	DeleteRecords(ctx context.Context, campaignID string) (int, error)
}

// Resolver evaluates a campaign's audience.
type Resolver interface {
	Resolve(ctx context.Context, segmentID, exclusionID string) (*segmentation.Resolution, error)
}

// ListFilter controls pagination and filtering for campaign lists.
type ListFilter struct {
	Status string
	Search string
	Limit  int
	Offset int
}
