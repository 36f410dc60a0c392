package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
)

// seedChunk bounds the array parameters of one seeding statement.
const seedChunk = 5000

// DeliveryRepo stores per-recipient delivery records. It implements
// campaign.DeliveryRepository, the worker's record store and
// tracking.EventStore.
type DeliveryRepo struct{ db *sql.DB }

// NewDeliveryRepo creates a Postgres-backed delivery record repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

const recordColumns = `id, campaign_id, user_id, email, tracking_id, status, attempts,
		       last_error, message_id, open_count, click_count,
		       first_opened_at, last_opened_at, first_clicked_at, last_clicked_at,
		       queued_at, sent_at, failed_at, created_at, updated_at`

func scanRecord(row rowScanner) (*domain.DeliveryRecord, error) {
	d := &domain.DeliveryRecord{}
	err := row.Scan(
		&d.ID, &d.CampaignID, &d.UserID, &d.Email, &d.TrackingID, &d.Status, &d.Attempts,
		&d.LastError, &d.MessageID, &d.OpenCount, &d.ClickCount,
		&d.FirstOpenedAt, &d.LastOpenedAt, &d.FirstClickedAt, &d.LastClickedAt,
		&d.QueuedAt, &d.SentAt, &d.FailedAt, &d.CreatedAt, &d.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// SeedRecords inserts PENDING records in chunks. The unique key on
// (campaign_id, user_id) makes a repeated seed a no-op for existing rows.
func (r *DeliveryRepo) SeedRecords(ctx context.Context, campaignID string, recipients []domain.Recipient) (int, error) {
	total := 0
	for start := 0; start < len(recipients); start += seedChunk {
		end := start + seedChunk
		if end > len(recipients) {
			end = len(recipients)
		}
		chunk := recipients[start:end]

		ids := make([]string, len(chunk))
		users := make([]string, len(chunk))
		emails := make([]string, len(chunk))
		tokens := make([]string, len(chunk))
		for i, rc := range chunk {
			ids[i] = uuid.New().String()
			users[i] = rc.UserID
			emails[i] = rc.Email
			tokens[i] = uuid.New().String()
		}

		res, err := r.db.ExecContext(ctx, `
			INSERT INTO delivery_records (id, campaign_id, user_id, email, tracking_id, status, created_at, updated_at)
			SELECT data.id, $1, data.user_id, data.email, data.tracking_id, 'pending', NOW(), NOW()
			FROM (
				SELECT UNNEST($2::text[]) AS id,
				       UNNEST($3::text[]) AS user_id,
				       UNNEST($4::text[]) AS email,
				       UNNEST($5::text[]) AS tracking_id
			) AS data
			ON CONFLICT (campaign_id, user_id) DO NOTHING
		`, campaignID, pq.Array(ids), pq.Array(users), pq.Array(emails), pq.Array(tokens))
		if err != nil {
			return total, fmt.Errorf("seed records: %w", err)
		}
		n, _ := res.RowsAffected()
		total += int(n)
	}
	return total, nil
}

func (r *DeliveryRepo) CountRecords(ctx context.Context, campaignID string) (int, error) {
	var n int
	if err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM delivery_records WHERE campaign_id = $1`, campaignID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

func (r *DeliveryRepo) OutstandingRecords(ctx context.Context, campaignID, afterID string, limit int) ([]domain.DeliveryRecord, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM delivery_records
		WHERE campaign_id = $1 AND status IN ('pending', 'queued') AND id > $2
		ORDER BY id
		LIMIT $3
	`, campaignID, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("outstanding records: %w", err)
	}
	defer rows.Close()

	var out []domain.DeliveryRecord
	for rows.Next() {
		d, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, *d)
	}
	return out, rows.Err()
}

// GetRecord returns one delivery record by id, or nil when it does not exist.
func (r *DeliveryRepo) GetRecord(ctx context.Context, id string) (*domain.DeliveryRecord, error) {
	d, err := scanRecord(r.db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM delivery_records WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get record: %w", err)
	}
	return d, nil
}

func (r *DeliveryRepo) MarkQueued(ctx context.Context, ids []string, at time.Time) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'queued', queued_at = $2, updated_at = $2
		WHERE id = ANY($1) AND status = 'pending'
	`, pq.Array(ids), at)
	if err != nil {
		return 0, fmt.Errorf("mark queued: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// MarkSent records a successful send. Returns false when the record is no
// longer outstanding, e.g. cancelled while the send was in flight.
func (r *DeliveryRepo) MarkSent(ctx context.Context, id, messageID string, attempts int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'sent', message_id = $2, attempts = $3, sent_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, id, messageID, attempts, at)
	if err != nil {
		return false, fmt.Errorf("mark sent: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// MarkFailed records a terminal failure for an outstanding record.
func (r *DeliveryRepo) MarkFailed(ctx context.Context, id, reason string, attempts int, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'failed', last_error = $2, attempts = $3, failed_at = $4, updated_at = $4
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, id, reason, attempts, at)
	if err != nil {
		return false, fmt.Errorf("mark failed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordAttempt stores the attempt count and last error of a retried send.
func (r *DeliveryRepo) RecordAttempt(ctx context.Context, id string, attempts int, lastErr string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET attempts = $2, last_error = $3, updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'queued')
	`, id, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("record attempt: %w", err)
	}
	return nil
}

func (r *DeliveryRepo) CancelOutstanding(ctx context.Context, campaignID, reason string, exclude []string, at time.Time) (int, error) {
	if exclude == nil {
		exclude = []string{}
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'failed', last_error = $2, failed_at = $3, updated_at = $3
		WHERE campaign_id = $1 AND status IN ('pending', 'queued') AND NOT (id = ANY($4))
	`, campaignID, reason, at, pq.Array(exclude))
	if err != nil {
		return 0, fmt.Errorf("cancel outstanding: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (r *DeliveryRepo) Progress(ctx context.Context, campaignID string) (domain.Progress, error) {
	p := domain.Progress{CampaignID: campaignID}
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM delivery_records
		WHERE campaign_id = $1
		GROUP BY status
	`, campaignID)
	if err != nil {
		return p, fmt.Errorf("progress: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status domain.DeliveryStatus
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return p, fmt.Errorf("scan progress: %w", err)
		}
		p.Total += n
		switch status {
		case domain.DeliveryPending:
			p.Pending = n
		case domain.DeliveryQueued:
			p.Queued = n
		case domain.DeliverySent:
			p.Sent = n
		case domain.DeliveryOpened:
			p.Opened = n
		case domain.DeliveryClicked:
			p.Clicked = n
		case domain.DeliveryFailed:
			p.Failed = n
		}
	}
	return p, rows.Err()
}

func (r *DeliveryRepo) DeleteRecords(ctx context.Context, campaignID string) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM delivery_records WHERE campaign_id = $1`, campaignID)
	if err != nil {
		return 0, fmt.Errorf("delete records: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RecordOpen applies an open to a sent record. The first open is stamped
// once; later opens bump the counter and last-seen time.
func (r *DeliveryRepo) RecordOpen(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = CASE WHEN status = 'sent' THEN 'opened' ELSE status END,
		    open_count = open_count + 1,
		    first_opened_at = COALESCE(first_opened_at, $2),
		    last_opened_at = $2,
		    updated_at = NOW()
		WHERE tracking_id = $1 AND status IN ('sent', 'opened', 'clicked')
	`, trackingID, at)
	if err != nil {
		return false, fmt.Errorf("record open: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordClick applies a click to a sent or opened record.
func (r *DeliveryRepo) RecordClick(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE delivery_records
		SET status = 'clicked',
		    click_count = click_count + 1,
		    first_clicked_at = COALESCE(first_clicked_at, $2),
		    last_clicked_at = $2,
		    updated_at = NOW()
		WHERE tracking_id = $1 AND status IN ('sent', 'opened', 'clicked')
	`, trackingID, at)
	if err != nil {
		return false, fmt.Errorf("record click: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// LogEvent appends the raw event to the tracking log.
func (r *DeliveryRepo) LogEvent(ctx context.Context, evt domain.TrackingEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO tracking_events (tracking_id, event_type, url, link_id, ip_address, user_agent, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, evt.TrackingID, evt.Type, evt.URL, evt.LinkID, evt.IPAddress, evt.UserAgent, evt.OccurredAt)
	if err != nil {
		return fmt.Errorf("log tracking event: %w", err)
	}
	return nil
}
