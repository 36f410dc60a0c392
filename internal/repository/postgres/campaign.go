package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/queue"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

// CampaignRepo implements campaign.Repository against PostgreSQL.
type CampaignRepo struct{ db *sql.DB }

// NewCampaignRepo creates a Postgres-backed campaign repository.
func NewCampaignRepo(db *sql.DB) *CampaignRepo { return &CampaignRepo{db: db} }

const campaignColumns = `id, name, subject, from_name, from_email, reply_to,
		       html_content, text_content, template_ref, segment_id, exclusion_segment_id,
		       send_rate, status, total_recipients, failure_reason,
		       scheduled_at, started_at, paused_at, resumed_at, completed_at,
		       cancelled_at, failed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCampaign(row rowScanner) (*domain.Campaign, error) {
	c := &domain.Campaign{}
	var templateRef, segmentID, exclusionID sql.NullString
	err := row.Scan(
		&c.ID, &c.Name, &c.Subject, &c.FromName, &c.FromEmail, &c.ReplyTo,
		&c.HTMLContent, &c.TextContent, &templateRef, &segmentID, &exclusionID,
		&c.SendRate, &c.Status, &c.TotalRecipients, &c.FailureReason,
		&c.ScheduledAt, &c.StartedAt, &c.PausedAt, &c.ResumedAt, &c.CompletedAt,
		&c.CancelledAt, &c.FailedAt, &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.TemplateRef = nullString(templateRef)
	c.SegmentID = nullString(segmentID)
	c.ExclusionSegmentID = nullString(exclusionID)
	return c, nil
}

func (r *CampaignRepo) Get(ctx context.Context, id string) (*domain.Campaign, error) {
	c, err := scanCampaign(r.db.QueryRowContext(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE id = $1 AND status <> 'deleted'
	`, id))
	if err == sql.ErrNoRows {
		return nil, campaign.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get campaign: %w", err)
	}
	return c, nil
}

// DrainState implements queue.CampaignSource.
func (r *CampaignRepo) DrainState(ctx context.Context, id string) (queue.DrainState, error) {
	var s queue.DrainState
	err := r.db.QueryRowContext(ctx,
		`SELECT status, send_rate FROM campaigns WHERE id = $1`, id,
	).Scan(&s.Status, &s.SendRate)
	if err == sql.ErrNoRows {
		return s, campaign.ErrNotFound
	}
	if err != nil {
		return s, fmt.Errorf("campaign drain state: %w", err)
	}
	return s, nil
}

func (r *CampaignRepo) List(ctx context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := " WHERE status <> 'deleted'"
	args := []interface{}{}
	idx := 1
	if f.Status != "" {
		where += fmt.Sprintf(" AND status = $%d", idx)
		args = append(args, f.Status)
		idx++
	}
	if s := strings.TrimSpace(f.Search); s != "" {
		where += fmt.Sprintf(" AND name ILIKE $%d", idx)
		args = append(args, "%"+s+"%")
		idx++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM campaigns"+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count campaigns: %w", err)
	}

	q := "SELECT " + campaignColumns + " FROM campaigns" + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", idx, idx+1)
	args = append(args, limit, f.Offset)

	out, err := r.query(ctx, q, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list campaigns: %w", err)
	}
	return out, total, nil
}

func (r *CampaignRepo) query(ctx context.Context, q string, args ...interface{}) ([]domain.Campaign, error) {
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Campaign
	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, fmt.Errorf("scan campaign: %w", err)
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

func (r *CampaignRepo) Create(ctx context.Context, c *domain.Campaign) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO campaigns
			(id, name, subject, from_name, from_email, reply_to, html_content, text_content,
			 template_ref, segment_id, exclusion_segment_id, send_rate, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)
	`, c.ID, c.Name, c.Subject, c.FromName, c.FromEmail, c.ReplyTo, c.HTMLContent, c.TextContent,
		c.TemplateRef, c.SegmentID, c.ExclusionSegmentID, c.SendRate, c.Status, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("create campaign: %w", err)
	}
	return nil
}

func (r *CampaignRepo) Update(ctx context.Context, c *domain.Campaign, expect domain.CampaignStatus) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE campaigns
		SET name = $1, subject = $2, from_name = $3, from_email = $4, reply_to = $5,
		    html_content = $6, text_content = $7, template_ref = $8, segment_id = $9,
		    exclusion_segment_id = $10, send_rate = $11, updated_at = $12
		WHERE id = $13 AND status = $14
	`, c.Name, c.Subject, c.FromName, c.FromEmail, c.ReplyTo,
		c.HTMLContent, c.TextContent, c.TemplateRef, c.SegmentID,
		c.ExclusionSegmentID, c.SendRate, c.UpdatedAt, c.ID, expect)
	if err != nil {
		return fmt.Errorf("update campaign: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missOrConflict(ctx, r.db, c.ID)
	}
	return nil
}

func (r *CampaignRepo) Transition(ctx context.Context, t domain.CampaignTransition) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return r.transition(ctx, tx, t, nil)
	})
}

func (r *CampaignRepo) Start(ctx context.Context, t domain.CampaignTransition, f campaign.StartFields) error {
	return withTx(ctx, r.db, func(tx *sql.Tx) error {
		return r.transition(ctx, tx, t, &f)
	})
}

// transition performs the compare-and-set status update and the audit insert.
func (r *CampaignRepo) transition(ctx context.Context, tx *sql.Tx, t domain.CampaignTransition, start *campaign.StartFields) error {
	sets := []string{}
	args := []interface{}{}
	idx := 1
	add := func(col string, val interface{}) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, idx))
		args = append(args, val)
		idx++
	}

	add("status", t.To)
	add("updated_at", t.At)
	switch t.To {
	case domain.CampaignScheduled:
		add("scheduled_at", t.ScheduledAt)
	case domain.CampaignDraft:
		add("scheduled_at", nil)
	case domain.CampaignSending:
		if t.Action == domain.ActionResume {
			add("resumed_at", t.At)
		} else {
			add("started_at", t.At)
			add("failure_reason", "")
		}
	case domain.CampaignPaused:
		add("paused_at", t.At)
	case domain.CampaignCompleted:
		add("completed_at", t.At)
	case domain.CampaignCancelled:
		add("cancelled_at", t.At)
	case domain.CampaignFailed:
		add("failed_at", t.At)
		add("failure_reason", t.Reason)
	}
	if start != nil {
		add("total_recipients", start.TotalRecipients)
		add("subject", start.Subject)
		add("html_content", start.HTMLContent)
		add("text_content", start.TextContent)
	}

	q := fmt.Sprintf("UPDATE campaigns SET %s WHERE id = $%d AND status = $%d",
		strings.Join(sets, ", "), idx, idx+1)
	args = append(args, t.CampaignID, t.From)

	res, err := tx.ExecContext(ctx, q, args...)
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return r.missOrConflict(ctx, tx, t.CampaignID)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO campaign_transitions (campaign_id, action, from_status, to_status, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, t.CampaignID, t.Action, t.From, t.To, t.Actor, t.Reason, t.At); err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// missOrConflict tells a vanished campaign apart from a lost compare-and-set.
func (r *CampaignRepo) missOrConflict(ctx context.Context, q queryRower, id string) error {
	var exists bool
	if err := q.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM campaigns WHERE id = $1 AND status <> 'deleted')`, id,
	).Scan(&exists); err != nil {
		return fmt.Errorf("check campaign: %w", err)
	}
	if !exists {
		return campaign.ErrNotFound
	}
	return campaign.ErrConflict
}

func (r *CampaignRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.Campaign, error) {
	if limit <= 0 {
		limit = 100
	}
	out, err := r.query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due campaigns: %w", err)
	}
	return out, nil
}

func (r *CampaignRepo) ListByStatus(ctx context.Context, status domain.CampaignStatus) ([]domain.Campaign, error) {
	out, err := r.query(ctx, `
		SELECT `+campaignColumns+`
		FROM campaigns
		WHERE status = $1
		ORDER BY created_at
	`, status)
	if err != nil {
		return nil, fmt.Errorf("list %s campaigns: %w", status, err)
	}
	return out, nil
}

func (r *CampaignRepo) History(ctx context.Context, id string) ([]domain.CampaignTransition, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT campaign_id, action, from_status, to_status, actor, reason, at
		FROM campaign_transitions
		WHERE campaign_id = $1
		ORDER BY id
	`, id)
	if err != nil {
		return nil, fmt.Errorf("campaign history: %w", err)
	}
	defer rows.Close()

	var out []domain.CampaignTransition
	for rows.Next() {
		var t domain.CampaignTransition
		if err := rows.Scan(&t.CampaignID, &t.Action, &t.From, &t.To, &t.Actor, &t.Reason, &t.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func withTx(ctx context.Context, db *sql.DB, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return err
	}
	return tx.Commit()
}

func nullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}
