package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

// SegmentRepo implements segmentation.Store against PostgreSQL.
type SegmentRepo struct{ db *sql.DB }

// NewSegmentRepo creates a Postgres-backed segment store.
func NewSegmentRepo(db *sql.DB) *SegmentRepo { return &SegmentRepo{db: db} }

func (r *SegmentRepo) GetSegment(ctx context.Context, id string) (*domain.Segment, error) {
	s := &domain.Segment{}
	var conditions []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, description, conditions, cached_count, counted_at, active, created_at, updated_at
		FROM segments
		WHERE id = $1
	`, id).Scan(&s.ID, &s.Name, &s.Description, &conditions, &s.CachedCount, &s.CountedAt,
		&s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, segmentation.ErrSegmentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get segment: %w", err)
	}
	s.Conditions = conditions
	return s, nil
}

func (r *SegmentRepo) CreateSegment(ctx context.Context, seg *domain.Segment) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO segments (id, name, description, conditions, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, seg.ID, seg.Name, seg.Description, []byte(seg.Conditions), seg.Active, seg.CreatedAt, seg.UpdatedAt)
	if isUniqueViolation(err) {
		return segmentation.ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	return nil
}

func (r *SegmentRepo) UpdateSegment(ctx context.Context, seg *domain.Segment) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE segments
		SET name = $1, description = $2, conditions = $3, active = $4,
		    cached_count = $5, counted_at = $6, updated_at = $7
		WHERE id = $8
	`, seg.Name, seg.Description, []byte(seg.Conditions), seg.Active,
		seg.CachedCount, seg.CountedAt, seg.UpdatedAt, seg.ID)
	if isUniqueViolation(err) {
		return segmentation.ErrDuplicateName
	}
	if err != nil {
		return fmt.Errorf("update segment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return segmentation.ErrSegmentNotFound
	}
	return nil
}

func (r *SegmentRepo) SaveCount(ctx context.Context, id string, count int, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE segments SET cached_count = $1, counted_at = $2 WHERE id = $3`,
		count, at, id)
	if err != nil {
		return fmt.Errorf("save segment count: %w", err)
	}
	return nil
}

func (r *SegmentRepo) Count(ctx context.Context, p segmentation.Predicate) (int, error) {
	q, args, err := segmentation.NewQueryBuilder().BuildCountQuery(p)
	if err != nil {
		return 0, err
	}
	var n int
	if err := r.db.QueryRowContext(ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count audience: %w", err)
	}
	return n, nil
}

func (r *SegmentRepo) Sample(ctx context.Context, p segmentation.Predicate, limit int) ([]domain.Recipient, error) {
	if limit <= 0 {
		return nil, nil
	}
	return r.recipients(ctx, p, limit)
}

func (r *SegmentRepo) Resolve(ctx context.Context, p segmentation.Predicate) ([]domain.Recipient, error) {
	return r.recipients(ctx, p, 0)
}

func (r *SegmentRepo) recipients(ctx context.Context, p segmentation.Predicate, limit int) ([]domain.Recipient, error) {
	q, args, err := segmentation.NewQueryBuilder().BuildSelectQuery(p, limit)
	if err != nil {
		return nil, err
	}
	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("select audience: %w", err)
	}
	defer rows.Close()

	var out []domain.Recipient
	for rows.Next() {
		var rc domain.Recipient
		if err := rows.Scan(&rc.UserID, &rc.Email); err != nil {
			return nil, fmt.Errorf("scan recipient: %w", err)
		}
		out = append(out, rc)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
