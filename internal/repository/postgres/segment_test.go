package postgres

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/segmentation"
)

func TestSegmentRepoCreateDuplicate(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSegmentRepo(db)

	mock.ExpectExec("INSERT INTO segments").
		WillReturnError(&pq.Error{Code: "23505", Message: "duplicate key value"})

	err := repo.CreateSegment(context.Background(), &domain.Segment{
		ID: "s1", Name: "VIP", Conditions: json.RawMessage(`{"type":"and","children":[]}`), Active: true,
	})
	assert.ErrorIs(t, err, segmentation.ErrDuplicateName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSegmentRepoGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSegmentRepo(db)
	now := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	cols := []string{"id", "name", "description", "conditions", "cached_count", "counted_at", "active", "created_at", "updated_at"}
	mock.ExpectQuery("FROM segments").
		WithArgs("s1").
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow("s1", "VIP", "", []byte(`{"type":"compare","field":"is_premium","operator":"is_true"}`), 12, now, true, now, now))
	mock.ExpectQuery("FROM segments").
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(cols))

	seg, err := repo.GetSegment(context.Background(), "s1")
	require.NoError(t, err)
	require.NotNil(t, seg.CachedCount)
	assert.Equal(t, 12, *seg.CachedCount)
	assert.Contains(t, string(seg.Conditions), "is_premium")

	_, err = repo.GetSegment(context.Background(), "nope")
	assert.ErrorIs(t, err, segmentation.ErrSegmentNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSegmentRepoCountDefaultAudience(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSegmentRepo(db)

	mock.ExpectQuery(`SELECT COUNT\(\*\)(.+)p.marketing_consent = TRUE`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1234))

	n, err := repo.Count(context.Background(), segmentation.DefaultPredicate())
	require.NoError(t, err)
	assert.Equal(t, 1234, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSegmentRepoResolveOrdered(t *testing.T) {
	db, mock := newMock(t)
	repo := NewSegmentRepo(db)

	mock.ExpectQuery(`SELECT u.id, u.email(.+)ORDER BY u.id`).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email"}).
			AddRow("u1", "a@example.com").
			AddRow("u2", "b@example.com"))

	out, err := repo.Resolve(context.Background(), segmentation.DefaultPredicate())
	require.NoError(t, err)
	assert.Equal(t, []domain.Recipient{{UserID: "u1", Email: "a@example.com"}, {UserID: "u2", Email: "b@example.com"}}, out)
	assert.NoError(t, mock.ExpectationsWereMet())
}
