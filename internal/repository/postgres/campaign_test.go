package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/campaign"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db, mock
}

var campaignCols = []string{
	"id", "name", "subject", "from_name", "from_email", "reply_to",
	"html_content", "text_content", "template_ref", "segment_id", "exclusion_segment_id",
	"send_rate", "status", "total_recipients", "failure_reason",
	"scheduled_at", "started_at", "paused_at", "resumed_at", "completed_at",
	"cancelled_at", "failed_at", "created_at", "updated_at",
}

func campaignRow(rows *sqlmock.Rows, id string, status domain.CampaignStatus, created time.Time) *sqlmock.Rows {
	return rows.AddRow(
		id, "Spring sale", "Hello", "Shop", "news@shop.example", "",
		"<p>hi</p>", "", nil, "seg-1", nil,
		120, string(status), 0, "",
		nil, nil, nil, nil, nil,
		nil, nil, created, created,
	)
}

func TestCampaignRepoGet(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT (.+) FROM campaigns").
		WithArgs("c1").
		WillReturnRows(campaignRow(sqlmock.NewRows(campaignCols), "c1", domain.CampaignDraft, created))

	c, err := repo.Get(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)
	assert.Equal(t, domain.CampaignDraft, c.Status)
	assert.Equal(t, 120, c.SendRate)
	require.NotNil(t, c.SegmentID)
	assert.Equal(t, "seg-1", *c.SegmentID)
	assert.Nil(t, c.TemplateRef)
	assert.Nil(t, c.StartedAt)

	mock.ExpectQuery("SELECT (.+) FROM campaigns").
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)
	_, err = repo.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, campaign.ErrNotFound)

	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepoList(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM campaigns WHERE status <> 'deleted' AND status = \$1 AND name ILIKE \$2`).
		WithArgs("sending", "%sale%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))
	rows := sqlmock.NewRows(campaignCols)
	campaignRow(rows, "c1", domain.CampaignSending, created)
	campaignRow(rows, "c2", domain.CampaignSending, created)
	mock.ExpectQuery(`ORDER BY created_at DESC LIMIT \$3 OFFSET \$4`).
		WithArgs("sending", "%sale%", 2, 0).
		WillReturnRows(rows)

	out, total, err := repo.List(context.Background(), campaign.ListFilter{Status: "sending", Search: "sale", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	assert.Len(t, out, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepoTransition(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE campaigns SET status = \$1, updated_at = \$2, paused_at = \$3 WHERE id = \$4 AND status = \$5`).
		WithArgs("paused", at, at, "c1", "sending").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO campaign_transitions").
		WithArgs("c1", "pause", "sending", "paused", "ops@shop.example", "", at).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Transition(context.Background(), domain.CampaignTransition{
		CampaignID: "c1", Action: domain.ActionPause,
		From: domain.CampaignSending, To: domain.CampaignPaused,
		Actor: "ops@shop.example", At: at,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepoTransitionConflict(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE campaigns SET status").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	err := repo.Transition(context.Background(), domain.CampaignTransition{
		CampaignID: "c1", Action: domain.ActionResume,
		From: domain.CampaignPaused, To: domain.CampaignSending, At: at,
	})
	assert.ErrorIs(t, err, campaign.ErrConflict)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepoStartFreezesContent(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE campaigns SET status = \$1, updated_at = \$2, started_at = \$3, failure_reason = \$4, total_recipients = \$5, subject = \$6, html_content = \$7, text_content = \$8 WHERE id = \$9 AND status = \$10`).
		WithArgs("sending", at, at, "", 42, "Hi", "<p>x</p>", "x", "c1", "draft").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO campaign_transitions").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Start(context.Background(), domain.CampaignTransition{
		CampaignID: "c1", Action: domain.ActionLaunch,
		From: domain.CampaignDraft, To: domain.CampaignSending, At: at,
	}, campaign.StartFields{TotalRecipients: 42, Subject: "Hi", HTMLContent: "<p>x</p>", TextContent: "x"})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepoUpdateMissing(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)

	mock.ExpectExec("UPDATE campaigns").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("c9").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := repo.Update(context.Background(), &domain.Campaign{ID: "c9", Name: "x"}, domain.CampaignDraft)
	assert.ErrorIs(t, err, campaign.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepoDrainState(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)

	mock.ExpectQuery("SELECT status, send_rate FROM campaigns").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"status", "send_rate"}).AddRow("paused", 60))

	s, err := repo.DrainState(context.Background(), "c1")
	require.NoError(t, err)
	assert.Equal(t, domain.CampaignPaused, s.Status)
	assert.Equal(t, 60, s.SendRate)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCampaignRepoHistory(t *testing.T) {
	db, mock := newMock(t)
	repo := NewCampaignRepo(db)
	at := time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery("FROM campaign_transitions").
		WithArgs("c1").
		WillReturnRows(sqlmock.NewRows([]string{"campaign_id", "action", "from_status", "to_status", "actor", "reason", "at"}).
			AddRow("c1", "launch", "draft", "sending", "system", "", at).
			AddRow("c1", "pause", "sending", "paused", "ops", "", at.Add(time.Minute)))

	h, err := repo.History(context.Background(), "c1")
	require.NoError(t, err)
	require.Len(t, h, 2)
	assert.Equal(t, domain.ActionPause, h[1].Action)
	assert.NoError(t, mock.ExpectationsWereMet())
}
