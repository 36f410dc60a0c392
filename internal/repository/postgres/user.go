package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/campaign-engine/internal/domain"
	"github.com/ignite/campaign-engine/internal/service/preferences"
)

// UserRepo reads user profiles for merge fields and stores email
// preferences. It implements preferences.Repository.
type UserRepo struct{ db *sql.DB }

// NewUserRepo creates a Postgres-backed user repository.
func NewUserRepo(db *sql.DB) *UserRepo { return &UserRepo{db: db} }

func (r *UserRepo) Get(ctx context.Context, userID string) (*domain.Preferences, error) {
	p := &domain.Preferences{}
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, marketing_consent, hard_bounced, unsubscribed, email_verified, updated_at
		FROM user_email_preferences
		WHERE user_id = $1
	`, userID).Scan(&p.UserID, &p.MarketingConsent, &p.HardBounced, &p.Unsubscribed, &p.EmailVerified, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, preferences.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get preferences: %w", err)
	}
	return p, nil
}

// BulkUpsert writes every entry in one statement. Entries for unknown users
// are skipped.
func (r *UserRepo) BulkUpsert(ctx context.Context, prefs []domain.Preferences) (int, error) {
	if len(prefs) == 0 {
		return 0, nil
	}
	n := len(prefs)
	ids, updated := make([]string, n), make([]string, n)
	consent, bounced, unsub, verified := make([]bool, n), make([]bool, n), make([]bool, n), make([]bool, n)
	for i, p := range prefs {
		ids[i] = p.UserID
		consent[i] = p.MarketingConsent
		bounced[i] = p.HardBounced
		unsub[i] = p.Unsubscribed
		verified[i] = p.EmailVerified
		updated[i] = p.UpdatedAt.UTC().Format(time.RFC3339Nano)
	}

	res, err := r.db.ExecContext(ctx, `
		INSERT INTO user_email_preferences
			(user_id, marketing_consent, hard_bounced, unsubscribed, email_verified, updated_at)
		SELECT data.user_id, data.consent, data.bounced, data.unsub, data.verified, data.updated_at
		FROM (
			SELECT UNNEST($1::text[]) AS user_id,
			       UNNEST($2::boolean[]) AS consent,
			       UNNEST($3::boolean[]) AS bounced,
			       UNNEST($4::boolean[]) AS unsub,
			       UNNEST($5::boolean[]) AS verified,
			       UNNEST($6::timestamptz[]) AS updated_at
		) AS data
		WHERE EXISTS (SELECT 1 FROM users u WHERE u.id = data.user_id)
		ON CONFLICT (user_id) DO UPDATE SET
			marketing_consent = EXCLUDED.marketing_consent,
			hard_bounced = EXCLUDED.hard_bounced,
			unsubscribed = EXCLUDED.unsubscribed,
			email_verified = EXCLUDED.email_verified,
			updated_at = EXCLUDED.updated_at
	`, pq.Array(ids), pq.Array(consent), pq.Array(bounced), pq.Array(unsub), pq.Array(verified), pq.Array(updated))
	if err != nil {
		return 0, fmt.Errorf("upsert preferences: %w", err)
	}
	written, _ := res.RowsAffected()
	return int(written), nil
}

func (r *UserRepo) UnsubscribeByTrackingID(ctx context.Context, trackingID string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO user_email_preferences (user_id, unsubscribed, updated_at)
		SELECT dr.user_id, TRUE, $2
		FROM delivery_records dr
		WHERE dr.tracking_id = $1
		ON CONFLICT (user_id) DO UPDATE SET unsubscribed = TRUE, updated_at = EXCLUDED.updated_at
	`, trackingID, at)
	if err != nil {
		return false, fmt.Errorf("unsubscribe: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (r *UserRepo) MarkHardBounced(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO user_email_preferences (user_id, hard_bounced, updated_at)
		VALUES ($1, TRUE, $2)
		ON CONFLICT (user_id) DO UPDATE SET hard_bounced = TRUE, updated_at = EXCLUDED.updated_at
	`, userID, at)
	if err != nil {
		return fmt.Errorf("mark hard bounced: %w", err)
	}
	return nil
}

// MergeFields returns the profile attributes offered to templates. NULL
// columns are present with a nil value.
func (r *UserRepo) MergeFields(ctx context.Context, userID string) (map[string]interface{}, error) {
	var (
		firstName, lastName, country, city, language sql.NullString
		isPremium                                    bool
		matchCount                                   int
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT first_name, last_name, country, city, language, is_premium, match_count
		FROM users
		WHERE id = $1 AND deleted_at IS NULL
	`, userID).Scan(&firstName, &lastName, &country, &city, &language, &isPremium, &matchCount)
	if err == sql.ErrNoRows {
		return nil, preferences.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("merge fields: %w", err)
	}
	return map[string]interface{}{
		"user_id":     userID,
		"first_name":  nullable(firstName),
		"last_name":   nullable(lastName),
		"country":     nullable(country),
		"city":        nullable(city),
		"language":    nullable(language),
		"is_premium":  isPremium,
		"match_count": matchCount,
	}, nil
}

func nullable(ns sql.NullString) interface{} {
	if !ns.Valid {
		return nil
	}
	return ns.String
}
