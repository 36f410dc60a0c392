package domain

import (
	"encoding/json"
	"time"
)

// Segment is a named, reusable audience definition.
type Segment struct {
	ID          string          `json:"id" db:"id"`
	Name        string          `json:"name" db:"name"`
	Description string          `json:"description" db:"description"`
	Conditions  json.RawMessage `json:"conditions" db:"conditions"`
	CachedCount *int            `json:"cached_count" db:"cached_count"`
	CountedAt   *time.Time      `json:"counted_at" db:"counted_at"`
	Active      bool            `json:"active" db:"active"`
	CreatedAt   time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at" db:"updated_at"`
}

// Recipient is one resolved member of an audience.
type Recipient struct {
	UserID string `json:"user_id" db:"id"`
	Email  string `json:"email" db:"email"`
}

// Preferences holds the email eligibility flags of a user.
type Preferences struct {
	UserID           string    `json:"user_id" db:"user_id"`
	MarketingConsent bool      `json:"marketing_consent" db:"marketing_consent"`
	HardBounced      bool      `json:"hard_bounced" db:"hard_bounced"`
	Unsubscribed     bool      `json:"unsubscribed" db:"unsubscribed"`
	EmailVerified    bool      `json:"email_verified" db:"email_verified"`
	UpdatedAt        time.Time `json:"updated_at" db:"updated_at"`
}

// Eligible reports whether the default audience includes this user.
func (p Preferences) Eligible() bool {
	return p.MarketingConsent && !p.HardBounced && !p.Unsubscribed && p.EmailVerified
}
