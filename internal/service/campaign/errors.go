package campaign

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/campaign-engine/internal/domain"
)

// Sentinel errors for the campaign service layer.
var (
	ErrNotFound          = errors.New("campaign not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrValidation        = errors.New("validation failed")
	ErrNoRecipients      = errors.New("campaign resolved to zero recipients")
	ErrLaunchInProgress  = errors.New("another operation holds the campaign lock")
	ErrNotDrained        = errors.New("campaign still has outstanding deliveries")
	ErrSeeding           = errors.New("seeding delivery records failed")

	// ErrConflict is returned by repositories when a compare-and-set update
	// finds the campaign in a different status than expected.
	ErrConflict = errors.New("campaign status changed concurrently")
)

// PolicyError reports an action that is not permitted from the campaign's
// current status.
type PolicyError struct {
	Current domain.CampaignStatus
	Action  domain.CampaignAction
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("cannot %s a campaign in status %s", e.Action, e.Current)
}

func (e *PolicyError) Is(target error) bool { return target == ErrInvalidTransition }

// FieldError is one invalid input field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError lists every invalid field of a request. Nothing is
// persisted when it is returned.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Fields))
	for i, f := range e.Fields {
		parts[i] = f.Field + ": " + f.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) add(field, msg string) {
	e.Fields = append(e.Fields, FieldError{Field: field, Message: msg})
}

func (e *ValidationError) err() error {
	if len(e.Fields) == 0 {
		return nil
	}
	return e
}

func invalid(field, msg string) error {
	return &ValidationError{Fields: []FieldError{{Field: field, Message: msg}}}
}
