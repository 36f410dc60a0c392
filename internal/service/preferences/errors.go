package preferences

import "errors"

// Sentinel errors for the preferences service layer.
var (
	ErrNotFound      = errors.New("preferences not found")
	ErrInvalidInput  = errors.New("invalid preferences input")
	ErrBatchTooLarge = errors.New("preferences batch too large")
)
