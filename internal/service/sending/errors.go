package sending

import (
	"errors"
	"fmt"
)

// ErrInvalidMessage is a terminal failure detected before contacting the provider.
var ErrInvalidMessage = errors.New("invalid message")

// TransportError classifies a delivery failure.
type TransportError struct {
	Retryable bool
	Code      string
	Err       error
}

func (e *TransportError) Error() string {
	kind := "terminal"
	if e.Retryable {
		kind = "retryable"
	}
	if e.Code != "" {
		return fmt.Sprintf("%s transport error (%s): %v", kind, e.Code, e.Err)
	}
	return fmt.Sprintf("%s transport error: %v", kind, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Retryable wraps err as a transient failure worth another attempt.
func Retryable(code string, err error) error {
	return &TransportError{Retryable: true, Code: code, Err: err}
}

// Terminal wraps err as a permanent failure.
func Terminal(code string, err error) error {
	return &TransportError{Retryable: false, Code: code, Err: err}
}

// IsRetryable reports whether err deserves another attempt. Errors that were
// not classified by a transport are treated as retryable, except for
// ErrInvalidMessage.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	return !errors.Is(err, ErrInvalidMessage)
}
