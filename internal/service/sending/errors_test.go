package sending

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsRetryable(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"retryable", Retryable("421", base), true},
		{"terminal", Terminal("550", base), false},
		{"wrapped terminal", fmt.Errorf("send: %w", Terminal("550", base)), false},
		{"unclassified", base, true},
		{"deadline", context.DeadlineExceeded, true},
		{"invalid message", fmt.Errorf("%w: empty recipient", ErrInvalidMessage), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}

func TestTransportError_Message(t *testing.T) {
	err := Terminal("550", errors.New("mailbox unavailable"))
	assert.Equal(t, "terminal transport error (550): mailbox unavailable", err.Error())
	assert.ErrorContains(t, Retryable("", errors.New("timeout")), "retryable transport error: timeout")

	var te *TransportError
	assert.True(t, errors.As(fmt.Errorf("x: %w", err), &te))
	assert.Equal(t, "550", te.Code)
}
