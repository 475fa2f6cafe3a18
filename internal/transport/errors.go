package transport

import (
	"errors"
	"fmt"
	"time"
)

// ErrRecipientUnreachable means the chat will not accept messages (blocked,
// deleted, kicked). Retrying does not help.
var ErrRecipientUnreachable = errors.New("recipient unreachable")

// RetryAfterError is returned when the platform asks the caller to slow down.
type RetryAfterError struct {
	After time.Duration
	Err   error
}

func (e *RetryAfterError) Error() string {
	return fmt.Sprintf("retry after %s: %v", e.After, e.Err)
}

func (e *RetryAfterError) Unwrap() error { return e.Err }
