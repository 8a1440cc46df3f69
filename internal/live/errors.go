package live

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when a session is unknown, expired, or of a
	// different kind than requested.
	ErrNotFound = errors.New("live: session not found")

	// ErrInvalidInput wraps every rejection of caller input.
	ErrInvalidInput = errors.New("live: invalid input")

	// ErrBlocked is returned for chat text rejected by moderation.
	ErrBlocked = errors.New("live: message blocked")

	// ErrResultsShown is returned for a poll submission after the results
	// were revealed.
	ErrResultsShown = errors.New("live: poll results have already been shown")

	// ErrResultsPending is returned when results are requested before the
	// poll reached its minimum number of responses.
	ErrResultsPending = errors.New("live: results not yet available")

	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New("live: rate limited")
)

// RateLimitError reports a rejected request and when to retry.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("live: rate limited, retry after %s", e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) hold.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
