package explorer

import (
	"errors"
	"fmt"
	"time"
)

// Code classifies a client failure. Only CONFIG, PARSE_ERROR, and a
// non-rate-limit PROVIDER_ERROR are immediately fatal to the caller; all
// other codes are retried up to the attempt budget before being surfaced.
type Code string

const (
	CodeConfig     Code = "CONFIG"
	CodeRateLimit  Code = "RATE_LIMIT"
	CodeDailyLimit Code = "DAILY_LIMIT"
	CodeHTTP       Code = "HTTP_ERROR"
	CodeTimeout    Code = "TIMEOUT"
	CodeNetwork    Code = "NETWORK"
	CodeParse      Code = "PARSE_ERROR"
	CodeProvider   Code = "PROVIDER_ERROR"
)

type ClientError struct {
	Code      Code
	Message   string
	Retryable bool
	// RetryAfter is the provider-requested delay, when a Retry-After header
	// was present. Zero otherwise.
	RetryAfter time.Duration
	// ResetAt is set for DAILY_LIMIT so callers know when quota returns.
	ResetAt time.Time
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("explorer %s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("explorer %s: %s", e.Code, e.Message)
}

func (e *ClientError) Unwrap() error { return e.Cause }

// AsClientError unwraps err into a *ClientError if possible.
func AsClientError(err error) (*ClientError, bool) {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}
