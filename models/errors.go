package models

import (
	"errors"
	"fmt"
)

// Verification gate failures. Rejected at the door with 401.
var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrStaleTimestamp   = errors.New("webhook timestamp outside tolerance")
	ErrMissingHeaders   = errors.New("missing webhook headers")
	ErrMissingSecret    = errors.New("webhook secret not configured")
	ErrBadTimestamp     = errors.New("unparseable webhook timestamp")
)

// ErrIdentityAmbiguous means more than one chat identity plausibly matches;
// never auto-resolved, always surfaced for manual review.
var ErrIdentityAmbiguous = errors.New("identity resolution ambiguous")

// TransientProviderError wraps network/rate-limit failures from the provider
// API. Retried with backoff, or skipped-and-counted inside a batch.
type TransientProviderError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientProviderError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("provider %s: transient status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("provider %s: %v", e.Op, e.Err)
}

func (e *TransientProviderError) Unwrap() error { return e.Err }

// IsTransient reports whether err is a transient provider failure.
func IsTransient(err error) bool {
	var te *TransientProviderError
	return errors.As(err, &te)
}
