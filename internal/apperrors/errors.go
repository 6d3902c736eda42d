// Package apperrors defines the failure kinds shared by the ingestion pipeline.
// Components wrap one of these sentinels so callers can branch with errors.Is.
package apperrors

import (
	"errors"
	"fmt"
)

var (
	// ErrConfig marks missing or invalid configuration. Fatal, no run attempted.
	ErrConfig = errors.New("configuration error")
	// ErrAuth marks a rejected source or storage credential. Never retried.
	ErrAuth = errors.New("authentication error")
	// ErrTransient marks a retriable network or rate-limit failure.
	ErrTransient = errors.New("transient transport error")
	// ErrUpload marks a storage write that failed after retries.
	ErrUpload = errors.New("upload error")
	// ErrTimeout marks an expired max_runtime guard.
	ErrTimeout = errors.New("run timeout")
	// ErrEnrichment marks a failed entity sub-batch.
	ErrEnrichment = errors.New("enrichment error")
)

// Wrap annotates err with kind so both match errors.Is.
func Wrap(kind error, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, kind) {
		return err
	}
	return fmt.Errorf("%w: %w", kind, err)
}

// Newf builds an error of the given kind from a format string.
func Newf(kind error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", kind, fmt.Sprintf(format, args...))
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrConfig) {
		return false
	}
	return true
}
