// Package errors defines the error taxonomy shared across the ingest,
// queue, Usenet fetch, and streaming packages, so callers can branch on
// error class with errors.Is/errors.As instead of string matching.
package errors

import (
	"errors"
	"fmt"
)

// Content-level errors: surfaced to callers once retry/failover options
// are exhausted.
var (
	// ErrMalformedNzb is returned by NzbParser when the document is not
	// well-formed XML or declares zero files.
	ErrMalformedNzb = errors.New("malformed nzb")

	// ErrCorruptArticle is returned by YencDecoder when the decoded length
	// or CRC32 does not match the article's declared part size/checksum.
	ErrCorruptArticle = errors.New("corrupt article")

	// ErrArticleMissing is returned by UsenetClient when every candidate
	// provider returned a permanent 430/423 for a message id.
	ErrArticleMissing = errors.New("article missing on all providers")

	// ErrArticleUnavailable is returned by UsenetClient when at least one
	// candidate provider failed with a transient error rather than a
	// definitive miss.
	ErrArticleUnavailable = errors.New("article temporarily unavailable")
)

// Transport-level errors: retried internally up to configured bounds, then
// surfaced if retries are exhausted.
var (
	// ErrProviderUnhealthy is returned when no provider is outside its
	// unhealthy cooldown window. A provider enters that window after
	// connect_retries consecutive failed fetches of any kind; an
	// authentication failure counts toward that streak like any other
	// error and does not start the cooldown on its own.
	ErrProviderUnhealthy = errors.New("provider unhealthy")

	// ErrPoolExhausted is returned when a lease cannot be acquired before
	// its deadline because no slot freed up.
	ErrPoolExhausted = errors.New("connection pool exhausted")

	// ErrTimeout is returned when an article fetch or lease acquisition
	// exceeds its configured deadline.
	ErrTimeout = errors.New("operation timed out")
)

// ErrValidation is returned directly to the ingest API as
// {status: false, error: message} for a malformed request.
var ErrValidation = errors.New("validation error")

// ErrStoreConflict signals an optimistic transaction conflict in
// MetadataStore; callers retry locally with bounded backoff.
var ErrStoreConflict = errors.New("store conflict")

// ErrItemNotFound is returned by MetadataStore lookups (item, queue item,
// history item) that find no matching row.
var ErrItemNotFound = errors.New("item not found")

// ErrQueueEmpty is returned by QueueRepository.ClaimNext when there is no
// eligible QueueItem to claim.
var ErrQueueEmpty = errors.New("queue empty")

// NonRetryableError represents an error that should not be retried.
// Operations that encounter this error type fail immediately without
// further retry attempts.
type NonRetryableError struct {
	message string
	cause   error
}

func (e *NonRetryableError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

func (e *NonRetryableError) Unwrap() error {
	return e.cause
}

func (e *NonRetryableError) Is(target error) bool {
	_, ok := target.(*NonRetryableError)
	return ok
}

// NewNonRetryableError creates a new non-retryable error with a message
// and optional cause.
func NewNonRetryableError(message string, cause error) error {
	return &NonRetryableError{message: message, cause: cause}
}

// WrapNonRetryable wraps an existing error as non-retryable.
func WrapNonRetryable(cause error) error {
	if cause == nil {
		return nil
	}
	return &NonRetryableError{message: "operation failed with non-retryable error", cause: cause}
}

// IsNonRetryable checks if an error is non-retryable.
func IsNonRetryable(err error) bool {
	if err == nil {
		return false
	}
	var nonRetryableErr *NonRetryableError
	return errors.As(err, &nonRetryableErr)
}

// IsContentError reports whether err is one of the content-level errors
// that should surface to the caller rather than retry transport-side.
func IsContentError(err error) bool {
	return errors.Is(err, ErrMalformedNzb) ||
		errors.Is(err, ErrCorruptArticle) ||
		errors.Is(err, ErrArticleMissing) ||
		errors.Is(err, ErrArticleUnavailable)
}
