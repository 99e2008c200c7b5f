package ingest

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by pipeline components.
var (
	ErrFetchFailed      = errors.New("fetch failed")
	ErrExtractFailed    = errors.New("extract failed")
	ErrDuplicateKey     = errors.New("duplicate key")
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
)

// FetchError reports a per-URL fetch failure: network error, timeout or non-2xx status.
type FetchError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 && e.Err == nil {
		return fmt.Sprintf("fetch %s: status %d", e.URL, e.StatusCode)
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: status %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

// Unwrap exposes the cause.
func (e *FetchError) Unwrap() error {
	return e.Err
}

// Is matches ErrFetchFailed.
func (e *FetchError) Is(target error) bool {
	return target == ErrFetchFailed
}

// ExtractError reports a page that could not yield a usable candidate.
type ExtractError struct {
	URL    string
	Reason string
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract %s: %s", e.URL, e.Reason)
}

// Is matches ErrExtractFailed.
func (e *ExtractError) Is(target error) bool {
	return target == ErrExtractFailed
}

// Unavailable wraps a persistence failure so callers can abort the run.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
