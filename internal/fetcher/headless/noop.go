package headless

import (
	"context"
	"errors"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

var errHeadlessDisabled = errors.New("headless fetcher not configured")

// Noop implements ingest.Fetcher but always fails, for deployments without a browser.
type Noop struct{}

// NewNoop creates a new Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch always returns a *ingest.FetchError.
func (Noop) Fetch(_ context.Context, rawURL string) (ingest.Response, error) {
	return ingest.Response{}, &ingest.FetchError{URL: rawURL, Err: errHeadlessDisabled}
}
