// Package promote combines a plain HTTP fetcher with a headless fallback.
package promote

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// Detector reports whether a plain response should be re-fetched with a browser.
type Detector interface {
	ShouldPromote(resp ingest.Response) bool
}

// Fetcher implements ingest.Fetcher. It returns the plain response unless the detector
// asks for a headless render and that render succeeds.
type Fetcher struct {
	primary  ingest.Fetcher
	headless ingest.Fetcher
	detector Detector
	logger   *zap.Logger
}

// New wires the fetchers. A nil headless fetcher or detector disables promotion.
func New(primary, headless ingest.Fetcher, detector Detector, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fetcher{
		primary:  primary,
		headless: headless,
		detector: detector,
		logger:   logger,
	}
}

// Fetch implements ingest.Fetcher.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (ingest.Response, error) {
	resp, err := f.primary.Fetch(ctx, rawURL)
	if err != nil {
		return ingest.Response{}, err
	}
	if f.headless == nil || f.detector == nil || !f.detector.ShouldPromote(resp) {
		return resp, nil
	}

	rendered, err := f.headless.Fetch(ctx, rawURL)
	if err != nil {
		f.logger.Warn("headless promotion failed, keeping plain response",
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return resp, nil
	}
	f.logger.Debug("page promoted to headless render", zap.String("url", rawURL))
	return rendered, nil
}
