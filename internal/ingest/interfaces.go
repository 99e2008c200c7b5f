package ingest

import (
	"context"
	"io"
	"time"
)

// Store persists event records keyed uniquely by source URL.
type Store interface {
	Create(ctx context.Context, rec EventRecord) error
	Get(ctx context.Context, id string) (EventRecord, error)
	GetBySourceURL(ctx context.Context, sourceURL string) (EventRecord, error)
	Update(ctx context.Context, id string, patch EventPatch) (EventRecord, error)
	List(ctx context.Context, filter Filter) (ListResult, error)
	Ping(ctx context.Context) error
}

// SubscriptionStore appends subscription records.
type SubscriptionStore interface {
	CreateSubscription(ctx context.Context, sub SubscriptionRecord) error
}

// SnapshotLog records archived copies of fetched detail pages.
type SnapshotLog interface {
	RecordSnapshot(ctx context.Context, snap Snapshot) error
}

// RunLog persists run summaries.
type RunLog interface {
	RecordRun(ctx context.Context, summary RunSummary) error
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (Response, error)
}

// Extractor turns a detail page into a candidate record.
type Extractor interface {
	Extract(page Page) (Candidate, error)
}

// LinkDiscoverer lists the detail-page links found on a listing page.
type LinkDiscoverer interface {
	Discover(page Page) ([]string, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Publisher pushes change notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces record IDs.
type IDGenerator interface {
	NewID() (string, error)
}
