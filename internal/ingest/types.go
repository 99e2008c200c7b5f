package ingest

import (
	"net/http"
	"time"
)

// Status represents the curation lifecycle state of an event record.
type Status string

// Event status values persisted in the store.
const (
	StatusNew      Status = "new"
	StatusUpdated  Status = "updated"
	StatusImported Status = "imported"
	StatusInactive Status = "inactive"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusUpdated, StatusImported, StatusInactive:
		return true
	default:
		return false
	}
}

// EventRecord is the canonical stored representation of one event listing.
type EventRecord struct {
	ID          string    `json:"id"`
	SourceURL   string    `json:"sourceUrl"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	Venue       string    `json:"venue"`
	City        string    `json:"city"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	SourceName  string    `json:"sourceName"`
	Status      Status    `json:"status"`
	LastScraped time.Time `json:"lastScraped"`
	CreatedAt   time.Time `json:"createdAt"`
}

// EventPatch is a field-merge update. Nil fields are left untouched.
type EventPatch struct {
	Title       *string
	Description *string
	Date        *time.Time
	Venue       *string
	ImageURL    *string
	Status      *Status
	LastScraped *time.Time
}

// IsZero reports whether the patch carries no field changes.
func (p EventPatch) IsZero() bool {
	return p.Title == nil && p.Description == nil && p.Date == nil && p.Venue == nil &&
		p.ImageURL == nil && p.Status == nil && p.LastScraped == nil
}

// Apply merges the patch into rec and returns the result. LastScraped never moves backwards.
func (p EventPatch) Apply(rec EventRecord) EventRecord {
	if p.Title != nil {
		rec.Title = *p.Title
	}
	if p.Description != nil {
		rec.Description = *p.Description
	}
	if p.Date != nil {
		rec.Date = p.Date.UTC()
	}
	if p.Venue != nil {
		rec.Venue = *p.Venue
	}
	if p.ImageURL != nil {
		rec.ImageURL = *p.ImageURL
	}
	if p.Status != nil {
		rec.Status = *p.Status
	}
	if p.LastScraped != nil && p.LastScraped.After(rec.LastScraped) {
		rec.LastScraped = p.LastScraped.UTC()
	}
	return rec
}

// Filter narrows a List query. Zero values disable the corresponding predicate.
type Filter struct {
	City     string
	Status   Status
	Search   string
	DateFrom *time.Time
	DateTo   *time.Time
	Limit    int
	Offset   int
}

// ListResult is one page of records plus the total matching count.
type ListResult struct {
	Records []EventRecord `json:"records"`
	Total   int           `json:"total"`
}

// SubscriptionRecord captures a visitor's interest in an event.
type SubscriptionRecord struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	EventID      string    `json:"eventId"`
	EventTitle   string    `json:"eventTitle,omitempty"`
	Consent      bool      `json:"consent"`
	SubscribedAt time.Time `json:"subscribedAt"`
}

// Page is a fetched document handed to extractors.
type Page struct {
	URL  string
	Body []byte
}

// Response is the result returned by a Fetcher implementation.
type Response struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Page converts the response into an extractor input keyed by the requested URL.
func (r Response) Page(requested string) Page {
	return Page{URL: requested, Body: r.Body}
}

// Origin records where an extracted field came from.
type Origin string

// Field origins reported by extractors.
const (
	OriginStructured Origin = "structured"
	OriginHeuristic  Origin = "heuristic"
	OriginDefault    Origin = "default"
)

// Candidate is extracted-but-not-yet-persisted event data for one detail page.
type Candidate struct {
	SourceURL   string
	Title       string
	Description string
	Date        time.Time
	Venue       string
	City        string
	ImageURL    string
	SourceName  string
	// Origins maps field names (title, description, date, venue, city, imageUrl) to their source.
	Origins map[string]Origin
}

// Action is the decision a reconciler makes for one candidate.
type Action string

// Reconciliation actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionRetire Action = "retire"
	ActionTouch  Action = "touch"
	ActionDrop   Action = "drop"
	ActionNoop   Action = "noop"
)

// Mutation is the store change computed from a candidate and the prior record.
type Mutation struct {
	Action Action
	// Record is set for ActionCreate.
	Record EventRecord
	// ID and Patch are set for ActionUpdate, ActionRetire and ActionTouch.
	ID    string
	Patch EventPatch
}

// RunSummary aggregates the outcome of one ingestion run.
type RunSummary struct {
	RunID      string    `json:"runId"`
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Discovered int       `json:"discovered"`
	Created    int       `json:"created"`
	Updated    int       `json:"updated"`
	Touched    int       `json:"touched"`
	Retired    int       `json:"retired"`
	Dropped    int       `json:"dropped"`
	Skipped    int       `json:"skipped"`
	Failed     int       `json:"failed"`
	Canceled   bool      `json:"canceled"`
	Error      string    `json:"error,omitempty"`
}

// Count increments the counter that corresponds to action.
func (s *RunSummary) Count(action Action) {
	switch action {
	case ActionCreate:
		s.Created++
	case ActionUpdate:
		s.Updated++
	case ActionTouch:
		s.Touched++
	case ActionRetire:
		s.Retired++
	case ActionDrop:
		s.Dropped++
	case ActionNoop:
		s.Skipped++
	}
}

// Snapshot describes one archived detail page.
type Snapshot struct {
	ID          string      `json:"id"`
	RunID       string      `json:"runId"`
	URL         string      `json:"url"`
	Hash        string      `json:"hash"`
	BlobURI     string      `json:"blobUri"`
	StatusCode  int         `json:"statusCode"`
	ContentType string      `json:"contentType"`
	Headers     http.Header `json:"headers,omitempty"`
	FetchedAt   time.Time   `json:"fetchedAt"`
}

// ChangeEvent is published for each mutation that alters a record's curation state.
type ChangeEvent struct {
	RunID     string    `json:"runId"`
	Action    Action    `json:"action"`
	EventID   string    `json:"eventId"`
	SourceURL string    `json:"sourceUrl"`
	Status    Status    `json:"status"`
	At        time.Time `json:"at"`
}

// Attributes returns the message attributes subscribers filter on.
func (e ChangeEvent) Attributes() map[string]string {
	return map[string]string{
		"action":  string(e.Action),
		"status":  string(e.Status),
		"eventId": e.EventID,
		"runId":   e.RunID,
	}
}
