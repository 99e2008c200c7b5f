package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// EventStore keeps event records and subscriptions in process memory.
type EventStore struct {
	mu            sync.RWMutex
	events        map[string]ingest.EventRecord
	bySourceURL   map[string]string
	subscriptions []ingest.SubscriptionRecord
	snapshots     []ingest.Snapshot
	runs          []ingest.RunSummary
}

// NewEventStore constructs an empty EventStore.
func NewEventStore() *EventStore {
	return &EventStore{
		events:      make(map[string]ingest.EventRecord),
		bySourceURL: make(map[string]string),
	}
}

// Create inserts rec. Both id and source URL must be unused.
func (s *EventStore) Create(_ context.Context, rec ingest.EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.events[rec.ID]; exists {
		return fmt.Errorf("create event %s: %w", rec.ID, ingest.ErrDuplicateKey)
	}
	if _, exists := s.bySourceURL[rec.SourceURL]; exists {
		return fmt.Errorf("create event %s: %w", rec.SourceURL, ingest.ErrDuplicateKey)
	}
	rec = normalizeTimes(rec)
	s.events[rec.ID] = rec
	s.bySourceURL[rec.SourceURL] = rec.ID
	return nil
}

// Get fetches a record by id.
func (s *EventStore) Get(_ context.Context, id string) (ingest.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.events[id]
	if !ok {
		return ingest.EventRecord{}, fmt.Errorf("get event %s: %w", id, ingest.ErrNotFound)
	}
	return rec, nil
}

// GetBySourceURL fetches a record by its canonical source URL.
func (s *EventStore) GetBySourceURL(_ context.Context, sourceURL string) (ingest.EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.bySourceURL[sourceURL]
	if !ok {
		return ingest.EventRecord{}, fmt.Errorf("get event by url %s: %w", sourceURL, ingest.ErrNotFound)
	}
	return s.events[id], nil
}

// Update merges patch into the stored record and returns the result.
func (s *EventStore) Update(_ context.Context, id string, patch ingest.EventPatch) (ingest.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.events[id]
	if !ok {
		return ingest.EventRecord{}, fmt.Errorf("update event %s: %w", id, ingest.ErrNotFound)
	}
	rec = patch.Apply(rec)
	s.events[id] = rec
	return rec, nil
}

// List returns the page of records matching filter, ordered by date ascending.
func (s *EventStore) List(_ context.Context, filter ingest.Filter) (ingest.ListResult, error) {
	s.mu.RLock()
	matches := make([]ingest.EventRecord, 0, len(s.events))
	for _, rec := range s.events {
		if matchesFilter(rec, filter) {
			matches = append(matches, rec)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].Date.Equal(matches[j].Date) {
			return matches[i].Date.Before(matches[j].Date)
		}
		return matches[i].ID < matches[j].ID
	})

	total := len(matches)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return ingest.ListResult{Records: matches[start:end], Total: total}, nil
}

// Ping always succeeds.
func (s *EventStore) Ping(context.Context) error {
	return nil
}

// CreateSubscription appends sub to the subscription log.
func (s *EventStore) CreateSubscription(_ context.Context, sub ingest.SubscriptionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub.SubscribedAt = sub.SubscribedAt.UTC()
	s.subscriptions = append(s.subscriptions, sub)
	return nil
}

// Subscriptions returns a copy of the subscription log.
func (s *EventStore) Subscriptions() []ingest.SubscriptionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.SubscriptionRecord(nil), s.subscriptions...)
}

// RecordSnapshot appends snap to the snapshot log.
func (s *EventStore) RecordSnapshot(_ context.Context, snap ingest.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap.FetchedAt = snap.FetchedAt.UTC()
	s.snapshots = append(s.snapshots, snap)
	return nil
}

// Snapshots returns a copy of the snapshot log.
func (s *EventStore) Snapshots() []ingest.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ingest.Snapshot(nil), s.snapshots...)
}

// RecordRun stores a run summary, replacing an earlier one with the same run id.
func (s *EventStore) RecordRun(_ context.Context, summary ingest.RunSummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.runs {
		if s.runs[i].RunID == summary.RunID {
			s.runs[i] = summary
			return nil
		}
	}
	s.runs = append(s.runs, summary)
	return nil
}

// ListRuns returns up to limit summaries, most recent first. limit <= 0 returns all.
func (s *EventStore) ListRuns(_ context.Context, limit int) ([]ingest.RunSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ingest.RunSummary, 0, len(s.runs))
	for i := len(s.runs) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, s.runs[i])
	}
	return out, nil
}

func matchesFilter(rec ingest.EventRecord, f ingest.Filter) bool {
	if f.City != "" && !containsFold(rec.City, f.City) {
		return false
	}
	if f.Status != "" && rec.Status != f.Status {
		return false
	}
	if f.Search != "" && !containsFold(rec.Title, f.Search) &&
		!containsFold(rec.Venue, f.Search) && !containsFold(rec.Description, f.Search) {
		return false
	}
	if f.DateFrom != nil && rec.Date.Before(*f.DateFrom) {
		return false
	}
	if f.DateTo != nil && rec.Date.After(*f.DateTo) {
		return false
	}
	return true
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

var (
	_ ingest.Store             = (*EventStore)(nil)
	_ ingest.SubscriptionStore = (*EventStore)(nil)
	_ ingest.SnapshotLog       = (*EventStore)(nil)
	_ ingest.RunLog            = (*EventStore)(nil)
)

func normalizeTimes(rec ingest.EventRecord) ingest.EventRecord {
	rec.Date = rec.Date.UTC()
	rec.LastScraped = rec.LastScraped.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return rec
}
