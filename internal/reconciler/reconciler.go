// Package reconciler decides how a freshly extracted candidate changes the stored record.
package reconciler

import (
	"time"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// Reconciler maps (candidate, existing) pairs onto store mutations.
// It holds no state and performs no I/O.
type Reconciler struct{}

// New returns a Reconciler.
func New() *Reconciler {
	return &Reconciler{}
}

// Reconcile computes the mutation for candidate given the current stored record, or nil when
// the source URL has never been seen. now is the crawl time used for both the freshness check
// and the lastScraped stamp.
//
// Inactive records are terminal: they are never refreshed or reactivated by the pipeline.
func (Reconciler) Reconcile(candidate ingest.Candidate, existing *ingest.EventRecord, now time.Time) ingest.Mutation {
	now = now.UTC()
	past := candidate.Date.Before(now)

	if existing == nil {
		if past {
			return ingest.Mutation{Action: ingest.ActionDrop}
		}
		return ingest.Mutation{Action: ingest.ActionCreate, Record: newRecord(candidate, now)}
	}

	if existing.Status == ingest.StatusInactive {
		return ingest.Mutation{Action: ingest.ActionNoop, ID: existing.ID}
	}

	if past {
		status := ingest.StatusInactive
		return ingest.Mutation{
			Action: ingest.ActionRetire,
			ID:     existing.ID,
			Patch:  ingest.EventPatch{Status: &status, LastScraped: &now},
		}
	}

	if !changed(candidate, *existing) {
		return ingest.Mutation{
			Action: ingest.ActionTouch,
			ID:     existing.ID,
			Patch:  ingest.EventPatch{LastScraped: &now},
		}
	}

	date := candidate.Date.UTC()
	venue := candidate.Venue
	status := ingest.StatusUpdated
	return ingest.Mutation{
		Action: ingest.ActionUpdate,
		ID:     existing.ID,
		Patch: ingest.EventPatch{
			Date:        &date,
			Venue:       &venue,
			Status:      &status,
			LastScraped: &now,
		},
	}
}

func changed(candidate ingest.Candidate, existing ingest.EventRecord) bool {
	return !candidate.Date.Equal(existing.Date) || candidate.Venue != existing.Venue
}

func newRecord(candidate ingest.Candidate, now time.Time) ingest.EventRecord {
	return ingest.EventRecord{
		SourceURL:   candidate.SourceURL,
		Title:       candidate.Title,
		Description: candidate.Description,
		Date:        candidate.Date.UTC(),
		Venue:       candidate.Venue,
		City:        candidate.City,
		ImageURL:    candidate.ImageURL,
		SourceName:  candidate.SourceName,
		Status:      ingest.StatusNew,
		LastScraped: now,
		CreatedAt:   now,
	}
}
