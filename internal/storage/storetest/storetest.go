// Package storetest holds the behavioral contract every ingest.Store backend must satisfy.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

// Factory returns a fresh, empty store for one subtest.
type Factory func(t *testing.T) ingest.Store

var base = time.Date(2030, 1, 1, 12, 0, 0, 0, time.UTC)

// Record builds a valid record for tests.
func Record(id, sourceURL string, date time.Time) ingest.EventRecord {
	return ingest.EventRecord{
		ID:          id,
		SourceURL:   sourceURL,
		Title:       "Event " + id,
		Description: "Description " + id,
		Date:        date,
		Venue:       "Venue " + id,
		City:        "Sydney",
		SourceName:  "test",
		Status:      ingest.StatusNew,
		LastScraped: base,
		CreatedAt:   base,
	}
}

// Run executes the contract against stores produced by factory.
func Run(t *testing.T, factory Factory) {
	t.Helper()

	t.Run("create and get", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		rec := Record("a", "https://example.com/events/a", base.Add(48*time.Hour))
		rec.ImageURL = "https://cdn.example.com/a.jpg"
		require.NoError(t, store.Create(ctx, rec))

		got, err := store.Get(ctx, "a")
		require.NoError(t, err)
		requireSameRecord(t, rec, got)

		got, err = store.GetBySourceURL(ctx, rec.SourceURL)
		require.NoError(t, err)
		requireSameRecord(t, rec, got)
	})

	t.Run("not found", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		_, err := store.Get(ctx, "missing")
		require.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)
		_, err = store.GetBySourceURL(ctx, "https://example.com/events/missing")
		require.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)
		_, err = store.Update(ctx, "missing", ingest.EventPatch{})
		require.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)
	})

	t.Run("unique source url", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		require.NoError(t, store.Create(ctx, Record("a", "https://example.com/events/a", base)))
		err := store.Create(ctx, Record("b", "https://example.com/events/a", base))
		require.True(t, errors.Is(err, ingest.ErrDuplicateKey), "got %v", err)
		err = store.Create(ctx, Record("a", "https://example.com/events/other", base))
		require.True(t, errors.Is(err, ingest.ErrDuplicateKey), "got %v", err)
	})

	t.Run("update merges fields and keeps last scraped monotonic", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()
		rec := Record("a", "https://example.com/events/a", base.Add(48*time.Hour))
		require.NoError(t, store.Create(ctx, rec))

		venue := "New Venue"
		status := ingest.StatusUpdated
		later := base.Add(time.Hour)
		got, err := store.Update(ctx, "a", ingest.EventPatch{Venue: &venue, Status: &status, LastScraped: &later})
		require.NoError(t, err)
		require.Equal(t, "New Venue", got.Venue)
		require.Equal(t, ingest.StatusUpdated, got.Status)
		require.Equal(t, rec.Title, got.Title)
		require.True(t, got.LastScraped.Equal(later))

		earlier := base.Add(-time.Hour)
		got, err = store.Update(ctx, "a", ingest.EventPatch{LastScraped: &earlier})
		require.NoError(t, err)
		require.True(t, got.LastScraped.Equal(later), "last scraped moved backwards to %v", got.LastScraped)

		stored, err := store.Get(ctx, "a")
		require.NoError(t, err)
		require.True(t, stored.LastScraped.Equal(later))
		require.Equal(t, "New Venue", stored.Venue)
	})

	t.Run("list filters sorts and pages", func(t *testing.T) {
		store := factory(t)
		ctx := context.Background()

		first := Record("c", "https://example.com/events/c", base.Add(24*time.Hour))
		first.Title = "Harbour Jazz"
		second := Record("a", "https://example.com/events/a", base.Add(48*time.Hour))
		second.Venue = "Town Hall"
		second.Status = ingest.StatusImported
		third := Record("b", "https://example.com/events/b", base.Add(72*time.Hour))
		third.City = "Parramatta"
		third.Description = "Late night JAZZ session"
		for _, rec := range []ingest.EventRecord{third, second, first} {
			require.NoError(t, store.Create(ctx, rec))
		}

		all, err := store.List(ctx, ingest.Filter{})
		require.NoError(t, err)
		require.Equal(t, 3, all.Total)
		require.Equal(t, []string{"c", "a", "b"}, ids(all.Records))

		res, err := store.List(ctx, ingest.Filter{City: "sydney"})
		require.NoError(t, err)
		require.Equal(t, []string{"c", "a"}, ids(res.Records))

		res, err = store.List(ctx, ingest.Filter{Status: ingest.StatusImported})
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, ids(res.Records))

		res, err = store.List(ctx, ingest.Filter{Search: "jazz"})
		require.NoError(t, err)
		require.Equal(t, []string{"c", "b"}, ids(res.Records))

		res, err = store.List(ctx, ingest.Filter{Search: "town hall"})
		require.NoError(t, err)
		require.Equal(t, []string{"a"}, ids(res.Records))

		from := base.Add(48 * time.Hour)
		to := base.Add(72 * time.Hour)
		res, err = store.List(ctx, ingest.Filter{DateFrom: &from, DateTo: &to})
		require.NoError(t, err)
		require.Equal(t, []string{"a", "b"}, ids(res.Records))

		res, err = store.List(ctx, ingest.Filter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		require.Equal(t, 3, res.Total)
		require.Equal(t, []string{"a"}, ids(res.Records))

		res, err = store.List(ctx, ingest.Filter{Limit: 10, Offset: 5})
		require.NoError(t, err)
		require.Equal(t, 3, res.Total)
		require.Empty(t, res.Records)
	})

	t.Run("ping", func(t *testing.T) {
		require.NoError(t, factory(t).Ping(context.Background()))
	})
}

func requireSameRecord(t *testing.T, want, got ingest.EventRecord) {
	t.Helper()
	require.Equal(t, want.ID, got.ID)
	require.Equal(t, want.SourceURL, got.SourceURL)
	require.Equal(t, want.Title, got.Title)
	require.Equal(t, want.Description, got.Description)
	require.True(t, want.Date.Equal(got.Date), "date %v != %v", want.Date, got.Date)
	require.Equal(t, want.Venue, got.Venue)
	require.Equal(t, want.City, got.City)
	require.Equal(t, want.ImageURL, got.ImageURL)
	require.Equal(t, want.SourceName, got.SourceName)
	require.Equal(t, want.Status, got.Status)
	require.True(t, want.LastScraped.Equal(got.LastScraped))
	require.True(t, want.CreatedAt.Equal(got.CreatedAt))
}

func ids(records []ingest.EventRecord) []string {
	out := make([]string, 0, len(records))
	for _, rec := range records {
		out = append(out, rec.ID)
	}
	return out
}
