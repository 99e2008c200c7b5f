package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-ingest/internal/ingest"
	"github.com/JakeFAU/event-ingest/internal/storage/storetest"
)

func openTempStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "events.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestOpenRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := Open(context.Background(), " ")
	require.Error(t, err)
}

func TestStoreContract(t *testing.T) {
	t.Parallel()
	storetest.Run(t, func(t *testing.T) ingest.Store { return openTempStore(t) })
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()
	first, err := Open(ctx, path)
	require.NoError(t, err)
	rec := storetest.Record("a", "https://example.com/events/a", time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, first.Create(ctx, rec))
	require.NoError(t, first.Close())

	second, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = second.Close() })
	got, err := second.Get(ctx, "a")
	require.NoError(t, err)
	require.Equal(t, rec.SourceURL, got.SourceURL)
}

func TestSearchEscapesLikeWildcards(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	date := time.Date(2030, 5, 1, 0, 0, 0, 0, time.UTC)
	withPercent := storetest.Record("a", "https://example.com/events/a", date)
	withPercent.Title = "100% Comedy"
	require.NoError(t, store.Create(ctx, withPercent))
	require.NoError(t, store.Create(ctx, storetest.Record("b", "https://example.com/events/b", date)))

	res, err := store.List(ctx, ingest.Filter{Search: "0%"})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Equal(t, "a", res.Records[0].ID)
}

func TestCreateSubscription(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	sub := ingest.SubscriptionRecord{
		ID:           "s1",
		Email:        "a@example.com",
		EventID:      "e1",
		EventTitle:   "Jazz",
		Consent:      true,
		SubscribedAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.CreateSubscription(ctx, sub))
	err := store.CreateSubscription(ctx, sub)
	require.True(t, errors.Is(err, ingest.ErrDuplicateKey), "got %v", err)
}

func TestDriverFailuresAreUnavailable(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := New(db)
	ctx := context.Background()

	mock.ExpectQuery(`FROM events WHERE id`).WithArgs("a").WillReturnError(errors.New("disk I/O error"))
	_, err = store.Get(ctx, "a")
	require.True(t, errors.Is(err, ingest.ErrStoreUnavailable), "got %v", err)

	mock.ExpectExec(`INSERT INTO events`).WillReturnError(errors.New("database is locked"))
	err = store.Create(ctx, storetest.Record("a", "https://example.com/events/a", time.Now()))
	require.True(t, errors.Is(err, ingest.ErrStoreUnavailable), "got %v", err)

	mock.ExpectQuery(`SELECT COUNT`).WillReturnError(errors.New("no such table: events"))
	_, err = store.List(ctx, ingest.Filter{})
	require.True(t, errors.Is(err, ingest.ErrStoreUnavailable), "got %v", err)

	mock.ExpectPing().WillReturnError(errors.New("closed"))
	err = store.Ping(ctx)
	require.True(t, errors.Is(err, ingest.ErrStoreUnavailable), "got %v", err)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUniqueViolationByMessage(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := New(db)

	mock.ExpectExec(`INSERT INTO events`).
		WillReturnError(errors.New("constraint failed: UNIQUE constraint failed: events.source_url (2067)"))
	err = store.Create(context.Background(), storetest.Record("a", "https://example.com/events/a", time.Now()))
	require.True(t, errors.Is(err, ingest.ErrDuplicateKey), "got %v", err)
	require.False(t, errors.Is(err, ingest.ErrStoreUnavailable))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateMissingRowIsNotFound(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	store := New(db)

	mock.ExpectQuery(`UPDATE events SET`).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	_, err = store.Update(context.Background(), "missing", ingest.EventPatch{})
	require.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLogRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	ctx := context.Background()
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	first := ingest.RunSummary{RunID: "r1", StartedAt: start, FinishedAt: start.Add(time.Minute), Created: 2}
	second := ingest.RunSummary{RunID: "r2", StartedAt: start.Add(time.Hour), FinishedAt: start.Add(2 * time.Hour), Canceled: true, Error: "context canceled"}
	require.NoError(t, store.RecordRun(ctx, first))
	require.NoError(t, store.RecordRun(ctx, second))

	first.Updated = 5
	require.NoError(t, store.RecordRun(ctx, first))

	runs, err := store.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	require.Equal(t, "r2", runs[0].RunID)
	require.True(t, runs[0].Canceled)
	require.Equal(t, "context canceled", runs[0].Error)
	require.Equal(t, 5, runs[1].Updated)
	require.True(t, runs[1].FinishedAt.Equal(start.Add(time.Minute)))

	runs, err = store.ListRuns(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
}

func TestRecordSnapshot(t *testing.T) {
	t.Parallel()

	store := openTempStore(t)
	snap := ingest.Snapshot{
		ID:          "snap-1",
		RunID:       "r1",
		URL:         "https://example.com/events/a",
		Hash:        "abc",
		BlobURI:     "memory://pages/abc.html",
		StatusCode:  200,
		ContentType: "text/html",
		FetchedAt:   time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, store.RecordSnapshot(context.Background(), snap))
	err := store.RecordSnapshot(context.Background(), snap)
	require.True(t, errors.Is(err, ingest.ErrDuplicateKey), "got %v", err)
}
