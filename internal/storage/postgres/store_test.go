package postgres

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

var columns = []string{
	"id", "source_url", "title", "description", "date", "venue", "city", "image_url",
	"source_name", "status", "last_scraped", "created_at",
}

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func sampleRecord() ingest.EventRecord {
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return ingest.EventRecord{
		ID:          "evt-1",
		SourceURL:   "https://example.com/events/a",
		Title:       "Harbour Jazz",
		Description: "Live music",
		Date:        now.Add(48 * time.Hour),
		Venue:       "Town Hall",
		City:        "Sydney",
		SourceName:  "example",
		Status:      ingest.StatusNew,
		LastScraped: now,
		CreatedAt:   now,
	}
}

func recordRow(rec ingest.EventRecord) *pgxmock.Rows {
	return pgxmock.NewRows(columns).AddRow(
		rec.ID, rec.SourceURL, rec.Title, rec.Description, rec.Date, rec.Venue, rec.City,
		rec.ImageURL, rec.SourceName, string(rec.Status), rec.LastScraped, rec.CreatedAt,
	)
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestNewRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	require.Error(t, err)
}

func TestCreateInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()

	mock.ExpectExec("INSERT INTO events").
		WithArgs(
			rec.ID, rec.SourceURL, rec.Title, rec.Description, rec.Date, rec.Venue, rec.City,
			rec.ImageURL, rec.SourceName, string(rec.Status), rec.LastScraped, rec.CreatedAt,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.Create(context.Background(), rec))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsUniqueViolation(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO events").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "events_source_url_key"})

	err := store.Create(context.Background(), sampleRecord())
	require.True(t, errors.Is(err, ingest.ErrDuplicateKey), "got %v", err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateMapsOtherErrorsToUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("INSERT INTO events").WillReturnError(errors.New("connection reset"))

	err := store.Create(context.Background(), sampleRecord())
	require.True(t, errors.Is(err, ingest.ErrStoreUnavailable), "got %v", err)
}

func TestGetBySourceURL(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	mock.ExpectQuery("FROM events WHERE source_url").
		WithArgs(rec.SourceURL).
		WillReturnRows(recordRow(rec))

	got, err := store.GetBySourceURL(context.Background(), rec.SourceURL)
	require.NoError(t, err)
	require.Equal(t, rec, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM events WHERE id").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.Get(context.Background(), "missing")
	require.True(t, errors.Is(err, ingest.ErrNotFound), "got %v", err)
}

func TestUpdateReturnsMergedRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	rec.Status = ingest.StatusInactive
	status := ingest.StatusInactive
	scraped := rec.LastScraped

	mock.ExpectQuery("UPDATE events SET").
		WithArgs(
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), rec.ID,
		).
		WillReturnRows(recordRow(rec))

	got, err := store.Update(context.Background(), rec.ID, ingest.EventPatch{Status: &status, LastScraped: &scraped})
	require.NoError(t, err)
	require.Equal(t, ingest.StatusInactive, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListBuildsFilteredQuery(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	rec := sampleRecord()
	from := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM events WHERE city ILIKE \$1 AND status = \$2 AND date >= \$3`).
		WithArgs("%syd%", "new", from).
		WillReturnRows(pgxmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(`ORDER BY date ASC, id ASC LIMIT \$4 OFFSET \$5`).
		WithArgs("%syd%", "new", from, 10, 20).
		WillReturnRows(recordRow(rec))

	res, err := store.List(context.Background(), ingest.Filter{
		City:     "syd",
		Status:   ingest.StatusNew,
		DateFrom: &from,
		Limit:    10,
		Offset:   20,
	})
	require.NoError(t, err)
	require.Equal(t, 1, res.Total)
	require.Len(t, res.Records, 1)
	require.Equal(t, rec.ID, res.Records[0].ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPingFailureIsUnavailable(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectPing().WillReturnError(errors.New("dial tcp: refused"))

	err := store.Ping(context.Background())
	require.True(t, errors.Is(err, ingest.ErrStoreUnavailable), "got %v", err)
}

func TestRecordSnapshotInsertsRow(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	snap := ingest.Snapshot{
		ID:          "snap-1",
		RunID:       "run-1",
		URL:         "https://example.com/events/a",
		Hash:        "abc123",
		BlobURI:     "gs://bucket/pages/abc123.html",
		StatusCode:  200,
		ContentType: "text/html",
		Headers:     http.Header{"Content-Type": {"text/html"}},
		FetchedAt:   now,
	}

	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(
			snap.ID, snap.RunID, snap.URL, snap.Hash, snap.BlobURI, snap.StatusCode,
			snap.ContentType, []byte(`{"Content-Type":["text/html"]}`), now,
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordSnapshot(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRunLog(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	start := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	summary := ingest.RunSummary{RunID: "run-1", StartedAt: start, FinishedAt: start.Add(time.Minute), Created: 3}

	mock.ExpectExec("INSERT INTO runs").
		WithArgs(
			summary.RunID, summary.StartedAt, summary.FinishedAt, 0, 3, 0, 0, 0, 0, 0, 0, false, "",
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.RecordRun(context.Background(), summary))

	mock.ExpectQuery("FROM runs").
		WithArgs(5).
		WillReturnRows(pgxmock.NewRows([]string{
			"run_id", "started_at", "finished_at", "discovered", "created", "updated", "touched",
			"retired", "dropped", "skipped", "failed", "canceled", "error",
		}).AddRow("run-1", start, start.Add(time.Minute), 0, 3, 0, 0, 0, 0, 0, 0, false, ""))

	runs, err := store.ListRuns(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, 3, runs[0].Created)
	require.NoError(t, mock.ExpectationsWereMet())
}
