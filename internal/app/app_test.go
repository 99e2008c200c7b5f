package app_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/event-ingest/internal/app"
	"github.com/JakeFAU/event-ingest/internal/config"
	"github.com/JakeFAU/event-ingest/internal/ingest"
	memorystorage "github.com/JakeFAU/event-ingest/internal/storage/memory"
)

const detailHTML = `<html><head>
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"Event","name":"Harbour Lights","startDate":"2099-05-01T19:00:00","location":{"@type":"Place","name":"Circular Quay"}}
</script></head><body><h1>Harbour Lights</h1></body></html>`

func newSite(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/whats-on", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, `<html><body><a href="/events/harbour-lights">Harbour Lights</a><a href="/about">About</a></body></html>`)
	})
	mux.HandleFunc("/events/harbour-lights", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, detailHTML)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func baseConfig(listingURL string) config.Config {
	return config.Config{
		Server: config.ServerConfig{Port: 8080},
		Source: config.SourceConfig{
			Name:       "Test Council",
			ListingURL: listingURL,
			LinkPrefix: "/events/",
			City:       "Sydney",
			Timezone:   "Australia/Sydney",
		},
		Crawler:  config.CrawlerConfig{UserAgent: "event-ingest-test"},
		HTTP:     config.HTTPConfig{TimeoutSeconds: 5},
		Extract:  config.ExtractConfig{DescriptionMax: 500, DefaultVenue: "unknown"},
		Schedule: config.ScheduleConfig{Cron: "0 0 * * *"},
		Storage:  config.StorageConfig{Driver: config.StorageMemory},
		Archive:  config.ArchiveConfig{Driver: config.ArchiveMemory, Prefix: "snapshots"},
		Logging:  config.LoggingConfig{Level: "info"},
	}
}

// Build installs a global tracer provider, so these tests do not run in parallel.

func TestBuildRunOnceMemory(t *testing.T) {
	site := newSite(t)
	ctx := context.Background()

	a, err := app.Build(ctx, baseConfig(site.URL+"/whats-on"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })

	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Discovered)
	require.Equal(t, 1, summary.Created)
	require.False(t, summary.Canceled)

	rec, err := a.Store().GetBySourceURL(ctx, site.URL+"/events/harbour-lights")
	require.NoError(t, err)
	require.Equal(t, "Harbour Lights", rec.Title)
	require.Equal(t, "Circular Quay", rec.Venue)
	require.Equal(t, "Sydney", rec.City)
	require.Equal(t, ingest.StatusNew, rec.Status)

	mem, ok := a.Store().(*memorystorage.EventStore)
	require.True(t, ok)
	require.Len(t, mem.Snapshots(), 1)

	runs, err := a.Store().ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, summary.RunID, runs[0].RunID)

	rr := httptest.NewRecorder()
	a.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/events?city=Sydney", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	var body struct {
		Events []ingest.EventRecord `json:"events"`
		Total  int                  `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	require.Equal(t, 1, body.Total)
	require.Equal(t, rec.ID, body.Events[0].ID)
}

func TestBuildSQLiteCreatesDirectory(t *testing.T) {
	site := newSite(t)
	ctx := context.Background()

	cfg := baseConfig(site.URL + "/whats-on")
	cfg.Storage = config.StorageConfig{
		Driver:     config.StorageSQLite,
		SQLitePath: filepath.Join(t.TempDir(), "nested", "events.db"),
	}
	cfg.Archive = config.ArchiveConfig{Driver: config.ArchiveLocal, BaseDir: filepath.Join(t.TempDir(), "archive")}

	a, err := app.Build(ctx, cfg, zap.NewNop())
	require.NoError(t, err)

	summary, err := a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, summary.Created)

	// A second pass over unchanged pages only touches the record.
	summary, err = a.RunOnce(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, summary.Created)
	require.Equal(t, 1, summary.Touched)

	require.NoError(t, a.Close(ctx))
	_, err = os.Stat(cfg.Storage.SQLitePath)
	require.NoError(t, err)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := baseConfig("not a url")
	_, err := app.Build(context.Background(), cfg, zap.NewNop())
	require.ErrorContains(t, err, "source.listing_url")
}

func TestRunOnceListingFailure(t *testing.T) {
	site := newSite(t)
	ctx := context.Background()

	a, err := app.Build(ctx, baseConfig(site.URL+"/missing"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close(ctx)) })

	summary, err := a.RunOnce(ctx)
	require.Error(t, err)
	require.NotEmpty(t, summary.Error)
}

func TestCloseIsIdempotent(t *testing.T) {
	site := newSite(t)
	ctx := context.Background()

	a, err := app.Build(ctx, baseConfig(site.URL+"/whats-on"), nil)
	require.NoError(t, err)
	require.NoError(t, a.Close(ctx))
	require.NoError(t, a.Close(ctx))
}
