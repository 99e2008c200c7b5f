package extractor

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/event-ingest/internal/ingest"
)

const pageURL = "https://events.example.com/events/summer-jam"

func newTestExtractor(t *testing.T) *Layered {
	t.Helper()
	return New(Config{
		SourceName:     "example",
		City:           "Sydney",
		DescriptionMax: 40,
	}, zap.NewNop())
}

func TestExtractPrefersStructuredData(t *testing.T) {
	t.Parallel()

	body := `<html><head>
<meta property="og:image" content="/img/og.jpg">
<script type="application/ld+json">
{"@context":"https://schema.org","@type":"MusicEvent","name":"Summer Jam LD",
 "startDate":"2030-01-05T19:00:00+11:00","location":{"@type":"Place","name":"Opera House"},
 "image":["https://cdn.example.com/a.jpg"],"description":"Live music by the harbour"}
</script></head>
<body><h1>Summer Jam</h1><p>Paragraph text</p></body></html>`

	c, err := newTestExtractor(t).Extract(ingest.Page{URL: pageURL, Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, "Summer Jam LD", c.Title)
	require.Equal(t, "Opera House", c.Venue)
	require.Equal(t, "https://cdn.example.com/a.jpg", c.ImageURL)
	require.Equal(t, "Live music by the harbour", c.Description)
	require.True(t, c.Date.Equal(time.Date(2030, 1, 5, 8, 0, 0, 0, time.UTC)))
	require.Equal(t, "Sydney", c.City)
	require.Equal(t, "example", c.SourceName)
	require.Equal(t, pageURL, c.SourceURL)
	require.Equal(t, ingest.OriginStructured, c.Origins[FieldDate])
	require.Equal(t, ingest.OriginStructured, c.Origins[FieldVenue])
	require.Equal(t, ingest.OriginDefault, c.Origins[FieldCity])
}

func TestExtractStructuredGraphAndStringLocation(t *testing.T) {
	t.Parallel()

	body := `<html><head>
<script type="application/ld+json">{"@graph":[{"@type":"WebPage","name":"ignored"},
 {"@type":["Thing","Event"],"name":"Graph Event","startDate":"2030-03-01","location":"Town Hall",
  "image":{"@type":"ImageObject","url":"/img/graph.png"}}]}</script>
</head><body></body></html>`

	c, err := newTestExtractor(t).Extract(ingest.Page{URL: pageURL, Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, "Graph Event", c.Title)
	require.Equal(t, "Town Hall", c.Venue)
	require.Equal(t, "https://events.example.com/img/graph.png", c.ImageURL)
	require.True(t, c.Date.Equal(time.Date(2030, 3, 1, 0, 0, 0, 0, time.UTC)))
}

func TestExtractFallsBackToHeuristics(t *testing.T) {
	t.Parallel()

	body := `<html><head><meta property="og:image" content="https://cdn.example.com/og.jpg"></head>
<body>
<h1>  Harbour
  Lights </h1>
<div class="description">A very long description that keeps going well past the configured limit.</div>
<time datetime="2030-02-10T18:30">10 Feb</time>
</body></html>`

	c, err := newTestExtractor(t).Extract(ingest.Page{URL: pageURL, Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, "Harbour Lights", c.Title)
	require.Equal(t, "https://cdn.example.com/og.jpg", c.ImageURL)
	require.Equal(t, "unknown", c.Venue)
	require.Equal(t, ingest.OriginDefault, c.Origins[FieldVenue])
	require.Equal(t, ingest.OriginHeuristic, c.Origins[FieldTitle])
	require.Equal(t, ingest.OriginHeuristic, c.Origins[FieldDate])
	require.LessOrEqual(t, len([]rune(c.Description)), 40)
	require.True(t, strings.HasPrefix(c.Description, "A very long description"))
}

func TestExtractMalformedStructuredDataDoesNotFail(t *testing.T) {
	t.Parallel()

	body := `<html><head>
<script type="application/ld+json">{"@type":"Event", broken</script>
<script type="application/ld+json">{"@type":"Event","startDate":"2030-04-01T10:00:00Z"}</script>
</head><body><h1>Recovered</h1></body></html>`

	c, err := newTestExtractor(t).Extract(ingest.Page{URL: pageURL, Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, "Recovered", c.Title)
	require.Equal(t, ingest.OriginHeuristic, c.Origins[FieldTitle])
	require.True(t, c.Date.Equal(time.Date(2030, 4, 1, 10, 0, 0, 0, time.UTC)))
}

func TestExtractLogsUnparseableStructuredDate(t *testing.T) {
	t.Parallel()

	body := `<html><head>
<script type="application/ld+json">{"@type":"Event","name":"Night Market","startDate":"not a date"}</script>
</head><body><h1>Night Market</h1><time datetime="2099-01-01">1 Jan</time></body></html>`

	core, logs := observer.New(zapcore.WarnLevel)
	ex := New(Config{SourceName: "example", City: "Sydney"}, zap.New(core))

	c, err := ex.Extract(ingest.Page{URL: pageURL, Body: []byte(body)})
	require.NoError(t, err)
	require.Equal(t, "Night Market", c.Title)
	require.Equal(t, ingest.OriginStructured, c.Origins[FieldTitle])
	require.Equal(t, ingest.OriginHeuristic, c.Origins[FieldDate])
	require.True(t, c.Date.Equal(time.Date(2099, 1, 1, 0, 0, 0, 0, time.UTC)))

	entries := logs.FilterMessage("extraction strategy failed").All()
	require.Len(t, entries, 1)
	require.Equal(t, "json-ld", entries[0].ContextMap()["strategy"])
	require.Contains(t, entries[0].ContextMap()["error"], "startDate")
}

func TestExtractFailures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		body   string
		reason string
	}{
		{
			name:   "missing title",
			body:   `<html><body><time datetime="2030-01-01">x</time></body></html>`,
			reason: "missing title",
		},
		{
			name:   "missing date",
			body:   `<html><body><h1>No date</h1></body></html>`,
			reason: "missing or unparseable start date",
		},
		{
			name:   "unparseable date",
			body:   `<html><head><script type="application/ld+json">{"@type":"Event","name":"x","startDate":"next friday"}</script></head></html>`,
			reason: "missing or unparseable start date",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := newTestExtractor(t).Extract(ingest.Page{URL: pageURL, Body: []byte(tt.body)})
			require.Error(t, err)
			require.True(t, errors.Is(err, ingest.ErrExtractFailed))
			var extractErr *ingest.ExtractError
			require.True(t, errors.As(err, &extractErr))
			require.Equal(t, tt.reason, extractErr.Reason)
			require.Equal(t, pageURL, extractErr.URL)
		})
	}
}

func TestParseDate(t *testing.T) {
	t.Parallel()

	sydney, err := time.LoadLocation("Australia/Sydney")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	got, err := ParseDate("2030-01-05T19:00", sydney)
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2030, 1, 5, 8, 0, 0, 0, time.UTC)))
	require.Equal(t, time.UTC, got.Location())

	got, err = ParseDate("2030-01-05T19:00:00Z", sydney)
	require.NoError(t, err)
	require.True(t, got.Equal(time.Date(2030, 1, 5, 19, 0, 0, 0, time.UTC)))

	got, err = ParseDate("2099-01-01T10:00:00.123456789Z", nil)
	require.NoError(t, err)
	require.Equal(t, time.Date(2099, 1, 1, 10, 0, 0, 123000000, time.UTC), got)

	_, err = ParseDate("", nil)
	require.Error(t, err)
	_, err = ParseDate("05/01/2030", nil)
	require.Error(t, err)
}
