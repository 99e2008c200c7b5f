package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client, err := storage.NewClient(context.Background(),
		option.WithEndpoint(server.URL),
		option.WithoutAuthentication(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var (
		mu         sync.Mutex
		name       string
		body       string
		generation string
	)
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		mu.Lock()
		name = r.URL.Query().Get("name")
		body = string(raw)
		generation = r.URL.Query().Get("ifGenerationMatch")
		mu.Unlock()
		fmt.Fprintf(w, `{"name":%q,"bucket":"archive"}`, r.URL.Query().Get("name"))
	})

	store, err := New(newTestClient(t, handler), Config{Bucket: "archive", CacheControl: "no-cache"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/pages/abc.html", "text/html", bytes.NewReader([]byte("<html>page</html>")))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/pages/abc.html", uri)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "pages/abc.html", name)
	require.True(t, strings.Contains(body, "<html>page</html>"))
	require.True(t, strings.Contains(body, "no-cache"))
	require.Equal(t, "0", generation)
}

func TestPutObjectExistingIsNotAnError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusPreconditionFailed)
		fmt.Fprint(w, `{"error":{"code":412,"message":"conditionNotMet"}}`)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "archive"})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "snapshots/run-1/abc.html", "text/html", strings.NewReader("<html></html>"))
	require.NoError(t, err)
	require.Equal(t, "gs://archive/snapshots/run-1/abc.html", uri)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	handler := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusForbidden)
		fmt.Fprint(w, `{"error":{"code":403,"message":"denied"}}`)
	})
	store, err := New(newTestClient(t, handler), Config{Bucket: "archive"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "snapshots/run-1/abc.html", "text/html", strings.NewReader("<html></html>"))
	require.ErrorContains(t, err, "upload object")
}

func TestPutObjectRequiresPath(t *testing.T) {
	t.Parallel()

	store, err := New(newTestClient(t, http.NotFoundHandler()), Config{Bucket: "archive"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), "  ", "text/html", bytes.NewReader(nil))
	require.Error(t, err)
}
