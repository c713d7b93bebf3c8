package gcs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func newTestClient(t *testing.T, handler http.Handler) *storage.Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	client, err := storage.NewClient(context.Background(), option.WithEndpoint(server.URL), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPutObjectUploads(t *testing.T) {
	t.Parallel()

	var body string
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Contains(t, r.URL.Path, "/upload/storage/v1/b/harvest-bucket/o")
		assert.Equal(t, "runs/r1/dataset.csv", r.URL.Query().Get("name"))
		raw, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		body = string(raw)
		fmt.Fprintln(w, `{"name":"runs/r1/dataset.csv","bucket":"harvest-bucket"}`)
	}))

	store, err := New(client, Config{Bucket: "harvest-bucket", Metadata: map[string]string{"producer": "harvester"}})
	require.NoError(t, err)

	uri, err := store.PutObject(context.Background(), "/runs/r1/dataset.csv", "text/csv", bytes.NewReader([]byte("Title,Content")))
	require.NoError(t, err)
	assert.Equal(t, "gs://harvest-bucket/runs/r1/dataset.csv", uri)
	assert.Contains(t, body, "Title,Content")
	assert.Contains(t, body, `"producer":"harvester"`)
	assert.Contains(t, body, `"contentType":"text/csv"`)
}

func TestPutObjectServerError(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"denied"}}`, http.StatusForbidden)
	}))
	store, err := New(client, Config{Bucket: "harvest-bucket"})
	require.NoError(t, err)

	_, err = store.PutObject(context.Background(), "runs/r1/dataset.csv", "text/csv", bytes.NewReader([]byte("x")))
	assert.Error(t, err)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	assert.Error(t, err)
	client := newTestClient(t, http.NotFoundHandler())
	_, err = New(client, Config{})
	assert.Error(t, err)
	store, err := New(client, Config{Bucket: "b"})
	require.NoError(t, err)
	_, err = store.PutObject(context.Background(), " ", "", bytes.NewReader(nil))
	assert.Error(t, err)
}
