package handlers

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/storage"
)

func TestFilesHandler(t *testing.T) {
	blobs, err := storage.NewLocalBlobStore(filepath.Join(t.TempDir(), "blobs"), "http://convertd.test")
	require.NoError(t, err)
	url, _, err := blobs.Put(context.Background(), "outputs/01ABC/annual report.pdf", bytes.NewBufferString("%PDF-1.7"))
	require.NoError(t, err)

	router := chi.NewRouter()
	router.Get(storage.FilesPrefix+"*", FilesHandler(blobs))

	path := url[len("http://convertd.test"):]
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "%PDF-1.7", rec.Body.String())
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "annual report.pdf")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/outputs/01ABC/missing.pdf", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/files/outputs/01ABC", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "directories are not listed")
}
