package handlers

import (
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"

	"github.com/go-chi/chi/v5"

	"github.com/leftsky/left-tools-service-sub000/internal/storage"
)

// FilesHandler serves blobs under storage.FilesPrefix. Mount it on a
// wildcard route such as "/files/*".
func FilesHandler(blobs storage.BlobStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := chi.URLParam(r, "*")
		if r.URL.RawPath != "" {
			unescaped, err := url.PathUnescape(key)
			if err != nil {
				http.Error(w, "invalid path", http.StatusBadRequest)
				return
			}
			key = unescaped
		}
		if key == "" {
			http.NotFound(w, r)
			return
		}

		rc, err := blobs.Get(r.Context(), key)
		if err != nil {
			if errors.Is(err, storage.ErrBlobNotFound) {
				http.NotFound(w, r)
				return
			}
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		defer rc.Close()

		name := path.Base(key)
		if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
			w.Header().Set("Content-Type", ct)
		}
		w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))

		// Local blobs are files; let net/http handle ranges and conditionals.
		if f, ok := rc.(*os.File); ok {
			if fi, err := f.Stat(); err == nil && !fi.IsDir() {
				http.ServeContent(w, r, name, fi.ModTime(), f)
				return
			}
			http.NotFound(w, r)
			return
		}
		_, _ = io.Copy(w, rc)
	}
}
