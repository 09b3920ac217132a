package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/service"
	"github.com/leftsky/left-tools-service-sub000/internal/testutil"
)

// imageEngine accepts conversions to jpg, png and webp.
type imageEngine struct{}

func (imageEngine) Name() string      { return "images" }
func (imageEngine) Kind() engine.Kind { return engine.KindLocal }
func (imageEngine) SupportsConversion(in, out string) bool {
	return in != "" && (out == "jpg" || out == "png" || out == "webp")
}
func (imageEngine) MaxInputSize() int64    { return 0 }
func (imageEngine) Timeout() time.Duration { return time.Minute }
func (imageEngine) Submit(context.Context, *engine.Job) (*engine.Result, error) {
	return nil, errors.New("not used")
}

func newTestAPI() (*chi.Mux, huma.API) {
	router := chi.NewRouter()
	return router, humachi.New(router, huma.DefaultConfig("test", "1.0.0"))
}

type taskFixture struct {
	router *chi.Mux
	repo   repository.TaskRepository
	svc    *service.TaskService
}

func newTaskFixture(t *testing.T) *taskFixture {
	t.Helper()
	repo := testutil.NewTaskRepository(t)
	svc := service.NewTaskService(repo, engine.NewSelector(imageEngine{})).WithInlineMaxSize(1 << 10)

	router, api := newTestAPI()
	NewTaskHandler(svc).WithInlineMaxSize(1 << 10).Register(api)
	return &taskFixture{router: router, repo: repo, svc: svc}
}

func do(t *testing.T, h http.Handler, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	contentType := ""
	switch b := body.(type) {
	case nil:
	case []byte:
		r = bytes.NewReader(b)
		contentType = "application/octet-stream"
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
		contentType = "application/json"
	}
	req := httptest.NewRequest(method, target, r)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}
