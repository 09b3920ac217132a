package worker

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/engine"
	"github.com/leftsky/left-tools-service-sub000/internal/fetch"
	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/repository"
	"github.com/leftsky/left-tools-service-sub000/internal/storage"
	"github.com/leftsky/left-tools-service-sub000/internal/testutil"
	"github.com/leftsky/left-tools-service-sub000/pkg/httpclient"
)

const testPublicURL = "http://convertd.test"

type fakeAdapter struct {
	name    string
	kind    engine.Kind
	maxSize int64
	timeout time.Duration
	submit  func(ctx context.Context, job *engine.Job) (*engine.Result, error)
	calls   int
}

func (a *fakeAdapter) Name() string                        { return a.name }
func (a *fakeAdapter) Kind() engine.Kind                   { return a.kind }
func (a *fakeAdapter) SupportsConversion(_, _ string) bool { return true }
func (a *fakeAdapter) MaxInputSize() int64                 { return a.maxSize }

func (a *fakeAdapter) Timeout() time.Duration {
	if a.timeout == 0 {
		return time.Minute
	}
	return a.timeout
}

func (a *fakeAdapter) Submit(ctx context.Context, job *engine.Job) (*engine.Result, error) {
	a.calls++
	return a.submit(ctx, job)
}

// writeOutput simulates a local engine writing its result into the work dir.
func writeOutput(job *engine.Job, format, content string) (*engine.Result, error) {
	out := filepath.Join(job.WorkDir, "output."+format)
	if err := os.WriteFile(out, []byte(content), 0o600); err != nil {
		return nil, err
	}
	return &engine.Result{Success: true, OutputPath: out, OutputSize: int64(len(content))}, nil
}

type testEnv struct {
	repo      repository.TaskRepository
	blobs     *storage.LocalBlobStore
	scratch   *storage.ScratchSpace
	finalizer *Finalizer
	processor *Processor
	gen       *testutil.SampleDataGenerator
}

func newTestEnv(t *testing.T, adapters ...engine.Adapter) *testEnv {
	t.Helper()

	repo := testutil.NewTaskRepository(t)
	blobs, err := storage.NewLocalBlobStore(filepath.Join(t.TempDir(), "blobs"), testPublicURL)
	require.NoError(t, err)
	scratch, err := storage.NewScratchSpace(filepath.Join(t.TempDir(), "scratch"))
	require.NoError(t, err)

	finalizer := NewFinalizer(repo, blobs, scratch)
	fetcher := fetch.New(httpclient.NewWithDefaults(), blobs, 1<<20)
	processor := NewProcessor(repo, engine.NewSelector(adapters...), fetcher, scratch, finalizer)

	return &testEnv{
		repo:      repo,
		blobs:     blobs,
		scratch:   scratch,
		finalizer: finalizer,
		processor: processor,
		gen:       testutil.NewSampleDataGeneratorWithSeed(1),
	}
}

func (e *testEnv) createRaw(t *testing.T, data, in, out string) *models.ConversionTask {
	t.Helper()
	return testutil.CreateTask(t, e.repo, e.gen.RawTask([]byte(data), in, out))
}

func (e *testEnv) reload(t *testing.T, id models.ULID) *models.ConversionTask {
	t.Helper()
	return testutil.Reload(t, e.repo, id)
}

func (e *testEnv) readBlob(t *testing.T, key string) string {
	t.Helper()
	rc, err := e.blobs.Get(context.Background(), key)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func (e *testEnv) requireScratchEmpty(t *testing.T) {
	t.Helper()
	entries, err := os.ReadDir(e.scratch.Root())
	require.NoError(t, err)
	require.Empty(t, entries)
}
