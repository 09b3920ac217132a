package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestSandbox(t *testing.T) *Sandbox {
	t.Helper()
	sb, err := NewSandbox(t.TempDir())
	require.NoError(t, err)
	return sb
}

func TestNewSandbox(t *testing.T) {
	sandboxDir := filepath.Join(t.TempDir(), "sandbox")

	sb, err := NewSandbox(sandboxDir)
	require.NoError(t, err)

	info, err := os.Stat(sandboxDir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
	assert.True(t, filepath.IsAbs(sb.BaseDir()))
}

func TestSandbox_ResolvePath(t *testing.T) {
	sb := setupTestSandbox(t)

	tests := []struct {
		name        string
		path        string
		shouldError bool
	}{
		{"simple file", "test.txt", false},
		{"nested path", "subdir/test.txt", false},
		{"current dir", ".", false},
		{"parent escape attempt", "../escape.txt", true},
		{"nested parent escape", "subdir/../../escape.txt", true},
		{"absolute path escape", "/etc/passwd", true},
		{"dot dot name", "..test", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resolved, err := sb.ResolvePath(tt.path)
			if tt.shouldError {
				assert.Error(t, err)
				assert.Contains(t, err.Error(), "escapes sandbox")
				return
			}
			assert.NoError(t, err)
			assert.True(t, strings.HasPrefix(resolved, sb.BaseDir()))
		})
	}
}

func TestSandbox_AtomicWriteReader(t *testing.T) {
	sb := setupTestSandbox(t)

	n, err := sb.AtomicWriteReader("out/2026/result.pdf", strings.NewReader("pdf bytes"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)

	f, err := sb.Open("out/2026/result.pdf")
	require.NoError(t, err)
	defer f.Close()
	data, _ := io.ReadAll(f)
	assert.Equal(t, "pdf bytes", string(data))

	entries, err := os.ReadDir(filepath.Join(sb.BaseDir(), "out/2026"))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temporary files left behind")

	_, err = sb.AtomicWriteReader("../outside", strings.NewReader("x"))
	assert.Error(t, err)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("read failed") }

func TestSandbox_AtomicWriteReaderFailureLeavesNothing(t *testing.T) {
	sb := setupTestSandbox(t)

	_, err := sb.AtomicWriteReader("result.bin", failingReader{})
	require.Error(t, err)

	entries, err := os.ReadDir(sb.BaseDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalBlobStore(t *testing.T) {
	store, err := NewLocalBlobStore(t.TempDir(), "http://localhost:8080/")
	require.NoError(t, err)
	ctx := context.Background()

	url, size, err := store.Put(ctx, "outputs/01J/my report.pdf", strings.NewReader("converted"))
	require.NoError(t, err)
	assert.Equal(t, int64(9), size)
	assert.Equal(t, "http://localhost:8080/files/outputs/01J/my%20report.pdf", url)

	rc, err := store.Get(ctx, "outputs/01J/my report.pdf")
	require.NoError(t, err)
	data, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, "converted", string(data))

	_, err = store.Get(ctx, "outputs/missing.pdf")
	assert.ErrorIs(t, err, ErrBlobNotFound)

	_, _, err = store.Put(ctx, "../../etc/passwd", strings.NewReader("x"))
	require.NoError(t, err, "keys are confined to the store root")
	_, err = os.Stat(filepath.Join(store.Root(), "etc", "passwd"))
	assert.NoError(t, err)

	_, _, err = store.Put(ctx, "", strings.NewReader("x"))
	assert.Error(t, err)
}

func TestScratchSpace(t *testing.T) {
	space, err := NewScratchSpace(filepath.Join(t.TempDir(), "tmp"))
	require.NoError(t, err)

	a, err := space.NewTaskDir("01TASK")
	require.NoError(t, err)
	b, err := space.NewTaskDir("01TASK")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.True(t, strings.HasPrefix(filepath.Base(a), TaskDirPrefix+"01TASK-"))

	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(a, old, old))
	other := filepath.Join(space.Root(), "unrelated")
	require.NoError(t, os.Mkdir(other, 0o750))
	require.NoError(t, os.Chtimes(other, old, old))

	removed, err := space.CleanupOrphans(time.Hour, slog.Default())
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.NoDirExists(t, a)
	assert.DirExists(t, b)
	assert.DirExists(t, other)
}
