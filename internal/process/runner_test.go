package process

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExecRunner_CapturesStreamsSeparately(t *testing.T) {
	r := NewExecRunner().WithSampleInterval(0)
	out, err := r.Run(context.Background(), Command{
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo out; echo err 1>&2"},
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", string(out.Stdout))
	assert.Equal(t, "err\n", string(out.Stderr))
}

func TestExecRunner_NonZeroExit(t *testing.T) {
	r := NewExecRunner().WithSampleInterval(0)
	_, err := r.Run(context.Background(), Command{
		Binary: "/bin/sh",
		Args:   []string{"-c", "echo 'Unknown encoder libfoo' 1>&2; exit 3"},
	})
	require.Error(t, err)

	var subErr *models.SubprocessError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, "sh", subErr.Command)
	assert.Equal(t, 3, subErr.ExitCode)
	assert.Contains(t, err.Error(), "Unknown encoder libfoo")
	assert.True(t, models.IsRetryable(err))
}

func TestExecRunner_SpawnFailure(t *testing.T) {
	r := NewExecRunner().WithSampleInterval(0)
	_, err := r.Run(context.Background(), Command{Binary: "/nonexistent/convert-tool"})

	var subErr *models.SubprocessError
	require.ErrorAs(t, err, &subErr)
	assert.Equal(t, -1, subErr.ExitCode)
}

func TestExecRunner_ArgumentsAreNotShellInterpreted(t *testing.T) {
	r := NewExecRunner().WithSampleInterval(0)
	out, err := r.Run(context.Background(), Command{
		Binary: "/bin/echo",
		Args:   []string{"a; rm -rf /", "$(whoami)"},
	})
	require.NoError(t, err)
	assert.Equal(t, "a; rm -rf / $(whoami)\n", string(out.Stdout))
}

func TestExecRunner_DeadlineKillsProcessGroup(t *testing.T) {
	r := NewExecRunner().WithSampleInterval(0)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := r.Run(ctx, Command{
		Binary: "/bin/sh",
		Args:   []string{"-c", "sleep 30 & sleep 30; wait"},
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Less(t, time.Since(started), 10*time.Second)

	var subErr *models.SubprocessError
	assert.False(t, errors.As(err, &subErr), "a deadline is not a tool failure")
}

func TestExecRunner_SamplesResources(t *testing.T) {
	r := NewExecRunner().WithSampleInterval(10 * time.Millisecond)
	out, err := r.Run(context.Background(), Command{Binary: "/bin/sh", Args: []string{"-c", "sleep 0.2"}})
	require.NoError(t, err)
	assert.Positive(t, out.Stats.Samples)
}

func TestTailString(t *testing.T) {
	assert.Equal(t, "short", TailString([]byte("  short\n"), 100))

	long := strings.Repeat("x", 50) + "\n" + strings.Repeat("y", 20)
	assert.Equal(t, strings.Repeat("y", 20), TailString([]byte(long), 30))

	// 文 is three bytes; a 4 byte tail would start inside the first rune.
	assert.Equal(t, "件", TailString([]byte("文件"), 4))
	assert.Equal(t, "bad \uFFFD byte", TailString([]byte("bad \xff byte"), 100))
}

func TestFakeRunner(t *testing.T) {
	f := &FakeRunner{}
	out := t.TempDir() + "/out.png"
	_, err := f.Run(context.Background(), Command{Binary: "/usr/bin/convert", Args: []string{"in.jpg", out}})
	require.NoError(t, err)

	assert.FileExists(t, out)
	assert.Len(t, f.CallsTo("convert"), 1)
	assert.Empty(t, f.CallsTo("ffmpeg"))
}
