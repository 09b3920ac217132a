package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduler_ValidateCron(t *testing.T) {
	s := New()

	tests := []struct {
		name    string
		expr    string
		wantErr bool
	}{
		{"five fields", "*/5 * * * *", false},
		{"with seconds", "0 */5 * * * *", false},
		{"every descriptor", "@every 30s", false},
		{"hourly descriptor", "@hourly", false},
		{"empty", "", true},
		{"garbage", "not a schedule", true},
		{"bad every", "@every soon", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := s.ValidateCron(tt.expr)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestScheduler_NextRun(t *testing.T) {
	s := New()
	next, err := s.NextRun("@every 1m")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), next, 2*time.Second)
}

func TestScheduler_Add(t *testing.T) {
	s := New()
	noop := func(context.Context) error { return nil }

	require.NoError(t, s.Add("sweep", "@every 30s", noop))
	require.NoError(t, s.Add("cleanup", "", noop), "empty schedule disables the job")
	assert.Error(t, s.Add("sweep", "@every 1m", noop))
	assert.Error(t, s.Add("poll", "every now and then", noop))

	assert.Equal(t, []string{"sweep"}, s.Jobs())
}

func TestScheduler_RunNow(t *testing.T) {
	s := New()
	var runs atomic.Int32
	boom := errors.New("boom")
	require.NoError(t, s.Add("sweep", "@hourly", func(context.Context) error {
		runs.Add(1)
		return nil
	}))
	require.NoError(t, s.Add("fail", "@hourly", func(context.Context) error { return boom }))

	require.NoError(t, s.RunNow(context.Background(), "sweep"))
	assert.Equal(t, int32(1), runs.Load())
	assert.ErrorIs(t, s.RunNow(context.Background(), "fail"), boom)
	assert.Error(t, s.RunNow(context.Background(), "missing"))
}

func TestScheduler_StartStop(t *testing.T) {
	s := New()
	var runs atomic.Int32
	require.NoError(t, s.Add("tick", "@every 1s", func(ctx context.Context) error {
		runs.Add(1)
		return ctx.Err()
	}))

	require.NoError(t, s.Start(context.Background()))
	assert.Error(t, s.Start(context.Background()))
	assert.Error(t, s.Add("late", "@hourly", func(context.Context) error { return nil }))

	require.Eventually(t, func() bool { return runs.Load() >= 1 }, 3*time.Second, 20*time.Millisecond)
	s.Stop()

	after := runs.Load()
	time.Sleep(1200 * time.Millisecond)
	assert.Equal(t, after, runs.Load())
}
