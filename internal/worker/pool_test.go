package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leftsky/left-tools-service-sub000/internal/models"
	"github.com/leftsky/left-tools-service-sub000/internal/testutil"
)

type recordingProcessor struct {
	mu       sync.Mutex
	calls    map[models.ULID]int
	outcomes map[models.ULID][]Outcome
	block    chan struct{}
}

func newRecordingProcessor() *recordingProcessor {
	return &recordingProcessor{
		calls:    make(map[models.ULID]int),
		outcomes: make(map[models.ULID][]Outcome),
	}
}

func (p *recordingProcessor) Process(ctx context.Context, id models.ULID) (Disposition, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return Disposition{Outcome: OutcomeInterrupted}, nil
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[id]++
	attempt := p.calls[id]
	outcome := OutcomeFinished
	if queued := p.outcomes[id]; len(queued) >= attempt {
		outcome = queued[attempt-1]
	}
	return Disposition{Outcome: outcome, Attempt: attempt}, nil
}

func (p *recordingProcessor) count(id models.ULID) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[id]
}

func TestPool_Backoff(t *testing.T) {
	pool := NewPool(nil, newRecordingProcessor(), PoolConfig{RetryDelay: time.Second, MaxRetryDelay: 5 * time.Second})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, pool.Backoff(tt.attempt), "attempt %d", tt.attempt)
	}
}

func TestPool_EnqueueDeduplicates(t *testing.T) {
	pool := NewPool(nil, newRecordingProcessor(), PoolConfig{QueueSize: 2})
	a, b, c := models.NewULID(), models.NewULID(), models.NewULID()

	assert.True(t, pool.Enqueue(a))
	assert.False(t, pool.Enqueue(a))
	assert.True(t, pool.InFlight(a))

	assert.True(t, pool.Enqueue(b))
	assert.False(t, pool.Enqueue(c), "queue is full")
	assert.False(t, pool.InFlight(c))
}

func TestPool_ProcessesAndReleases(t *testing.T) {
	proc := newRecordingProcessor()
	pool := NewPool(nil, proc, PoolConfig{Concurrency: 2})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	id := models.NewULID()
	require.True(t, pool.Enqueue(id))

	require.Eventually(t, func() bool {
		return proc.count(id) == 1 && !pool.InFlight(id)
	}, 2*time.Second, 5*time.Millisecond)

	// Once released the same task may be queued again.
	assert.True(t, pool.Enqueue(id))
	require.Eventually(t, func() bool { return proc.count(id) == 2 }, 2*time.Second, 5*time.Millisecond)
}

func TestPool_RequeuedTaskRetriesAfterBackoff(t *testing.T) {
	proc := newRecordingProcessor()
	id := models.NewULID()
	proc.outcomes[id] = []Outcome{OutcomeRequeued, OutcomeRequeued, OutcomeFinished}

	pool := NewPool(nil, proc, PoolConfig{Concurrency: 1, RetryDelay: 10 * time.Millisecond})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()

	require.True(t, pool.Enqueue(id))
	assert.False(t, pool.Enqueue(id))

	require.Eventually(t, func() bool {
		return proc.count(id) == 3 && !pool.InFlight(id)
	}, 2*time.Second, 5*time.Millisecond)
}

func TestPool_Sweep(t *testing.T) {
	repo := testutil.NewTaskRepository(t)
	gen := testutil.NewSampleDataGeneratorWithSeed(3)
	var ids []models.ULID
	for _, task := range gen.RandomTasks(3) {
		testutil.CreateTask(t, repo, task)
		ids = append(ids, task.ID)
	}
	// Terminal tasks are never swept.
	cancelled := testutil.CreateTask(t, repo, gen.RawTask([]byte("x"), "png", "jpg"))
	_, err := repo.Cancel(context.Background(), cancelled.ID)
	require.NoError(t, err)

	pool := NewPool(repo, newRecordingProcessor(), PoolConfig{})
	require.True(t, pool.Enqueue(ids[0]))

	added, err := pool.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, added)
	for _, id := range ids {
		assert.True(t, pool.InFlight(id))
	}
	assert.False(t, pool.InFlight(cancelled.ID))
}

func TestPool_StartTwice(t *testing.T) {
	pool := NewPool(nil, newRecordingProcessor(), PoolConfig{})
	require.NoError(t, pool.Start(context.Background()))
	defer pool.Stop()
	assert.Error(t, pool.Start(context.Background()))
}

func TestPool_StopInterruptsRunningTasks(t *testing.T) {
	proc := newRecordingProcessor()
	proc.block = make(chan struct{})
	pool := NewPool(nil, proc, PoolConfig{Concurrency: 1})
	require.NoError(t, pool.Start(context.Background()))

	id := models.NewULID()
	require.True(t, pool.Enqueue(id))

	done := make(chan struct{})
	go func() {
		pool.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	assert.Zero(t, proc.count(id))
}
