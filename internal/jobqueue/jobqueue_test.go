package jobqueue

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"orchard/internal/oerr"
	"orchard/internal/store"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	return New(store.NewMemoryStore())
}

func TestEnqueueAssignsGapPositions(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j1, err := q.Enqueue(ctx, "agent-a", "p1", "first")
	require.NoError(t, err)
	j2, err := q.Enqueue(ctx, "agent-a", "p1", "second")
	require.NoError(t, err)
	j3, err := q.Enqueue(ctx, "agent-a", "p1", "third")
	require.NoError(t, err)

	assert.Equal(t, Gap, j1.Position)
	assert.Equal(t, 2*Gap, j2.Position)
	assert.Equal(t, 3*Gap, j3.Position)
}

func TestEnqueueRequiresAgent(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Enqueue(context.Background(), "", "p1", "prompt")
	assert.True(t, oerr.IsValidation(err))
}

func TestDequeueIsFIFO(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j1, _ := q.Enqueue(ctx, "agent-a", "p1", "one")
	j2, _ := q.Enqueue(ctx, "agent-a", "p1", "two")
	j3, _ := q.Enqueue(ctx, "agent-a", "p1", "three")

	for i, want := range []*Job{j1, j2, j3} {
		got, err := q.Dequeue(ctx, "agent-a")
		require.NoError(t, err)
		require.NotNil(t, got, "dequeue %d", i)
		assert.Equal(t, want.ID, got.ID, "dequeue %d", i)
		assert.Equal(t, StatusProcessing, got.Status)
		assert.NotNil(t, got.StartedAt)
	}

	empty, err := q.Dequeue(ctx, "agent-a")
	require.NoError(t, err)
	assert.Nil(t, empty, "drained queue returns nil")
}

func TestQueuesAreIsolatedPerAgent(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "agent-a", "p1", "for a")
	jb, _ := q.Enqueue(ctx, "agent-b", "p1", "for b")

	got, err := q.Dequeue(ctx, "agent-b")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, jb.ID, got.ID)

	depthA, err := q.Depth(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 1, depthA)
}

func TestPeekDoesNotMutate(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	j1, _ := q.Enqueue(ctx, "agent-a", "p1", "one")

	peeked, err := q.Peek(ctx, "agent-a")
	require.NoError(t, err)
	require.NotNil(t, peeked)
	assert.Equal(t, j1.ID, peeked.ID)

	stored, err := q.Get(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, stored.Status)
	assert.Nil(t, stored.StartedAt)
}

func TestReorderToFront(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	_, _ = q.Enqueue(ctx, "agent-a", "p1", "one")
	_, _ = q.Enqueue(ctx, "agent-a", "p1", "two")
	j3, _ := q.Enqueue(ctx, "agent-a", "p1", "three")

	front, err := q.FrontPosition(ctx, "agent-a")
	require.NoError(t, err)
	require.NoError(t, q.Reorder(ctx, j3.ID, front))

	got, err := q.Dequeue(ctx, "agent-a")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, j3.ID, got.ID, "reordered job dequeues first")
}

func TestReorderRejectsNonQueued(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	j1, _ := q.Enqueue(ctx, "agent-a", "p1", "one")
	_, err := q.Dequeue(ctx, "agent-a")
	require.NoError(t, err)

	err = q.Reorder(ctx, j1.ID, 0)
	assert.True(t, oerr.IsConflict(err))
}

func TestRemoveCancelsAnyStatus(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j1, _ := q.Enqueue(ctx, "agent-a", "p1", "one")
	j2, _ := q.Enqueue(ctx, "agent-a", "p1", "two")
	_, err := q.Dequeue(ctx, "agent-a") // j1 -> processing
	require.NoError(t, err)

	require.NoError(t, q.Remove(ctx, j1.ID))
	require.NoError(t, q.Remove(ctx, j2.ID))

	depth, err := q.Depth(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, 0, depth)
	_, err = q.Get(ctx, j1.ID)
	assert.True(t, oerr.IsNotFound(err))
}

func TestTerminalJobsRetainedButFiltered(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j1, _ := q.Enqueue(ctx, "agent-a", "p1", "one")
	_, err := q.Dequeue(ctx, "agent-a")
	require.NoError(t, err)
	require.NoError(t, q.MarkFailed(ctx, j1.ID, "agent crashed"))

	// History survives...
	stored, err := q.Get(ctx, j1.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, stored.Status)
	assert.Equal(t, "agent crashed", stored.Error)
	assert.NotNil(t, stored.CompletedAt)

	// ...but the active view is empty.
	pending, err := q.Pending(ctx, "agent-a")
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPositionsKeepGrowingPastHistory(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	j1, _ := q.Enqueue(ctx, "agent-a", "p1", "one")
	_, err := q.Dequeue(ctx, "agent-a")
	require.NoError(t, err)
	require.NoError(t, q.MarkCompleted(ctx, j1.ID))

	j2, err := q.Enqueue(ctx, "agent-a", "p1", "two")
	require.NoError(t, err)
	assert.Equal(t, j1.Position+Gap, j2.Position,
		"append considers retained history so positions never collide")
}

func TestConcurrentDequeueNeverDoubleDelivers(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	const jobs = 5
	for i := 0; i < jobs; i++ {
		_, err := q.Enqueue(ctx, "agent-a", "p1", "job")
		require.NoError(t, err)
	}

	const workers = 10
	var wg sync.WaitGroup
	delivered := make(chan string, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, err := q.Dequeue(ctx, "agent-a")
			if err != nil {
				t.Errorf("dequeue: %v", err)
				return
			}
			if job != nil {
				delivered <- job.ID
			}
		}()
	}
	wg.Wait()
	close(delivered)

	seen := make(map[string]bool)
	for id := range delivered {
		assert.False(t, seen[id], "job %s delivered twice", id)
		seen[id] = true
	}
	assert.Len(t, seen, jobs)
}
