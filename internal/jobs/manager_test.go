package jobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apierrors "platecal/internal/errors"
)

type recordingHub struct {
	mu     sync.Mutex
	events []string
}

func (h *recordingHub) Broadcast(eventType string, data interface{}) {
	h.mu.Lock()
	h.events = append(h.events, eventType)
	h.mu.Unlock()
}

func (h *recordingHub) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.events...)
}

func newTestManager(hub Broadcaster) *Manager {
	return NewManager(slog.New(slog.NewTextHandler(io.Discard, nil)), hub)
}

func waitForState(t *testing.T, m *Manager, jobID, state string) *Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if j, ok := m.Get(jobID); ok && j.State == state {
			return j
		}
		time.Sleep(5 * time.Millisecond)
	}
	j, _ := m.Get(jobID)
	t.Fatalf("job %s never reached state %q (last: %+v)", jobID, state, j)
	return nil
}

func TestManagerCompletesJob(t *testing.T) {
	hub := &recordingHub{}
	m := newTestManager(hub)

	job, err := m.Start("pair_sweep", "lib/06.0001/test-a", func(ctx context.Context, jobID string) (interface{}, error) {
		return map[string]int{"runs": 3}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, StateRunning, job.State)

	done := waitForState(t, m, job.ID, StateCompleted)
	assert.Empty(t, done.Error)
	assert.NotNil(t, done.Result)
	assert.Greater(t, done.FinishedAtMs, int64(0))

	events := hub.seen()
	assert.Contains(t, events, "job:status")
	assert.Contains(t, events, "job:complete")
}

func TestManagerSingleFlightPerKey(t *testing.T) {
	m := newTestManager(nil)
	release := make(chan struct{})

	first, err := m.Start("pair_sweep", "lib/06.0001/test-a", func(ctx context.Context, jobID string) (interface{}, error) {
		<-release
		return nil, nil
	})
	require.NoError(t, err)

	_, err = m.Start("pair_sweep", "lib/06.0001/test-a", func(ctx context.Context, jobID string) (interface{}, error) {
		return nil, nil
	})
	require.Error(t, err)
	var apiErr *apierrors.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "SEARCH_RUNNING", apiErr.ErrorCode)
	details, ok := apiErr.Details.(map[string]string)
	require.True(t, ok)
	assert.Equal(t, first.ID, details["job_id"])

	// A different key runs concurrently.
	other, err := m.Start("pair_sweep", "lib/06.0002/test-a", func(ctx context.Context, jobID string) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	waitForState(t, m, other.ID, StateCompleted)

	close(release)
	waitForState(t, m, first.ID, StateCompleted)

	// The key is free again once the job finished.
	again, err := m.Start("pair_sweep", "lib/06.0001/test-a", func(ctx context.Context, jobID string) (interface{}, error) {
		return nil, nil
	})
	require.NoError(t, err)
	waitForState(t, m, again.ID, StateCompleted)
}

func TestManagerFailureState(t *testing.T) {
	m := newTestManager(nil)
	job, err := m.Start("rollup_run", "rollup:06", func(ctx context.Context, jobID string) (interface{}, error) {
		return nil, errors.New("backend unavailable")
	})
	require.NoError(t, err)

	failed := waitForState(t, m, job.ID, StateFailed)
	assert.Equal(t, "backend unavailable", failed.Error)
}

func TestManagerCancel(t *testing.T) {
	m := newTestManager(nil)
	started := make(chan struct{})
	job, err := m.Start("pair_sweep", "lib/06.0001/test-a", func(ctx context.Context, jobID string) (interface{}, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	require.NoError(t, err)
	<-started

	require.True(t, m.Cancel(job.ID))
	cancelled := waitForState(t, m, job.ID, StateCancelled)
	assert.Equal(t, context.Canceled.Error(), cancelled.Error)

	// Finished jobs no longer hold a cancel handle.
	assert.False(t, m.Cancel(job.ID))
	assert.False(t, m.Cancel("no-such-job"))
}

func TestManagerListNewestFirst(t *testing.T) {
	m := newTestManager(nil)
	a, err := m.Start("pair_sweep", "key-a", func(ctx context.Context, jobID string) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	waitForState(t, m, a.ID, StateCompleted)
	time.Sleep(5 * time.Millisecond)
	b, err := m.Start("pair_sweep", "key-b", func(ctx context.Context, jobID string) (interface{}, error) { return nil, nil })
	require.NoError(t, err)
	waitForState(t, m, b.ID, StateCompleted)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, b.ID, list[0].ID)
	assert.Equal(t, a.ID, list[1].ID)
}
