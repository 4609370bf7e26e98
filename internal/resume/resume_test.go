package resume

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelsos/screening-sync/internal/async"
	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/models"
	"github.com/kelsos/screening-sync/internal/storage"
)

type fakeTasks struct {
	mu          sync.Mutex
	active      *models.ActiveTaskResponse
	activeCalls int
	status      models.TaskStatus
	submitErr   error
}

func (f *fakeTasks) Submit(context.Context, json.RawMessage) (*models.SubmitResponse, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &models.SubmitResponse{TaskID: "screen_2", Status: models.TaskStatusPending}, nil
}

func (f *fakeTasks) Status(_ context.Context, taskID string) (*models.TaskStatusResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	progress := 65.0
	if f.status == models.TaskStatusCompleted {
		progress = 100
	}
	return &models.TaskStatusResponse{TaskID: taskID, Status: f.status, Progress: progress}, nil
}

func (f *fakeTasks) Cancel(_ context.Context, taskID string) (*models.CancelResponse, error) {
	return &models.CancelResponse{TaskID: taskID, Status: models.TaskStatusCancelled}, nil
}

func (f *fakeTasks) Active(context.Context) (*models.ActiveTaskResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activeCalls++
	if f.active == nil {
		return &models.ActiveTaskResponse{}, nil
	}
	return f.active, nil
}

func newCoordinator(t *testing.T, api *fakeTasks, interval time.Duration, nav Navigator) (*Coordinator, *storage.Bridge) {
	t.Helper()
	bridge := storage.NewBridge(storage.NewMemoryStore(), storage.NewMemoryStore())
	return NewCoordinator(api, bridge, async.Options{Interval: interval, MaxAttempts: 100}, nav), bridge
}

func pointer(t *testing.T, bridge *storage.Bridge) (string, bool) {
	t.Helper()
	v, ok, err := bridge.GetDurable(context.Background(), PointerKey)
	require.NoError(t, err)
	return v, ok
}

func waitDone(t *testing.T, e *async.Engine) {
	t.Helper()
	for range e.Events() {
	}
	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine did not finish")
	}
}

func TestCheckWithoutActiveTaskClearsStalePointer(t *testing.T) {
	api := &fakeTasks{}
	c, bridge := newCoordinator(t, api, time.Millisecond, nil)
	require.NoError(t, bridge.SetDurable(context.Background(), PointerKey, "old"))

	rec, err := c.CheckForActiveTask(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.Active)
	assert.Nil(t, c.Current())

	_, ok := pointer(t, bridge)
	assert.False(t, ok)

	_, err = c.CheckForActiveTask(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, api.activeCalls, "checked once per session")
}

func TestCheckReattachesToRunningTask(t *testing.T) {
	api := &fakeTasks{
		active: &models.ActiveTaskResponse{Active: true, Task: &models.Task{
			TaskID: "abc", Status: models.TaskStatusProcessing, Progress: 60,
		}},
		status: models.TaskStatusCompleted,
	}
	c, bridge := newCoordinator(t, api, time.Millisecond, nil)
	require.NoError(t, bridge.SetDurable(context.Background(), PointerKey, "abc"))

	rec, err := c.CheckForActiveTask(context.Background())
	require.NoError(t, err)
	require.True(t, rec.Active)
	assert.Equal(t, 60.0, rec.Task.Progress)
	assert.True(t, rec.Session.Resumed)
	assert.Equal(t, "abc", rec.Session.TaskID)

	waitDone(t, rec.Session.Engine)
	assert.Equal(t, async.StateCompleted, rec.Session.Engine.State())
	assert.Nil(t, c.Current(), "terminal transition clears the session")

	_, ok := pointer(t, bridge)
	assert.False(t, ok, "terminal transition clears the pointer")
}

func TestCheckIgnoresFinishedActiveTask(t *testing.T) {
	api := &fakeTasks{active: &models.ActiveTaskResponse{Active: true, Task: &models.Task{
		TaskID: "abc", Status: models.TaskStatusCompleted, Progress: 100,
	}}}
	c, _ := newCoordinator(t, api, time.Millisecond, nil)

	rec, err := c.CheckForActiveTask(context.Background())
	require.NoError(t, err)
	assert.False(t, rec.Active)
}

func TestConfirmLeaveWritesPointerWhileHeld(t *testing.T) {
	api := &fakeTasks{status: models.TaskStatusProcessing}

	var c *Coordinator
	var bridge *storage.Bridge
	asked := 0
	nav := NavigatorFunc(func() bool {
		asked++
		v, ok := pointer(t, bridge)
		assert.True(t, ok)
		assert.Equal(t, "screen_2", v)
		return false
	})
	c, bridge = newCoordinator(t, api, time.Hour, nav)

	session, err := c.Start(context.Background(), json.RawMessage(`{}`))
	require.NoError(t, err)
	assert.Same(t, session, c.Current())

	assert.False(t, c.ConfirmLeave(context.Background()))
	assert.Equal(t, 1, asked)

	c.Cancel(context.Background())
	waitDone(t, session.Engine)

	assert.Nil(t, c.Current())
	_, ok := pointer(t, bridge)
	assert.False(t, ok)
}

func TestConfirmLeaveWithoutTask(t *testing.T) {
	nav := NavigatorFunc(func() bool {
		t.Fatal("navigator must not be asked")
		return false
	})
	c, _ := newCoordinator(t, &fakeTasks{}, time.Millisecond, nav)
	assert.True(t, c.ConfirmLeave(context.Background()))
}

func TestStartReplacesCurrentSession(t *testing.T) {
	api := &fakeTasks{status: models.TaskStatusProcessing}
	c, bridge := newCoordinator(t, api, time.Hour, NavigatorFunc(func() bool { return false }))

	first, err := c.Start(context.Background(), nil)
	require.NoError(t, err)

	second, err := c.Start(context.Background(), nil)
	require.NoError(t, err)
	assert.Same(t, second, c.Current())

	require.False(t, c.ConfirmLeave(context.Background()))

	first.Engine.Cancel(context.Background())
	waitDone(t, first.Engine)
	assert.Same(t, second, c.Current(), "an older session ending leaves the current one alone")
	_, ok := pointer(t, bridge)
	assert.True(t, ok)

	second.Engine.Cancel(context.Background())
	waitDone(t, second.Engine)
	assert.Nil(t, c.Current())
	_, ok = pointer(t, bridge)
	assert.False(t, ok)
}

func TestStartSubmissionFailureClearsSession(t *testing.T) {
	api := &fakeTasks{submitErr: errors.New("connection refused")}
	c, _ := newCoordinator(t, api, time.Millisecond, nil)

	_, err := c.Start(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, c.Current())
}

func TestLeavingKeepsPointerForNextRun(t *testing.T) {
	api := &fakeTasks{status: models.TaskStatusProcessing}
	c, bridge := newCoordinator(t, api, time.Hour, NavigatorFunc(func() bool { return true }))

	session, err := c.Start(context.Background(), nil)
	require.NoError(t, err)

	require.True(t, c.ConfirmLeave(context.Background()))
	c.Dispose()
	waitDone(t, session.Engine)

	assert.Nil(t, c.Current())
	v, ok := pointer(t, bridge)
	assert.True(t, ok)
	assert.Equal(t, "screen_2", v)
}

// gatedTasks answers the first status query with processing and holds every
// later one until gate is closed, then replies with final
type gatedTasks struct {
	fakeTasks
	gate  chan struct{}
	calls int
	final func(taskID string) (*models.TaskStatusResponse, error)
}

func (g *gatedTasks) Status(ctx context.Context, taskID string) (*models.TaskStatusResponse, error) {
	g.mu.Lock()
	g.calls++
	first := g.calls == 1
	g.mu.Unlock()

	if first {
		return &models.TaskStatusResponse{TaskID: taskID, Status: models.TaskStatusProcessing, Progress: 40}, nil
	}
	select {
	case <-g.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return g.final(taskID)
}

func TestTerminalFailureClearsSessionAndPointer(t *testing.T) {
	tests := []struct {
		name  string
		final func(taskID string) (*models.TaskStatusResponse, error)
		state async.State
		check func(error) bool
	}{
		{
			name: "failed",
			final: func(taskID string) (*models.TaskStatusResponse, error) {
				return &models.TaskStatusResponse{TaskID: taskID, Status: models.TaskStatusFailed, Error: "data source down"}, nil
			},
			state: async.StateFailed,
			check: apperrors.IsTaskFailed,
		},
		{
			name: "timed out",
			final: func(taskID string) (*models.TaskStatusResponse, error) {
				return &models.TaskStatusResponse{TaskID: taskID, Status: models.TaskStatusProcessing, Progress: 50}, nil
			},
			state: async.StateTimedOut,
			check: apperrors.IsTaskTimeout,
		},
		{
			name: "unknown task",
			final: func(taskID string) (*models.TaskStatusResponse, error) {
				return nil, apperrors.TaskNotFound(taskID, errors.New("HTTP error 404"))
			},
			state: async.StateFailed,
			check: apperrors.IsTaskFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			api := &gatedTasks{gate: make(chan struct{}), final: tt.final}
			bridge := storage.NewBridge(storage.NewMemoryStore(), storage.NewMemoryStore())
			c := NewCoordinator(api, bridge, async.Options{Interval: time.Millisecond, MaxAttempts: 2},
				NavigatorFunc(func() bool { return false }))

			session, err := c.Start(context.Background(), json.RawMessage(`{}`))
			require.NoError(t, err)

			select {
			case ev := <-session.Engine.Events():
				assert.Equal(t, models.TaskStatusProcessing, ev.Status)
			case <-time.After(time.Second):
				t.Fatal("no progress event")
			}

			require.False(t, c.ConfirmLeave(context.Background()))
			v, ok := pointer(t, bridge)
			require.True(t, ok)
			assert.Equal(t, "screen_2", v)

			close(api.gate)
			waitDone(t, session.Engine)

			_, err = session.Engine.Wait(context.Background())
			assert.True(t, tt.check(err), "unexpected error %v", err)
			assert.Equal(t, tt.state, session.Engine.State())
			assert.Nil(t, c.Current())
			_, ok = pointer(t, bridge)
			assert.False(t, ok)
		})
	}
}
