package async

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/models"
)

type statusReply struct {
	resp *models.TaskStatusResponse
	err  error
}

// fakeAPI replays scripted status replies; the last one repeats
type fakeAPI struct {
	mu          sync.Mutex
	submitErr   error
	replies     []statusReply
	statusCalls int
	cancelled   []string
	cancelErr   error
	gate        chan struct{}
	inFlight    chan struct{}
}

func (f *fakeAPI) Submit(_ context.Context, _ json.RawMessage) (*models.SubmitResponse, error) {
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &models.SubmitResponse{TaskID: "screen_1", Status: models.TaskStatusPending}, nil
}

func (f *fakeAPI) Status(ctx context.Context, taskID string) (*models.TaskStatusResponse, error) {
	f.mu.Lock()
	idx := f.statusCalls
	f.statusCalls++
	gate := f.gate
	f.mu.Unlock()

	if f.inFlight != nil {
		select {
		case f.inFlight <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if idx >= len(f.replies) {
		idx = len(f.replies) - 1
	}
	r := f.replies[idx]
	if r.resp != nil {
		copied := *r.resp
		copied.TaskID = taskID
		return &copied, r.err
	}
	return nil, r.err
}

func (f *fakeAPI) Cancel(_ context.Context, taskID string) (*models.CancelResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, taskID)
	return &models.CancelResponse{TaskID: taskID}, f.cancelErr
}

func (f *fakeAPI) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

func (f *fakeAPI) cancels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func processing(progress float64) statusReply {
	return statusReply{resp: &models.TaskStatusResponse{Status: models.TaskStatusProcessing, Progress: progress}}
}

func collect(t *testing.T, e *Engine) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-e.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("event stream did not terminate")
		}
	}
}

func fastOptions() Options {
	return Options{Interval: time.Millisecond, MaxAttempts: 100}
}

func TestEngineCompletesAfterProgress(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		processing(42.5),
		{resp: &models.TaskStatusResponse{
			Status:   models.TaskStatusCompleted,
			Progress: 100,
			Results:  []json.RawMessage{json.RawMessage(`{"code":"600000"}`), json.RawMessage(`{"code":"000001"}`)},
		}},
	}}
	e := NewEngine(api, fastOptions())

	criteria := json.RawMessage(`{"peMin":10,"peMax":40,"marketCapMin":50}`)
	taskID, err := e.Start(context.Background(), criteria)
	require.NoError(t, err)
	assert.Equal(t, "screen_1", taskID)

	events := collect(t, e)
	require.Len(t, events, 2)

	assert.Equal(t, models.TaskStatusProcessing, events[0].Status)
	assert.Equal(t, 42.5, events[0].Progress)
	assert.False(t, events[0].Terminal())

	assert.Equal(t, models.TaskStatusCompleted, events[1].Status)
	assert.Equal(t, 100.0, events[1].Progress)
	assert.True(t, events[1].Terminal())
	require.NotNil(t, events[1].Payload)

	outcome, err := e.Wait(context.Background())
	require.NoError(t, err)
	assert.Len(t, outcome.Results, 2)
	assert.JSONEq(t, string(criteria), string(outcome.Criteria), "criteria fall back to the submitted ones")
	assert.Equal(t, StateCompleted, e.State())
}

func TestEngineFailedKeepsServerMessage(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		{resp: &models.TaskStatusResponse{Status: models.TaskStatusFailed, Error: "upstream timeout"}},
	}}
	e := NewEngine(api, fastOptions())

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)

	events := collect(t, e)
	require.Len(t, events, 1)
	assert.Equal(t, StateFailed, events[0].State)

	_, err = e.Wait(context.Background())
	require.Error(t, err)
	assert.Equal(t, "upstream timeout", err.Error())
	assert.True(t, apperrors.IsTaskFailed(err))
}

func TestEngineTimesOutAfterMaxAttempts(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{processing(10)}}
	e := NewEngine(api, Options{Interval: time.Millisecond, MaxAttempts: 3})

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)

	events := collect(t, e)
	require.Len(t, events, 3)
	assert.Equal(t, StateTimedOut, events[2].State)

	_, err = e.Wait(context.Background())
	assert.True(t, apperrors.IsTaskTimeout(err))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, api.calls(), "no tick after the timeout")
	assert.Empty(t, api.cancels())
}

func TestEngineCancelDiscardsInFlightResponse(t *testing.T) {
	api := &fakeAPI{
		replies:  []statusReply{{resp: &models.TaskStatusResponse{Status: models.TaskStatusCompleted, Progress: 100}}},
		gate:     make(chan struct{}),
		inFlight: make(chan struct{}, 1),
	}
	e := NewEngine(api, fastOptions())

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)

	select {
	case <-api.inFlight:
	case <-time.After(time.Second):
		t.Fatal("status request was never issued")
	}

	e.Cancel(context.Background())
	assert.Equal(t, StateCancelled, e.State(), "cancel is synchronous")
	assert.Equal(t, []string{"screen_1"}, api.cancels())

	close(api.gate)

	events := collect(t, e)
	require.Len(t, events, 1)
	assert.Equal(t, StateCancelled, events[0].State)
	assert.Nil(t, events[0].Payload)

	_, err = e.Wait(context.Background())
	assert.True(t, apperrors.IsTaskCancelled(err))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, api.calls())
}

func TestEngineCancelToleratesRemoteFailure(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{processing(5)}, cancelErr: errors.New("503")}
	e := NewEngine(api, Options{Interval: time.Hour, MaxAttempts: 10})

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)

	e.Cancel(context.Background())
	assert.Equal(t, StateCancelled, e.State())

	events := collect(t, e)
	require.NotEmpty(t, events)
	assert.Equal(t, StateCancelled, events[len(events)-1].State)
}

func TestEngineSubmissionFailure(t *testing.T) {
	api := &fakeAPI{submitErr: apperrors.Validation("submit", "unknown strategy", nil)}
	e := NewEngine(api, fastOptions())

	_, err := e.Start(context.Background(), json.RawMessage(`{}`))
	require.Error(t, err)
	assert.True(t, apperrors.IsSubmission(err))
	assert.True(t, apperrors.IsValidation(err))
	assert.Equal(t, StateFailed, e.State())

	events := collect(t, e)
	require.Len(t, events, 1)
	assert.Equal(t, StateFailed, events[0].State)
	assert.Equal(t, 0, api.calls())
}

func TestEngineUnknownTaskFails(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		{err: apperrors.TaskNotFound("screen_1", errors.New("HTTP error 404"))},
	}}
	e := NewEngine(api, fastOptions())

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)

	events := collect(t, e)
	require.Len(t, events, 1)
	assert.Equal(t, StateFailed, events[0].State)
	assert.True(t, apperrors.IsTaskFailed(events[0].Err))
	assert.Contains(t, events[0].Err.Error(), "unknown")
}

func TestEngineTransportErrorIsNotRetried(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		{err: apperrors.Transport("status", errors.New("connection refused"))},
	}}
	e := NewEngine(api, fastOptions())

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)
	collect(t, e)

	_, err = e.Wait(context.Background())
	assert.True(t, apperrors.IsTransport(err))
	assert.Equal(t, 1, api.calls())
}

func TestEngineAttachKeepsProgress(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		processing(65),
		{resp: &models.TaskStatusResponse{Status: models.TaskStatusCompleted, Progress: 100}},
	}}
	e := NewEngine(api, fastOptions())

	e.Hold()
	require.NoError(t, e.Attach(models.Task{TaskID: "abc", Status: models.TaskStatusProcessing, Progress: 60}))
	assert.Equal(t, 60.0, e.Snapshot().Progress)
	assert.ErrorIs(t, e.Attach(models.Task{TaskID: "other"}), ErrNotIdle)
	e.Release()

	events := collect(t, e)
	require.Len(t, events, 2)
	assert.Equal(t, "abc", events[0].TaskID)
	assert.GreaterOrEqual(t, events[0].Progress, 60.0)
}

func TestEngineHoldBlocksTicks(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		{resp: &models.TaskStatusResponse{Status: models.TaskStatusCompleted, Progress: 100}},
	}}
	e := NewEngine(api, fastOptions())

	e.Hold()
	require.NoError(t, e.Attach(models.Task{TaskID: "abc", Progress: 10}))

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 0, api.calls())
	assert.Equal(t, StatePolling, e.State())

	e.Release()
	events := collect(t, e)
	require.Len(t, events, 1)
	assert.Equal(t, StateCompleted, events[0].State)
}

func TestEngineHoldStopsAttemptsImmediately(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{processing(10)}}
	e := NewEngine(api, Options{Interval: 100 * time.Microsecond, MaxAttempts: 1_000_000})
	require.NoError(t, e.Attach(models.Task{TaskID: "abc"}))

	go func() {
		for range e.Events() {
		}
	}()

	for i := 0; i < 50; i++ {
		e.Hold()
		held := e.Snapshot().Attempts
		time.Sleep(2 * time.Millisecond)
		assert.Equal(t, held, e.Snapshot().Attempts, "no query may start while held")
		e.Release()
		time.Sleep(time.Millisecond)
	}

	e.Cancel(context.Background())
	<-e.Done()
	assert.Greater(t, e.Snapshot().Attempts, 0)
}

func TestEngineDisposeSkipsRemoteCancel(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{processing(1)}}
	e := NewEngine(api, Options{Interval: time.Hour, MaxAttempts: 10})

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)

	e.Dispose()
	e.Dispose()

	select {
	case <-e.Done():
	case <-time.After(time.Second):
		t.Fatal("engine did not stop after dispose")
	}
	assert.Equal(t, StateCancelled, e.State())
	assert.True(t, e.Snapshot().Detached)
	assert.Empty(t, api.cancels())
}

func TestEngineOnTerminalRunsBeforeTerminalEvent(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		{resp: &models.TaskStatusResponse{Status: models.TaskStatusFailed, Error: "boom"}},
	}}

	var hookState State
	hookDone := make(chan struct{})
	opts := fastOptions()
	opts.OnTerminal = func(s Snapshot) {
		hookState = s.State
		close(hookDone)
	}
	e := NewEngine(api, opts)

	_, err := e.Start(context.Background(), nil)
	require.NoError(t, err)

	ev := <-e.Events()
	select {
	case <-hookDone:
	default:
		t.Fatal("terminal event published before the hook ran")
	}
	assert.Equal(t, StateFailed, hookState)
	assert.True(t, ev.Terminal())
}

func TestRunForwardsEvents(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{
		processing(30),
		processing(70),
		{resp: &models.TaskStatusResponse{Status: models.TaskStatusCompleted, Progress: 100}},
	}}
	e := NewEngine(api, fastOptions())

	var progress []float64
	outcome, err := Run(context.Background(), e, json.RawMessage(`{"strategy":"平衡型"}`), func(ev Event) {
		progress = append(progress, ev.Progress)
	})
	require.NoError(t, err)
	assert.Equal(t, "screen_1", outcome.TaskID)
	assert.Equal(t, []float64{30, 70, 100}, progress)
}

func TestRunCancelsWhenContextEnds(t *testing.T) {
	api := &fakeAPI{replies: []statusReply{processing(1)}}
	e := NewEngine(api, Options{Interval: 5 * time.Millisecond, MaxAttempts: 1000})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err := Run(ctx, e, nil, nil)
	assert.True(t, apperrors.IsTaskCancelled(err))
	assert.Eventually(t, func() bool {
		return len(api.cancels()) == 1
	}, time.Second, 5*time.Millisecond)
}
