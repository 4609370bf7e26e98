package async

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
)

var ErrNotIdle = errors.New("engine already started")

// TaskAPI is the part of the task transport the engine drives
type TaskAPI interface {
	Submit(ctx context.Context, criteria json.RawMessage) (*models.SubmitResponse, error)
	Status(ctx context.Context, taskID string) (*models.TaskStatusResponse, error)
	Cancel(ctx context.Context, taskID string) (*models.CancelResponse, error)
}

type Options struct {
	// Interval between two status queries; the first query is immediate
	Interval time.Duration
	// MaxAttempts is the number of non-terminal responses tolerated before timing out
	MaxAttempts int
	// EventBuffer is the capacity of the events channel
	EventBuffer int
	// OnTerminal runs on the polling goroutine before the terminal event is published
	OnTerminal func(Snapshot)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 1800
	}
	if o.EventBuffer <= 0 {
		o.EventBuffer = 16
	}
	return o
}

// Engine drives a single screening task from submission to a terminal state.
//
// One goroutine owns the timer and issues status queries one at a time, so
// events are published in the order responses were received. Callers must
// either drain Events or call Dispose.
type Engine struct {
	api  TaskAPI
	opts Options
	log  *logger.Logger

	mu       sync.Mutex
	state    State
	taskID   string
	criteria json.RawMessage
	progress float64
	attempts int
	outcome  *Outcome
	err      error
	hold     chan struct{}
	holds    int
	detached bool

	events   chan Event
	settled  chan struct{}
	disposed chan struct{}
	done     chan struct{}

	requests     context.Context
	stopRequests context.CancelFunc
	disposeOnce  sync.Once
	finishOnce   sync.Once
}

// NewEngine creates an idle engine
func NewEngine(api TaskAPI, opts Options) *Engine {
	opts = opts.withDefaults()
	requests, stop := context.WithCancel(context.Background())
	return &Engine{
		api:          api,
		opts:         opts,
		log:          logger.With("polling-engine"),
		state:        StateIdle,
		events:       make(chan Event, opts.EventBuffer),
		settled:      make(chan struct{}),
		disposed:     make(chan struct{}),
		done:         make(chan struct{}),
		requests:     requests,
		stopRequests: stop,
	}
}

// Events returns the status stream. It is closed after the terminal event.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Done is closed once the terminal event has been published
func (e *Engine) Done() <-chan struct{} {
	return e.done
}

// State returns the current lifecycle state
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Snapshot returns a copy of the current task tracking
func (e *Engine) Snapshot() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.snapshotLocked()
}

func (e *Engine) snapshotLocked() Snapshot {
	return Snapshot{
		TaskID:   e.taskID,
		State:    e.state,
		Progress: e.progress,
		Attempts: e.attempts,
		Criteria: e.criteria,
		Outcome:  e.outcome,
		Err:      e.err,
		Detached: e.detached,
	}
}

// settleLocked moves to a terminal state exactly once
func (e *Engine) settleLocked(state State, outcome *Outcome, err error) bool {
	if e.state.IsTerminal() {
		return false
	}
	e.state = state
	e.outcome = outcome
	e.err = err
	close(e.settled)
	return true
}

// Start submits criteria and begins polling the new task. ctx only bounds
// the submission request; use Cancel or Dispose to stop polling.
func (e *Engine) Start(ctx context.Context, criteria json.RawMessage) (string, error) {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return "", ErrNotIdle
	}
	e.state = StateSubmitting
	e.criteria = criteria
	e.mu.Unlock()

	resp, err := e.api.Submit(ctx, criteria)

	e.mu.Lock()
	if e.state != StateSubmitting {
		// cancelled while the submission was in flight
		if err == nil {
			e.taskID = resp.TaskID
		}
		e.mu.Unlock()
		if err == nil {
			e.cancelRemote(resp.TaskID)
		}
		e.finish(nil)
		return "", apperrors.TaskCancelled(e.Snapshot().TaskID)
	}

	if err != nil {
		submitErr := &apperrors.SubmissionError{Err: err}
		e.settleLocked(StateFailed, nil, submitErr)
		e.mu.Unlock()
		e.log.Error("Failed to submit screening task: %v", err)
		e.finish(nil)
		return "", submitErr
	}

	e.taskID = resp.TaskID
	e.state = StatePolling
	e.mu.Unlock()

	e.log.Info("Polling task %s every %v", resp.TaskID, e.opts.Interval)
	go e.loop()
	return resp.TaskID, nil
}

// Attach starts polling an already running task without submitting,
// keeping its last known progress.
func (e *Engine) Attach(task models.Task) error {
	e.mu.Lock()
	if e.state != StateIdle {
		e.mu.Unlock()
		return ErrNotIdle
	}
	e.taskID = task.TaskID
	e.criteria = task.Criteria
	e.progress = task.Progress
	e.state = StatePolling
	e.mu.Unlock()

	e.log.Info("Re-attached to task %s at %.0f%%", task.TaskID, task.Progress)
	go e.loop()
	return nil
}

// Cancel stops polling immediately and asks the service to cancel the task.
// A failed remote cancel is only logged.
func (e *Engine) Cancel(ctx context.Context) {
	e.mu.Lock()
	prev := e.state
	taskID := e.taskID
	if !e.settleLocked(StateCancelled, nil, apperrors.TaskCancelled(taskID)) {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	e.log.Info("Cancelled task %s while %s", taskID, prev)

	if prev == StateIdle {
		e.finish(nil)
		return
	}
	if taskID != "" {
		if _, err := e.api.Cancel(ctx, taskID); err != nil {
			e.log.Warn("Remote cancel of task %s failed: %v", taskID, err)
		}
	}
}

func (e *Engine) cancelRemote(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.api.Cancel(ctx, taskID); err != nil {
		e.log.Warn("Remote cancel of task %s failed: %v", taskID, err)
	}
}

// Dispose stops the engine without contacting the service. A task that was
// still running ends as cancelled locally and keeps running remotely.
func (e *Engine) Dispose() {
	e.disposeOnce.Do(func() {
		e.mu.Lock()
		prev := e.state
		if e.settleLocked(StateCancelled, nil, apperrors.TaskCancelled(e.taskID)) && e.taskID != "" {
			e.detached = true
		}
		e.mu.Unlock()

		close(e.disposed)
		e.stopRequests()

		if prev == StateIdle {
			e.finish(nil)
		}
	})
}

// Hold suspends polling until the matching Release. No status query is
// issued while at least one hold is active.
func (e *Engine) Hold() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holds == 0 {
		e.hold = make(chan struct{})
	}
	e.holds++
}

func (e *Engine) Release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.holds == 0 {
		return
	}
	e.holds--
	if e.holds == 0 {
		close(e.hold)
		e.hold = nil
	}
}

// Wait blocks until the task is terminal
func (e *Engine) Wait(ctx context.Context) (*Outcome, error) {
	select {
	case <-e.settled:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.outcome, e.err
}

func (e *Engine) loop() {
	var final *Event
	defer func() { e.finish(final) }()

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-e.settled:
			return
		case <-timer.C:
		}

		ev, ok := e.poll()
		if !ok {
			return
		}
		if ev.Terminal() {
			final = &ev
			return
		}

		e.publish(ev)
		timer.Reset(e.opts.Interval)
	}
}

// waitHoldLocked blocks until no hold is active or the engine settles.
// e.mu is held on entry and on return.
func (e *Engine) waitHoldLocked() {
	for e.hold != nil && e.state == StatePolling {
		h := e.hold
		e.mu.Unlock()
		select {
		case <-h:
		case <-e.settled:
		}
		e.mu.Lock()
	}
}

// poll issues one status query once no hold is active. It returns false
// when the engine left the polling state without a response to report.
func (e *Engine) poll() (Event, bool) {
	e.mu.Lock()
	e.waitHoldLocked()
	if e.state != StatePolling {
		e.mu.Unlock()
		return Event{}, false
	}
	e.attempts++
	attempt := e.attempts
	taskID := e.taskID
	e.mu.Unlock()

	resp, err := e.api.Status(e.requests, taskID)

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StatePolling {
		e.log.Debug("Discarding status response for task %s after %s", taskID, e.state)
		return Event{}, false
	}

	if err != nil {
		if apperrors.IsTaskNotFound(err) {
			err = apperrors.TaskUnknown(taskID, err)
		}
		e.log.Error("Polling task %s failed: %v", taskID, err)
		e.settleLocked(StateFailed, nil, err)
		return Event{}, false
	}

	e.progress = resp.Progress
	switch resp.Status {
	case models.TaskStatusCompleted:
		criteria := resp.Criteria
		if len(criteria) == 0 {
			criteria = e.criteria
		}
		e.settleLocked(StateCompleted, &Outcome{
			TaskID:   taskID,
			Results:  resp.Results,
			Criteria: criteria,
		}, nil)
		e.log.Info("Task %s completed with %d results", taskID, len(resp.Results))
	case models.TaskStatusFailed:
		message := resp.Error
		if message == "" {
			message = "screening task failed"
		}
		e.settleLocked(StateFailed, nil, apperrors.TaskFailed(taskID, message))
		e.log.Error("Task %s failed: %s", taskID, message)
	case models.TaskStatusCancelled:
		e.settleLocked(StateCancelled, nil, apperrors.TaskCancelled(taskID))
	default:
		if attempt >= e.opts.MaxAttempts {
			e.settleLocked(StateTimedOut, nil, apperrors.TaskTimeout(taskID, attempt))
			e.log.Warn("Task %s still %s after %d attempts, giving up", taskID, resp.Status, attempt)
		}
	}

	return Event{
		TaskID:   taskID,
		State:    e.state,
		Status:   resp.Status,
		Progress: resp.Progress,
		Attempt:  attempt,
		Payload:  resp,
		Outcome:  e.outcome,
		Err:      e.err,
	}, true
}

// publish delivers an event unless the engine was disposed. Non-terminal
// events are dropped once the engine has settled.
func (e *Engine) publish(ev Event) {
	if ev.Terminal() {
		select {
		case e.events <- ev:
		case <-e.disposed:
		}
		return
	}
	select {
	case e.events <- ev:
	case <-e.settled:
	case <-e.disposed:
	}
}

// finish runs the terminal hook, publishes the terminal event and closes the stream
func (e *Engine) finish(final *Event) {
	e.finishOnce.Do(func() {
		e.mu.Lock()
		e.settleLocked(StateCancelled, nil, apperrors.TaskCancelled(e.taskID))
		snap := e.snapshotLocked()
		e.mu.Unlock()

		if e.opts.OnTerminal != nil {
			e.opts.OnTerminal(snap)
		}

		ev := Event{
			TaskID:   snap.TaskID,
			State:    snap.State,
			Progress: snap.Progress,
			Attempt:  snap.Attempts,
			Outcome:  snap.Outcome,
			Err:      snap.Err,
		}
		if final != nil {
			ev = *final
		}

		e.publish(ev)
		close(e.events)
		close(e.done)
		e.stopRequests()
	})
}
