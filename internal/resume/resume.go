package resume

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/kelsos/screening-sync/internal/async"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
	"github.com/kelsos/screening-sync/internal/storage"
)

// PointerKey is the durable key holding the id of the task left in flight
const PointerKey = "screening.resume.task_id"

// ErrSessionActive is returned when a task is already followed by this process
var ErrSessionActive = errors.New("a screening task is already running")

// TaskAPI is the task transport plus the active task lookup
type TaskAPI interface {
	async.TaskAPI
	Active(ctx context.Context) (*models.ActiveTaskResponse, error)
}

// Navigator is asked whether the user may leave while a task is polling
type Navigator interface {
	ConfirmNavigation() bool
}

// NavigatorFunc adapts a function to Navigator
type NavigatorFunc func() bool

func (f NavigatorFunc) ConfirmNavigation() bool { return f() }

// TaskSession is the in-memory tracking of the task this process follows
type TaskSession struct {
	TaskID    string
	Resumed   bool
	StartedAt time.Time
	Engine    *async.Engine
}

// Progress returns the last known progress of the session's task
func (s *TaskSession) Progress() float64 {
	return s.Engine.Snapshot().Progress
}

// Recovery is the result of CheckForActiveTask
type Recovery struct {
	Active  bool
	Task    *models.Task
	Session *TaskSession
}

// Coordinator owns the task session and the resume pointer
type Coordinator struct {
	api    TaskAPI
	bridge *storage.Bridge
	opts   async.Options
	log    *logger.Logger

	checkOnce   sync.Once
	recovery    Recovery
	recoveryErr error

	mu      sync.Mutex
	nav     Navigator
	session *TaskSession
}

func NewCoordinator(api TaskAPI, bridge *storage.Bridge, opts async.Options, nav Navigator) *Coordinator {
	return &Coordinator{
		api:    api,
		bridge: bridge,
		opts:   opts,
		nav:    nav,
		log:    logger.With("resume"),
	}
}

// SetNavigator replaces the confirmation gate, e.g. when a TUI takes over the terminal
func (c *Coordinator) SetNavigator(nav Navigator) {
	c.mu.Lock()
	c.nav = nav
	c.mu.Unlock()
}

// Current returns the session being followed, or nil
func (c *Coordinator) Current() *TaskSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

// CheckForActiveTask asks the service for a running task and re-attaches to
// it. It queries at most once; later calls return the first result.
func (c *Coordinator) CheckForActiveTask(ctx context.Context) (Recovery, error) {
	c.checkOnce.Do(func() {
		c.recovery, c.recoveryErr = c.checkForActiveTask(ctx)
	})
	return c.recovery, c.recoveryErr
}

func (c *Coordinator) checkForActiveTask(ctx context.Context) (Recovery, error) {
	pointer, hasPointer := c.readPointer(ctx)

	active, err := c.api.Active(ctx)
	if err != nil {
		c.log.Warn("Failed to check for an active task: %v", err)
		return Recovery{}, err
	}

	if !active.Active || active.Task == nil || !active.Task.Status.IsActive() {
		if hasPointer {
			c.log.Info("Task %s is no longer running, clearing resume pointer", pointer)
			c.clearPointer(ctx)
		}
		return Recovery{}, nil
	}

	task := *active.Task
	if hasPointer && pointer != task.TaskID {
		c.log.Warn("Resume pointer %s does not match active task %s", pointer, task.TaskID)
	}

	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return Recovery{}, ErrSessionActive
	}
	engine := c.newEngine()
	session := &TaskSession{
		TaskID:    task.TaskID,
		Resumed:   true,
		StartedAt: time.Now(),
		Engine:    engine,
	}
	c.session = session
	c.mu.Unlock()

	if err := engine.Attach(task); err != nil {
		c.dropSession(engine, false)
		return Recovery{}, err
	}

	c.log.Info("Resumed task %s at %.0f%%", task.TaskID, task.Progress)
	return Recovery{Active: true, Task: &task, Session: session}, nil
}

// Start submits criteria on a fresh engine and records it as the current
// session. Submissions are not deduplicated: a session already tracked keeps
// polling but is no longer current.
func (c *Coordinator) Start(ctx context.Context, criteria json.RawMessage) (*TaskSession, error) {
	c.mu.Lock()
	if c.session != nil {
		c.log.Warn("Starting a new task while %s is still followed", c.session.TaskID)
	}
	engine := c.newEngine()
	session := &TaskSession{StartedAt: time.Now(), Engine: engine}
	c.session = session
	c.mu.Unlock()

	taskID, err := engine.Start(ctx, criteria)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	session.TaskID = taskID
	c.mu.Unlock()
	return session, nil
}

// Cancel cancels the current session's task, if any
func (c *Coordinator) Cancel(ctx context.Context) {
	if s := c.Current(); s != nil {
		s.Engine.Cancel(ctx)
	}
}

// ConfirmLeave is called before the user leaves a polling task. It writes the
// resume pointer, suspends polling while the navigator asks, and returns the
// answer. Without a polling task it returns true without asking.
func (c *Coordinator) ConfirmLeave(ctx context.Context) bool {
	c.mu.Lock()
	session := c.session
	nav := c.nav
	c.mu.Unlock()

	if session == nil || session.Engine.State() != async.StatePolling {
		return true
	}

	session.Engine.Hold()
	defer session.Engine.Release()

	taskID := session.Engine.Snapshot().TaskID
	if err := c.bridge.SetDurable(ctx, PointerKey, taskID); err != nil {
		c.log.Warn("Failed to write resume pointer for task %s: %v", taskID, err)
	}

	if nav == nil {
		return true
	}
	return nav.ConfirmNavigation()
}

// Dispose stops following the current task without cancelling it remotely.
// A pointer written by ConfirmLeave survives so the next run can resume.
func (c *Coordinator) Dispose() {
	if s := c.Current(); s != nil {
		s.Engine.Dispose()
	}
}

func (c *Coordinator) newEngine() *async.Engine {
	opts := c.opts
	userHook := opts.OnTerminal

	var engine *async.Engine
	opts.OnTerminal = func(snap async.Snapshot) {
		c.dropSession(engine, !snap.Detached)
		if userHook != nil {
			userHook(snap)
		}
	}
	engine = async.NewEngine(c.api, opts)
	return engine
}

// dropSession clears the in-memory session if engine is still the current
// one. The resume pointer is kept when the task was left running remotely,
// and only the current session may clear it.
func (c *Coordinator) dropSession(engine *async.Engine, clearPointer bool) {
	c.mu.Lock()
	current := c.session != nil && c.session.Engine == engine
	if current {
		c.session = nil
	}
	c.mu.Unlock()

	if current && clearPointer {
		c.clearPointer(context.Background())
	}
}

func (c *Coordinator) readPointer(ctx context.Context) (string, bool) {
	taskID, ok, err := c.bridge.GetDurable(ctx, PointerKey)
	if err != nil {
		c.log.Warn("Failed to read resume pointer: %v", err)
		return "", false
	}
	return taskID, ok && taskID != ""
}

func (c *Coordinator) clearPointer(ctx context.Context) {
	if err := c.bridge.RemoveDurable(ctx, PointerKey); err != nil {
		c.log.Warn("Failed to clear resume pointer: %v", err)
	}
}
