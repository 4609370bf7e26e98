package services

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kelsos/screening-sync/internal/async"
	"github.com/kelsos/screening-sync/internal/client"
	"github.com/kelsos/screening-sync/internal/config"
	"github.com/kelsos/screening-sync/internal/history"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/models"
	"github.com/kelsos/screening-sync/internal/reconcile"
	"github.com/kelsos/screening-sync/internal/resume"
	"github.com/kelsos/screening-sync/internal/screening"
	"github.com/kelsos/screening-sync/internal/storage"
)

// ClientIDKey is the durable key holding this installation's id
const ClientIDKey = "screening.client_id"

// Options tune how the service follows tasks
type Options struct {
	// Interactive selects the slower interactive polling interval
	Interactive bool
	Navigator   resume.Navigator
	// Durable overrides the configured durable backend
	Durable storage.Store
}

// Result is a completed task together with how it was persisted
type Result struct {
	Outcome *async.Outcome
	Report  reconcile.Report
}

// ScreeningService wires the task client, the resume coordinator, the
// reconciler and the history collaborator together
type ScreeningService struct {
	config      *config.Config
	client      *client.APIClient
	tasks       *screening.Client
	bridge      *storage.Bridge
	coordinator *resume.Coordinator
	reconciler  *reconcile.Reconciler
	history     *history.Service
	closer      io.Closer
	log         *logger.Logger
}

// NewScreeningService creates a new screening service with all dependencies
func NewScreeningService(ctx context.Context, cfg *config.Config, opts Options) (*ScreeningService, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	s := &ScreeningService{
		config: cfg,
		client: client.NewAPIClient(cfg),
		log:    logger.With("screening-service"),
	}

	durable := opts.Durable
	if durable == nil {
		var err error
		if durable, err = s.openDurable(ctx); err != nil {
			return nil, err
		}
	}
	s.bridge = storage.NewBridge(storage.NewMemoryStore(), durable)

	s.client.SetClientID(s.ensureClientID(ctx))

	s.tasks = screening.NewClient(s.client)
	s.coordinator = resume.NewCoordinator(s.tasks, s.bridge, async.Options{
		Interval:    cfg.PollIntervalFor(opts.Interactive),
		MaxAttempts: cfg.MaxAttempts,
	}, opts.Navigator)

	s.history = history.NewService(
		history.NewRemoteClient(s.client),
		history.NewLocalStore(s.bridge, cfg.HistoryCap),
	)
	s.reconciler = reconcile.NewReconciler(s.bridge, s.history, reconcile.Options{})

	return s, nil
}

func (s *ScreeningService) openDurable(ctx context.Context) (storage.Store, error) {
	switch s.config.StorageBackend {
	case config.StorageRedis:
		rdb := redis.NewClient(&redis.Options{Addr: s.config.RedisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", s.config.RedisAddr, err)
		}
		store := storage.NewRedisStore(rdb, "")
		s.closer = store
		s.log.Info("Using redis at %s for durable storage", s.config.RedisAddr)
		return store, nil
	default:
		dir, err := s.config.ResolveDataDir()
		if err != nil {
			return nil, err
		}
		store, err := storage.NewFileStore(dir)
		if err != nil {
			return nil, err
		}
		s.log.Debug("Using %s for durable storage", store.Dir())
		return store, nil
	}
}

// ensureClientID returns the persisted installation id, creating it on first use
func (s *ScreeningService) ensureClientID(ctx context.Context) string {
	id, ok, err := s.bridge.GetDurable(ctx, ClientIDKey)
	if err == nil && ok && id != "" {
		return id
	}

	id = uuid.NewString()
	if err != nil {
		s.log.Warn("Could not read client id, using a temporary one: %v", err)
		return id
	}
	if err := s.bridge.SetDurable(ctx, ClientIDKey, id); err != nil {
		s.log.Warn("Could not store client id: %v", err)
	}
	return id
}

// ClientID returns the id sent with every request
func (s *ScreeningService) ClientID(ctx context.Context) string {
	id, _, _ := s.bridge.GetDurable(ctx, ClientIDKey)
	return id
}

// SetNavigator replaces the leave confirmation gate
func (s *ScreeningService) SetNavigator(nav resume.Navigator) {
	s.coordinator.SetNavigator(nav)
}

// Resume re-attaches to a task that is still running for this client
func (s *ScreeningService) Resume(ctx context.Context) (resume.Recovery, error) {
	return s.coordinator.CheckForActiveTask(ctx)
}

// Submit starts a new task. It refuses while this process already follows one.
func (s *ScreeningService) Submit(ctx context.Context, criteria json.RawMessage) (*resume.TaskSession, error) {
	if current := s.coordinator.Current(); current != nil {
		return nil, fmt.Errorf("%w: task %s", resume.ErrSessionActive, current.TaskID)
	}
	s.log.Info("Submitting screening: %s", screening.Describe(criteria))
	return s.coordinator.Start(ctx, criteria)
}

// Follow forwards the session's events to onEvent and reconciles the
// outcome once the task completes. Cancelling ctx cancels the task.
func (s *ScreeningService) Follow(ctx context.Context, session *resume.TaskSession, onEvent func(async.Event)) (*Result, error) {
	outcome, err := async.Follow(ctx, session.Engine, onEvent)
	if err != nil {
		return nil, err
	}

	report := <-s.reconciler.Reconcile(context.WithoutCancel(ctx), outcome)
	return &Result{Outcome: outcome, Report: report}, report.Err
}

// Run submits criteria and follows the task to the end
func (s *ScreeningService) Run(ctx context.Context, criteria json.RawMessage, onEvent func(async.Event)) (*Result, error) {
	session, err := s.Submit(ctx, criteria)
	if err != nil {
		return nil, err
	}
	return s.Follow(ctx, session, onEvent)
}

// Current returns the task session being followed, or nil
func (s *ScreeningService) Current() *resume.TaskSession {
	return s.coordinator.Current()
}

// ConfirmLeave asks whether the user may leave the running task
func (s *ScreeningService) ConfirmLeave(ctx context.Context) bool {
	return s.coordinator.ConfirmLeave(ctx)
}

// Leave stops following the current task and leaves it running remotely
func (s *ScreeningService) Leave() {
	s.coordinator.Dispose()
}

// Cancel cancels a task. The followed session is cancelled through its
// engine; any other id is cancelled remotely only.
func (s *ScreeningService) Cancel(ctx context.Context, taskID string) error {
	if current := s.coordinator.Current(); current != nil && (taskID == "" || current.TaskID == taskID) {
		s.coordinator.Cancel(ctx)
		return nil
	}
	if taskID == "" {
		return fmt.Errorf("no task to cancel")
	}
	_, err := s.tasks.Cancel(ctx, taskID)
	return err
}

// Status fetches a task's state without following it
func (s *ScreeningService) Status(ctx context.Context, taskID string) (*models.TaskStatusResponse, error) {
	return s.tasks.Status(ctx, taskID)
}

// Active reports the task currently running for this client
func (s *ScreeningService) Active(ctx context.Context) (*models.ActiveTaskResponse, error) {
	return s.tasks.Active(ctx)
}

// Strategies lists the presets offered by the service
func (s *ScreeningService) Strategies(ctx context.Context) ([]models.Strategy, error) {
	return s.tasks.Strategies(ctx)
}

// History returns the history collaborator
func (s *ScreeningService) History() *history.Service {
	return s.history
}

// SessionResults returns the last result set completed by this process
func (s *ScreeningService) SessionResults(ctx context.Context) (*reconcile.SessionResultSet, bool, error) {
	return s.reconciler.SessionResults(ctx)
}

// ResumePointer returns the task id left behind by an earlier run, if any
func (s *ScreeningService) ResumePointer(ctx context.Context) (string, bool) {
	id, ok, err := s.bridge.GetDurable(ctx, resume.PointerKey)
	if err != nil {
		return "", false
	}
	return id, ok && id != ""
}

// WaitForAPIReady waits for the health endpoint to answer
func (s *ScreeningService) WaitForAPIReady(ctx context.Context) bool {
	return s.client.WaitForAPIReady(ctx, s.config.APIReadyTimeout, time.Second)
}

// GetConfig returns the current configuration
func (s *ScreeningService) GetConfig() *config.Config {
	return s.config
}

// Cleanup stops the followed engine without cancelling its task and closes storage
func (s *ScreeningService) Cleanup() {
	s.coordinator.Dispose()
	if s.closer != nil {
		if err := s.closer.Close(); err != nil {
			s.log.Warn("Failed to close durable storage: %v", err)
		}
	}
}
