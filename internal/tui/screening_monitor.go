package tui

import (
	"context"
	"encoding/json"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/kelsos/screening-sync/internal/async"
	apperrors "github.com/kelsos/screening-sync/internal/errors"
	"github.com/kelsos/screening-sync/internal/logger"
	"github.com/kelsos/screening-sync/internal/resume"
	"github.com/kelsos/screening-sync/internal/screening"
	"github.com/kelsos/screening-sync/internal/services"
)

// ScreeningMonitor runs a task behind the bubbletea monitor
type ScreeningMonitor struct {
	service *services.ScreeningService
	program *tea.Program
	stopped chan struct{}
	log     *logger.Logger
}

func NewScreeningMonitor(service *services.ScreeningService) *ScreeningMonitor {
	return &ScreeningMonitor{
		service: service,
		stopped: make(chan struct{}),
		log:     logger.With("tui"),
	}
}

func (sm *ScreeningMonitor) Start() error {
	model := NewModel(func() bool {
		return sm.service.ConfirmLeave(context.Background())
	})
	sm.program = tea.NewProgram(model, tea.WithAltScreen())
	sm.service.SetNavigator(sm)
	return nil
}

func (sm *ScreeningMonitor) Stop() {
	if sm.program != nil {
		sm.program.Quit()
	}
}

// ConfirmNavigation asks inside the TUI and waits for the answer
func (sm *ScreeningMonitor) ConfirmNavigation() bool {
	answer := make(chan bool, 1)
	sm.program.Send(ConfirmRequest{Answer: answer})

	select {
	case leave := <-answer:
		return leave
	case <-sm.stopped:
		return true
	}
}

func (sm *ScreeningMonitor) AddLog(message string) {
	if sm.program != nil {
		sm.program.Send(LogMessage{Message: message})
	}
}

// follow resumes the active task if there is one, otherwise submits criteria
func (sm *ScreeningMonitor) follow(ctx context.Context, criteria json.RawMessage, resumeOnly bool) (*services.Result, error) {
	var session *resume.TaskSession

	rec, err := sm.service.Resume(ctx)
	if err != nil {
		sm.AddLog(fmt.Sprintf("⚠️ Could not check for a running task: %v", err))
	}

	switch {
	case rec.Active:
		session = rec.Session
		sm.program.Send(TaskStarted{
			TaskID:   rec.Task.TaskID,
			Criteria: screening.Describe(rec.Task.Criteria),
			Resumed:  true,
			Progress: rec.Task.Progress,
		})
	case resumeOnly:
		return nil, fmt.Errorf("no running task to resume")
	default:
		session, err = sm.service.Submit(ctx, criteria)
		if err != nil {
			return nil, err
		}
		sm.program.Send(TaskStarted{
			TaskID:   session.TaskID,
			Criteria: screening.Describe(criteria),
		})
	}

	return sm.service.Follow(ctx, session, func(ev async.Event) {
		sm.program.Send(TaskEvent{Event: ev})
	})
}

// Run follows a task until it ends or the user leaves. A nil criteria with
// resumeOnly only re-attaches to a running task.
func (sm *ScreeningMonitor) Run(ctx context.Context, criteria json.RawMessage, resumeOnly bool) (*services.Result, error) {
	type outcome struct {
		result *services.Result
		err    error
	}
	done := make(chan outcome, 1)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		result, err := sm.follow(runCtx, criteria, resumeOnly)
		finished := TaskFinished{Err: err}
		if result != nil {
			finished.Summary = fmt.Sprintf("%d results | average change %.2f%% | top: %v",
				result.Report.Summary.ResultCount, result.Report.Summary.AvgChange, result.Report.Summary.TopStocks)
			if result.Report.Degraded != nil {
				finished.Summary += " | history stored locally"
			}
		}
		sm.program.Send(finished)
		done <- outcome{result: result, err: err}
	}()

	final, err := sm.program.Run()
	close(sm.stopped)

	left := false
	if m, ok := final.(Model); ok {
		left = m.Left()
	}
	if left {
		sm.log.Info("Leaving the task running remotely")
		sm.service.Leave()
	}
	// closing the monitor any other way cancels a task still in flight
	cancel()

	res := <-done
	if err != nil {
		return nil, fmt.Errorf("failed to run TUI: %w", err)
	}
	if left && apperrors.IsTaskCancelled(res.err) {
		return nil, nil
	}
	return res.result, res.err
}
