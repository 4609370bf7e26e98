package tui

import (
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kelsos/screening-sync/internal/async"
	"github.com/kelsos/screening-sync/internal/models"
)

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	require.True(t, ok)
	return model, cmd
}

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func TestModelTracksProgress(t *testing.T) {
	m := NewModel(nil)
	m, _ = update(t, m, TaskStarted{TaskID: "abc", Criteria: "平衡型 | 全部", Resumed: true, Progress: 60})

	assert.Equal(t, async.StatePolling, m.state)
	assert.Equal(t, 60.0, m.percent)
	assert.Contains(t, m.View(), "resumed")
	assert.Contains(t, m.logs[len(m.logs)-1], "Resumed task abc at 60%")

	resp := &models.TaskStatusResponse{Status: models.TaskStatusProcessing, Progress: 72}
	m, _ = update(t, m, TaskEvent{Event: async.Event{
		TaskID: "abc", State: async.StatePolling, Status: resp.Status, Progress: 72, Attempt: 1, Payload: resp,
	}})
	assert.Equal(t, 72.0, m.percent)
	assert.Contains(t, m.View(), "Checks: 1")
}

func TestModelShowsTerminalError(t *testing.T) {
	m := NewModel(nil)
	m, _ = update(t, m, TaskStarted{TaskID: "abc"})
	m, _ = update(t, m, TaskEvent{Event: async.Event{
		TaskID: "abc", State: async.StateFailed, Status: models.TaskStatusFailed, Err: errors.New("upstream timeout"),
	}})

	assert.True(t, m.state.IsTerminal())
	assert.Contains(t, m.View(), "upstream timeout")
}

func TestQuitWhilePollingAsksFirst(t *testing.T) {
	asked := false
	m := NewModel(func() bool { asked = true; return true })
	m, _ = update(t, m, TaskStarted{TaskID: "abc"})

	m, cmd := update(t, m, key("q"))
	require.NotNil(t, cmd)
	assert.False(t, m.quit)

	msg := cmd()
	assert.True(t, asked)
	assert.Equal(t, LeaveDecision{Leave: true}, msg)

	m, cmd = update(t, m, msg)
	assert.True(t, m.Left())
	assert.True(t, m.quit)
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(), "screening-sync resume")
}

func TestConfirmRequestAnswers(t *testing.T) {
	m := NewModel(nil)
	m, _ = update(t, m, TaskStarted{TaskID: "abc"})

	answer := make(chan bool, 1)
	m, _ = update(t, m, ConfirmRequest{Answer: answer})
	assert.True(t, m.confirming)
	assert.Contains(t, m.View(), "(y/n)")

	m, _ = update(t, m, key("n"))
	assert.False(t, m.confirming)
	assert.False(t, <-answer)

	m, _ = update(t, m, LeaveDecision{Leave: false})
	assert.False(t, m.quit)
}

func TestTerminalEventDeclinesPendingConfirm(t *testing.T) {
	m := NewModel(nil)
	m, _ = update(t, m, TaskStarted{TaskID: "abc"})

	answer := make(chan bool, 1)
	m, _ = update(t, m, ConfirmRequest{Answer: answer})
	m, _ = update(t, m, TaskEvent{Event: async.Event{TaskID: "abc", State: async.StateCompleted, Outcome: &async.Outcome{}}})

	assert.False(t, m.confirming)
	assert.False(t, <-answer)
}

func TestQuitWhenIdleQuitsImmediately(t *testing.T) {
	m := NewModel(func() bool {
		t.Fatal("must not ask when nothing is polling")
		return false
	})
	m, _ = update(t, m, TaskFinished{Summary: "2 results"})

	m.state = async.StateCompleted
	m, cmd := update(t, m, key("q"))
	assert.True(t, m.quit)
	require.NotNil(t, cmd)
}
