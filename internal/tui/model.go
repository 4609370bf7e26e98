package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kelsos/screening-sync/internal/async"
	"github.com/kelsos/screening-sync/internal/models"
)

const maxLogs = 10

type Model struct {
	taskID   string
	criteria string
	resumed  bool
	state    async.State
	status   models.TaskStatus
	percent  float64
	attempt  int
	summary  string
	err      error

	logs     []string
	spinner  spinner.Model
	progress progress.Model
	width    int
	height   int

	confirmLeave func() bool
	confirming   bool
	answer       chan<- bool
	left         bool
	quit         bool
}

// TaskStarted is sent once a task is submitted or resumed
type TaskStarted struct {
	TaskID   string
	Criteria string
	Resumed  bool
	Progress float64
}

// TaskEvent wraps one engine event
type TaskEvent struct {
	Event async.Event
}

// TaskFinished is sent after the outcome was reconciled
type TaskFinished struct {
	Summary string
	Err     error
}

type LogMessage struct {
	Message string
}

// ConfirmRequest asks the user whether to leave the running task
type ConfirmRequest struct {
	Answer chan<- bool
}

// LeaveDecision carries the result of a leave confirmation
type LeaveDecision struct {
	Leave bool
}

// NewModel creates the monitor model. confirmLeave is run when the user
// tries to quit while a task is polling; nil quits immediately.
func NewModel(confirmLeave func() bool) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	pr := progress.New(progress.WithDefaultGradient())

	return Model{
		state:        async.StateSubmitting,
		logs:         []string{},
		spinner:      sp,
		progress:     pr,
		width:        80,
		height:       24,
		confirmLeave: confirmLeave,
	}
}

func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Left reports whether the user left a task running remotely
func (m Model) Left() bool {
	return m.left
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.WindowSizeMsg:
		m = m.handleWindowSizeMsg(msg)

	case TaskStarted:
		m = m.handleTaskStarted(msg)

	case TaskEvent:
		m = m.handleTaskEvent(msg.Event)

	case TaskFinished:
		m.summary = msg.Summary
		if msg.Err != nil && m.err == nil {
			m.err = msg.Err
		}

	case LogMessage:
		m = m.handleLogMessage(msg)

	case ConfirmRequest:
		m.confirming = true
		m.answer = msg.Answer

	case LeaveDecision:
		if msg.Leave {
			m.left = true
			m.quit = true
			return m, tea.Quit
		}
		m = m.handleLogMessage(LogMessage{Message: "Still following the task"})

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case progress.FrameMsg:
		progressModel, cmd := m.progress.Update(msg)
		if progressModel, ok := progressModel.(progress.Model); ok {
			m.progress = progressModel
		}
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m Model) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirming {
		switch msg.String() {
		case "y", "Y", "enter":
			m = m.reply(true)
		case "n", "N", "esc":
			m = m.reply(false)
		}
		return m, nil
	}

	switch msg.String() {
	case "q", "ctrl+c":
		if m.state == async.StatePolling && m.confirmLeave != nil {
			confirm := m.confirmLeave
			return m, func() tea.Msg {
				return LeaveDecision{Leave: confirm()}
			}
		}
		m.quit = true
		return m, tea.Quit
	}
	return m, nil
}

func (m Model) reply(leave bool) Model {
	if m.answer != nil {
		m.answer <- leave
	}
	m.answer = nil
	m.confirming = false
	return m
}

func (m Model) handleWindowSizeMsg(msg tea.WindowSizeMsg) Model {
	m.width = msg.Width
	m.height = msg.Height
	m.progress.Width = max(msg.Width-40, 10)
	return m
}

func (m Model) handleTaskStarted(msg TaskStarted) Model {
	m.taskID = msg.TaskID
	m.criteria = msg.Criteria
	m.resumed = msg.Resumed
	m.percent = msg.Progress
	m.state = async.StatePolling

	if msg.Resumed {
		return m.handleLogMessage(LogMessage{Message: fmt.Sprintf("Resumed task %s at %.0f%%", msg.TaskID, msg.Progress)})
	}
	return m.handleLogMessage(LogMessage{Message: fmt.Sprintf("Submitted task %s", msg.TaskID)})
}

func (m Model) handleTaskEvent(ev async.Event) Model {
	prevStatus := m.status

	if ev.TaskID != "" {
		m.taskID = ev.TaskID
	}
	m.state = ev.State
	m.attempt = ev.Attempt
	if ev.Status != "" {
		m.status = ev.Status
	}
	if ev.Payload != nil {
		m.percent = ev.Progress
	}

	if ev.Terminal() {
		m.err = ev.Err
		switch ev.State {
		case async.StateCompleted:
			n := 0
			if ev.Outcome != nil {
				n = len(ev.Outcome.Results)
			}
			m = m.handleLogMessage(LogMessage{Message: fmt.Sprintf("✅ Task completed with %d results", n)})
		default:
			m = m.handleLogMessage(LogMessage{Message: fmt.Sprintf("❌ Task %s: %v", ev.State, ev.Err)})
		}
		if m.confirming {
			m = m.reply(false)
		}
		return m
	}

	if m.status != prevStatus {
		m = m.handleLogMessage(LogMessage{Message: fmt.Sprintf("Task is %s", m.status)})
	}
	return m
}

func (m Model) handleLogMessage(msg LogMessage) Model {
	m.logs = append(m.logs, fmt.Sprintf("[%s] %s",
		time.Now().Format("15:04:05"), msg.Message))
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
	return m
}

func (m Model) View() string {
	if m.quit {
		if m.left {
			return fmt.Sprintf("Task %s keeps running. Run `screening-sync resume` to follow it again.\n", m.taskID)
		}
		return "Shutting down...\n"
	}

	var s strings.Builder

	headerStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("39")).
		MarginBottom(1)

	s.WriteString(headerStyle.Render("📈 Stock Screening Monitor"))
	s.WriteString("\n\n")

	summaryStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	summary := fmt.Sprintf("Task: %s | State: %s | Checks: %d", orDash(m.taskID), m.state, m.attempt)
	if m.resumed {
		summary += " | resumed"
	}
	s.WriteString(summaryStyle.Render(summary))
	s.WriteString("\n\n")

	taskSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("62")).
		Padding(1).
		Width(m.width - 2)

	var task strings.Builder
	task.WriteString("🔎 " + orDash(m.criteria) + "\n")
	task.WriteString(strings.Repeat("─", 60) + "\n")

	stateStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(stateColor(m.state)))
	line := fmt.Sprintf("%s %-12s", stateIcon(m.state), m.state)
	if !m.state.IsTerminal() {
		line = fmt.Sprintf("%s %s %-12s", stateIcon(m.state), m.spinner.View(), m.state)
	}
	line += " " + m.progress.ViewAs(m.percent/100)
	task.WriteString(stateStyle.Render(line) + "\n")

	if m.err != nil {
		errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		task.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)) + "\n")
	} else if m.summary != "" {
		task.WriteString(m.summary + "\n")
	}

	s.WriteString(taskSectionStyle.Render(task.String()))
	s.WriteString("\n\n")

	logSectionStyle := lipgloss.NewStyle().
		Border(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Width(m.width - 2).
		Height(8)

	var logSection strings.Builder
	logSection.WriteString("📝 Recent Logs\n")
	for _, log := range m.logs {
		logSection.WriteString(log + "\n")
	}

	s.WriteString(logSectionStyle.Render(logSection.String()))
	s.WriteString("\n\n")

	footerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	footer := "Press 'q' to quit | Logs: logs/screening-sync_*.log"
	if m.confirming {
		footer = "Leave while the task keeps running? (y/n)"
		footerStyle = footerStyle.Foreground(lipgloss.Color("214")).Bold(true)
	}
	s.WriteString(footerStyle.Render(footer))

	return s.String()
}

func stateIcon(state async.State) string {
	switch state {
	case async.StateIdle:
		return "⏸"
	case async.StateSubmitting:
		return "📤"
	case async.StatePolling:
		return "🔄"
	case async.StateCompleted:
		return "✅"
	case async.StateFailed:
		return "❌"
	case async.StateTimedOut:
		return "⌛"
	case async.StateCancelled:
		return "🚫"
	default:
		return "❓"
	}
}

func stateColor(state async.State) string {
	switch state {
	case async.StateCompleted:
		return "82"
	case async.StateFailed, async.StateTimedOut:
		return "196"
	case async.StateCancelled, async.StateIdle:
		return "244"
	default:
		return "39"
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
