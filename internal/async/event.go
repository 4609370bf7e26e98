package async

import (
	"encoding/json"

	"github.com/kelsos/screening-sync/internal/models"
)

// Event is one entry of an engine's status stream. Every status response
// yields exactly one event; the last event of the stream is terminal.
type Event struct {
	TaskID   string
	State    State
	Status   models.TaskStatus
	Progress float64
	Attempt  int
	// Payload is nil when the event was not caused by a status response
	Payload *models.TaskStatusResponse
	Outcome *Outcome
	Err     error
}

// Terminal reports whether this is the final event of the stream
func (e Event) Terminal() bool {
	return e.State.IsTerminal()
}

// Outcome is the result of a completed task
type Outcome struct {
	TaskID   string
	Results  []json.RawMessage
	Criteria json.RawMessage
}

// Snapshot is a point-in-time copy of an engine's task tracking
type Snapshot struct {
	TaskID   string
	State    State
	Progress float64
	Attempts int
	Criteria json.RawMessage
	Outcome  *Outcome
	Err      error
	// Detached is set when Dispose stopped the engine while the task was
	// still running remotely
	Detached bool
}
