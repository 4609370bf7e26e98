package models

import "encoding/json"

type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// IsActive reports whether the task is still queued or running
func (s TaskStatus) IsActive() bool {
	return s == TaskStatusPending || s == TaskStatusProcessing
}

func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Task is the remote job handle
type Task struct {
	TaskID   string            `json:"taskId"`
	Status   TaskStatus        `json:"status"`
	Progress float64           `json:"progress"`
	Criteria json.RawMessage   `json:"criteria,omitempty"`
	Results  []json.RawMessage `json:"results,omitempty"`
	Error    string            `json:"error,omitempty"`
}

type SubmitResponse struct {
	TaskID  string     `json:"taskId"`
	Status  TaskStatus `json:"status"`
	Message string     `json:"message"`
}

// TaskStatusResponse is the payload of GET /screen/task/{id}
type TaskStatusResponse struct {
	TaskID      string            `json:"taskId"`
	Status      TaskStatus        `json:"status"`
	Total       int               `json:"total"`
	Processed   int               `json:"processed"`
	Progress    float64           `json:"progress"`
	ResultCount int               `json:"resultCount"`
	Error       string            `json:"error,omitempty"`
	Results     []json.RawMessage `json:"results,omitempty"`
	Criteria    json.RawMessage   `json:"criteria,omitempty"`
}

// Task converts the status payload into a task handle
func (r TaskStatusResponse) Task() Task {
	t := Task{
		TaskID:   r.TaskID,
		Status:   r.Status,
		Progress: r.Progress,
		Criteria: r.Criteria,
	}
	switch r.Status {
	case TaskStatusCompleted:
		t.Results = r.Results
	case TaskStatusFailed:
		t.Error = r.Error
	}
	return t
}

type ActiveTaskResponse struct {
	Active bool  `json:"active"`
	Task   *Task `json:"task"`
}

type CancelResponse struct {
	Message string     `json:"message"`
	TaskID  string     `json:"taskId"`
	Status  TaskStatus `json:"status,omitempty"`
}

// Strategy is a named criteria preset published by the service
type Strategy struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Config      json.RawMessage `json:"config"`
}

type StrategiesResponse struct {
	Strategies []Strategy `json:"strategies"`
}
