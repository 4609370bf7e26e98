package errors

import (
	"errors"
	"fmt"
)

// Kind classifies orchestration and persistence failures
type Kind int

const (
	KindUnknown Kind = iota
	// KindValidation - malformed criteria rejected by the service (4xx), never retried
	KindValidation
	// KindTransport - network or HTTP failure, surfaced immediately
	KindTransport
	// KindTaskFailed - the remote task ended in failure
	KindTaskFailed
	// KindTaskTimeout - the client-side attempt ceiling was exceeded
	KindTaskTimeout
	// KindTaskCancelled - the caller cancelled the task
	KindTaskCancelled
	// KindTaskNotFound - the service no longer knows the task id
	KindTaskNotFound
	// KindPersistenceDegraded - remote write failed, local fallback succeeded
	KindPersistenceDegraded
	// KindPersistenceLost - remote and local writes both failed
	KindPersistenceLost
	// KindStorageUnavailable - local storage failed, best effort
	KindStorageUnavailable
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindTransport:
		return "transport"
	case KindTaskFailed:
		return "task-failed"
	case KindTaskTimeout:
		return "task-timeout"
	case KindTaskCancelled:
		return "task-cancelled"
	case KindTaskNotFound:
		return "task-not-found"
	case KindPersistenceDegraded:
		return "persistence-degraded"
	case KindPersistenceLost:
		return "persistence-lost"
	case KindStorageUnavailable:
		return "storage-unavailable"
	default:
		return "unknown"
	}
}

// Error is the uniform error type of the client
type Error struct {
	Kind    Kind
	Op      string
	TaskID  string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Op != "" && e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// SubmissionError marks a failure that happened before a task id was assigned
type SubmissionError struct {
	Err error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("failed to submit task: %v", e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}

func Validation(op, message string, err error) error {
	return &Error{Kind: KindValidation, Op: op, Message: message, Err: err}
}

func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// TaskFailed keeps the server message verbatim as the error text
func TaskFailed(taskID, message string) error {
	return &Error{Kind: KindTaskFailed, TaskID: taskID, Message: message}
}

func TaskTimeout(taskID string, attempts int) error {
	return &Error{
		Kind:    KindTaskTimeout,
		TaskID:  taskID,
		Message: fmt.Sprintf("task %s did not finish after %d status checks", taskID, attempts),
	}
}

func TaskCancelled(taskID string) error {
	return &Error{Kind: KindTaskCancelled, TaskID: taskID, Message: fmt.Sprintf("task %s was cancelled", taskID)}
}

func TaskNotFound(taskID string, err error) error {
	return &Error{
		Kind:    KindTaskNotFound,
		Op:      "status",
		TaskID:  taskID,
		Message: fmt.Sprintf("task %s is unknown to the service", taskID),
		Err:     err,
	}
}

// TaskUnknown turns a lookup miss while polling into a terminal task failure
func TaskUnknown(taskID string, cause error) error {
	return &Error{
		Kind:    KindTaskFailed,
		TaskID:  taskID,
		Message: fmt.Sprintf("task %s is unknown to the service", taskID),
		Err:     cause,
	}
}

func PersistenceDegraded(resource string, remote error) error {
	return &Error{
		Kind:    KindPersistenceDegraded,
		Op:      resource,
		Message: fmt.Sprintf("%s: remote write failed, stored locally: %v", resource, remote),
		Err:     remote,
	}
}

func PersistenceLost(resource string, remote, local error) error {
	return &Error{
		Kind:    KindPersistenceLost,
		Op:      resource,
		Message: fmt.Sprintf("%s: remote write failed (%v) and local fallback failed (%v)", resource, remote, local),
		Err:     errors.Join(remote, local),
	}
}

func StorageUnavailable(op string, err error) error {
	return &Error{Kind: KindStorageUnavailable, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in the chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

func IsValidation(err error) bool          { return KindOf(err) == KindValidation }
func IsTransport(err error) bool           { return KindOf(err) == KindTransport }
func IsTaskFailed(err error) bool          { return KindOf(err) == KindTaskFailed }
func IsTaskTimeout(err error) bool         { return KindOf(err) == KindTaskTimeout }
func IsTaskCancelled(err error) bool       { return KindOf(err) == KindTaskCancelled }
func IsTaskNotFound(err error) bool        { return KindOf(err) == KindTaskNotFound }
func IsPersistenceDegraded(err error) bool { return KindOf(err) == KindPersistenceDegraded }
func IsPersistenceLost(err error) bool     { return KindOf(err) == KindPersistenceLost }
func IsStorageUnavailable(err error) bool  { return KindOf(err) == KindStorageUnavailable }

// IsSubmission reports whether err happened while submitting
func IsSubmission(err error) bool {
	var s *SubmissionError
	return errors.As(err, &s)
}
