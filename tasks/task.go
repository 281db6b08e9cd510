// Package tasks holds the per-object task records returned to callers and the
// completer that moves them to a terminal status.
package tasks

import (
	"time"
)

// Status is the lifecycle state of a task
type Status string

const (
	StatusPending Status = "pending"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// Terminal reports whether the status is final
func (s Status) Terminal() bool {
	return s == StatusReady || s == StatusError
}

// TaskError is the error detail recorded on a failed task
type TaskError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Task tracks one object affected by a request
type Task struct {
	ID           string     `json:"id"`
	ResourceType string     `json:"resourceType"`
	ResourceID   string     `json:"resourceId"`
	OpID         string     `json:"opId"`
	WorkflowID   string     `json:"workflowId,omitempty"`
	Description  string     `json:"description,omitempty"`
	Status       Status     `json:"status"`
	Error        *TaskError `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	CompletedAt  time.Time  `json:"completedAt,omitempty"`
}
