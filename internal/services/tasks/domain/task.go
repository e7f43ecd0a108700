// Package domain implements the task lifecycle engine: task and assignment
// state, role policy, and the aggregate status rules that tie them together.
package domain

import (
	"strings"
	"time"

	apperrors "github.com/louisbranch/taskroom/internal/errors"
)

// Status is a task lifecycle status.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ParseStatus validates a task status value.
func ParseStatus(value string) (Status, error) {
	switch Status(strings.TrimSpace(value)) {
	case StatusPending:
		return StatusPending, nil
	case StatusInProgress:
		return StatusInProgress, nil
	case StatusCompleted:
		return StatusCompleted, nil
	case StatusCancelled:
		return StatusCancelled, nil
	default:
		return "", apperrors.New(apperrors.CodeTaskInvalidStatus, "unknown task status")
	}
}

// AssignmentStatus is a per-assignee status. Assignments are never cancelled
// individually; cancellation exists only at the task level.
type AssignmentStatus string

const (
	AssignmentPending    AssignmentStatus = "pending"
	AssignmentInProgress AssignmentStatus = "in_progress"
	AssignmentCompleted  AssignmentStatus = "completed"
)

// ParseAssignmentStatus validates an assignment status value.
func ParseAssignmentStatus(value string) (AssignmentStatus, error) {
	switch AssignmentStatus(strings.TrimSpace(value)) {
	case AssignmentPending:
		return AssignmentPending, nil
	case AssignmentInProgress:
		return AssignmentInProgress, nil
	case AssignmentCompleted:
		return AssignmentCompleted, nil
	default:
		return "", apperrors.New(apperrors.CodeAssignmentInvalidStatus, "unknown assignment status")
	}
}

// Priority is a task priority level.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// DefaultPriority is applied when task creation omits a priority.
const DefaultPriority = PriorityMedium

// ParsePriority validates a priority value. An empty value resolves to the
// default priority.
func ParsePriority(value string) (Priority, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return DefaultPriority, nil
	}
	switch Priority(trimmed) {
	case PriorityLow:
		return PriorityLow, nil
	case PriorityMedium:
		return PriorityMedium, nil
	case PriorityHigh:
		return PriorityHigh, nil
	case PriorityUrgent:
		return PriorityUrgent, nil
	default:
		return "", apperrors.New(apperrors.CodeTaskInvalidPriority, "unknown task priority")
	}
}

// Task is one unit of work owned by an organization.
type Task struct {
	ID          string
	OrgID       string
	RoomID      string
	Title       string
	Description string
	Status      Status
	Priority    Priority
	DueAt       *time.Time
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Assignment links one task to one assignee with its own status. At most one
// assignment exists per (task, assignee) pair.
type Assignment struct {
	ID          string
	TaskID      string
	AssigneeID  string
	AssignerID  string
	Status      AssignmentStatus
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Comment is one task comment. Comments never affect status.
type Comment struct {
	ID        string
	TaskID    string
	AuthorID  string
	Text      string
	CreatedAt time.Time
}

// TaskView is the presentation-facing read shape: a task decorated with its
// ordered assignments and comments.
type TaskView struct {
	Task
	Assignments []Assignment
	Comments    []Comment
}

// Stats aggregates org task counts computed from task status only.
type Stats struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
}
