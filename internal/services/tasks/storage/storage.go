// Package storage defines the persistence boundary for the task service.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/louisbranch/taskroom/internal/services/tasks/filter"
)

var (
	// ErrNotFound indicates a requested record is missing.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates a write conflicted with existing uniqueness constraints.
	ErrConflict = errors.New("record conflict")
)

// TaskRecord is one persisted task row.
type TaskRecord struct {
	ID          string
	OrgID       string
	RoomID      string
	Title       string
	Description string
	Status      string
	Priority    string
	DueAt       *time.Time
	CreatedBy   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// AssignmentRecord is one persisted task assignment row. At most one row
// exists per (task, assignee) pair.
type AssignmentRecord struct {
	ID          string
	TaskID      string
	AssigneeID  string
	AssignerID  string
	Status      string
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// CommentRecord is one persisted task comment row.
type CommentRecord struct {
	ID        string
	TaskID    string
	AuthorID  string
	Text      string
	CreatedAt time.Time
}

// StatusCounts aggregates org task counts by task status.
type StatusCounts struct {
	Total      int
	Pending    int
	InProgress int
	Completed  int
}

// ListTasksQuery scopes an org task listing. Extra is an optional
// equality-only condition produced by the filter package.
type ListTasksQuery struct {
	OrgID  string
	RoomID string
	Extra  filter.SQLCondition
}

// TaskStore persists task rows.
type TaskStore interface {
	PutTask(ctx context.Context, record TaskRecord) error
	GetTask(ctx context.Context, taskID string) (TaskRecord, error)
	// CreateTaskWithAssignments writes one task and its initial assignments
	// as a single transactional unit.
	CreateTaskWithAssignments(ctx context.Context, task TaskRecord, assignments []AssignmentRecord) error
	// ListTasks returns org tasks newest-first.
	ListTasks(ctx context.Context, query ListTasksQuery) ([]TaskRecord, error)
	// DeleteTaskCascade removes the task plus its assignments and comments
	// in one transaction.
	DeleteTaskCascade(ctx context.Context, taskID string) error
	CountTasksByStatus(ctx context.Context, orgID string) (StatusCounts, error)
}

// AssignmentStore persists assignment rows.
type AssignmentStore interface {
	// PutAssignment upserts on the unique (task_id, assigned_to) index.
	PutAssignment(ctx context.Context, record AssignmentRecord) error
	GetAssignment(ctx context.Context, taskID string, assigneeID string) (AssignmentRecord, error)
	// ListAssignmentsByTask returns assignments oldest-first.
	ListAssignmentsByTask(ctx context.Context, taskID string) ([]AssignmentRecord, error)
	DeleteAssignment(ctx context.Context, taskID string, assigneeID string) error
}

// CommentStore persists comment rows.
type CommentStore interface {
	PutComment(ctx context.Context, record CommentRecord) error
	// ListCommentsByTask returns comments oldest-first.
	ListCommentsByTask(ctx context.Context, taskID string) ([]CommentRecord, error)
}

// Store is the combined persistence boundary for the task service.
type Store interface {
	TaskStore
	AssignmentStore
	CommentStore
}
