// Package sqlite provides SQLite-backed persistence for the task service.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	sqlitemigrate "github.com/louisbranch/taskroom/internal/platform/storage/sqlitemigrate"
	"github.com/louisbranch/taskroom/internal/services/tasks/storage"
	"github.com/louisbranch/taskroom/internal/services/tasks/storage/sqlite/migrations"
	_ "modernc.org/sqlite"
)

// Store provides SQLite-backed persistence for task state.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a task SQLite store at the provided path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_pragma=foreign_keys(ON)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	store := &Store{sqlDB: sqlDB}
	if err := store.runMigrations(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return store, nil
}

// Close closes the underlying SQLite database.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

func (s *Store) runMigrations() error {
	return sqlitemigrate.ApplyMigrations(s.sqlDB, migrations.FS, "")
}

// PutTask upserts one task row.
func (s *Store) PutTask(ctx context.Context, record storage.TaskRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeTaskRecord(record)
	if err != nil {
		return err
	}
	return putTaskExec(ctx, s.sqlDB, normalized)
}

// GetTask loads one task row by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (storage.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.TaskRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.TaskRecord{}, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return storage.TaskRecord{}, fmt.Errorf("task id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, org_id, room_id, title, description, status, priority, due_at, created_by, created_at, updated_at
FROM tasks
WHERE id = ?
`, taskID)
	record, err := scanTask(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.TaskRecord{}, storage.ErrNotFound
		}
		return storage.TaskRecord{}, fmt.Errorf("get task: %w", err)
	}
	return record, nil
}

// CreateTaskWithAssignments atomically persists one task with its initial assignments.
func (s *Store) CreateTaskWithAssignments(ctx context.Context, task storage.TaskRecord, assignments []storage.AssignmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}

	normalizedTask, err := normalizeTaskRecord(task)
	if err != nil {
		return err
	}
	normalizedAssignments := make([]storage.AssignmentRecord, 0, len(assignments))
	for _, assignment := range assignments {
		normalized, normalizeErr := normalizeAssignmentRecord(assignment)
		if normalizeErr != nil {
			return normalizeErr
		}
		normalizedAssignments = append(normalizedAssignments, normalized)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task bootstrap write: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback task bootstrap write: %v", cause, rollbackErr)
		}
		return cause
	}

	if err := putTaskExec(ctx, tx, normalizedTask); err != nil {
		return rollbackWith(err)
	}
	for _, assignment := range normalizedAssignments {
		if err := putAssignmentExec(ctx, tx, assignment); err != nil {
			return rollbackWith(err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task bootstrap write: %w", err)
	}
	return nil
}

// ListTasks lists org tasks newest-first, optionally scoped to a room and an
// extra equality condition.
func (s *Store) ListTasks(ctx context.Context, query storage.ListTasksQuery) ([]storage.TaskRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	orgID := strings.TrimSpace(query.OrgID)
	if orgID == "" {
		return nil, fmt.Errorf("org id is required")
	}

	clauses := []string{"org_id = ?"}
	params := []any{orgID}
	if roomID := strings.TrimSpace(query.RoomID); roomID != "" {
		clauses = append(clauses, "room_id = ?")
		params = append(params, roomID)
	}
	if strings.TrimSpace(query.Extra.Clause) != "" {
		clauses = append(clauses, query.Extra.Clause)
		params = append(params, query.Extra.Params...)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, org_id, room_id, title, description, status, priority, due_at, created_by, created_at, updated_at
FROM tasks
WHERE `+strings.Join(clauses, " AND ")+`
ORDER BY created_at DESC, id DESC
`, params...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var results []storage.TaskRecord
	for rows.Next() {
		record, scanErr := scanTask(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan task row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate task rows: %w", err)
	}
	return results, nil
}

// DeleteTaskCascade removes one task with its assignments and comments in a
// single transaction. The store carries no declarative cascade; dependent
// deletes are issued explicitly.
func (s *Store) DeleteTaskCascade(ctx context.Context, taskID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin task cascade delete: %w", err)
	}
	rollbackWith := func(cause error) error {
		if rollbackErr := tx.Rollback(); rollbackErr != nil {
			return fmt.Errorf("%w: rollback task cascade delete: %v", cause, rollbackErr)
		}
		return cause
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM task_comments WHERE task_id = ?", taskID); err != nil {
		return rollbackWith(fmt.Errorf("delete task comments: %w", err))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM task_assignments WHERE task_id = ?", taskID); err != nil {
		return rollbackWith(fmt.Errorf("delete task assignments: %w", err))
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", taskID)
	if err != nil {
		return rollbackWith(fmt.Errorf("delete task: %w", err))
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return rollbackWith(fmt.Errorf("delete task rows affected: %w", err))
	}
	if affected == 0 {
		return rollbackWith(storage.ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit task cascade delete: %w", err)
	}
	return nil
}

// CountTasksByStatus aggregates org task counts from task status only.
func (s *Store) CountTasksByStatus(ctx context.Context, orgID string) (storage.StatusCounts, error) {
	if err := ctx.Err(); err != nil {
		return storage.StatusCounts{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.StatusCounts{}, fmt.Errorf("storage is not configured")
	}
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return storage.StatusCounts{}, fmt.Errorf("org id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT status, COUNT(1)
FROM tasks
WHERE org_id = ?
GROUP BY status
`, orgID)
	if err != nil {
		return storage.StatusCounts{}, fmt.Errorf("count tasks: %w", err)
	}
	defer rows.Close()

	var counts storage.StatusCounts
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return storage.StatusCounts{}, fmt.Errorf("scan task count row: %w", err)
		}
		counts.Total += count
		switch status {
		case "pending":
			counts.Pending = count
		case "in_progress":
			counts.InProgress = count
		case "completed":
			counts.Completed = count
		}
	}
	if err := rows.Err(); err != nil {
		return storage.StatusCounts{}, fmt.Errorf("iterate task count rows: %w", err)
	}
	return counts, nil
}

// PutAssignment upserts one assignment row keyed on the unique
// (task_id, assigned_to) index; a colliding insert updates the existing row
// instead of producing a second one.
func (s *Store) PutAssignment(ctx context.Context, record storage.AssignmentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeAssignmentRecord(record)
	if err != nil {
		return err
	}
	return putAssignmentExec(ctx, s.sqlDB, normalized)
}

// GetAssignment loads the unique assignment for one (task, assignee) pair.
func (s *Store) GetAssignment(ctx context.Context, taskID string, assigneeID string) (storage.AssignmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return storage.AssignmentRecord{}, err
	}
	if s == nil || s.sqlDB == nil {
		return storage.AssignmentRecord{}, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	assigneeID = strings.TrimSpace(assigneeID)
	if taskID == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("task id is required")
	}
	if assigneeID == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("assignee id is required")
	}

	row := s.sqlDB.QueryRowContext(ctx, `
SELECT id, task_id, assigned_to, assigned_by, status, completed_at, created_at
FROM task_assignments
WHERE task_id = ? AND assigned_to = ?
`, taskID, assigneeID)
	record, err := scanAssignment(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return storage.AssignmentRecord{}, storage.ErrNotFound
		}
		return storage.AssignmentRecord{}, fmt.Errorf("get assignment: %w", err)
	}
	return record, nil
}

// ListAssignmentsByTask lists task assignments oldest-first.
func (s *Store) ListAssignmentsByTask(ctx context.Context, taskID string) ([]storage.AssignmentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, task_id, assigned_to, assigned_by, status, completed_at, created_at
FROM task_assignments
WHERE task_id = ?
ORDER BY created_at ASC, id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	var results []storage.AssignmentRecord
	for rows.Next() {
		record, scanErr := scanAssignment(rows.Scan)
		if scanErr != nil {
			return nil, fmt.Errorf("scan assignment row: %w", scanErr)
		}
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignment rows: %w", err)
	}
	return results, nil
}

// DeleteAssignment removes the unique assignment for one (task, assignee) pair.
func (s *Store) DeleteAssignment(ctx context.Context, taskID string, assigneeID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	assigneeID = strings.TrimSpace(assigneeID)
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	if assigneeID == "" {
		return fmt.Errorf("assignee id is required")
	}

	result, err := s.sqlDB.ExecContext(ctx, `
DELETE FROM task_assignments
WHERE task_id = ? AND assigned_to = ?
`, taskID, assigneeID)
	if err != nil {
		return fmt.Errorf("delete assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete assignment rows affected: %w", err)
	}
	if affected == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// PutComment persists one comment row.
func (s *Store) PutComment(ctx context.Context, record storage.CommentRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	normalized, err := normalizeCommentRecord(record)
	if err != nil {
		return err
	}

	_, err = s.sqlDB.ExecContext(ctx, `
	INSERT INTO task_comments (
		id, task_id, user_id, comment, created_at
	) VALUES (?, ?, ?, ?, ?)
	`,
		normalized.ID,
		normalized.TaskID,
		normalized.AuthorID,
		normalized.Text,
		toMillis(normalized.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put comment: %w", err)
	}
	return nil
}

// ListCommentsByTask lists task comments oldest-first.
func (s *Store) ListCommentsByTask(ctx context.Context, taskID string) ([]storage.CommentRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	taskID = strings.TrimSpace(taskID)
	if taskID == "" {
		return nil, fmt.Errorf("task id is required")
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, task_id, user_id, comment, created_at
FROM task_comments
WHERE task_id = ?
ORDER BY created_at ASC, id ASC
`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var results []storage.CommentRecord
	for rows.Next() {
		var record storage.CommentRecord
		var createdAt int64
		if err := rows.Scan(&record.ID, &record.TaskID, &record.AuthorID, &record.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scan comment row: %w", err)
		}
		record.CreatedAt = fromMillis(createdAt)
		results = append(results, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment rows: %w", err)
	}
	return results, nil
}

type scanner func(dest ...any) error

type sqlExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func normalizeTaskRecord(record storage.TaskRecord) (storage.TaskRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.OrgID = strings.TrimSpace(record.OrgID)
	record.RoomID = strings.TrimSpace(record.RoomID)
	record.Title = strings.TrimSpace(record.Title)
	record.Status = strings.TrimSpace(record.Status)
	record.Priority = strings.TrimSpace(record.Priority)
	record.CreatedBy = strings.TrimSpace(record.CreatedBy)
	if record.ID == "" {
		return storage.TaskRecord{}, fmt.Errorf("task id is required")
	}
	if record.OrgID == "" {
		return storage.TaskRecord{}, fmt.Errorf("org id is required")
	}
	if record.Title == "" {
		return storage.TaskRecord{}, fmt.Errorf("task title is required")
	}
	if record.Status == "" {
		return storage.TaskRecord{}, fmt.Errorf("task status is required")
	}
	if record.Priority == "" {
		return storage.TaskRecord{}, fmt.Errorf("task priority is required")
	}
	if record.CreatedBy == "" {
		return storage.TaskRecord{}, fmt.Errorf("task creator is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.TaskRecord{}, fmt.Errorf("created_at is required")
	}
	if record.UpdatedAt.IsZero() {
		return storage.TaskRecord{}, fmt.Errorf("updated_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	record.UpdatedAt = record.UpdatedAt.UTC()
	if record.DueAt != nil {
		dueAt := record.DueAt.UTC()
		record.DueAt = &dueAt
	}
	return record, nil
}

func normalizeAssignmentRecord(record storage.AssignmentRecord) (storage.AssignmentRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TaskID = strings.TrimSpace(record.TaskID)
	record.AssigneeID = strings.TrimSpace(record.AssigneeID)
	record.AssignerID = strings.TrimSpace(record.AssignerID)
	record.Status = strings.TrimSpace(record.Status)
	if record.ID == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("assignment id is required")
	}
	if record.TaskID == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("task id is required")
	}
	if record.AssigneeID == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("assignee id is required")
	}
	if record.AssignerID == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("assigner id is required")
	}
	if record.Status == "" {
		return storage.AssignmentRecord{}, fmt.Errorf("assignment status is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.AssignmentRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	if record.CompletedAt != nil {
		completedAt := record.CompletedAt.UTC()
		record.CompletedAt = &completedAt
	}
	return record, nil
}

func normalizeCommentRecord(record storage.CommentRecord) (storage.CommentRecord, error) {
	record.ID = strings.TrimSpace(record.ID)
	record.TaskID = strings.TrimSpace(record.TaskID)
	record.AuthorID = strings.TrimSpace(record.AuthorID)
	record.Text = strings.TrimSpace(record.Text)
	if record.ID == "" {
		return storage.CommentRecord{}, fmt.Errorf("comment id is required")
	}
	if record.TaskID == "" {
		return storage.CommentRecord{}, fmt.Errorf("task id is required")
	}
	if record.AuthorID == "" {
		return storage.CommentRecord{}, fmt.Errorf("comment author is required")
	}
	if record.Text == "" {
		return storage.CommentRecord{}, fmt.Errorf("comment text is required")
	}
	if record.CreatedAt.IsZero() {
		return storage.CommentRecord{}, fmt.Errorf("created_at is required")
	}
	record.CreatedAt = record.CreatedAt.UTC()
	return record, nil
}

func putTaskExec(ctx context.Context, execer sqlExecer, record storage.TaskRecord) error {
	var dueAt sql.NullInt64
	if record.DueAt != nil {
		dueAt = sql.NullInt64{Int64: toMillis(*record.DueAt), Valid: true}
	}

	_, err := execer.ExecContext(ctx, `
	INSERT INTO tasks (
		id, org_id, room_id, title, description, status, priority, due_at, created_by, created_at, updated_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		org_id = excluded.org_id,
		room_id = excluded.room_id,
		title = excluded.title,
		description = excluded.description,
		status = excluded.status,
		priority = excluded.priority,
		due_at = excluded.due_at,
		created_by = excluded.created_by,
		created_at = excluded.created_at,
		updated_at = excluded.updated_at
	`,
		record.ID,
		record.OrgID,
		record.RoomID,
		record.Title,
		record.Description,
		record.Status,
		record.Priority,
		dueAt,
		record.CreatedBy,
		toMillis(record.CreatedAt),
		toMillis(record.UpdatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put task: %w", err)
	}
	return nil
}

func putAssignmentExec(ctx context.Context, execer sqlExecer, record storage.AssignmentRecord) error {
	var completedAt sql.NullInt64
	if record.CompletedAt != nil {
		completedAt = sql.NullInt64{Int64: toMillis(*record.CompletedAt), Valid: true}
	}

	_, err := execer.ExecContext(ctx, `
	INSERT INTO task_assignments (
		id, task_id, assigned_to, assigned_by, status, completed_at, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(task_id, assigned_to) DO UPDATE SET
		assigned_by = excluded.assigned_by,
		status = excluded.status,
		completed_at = excluded.completed_at
	`,
		record.ID,
		record.TaskID,
		record.AssigneeID,
		record.AssignerID,
		record.Status,
		completedAt,
		toMillis(record.CreatedAt),
	)
	if err != nil {
		if isUniqueConstraintError(err) || isForeignKeyConstraintError(err) {
			return storage.ErrConflict
		}
		return fmt.Errorf("put assignment: %w", err)
	}
	return nil
}

func scanTask(scan scanner) (storage.TaskRecord, error) {
	var record storage.TaskRecord
	var dueAt sql.NullInt64
	var createdAt int64
	var updatedAt int64
	if err := scan(
		&record.ID,
		&record.OrgID,
		&record.RoomID,
		&record.Title,
		&record.Description,
		&record.Status,
		&record.Priority,
		&dueAt,
		&record.CreatedBy,
		&createdAt,
		&updatedAt,
	); err != nil {
		return storage.TaskRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	record.UpdatedAt = fromMillis(updatedAt)
	if dueAt.Valid {
		value := fromMillis(dueAt.Int64)
		record.DueAt = &value
	}
	return record, nil
}

func scanAssignment(scan scanner) (storage.AssignmentRecord, error) {
	var record storage.AssignmentRecord
	var completedAt sql.NullInt64
	var createdAt int64
	if err := scan(
		&record.ID,
		&record.TaskID,
		&record.AssigneeID,
		&record.AssignerID,
		&record.Status,
		&completedAt,
		&createdAt,
	); err != nil {
		return storage.AssignmentRecord{}, err
	}
	record.CreatedAt = fromMillis(createdAt)
	if completedAt.Valid {
		value := fromMillis(completedAt.Int64)
		record.CompletedAt = &value
	}
	return record, nil
}

func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "unique constraint failed")
}

func isForeignKeyConstraintError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "foreign key constraint failed")
}
