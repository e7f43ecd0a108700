package domain

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	apperrors "github.com/louisbranch/taskroom/internal/errors"
	"github.com/louisbranch/taskroom/internal/platform/id"
	"github.com/louisbranch/taskroom/internal/platform/requestctx"
	"github.com/louisbranch/taskroom/internal/services/tasks/filter"
	"github.com/louisbranch/taskroom/internal/services/tasks/storage"
)

// Member is one org roster entry resolved by the directory.
type Member struct {
	UserID      string
	DisplayName string
	Role        Role
}

// Directory resolves caller roles and organization rosters.
type Directory interface {
	RoleOf(ctx context.Context, orgID string, userID string) (Role, error)
	Members(ctx context.Context, orgID string) ([]Member, error)
}

// taskLockStripes bounds the lock set guarding task status writes.
const taskLockStripes = 64

// Service is the task lifecycle engine. All mutations flow through it; the
// store is never written directly by callers.
type Service struct {
	store                storage.Store
	directory            Directory
	clock                func() time.Time
	newID                func() (string, error)
	startOnFirstProgress bool

	taskLocks [taskLockStripes]sync.Mutex
}

// Option configures a Service.
type Option func(*Service)

// WithClock injects a deterministic clock.
func WithClock(clock func() time.Time) Option {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithIDGenerator injects a deterministic id source.
func WithIDGenerator(newID func() (string, error)) Option {
	return func(s *Service) {
		if newID != nil {
			s.newID = newID
		}
	}
}

// WithStartTaskOnFirstProgress toggles the optional rule that moves a pending
// task to in_progress when one of its assignments starts. The rule runs
// before the completion rule and never touches a cancelled task.
func WithStartTaskOnFirstProgress(enabled bool) Option {
	return func(s *Service) {
		s.startOnFirstProgress = enabled
	}
}

// NewService constructs the task lifecycle engine.
func NewService(store storage.Store, directory Directory, opts ...Option) *Service {
	s := &Service{
		store:                store,
		directory:            directory,
		clock:                time.Now,
		newID:                id.NewID,
		startOnFirstProgress: true,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateTaskInput describes one task creation request.
type CreateTaskInput struct {
	OrgID       string
	RoomID      string
	Title       string
	Description string
	Priority    string
	DueAt       *time.Time
	AssigneeIDs []string
}

// CreateTask creates one task with its initial assignments as a single
// transactional unit. The task status is forced to pending regardless of
// caller input, and duplicate assignee ids collapse before insert.
func (s *Service) CreateTask(ctx context.Context, input CreateTaskInput) (Task, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return Task{}, err
	}
	orgID := strings.TrimSpace(input.OrgID)
	if orgID == "" {
		return Task{}, apperrors.New(apperrors.CodeTaskOrgEmpty, "org id is required")
	}
	title := strings.TrimSpace(input.Title)
	if title == "" {
		return Task{}, apperrors.New(apperrors.CodeTaskTitleEmpty, "task title is required")
	}
	priority, err := ParsePriority(input.Priority)
	if err != nil {
		return Task{}, err
	}
	assignees := dedupeIDs(input.AssigneeIDs)
	if len(assignees) == 0 {
		return Task{}, apperrors.New(apperrors.CodeAssignmentAssigneeEmpty, "at least one assignee is required")
	}

	role := s.roleOf(ctx, orgID, caller)
	if !CanCreateTask(role) {
		return Task{}, apperrors.New(apperrors.CodeForbidden, "only org admins may create tasks")
	}

	taskID, err := s.newID()
	if err != nil {
		return Task{}, err
	}
	now := s.nowUTC()
	task := Task{
		ID:          taskID,
		OrgID:       orgID,
		RoomID:      strings.TrimSpace(input.RoomID),
		Title:       title,
		Description: strings.TrimSpace(input.Description),
		Status:      StatusPending,
		Priority:    priority,
		DueAt:       input.DueAt,
		CreatedBy:   caller,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	assignments := make([]storage.AssignmentRecord, 0, len(assignees))
	for _, assignee := range assignees {
		assignmentID, idErr := s.newID()
		if idErr != nil {
			return Task{}, idErr
		}
		assignments = append(assignments, storage.AssignmentRecord{
			ID:         assignmentID,
			TaskID:     taskID,
			AssigneeID: assignee,
			AssignerID: caller,
			Status:     string(AssignmentPending),
			CreatedAt:  now,
		})
	}

	if err := s.store.CreateTaskWithAssignments(ctx, taskToRecord(task), assignments); err != nil {
		return Task{}, storeError("create task", err)
	}
	return task, nil
}

// UpdateTaskPatch is a partial task update. Nil fields are left unchanged.
type UpdateTaskPatch struct {
	Title       *string
	Description *string
	Status      *string
	Priority    *string
	DueAt       *time.Time
	ClearDueAt  bool
}

func (p UpdateTaskPatch) empty() bool {
	return p.Title == nil && p.Description == nil && p.Status == nil &&
		p.Priority == nil && p.DueAt == nil && !p.ClearDueAt
}

func (p UpdateTaskPatch) touchesDetails() bool {
	return p.Title != nil || p.Description != nil || p.Priority != nil ||
		p.DueAt != nil || p.ClearDueAt
}

// UpdateTask applies a partial update to one task. Admins may change any
// field; assignees may change only the status; everyone else is forbidden.
// The read-modify-write runs under the per-task lock so it cannot interleave
// with an aggregate recompute.
func (s *Service) UpdateTask(ctx context.Context, taskID string, patch UpdateTaskPatch) (Task, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return Task{}, err
	}
	if patch.empty() {
		return Task{}, apperrors.New(apperrors.CodeTaskEmptyPatch, "task patch is empty")
	}

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Task{}, storeError("update task", err)
	}
	task := taskFromRecord(record)
	role := s.roleOf(ctx, task.OrgID, caller)

	if patch.touchesDetails() && !CanEditTaskDetails(role) {
		return Task{}, apperrors.New(apperrors.CodeForbidden, "only org admins may edit task details")
	}
	if patch.Status != nil {
		assignments, listErr := s.listAssignments(ctx, task.ID)
		if listErr != nil {
			return Task{}, listErr
		}
		if !CanSetTaskStatus(role, caller, assignments) {
			return Task{}, apperrors.New(apperrors.CodeForbidden, "caller may not set task status")
		}
		status, parseErr := ParseStatus(*patch.Status)
		if parseErr != nil {
			return Task{}, parseErr
		}
		task.Status = status
	}

	if patch.Title != nil {
		title := strings.TrimSpace(*patch.Title)
		if title == "" {
			return Task{}, apperrors.New(apperrors.CodeTaskTitleEmpty, "task title is required")
		}
		task.Title = title
	}
	if patch.Description != nil {
		task.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.Priority != nil {
		priority, parseErr := ParsePriority(*patch.Priority)
		if parseErr != nil {
			return Task{}, parseErr
		}
		task.Priority = priority
	}
	if patch.ClearDueAt {
		task.DueAt = nil
	} else if patch.DueAt != nil {
		task.DueAt = patch.DueAt
	}

	task.UpdatedAt = s.nowUTC()
	if err := s.store.PutTask(ctx, taskToRecord(task)); err != nil {
		return Task{}, storeError("update task", err)
	}
	return task, nil
}

// DeleteTask removes one task and cascades its assignments and comments.
// Admin-only.
func (s *Service) DeleteTask(ctx context.Context, taskID string) error {
	caller, err := s.caller(ctx)
	if err != nil {
		return err
	}
	record, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return storeError("delete task", err)
	}
	role := s.roleOf(ctx, record.OrgID, caller)
	if !CanDeleteTask(role) {
		return apperrors.New(apperrors.CodeForbidden, "only org admins may delete tasks")
	}
	if err := s.store.DeleteTaskCascade(ctx, taskID); err != nil {
		return storeError("delete task", err)
	}
	return nil
}

// UpdateAssignmentStatus sets the status of the unique assignment for one
// (task, assignee) pair, then recomputes the task's aggregate status. The
// whole read-decide-write sequence runs under the per-task lock so two
// assignees completing concurrently cannot both miss the roll-up, and a task
// status update cannot interleave with the recompute.
func (s *Service) UpdateAssignmentStatus(ctx context.Context, taskID string, assigneeID string, status string) (Assignment, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return Assignment{}, err
	}
	assigneeID = strings.TrimSpace(assigneeID)
	if assigneeID == "" {
		return Assignment{}, apperrors.New(apperrors.CodeAssignmentAssigneeEmpty, "assignee id is required")
	}
	next, err := ParseAssignmentStatus(status)
	if err != nil {
		return Assignment{}, err
	}

	lock := s.taskLock(taskID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Assignment{}, storeError("update assignment status", err)
	}
	task := taskFromRecord(record)
	role := s.roleOf(ctx, task.OrgID, caller)
	if !CanSetAssignmentStatus(role, caller, assigneeID) {
		return Assignment{}, apperrors.New(apperrors.CodeForbidden, "caller may not update this assignment")
	}

	assignmentRecord, err := s.store.GetAssignment(ctx, task.ID, assigneeID)
	if err != nil {
		return Assignment{}, storeError("update assignment status", err)
	}
	assignment := assignmentFromRecord(assignmentRecord)
	assignment.Status = next
	if next == AssignmentCompleted {
		completedAt := s.nowUTC()
		assignment.CompletedAt = &completedAt
	} else {
		assignment.CompletedAt = nil
	}
	if err := s.store.PutAssignment(ctx, assignmentToRecord(assignment)); err != nil {
		return Assignment{}, storeError("update assignment status", err)
	}

	if err := s.recomputeTaskStatus(ctx, task.ID, next); err != nil {
		return Assignment{}, err
	}
	return assignment, nil
}

// recomputeTaskStatus applies the engine's automatic transitions after an
// assignment write. It runs under the per-task lock and re-reads the task so
// a status change committed after the triggering read is never overwritten.
// The only unconditional rule is completion on unanimity; the optional start
// rule runs first. Cancelled tasks are never touched, and there is no
// auto-reopen.
func (s *Service) recomputeTaskStatus(ctx context.Context, taskID string, trigger AssignmentStatus) error {
	record, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return storeError("recompute task status", err)
	}
	task := taskFromRecord(record)
	if task.Status == StatusCancelled {
		return nil
	}

	next := task.Status
	if s.startOnFirstProgress && trigger == AssignmentInProgress && task.Status == StatusPending {
		next = StatusInProgress
	}

	assignments, err := s.listAssignments(ctx, task.ID)
	if err != nil {
		return err
	}
	if len(assignments) > 0 && allCompleted(assignments) {
		next = StatusCompleted
	}

	if next == task.Status {
		return nil
	}
	task.Status = next
	task.UpdatedAt = s.nowUTC()
	if err := s.store.PutTask(ctx, taskToRecord(task)); err != nil {
		return storeError("recompute task status", err)
	}
	return nil
}

// AssignUsers adds assignments for the given users. Admin-only. An assignee
// that already holds an assignment collapses to the existing row.
func (s *Service) AssignUsers(ctx context.Context, taskID string, assigneeIDs []string) ([]Assignment, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	assignees := dedupeIDs(assigneeIDs)
	if len(assignees) == 0 {
		return nil, apperrors.New(apperrors.CodeAssignmentAssigneeEmpty, "at least one assignee is required")
	}

	record, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, storeError("assign users", err)
	}
	role := s.roleOf(ctx, record.OrgID, caller)
	if role != RoleAdmin {
		return nil, apperrors.New(apperrors.CodeForbidden, "only org admins may assign users")
	}

	now := s.nowUTC()
	results := make([]Assignment, 0, len(assignees))
	for _, assignee := range assignees {
		existing, getErr := s.store.GetAssignment(ctx, record.ID, assignee)
		if getErr == nil {
			results = append(results, assignmentFromRecord(existing))
			continue
		}
		if !errors.Is(getErr, storage.ErrNotFound) {
			return nil, storeError("assign users", getErr)
		}

		assignmentID, idErr := s.newID()
		if idErr != nil {
			return nil, idErr
		}
		assignment := Assignment{
			ID:         assignmentID,
			TaskID:     record.ID,
			AssigneeID: assignee,
			AssignerID: caller,
			Status:     AssignmentPending,
			CreatedAt:  now,
		}
		if putErr := s.store.PutAssignment(ctx, assignmentToRecord(assignment)); putErr != nil {
			return nil, storeError("assign users", putErr)
		}
		results = append(results, assignment)
	}
	return results, nil
}

// RemoveAssignment removes the unique assignment for one (task, assignee)
// pair. Admin-only.
func (s *Service) RemoveAssignment(ctx context.Context, taskID string, assigneeID string) error {
	caller, err := s.caller(ctx)
	if err != nil {
		return err
	}
	record, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return storeError("remove assignment", err)
	}
	role := s.roleOf(ctx, record.OrgID, caller)
	if role != RoleAdmin {
		return apperrors.New(apperrors.CodeForbidden, "only org admins may remove assignments")
	}
	if err := s.store.DeleteAssignment(ctx, taskID, strings.TrimSpace(assigneeID)); err != nil {
		return storeError("remove assignment", err)
	}
	return nil
}

// AddComment appends one comment to a task visible to the caller. Comments
// carry no status side effects.
func (s *Service) AddComment(ctx context.Context, taskID string, text string) (Comment, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return Comment{}, err
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return Comment{}, apperrors.New(apperrors.CodeCommentTextEmpty, "comment text is required")
	}

	record, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return Comment{}, storeError("add comment", err)
	}
	role := s.roleOf(ctx, record.OrgID, caller)
	assignments, err := s.listAssignments(ctx, record.ID)
	if err != nil {
		return Comment{}, err
	}
	if !CanComment(role, caller, assignments) {
		return Comment{}, apperrors.New(apperrors.CodeForbidden, "caller may not comment on this task")
	}

	commentID, err := s.newID()
	if err != nil {
		return Comment{}, err
	}
	comment := Comment{
		ID:        commentID,
		TaskID:    record.ID,
		AuthorID:  caller,
		Text:      text,
		CreatedAt: s.nowUTC(),
	}
	if err := s.store.PutComment(ctx, storage.CommentRecord{
		ID:        comment.ID,
		TaskID:    comment.TaskID,
		AuthorID:  comment.AuthorID,
		Text:      comment.Text,
		CreatedAt: comment.CreatedAt,
	}); err != nil {
		return Comment{}, storeError("add comment", err)
	}
	return comment, nil
}

// ListTasksInput scopes one role-filtered task listing.
type ListTasksInput struct {
	OrgID  string
	RoomID string
	// Filter is an optional AIP-160 expression over room_id, status,
	// priority, and created_by.
	Filter string
}

// ListTasks returns the caller's visible tasks newest-first, each decorated
// with its visible assignments and its comments oldest-first. Admins see all
// org tasks; members only tasks carrying their own assignment. The room
// scope applies on top of role filtering, never instead of it.
func (s *Service) ListTasks(ctx context.Context, input ListTasksInput) ([]TaskView, error) {
	caller, err := s.caller(ctx)
	if err != nil {
		return nil, err
	}
	orgID := strings.TrimSpace(input.OrgID)
	if orgID == "" {
		return nil, apperrors.New(apperrors.CodeTaskOrgEmpty, "org id is required")
	}
	condition, err := filter.ParseTaskFilter(input.Filter)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeTaskInvalidFilter, "invalid task filter", err)
	}
	role := s.roleOf(ctx, orgID, caller)

	records, err := s.store.ListTasks(ctx, storage.ListTasksQuery{
		OrgID:  orgID,
		RoomID: strings.TrimSpace(input.RoomID),
		Extra:  condition,
	})
	if err != nil {
		return nil, storeError("list tasks", err)
	}

	views := make([]TaskView, 0, len(records))
	for _, record := range records {
		assignments, listErr := s.listAssignments(ctx, record.ID)
		if listErr != nil {
			return nil, listErr
		}
		if !CanViewTask(role, caller, assignments) {
			continue
		}
		commentRecords, commentErr := s.store.ListCommentsByTask(ctx, record.ID)
		if commentErr != nil {
			return nil, storeError("list tasks", commentErr)
		}
		comments := make([]Comment, 0, len(commentRecords))
		for _, c := range commentRecords {
			comments = append(comments, Comment{
				ID:        c.ID,
				TaskID:    c.TaskID,
				AuthorID:  c.AuthorID,
				Text:      c.Text,
				CreatedAt: c.CreatedAt,
			})
		}
		views = append(views, TaskView{
			Task:        taskFromRecord(record),
			Assignments: VisibleAssignments(role, caller, assignments),
			Comments:    comments,
		})
	}
	return views, nil
}

// Stats aggregates org task counts from task status only.
func (s *Service) Stats(ctx context.Context, orgID string) (Stats, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return Stats{}, apperrors.New(apperrors.CodeTaskOrgEmpty, "org id is required")
	}
	counts, err := s.store.CountTasksByStatus(ctx, orgID)
	if err != nil {
		return Stats{}, storeError("task stats", err)
	}
	return Stats{
		Total:      counts.Total,
		Pending:    counts.Pending,
		InProgress: counts.InProgress,
		Completed:  counts.Completed,
	}, nil
}

func (s *Service) caller(ctx context.Context) (string, error) {
	caller := strings.TrimSpace(requestctx.UserIDFromContext(ctx))
	if caller == "" {
		return "", apperrors.New(apperrors.CodeUnauthenticated, "caller identity is required")
	}
	return caller, nil
}

// roleOf resolves the caller's org role, failing closed to member on any
// lookup problem.
func (s *Service) roleOf(ctx context.Context, orgID string, userID string) Role {
	if s.directory == nil {
		return RoleMember
	}
	role, err := s.directory.RoleOf(ctx, orgID, userID)
	if err != nil {
		return RoleMember
	}
	if role != RoleAdmin {
		return RoleMember
	}
	return role
}

func (s *Service) listAssignments(ctx context.Context, taskID string) ([]Assignment, error) {
	records, err := s.store.ListAssignmentsByTask(ctx, taskID)
	if err != nil {
		return nil, storeError("list assignments", err)
	}
	assignments := make([]Assignment, 0, len(records))
	for _, record := range records {
		assignments = append(assignments, assignmentFromRecord(record))
	}
	return assignments, nil
}

// taskLock returns the stripe lock guarding status writes for taskID. The
// stripe set is fixed-size: distinct tasks may share a lock, the same task
// never maps to two.
func (s *Service) taskLock(taskID string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.TrimSpace(taskID)))
	return &s.taskLocks[h.Sum32()%taskLockStripes]
}

func (s *Service) nowUTC() time.Time {
	if s.clock == nil {
		return time.Now().UTC()
	}
	return s.clock().UTC()
}

func allCompleted(assignments []Assignment) bool {
	for _, assignment := range assignments {
		if assignment.Status != AssignmentCompleted {
			return false
		}
	}
	return true
}

func dedupeIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	result := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := strings.TrimSpace(raw)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		result = append(result, id)
	}
	return result
}

func storeError(op string, err error) error {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return apperrors.Wrap(apperrors.CodeNotFound, op+": record not found", err)
	case errors.Is(err, storage.ErrConflict):
		return apperrors.Wrap(apperrors.CodeConflict, op+": write conflict", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnknown, op+" failed", err)
	}
}

func taskToRecord(task Task) storage.TaskRecord {
	return storage.TaskRecord{
		ID:          task.ID,
		OrgID:       task.OrgID,
		RoomID:      task.RoomID,
		Title:       task.Title,
		Description: task.Description,
		Status:      string(task.Status),
		Priority:    string(task.Priority),
		DueAt:       task.DueAt,
		CreatedBy:   task.CreatedBy,
		CreatedAt:   task.CreatedAt,
		UpdatedAt:   task.UpdatedAt,
	}
}

func taskFromRecord(record storage.TaskRecord) Task {
	return Task{
		ID:          record.ID,
		OrgID:       record.OrgID,
		RoomID:      record.RoomID,
		Title:       record.Title,
		Description: record.Description,
		Status:      Status(record.Status),
		Priority:    Priority(record.Priority),
		DueAt:       record.DueAt,
		CreatedBy:   record.CreatedBy,
		CreatedAt:   record.CreatedAt,
		UpdatedAt:   record.UpdatedAt,
	}
}

func assignmentToRecord(assignment Assignment) storage.AssignmentRecord {
	return storage.AssignmentRecord{
		ID:          assignment.ID,
		TaskID:      assignment.TaskID,
		AssigneeID:  assignment.AssigneeID,
		AssignerID:  assignment.AssignerID,
		Status:      string(assignment.Status),
		CompletedAt: assignment.CompletedAt,
		CreatedAt:   assignment.CreatedAt,
	}
}

func assignmentFromRecord(record storage.AssignmentRecord) Assignment {
	return Assignment{
		ID:          record.ID,
		TaskID:      record.TaskID,
		AssigneeID:  record.AssigneeID,
		AssignerID:  record.AssignerID,
		Status:      AssignmentStatus(record.Status),
		CompletedAt: record.CompletedAt,
		CreatedAt:   record.CreatedAt,
	}
}
