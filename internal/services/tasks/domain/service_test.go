package domain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	apperrors "github.com/louisbranch/taskroom/internal/errors"
	"github.com/louisbranch/taskroom/internal/platform/requestctx"
	"github.com/louisbranch/taskroom/internal/services/tasks/storage"
)

// fakeStore is an in-memory storage.Store with the same collapse and
// ordering semantics as the SQLite implementation.
type fakeStore struct {
	mu          sync.Mutex
	tasks       map[string]storage.TaskRecord
	assignments []storage.AssignmentRecord
	comments    []storage.CommentRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{tasks: make(map[string]storage.TaskRecord)}
}

func (f *fakeStore) PutTask(ctx context.Context, record storage.TaskRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[record.ID] = record
	return nil
}

func (f *fakeStore) GetTask(ctx context.Context, taskID string) (storage.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.tasks[taskID]
	if !ok {
		return storage.TaskRecord{}, storage.ErrNotFound
	}
	return record, nil
}

func (f *fakeStore) CreateTaskWithAssignments(ctx context.Context, task storage.TaskRecord, assignments []storage.AssignmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[task.ID] = task
	f.assignments = append(f.assignments, assignments...)
	return nil
}

func (f *fakeStore) ListTasks(ctx context.Context, query storage.ListTasksQuery) ([]storage.TaskRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []storage.TaskRecord
	for _, record := range f.tasks {
		if record.OrgID != query.OrgID {
			continue
		}
		if query.RoomID != "" && record.RoomID != query.RoomID {
			continue
		}
		results = append(results, record)
	}
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID > results[j].ID
	})
	return results, nil
}

func (f *fakeStore) DeleteTaskCascade(ctx context.Context, taskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.tasks[taskID]; !ok {
		return storage.ErrNotFound
	}
	delete(f.tasks, taskID)
	var assignments []storage.AssignmentRecord
	for _, record := range f.assignments {
		if record.TaskID != taskID {
			assignments = append(assignments, record)
		}
	}
	f.assignments = assignments
	var comments []storage.CommentRecord
	for _, record := range f.comments {
		if record.TaskID != taskID {
			comments = append(comments, record)
		}
	}
	f.comments = comments
	return nil
}

func (f *fakeStore) CountTasksByStatus(ctx context.Context, orgID string) (storage.StatusCounts, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var counts storage.StatusCounts
	for _, record := range f.tasks {
		if record.OrgID != orgID {
			continue
		}
		counts.Total++
		switch record.Status {
		case "pending":
			counts.Pending++
		case "in_progress":
			counts.InProgress++
		case "completed":
			counts.Completed++
		}
	}
	return counts, nil
}

func (f *fakeStore) PutAssignment(ctx context.Context, record storage.AssignmentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, existing := range f.assignments {
		if existing.TaskID == record.TaskID && existing.AssigneeID == record.AssigneeID {
			// Collapse on the unique pair: keep id and created_at.
			existing.AssignerID = record.AssignerID
			existing.Status = record.Status
			existing.CompletedAt = record.CompletedAt
			f.assignments[i] = existing
			return nil
		}
	}
	f.assignments = append(f.assignments, record)
	return nil
}

func (f *fakeStore) GetAssignment(ctx context.Context, taskID string, assigneeID string) (storage.AssignmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, record := range f.assignments {
		if record.TaskID == taskID && record.AssigneeID == assigneeID {
			return record, nil
		}
	}
	return storage.AssignmentRecord{}, storage.ErrNotFound
}

func (f *fakeStore) ListAssignmentsByTask(ctx context.Context, taskID string) ([]storage.AssignmentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []storage.AssignmentRecord
	for _, record := range f.assignments {
		if record.TaskID == taskID {
			results = append(results, record)
		}
	}
	return results, nil
}

func (f *fakeStore) DeleteAssignment(ctx context.Context, taskID string, assigneeID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, record := range f.assignments {
		if record.TaskID == taskID && record.AssigneeID == assigneeID {
			f.assignments = append(f.assignments[:i], f.assignments[i+1:]...)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (f *fakeStore) PutComment(ctx context.Context, record storage.CommentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.comments = append(f.comments, record)
	return nil
}

func (f *fakeStore) ListCommentsByTask(ctx context.Context, taskID string) ([]storage.CommentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var results []storage.CommentRecord
	for _, record := range f.comments {
		if record.TaskID == taskID {
			results = append(results, record)
		}
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].CreatedAt.Before(results[j].CreatedAt)
	})
	return results, nil
}

type fakeDirectory struct {
	roles map[string]Role
}

func (f *fakeDirectory) RoleOf(ctx context.Context, orgID string, userID string) (Role, error) {
	role, ok := f.roles[userID]
	if !ok {
		return RoleMember, nil
	}
	return role, nil
}

func (f *fakeDirectory) Members(ctx context.Context, orgID string) ([]Member, error) {
	members := make([]Member, 0, len(f.roles))
	for userID, role := range f.roles {
		members = append(members, Member{UserID: userID, Role: role})
	}
	return members, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func sequenceIDs(prefix string) func() (string, error) {
	var mu sync.Mutex
	next := 0
	return func() (string, error) {
		mu.Lock()
		defer mu.Unlock()
		next++
		return fmt.Sprintf("%s-%d", prefix, next), nil
	}
}

func newTestService(t *testing.T, opts ...Option) (*Service, *fakeStore, *testClock) {
	t.Helper()
	store := newFakeStore()
	directory := &fakeDirectory{roles: map[string]Role{
		"admin-1": RoleAdmin,
		"alice":   RoleMember,
		"bob":     RoleMember,
	}}
	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	base := []Option{WithClock(clock.Now), WithIDGenerator(sequenceIDs("id"))}
	service := NewService(store, directory, append(base, opts...)...)
	return service, store, clock
}

func asUser(userID string) context.Context {
	return requestctx.WithUserID(context.Background(), userID)
}

func mustCreateTask(t *testing.T, service *Service, input CreateTaskInput) Task {
	t.Helper()
	task, err := service.CreateTask(asUser("admin-1"), input)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return task
}

func TestCreateTaskForcesPendingAndDedupes(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID:       "org-1",
		RoomID:      "room-1",
		Title:       "  Ship release  ",
		Priority:    "urgent",
		AssigneeIDs: []string{"alice", "bob", "alice", " "},
	})

	if task.Status != StatusPending {
		t.Fatalf("status = %s, want pending", task.Status)
	}
	if task.Title != "Ship release" {
		t.Fatalf("title = %q", task.Title)
	}
	if task.Priority != PriorityUrgent {
		t.Fatalf("priority = %s", task.Priority)
	}

	assignments, err := store.ListAssignmentsByTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("list assignments: %v", err)
	}
	if len(assignments) != 2 {
		t.Fatalf("expected duplicate assignees to collapse to 2 rows, got %d", len(assignments))
	}
	for _, assignment := range assignments {
		if assignment.Status != string(AssignmentPending) {
			t.Fatalf("assignment status = %q, want pending", assignment.Status)
		}
		if assignment.AssignerID != "admin-1" {
			t.Fatalf("assigner = %q, want admin-1", assignment.AssignerID)
		}
	}
}

func TestCreateTaskRequiresCaller(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestService(t)
	_, err := service.CreateTask(context.Background(), CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
	})
	if !apperrors.IsCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestCreateTaskValidation(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestService(t)
	cases := []struct {
		name  string
		input CreateTaskInput
		code  apperrors.Code
	}{
		{"empty title", CreateTaskInput{OrgID: "org-1", Title: "  ", AssigneeIDs: []string{"alice"}}, apperrors.CodeTaskTitleEmpty},
		{"empty org", CreateTaskInput{Title: "t", AssigneeIDs: []string{"alice"}}, apperrors.CodeTaskOrgEmpty},
		{"unknown priority", CreateTaskInput{OrgID: "org-1", Title: "t", Priority: "blocker", AssigneeIDs: []string{"alice"}}, apperrors.CodeTaskInvalidPriority},
		{"no assignees", CreateTaskInput{OrgID: "org-1", Title: "t"}, apperrors.CodeAssignmentAssigneeEmpty},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := service.CreateTask(asUser("admin-1"), tc.input)
			if !apperrors.IsCode(err, tc.code) {
				t.Fatalf("expected %s, got %v", tc.code, err)
			}
		})
	}
}

func TestCreateTaskMemberForbidden(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestService(t)
	_, err := service.CreateTask(asUser("alice"), CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"bob"},
	})
	if !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
}

func TestAssignmentCompletionRollsUpTask(t *testing.T) {
	t.Parallel()

	// The completion rule is order-independent: run the scenario with each
	// assignee finishing last.
	for _, last := range []string{"alice", "bob"} {
		t.Run("last="+last, func(t *testing.T) {
			service, store, clock := newTestService(t)
			task := mustCreateTask(t, service, CreateTaskInput{
				OrgID: "org-1", Title: "Ship release", Priority: "urgent",
				AssigneeIDs: []string{"alice", "bob"},
			})

			first := "alice"
			if last == "alice" {
				first = "bob"
			}

			clock.Advance(time.Minute)
			assignment, err := service.UpdateAssignmentStatus(asUser(first), task.ID, first, "completed")
			if err != nil {
				t.Fatalf("first completion: %v", err)
			}
			if assignment.CompletedAt == nil {
				t.Fatal("expected completed_at set")
			}

			record, err := store.GetTask(context.Background(), task.ID)
			if err != nil {
				t.Fatalf("get task: %v", err)
			}
			if record.Status != string(StatusPending) {
				t.Fatalf("task status after first completion = %q, want pending", record.Status)
			}

			clock.Advance(time.Minute)
			if _, err := service.UpdateAssignmentStatus(asUser(last), task.ID, last, "completed"); err != nil {
				t.Fatalf("last completion: %v", err)
			}
			record, err = store.GetTask(context.Background(), task.ID)
			if err != nil {
				t.Fatalf("get task: %v", err)
			}
			if record.Status != string(StatusCompleted) {
				t.Fatalf("task status after unanimous completion = %q, want completed", record.Status)
			}
		})
	}
}

func TestNoAutoReopenWhenAssignmentLeavesCompleted(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice", "bob"},
	})
	for _, assignee := range []string{"alice", "bob"} {
		if _, err := service.UpdateAssignmentStatus(asUser(assignee), task.ID, assignee, "completed"); err != nil {
			t.Fatalf("complete %s: %v", assignee, err)
		}
	}

	assignment, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "in_progress")
	if err != nil {
		t.Fatalf("reopen assignment: %v", err)
	}
	if assignment.CompletedAt != nil {
		t.Fatal("expected completed_at cleared when leaving completed")
	}

	record, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if record.Status != string(StatusCompleted) {
		t.Fatalf("task status = %q, want completed (no auto-reopen)", record.Status)
	}
}

func TestStartRuleMovesPendingTaskToInProgress(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice", "bob"},
	})

	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "in_progress"); err != nil {
		t.Fatalf("start assignment: %v", err)
	}
	record, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if record.Status != string(StatusInProgress) {
		t.Fatalf("task status = %q, want in_progress", record.Status)
	}
}

func TestStartRuleDisabledKeepsTaskPending(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t, WithStartTaskOnFirstProgress(false))
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
	})

	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "in_progress"); err != nil {
		t.Fatalf("start assignment: %v", err)
	}
	record, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if record.Status != string(StatusPending) {
		t.Fatalf("task status = %q, want pending with start rule off", record.Status)
	}
}

func TestStartRuleNeverRevivesCancelledTask(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
	})
	cancelled := "cancelled"
	if _, err := service.UpdateTask(asUser("admin-1"), task.ID, UpdateTaskPatch{Status: &cancelled}); err != nil {
		t.Fatalf("cancel task: %v", err)
	}

	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "in_progress"); err != nil {
		t.Fatalf("start assignment: %v", err)
	}
	record, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if record.Status != string(StatusCancelled) {
		t.Fatalf("task status = %q, want cancelled", record.Status)
	}

	// Even unanimous completion must not override cancellation.
	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "completed"); err != nil {
		t.Fatalf("complete assignment: %v", err)
	}
	record, err = store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if record.Status != string(StatusCancelled) {
		t.Fatalf("task status = %q, want cancelled after completion", record.Status)
	}
}

func TestUpdateAssignmentStatusPolicy(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice", "bob"},
	})

	// A member may not touch someone else's assignment.
	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "bob", "completed"); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	// An admin may update any assignment.
	if _, err := service.UpdateAssignmentStatus(asUser("admin-1"), task.ID, "bob", "in_progress"); err != nil {
		t.Fatalf("admin update: %v", err)
	}
	// Unknown status is a validation error.
	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "blocked"); !apperrors.IsCode(err, apperrors.CodeAssignmentInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	// Missing assignment resolves NotFound.
	if _, err := service.UpdateAssignmentStatus(asUser("admin-1"), task.ID, "carol", "pending"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
	// Missing task resolves NotFound.
	if _, err := service.UpdateAssignmentStatus(asUser("admin-1"), "task-missing", "alice", "pending"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected NotFound for missing task, got %v", err)
	}
}

func TestUpdateTaskPolicy(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
	})

	priority := "high"
	// A member who is not an assignee may not change details.
	if _, err := service.UpdateTask(asUser("bob"), task.ID, UpdateTaskPatch{Priority: &priority}); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden for non-assignee member, got %v", err)
	}
	// Even an assignee may not change details.
	if _, err := service.UpdateTask(asUser("alice"), task.ID, UpdateTaskPatch{Priority: &priority}); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden for assignee details edit, got %v", err)
	}
	// An assignee may set the task status directly.
	status := "in_progress"
	updated, err := service.UpdateTask(asUser("alice"), task.ID, UpdateTaskPatch{Status: &status})
	if err != nil {
		t.Fatalf("assignee status update: %v", err)
	}
	if updated.Status != StatusInProgress {
		t.Fatalf("status = %s, want in_progress", updated.Status)
	}
	// A non-assignee member may not set status.
	if _, err := service.UpdateTask(asUser("bob"), task.ID, UpdateTaskPatch{Status: &status}); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden for non-assignee status update, got %v", err)
	}
	// Admin may change everything at once.
	title := "New title"
	updated, err = service.UpdateTask(asUser("admin-1"), task.ID, UpdateTaskPatch{Title: &title, Priority: &priority})
	if err != nil {
		t.Fatalf("admin update: %v", err)
	}
	if updated.Title != "New title" || updated.Priority != PriorityHigh {
		t.Fatalf("unexpected task %+v", updated)
	}

	// Empty patch and bad enum values fail validation.
	if _, err := service.UpdateTask(asUser("admin-1"), task.ID, UpdateTaskPatch{}); !apperrors.IsCode(err, apperrors.CodeTaskEmptyPatch) {
		t.Fatalf("expected empty patch error, got %v", err)
	}
	bad := "archived"
	if _, err := service.UpdateTask(asUser("admin-1"), task.ID, UpdateTaskPatch{Status: &bad}); !apperrors.IsCode(err, apperrors.CodeTaskInvalidStatus) {
		t.Fatalf("expected invalid status, got %v", err)
	}
	if _, err := service.UpdateTask(asUser("admin-1"), "task-missing", UpdateTaskPatch{Title: &title}); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}
}

func TestDeleteTaskCascadesAndRequiresAdmin(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice", "bob"},
	})
	for i := 0; i < 3; i++ {
		if _, err := service.AddComment(asUser("alice"), task.ID, fmt.Sprintf("note %d", i)); err != nil {
			t.Fatalf("add comment: %v", err)
		}
	}

	if err := service.DeleteTask(asUser("alice"), task.ID); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden for member delete, got %v", err)
	}
	if err := service.DeleteTask(asUser("admin-1"), task.ID); err != nil {
		t.Fatalf("admin delete: %v", err)
	}

	if _, err := store.GetTask(context.Background(), task.ID); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected task gone, got %v", err)
	}
	assignments, _ := store.ListAssignmentsByTask(context.Background(), task.ID)
	if len(assignments) != 0 {
		t.Fatalf("expected cascade to remove assignments, got %d", len(assignments))
	}
	comments, _ := store.ListCommentsByTask(context.Background(), task.ID)
	if len(comments) != 0 {
		t.Fatalf("expected cascade to remove comments, got %d", len(comments))
	}

	if err := service.DeleteTask(asUser("admin-1"), task.ID); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected NotFound for second delete, got %v", err)
	}
}

func TestAddCommentValidationAndVisibility(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
	})

	if _, err := service.AddComment(asUser("alice"), task.ID, "   "); !apperrors.IsCode(err, apperrors.CodeCommentTextEmpty) {
		t.Fatalf("expected blank comment error, got %v", err)
	}
	if _, err := service.AddComment(context.Background(), task.ID, "hi"); !apperrors.IsCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
	// A member with no assignment cannot see the task, so cannot comment.
	if _, err := service.AddComment(asUser("bob"), task.ID, "hi"); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}

	comment, err := service.AddComment(asUser("alice"), task.ID, "  looks good  ")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if comment.Text != "looks good" {
		t.Fatalf("comment text = %q", comment.Text)
	}
	if comment.AuthorID != "alice" {
		t.Fatalf("comment author = %q", comment.AuthorID)
	}
}

func TestListTasksRoleFiltering(t *testing.T) {
	t.Parallel()

	service, _, clock := newTestService(t)
	aliceTask := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", RoomID: "room-1", Title: "alice work", AssigneeIDs: []string{"alice"},
	})
	clock.Advance(time.Minute)
	bobTask := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", RoomID: "room-2", Title: "bob work", AssigneeIDs: []string{"bob"},
	})
	clock.Advance(time.Minute)
	sharedTask := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", RoomID: "room-1", Title: "shared work", AssigneeIDs: []string{"alice", "bob"},
	})

	adminViews, err := service.ListTasks(asUser("admin-1"), ListTasksInput{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("admin list: %v", err)
	}
	if len(adminViews) != 3 {
		t.Fatalf("admin sees %d tasks, want 3", len(adminViews))
	}
	if adminViews[0].ID != sharedTask.ID || adminViews[2].ID != aliceTask.ID {
		t.Fatalf("expected newest-first order, got %s .. %s", adminViews[0].ID, adminViews[2].ID)
	}
	for _, view := range adminViews {
		if view.ID == sharedTask.ID && len(view.Assignments) != 2 {
			t.Fatalf("admin sees %d assignments on shared task, want 2", len(view.Assignments))
		}
	}

	aliceViews, err := service.ListTasks(asUser("alice"), ListTasksInput{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("alice list: %v", err)
	}
	if len(aliceViews) != 2 {
		t.Fatalf("alice sees %d tasks, want 2", len(aliceViews))
	}
	for _, view := range aliceViews {
		if view.ID == bobTask.ID {
			t.Fatal("alice must not see bob's task")
		}
		for _, assignment := range view.Assignments {
			if assignment.AssigneeID != "alice" {
				t.Fatalf("alice sees foreign assignment %+v", assignment)
			}
		}
	}

	// Room scope applies on top of role filtering.
	roomViews, err := service.ListTasks(asUser("alice"), ListTasksInput{OrgID: "org-1", RoomID: "room-1"})
	if err != nil {
		t.Fatalf("alice room list: %v", err)
	}
	if len(roomViews) != 2 {
		t.Fatalf("alice sees %d room-1 tasks, want 2", len(roomViews))
	}

	if _, err := service.ListTasks(context.Background(), ListTasksInput{OrgID: "org-1"}); !apperrors.IsCode(err, apperrors.CodeUnauthenticated) {
		t.Fatalf("expected Unauthenticated, got %v", err)
	}
}

func TestAssignUsersCollapsesExistingPair(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
	})
	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "completed"); err != nil {
		t.Fatalf("complete assignment: %v", err)
	}

	results, err := service.AssignUsers(asUser("admin-1"), task.ID, []string{"alice", "carol"})
	if err != nil {
		t.Fatalf("assign users: %v", err)
	}
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}

	assignments, _ := store.ListAssignmentsByTask(context.Background(), task.ID)
	if len(assignments) != 2 {
		t.Fatalf("expected 2 assignment rows, got %d", len(assignments))
	}
	existing, err := store.GetAssignment(context.Background(), task.ID, "alice")
	if err != nil {
		t.Fatalf("get assignment: %v", err)
	}
	if existing.Status != string(AssignmentCompleted) {
		t.Fatalf("existing assignment status = %q, want completed (collapse keeps row)", existing.Status)
	}

	if _, err := service.AssignUsers(asUser("alice"), task.ID, []string{"dave"}); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden for member assign, got %v", err)
	}
}

func TestRemoveAssignment(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice", "bob"},
	})

	if err := service.RemoveAssignment(asUser("bob"), task.ID, "alice"); !apperrors.IsCode(err, apperrors.CodeForbidden) {
		t.Fatalf("expected Forbidden, got %v", err)
	}
	if err := service.RemoveAssignment(asUser("admin-1"), task.ID, "alice"); err != nil {
		t.Fatalf("remove assignment: %v", err)
	}
	if err := service.RemoveAssignment(asUser("admin-1"), task.ID, "alice"); !apperrors.IsCode(err, apperrors.CodeNotFound) {
		t.Fatalf("expected NotFound, got %v", err)
	}

	assignments, _ := store.ListAssignmentsByTask(context.Background(), task.ID)
	if len(assignments) != 1 || assignments[0].AssigneeID != "bob" {
		t.Fatalf("unexpected assignments %+v", assignments)
	}
}

func TestStatsCountsTaskStatusOnly(t *testing.T) {
	t.Parallel()

	service, _, clock := newTestService(t)
	first := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "a", AssigneeIDs: []string{"alice"},
	})
	clock.Advance(time.Minute)
	mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "b", AssigneeIDs: []string{"bob"},
	})

	// Alice completes her assignment: her task rolls up to completed, the
	// other stays pending.
	if _, err := service.UpdateAssignmentStatus(asUser("alice"), first.ID, "alice", "completed"); err != nil {
		t.Fatalf("complete assignment: %v", err)
	}

	stats, err := service.Stats(context.Background(), "org-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Pending != 1 || stats.Completed != 1 || stats.InProgress != 0 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

// hookStore lets a test interleave a store write between the assignment
// update and the aggregate recompute.
type hookStore struct {
	*fakeStore
	putAssignmentHook func()
}

func (h *hookStore) PutAssignment(ctx context.Context, record storage.AssignmentRecord) error {
	if err := h.fakeStore.PutAssignment(ctx, record); err != nil {
		return err
	}
	if h.putAssignmentHook != nil {
		h.putAssignmentHook()
	}
	return nil
}

func TestRecomputeHonorsCancellationCommittedDuringAssignmentWrite(t *testing.T) {
	t.Parallel()

	base := newFakeStore()
	store := &hookStore{fakeStore: base}
	directory := &fakeDirectory{roles: map[string]Role{"admin-1": RoleAdmin}}
	clock := &testClock{now: time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)}
	service := NewService(store, directory, WithClock(clock.Now), WithIDGenerator(sequenceIDs("id")))

	task, err := service.CreateTask(asUser("admin-1"), CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	// A cancellation lands in the store right after the assignment write and
	// before the recompute. The recompute must see it, not the snapshot the
	// operation started from.
	store.putAssignmentHook = func() {
		record, getErr := base.GetTask(context.Background(), task.ID)
		if getErr != nil {
			t.Errorf("get task in hook: %v", getErr)
			return
		}
		record.Status = string(StatusCancelled)
		if putErr := base.PutTask(context.Background(), record); putErr != nil {
			t.Errorf("put task in hook: %v", putErr)
		}
	}

	if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "completed"); err != nil {
		t.Fatalf("complete assignment: %v", err)
	}

	record, err := base.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if record.Status != string(StatusCancelled) {
		t.Fatalf("task status = %q, want cancelled kept over completion roll-up", record.Status)
	}
}

func TestConcurrentCancelAndCompleteNeverRevives(t *testing.T) {
	t.Parallel()

	// Whatever the interleaving, a cancellation must survive a concurrent
	// assignment completion.
	for i := 0; i < 20; i++ {
		service, store, _ := newTestService(t)
		task := mustCreateTask(t, service, CreateTaskInput{
			OrgID: "org-1", Title: "t", AssigneeIDs: []string{"alice"},
		})

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			cancelled := "cancelled"
			if _, err := service.UpdateTask(asUser("admin-1"), task.ID, UpdateTaskPatch{Status: &cancelled}); err != nil {
				t.Errorf("cancel task: %v", err)
			}
		}()
		go func() {
			defer wg.Done()
			if _, err := service.UpdateAssignmentStatus(asUser("alice"), task.ID, "alice", "completed"); err != nil {
				t.Errorf("complete assignment: %v", err)
			}
		}()
		wg.Wait()

		record, err := store.GetTask(context.Background(), task.ID)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		// Cancel-last keeps cancelled; complete-last re-reads under the lock
		// and must also keep cancelled.
		if record.Status != string(StatusCancelled) {
			t.Fatalf("task status = %q, want cancelled", record.Status)
		}
	}
}

func TestTaskLockStableForTask(t *testing.T) {
	t.Parallel()

	service, _, _ := newTestService(t)
	if service.taskLock("task-1") != service.taskLock("task-1") {
		t.Fatal("same task must map to the same lock")
	}
	if service.taskLock(" task-1 ") != service.taskLock("task-1") {
		t.Fatal("lock key must ignore surrounding whitespace")
	}
}

func TestConcurrentCompletionsRollUpExactlyOnce(t *testing.T) {
	t.Parallel()

	service, store, _ := newTestService(t)
	assignees := []string{"alice", "bob"}
	task := mustCreateTask(t, service, CreateTaskInput{
		OrgID: "org-1", Title: "t", AssigneeIDs: assignees,
	})

	var wg sync.WaitGroup
	for _, assignee := range assignees {
		wg.Add(1)
		go func(assignee string) {
			defer wg.Done()
			if _, err := service.UpdateAssignmentStatus(asUser(assignee), task.ID, assignee, "completed"); err != nil {
				t.Errorf("complete %s: %v", assignee, err)
			}
		}(assignee)
	}
	wg.Wait()

	record, err := store.GetTask(context.Background(), task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if record.Status != string(StatusCompleted) {
		t.Fatalf("task status = %q, want completed after concurrent completions", record.Status)
	}
}
