package server

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"

	"github.com/louisbranch/taskroom/internal/platform/requestctx"
	directorydomain "github.com/louisbranch/taskroom/internal/services/directory/domain"
	"github.com/louisbranch/taskroom/internal/services/directory/grant"
	tasksdomain "github.com/louisbranch/taskroom/internal/services/tasks/domain"
)

func startServer(t *testing.T) *Server {
	t.Helper()
	t.Setenv("TASKROOM_TASKS_DB_PATH", t.TempDir()+"/tasks.db")
	t.Setenv("TASKROOM_DIRECTORY_DB_PATH", t.TempDir()+"/directory.db")

	srv, err := NewWithAddr("127.0.0.1:0")
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- srv.Serve(runCtx)
	}()
	t.Cleanup(func() {
		runCancel()
		select {
		case serveErr := <-serveDone:
			if serveErr != nil {
				t.Fatalf("serve: %v", serveErr)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("timeout waiting for server shutdown")
		}
	})
	return srv
}

func TestServer_HealthAndTaskLifecycleRoundTrip(t *testing.T) {
	srv := startServer(t)

	conn, err := grpc.NewClient(srv.Addr(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("dial tasks server: %v", err)
	}
	t.Cleanup(func() {
		if closeErr := conn.Close(); closeErr != nil {
			t.Fatalf("close gRPC connection: %v", closeErr)
		}
	})

	healthClient := grpc_health_v1.NewHealthClient(conn)
	healthResp, err := healthClient.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health check: %v", err)
	}
	if healthResp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		t.Fatalf("health status = %v, want SERVING", healthResp.GetStatus())
	}

	ctx := context.Background()
	directory := srv.Directory()
	for _, member := range []directorydomain.UpsertMemberInput{
		{OrgID: "org-1", UserID: "admin-1", Role: "org:admin"},
		{OrgID: "org-1", UserID: "alice", Role: "member"},
	} {
		if _, err := directory.UpsertMember(ctx, member); err != nil {
			t.Fatalf("upsert member %s: %v", member.UserID, err)
		}
	}

	engine := srv.Engine()
	adminCtx := requestctx.WithUserID(ctx, "admin-1")
	task, err := engine.CreateTask(adminCtx, tasksdomain.CreateTaskInput{
		OrgID:       "org-1",
		RoomID:      "room-1",
		Title:       "Prepare launch checklist",
		Priority:    "high",
		AssigneeIDs: []string{"alice"},
	})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	aliceCtx := requestctx.WithUserID(ctx, "alice")
	if _, err := engine.UpdateAssignmentStatus(aliceCtx, task.ID, "alice", "completed"); err != nil {
		t.Fatalf("complete assignment: %v", err)
	}

	views, err := engine.ListTasks(adminCtx, tasksdomain.ListTasksInput{OrgID: "org-1"})
	if err != nil {
		t.Fatalf("list tasks: %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected 1 task, got %d", len(views))
	}
	if views[0].Status != tasksdomain.StatusCompleted {
		t.Fatalf("task status = %s, want completed after unanimous completion", views[0].Status)
	}

	stats, err := engine.Stats(ctx, "org-1")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 1 || stats.Completed != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestServer_AuthenticateGrantRoundTrip(t *testing.T) {
	seed := make([]byte, ed25519.SeedSize)
	for i := range seed {
		seed[i] = byte(i + 1)
	}
	private := ed25519.NewKeyFromSeed(seed)
	public := private.Public().(ed25519.PublicKey)

	t.Setenv("TASKROOM_ACCESS_GRANT_ISSUER", "https://auth.taskroom.test")
	t.Setenv("TASKROOM_ACCESS_GRANT_AUDIENCE", "taskroom-tasks")
	t.Setenv("TASKROOM_ACCESS_GRANT_PUBLIC_KEY", base64.StdEncoding.EncodeToString(public))

	srv := startServer(t)

	ctx := context.Background()
	if _, err := srv.Directory().UpsertMember(ctx, directorydomain.UpsertMemberInput{
		OrgID: "org-1", UserID: "admin-1", Role: "org:admin",
	}); err != nil {
		t.Fatalf("upsert member: %v", err)
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss":     "https://auth.taskroom.test",
		"aud":     "taskroom-tasks",
		"exp":     time.Now().Add(5 * time.Minute).Unix(),
		"jti":     "grant-1",
		"org_id":  "org-1",
		"user_id": "admin-1",
		"role":    "org:admin",
	}).SignedString(private)
	if err != nil {
		t.Fatalf("sign grant: %v", err)
	}

	callerCtx, err := srv.AuthenticateContext(ctx, token, grant.Expectation{OrgID: "org-1", UserID: "admin-1"})
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if got := requestctx.UserIDFromContext(callerCtx); got != "admin-1" {
		t.Fatalf("caller = %q, want admin-1", got)
	}

	// The authenticated context is the caller identity the engine acts on.
	task, err := srv.Engine().CreateTask(callerCtx, tasksdomain.CreateTaskInput{
		OrgID:       "org-1",
		Title:       "Rotate signing keys",
		AssigneeIDs: []string{"admin-1"},
	})
	if err != nil {
		t.Fatalf("create task with authenticated caller: %v", err)
	}
	if task.CreatedBy != "admin-1" {
		t.Fatalf("created_by = %q, want admin-1", task.CreatedBy)
	}

	// A grant asserting a different identity is rejected.
	if _, err := srv.AuthenticateContext(ctx, token, grant.Expectation{OrgID: "org-1", UserID: "alice"}); err == nil {
		t.Fatal("expected error for identity mismatch")
	}
}

func TestServer_AuthenticateRequiresConfiguredVerifier(t *testing.T) {
	t.Setenv("TASKROOM_ACCESS_GRANT_ISSUER", "")
	t.Setenv("TASKROOM_ACCESS_GRANT_AUDIENCE", "")
	t.Setenv("TASKROOM_ACCESS_GRANT_PUBLIC_KEY", "")

	srv := startServer(t)
	if _, err := srv.AuthenticateContext(context.Background(), "token", grant.Expectation{OrgID: "org-1", UserID: "alice"}); err == nil {
		t.Fatal("expected error when grant verification is not configured")
	}
}

func TestServer_WatcherReportsNewTasks(t *testing.T) {
	srv := startServer(t)

	ctx := context.Background()
	directory := srv.Directory()
	for _, member := range []directorydomain.UpsertMemberInput{
		{OrgID: "org-1", UserID: "admin-1", Role: "admin"},
		{OrgID: "org-1", UserID: "alice", Role: "member"},
	} {
		if _, err := directory.UpsertMember(ctx, member); err != nil {
			t.Fatalf("upsert member %s: %v", member.UserID, err)
		}
	}

	watcher := tasksdomain.NewWatcher(srv.Engine(), tasksdomain.WithPollInterval(20*time.Millisecond))
	notified := make(chan []tasksdomain.TaskView, 1)
	sub, err := watcher.Subscribe(ctx, "org-1", "", "alice", func(tasks []tasksdomain.TaskView) {
		select {
		case notified <- tasks:
		default:
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	t.Cleanup(func() {
		sub.Stop()
		<-sub.Done()
	})

	// Stored timestamps have millisecond resolution; make sure the task is
	// created strictly after the subscription watermark.
	time.Sleep(5 * time.Millisecond)

	adminCtx := requestctx.WithUserID(ctx, "admin-1")
	if _, err := srv.Engine().CreateTask(adminCtx, tasksdomain.CreateTaskInput{
		OrgID:       "org-1",
		Title:       "Review incident report",
		AssigneeIDs: []string{"alice"},
	}); err != nil {
		t.Fatalf("create task: %v", err)
	}

	select {
	case tasks := <-notified:
		if len(tasks) != 1 || tasks[0].Title != "Review incident report" {
			t.Fatalf("unexpected notification %+v", tasks)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for watcher notification")
	}
}
