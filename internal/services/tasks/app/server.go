// Package server wires the task engine runtime and gRPC lifecycle.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"

	"github.com/louisbranch/taskroom/internal/platform/config"
	directorydomain "github.com/louisbranch/taskroom/internal/services/directory/domain"
	"github.com/louisbranch/taskroom/internal/services/directory/grant"
	directorysqlite "github.com/louisbranch/taskroom/internal/services/directory/storage/sqlite"
	tasksdomain "github.com/louisbranch/taskroom/internal/services/tasks/domain"
	taskssqlite "github.com/louisbranch/taskroom/internal/services/tasks/storage/sqlite"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"
)

type serverEnv struct {
	TasksDBPath     string `env:"TASKROOM_TASKS_DB_PATH"`
	DirectoryDBPath string `env:"TASKROOM_DIRECTORY_DB_PATH"`
}

func loadServerEnv() serverEnv {
	var cfg serverEnv
	_ = config.ParseEnv(&cfg)
	if strings.TrimSpace(cfg.TasksDBPath) == "" {
		cfg.TasksDBPath = filepath.Join("data", "tasks.db")
	}
	if strings.TrimSpace(cfg.DirectoryDBPath) == "" {
		cfg.DirectoryDBPath = filepath.Join("data", "directory.db")
	}
	return cfg
}

// directoryAdapter exposes the directory service to the task engine, resolving
// raw provider roles to the engine's closed role set.
type directoryAdapter struct {
	directory *directorydomain.Service
}

func (a directoryAdapter) RoleOf(ctx context.Context, orgID string, userID string) (tasksdomain.Role, error) {
	raw, err := a.directory.RoleOf(ctx, orgID, userID)
	if err != nil {
		return tasksdomain.RoleMember, err
	}
	return tasksdomain.ParseRole(raw), nil
}

func (a directoryAdapter) Members(ctx context.Context, orgID string) ([]tasksdomain.Member, error) {
	roster, err := a.directory.Members(ctx, orgID)
	if err != nil {
		return nil, err
	}
	members := make([]tasksdomain.Member, 0, len(roster))
	for _, member := range roster {
		members = append(members, tasksdomain.Member{
			UserID:      member.UserID,
			DisplayName: member.DisplayName,
			Role:        tasksdomain.ParseRole(member.Role),
		})
	}
	return members, nil
}

// Server hosts the task engine, its stores, and the gRPC health lifecycle.
type Server struct {
	listener       net.Listener
	grpcServer     *grpc.Server
	health         *health.Server
	taskStore      *taskssqlite.Store
	directoryStore *directorysqlite.Store
	directory      *directorydomain.Service
	engine         *tasksdomain.Service
	watcher        *tasksdomain.Watcher
	grantCfg       grant.Config
}

// New creates a configured task server listening on the provided port.
func New(port int) (*Server, error) {
	return NewWithAddr(fmt.Sprintf(":%d", port))
}

// NewWithAddr creates a configured task server for the provided address.
func NewWithAddr(addr string) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	env := loadServerEnv()
	taskStore, err := openTaskStore(env.TasksDBPath)
	if err != nil {
		_ = listener.Close()
		return nil, err
	}
	directoryStore, err := openDirectoryStore(env.DirectoryDBPath)
	if err != nil {
		_ = listener.Close()
		_ = taskStore.Close()
		return nil, err
	}

	directory := directorydomain.NewService(directoryStore)
	engine := tasksdomain.NewService(taskStore, directoryAdapter{directory: directory})
	watcher := tasksdomain.NewWatcher(engine)

	// Without a key in the env, grant verification stays fail-closed:
	// AuthenticateContext rejects every token.
	grantCfg, grantErr := grant.LoadConfigFromEnv(nil)
	if grantErr != nil {
		grantCfg = grant.Config{}
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
	healthServer.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus("taskroom.tasks", grpc_health_v1.HealthCheckResponse_SERVING)

	return &Server{
		listener:       listener,
		grpcServer:     grpcServer,
		health:         healthServer,
		taskStore:      taskStore,
		directoryStore: directoryStore,
		directory:      directory,
		engine:         engine,
		watcher:        watcher,
		grantCfg:       grantCfg,
	}, nil
}

// AuthenticateContext verifies an access grant and returns a context carrying
// the verified caller identity for engine calls. It fails when grant
// verification is not configured.
func (s *Server) AuthenticateContext(ctx context.Context, token string, expected grant.Expectation) (context.Context, error) {
	if s == nil {
		return nil, errors.New("server is nil")
	}
	return grant.Authenticate(ctx, token, expected, s.grantCfg)
}

// Addr returns the listener address for the server.
func (s *Server) Addr() string {
	if s == nil || s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Engine returns the task lifecycle engine for in-process consumers.
func (s *Server) Engine() *tasksdomain.Service {
	if s == nil {
		return nil
	}
	return s.engine
}

// Directory returns the org directory service for in-process consumers.
func (s *Server) Directory() *directorydomain.Service {
	if s == nil {
		return nil
	}
	return s.directory
}

// Watcher returns the task watcher for in-process subscriptions.
func (s *Server) Watcher() *tasksdomain.Watcher {
	if s == nil {
		return nil
	}
	return s.watcher
}

// Run creates and serves a task server until context cancellation.
func Run(ctx context.Context, port int) error {
	server, err := New(port)
	if err != nil {
		return err
	}
	return server.Serve(ctx)
}

// Serve starts the gRPC server until context cancellation.
func (s *Server) Serve(ctx context.Context) error {
	if s == nil {
		return errors.New("server is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	defer s.Close()

	log.Printf("tasks server listening at %v", s.listener.Addr())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		if s.health != nil {
			s.health.Shutdown()
		}
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}

// Close releases task server resources.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.health != nil {
		s.health.Shutdown()
	}
	if s.grpcServer != nil {
		s.grpcServer.Stop()
	}
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.taskStore != nil {
		if err := s.taskStore.Close(); err != nil {
			log.Printf("close task store: %v", err)
		}
	}
	if s.directoryStore != nil {
		if err := s.directoryStore.Close(); err != nil {
			log.Printf("close directory store: %v", err)
		}
	}
}

func openTaskStore(path string) (*taskssqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := taskssqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tasks sqlite store: %w", err)
	}
	return store, nil
}

func openDirectoryStore(path string) (*directorysqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create storage dir: %w", err)
		}
	}
	store, err := directorysqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open directory sqlite store: %w", err)
	}
	return store, nil
}
