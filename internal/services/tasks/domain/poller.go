package domain

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/louisbranch/taskroom/internal/platform/requestctx"
)

// DefaultPollInterval matches the reference 30-second polling cadence.
const DefaultPollInterval = 30 * time.Second

// TaskLister is the role-filtered read path the watcher polls.
type TaskLister interface {
	ListTasks(ctx context.Context, input ListTasksInput) ([]TaskView, error)
}

// NotifyFunc receives one batch of newly created visible tasks.
type NotifyFunc func(tasks []TaskView)

// Watcher surfaces newly created tasks per (user, room) subscription by
// periodically re-running the read path and comparing creation times against
// a per-subscription watermark.
type Watcher struct {
	lister   TaskLister
	interval time.Duration
	clock    func() time.Time
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithPollInterval overrides the polling cadence.
func WithPollInterval(interval time.Duration) WatcherOption {
	return func(w *Watcher) {
		if interval > 0 {
			w.interval = interval
		}
	}
}

// WithWatcherClock injects a deterministic clock.
func WithWatcherClock(clock func() time.Time) WatcherOption {
	return func(w *Watcher) {
		if clock != nil {
			w.clock = clock
		}
	}
}

// NewWatcher constructs a task watcher over the given read path.
func NewWatcher(lister TaskLister, opts ...WatcherOption) *Watcher {
	w := &Watcher{
		lister:   lister,
		interval: DefaultPollInterval,
		clock:    time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Subscription is one active (user, room) watch. The watermark lives in
// memory only: a restarted subscription re-initializes to "now" and never
// reports tasks created before the restart.
type Subscription struct {
	watcher *Watcher
	orgID   string
	roomID  string
	userID  string
	notify  NotifyFunc

	mu          sync.Mutex
	lastChecked time.Time

	cancel   context.CancelFunc
	done     chan struct{}
	stopOnce sync.Once
}

// Subscribe starts polling for tasks newly visible to userID in the given
// org and room. The subscription stops when Stop is called or ctx is
// cancelled; an in-flight tick is never aborted.
func (w *Watcher) Subscribe(ctx context.Context, orgID string, roomID string, userID string, notify NotifyFunc) (*Subscription, error) {
	if w == nil || w.lister == nil {
		return nil, fmt.Errorf("watcher lister is not configured")
	}
	orgID = strings.TrimSpace(orgID)
	userID = strings.TrimSpace(userID)
	if orgID == "" {
		return nil, fmt.Errorf("org id is required")
	}
	if userID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if notify == nil {
		return nil, fmt.Errorf("notify callback is required")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	runCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		watcher:     w,
		orgID:       orgID,
		roomID:      strings.TrimSpace(roomID),
		userID:      userID,
		notify:      notify,
		lastChecked: w.clock(),
		cancel:      cancel,
		done:        make(chan struct{}),
	}
	go sub.run(runCtx)
	return sub, nil
}

// Stop cancels future ticks and discards the subscription state.
func (s *Subscription) Stop() {
	if s == nil {
		return
	}
	s.stopOnce.Do(s.cancel)
}

// Done is closed once the polling loop has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}

func (s *Subscription) run(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.watcher.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick runs one poll. A read-path error skips the tick without advancing the
// watermark, so a transient failure cannot swallow notifications. A
// successful poll always advances the watermark, reporting each task at most
// once even when the discovering poll is delayed.
func (s *Subscription) tick(ctx context.Context) {
	callerCtx := requestctx.WithUserID(ctx, s.userID)
	views, err := s.watcher.lister.ListTasks(callerCtx, ListTasksInput{
		OrgID:  s.orgID,
		RoomID: s.roomID,
	})
	if err != nil {
		return
	}
	now := s.watcher.clock()

	s.mu.Lock()
	var fresh []TaskView
	for _, view := range views {
		if view.CreatedAt.After(s.lastChecked) {
			fresh = append(fresh, view)
		}
	}
	s.lastChecked = now
	s.mu.Unlock()

	if len(fresh) > 0 {
		s.notify(fresh)
	}
}
