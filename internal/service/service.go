// Package service implements the Service façade: GetWorkflows, CreateTask,
// and AuthorizeProblemsSession, plus the peer/task registry that ties each
// task's lifetime to the bus peer that created it.
package service

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/cache"
	"github.com/reportd/reportd/internal/eventrunner"
	"github.com/reportd/reportd/internal/logging"
	"github.com/reportd/reportd/internal/rderr"
	"github.com/reportd/reportd/internal/task"
	"github.com/reportd/reportd/internal/workflow"
)

const (
	problemsPeer    = "org.freedesktop.problems"
	problems2Path   = "/org/freedesktop/Problems2"
	sessionProxyKey = "session"
	sessionCacheTTL = 5 * time.Minute
	sessionIface    = "org.freedesktop.Problems2.Session"
)

// WorkflowSummary is one row of a GetWorkflows reply.
type WorkflowSummary struct {
	Name        string
	ScreenName  string
	Description string
}

// Service is the per-daemon façade. It is safe for concurrent use.
type Service struct {
	conn      bus.Conn
	binder    task.Binder
	cacheRepo *cache.Cache
	runner    eventrunner.Runner
	catalogue *workflow.Catalogue
	memory    task.YesNoMemory
	log       *logging.Logger

	taskBasePath string

	mu       sync.Mutex
	registry map[string][]*task.Task // bus sender -> its live tasks
	watches  map[string]*bus.PeerWatch

	sessionProxy *gocache.Cache
	authMu       sync.Mutex

	metrics task.MetricsRecorder
}

// SetMetrics attaches a recorder that every subsequently created Task
// reports lifecycle events to. Nil (the default) records nothing.
func (s *Service) SetMetrics(m task.MetricsRecorder) {
	s.metrics = m
}

// New builds a Service. taskBasePath is the unsuffixed export path new
// tasks register under (e.g. "/org/freedesktop/reportd/Task").
func New(conn bus.Conn, binder task.Binder, cacheRepo *cache.Cache, runner eventrunner.Runner, catalogue *workflow.Catalogue, memory task.YesNoMemory, taskBasePath string) *Service {
	return &Service{
		conn:         conn,
		binder:       binder,
		cacheRepo:    cacheRepo,
		runner:       runner,
		catalogue:    catalogue,
		memory:       memory,
		log:          logging.New("service"),
		taskBasePath: taskBasePath,
		registry:     make(map[string][]*task.Task),
		watches:      make(map[string]*bus.PeerWatch),
		sessionProxy: gocache.New(sessionCacheTTL, sessionCacheTTL),
	}
}

// GetWorkflows materialises problemEntry's working directory, asks the
// runner which workflows apply, and returns the subset present in the
// loaded catalogue.
func (s *Service) GetWorkflows(ctx context.Context, problemEntry string) ([]WorkflowSummary, error) {
	dir, err := s.cacheRepo.GetWorkingDirectory(ctx, problemEntry)
	if err != nil {
		return nil, err
	}

	names, err := s.runner.PossibleWorkflows(ctx, dir)
	if err != nil {
		return nil, err
	}

	summaries := make([]WorkflowSummary, 0, len(names))
	for _, name := range names {
		wf, ok := s.catalogue.Lookup(name)
		if !ok {
			s.log.Debugf("skipping workflow %q: not in catalogue", name)
			continue
		}
		summaries = append(summaries, WorkflowSummary{Name: wf.Name, ScreenName: wf.ScreenName, Description: wf.Description})
	}
	return summaries, nil
}

// CreateTask constructs and registers a Task for workflowName/problemEntry,
// binding its lifetime to sender: when sender vanishes from the bus, every
// task it created is unexported and cancelled.
func (s *Service) CreateTask(sender, workflowName, problemEntry string) (string, error) {
	wf, ok := s.catalogue.Lookup(workflowName)
	if !ok {
		return "", rderr.ErrUnknownWorkflow
	}

	// Each Task gets its own Runner instance (Fresh) rather than sharing
	// s.runner: the runner's command-pid tracking is per-task state, and
	// sharing it across concurrently running tasks would let one task's
	// Cancel signal another task's child process group.
	t := task.New(s.conn, s.binder, s.cacheRepo, s.runner.Fresh(), s.memory, wf, problemEntry)
	t.Metrics = s.metrics
	path, err := t.Register(s.taskBasePath)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	_, seenSender := s.registry[sender]
	s.registry[sender] = append(s.registry[sender], t)
	if !seenSender {
		s.watches[sender] = s.conn.WatchPeerExit(sender, func() { s.onPeerVanished(sender) })
	}
	s.mu.Unlock()

	return path, nil
}

func (s *Service) onPeerVanished(sender string) {
	s.mu.Lock()
	tasks := s.registry[sender]
	delete(s.registry, sender)
	delete(s.watches, sender)
	s.mu.Unlock()

	for _, t := range tasks {
		_ = t.Cancel()
		t.Unexport()
	}
}

// Tasks returns the live tasks registered for sender, for tests and
// diagnostics.
func (s *Service) Tasks(sender string) []*task.Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*task.Task, len(s.registry[sender]))
	copy(out, s.registry[sender])
	return out
}

// AuthorizeProblemsSession drives the three-way Authorize handshake
// against the problem store's session object, as described for
// AuthorizeProblemsSession in the external interface. Calls are
// serialized: a concurrent caller waits for the in-flight handshake to
// finish before starting its own.
func (s *Service) AuthorizeProblemsSession(ctx context.Context, flags int32) error {
	s.authMu.Lock()
	defer s.authMu.Unlock()

	sessionPath, err := s.sessionPath()
	if err != nil {
		return err
	}
	sessionObj := s.conn.Peer(problemsPeer, sessionPath)

	reply, err := sessionObj.Call(ctx, "Authorize", flags)
	if err != nil {
		return rderr.Wrap(rderr.Authorization, err, "call Authorize")
	}
	if len(reply) == 0 {
		return rderr.New(rderr.Authorization, "Authorize returned no reply")
	}
	code, _ := reply[0].(int32)

	switch code {
	case -1:
		return rderr.ErrAuthorizationFailed
	case 0:
		return nil
	case 2:
		return rderr.ErrAuthorizationPending
	case 1:
		return s.waitForAuthorization(ctx, sessionPath)
	default:
		return rderr.New(rderr.Authorization, "unexpected Authorize result code")
	}
}

func (s *Service) waitForAuthorization(ctx context.Context, sessionPath string) error {
	result := make(chan int32, 1)
	sub := s.conn.Subscribe(problemsPeer, sessionPath, sessionIface, "AuthorizationChanged", func(args []interface{}) {
		if len(args) == 0 {
			return
		}
		status, _ := args[0].(int32)
		select {
		case result <- status:
		default:
		}
	})
	defer sub.Cancel()

	select {
	case status := <-result:
		if status == 0 {
			return nil
		}
		return rderr.ErrAuthorizationLost
	case <-ctx.Done():
		return rderr.Wrap(rderr.Authorization, ctx.Err(), "authorization wait cancelled")
	}
}

func (s *Service) sessionPath() (string, error) {
	if v, ok := s.sessionProxy.Get(sessionProxyKey); ok {
		return v.(string), nil
	}

	root := s.conn.Peer(problemsPeer, problems2Path)
	reply, err := root.Call(context.Background(), "GetSession")
	if err != nil {
		return "", rderr.Wrap(rderr.Authorization, err, "GetSession")
	}
	if len(reply) == 0 {
		return "", rderr.New(rderr.Authorization, "GetSession returned no reply")
	}
	path, ok := reply[0].(string)
	if !ok {
		return "", rderr.New(rderr.Authorization, "GetSession returned non-path reply")
	}
	s.sessionProxy.Set(sessionProxyKey, path, gocache.DefaultExpiration)
	return path, nil
}
