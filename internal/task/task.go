// Package task drives one workflow run over one working directory: the
// worker goroutine that pulls/pushes via ProblemCache, walks the
// workflow's event chain through an eventrunner.Runner, and mediates the
// prompt dialogue between that runner and a bus client.
package task

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/cache"
	"github.com/reportd/reportd/internal/eventrunner"
	"github.com/reportd/reportd/internal/logging"
	"github.com/reportd/reportd/internal/rderr"
	"github.com/reportd/reportd/internal/workflow"
)

// Status is a Task's published lifecycle state. Values are transmitted as
// strings over the bus; the Status property never regresses.
type Status string

const (
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusCanceled  Status = "CANCELED"
)

// promptWakeInterval bounds how long the worker can go without re-checking
// cancellation while waiting on an un-committed prompt.
const promptWakeInterval = 250 * time.Millisecond

// quirkEvent is the one event whose exit code is reinterpreted: the
// external tool exits 70 when it notices an existing Bugzilla report,
// which this orchestration treats as success rather than failure.
const quirkEvent = "report_uReport"

// YesNoMemory persists the "yes, forever" decision for an
// AskYesNoYesForever-style prompt, keyed by the prompt's message text. A stored value of "no" means the answer
// is already "yes, forever" and the prompt should be skipped.
type YesNoMemory interface {
	Get(key string) (value string, ok bool)
	Set(key, value string)
}

// Binder produces bus-ready export descriptors for a Task/Prompt's plain
// Go methods and properties. Its production implementation lives in
// internal/daemon, where it has the concrete bus library import the
// domain packages deliberately avoid.
type Binder interface {
	BindTask(t *Task) bus.ExportedObject
	BindPrompt(p *Prompt) bus.ExportedObject
}

// Task is one run of a Workflow against one problem entry.
type Task struct {
	conn    bus.Conn
	binder  Binder
	cache   *cache.Cache
	runner  eventrunner.Runner
	memory  YesNoMemory
	log     *logging.Logger

	Workflow     workflow.Workflow
	ProblemEntry string

	promptBasePath string

	mu         sync.Mutex
	status     Status
	lastErr    error
	path       string
	registered *bus.Registration
	started    bool

	cancelOnce sync.Once
	cancelCh   chan struct{}
	doneCh     chan struct{} // closed exactly once, by finish(), when run() reaches a terminal state

	activePromptMu  sync.Mutex
	activePrompt    *Prompt
	activePromptReg *bus.Registration

	// Metrics, if set, is notified of task start/finish/event-failure.
	Metrics MetricsRecorder
}

// MetricsRecorder receives task lifecycle events. A Task with no Metrics
// set records nothing.
type MetricsRecorder interface {
	TaskStarted()
	TaskFinished(status string)
	EventFailed()
}

// New builds a Task in state READY. Register must be called before Start.
func New(conn bus.Conn, binder Binder, c *cache.Cache, runner eventrunner.Runner, memory YesNoMemory, wf workflow.Workflow, problemEntry string) *Task {
	return &Task{
		conn:         conn,
		binder:       binder,
		cache:        c,
		runner:       runner,
		memory:       memory,
		log:          logging.New("task"),
		Workflow:     wf,
		ProblemEntry: problemEntry,
		status:       StatusReady,
		cancelCh:     make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Register exports the task under a unique suffix of basePath and returns
// the assigned path.
func (t *Task) Register(basePath string) (string, error) {
	obj := t.binder.BindTask(t)
	obj.Path = basePath
	reg, err := t.conn.Export(obj)
	if err != nil {
		return "", err
	}
	t.mu.Lock()
	t.path = reg.Path
	t.registered = reg
	t.mu.Unlock()
	t.promptBasePath = reg.Path + "/Prompt"
	return reg.Path, nil
}

// Path returns the task's exported object path.
func (t *Task) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

// Unexport removes the task from the bus. Idempotent.
func (t *Task) Unexport() {
	t.mu.Lock()
	reg := t.registered
	t.registered = nil
	t.mu.Unlock()
	if reg != nil {
		reg.Unexport()
	}
}

// Status returns the current lifecycle state.
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

// LastError returns the error that produced a FAILED/CANCELED transition,
// if any.
func (t *Task) LastError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastErr
}

func (t *Task) setStatus(s Status, err error) {
	t.mu.Lock()
	t.status = s
	if err != nil {
		t.lastErr = err
	}
	t.mu.Unlock()
}

// Start validates the READY precondition, dispatches the worker, and then
// blocks until the task reaches a terminal state — the reply this produces
// is the pending bus invocation's terminal outcome (empty on success, the
// failure/cancellation error otherwise), not an acknowledgement that the
// worker merely began. Start is dispatched on its own per-call goroutine by
// the bus layer (see internal/daemon/bind.go), so blocking here does not stall other
// concurrent bus calls (Cancel, a Prompt's Commit, another Task's Start);
// it mirrors how the source defers its D-Bus method reply until
// run_event_chain finishes, just via a blocking call instead of a stored
// invocation object. Progress signals and the Status property remain
// observable for the whole duration a caller chooses to wait.
func (t *Task) Start() error {
	t.mu.Lock()
	if t.status != StatusReady || t.started {
		t.mu.Unlock()
		return rderr.New(rderr.BusTransport, "task already started")
	}
	t.started = true
	t.mu.Unlock()

	if t.Metrics != nil {
		t.Metrics.TaskStarted()
	}
	go t.run()

	<-t.doneCh
	return t.terminalError()
}

// terminalError reports the error Start's reply should carry: nil once
// Status is COMPLETED, the recorded failure/cancellation cause otherwise.
func (t *Task) terminalError() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.status == StatusCompleted {
		return nil
	}
	return t.lastErr
}

// Cancel fires the cancellation token, signals SIGTERM to the running
// child process group if any, and wakes any pending prompt. It is
// idempotent and valid in any state.
func (t *Task) Cancel() error {
	t.cancelOnce.Do(func() {
		close(t.cancelCh)
		if pid := t.runner.CurrentPID(); pid > 0 {
			_ = eventrunner.Signal(pid, unix.SIGTERM)
		}
		t.activePromptMu.Lock()
		p := t.activePrompt
		t.activePromptMu.Unlock()
		if p != nil {
			_ = p.Commit()
		}
	})
	return nil
}

func (t *Task) cancelled() bool {
	select {
	case <-t.cancelCh:
		return true
	default:
		return false
	}
}

func (t *Task) run() {
	ctx := context.Background()

	dir, err := t.cache.GetWorkingDirectory(ctx, t.ProblemEntry)
	if err != nil {
		t.finish(StatusFailed, err)
		return
	}

	t.setStatus(StatusRunning, nil)

	env := []string{"LIBREPORT_WORKFLOW=" + t.Workflow.Name}
	sink := eventrunner.SinkFunc(func(line string) {
		_ = t.conn.Emit(t.Path(), taskInterface, "Progress", line)
	})

	for _, event := range t.Workflow.Events {
		if t.cancelled() {
			t.finish(StatusCanceled, rderr.ErrCancelled)
			return
		}

		result, err := t.runner.RunEvent(ctx, dir, event, env, sink, t, t.cancelCh)
		if t.cancelled() {
			t.finish(StatusCanceled, rderr.ErrCancelled)
			return
		}
		if err != nil {
			if kind, ok := rderr.KindOf(err); ok && kind == rderr.Cancelled {
				t.finish(StatusCanceled, err)
			} else {
				t.finish(StatusFailed, err)
			}
			return
		}

		code := applyQuirk(event, result.ExitCode)
		switch {
		case code == 0 && result.ChildrenCount > 0:
			// success, proceed to next event
		case result.ChildrenCount == 0:
			t.finish(StatusFailed, rderr.NoHandlers(event))
			return
		default:
			if t.Metrics != nil {
				t.Metrics.EventFailed()
			}
			t.finish(StatusFailed, rderr.EventFailed(event, code))
			return
		}

		if t.cancelled() {
			t.finish(StatusCanceled, rderr.ErrCancelled)
			return
		}
	}

	if err := t.cache.PushWorkingDirectory(ctx, dir); err != nil {
		t.finish(StatusFailed, err)
		return
	}
	t.finish(StatusCompleted, nil)
}

// applyQuirk rewrites known event-specific exit-code special cases.
func applyQuirk(event string, code int) int {
	if event == quirkEvent && code == 70 {
		return 0
	}
	return code
}

func (t *Task) finish(status Status, err error) {
	t.setStatus(status, err)
	if err != nil && status == StatusFailed {
		t.log.With("task", t.Path(), "workflow", t.Workflow.Name).Errorf("task failed: %v", err)
	}
	if t.Metrics != nil {
		t.Metrics.TaskFinished(string(status))
	}
	close(t.doneCh)
}

// Prompt implements eventrunner.Interactor: it exports a transient Prompt
// object, emits the Prompt signal, and blocks until Commit or
// cancellation.
func (t *Task) Prompt(ctx context.Context, req eventrunner.PromptRequest) eventrunner.PromptResponse {
	if req.Type == eventrunner.AskYesNoYesForever {
		if v, ok := t.memory.Get(req.Message); ok && v == "no" {
			return eventrunner.PromptResponse{Response: true}
		}
	}

	p := newPrompt(t.promptBasePath, req)
	reg, err := t.conn.Export(t.binder.BindPrompt(p))
	if err != nil {
		t.log.Errorf("export prompt: %v", err)
		return eventrunner.PromptResponse{Cancelled: true}
	}

	t.activePromptMu.Lock()
	t.activePrompt = p
	t.activePromptReg = reg
	t.activePromptMu.Unlock()

	defer func() {
		reg.Unexport()
		t.activePromptMu.Lock()
		t.activePrompt = nil
		t.activePromptReg = nil
		t.activePromptMu.Unlock()
	}()

	_ = t.conn.Emit(t.Path(), taskInterface, "Prompt", reg.Path, req.Message, int32(req.Type))

	ticker := time.NewTicker(promptWakeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.committed:
			if t.cancelled() {
				return eventrunner.PromptResponse{Cancelled: true}
			}
			resp := p.snapshot()
			if req.Type == eventrunner.AskYesNoYesForever && resp.Remember && !resp.Response {
				t.memory.Set(req.Message, "no")
			}
			return resp
		case <-t.cancelCh:
			return eventrunner.PromptResponse{Cancelled: true}
		case <-ticker.C:
			if t.cancelled() {
				return eventrunner.PromptResponse{Cancelled: true}
			}
		}
	}
}

const taskInterface = "org.freedesktop.reportd.Task"
