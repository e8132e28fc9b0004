// Package eventrunner spawns the external "event runner" work for a
// dump directory and event name: one or more configured child processes,
// with stdout/stderr piped through a logging callback and an interaction
// callback consulted for prompts. The core (internal/task) only depends
// on the Runner interface in this file; Exec is the one production
// adapter, using a context-bound exec.Cmd with process lifetime tracked
// separately from the call site.
package eventrunner

import (
	"bufio"
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/reportd/reportd/internal/logging"
	"github.com/reportd/reportd/internal/rderr"
)

// PromptType enumerates the ways a running event can ask for input.
type PromptType int

const (
	Ask PromptType = iota
	AskYesNo
	AskYesNoYesForever
	AskYesNoSave
	AskPassword
)

// PromptRequest is what a running event hands up to the interaction layer.
type PromptRequest struct {
	Type    PromptType
	Message string
}

// PromptResponse is what the interaction layer hands back down. Cancelled
// is set instead of a real answer when the task's cancellation token fired
// while the prompt was outstanding.
type PromptResponse struct {
	Input     string
	Response  bool
	Remember  bool
	Cancelled bool
}

// Interactor is consulted whenever a running event needs input. It is
// expected to block until an answer is available.
type Interactor interface {
	Prompt(ctx context.Context, req PromptRequest) PromptResponse
}

// Sink receives one line of child output at a time, in emission order.
type Sink interface {
	Line(line string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(string)

func (f SinkFunc) Line(line string) { f(line) }

// CommandSpec is one child process belonging to an event.
type CommandSpec struct {
	Path string
	Args []string
	Env  []string // additional environment, appended to the process's own
}

// EventConfigResolver supplies the child-process chain configured for an
// event name. Its concrete implementation reads on-disk event config
// (events.d-style files); that parsing is injected here rather than
// implemented inline so the runner stays testable without a filesystem.
type EventConfigResolver interface {
	Commands(event string) ([]CommandSpec, error)
}

// Result is what running one event chain's single event produced.
type Result struct {
	ChildrenCount int
	ExitCode      int
}

// Runner is the whole of the external event-runner capability the task
// engine depends on.
type Runner interface {
	// PossibleWorkflows returns the workflow names the runner considers
	// applicable to dumpDir.
	PossibleWorkflows(ctx context.Context, dumpDir string) ([]string, error)
	// RunEvent spawns every configured command for event against
	// dumpDir in turn, streaming output to out and handling prompts via
	// interact, until cancel is closed or the chain finishes.
	RunEvent(ctx context.Context, dumpDir, event string, env []string, out Sink, interact Interactor, cancel <-chan struct{}) (Result, error)
	// CurrentPID returns the pid of the currently-running child for the
	// most recent RunEvent call on this Runner instance, or 0 if none is
	// running. Cancel reads this without synchronization by design; a
	// stale/zero read just means no signal is sent.
	CurrentPID() int
	// Fresh returns a new Runner sharing this one's configuration (the
	// EventConfigResolver) but with its own, independent command-pid
	// tracking. Every Task must be given its own Fresh() instance: the
	// command-pid field is per-run-in-progress state, and two Tasks
	// sharing one Runner would have Cancel on one task's CurrentPID
	// racing, and possibly signalling, whichever task's child happened to
	// be running on the shared instance at that moment.
	Fresh() Runner
}

const askLinePrefix = "\x01REPORTD-ASK\x01"

// Exec is the production Runner: it resolves event commands via resolver
// and spawns them with os/exec, one process group per command so Cancel
// can signal the whole subtree.
type Exec struct {
	resolver EventConfigResolver
	log      *logging.Logger

	pid int32 // atomic; see CurrentPID
}

// NewExec builds an Exec runner using resolver for event->command lookup.
func NewExec(resolver EventConfigResolver) *Exec {
	return &Exec{resolver: resolver, log: logging.New("eventrunner")}
}

func (e *Exec) CurrentPID() int { return int(atomic.LoadInt32(&e.pid)) }

// Fresh returns a new Exec reading from the same resolver, with its own
// zeroed command-pid. internal/service calls this once per CreateTask so
// every Task owns an isolated Runner instance.
func (e *Exec) Fresh() Runner {
	return NewExec(e.resolver)
}

// PossibleWorkflows asks the resolver which workflows apply to dumpDir and
// reports back the workflow names found; Service intersects this against
// the loaded workflow catalogue.
func (e *Exec) PossibleWorkflows(ctx context.Context, dumpDir string) ([]string, error) {
	// The real event-runner library inspects dumpDir's elements (e.g.
	// which analyzer produced it) to decide which workflows apply; that
	// inspection logic lives entirely in the external library and is
	// opaque to the core. Exec defers to the resolver for the concrete
	// decision so the core never needs to know the dump-directory format.
	type lister interface {
		PossibleWorkflows(dumpDir string) ([]string, error)
	}
	if l, ok := e.resolver.(lister); ok {
		return l.PossibleWorkflows(dumpDir)
	}
	return nil, rderr.New(rderr.StoreAccess, "event runner resolver cannot list applicable workflows")
}

func (e *Exec) RunEvent(ctx context.Context, dumpDir, event string, env []string, out Sink, interact Interactor, cancel <-chan struct{}) (Result, error) {
	commands, err := e.resolver.Commands(event)
	if err != nil {
		return Result{}, rderr.Wrap(rderr.StoreAccess, err, "resolve commands for event "+event)
	}

	var result Result
	for _, spec := range commands {
		select {
		case <-cancel:
			return result, rderr.ErrCancelled
		default:
		}

		code, err := e.runOne(ctx, dumpDir, spec, env, out, interact, cancel)
		result.ChildrenCount++
		result.ExitCode = code
		if err != nil {
			return result, err
		}
		if code != 0 {
			return result, nil
		}
	}
	return result, nil
}

func (e *Exec) runOne(ctx context.Context, dumpDir string, spec CommandSpec, env []string, out Sink, interact Interactor, cancel <-chan struct{}) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Dir = dumpDir
	cmd.Env = append(append([]string{}, spec.Env...), env...)
	cmd.SysProcAttr = setpgidAttr()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return -1, rderr.Wrap(rderr.StoreAccess, err, "open stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, rderr.Wrap(rderr.StoreAccess, err, "open stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, rderr.Wrap(rderr.StoreAccess, err, "open stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return -1, rderr.Wrap(rderr.StoreAccess, err, "start "+spec.Path)
	}
	atomic.StoreInt32(&e.pid, int32(cmd.Process.Pid))
	defer atomic.StoreInt32(&e.pid, 0)

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		s := bufio.NewScanner(stderr)
		for s.Scan() {
			out.Line(s.Text())
		}
	}()

	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		if msg, ptype, ok := parseAskLine(line); ok {
			resp := interact.Prompt(ctx, PromptRequest{Type: ptype, Message: msg})
			if resp.Cancelled {
				_ = stdin.Close()
				continue
			}
			fmt.Fprintln(stdin, encodeAnswer(resp))
			continue
		}
		out.Line(line)
	}

	<-stderrDone
	err = cmd.Wait()
	if exitErr, ok := err.(*exec.ExitError); ok {
		return exitErr.ExitCode(), nil
	}
	if err != nil {
		return -1, rderr.Wrap(rderr.StoreAccess, err, "wait for "+spec.Path)
	}
	return 0, nil
}

func parseAskLine(line string) (message string, t PromptType, ok bool) {
	if !strings.HasPrefix(line, askLinePrefix) {
		return "", 0, false
	}
	rest := strings.TrimPrefix(line, askLinePrefix)
	parts := strings.SplitN(rest, "\x01", 2)
	if len(parts) != 2 {
		return "", 0, false
	}
	switch parts[0] {
	case "ASK":
		t = Ask
	case "ASK_YES_NO":
		t = AskYesNo
	case "ASK_YES_NO_YESFOREVER":
		t = AskYesNoYesForever
	case "ASK_YES_NO_SAVE":
		t = AskYesNoSave
	case "ASK_PASSWORD":
		t = AskPassword
	default:
		return "", 0, false
	}
	return parts[1], t, true
}

func encodeAnswer(resp PromptResponse) string {
	return fmt.Sprintf("%s\x01%v\x01%v", resp.Input, resp.Response, resp.Remember)
}

// setpgidAttr isolated so platform-specific process-group wiring stays in
// one place; see Signal below for the signalling half.
func setpgidAttr() *execSysProcAttr {
	return newSetpgidAttr()
}

// Signal sends sig to the process group rooted at pid, used by Cancel to
// terminate a running event's whole child subtree at once.
func Signal(pid int, sig unix.Signal) error {
	if pid <= 0 {
		return nil
	}
	return unix.Kill(-pid, sig)
}
