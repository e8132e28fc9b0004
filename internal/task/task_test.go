package task_test

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/bus/bustest"
	"github.com/reportd/reportd/internal/cache"
	"github.com/reportd/reportd/internal/eventrunner"
	"github.com/reportd/reportd/internal/rderr"
	"github.com/reportd/reportd/internal/task"
	"github.com/reportd/reportd/internal/workflow"
)

type fakeBinder struct{}

func (fakeBinder) BindTask(t *task.Task) bus.ExportedObject {
	return bus.ExportedObject{Path: "/org/freedesktop/reportd/Task", Interface: "org.freedesktop.reportd.Task", Methods: map[string]interface{}{}}
}

func (fakeBinder) BindPrompt(p *task.Prompt) bus.ExportedObject {
	return bus.ExportedObject{Path: p.BasePath(), Interface: "org.freedesktop.reportd.Prompt", Methods: map[string]interface{}{}}
}

type fakeRunner struct {
	events    map[string]func(ctx context.Context, dir string, out eventrunner.Sink, interact eventrunner.Interactor) (eventrunner.Result, error)
	possible  []string
}

func (f *fakeRunner) PossibleWorkflows(ctx context.Context, dumpDir string) ([]string, error) {
	return f.possible, nil
}

func (f *fakeRunner) CurrentPID() int { return 0 }

func (f *fakeRunner) Fresh() eventrunner.Runner { return f }

func (f *fakeRunner) RunEvent(ctx context.Context, dumpDir, event string, env []string, out eventrunner.Sink, interact eventrunner.Interactor, cancel <-chan struct{}) (eventrunner.Result, error) {
	fn, ok := f.events[event]
	if !ok {
		return eventrunner.Result{}, nil
	}
	return fn(ctx, dumpDir, out, interact)
}

type memMemory struct{ m map[string]string }

func newMemMemory() *memMemory { return &memMemory{m: map[string]string{}} }
func (m *memMemory) Get(key string) (string, bool) { v, ok := m.m[key]; return v, ok }
func (m *memMemory) Set(key, value string)         { m.m[key] = value }

func setupCache(t *testing.T, conn *bustest.Conn) (*cache.Cache, string) {
	t.Helper()
	root := t.TempDir()
	c, err := cache.New(conn, filepath.Join(root, "reportd"))
	require.NoError(t, err)
	return c, filepath.Join(root, "reportd")
}

func TestTaskRunSucceeds(t *testing.T) {
	conn := bustest.New()
	c, _ := setupCache(t, conn)

	entry := cache.EntryPath("42")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{"backtrace"})
	conn.On(cache.StorePeer, entry, "ReadElements", func(args []interface{}) ([]interface{}, error) {
		tmp := t.TempDir()
		f, _ := os.Create(filepath.Join(tmp, "backtrace"))
		f.WriteString("oops")
		f.Close()
		fd, _ := os.Open(filepath.Join(tmp, "backtrace"))
		return []interface{}{map[string]interface{}{"backtrace": bus.FD(fd.Fd())}}, nil
	})
	conn.On(cache.StorePeer, cache.EntryPath("42"), "SaveElements", func(args []interface{}) ([]interface{}, error) {
		return nil, nil
	})

	runner := &fakeRunner{events: map[string]func(context.Context, string, eventrunner.Sink, eventrunner.Interactor) (eventrunner.Result, error){
		"open_gdb": func(ctx context.Context, dir string, out eventrunner.Sink, interact eventrunner.Interactor) (eventrunner.Result, error) {
			out.Line("running gdb")
			return eventrunner.Result{ChildrenCount: 1, ExitCode: 0}, nil
		},
	}}

	wf := workflow.Workflow{Name: "debug", Events: []string{"open_gdb"}}
	tsk := task.New(conn, fakeBinder{}, c, runner, newMemMemory(), wf, entry)
	_, err := tsk.Register("/org/freedesktop/reportd/Task")
	require.NoError(t, err)

	require.NoError(t, tsk.Start())
	assert.Equal(t, task.StatusCompleted, tsk.Status())
	assert.NoError(t, tsk.LastError())
}

func TestTaskQuirkRewritesExit70(t *testing.T) {
	conn := bustest.New()
	c, _ := setupCache(t, conn)
	entry := cache.EntryPath("7")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})
	conn.On(cache.StorePeer, entry, "SaveElements", func(args []interface{}) ([]interface{}, error) { return nil, nil })

	runner := &fakeRunner{events: map[string]func(context.Context, string, eventrunner.Sink, eventrunner.Interactor) (eventrunner.Result, error){
		"report_uReport": func(ctx context.Context, dir string, out eventrunner.Sink, interact eventrunner.Interactor) (eventrunner.Result, error) {
			return eventrunner.Result{ChildrenCount: 1, ExitCode: 70}, nil
		},
	}}

	wf := workflow.Workflow{Name: "bugzilla", Events: []string{"report_uReport"}}
	tsk := task.New(conn, fakeBinder{}, c, runner, newMemMemory(), wf, entry)
	_, err := tsk.Register("/org/freedesktop/reportd/Task")
	require.NoError(t, err)

	require.NoError(t, tsk.Start())
	assert.Equal(t, task.StatusCompleted, tsk.Status())
}

func TestTaskCancelDuringPrompt(t *testing.T) {
	conn := bustest.New()
	c, _ := setupCache(t, conn)
	entry := cache.EntryPath("99")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})

	started := make(chan struct{})
	runner := &fakeRunner{events: map[string]func(context.Context, string, eventrunner.Sink, eventrunner.Interactor) (eventrunner.Result, error){
		"ask": func(ctx context.Context, dir string, out eventrunner.Sink, interact eventrunner.Interactor) (eventrunner.Result, error) {
			close(started)
			resp := interact.Prompt(ctx, eventrunner.PromptRequest{Type: eventrunner.Ask, Message: "continue?"})
			if resp.Cancelled {
				return eventrunner.Result{}, nil
			}
			return eventrunner.Result{ChildrenCount: 1, ExitCode: 0}, nil
		},
	}}

	wf := workflow.Workflow{Name: "interactive", Events: []string{"ask"}}
	tsk := task.New(conn, fakeBinder{}, c, runner, newMemMemory(), wf, entry)
	_, err := tsk.Register("/org/freedesktop/reportd/Task")
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- tsk.Start() }()

	<-started
	require.NoError(t, tsk.Cancel())

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, rderr.ErrCancelled)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("Start did not return within 300ms of Cancel")
	}
	assert.Equal(t, task.StatusCanceled, tsk.Status())
}

func TestTaskCancelIsIdempotent(t *testing.T) {
	conn := bustest.New()
	c, _ := setupCache(t, conn)
	entry := cache.EntryPath("100")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})

	started := make(chan struct{})
	runner := &fakeRunner{events: map[string]func(context.Context, string, eventrunner.Sink, eventrunner.Interactor) (eventrunner.Result, error){
		"ask": func(ctx context.Context, dir string, out eventrunner.Sink, interact eventrunner.Interactor) (eventrunner.Result, error) {
			close(started)
			resp := interact.Prompt(ctx, eventrunner.PromptRequest{Type: eventrunner.Ask, Message: "continue?"})
			if resp.Cancelled {
				return eventrunner.Result{}, nil
			}
			return eventrunner.Result{ChildrenCount: 1, ExitCode: 0}, nil
		},
	}}

	wf := workflow.Workflow{Name: "interactive", Events: []string{"ask"}}
	tsk := task.New(conn, fakeBinder{}, c, runner, newMemMemory(), wf, entry)
	_, err := tsk.Register("/org/freedesktop/reportd/Task")
	require.NoError(t, err)

	startErr := make(chan error, 1)
	go func() { startErr <- tsk.Start() }()
	<-started

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, tsk.Cancel())
		}()
	}
	wg.Wait()

	select {
	case err := <-startErr:
		assert.ErrorIs(t, err, rderr.ErrCancelled)
	case <-time.After(300 * time.Millisecond):
		t.Fatal("Start did not return within 300ms of concurrent Cancel calls")
	}
	assert.Equal(t, task.StatusCanceled, tsk.Status())
}

func TestTaskYesNoYesForeverRemembered(t *testing.T) {
	conn := bustest.New()
	c, _ := setupCache(t, conn)
	entry := cache.EntryPath("5")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})
	conn.On(cache.StorePeer, entry, "SaveElements", func(args []interface{}) ([]interface{}, error) { return nil, nil })

	mem := newMemMemory()
	mem.Set("keep asking?", "no")

	var gotResponse bool
	runner := &fakeRunner{events: map[string]func(context.Context, string, eventrunner.Sink, eventrunner.Interactor) (eventrunner.Result, error){
		"ask_forever": func(ctx context.Context, dir string, out eventrunner.Sink, interact eventrunner.Interactor) (eventrunner.Result, error) {
			resp := interact.Prompt(ctx, eventrunner.PromptRequest{Type: eventrunner.AskYesNoYesForever, Message: "keep asking?"})
			gotResponse = resp.Response
			return eventrunner.Result{ChildrenCount: 1, ExitCode: 0}, nil
		},
	}}

	wf := workflow.Workflow{Name: "forever", Events: []string{"ask_forever"}}
	tsk := task.New(conn, fakeBinder{}, c, runner, mem, wf, entry)
	_, err := tsk.Register("/org/freedesktop/reportd/Task")
	require.NoError(t, err)

	require.NoError(t, tsk.Start())
	assert.True(t, gotResponse)
}
