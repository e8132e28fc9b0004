package service_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/bus/bustest"
	"github.com/reportd/reportd/internal/cache"
	"github.com/reportd/reportd/internal/eventrunner"
	"github.com/reportd/reportd/internal/rderr"
	"github.com/reportd/reportd/internal/service"
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
	possible []string
	freshed  int // count of Fresh() calls made on this instance
}

func (f *fakeRunner) PossibleWorkflows(ctx context.Context, dumpDir string) ([]string, error) {
	return f.possible, nil
}
func (f *fakeRunner) CurrentPID() int { return 0 }
func (f *fakeRunner) RunEvent(ctx context.Context, dumpDir, event string, env []string, out eventrunner.Sink, interact eventrunner.Interactor, cancel <-chan struct{}) (eventrunner.Result, error) {
	return eventrunner.Result{ChildrenCount: 1, ExitCode: 0}, nil
}

// Fresh returns a distinct *fakeRunner each call, mirroring Exec.Fresh, and
// counts how many times it was asked for a new instance.
func (f *fakeRunner) Fresh() eventrunner.Runner {
	f.freshed++
	return &fakeRunner{possible: f.possible}
}

type memMemory struct{ m map[string]string }

func newMemMemory() *memMemory                     { return &memMemory{m: map[string]string{}} }
func (m *memMemory) Get(key string) (string, bool) { v, ok := m.m[key]; return v, ok }
func (m *memMemory) Set(key, value string)         { m.m[key] = value }

func setupCache(t *testing.T, conn *bustest.Conn) *cache.Cache {
	t.Helper()
	c, err := cache.New(conn, filepath.Join(t.TempDir(), "reportd"))
	require.NoError(t, err)
	return c
}

func newCatalogue(t *testing.T, workflows ...workflow.Workflow) *workflow.Catalogue {
	t.Helper()
	return workflow.NewCatalogue(workflows)
}

func TestGetWorkflowsFiltersToCatalogue(t *testing.T) {
	conn := bustest.New()
	c := setupCache(t, conn)
	entry := cache.EntryPath("1")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})

	runner := &fakeRunner{possible: []string{"debug", "not_in_catalogue"}}
	cat := newCatalogue(t, workflow.Workflow{Name: "debug", ScreenName: "Debug", Description: "open gdb"})

	svc := service.New(conn, fakeBinder{}, c, runner, cat, newMemMemory(), "/org/freedesktop/reportd/Task")
	summaries, err := svc.GetWorkflows(context.Background(), entry)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, "debug", summaries[0].Name)
}

func TestCreateTaskRejectsUnknownWorkflow(t *testing.T) {
	conn := bustest.New()
	c := setupCache(t, conn)
	cat := newCatalogue(t)
	svc := service.New(conn, fakeBinder{}, c, &fakeRunner{}, cat, newMemMemory(), "/org/freedesktop/reportd/Task")

	_, err := svc.CreateTask(":1.1", "nonexistent", cache.EntryPath("1"))
	assert.ErrorIs(t, err, rderr.ErrUnknownWorkflow)
}

func TestCreateTaskUnregisteredOnPeerVanish(t *testing.T) {
	conn := bustest.New()
	c := setupCache(t, conn)
	entry := cache.EntryPath("2")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})

	cat := newCatalogue(t, workflow.Workflow{Name: "debug"})
	svc := service.New(conn, fakeBinder{}, c, &fakeRunner{}, cat, newMemMemory(), "/org/freedesktop/reportd/Task")

	path, err := svc.CreateTask(":1.1", "debug", entry)
	require.NoError(t, err)
	assert.True(t, conn.IsExported(path))

	conn.FirePeerVanished(":1.1")
	assert.False(t, conn.IsExported(path))
	assert.Empty(t, svc.Tasks(":1.1"))
}

func TestCreateTaskGivesEachTaskItsOwnRunner(t *testing.T) {
	conn := bustest.New()
	c := setupCache(t, conn)
	entry := cache.EntryPath("3")
	conn.SetProperty(cache.StorePeer, entry, "Elements", []string{})

	cat := newCatalogue(t, workflow.Workflow{Name: "debug"})
	runner := &fakeRunner{}
	svc := service.New(conn, fakeBinder{}, c, runner, cat, newMemMemory(), "/org/freedesktop/reportd/Task")

	_, err := svc.CreateTask(":1.1", "debug", entry)
	require.NoError(t, err)
	_, err = svc.CreateTask(":1.2", "debug", entry)
	require.NoError(t, err)

	assert.Equal(t, 2, runner.freshed, "CreateTask must call Fresh() once per task rather than sharing s.runner")
}

func TestAuthorizeProblemsSessionImmediateYes(t *testing.T) {
	conn := bustest.New()
	c := setupCache(t, conn)
	conn.On("org.freedesktop.problems", "/org/freedesktop/Problems2", "GetSession", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{"/org/freedesktop/Problems2/Session"}, nil
	})
	conn.On("org.freedesktop.problems", "/org/freedesktop/Problems2/Session", "Authorize", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{int32(0)}, nil
	})

	cat := newCatalogue(t)
	svc := service.New(conn, fakeBinder{}, c, &fakeRunner{}, cat, newMemMemory(), "/org/freedesktop/reportd/Task")
	err := svc.AuthorizeProblemsSession(context.Background(), 0)
	assert.NoError(t, err)
}

func TestAuthorizeProblemsSessionWaitsForSignal(t *testing.T) {
	conn := bustest.New()
	c := setupCache(t, conn)
	conn.On("org.freedesktop.problems", "/org/freedesktop/Problems2", "GetSession", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{"/org/freedesktop/Problems2/Session"}, nil
	})
	conn.On("org.freedesktop.problems", "/org/freedesktop/Problems2/Session", "Authorize", func(args []interface{}) ([]interface{}, error) {
		return []interface{}{int32(1)}, nil
	})

	cat := newCatalogue(t)
	svc := service.New(conn, fakeBinder{}, c, &fakeRunner{}, cat, newMemMemory(), "/org/freedesktop/reportd/Task")

	done := make(chan error, 1)
	go func() {
		done <- svc.AuthorizeProblemsSession(context.Background(), 0)
	}()

	time.Sleep(20 * time.Millisecond)
	conn.FireSignal("org.freedesktop.problems", "/org/freedesktop/Problems2/Session", "org.freedesktop.Problems2.Session", "AuthorizationChanged", []interface{}{int32(0)})

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("AuthorizeProblemsSession did not return after AuthorizationChanged")
	}
}
