package daemon

import (
	"context"

	"github.com/godbus/dbus/v5"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/rderr"
	"github.com/reportd/reportd/internal/service"
	"github.com/reportd/reportd/internal/task"
)

// Interface names used on the bus. Only this file imports the concrete
// dbus library, so every other package stays transport-agnostic.
const (
	serviceInterface = "org.freedesktop.reportd.Service"
	taskInterface    = "org.freedesktop.reportd.Task"
	promptInterface  = "org.freedesktop.reportd.Prompt"
)

// binder implements task.Binder and produces the Service export
// descriptor; it is the one place where domain methods get wrapped into
// the concrete signatures github.com/godbus/dbus/v5's ExportMethodTable
// requires (one Go argument per D-Bus in-parameter, a trailing
// *dbus.Error return).
type binder struct{}

var _ task.Binder = binder{}

// workflowTuple mirrors the wire struct a(sss): godbus marshals exported
// struct fields positionally into a DBus struct signature.
type workflowTuple struct {
	Name        string
	ScreenName  string
	Description string
}

// BindService wraps svc's methods for export at the fixed Service path.
func (binder) BindService(svc *service.Service) bus.ExportedObject {
	return bus.ExportedObject{
		Path:      servicePath,
		Fixed:     true,
		Interface: serviceInterface,
		Methods: map[string]interface{}{
			"GetWorkflows": func(problemEntry string) ([]workflowTuple, *dbus.Error) {
				summaries, err := svc.GetWorkflows(context.Background(), problemEntry)
				if err != nil {
					return nil, busError(err)
				}
				out := make([]workflowTuple, len(summaries))
				for i, s := range summaries {
					out[i] = workflowTuple{Name: s.Name, ScreenName: s.ScreenName, Description: s.Description}
				}
				return out, nil
			},
			"CreateTask": func(workflowName, problemEntry string, sender dbus.Sender) (dbus.ObjectPath, *dbus.Error) {
				path, err := svc.CreateTask(string(sender), workflowName, problemEntry)
				if err != nil {
					return "", busError(err)
				}
				return dbus.ObjectPath(path), nil
			},
			"AuthorizeProblemsSession": func(flags int32) *dbus.Error {
				if err := svc.AuthorizeProblemsSession(context.Background(), flags); err != nil {
					return busError(err)
				}
				return nil
			},
		},
	}
}

// BindTask wraps t's Start/Cancel methods and Status property for export
// at its unique task path.
func (binder) BindTask(t *task.Task) bus.ExportedObject {
	return bus.ExportedObject{
		Path:      taskBasePath,
		Interface: taskInterface,
		Methods: map[string]interface{}{
			// t.Start blocks until the task reaches a terminal state, so
			// this call's reply carries the real outcome; godbus handles
			// each incoming method call on its own goroutine, so this
			// does not stall Cancel, a Prompt Commit, or any other Task's
			// Start.
			"Start": func() *dbus.Error {
				if err := t.Start(); err != nil {
					return busError(err)
				}
				return nil
			},
			"Cancel": func() *dbus.Error {
				if err := t.Cancel(); err != nil {
					return busError(err)
				}
				return nil
			},
		},
		Properties: map[string]bus.Property{
			"Status": {Get: func() interface{} { return string(t.Status()) }},
		},
	}
}

// BindPrompt wraps p's Input/Response/Remember properties and Commit
// method for export at its unique prompt path.
func (binder) BindPrompt(p *task.Prompt) bus.ExportedObject {
	return bus.ExportedObject{
		Path:      p.BasePath(),
		Interface: promptInterface,
		Methods: map[string]interface{}{
			"Commit": func() *dbus.Error {
				if err := p.Commit(); err != nil {
					return busError(err)
				}
				return nil
			},
		},
		Properties: map[string]bus.Property{
			"Input": {
				Get: func() interface{} { return p.Input() },
				Set: func(v interface{}) error {
					s, _ := v.(string)
					return p.SetInput(s)
				},
			},
			"Response": {
				Get: func() interface{} { return p.Response() },
				Set: func(v interface{}) error {
					b, _ := v.(bool)
					return p.SetResponse(b)
				},
			},
			"Remember": {
				Get: func() interface{} { return p.Remember() },
				Set: func(v interface{}) error {
					b, _ := v.(bool)
					return p.SetRemember(b)
				},
			},
		},
	}
}

// busError converts a core error into a *dbus.Error, preserving the
// taxonomy's Kind as the error name so clients can distinguish e.g.
// UnknownWorkflow from a transport failure.
func busError(err error) *dbus.Error {
	name := "org.freedesktop.reportd.Error.Failed"
	if kind, ok := rderr.KindOf(err); ok {
		name = "org.freedesktop.reportd.Error." + string(kind)
	}
	return dbus.NewError(name, []interface{}{err.Error()})
}
