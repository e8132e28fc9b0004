// Package bustest provides an in-memory bus.Conn for exercising the core
// (cache/task/service/daemon packages) without a real D-Bus daemon.
package bustest

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/reportd/reportd/internal/bus"
)

// Conn is a fake bus.Conn. Call/property responses for remote peers are
// programmed via Handlers/Properties before use; exported objects are
// tracked so tests can assert on what is currently live.
type Conn struct {
	mu sync.Mutex

	// Handlers maps "peer|path|method" to a function computing the
	// reply. Tests populate this to script the problem store's
	// responses to ReadElements/SaveElements/GetSession/Authorize.
	Handlers map[string]func(args []interface{}) ([]interface{}, error)
	// Properties maps "peer|path|name" to a static property value.
	Properties map[string]interface{}

	exported map[string]bus.ExportedObject
	names    map[string]bool
	watchers map[string][]func()
	signals  map[string]map[int]func([]interface{})
	seq      int
	subSeq   int
}

// New returns an empty fake connection.
func New() *Conn {
	return &Conn{
		Handlers:   make(map[string]func([]interface{}) ([]interface{}, error)),
		Properties: make(map[string]interface{}),
		exported:   make(map[string]bus.ExportedObject),
		names:      make(map[string]bool),
		watchers:   make(map[string][]func()),
		signals:    make(map[string]map[int]func([]interface{})),
	}
}

func key(parts ...string) string {
	s := ""
	for i, p := range parts {
		if i > 0 {
			s += "|"
		}
		s += p
	}
	return s
}

// On registers a handler for peer/path/method.
func (c *Conn) On(peer, path, method string, fn func(args []interface{}) ([]interface{}, error)) {
	c.Handlers[key(peer, path, method)] = fn
}

// SetProperty registers a static property value for peer/path/name.
func (c *Conn) SetProperty(peer, path, name string, value interface{}) {
	c.Properties[key(peer, path, name)] = value
}

type fakeObject struct {
	c          *Conn
	peer, path string
}

func (o *fakeObject) Path() string { return o.path }

func (o *fakeObject) Call(_ context.Context, method string, args ...interface{}) ([]interface{}, error) {
	o.c.mu.Lock()
	fn, ok := o.c.Handlers[key(o.peer, o.path, method)]
	o.c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bustest: no handler for %s %s %s", o.peer, o.path, method)
	}
	return fn(args)
}

func (o *fakeObject) GetProperty(name string) (interface{}, error) {
	o.c.mu.Lock()
	v, ok := o.c.Properties[key(o.peer, o.path, name)]
	o.c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bustest: no property %s on %s %s", name, o.peer, o.path)
	}
	return v, nil
}

func (c *Conn) Peer(name, path string) bus.RemoteObject {
	return &fakeObject{c: c, peer: name, path: path}
}

func (c *Conn) Export(o bus.ExportedObject) (*bus.Registration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	path := o.Path
	if !o.Fixed {
		c.seq++
		path = fmt.Sprintf("%s/t%d", o.Path, c.seq)
	}
	c.exported[path] = o
	return &bus.Registration{
		Path: path,
		Unexport: func() {
			c.mu.Lock()
			delete(c.exported, path)
			c.mu.Unlock()
		},
	}, nil
}

// IsExported reports whether path is currently exported, for assertions
// like "GetManagedObjects no longer lists a finished task's object".
func (c *Conn) IsExported(path string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.exported[path]
	return ok
}

// CallMethod lets a test act as the bus dispatcher and invoke an exported
// object's method directly, e.g. to Commit a Prompt. Exported methods may
// have any concrete signature (matching real godbus.ExportMethodTable
// dispatch, which resolves by reflection too), so CallMethod calls through
// reflect rather than a fixed type assertion. The final return value, if
// it implements error (including *dbus.Error), is surfaced as the error
// result; any other return values come back as ret.
func (c *Conn) CallMethod(path, method string, args ...interface{}) (ret []interface{}, err error) {
	c.mu.Lock()
	o, ok := c.exported[path]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("bustest: %s not exported", path)
	}
	fn, ok := o.Methods[method]
	if !ok {
		return nil, fmt.Errorf("bustest: %s has no method %s", path, method)
	}
	fv := reflect.ValueOf(fn)
	in := make([]reflect.Value, len(args))
	for i, a := range args {
		in[i] = reflect.ValueOf(a)
	}
	out := fv.Call(in)
	if n := len(out); n > 0 {
		last := out[n-1]
		if e, ok := last.Interface().(error); ok && e != nil {
			err = e
		}
		for _, v := range out[:n-1] {
			ret = append(ret, v.Interface())
		}
	}
	return ret, err
}

func (c *Conn) Emit(path, iface, signal string, args ...interface{}) error { return nil }

func (c *Conn) RequestName(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.names[name] {
		return fmt.Errorf("bustest: name %s already owned", name)
	}
	c.names[name] = true
	return nil
}

func (c *Conn) WatchPeerExit(peer string, onExit func()) *bus.PeerWatch {
	c.mu.Lock()
	c.watchers[peer] = append(c.watchers[peer], onExit)
	c.mu.Unlock()
	return &bus.PeerWatch{Cancel: func() {}}
}

func signalKey(peer, path, iface, member string) string {
	return key(peer, path, iface+"."+member)
}

// Subscribe registers handler for peer/path/iface.member; tests trigger it
// via FireSignal.
func (c *Conn) Subscribe(peer, path, iface, member string, handler func(args []interface{})) *bus.SignalSubscription {
	k := signalKey(peer, path, iface, member)
	c.mu.Lock()
	if c.signals[k] == nil {
		c.signals[k] = make(map[int]func([]interface{}))
	}
	c.subSeq++
	id := c.subSeq
	c.signals[k][id] = handler
	c.mu.Unlock()

	return &bus.SignalSubscription{Cancel: func() {
		c.mu.Lock()
		delete(c.signals[k], id)
		c.mu.Unlock()
	}}
}

// FireSignal simulates peer emitting iface.member from path with args,
// invoking every handler currently subscribed to it.
func (c *Conn) FireSignal(peer, path, iface, member string, args []interface{}) {
	k := signalKey(peer, path, iface, member)
	c.mu.Lock()
	handlers := make([]func([]interface{}), 0, len(c.signals[k]))
	for _, h := range c.signals[k] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(args)
	}
}

// FirePeerVanished simulates the peer disconnecting from the bus.
func (c *Conn) FirePeerVanished(peer string) {
	c.mu.Lock()
	cbs := c.watchers[peer]
	delete(c.watchers, peer)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

func (c *Conn) Close() error { return nil }

var _ bus.Conn = (*Conn)(nil)
