package bus

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"
	"github.com/godbus/dbus/v5/prop"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/reportd/reportd/internal/rderr"
)

// BusType selects which well-known bus a dbusConn serves on: the session
// bus by default, or the system bus via --system.
type BusType int

const (
	SessionBus BusType = iota
	SystemBus
)

// dbusConn is the sole production implementation of Conn, wrapping a real
// *dbus.Conn.
type dbusConn struct {
	conn *dbus.Conn

	mu         sync.Mutex
	watchers   map[string]map[int]func()              // peer -> id -> onExit callback still pending
	watchSeq   int
	signalSubs map[string]map[int]func([]interface{}) // "path|iface.member" -> id -> handler
	subSeq     int
}

// Connect dials the requested bus and starts the NameOwnerChanged watcher
// used by WatchPeerExit. It never acquires a well-known name itself; call
// RequestName for that once the Service object is ready to be exported.
func Connect(t BusType) (Conn, error) {
	var conn *dbus.Conn
	var err error
	switch t {
	case SystemBus:
		conn, err = dbus.ConnectSystemBus()
	default:
		conn, err = dbus.ConnectSessionBus()
	}
	if err != nil {
		return nil, rderr.Wrap(rderr.BusTransport, err, "connect to bus")
	}

	c := &dbusConn{
		conn:       conn,
		watchers:   make(map[string]map[int]func()),
		signalSubs: make(map[string]map[int]func([]interface{})),
	}
	if err := c.watchSignals(); err != nil {
		_ = conn.Close()
		return nil, rderr.Wrap(rderr.BusTransport, err, "subscribe NameOwnerChanged")
	}
	return c, nil
}

// watchSignals installs the NameOwnerChanged match used by WatchPeerExit
// and fans every received signal out to Subscribe handlers matching its
// path and fully-qualified member name.
func (c *dbusConn) watchSignals() error {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/org/freedesktop/DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		return err
	}
	signals := make(chan *dbus.Signal, 16)
	c.conn.Signal(signals)
	go func() {
		for sig := range signals {
			if sig.Name == "org.freedesktop.DBus.NameOwnerChanged" && len(sig.Body) == 3 {
				name, _ := sig.Body[0].(string)
				newOwner, _ := sig.Body[2].(string)
				if newOwner == "" {
					c.firePeerVanished(name)
				}
			}
			c.dispatchSignal(sig)
		}
	}()
	return nil
}

func (c *dbusConn) dispatchSignal(sig *dbus.Signal) {
	key := string(sig.Path) + "|" + sig.Name
	c.mu.Lock()
	handlers := make([]func([]interface{}), 0, len(c.signalSubs[key]))
	for _, h := range c.signalSubs[key] {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()
	for _, h := range handlers {
		h(sig.Body)
	}
}

// Subscribe adds a match rule scoped to peer/path/iface.member and
// registers handler to receive every matching signal until cancelled.
func (c *dbusConn) Subscribe(peer, path, iface, member string, handler func(args []interface{})) *SignalSubscription {
	if err := c.conn.AddMatchSignal(
		dbus.WithMatchSender(peer),
		dbus.WithMatchObjectPath(dbus.ObjectPath(path)),
		dbus.WithMatchInterface(iface),
		dbus.WithMatchMember(member),
	); err != nil {
		return &SignalSubscription{Cancel: func() {}}
	}

	key := path + "|" + iface + "." + member
	c.mu.Lock()
	if c.signalSubs[key] == nil {
		c.signalSubs[key] = make(map[int]func([]interface{}))
	}
	c.subSeq++
	id := c.subSeq
	c.signalSubs[key][id] = handler
	c.mu.Unlock()

	return &SignalSubscription{Cancel: func() {
		c.mu.Lock()
		delete(c.signalSubs[key], id)
		c.mu.Unlock()
	}}
}

func (c *dbusConn) firePeerVanished(peer string) {
	c.mu.Lock()
	cbs := c.watchers[peer]
	delete(c.watchers, peer)
	c.mu.Unlock()
	for _, cb := range cbs {
		cb()
	}
}

// WatchPeerExit registers onExit to fire once peer vanishes from the bus.
func (c *dbusConn) WatchPeerExit(peer string, onExit func()) *PeerWatch {
	c.mu.Lock()
	if c.watchers[peer] == nil {
		c.watchers[peer] = make(map[int]func())
	}
	c.watchSeq++
	id := c.watchSeq
	c.watchers[peer][id] = onExit
	c.mu.Unlock()

	return &PeerWatch{Cancel: func() {
		c.mu.Lock()
		delete(c.watchers[peer], id)
		c.mu.Unlock()
	}}
}

func (c *dbusConn) Peer(name, path string) RemoteObject {
	return &dbusObject{obj: c.conn.Object(name, dbus.ObjectPath(path)), path: path}
}

func (c *dbusConn) Export(o ExportedObject) (*Registration, error) {
	path := o.Path
	if !o.Fixed {
		path = fmt.Sprintf("%s/%s", strings.TrimRight(o.Path, "/"), strings.ReplaceAll(uuid.NewString(), "-", "_"))
	}
	objPath := dbus.ObjectPath(path)

	methods := make(map[string]interface{}, len(o.Methods))
	for name, fn := range o.Methods {
		methods[name] = fn
	}
	if err := c.conn.ExportMethodTable(methods, objPath, o.Interface); err != nil {
		return nil, rderr.Wrap(rderr.BusTransport, err, "export method table")
	}

	var propsServer *prop.Properties
	if len(o.Properties) > 0 {
		spec := make(map[string]map[string]*prop.Prop, 1)
		ifaceProps := make(map[string]*prop.Prop, len(o.Properties))
		for name, p := range o.Properties {
			p := p
			emits := prop.EmitTrue
			writable := p.Set != nil
			ifaceProps[name] = &prop.Prop{
				Value:    p.Get(),
				Writable: writable,
				Emit:     emits,
				Callback: func(c *prop.Change) *dbus.Error {
					if p.Set == nil {
						return dbus.MakeFailedError(errors.New("property is read-only"))
					}
					if err := p.Set(c.Value); err != nil {
						return dbus.MakeFailedError(err)
					}
					return nil
				},
			}
		}
		spec[o.Interface] = ifaceProps
		ps, err := prop.Export(c.conn, objPath, spec)
		if err != nil {
			return nil, rderr.Wrap(rderr.BusTransport, err, "export properties")
		}
		propsServer = ps
	}

	node := &introspect.Node{
		Name: path,
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			prop.IntrospectData,
		},
	}
	_ = c.conn.Export(introspect.NewIntrospectable(node), objPath, "org.freedesktop.DBus.Introspectable")

	unexport := func() {
		_ = c.conn.Export(nil, objPath, o.Interface)
		_ = c.conn.Export(nil, objPath, "org.freedesktop.DBus.Introspectable")
		if propsServer != nil {
			_ = c.conn.Export(nil, objPath, "org.freedesktop.DBus.Properties")
		}
	}
	return &Registration{Path: path, Unexport: unexport}, nil
}

func (c *dbusConn) Emit(path, iface, signal string, args ...interface{}) error {
	if err := c.conn.Emit(dbus.ObjectPath(path), iface+"."+signal, args...); err != nil {
		return rderr.Wrap(rderr.BusTransport, err, "emit signal "+signal)
	}
	return nil
}

func (c *dbusConn) RequestName(name string) error {
	reply, err := c.conn.RequestName(name, dbus.NameFlagDoNotQueue)
	if err != nil {
		return rderr.Wrap(rderr.BusTransport, err, "request name "+name)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		return rderr.New(rderr.BusTransport, "name "+name+" already owned")
	}
	return nil
}

func (c *dbusConn) Close() error {
	return c.conn.Close()
}

// dbusObject adapts dbus.BusObject to RemoteObject.
type dbusObject struct {
	obj  dbus.BusObject
	path string
}

func (o *dbusObject) Path() string { return o.path }

func (o *dbusObject) Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	for i, a := range args {
		args[i] = toDBusValue(a)
	}
	call := o.obj.CallWithContext(ctx, method, 0, args...)
	if call.Err != nil {
		return nil, rderr.Wrap(rderr.StoreAccess, call.Err, "call "+method)
	}
	body := make([]interface{}, len(call.Body))
	for i, v := range call.Body {
		body[i] = resolveFDs(v)
	}
	return body, nil
}

// toDBusValue converts outgoing bus.FD values (and maps of them, as used
// by SaveElements's dict<name, handle>) into dbus.UnixFD so the adapter is
// the only place that imports the concrete fd-passing type.
func toDBusValue(v interface{}) interface{} {
	switch t := v.(type) {
	case FD:
		return dbus.UnixFD(t)
	case map[string]FD:
		out := make(map[string]dbus.UnixFD, len(t))
		for k, fd := range t {
			out[k] = dbus.UnixFD(fd)
		}
		return out
	default:
		return v
	}
}

// resolveFDs walks a decoded D-Bus reply value, turning every UnixFD
// (whether bare or boxed in a Variant, directly or inside a map/slice)
// into a bus.FD so callers never import godbus types directly.
func resolveFDs(v interface{}) interface{} {
	switch t := v.(type) {
	case dbus.UnixFD:
		return FD(t)
	case dbus.Variant:
		return resolveFDs(t.Value())
	case map[string]dbus.Variant:
		out := make(map[string]interface{}, len(t))
		for k, vv := range t {
			out[k] = resolveFDs(vv)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, vv := range t {
			out[i] = resolveFDs(vv)
		}
		return out
	default:
		return v
	}
}

func (o *dbusObject) GetProperty(name string) (interface{}, error) {
	v, err := o.obj.GetProperty(name)
	if err != nil {
		return nil, rderr.Wrap(rderr.StoreAccess, err, "get property "+name)
	}
	return v.Value(), nil
}
