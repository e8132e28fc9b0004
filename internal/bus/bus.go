// Package bus defines the message-bus contract the reportd core depends
// on: the core only needs "call a remote method with a request variant
// and optional attached file descriptors, and receive a response variant
// plus returned file descriptors" and "register/unregister an exported
// object at a chosen path". This package states that contract as Go
// interfaces; a concrete github.com/godbus/dbus/v5 adapter lives in
// dbusconn.go.
package bus

import "context"

// FD is a Unix file descriptor returned by or supplied to a bus call,
// already resolved to a concrete fd (owned by the caller, who must close
// it once consumed). Keeping this as a plain int instead of exposing
// github.com/godbus/dbus/v5's UnixFD type keeps callers like
// internal/cache transport-agnostic.
type FD int

// RemoteObject is a handle to one object path on one bus peer. It is the
// whole of what ProblemCache and Service need from the store side of the
// bus: synchronous method calls and cached-property reads.
type RemoteObject interface {
	// Call invokes method on the object, blocking until the reply
	// arrives or ctx is done. The returned slice holds the reply's
	// out-arguments in order; Unix file descriptors appear inline as
	// concrete fds already duplicated for the caller to own and close.
	Call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error)
	// GetProperty reads a single cached property by name.
	GetProperty(name string) (interface{}, error)
	// Path is the object path this handle addresses, for logging.
	Path() string
}

// ExportedObject is what a component registers on the bus: a method
// dispatch target plus the properties it wants readable/writable through
// the standard org.freedesktop.DBus.Properties interface.
type ExportedObject struct {
	// Path is the object path to export at. Conn.Export appends a
	// uniquifying suffix unless Fixed is set.
	Path string
	// Fixed, if true, exports at Path exactly (used for the one
	// well-known Service object); otherwise a unique suffix is appended.
	Fixed bool
	// Interface is the D-Bus interface name the method table and
	// properties are exported under.
	Interface string
	// Methods maps D-Bus method names to concrete Go functions, one
	// argument per D-Bus in-parameter and a trailing *dbus.Error return,
	// exactly as github.com/godbus/dbus/v5's ExportMethodTable expects;
	// the adapter passes this map straight through. Component packages
	// keep their own APIs transport-agnostic and a small binding layer
	// (internal/daemon/bind.go) wraps them into this shape.
	Methods map[string]interface{}
	// Properties lists the property names the object publishes; Get
	// reads the current value, Set (nil if read-only) applies a new one.
	Properties map[string]Property
}

// Property is one bus-visible property of an exported object.
type Property struct {
	Get func() interface{}
	Set func(interface{}) error
}

// Registration is returned by Conn.Export; Unexport removes the object
// from the bus and is idempotent.
type Registration struct {
	Path     string
	Unexport func()
}

// PeerWatch is returned by Conn.WatchPeerExit; Cancel stops the watch
// without affecting whether the peer has already vanished.
type PeerWatch struct {
	Cancel func()
}

// SignalSubscription is returned by Conn.Subscribe; Cancel stops delivery.
type SignalSubscription struct {
	Cancel func()
}

// Conn is the whole of the bus contract the core depends on. Exactly one
// concrete implementation exists (dbusConn, backed by godbus/dbus/v5); a
// fake implementation lives in bus/bustest for unit tests of the layers
// above this one.
type Conn interface {
	// Peer returns a handle for method calls against name/path.
	Peer(name, path string) RemoteObject
	// Export registers obj on the bus, returning its final path (with
	// uniquifying suffix applied unless obj.Fixed) and an unexport func.
	Export(obj ExportedObject) (*Registration, error)
	// Emit sends a signal with the given body from path under iface.
	Emit(path, iface, signal string, args ...interface{}) error
	// RequestName acquires a well-known bus name with do-not-queue
	// semantics; returns an error if the name is already owned.
	RequestName(name string) error
	// WatchPeerExit invokes onExit exactly once when peer disconnects
	// from the bus (NameOwnerChanged to an empty new owner).
	WatchPeerExit(peer string, onExit func()) *PeerWatch
	// Subscribe delivers every signal named iface.member emitted by peer
	// on path to handler, until the returned subscription is cancelled.
	Subscribe(peer, path, iface, member string, handler func(args []interface{})) *SignalSubscription
	// Close releases the underlying connection.
	Close() error
}
