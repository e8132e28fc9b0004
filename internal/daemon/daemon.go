// Package daemon owns process-scope lifetime: the system-bus connection
// ProblemCache always needs, the serving connection Service and Task
// export objects onto (session bus by default, system bus under
// Options.System), well-known name ownership, the cache-root path, and
// graceful shutdown. It exists mainly because Service and Task depend on
// bus handles and a registry someone has to own; bind.go is the only
// sibling file that also reaches into the concrete dbus library.
package daemon

import (
	"net/http"
	"os"
	"path/filepath"
	"sync"

	sddaemon "github.com/coreos/go-systemd/daemon"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/reportd/reportd/internal/bus"
	"github.com/reportd/reportd/internal/cache"
	"github.com/reportd/reportd/internal/eventconfig"
	"github.com/reportd/reportd/internal/eventrunner"
	"github.com/reportd/reportd/internal/logging"
	"github.com/reportd/reportd/internal/metrics"
	"github.com/reportd/reportd/internal/rderr"
	"github.com/reportd/reportd/internal/service"
	"github.com/reportd/reportd/internal/workflow"
)

const (
	busName      = "org.freedesktop.reportd"
	objectRoot   = "/org/freedesktop/reportd"
	servicePath  = objectRoot + "/Service"
	taskBasePath = objectRoot + "/Task"

	defaultWorkflowDir    = "/usr/share/libreport/workflows"
	defaultEventConfigDir = "/usr/share/libreport/events"
)

// Options configures a Daemon at construction. Zero value picks the
// session bus and the default on-disk descriptor directories.
type Options struct {
	System         bool   // serve on the system bus instead of the session bus
	CacheRoot      string // override for the per-user runtime cache root
	WorkflowDir    string // directory of "*.workflow.yaml" descriptors
	EventConfigDir string // directory eventconfig.Resolver reads
	Debug          bool
}

func (o Options) workflowDir() string {
	if o.WorkflowDir != "" {
		return o.WorkflowDir
	}
	return defaultWorkflowDir
}

func (o Options) eventConfigDir() string {
	if o.EventConfigDir != "" {
		return o.EventConfigDir
	}
	return defaultEventConfigDir
}

// Daemon is the process-scope glue: bus connections, the well-known name,
// the cache root, and the quit signal. The object registry itself lives
// inside bus.Conn (each Export call tracks its own unexport closure);
// Daemon doesn't duplicate that bookkeeping.
type Daemon struct {
	opts Options
	log  *logging.Logger

	systemConn  bus.Conn // always connected: ProblemCache talks to the store over this
	servingConn bus.Conn // session bus by default, or systemConn again under Options.System

	cacheRepo *cache.Cache
	svc       *service.Service
	metrics   *metrics.Registry

	mu       sync.Mutex
	quitErr  error
	quitOnce sync.Once
	quitCh   chan struct{}
}

// New connects to the system bus unconditionally (ProblemCache needs it)
// and, unless Options.System is set, additionally connects to the session
// bus to serve on. It does not yet export anything or request the
// well-known name; call Start for that.
func New(opts Options) (*Daemon, error) {
	d := &Daemon{opts: opts, log: logging.New("daemon"), quitCh: make(chan struct{})}

	systemConn, err := bus.Connect(bus.SystemBus)
	if err != nil {
		return nil, err
	}
	d.systemConn = systemConn

	if opts.System {
		d.servingConn = systemConn
	} else {
		sessionConn, err := bus.Connect(bus.SessionBus)
		if err != nil {
			_ = systemConn.Close()
			return nil, err
		}
		d.servingConn = sessionConn
	}
	return d, nil
}

// runtimeCacheRoot resolves cache_root: an explicit override, or
// "<XDG_RUNTIME_DIR>/reportd".
func runtimeCacheRoot(override string) (string, error) {
	if override != "" {
		return override, nil
	}
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		return "", rderr.New(rderr.CacheIO, "XDG_RUNTIME_DIR is not set")
	}
	return filepath.Join(runtimeDir, "reportd"), nil
}

// Start wires ProblemCache, the workflow catalogue, the event runner, the
// metrics registry, and the Service façade together, exports the Service
// object, and requests the well-known bus name. It notifies systemd
// READY=1 on success, matching the unit's Type=dbus/Type=notify
// expectations.
func (d *Daemon) Start() error {
	root, err := runtimeCacheRoot(d.opts.CacheRoot)
	if err != nil {
		return err
	}
	cacheRepo, err := cache.New(d.systemConn, root)
	if err != nil {
		return err
	}
	d.cacheRepo = cacheRepo

	catalogue, err := workflow.LoadDir(d.opts.workflowDir())
	if err != nil {
		return err
	}

	resolver := eventconfig.NewResolver(d.opts.eventConfigDir())
	runner := eventrunner.NewExec(resolver)

	reg := metrics.NewRegistry(prometheus.NewRegistry())
	cacheRepo.Metrics = reg
	d.metrics = reg

	svc := service.New(d.servingConn, binder{}, cacheRepo, runner, catalogue, newMemMemory(), taskBasePath)
	svc.SetMetrics(reg)
	d.svc = svc

	if _, err := d.servingConn.Export(binder{}.BindService(svc)); err != nil {
		return err
	}
	if err := d.servingConn.RequestName(busName); err != nil {
		return err
	}

	// A lost well-known name is fatal to the process: clients resolve us
	// by busName, so once it's gone under us we can no longer be reached
	// at all, even if the connection itself survives.
	d.servingConn.Subscribe("org.freedesktop.DBus", "/org/freedesktop/DBus", "org.freedesktop.DBus", "NameLost", func(args []interface{}) {
		if len(args) == 0 {
			return
		}
		if name, _ := args[0].(string); name == busName {
			d.Quit(rderr.New(rderr.BusTransport, "lost well-known name "+busName))
		}
	})

	if _, err := sddaemon.SdNotify(false, sddaemon.SdNotifyReady); err != nil {
		d.log.Debugf("sd_notify READY failed (not running under systemd?): %v", err)
	}
	return nil
}

// Service returns the running Service façade, for tests and diagnostics.
func (d *Daemon) Service() *service.Service { return d.svc }

// MetricsHandler exposes the daemon's Prometheus collectors.
func (d *Daemon) MetricsHandler() http.Handler { return d.metrics.Handler() }

// Wait blocks until Quit is called and returns the recorded error, if any.
func (d *Daemon) Wait() error {
	<-d.quitCh
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.quitErr
}

// Quit records err (the first call wins) and unblocks Wait. A nil err
// from a signal-triggered shutdown is the normal case; a non-nil err
// (bus name lost, a fatal transport error) makes the process exit 1.
func (d *Daemon) Quit(err error) {
	d.quitOnce.Do(func() {
		d.mu.Lock()
		d.quitErr = err
		d.mu.Unlock()
		_, notifyErr := sddaemon.SdNotify(false, sddaemon.SdNotifyStopping)
		if notifyErr != nil {
			d.log.Debugf("sd_notify STOPPING failed: %v", notifyErr)
		}
		close(d.quitCh)
	})
}

// Close releases both bus connections. Safe to call after Quit.
func (d *Daemon) Close() {
	if d.servingConn != nil && d.servingConn != d.systemConn {
		_ = d.servingConn.Close()
	}
	if d.systemConn != nil {
		_ = d.systemConn.Close()
	}
}
