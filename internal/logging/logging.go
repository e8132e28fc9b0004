// Package logging is reportd's thin facade over logrus: callers pass a
// component name and a printf-style message, and get structured fields
// instead of a sprintf'd prefix.
package logging

import (
	"github.com/sirupsen/logrus"
)

// Logger wraps a logrus.Entry bound to a component name.
type Logger struct {
	entry *logrus.Entry
}

// std is the package-level logrus instance; reportd runs as a single
// process with one log sink, so a single configured instance suffices.
var std = logrus.New()

// Configure sets the output level; called once from cmd/reportd/main.go.
func Configure(debug bool) {
	if debug {
		std.SetLevel(logrus.DebugLevel)
	} else {
		std.SetLevel(logrus.InfoLevel)
	}
	std.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// New returns a Logger for the named component, e.g. "cache", "task",
// "service", "daemon".
func New(component string) *Logger {
	return &Logger{entry: std.WithField("component", component)}
}

// With returns a derived Logger carrying additional structured fields, e.g.
// log.With("task_id", id, "workflow", name).
func (l *Logger) With(kv ...interface{}) *Logger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		fields[key] = kv[i+1]
	}
	return &Logger{entry: l.entry.WithFields(fields)}
}

// Debugf logs at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

// Logf logs at info level.
func (l *Logger) Logf(format string, args ...interface{}) { l.entry.Infof(format, args...) }

// Errorf logs at error level.
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

// Warnf logs at warn level — used for skip-and-continue situations such as
// push skipping a file that failed to open, or a failed SaveElements batch.
func (l *Logger) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }
