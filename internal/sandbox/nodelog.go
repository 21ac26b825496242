package sandbox

import (
	"github.com/flowforge-io/flowforge/internal/platform/logger"
)

// LogFunc receives every line a node writes through its restricted logger.
// The engine uses it to persist execution logs and emit log events.
type LogFunc func(level, message string)

// nodeLogger is the restricted logger handed to node code. Lines go to the
// service log and, when a sink is attached, to the execution log stream.
// Fatal is downgraded: node code must not terminate the process.
type nodeLogger struct {
	inner logger.Logger
	emit  LogFunc
}

func newNodeLogger(inner logger.Logger, emit LogFunc) logger.Logger {
	return &nodeLogger{inner: inner, emit: emit}
}

func (l *nodeLogger) Debug(msg string, fields ...interface{}) {
	l.inner.Debug(msg, fields...)
	l.send("debug", msg)
}

func (l *nodeLogger) Info(msg string, fields ...interface{}) {
	l.inner.Info(msg, fields...)
	l.send("info", msg)
}

func (l *nodeLogger) Warn(msg string, fields ...interface{}) {
	l.inner.Warn(msg, fields...)
	l.send("warn", msg)
}

func (l *nodeLogger) Error(msg string, fields ...interface{}) {
	l.inner.Error(msg, fields...)
	l.send("error", msg)
}

func (l *nodeLogger) Fatal(msg string, fields ...interface{}) {
	l.inner.Error(msg, fields...)
	l.send("error", msg)
}

func (l *nodeLogger) WithFields(fields map[string]interface{}) logger.Logger {
	return &nodeLogger{inner: l.inner.WithFields(fields), emit: l.emit}
}

func (l *nodeLogger) send(level, msg string) {
	if l.emit != nil {
		l.emit(level, msg)
	}
}
