// Package definition holds the default, swappable implementations of the
// collaborator interfaces declared in pkg/vsync/types: the logger and the
// in-memory storage backing state transfer.
package definition

import (
	"os"

	"github.com/sirupsen/logrus"
)

// DefaultLogger backs types.Logger with github.com/sirupsen/logrus instead
// of the teacher's bare *log.Logger, since every component here (window,
// nakack, flush, grouprequest) wants structured fields -- sender, seqno,
// view id -- attached to its log lines rather than just a formatted
// string.
type DefaultLogger struct {
	entry *logrus.Entry
	level *logrus.Logger
}

// NewDefaultLogger builds the default logger used if the caller does not
// provide its own implementation.
func NewDefaultLogger() *DefaultLogger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return &DefaultLogger{
		entry: logrus.NewEntry(l),
		level: l,
	}
}

// WithFields returns a derived logger carrying the given structured
// fields on every subsequent call, e.g.
// log.WithFields(map[string]interface{}{"sender": addr}).
func (l *DefaultLogger) WithFields(fields map[string]interface{}) *DefaultLogger {
	return &DefaultLogger{entry: l.entry.WithFields(logrus.Fields(fields)), level: l.level}
}

func (l *DefaultLogger) Info(v ...interface{})                   { l.entry.Info(v...) }
func (l *DefaultLogger) Infof(format string, v ...interface{})   { l.entry.Infof(format, v...) }
func (l *DefaultLogger) Warn(v ...interface{})                   { l.entry.Warn(v...) }
func (l *DefaultLogger) Warnf(format string, v ...interface{})   { l.entry.Warnf(format, v...) }
func (l *DefaultLogger) Error(v ...interface{})                  { l.entry.Error(v...) }
func (l *DefaultLogger) Errorf(format string, v ...interface{})  { l.entry.Errorf(format, v...) }
func (l *DefaultLogger) Debug(v ...interface{})                  { l.entry.Debug(v...) }
func (l *DefaultLogger) Debugf(format string, v ...interface{})  { l.entry.Debugf(format, v...) }
func (l *DefaultLogger) Fatal(v ...interface{})                  { l.entry.Fatal(v...) }
func (l *DefaultLogger) Fatalf(format string, v ...interface{})  { l.entry.Fatalf(format, v...) }
func (l *DefaultLogger) Panic(v ...interface{})                  { l.entry.Panic(v...) }
func (l *DefaultLogger) Panicf(format string, v ...interface{})  { l.entry.Panicf(format, v...) }

// ToggleDebug turns debug-level logging on or off and returns the
// resulting state, matching the teacher's definition.DefaultLogger.
func (l *DefaultLogger) ToggleDebug(value bool) bool {
	if value {
		l.level.SetLevel(logrus.DebugLevel)
	} else {
		l.level.SetLevel(logrus.InfoLevel)
	}
	return value
}
