package types

// Logger is the structured logging surface used across every component of
// the stack: window, nakack, flush, grouprequest and the stack chain itself.
// The shape mirrors the teacher's definition.DefaultLogger so every
// component can depend on the interface without caring which backend is
// plugged in.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
	Panic(v ...interface{})
	Panicf(format string, v ...interface{})

	// ToggleDebug turns debug-level logging on or off and returns the
	// resulting state.
	ToggleDebug(value bool) bool
}
