package ulogger

// Logger is the logging interface used throughout driftsync. The sync engines
// only ever log through this interface so that embedders can plug in their own
// logging stack.
type Logger interface {
	LogLevel() int
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
}
