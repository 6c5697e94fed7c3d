package ulogger

// TestLogger discards everything. Handy default for tests and for embedders
// that do not want any logging from the sync engines.
type TestLogger struct{}

func (TestLogger) LogLevel() int                            { return 0 }
func (TestLogger) Debugf(format string, args ...interface{}) {}
func (TestLogger) Infof(format string, args ...interface{})  {}
func (TestLogger) Warnf(format string, args ...interface{})  {}
func (TestLogger) Errorf(format string, args ...interface{}) {}
func (TestLogger) Fatalf(format string, args ...interface{}) {}
