package logging

type discardLogger struct{}

// Discard drops every message, including fatal ones.
var Discard Logger = discardLogger{}

func (discardLogger) Errorf(string, ...any) {}
func (discardLogger) Warnf(string, ...any)  {}
func (discardLogger) Infof(string, ...any)  {}
func (discardLogger) Debugf(string, ...any) {}
func (discardLogger) Fatalf(string, ...any) {}
