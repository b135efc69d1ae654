// Package log contains a simple logging interface used by the rest of the module.
package log

import "fmt"

// Logger is a simple logging interface that can have subloggers for specific areas.
type Logger interface {
	Warnf(msg string, args ...interface{})
	Errorf(msg string, args ...interface{})
	Infof(msg string, args ...interface{})
	Debugf(msg string, args ...interface{})
	Sub(module string) Logger
}

// Noop is a no-op Logger implementation that silently drops everything.
var Noop Logger = &noopLogger{}

type noopLogger struct{}

func (n *noopLogger) Warnf(msg string, args ...interface{})  {}
func (n *noopLogger) Errorf(msg string, args ...interface{}) {}
func (n *noopLogger) Infof(msg string, args ...interface{})  {}
func (n *noopLogger) Debugf(msg string, args ...interface{}) {}
func (n *noopLogger) Sub(module string) Logger               { return n }

// Stdout returns a simple Logger that writes to stdout prefixed with the module name
// and a minimum level. Useful for quick debugging without pulling in zerolog.
func Stdout(module string, minLevel string, color bool) Logger {
	return newZerologLogger(module, minLevel, color)
}
