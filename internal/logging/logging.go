// Package logging provides the structured logger used across the
// interaction manager. Every call carries the originating module name and
// an optional details map, so log lines stay machine-filterable.
package logging

type Logger interface {
	Debug(module, message string, details map[string]interface{})
	Info(module, message string, details map[string]interface{})
	Warn(module, message string, details map[string]interface{})
	Error(module, message string, details map[string]interface{})
	Sync() error
}

type nopLogger struct{}

// NewNop returns a logger that discards everything. It is the default for
// library use, so embedding the manager never forces a log destination on
// the caller.
func NewNop() Logger { return nopLogger{} }

func (nopLogger) Debug(string, string, map[string]interface{}) {}
func (nopLogger) Info(string, string, map[string]interface{})  {}
func (nopLogger) Warn(string, string, map[string]interface{})  {}
func (nopLogger) Error(string, string, map[string]interface{}) {}
func (nopLogger) Sync() error                                  { return nil }
