// Package logx provides the standard logger implementation for mcpd,
// backed by charmbracelet/log.
package logx

import (
	"io"
	"os"

	charm "github.com/charmbracelet/log"

	"github.com/localserve/mcpd/types"
)

// Logger adapts a charmbracelet logger to the types.Logger interface.
type Logger struct {
	l *charm.Logger
}

// New creates a logger writing to stderr at the given level
// (debug|info|warn|error; anything else means info).
func New(level string) *Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewWithWriter creates a logger writing to w. Transports that own stdout
// (stdio framing) must log elsewhere, so the writer is explicit.
func NewWithWriter(w io.Writer, level string) *Logger {
	l := charm.NewWithOptions(w, charm.Options{
		ReportTimestamp: true,
		Prefix:          "mcpd",
	})
	switch level {
	case "debug":
		l.SetLevel(charm.DebugLevel)
	case "warn":
		l.SetLevel(charm.WarnLevel)
	case "error":
		l.SetLevel(charm.ErrorLevel)
	default:
		l.SetLevel(charm.InfoLevel)
	}
	return &Logger{l: l}
}

func (lg *Logger) Debug(format string, v ...interface{}) { lg.l.Debugf(format, v...) }
func (lg *Logger) Info(format string, v ...interface{})  { lg.l.Infof(format, v...) }
func (lg *Logger) Warn(format string, v ...interface{})  { lg.l.Warnf(format, v...) }
func (lg *Logger) Error(format string, v ...interface{}) { lg.l.Errorf(format, v...) }

var _ types.Logger = (*Logger)(nil)
