package kiwibnc

import (
	"io"
	"log"
)

// Logger is the minimal logging surface used throughout the bouncer. It's
// implemented by a thin wrapper around the standard library's log.Logger so
// that every component can be handed a pre-fixed logger without pulling in a
// structured logging dependency nobody here needs.
type Logger interface {
	Printf(format string, v ...interface{})
}

type stdLogger struct {
	logger *log.Logger
}

// NewLogger returns a Logger backed by the standard library.
func NewLogger(w io.Writer) Logger {
	return &stdLogger{logger: log.New(w, "", log.LstdFlags)}
}

func (l *stdLogger) Printf(format string, v ...interface{}) {
	l.logger.Printf(format, v...)
}

// prefixLogger decorates another Logger by prepending a static prefix to
// every message, so log lines can be attributed to a connection, user, or
// network without threading an identifier through every call site.
type prefixLogger struct {
	parent Logger
	prefix string
}

func (l *prefixLogger) Printf(format string, v ...interface{}) {
	l.parent.Printf(l.prefix+format, v...)
}
