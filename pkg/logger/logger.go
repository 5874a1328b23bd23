package logger

import (
	"fmt"
	"hash/fnv"
	"log"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Level represents the severity level of a log message.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	NoticeLevel
	ErrorLevel
)

// ParseLevel converts a level name (debug, info, notice, error) to a Level
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "notice":
		return NoticeLevel, nil
	case "error":
		return ErrorLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// String returns the lower-case level name
func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case NoticeLevel:
		return "notice"
	case ErrorLevel:
		return "error"
	default:
		return "info"
	}
}

// server prefixes are colored by a stable hash of the server name
var palette = []color.Attribute{
	color.FgHiGreen,
	color.FgYellow,
	color.FgMagenta,
	color.FgHiBlue,
	color.FgRed,
	color.FgBlue,
	color.FgGreen,
	color.FgCyan,
}

// Logger is a simple interface for logging messages.
type Logger interface {
	// Info logs an informational message.
	Info(format string, args ...interface{})
	InfoWithServer(server string, format string, args ...interface{})

	// Error logs an error message.
	Error(format string, args ...interface{})
	ErrorWithServer(server string, format string, args ...interface{})

	// Debug logs a debug message.
	Debug(format string, args ...interface{})
	DebugWithServer(server string, format string, args ...interface{})

	// Notice logs a notice message.
	Notice(format string, args ...interface{})
	NoticeWithServer(server string, format string, args ...interface{})
}

// EmptyLogger is a simple implementation of the Logger interface that does nothing.
type EmptyLogger struct{}

var _ Logger = (*EmptyLogger)(nil)

func (l *EmptyLogger) Info(_ string, _ ...interface{})                       {}
func (l *EmptyLogger) InfoWithServer(_ string, _ string, _ ...interface{})   {}
func (l *EmptyLogger) Error(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) ErrorWithServer(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Debug(_ string, _ ...interface{})                      {}
func (l *EmptyLogger) DebugWithServer(_ string, _ string, _ ...interface{})  {}
func (l *EmptyLogger) Notice(_ string, _ ...interface{})                     {}
func (l *EmptyLogger) NoticeWithServer(_ string, _ string, _ ...interface{}) {}

// StdLogger is a standard implementation of the Logger interface that logs messages to the console.
type StdLogger struct {
	enableColoring bool
	level          Level
	output         *log.Logger
	mu             sync.Mutex
}

var _ Logger = (*StdLogger)(nil)

func NewStdLogger(enableColoring bool, level Level) *StdLogger {
	return &StdLogger{
		enableColoring: enableColoring,
		level:          level,
		output:         log.Default(),
	}
}

// WithOutput redirects the logger, mostly useful in tests
func (l *StdLogger) WithOutput(out *log.Logger) *StdLogger {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = out
	return l
}

// formatMessage formats the log message with the appropriate log level, server prefix, and coloring if enabled.
func (l *StdLogger) formatMessage(level Level, server string, format string) string {
	var serverPrefix string
	if server != "" {
		serverPrefix = "[" + server + "] "
		if l.enableColoring {
			serverPrefix = color.New(serverColor(server)).Sprint(serverPrefix)
		}
	}

	var levelStr string
	switch level {
	case DebugLevel:
		levelStr = "[DEBUG]  "
	case InfoLevel:
		levelStr = "[INFO]   "
	case NoticeLevel:
		levelStr = "[NOTICE] "
	case ErrorLevel:
		levelStr = "[ERROR]  "
	}

	return levelStr + serverPrefix + format
}

func (l *StdLogger) logf(level Level, server string, format string, args ...interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.level <= level {
		l.output.Printf(l.formatMessage(level, server, format), args...)
	}
}

func (l *StdLogger) Info(format string, args ...interface{}) {
	l.logf(InfoLevel, "", format, args...)
}

func (l *StdLogger) InfoWithServer(server string, format string, args ...interface{}) {
	l.logf(InfoLevel, server, format, args...)
}

func (l *StdLogger) Error(format string, args ...interface{}) {
	l.logf(ErrorLevel, "", format, args...)
}

func (l *StdLogger) ErrorWithServer(server string, format string, args ...interface{}) {
	l.logf(ErrorLevel, server, format, args...)
}

func (l *StdLogger) Debug(format string, args ...interface{}) {
	l.logf(DebugLevel, "", format, args...)
}

func (l *StdLogger) DebugWithServer(server string, format string, args ...interface{}) {
	l.logf(DebugLevel, server, format, args...)
}

func (l *StdLogger) Notice(format string, args ...interface{}) {
	l.logf(NoticeLevel, "", format, args...)
}

func (l *StdLogger) NoticeWithServer(server string, format string, args ...interface{}) {
	l.logf(NoticeLevel, server, format, args...)
}

// serverColor picks a stable color from the server name, ignoring any suffix
// such as a correlation id after the first space.
func serverColor(server string) color.Attribute {
	if i := strings.IndexByte(server, ' '); i > 0 {
		server = server[:i]
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(server))
	return palette[h.Sum32()%uint32(len(palette))]
}
