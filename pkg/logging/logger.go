package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Logger provides structured diagnostic logging for harvest components.
// All logs are written to a process-specific file in ~/.harvest/logs/
//
// Standard output is reserved for the event protocol, so a Logger never
// writes there. When the log file cannot be opened it falls back to stderr.
type Logger struct {
	component string
	entry     *logrus.Entry
}

var (
	// Process ID shared by every component logger of this execution
	processID     string
	processIDOnce sync.Once

	// base is the shared logrus instance all component loggers derive from
	base     *logrus.Logger
	baseFile *os.File
	baseMu   sync.Mutex
	logPath  string
)

func getProcessID() string {
	processIDOnce.Do(func() {
		processID = uuid.New().String()
	})
	return processID
}

// Setup configures the shared log output. dir defaults to ~/.harvest/logs
// and level to "info". It may be called again to reconfigure; previously
// created loggers pick up the change.
func Setup(dir, level string) error {
	baseMu.Lock()
	defer baseMu.Unlock()

	l := ensureBase()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if dir == "" {
		homeDir, herr := os.UserHomeDir()
		if herr != nil {
			l.SetOutput(os.Stderr)
			return fmt.Errorf("failed to get home directory: %w", herr)
		}
		dir = filepath.Join(homeDir, ".harvest", "logs")
	}

	if err := os.MkdirAll(dir, 0750); err != nil {
		l.SetOutput(os.Stderr)
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, fmt.Sprintf("%s-harvest.log", getProcessID()))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		l.SetOutput(os.Stderr)
		return fmt.Errorf("failed to open log file: %w", err)
	}

	if baseFile != nil {
		_ = baseFile.Close()
	}
	baseFile = file
	logPath = path
	l.SetOutput(file)
	return nil
}

// SetOutput redirects all component loggers to w. Tests use it to capture
// or discard log output.
func SetOutput(w io.Writer) {
	baseMu.Lock()
	defer baseMu.Unlock()
	ensureBase().SetOutput(w)
}

func ensureBase() *logrus.Logger {
	if base == nil {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05.000",
			DisableColors:   true,
		})
	}
	return base
}

// NewLogger creates a new logger for a specific component.
func NewLogger(component string) *Logger {
	baseMu.Lock()
	defer baseMu.Unlock()

	return &Logger{
		component: component,
		entry: ensureBase().WithFields(logrus.Fields{
			"component": component,
			"pid":       getProcessID(),
		}),
	}
}

// WithField returns a logger that attaches key=value to every entry.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{component: l.component, entry: l.entry.WithField(key, value)}
}

// WithRun scopes the logger to a run identifier.
func (l *Logger) WithRun(runID string) *Logger {
	return l.WithField("run_id", runID)
}

// Debugf logs a debug-level message
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.entry.Debugf(format, v...)
}

// Infof logs an info-level message
func (l *Logger) Infof(format string, v ...interface{}) {
	l.entry.Infof(format, v...)
}

// Warnf logs a warning-level message
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.entry.Warnf(format, v...)
}

// Errorf logs an error-level message
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.entry.Errorf(format, v...)
}

// Writer returns an io.Writer that logs each line at info level. Driver
// processes (playwright, chrome) have their output routed here.
func (l *Logger) Writer() io.Writer {
	return l.entry.WriterLevel(logrus.InfoLevel)
}

// Component returns the component name
func (l *Logger) Component() string {
	return l.component
}

// ProcessID returns the identifier shared by every log entry of this process
func ProcessID() string {
	return getProcessID()
}

// LogPath returns the path to the log file, or "" when logging to stderr
func LogPath() string {
	baseMu.Lock()
	defer baseMu.Unlock()
	return logPath
}

// Close closes the log file. Safe to call multiple times.
func Close() error {
	baseMu.Lock()
	defer baseMu.Unlock()

	if baseFile == nil {
		return nil
	}
	ensureBase().SetOutput(os.Stderr)
	err := baseFile.Close()
	baseFile = nil
	logPath = ""
	return err
}
