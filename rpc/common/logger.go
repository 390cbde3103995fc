package common

import (
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/lni/dragonboat/v4/logger"
)

// PackageLoggers lists the logger names used throughout kvhost.
// InitLoggers applies the configured level to all of them.
var PackageLoggers = []string{
	"cli",
	"client",
	"majordome",
	"manifest",
	"registry",
	"server",
	"storage/badger",
	"storage/bolt",
	"transport",
}

// --------------------------------------------------------------------------
// Log sinks
// --------------------------------------------------------------------------

// sinks holds the destinations of the activity and the errors log.
// They are swapped as a whole so loggers created earlier pick up new files.
type sinks struct {
	activity *log.Logger
	errors   *log.Logger
	// tee writes warnings and errors to the activity log too
	tee     bool
	closers []io.Closer
}

var currentSinks atomic.Pointer[sinks]

func init() {
	currentSinks.Store(&sinks{
		activity: log.New(os.Stdout, "", log.Ldate|log.Ltime),
		errors:   log.New(os.Stderr, "", log.Ldate|log.Ltime),
	})
}

// --------------------------------------------------------------------------
// Custom Logger (implements dragonboats logger.ILogger)
// --------------------------------------------------------------------------

// kvLogger implements the ILogger interface with custom formatting
type kvLogger struct {
	name  string
	level atomic.Int32
}

func (l *kvLogger) SetLevel(level logger.LogLevel) {
	l.level.Store(int32(level))
}

func (l *kvLogger) enabled(level logger.LogLevel) bool {
	return logger.LogLevel(l.level.Load()) >= level
}

func (l *kvLogger) Debugf(format string, args ...interface{}) {
	if l.enabled(logger.DEBUG) {
		l.log(false, "DEBUG", format, args...)
	}
}

func (l *kvLogger) Infof(format string, args ...interface{}) {
	if l.enabled(logger.INFO) {
		l.log(false, "INFO", format, args...)
	}
}

func (l *kvLogger) Warningf(format string, args ...interface{}) {
	if l.enabled(logger.WARNING) {
		l.log(true, "WARN", format, args...)
	}
}

func (l *kvLogger) Errorf(format string, args ...interface{}) {
	if l.enabled(logger.ERROR) {
		l.log(true, "ERROR", format, args...)
	}
}

func (l *kvLogger) Panicf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.log(true, "PANIC", "%s", msg)
	panic(msg)
}

// log formats and writes a log message to the activity or errors log
func (l *kvLogger) log(isError bool, levelStr string, format string, args ...interface{}) {
	line := fmt.Sprintf("%-5s | %-15s | %s", levelStr, l.name, fmt.Sprintf(format, args...))
	s := currentSinks.Load()
	if !isError {
		s.activity.Println(line)
		return
	}
	s.errors.Println(line)
	if s.tee {
		s.activity.Println(line)
	}
}

// --------------------------------------------------------------------------
// Logger Factory
// --------------------------------------------------------------------------

// CreateLogger implements the logger.Factory interface
func CreateLogger(pkgName string) logger.ILogger {
	l := &kvLogger{name: pkgName}
	l.SetLevel(logger.INFO)
	return l
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

// ParseLogLevel converts a string level to logger.LogLevel
func ParseLogLevel(level string) (logger.LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return logger.DEBUG, nil
	case "info", "":
		return logger.INFO, nil
	case "warning", "warn":
		return logger.WARNING, nil
	case "error":
		return logger.ERROR, nil
	default:
		return 0, fmt.Errorf("invalid log level: %s. must be one of debug, info, warn, error", level)
	}
}

// openLogFile opens path for appending, empty paths return nil
func openLogFile(path string) (*os.File, error) {
	if path == "" {
		return nil, nil
	}
	return os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// --------------------------------------------------------------------------
// Logger initialization
// --------------------------------------------------------------------------

var factoryOnce sync.Once

// InitLoggers installs the custom logger factory, opens the activity and
// errors log files and sets the level of every package logger. It may be
// called more than once, later calls replace the log files.
func InitLoggers(config ServerConfig) error {
	level, err := ParseLogLevel(config.LogLevel)
	if err != nil {
		return err
	}

	next := &sinks{}
	activity, err := openLogFile(config.ActivityLog)
	if err != nil {
		return fmt.Errorf("failed to open activity log: %w", err)
	}
	if activity != nil {
		next.activity = log.New(activity, "", log.Ldate|log.Ltime)
		next.closers = append(next.closers, activity)
		next.tee = true
	} else {
		next.activity = log.New(os.Stdout, "", log.Ldate|log.Ltime)
	}

	errorsLog, err := openLogFile(config.ErrorsLog)
	if err != nil {
		if activity != nil {
			_ = activity.Close()
		}
		return fmt.Errorf("failed to open errors log: %w", err)
	}
	if errorsLog != nil {
		next.errors = log.New(errorsLog, "", log.Ldate|log.Ltime)
		next.closers = append(next.closers, errorsLog)
	} else {
		next.errors = log.New(os.Stderr, "", log.Ldate|log.Ltime)
	}

	// Set as the global logger factory for Dragonboat (only possible once)
	factoryOnce.Do(func() {
		logger.SetLoggerFactory(CreateLogger)
	})

	if prev := currentSinks.Swap(next); prev != nil {
		for _, c := range prev.closers {
			_ = c.Close()
		}
	}

	for _, name := range PackageLoggers {
		logger.GetLogger(name).SetLevel(level)
	}
	return nil
}

// CloseLoggers closes the log files and falls back to stdout and stderr
func CloseLoggers() {
	prev := currentSinks.Swap(&sinks{
		activity: log.New(os.Stdout, "", log.Ldate|log.Ltime),
		errors:   log.New(os.Stderr, "", log.Ldate|log.Ltime),
	})
	if prev != nil {
		for _, c := range prev.closers {
			_ = c.Close()
		}
	}
}
