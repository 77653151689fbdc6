package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel represents the logging level
type LogLevel string

const (
	// LogLevelQuiet suppresses all output except errors
	LogLevelQuiet LogLevel = "quiet"
	// LogLevelNormal shows job lifecycle messages
	LogLevelNormal LogLevel = "normal"
	// LogLevelVerbose shows per-part and per-stage progress
	LogLevelVerbose LogLevel = "verbose"
	// LogLevelDebug shows everything, including retry attempts
	LogLevelDebug LogLevel = "debug"
)

// ParseLevel maps a configuration string to a LogLevel. Empty means normal.
func ParseLevel(s string) (LogLevel, error) {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case "", LogLevelNormal:
		return LogLevelNormal, nil
	case LogLevelQuiet:
		return LogLevelQuiet, nil
	case LogLevelVerbose:
		return LogLevelVerbose, nil
	case LogLevelDebug:
		return LogLevelDebug, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// Logger provides structured logging for jobs and commands.
type Logger struct {
	logger *logrus.Logger
	level  LogLevel
	file   *os.File
}

// Config holds logger configuration
type Config struct {
	Level   LogLevel
	Output  io.Writer
	Format  string // "text" or "json"
	LogFile string
}

// NewLogger creates a new logger with the specified configuration
func NewLogger(config Config) (*Logger, error) {
	logger := logrus.New()

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	logger.SetOutput(out)

	switch config.Format {
	case "json":
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339,
		})
	case "", "text":
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	default:
		return nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	l := &Logger{logger: logger}
	l.SetLevel(config.Level)

	if config.LogFile != "" {
		file, err := os.OpenFile(config.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", config.LogFile, err)
		}
		logger.SetOutput(io.MultiWriter(out, file))
		l.file = file
	}

	return l, nil
}

// Discard returns a logger that drops everything. Useful in tests.
func Discard() *Logger {
	logger, _ := NewLogger(Config{Level: LogLevelQuiet, Output: io.Discard})
	return logger
}

// Close releases the log file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// WithFields returns an entry with additional fields
func (l *Logger) WithFields(fields map[string]interface{}) *logrus.Entry {
	return l.logger.WithFields(fields)
}

// WithField returns an entry with a single additional field
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.logger.WithField(key, value)
}

// WithJob returns an entry tagged with a job's identity.
func (l *Logger) WithJob(jobID, target string) *logrus.Entry {
	return l.logger.WithFields(logrus.Fields{"job_id": jobID, "target": target})
}

func (l *Logger) Info(msg string)                          { l.logger.Info(msg) }
func (l *Logger) Infof(format string, args ...interface{})  { l.logger.Infof(format, args...) }
func (l *Logger) Debug(msg string)                         { l.logger.Debug(msg) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.logger.Debugf(format, args...) }
func (l *Logger) Warn(msg string)                          { l.logger.Warn(msg) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.logger.Warnf(format, args...) }
func (l *Logger) Error(msg string)                         { l.logger.Error(msg) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.logger.Errorf(format, args...) }

// GetLevel returns the current log level
func (l *Logger) GetLevel() LogLevel {
	return l.level
}

// SetLevel sets the log level
func (l *Logger) SetLevel(level LogLevel) {
	if level == "" {
		level = LogLevelNormal
	}
	l.level = level
	switch level {
	case LogLevelQuiet:
		l.logger.SetLevel(logrus.ErrorLevel)
	case LogLevelVerbose:
		l.logger.SetLevel(logrus.DebugLevel)
	case LogLevelDebug:
		l.logger.SetLevel(logrus.TraceLevel)
	default:
		l.logger.SetLevel(logrus.InfoLevel)
	}
}

// LogOperationStart logs the start of an operation and returns a function to log completion
func (l *Logger) LogOperationStart(operation string, fields map[string]interface{}) func(error) {
	startTime := time.Now()

	logFields := logrus.Fields{
		"operation": operation,
		"status":    "started",
	}
	for k, v := range fields {
		logFields[k] = v
	}

	l.logger.WithFields(logFields).Debug("Operation started")

	return func(err error) {
		logFields["status"] = "completed"
		logFields["duration"] = time.Since(startTime).String()

		if err != nil {
			logFields["error"] = err.Error()
			logFields["success"] = false
			l.logger.WithFields(logFields).Error("Operation failed")
		} else {
			logFields["success"] = true
			l.logger.WithFields(logFields).Info("Operation completed")
		}
	}
}

// Redact masks the password component of a connection string for logging.
func Redact(dsn string) string {
	for _, key := range []string{"password=", "PASSWORD="} {
		i := strings.Index(dsn, key)
		if i < 0 {
			continue
		}
		rest := dsn[i+len(key):]
		end := strings.IndexAny(rest, " &")
		if end < 0 {
			end = len(rest)
		}
		dsn = dsn[:i+len(key)] + "***" + rest[end:]
	}
	if at := strings.Index(dsn, "@"); at > 0 {
		if scheme := strings.Index(dsn, "://"); scheme >= 0 && scheme < at {
			creds := dsn[scheme+3 : at]
			if colon := strings.Index(creds, ":"); colon >= 0 {
				dsn = dsn[:scheme+3] + creds[:colon] + ":***" + dsn[at:]
			}
		}
	}
	return dsn
}
