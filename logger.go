package vtrealtime

import (
	"os"
	"sort"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LogLevelDebug logs everything including detailed debugging information
	LogLevelDebug LogLevel = iota
	// LogLevelInfo logs informational messages and above
	LogLevelInfo
	// LogLevelWarn logs warnings and above
	LogLevelWarn
	// LogLevelError logs only errors
	LogLevelError
	// LogLevelOff disables all logging
	LogLevelOff
)

// String returns the string representation of a LogLevel
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to LogLevel
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "OFF":
		return LogLevelOff
	default:
		return LogLevelInfo
	}
}

// Logger provides structured logging with configurable levels.
// Every record is an event name plus a flat field map, written through zap.
type Logger struct {
	level LogLevel
	z     *zap.Logger
}

// NewLogger creates a logger writing JSON records to stderr.
func NewLogger(level LogLevel) *Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zap.NewAtomicLevelAt(zapcore.DebugLevel),
	)
	return &Logger{level: level, z: zap.New(core).Named("vtrealtime")}
}

// NewLoggerWithZap wraps an existing zap logger. The LogLevel filter is applied
// before records reach zap, so the zap core may be configured more verbosely.
func NewLoggerWithZap(z *zap.Logger, level LogLevel) *Logger {
	if z == nil {
		z = zap.NewNop()
	}
	return &Logger{level: level, z: z}
}

// NewNopLogger returns a logger that discards everything.
func NewNopLogger() *Logger {
	return &Logger{level: LogLevelOff, z: zap.NewNop()}
}

// NewLoggerFromEnv creates a logger with level from VTREALTIME_LOG_LEVEL env var
func NewLoggerFromEnv() *Logger {
	return NewLogger(ParseLogLevel(os.Getenv("VTREALTIME_LOG_LEVEL")))
}

// SetLevel updates the logger's minimum level
func (l *Logger) SetLevel(level LogLevel) {
	l.level = level
}

// Level returns the logger's minimum level
func (l *Logger) Level() LogLevel {
	return l.level
}

// Zap exposes the underlying zap logger.
func (l *Logger) Zap() *zap.Logger {
	return l.z
}

// Sync flushes buffered records.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Debug logs debug-level messages
func (l *Logger) Debug(event string, fields map[string]any) {
	l.log(LogLevelDebug, event, fields)
}

// Info logs info-level messages
func (l *Logger) Info(event string, fields map[string]any) {
	l.log(LogLevelInfo, event, fields)
}

// Warn logs warning-level messages
func (l *Logger) Warn(event string, fields map[string]any) {
	l.log(LogLevelWarn, event, fields)
}

// Error logs error-level messages
func (l *Logger) Error(event string, fields map[string]any) {
	l.log(LogLevelError, event, fields)
}

func (l *Logger) log(level LogLevel, event string, fields map[string]any) {
	if l == nil || level < l.level {
		return
	}
	zfields := toZapFields(fields)
	switch level {
	case LogLevelDebug:
		l.z.Debug(event, zfields...)
	case LogLevelInfo:
		l.z.Info(event, zfields...)
	case LogLevelWarn:
		l.z.Warn(event, zfields...)
	default:
		l.z.Error(event, zfields...)
	}
}

// toZapFields converts a field map into zap fields in key order so records are stable.
func toZapFields(fields map[string]any) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]zap.Field, 0, len(keys))
	for _, k := range keys {
		if err, ok := fields[k].(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, fields[k]))
	}
	return out
}

// LoggerFunc adapts the logger to a plain callback, e.g. for hosts that forward
// events into their own telemetry.
func (l *Logger) LoggerFunc() func(string, map[string]any) {
	return func(event string, fields map[string]any) {
		l.Info(event, fields)
	}
}

// contextualLogger wraps the base Logger with additional context
type contextualLogger struct {
	*Logger
	context map[string]any
}

// WithContext returns a logger that includes additional context in all log messages
func (l *Logger) WithContext(context map[string]any) *contextualLogger {
	return &contextualLogger{
		Logger:  l,
		context: context,
	}
}

// mergeFields combines the contextual fields with message-specific fields
func (cl *contextualLogger) mergeFields(fields map[string]any) map[string]any {
	merged := make(map[string]any, len(cl.context)+len(fields))
	for k, v := range cl.context {
		merged[k] = v
	}
	// message fields override context on conflicts
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// Debug logs debug-level messages with context
func (cl *contextualLogger) Debug(event string, fields map[string]any) {
	cl.Logger.Debug(event, cl.mergeFields(fields))
}

// Info logs info-level messages with context
func (cl *contextualLogger) Info(event string, fields map[string]any) {
	cl.Logger.Info(event, cl.mergeFields(fields))
}

// Warn logs warning-level messages with context
func (cl *contextualLogger) Warn(event string, fields map[string]any) {
	cl.Logger.Warn(event, cl.mergeFields(fields))
}

// Error logs error-level messages with context
func (cl *contextualLogger) Error(event string, fields map[string]any) {
	cl.Logger.Error(event, cl.mergeFields(fields))
}
