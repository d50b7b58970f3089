package mqttflow

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the logging level.
type LogLevel int

const (
	// LogLevelDebug is the debug log level.
	LogLevelDebug LogLevel = iota
	// LogLevelInfo is the info log level.
	LogLevelInfo
	// LogLevelWarn is the warn log level.
	LogLevelWarn
	// LogLevelError is the error log level.
	LogLevelError
	// LogLevelNone disables all logging.
	LogLevelNone
)

// String returns the string representation of the log level.
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
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel parses a case-insensitive level name as used in configuration files.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "none", "off":
		return LogLevelNone, nil
	default:
		return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// LogFields represents key-value pairs for structured logging.
type LogFields map[string]any

// Logger defines the interface for logging.
type Logger interface {
	// Debug logs a debug message.
	Debug(msg string, fields LogFields)

	// Info logs an info message.
	Info(msg string, fields LogFields)

	// Warn logs a warning message.
	Warn(msg string, fields LogFields)

	// Error logs an error message.
	Error(msg string, fields LogFields)

	// WithFields returns a new logger with the given fields added.
	WithFields(fields LogFields) Logger

	// Level returns the current log level.
	Level() LogLevel

	// SetLevel sets the log level.
	SetLevel(level LogLevel)
}

// NoOpLogger is a logger that does nothing.
type NoOpLogger struct {
	level LogLevel
}

// NewNoOpLogger creates a new no-op logger.
func NewNoOpLogger() *NoOpLogger {
	return &NoOpLogger{level: LogLevelNone}
}

// Debug does nothing.
func (n *NoOpLogger) Debug(_ string, _ LogFields) {}

// Info does nothing.
func (n *NoOpLogger) Info(_ string, _ LogFields) {}

// Warn does nothing.
func (n *NoOpLogger) Warn(_ string, _ LogFields) {}

// Error does nothing.
func (n *NoOpLogger) Error(_ string, _ LogFields) {}

// WithFields returns the same logger.
func (n *NoOpLogger) WithFields(_ LogFields) Logger {
	return n
}

// Level returns the log level.
func (n *NoOpLogger) Level() LogLevel {
	return n.level
}

// SetLevel sets the log level.
func (n *NoOpLogger) SetLevel(level LogLevel) {
	n.level = level
}

// ZapLogger adapts a zap.Logger to the Logger interface.
// Loggers derived with WithFields share the level of their parent.
type ZapLogger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

// NewZapLogger wraps logger. The effective level is the stricter of the
// core's level and level.
func NewZapLogger(logger *zap.Logger, level LogLevel) *ZapLogger {
	if logger == nil {
		logger = zap.NewNop()
	}
	atom := zap.NewAtomicLevelAt(toZapLevel(level))
	return &ZapLogger{
		logger: logger.WithOptions(zap.IncreaseLevel(atom)),
		level:  atom,
	}
}

// NewDevelopmentLogger creates a console logger at debug level.
func NewDevelopmentLogger() (*ZapLogger, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, err
	}
	return NewZapLogger(logger, LogLevelDebug), nil
}

// Debug logs a debug message.
func (z *ZapLogger) Debug(msg string, fields LogFields) {
	z.logger.Debug(msg, zapFields(fields)...)
}

// Info logs an info message.
func (z *ZapLogger) Info(msg string, fields LogFields) {
	z.logger.Info(msg, zapFields(fields)...)
}

// Warn logs a warning message.
func (z *ZapLogger) Warn(msg string, fields LogFields) {
	z.logger.Warn(msg, zapFields(fields)...)
}

// Error logs an error message.
func (z *ZapLogger) Error(msg string, fields LogFields) {
	z.logger.Error(msg, zapFields(fields)...)
}

// WithFields returns a new logger with the given fields added.
func (z *ZapLogger) WithFields(fields LogFields) Logger {
	return &ZapLogger{
		logger: z.logger.With(zapFields(fields)...),
		level:  z.level,
	}
}

// Level returns the current log level.
func (z *ZapLogger) Level() LogLevel {
	if !z.logger.Core().Enabled(zapcore.ErrorLevel) {
		return LogLevelNone
	}
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return LogLevelDebug
	case zapcore.InfoLevel:
		return LogLevelInfo
	case zapcore.WarnLevel:
		return LogLevelWarn
	default:
		return LogLevelError
	}
}

// SetLevel sets the log level.
func (z *ZapLogger) SetLevel(level LogLevel) {
	z.level.SetLevel(toZapLevel(level))
}

// Zap returns the underlying zap logger.
func (z *ZapLogger) Zap() *zap.Logger {
	return z.logger
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case LogLevelDebug:
		return zapcore.DebugLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.FatalLevel
	}
}

func zapFields(fields LogFields) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for k, v := range fields {
		if err, ok := v.(error); ok {
			out = append(out, zap.NamedError(k, err))
			continue
		}
		out = append(out, zap.Any(k, v))
	}
	return out
}

// Standard field names for delivery engine logging.
const (
	// LogFieldEngineID identifies the engine instance.
	LogFieldEngineID = "engine_id"

	// LogFieldTopic is the topic field.
	LogFieldTopic = "topic"

	// LogFieldPacketID is the packet ID field.
	LogFieldPacketID = "packet_id"

	// LogFieldPacketType is the packet type field.
	LogFieldPacketType = "packet_type"

	// LogFieldQoS is the QoS field.
	LogFieldQoS = "qos"

	// LogFieldReasonCode is the reason code field.
	LogFieldReasonCode = "reason_code"

	// LogFieldError is the error field.
	LogFieldError = "error"

	// LogFieldSubscriptionID is the subscription identifier field.
	LogFieldSubscriptionID = "subscription_id"

	// LogFieldInFlight is the in-flight count field.
	LogFieldInFlight = "in_flight"

	// LogFieldQueued is the queued count field.
	LogFieldQueued = "queued"

	// LogFieldSendMaximum is the send maximum field.
	LogFieldSendMaximum = "send_maximum"

	// LogFieldReceiveMaximum is the receive maximum field.
	LogFieldReceiveMaximum = "receive_maximum"
)
