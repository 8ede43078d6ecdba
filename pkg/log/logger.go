package log

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "INFO"
}

// ParseLevel maps a level name to a LogLevel. Unknown names fall back to info.
func ParseLevel(raw string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	case LevelFatal:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Format selects the zap encoder used by new loggers.
type Format string

const (
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

func ParseFormat(raw string) Format {
	if strings.EqualFold(strings.TrimSpace(raw), string(FormatJSON)) {
		return FormatJSON
	}
	return FormatConsole
}

type Logger struct {
	level  zap.AtomicLevel
	sugar  *zap.SugaredLogger
	format Format
}

func NewLogger(level LogLevel) *Logger {
	return newLogger(level, FormatConsole, zapcore.AddSync(os.Stdout))
}

// NewLoggerWithFormat builds a stdout logger with the given encoder.
func NewLoggerWithFormat(level LogLevel, format Format) *Logger {
	return newLogger(level, format, zapcore.AddSync(os.Stdout))
}

// NewLoggerWithCore wraps an existing zap core, mostly for tests.
func NewLoggerWithCore(core zapcore.Core) *Logger {
	return &Logger{
		level:  zap.NewAtomicLevelAt(zapcore.DebugLevel),
		sugar:  zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar(),
		format: FormatConsole,
	}
}

func newLogger(level LogLevel, format Format, sink zapcore.WriteSyncer) *Logger {
	atomic := zap.NewAtomicLevelAt(level.zapLevel())
	core := zapcore.NewCore(newEncoder(format), sink, atomic)
	return &Logger{
		level:  atomic,
		sugar:  zap.New(core, zap.AddCaller(), zap.AddCallerSkip(2)).Sugar(),
		format: format,
	}
}

func newEncoder(format Format) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "time"
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	if format == FormatJSON {
		return zapcore.NewJSONEncoder(cfg)
	}
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.ConsoleSeparator = " "
	return zapcore.NewConsoleEncoder(cfg)
}

func (l *Logger) SetLevel(level LogLevel) {
	l.level.SetLevel(level.zapLevel())
}

func (l *Logger) Debug(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(format string, args ...interface{}) {
	l.sugar.Fatalf(format, args...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

// globalLogger is read by every package-level helper and may be swapped
// while other goroutines log.
var globalLogger atomic.Pointer[Logger]

func init() {
	globalLogger.Store(NewLogger(LevelInfo))
}

// InitLoggerWithFormat replaces the global logger with one using the given encoder.
func InitLoggerWithFormat(level LogLevel, format Format) {
	globalLogger.Store(NewLoggerWithFormat(level, format))
}

// SetLogger swaps the global logger and returns the previous one.
func SetLogger(l *Logger) *Logger {
	return globalLogger.Swap(l)
}

func GetLogger() *Logger {
	return globalLogger.Load()
}

// Convenience functions
func Debug(format string, args ...interface{}) {
	GetLogger().Debug(format, args...)
}

func Info(format string, args ...interface{}) {
	GetLogger().Info(format, args...)
}

func Warn(format string, args ...interface{}) {
	GetLogger().Warn(format, args...)
}

func Error(format string, args ...interface{}) {
	GetLogger().Error(format, args...)
}

func Fatal(format string, args ...interface{}) {
	GetLogger().Fatal(format, args...)
}
