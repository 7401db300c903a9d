package sal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel уровни логирования
type LogLevel int

const (
	LogLevelTrace LogLevel = iota
	LogLevelDebug
	LogLevelInfo
	LogLevelWarn
	LogLevelError
)

var logLevelNames = map[LogLevel]string{
	LogLevelTrace: "TRACE",
	LogLevelDebug: "DEBUG",
	LogLevelInfo:  "INFO",
	LogLevelWarn:  "WARN",
	LogLevelError: "ERROR",
}

func (l LogLevel) String() string {
	if name, ok := logLevelNames[l]; ok {
		return name
	}
	return "UNKNOWN"
}

// ParseLogLevel разбирает имя уровня из конфигурации
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "trace":
		return LogLevelTrace, nil
	case "debug":
		return LogLevelDebug, nil
	case "", "info":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

func (l LogLevel) logrus() logrus.Level {
	switch l {
	case LogLevelTrace:
		return logrus.TraceLevel
	case LogLevelDebug:
		return logrus.DebugLevel
	case LogLevelWarn:
		return logrus.WarnLevel
	case LogLevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// StructuredLogger интерфейс для структурированного логирования
type StructuredLogger interface {
	Trace(ctx context.Context, msg string, fields ...Field)
	Debug(ctx context.Context, msg string, fields ...Field)
	Info(ctx context.Context, msg string, fields ...Field)
	Warn(ctx context.Context, msg string, fields ...Field)
	Error(ctx context.Context, msg string, fields ...Field)

	// LogError логирует ошибку, раскрывая поля ErrorInfo
	LogError(ctx context.Context, err error, msg string, fields ...Field)

	WithComponent(component string) StructuredLogger
	WithFields(fields ...Field) StructuredLogger

	SetLevel(level LogLevel)
	IsEnabled(level LogLevel) bool
}

// Field представляет поле лога
type Field struct {
	Key   string
	Value interface{}
}

func String(key, value string) Field                 { return Field{key, value} }
func Int(key string, value int) Field                { return Field{key, value} }
func Uint64(key string, value uint64) Field          { return Field{key, value} }
func Bool(key string, value bool) Field              { return Field{key, value} }
func Duration(key string, value time.Duration) Field { return Field{key, value} }
func Any(key string, value interface{}) Field        { return Field{key, value} }
func Err(err error) Field                            { return Field{"error", err} }

type ctxKey string

const (
	ctxKeyCallID ctxKey = "call_id"
	ctxKeyOpID   ctxKey = "op_id"
)

// ContextWithCallID добавляет Call-ID в контекст логирования
func ContextWithCallID(ctx context.Context, callID string) context.Context {
	return context.WithValue(ctx, ctxKeyCallID, callID)
}

// LogOptions параметры LogrusLogger
type LogOptions struct {
	Level  string
	Format string // json | text
	// File включает ротируемый файл через lumberjack, пусто = только stdout
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
	// Output переопределяет stdout, используется в тестах
	Output io.Writer
}

// LogrusLogger реализация StructuredLogger поверх logrus
type LogrusLogger struct {
	base  *logrus.Logger
	entry *logrus.Entry
}

// NewLogrusLogger создает logger по параметрам
func NewLogrusLogger(opts LogOptions) (*LogrusLogger, error) {
	level, err := ParseLogLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	l := logrus.New()
	l.SetLevel(level.logrus())

	switch strings.ToLower(opts.Format) {
	case "", "json":
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05.000"})
	default:
		return nil, fmt.Errorf("unsupported log format %q (must be json or text)", opts.Format)
	}

	var out io.Writer = os.Stdout
	if opts.Output != nil {
		out = opts.Output
	}
	if opts.File != "" {
		out = io.MultiWriter(out, &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		})
	}
	l.SetOutput(out)

	return NewLogrusLoggerFrom(l), nil
}

// NewLogrusLoggerFrom оборачивает готовый *logrus.Logger
func NewLogrusLoggerFrom(l *logrus.Logger) *LogrusLogger {
	return &LogrusLogger{base: l, entry: logrus.NewEntry(l)}
}

func (l *LogrusLogger) with(entry *logrus.Entry) *LogrusLogger {
	return &LogrusLogger{base: l.base, entry: entry}
}

// WithComponent создает logger с указанным компонентом
func (l *LogrusLogger) WithComponent(component string) StructuredLogger {
	return l.with(l.entry.WithField("component", component))
}

// WithFields создает logger с дополнительными полями
func (l *LogrusLogger) WithFields(fields ...Field) StructuredLogger {
	return l.with(l.entry.WithFields(toLogrusFields(fields)))
}

func (l *LogrusLogger) SetLevel(level LogLevel) {
	l.base.SetLevel(level.logrus())
}

func (l *LogrusLogger) IsEnabled(level LogLevel) bool {
	return l.base.IsLevelEnabled(level.logrus())
}

func (l *LogrusLogger) Trace(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.TraceLevel, msg, fields)
}

func (l *LogrusLogger) Debug(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.DebugLevel, msg, fields)
}

func (l *LogrusLogger) Info(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.InfoLevel, msg, fields)
}

func (l *LogrusLogger) Warn(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.WarnLevel, msg, fields)
}

func (l *LogrusLogger) Error(ctx context.Context, msg string, fields ...Field) {
	l.log(ctx, logrus.ErrorLevel, msg, fields)
}

// LogError логирует ошибку с дополнительной информацией
func (l *LogrusLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {
	if err != nil {
		fields = append(fields, Err(err))
		var info *ErrorInfo
		if errors.As(err, &info) {
			fields = append(fields,
				String("reason", info.Reason.String()),
				Int("status", info.Status),
				String("error_category", info.Category.String()),
			)
		}
	}
	l.log(ctx, logrus.ErrorLevel, msg, fields)
}

func (l *LogrusLogger) log(ctx context.Context, level logrus.Level, msg string, fields []Field) {
	if !l.base.IsLevelEnabled(level) {
		return
	}
	entry := l.entry
	if ctx != nil {
		entry = entry.WithContext(ctx)
		if v, ok := ctx.Value(ctxKeyCallID).(string); ok {
			entry = entry.WithField("call_id", v)
		}
		if v, ok := ctx.Value(ctxKeyOpID).(OpID); ok {
			entry = entry.WithField("op_id", uint64(v))
		}
	}
	if len(fields) > 0 {
		entry = entry.WithFields(toLogrusFields(fields))
	}
	entry.Log(level, msg)
}

func toLogrusFields(fields []Field) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out[f.Key] = err.Error()
			continue
		}
		out[f.Key] = f.Value
	}
	return out
}

// NoOpLogger логгер-заглушка для тестов
type NoOpLogger struct{}

func (NoOpLogger) Trace(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Debug(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) Info(ctx context.Context, msg string, fields ...Field)                 {}
func (NoOpLogger) Warn(ctx context.Context, msg string, fields ...Field)                 {}
func (NoOpLogger) Error(ctx context.Context, msg string, fields ...Field)                {}
func (NoOpLogger) LogError(ctx context.Context, err error, msg string, fields ...Field) {}
func (NoOpLogger) WithComponent(component string) StructuredLogger                      { return NoOpLogger{} }
func (NoOpLogger) WithFields(fields ...Field) StructuredLogger                          { return NoOpLogger{} }
func (NoOpLogger) SetLevel(level LogLevel)                                              {}
func (NoOpLogger) IsEnabled(level LogLevel) bool                                        { return false }
