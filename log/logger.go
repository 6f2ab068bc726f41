// Package log provides structured logging with execution context.
//
// Two logger variants are available:
//   - Logger: Non-sugared zap.Logger for worker loops (structured fields)
//   - SugaredLogger: Printf-style logging for CLI/debug surfaces
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package log

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Context identifies the execution a log line belongs to. Zero-value fields
// are omitted so the same logger serves worker-scope and execution-scope use.
type Context struct {
	// Worker is the worker replica identifier.
	Worker string
	// Tenant is the tenant identifier.
	Tenant string
	// Session is the session identifier.
	Session string
	// Execution is the execution identifier.
	Execution string
}

// Logger provides structured logging with execution context.
// All log entries include the non-empty identity fields of the Context.
type Logger struct {
	zap *zap.Logger
	ctx Context
}

// SugaredLogger provides printf-style logging for CLI and debug surfaces.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new logger with execution context.
// Output defaults to os.Stderr.
func NewLogger(ctx Context) *Logger {
	return newLoggerWithWriter(ctx, os.Stderr)
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{zap: zap.NewNop()}
}

// WithOutput returns a new logger with a different output writer.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	return newLoggerWithWriter(l.ctx, w)
}

// WithExecution returns a logger carrying additional execution identity.
func (l *Logger) WithExecution(tenant, session, execution string) *Logger {
	ctx := l.ctx
	ctx.Tenant = tenant
	ctx.Session = session
	ctx.Execution = execution
	return &Logger{
		zap: l.zap.With(
			zap.String("tenant", tenant),
			zap.String("session", session),
			zap.String("execution", execution),
		),
		ctx: ctx,
	}
}

// newLoggerWithWriter creates a logger writing to the specified writer.
func newLoggerWithWriter(ctx Context, w io.Writer) *Logger {
	encoderConfig := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(w),
		zapcore.DebugLevel,
	)

	var contextFields []zap.Field
	if ctx.Worker != "" {
		contextFields = append(contextFields, zap.String("worker", ctx.Worker))
	}
	if ctx.Tenant != "" {
		contextFields = append(contextFields, zap.String("tenant", ctx.Tenant))
	}
	if ctx.Session != "" {
		contextFields = append(contextFields, zap.String("session", ctx.Session))
	}
	if ctx.Execution != "" {
		contextFields = append(contextFields, zap.String("execution", ctx.Execution))
	}

	return &Logger{zap: zap.New(core).With(contextFields...), ctx: ctx}
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger for printf-style logging.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}
