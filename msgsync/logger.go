package msgsync

import "go.uber.org/zap"

// Logger is a minimal logging interface accepted by the SDK.
type Logger interface {
	Debug(msg string, fields map[string]any)
	Info(msg string, fields map[string]any)
	Warn(msg string, fields map[string]any)
	Error(msg string, fields map[string]any)
}

// noopLogger discards all logs.
type noopLogger struct{}

func (noopLogger) Debug(string, map[string]any) {}
func (noopLogger) Info(string, map[string]any)  {}
func (noopLogger) Warn(string, map[string]any)  {}
func (noopLogger) Error(string, map[string]any) {}

// zapLogger adapts a *zap.Logger to Logger.
type zapLogger struct {
	l *zap.Logger
}

// NewZapLogger wraps l so it can be passed to WithLogger.
// A nil l yields a logger that discards everything.
func NewZapLogger(l *zap.Logger) Logger {
	if l == nil {
		return noopLogger{}
	}
	return zapLogger{l: l.WithOptions(zap.AddCallerSkip(1))}
}

func (z zapLogger) Debug(msg string, fields map[string]any) { z.l.Debug(msg, zapFields(fields)...) }
func (z zapLogger) Info(msg string, fields map[string]any)  { z.l.Info(msg, zapFields(fields)...) }
func (z zapLogger) Warn(msg string, fields map[string]any)  { z.l.Warn(msg, zapFields(fields)...) }
func (z zapLogger) Error(msg string, fields map[string]any) { z.l.Error(msg, zapFields(fields)...) }

func zapFields(fields map[string]any) []zap.Field {
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
