package log

import (
	"context"

	"go.uber.org/zap"
)

type ctxLogKeyType struct{}

var ctxLogKey = ctxLogKeyType{}

func Debug(msg string, fields ...zap.Field) {
	L().Debug(msg, fields...)
}

func Info(msg string, fields ...zap.Field) {
	L().Info(msg, fields...)
}

func Warn(msg string, fields ...zap.Field) {
	L().Warn(msg, fields...)
}

func Error(msg string, fields ...zap.Field) {
	L().Error(msg, fields...)
}

// Fatal logs and then exits the process.
func Fatal(msg string, fields ...zap.Field) {
	L().Fatal(msg, fields...)
}

// With returns a child of the global logger carrying fields.
func With(fields ...zap.Field) *zap.Logger {
	return L().WithOptions(zap.AddCallerSkip(-1)).With(fields...)
}

// WithFields returns a context whose logger carries fields in addition to
// whatever the parent context already carried.
func WithFields(ctx context.Context, fields ...zap.Field) context.Context {
	return context.WithValue(ctx, ctxLogKey, Ctx(ctx).With(fields...))
}

// Ctx returns the logger stored in ctx, or the global logger.
func Ctx(ctx context.Context) *zap.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(ctxLogKey).(*zap.Logger); ok {
			return l
		}
	}
	return L().WithOptions(zap.AddCallerSkip(-1))
}
