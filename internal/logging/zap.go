package logging

import (
	"context"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

// RequestIDKey is the context key under which handlers store the request id.
const RequestIDKey ctxKey = "request_id"

// ZapAdapter implements Logger on top of zap.
type ZapAdapter struct {
	logger *zap.Logger
}

// NewZapLogger builds a console-encoded zap logger.
func NewZapLogger(cfg Config) *ZapAdapter {
	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "level",
		NameKey:        "logger",
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.CapitalLevelEncoder,
		EncodeTime:     zapcore.RFC3339TimeEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
	}

	var ws zapcore.WriteSyncer
	if cfg.Output != nil {
		ws = zapcore.AddSync(cfg.Output)
	} else {
		ws = zapcore.AddSync(os.Stdout)
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), ws, toZapLevel(cfg.Level))
	logger := zap.New(core)
	if cfg.Name != "" {
		logger = logger.Named(cfg.Name)
	}
	return &ZapAdapter{logger: logger}
}

func (z *ZapAdapter) Debug(msg string, fields ...Field) { z.logger.Debug(msg, toZapFields(fields)...) }

func (z *ZapAdapter) Info(msg string, fields ...Field) { z.logger.Info(msg, toZapFields(fields)...) }

func (z *ZapAdapter) Warn(msg string, fields ...Field) { z.logger.Warn(msg, toZapFields(fields)...) }

func (z *ZapAdapter) Error(msg string, err error, fields ...Field) {
	zf := toZapFields(fields)
	if err != nil {
		zf = append(zf, zap.Error(err))
	}
	z.logger.Error(msg, zf...)
}

// WithFields returns a child logger carrying fields on every entry.
func (z *ZapAdapter) WithFields(fields ...Field) Logger {
	if len(fields) == 0 {
		return z
	}
	return &ZapAdapter{logger: z.logger.With(toZapFields(fields)...)}
}

// WithContext attaches the request id stored in ctx, if any.
func (z *ZapAdapter) WithContext(ctx context.Context) Logger {
	if ctx == nil {
		return z
	}
	if id, ok := ctx.Value(RequestIDKey).(string); ok && id != "" {
		return &ZapAdapter{logger: z.logger.With(zap.String(string(RequestIDKey), id))}
	}
	return z
}

// Sync flushes buffered entries.
func (z *ZapAdapter) Sync() error {
	return z.logger.Sync()
}

func toZapLevel(l Level) zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}
