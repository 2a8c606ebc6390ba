package observability

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/pitabwire/docket/internal/config"
	"github.com/pitabwire/docket/model"
)

type loggerKey struct{}

// NewLogger builds the JSON logger written to stdout. An unknown level
// falls back to info.
//
// Levels: error for store failures and 5xx responses; warn for 4xx
// responses, gate blocks and overrides; info for activations, stage
// transitions and template publishing; debug for redacted matter contexts
// and idempotent replays.
func NewLogger(cfg config.ObservabilityConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(level)
	zapCfg.Sampling = nil
	zapCfg.OutputPaths = []string{"stdout"}
	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	zapCfg.EncoderConfig.EncodeDuration = zapcore.MillisDurationEncoder
	return zapCfg.Build()
}

// WithLogger returns ctx carrying logger.
func WithLogger(ctx context.Context, logger *zap.Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// LoggerFrom returns the logger carried by ctx, or fallback.
func LoggerFrom(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	if l, ok := ctx.Value(loggerKey{}).(*zap.Logger); ok && l != nil {
		return l
	}
	return fallback
}

// RequestLogger tags the context logger with the caller's firm, actor,
// correlation id and, when tracing, trace id.
func RequestLogger(ctx context.Context, fallback *zap.Logger) *zap.Logger {
	logger := LoggerFrom(ctx, fallback)
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return logger
	}

	fields := make([]zap.Field, 0, 4)
	fields = append(fields,
		zap.String("firm_id", rctx.FirmID),
		zap.String("actor_id", rctx.ActorID),
		zap.String("correlation_id", rctx.CorrelationID),
	)
	if rctx.TraceID != "" {
		fields = append(fields, zap.String("trace_id", rctx.TraceID))
	}
	return logger.With(fields...)
}

const redacted = "[REDACTED]"

// Matter context keys that identify people or accounts.
var sensitiveContextKeys = []string{
	"password", "secret", "token", "authorization",
	"client_name", "date_of_birth", "ssn", "tax_id", "passport_number", "bank_account",
}

// RedactBody copies a matter context for debug logging, replacing the
// values of sensitive keys (the defaults plus extra) at any depth.
func RedactBody(body map[string]any, extra []string) map[string]any {
	if body == nil {
		return nil
	}
	hide := make(map[string]struct{}, len(sensitiveContextKeys)+len(extra))
	for _, k := range sensitiveContextKeys {
		hide[k] = struct{}{}
	}
	for _, k := range extra {
		hide[k] = struct{}{}
	}
	return redact(body, hide)
}

func redact(body map[string]any, hide map[string]struct{}) map[string]any {
	out := make(map[string]any, len(body))
	for k, v := range body {
		if _, ok := hide[k]; ok {
			out[k] = redacted
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			v = redact(nested, hide)
		}
		out[k] = v
	}
	return out
}
