// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package telemetry

import (
	"context"
	"log/slog"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
)

// bridgeHandler mirrors slog records to the globally registered OpenTelemetry
// logger provider, so a collector-backed provider receives the same stream as
// stdout and the log file.
type bridgeHandler struct {
	logger otellog.Logger
	min    slog.Level
	attrs  []otellog.KeyValue
	prefix string
}

func newBridgeHandler(min slog.Level) slog.Handler {
	return &bridgeHandler{
		logger: global.Logger(serviceName),
		min:    min,
	}
}

func (h *bridgeHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.min
}

func (h *bridgeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var out otellog.Record
	out.SetTimestamp(rec.Time)
	out.SetSeverity(convertLevel(rec.Level))
	out.SetSeverityText(rec.Level.String())
	out.SetBody(otellog.StringValue(rec.Message))
	out.AddAttributes(h.attrs...)
	rec.Attrs(func(a slog.Attr) bool {
		out.AddAttributes(convertAttrs(h.prefix, []slog.Attr{a})...)
		return true
	})
	h.logger.Emit(ctx, out)
	return nil
}

func (h *bridgeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append(append([]otellog.KeyValue{}, h.attrs...), convertAttrs(h.prefix, attrs)...)
	return &clone
}

func (h *bridgeHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func convertAttrs(prefix string, attrs []slog.Attr) []otellog.KeyValue {
	out := make([]otellog.KeyValue, 0, len(attrs))
	for _, a := range attrs {
		key := prefix + a.Key
		v := a.Value.Resolve()
		if v.Kind() == slog.KindGroup {
			out = append(out, convertAttrs(key+".", v.Group())...)
			continue
		}
		out = append(out, otellog.KeyValue{Key: key, Value: convertValue(v)})
	}
	return out
}

func convertValue(v slog.Value) otellog.Value {
	switch v.Kind() {
	case slog.KindBool:
		return otellog.BoolValue(v.Bool())
	case slog.KindInt64:
		return otellog.Int64Value(v.Int64())
	case slog.KindUint64:
		return otellog.Int64Value(int64(v.Uint64()))
	case slog.KindFloat64:
		return otellog.Float64Value(v.Float64())
	case slog.KindDuration:
		return otellog.StringValue(v.Duration().String())
	case slog.KindTime:
		return otellog.StringValue(v.Time().Format(time.RFC3339Nano))
	default:
		return otellog.StringValue(v.String())
	}
}

func convertLevel(l slog.Level) otellog.Severity {
	switch {
	case l >= slog.LevelError:
		return otellog.SeverityError
	case l >= slog.LevelWarn:
		return otellog.SeverityWarn
	case l >= slog.LevelInfo:
		return otellog.SeverityInfo
	default:
		return otellog.SeverityDebug
	}
}

// teeHandler fans a record out to every enabled delegate.
type teeHandler struct {
	handlers []slog.Handler
}

func newTeeHandler(handlers ...slog.Handler) slog.Handler {
	return &teeHandler{handlers: handlers}
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, rec slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, rec.Level) {
			continue
		}
		if err := h.Handle(ctx, rec.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		next[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}
