// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package avd

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oblakolabs/rudroid/internal/telemetry"
)

var tracer = otel.Tracer("rudroid/avd")

func startSpan(ctx context.Context, env Env, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, tracer, env.CorrelationID, name, attrs...)
}

func recordSpanError(span trace.Span, err error) {
	telemetry.RecordSpanError(span, err)
}

func logEvent(env Env, msg string, fields ...any) {
	telemetry.Event(env.CorrelationID, msg, fields...)
}
