// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package telemetry

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
)

const serviceName = "rudroid"

// Settings configures the telemetry bootstrap.
type Settings struct {
	Level         string
	LogDir        string
	OTLPEndpoint  string
	CorrelationID string
}

// Setup installs the process logger (JSON to stdout, mirrored into a rolling
// file under LogDir) and, when an OTLP endpoint is configured, a tracer
// provider exporting over HTTP plus an OpenTelemetry mirror of every log
// record. The returned function flushes and releases everything.
func Setup(ctx context.Context, s Settings) (func(context.Context) error, error) {
	level, err := parseLevel(s.Level)
	if err != nil {
		return nil, err
	}

	sink := io.Writer(os.Stdout)
	var logFile *os.File
	if s.LogDir != "" {
		if err := os.MkdirAll(s.LogDir, 0o755); err != nil {
			return nil, fmt.Errorf("create log dir: %w", err)
		}
		path := filepath.Join(s.LogDir, "rudroid.log")
		logFile, err = os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("open log file: %w", err)
		}
		sink = io.MultiWriter(os.Stdout, logFile)
	}

	var handler slog.Handler = slog.NewJSONHandler(sink, &slog.HandlerOptions{Level: level})

	var tracerProvider *sdktrace.TracerProvider
	if s.OTLPEndpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(s.OTLPEndpoint))
		if err != nil {
			if logFile != nil {
				_ = logFile.Close()
			}
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		res, err := resource.Merge(resource.Default(),
			resource.NewSchemaless(attribute.String("service.name", serviceName)))
		if err != nil {
			res = resource.Default()
		}
		tracerProvider = sdktrace.NewTracerProvider(
			sdktrace.WithBatcher(exporter),
			sdktrace.WithResource(res),
		)
		otel.SetTracerProvider(tracerProvider)
		handler = newTeeHandler(handler, newBridgeHandler(level))
	}

	SetLogger(slog.New(handler))

	return func(ctx context.Context) error {
		var firstErr error
		if tracerProvider != nil {
			firstErr = tracerProvider.Shutdown(ctx)
		}
		if logFile != nil {
			if err := logFile.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}, nil
}

func parseLevel(s string) (slog.Level, error) {
	switch s {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// StartSpan opens a span on the given tracer, tagging it with the workflow
// correlation ID when one is set.
func StartSpan(ctx context.Context, tracer trace.Tracer, correlationID, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	if correlationID != "" {
		attrs = append(attrs, attribute.String("correlation_id", correlationID))
	}
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// RecordSpanError records err on the span if it is non-nil.
func RecordSpanError(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
}
