// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package telemetry owns the process logger, the tracing bootstrap and the
// bridge that mirrors log records to an OpenTelemetry log provider.
package telemetry

import (
	"bytes"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

var processLogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
	Level: slog.LevelInfo,
}))

// SetLogger replaces the process logger. Setup installs the configured
// logger through this; tests swap in a buffer-backed one.
func SetLogger(l *slog.Logger) {
	processLogger = l
}

// Logger returns the current process logger.
func Logger() *slog.Logger {
	return processLogger
}

// Event emits a structured log record enriched with the workflow correlation
// ID and a nanosecond timestamp.
func Event(correlationID, message string, fields ...any) {
	baseFields := []any{"timestamp_ns", time.Now().UTC().UnixNano()}
	if correlationID != "" {
		baseFields = append(baseFields, "correlation_id", correlationID)
	}
	allFields := append(baseFields, fields...)
	processLogger.Info(message, allFields...)
}

type lineWriter struct {
	correlationID string
	fields        []any
	buffer        []byte
	msg           string
}

func (writer *lineWriter) Write(payload []byte) (int, error) {
	writer.buffer = append(writer.buffer, payload...)
	for {
		newlineIndex := bytes.IndexByte(writer.buffer, '\n')
		if newlineIndex == -1 {
			break
		}
		line := strings.TrimSpace(string(writer.buffer[:newlineIndex]))
		writer.buffer = writer.buffer[newlineIndex+1:]
		if line != "" {
			Event(writer.correlationID, writer.msg, append(writer.fields, "line", line)...)
		}
	}
	return len(payload), nil
}

// NewLineWriter returns a writer that splits subprocess output into one log
// event per line.
func NewLineWriter(correlationID, message string, fields ...any) io.Writer {
	return &lineWriter{
		correlationID: correlationID,
		fields:        fields,
		msg:           message,
	}
}

// NewCommandWriter returns a line writer annotated with the command being
// executed, for folding tool stderr into the structured log stream.
func NewCommandWriter(correlationID, command string, args []string) io.Writer {
	fields := []any{"command", command, "stream", "stderr"}
	if len(args) > 0 {
		fields = append(fields, "args", strings.Join(args, " "))
	}
	return NewLineWriter(correlationID, "command stderr", fields...)
}
