// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package probe answers whether an external tool is present on the host and
// actually works. Presence alone is not enough: a resolvable binary can sit
// on top of a broken runtime, so functional tools must also pass a liveness
// invocation.
package probe

import (
	"bytes"
	"context"
	"os/exec"
	"strings"
	"time"
)

// livenessTimeout bounds the version-query invocation; a hung JVM wrapper
// must not stall the whole pipeline.
const livenessTimeout = 15 * time.Second

// Tool describes how to find and exercise one external binary.
type Tool struct {
	// Name is the human-facing tool name used in diagnostics.
	Name string
	// Bin is the binary to resolve; bare names go through PATH lookup.
	Bin string
	// LivenessArgs is the invocation used to confirm the tool works.
	LivenessArgs []string
	// Expect, when non-empty, must appear in the liveness output.
	Expect string
}

// Availability is the probe result. It is derived on demand and never
// cached; a tool's state can change between stages after an install.
type Availability struct {
	Name       string `json:"name"`
	Present    bool   `json:"present"`
	Functional bool   `json:"functional"`
	Path       string `json:"path,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

// Check probes a single tool. It is a pure query with no side effects;
// callers decide whether a negative result means "install it" or "abort".
func Check(ctx context.Context, tool Tool) Availability {
	av := Availability{Name: tool.Name}

	path, err := exec.LookPath(tool.Bin)
	if err != nil {
		av.Detail = err.Error()
		return av
	}
	av.Present = true
	av.Path = path

	if len(tool.LivenessArgs) == 0 {
		av.Functional = true
		return av
	}

	runCtx, cancel := context.WithTimeout(ctx, livenessTimeout)
	defer cancel()

	var buf bytes.Buffer
	cmd := exec.CommandContext(runCtx, path, tool.LivenessArgs...)
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	runErr := cmd.Run()
	av.Detail = firstLine(buf.String())

	if runErr != nil {
		if av.Detail == "" {
			av.Detail = runErr.Error()
		}
		return av
	}
	if tool.Expect != "" && !strings.Contains(buf.String(), tool.Expect) {
		return av
	}
	av.Functional = true
	return av
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
