// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package deploy

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oblakolabs/rudroid/internal/adb"
	"github.com/oblakolabs/rudroid/internal/apk"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

// failureMarker matches installer output that signals a failed install even
// when the tool exits zero.
var failureMarker = regexp.MustCompile(`INSTALL_FAILED|INSTALL_PARSE_FAILED|adb: failed|Exception occurred|Failure \[`)

// InstallError reports an install whose result could not be confirmed on
// the device.
type InstallError struct {
	Identity    string
	NearMatches []string
	Output      string
}

func (e *InstallError) Error() string {
	msg := fmt.Sprintf("package %s not present after install", e.Identity)
	if len(e.NearMatches) > 0 {
		msg += fmt.Sprintf(" (near matches: %s)", strings.Join(e.NearMatches, ", "))
	}
	if tail := lastLine(e.Output); tail != "" {
		msg += ": " + tail
	}
	return msg
}

func (e *InstallError) Unwrap() error { return errdefs.ErrInternal }

// Install pushes the artifact onto the device and confirms the package
// actually appeared. The installer exit status is authoritative; failure
// markers in its output are a secondary signal, logged always and fatal
// only when the post-install check cannot find the package. When the
// expected identity is absent but exactly one installed package matches the
// name fragments, that package is adopted as the real identity.
func (m *Manager) Install(ctx context.Context, art apk.Artifact) (string, error) {
	ctx, span := m.startSpan(ctx, "deploy.Install", attribute.String("path", art.Path))
	defer span.End()

	identity, err := m.ResolveIdentity(ctx, art)
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return "", err
	}
	span.SetAttributes(attribute.String("identity", identity))

	pkgs, err := m.Device.ListPackages(ctx)
	if err != nil {
		return "", fmt.Errorf("query installed packages: %w", err)
	}
	present := adb.Contains(pkgs, identity)
	if present {
		m.logEvent("package already installed, reinstalling", "identity", identity)
	}

	out, runErr := m.Device.Install(ctx, art.Path, present)
	if runErr != nil {
		ierr := &InstallError{Identity: identity, Output: out}
		m.logEvent("installer failed", "identity", identity, "error", runErr.Error())
		return "", fmt.Errorf("install %s: %v: %w", art.Path, runErr, ierr)
	}
	if marker := failureMarker.FindString(out); marker != "" {
		m.logEvent("installer output contains failure marker",
			"identity", identity, "marker", marker)
	}

	time.Sleep(m.SettleDelay)

	pkgs, err = m.Device.ListPackages(ctx)
	if err != nil {
		return "", fmt.Errorf("confirm install: %w", err)
	}
	if adb.Contains(pkgs, identity) {
		m.logEvent("install confirmed", "identity", identity)
		return identity, nil
	}

	near := m.nearMatches(pkgs)
	if len(near) == 1 && apk.IsValidPackageIdentity(near[0]) {
		m.logEvent("expected identity absent, adopting near match",
			"expected", identity, "adopted", near[0])
		span.SetAttributes(attribute.String("adopted_identity", near[0]))
		return near[0], nil
	}

	ierr := &InstallError{Identity: identity, NearMatches: near, Output: out}
	telemetry.RecordSpanError(span, ierr)
	m.logEvent("install not confirmed",
		"identity", identity, "near_matches", strings.Join(near, ","))
	return "", ierr
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	lines := strings.Split(s, "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
