// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package deploy installs the acquired artifact on a booted device and
// brings the application to the foreground.
package deploy

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oblakolabs/rudroid/internal/adb"
	"github.com/oblakolabs/rudroid/internal/apk"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

// DefaultIdentity is the canonical package used when nothing better can be
// determined. Install and launch still verify it against the device.
const DefaultIdentity = "ru.vk.store"

// DefaultNameFragments are matched against installed package names when the
// identity has to be recovered from the device, highest priority first.
var DefaultNameFragments = []string{"rustore", "vk.store"}

var tracer = otel.Tracer("rudroid/deploy")

// Manager deploys one application to one device.
type Manager struct {
	Device  *adb.Client
	Badging apk.Badging
	// Override is an operator-supplied identity consulted late in
	// resolution, after evidence from the artifact itself.
	Override      string
	Fragments     []string
	SettleDelay   time.Duration
	CorrelationID string
}

func (m *Manager) fragments() []string {
	if len(m.Fragments) > 0 {
		return m.Fragments
	}
	return DefaultNameFragments
}

func (m *Manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, tracer, m.CorrelationID, name, attrs...)
}

func (m *Manager) logEvent(msg string, fields ...any) {
	telemetry.Event(m.CorrelationID, msg, fields...)
}

// IdentityError reports that no candidate source produced a usable package
// identity.
type IdentityError struct {
	// Rejected lists the candidates that were considered and failed
	// validation, in the order they were tried.
	Rejected []string
}

func (e *IdentityError) Error() string {
	if len(e.Rejected) == 0 {
		return "no package identity candidates available"
	}
	return fmt.Sprintf("no usable package identity (rejected: %s)", strings.Join(e.Rejected, ", "))
}

func (e *IdentityError) Unwrap() error { return errdefs.ErrNotFound }

// ResolveIdentity determines which package the artifact installs as.
// Evidence from the artifact itself wins over device heuristics, which win
// over configuration, which wins over the built-in default. Every candidate
// is validated before use; an invalid one is recorded and skipped.
func (m *Manager) ResolveIdentity(ctx context.Context, art apk.Artifact) (string, error) {
	ctx, span := m.startSpan(ctx, "deploy.ResolveIdentity")
	defer span.End()

	var rejected []string
	consider := func(candidate, origin string) (string, bool) {
		if candidate == "" {
			return "", false
		}
		if !apk.IsValidPackageIdentity(candidate) {
			rejected = append(rejected, candidate)
			m.logEvent("rejecting invalid package identity candidate",
				"candidate", candidate, "origin", origin)
			return "", false
		}
		span.SetAttributes(
			attribute.String("identity", candidate),
			attribute.String("origin", origin),
		)
		return candidate, true
	}

	if id, ok := consider(art.Package, "artifact"); ok {
		return id, nil
	}
	if ident, ok := apk.ExtractIdentity(ctx, m.Badging, art.Path); ok {
		if id, ok := consider(ident.Package, "badging"); ok {
			return id, nil
		}
	}
	if match := m.installedFragmentMatch(ctx); match != "" {
		if id, ok := consider(match, "installed"); ok {
			return id, nil
		}
	}
	if id, ok := consider(m.Override, "override"); ok {
		return id, nil
	}
	if id, ok := consider(DefaultIdentity, "default"); ok {
		return id, nil
	}

	err := &IdentityError{Rejected: rejected}
	telemetry.RecordSpanError(span, err)
	return "", err
}

// installedFragmentMatch searches installed packages for the configured
// name fragments, in fragment priority order. Package lists come back
// sorted, so ties resolve deterministically.
func (m *Manager) installedFragmentMatch(ctx context.Context) string {
	pkgs, err := m.Device.ListPackages(ctx)
	if err != nil {
		return ""
	}
	for _, frag := range m.fragments() {
		for _, pkg := range pkgs {
			if strings.Contains(pkg, frag) {
				return pkg
			}
		}
	}
	return ""
}

// nearMatches returns installed packages containing any configured name
// fragment.
func (m *Manager) nearMatches(pkgs []string) []string {
	var out []string
	for _, pkg := range pkgs {
		for _, frag := range m.fragments() {
			if strings.Contains(pkg, frag) {
				out = append(out, pkg)
				break
			}
		}
	}
	return out
}
