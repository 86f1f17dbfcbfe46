// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package deploy

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/containerd/errdefs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oblakolabs/rudroid/internal/adb"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

// LaunchError reports that no strategy brought the application to the
// foreground.
type LaunchError struct {
	Identity string
	Detail   string
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %s", e.Identity, e.Detail)
}

func (e *LaunchError) Unwrap() error { return errdefs.ErrInternal }

// componentResolver finds the launchable component of a package. Resolvers
// run in order; each is best-effort.
type componentResolver interface {
	name() string
	resolve(ctx context.Context, device *adb.Client, identity string) (string, error)
}

// briefResolver asks the package service directly.
type briefResolver struct{}

func (briefResolver) name() string { return "resolve-activity" }

func (briefResolver) resolve(ctx context.Context, device *adb.Client, identity string) (string, error) {
	out, err := device.Shell(ctx, "cmd", "package", "resolve-activity",
		"--brief", "-c", "android.intent.category.LAUNCHER", identity)
	if err != nil {
		return "", err
	}
	// The component is the last line of the form pkg/activity.
	for _, line := range reverseLines(out) {
		line = strings.TrimSpace(line)
		if strings.HasPrefix(line, identity+"/") {
			return line, nil
		}
	}
	return "", fmt.Errorf("no component in resolve-activity output")
}

var dumpsysComponent = regexp.MustCompile(`([\w.]+)/([\w.$]+)`)

// dumpsysResolver digs the launcher activity out of the package dump, for
// devices whose package service lacks the resolve-activity command.
type dumpsysResolver struct{}

func (dumpsysResolver) name() string { return "dumpsys" }

func (dumpsysResolver) resolve(ctx context.Context, device *adb.Client, identity string) (string, error) {
	out, err := device.Shell(ctx, "dumpsys", "package", identity)
	if err != nil {
		return "", err
	}
	idx := strings.Index(out, "android.intent.action.MAIN")
	if idx < 0 {
		return "", fmt.Errorf("no MAIN intent section in package dump")
	}
	for _, m := range dumpsysComponent.FindAllString(out[idx:], -1) {
		if strings.HasPrefix(m, identity+"/") {
			return m, nil
		}
	}
	return "", fmt.Errorf("no launchable component in package dump")
}

// conventionResolver guesses the conventional main activity name. It never
// fails to produce a candidate; starting it may still fail.
type conventionResolver struct{}

func (conventionResolver) name() string { return "convention" }

func (conventionResolver) resolve(_ context.Context, _ *adb.Client, identity string) (string, error) {
	return identity + "/.MainActivity", nil
}

var resolvers = []componentResolver{briefResolver{}, dumpsysResolver{}, conventionResolver{}}

// Launch brings the application to the foreground. A disabled package is
// re-enabled first. Explicit activity starts are tried with each resolved
// component; when all of them fail the launcher intent is fired through the
// monkey tool as a last resort.
func (m *Manager) Launch(ctx context.Context, identity string) error {
	ctx, span := m.startSpan(ctx, "deploy.Launch", attribute.String("identity", identity))
	defer span.End()

	pkgs, err := m.Device.ListPackages(ctx)
	if err != nil {
		return fmt.Errorf("query installed packages: %w", err)
	}
	if !adb.Contains(pkgs, identity) {
		lerr := &LaunchError{Identity: identity, Detail: "package not installed"}
		telemetry.RecordSpanError(span, lerr)
		return lerr
	}

	if disabled, err := m.Device.DisabledPackages(ctx); err == nil && adb.Contains(disabled, identity) {
		if err := m.Device.Enable(ctx, identity); err != nil {
			m.logEvent("failed to re-enable package", "identity", identity, "error", err.Error())
		} else {
			m.logEvent("re-enabled disabled package", "identity", identity)
		}
	}

	var details []string
	for _, r := range resolvers {
		component, err := r.resolve(ctx, m.Device, identity)
		if err != nil {
			details = append(details, fmt.Sprintf("%s: %v", r.name(), err))
			continue
		}
		out, err := m.Device.StartActivity(ctx, component)
		if err == nil && !strings.Contains(out, "Error") {
			m.logEvent("application launched",
				"identity", identity, "component", component, "resolver", r.name())
			span.SetAttributes(attribute.String("resolver", r.name()))
			return nil
		}
		detail := lastLine(out)
		if err != nil {
			detail = err.Error()
		}
		details = append(details, fmt.Sprintf("%s (%s): %s", r.name(), component, detail))
	}

	out, err := m.Device.Monkey(ctx, identity)
	if err == nil && !strings.Contains(out, "No activities found") {
		m.logEvent("application launched via launcher intent", "identity", identity)
		span.SetAttributes(attribute.String("resolver", "monkey"))
		return nil
	}
	if err != nil {
		details = append(details, "monkey: "+err.Error())
	} else {
		details = append(details, "monkey: "+lastLine(out))
	}

	lerr := &LaunchError{Identity: identity, Detail: strings.Join(details, "; ")}
	telemetry.RecordSpanError(span, lerr)
	return lerr
}

func reverseLines(s string) []string {
	lines := strings.Split(s, "\n")
	for i, j := 0, len(lines)-1; i < j; i, j = i+1, j-1 {
		lines[i], lines[j] = lines[j], lines[i]
	}
	return lines
}
