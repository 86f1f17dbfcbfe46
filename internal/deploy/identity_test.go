// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package deploy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/containerd/errdefs"

	"github.com/oblakolabs/rudroid/internal/adb"
	"github.com/oblakolabs/rudroid/internal/apk"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

func silenceLogs(t *testing.T) {
	t.Helper()
	previous := telemetry.Logger()
	telemetry.SetLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(func() { telemetry.SetLogger(previous) })
}

// newManager wires a Manager to an adb stub script. The script can keep
// state next to itself and appends every invocation to calls.log.
func newManager(t *testing.T, script string) (*Manager, string) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "adb")
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write adb stub: %v", err)
	}
	return &Manager{Device: adb.New(path, "emulator-5554")}, filepath.Join(dir, "calls.log")
}

func readCalls(t *testing.T, path string) string {
	t.Helper()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return ""
		}
		t.Fatalf("read calls log: %v", err)
	}
	return string(b)
}

// emptyDeviceStub lists no interesting packages.
const emptyDeviceStub = `#!/bin/sh
dir=$(dirname "$0")
echo "$*" >> "$dir/calls.log"
case "$*" in
  *"pm list packages"*) echo "package:android"; exit 0 ;;
esac
exit 0
`

type stubBadging struct {
	id  apk.Identity
	err error
}

func (s stubBadging) Inspect(context.Context, string) (apk.Identity, error) {
	return s.id, s.err
}

func TestResolveIdentityPrefersArtifactMetadata(t *testing.T) {
	silenceLogs(t)
	m, _ := newManager(t, emptyDeviceStub)
	m.Badging = stubBadging{id: apk.Identity{Package: "com.wrong.answer"}}
	m.Override = "com.also.wrong"

	id, err := m.ResolveIdentity(context.Background(), apk.Artifact{Package: "ru.vk.store"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "ru.vk.store" {
		t.Fatalf("expected artifact metadata to win, got %s", id)
	}
}

func TestResolveIdentityFallsBackToBadging(t *testing.T) {
	silenceLogs(t)
	m, _ := newManager(t, emptyDeviceStub)
	m.Badging = stubBadging{id: apk.Identity{Package: "com.inspected.app", VersionCode: 42}}

	id, err := m.ResolveIdentity(context.Background(), apk.Artifact{Path: "/tmp/app.apk"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "com.inspected.app" {
		t.Fatalf("expected badging identity, got %s", id)
	}
}

func TestResolveIdentityScansInstalledPackages(t *testing.T) {
	silenceLogs(t)
	stub := `#!/bin/sh
case "$*" in
  *"pm list packages"*)
    echo "package:android"
    echo "package:ru.vk.store"
    exit 0 ;;
esac
exit 0
`
	m, _ := newManager(t, stub)
	m.Badging = stubBadging{err: apk.ErrNoInspector}

	id, err := m.ResolveIdentity(context.Background(), apk.Artifact{Path: "/tmp/app.apk"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "ru.vk.store" {
		t.Fatalf("expected fragment match from installed packages, got %s", id)
	}
}

func TestResolveIdentityFragmentPriority(t *testing.T) {
	silenceLogs(t)
	stub := `#!/bin/sh
case "$*" in
  *"pm list packages"*)
    echo "package:com.rustore.mirror"
    echo "package:ru.vk.store"
    exit 0 ;;
esac
exit 0
`
	m, _ := newManager(t, stub)

	id, err := m.ResolveIdentity(context.Background(), apk.Artifact{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	// The first fragment wins even when a later one also matches.
	if id != "com.rustore.mirror" {
		t.Fatalf("expected first fragment to take priority, got %s", id)
	}
}

func TestResolveIdentityUsesOverride(t *testing.T) {
	silenceLogs(t)
	m, _ := newManager(t, emptyDeviceStub)
	m.Override = "com.custom.store"

	id, err := m.ResolveIdentity(context.Background(), apk.Artifact{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != "com.custom.store" {
		t.Fatalf("expected override identity, got %s", id)
	}
}

func TestResolveIdentityRejectsInvalidCandidates(t *testing.T) {
	silenceLogs(t)
	m, _ := newManager(t, emptyDeviceStub)
	m.Badging = stubBadging{id: apk.Identity{Package: "25.19.0"}}
	m.Override = "1.2.3"

	id, err := m.ResolveIdentity(context.Background(), apk.Artifact{Package: "not valid!"})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if id != DefaultIdentity {
		t.Fatalf("expected version-like candidates skipped in favor of the default, got %s", id)
	}
}

func TestIdentityError(t *testing.T) {
	err := &IdentityError{Rejected: []string{"25.19.0", "1.2.3"}}
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatal("expected identity error to unwrap to not found")
	}
	msg := err.Error()
	if !strings.Contains(msg, "25.19.0") || !strings.Contains(msg, "1.2.3") {
		t.Fatalf("expected rejected candidates listed, got %q", msg)
	}

	empty := &IdentityError{}
	if !strings.Contains(empty.Error(), "no package identity candidates") {
		t.Fatalf("unexpected empty-candidate message %q", empty.Error())
	}
}
