// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/containerd/errdefs"

	"github.com/oblakolabs/rudroid/internal/config"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

func silenceLogs(t *testing.T) {
	t.Helper()
	previous := telemetry.Logger()
	telemetry.SetLogger(slog.New(slog.NewJSONHandler(io.Discard, nil)))
	t.Cleanup(func() { telemetry.SetLogger(previous) })
}

func writeToolStub(t *testing.T, dir, name, script string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("write %s stub: %v", name, err)
	}
	return path
}

// brewMarkerStub fails every invocation and leaves a marker, so tests can
// prove the package manager was never consulted.
const brewMarkerStub = `#!/bin/sh
dir=$(dirname "$0")
touch "$dir/brew-consulted"
exit 1
`

const badgingStub = `#!/bin/sh
echo "package: name='ru.vk.store' versionCode='251900' versionName='25.19.0'"
exit 0
`

// newTestConfig builds a configuration whose tools all pass their liveness
// probes, except brew which records any consultation and fails.
func newTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()
	root := t.TempDir()
	toolDir := filepath.Join(root, "bin")
	if err := os.MkdirAll(toolDir, 0o755); err != nil {
		t.Fatalf("mkdir tool dir: %v", err)
	}

	writeToolStub(t, toolDir, "brew", brewMarkerStub)
	writeToolStub(t, toolDir, "sdkmanager", "#!/bin/sh\necho \"12.0\"\nexit 0\n")
	writeToolStub(t, toolDir, "avdmanager", "#!/bin/sh\necho \"Available Android Virtual Devices:\"\nexit 0\n")
	writeToolStub(t, toolDir, "adb", "#!/bin/sh\necho \"Android Debug Bridge version 1.0.41\"\nexit 0\n")
	writeToolStub(t, toolDir, "emulator", "#!/bin/sh\necho \"Android emulator version 34.1.19\"\nexit 0\n")
	writeToolStub(t, toolDir, "aapt", badgingStub)
	writeToolStub(t, toolDir, "aapt2", badgingStub)
	writeToolStub(t, toolDir, "apkeep", "#!/bin/sh\necho \"apkeep 0.17.0\"\nexit 0\n")

	cfg := &config.Config{
		CacheRoot:     filepath.Join(root, "cache"),
		CorrelationID: "corr-pipeline",
		Tools: config.ToolsConfig{
			Brew:       filepath.Join(toolDir, "brew"),
			SdkManager: filepath.Join(toolDir, "sdkmanager"),
			AvdManager: filepath.Join(toolDir, "avdmanager"),
			ADB:        filepath.Join(toolDir, "adb"),
			Emulator:   filepath.Join(toolDir, "emulator"),
			Aapt:       filepath.Join(toolDir, "aapt"),
			Aapt2:      filepath.Join(toolDir, "aapt2"),
			Apkeep:     filepath.Join(toolDir, "apkeep"),
		},
		Device: config.DeviceConfig{
			Name:         "pipe-test",
			Profile:      "pixel_6",
			APILevel:     34,
			BootTimeout:  time.Minute,
			PollInterval: 50 * time.Millisecond,
		},
		Catalog: config.CatalogConfig{
			HTTPTimeout: 5 * time.Second,
		},
	}
	return cfg, toolDir
}

func TestNewRunnerAdoptsCorrelationID(t *testing.T) {
	cfg := &config.Config{CorrelationID: "caller-supplied"}
	r := New(cfg, Detached)
	if r.RunID != "caller-supplied" {
		t.Fatalf("expected caller id adopted as run id, got %s", r.RunID)
	}

	fresh := &config.Config{}
	r = New(fresh, Attached)
	if r.RunID == "" {
		t.Fatal("expected a generated run id")
	}
	if fresh.CorrelationID != r.RunID {
		t.Fatalf("expected correlation id backfilled, got %q vs %q", fresh.CorrelationID, r.RunID)
	}
}

func TestRunFailsAtAcquisition(t *testing.T) {
	silenceLogs(t)
	cfg, _ := newTestConfig(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "not found", http.StatusNotFound)
	}))
	defer srv.Close()
	cfg.Catalog.RuStoreURL = srv.URL
	cfg.Catalog.AptoideURL = srv.URL
	cfg.Catalog.APKPureURL = srv.URL

	r := New(cfg, Detached)
	r.Out = io.Discard

	err := r.Run(context.Background())
	if err == nil {
		t.Fatal("expected run to fail with every catalog down")
	}
	var serr *StageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if serr.Stage != StageAcquire {
		t.Fatalf("expected failure in acquire, got %s", serr.Stage)
	}
	if serr.LastGood != StagePrerequisites {
		t.Fatalf("expected prerequisites completed, got %q", serr.LastGood)
	}
	if !errors.Is(err, errdefs.ErrUnavailable) {
		t.Fatalf("expected unavailable error class, got %v", err)
	}
	if !strings.Contains(err.Error(), "completed through prerequisites") {
		t.Fatalf("expected progress in message, got %q", err.Error())
	}
}

func TestRunFailsAtPrerequisitesWithoutTools(t *testing.T) {
	silenceLogs(t)
	cfg, _ := newTestConfig(t)
	cfg.Tools.SdkManager = filepath.Join(t.TempDir(), "missing-sdkmanager")

	r := New(cfg, Detached)
	r.Out = io.Discard

	err := r.Run(context.Background())
	var serr *StageError
	if !errors.As(err, &serr) {
		t.Fatalf("expected stage error, got %v", err)
	}
	if serr.Stage != StagePrerequisites || serr.LastGood != "" {
		t.Fatalf("expected first-stage failure, got %+v", serr)
	}
	if !errors.Is(err, errdefs.ErrNotFound) {
		t.Fatalf("expected not found error class, got %v", err)
	}
	if !strings.Contains(err.Error(), "brew") {
		t.Fatalf("expected the package manager named in the failure, got %q", err.Error())
	}
}

func TestUninstallRemovesCacheRoot(t *testing.T) {
	silenceLogs(t)
	cfg, _ := newTestConfig(t)
	if err := cfg.EnsureDirs(); err != nil {
		t.Fatalf("ensure dirs: %v", err)
	}
	if err := os.WriteFile(cfg.ArtifactPath(), []byte("payload"), 0o644); err != nil {
		t.Fatalf("seed artifact: %v", err)
	}

	r := New(cfg, Detached)
	out := &bytes.Buffer{}
	r.Out = out

	if err := r.Uninstall(context.Background()); err != nil {
		t.Fatalf("uninstall: %v", err)
	}
	if _, err := os.Stat(cfg.CacheRoot); !os.IsNotExist(err) {
		t.Fatal("expected cache root removed")
	}
	if !strings.Contains(out.String(), "removed "+cfg.CacheRoot) {
		t.Fatalf("expected removal reported, got %q", out.String())
	}

	// A second uninstall has nothing to do and still succeeds.
	if err := r.Uninstall(context.Background()); err != nil {
		t.Fatalf("uninstall again: %v", err)
	}
}
