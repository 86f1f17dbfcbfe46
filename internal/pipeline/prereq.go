// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package pipeline

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"

	"github.com/oblakolabs/rudroid/internal/probe"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

// toolProbes builds probe descriptions from the current configuration. It
// is rebuilt after installs because an install may repoint a binary.
func (r *Runner) toolProbes() map[string]probe.Tool {
	t := r.cfg.Tools
	return map[string]probe.Tool{
		"brew":       {Name: "brew", Bin: t.Brew, LivenessArgs: []string{"--version"}, Expect: "Homebrew"},
		"sdkmanager": {Name: "sdkmanager", Bin: t.SdkManager, LivenessArgs: []string{"--version"}},
		"avdmanager": {Name: "avdmanager", Bin: t.AvdManager, LivenessArgs: []string{"list", "avd"}},
		"adb":        {Name: "adb", Bin: t.ADB, LivenessArgs: []string{"version"}, Expect: "Android Debug Bridge"},
		"emulator":   {Name: "emulator", Bin: t.Emulator, LivenessArgs: []string{"-version"}},
		"aapt":       {Name: "aapt", Bin: t.Aapt, LivenessArgs: []string{"version"}},
		"aapt2":      {Name: "aapt2", Bin: t.Aapt2, LivenessArgs: []string{"version"}},
		"apkeep":     {Name: "apkeep", Bin: t.Apkeep, LivenessArgs: []string{"--version"}},
	}
}

// prerequisites makes the required tools functional, installing the missing
// ones. The package manager is only consulted when something actually needs
// installing, so a fully provisioned host never depends on it.
func (r *Runner) prerequisites(ctx context.Context) error {
	if _, err := r.ensureTool(ctx, "sdkmanager", func(ctx context.Context) error {
		return r.brewInstallCask(ctx, "android-commandlinetools")
	}); err != nil {
		return err
	}
	if _, err := r.ensureTool(ctx, "avdmanager", func(ctx context.Context) error {
		return r.brewInstallCask(ctx, "android-commandlinetools")
	}); err != nil {
		return err
	}
	if _, err := r.ensureTool(ctx, "adb", func(ctx context.Context) error {
		return r.brewInstallCask(ctx, "android-platform-tools")
	}); err != nil {
		return err
	}
	if _, err := r.ensureTool(ctx, "emulator", func(ctx context.Context) error {
		if err := r.sdkInstall(ctx, "emulator", "platform-tools"); err != nil {
			return err
		}
		r.adoptSDKEmulator()
		return nil
	}); err != nil {
		return err
	}

	// Inspection tools degrade gracefully; their absence narrows identity
	// extraction but never blocks the run.
	probes := r.toolProbes()
	for _, name := range []string{"aapt", "aapt2", "apkeep"} {
		av := probe.Check(ctx, probes[name])
		if !av.Functional {
			telemetry.Event(r.cfg.CorrelationID, "optional tool unavailable, degrading",
				"tool", name, "present", av.Present, "detail", av.Detail)
		}
	}
	return nil
}

// ensureTool probes, installs on a miss, and probes again. A tool that is
// present but keeps failing its liveness check is reported as nonfunctional
// rather than missing, since reinstalling it clearly did not help.
func (r *Runner) ensureTool(ctx context.Context, name string, install func(context.Context) error) (probe.Availability, error) {
	av := probe.Check(ctx, r.toolProbes()[name])
	if av.Functional {
		return av, nil
	}
	telemetry.Event(r.cfg.CorrelationID, "required tool unavailable, installing",
		"tool", name, "present", av.Present, "detail", av.Detail)

	if err := install(ctx); err != nil {
		return av, fmt.Errorf("install %s: %w", name, err)
	}

	av = probe.Check(ctx, r.toolProbes()[name])
	if av.Functional {
		telemetry.Event(r.cfg.CorrelationID, "tool installed", "tool", name, "path", av.Path)
		return av, nil
	}
	if av.Present {
		return av, fmt.Errorf("%s is installed but not functional (%s): %w",
			name, av.Detail, errdefs.ErrFailedPrecondition)
	}
	return av, fmt.Errorf("%s still missing after install: %w", name, errdefs.ErrNotFound)
}

// adoptSDKEmulator repoints the emulator binary at the SDK-installed copy
// when the configured name does not resolve. sdkmanager installs inside the
// cache, not onto PATH.
func (r *Runner) adoptSDKEmulator() {
	if _, err := exec.LookPath(r.cfg.Tools.Emulator); err == nil {
		return
	}
	sdkCopy := filepath.Join(r.cfg.SDKDir(), "emulator", "emulator")
	if _, err := os.Stat(sdkCopy); err == nil {
		telemetry.Event(r.cfg.CorrelationID, "using emulator from sdk install", "path", sdkCopy)
		r.cfg.Tools.Emulator = sdkCopy
	}
}

// brew resolves the package manager once per run. Without a working brew no
// tool can be installed, which is fatal for the bootstrap.
func (r *Runner) brew(ctx context.Context) (string, error) {
	if r.brewProbed {
		return r.brewPath, r.brewErr
	}
	r.brewProbed = true

	av := probe.Check(ctx, r.toolProbes()["brew"])
	if !av.Functional {
		r.brewErr = fmt.Errorf("package manager brew unavailable (%s): %w", av.Detail, errdefs.ErrNotFound)
		return "", r.brewErr
	}
	r.brewPath = av.Path
	return r.brewPath, nil
}

func (r *Runner) brewInstallCask(ctx context.Context, cask string) error {
	brew, err := r.brew(ctx)
	if err != nil {
		return err
	}
	if r.installedCasks[cask] {
		return nil
	}

	args := []string{"install", "--cask", cask}
	cmd := exec.CommandContext(ctx, brew, args...)
	cmd.Stdout = telemetry.NewCommandWriter(r.cfg.CorrelationID, brew, args)
	cmd.Stderr = cmd.Stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("brew install --cask %s: %w", cask, err)
	}
	r.installedCasks[cask] = true
	return nil
}

// sdkInstall installs SDK packages into the cache, accepting licenses
// first. The emulator package in particular only ships this way.
func (r *Runner) sdkInstall(ctx context.Context, packages ...string) error {
	sdkRoot := r.cfg.SDKDir()

	licenses := exec.CommandContext(ctx, r.cfg.Tools.SdkManager, "--licenses", "--sdk_root="+sdkRoot)
	licenses.Stdin = strings.NewReader(strings.Repeat("y\n", 32))
	licenses.Stdout = telemetry.NewCommandWriter(r.cfg.CorrelationID, r.cfg.Tools.SdkManager, []string{"--licenses"})
	licenses.Stderr = licenses.Stdout
	_ = licenses.Run()

	args := append([]string{"--sdk_root=" + sdkRoot}, packages...)
	cmd := exec.CommandContext(ctx, r.cfg.Tools.SdkManager, args...)
	cmd.Stdout = telemetry.NewCommandWriter(r.cfg.CorrelationID, r.cfg.Tools.SdkManager, args)
	cmd.Stderr = cmd.Stdout
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("sdkmanager install %s: %w", strings.Join(packages, " "), err)
	}
	return nil
}
