// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package pipeline

import (
	"context"
	"os"

	"github.com/oblakolabs/rudroid/internal/adb"
	"github.com/oblakolabs/rudroid/internal/apk"
	"github.com/oblakolabs/rudroid/internal/avd"
	"github.com/oblakolabs/rudroid/internal/deploy"
	"github.com/oblakolabs/rudroid/internal/probe"
)

// Status is a point-in-time view of everything the pipeline manages. It is
// assembled from queries only; asking for status never installs, deletes or
// starts anything.
type Status struct {
	CacheRoot string               `json:"cache_root"`
	Tools     []probe.Availability `json:"tools"`
	Artifact  *apk.Artifact        `json:"artifact,omitempty"`
	Device    DeviceStatus         `json:"device"`
	Package   PackageStatus        `json:"package"`
}

// DeviceStatus reports the device definition and its running process.
type DeviceStatus struct {
	Name    string `json:"name"`
	Exists  bool   `json:"exists"`
	ABI     string `json:"abi,omitempty"`
	Running bool   `json:"running"`
	Serial  string `json:"serial,omitempty"`
	Booted  bool   `json:"booted"`
}

// PackageStatus reports the target application on the device.
type PackageStatus struct {
	Identity  string `json:"identity"`
	Installed bool   `json:"installed"`
	Disabled  bool   `json:"disabled"`
}

// statusToolOrder fixes the report order; map iteration would shuffle it.
var statusToolOrder = []string{
	"brew", "sdkmanager", "avdmanager", "emulator", "adb", "aapt", "aapt2", "apkeep",
}

// Status collects the current state of tools, artifact, device and package.
func (r *Runner) Status(ctx context.Context) (Status, error) {
	st := Status{CacheRoot: r.cfg.CacheRoot}

	probes := r.toolProbes()
	for _, name := range statusToolOrder {
		st.Tools = append(st.Tools, probe.Check(ctx, probes[name]))
	}

	if info, err := os.Stat(r.cfg.ArtifactPath()); err == nil {
		art := apk.Artifact{
			Path:      r.cfg.ArtifactPath(),
			SizeBytes: info.Size(),
			Valid:     apk.Verify(r.cfg.ArtifactPath()) == nil,
		}
		badging := apk.NewBadging(r.cfg.Tools.Aapt, r.cfg.Tools.Aapt2)
		if id, ok := apk.ExtractIdentity(ctx, badging, art.Path); ok {
			art.Package = id.Package
			art.VersionName = id.VersionName
			art.VersionCode = id.VersionCode
		}
		st.Artifact = &art
	}

	env := avd.EnvFromConfig(r.cfg)
	desc := avd.Describe(env, r.cfg.Device.Name)
	st.Device = DeviceStatus{
		Name:   desc.Name,
		Exists: desc.Exists,
		ABI:    desc.ABI,
	}
	proc, running := avd.Running(ctx, env, r.cfg.Device.Name)
	if running {
		st.Device.Running = true
		st.Device.Serial = proc.Serial
		st.Device.Booted = proc.Booted
	}

	identity := r.cfg.Target.Package
	if identity == "" {
		identity = deploy.DefaultIdentity
	}
	st.Package.Identity = identity
	if running && proc.Booted {
		device := adb.New(env.ADB, proc.Serial)
		device.CorrelationID = r.cfg.CorrelationID
		if pkgs, err := device.ListPackages(ctx); err == nil {
			st.Package.Installed = adb.Contains(pkgs, identity)
		}
		if st.Package.Installed {
			if disabled, err := device.DisabledPackages(ctx); err == nil {
				st.Package.Disabled = adb.Contains(disabled, identity)
			}
		}
	}
	return st, nil
}
