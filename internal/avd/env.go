// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package avd manages the lifecycle of the local virtual device: creating
// it from a system image, starting the emulator process, waiting for the
// guest to finish booting, and tearing it down again.
package avd

import (
	"os"
	"time"

	"github.com/oblakolabs/rudroid/internal/config"
)

// Env carries the paths, binaries and timing knobs every operation in this
// package needs. It is passed by value; operations never mutate it.
type Env struct {
	SDKRoot string // system images and platform tools
	AVDHome string // device definitions
	LogDir  string // per-device emulator logs

	Emulator   string
	ADB        string
	AvdManager string
	SdkManager string

	APILevel int
	ABI      string // overrides host architecture detection when set

	BootTimeout  time.Duration
	PollInterval time.Duration
	SettleDelay  time.Duration

	// CorrelationID ties log events of one run together.
	CorrelationID string
}

// EnvFromConfig maps the process configuration onto an Env. Explicit
// ANDROID_* variables win over the configured cache layout so an operator
// pointing at an existing SDK install is honored.
func EnvFromConfig(cfg *config.Config) Env {
	return Env{
		SDKRoot:       getenv("ANDROID_SDK_ROOT", cfg.SDKDir()),
		AVDHome:       getenv("ANDROID_AVD_HOME", cfg.AVDDir()),
		LogDir:        cfg.LogDir(),
		Emulator:      cfg.Tools.Emulator,
		ADB:           cfg.Tools.ADB,
		AvdManager:    cfg.Tools.AvdManager,
		SdkManager:    cfg.Tools.SdkManager,
		APILevel:      cfg.Device.APILevel,
		ABI:           cfg.Device.ABI,
		BootTimeout:   cfg.Device.BootTimeout,
		PollInterval:  cfg.Device.PollInterval,
		SettleDelay:   cfg.Device.SettleDelay,
		CorrelationID: cfg.CorrelationID,
	}
}

// processEnv is the environment block handed to SDK tooling so it resolves
// images and device definitions inside our cache layout.
func (e Env) processEnv() []string {
	return append(os.Environ(),
		"ANDROID_SDK_ROOT="+e.SDKRoot,
		"ANDROID_HOME="+e.SDKRoot,
		"ANDROID_AVD_HOME="+e.AVDHome,
	)
}

func getenv(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}
