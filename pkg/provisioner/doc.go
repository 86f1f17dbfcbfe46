// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

/*
Package provisioner provides a Go library for provisioning a local Android
virtual device and running the RuStore application on it.

# Overview

The provisioner owns the full path from a bare host to a booted emulator
with the application in the foreground: it checks and installs the required
SDK tooling, downloads the install artifact from the configured catalogs
(or accepts a local file), creates a matching virtual device, boots it,
installs the artifact and launches the application. Everything it creates
lives under a single relocatable cache directory.

# Quick Start

	import "github.com/oblakolabs/rudroid/pkg/provisioner"

	func main() {
		p, err := provisioner.New()
		if err != nil {
			log.Fatal(err)
		}

		// Provision, install and launch; leave the device running.
		err = p.Run(context.Background(), provisioner.RunOptions{
			Mode: provisioner.Detached,
		})
		if err != nil {
			log.Fatal(err)
		}
	}

# Modes

Detached returns as soon as the application is in the foreground and leaves
the device running for later adb sessions. Attached keeps following the
device log and tears the device down when the context is canceled, which
fits CI jobs and supervised runs.

# Cache Layout

All state lives under one root (default ~/.rudroid, RUDROID_CACHE_ROOT to
relocate):

	sdk/   system images, platform tools, emulator
	avd/   the managed device definition
	apk/   the acquired install artifact
	logs/  process log and per-boot emulator logs
	tmp/   in-flight downloads, kept on failure for inspection

Uninstall removes the whole root after stopping the device.

# Idempotence

Runs converge instead of duplicating work: a functional tool is never
reinstalled, a cached artifact is never re-downloaded, an existing device
definition with the right architecture is reused, and a running emulator is
adopted rather than started twice.

# Telemetry

Operations emit structured log events and OpenTelemetry spans through the
global tracer provider. The embedding application decides where those go;
nothing is exported unless it installs a provider.
*/
package provisioner
