// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package provisioner_test

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/oblakolabs/rudroid/pkg/provisioner"
)

func Example_basicUsage() {
	// Create a provisioner from defaults, rudroid.yaml and RUDROID_* vars
	p, err := provisioner.New()
	if err != nil {
		log.Fatal(err)
	}

	// Provision the device, install the application, bring it up, and
	// leave everything running
	err = p.Run(context.Background(), provisioner.RunOptions{
		Mode: provisioner.Detached,
	})
	if err != nil {
		log.Fatal(err)
	}

	// Inspect what is running
	st, err := p.Status(context.Background())
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("Device %s booted=%v, %s installed=%v\n",
		st.Device.Serial, st.Device.Booted, st.Package.Identity, st.Package.Installed)
}

func Example_attachedRun() {
	p, err := provisioner.New()
	if err != nil {
		log.Fatal(err)
	}

	// Give the whole supervised session an upper bound; cancellation stops
	// the device
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	err = p.Run(ctx, provisioner.RunOptions{
		Mode: provisioner.Attached,
	})
	if err != nil {
		log.Fatal(err)
	}
}

func Example_localArtifact() {
	// Skip the catalogs entirely and deploy a file from disk
	p, err := provisioner.NewWithOptions(provisioner.Options{
		DeviceName: "rustore-qa",
		APILevel:   34,
	})
	if err != nil {
		log.Fatal(err)
	}

	err = p.Run(context.Background(), provisioner.RunOptions{
		Mode:          provisioner.Detached,
		LocalArtifact: "/tmp/rustore-beta.apk",
	})
	if err != nil {
		log.Fatal(err)
	}
}

func Example_cleanup() {
	p, err := provisioner.New()
	if err != nil {
		log.Fatal(err)
	}

	// Stop the device and remove the cache root with SDK, device and
	// artifact
	if err := p.Uninstall(context.Background()); err != nil {
		log.Fatal(err)
	}
	fmt.Println("cache removed")
}
