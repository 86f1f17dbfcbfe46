// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/oblakolabs/rudroid/internal/avd"
	"github.com/oblakolabs/rudroid/internal/config"
	"github.com/oblakolabs/rudroid/internal/pipeline"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

func main() {
	var cacheRoot string
	var debug bool

	loadConfig := func() (config.Config, error) {
		cfg, err := config.Load()
		if err != nil {
			return config.Config{}, err
		}
		if cacheRoot != "" {
			cfg.CacheRoot = cacheRoot
		}
		if debug {
			cfg.LogLevel = "debug"
		}
		return cfg, nil
	}

	var attach bool
	var apkPath string
	var uninstall bool
	root := &cobra.Command{
		Use:          "rudroid",
		Short:        "Provision a local Android virtual device and run the RuStore app on it",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			shutdown, err := telemetry.Setup(ctx, telemetry.Settings{
				Level:         cfg.LogLevel,
				LogDir:        cfg.LogDir(),
				OTLPEndpoint:  cfg.OTLPEndpoint,
				CorrelationID: cfg.CorrelationID,
			})
			if err != nil {
				return err
			}
			defer func() { _ = shutdown(context.Background()) }()

			mode := pipeline.Detached
			if attach {
				mode = pipeline.Attached
			}
			runner := pipeline.New(&cfg, mode)
			runner.LocalAPK = apkPath

			if uninstall {
				return runner.Uninstall(ctx)
			}
			return runner.Run(ctx)
		},
	}
	root.PersistentFlags().StringVar(&cacheRoot, "cache-root", "", "override the cache directory (default ~/.rudroid)")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
	root.Flags().BoolVar(&attach, "attach", false, "follow the device log and tear the device down on interrupt")
	root.Flags().StringVar(&apkPath, "apk", "", "install this local file instead of downloading")
	root.Flags().BoolVar(&uninstall, "uninstall", false, "stop the device and remove the cache, then exit")

	// status
	var statusJSON bool
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Report tool, artifact, device and application state without changing anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			runner := pipeline.New(&cfg, pipeline.Detached)
			st, err := runner.Status(cmd.Context())
			if err != nil {
				return err
			}
			if statusJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(st)
			}

			fmt.Printf("cache root: %s\n", st.CacheRoot)
			fmt.Println("tools:")
			for _, t := range st.Tools {
				state := "missing"
				switch {
				case t.Functional:
					state = "ok"
				case t.Present:
					state = "broken"
				}
				fmt.Printf("  %-12s %-8s %s\n", t.Name, state, t.Path)
			}
			if st.Artifact != nil {
				fmt.Printf("artifact: %s (%d bytes, valid=%v", st.Artifact.Path, st.Artifact.SizeBytes, st.Artifact.Valid)
				if st.Artifact.Package != "" {
					fmt.Printf(", %s %s", st.Artifact.Package, st.Artifact.VersionName)
				}
				fmt.Println(")")
			} else {
				fmt.Println("artifact: none")
			}
			fmt.Printf("device: %s exists=%v abi=%s running=%v", st.Device.Name, st.Device.Exists, st.Device.ABI, st.Device.Running)
			if st.Device.Running {
				fmt.Printf(" serial=%s booted=%v", st.Device.Serial, st.Device.Booted)
			}
			fmt.Println()
			fmt.Printf("package: %s installed=%v disabled=%v\n", st.Package.Identity, st.Package.Installed, st.Package.Disabled)
			return nil
		},
	}
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "output JSON")
	root.AddCommand(statusCmd)

	// stop
	stopCmd := &cobra.Command{
		Use:   "stop",
		Short: "Stop the managed device if it is running",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			env := avd.EnvFromConfig(&cfg)
			proc, ok := avd.Running(cmd.Context(), env, cfg.Device.Name)
			if !ok {
				fmt.Printf("device %s is not running\n", cfg.Device.Name)
				return nil
			}
			if err := avd.Stop(cmd.Context(), env, proc.Serial); err != nil {
				return err
			}
			fmt.Printf("stopped %s\n", proc.Serial)
			return nil
		},
	}
	root.AddCommand(stopCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
