// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package adb wraps the device bridge binary. Every method is a synchronous
// subprocess invocation scoped to one device serial.
package adb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
)

// Client issues bridge commands against a single device.
type Client struct {
	// Bin is the bridge binary, bare name or absolute path.
	Bin string
	// Serial scopes every command with -s; empty targets the default device.
	Serial string
	// CorrelationID enriches log events emitted for streamed output.
	CorrelationID string
}

// New returns a client bound to the given serial.
func New(bin, serial string) *Client {
	return &Client{Bin: bin, Serial: serial}
}

func (c *Client) commandArgs(args ...string) []string {
	if c.Serial == "" {
		return args
	}
	return append([]string{"-s", c.Serial}, args...)
}

// run executes one bridge command and returns its combined output. The
// output is returned even on failure so callers can scan it for markers.
func (c *Client) run(ctx context.Context, args ...string) (string, error) {
	full := c.commandArgs(args...)
	cmd := exec.CommandContext(ctx, c.Bin, full...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	if err := cmd.Run(); err != nil {
		return buf.String(), fmt.Errorf("%s %s failed: %v\n%s", c.Bin, strings.Join(full, " "), err, buf.String())
	}
	return buf.String(), nil
}

// StartServer starts the bridge daemon (idempotent).
func (c *Client) StartServer(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, c.Bin, "start-server")
	return cmd.Run()
}

// WaitForDevice blocks until the bridge establishes a connection to the
// device. The underlying tool retries indefinitely; cancellation comes only
// from ctx.
func (c *Client) WaitForDevice(ctx context.Context) error {
	_, err := c.run(ctx, "wait-for-device")
	return err
}

// GetProp reads a device property.
func (c *Client) GetProp(ctx context.Context, key string) (string, error) {
	out, err := c.run(ctx, "shell", "getprop", key)
	return strings.TrimSpace(out), err
}

// Shell runs an arbitrary device shell command and returns its combined
// output.
func (c *Client) Shell(ctx context.Context, args ...string) (string, error) {
	return c.run(ctx, append([]string{"shell"}, args...)...)
}

// Install pushes and installs an artifact. With replace set the install
// allows reinstall and downgrade, matching the update path of the package
// manager.
func (c *Client) Install(ctx context.Context, path string, replace bool) (string, error) {
	args := []string{"install"}
	if replace {
		args = append(args, "-r", "-d")
	}
	args = append(args, path)
	return c.run(ctx, args...)
}

// Uninstall removes a package from the device.
func (c *Client) Uninstall(ctx context.Context, pkg string) error {
	_, err := c.run(ctx, "uninstall", pkg)
	return err
}

// ListPackages returns every installed package, enabled or disabled.
func (c *Client) ListPackages(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "shell", "pm", "list", "packages")
	if err != nil {
		return nil, err
	}
	return parsePackageList(out), nil
}

// DisabledPackages returns only the disabled packages. A package present
// here but absent from an enabled-only listing is installed, just switched
// off.
func (c *Client) DisabledPackages(ctx context.Context) ([]string, error) {
	out, err := c.run(ctx, "shell", "pm", "list", "packages", "-d")
	if err != nil {
		return nil, err
	}
	return parsePackageList(out), nil
}

// Enable re-enables a disabled package.
func (c *Client) Enable(ctx context.Context, pkg string) error {
	_, err := c.run(ctx, "shell", "pm", "enable", pkg)
	return err
}

// StartActivity launches an explicit component via the activity manager.
func (c *Client) StartActivity(ctx context.Context, component string) (string, error) {
	return c.run(ctx, "shell", "am", "start", "-n", component)
}

// Monkey fires a single launcher intent at the package, the generic fallback
// when an explicit component start fails.
func (c *Client) Monkey(ctx context.Context, pkg string) (string, error) {
	return c.run(ctx, "shell", "monkey", "-p", pkg, "-c", "android.intent.category.LAUNCHER", "1")
}

// EmuKill asks the emulator console to shut the device down.
func (c *Client) EmuKill(ctx context.Context) error {
	_, err := c.run(ctx, "emu", "kill")
	return err
}

// Logcat streams device logs into w until ctx is cancelled. Cancellation is
// the expected way to stop following and is not reported as an error.
func (c *Client) Logcat(ctx context.Context, w io.Writer, args ...string) error {
	full := c.commandArgs(append([]string{"logcat"}, args...)...)
	cmd := exec.CommandContext(ctx, c.Bin, full...)
	cmd.Stdout = w
	cmd.Stderr = w
	err := cmd.Run()
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return fmt.Errorf("logcat stream: %w", err)
	}
	return nil
}

func parsePackageList(out string) []string {
	var pkgs []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if after, ok := strings.CutPrefix(line, "package:"); ok && after != "" {
			pkgs = append(pkgs, after)
		}
	}
	sort.Strings(pkgs)
	return pkgs
}

// Contains reports whether pkg appears in a sorted package listing.
func Contains(pkgs []string, pkg string) bool {
	i := sort.SearchStrings(pkgs, pkg)
	return i < len(pkgs) && pkgs[i] == pkg
}
