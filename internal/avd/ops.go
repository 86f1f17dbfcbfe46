// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Descriptor describes a device definition on disk.
type Descriptor struct {
	Name   string `json:"name"`
	Path   string `json:"path"`
	ABI    string `json:"abi,omitempty"`
	Exists bool   `json:"exists"`
}

func run(ctx context.Context, env Env, bin string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Env = env.processEnv()
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := strings.TrimSpace(buf.String())
	if err != nil {
		return out, fmt.Errorf("%s %s failed: %v\n%s", bin, strings.Join(args, " "), err, out)
	}
	return out, nil
}

// HostABI maps the host architecture to the matching system image ABI.
func HostABI() (string, error) {
	switch runtime.GOARCH {
	case "arm64":
		return "arm64-v8a", nil
	case "amd64":
		return "x86_64", nil
	}
	return "", fmt.Errorf("no emulator system images published for host architecture %s", runtime.GOARCH)
}

// WantABI is the ABI the device must run: the configured override when set,
// the host mapping otherwise.
func (e Env) WantABI() (string, error) {
	if e.ABI != "" {
		return e.ABI, nil
	}
	return HostABI()
}

// SystemImage is the sdkmanager package path for the given API level and ABI.
func SystemImage(apiLevel int, abi string) string {
	return fmt.Sprintf("system-images;android-%d;google_apis;%s", apiLevel, abi)
}

var (
	abiTypeLine   = regexp.MustCompile(`(?m)^abi\.type=(.+)$`)
	sysdirPattern = regexp.MustCompile(`system-images[/\\]android-\d+[/\\][^/\\]+[/\\]([^/\\\s]+)`)
)

// Describe reports whether the named device exists and which ABI it was
// created from, reading only the filesystem.
func Describe(env Env, name string) Descriptor {
	dir := filepath.Join(env.AVDHome, name+".avd")
	desc := Descriptor{Name: name, Path: dir}
	if st, err := os.Stat(dir); err != nil || !st.IsDir() {
		return desc
	}
	desc.Exists = true

	b, err := os.ReadFile(filepath.Join(dir, "config.ini"))
	if err != nil {
		return desc
	}
	if m := abiTypeLine.FindSubmatch(b); m != nil {
		desc.ABI = strings.TrimSpace(string(m[1]))
		return desc
	}
	if m := sysdirPattern.FindSubmatch(b); m != nil {
		desc.ABI = string(m[1])
	}
	return desc
}

// Ensure makes the named device definition exist with the required ABI. A
// definition carrying the wrong ABI is destroyed and recreated once; one
// with an unreadable ABI is kept as-is.
func Ensure(ctx context.Context, env Env, name, profile string) (Descriptor, error) {
	ctx, span := startSpan(ctx, env, "avd.Ensure", attribute.String("name", name))
	defer span.End()

	want, err := env.WantABI()
	if err != nil {
		recordSpanError(span, err)
		return Descriptor{}, err
	}

	desc := Describe(env, name)
	if desc.Exists && desc.ABI != "" && desc.ABI != want {
		logEvent(env, "device definition has wrong abi, recreating",
			"name", name, "have", desc.ABI, "want", want)
		if err := Delete(ctx, env, name); err != nil {
			recordSpanError(span, err)
			return Descriptor{}, err
		}
		desc = Describe(env, name)
	}

	if !desc.Exists {
		image := SystemImage(env.APILevel, want)
		if err := ensureSystemImage(ctx, env, image); err != nil {
			recordSpanError(span, err)
			return Descriptor{}, fmt.Errorf("ensure system image: %w", err)
		}
		if err := createDevice(ctx, env, name, profile, image); err != nil {
			recordSpanError(span, err)
			return Descriptor{}, err
		}
		logEvent(env, "device definition created",
			"name", name, "profile", profile, "image", image)
	}

	if err := applyConfigSanitation(env, name); err != nil {
		recordSpanError(span, err)
		return Descriptor{}, err
	}

	desc = Describe(env, name)
	span.SetAttributes(attribute.String("abi", desc.ABI))
	return desc, nil
}

func ensureSystemImage(ctx context.Context, env Env, image string) error {
	if env.SDKRoot != "" {
		parts := strings.Split(image, ";")
		if len(parts) == 4 {
			p := filepath.Join(env.SDKRoot, parts[0], parts[1], parts[2], parts[3])
			if _, err := os.Stat(p); err == nil {
				return nil
			}
		}
	}

	// License acceptance is interactive; feed it enough approvals.
	licenses := exec.CommandContext(ctx, env.SdkManager, "--licenses", "--sdk_root="+env.SDKRoot)
	licenses.Env = env.processEnv()
	licenses.Stdin = strings.NewReader(strings.Repeat("y\n", 32))
	_ = licenses.Run()

	_, err := run(ctx, env, env.SdkManager, "--sdk_root="+env.SDKRoot, image)
	return err
}

func createDevice(ctx context.Context, env Env, name, profile, image string) error {
	if name == "" {
		return errors.New("empty device name")
	}
	if err := os.MkdirAll(env.AVDHome, 0o755); err != nil {
		return err
	}
	cmd := exec.CommandContext(ctx, env.AvdManager, "create", "avd",
		"-n", name, "-k", image, "-d", profile, "--force")
	cmd.Env = env.processEnv()
	// Decline the custom hardware profile prompt.
	cmd.Stdin = strings.NewReader("no\n")
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("avdmanager create: %v\n%s", err, out)
	}
	return nil
}

func sanitizeConfigINI(b []byte) []byte {
	lines := strings.Split(string(b), "\n")
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		if strings.HasPrefix(l, "QuickBoot.mode=") ||
			strings.HasPrefix(l, "snapshot.present=") ||
			strings.HasPrefix(l, "fastboot.") ||
			strings.HasPrefix(l, "firstboot.") {
			continue
		}
		out = append(out, l)
	}
	out = append(out, "QuickBoot.mode=disabled")
	out = append(out, "snapshot.present=false")
	out = append(out, "fastboot.forceColdBoot=yes")
	return []byte(strings.Join(out, "\n"))
}

// applyConfigSanitation forces cold boots in the device config so every run
// starts from the same state. A missing config is left alone.
func applyConfigSanitation(env Env, name string) error {
	path := filepath.Join(env.AVDHome, name+".avd", "config.ini")
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	if err := os.WriteFile(path, sanitizeConfigINI(b), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Delete removes the named device definition, preferring the SDK tool and
// falling back to removing the files directly. Deleting a device that does
// not exist succeeds.
func Delete(ctx context.Context, env Env, name string) error {
	if name == "" {
		return errors.New("empty device name")
	}
	_, _ = run(ctx, env, env.AvdManager, "delete", "avd", "-n", name)
	if err := os.RemoveAll(filepath.Join(env.AVDHome, name+".avd")); err != nil {
		return err
	}
	_ = os.Remove(filepath.Join(env.AVDHome, name+".ini"))
	return nil
}
