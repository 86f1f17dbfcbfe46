// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package avd

import (
	"bytes"
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oblakolabs/rudroid/internal/adb"
)

// ReadinessState tracks how far a started device got toward serving
// install commands.
type ReadinessState int

const (
	NotStarted ReadinessState = iota
	Booting
	Booted
	TimedOut
)

func (s ReadinessState) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Booting:
		return "booting"
	case Booted:
		return "booted"
	case TimedOut:
		return "timed_out"
	}
	return fmt.Sprintf("readiness(%d)", int(s))
}

// Process is a running (or adopted) emulator process.
type Process struct {
	Serial string `json:"serial"`
	Port   int    `json:"port"`
	PID    int    `json:"pid"`
	// Adopted marks a process that was already running before this run.
	Adopted bool   `json:"adopted"`
	Booted  bool   `json:"booted"`
	LogPath string `json:"log_path,omitempty"`
}

const (
	portRangeStart = 5554
	portRangeEnd   = 5800
	startGrace     = 2 * time.Second
)

// Start launches the emulator for the named device, or adopts a process
// that is already running it. The child is detached into its own session
// with its output going straight to a log file, so it survives this
// process exiting.
func Start(ctx context.Context, env Env, name string) (Process, error) {
	_, span := startSpan(ctx, env, "avd.Start", attribute.String("name", name))
	defer span.End()

	ensureADB(ctx, env)

	if pid := findDevicePIDByName(name); pid > 0 {
		port := devicePortFromPID(pid)
		if port == 0 {
			port = portRangeStart
		}
		proc := Process{
			Serial:  fmt.Sprintf("emulator-%d", port),
			Port:    port,
			PID:     pid,
			Adopted: true,
		}
		span.SetAttributes(attribute.Int("pid", pid), attribute.Bool("adopted", true))
		logEvent(env, "adopting running device", "name", name, "serial", proc.Serial, "pid", pid)
		return proc, nil
	}

	port, err := FindFreeEvenPort(portRangeStart, portRangeEnd)
	if err != nil {
		recordSpanError(span, err)
		return Process{}, err
	}

	if err := os.MkdirAll(env.LogDir, 0o755); err != nil {
		recordSpanError(span, err)
		return Process{}, err
	}
	logPath := filepath.Join(env.LogDir, fmt.Sprintf("emulator-%s-%d.log", name, port))
	logFile, err := os.Create(logPath)
	if err != nil {
		recordSpanError(span, err)
		return Process{}, fmt.Errorf("open emulator log: %w", err)
	}

	args := []string{
		"-avd", name,
		"-port", strconv.Itoa(port),
		"-no-window",
		"-no-boot-anim",
		"-no-snapshot",
		"-no-snapshot-load",
		"-no-snapshot-save",
		"-skip-adb-auth",
		"-no-metrics",
		"-no-location-ui",
		"-no-audio",
		"-gpu", "swiftshader_indirect",
		"-logcat", "*:S",
	}
	cmd := exec.Command(env.Emulator, args...)
	// Output goes to the file handle only; a pipe back into this process
	// would break the child once we exit in detached mode.
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = append(env.processEnv(), "QEMU_FILE_LOCKING=off", "ADB_VENDOR_KEYS=/dev/null")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		recordSpanError(span, err)
		logEvent(env, "emulator start failed", "name", name, "port", port, "error", err)
		return Process{}, fmt.Errorf("emulator start: %w", err)
	}
	_ = logFile.Close()

	waited := make(chan error, 1)
	go func() { waited <- cmd.Wait() }()
	select {
	case err := <-waited:
		tail := logTail(logPath)
		startErr := fmt.Errorf("emulator exited immediately: %v\n%s", err, tail)
		recordSpanError(span, startErr)
		logEvent(env, "emulator exited immediately",
			"name", name, "port", port, "error", err, "log_path", logPath)
		return Process{}, startErr
	case <-time.After(startGrace):
	}

	proc := Process{
		Serial:  fmt.Sprintf("emulator-%d", port),
		Port:    port,
		PID:     cmd.Process.Pid,
		LogPath: logPath,
	}
	span.SetAttributes(
		attribute.String("serial", proc.Serial),
		attribute.Int("pid", proc.PID),
		attribute.String("log_path", logPath),
	)
	logEvent(env, "emulator started",
		"name", name, "port", port, "serial", proc.Serial, "pid", proc.PID, "log_path", logPath)
	return proc, nil
}

// WaitUntilReady blocks until the device behind serial reports a completed
// boot, then lets it settle briefly before returning. The whole wait is
// bounded by the configured boot timeout.
func WaitUntilReady(ctx context.Context, env Env, serial string) (ReadinessState, error) {
	ctx, span := startSpan(ctx, env, "avd.WaitUntilReady",
		attribute.String("serial", serial),
		attribute.String("timeout", env.BootTimeout.String()),
	)
	defer span.End()

	waitCtx, cancel := context.WithTimeout(ctx, env.BootTimeout)
	defer cancel()

	client := adb.New(env.ADB, serial)
	client.CorrelationID = env.CorrelationID

	state := NotStarted
	if err := client.WaitForDevice(waitCtx); err != nil {
		if waitCtx.Err() != nil {
			return timedOutOrCanceled(ctx, env, span, serial, state)
		}
		recordSpanError(span, err)
		return state, err
	}
	state = Booting

	started := time.Now()
	lastProgress := started
	lastDetail := ""
	ticker := time.NewTicker(env.PollInterval)
	defer ticker.Stop()

	for {
		out, err := client.GetProp(waitCtx, "sys.boot_completed")
		if err != nil {
			lastDetail = strings.TrimSpace(out)
			if lastDetail == "" {
				lastDetail = err.Error()
			}
		} else if out == "1" {
			// The property flips before the package service is usable.
			time.Sleep(env.SettleDelay)
			span.SetAttributes(attribute.Bool("boot_completed", true))
			logEvent(env, "device ready",
				"serial", serial, "waited", time.Since(started).Round(time.Millisecond).String())
			return Booted, nil
		}

		if time.Since(lastProgress) >= 10*time.Second {
			lastProgress = time.Now()
			logEvent(env, "still waiting for device boot",
				"serial", serial,
				"state", state.String(),
				"elapsed", time.Since(started).Round(time.Second).String(),
				"detail", lastDetail,
			)
		}

		select {
		case <-waitCtx.Done():
			return timedOutOrCanceled(ctx, env, span, serial, state)
		case <-ticker.C:
		}
	}
}

func timedOutOrCanceled(ctx context.Context, env Env, span trace.Span, serial string, state ReadinessState) (ReadinessState, error) {
	if err := ctx.Err(); err != nil {
		return state, err
	}
	err := fmt.Errorf("device %s did not finish booting within %s: %w",
		serial, env.BootTimeout, context.DeadlineExceeded)
	recordSpanError(span, err)
	logEvent(env, "device boot timed out",
		"serial", serial, "timeout", env.BootTimeout.String(), "state", state.String())
	return TimedOut, err
}

// Stop shuts down the emulator behind serial, escalating from the console
// kill command to signals. Stopping a device that is already gone succeeds.
func Stop(ctx context.Context, env Env, serial string) error {
	port := portFromSerial(serial)
	if port == 0 {
		return fmt.Errorf("invalid serial %q (expected emulator-<port>)", serial)
	}
	_, span := startSpan(ctx, env, "avd.Stop",
		attribute.String("serial", serial),
		attribute.Int("port", port),
	)
	defer span.End()
	logEvent(env, "device stop requested", "serial", serial, "port", port)

	client := adb.New(env.ADB, serial)
	client.CorrelationID = env.CorrelationID
	adbErr := client.EmuKill(ctx)
	time.Sleep(1 * time.Second)

	pid := findDevicePID(port)
	if pid == 0 {
		logEvent(env, "device stopped", "serial", serial, "port", port)
		return nil
	}

	if proc, err := os.FindProcess(pid); err == nil {
		if err := proc.Signal(os.Interrupt); err == nil {
			time.Sleep(2 * time.Second)
			if findDevicePID(port) > 0 {
				_ = proc.Kill()
			}
			logEvent(env, "device stopped", "serial", serial, "port", port, "pid", pid)
			return nil
		}
	}

	if adbErr != nil {
		recordSpanError(span, adbErr)
		return fmt.Errorf("stop %s: console kill failed (%v) and pid %d would not die", serial, adbErr, pid)
	}
	return nil
}

// Running reports the process currently running the named device, found by
// scanning process command lines.
func Running(ctx context.Context, env Env, name string) (Process, bool) {
	pid := findDevicePIDByName(name)
	if pid == 0 {
		return Process{}, false
	}
	port := devicePortFromPID(pid)
	if port == 0 {
		port = portRangeStart
	}
	proc := Process{
		Serial:  fmt.Sprintf("emulator-%d", port),
		Port:    port,
		PID:     pid,
		Adopted: true,
	}
	client := adb.New(env.ADB, proc.Serial)
	client.CorrelationID = env.CorrelationID
	if out, err := client.GetProp(ctx, "sys.boot_completed"); err == nil && out == "1" {
		proc.Booted = true
	}
	return proc, true
}

// ensureADB starts the adb server so device queries do not race its lazy
// startup.
func ensureADB(ctx context.Context, env Env) {
	client := adb.New(env.ADB, "")
	client.CorrelationID = env.CorrelationID
	_ = client.StartServer(ctx)
}

func portFromSerial(serial string) int {
	rest, ok := strings.CutPrefix(serial, "emulator-")
	if !ok {
		return 0
	}
	n, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return n
}

// FindFreeEvenPort returns the first free even port in [start, end). The
// emulator claims the port pair <port>, <port>+1.
func FindFreeEvenPort(start, end int) (int, error) {
	if start%2 != 0 {
		start++
	}
	for p := start; p < end; p += 2 {
		if isPortFree(p) && isPortFree(p+1) {
			return p, nil
		}
	}
	return 0, fmt.Errorf("no free even port in %d..%d", start, end)
}

func isPortFree(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	_ = l.Close()
	return true
}

// findDevicePID scans /proc for an emulator process bound to the given
// console port. Command lines are null-separated, which keeps the match
// exact against unrelated processes mentioning ports in other arguments.
func findDevicePID(port int) int {
	entries, _ := filepath.Glob("/proc/[0-9]*/cmdline")
	needle := []byte(fmt.Sprintf("-port%c%d%c", 0, port, 0))
	for _, p := range entries {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if !bytes.Contains(append(b, 0), needle) {
			continue
		}
		if !bytes.Contains(b, []byte("qemu-system")) && !bytes.Contains(b, []byte("emulator")) {
			continue
		}
		base := filepath.Base(filepath.Dir(p))
		if n, err := strconv.Atoi(base); err == nil {
			if _, statErr := os.Stat(filepath.Join("/proc", base, "stat")); statErr == nil {
				return n
			}
		}
	}
	return 0
}

// findDevicePIDByName scans /proc for an emulator process started with the
// given device name.
func findDevicePIDByName(name string) int {
	entries, _ := filepath.Glob("/proc/[0-9]*/cmdline")
	needle := []byte(fmt.Sprintf("-avd%c%s%c", 0, name, 0))
	for _, p := range entries {
		b, err := os.ReadFile(p)
		if err != nil {
			continue
		}
		if !bytes.Contains(append(b, 0), needle) {
			continue
		}
		if !bytes.Contains(b, []byte("qemu-system")) && !bytes.Contains(b, []byte("emulator")) {
			continue
		}
		base := filepath.Base(filepath.Dir(p))
		if n, err := strconv.Atoi(base); err == nil {
			if _, statErr := os.Stat(filepath.Join("/proc", base, "stat")); statErr == nil {
				return n
			}
		}
	}
	return 0
}

// devicePortFromPID extracts the console port from a process command line.
func devicePortFromPID(pid int) int {
	if pid == 0 {
		return 0
	}
	b, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "cmdline"))
	if err != nil {
		return 0
	}
	parts := bytes.Split(b, []byte{0})
	for i, part := range parts {
		if string(part) == "-port" && i+1 < len(parts) {
			if n, err := strconv.Atoi(string(parts[i+1])); err == nil {
				return n
			}
		}
	}
	return 0
}

func logTail(path string) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	const tailBytes = 2048
	if len(b) > tailBytes {
		b = b[len(b)-tailBytes:]
	}
	return strings.TrimSpace(string(b))
}
