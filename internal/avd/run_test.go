// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package avd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"
)

const basicADBStub = "#!/bin/sh\nexit 0\n"

// bootedADBStub answers the readiness probes the way a fully booted device
// would.
const bootedADBStub = `#!/bin/sh
case "$*" in
  *wait-for-device*) exit 0 ;;
  *sys.boot_completed*) echo "1"; exit 0 ;;
esac
exit 0
`

// stuckADBStub reaches the device but never sees the boot finish.
const stuckADBStub = `#!/bin/sh
case "$*" in
  *wait-for-device*) exit 0 ;;
  *sys.boot_completed*) echo "0"; exit 0 ;;
esac
exit 0
`

func newRunEnv(t *testing.T, adbScript string) Env {
	t.Helper()
	root := t.TempDir()
	return Env{
		AVDHome:      filepath.Join(root, "avd"),
		LogDir:       filepath.Join(root, "logs"),
		ADB:          writeTool(t, root, "adb", adbScript),
		BootTimeout:  5 * time.Second,
		PollInterval: 20 * time.Millisecond,
	}
}

// startDummyEmulator runs a shell loop that carries the -avd/-port argument
// shape of a real emulator process, so the /proc scan finds it.
func startDummyEmulator(t *testing.T, name string, port int) *os.Process {
	t.Helper()
	dir := t.TempDir()
	emuPath := filepath.Join(dir, "emulator")
	script := "#!/bin/sh\ntrap 'exit 0' INT TERM\nwhile true; do sleep 1; done\n"
	if err := os.WriteFile(emuPath, []byte(script), 0o755); err != nil {
		t.Fatalf("write dummy emulator: %v", err)
	}
	cmd := exec.Command(emuPath, "-avd", name, "-port", strconv.Itoa(port))
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		t.Fatalf("start dummy emulator: %v", err)
	}
	return cmd.Process
}

func stopDummyProcess(t *testing.T, p *os.Process) {
	t.Helper()
	_ = p.Signal(os.Interrupt)
	_, _ = p.Wait()
}

func waitForDummy(t *testing.T, name string) int {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if pid := findDevicePIDByName(name); pid > 0 {
			return pid
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("dummy emulator %s never appeared in /proc", name)
	return 0
}

func TestReadinessStateString(t *testing.T) {
	cases := map[ReadinessState]string{
		NotStarted:        "not_started",
		Booting:           "booting",
		Booted:            "booted",
		TimedOut:          "timed_out",
		ReadinessState(9): "readiness(9)",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestPortFromSerial(t *testing.T) {
	cases := map[string]int{
		"emulator-5554": 5554,
		"emulator-5580": 5580,
		"emulator-abc":  0,
		"pixel":         0,
		"":              0,
	}
	for serial, want := range cases {
		if got := portFromSerial(serial); got != want {
			t.Fatalf("portFromSerial(%q) = %d, expected %d", serial, got, want)
		}
	}
}

func TestFindFreeEvenPort(t *testing.T) {
	port, err := FindFreeEvenPort(5554, 5800)
	if err != nil {
		t.Fatalf("find free port: %v", err)
	}
	if port%2 != 0 || port < 5554 || port >= 5800 {
		t.Fatalf("expected even port in range, got %d", port)
	}

	// Occupying the pair pushes the search past it.
	l1, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("occupy %d: %v", port, err)
	}
	defer l1.Close()
	l2, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port+1))
	if err != nil {
		t.Fatalf("occupy %d: %v", port+1, err)
	}
	defer l2.Close()

	next, err := FindFreeEvenPort(port, 5800)
	if err != nil {
		t.Fatalf("find next free port: %v", err)
	}
	if next == port {
		t.Fatalf("expected occupied pair skipped, got %d again", next)
	}

	odd, err := FindFreeEvenPort(5555, 5800)
	if err != nil {
		t.Fatalf("find from odd start: %v", err)
	}
	if odd%2 != 0 {
		t.Fatalf("expected odd start rounded up to even, got %d", odd)
	}
}

func TestWaitUntilReadyBooted(t *testing.T) {
	silenceLogs(t)
	env := newRunEnv(t, bootedADBStub)

	state, err := WaitUntilReady(context.Background(), env, "emulator-5554")
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if state != Booted {
		t.Fatalf("expected state booted, got %s", state)
	}
}

func TestWaitUntilReadyTimesOut(t *testing.T) {
	silenceLogs(t)
	env := newRunEnv(t, stuckADBStub)
	env.BootTimeout = 250 * time.Millisecond

	state, err := WaitUntilReady(context.Background(), env, "emulator-5554")
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if state != TimedOut {
		t.Fatalf("expected state timed_out, got %s", state)
	}
}

func TestWaitUntilReadyTimesOutBeforeDeviceAppears(t *testing.T) {
	silenceLogs(t)
	// The exec keeps the hang in the direct child so the deadline kill
	// reaches it.
	stub := "#!/bin/sh\ncase \"$*\" in\n  *wait-for-device*) exec sleep 60 ;;\nesac\necho \"0\"\n"
	env := newRunEnv(t, stub)
	env.BootTimeout = 250 * time.Millisecond

	state, err := WaitUntilReady(context.Background(), env, "emulator-5554")
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	if state != TimedOut {
		t.Fatalf("expected state timed_out, got %s", state)
	}
}

func TestWaitUntilReadyPropagatesCancellation(t *testing.T) {
	silenceLogs(t)
	env := newRunEnv(t, stuckADBStub)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	state, err := WaitUntilReady(ctx, env, "emulator-5554")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation surfaced, got %v", err)
	}
	if state == TimedOut {
		t.Fatal("expected cancellation to not be reported as a timeout")
	}
	if state != Booting {
		t.Fatalf("expected state booting at cancellation, got %s", state)
	}
}

func TestStartReportsImmediateExit(t *testing.T) {
	silenceLogs(t)
	env := newRunEnv(t, basicADBStub)
	env.Emulator = writeTool(t, t.TempDir(), "emulator",
		"#!/bin/sh\necho 'PANIC: Missing emulator engine program' >&2\nexit 1\n")

	_, err := Start(context.Background(), env, "broken-dev")
	if err == nil {
		t.Fatal("expected start to fail")
	}
	if !strings.Contains(err.Error(), "exited immediately") {
		t.Fatalf("expected immediate exit error, got %v", err)
	}
	if !strings.Contains(err.Error(), "PANIC: Missing emulator engine program") {
		t.Fatalf("expected log tail in error, got %v", err)
	}
}

func TestStartLaunchesDetached(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	silenceLogs(t)
	env := newRunEnv(t, basicADBStub)
	env.Emulator = writeTool(t, t.TempDir(), "emulator",
		"#!/bin/sh\ntrap 'exit 0' INT TERM\nwhile true; do sleep 1; done\n")

	proc, err := Start(context.Background(), env, "detached-dev")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	defer func() {
		if p, ferr := os.FindProcess(proc.PID); ferr == nil {
			_ = p.Kill()
		}
	}()

	if proc.Adopted {
		t.Fatal("expected a freshly launched process")
	}
	if proc.Port%2 != 0 || proc.Port < 5554 {
		t.Fatalf("expected even console port, got %d", proc.Port)
	}
	if proc.Serial != fmt.Sprintf("emulator-%d", proc.Port) {
		t.Fatalf("expected serial derived from port, got %s", proc.Serial)
	}
	if proc.PID <= 0 {
		t.Fatalf("expected live pid, got %d", proc.PID)
	}
	if _, err := os.Stat(proc.LogPath); err != nil {
		t.Fatalf("expected emulator log file, got %v", err)
	}

	if pid := findDevicePID(proc.Port); pid != proc.PID {
		t.Fatalf("expected port scan to find pid %d, got %d", proc.PID, pid)
	}
	if port := devicePortFromPID(proc.PID); port != proc.Port {
		t.Fatalf("expected port %d from cmdline, got %d", proc.Port, port)
	}
}

func TestStartAdoptsRunningDevice(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	silenceLogs(t)
	dummy := startDummyEmulator(t, "adopt-me", 5560)
	defer stopDummyProcess(t, dummy)
	waitForDummy(t, "adopt-me")

	env := newRunEnv(t, basicADBStub)
	proc, err := Start(context.Background(), env, "adopt-me")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !proc.Adopted {
		t.Fatal("expected the running process to be adopted")
	}
	if proc.PID != dummy.Pid {
		t.Fatalf("expected pid %d, got %d", dummy.Pid, proc.PID)
	}
	if proc.Port != 5560 || proc.Serial != "emulator-5560" {
		t.Fatalf("expected port read from cmdline, got %+v", proc)
	}
}

func TestRunningReportsBootedDevice(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	silenceLogs(t)
	env := newRunEnv(t, bootedADBStub)

	if _, ok := Running(context.Background(), env, "probe-me"); ok {
		t.Fatal("expected no process before launch")
	}

	dummy := startDummyEmulator(t, "probe-me", 5566)
	defer stopDummyProcess(t, dummy)
	waitForDummy(t, "probe-me")

	proc, ok := Running(context.Background(), env, "probe-me")
	if !ok {
		t.Fatal("expected the running process to be found")
	}
	if proc.Serial != "emulator-5566" || proc.PID != dummy.Pid {
		t.Fatalf("unexpected process %+v", proc)
	}
	if !proc.Adopted {
		t.Fatal("expected a scanned process to be marked adopted")
	}
	if !proc.Booted {
		t.Fatal("expected boot state probed over adb")
	}
}

func TestStopIdempotent(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	silenceLogs(t)
	env := newRunEnv(t, basicADBStub)

	if err := Stop(context.Background(), env, "emulator-5700"); err != nil {
		t.Fatalf("stop without process: %v", err)
	}
	if err := Stop(context.Background(), env, "emulator-5700"); err != nil {
		t.Fatalf("stop again: %v", err)
	}

	if err := Stop(context.Background(), env, "not-a-serial"); err == nil {
		t.Fatal("expected malformed serial to be rejected")
	}
}

func TestStopKillsRunningDevice(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	silenceLogs(t)
	dummy := startDummyEmulator(t, "stopper", 5578)
	defer stopDummyProcess(t, dummy)
	waitForDummy(t, "stopper")

	env := newRunEnv(t, basicADBStub)
	if err := Stop(context.Background(), env, "emulator-5578"); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if pid := findDevicePID(5578); pid != 0 {
		t.Fatalf("expected no process on port 5578, got pid %d", pid)
	}
}

func TestDevicePortFromPID(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("requires /proc")
	}
	dummy := startDummyEmulator(t, "port-probe", 5592)
	defer stopDummyProcess(t, dummy)
	waitForDummy(t, "port-probe")

	if port := devicePortFromPID(dummy.Pid); port != 5592 {
		t.Fatalf("expected port 5592, got %d", port)
	}
	if port := devicePortFromPID(0); port != 0 {
		t.Fatalf("expected zero pid to yield no port, got %d", port)
	}
}
