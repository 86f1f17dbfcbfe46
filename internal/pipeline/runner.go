// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package pipeline

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/oblakolabs/rudroid/internal/adb"
	"github.com/oblakolabs/rudroid/internal/apk"
	"github.com/oblakolabs/rudroid/internal/avd"
	"github.com/oblakolabs/rudroid/internal/catalog"
	"github.com/oblakolabs/rudroid/internal/config"
	"github.com/oblakolabs/rudroid/internal/deploy"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

var tracer = otel.Tracer("rudroid/pipeline")

const stopTimeout = 30 * time.Second

// Runner executes one provisioning run.
type Runner struct {
	Mode RunMode
	// LocalAPK skips acquisition and installs the given file instead.
	LocalAPK string
	// RunID names this run in logs and output files.
	RunID string
	// Out receives user-facing output (the serial in detached mode, the
	// device log in attached mode).
	Out io.Writer

	cfg *config.Config

	brewProbed     bool
	brewPath       string
	brewErr        error
	installedCasks map[string]bool
}

// New builds a Runner over the given configuration. The configuration's
// correlation ID is adopted as the run ID when set, so externally
// orchestrated runs keep their caller's identifier.
func New(cfg *config.Config, mode RunMode) *Runner {
	runID := uuid.NewString()
	if cfg.CorrelationID == "" {
		cfg.CorrelationID = runID
	} else {
		runID = cfg.CorrelationID
	}
	return &Runner{
		Mode:           mode,
		RunID:          runID,
		Out:            os.Stdout,
		cfg:            cfg,
		installedCasks: make(map[string]bool),
	}
}

// Run drives the pipeline through its stages. The first failing stage
// aborts the run; the returned error records both the failing stage and the
// last one that completed.
func (r *Runner) Run(ctx context.Context) error {
	ctx, span := telemetry.StartSpan(ctx, tracer, r.cfg.CorrelationID, "pipeline.Run",
		attribute.String("mode", r.Mode.String()),
		attribute.String("run_id", r.RunID),
	)
	defer span.End()

	if err := r.cfg.EnsureDirs(); err != nil {
		return err
	}

	var lastGood Stage
	fail := func(stage Stage, err error) error {
		serr := &StageError{Stage: stage, LastGood: lastGood, Err: err}
		telemetry.RecordSpanError(span, serr)
		telemetry.Event(r.cfg.CorrelationID, "run failed",
			"stage", string(stage), "last_good", string(lastGood), "error", err.Error())
		return serr
	}
	advance := func(stage Stage) {
		lastGood = stage
		telemetry.Event(r.cfg.CorrelationID, "stage completed", "stage", string(stage))
	}

	if err := r.prerequisites(ctx); err != nil {
		return fail(StagePrerequisites, err)
	}
	advance(StagePrerequisites)

	art, err := r.acquire(ctx)
	if err != nil {
		return fail(StageAcquire, err)
	}
	advance(StageAcquire)

	env := avd.EnvFromConfig(r.cfg)
	proc, err := r.device(ctx, env)
	if err != nil {
		return fail(StageDevice, err)
	}
	advance(StageDevice)

	device := adb.New(env.ADB, proc.Serial)
	device.CorrelationID = r.cfg.CorrelationID
	mgr := &deploy.Manager{
		Device:        device,
		Badging:       apk.NewBadging(r.cfg.Tools.Aapt, r.cfg.Tools.Aapt2),
		Override:      r.cfg.Target.Package,
		SettleDelay:   r.cfg.Device.SettleDelay,
		CorrelationID: r.cfg.CorrelationID,
	}

	identity, err := mgr.Install(ctx, art)
	if err != nil {
		return fail(StageInstall, err)
	}
	advance(StageInstall)

	if err := mgr.Launch(ctx, identity); err != nil {
		return fail(StageLaunch, err)
	}
	advance(StageLaunch)

	telemetry.Event(r.cfg.CorrelationID, "application running",
		"identity", identity, "serial", proc.Serial, "mode", r.Mode.String())

	if r.Mode == Attached {
		return r.attach(ctx, env, device, proc, identity)
	}
	fmt.Fprintf(r.Out, "%s\n", proc.Serial)
	return nil
}

// acquire produces the artifact to install: a local file when one was
// given, the cached or freshly fetched artifact otherwise.
func (r *Runner) acquire(ctx context.Context) (apk.Artifact, error) {
	badging := apk.NewBadging(r.cfg.Tools.Aapt, r.cfg.Tools.Aapt2)

	if r.LocalAPK != "" {
		if err := apk.Verify(r.LocalAPK); err != nil {
			return apk.Artifact{}, err
		}
		art := apk.Artifact{Path: r.LocalAPK, Valid: true}
		if st, err := os.Stat(r.LocalAPK); err == nil {
			art.SizeBytes = st.Size()
		}
		if id, ok := apk.ExtractIdentity(ctx, badging, r.LocalAPK); ok {
			art.Package = id.Package
			art.VersionName = id.VersionName
			art.VersionCode = id.VersionCode
		}
		telemetry.Event(r.cfg.CorrelationID, "using local artifact",
			"path", art.Path, "package", art.Package)
		return art, nil
	}

	acq, err := r.acquirer(badging)
	if err != nil {
		return apk.Artifact{}, err
	}
	if err := acq.EvictStale(ctx); err != nil {
		telemetry.Event(r.cfg.CorrelationID, "staleness check failed, keeping cache",
			"error", err.Error())
	}
	return acq.Acquire(ctx)
}

func (r *Runner) acquirer(badging apk.Badging) (*catalog.Acquirer, error) {
	maxBytes, err := r.cfg.ArtifactSizeLimit()
	if err != nil {
		return nil, err
	}

	client := &http.Client{
		Timeout:   r.cfg.Catalog.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	fetcher := catalog.NewFetcher(client, maxBytes, r.cfg.CorrelationID)

	pkg := r.cfg.Target.Package
	if pkg == "" {
		pkg = deploy.DefaultIdentity
	}
	ru := catalog.NewRuStoreSource(r.cfg.Catalog.RuStoreURL, pkg, fetcher)
	sources := []catalog.Source{
		ru,
		catalog.NewAptoideSource(r.cfg.Catalog.AptoideURL, pkg, fetcher),
		catalog.NewAPKPureSource(r.cfg.Catalog.APKPureURL, pkg, fetcher),
		&catalog.ApkeepSource{
			Bin:           r.cfg.Tools.Apkeep,
			Package:       pkg,
			Email:         r.cfg.Catalog.PlayEmail,
			Token:         r.cfg.Catalog.PlayToken,
			CorrelationID: r.cfg.CorrelationID,
		},
	}

	return &catalog.Acquirer{
		Sources:        sources,
		Remote:         ru,
		Badging:        badging,
		TargetPath:     r.cfg.ArtifactPath(),
		WorkDir:        r.cfg.TmpDir(),
		PinVersionCode: r.cfg.Target.VersionCode,
		CorrelationID:  r.cfg.CorrelationID,
	}, nil
}

// device brings the virtual device to a booted state. A device that starts
// but never finishes booting is left running so its logs can be inspected.
func (r *Runner) device(ctx context.Context, env avd.Env) (avd.Process, error) {
	if _, err := avd.Ensure(ctx, env, r.cfg.Device.Name, r.cfg.Device.Profile); err != nil {
		return avd.Process{}, err
	}
	proc, err := avd.Start(ctx, env, r.cfg.Device.Name)
	if err != nil {
		return avd.Process{}, err
	}
	state, err := avd.WaitUntilReady(ctx, env, proc.Serial)
	if err != nil {
		return avd.Process{}, err
	}
	if state != avd.Booted {
		return avd.Process{}, fmt.Errorf("device %s ended in state %s", proc.Serial, state)
	}
	proc.Booted = true
	return proc, nil
}

// attach follows the device log until the context is canceled, then stops
// the device. The log is narrowed to the application process when its pid
// can be determined.
func (r *Runner) attach(ctx context.Context, env avd.Env, device *adb.Client, proc avd.Process, identity string) error {
	var args []string
	if out, err := device.Shell(ctx, "pidof", "-s", identity); err == nil {
		if pid := strings.TrimSpace(out); pid != "" {
			args = []string{"--pid", pid}
		}
	}
	telemetry.Event(r.cfg.CorrelationID, "following device log",
		"serial", proc.Serial, "identity", identity, "filtered", len(args) > 0)

	_ = device.Logcat(ctx, r.Out, args...)

	// The run context is gone by now; teardown gets its own deadline.
	stopCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	return avd.Stop(stopCtx, env, proc.Serial)
}

// Uninstall stops the device if it is running and removes the cache root
// with everything in it.
func (r *Runner) Uninstall(ctx context.Context) error {
	env := avd.EnvFromConfig(r.cfg)
	if proc, ok := avd.Running(ctx, env, r.cfg.Device.Name); ok {
		telemetry.Event(r.cfg.CorrelationID, "stopping device before uninstall",
			"serial", proc.Serial, "pid", proc.PID)
		if err := avd.Stop(ctx, env, proc.Serial); err != nil {
			return err
		}
	}

	size := dirSize(r.cfg.CacheRoot)
	if err := os.RemoveAll(r.cfg.CacheRoot); err != nil {
		return fmt.Errorf("remove %s: %w", r.cfg.CacheRoot, err)
	}
	telemetry.Event(r.cfg.CorrelationID, "cache removed",
		"path", r.cfg.CacheRoot, "reclaimed", units.HumanSize(float64(size)))
	fmt.Fprintf(r.Out, "removed %s (%s)\n", r.cfg.CacheRoot, units.HumanSize(float64(size)))
	return nil
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.WalkDir(root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	return total
}
