// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package provisioner is the embeddable interface to the rudroid pipeline:
// provision a virtual device, acquire the application artifact, install it
// and bring it to the foreground, from another Go program instead of the
// command line.
package provisioner

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/oblakolabs/rudroid/internal/avd"
	"github.com/oblakolabs/rudroid/internal/config"
	"github.com/oblakolabs/rudroid/internal/pipeline"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

var tracer = otel.Tracer("rudroid/provisioner")

// Mode selects what Run does after the application is in the foreground.
type Mode int

const (
	// Detached leaves the device running and returns.
	Detached Mode = iota
	// Attached follows the device log until the context is canceled, then
	// stops the device.
	Attached
)

func (m Mode) String() string {
	switch m {
	case Detached:
		return "detached"
	case Attached:
		return "attached"
	}
	return fmt.Sprintf("mode(%d)", int(m))
}

// Provisioner drives provisioning runs over one configuration.
type Provisioner struct {
	cfg *config.Config
}

// New creates a Provisioner from defaults, the optional config file and
// RUDROID_* environment variables.
func New() (*Provisioner, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	return &Provisioner{cfg: &cfg}, nil
}

// NewWithCorrelationID creates a Provisioner whose log events and spans
// carry the given correlation ID, for embedding in workflow engines.
func NewWithCorrelationID(correlationID string) (*Provisioner, error) {
	p, err := New()
	if err != nil {
		return nil, err
	}
	if correlationID != "" {
		p.cfg.CorrelationID = correlationID
	}
	return p, nil
}

// Options overrides individual configuration values. Zero values keep the
// resolved configuration.
type Options struct {
	CacheRoot     string
	LogLevel      string
	CorrelationID string
	OTLPEndpoint  string

	DeviceName    string
	DeviceProfile string
	APILevel      int
	ABI           string

	// Package overrides the application identity; VersionCode pins the
	// acquired artifact to an exact version.
	Package     string
	VersionCode int64

	BootTimeout  time.Duration
	PollInterval time.Duration
	SettleDelay  time.Duration
}

// NewWithOptions creates a Provisioner with explicit overrides on top of
// the resolved configuration.
func NewWithOptions(opts Options) (*Provisioner, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if opts.CacheRoot != "" {
		cfg.CacheRoot = opts.CacheRoot
	}
	if opts.LogLevel != "" {
		cfg.LogLevel = opts.LogLevel
	}
	if opts.CorrelationID != "" {
		cfg.CorrelationID = opts.CorrelationID
	}
	if opts.OTLPEndpoint != "" {
		cfg.OTLPEndpoint = opts.OTLPEndpoint
	}
	if opts.DeviceName != "" {
		cfg.Device.Name = opts.DeviceName
	}
	if opts.DeviceProfile != "" {
		cfg.Device.Profile = opts.DeviceProfile
	}
	if opts.APILevel != 0 {
		cfg.Device.APILevel = opts.APILevel
	}
	if opts.ABI != "" {
		cfg.Device.ABI = opts.ABI
	}
	if opts.Package != "" {
		cfg.Target.Package = opts.Package
	}
	if opts.VersionCode != 0 {
		cfg.Target.VersionCode = opts.VersionCode
	}
	if opts.BootTimeout != 0 {
		cfg.Device.BootTimeout = opts.BootTimeout
	}
	if opts.PollInterval != 0 {
		cfg.Device.PollInterval = opts.PollInterval
	}
	if opts.SettleDelay != 0 {
		cfg.Device.SettleDelay = opts.SettleDelay
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Provisioner{cfg: &cfg}, nil
}

func (p *Provisioner) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return telemetry.StartSpan(ctx, tracer, p.cfg.CorrelationID, name, attrs...)
}

// RunOptions parameterizes a single run.
type RunOptions struct {
	Mode Mode
	// LocalArtifact installs the given file instead of downloading.
	LocalArtifact string
}

// Run executes the full pipeline: prerequisites, acquisition, device
// bring-up, install and launch. In Attached mode it blocks until ctx is
// canceled and stops the device before returning.
func (p *Provisioner) Run(ctx context.Context, opts RunOptions) error {
	ctx, span := p.startSpan(ctx, "provisioner.Run",
		attribute.String("mode", opts.Mode.String()),
	)
	defer span.End()

	runner := pipeline.New(p.cfg, pipelineMode(opts.Mode))
	runner.LocalAPK = opts.LocalArtifact
	err := runner.Run(ctx)
	telemetry.RecordSpanError(span, err)
	return err
}

// Uninstall stops the managed device and removes the cache root.
func (p *Provisioner) Uninstall(ctx context.Context) error {
	ctx, span := p.startSpan(ctx, "provisioner.Uninstall")
	defer span.End()

	err := pipeline.New(p.cfg, pipeline.Detached).Uninstall(ctx)
	telemetry.RecordSpanError(span, err)
	return err
}

// StopDevice stops the managed device if it is running. Stopping a device
// that is not running succeeds.
func (p *Provisioner) StopDevice(ctx context.Context) error {
	ctx, span := p.startSpan(ctx, "provisioner.StopDevice")
	defer span.End()

	env := avd.EnvFromConfig(p.cfg)
	proc, ok := avd.Running(ctx, env, p.cfg.Device.Name)
	if !ok {
		return nil
	}
	err := avd.Stop(ctx, env, proc.Serial)
	telemetry.RecordSpanError(span, err)
	return err
}

// ToolStatus reports one external binary.
type ToolStatus struct {
	Name       string
	Present    bool
	Functional bool
	Path       string
	Detail     string
}

// ArtifactInfo reports the cached install artifact.
type ArtifactInfo struct {
	Path        string
	SizeBytes   int64
	Valid       bool
	Package     string
	VersionName string
	VersionCode int64
}

// DeviceInfo reports the managed device definition and process.
type DeviceInfo struct {
	Name    string
	Exists  bool
	ABI     string
	Running bool
	Serial  string
	Booted  bool
}

// PackageInfo reports the target application on the device.
type PackageInfo struct {
	Identity  string
	Installed bool
	Disabled  bool
}

// Status is a point-in-time view of everything the provisioner manages.
type Status struct {
	CacheRoot string
	Tools     []ToolStatus
	Artifact  *ArtifactInfo
	Device    DeviceInfo
	Package   PackageInfo
}

// Status collects tool, artifact, device and application state. It only
// queries; nothing is installed, started or removed.
func (p *Provisioner) Status(ctx context.Context) (Status, error) {
	ctx, span := p.startSpan(ctx, "provisioner.Status")
	defer span.End()

	st, err := pipeline.New(p.cfg, pipeline.Detached).Status(ctx)
	if err != nil {
		telemetry.RecordSpanError(span, err)
		return Status{}, err
	}

	out := Status{
		CacheRoot: st.CacheRoot,
		Device: DeviceInfo{
			Name:    st.Device.Name,
			Exists:  st.Device.Exists,
			ABI:     st.Device.ABI,
			Running: st.Device.Running,
			Serial:  st.Device.Serial,
			Booted:  st.Device.Booted,
		},
		Package: PackageInfo{
			Identity:  st.Package.Identity,
			Installed: st.Package.Installed,
			Disabled:  st.Package.Disabled,
		},
	}
	for _, t := range st.Tools {
		out.Tools = append(out.Tools, ToolStatus{
			Name:       t.Name,
			Present:    t.Present,
			Functional: t.Functional,
			Path:       t.Path,
			Detail:     t.Detail,
		})
	}
	if st.Artifact != nil {
		out.Artifact = &ArtifactInfo{
			Path:        st.Artifact.Path,
			SizeBytes:   st.Artifact.SizeBytes,
			Valid:       st.Artifact.Valid,
			Package:     st.Artifact.Package,
			VersionName: st.Artifact.VersionName,
			VersionCode: st.Artifact.VersionCode,
		}
	}
	return out, nil
}

func pipelineMode(m Mode) pipeline.RunMode {
	if m == Attached {
		return pipeline.Attached
	}
	return pipeline.Detached
}
