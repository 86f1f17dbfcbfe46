// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package catalog

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/errdefs"
	"github.com/docker/go-units"

	"github.com/oblakolabs/rudroid/internal/apk"
	"github.com/oblakolabs/rudroid/internal/telemetry"
)

// Acquirer walks the configured sources until one delivers a usable
// artifact, caching the result at TargetPath. A cached artifact is reused
// without touching the network.
type Acquirer struct {
	Sources []Source
	// Remote answers version queries for staleness checks. Usually the
	// authoritative source, it is consulted by EvictStale only.
	Remote         VersionQuerier
	Badging        apk.Badging
	TargetPath     string
	WorkDir        string
	PinVersionCode int64
	CorrelationID  string
}

// Attempt records one failed source during acquisition.
type Attempt struct {
	Source string `json:"source"`
	Err    error  `json:"-"`
	Detail string `json:"detail"`
	// Preserved is the work directory kept on disk for inspection, empty
	// when nothing of the attempt survived.
	Preserved string `json:"preserved,omitempty"`
}

// ExhaustedError reports that every source failed to produce an artifact.
type ExhaustedError struct {
	Attempts []Attempt
}

func (e *ExhaustedError) Error() string {
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, fmt.Sprintf("%s: %s", a.Source, a.Detail))
	}
	if len(parts) == 0 {
		return "no artifact sources configured"
	}
	return "all artifact sources failed: " + strings.Join(parts, "; ")
}

func (e *ExhaustedError) Unwrap() error { return errdefs.ErrUnavailable }

// Cached returns the artifact already sitting at TargetPath. A file that no
// longer passes verification is removed so the next acquisition starts
// clean. No network traffic happens here.
func (a *Acquirer) Cached(ctx context.Context) (apk.Artifact, bool) {
	st, err := os.Stat(a.TargetPath)
	if err != nil {
		return apk.Artifact{}, false
	}
	if err := apk.Verify(a.TargetPath); err != nil {
		telemetry.Event(a.CorrelationID, "cached artifact failed verification, removing",
			"path", a.TargetPath,
			"error", err.Error(),
		)
		os.Remove(a.TargetPath)
		return apk.Artifact{}, false
	}
	art := apk.Artifact{
		Path:      a.TargetPath,
		SizeBytes: st.Size(),
		Valid:     true,
	}
	if id, ok := apk.ExtractIdentity(ctx, a.Badging, a.TargetPath); ok {
		art.Package = id.Package
		art.VersionName = id.VersionName
		art.VersionCode = id.VersionCode
	}
	return art, true
}

// EvictStale removes the cached artifact when it no longer matches what
// should be installed. With a version pin the cached artifact must carry
// exactly the pinned version; otherwise the authoritative catalog is asked
// for the latest version and an older cache is dropped. Callers treat a
// failure here as advisory since acquisition still works from a stale cache.
func (a *Acquirer) EvictStale(ctx context.Context) error {
	art, ok := a.Cached(ctx)
	if !ok {
		return nil
	}
	if art.VersionCode == 0 {
		// No local version to compare against.
		return nil
	}

	if a.PinVersionCode > 0 {
		if art.VersionCode != a.PinVersionCode {
			telemetry.Event(a.CorrelationID, "cached artifact does not match pinned version, removing",
				"path", a.TargetPath,
				"cached_version_code", art.VersionCode,
				"pinned_version_code", a.PinVersionCode,
			)
			return os.Remove(a.TargetPath)
		}
		return nil
	}

	if a.Remote == nil {
		return nil
	}
	remoteCode, remoteName, err := a.Remote.RemoteVersion(ctx)
	if err != nil {
		return fmt.Errorf("staleness check: %w", err)
	}
	if remoteCode > art.VersionCode {
		telemetry.Event(a.CorrelationID, "cached artifact is stale, removing",
			"path", a.TargetPath,
			"cached_version_code", art.VersionCode,
			"remote_version_code", remoteCode,
			"remote_version_name", remoteName,
		)
		return os.Remove(a.TargetPath)
	}
	return nil
}

// Acquire returns the cached artifact when present, otherwise walks the
// sources in order until one delivers. Work directories of failed attempts
// stay on disk for inspection; the directory of the winning attempt is
// cleaned up after the artifact is promoted into the cache.
func (a *Acquirer) Acquire(ctx context.Context) (apk.Artifact, error) {
	if art, ok := a.Cached(ctx); ok {
		telemetry.Event(a.CorrelationID, "using cached artifact",
			"path", art.Path,
			"size", units.HumanSize(float64(art.SizeBytes)),
			"package", art.Package,
		)
		return art, nil
	}

	var attempts []Attempt
	for _, src := range a.Sources {
		if err := ctx.Err(); err != nil {
			return apk.Artifact{}, err
		}
		if !src.Available() {
			telemetry.Event(a.CorrelationID, "skipping unavailable artifact source", "source", src.Name())
			continue
		}

		art, workDir, err := a.fetchFrom(ctx, src)
		if err == nil {
			os.RemoveAll(workDir)
			telemetry.Event(a.CorrelationID, "artifact acquired",
				"source", src.Name(),
				"path", art.Path,
				"size", units.HumanSize(float64(art.SizeBytes)),
				"package", art.Package,
				"version_code", art.VersionCode,
				"low_confidence", art.LowConfidence,
			)
			return art, nil
		}

		attempt := Attempt{Source: src.Name(), Err: err, Detail: err.Error(), Preserved: workDir}
		attempts = append(attempts, attempt)
		telemetry.Event(a.CorrelationID, "artifact source failed",
			"source", src.Name(),
			"error", err.Error(),
			"preserved", workDir,
		)
	}
	return apk.Artifact{}, &ExhaustedError{Attempts: attempts}
}

// fetchFrom runs a single source attempt in its own work directory. The
// directory path is returned even on failure so the caller can report where
// the partial material was left.
func (a *Acquirer) fetchFrom(ctx context.Context, src Source) (apk.Artifact, string, error) {
	workDir, err := os.MkdirTemp(a.WorkDir, src.Name()+"-")
	if err != nil {
		return apk.Artifact{}, "", err
	}

	dl, err := src.Fetch(ctx, workDir)
	if err != nil {
		return apk.Artifact{}, workDir, err
	}

	path := dl.Path
	lowConfidence := false
	if apk.IsContainer(path) {
		inner, fallback, err := apk.ExtractFromContainer(path, workDir)
		if err != nil {
			return apk.Artifact{}, workDir, err
		}
		path = inner
		lowConfidence = fallback
	}

	if !lowConfidence {
		if err := apk.Verify(path); err != nil {
			return apk.Artifact{}, workDir, err
		}
	}

	art := apk.Artifact{
		Path:          path,
		Valid:         !lowConfidence,
		VersionName:   dl.VersionName,
		VersionCode:   dl.VersionCode,
		LowConfidence: lowConfidence,
	}
	if id, ok := apk.ExtractIdentity(ctx, a.Badging, path); ok {
		art.Package = id.Package
		art.VersionName = id.VersionName
		art.VersionCode = id.VersionCode
	}

	if a.PinVersionCode > 0 && art.VersionCode > 0 && art.VersionCode != a.PinVersionCode {
		return apk.Artifact{}, workDir, fmt.Errorf("version %d does not match pinned version %d",
			art.VersionCode, a.PinVersionCode)
	}

	if err := os.Rename(path, a.TargetPath); err != nil {
		return apk.Artifact{}, workDir, err
	}
	art.Path = a.TargetPath
	if st, err := os.Stat(a.TargetPath); err == nil {
		art.SizeBytes = st.Size()
	}
	return art, workDir, nil
}
