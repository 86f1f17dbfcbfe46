// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package catalog

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/oblakolabs/rudroid/internal/telemetry"
)

// ApkeepSource shells out to the apkeep downloader as a last resort. It only
// participates when Google Play credentials are configured, since apkeep
// cannot fetch from that upstream anonymously.
type ApkeepSource struct {
	Bin           string
	Package       string
	Email         string
	Token         string
	CorrelationID string
}

func (s *ApkeepSource) Name() string { return "apkeep" }

func (s *ApkeepSource) Available() bool {
	if s.Bin == "" || s.Package == "" || s.Email == "" || s.Token == "" {
		return false
	}
	_, err := exec.LookPath(s.Bin)
	return err == nil
}

// Fetch runs apkeep against the Google Play upstream. apkeep names its
// output after the package, so the result is looked up rather than chosen.
func (s *ApkeepSource) Fetch(ctx context.Context, destDir string) (Download, error) {
	args := []string{
		"-a", s.Package,
		"-d", "google-play",
		"-e", s.Email,
		"-t", s.Token,
		destDir,
	}
	cmd := exec.CommandContext(ctx, s.Bin, args...)
	cmd.Stdout = telemetry.NewCommandWriter(s.CorrelationID, s.Bin, args)
	cmd.Stderr = cmd.Stdout
	if err := cmd.Run(); err != nil {
		return Download{}, fmt.Errorf("apkeep download for %s: %w", s.Package, err)
	}

	for _, name := range []string{s.Package + ".apk", s.Package + ".xapk"} {
		path := filepath.Join(destDir, name)
		if st, err := os.Stat(path); err == nil {
			return Download{Path: path, SizeBytes: st.Size()}, nil
		}
	}
	return Download{}, fmt.Errorf("apkeep download for %s: exited clean but produced no artifact in %s",
		s.Package, destDir)
}
