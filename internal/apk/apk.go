// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package apk validates install artifacts and extracts their identity.
package apk

import (
	"archive/zip"
	"fmt"
	"regexp"
	"strings"

	"github.com/containerd/errdefs"
)

// Artifact describes a local install artifact. The acquirer creates it; the
// verifier fills the identity fields.
type Artifact struct {
	Path        string `json:"path"`
	SizeBytes   int64  `json:"size_bytes"`
	Valid       bool   `json:"valid"`
	Package     string `json:"package,omitempty"`
	VersionName string `json:"version_name,omitempty"`
	VersionCode int64  `json:"version_code,omitempty"`
	// LowConfidence marks an artifact promoted from a container through the
	// first-entry fallback, without a passing manifest check of its own.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// manifestEntry is the archive member every valid artifact must carry.
const manifestEntry = "AndroidManifest.xml"

var identityPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_.]*$`)

// IsValidPackageIdentity reports whether s may be used to address an
// application on the device. A malformed identity silently targets the wrong
// application or none at all, so every candidate passes through here before
// any install or launch command is built from it. Version-like strings made
// of digits and separators are rejected even where the shape check alone
// would let them through.
func IsValidPackageIdentity(s string) bool {
	if !identityPattern.MatchString(s) {
		return false
	}
	stripped := strings.NewReplacer(".", "", "_", "").Replace(s)
	if stripped == "" {
		return false
	}
	for _, r := range stripped {
		if r < '0' || r > '9' {
			return true
		}
	}
	return false
}

// Verify checks that path is a structured archive carrying the manifest
// entry. It is a pure predicate over the file contents.
func Verify(path string) error {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return fmt.Errorf("%s is not a readable archive: %v: %w", path, err, errdefs.ErrInvalidArgument)
	}
	defer reader.Close()

	for _, f := range reader.File {
		if f.Name == manifestEntry {
			return nil
		}
	}
	return fmt.Errorf("%s has no %s entry: %w", path, manifestEntry, errdefs.ErrInvalidArgument)
}
