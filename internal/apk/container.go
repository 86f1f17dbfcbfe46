// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package apk

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/containerd/errdefs"
)

// IsContainer reports whether path is an archive that bundles inner install
// artifacts (XAPK and friends) rather than being installable itself.
func IsContainer(path string) bool {
	reader, err := zip.OpenReader(path)
	if err != nil {
		return false
	}
	defer reader.Close()

	hasManifest := false
	hasInner := false
	for _, f := range reader.File {
		switch {
		case f.Name == manifestEntry:
			hasManifest = true
		case strings.EqualFold(filepath.Ext(f.Name), ".apk"):
			hasInner = true
		}
	}
	return hasInner && !hasManifest
}

// ExtractFromContainer unpacks the installable entries of the container at
// src into destDir and selects one. The first entry whose own manifest check
// passes wins; with none passing the first entry is returned with the
// low-confidence flag set. The returned path lives under destDir.
func ExtractFromContainer(src, destDir string) (string, bool, error) {
	reader, err := zip.OpenReader(src)
	if err != nil {
		return "", false, fmt.Errorf("%s is not a readable container: %v: %w", src, err, errdefs.ErrInvalidArgument)
	}
	defer reader.Close()

	var extracted []string
	for _, f := range reader.File {
		if !strings.EqualFold(filepath.Ext(f.Name), ".apk") {
			continue
		}
		dest := filepath.Join(destDir, fmt.Sprintf("entry-%d.apk", len(extracted)))
		if err := extractEntry(f, dest); err != nil {
			return "", false, fmt.Errorf("extract %s from %s: %w", f.Name, src, err)
		}
		extracted = append(extracted, dest)
	}
	if len(extracted) == 0 {
		return "", false, fmt.Errorf("%s contains no installable entries: %w", src, errdefs.ErrInvalidArgument)
	}

	for _, path := range extracted {
		if Verify(path) == nil {
			return path, false, nil
		}
	}
	return extracted[0], true, nil
}

func extractEntry(f *zip.File, dest string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
