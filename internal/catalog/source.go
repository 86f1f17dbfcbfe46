// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

// Package catalog fetches install artifacts from application catalogs.
//
// Every backend implements Source; the acquirer walks them in order and
// settles for the first one that delivers a usable artifact.
package catalog

import (
	"context"
)

// Download is a fetched artifact sitting in the acquirer's work directory,
// annotated with whatever version metadata the catalog reported.
type Download struct {
	Path        string
	SizeBytes   int64
	VersionName string
	VersionCode int64
}

// Source fetches one artifact from one catalog.
type Source interface {
	// Name identifies the source in logs and attempt records.
	Name() string
	// Available reports whether the source is configured well enough to try.
	Available() bool
	// Fetch downloads the artifact into destDir and returns its location.
	Fetch(ctx context.Context, destDir string) (Download, error)
}

// VersionQuerier is implemented by sources that can report the latest
// published version without downloading anything.
type VersionQuerier interface {
	RemoteVersion(ctx context.Context) (code int64, name string, err error)
}
