// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
)

// AptoideSource fetches artifacts from the Aptoide web services API. It is a
// mirror catalog consulted when the authoritative backend fails.
type AptoideSource struct {
	BaseURL string
	Package string

	fetcher *Fetcher
}

// NewAptoideSource builds an Aptoide backend over a shared fetcher.
func NewAptoideSource(baseURL, pkg string, f *Fetcher) *AptoideSource {
	return &AptoideSource{BaseURL: baseURL, Package: pkg, fetcher: f}
}

func (s *AptoideSource) Name() string { return "aptoide" }

func (s *AptoideSource) Available() bool { return s.BaseURL != "" && s.Package != "" }

type aptoideMeta struct {
	Info struct {
		Status string `json:"status"`
	} `json:"info"`
	Data struct {
		ID   int64 `json:"id"`
		File struct {
			VerName string `json:"vername"`
			VerCode int64  `json:"vercode"`
			Path    string `json:"path"`
		} `json:"file"`
	} `json:"data"`
}

type aptoideDownload struct {
	Info struct {
		Status string `json:"status"`
	} `json:"info"`
	Data struct {
		URL string `json:"url"`
	} `json:"data"`
}

func (s *AptoideSource) meta(ctx context.Context) (aptoideMeta, error) {
	var meta aptoideMeta
	url := fmt.Sprintf("%s/api/7/app/getMeta?package_name=%s", s.BaseURL, s.Package)
	if err := s.fetcher.getJSON(ctx, url, &meta); err != nil {
		return aptoideMeta{}, err
	}
	if meta.Info.Status != "OK" {
		return aptoideMeta{}, fmt.Errorf("aptoide getMeta for %s: status %q", s.Package, meta.Info.Status)
	}
	if meta.Data.ID == 0 {
		return aptoideMeta{}, fmt.Errorf("aptoide getMeta for %s: no app id in response", s.Package)
	}
	return meta, nil
}

// RemoteVersion reports the currently published version without downloading.
func (s *AptoideSource) RemoteVersion(ctx context.Context) (int64, string, error) {
	meta, err := s.meta(ctx)
	if err != nil {
		return 0, "", err
	}
	return meta.Data.File.VerCode, meta.Data.File.VerName, nil
}

// Fetch resolves the mirror download URL and streams the artifact into
// destDir. Some responses carry the file path directly in the metadata; the
// download endpoint is only consulted when they do not.
func (s *AptoideSource) Fetch(ctx context.Context, destDir string) (Download, error) {
	meta, err := s.meta(ctx)
	if err != nil {
		return Download{}, err
	}

	downloadURL := meta.Data.File.Path
	if downloadURL == "" {
		var dl aptoideDownload
		url := fmt.Sprintf("%s/api/7/app/getDownload", s.BaseURL)
		payload := map[string]any{"app_id": meta.Data.ID}
		if err := s.fetcher.postJSON(ctx, url, payload, &dl); err != nil {
			return Download{}, err
		}
		if dl.Info.Status != "OK" || dl.Data.URL == "" {
			return Download{}, fmt.Errorf("aptoide getDownload for %s: status %q", s.Package, dl.Info.Status)
		}
		downloadURL = dl.Data.URL
	}

	dest := filepath.Join(destDir, s.Name()+".apk")
	size, err := s.fetcher.download(ctx, downloadURL, dest)
	if err != nil {
		return Download{}, err
	}
	return Download{
		Path:        dest,
		SizeBytes:   size,
		VersionName: meta.Data.File.VerName,
		VersionCode: meta.Data.File.VerCode,
	}, nil
}
