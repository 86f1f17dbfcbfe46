// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// APKPureSource fetches artifacts from the APKPure API. Responses may point
// at container bundles instead of plain artifacts; the acquirer unpacks
// those after download.
type APKPureSource struct {
	BaseURL string
	Package string

	fetcher *Fetcher
}

// NewAPKPureSource builds an APKPure backend over a shared fetcher.
func NewAPKPureSource(baseURL, pkg string, f *Fetcher) *APKPureSource {
	return &APKPureSource{BaseURL: baseURL, Package: pkg, fetcher: f}
}

func (s *APKPureSource) Name() string { return "apkpure" }

func (s *APKPureSource) Available() bool { return s.BaseURL != "" && s.Package != "" }

type apkPureDetail struct {
	Status string `json:"status"`
	App    struct {
		AppID       int64  `json:"app_id"`
		VersionName string `json:"version_name"`
		VersionCode int64  `json:"version_code"`
	} `json:"app"`
}

type apkPureDownloadURL struct {
	Status   string `json:"status"`
	Download struct {
		URL    string `json:"url"`
		Format string `json:"format"`
	} `json:"download"`
}

func (s *APKPureSource) detail(ctx context.Context) (apkPureDetail, error) {
	var detail apkPureDetail
	url := fmt.Sprintf("%s/v3/app_detail?package_name=%s", s.BaseURL, s.Package)
	if err := s.fetcher.getJSON(ctx, url, &detail); err != nil {
		return apkPureDetail{}, err
	}
	if detail.Status != "success" {
		return apkPureDetail{}, fmt.Errorf("apkpure app_detail for %s: status %q", s.Package, detail.Status)
	}
	if detail.App.AppID == 0 {
		return apkPureDetail{}, fmt.Errorf("apkpure app_detail for %s: no app_id in response", s.Package)
	}
	return detail, nil
}

// RemoteVersion reports the currently published version without downloading.
func (s *APKPureSource) RemoteVersion(ctx context.Context) (int64, string, error) {
	detail, err := s.detail(ctx)
	if err != nil {
		return 0, "", err
	}
	return detail.App.VersionCode, detail.App.VersionName, nil
}

// Fetch resolves the download URL and streams the artifact into destDir. A
// container format is saved with a matching extension so later stages can
// tell it apart by name as well as by content.
func (s *APKPureSource) Fetch(ctx context.Context, destDir string) (Download, error) {
	detail, err := s.detail(ctx)
	if err != nil {
		return Download{}, err
	}

	var dl apkPureDownloadURL
	url := fmt.Sprintf("%s/v3/download_url", s.BaseURL)
	payload := map[string]any{"app_id": detail.App.AppID}
	if err := s.fetcher.postJSON(ctx, url, payload, &dl); err != nil {
		return Download{}, err
	}
	if dl.Status != "success" || dl.Download.URL == "" {
		return Download{}, fmt.Errorf("apkpure download_url for %s: status %q", s.Package, dl.Status)
	}

	ext := ".apk"
	if strings.EqualFold(dl.Download.Format, "XAPK") {
		ext = ".xapk"
	}
	dest := filepath.Join(destDir, s.Name()+ext)
	size, err := s.fetcher.download(ctx, dl.Download.URL, dest)
	if err != nil {
		return Download{}, err
	}
	return Download{
		Path:        dest,
		SizeBytes:   size,
		VersionName: detail.App.VersionName,
		VersionCode: detail.App.VersionCode,
	}, nil
}
