// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package catalog

import (
	"context"
	"fmt"
	"path/filepath"
)

// RuStoreSource fetches artifacts from the RuStore public backend. It is the
// authoritative catalog for the target application and always runs first.
type RuStoreSource struct {
	BaseURL string
	Package string

	fetcher *Fetcher
}

// NewRuStoreSource builds a RuStore backend over a shared fetcher.
func NewRuStoreSource(baseURL, pkg string, f *Fetcher) *RuStoreSource {
	return &RuStoreSource{BaseURL: baseURL, Package: pkg, fetcher: f}
}

func (s *RuStoreSource) Name() string { return "rustore" }

func (s *RuStoreSource) Available() bool { return s.BaseURL != "" && s.Package != "" }

type ruStoreEnvelope[T any] struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Body    T      `json:"body"`
}

type ruStoreAppInfo struct {
	AppID       int64  `json:"appId"`
	PackageName string `json:"packageName"`
	VersionName string `json:"versionName"`
	VersionCode int64  `json:"versionCode"`
}

type ruStoreDownloadLink struct {
	APKURL string `json:"apkUrl"`
}

func (s *RuStoreSource) appInfo(ctx context.Context) (ruStoreAppInfo, error) {
	var envelope ruStoreEnvelope[ruStoreAppInfo]
	url := fmt.Sprintf("%s/applicationData/overallInfo/%s", s.BaseURL, s.Package)
	if err := s.fetcher.getJSON(ctx, url, &envelope); err != nil {
		return ruStoreAppInfo{}, err
	}
	if envelope.Code != "OK" {
		return ruStoreAppInfo{}, fmt.Errorf("rustore overallInfo for %s: code %q message %q",
			s.Package, envelope.Code, envelope.Message)
	}
	if envelope.Body.AppID == 0 {
		return ruStoreAppInfo{}, fmt.Errorf("rustore overallInfo for %s: no appId in response", s.Package)
	}
	return envelope.Body, nil
}

// RemoteVersion reports the currently published version without downloading.
func (s *RuStoreSource) RemoteVersion(ctx context.Context) (int64, string, error) {
	info, err := s.appInfo(ctx)
	if err != nil {
		return 0, "", err
	}
	return info.VersionCode, info.VersionName, nil
}

// Fetch resolves the download link and streams the artifact into destDir.
func (s *RuStoreSource) Fetch(ctx context.Context, destDir string) (Download, error) {
	info, err := s.appInfo(ctx)
	if err != nil {
		return Download{}, err
	}

	var envelope ruStoreEnvelope[ruStoreDownloadLink]
	url := fmt.Sprintf("%s/applicationData/download-link", s.BaseURL)
	payload := map[string]any{"appId": info.AppID, "firstInstall": true}
	if err := s.fetcher.postJSON(ctx, url, payload, &envelope); err != nil {
		return Download{}, err
	}
	if envelope.Code != "OK" || envelope.Body.APKURL == "" {
		return Download{}, fmt.Errorf("rustore download-link for %s: code %q message %q",
			s.Package, envelope.Code, envelope.Message)
	}

	dest := filepath.Join(destDir, s.Name()+".apk")
	size, err := s.fetcher.download(ctx, envelope.Body.APKURL, dest)
	if err != nil {
		return Download{}, err
	}
	return Download{
		Path:        dest,
		SizeBytes:   size,
		VersionName: info.VersionName,
		VersionCode: info.VersionCode,
	}, nil
}
