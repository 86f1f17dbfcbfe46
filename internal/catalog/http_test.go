// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package catalog

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func testBlob(n int) []byte {
	blob := make([]byte, n)
	for i := range blob {
		blob[i] = byte(i % 251)
	}
	return blob
}

func TestGetJSONRetriesServerErrors(t *testing.T) {
	silenceLogs(t)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) < 3 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `{"ok":true}`)
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(srv.Client(), 0, "test")
	var out map[string]any
	if err := f.getJSON(context.Background(), srv.URL, &out); err != nil {
		t.Fatalf("expected retries to recover, got %v", err)
	}
	if requests.Load() != 3 {
		t.Fatalf("expected 3 attempts, got %d", requests.Load())
	}
}

func TestGetJSONDoesNotRetryClientErrors(t *testing.T) {
	silenceLogs(t)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(srv.Client(), 0, "test")
	var out map[string]any
	if err := f.getJSON(context.Background(), srv.URL, &out); err == nil {
		t.Fatal("expected client error to surface")
	}
	if requests.Load() != 1 {
		t.Fatalf("expected a single attempt for a client error, got %d", requests.Load())
	}
}

func TestDownloadResumesPartialTransfer(t *testing.T) {
	silenceLogs(t)
	blob := testBlob(4096)

	var firstRange atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if firstRange.Load() == nil {
			firstRange.Store(r.Header.Get("Range"))
		}
		http.ServeContent(w, r, "blob.apk", time.Time{}, bytes.NewReader(blob))
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "rustore.apk")
	if err := os.WriteFile(dest+".part", blob[:1000], 0o644); err != nil {
		t.Fatalf("seed partial transfer: %v", err)
	}

	f := NewFetcher(srv.Client(), 0, "test")
	size, err := f.download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if size != int64(len(blob)) {
		t.Fatalf("expected total size %d, got %d", len(blob), size)
	}
	if got := firstRange.Load(); got != "bytes=1000-" {
		t.Fatalf("expected resume request with range bytes=1000-, got %v", got)
	}

	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(data, blob) {
		t.Fatal("resumed download does not match the remote artifact")
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("expected partial file renamed away")
	}
}

func TestDownloadRestartsWhenRangeIgnored(t *testing.T) {
	silenceLogs(t)
	blob := testBlob(2048)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// No range support; always the full artifact.
		_, _ = w.Write(blob)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "rustore.apk")
	if err := os.WriteFile(dest+".part", []byte("old partial bytes"), 0o644); err != nil {
		t.Fatalf("seed partial transfer: %v", err)
	}

	f := NewFetcher(srv.Client(), 0, "test")
	size, err := f.download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if size != int64(len(blob)) {
		t.Fatalf("expected full restart size %d, got %d", len(blob), size)
	}
	data, err := os.ReadFile(dest)
	if err != nil {
		t.Fatalf("read result: %v", err)
	}
	if !bytes.Equal(data, blob) {
		t.Fatal("restarted download does not match the remote artifact")
	}
}

func TestDownloadDiscardsStalePartial(t *testing.T) {
	silenceLogs(t)
	blob := testBlob(1024)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		if r.Header.Get("Range") != "" {
			w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
			return
		}
		_, _ = w.Write(blob)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "rustore.apk")
	if err := os.WriteFile(dest+".part", testBlob(4096), 0o644); err != nil {
		t.Fatalf("seed oversized partial: %v", err)
	}

	f := NewFetcher(srv.Client(), 0, "test")
	size, err := f.download(context.Background(), srv.URL, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	if size != int64(len(blob)) {
		t.Fatalf("expected fresh transfer of %d bytes, got %d", len(blob), size)
	}
	if requests.Load() != 2 {
		t.Fatalf("expected stale-range attempt plus fresh attempt, got %d", requests.Load())
	}
}

func TestDownloadEnforcesSizeLimitFromContentLength(t *testing.T) {
	silenceLogs(t)
	blob := testBlob(2048)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Content-Length", strconv.Itoa(len(blob)))
		_, _ = w.Write(blob)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "rustore.apk")
	f := NewFetcher(srv.Client(), 1024, "test")
	_, err := f.download(context.Background(), srv.URL, dest)
	if err == nil {
		t.Fatal("expected size limit rejection")
	}
	if !strings.Contains(err.Error(), "exceeds limit") {
		t.Fatalf("unexpected error %v", err)
	}
	if requests.Load() != 1 {
		t.Fatalf("expected no retries for an oversized artifact, got %d attempts", requests.Load())
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("expected no partial file for a rejected transfer")
	}
}

func TestDownloadEnforcesSizeLimitOnStream(t *testing.T) {
	silenceLogs(t)
	blob := testBlob(2048)
	var requests atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		// Flush the header first so no Content-Length is announced and the
		// limit can only trip during the transfer.
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		_, _ = w.Write(blob)
	}))
	t.Cleanup(srv.Close)

	dest := filepath.Join(t.TempDir(), "rustore.apk")
	f := NewFetcher(srv.Client(), 1024, "test")
	_, err := f.download(context.Background(), srv.URL, dest)
	if err == nil {
		t.Fatal("expected size limit rejection")
	}
	if requests.Load() != 1 {
		t.Fatalf("expected no retries for an oversized artifact, got %d attempts", requests.Load())
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatal("expected oversized partial file removed")
	}
}
