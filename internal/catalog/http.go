// Copyright (C) 2025 Oblako Labs
// License: AGPL-3.0-only

package catalog

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/docker/go-units"

	"github.com/oblakolabs/rudroid/internal/telemetry"
)

const fetchMaxTries = 3

// Fetcher wraps an HTTP client with retrying JSON calls and resumable
// artifact downloads. The client is expected to carry its own timeout and
// instrumentation.
type Fetcher struct {
	client        *http.Client
	maxBytes      int64
	correlationID string
}

// NewFetcher builds a Fetcher. maxBytes of zero disables the size guard.
func NewFetcher(client *http.Client, maxBytes int64, correlationID string) *Fetcher {
	return &Fetcher{client: client, maxBytes: maxBytes, correlationID: correlationID}
}

func (f *Fetcher) retryNotify(url string) backoff.Notify {
	return func(err error, next time.Duration) {
		telemetry.Event(f.correlationID, "catalog request retry",
			"url", url,
			"error", err.Error(),
			"next_attempt_in", next.String(),
		)
	}
}

// getJSON issues a GET for url and decodes the response body into out,
// retrying transient failures. Client errors are final.
func (f *Fetcher) getJSON(ctx context.Context, url string, out any) error {
	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		return struct{}{}, f.doJSON(req, out)
	}
	_, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(fetchMaxTries),
		backoff.WithNotify(f.retryNotify(url)),
	)
	return err
}

// postJSON issues a POST with a JSON body and decodes the response into out,
// retrying transient failures.
func (f *Fetcher) postJSON(ctx context.Context, url string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	op := func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		return struct{}{}, f.doJSON(req, out)
	}
	_, err = backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(fetchMaxTries),
		backoff.WithNotify(f.retryNotify(url)),
	)
	return err
}

func (f *Fetcher) doJSON(req *http.Request, out any) error {
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("%s %s: status %s", req.Method, req.URL, resp.Status))
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s %s: status %s", req.Method, req.URL, resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return backoff.Permanent(fmt.Errorf("%s %s: decode response: %w", req.Method, req.URL, err))
	}
	return nil
}

// download streams url into dest, resuming a previous partial transfer when
// the server honors range requests. The partial file survives failed
// attempts so a later retry continues where this one stopped.
func (f *Fetcher) download(ctx context.Context, url, dest string) (int64, error) {
	part := dest + ".part"

	op := func() (int64, error) {
		return f.downloadOnce(ctx, url, part)
	}
	size, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(fetchMaxTries),
		backoff.WithNotify(f.retryNotify(url)),
	)
	if err != nil {
		return 0, err
	}
	if err := os.Rename(part, dest); err != nil {
		return 0, err
	}
	return size, nil
}

func (f *Fetcher) downloadOnce(ctx context.Context, url, part string) (int64, error) {
	var offset int64
	if st, err := os.Stat(part); err == nil {
		offset = st.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, backoff.Permanent(err)
	}
	if offset > 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	flags := os.O_CREATE | os.O_WRONLY
	switch resp.StatusCode {
	case http.StatusPartialContent:
		flags |= os.O_APPEND
	case http.StatusOK:
		// Server ignored the range request; start over.
		flags |= os.O_TRUNC
		offset = 0
	case http.StatusRequestedRangeNotSatisfiable:
		// The partial file no longer lines up with the remote artifact.
		os.Remove(part)
		return 0, fmt.Errorf("GET %s: stale partial transfer discarded", url)
	default:
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return 0, backoff.Permanent(fmt.Errorf("GET %s: status %s", url, resp.Status))
		}
		return 0, fmt.Errorf("GET %s: status %s", url, resp.Status)
	}

	if f.maxBytes > 0 && resp.ContentLength > 0 && offset+resp.ContentLength > f.maxBytes {
		return 0, backoff.Permanent(fmt.Errorf("GET %s: artifact size %s exceeds limit %s",
			url,
			units.HumanSize(float64(offset+resp.ContentLength)),
			units.HumanSize(float64(f.maxBytes))))
	}

	out, err := os.OpenFile(part, flags, 0o644)
	if err != nil {
		return 0, backoff.Permanent(err)
	}

	var body io.Reader = resp.Body
	if f.maxBytes > 0 {
		body = io.LimitReader(resp.Body, f.maxBytes-offset+1)
	}
	written, err := io.Copy(out, body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return 0, fmt.Errorf("GET %s: transfer interrupted at %s: %w",
			url, units.HumanSize(float64(offset+written)), err)
	}
	total := offset + written
	if f.maxBytes > 0 && total > f.maxBytes {
		os.Remove(part)
		return 0, backoff.Permanent(fmt.Errorf("GET %s: artifact size exceeds limit %s",
			url, units.HumanSize(float64(f.maxBytes))))
	}

	telemetry.Event(f.correlationID, "artifact downloaded",
		"url", url,
		"size", units.HumanSize(float64(total)),
		"resumed_from", offset,
	)
	return total, nil
}
