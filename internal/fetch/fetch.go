package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"media-cache/internal/logging"
	"media-cache/internal/metrics"
)

// RetryConfig configures retry behavior for transient download failures.
type RetryConfig struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultRetryConfig returns sensible defaults for flaky mobile networks.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:     3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
	}
}

// Downloader fetches media bytes from a URL into a local file. It is the
// "download bytes" primitive consumed by the scheduler; classification of a
// failed fetch as permanent is the scheduler's job, not this package's.
type Downloader struct {
	client *http.Client
	retry  RetryConfig
}

// New creates a downloader with the given retry policy.
func New(retry RetryConfig) *Downloader {
	return &Downloader{
		client: &http.Client{Timeout: 2 * time.Minute},
		retry:  retry,
	}
}

// statusError marks an HTTP response status as the failure cause so the retry
// loop can tell retryable server errors from permanent client errors.
type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d %s", e.code, http.StatusText(e.code))
}

func isTransient(err error) bool {
	var se *statusError
	if errors.As(err, &se) {
		return se.code >= 500 || se.code == http.StatusTooManyRequests
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	// Connection resets surface as *url.Error wrapping syscall errors; treat
	// any non-timeout url.Error on the transport as retryable.
	var urlErr *url.Error
	return errors.As(err, &urlErr) && urlErr.Temporary()
}

// Fetch downloads url into dest, creating or replacing it atomically via a
// temp file in the same directory. Returns the number of bytes written.
// Local URIs (file:// or a bare absolute path, as handed over by a share
// extension) are copied instead of fetched.
func (d *Downloader) Fetch(ctx context.Context, rawURL, dest string) (int64, error) {
	if local, ok := localSourcePath(rawURL); ok {
		return copyLocal(local, dest)
	}

	var lastErr error
	backoff := d.retry.InitialBackoff

	for attempt := 0; attempt <= d.retry.MaxRetries; attempt++ {
		n, err := d.fetchOnce(ctx, rawURL, dest)
		if err == nil {
			if attempt > 0 {
				logging.Info("Download succeeded on retry %d for %s", attempt, rawURL)
			}
			metrics.DownloadBytes.Add(float64(n))
			return n, nil
		}

		lastErr = err
		if ctx.Err() != nil || !isTransient(err) {
			return 0, err
		}

		if attempt < d.retry.MaxRetries {
			metrics.DownloadRetries.Inc()
			logging.Debug("Download of %s failed (%v), retrying in %v (attempt %d/%d)",
				rawURL, err, backoff, attempt+1, d.retry.MaxRetries)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return 0, ctx.Err()
			}
			backoff *= 2
			if backoff > d.retry.MaxBackoff {
				backoff = d.retry.MaxBackoff
			}
		}
	}

	logging.Warn("Download of %s failed after %d retries: %v", rawURL, d.retry.MaxRetries, lastErr)
	return 0, lastErr
}

func (d *Downloader) fetchOnce(ctx context.Context, rawURL, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return 0, fmt.Errorf("invalid media url: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			logging.Debug("failed to close response body for %s: %v", rawURL, closeErr)
		}
	}()

	if resp.StatusCode != http.StatusOK {
		return 0, &statusError{code: resp.StatusCode}
	}

	return writeAtomic(dest, resp.Body)
}

// writeAtomic streams r into dest via a .part sibling so that a crash never
// leaves a half-written file at the deterministic path another process trusts.
func writeAtomic(dest string, r io.Reader) (int64, error) {
	tmp := dest + ".part"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, fmt.Errorf("failed to create %s: %w", tmp, err)
	}

	n, copyErr := io.Copy(f, r)
	closeErr := f.Close()
	if copyErr != nil {
		_ = os.Remove(tmp)
		return 0, copyErr
	}
	if closeErr != nil {
		_ = os.Remove(tmp)
		return 0, closeErr
	}

	if err := os.Rename(tmp, dest); err != nil {
		_ = os.Remove(tmp)
		return 0, err
	}
	return n, nil
}

// localSourcePath recognizes extension-local URIs that point at a file the
// sharing process already materialized.
func localSourcePath(rawURL string) (string, bool) {
	if strings.HasPrefix(rawURL, "file://") {
		return strings.TrimPrefix(rawURL, "file://"), true
	}
	if strings.HasPrefix(rawURL, "/") {
		return rawURL, true
	}
	return "", false
}

func copyLocal(src, dest string) (int64, error) {
	f, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("local media source not readable: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	n, err := writeAtomic(dest, f)
	if err != nil {
		return 0, err
	}
	metrics.DownloadBytes.Add(float64(n))
	return n, nil
}
