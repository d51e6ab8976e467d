package utils

import (
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Stale reports whether the file at path is missing, empty, or older than
// maxAge — the same freshness check
// rafalfr-dnsproxy's BlockedDomainsManager.UpdateBlockedDomains applies
// before re-downloading a blocklist, generalized here for package
// provider's on-disk rule-list cache.
func Stale(path string, maxAge time.Duration) bool {
	info, err := os.Stat(path)
	if err != nil {
		return true
	}

	if info.Size() == 0 {
		return true
	}

	return time.Since(info.ModTime().UTC()) > maxAge
}

// DownloadToFile GETs url and writes the response body to path, the way
// rafalfr-dnsproxy's DownloadFromUrl does.
func DownloadToFile(url, path string) error {
	resp, err := http.Get(url) //nolint:gosec // url is operator-configured, not user input
	if err != nil {
		return fmt.Errorf("downloading %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading %s: status %s", url, resp.Status)
	}

	out, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	defer func() { _ = out.Close() }()

	if _, err = io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}

	return nil
}
