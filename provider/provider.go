// Package provider implements the periodic HTTPS fetcher (component C):
// reject/hijack rule lists and the tunnel (proxy) list are all refreshed on
// their own interval, decoded, and installed as an atomic snapshot, the
// same staleness-gated refresh-or-keep-previous shape
// rafalfr-dnsproxy's BlockedDomainsManager.UpdateBlockedDomains uses around
// utils.DownloadFromUrl.
package provider

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
)

// fetch performs a single HTTPS GET against endpoint, returning the body on
// 2xx. Non-2xx and network errors are both ProviderErrors per §7.
func fetch(ctx context.Context, client *http.Client, endpoint string, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errors.Annotate(err, "building request: %w")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, errors.Annotate(err, fmt.Sprintf("fetching %s: %%w", endpoint))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("fetching %s: status %d", endpoint, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Annotate(err, fmt.Sprintf("reading body of %s: %%w", endpoint))
	}

	return body, nil
}

// decodeBase64Lines base64-decodes the whole body (the wire format for the
// proxy list, §6) and returns it as UTF-8 text.
func decodeBase64Lines(body []byte) ([]byte, error) {
	trimmed := bytes.TrimSpace(body)

	decoded := make([]byte, base64.StdEncoding.DecodedLen(len(trimmed)))
	n, err := base64.StdEncoding.Decode(decoded, trimmed)
	if err != nil {
		// Some providers omit padding; retry with the raw encoding before
		// giving up.
		decoded = make([]byte, base64.RawStdEncoding.DecodedLen(len(trimmed)))
		n, err = base64.RawStdEncoding.Decode(decoded, trimmed)
		if err != nil {
			return nil, errors.Annotate(err, "base64-decoding body: %w")
		}
	}

	return decoded[:n], nil
}
