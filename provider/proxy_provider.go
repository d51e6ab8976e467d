package provider

import (
	"bufio"
	"bytes"
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/rafal/roxy/tunnel"
)

// ProxyProvider periodically refreshes the tunnel (proxy) list and exposes
// it as an atomically-swapped slice of descriptors (§3 "Tunnel descriptor",
// §4.C, §6 "Provider proxy list"). Unlike rule lists, its initial fetch
// blocks startup, since the pool cannot select without at least an attempt
// at a descriptor set.
type ProxyProvider struct {
	endpoint string
	interval time.Duration
	client   *http.Client

	snapshot atomic.Pointer[[]*tunnel.Descriptor]
}

// NewProxyProvider builds a ProxyProvider with an empty initial snapshot.
func NewProxyProvider(endpoint string, interval time.Duration) *ProxyProvider {
	p := &ProxyProvider{
		endpoint: endpoint,
		interval: interval,
		client:   &http.Client{},
	}

	empty := []*tunnel.Descriptor{}
	p.snapshot.Store(&empty)

	return p
}

// Current returns the most recently installed descriptor snapshot.
func (p *ProxyProvider) Current() []*tunnel.Descriptor {
	return *p.snapshot.Load()
}

// Interval reports the configured refresh interval.
func (p *ProxyProvider) Interval() time.Duration {
	return p.interval
}

// RefreshInitial performs the blocking first fetch required before the
// pool can come up (§4.C).
func (p *ProxyProvider) RefreshInitial(ctx context.Context) error {
	body, err := fetch(ctx, p.client, p.endpoint, 30*time.Second)
	if err != nil {
		return errors.Annotate(err, "initial proxy list fetch: %w")
	}

	return p.install(body)
}

// Refresh performs one fetch-decode-install cycle; failures retain the
// previous snapshot (§4.C, §7 ProviderError).
func (p *ProxyProvider) Refresh(ctx context.Context) {
	body, err := fetch(ctx, p.client, p.endpoint, 30*time.Second)
	if err != nil {
		log.Error("provider: refreshing proxy list %s: %s", p.endpoint, err)
		return
	}

	if err = p.install(body); err != nil {
		log.Error("provider: installing proxy list %s: %s", p.endpoint, err)
	}
}

func (p *ProxyProvider) install(body []byte) error {
	decoded, err := decodeBase64Lines(body)
	if err != nil {
		return err
	}

	seen := make(map[string]struct{})
	var descs []*tunnel.Descriptor

	sc := bufio.NewScanner(bytes.NewReader(decoded))
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}

		d, perr := tunnel.Parse(line)
		if perr != nil {
			log.Debug("provider: skipping unparseable proxy line: %s", perr)
			continue
		}

		// Provider-list decode ambiguity (§9): policy is dedupe-by-endpoint.
		if _, dup := seen[d.Endpoint()]; dup {
			continue
		}

		seen[d.Endpoint()] = struct{}{}
		descs = append(descs, d)
	}

	if err = sc.Err(); err != nil {
		return errors.Annotate(err, "scanning proxy list: %w")
	}

	p.snapshot.Store(&descs)

	log.Info("provider: installed %d tunnel descriptors from %s", len(descs), p.endpoint)

	return nil
}
