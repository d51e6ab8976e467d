package provider

import (
	"bytes"
	"context"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"

	"github.com/rafal/roxy/rules"
	"github.com/rafal/roxy/utils"
)

// staleAfter bounds how long a disk-cached rule list is trusted before a
// scheduled Refresh is required to hit the network again, the same
// staleness window rafalfr-dnsproxy's BlockedDomainsManager applies.
const staleAfter = 6 * time.Hour

// RuleProvider periodically refreshes one reject/hijack rule list and
// exposes it as an atomically-swapped rules.Set (§3 "Rule set", §4.C).
type RuleProvider struct {
	endpoint  string
	interval  time.Duration
	variant   rules.Variant
	client    *http.Client
	cachePath string

	snapshot atomic.Pointer[rules.Set]
}

// NewRuleProvider builds a RuleProvider. Until the first successful fetch,
// Current returns an empty set rather than blocking, per §4.C ("rule-list
// initial fetch is non-blocking and yields an empty set until the first
// success"). cachePath, if non-empty, is a local file used to avoid
// re-downloading a still-fresh list across restarts.
func NewRuleProvider(endpoint string, interval time.Duration, variant rules.Variant, cachePath string) *RuleProvider {
	p := &RuleProvider{
		endpoint:  endpoint,
		interval:  interval,
		variant:   variant,
		client:    &http.Client{},
		cachePath: cachePath,
	}

	empty := rules.Compile(variant, nil)
	p.snapshot.Store(&empty)

	return p
}

// Current returns the most recently installed snapshot.
func (p *RuleProvider) Current() rules.Set {
	return *p.snapshot.Load()
}

// Interval reports the configured refresh interval.
func (p *RuleProvider) Interval() time.Duration {
	return p.interval
}

// Refresh performs one fetch-decode-install cycle. A failure leaves the
// previous snapshot installed and is reported, never returned as fatal
// (§4.C, §7 ProviderError). When cachePath is set and still fresh, Refresh
// reuses the on-disk copy instead of hitting the network, the same
// staleness gate rafalfr-dnsproxy's BlockedDomainsManager applies before
// re-downloading a blocklist.
func (p *RuleProvider) Refresh(ctx context.Context) {
	if p.endpoint == "" {
		return
	}

	body, err := p.fetchBody(ctx)
	if err != nil {
		log.Error("provider: refreshing rule list %s: %s", p.endpoint, err)
		return
	}

	parsed, err := rules.ParseLines(bytes.NewReader(body))
	if err != nil {
		log.Error("provider: parsing rule list %s: %s", p.endpoint, err)
		return
	}

	compiled := rules.Compile(p.variant, parsed)
	p.snapshot.Store(&compiled)

	log.Info("provider: installed %d rules from %s", compiled.Len(), p.endpoint)
}

// fetchBody returns the raw rule-list body, serving it from cachePath when
// that copy is still fresh and refreshing it from the network otherwise.
func (p *RuleProvider) fetchBody(ctx context.Context) ([]byte, error) {
	if p.cachePath == "" {
		return fetch(ctx, p.client, p.endpoint, 30*time.Second)
	}

	if !utils.Stale(p.cachePath, staleAfter) {
		body, err := os.ReadFile(p.cachePath)
		if err == nil {
			return body, nil
		}
		log.Debug("provider: reading cached rule list %s: %s", p.cachePath, err)
	}

	if err := utils.DownloadToFile(p.endpoint, p.cachePath); err != nil {
		return nil, errors.Annotate(err, "refreshing disk cache: %w")
	}

	body, err := os.ReadFile(p.cachePath)
	return body, errors.Annotate(err, "reading downloaded rule list: %w")
}
