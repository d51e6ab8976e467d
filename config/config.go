// Package config defines the YAML configuration schema for roxy and loads
// it from the file named by the entrypoint's --config-path flag.
package config

import (
	"fmt"
	"os"
	"runtime"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/timeutil"
	"gopkg.in/yaml.v3"
)

// LogConfig configures the operational logger.
type LogConfig struct {
	Level     string `yaml:"level"`
	Timestamp bool   `yaml:"timestamp"`
}

// ControllerConfig configures the optional read-only stats controller.
type ControllerConfig struct {
	Listen string `yaml:"listen"`
	Secret string `yaml:"secret"`
}

// CacheConfig configures the DNS answer TTL cache (component B).
type CacheConfig struct {
	TTL  timeutil.Duration `yaml:"ttl"`
	Size int               `yaml:"size"`
}

// RuleProviderConfig configures a periodically-refreshed rule list
// (component C, reject/hijack variants).
type RuleProviderConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Interval timeutil.Duration `yaml:"interval"`
	// Hijack is only meaningful for the hijack list: the sentinel address
	// synthesized into matching A answers.
	Hijack string `yaml:"hijack"`
}

// UpstreamNameserversConfig configures the plain DNS upstreams F forwards
// cache misses to.
type UpstreamNameserversConfig struct {
	Nameservers []string `yaml:"nameservers"`
}

// DNSConfig configures the DNS server (component F) and its dependents.
type DNSConfig struct {
	Listen string            `yaml:"listen"`
	Hosts  map[string]string `yaml:"hosts"`

	Cache    CacheConfig               `yaml:"cache"`
	Reject   RuleProviderConfig        `yaml:"reject"`
	Hijack   RuleProviderConfig        `yaml:"hijack"`
	Upstream UpstreamNameserversConfig `yaml:"upstream"`

	// ExcludeFromReject and ExcludeFromCaching are allow-list overrides,
	// each an independent rule list in the same format as Reject/Hijack:
	// a name matching ExcludeFromReject is never rejected even if Reject
	// also matches it, and a name matching ExcludeFromCaching is always
	// forwarded upstream without ever touching the TTL cache. These
	// generalize rafalfr-dnsproxy's ExcludedDomainsManager and
	// ExcludedFromCachingManager, which served the same two purposes
	// against a manually-populated in-memory list.
	ExcludeFromReject  RuleProviderConfig `yaml:"exclude_from_reject"`
	ExcludeFromCaching RuleProviderConfig `yaml:"exclude_from_caching"`
}

// HealthCheckConfig configures the fixed-interval liveness sweep
// (component D).
type HealthCheckConfig struct {
	Interval timeutil.Duration `yaml:"interval"`
	Timeout  timeutil.Duration `yaml:"timeout"`
}

// ProviderConfig configures the proxy-list fetcher (component C, tunnel
// variant).
type ProviderConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Interval timeutil.Duration `yaml:"interval"`
}

// UpstreamConfig configures the upstream tunnel pool (component E).
type UpstreamConfig struct {
	LoadBalance string            `yaml:"load_balance"`
	Check       HealthCheckConfig `yaml:"check"`
	Provider    ProviderConfig    `yaml:"provider"`
}

// THPConfig configures the transparent proxy front door (component H).
type THPConfig struct {
	Listen []string `yaml:"listen"`
}

// Config is the root configuration schema, decoded from YAML.
type Config struct {
	Worker    int              `yaml:"worker"`
	Resolvers []string         `yaml:"resolvers"`
	Sniffing  *bool            `yaml:"sniffing"`
	Log       LogConfig        `yaml:"log"`
	Controller *ControllerConfig `yaml:"controller"`
	DNS       DNSConfig        `yaml:"dns"`
	Upstream  UpstreamConfig   `yaml:"upstream"`
	THP       THPConfig        `yaml:"thp"`

	// LogOutput and Verbose are not part of the YAML schema and Load leaves
	// them unset. internal/cmd does not set them either: its --verbose flag
	// sets the logger's level directly.
	LogOutput string `yaml:"-"`
	Verbose   bool   `yaml:"-"`
}

// Load reads and parses a YAML configuration file from path and fills in
// defaults for anything left unset, the way rafalfr-dnsproxy's
// createProxyConfig applies cmp.Or defaults after unmarshalling.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Annotate(err, "reading config: %w")
	}

	c := &Config{}
	if err = yaml.Unmarshal(b, c); err != nil {
		return nil, errors.Annotate(err, "parsing config: %w")
	}

	c.setDefaults()

	if err = c.validate(); err != nil {
		return nil, errors.Annotate(err, "validating config: %w")
	}

	return c, nil
}

func (c *Config) setDefaults() {
	if c.Worker <= 0 {
		c.Worker = runtime.NumCPU()
	}

	if c.Sniffing == nil {
		enabled := true
		c.Sniffing = &enabled
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}

	if c.DNS.Cache.Size <= 0 {
		c.DNS.Cache.Size = 10000
	}

	if c.Upstream.LoadBalance == "" {
		c.Upstream.LoadBalance = "best"
	}

	if c.Upstream.Check.Interval.Duration <= 0 {
		c.Upstream.Check.Interval = timeutil.Duration{Duration: 30_000_000_000}
	}

	if c.Upstream.Check.Timeout.Duration <= 0 {
		c.Upstream.Check.Timeout = timeutil.Duration{Duration: 5_000_000_000}
	}
}

const (
	errMissingResolvers errors.Error = "resolvers: at least one bootstrap resolver is required"
	errMissingDNSListen errors.Error = "dns.listen: required"
	errMissingProvider  errors.Error = "upstream.provider.endpoint: required"
	errMissingTHPListen errors.Error = "thp.listen: at least one address is required"
)

// validate enforces the subset of the schema that is required for the
// server to start; a failure here is a ConfigError and is fatal at startup.
func (c *Config) validate() error {
	if len(c.Resolvers) == 0 {
		return errMissingResolvers
	}

	if c.DNS.Listen == "" {
		return errMissingDNSListen
	}

	switch c.Upstream.LoadBalance {
	case "best", "etld":
	default:
		return fmt.Errorf("upstream.load_balance: must be %q or %q, got %q", "best", "etld", c.Upstream.LoadBalance)
	}

	if c.Upstream.Provider.Endpoint == "" {
		return errMissingProvider
	}

	if len(c.THP.Listen) == 0 {
		return errMissingTHPListen
	}

	return nil
}
