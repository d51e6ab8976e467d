// Package cmd is roxy's CLI entry point, built the same way
// rafalfr-dnsproxy's main.go/internal/cmd/cmd.go are: flags are parsed with
// go-flags, then the config file named by --config-path is loaded, then the
// proxy is constructed and run until a shutdown signal arrives.
package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"github.com/go-co-op/gocron"
	flags "github.com/jessevdk/go-flags"

	"github.com/rafal/roxy/config"
	"github.com/rafal/roxy/dnscache"
	"github.com/rafal/roxy/dnsserver"
	"github.com/rafal/roxy/health"
	"github.com/rafal/roxy/internal/version"
	"github.com/rafal/roxy/pool"
	"github.com/rafal/roxy/provider"
	"github.com/rafal/roxy/rules"
	"github.com/rafal/roxy/stats"
	"github.com/rafal/roxy/thp"
	"github.com/rafal/roxy/tunnel"
)

// Options are roxy's command-line flags, layered on top of whatever
// --config-path points at exactly as main.go's Options struct does.
type Options struct {
	ConfigPath string `short:"c" long:"config-path" description:"Path to the YAML configuration file" default:"roxy.yaml"`
	Verbose    bool   `short:"v" long:"verbose" description:"Enable verbose (debug) logging"`
	Pprof      bool   `long:"pprof" description:"Start a pprof debug server on localhost:6060"`
	Version    bool   `long:"version" description:"Print version information and exit"`
}

// Main is the entrypoint of the roxy CLI.
func Main() {
	var opts Options

	parser := flags.NewParser(&opts, flags.Default)
	if _, err := parser.Parse(); err != nil {
		if flags.WroteHelp(err) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if opts.Version {
		fmt.Println(version.Version())
		os.Exit(0)
	}

	if opts.Verbose {
		log.SetLevel(log.DEBUG)
	}

	conf, err := config.Load(opts.ConfigPath)
	if err != nil {
		log.Error("loading configuration: %s", err)
		os.Exit(1)
	}

	if opts.Pprof {
		runPprof()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err = run(ctx, conf); err != nil {
		log.Error("running roxy: %s", err)
		os.Exit(1)
	}
}

// run wires every component together (§2 dataflow) and blocks until a
// shutdown signal arrives.
func run(ctx context.Context, conf *config.Config) error {
	log.Info("roxy starting, version %s", version.Version())

	statsManager := stats.NewManager()
	_ = statsManager.LoadStats("stats.json")

	rejectProvider := provider.NewRuleProvider(conf.DNS.Reject.Endpoint, conf.DNS.Reject.Interval.Duration, rules.Plain, "reject_cache.txt")
	hijackProvider := provider.NewRuleProvider(conf.DNS.Hijack.Endpoint, conf.DNS.Hijack.Interval.Duration, rules.BloomBacked, "hijack_cache.txt")
	excludeFromRejectProvider := provider.NewRuleProvider(conf.DNS.ExcludeFromReject.Endpoint, conf.DNS.ExcludeFromReject.Interval.Duration, rules.Plain, "exclude_reject_cache.txt")
	excludeFromCachingProvider := provider.NewRuleProvider(conf.DNS.ExcludeFromCaching.Endpoint, conf.DNS.ExcludeFromCaching.Interval.Duration, rules.Plain, "exclude_caching_cache.txt")
	proxyProvider := provider.NewProxyProvider(conf.Upstream.Provider.Endpoint, conf.Upstream.Provider.Interval.Duration)

	if err := proxyProvider.RefreshInitial(ctx); err != nil {
		return fmt.Errorf("initial proxy list fetch: %w", err)
	}
	rejectProvider.Refresh(ctx)
	hijackProvider.Refresh(ctx)
	excludeFromRejectProvider.Refresh(ctx)
	excludeFromCachingProvider.Refresh(ctx)

	dialer := tunnel.NewDialer()
	checker := health.NewChecker(dialer, conf.Upstream.Check.Timeout.Duration, "example.com", 443, 32)
	checker.Sweep(ctx, proxyProvider.Current())

	strategy, err := pool.ParseStrategy(conf.Upstream.LoadBalance)
	if err != nil {
		return fmt.Errorf("upstream.load_balance: %w", err)
	}

	tunnelPool := pool.New(checker, dialer, strategy, conf.Upstream.Check.Interval.Duration)

	hosts := make(map[string]net.IP, len(conf.DNS.Hosts))
	for name, ip := range conf.DNS.Hosts {
		hosts[rules.Normalize(name)] = net.ParseIP(ip)
	}

	hijackIP := net.ParseIP(conf.DNS.Hijack.Hijack)

	dnsSrv := dnsserver.New(dnsserver.Config{
		Addr:               conf.DNS.Listen,
		Hosts:              hosts,
		Reject:             rejectProvider,
		Hijack:             hijackProvider,
		HijackIP:           hijackIP,
		ExcludeFromReject:  excludeFromRejectProvider,
		ExcludeFromCaching: excludeFromCachingProvider,
		Cache:              dnscache.New(conf.DNS.Cache.Size),
		CacheTTL:           conf.DNS.Cache.TTL.Duration,
		Upstreams:          conf.DNS.Upstream.Nameservers,
		Stats:              statsManager,
	})

	thpSrv := thp.New(thp.Config{
		Listen:       conf.THP.Listen,
		SniffTimeout: 2 * time.Second,
		IdleTimeout:  10 * time.Minute,
		Pool:         tunnelPool,
		Stats:        statsManager,
	})

	sched := gocron.NewScheduler(time.UTC)
	mustEvery(sched, conf.DNS.Reject.Interval.Duration, func() { rejectProvider.Refresh(ctx) })
	mustEvery(sched, conf.DNS.Hijack.Interval.Duration, func() { hijackProvider.Refresh(ctx) })
	mustEvery(sched, conf.DNS.ExcludeFromReject.Interval.Duration, func() { excludeFromRejectProvider.Refresh(ctx) })
	mustEvery(sched, conf.DNS.ExcludeFromCaching.Interval.Duration, func() { excludeFromCachingProvider.Refresh(ctx) })
	mustEvery(sched, conf.Upstream.Provider.Interval.Duration, func() { proxyProvider.Refresh(ctx) })
	mustEvery(sched, conf.Upstream.Check.Interval.Duration, func() { checker.Sweep(ctx, proxyProvider.Current()) })
	mustEvery(sched, time.Hour, func() { _ = statsManager.SaveStats("stats.json") })
	sched.StartAsync()
	defer sched.Stop()

	errCh := make(chan error, 3)
	go func() { errCh <- dnsSrv.ListenAndServe(ctx) }()
	go func() { errCh <- thpSrv.ListenAndServe(ctx) }()

	if conf.Controller != nil {
		controller := stats.NewController(statsManager, conf.Controller.Secret)
		go func() {
			if err := controller.ListenAndServe(conf.Controller.Listen); err != nil {
				log.Error("stats controller: %s", err)
			}
		}()
	}

	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-signalCh:
		log.Info("received %s, shutting down", sig)
	case err := <-errCh:
		_ = statsManager.SaveStats("stats.json")
		return err
	}

	_ = statsManager.SaveStats("stats.json")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = dnsSrv.Shutdown(shutdownCtx)
	_ = thpSrv.Shutdown(shutdownCtx)

	return nil
}

func mustEvery(sched *gocron.Scheduler, interval time.Duration, job func()) {
	if interval <= 0 {
		interval = time.Minute
	}

	if _, err := sched.Every(interval).Do(job); err != nil {
		log.Error("scheduling periodic job: %s", err)
	}
}

// runPprof starts a debug pprof server, the same diagnostics surface
// rafalfr-dnsproxy's internal/cmd/cmd.go runPprof exposes.
func runPprof() {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	go func() {
		addr := "localhost:6060"
		log.Info("starting pprof on %s", addr)

		srv := &http.Server{Addr: addr, Handler: mux, ReadTimeout: 60 * time.Second}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("pprof server: %s", err)
		}
	}()
}
