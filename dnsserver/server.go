// Package dnsserver implements the DNS server (component F): a UDP+TCP
// listener that composes the rule sets (component A), the TTL cache
// (component B), and the configured upstream nameservers into answers,
// following the classification pipeline of §4.F. The server loop shape
// (separate UDP/TCP dns.Server instances, a single ServeDNS entrypoint,
// structured request/response logging) is grounded on
// rafalfr-dnsproxy's proxy/server.go.
package dnsserver

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/miekg/dns"

	"github.com/rafal/roxy/dnscache"
	"github.com/rafal/roxy/provider"
	"github.com/rafal/roxy/rules"
	"github.com/rafal/roxy/stats"
)

// errNoUpstreams is returned when forwardUpstream is called with no
// configured nameservers, the same static sentinel shape rafalfr-dnsproxy's
// proxy.go uses for "server has been already started" (errors.Error).
const errNoUpstreams errors.Error = "no upstream nameservers configured"

// Config configures a Server. Hosts maps a lowercased, trailing-dot-free
// name to the address it should resolve to (§4.F step 2).
type Config struct {
	Addr     string
	Hosts    map[string]net.IP
	Reject   *provider.RuleProvider
	Hijack   *provider.RuleProvider
	HijackIP net.IP

	// ExcludeFromReject and ExcludeFromCaching are allow-list overrides,
	// adapted from rafalfr-dnsproxy's ExcludedDomainsManager and
	// ExcludedFromCachingManager: a name matching ExcludeFromReject skips
	// the reject check even if Reject also matches it, and a name
	// matching ExcludeFromCaching is always forwarded upstream without
	// ever being served from or written to Cache.
	ExcludeFromReject  *provider.RuleProvider
	ExcludeFromCaching *provider.RuleProvider
	Cache              *dnscache.Cache
	CacheTTL           time.Duration
	Upstreams          []string
	Stats              *stats.Manager
}

// Server is the DNS server described in §4.F.
type Server struct {
	cfg    Config
	client *dns.Client

	udp *dns.Server
	tcp *dns.Server

	numQueries atomic.Uint64
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	return &Server{
		cfg:    cfg,
		client: &dns.Client{Timeout: 5 * time.Second},
	}
}

// ListenAndServe starts the UDP and TCP listeners and blocks until either
// fails to start (a BindError, §7) or ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	mux := dns.NewServeMux()
	mux.HandleFunc(".", s.serveDNS)

	s.udp = &dns.Server{Addr: s.cfg.Addr, Net: "udp", Handler: mux}
	s.tcp = &dns.Server{Addr: s.cfg.Addr, Net: "tcp", Handler: mux}

	errCh := make(chan error, 2)

	go func() {
		if err := s.udp.ListenAndServe(); err != nil {
			errCh <- errors.Annotate(err, fmt.Sprintf("udp listener %s: %%w", s.cfg.Addr))
		}
	}()

	go func() {
		if err := s.tcp.ListenAndServe(); err != nil {
			errCh <- errors.Annotate(err, fmt.Sprintf("tcp listener %s: %%w", s.cfg.Addr))
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	}
}

// Shutdown gracefully stops both listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	var errs []error

	if s.udp != nil {
		if e := s.udp.ShutdownContext(ctx); e != nil {
			errs = append(errs, e)
		}
	}

	if s.tcp != nil {
		if e := s.tcp.ShutdownContext(ctx); e != nil {
			errs = append(errs, e)
		}
	}

	return errors.Join(errs...)
}

// serveDNS implements the classification pipeline of §4.F. Ordering
// (hosts) -> (reject) -> (hijack) -> (cache) -> (upstream) is strict
// (§4.F, §8 invariant 4).
func (s *Server) serveDNS(w dns.ResponseWriter, req *dns.Msg) {
	s.numQueries.Add(1)

	if len(req.Question) != 1 {
		s.reply(w, req, formerr(req))
		return
	}

	q := req.Question[0]
	name := rules.Normalize(q.Name)

	if ip, ok := s.cfg.Hosts[name]; ok {
		if resp := s.hostsAnswer(req, q, ip); resp != nil {
			s.countAndReply(w, req, resp, "hosts")
			return
		}
	}

	excludedFromReject := s.cfg.ExcludeFromReject != nil && s.cfg.ExcludeFromReject.Current().Contains(name)

	if !excludedFromReject && s.cfg.Reject != nil && s.cfg.Reject.Current().Contains(name) {
		s.countAndReply(w, req, emptyReply(req), "reject")
		return
	}

	if s.cfg.Hijack != nil && q.Qtype == dns.TypeA && s.cfg.Hijack.Current().Contains(name) {
		s.countAndReply(w, req, aAnswer(req, s.cfg.HijackIP, 0), "hijack")
		return
	}

	excludedFromCaching := s.cfg.ExcludeFromCaching != nil && s.cfg.ExcludeFromCaching.Current().Contains(name)

	key := dnscache.KeyFor(q)
	if !excludedFromCaching {
		if v, ok := s.cfg.Cache.Get(key); ok {
			resp := new(dns.Msg)
			resp.SetReply(req)
			resp.Rcode = v.Rcode
			resp.Answer = v.Answer
			resp.Ns = v.Ns
			resp.Extra = v.Extra

			s.countAndReply(w, req, resp, "cache")
			return
		}
	}

	resp, err := s.forwardUpstream(req)
	if err != nil {
		log.Debug("dnsserver: upstream failed for %s: %s", q.Name, err)
		s.reply(w, req, servfail(req))

		if s.cfg.Stats != nil {
			s.cfg.Stats.Increment("dns::errors::upstream")
		}

		return
	}

	if !excludedFromCaching && resp.Rcode == dns.RcodeSuccess {
		ttl := minTTL(resp.Answer)
		if ttl > s.cfg.CacheTTL {
			ttl = s.cfg.CacheTTL
		}
		if ttl > 0 {
			s.cfg.Cache.Put(key, dnscache.Value{
				Answer: resp.Answer,
				Ns:     resp.Ns,
				Extra:  resp.Extra,
				Rcode:  resp.Rcode,
			}, ttl)
		}
	}

	s.countAndReply(w, req, resp, "upstream")
}

func (s *Server) hostsAnswer(req *dns.Msg, q dns.Question, ip net.IP) *dns.Msg {
	switch q.Qtype {
	case dns.TypeA:
		if v4 := ip.To4(); v4 != nil {
			return aAnswer(req, v4, 0)
		}
	case dns.TypeAAAA:
		if v6 := ip.To16(); v6 != nil && ip.To4() == nil {
			return aaaaAnswer(req, v6, 0)
		}
	}

	return nil
}

// forwardUpstream races the configured upstream nameservers and returns the
// first valid reply (§4.F step 6).
func (s *Server) forwardUpstream(req *dns.Msg) (*dns.Msg, error) {
	if len(s.cfg.Upstreams) == 0 {
		return nil, errNoUpstreams
	}

	type result struct {
		resp *dns.Msg
		err  error
	}

	ch := make(chan result, len(s.cfg.Upstreams))
	for _, ns := range s.cfg.Upstreams {
		go func(ns string) {
			resp, _, err := s.client.Exchange(req, ns)
			ch <- result{resp: resp, err: err}
		}(ns)
	}

	var lastErr error
	for range s.cfg.Upstreams {
		r := <-ch
		if r.err == nil && r.resp != nil {
			return r.resp, nil
		}
		lastErr = r.err
	}

	return nil, errors.Annotate(lastErr, "all upstreams failed: %w")
}

func (s *Server) countAndReply(w dns.ResponseWriter, req *dns.Msg, resp *dns.Msg, source string) {
	if s.cfg.Stats != nil {
		s.cfg.Stats.Increment("dns::answers::" + source)
	}

	s.reply(w, req, resp)
}

// reply mirrors transaction id and question, truncates for UDP if needed,
// and writes the response (§4.F: "Response transaction id, flags, and
// question section must mirror the request").
func (s *Server) reply(w dns.ResponseWriter, req *dns.Msg, resp *dns.Msg) {
	resp.Id = req.Id
	if len(resp.Question) == 0 {
		resp.Question = req.Question
	}

	if _, ok := w.RemoteAddr().(*net.UDPAddr); ok {
		resp = truncateForUDP(resp, edns0BufSize(req))
	}

	if err := w.WriteMsg(resp); err != nil {
		log.Debug("dnsserver: writing response: %s", err)
	}
}

func minTTL(rrs []dns.RR) time.Duration {
	if len(rrs) == 0 {
		return 0
	}

	min := rrs[0].Header().Ttl
	for _, rr := range rrs[1:] {
		if t := rr.Header().Ttl; t < min {
			min = t
		}
	}

	return time.Duration(min) * time.Second
}
