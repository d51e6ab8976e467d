// Package pool implements the upstream proxy pool (component E): it owns
// the alive set published by package health and selects a tunnel per
// outbound request using one of two strategies, "best" (lowest rtt) and
// "etld" (affinity hash over the effective TLD+1).
package pool

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"time"

	"github.com/patrickmn/go-cache"
	"golang.org/x/net/publicsuffix"

	"github.com/rafal/roxy/health"
	"github.com/rafal/roxy/tunnel"
)

// ErrNoUpstream is returned by Select when the alive set is empty (§7
// NoUpstream).
var ErrNoUpstream = errors.New("pool: no alive upstream")

// Strategy selects which load-balancing algorithm Select uses (§4.E).
type Strategy int

// The two strategies named in §4.E.
const (
	Best Strategy = iota
	ETLD
)

// ParseStrategy parses the upstream.load_balance config value.
func ParseStrategy(s string) (Strategy, error) {
	switch s {
	case "best":
		return Best, nil
	case "etld":
		return ETLD, nil
	default:
		return 0, fmt.Errorf("unknown load balance strategy %q", s)
	}
}

// TunnelHandle is a single, ready-to-dial tunnel returned by Select.
type TunnelHandle struct {
	Descriptor *tunnel.Descriptor

	pool   *Pool
	dialer tunnel.Dialer
}

// Dial opens an outbound stream to host:port through this handle's tunnel.
// A failure here does not mark the tunnel dead — only the health checker
// does that — but it does apply the short-term selection penalty described
// in §4.E.
func (h *TunnelHandle) Dial(ctx context.Context, host string, port int) (tunnel.Stream, error) {
	s, err := h.dialer.DialContext(ctx, h.Descriptor, host, port)
	if err != nil {
		h.pool.penalize(h.Descriptor.ID)
		return nil, fmt.Errorf("dialing through %s: %w", h.Descriptor, err)
	}

	return s, nil
}

// Pool selects tunnels from the checker's live alive-set snapshot.
type Pool struct {
	checker  *health.Checker
	dialer   tunnel.Dialer
	strategy Strategy

	// penalties biases "best" selection away from descriptors that just
	// failed a THP-layer dial, for a bounded window approximating one
	// health sweep (§4.E). patrickmn/go-cache's own per-entry TTL expiry is
	// exactly this "bounded window" primitive.
	penalties *cache.Cache
}

// New builds a Pool reading liveness from checker.
func New(checker *health.Checker, dialer tunnel.Dialer, strategy Strategy, sweepInterval time.Duration) *Pool {
	return &Pool{
		checker:   checker,
		dialer:    dialer,
		strategy:  strategy,
		penalties: cache.New(sweepInterval, sweepInterval),
	}
}

func (p *Pool) penalize(id string) {
	n := 1
	if v, ok := p.penalties.Get(id); ok {
		n = v.(int) + 1
	}

	p.penalties.Set(id, n, cache.DefaultExpiration)
}

func (p *Pool) penalty(id string) int {
	if v, ok := p.penalties.Get(id); ok {
		return v.(int)
	}

	return 0
}

// Select picks a tunnel for targetDomain per the configured strategy
// (§4.E). It returns ErrNoUpstream if the alive set is empty.
func (p *Pool) Select(targetDomain string) (*TunnelHandle, error) {
	alive := p.checker.Alive()
	if len(alive) == 0 {
		return nil, ErrNoUpstream
	}

	var rec *health.Record
	switch p.strategy {
	case ETLD:
		rec = p.selectETLD(alive, targetDomain)
	default:
		rec = p.selectBest(alive)
	}

	return &TunnelHandle{Descriptor: rec.Descriptor, pool: p, dialer: p.dialer}, nil
}

// selectBest returns the alive descriptor with the smallest rtt, biased by
// any active short-term penalty, ties broken by descriptor id (§4.E,
// §8 invariant 6).
func (p *Pool) selectBest(alive []*health.Record) *health.Record {
	best := alive[0]
	bestScore := p.score(best)

	for _, rec := range alive[1:] {
		score := p.score(rec)
		if score < bestScore || (score == bestScore && rec.Descriptor.ID < best.Descriptor.ID) {
			best = rec
			bestScore = score
		}
	}

	return best
}

// score adds a fixed per-penalty-count bias on top of measured rtt so a
// tunnel that just failed a dial is deprioritized without being marked
// dead.
func (p *Pool) score(rec *health.Record) time.Duration {
	penalty := p.penalty(rec.Descriptor.ID)
	return rec.RTT() + time.Duration(penalty)*time.Second
}

// selectETLD hashes the eTLD+1 of targetDomain to an index in the alive
// list (§4.E, §8 invariant 7). Because Checker publishes alive-only
// snapshots and Select takes one consistent reference to that snapshot for
// the whole call, the "chosen descriptor died between snapshot install and
// selection" case §4.E describes cannot arise here: the index always lands
// on an entry that was alive as of this snapshot, which is the
// clockwise-advance behavior's end state once dead entries are never in the
// list to begin with.
func (p *Pool) selectETLD(alive []*health.Record, targetDomain string) *health.Record {
	key := etldPlusOne(targetDomain)

	h := fnv.New64a()
	_, _ = h.Write([]byte(key))
	idx := int(h.Sum64() % uint64(len(alive)))

	return alive[idx]
}

func etldPlusOne(domain string) string {
	etld, err := publicsuffix.EffectiveTLDPlusOne(domain)
	if err != nil {
		return domain
	}

	return etld
}
