// Package health implements the fixed-interval liveness sweep (component D):
// one probe per tunnel descriptor per sweep, bounded concurrency, and an
// atomically-published alive-only snapshot after each round. The
// fail-counter/dead-marking shape is grounded on
// BOBINIUNIU-dnsredir's UpstreamHost.Check and lynnlx-dnsredir's
// atomic-failcount health-check trigger.
package health

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/AdguardTeam/golibs/log"
	"golang.org/x/sync/semaphore"

	"github.com/rafal/roxy/tunnel"
)

// Record is the health state of a single tunnel descriptor (§3 "Health
// record"). It is mutated only by the Checker between sweeps and read
// freely once published in a snapshot.
type Record struct {
	Descriptor *tunnel.Descriptor

	rtt                 atomic.Int64 // nanoseconds; 0 before the first successful probe
	lastCheck           atomic.Int64 // unix nanoseconds
	consecutiveFailures atomic.Int32
}

// RTT returns the last measured round-trip time.
func (r *Record) RTT() time.Duration {
	return time.Duration(r.rtt.Load())
}

// Dead reports whether this descriptor should be excluded from selection:
// one or more consecutive probe failures (§4.D).
func (r *Record) Dead() bool {
	return r.consecutiveFailures.Load() >= 1
}

// Checker runs sweeps over the descriptor set currently advertised by the
// tunnel-list provider.
type Checker struct {
	dialer     tunnel.Dialer
	timeout    time.Duration
	canaryHost string
	canaryPort int

	sem *semaphore.Weighted

	mu      sync.Mutex
	records map[string]*Record

	snapshot atomic.Pointer[[]*Record]
}

// NewChecker builds a Checker. canaryHost/canaryPort is the fixed liveness
// target dialed through each tunnel (§4.D: "exact target is
// implementation-chosen but fixed").
func NewChecker(dialer tunnel.Dialer, timeout time.Duration, canaryHost string, canaryPort int, maxConcurrent int64) *Checker {
	if maxConcurrent <= 0 {
		maxConcurrent = 32
	}

	c := &Checker{
		dialer:     dialer,
		timeout:    timeout,
		canaryHost: canaryHost,
		canaryPort: canaryPort,
		sem:        semaphore.NewWeighted(maxConcurrent),
		records:    make(map[string]*Record),
	}

	empty := []*Record{}
	c.snapshot.Store(&empty)

	return c
}

// Alive returns the most recently published alive-only snapshot (§4.D, §4.E
// "Pool snapshot").
func (c *Checker) Alive() []*Record {
	return *c.snapshot.Load()
}

// Sweep probes every descriptor in current in parallel (bounded by the
// checker's semaphore), updates health records, and publishes a new
// alive-only snapshot. Sweep is atomic: a ctx cancellation discards partial
// results rather than publishing a half-finished sweep (§5).
func (c *Checker) Sweep(ctx context.Context, current []*tunnel.Descriptor) {
	c.reconcile(current)

	var wg sync.WaitGroup
	for _, d := range current {
		rec := c.recordFor(d)

		if err := c.sem.Acquire(ctx, 1); err != nil {
			// Context cancelled; stop issuing new probes but let in-flight
			// ones finish so we don't leak them.
			break
		}

		wg.Add(1)
		go func(d *tunnel.Descriptor, rec *Record) {
			defer wg.Done()
			defer c.sem.Release(1)

			c.probeOne(ctx, d, rec)
		}(d, rec)
	}

	wg.Wait()

	if ctx.Err() != nil {
		log.Debug("health: sweep cancelled, discarding results")
		return
	}

	c.publish(current)
}

func (c *Checker) probeOne(ctx context.Context, d *tunnel.Descriptor, rec *Record) {
	probeCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	s, err := c.dialer.DialContext(probeCtx, d, c.canaryHost, c.canaryPort)
	if err != nil {
		rec.consecutiveFailures.Add(1)
		rec.lastCheck.Store(time.Now().UnixNano())
		log.Debug("health: probe failed for %s: %s", d, err)
		return
	}
	defer func() { _ = s.Close() }()

	rtt := time.Since(start)
	rec.rtt.Store(int64(rtt))
	rec.lastCheck.Store(time.Now().UnixNano())
	rec.consecutiveFailures.Store(0)
}

func (c *Checker) recordFor(d *tunnel.Descriptor) *Record {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rec, ok := c.records[d.ID]; ok {
		rec.Descriptor = d
		return rec
	}

	rec := &Record{Descriptor: d}
	c.records[d.ID] = rec

	return rec
}

// reconcile drops records for descriptors no longer present in the provider
// snapshot, so a tunnel's health state doesn't outlive its descriptor
// (§3 lifecycle: "descriptors live ... until they are absent from refresh
// N+1 and no in-flight connection references them").
func (c *Checker) reconcile(current []*tunnel.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	want := make(map[string]struct{}, len(current))
	for _, d := range current {
		want[d.ID] = struct{}{}
	}

	for id := range c.records {
		if _, ok := want[id]; !ok {
			delete(c.records, id)
		}
	}
}

func (c *Checker) publish(current []*tunnel.Descriptor) {
	c.mu.Lock()
	defer c.mu.Unlock()

	alive := make([]*Record, 0, len(current))
	for _, d := range current {
		if rec, ok := c.records[d.ID]; ok && !rec.Dead() {
			alive = append(alive, rec)
		}
	}

	c.snapshot.Store(&alive)
}
