package pool

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafal/roxy/health"
	"github.com/rafal/roxy/tunnel"
)

type nopStream struct{ io.Reader }

func (nopStream) Write(p []byte) (int, error) { return len(p), nil }
func (nopStream) Close() error                { return nil }
func (nopStream) CloseWrite() error            { return nil }

type fakeDialer struct {
	mu    sync.Mutex
	delay map[string]time.Duration
	fail  map[string]bool
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{delay: map[string]time.Duration{}, fail: map[string]bool{}}
}

func (f *fakeDialer) DialContext(ctx context.Context, d *tunnel.Descriptor, _ string, _ int) (tunnel.Stream, error) {
	f.mu.Lock()
	delay := f.delay[d.ID]
	fail := f.fail[d.ID]
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if fail {
		return nil, fmt.Errorf("dial failed for %s", d.ID)
	}

	return nopStream{}, nil
}

func descriptor(id string) *tunnel.Descriptor {
	return &tunnel.Descriptor{ID: id, Host: "h", Port: 1}
}

func newPoolWithAlive(t *testing.T, dialer *fakeDialer, strategy Strategy, ids ...string) *Pool {
	t.Helper()

	checker := health.NewChecker(dialer, time.Second, "example.com", 443, 8)

	descs := make([]*tunnel.Descriptor, len(ids))
	for i, id := range ids {
		descs[i] = descriptor(id)
	}

	checker.Sweep(t.Context(), descs)
	require.Len(t, checker.Alive(), len(ids))

	return New(checker, dialer, strategy, time.Minute)
}

func TestSelectNoUpstream(t *testing.T) {
	dialer := newFakeDialer()
	checker := health.NewChecker(dialer, time.Second, "example.com", 443, 8)
	p := New(checker, dialer, Best, time.Minute)

	_, err := p.Select("example.com")
	assert.ErrorIs(t, err, ErrNoUpstream)
}

func TestSelectBestPrefersLowerRTT(t *testing.T) {
	dialer := newFakeDialer()
	dialer.delay["slow"] = 30 * time.Millisecond

	p := newPoolWithAlive(t, dialer, Best, "fast", "slow")

	handle, err := p.Select("example.com")
	require.NoError(t, err)
	assert.Equal(t, "fast", handle.Descriptor.ID)
}

func TestSelectBestTieBreaksByID(t *testing.T) {
	dialer := newFakeDialer()
	p := newPoolWithAlive(t, dialer, Best, "b", "a")

	handle, err := p.Select("example.com")
	require.NoError(t, err)
	assert.Equal(t, "a", handle.Descriptor.ID)
}

func TestSelectBestAppliesPenaltyAfterDialFailure(t *testing.T) {
	dialer := newFakeDialer()
	dialer.delay["b"] = 30 * time.Millisecond
	p := newPoolWithAlive(t, dialer, Best, "a", "b")

	// "a" has the lower rtt; force it to fail a dial, which should penalize
	// it enough that "b" is preferred on the next Select.
	dialer.fail["a"] = true

	handle, err := p.Select("example.com")
	require.NoError(t, err)
	_, err = handle.Dial(t.Context(), "target.example.com", 443)
	require.Error(t, err)

	handle2, err := p.Select("example.com")
	require.NoError(t, err)
	assert.Equal(t, "b", handle2.Descriptor.ID)
}

func TestSelectETLDIsStableForSameDomain(t *testing.T) {
	dialer := newFakeDialer()
	p := newPoolWithAlive(t, dialer, ETLD, "a", "b", "c")

	h1, err := p.Select("foo.example.com")
	require.NoError(t, err)
	h2, err := p.Select("bar.example.com")
	require.NoError(t, err)

	assert.Equal(t, h1.Descriptor.ID, h2.Descriptor.ID, "same eTLD+1 must hash to the same tunnel")
}

func TestParseStrategy(t *testing.T) {
	s, err := ParseStrategy("best")
	require.NoError(t, err)
	assert.Equal(t, Best, s)

	s, err = ParseStrategy("etld")
	require.NoError(t, err)
	assert.Equal(t, ETLD, s)

	_, err = ParseStrategy("bogus")
	assert.Error(t, err)
}
