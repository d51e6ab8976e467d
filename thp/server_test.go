package thp

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rafal/roxy/health"
	"github.com/rafal/roxy/pool"
	"github.com/rafal/roxy/stats"
	"github.com/rafal/roxy/tunnel"
)

// pipeStream wraps one end of a net.Pipe as a tunnel.Stream, the simplest
// fake capable of exercising Dial/splice without a real network socket.
type pipeStream struct {
	net.Conn
}

func (p pipeStream) CloseWrite() error { return p.Conn.Close() }

type fakeDialer struct {
	client net.Conn
}

func (f *fakeDialer) DialContext(context.Context, *tunnel.Descriptor, string, int) (tunnel.Stream, error) {
	return pipeStream{Conn: f.client}, nil
}

func TestSpliceCopiesBothDirections(t *testing.T) {
	clientA, clientB := net.Pipe()
	outboundA, outboundB := net.Pipe()

	go func() {
		buf := make([]byte, 5)
		n, _ := io.ReadFull(outboundB, buf)
		_, _ = outboundB.Write(buf[:n])
		_ = outboundB.Close()
	}()

	done := make(chan struct{})
	go func() {
		splice(clientA, outboundA, 0)
		close(done)
	}()

	_, err := clientB.Write([]byte("hello"))
	require.NoError(t, err)

	buf := make([]byte, 5)
	_, err = io.ReadFull(clientB, buf)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(buf))

	_ = clientB.Close()
	<-done
}

func TestHandleConnSniffsSelectsDialsAndForwardsPreamble(t *testing.T) {
	outboundServerSide, outboundClientSide := net.Pipe()

	dialer := &fakeDialer{client: outboundClientSide}

	// The health probe closes the stream it dials, so it gets its own pipe
	// rather than the one the proxied connection will use.
	probeSide, _ := net.Pipe()
	checker := health.NewChecker(&fakeDialer{client: probeSide}, time.Second, "example.com", 443, 4)
	desc := &tunnel.Descriptor{ID: "t1", Host: "tunnel.example.com", Port: 8388}
	checker.Sweep(t.Context(), []*tunnel.Descriptor{desc})
	require.Len(t, checker.Alive(), 1)

	p := pool.New(checker, dialer, pool.Best, time.Minute)
	statsManager := stats.NewManager()

	srv := New(Config{
		SniffTimeout: time.Second,
		IdleTimeout:  0,
		Pool:         p,
		Stats:        statsManager,
	})

	clientConn, serverConn := net.Pipe()

	received := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 256)
		n, _ := outboundServerSide.Read(buf)
		received <- buf[:n]
	}()

	go srv.handleConn(t.Context(), serverConn, 80)

	req := []byte("GET / HTTP/1.1\r\nHost: target.example.com\r\n\r\n")
	_, err := clientConn.Write(req)
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, req, got)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for preamble forwarding")
	}

	_ = clientConn.Close()

	require.Eventually(t, func() bool {
		v, ok := statsManager.Get("thp::connections")
		return ok && v == uint64(1)
	}, time.Second, 10*time.Millisecond)
}
