// Package thp implements the Transparent HTTP Proxy front door (component
// H): accept, sniff, select a tunnel, dial, then splice bidirectionally
// with half-close propagation and an idle timeout. The accept-loop and
// per-connection goroutine shape follows rafalfr-dnsproxy's
// proxy/server.go listener loops; the sniff-select-dial-splice sequence is
// grounded on clash's Tunnel.handleConn.
package thp

import (
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/AdguardTeam/golibs/log"
	"github.com/google/uuid"

	"github.com/rafal/roxy/pool"
	"github.com/rafal/roxy/sniff"
	"github.com/rafal/roxy/stats"
	"github.com/rafal/roxy/utils"
)

// Config configures a Server.
type Config struct {
	Listen       []string
	SniffTimeout time.Duration
	IdleTimeout  time.Duration
	Pool         *pool.Pool
	Stats        *stats.Manager
}

// Server is the THP front door described in §4.H.
type Server struct {
	cfg       Config
	listeners []net.Listener

	wg sync.WaitGroup
}

// New builds a Server from cfg.
func New(cfg Config) *Server {
	return &Server{cfg: cfg}
}

// ListenAndServe opens every configured listen address and serves until ctx
// is cancelled or a listener fails to bind (a BindError, §7).
func (s *Server) ListenAndServe(ctx context.Context) error {
	for _, addr := range s.cfg.Listen {
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = s.Shutdown(context.Background())
			return errors.Annotate(err, fmt.Sprintf("binding thp listener %s: %%w", addr))
		}

		s.listeners = append(s.listeners, ln)

		_, portStr, _ := net.SplitHostPort(addr)
		port, _ := strconv.Atoi(portStr)

		s.wg.Add(1)
		go s.acceptLoop(ctx, ln, port)
	}

	<-ctx.Done()

	return s.Shutdown(context.Background())
}

// Shutdown closes every listener and waits for in-flight accept loops to
// notice.
func (s *Server) Shutdown(context.Context) error {
	var errs []error

	for _, ln := range s.listeners {
		if err := ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	s.wg.Wait()

	return errors.Join(errs...)
}

func (s *Server) acceptLoop(ctx context.Context, ln net.Listener, port int) {
	defer s.wg.Done()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}

			log.Debug("thp: accept on %s: %s", ln.Addr(), err)
			continue
		}

		go s.handleConn(ctx, conn, port)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn, port int) {
	connID := uuid.NewString()
	defer func() { _ = conn.Close() }()

	result, err := sniff.Sniff(ctx, conn, s.cfg.SniffTimeout)
	if err != nil || result.Kind == sniff.Unknown {
		// No fallback forwarding: without a recovered hostname we have no
		// target, since we're only in path due to DNS hijack (§4.H step 1).
		log.Debug("thp[%s]: sniff inconclusive: %v", connID, err)
		s.count("sniff_unknown")
		return
	}

	target := net.JoinHostPort(result.Name, strconv.Itoa(port))

	handle, err := s.cfg.Pool.Select(result.Name)
	if err != nil {
		log.Debug("thp[%s]: select for %s: %s", connID, target, err)
		s.count("no_upstream")
		return
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	outbound, err := handle.Dial(dialCtx, result.Name, port)
	cancel()
	if err != nil {
		log.Debug("thp[%s]: dial %s via %s: %s", connID, target, handle.Descriptor, err)
		s.count("dial_error")
		return
	}
	defer func() { _ = outbound.Close() }()

	if _, err = outbound.Write(result.Preamble); err != nil {
		log.Debug("thp[%s]: writing preamble to %s: %s", connID, target, err)
		return
	}

	s.count("connections")
	log.Info("thp[%s]: proxying %s via %s", connID, utils.ShortText(target, 50), handle.Descriptor)
	splice(conn, outbound, s.cfg.IdleTimeout)
}

func (s *Server) count(key string) {
	if s.cfg.Stats != nil {
		s.cfg.Stats.Increment("thp::" + key)
	}
}

// deadlineConn is satisfied by both net.Conn and tunnel.Stream's underlying
// connection; splice uses it to reset idle deadlines on activity.
type deadlineConn interface {
	io.ReadWriteCloser
	SetDeadline(time.Time) error
}

// halfCloser is implemented by connections that can shut down their write
// side without closing the whole socket (§4.H step 5).
type halfCloser interface {
	CloseWrite() error
}

// splice copies bytes bidirectionally between client and outbound,
// propagating half-close and enforcing an idle timeout across both
// directions (§4.H steps 5-6, §8 invariant 5 byte preservation).
func splice(client net.Conn, outbound io.ReadWriteCloser, idleTimeout time.Duration) {
	var wg sync.WaitGroup
	wg.Add(2)

	// resetIdle pushes the deadline of both sides forward, so activity in
	// either direction keeps the whole splice alive.
	resetIdle := func() {
		if idleTimeout <= 0 {
			return
		}

		deadline := time.Now().Add(idleTimeout)
		_ = client.SetDeadline(deadline)
		if dc, ok := outbound.(deadlineConn); ok {
			_ = dc.SetDeadline(deadline)
		}
	}

	copyDir := func(dst io.Writer, src io.Reader, dstHalfClose func()) {
		defer wg.Done()

		buf := make([]byte, 32*1024)
		for {
			resetIdle()

			n, err := src.Read(buf)
			if n > 0 {
				if _, werr := dst.Write(buf[:n]); werr != nil {
					return
				}
			}

			if err != nil {
				dstHalfClose()
				return
			}
		}
	}

	go copyDir(outbound, client, func() {
		if hc, ok := outbound.(halfCloser); ok {
			_ = hc.CloseWrite()
		}
	})

	go copyDir(client, outbound, func() {
		// client is a *net.TCPConn in practice, which implements
		// CloseWrite via net.Conn's underlying type.
		if hc, ok := any(client).(halfCloser); ok {
			_ = hc.CloseWrite()
		}
	})

	wg.Wait()
}
