// Package listener binds the gateway entrypoints and serves one handler
// across all of them.
package listener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"sync"
	"time"

	"github.com/fabian4/ipam-gateway/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Network picks the listen network for addr. IPv4 literals bind tcp4 and
// IPv6 literals bind tcp6 (v6-only), so "0.0.0.0:p" and "[::]:p" can share
// a port. Empty hosts and names use tcp.
func Network(addr string) (string, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return "", fmt.Errorf("listen address %q: %w", addr, err)
	}
	if host == "" {
		return "tcp", nil
	}
	ip, err := netip.ParseAddr(host)
	if err != nil {
		return "tcp", nil
	}
	if ip.Is4() || ip.Is4In6() {
		return "tcp4", nil
	}
	return "tcp6", nil
}

// Bound is an open entrypoint socket.
type Bound struct {
	Name    string
	Network string
	net.Listener
}

// Listen opens every entrypoint. On failure the sockets already opened are closed.
func Listen(ctx context.Context, eps []config.Listener) ([]Bound, error) {
	var lc net.ListenConfig
	out := make([]Bound, 0, len(eps))
	for _, ep := range eps {
		network, err := Network(ep.Address)
		if err != nil {
			closeAll(out)
			return nil, err
		}
		ln, err := lc.Listen(ctx, network, ep.Address)
		if err != nil {
			closeAll(out)
			return nil, fmt.Errorf("listen %s %s: %w", network, ep.Address, err)
		}
		out = append(out, Bound{Name: ep.Name, Network: network, Listener: ln})
	}
	return out, nil
}

func closeAll(bs []Bound) {
	for _, b := range bs {
		_ = b.Close()
	}
}

// ConnTracker is told when client connections open and close on a listener.
type ConnTracker interface {
	IncActiveConns(listener string)
	DecActiveConns(listener string)
}

// Server runs a single http.Server on several listeners.
type Server struct {
	srv       *http.Server
	listeners []Bound
	conns     ConnTracker
}

// NewServer wires h behind the given listeners. conns may be nil.
func NewServer(h http.Handler, t config.Timeouts, lns []Bound, conns ConnTracker) *Server {
	s := &Server{listeners: lns, conns: conns}
	s.srv = &http.Server{
		Handler:           h,
		ReadTimeout:       t.Read,
		ReadHeaderTimeout: readHeaderTimeout,
		WriteTimeout:      t.Write,
		IdleTimeout:       t.Idle,
		ErrorLog:          slog.NewLogLogger(slog.Default().Handler(), slog.LevelWarn),
	}
	if conns != nil {
		s.srv.ConnState = s.trackConn
	}
	return s
}

type namedConn struct {
	net.Conn
	listener string
}

type namedListener struct {
	net.Listener
	name string
}

func (l namedListener) Accept() (net.Conn, error) {
	c, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return &namedConn{Conn: c, listener: l.name}, nil
}

func (s *Server) trackConn(c net.Conn, state http.ConnState) {
	nc, ok := c.(*namedConn)
	if !ok {
		return
	}
	switch state {
	case http.StateNew:
		s.conns.IncActiveConns(nc.listener)
	case http.StateHijacked, http.StateClosed:
		s.conns.DecActiveConns(nc.listener)
	}
}

// Serve blocks until ctx is done or a listener fails, then shuts the server
// down gracefully. It returns the first listener error, if any.
func (s *Server) Serve(ctx context.Context) error {
	if len(s.listeners) == 0 {
		return errors.New("no listeners")
	}
	errCh := make(chan error, len(s.listeners))
	var wg sync.WaitGroup
	for _, b := range s.listeners {
		slog.Info("listening", "entrypoint", b.Name, "network", b.Network, "address", b.Addr().String())
		wg.Add(1)
		go func(b Bound) {
			defer wg.Done()
			if err := s.srv.Serve(namedListener{Listener: b.Listener, name: b.Name}); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", b.Name, err)
			}
		}(b)
	}

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("graceful shutdown incomplete", "error", err)
	}
	wg.Wait()
	return serveErr
}
