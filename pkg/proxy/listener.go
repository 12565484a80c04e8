// Package proxy provides the shared listener infrastructure: TCP and HTTP
// listener lifecycle with bounded drain, a liveness registry, and the
// enumeration-safe mapping from internal errors to client-visible ones.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vaultlink-inc/vaultlink-gateway/pkg/logging"
)

// Listener is one protocol endpoint with independent lifecycle. Listeners
// start and stop independently: one failing never takes down the others.
type Listener interface {
	Name() string
	Start() error
	Shutdown(ctx context.Context) error
}

// ConnHandler serves one client connection. The handler owns the connection
// and must close it; ctx is cancelled when the listener shuts down.
type ConnHandler func(ctx context.Context, conn net.Conn)

// TCPListener runs an accept loop and one goroutine per connection. Shutdown
// stops accepting, waits for in-flight connections up to the grace period,
// then force-closes stragglers.
type TCPListener struct {
	name    string
	addr    string
	handler ConnHandler
	logger  *zap.Logger

	mu       sync.Mutex
	ln       net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	stopping bool
}

// NewTCPListener creates a TCP listener for the given address.
func NewTCPListener(name, addr string, handler ConnHandler, logger *zap.Logger) *TCPListener {
	return &TCPListener{
		name:    name,
		addr:    addr,
		handler: handler,
		conns:   make(map[net.Conn]struct{}),
		logger:  logger.Named(name),
	}
}

func (l *TCPListener) Name() string { return l.name }

// Start binds the port and runs the accept loop until Shutdown.
func (l *TCPListener) Start() error {
	ln, err := net.Listen("tcp", l.addr)
	if err != nil {
		return fmt.Errorf("listener %s failed to bind %s: %w", l.name, l.addr, err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	l.mu.Lock()
	l.ln = ln
	l.cancel = cancel
	l.mu.Unlock()

	l.logger.Info("listener started", zap.String("addr", l.addr))

	go l.acceptLoop(ctx, ln)
	return nil
}

func (l *TCPListener) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			l.mu.Lock()
			stopping := l.stopping
			l.mu.Unlock()
			if stopping || errors.Is(err, net.ErrClosed) {
				return
			}
			l.logger.Warn("accept failed", zap.String("error", logging.SanitizeError(err)))
			continue
		}

		l.mu.Lock()
		if l.stopping {
			l.mu.Unlock()
			conn.Close() //nolint:errcheck
			return
		}
		l.conns[conn] = struct{}{}
		l.wg.Add(1)
		l.mu.Unlock()

		go func() {
			defer l.wg.Done()
			defer func() {
				l.mu.Lock()
				delete(l.conns, conn)
				l.mu.Unlock()
			}()
			l.handler(ctx, conn)
		}()
	}
}

// Shutdown drains in-flight connections. After ctx's deadline the remaining
// connections are force-closed.
func (l *TCPListener) Shutdown(ctx context.Context) error {
	l.mu.Lock()
	if l.stopping {
		l.mu.Unlock()
		return nil
	}
	l.stopping = true
	ln := l.ln
	cancel := l.cancel
	l.mu.Unlock()

	if ln != nil {
		ln.Close() //nolint:errcheck
	}
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		l.logger.Info("listener drained")
		return nil
	case <-ctx.Done():
		l.mu.Lock()
		for conn := range l.conns {
			conn.Close() //nolint:errcheck
		}
		remaining := len(l.conns)
		l.mu.Unlock()
		l.logger.Warn("listener shutdown deadline reached, force-closed connections",
			zap.Int("count", remaining))
		return ctx.Err()
	}
}

// HTTPListener wraps an http.Server with the same lifecycle semantics as
// TCPListener.
type HTTPListener struct {
	name   string
	server *http.Server
	logger *zap.Logger
}

// NewHTTPListener creates an HTTP listener serving handler on addr.
func NewHTTPListener(name, addr string, handler http.Handler, logger *zap.Logger) *HTTPListener {
	return &HTTPListener{
		name: name,
		server: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.Named(name),
	}
}

func (l *HTTPListener) Name() string { return l.name }

func (l *HTTPListener) Start() error {
	ln, err := net.Listen("tcp", l.server.Addr)
	if err != nil {
		return fmt.Errorf("listener %s failed to bind %s: %w", l.name, l.server.Addr, err)
	}

	l.logger.Info("listener started", zap.String("addr", l.server.Addr))

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("server stopped", zap.String("error", logging.SanitizeError(err)))
		}
	}()
	return nil
}

func (l *HTTPListener) Shutdown(ctx context.Context) error {
	err := l.server.Shutdown(ctx)
	if err != nil {
		l.logger.Warn("listener shutdown deadline reached", zap.String("error", logging.SanitizeError(err)))
		return err
	}
	l.logger.Info("listener drained")
	return nil
}

// Group runs a set of listeners with one Shutdown fan-out.
type Group struct {
	mu        sync.Mutex
	listeners []Listener
	logger    *zap.Logger
}

// NewGroup creates an empty listener group.
func NewGroup(logger *zap.Logger) *Group {
	return &Group{logger: logger}
}

// Add registers a listener with the group.
func (g *Group) Add(l Listener) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.listeners = append(g.listeners, l)
}

// Names returns the names of every registered listener.
func (g *Group) Names() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	names := make([]string, 0, len(g.listeners))
	for _, l := range g.listeners {
		names = append(names, l.Name())
	}
	return names
}

// Start starts every listener. The first bind failure stops the startup and
// is returned; listeners already started keep running so the caller can shut
// them down cleanly.
func (g *Group) Start() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, l := range g.listeners {
		if err := l.Start(); err != nil {
			return err
		}
	}
	return nil
}

// Shutdown drains every listener concurrently within the shared deadline.
func (g *Group) Shutdown(ctx context.Context) {
	g.mu.Lock()
	listeners := make([]Listener, len(g.listeners))
	copy(listeners, g.listeners)
	g.mu.Unlock()

	var wg sync.WaitGroup
	for _, l := range listeners {
		wg.Add(1)
		go func(l Listener) {
			defer wg.Done()
			if err := l.Shutdown(ctx); err != nil {
				g.logger.Warn("listener did not drain cleanly",
					zap.String("listener", l.Name()),
					zap.String("error", logging.SanitizeError(err)))
			}
		}(l)
	}
	wg.Wait()
}
