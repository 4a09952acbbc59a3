// Package server owns the listening sockets and the per-connection
// goroutines. Each accepted connection carries exactly one exchange, which is
// delegated to a ConnHandler; the server closes the connection afterwards.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime/debug"
	"sync"
	"syscall"
	"time"

	"example.com/onionhttp/internal/config"
	"example.com/onionhttp/internal/logger"
	"example.com/onionhttp/internal/util"
)

// ErrServerClosed is returned by Serve after Shutdown has been called.
var ErrServerClosed = errors.New("server closed")

// ConnHandler serves a single exchange on an accepted connection. It must
// not close conn.
type ConnHandler interface {
	ServeConn(ctx context.Context, conn net.Conn) error
}

// trackedConn closes the underlying connection at most once, whichever of
// the connection goroutine or a forced shutdown gets there first.
type trackedConn struct {
	net.Conn
	once     sync.Once
	closeErr error
}

func (c *trackedConn) close() error {
	c.once.Do(func() { c.closeErr = c.Conn.Close() })
	return c.closeErr
}

// Server manages listeners, accepted connections and graceful shutdown.
type Server struct {
	cfg             *config.Config
	log             *logger.Logger
	handler         ConnHandler
	shutdownTimeout time.Duration

	baseCtx context.Context
	cancel  context.CancelFunc

	mu         sync.Mutex
	listeners  []net.Listener
	conns      map[*trackedConn]struct{}
	inShutdown bool
	connWG     sync.WaitGroup
}

// NewServer validates its arguments and returns a Server that has not yet
// opened any listener.
func NewServer(cfg *config.Config, lg *logger.Logger, handler ConnHandler) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if lg == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if handler == nil {
		return nil, fmt.Errorf("connection handler cannot be nil")
	}
	timeout := 30 * time.Second
	if cfg.Server != nil {
		lim, err := cfg.Server.Limits()
		if err != nil {
			return nil, err
		}
		if lim.GracefulShutdownTimeout > 0 {
			timeout = lim.GracefulShutdownTimeout
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:             cfg,
		log:             lg,
		handler:         handler,
		shutdownTimeout: timeout,
		baseCtx:         ctx,
		cancel:          cancel,
		conns:           make(map[*trackedConn]struct{}),
	}, nil
}

// Listen opens the server's listeners. Descriptors inherited through
// LISTEN_FDS take precedence over server.address.
func (s *Server) Listen() error {
	inherited, err := util.GetInheritedListeners()
	if err != nil {
		return fmt.Errorf("error using inherited listeners from %s: %w", util.ListenFdsEnvKey, err)
	}
	if len(inherited) > 0 {
		for _, l := range inherited {
			if !s.trackListener(l) {
				l.Close()
				return ErrServerClosed
			}
			s.log.Info("Using inherited listener", logger.LogFields{"address": l.Addr().String()})
		}
		return nil
	}

	if s.cfg.Server == nil || s.cfg.Server.Address == nil || *s.cfg.Server.Address == "" {
		return fmt.Errorf("server listen address (server.address) is not configured")
	}
	address := *s.cfg.Server.Address
	l, err := util.CreateListener("tcp", address)
	if err != nil {
		return fmt.Errorf("failed to create listener on %s: %w", address, err)
	}
	if !s.trackListener(l) {
		l.Close()
		return ErrServerClosed
	}
	s.log.Info("Listening", logger.LogFields{"address": l.Addr().String()})
	return nil
}

// Addrs returns the addresses of the open listeners.
func (s *Server) Addrs() []net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	addrs := make([]net.Addr, 0, len(s.listeners))
	for _, l := range s.listeners {
		addrs = append(addrs, l.Addr())
	}
	return addrs
}

func (s *Server) trackListener(l net.Listener) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown {
		return false
	}
	for _, existing := range s.listeners {
		if existing == l {
			return true
		}
	}
	s.listeners = append(s.listeners, l)
	return true
}

// Start opens the listeners, serves them and blocks until SIGINT or SIGTERM
// triggers a graceful shutdown, Shutdown is called, or a listener fails.
// SIGHUP reopens the log files.
func (s *Server) Start() error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigs)

	if err := s.Listen(); err != nil {
		return err
	}
	s.mu.Lock()
	listeners := append([]net.Listener(nil), s.listeners...)
	s.mu.Unlock()

	serveErrs := make(chan error, len(listeners))
	for _, l := range listeners {
		go func(l net.Listener) { serveErrs <- s.Serve(l) }(l)
	}

	for open := len(listeners); ; {
		select {
		case sig := <-sigs:
			if sig == syscall.SIGHUP {
				if err := s.log.ReopenLogFiles(); err != nil {
					s.log.Error("Failed to reopen log files", logger.LogFields{"error": err.Error()})
				} else {
					s.log.Info("Reopened log files", nil)
				}
				continue
			}
			s.log.Info("Received signal, shutting down", logger.LogFields{"signal": sig.String(), "timeout": s.shutdownTimeout.String()})
			return s.shutdownWithTimeout()
		case err := <-serveErrs:
			if errors.Is(err, ErrServerClosed) {
				// Shutdown was called directly.
				if open--; open == 0 {
					return nil
				}
				continue
			}
			s.log.Error("Listener failed, shutting down", logger.LogFields{"error": err.Error()})
			return errors.Join(err, s.shutdownWithTimeout())
		}
	}
}

func (s *Server) shutdownWithTimeout() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	return s.Shutdown(ctx)
}

// Serve accepts connections on l until Shutdown is called or a
// non-temporary accept error occurs. Temporary errors back off
// exponentially.
func (s *Server) Serve(l net.Listener) error {
	if !s.trackListener(l) {
		return ErrServerClosed
	}
	var backoff time.Duration
	for {
		conn, err := l.Accept()
		if err != nil {
			if s.shuttingDown() {
				return ErrServerClosed
			}
			if util.IsTemporaryAcceptError(err) {
				backoff = util.NextAcceptBackoff(backoff)
				s.log.Warn("Temporary accept error, retrying", logger.LogFields{"error": err.Error(), "backoff": backoff.String()})
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept on %s failed: %w", l.Addr(), err)
		}
		backoff = 0

		tc := &trackedConn{Conn: conn}
		if !s.trackConn(tc) {
			tc.close()
			return ErrServerClosed
		}
		go s.handleConn(tc)
	}
}

func (s *Server) shuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inShutdown
}

func (s *Server) trackConn(c *trackedConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inShutdown {
		return false
	}
	s.conns[c] = struct{}{}
	s.connWG.Add(1)
	return true
}

func (s *Server) untrackConn(c *trackedConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
	s.connWG.Done()
}

func (s *Server) handleConn(c *trackedConn) {
	remote := c.RemoteAddr().String()
	defer s.untrackConn(c)
	defer func() {
		if err := c.close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.log.Debug("Error closing connection", logger.LogFields{"remote_addr": remote, "error": err.Error()})
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("Panic while serving connection", logger.LogFields{
				"remote_addr": remote,
				"panic":       fmt.Sprint(r),
				"stack":       string(debug.Stack()),
			})
		}
	}()

	if err := s.handler.ServeConn(s.baseCtx, c.Conn); err != nil {
		s.log.Debug("Exchange ended with error", logger.LogFields{"remote_addr": remote, "error": err.Error()})
	}
}

// Shutdown stops accepting, then waits for in-flight exchanges until ctx is
// done. Remaining connections are then cancelled and closed.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.inShutdown = true
	listeners := s.listeners
	s.listeners = nil
	s.mu.Unlock()

	var errs []error
	for _, l := range listeners {
		if err := l.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			errs = append(errs, fmt.Errorf("failed to close listener %s: %w", l.Addr(), err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.mu.Lock()
		n := len(s.conns)
		s.mu.Unlock()
		s.log.Warn("Graceful shutdown timed out, closing connections", logger.LogFields{"connections": n})
		s.cancel()
		s.closeConns()
		<-done
		errs = append(errs, ctx.Err())
	}
	s.cancel()
	s.log.Info("Server stopped", nil)
	return errors.Join(errs...)
}

func (s *Server) closeConns() {
	s.mu.Lock()
	conns := make([]*trackedConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}
