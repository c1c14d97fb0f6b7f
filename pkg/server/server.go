// Package server accepts TCP connections and serves each of them with a stream.Handler.
package server

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/AutoMQ/streamio/pkg/stream"
	"github.com/AutoMQ/streamio/pkg/transport"
	"github.com/AutoMQ/streamio/pkg/util/traceutil"
)

// ErrServerClosed is returned by the Server's Serve and ListenAndServe methods
// after a call to Shutdown.
var ErrServerClosed = errors.New("server closed")

// Config is the configuration of a Server.
type Config struct {
	// Limit is the buffer limit of the Reader of each connection. Zero means stream.DefaultLimit.
	Limit     int
	Transport transport.Config
}

// Server serves stream connections.
type Server struct {
	shuttingDown atomic.Bool
	handler      stream.Handler
	cfg          Config

	// ctx is the parent of every handler context. It is canceled by Shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	lg     *zap.Logger

	mu        sync.Mutex
	listeners map[*net.Listener]struct{}
	doneChan  chan struct{}

	conns cmap.ConcurrentMap[string, *transport.Conn]

	listenerGroup sync.WaitGroup
	connGroup     sync.WaitGroup
}

// NewServer creates a server. The writer of each connection is closed when its handler returns.
func NewServer(ctx context.Context, handler stream.Handler, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		handler: handler,
		cfg:     cfg,
		lg:      logger,
		conns:   cmap.New[*transport.Conn](),
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	return s
}

// Start listens on the TCP address addr and serves it in a new goroutine. It returns the
// bound address, which is useful when addr has port 0.
func Start(ctx context.Context, addr string, handler stream.Handler, cfg Config, logger *zap.Logger) (*Server, net.Addr, error) {
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "listen on %s", addr)
	}

	s := NewServer(ctx, handler, cfg, logger)
	go func() {
		if err := s.Serve(l); err != nil && err != ErrServerClosed {
			s.lg.Error("server failed", zap.String("addr", l.Addr().String()), zap.Error(err))
		}
	}()
	return s, l.Addr(), nil
}

// ListenAndServe listens on the TCP address addr and then calls Serve.
func (s *Server) ListenAndServe(addr string) error {
	if s.isShuttingDown() {
		return ErrServerClosed
	}
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %s", addr)
	}
	return s.Serve(l)
}

// Serve accepts incoming connections on the Listener l, creating a
// new service goroutine for each. The service goroutines run the handler
// with the Reader and the Writer of the connection.
//
// Serve always returns a non-nil error and closes l.
// After Shutdown, the returned error is ErrServerClosed.
func (s *Server) Serve(l net.Listener) error {
	l = &onceCloseListener{Listener: l}
	defer func() { _ = l.Close() }()

	if !s.trackListener(&l, true) {
		return ErrServerClosed
	}
	defer s.trackListener(&l, false)

	logger := s.lg
	var tempDelay time.Duration // how long to sleep on accept failure
	for {
		rw, err := l.Accept()
		if err != nil {
			select {
			case <-s.getDoneChan():
				return ErrServerClosed
			case <-s.ctx.Done():
				return ErrServerClosed
			default:
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if tempDelay == 0 {
					tempDelay = 5 * time.Millisecond
				} else {
					tempDelay *= 2
				}
				if max := 1 * time.Second; tempDelay > max {
					tempDelay = max
				}
				logger.Error("listener accept failed", zap.Duration("retry-in", tempDelay), zap.Error(err))
				time.Sleep(tempDelay)
				continue
			}
			return err
		}
		tempDelay = 0

		s.serveConn(rw)
	}
}

// Shutdown gracefully shuts down the server. It first closes all open
// listeners, then cancels the context of every handler and waits for
// the connections to close. If the provided context expires before that,
// the remaining connections are aborted and Shutdown returns the context's error.
//
// Once Shutdown has been called on a server, it may not be reused;
// future calls to methods such as Serve will return ErrServerClosed.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := s.lg
	if s.shuttingDown.Swap(true) {
		logger.Warn("server is already shutting down")
		return nil
	}

	logger.Info("start to close server")
	s.mu.Lock()
	// close listeners
	err := s.closeListenersLocked()
	// notify server to break serve loop
	s.closeDoneChanLocked()
	s.mu.Unlock()
	s.listenerGroup.Wait()

	// notify handlers to return
	s.cancel()

	c := make(chan struct{})
	go func() {
		defer close(c)
		s.connGroup.Wait()
	}()
	select {
	case <-c:
	case <-ctx.Done():
		err = ctx.Err()
		s.conns.IterCb(func(_ string, conn *transport.Conn) {
			conn.Abort(ErrServerClosed)
		})
	}

	logger.Info("server closed", zap.Error(err))
	return err
}

// ActiveConns returns the number of connections being served.
func (s *Server) ActiveConns() int {
	return s.conns.Count()
}

func (s *Server) serveConn(rw net.Conn) {
	logger := s.lg.With(zap.String("remote-addr", rw.RemoteAddr().String()))

	p := stream.NewProtocol(s.ctx, s.serveHandler, s.cfg.Limit, logger)
	c := transport.New(rw, p, s.cfg.Transport, logger)
	s.trackConn(c, true)
	c.Start()
	go func() {
		<-c.Done()
		p.Wait()
		s.trackConn(c, false)
	}()
}

func (s *Server) serveHandler(ctx context.Context, r *stream.Reader, w *stream.Writer) {
	defer func() { _ = w.Close() }()
	if id, ok := w.ExtraInfo("conn-id"); ok {
		ctx = traceutil.WithConnID(ctx, id.(string))
	}
	if s.handler != nil {
		s.handler(ctx, r, w)
	}
}

// trackListener adds or removes a net.Listener to the set of tracked
// listeners.
//
// We store a pointer to interface in the map set, in case the
// net.Listener is not comparable. This is safe because we only call
// trackListener via Serve and can track+defer untrack the same
// pointer to local variable there. We never need to compare a
// Listener from another caller.
//
// It reports whether the server is still up (not Shutdown).
func (s *Server) trackListener(ln *net.Listener, add bool) bool {
	logger := s.lg
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listeners == nil {
		s.listeners = make(map[*net.Listener]struct{})
	}
	if add {
		if s.isShuttingDown() {
			return false
		}
		logger.Info("add listener", zap.String("addr", (*ln).Addr().String()))
		s.listeners[ln] = struct{}{}
		s.listenerGroup.Add(1)
	} else {
		logger.Info("delete listener", zap.String("addr", (*ln).Addr().String()))
		delete(s.listeners, ln)
		s.listenerGroup.Done()
	}
	return true
}

func (s *Server) isShuttingDown() bool {
	return s.shuttingDown.Load()
}

func (s *Server) trackConn(c *transport.Conn, add bool) {
	logger := s.lg
	if add {
		logger.Info("add conn", zap.String("conn-id", c.ID()))
		s.conns.Set(c.ID(), c)
		s.connGroup.Add(1)
		s.cfg.Transport.Metrics.ConnOpened()
	} else {
		logger.Info("delete conn", zap.String("conn-id", c.ID()))
		s.conns.Remove(c.ID())
		s.connGroup.Done()
		s.cfg.Transport.Metrics.ConnClosed()
	}
}

func (s *Server) getDoneChan() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getDoneChanLocked()
}

func (s *Server) getDoneChanLocked() chan struct{} {
	if s.doneChan == nil {
		s.doneChan = make(chan struct{})
	}
	return s.doneChan
}

func (s *Server) closeDoneChanLocked() {
	ch := s.getDoneChanLocked()
	select {
	case <-ch:
		// Already closed. Don't close again.
	default:
		// Safe to close here. We're the only closer, guarded
		// by s.mu.
		close(ch)
	}
}

func (s *Server) closeListenersLocked() error {
	var err error
	for ln := range s.listeners {
		if cerr := (*ln).Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// onceCloseListener wraps a net.Listener, protecting it from
// multiple Close calls.
type onceCloseListener struct {
	net.Listener
	once     sync.Once
	closeErr error
}

func (oc *onceCloseListener) Close() error {
	oc.once.Do(oc.close)
	return oc.closeErr
}

func (oc *onceCloseListener) close() {
	oc.closeErr = oc.Listener.Close()
}
