package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aeolun/huddle/pkg/database"
	"github.com/aeolun/huddle/pkg/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Server accepts connections and runs one goroutine per connection through
// the auth gate and then the receive loop.
type Server struct {
	store    database.Store
	registry *Registry
	groups   *GroupManager
	router   *Router
	config   ServerConfig
	logger   *zap.Logger
	metrics  *Metrics

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	ctx      context.Context
	cancel   context.CancelFunc
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup // background loops
	connWG   sync.WaitGroup // connection goroutines

	connsMu sync.Mutex
	conns   map[FrameConn]struct{}

	// Connection deltas for periodic reporting
	connectionsSinceReport    atomic.Int64
	disconnectionsSinceReport atomic.Int64
}

// NewServer wires the broker components around store. metrics may be nil.
func NewServer(store database.Store, config ServerConfig, logger *zap.Logger, metrics *Metrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	registry := NewRegistry(logger.Named("registry"), metrics)
	groups := NewGroupManager(store, registry, logger.Named("groups"), metrics)
	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		store:    store,
		registry: registry,
		groups:   groups,
		router:   NewRouter(store, registry, groups, logger.Named("router"), metrics),
		config:   config,
		logger:   logger,
		metrics:  metrics,
		ctx:      ctx,
		cancel:   cancel,
		shutdown: make(chan struct{}),
		conns:    make(map[FrameConn]struct{}),
	}
}

// Start binds the TCP listener and the optional HTTP endpoints, then begins
// accepting connections.
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.TCPPort)
	var lc net.ListenConfig
	listener, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener
	s.logger.Info("TCP server listening", zap.Stringer("addr", listener.Addr()))

	// Metrics HTTP server (internal only - never expose publicly)
	if s.config.MetricsPort > 0 && s.metrics != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", s.metrics.Handler())
		mux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go s.serveHTTP(s.metricsServer, "metrics")
	}

	// Public websocket endpoint
	if s.config.HTTPPort > 0 {
		mux := http.NewServeMux()
		mux.HandleFunc("/ws", s.HandleWebSocket)
		s.httpServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.HTTPPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go s.serveHTTP(s.httpServer, "websocket")
	}

	if s.config.MetricsLogInterval > 0 {
		s.wg.Add(1)
		go s.metricsLoggingLoop()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return nil
}

func (s *Server) serveHTTP(srv *http.Server, name string) {
	s.logger.Info("HTTP server listening", zap.String("server", name), zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.logger.Error("HTTP server error", zap.String("server", name), zap.Error(err))
	}
}

// Addr returns the TCP listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop stops accepting, closes every connection, waits for their goroutines
// and closes the store.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		s.logger.Info("graceful shutdown initiated")
		// Under connsMu so no trackConn can add to connWG once Wait may run.
		s.connsMu.Lock()
		close(s.shutdown)
		s.connsMu.Unlock()

		if s.listener != nil {
			s.listener.Close()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for _, srv := range []*http.Server{s.httpServer, s.metricsServer} {
			if srv != nil {
				srv.Shutdown(shutdownCtx)
			}
		}

		s.closeAllConns()
		s.connWG.Wait()
		s.cancel()
		s.wg.Wait()

		if cerr := s.store.Close(); cerr != nil {
			s.logger.Error("error during database close", zap.Error(cerr))
			err = cerr
			return
		}
		s.logger.Info("graceful shutdown complete")
	})
	return err
}

// acceptLoop accepts incoming connections
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
				s.logger.Warn("accept error", zap.Error(err))
				continue
			}
		}

		// Disable Nagle's algorithm so each frame leaves in its own segment
		if tcpConn, ok := conn.(*net.TCPConn); ok {
			tcpConn.SetNoDelay(true)
		}

		go s.handleConnection(NewSafeConn(conn, s.config.MaxFrameSize, s.config.WriteTimeout, s.config.IdleTimeout), "tcp")
	}
}

// ServeConn runs an already established stream connection, such as one end
// of a net.Pipe, until it closes. It blocks.
func (s *Server) ServeConn(conn net.Conn) {
	s.handleConnection(NewSafeConn(conn, s.config.MaxFrameSize, s.config.WriteTimeout, s.config.IdleTimeout), "stream")
}

// handleConnection owns conn for its whole life: auth gate, receive loop,
// cleanup. Once Stop has begun the connection is closed straight away.
func (s *Server) handleConnection(conn FrameConn, transport string) {
	logger := s.logger.With(
		zap.String("conn", uuid.NewString()),
		zap.String("transport", transport),
		zap.Stringer("remote", conn.RemoteAddr()))

	if !s.trackConn(conn) {
		conn.Close()
		return
	}
	defer s.untrackConn(conn)
	defer conn.Close()

	s.connectionsSinceReport.Add(1)
	s.metrics.RecordConnection(transport)
	logger.Debug("new connection")

	name, ok := s.authenticate(s.ctx, conn, logger)
	if !ok {
		return
	}
	s.messageLoop(conn, logger.With(zap.String("name", name)))
}

// messageLoop reads frames until the transport fails. Any read error or
// empty read ends the session.
func (s *Server) messageLoop(conn FrameConn, logger *zap.Logger) {
	for {
		raw, err := conn.ReadFrame()
		if err != nil {
			name, live := s.registry.Deregister(conn)
			s.disconnectionsSinceReport.Add(1)
			if errors.Is(err, io.EOF) {
				logger.Debug("client disconnected", zap.String("identity", name), zap.Bool("live", live))
			} else {
				logger.Debug("read error", zap.String("identity", name), zap.Bool("live", live), zap.Error(err))
			}
			return
		}
		s.handleFrame(conn, raw, logger)
	}
}

// handleFrame routes one frame. Errors and panics are logged and the
// connection stays up.
func (s *Server) handleFrame(conn FrameConn, raw string, logger *zap.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("panic while handling frame", zap.Any("panic", r), zap.Stack("stack"))
		}
	}()

	in := protocol.ParseInbound(raw)
	s.metrics.RecordFrame(in.Kind.String())

	if err := s.router.Route(s.ctx, conn, in); err != nil {
		if errors.Is(err, ErrNoActiveGroup) {
			logger.Debug("frame dropped", zap.Stringer("kind", in.Kind), zap.Error(err))
			return
		}
		logger.Warn("frame failed", zap.Stringer("kind", in.Kind), zap.Error(err))
	}
}

// trackConn registers conn with Stop's wait group. It refuses once shutdown
// is closed, which happens under the same lock.
func (s *Server) trackConn(conn FrameConn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	select {
	case <-s.shutdown:
		return false
	default:
	}
	s.connWG.Add(1)
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrackConn(conn FrameConn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
	s.connWG.Done()
}

func (s *Server) closeAllConns() {
	s.connsMu.Lock()
	conns := make([]FrameConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()

	s.logger.Info("closing client connections", zap.Int("count", len(conns)))
	for _, c := range conns {
		c.Close()
	}
}

// HealthHandler reports whether the store answers.
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		http.Error(w, "database unavailable", http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	fmt.Fprintf(w, "ok sessions=%d\n", s.registry.Count())
}

// Stats is a point-in-time summary for logs and tests.
type Stats struct {
	OnlineUsers int
	OpenConns   int
	Goroutines  int
}

func (s *Server) GetStats() Stats {
	s.connsMu.Lock()
	open := len(s.conns)
	s.connsMu.Unlock()
	return Stats{
		OnlineUsers: s.registry.Count(),
		OpenConns:   open,
		Goroutines:  runtime.NumGoroutine(),
	}
}

// metricsLoggingLoop periodically logs key metrics
func (s *Server) metricsLoggingLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			stats := s.GetStats()
			s.logger.Info("stats",
				zap.Int("online", stats.OnlineUsers),
				zap.Int("open_conns", stats.OpenConns),
				zap.Int64("connected_since_last", s.connectionsSinceReport.Swap(0)),
				zap.Int64("disconnected_since_last", s.disconnectionsSinceReport.Swap(0)),
				zap.Int("goroutines", stats.Goroutines))
		}
	}
}
