package filed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"pkt.systems/pslog"

	"pkt.systems/filed/api"
	"pkt.systems/filed/internal/core"
	"pkt.systems/filed/internal/logutil"
	"pkt.systems/filed/internal/metrics"
	"pkt.systems/filed/internal/storage"
	"pkt.systems/filed/internal/wire"
)

// Server bundles the protocol listener, the file authority, the storage
// backend, and the optional metrics listener and store watcher.
type Server struct {
	cfg          Config
	logger       pslog.Logger
	backend      storage.Backend
	ownedBackend bool
	svc          *core.Service
	metrics      *metrics.Metrics
	registry     *prometheus.Registry

	listener   net.Listener
	metricsSrv *http.Server
	watcher    *storeWatcher
	socketPath string

	mu           sync.Mutex
	shutdown     bool
	conns        map[net.Conn]struct{}
	connWG       sync.WaitGroup
	lastServeErr error

	readyOnce sync.Once
	readyCh   chan struct{}
}

// Option configures server instances.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Backend storage.Backend
}

// WithLogger supplies a custom logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) {
		o.Logger = l
	}
}

// WithBackend injects a pre-built storage backend (useful for tests).
func WithBackend(b storage.Backend) Option {
	return func(o *options) {
		o.Backend = b
	}
}

// NewServer constructs a filed server according to cfg.
// Example:
//
//	cfg := filed.Config{Store: "mem://", Listen: ":9450"}
//	srv, err := filed.NewServer(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Start()
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := logutil.Ensure(o.Logger)
	backend := o.Backend
	ownedBackend := false
	if backend == nil {
		var err error
		backend, err = openBackend(cfg)
		if err != nil {
			return nil, err
		}
		ownedBackend = true
	}
	var registry *prometheus.Registry
	var reg prometheus.Registerer
	if cfg.MetricsListen != "" {
		registry = prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		reg = registry
	}
	m := metrics.New(reg)
	svc := core.New(core.Config{
		Store:      backend,
		Logger:     logger,
		Metrics:    m,
		OutboxSize: cfg.OutboxSize,
	})
	return &Server{
		cfg:          cfg,
		logger:       logutil.WithSubsystem(logger, "server"),
		backend:      backend,
		ownedBackend: ownedBackend,
		svc:          svc,
		metrics:      m,
		registry:     registry,
		conns:        make(map[net.Conn]struct{}),
		readyCh:      make(chan struct{}),
	}, nil
}

// Service exposes the file authority so filed can be embedded into another
// program alongside its own transport.
func (s *Server) Service() *core.Service {
	return s.svc
}

// Start seeds the file registry from the backend and serves protocol
// connections until Shutdown is called. It blocks for the lifetime of the
// listener.
func (s *Server) Start() error {
	seeded, err := s.svc.LoadFiles(context.Background())
	if err != nil {
		return fmt.Errorf("seed file registry: %w", err)
	}
	if s.cfg.ListenProto == "unix" {
		if err := os.Remove(s.cfg.Listen); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale unix socket: %w", err)
		}
	}
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("listen (%s %s): %w", s.cfg.ListenProto, s.cfg.Listen, err)
	}
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.listener = ln
	if s.cfg.ListenProto == "unix" {
		s.socketPath = s.cfg.Listen
	}
	s.mu.Unlock()
	if err := s.startWatcher(); err != nil {
		_ = ln.Close()
		return err
	}
	if err := s.startMetrics(); err != nil {
		_ = ln.Close()
		return err
	}
	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "store", s.cfg.Store, "files", seeded)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isShutdown() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		s.mu.Lock()
		if s.shutdown {
			s.mu.Unlock()
			_ = conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.connWG.Add(1)
		s.mu.Unlock()
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.connWG.Done()
	defer s.forgetConn(conn)
	codec := wire.NewCodec(conn, s.cfg.MaxMessageBytes)
	sess := s.svc.Register()
	logger := s.logger.With("session", sess.ID(), "remote", conn.RemoteAddr().String())
	logger.Debug("conn.open")

	var writerWG sync.WaitGroup
	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		failed := false
		for event := range sess.Outbox() {
			if failed {
				continue
			}
			if err := codec.WriteJSON(event); err != nil {
				logger.Debug("notify.write.fail", "error", err)
				failed = true
				_ = conn.Close()
			}
		}
	}()

	ctx := context.Background()
	for {
		frame, err := codec.ReadFrame()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				logger.Debug("conn.read.fail", "error", err)
			}
			break
		}
		var req api.Request
		if err := json.Unmarshal(frame, &req); err != nil || req.Type == "" {
			logger.Warn("conn.malformed", "bytes", len(frame))
			if err := codec.WriteJSON(api.NewResponse(api.TypeError, api.StatusInvalid, "malformed message", nil)); err != nil {
				break
			}
			continue
		}
		resp := s.svc.Handle(ctx, sess, req)
		if err := codec.WriteJSON(resp); err != nil {
			logger.Debug("conn.write.fail", "error", err)
			break
		}
	}
	// Disconnect closes the outbox, which ends the writer goroutine.
	s.svc.Disconnect(sess)
	writerWG.Wait()
	_ = conn.Close()
	logger.Debug("conn.close")
}

func (s *Server) forgetConn(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) startWatcher() error {
	if !s.cfg.WatchStore {
		return nil
	}
	dirBackend, ok := s.backend.(interface{ Dir() string })
	if !ok {
		return fmt.Errorf("watch-store requires a disk store")
	}
	watcher, err := newStoreWatcher(dirBackend.Dir(), s.svc, logutil.WithSubsystem(s.logger, "watcher"))
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.watcher = watcher
	s.mu.Unlock()
	return nil
}

func (s *Server) startMetrics() error {
	if s.cfg.MetricsListen == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: s.cfg.MetricsListen, Handler: mux}
	ln, err := net.Listen("tcp", s.cfg.MetricsListen)
	if err != nil {
		return fmt.Errorf("metrics listen (%s): %w", s.cfg.MetricsListen, err)
	}
	s.mu.Lock()
	s.metricsSrv = srv
	s.mu.Unlock()
	s.logger.Info("metrics listening", "address", ln.Addr().String())
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.recordServeErr(fmt.Errorf("metrics serve: %w", err))
		}
	}()
	return nil
}

// Shutdown stops the listeners, disconnects every session, and releases the
// backend. The returned error is nil for clean shutdowns.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	listener := s.listener
	s.listener = nil
	metricsSrv := s.metricsSrv
	s.metricsSrv = nil
	watcher := s.watcher
	s.watcher = nil
	open := make([]net.Conn, 0, len(s.conns))
	for conn := range s.conns {
		open = append(open, conn)
	}
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	if watcher != nil {
		_ = watcher.Close()
	}
	for _, conn := range open {
		_ = conn.Close()
	}
	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	if metricsSrv != nil {
		shutdownCtx := ctx
		if shutdownCtx.Err() != nil {
			var cancel context.CancelFunc
			shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics shutdown: %w", err)
		}
	}
	if s.ownedBackend {
		if err := s.backend.Close(); err != nil {
			return err
		}
	}
	if s.cfg.ListenProto == "unix" && s.socketPath != "" {
		if err := os.Remove(s.socketPath); err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return s.LastServeError()
}

// Close gracefully shuts the server down using a background context.
func (s *Server) Close() error {
	return s.Shutdown(context.Background())
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.shutdown
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() {
		close(s.readyCh)
	})
}

// WaitUntilReady blocks until the server listener is initialized or context ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr()
	}
	return nil
}

func (s *Server) recordServeErr(err error) {
	s.mu.Lock()
	if s.lastServeErr == nil {
		s.lastServeErr = err
	}
	s.mu.Unlock()
}

// LastServeError reports the first fatal serve error observed, if any.
func (s *Server) LastServeError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastServeErr
}
