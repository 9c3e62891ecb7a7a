// Package blds wires together the pieces described in SPEC_FULL.md: the
// control-task orchestrator (internal/core), a guarded TCP listener for
// the length-prefixed wire protocol, and the HTTP status/metrics
// surface (internal/httpstatus).
package blds

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	otelprometheus "go.opentelemetry.io/otel/exporters/prometheus"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"golang.org/x/sync/errgroup"

	"pkt.systems/blds/internal/clock"
	"pkt.systems/blds/internal/connguard"
	"pkt.systems/blds/internal/core"
	"pkt.systems/blds/internal/httpstatus"
	"pkt.systems/blds/internal/sourcefile"
	"pkt.systems/blds/internal/svcfields"
	"pkt.systems/pslog"
)

// Server wraps the control-task orchestrator, the client-facing listener,
// and the HTTP status surface.
type Server struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	core          *core.ServerCore
	guard         *connguard.ConnectionGuard
	meterProvider *sdkmetric.MeterProvider

	mu        sync.Mutex
	shutdown  bool
	clientLn  net.Listener
	statusSrv *http.Server
	statusLn  net.Listener
	acceptWG  sync.WaitGroup
	readyOnce sync.Once
	readyCh   chan struct{}

	sem chan struct{} // MaxClients admission control; nil when uncapped
}

// Option configures a Server before construction.
type Option func(*options)

type options struct {
	Logger  pslog.Logger
	Clock   clock.Clock
	Sources core.CreateSourceRegistry
}

// WithLogger supplies a custom base logger.
func WithLogger(l pslog.Logger) Option {
	return func(o *options) { o.Logger = l }
}

// WithClock injects a custom clock implementation (tests).
func WithClock(c clock.Clock) Option {
	return func(o *options) { o.Clock = c }
}

// WithSourceRegistry overrides the default Source-type dispatch table
// (spec.md §4.5). Defaults to sourcefile.Registry.
func WithSourceRegistry(r core.CreateSourceRegistry) Option {
	return func(o *options) { o.Sources = r }
}

// NewServer constructs a BLDS server according to cfg.
func NewServer(cfg Config, opts ...Option) (*Server, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := o.Logger
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	c := o.Clock
	if c == nil {
		c = clock.Real{}
	}
	sources := o.Sources
	if sources == nil {
		sources = sourcefile.Registry(c)
	}

	meterProvider, err := setupMeterProvider(context.Background())
	if err != nil {
		return nil, fmt.Errorf("blds: setup metrics: %w", err)
	}
	metrics := core.NewMetrics(logger)

	sc := core.NewServerCore(logger, c, metrics, sources, core.WithMaxChunkSize(cfg.MaxChunkSizeS))

	guard := connguard.NewConnectionGuard(connguard.ConnectionGuardConfig{
		Enabled:          cfg.GuardFailureThreshold > 0,
		FailureThreshold: cfg.GuardFailureThreshold,
		FailureWindow:    durationSeconds(cfg.GuardFailureWindowS),
		BlockDuration:    durationSeconds(cfg.GuardBlockDurationS),
	}, svcfields.WithSubsystem(logger, "control.connguard"))

	var sem chan struct{}
	if cfg.MaxClients > 0 {
		sem = make(chan struct{}, cfg.MaxClients)
	}

	return &Server{
		cfg:           cfg,
		logger:        svcfields.WithSubsystem(logger, "control.server"),
		clock:         c,
		core:          sc,
		guard:         guard,
		meterProvider: meterProvider,
		readyCh:       make(chan struct{}),
		sem:           sem,
	}, nil
}

func durationSeconds(s float64) time.Duration {
	if s <= 0 {
		return 0
	}
	return time.Duration(s * float64(time.Second))
}

// setupMeterProvider installs a Prometheus-backed OTel MeterProvider as
// the process global, so internal/core's own meter (obtained via
// otel.Meter(...) in metrics.go) reports through it. The registry it
// wraps also backs the /metrics HTTP endpoint (startStatusServer).
func setupMeterProvider(ctx context.Context) (*sdkmetric.MeterProvider, error) {
	res, err := resource.New(ctx,
		resource.WithSchemaURL(semconv.SchemaURL),
		resource.WithAttributes(semconv.ServiceName("blds")),
	)
	if err != nil {
		return nil, fmt.Errorf("build resource: %w", err)
	}
	exporter, err := otelprometheus.New(otelprometheus.WithRegisterer(prometheus.DefaultRegisterer))
	if err != nil {
		return nil, fmt.Errorf("start prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(provider)
	return provider, nil
}

// Start begins serving both the client-facing listener and the HTTP
// status surface, and blocks until the client listener stops (on
// Shutdown or a fatal accept error).
func (s *Server) Start() error {
	ln, err := net.Listen(s.cfg.ListenProto, s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("blds: listen (%s %s): %w", s.cfg.ListenProto, s.cfg.ListenAddr, err)
	}
	s.mu.Lock()
	s.clientLn = s.guard.WrapListener(ln, nil)
	s.mu.Unlock()

	if s.cfg.StatusAddr != "" {
		if err := s.startStatusServer(); err != nil {
			_ = s.clientLn.Close()
			return err
		}
	}

	s.signalReady()
	s.logger.Info("listening", "network", s.cfg.ListenProto, "address", ln.Addr().String(), "max_clients", s.cfg.MaxClients)

	for {
		conn, err := s.clientLn.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.acceptWG.Wait()
				return nil
			}
			return fmt.Errorf("blds: accept: %w", err)
		}
		s.acceptConn(conn)
	}
}

func (s *Server) acceptConn(conn net.Conn) {
	if s.sem != nil {
		select {
		case s.sem <- struct{}{}:
		default:
			s.logger.Warn("session.rejected", "reason", "max_clients", "remote_addr", conn.RemoteAddr().String())
			_ = conn.Close()
			return
		}
	}
	s.acceptWG.Add(1)
	go func() {
		defer s.acceptWG.Done()
		if s.sem != nil {
			defer func() { <-s.sem }()
		}
		s.core.Accept(context.Background(), conn)
	}()
}

func (s *Server) startStatusServer() error {
	ln, err := net.Listen("tcp", s.cfg.StatusAddr)
	if err != nil {
		return fmt.Errorf("blds: status listen (%s): %w", s.cfg.StatusAddr, err)
	}
	mux := httpstatus.NewMux(s.core, svcfields.WithSubsystem(s.logger, "control.httpstatus"), promhttp.Handler())
	srv := &http.Server{Handler: mux}
	s.mu.Lock()
	s.statusSrv = srv
	s.statusLn = ln
	s.mu.Unlock()
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Warn("httpstatus.serve_error", "error", err)
		}
	}()
	s.logger.Info("httpstatus.listening", "address", ln.Addr().String())
	return nil
}

func (s *Server) signalReady() {
	s.readyOnce.Do(func() { close(s.readyCh) })
}

// WaitUntilReady blocks until the listener is bound or ctx ends.
func (s *Server) WaitUntilReady(ctx context.Context) error {
	select {
	case <-s.readyCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ListenerAddr returns the bound client-listener address once available.
func (s *Server) ListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.clientLn == nil {
		return nil
	}
	return s.clientLn.Addr()
}

// StatusListenerAddr returns the bound status-server address once
// available, or nil if the status surface is disabled.
func (s *Server) StatusListenerAddr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.statusLn == nil {
		return nil
	}
	return s.statusLn.Addr()
}

// Shutdown gracefully stops the client listener, the status server, and
// the metrics provider, fanning teardown out the same way the teacher
// server does.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		return nil
	}
	s.shutdown = true
	clientLn := s.clientLn
	statusSrv := s.statusSrv
	statusLn := s.statusLn
	s.mu.Unlock()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if clientLn == nil {
			return nil
		}
		return clientLn.Close()
	})
	g.Go(func() error {
		if statusSrv == nil {
			return nil
		}
		if err := statusSrv.Shutdown(gctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status server shutdown: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		if s.meterProvider == nil {
			return nil
		}
		return s.meterProvider.Shutdown(gctx)
	})
	err := g.Wait()
	if statusLn != nil {
		_ = statusLn.Close()
	}
	s.acceptWG.Wait()
	return err
}

// StartServer starts a server in a background goroutine and waits until
// it is ready to accept connections, mirroring the teacher's
// StartServer/stop-func convenience wrapper for embedders and tests.
func StartServer(ctx context.Context, cfg Config, opts ...Option) (*Server, func(context.Context) error, error) {
	srv, err := NewServer(cfg, opts...)
	if err != nil {
		return nil, nil, err
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	waitCtx := ctx
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	if err := srv.WaitUntilReady(waitCtx); err != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		<-errCh
		return nil, nil, err
	}

	var stopOnce sync.Once
	var stopErr error
	stop := func(shutdownCtx context.Context) error {
		stopOnce.Do(func() {
			if shutdownCtx == nil {
				shutdownCtx = context.Background()
			}
			if err := srv.Shutdown(shutdownCtx); err != nil {
				stopErr = err
				return
			}
			if err := <-errCh; err != nil {
				stopErr = err
			}
		})
		return stopErr
	}
	if ctx != nil {
		go func() {
			<-ctx.Done()
			_ = stop(context.Background())
		}()
	}
	return srv, stop, nil
}
