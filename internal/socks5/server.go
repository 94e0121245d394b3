package socks5

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/postalsys/socks5proxy/internal/health"
	"github.com/postalsys/socks5proxy/internal/logging"
	"github.com/postalsys/socks5proxy/internal/metrics"
)

// acceptErrorBackoff bounds how long the acceptor pauses after a
// persistent accept error, to avoid a tight spin loop.
const acceptErrorBackoff = time.Second

// shutdownGrace bounds how long Stop waits for in-flight handlers to
// finish on their own before sockets are force-closed.
const shutdownGrace = 10 * time.Second

// ServerConfig configures a Server.
type ServerConfig struct {
	ListenIPAddress string
	ListenPort      int
	DNSCache        *DNSCache
	FriendlyNames   *FriendlyNames
	Metrics         *metrics.Metrics
	Logger          *slog.Logger
}

// Server is the SOCKS5 acceptor/supervisor: it owns the listening
// socket, spawns one Handler per accepted connection, and coordinates
// graceful shutdown.
type Server struct {
	cfg ServerConfig

	listener        net.Listener
	tracker         *connTracker[net.Conn]
	udpAssociations atomic.Int64
	wg              sync.WaitGroup

	cancel   context.CancelFunc
	stopped  atomic.Bool
	stopOnce sync.Once
}

// NewServer constructs a Server bound to no socket yet; call Start to
// bind and begin accepting.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	return &Server{
		cfg:     cfg,
		tracker: newConnTracker[net.Conn](),
	}
}

// Start binds the TCP listener and launches the accept loop in the
// background. A bind failure is returned immediately and is fatal to
// the caller.
func (s *Server) Start() error {
	addr := net.JoinHostPort(s.cfg.ListenIPAddress, fmt.Sprintf("%d", s.cfg.ListenPort))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("binding socks5 listener on %s: %w", addr, err)
	}
	s.listener = ln

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	s.cfg.Logger.Info("socks5 listener started", logging.KeyListenAddr, ln.Addr().String())

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	return nil
}

// Addr returns the bound listener address, or nil if not started.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

func (s *Server) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	limiter := rate.NewLimiter(rate.Every(acceptErrorBackoff), 1)

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.cfg.Logger.Warn("accept error", logging.KeyError, err)
			if waitErr := limiter.Wait(ctx); waitErr != nil {
				return
			}
			continue
		}

		s.tracker.add(conn)
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer s.tracker.remove(conn)

	udpBindIP := net.ParseIP(s.cfg.ListenIPAddress)
	h := NewHandler(conn, s.cfg.DNSCache, s.cfg.FriendlyNames, s.cfg.Metrics, s.cfg.Logger, udpBindIP,
		func(delta int64) { s.udpAssociations.Add(delta) })
	h.Serve(ctx)
}

// Stop runs the shutdown protocol: signal cancellation, close the
// listener, wait for in-flight handlers up to the shutdown grace
// window, then forcibly close any that remain.
func (s *Server) Stop() error {
	return s.StopWithContext(context.Background())
}

// StopWithContext is like Stop but honors ctx's deadline in addition to
// the fixed shutdown grace window, whichever is sooner.
func (s *Server) StopWithContext(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		if s.cancel != nil {
			s.cancel()
		}
		if s.listener != nil {
			err = s.listener.Close()
		}

		done := make(chan struct{})
		go func() {
			s.wg.Wait()
			close(done)
		}()

		timer := time.NewTimer(shutdownGrace)
		defer timer.Stop()

		select {
		case <-done:
		case <-timer.C:
			s.tracker.closeAll()
			<-done
		case <-ctx.Done():
			s.tracker.closeAll()
			<-done
		}
	})
	return err
}

// IsRunning reports whether the server has not yet been stopped.
func (s *Server) IsRunning() bool {
	return !s.stopped.Load()
}

// Stats reports the live counters the health endpoint surfaces.
func (s *Server) Stats() health.Stats {
	return health.Stats{
		ConnectionsActive:     s.tracker.count(),
		UDPAssociationsActive: s.udpAssociations.Load(),
	}
}
