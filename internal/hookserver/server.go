// Package hookserver runs the dual-transport event server the Claude Code
// hook script talks to. Each connection carries exactly one JSON event;
// permission requests are parked open until a decision is dispatched back
// down the same connection, everything else is acknowledged by closing.
package hookserver

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"
	"time"

	"github.com/basket/islandd/internal/bus"
)

var (
	// ErrAlreadyListening is returned when StartUnix is called while the
	// unix listener is active.
	ErrAlreadyListening = errors.New("listener already active")

	// ErrNoPending is returned by dispatch calls that find no pending
	// permission to respond to. A duplicate respond call lands here and
	// performs no write.
	ErrNoPending = errors.New("no pending permission")
)

const connQueueSize = 64

// Config configures a Server. Bus is required; everything else has a
// working default.
type Config struct {
	SocketPath   string
	TCPPort      int
	ReadBudget   time.Duration
	PollInterval time.Duration
	Workers      int
	Bus          *bus.Bus
	Logger       *slog.Logger
}

// Server owns the two listeners, the worker pool that runs connection
// handlers, the correlation cache, and the pending-permission registry.
// The cache and registry have independent locks; no code path holds both.
type Server struct {
	cfg     Config
	log     *slog.Logger
	b       *bus.Bus
	cache   *CorrelationCache
	pending *PendingRegistry

	mu     sync.Mutex
	unixLn net.Listener
	tcpLn  net.Listener

	connCh chan net.Conn
	done   chan struct{}
	wg     sync.WaitGroup

	closeOnce sync.Once
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ReadBudget <= 0 {
		cfg.ReadBudget = 500 * time.Millisecond
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}

	s := &Server{
		cfg:     cfg,
		log:     cfg.Logger.With("subsystem", "hookserver"),
		b:       cfg.Bus,
		cache:   NewCorrelationCache(),
		pending: NewPendingRegistry(),
		connCh:  make(chan net.Conn, connQueueSize),
		done:    make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
	return s
}

// StartUnix binds the local-domain listener. The stale socket file is
// unlinked first and the fresh one made world-writable so hooks running as
// any local user can connect. Returns ErrAlreadyListening when the unix
// listener is already up.
func (s *Server) StartUnix() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unixLn != nil {
		return ErrAlreadyListening
	}

	_ = os.Remove(s.cfg.SocketPath)
	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return fmt.Errorf("listen unix %s: %w", s.cfg.SocketPath, err)
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o666); err != nil {
		_ = ln.Close()
		_ = os.Remove(s.cfg.SocketPath)
		return fmt.Errorf("chmod socket: %w", err)
	}

	s.unixLn = ln
	s.log.Info("listening", "transport", "unix", "path", s.cfg.SocketPath)
	s.wg.Add(1)
	go s.acceptLoop(ln, "unix")
	return nil
}

// StartTCP binds the TCP listener on all interfaces. Calling it while a TCP
// listener is already bound logs and no-ops: remote sessions keep working
// on the old port until it is stopped explicitly.
//
// Go's TCP listener sets SO_REUSEADDR itself, so restarts don't fail on
// lingering TIME_WAIT sockets, and the runtime ignores SIGPIPE for network
// writes, which surface as EPIPE errors instead of killing the process.
func (s *Server) StartTCP(port int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn != nil {
		s.log.Warn("tcp listener already active, ignoring start", "port", port)
		return nil
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("listen tcp :%d: %w", port, err)
	}

	s.tcpLn = ln
	s.log.Info("listening", "transport", "tcp", "addr", ln.Addr().String())
	s.wg.Add(1)
	go s.acceptLoop(ln, "tcp")
	return nil
}

// TCPAddr returns the bound TCP address, or "" when TCP is down.
func (s *Server) TCPAddr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return ""
	}
	return s.tcpLn.Addr().String()
}

// StopUnix closes the unix listener and unlinks the socket path.
// Parked connections are unaffected.
func (s *Server) StopUnix() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unixLn == nil {
		return
	}
	_ = s.unixLn.Close()
	s.unixLn = nil
	_ = os.Remove(s.cfg.SocketPath)
	s.log.Info("stopped", "transport", "unix")
}

// StopTCP closes the TCP listener. Parked connections are unaffected.
func (s *Server) StopTCP() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tcpLn == nil {
		return
	}
	_ = s.tcpLn.Close()
	s.tcpLn = nil
	s.log.Info("stopped", "transport", "tcp")
}

// Shutdown stops both listeners, stops the worker pool, and drains the
// pending registry, closing every parked connection without a decision.
func (s *Server) Shutdown() {
	s.StopUnix()
	s.StopTCP()
	s.closeOnce.Do(func() {
		close(s.done)
	})
	s.wg.Wait()

	// Connections queued but never picked up by a worker.
	for {
		select {
		case conn := <-s.connCh:
			_ = conn.Close()
		default:
			s.pending.DrainAll()
			s.log.Info("shutdown complete")
			return
		}
	}
}

func (s *Server) acceptLoop(ln net.Listener, transport string) {
	defer s.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Warn("accept error (continuing)", "transport", transport, "error", err)
			continue
		}
		select {
		case s.connCh <- conn:
		case <-s.done:
			_ = conn.Close()
			return
		}
	}
}

func (s *Server) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case conn := <-s.connCh:
			s.handleConn(conn)
		}
	}
}
