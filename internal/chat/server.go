package chat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andy6609/multiroom-chat-server/internal/transfer"
)

const acceptBackoff = 50 * time.Millisecond

type Config struct {
	Addr            string
	OutboundBuffer  int
	RoomBuffer      int
	MaxLineLength   int
	ShutdownTimeout time.Duration
}

// Server accepts stream connections and runs one Session per connection.
type Server struct {
	cfg      Config
	logger   *slog.Logger
	reg      *Registry
	files    *transfer.Coordinator
	listener net.Listener

	running    atomic.Bool
	nextID     atomic.Uint32
	active     atomic.Int64
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	acceptDone chan struct{}
}

func NewServer(cfg Config, files *transfer.Coordinator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logger,
		reg:        NewRegistry(cfg.RoomBuffer, logger),
		files:      files,
		ctx:        ctx,
		cancel:     cancel,
		acceptDone: make(chan struct{}),
	}
}

func (s *Server) Registry() *Registry {
	return s.reg
}

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveSessions returns the number of sessions still running.
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.acceptLoop(ln)

	s.logger.Info("server started", "addr", ln.Addr().String())
	return nil
}

// ListenAndServe starts the server and stops it when ctx is done.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Start(); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop closes the listener, ends every session and stops every room. It
// waits up to the configured shutdown timeout for sessions to finish.
func (s *Server) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	s.logger.Info("shutting down")

	_ = s.listener.Close()
	<-s.acceptDone
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.logger.Warn("shutdown timeout reached", "sessions", s.active.Load())
	}

	s.reg.Close()
	s.logger.Info("shutdown complete")
}

func (s *Server) acceptLoop(ln net.Listener) {
	defer close(s.acceptDone)
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || !s.running.Load() {
				return
			}
			s.logger.Error("accept failed", "error", err)
			time.Sleep(acceptBackoff)
			continue
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())

		sess := NewSession(s.nextID.Add(1), conn, s.reg, s.files, SessionConfig{
			OutboundBuffer: s.cfg.OutboundBuffer,
			MaxLineLength:  s.cfg.MaxLineLength,
		}, s.logger)

		s.wg.Add(1)
		s.active.Add(1)
		ConnectedClients.Inc()
		go func() {
			defer s.wg.Done()
			defer s.active.Add(-1)
			defer ConnectedClients.Dec()
			sess.Run(s.ctx)
		}()
	}
}
