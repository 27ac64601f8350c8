package filter

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/d--j/go-milter"

	"github.com/foxzi/rename-milter/internal/ipfilter"
)

// ServerOptions contains options for creating the milter server
type ServerOptions struct {
	Socket  string
	Umask   int
	Timeout time.Duration
	Filter  *ipfilter.Filter // applied to TCP sockets only
	Logger  *slog.Logger
}

// Server wraps the go-milter server with socket handling
type Server struct {
	socket  Socket
	opts    ServerOptions
	server  *milter.Server
	logger  *slog.Logger
	backend *Backend

	mu       sync.Mutex
	listener net.Listener
	closed   atomic.Bool
}

// NewServer creates a milter server for backend
func NewServer(backend *Backend, opts ServerOptions) (*Server, error) {
	socket, err := ParseSocket(opts.Socket)
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}

	milterOpts := []milter.Option{
		milter.WithMilter(backend.NewMilter),
		milter.WithAction(milter.OptAddHeader | milter.OptChangeHeader),
	}
	if opts.Timeout > 0 {
		milterOpts = append(milterOpts,
			milter.WithReadTimeout(opts.Timeout),
			milter.WithWriteTimeout(opts.Timeout),
		)
	}

	return &Server{
		socket:  socket,
		opts:    opts,
		server:  milter.NewServer(milterOpts...),
		logger:  opts.Logger,
		backend: backend,
	}, nil
}

// Socket returns the parsed socket the server listens on
func (s *Server) Socket() Socket {
	return s.socket
}

// Listen opens the socket without accepting connections yet
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return nil
	}

	ln, err := Listen(s.socket, s.opts.Umask)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socket, err)
	}
	if !s.socket.IsUnix() {
		ln = s.opts.Filter.Listener(ln)
	}

	s.listener = ln
	return nil
}

// Addr returns the bound address, nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ListenAndServe opens the socket and serves until Shutdown
func (s *Server) ListenAndServe() error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.mu.Lock()
	ln := s.listener
	s.mu.Unlock()

	s.logger.Info("starting milter server", "socket", s.socket.String(), "addr", ln.Addr().String())

	err := s.server.Serve(ln)
	if s.closed.Load() {
		return nil
	}
	if err != nil {
		return fmt.Errorf("milter server: %w", err)
	}
	return nil
}

// Shutdown stops accepting connections and closes the server
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.logger.Info("shutting down milter server")

	done := make(chan error, 1)
	go func() {
		err := s.server.Close()

		// Serve may not have taken ownership of the listener yet
		s.mu.Lock()
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.mu.Unlock()

		done <- err
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
