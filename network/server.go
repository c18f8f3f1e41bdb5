package network

import (
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"voidlink/auth"
	"voidlink/storage"
	"voidlink/transfer"
)

// ServerConfig wires a Server to its collaborators.
type ServerConfig struct {
	Identity ServerIdentity
	Auth     *auth.Authenticator
	Engine   *transfer.Engine
	Store    *storage.Store
	Logger   *log.Logger

	HandshakeTimeout time.Duration
	FrameReadTimeout time.Duration
}

// Server accepts inbound TCP connections and runs one Session per client.
type Server struct {
	listener net.Listener
	identity ServerIdentity
	auth     *auth.Authenticator
	engine   *transfer.Engine
	store    *storage.Store
	logger   *log.Logger
	hub      *hub

	handshakeTimeout time.Duration
	frameReadTimeout time.Duration

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Listen starts a TCP listener and the session accept loop.
func Listen(address string, cfg ServerConfig) (*Server, error) {
	if err := cfg.Identity.validate(); err != nil {
		return nil, err
	}
	if cfg.Auth == nil {
		return nil, errors.New("network: authenticator is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("network: transfer engine is required")
	}
	if cfg.Store == nil {
		return nil, errors.New("network: metadata store is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.FrameReadTimeout <= 0 {
		cfg.FrameReadTimeout = DefaultFrameReadTimeout
	}

	if address == "" {
		address = ":0"
	}
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", address, err)
	}

	server := &Server{
		listener:         listener,
		identity:         cfg.Identity,
		auth:             cfg.Auth,
		engine:           cfg.Engine,
		store:            cfg.Store,
		logger:           cfg.Logger,
		hub:              newHub(),
		handshakeTimeout: cfg.HandshakeTimeout,
		frameReadTimeout: cfg.FrameReadTimeout,
		closed:           make(chan struct{}),
	}

	server.wg.Add(1)
	go server.acceptLoop()
	return server, nil
}

// Addr returns the listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Close stops accepting, closes all live sessions and waits for their
// goroutines to drain.
func (s *Server) Close() error {
	var closeErr error
	s.closeOnce.Do(func() {
		close(s.closed)
		closeErr = s.listener.Close()
		s.hub.closeAll()
		s.wg.Wait()
	})
	return closeErr
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			if !errors.Is(err, net.ErrClosed) {
				s.logf("accept connection: %v", err)
			}
			continue
		}

		session := newSession(conn, s)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			session.run()
		}()
	}
}

func (s *Server) logf(format string, args ...any) {
	s.logger.Printf(format, args...)
}
