package ipc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"vaultd/internal/logging"
)

// Handler processes IPC messages that are not part of the protocol
// itself (handshake and liveness pings are answered by the server).
type Handler interface {
	// HandleMessage processes a message and returns a response.
	HandleMessage(ctx context.Context, conn *ClientConn, msg *Message) (*Message, error)
}

// HandlerFunc is a function that implements Handler.
type HandlerFunc func(ctx context.Context, conn *ClientConn, msg *Message) (*Message, error)

func (f HandlerFunc) HandleMessage(ctx context.Context, conn *ClientConn, msg *Message) (*Message, error) {
	return f(ctx, conn, msg)
}

// ClientConn represents a connected client.
type ClientConn struct {
	mu           sync.Mutex
	ID           string
	conn         net.Conn
	Version      string
	Name         string
	ConnectedAt  time.Time
	LastActivity time.Time

	// Write serialization
	writeMu sync.Mutex
}

// ServerConfig configures the IPC server.
type ServerConfig struct {
	SocketPath     string // Unix socket path
	Version        string // Server version
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxConnections int
}

// DefaultServerConfig returns sensible defaults for a runtime directory.
func DefaultServerConfig(runtimeDir string) ServerConfig {
	return ServerConfig{
		SocketPath:     filepath.Join(runtimeDir, "vaultd.sock"),
		Version:        "1.0.0",
		ReadTimeout:    60 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxConnections: 16,
	}
}

// Server owns the daemon's listening socket and client connections.
//
// Decrypt requests block on user-presence prompts, so each connection is
// served by its own goroutine and every message is dispatched on its own
// goroutine. The read loop never waits on a handler: a cancel sent while
// a decrypt holds a prompt open on the same connection is still read and
// serviced immediately.
type Server struct {
	mu         sync.RWMutex
	listener   net.Listener
	socketPath string
	handler    Handler
	clients    map[string]*ClientConn
	config     ServerConfig
	logger     *slog.Logger
	startedAt  time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewServer creates a new IPC server.
func NewServer(cfg ServerConfig, handler Handler) (*Server, error) {
	if cfg.SocketPath == "" {
		return nil, errors.New("ipc: socket path required")
	}
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 16
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 60 * time.Second
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		socketPath: cfg.SocketPath,
		handler:    handler,
		clients:    make(map[string]*ClientConn),
		config:     cfg,
		logger:     logging.Default().WithComponent("ipc").Logger,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins listening for connections.
func (s *Server) Start() error {
	socketDir := filepath.Dir(s.socketPath)
	if err := os.MkdirAll(socketDir, 0700); err != nil {
		return fmt.Errorf("create socket directory: %w", err)
	}

	if err := CleanupSocket(s.socketPath); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listen on socket: %w", err)
	}

	// Owner only: the socket is the security boundary to the keystore.
	if err := os.Chmod(s.socketPath, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("set socket permissions: %w", err)
	}

	s.listener = listener
	s.startedAt = time.Now()
	s.running.Store(true)

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info("listening", "socket", s.socketPath)
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if !s.running.CompareAndSwap(true, false) {
		return nil
	}

	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}

	s.mu.Lock()
	for _, client := range s.clients {
		client.conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		s.logger.Warn("shutdown timed out waiting for connections")
	}

	os.Remove(s.socketPath)
	return nil
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.socketPath
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// acceptLoop accepts new connections.
func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.logger.Warn("accept failed", "error", err)
				continue
			}
		}

		// Only the daemon's own user may talk to the keystore.
		if ok, err := VerifyPeerIsCurrentUser(conn); err != nil || !ok {
			s.logger.Warn("rejected peer", "verified", ok, "error", err)
			conn.Close()
			continue
		}

		s.mu.RLock()
		count := len(s.clients)
		s.mu.RUnlock()
		if count >= s.config.MaxConnections {
			s.logger.Warn("connection limit reached", "max", s.config.MaxConnections)
			conn.Close()
			continue
		}

		client := &ClientConn{
			ID:           generateClientID(),
			conn:         conn,
			ConnectedAt:  time.Now(),
			LastActivity: time.Now(),
		}

		s.mu.Lock()
		s.clients[client.ID] = client
		s.mu.Unlock()

		s.wg.Add(1)
		go s.handleConnection(client)
	}
}

// handleConnection handles a single client connection.
func (s *Server) handleConnection(client *ClientConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.clients, client.ID)
		s.mu.Unlock()
		client.conn.Close()
	}()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		client.conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		msg, err := ReadMessage(client.conn)
		if err != nil {
			if err == io.EOF || errors.Is(err, net.ErrClosed) {
				return
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				// Idle connection; keep it open and wait again.
				continue
			}
			s.logger.Debug("read failed", "client", client.ID, "error", err)
			return
		}

		client.mu.Lock()
		client.LastActivity = time.Now()
		client.mu.Unlock()

		s.wg.Add(1)
		go s.dispatch(client, msg)
	}
}

// dispatch runs one message through the handler and writes the response.
// Responses are serialized by sendMessage, so replies from concurrent
// handlers never interleave on the wire.
func (s *Server) dispatch(client *ClientConn, msg *Message) {
	defer s.wg.Done()

	response, err := s.processMessage(client, msg)
	if err != nil {
		s.logger.Error("handler failed",
			"client", client.ID,
			"type", fmt.Sprintf("0x%04x", uint16(msg.Header.Type)),
			"error", err)
		response = NewErrorMessage(msg.Header.RequestID, CodeInternal,
			"The daemon could not process the request.", "")
	}
	if response != nil {
		if err := s.sendMessage(client, response); err != nil {
			// The read loop notices the closed connection and cleans up.
			client.conn.Close()
		}
	}
}

// processMessage answers protocol messages and forwards everything else
// to the handler.
func (s *Server) processMessage(client *ClientConn, msg *Message) (*Message, error) {
	switch msg.Header.Type {
	case MsgPing:
		// Liveness only. The handler builds the full ping payload; a
		// bare MsgPing with no handler still gets a pong so probes can
		// tell "daemon alive" from "daemon wedged".
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewMessage(MsgPong, msg.Header.RequestID, nil), nil

	case MsgHandshake:
		return s.handleHandshake(client, msg)

	default:
		if s.handler != nil {
			return s.handler.HandleMessage(s.ctx, client, msg)
		}
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "no handler", ""), nil
	}
}

// handleHandshake processes a handshake request.
func (s *Server) handleHandshake(client *ClientConn, msg *Message) (*Message, error) {
	var req HandshakeRequest
	if err := Decode(msg.Payload, &req); err != nil {
		return NewErrorMessage(msg.Header.RequestID, CodeInvalidRequest, "invalid handshake", ""), nil
	}

	client.mu.Lock()
	client.Version = req.ClientVersion
	client.Name = req.ClientName
	client.mu.Unlock()

	resp := &HandshakeResponse{
		ServerVersion:   s.config.Version,
		ProtocolVersion: ProtocolVersion,
		SessionID:       client.ID,
	}
	return NewResponse(MsgHandshakeAck, msg.Header.RequestID, resp)
}

// sendMessage sends a message to a client.
func (s *Server) sendMessage(client *ClientConn, msg *Message) error {
	client.writeMu.Lock()
	defer client.writeMu.Unlock()

	client.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	return msg.Write(client.conn)
}

// generateClientID generates a unique client ID.
func generateClientID() string {
	return fmt.Sprintf("client-%d-%d", time.Now().UnixNano(), os.Getpid())
}
