// Package ws handles WebSocket connection management: upgrading HTTP
// connections, reading frames through epoll and a bounded worker pool,
// queueing outbound frames, and evicting dead connections.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/Yug2op/SkillExchange-sub001/internal/chat"
	"github.com/Yug2op/SkillExchange-sub001/internal/log"
	"github.com/Yug2op/SkillExchange-sub001/internal/metrics"
	"github.com/Yug2op/SkillExchange-sub001/internal/session"
)

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string        // address to listen on, e.g. ":8080"
	WorkerPoolSize int           // max concurrent read-worker goroutines
	MaxConnections int           // hard cap on total connections
	ReadTimeout    time.Duration // timeout for WebSocket read operations
	WriteTimeout   time.Duration // timeout for WebSocket write operations
	SendQueueSize  int           // outbound frames buffered per connection
	Heartbeat      HeartbeatConfig
}

// DefaultServerConfig returns a ServerConfig with sensible production defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ListenAddr:     ":8080",
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		SendQueueSize:  256,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// Hub is the chat core behind the transport.
type Hub interface {
	Admit(ctx context.Context, userID string) error
	Connect(userID string, sink session.Sink) *session.Connection
	Disconnect(connID, reason string) bool
	Touch(connID string)
	LastActivity(connID string) (time.Time, bool)
	Count() int
	OnlineUsers() int
}

// Authenticator extracts the already-authenticated user id from a handshake.
type Authenticator func(r *http.Request) (string, error)

// ErrUnauthenticated is returned by an Authenticator when no identity is
// present.
var ErrUnauthenticated = errors.New("ws: missing user identity")

// HeaderAuthenticator trusts the X-User-ID header set by the authenticating
// gateway, falling back to the user_id query parameter.
func HeaderAuthenticator(r *http.Request) (string, error) {
	if id := r.Header.Get("X-User-ID"); id != "" {
		return id, nil
	}
	if id := r.URL.Query().Get("user_id"); id != "" {
		return id, nil
	}
	return "", ErrUnauthenticated
}

// Server is the WebSocket server built on gobwas/ws and Linux epoll. It
// upgrades HTTP connections, registers them with an epoll instance for read
// readiness, and dispatches ready connections to a bounded worker pool.
type Server struct {
	config     ServerConfig
	hub        Hub
	auth       Authenticator
	epoll      *Epoll
	conns      *ConnectionManager
	workerPool chan struct{}                      // semaphore limiting concurrent read workers
	onMessage  func(conn *Connection, data []byte) // message handler callback
	httpServer *http.Server
	done       chan struct{}
	startedAt  time.Time
}

// NewServer creates a Server and its epoll instance. onMessage is called from
// a worker goroutine for every complete text frame; frames of one connection
// are never handled concurrently.
func NewServer(config ServerConfig, hub Hub, auth Authenticator, onMessage func(conn *Connection, data []byte)) (*Server, error) {
	if auth == nil {
		auth = HeaderAuthenticator
	}
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}

	epoll, err := NewEpoll()
	if err != nil {
		return nil, fmt.Errorf("ws: failed to create epoll: %w", err)
	}

	s := &Server{
		config:     config,
		hub:        hub,
		auth:       auth,
		epoll:      epoll,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", metrics.Handler())

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: config.ReadTimeout,
	}
	return s, nil
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve starts the event loop and heartbeat and blocks serving HTTP on ln.
func (s *Server) Serve(ln net.Listener) error {
	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	logger := log.WithComponent("ws")
	logger.Info().
		Str("addr", ln.Addr().String()).
		Int("workers", s.config.WorkerPoolSize).
		Int("max_conns", s.config.MaxConnections).
		Msg("server listening")

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

// handleUpgrade authenticates and admits the user, upgrades the request with
// the gobwas/ws zero-copy upgrader, and registers the connection with the hub
// and epoll.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	logger := log.WithComponent("ws")

	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	userID, err := s.auth(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if err := s.hub.Admit(r.Context(), userID); err != nil {
		http.Error(w, chat.ReasonOf(err), admitStatus(err))
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		logger.Debug().Err(err).Str("user_id", userID).Msg("upgrade failed")
		return
	}

	c := newConnection(conn, userID, s.config.SendQueueSize, s.config.WriteTimeout, s.RemoveConnection)
	go c.writeLoop()

	sc := s.hub.Connect(userID, c)
	c.bind(sc.ID)
	s.conns.Add(c)

	if err := s.epoll.Add(conn); err != nil {
		logger.Error().Err(err).Str("conn_id", sc.ID).Msg("epoll add failed")
		s.RemoveConnection(c, "error")
		return
	}

	// Evicted while registering: the eviction may not have seen the id.
	if c.removed() {
		s.cleanup(c, "unresponsive")
		return
	}

	logger.Debug().
		Str("conn_id", sc.ID).
		Str("user_id", userID).
		Int("fd", c.Fd).
		Int("total", s.conns.Count()).
		Msg("new connection")
}

func admitStatus(err error) int {
	switch chat.CodeOf(err) {
	case chat.CodeForbidden:
		return http.StatusForbidden
	case chat.CodeRateLimited:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// handleHealth responds with the server's health status as JSON.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	resp := struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		OnlineUsers int    `json:"onlineUsers"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.hub.Count(),
		OnlineUsers: s.hub.OnlineUsers(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	}

	_ = json.NewEncoder(w).Encode(resp)
}

// startEventLoop runs the epoll wait loop, handing each ready connection to a
// worker goroutine bounded by the worker pool semaphore.
func (s *Server) startEventLoop() {
	logger := log.WithComponent("ws")
	for {
		select {
		case <-s.done:
			return
		default:
		}

		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
				if isEINTR(err) {
					continue
				}
				logger.Error().Err(err).Msg("epoll wait error")
				continue
			}
		}

		for _, conn := range conns {
			conn := conn

			s.workerPool <- struct{}{}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads a single frame from a ready connection using
// wsutil.NextReader, so control frames are handled without blocking on a data
// frame that may never arrive. Read failures and panics drop the connection.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}

	// Guard against duplicate dispatch from level-triggered epoll.
	if !atomic.CompareAndSwapInt32(&c.processing, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&c.processing, 0)
	defer s.epoll.Rearm(netConn)

	defer func() {
		if r := recover(); r != nil {
			logger := log.WithConnection("ws", c.ID(), c.UserID)
			logger.Error().Interface("panic", r).Msg("recovered from panic while handling frame")
			s.RemoveConnection(c, "error")
		}
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		defer netConn.SetReadDeadline(time.Time{})
	}

	header, reader, err := wsutil.NextReader(s.epoll.Reader(netConn), ws.StateServerSide)
	if err != nil {
		// A timeout means no data was available (stale epoll dispatch). The
		// heartbeat handles dead connections.
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		reason := "error"
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			reason = "closed"
		}
		s.RemoveConnection(c, reason)
		return
	}

	// Any frame proves the connection is alive.
	s.hub.Touch(c.ID())

	if header.OpCode.IsControl() {
		if header.OpCode == ws.OpClose {
			s.RemoveConnection(c, "closed")
		}
		return
	}

	if header.Length > chat.MaxFrameBytes {
		logger := log.WithConnection("ws", c.ID(), c.UserID)
		logger.Warn().Int64("length", header.Length).Msg("frame exceeds transport limit")
		s.RemoveConnection(c, "error")
		return
	}

	data := make([]byte, header.Length)
	if header.Length > 0 {
		if _, err := io.ReadFull(reader, data); err != nil {
			s.RemoveConnection(c, "error")
			return
		}
	}

	if len(data) == 0 {
		return
	}

	if s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// RemoveConnection closes c and tears down its registration. Concurrent
// callers (read error, heartbeat, full queue) are safe: only the first one
// does the work. reason labels the disconnect metric.
func (s *Server) RemoveConnection(c *Connection, reason string) {
	if !atomic.CompareAndSwapInt32(&c.removing, 0, 1) {
		return
	}
	s.cleanup(c, reason)
}

func (s *Server) cleanup(c *Connection, reason string) {
	// Deregister from epoll while the fd is still open.
	_ = s.epoll.Remove(c.Conn)
	c.Close()
	s.conns.Remove(c)

	id := c.ID()
	if id != "" {
		s.hub.Disconnect(id, reason)
	}

	logger := log.WithConnection("ws", id, c.UserID)
	logger.Debug().Str("reason", reason).Int("total", s.conns.Count()).Msg("connection closed")
}

// Connections returns the transport's live connections.
func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops the HTTP listener, signals the event loop and heartbeat to
// exit, closes all active connections and releases the epoll instance.
func (s *Server) Shutdown(ctx context.Context) error {
	logger := log.WithComponent("ws")
	logger.Info().Msg("shutting down server")

	close(s.done)

	if err := s.httpServer.Shutdown(ctx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown error")
	}

	for _, c := range s.conns.All() {
		s.RemoveConnection(c, "closed")
	}

	_ = s.epoll.Close()

	logger.Info().Msg("server stopped, all connections closed")
	return nil
}
