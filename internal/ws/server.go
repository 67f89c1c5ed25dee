// Package ws is the WebSocket transport: it upgrades HTTP requests with
// gobwas/ws, watches connections with epoll, reads frames on a bounded
// worker pool and writes frames for the broadcast layer.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"

	"github.com/whisper/groupchat/internal/metrics"
)

const (
	// maxFrameBytes bounds a client data frame; 500 characters of text plus
	// envelope fit comfortably.
	maxFrameBytes = 16 << 10
	pollTimeout   = 500 * time.Millisecond
)

var ErrConnectionNotFound = errors.New("ws: connection not found")

// ServerConfig holds tunable parameters for the WebSocket server.
type ServerConfig struct {
	ListenAddr     string
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	SendQueueSize  int // frames buffered per connection before it is dropped
	Heartbeat      HeartbeatConfig
}

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

// Server accepts WebSocket clients and feeds their frames to onMessage.
type Server struct {
	config       ServerConfig
	log          *slog.Logger
	epoll        *Epoll
	conns        *ConnectionManager
	workerPool   chan struct{}
	onMessage    func(conn *Connection, data []byte)
	onConnect    func(connID string)
	onDisconnect func(connID string)
	httpServer   *http.Server
	done         chan struct{}
	stopOnce     sync.Once
	startedAt    time.Time
}

// NewServer creates a Server. onMessage is called from a worker goroutine
// for every complete text frame; frames of one connection are never
// processed concurrently.
func NewServer(config ServerConfig, log *slog.Logger, onMessage func(conn *Connection, data []byte)) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = DefaultServerConfig().WorkerPoolSize
	}
	return &Server{
		config:     config,
		log:        log,
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		onMessage:  onMessage,
		done:       make(chan struct{}),
		startedAt:  time.Now(),
	}
}

// SetOnConnect registers the callback run after a connection is accepted.
// The callback must call Activate once the connection may receive
// broadcasts. Without a callback connections are live immediately.
func (s *Server) SetOnConnect(fn func(connID string)) {
	s.onConnect = fn
}

// SetOnDisconnect registers a callback invoked once per removed connection.
func (s *Server) SetOnDisconnect(fn func(connID string)) {
	s.onDisconnect = fn
}

// Router returns the HTTP routes served next to the WebSocket endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/ws", s.handleUpgrade)
	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	return r
}

// Start listens on the configured address and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("ws: listen %s: %w", s.config.ListenAddr, err)
	}
	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	var err error
	s.epoll, err = NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: failed to create epoll: %w", err)
	}
	s.httpServer = &http.Server{
		Handler:           s.Router(),
		ReadHeaderTimeout: s.config.ReadTimeout,
	}

	go s.startEventLoop()
	StartHeartbeat(s, s.config.Heartbeat)

	s.log.Info("ws: server listening",
		"addr", ln.Addr().String(),
		"workers", s.config.WorkerPoolSize,
		"max_conns", s.config.MaxConnections,
	)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("ws: http server error: %w", err)
	}
	return nil
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}
	if s.epoll == nil {
		http.Error(w, "server not started", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("ws: upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	c := newConnection(uuid.New().String(), conn, s.config.SendQueueSize)
	s.attach(c)
	if err := s.epoll.Add(c); err != nil {
		s.log.Error("ws: epoll add failed", "session", c.ID, "error", err)
		s.RemoveConnection(c)
		return
	}

	s.log.Debug("ws: new connection", "session", c.ID, "fd", c.Fd, "total", s.conns.Count())
	if s.onConnect != nil {
		s.onConnect(c.ID)
	} else {
		c.live.Store(true)
	}
}

// attach registers c and starts its writer goroutine.
func (s *Server) attach(c *Connection) {
	s.conns.Add(c)
	metrics.ConnectionsTotal.Inc()
	go c.writeLoop(s.config.WriteTimeout, func(err error) {
		s.log.Debug("ws: write failed", "session", c.ID, "error", err)
		s.RemoveConnection(c)
	})
}

// evict drops a connection whose send queue overflowed. It runs on its own
// goroutine because the disconnect callback may emit, and callers can be
// inside an emission.
func (s *Server) evict(c *Connection) {
	s.log.Warn("ws: dropping slow connection", "session", c.ID)
	go s.RemoveConnection(c)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(struct {
		Status      string `json:"status"`
		Connections int    `json:"connections"`
		Uptime      string `json:"uptime"`
	}{
		Status:      "ok",
		Connections: s.conns.Count(),
		Uptime:      time.Since(s.startedAt).Round(time.Second).String(),
	})
}

func (s *Server) startEventLoop() {
	for {
		select {
		case <-s.done:
			return
		default:
		}

		ready, err := s.epoll.Wait(pollTimeout)
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.log.Error("ws: poll wait failed", "error", err)
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for _, c := range ready {
			// Level-triggered readiness repeats while a worker is still
			// reading; skip connections already being processed.
			if !c.processing.CompareAndSwap(false, true) {
				continue
			}
			s.workerPool <- struct{}{}
			go func(c *Connection) {
				defer func() { <-s.workerPool }()
				defer s.epoll.Resume(c)
				defer c.processing.Store(false)
				s.handleConn(c)
			}(c)
		}
	}
}

// handleConn reads one frame from a ready connection.
func (s *Server) handleConn(c *Connection) {
	if s.conns.Get(c.ID) == nil {
		return
	}
	if s.config.ReadTimeout > 0 {
		_ = c.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	header, reader, err := wsutil.NextReader(c.reader, ws.StateServerSide)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	if header.Length > maxFrameBytes {
		s.log.Warn("ws: frame too large", "session", c.ID, "bytes", header.Length)
		s.RemoveConnection(c)
		return
	}

	data := make([]byte, header.Length)
	if _, err := io.ReadFull(reader, data); err != nil {
		s.RemoveConnection(c)
		return
	}
	_ = c.Conn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		switch header.OpCode {
		case ws.OpClose:
			s.RemoveConnection(c)
		case ws.OpPing:
			c.writeMu.Lock()
			_ = ws.WriteFrame(c.Conn, ws.NewPongFrame(data))
			c.writeMu.Unlock()
		}
		return
	}

	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

// Activate lets the connection receive broadcasts.
func (s *Server) Activate(connID string) {
	if c := s.conns.Get(connID); c != nil {
		c.live.Store(true)
	}
}

// RemoveConnection unregisters and closes c. Only the first call for a
// connection reaches the disconnect callback.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()
	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	s.log.Debug("ws: connection closed", "session", c.ID, "total", s.conns.Count())
}

// SendMessage queues a text frame for one connection. It never waits on
// the socket; a connection that cannot keep up is dropped.
func (s *Server) SendMessage(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return s.send(c, data)
}

func (s *Server) send(c *Connection, data []byte) error {
	err := c.Send(data)
	if errors.Is(err, ErrSendQueueFull) {
		s.evict(c)
	}
	return err
}

// Broadcast queues a text frame for every live connection.
func (s *Server) Broadcast(data []byte) {
	for _, c := range s.conns.Broadcast(data) {
		s.evict(c)
	}
}

func (s *Server) Connections() *ConnectionManager {
	return s.conns
}

// Shutdown stops accepting connections, closes every client and releases
// the poller.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	s.stopOnce.Do(func() {
		s.log.Info("ws: shutting down server")
		close(s.done)

		if s.httpServer != nil {
			if shutdownErr := s.httpServer.Shutdown(ctx); shutdownErr != nil {
				err = fmt.Errorf("ws: http shutdown: %w", shutdownErr)
			}
		}
		for _, c := range s.conns.All() {
			if s.epoll != nil {
				_ = s.epoll.Remove(c)
			}
			if s.conns.Remove(c.ID) {
				metrics.ConnectionsTotal.Dec()
			}
		}
		if s.epoll != nil {
			_ = s.epoll.Close()
		}
	})
	return err
}
