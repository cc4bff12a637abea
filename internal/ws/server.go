// Package ws is the WebSocket transport: gobwas/ws upgrades, epoll readiness
// and a bounded pool of read workers. It knows nothing about users or
// conversations; frames are handed to the OnMessage callback.
package ws

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/whisper/anonyconnect/internal/metrics"
)

// ServerConfig tunes the server.
type ServerConfig struct {
	WorkerPoolSize int
	MaxConnections int
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	MaxMessageSize int64
	Heartbeat      HeartbeatConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		WorkerPoolSize: 256,
		MaxConnections: 100000,
		ReadTimeout:    10 * time.Second,
		WriteTimeout:   10 * time.Second,
		MaxMessageSize: 16 << 10,
		Heartbeat:      DefaultHeartbeatConfig(),
	}
}

// ErrConnectionNotFound is returned by Send for unknown connection IDs.
var ErrConnectionNotFound = errors.New("ws: connection not found")

// Server upgrades HTTP requests to WebSocket connections and reads their
// frames on a bounded worker pool. It implements http.Handler.
type Server struct {
	config ServerConfig
	logger *zap.Logger
	epoll  *Epoll
	conns  *ConnectionManager

	workerPool   chan struct{}
	onMessage    func(c *Connection, data []byte)
	onDisconnect func(connID string)

	done     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewServer creates a Server. Call Start before serving requests.
func NewServer(config ServerConfig, logger *zap.Logger) *Server {
	if config.WorkerPoolSize <= 0 {
		config.WorkerPoolSize = 1
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = DefaultServerConfig().MaxMessageSize
	}
	return &Server{
		config:     config,
		logger:     logger.Named("ws"),
		conns:      NewConnectionManager(),
		workerPool: make(chan struct{}, config.WorkerPoolSize),
		done:       make(chan struct{}),
	}
}

// OnMessage sets the callback for complete text frames. It runs on a worker
// goroutine; a slow callback holds a worker slot.
func (s *Server) OnMessage(fn func(c *Connection, data []byte)) { s.onMessage = fn }

// OnDisconnect sets the callback run once per removed connection.
func (s *Server) OnDisconnect(fn func(connID string)) { s.onDisconnect = fn }

// Start creates the epoll instance and starts the event loop and heartbeat.
func (s *Server) Start() error {
	ep, err := NewEpoll()
	if err != nil {
		return fmt.Errorf("ws: create epoll: %w", err)
	}
	s.epoll = ep

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.eventLoop()
	}()
	go func() {
		defer s.wg.Done()
		s.heartbeat(s.config.Heartbeat)
	}()

	s.logger.Info("server started",
		zap.Int("workers", s.config.WorkerPoolSize),
		zap.Int("max_conns", s.config.MaxConnections))
	return nil
}

// ServeHTTP upgrades the request and registers the connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if s.conns.Count() >= s.config.MaxConnections {
		http.Error(w, "too many connections", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.logger.Debug("upgrade failed", zap.Error(err))
		return
	}

	c := newConnection(uuid.NewString(), conn)
	s.conns.Add(c)
	if err := s.epoll.Add(conn); err != nil {
		s.logger.Warn("epoll add failed", zap.String("conn_id", c.ID), zap.Error(err))
		s.conns.Remove(c.ID)
		return
	}
	metrics.ConnectionsTotal.Inc()

	s.logger.Debug("connection opened", zap.String("conn_id", c.ID), zap.Int("total", s.conns.Count()))
}

func (s *Server) eventLoop() {
	for {
		conns, err := s.epoll.Wait()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			s.logger.Error("epoll wait", zap.Error(err))
			continue
		}

		for _, conn := range conns {
			select {
			case s.workerPool <- struct{}{}:
			case <-s.done:
				return
			}
			go func() {
				defer func() { <-s.workerPool }()
				s.handleConn(conn)
			}()
		}
	}
}

// handleConn reads one message from a ready connection. Control frames are
// answered by wsutil; a read timeout on a stale dispatch is not an error.
func (s *Server) handleConn(netConn net.Conn) {
	c := s.conns.GetByConn(netConn)
	if c == nil {
		return
	}
	// Level-triggered epoll may report the same socket twice.
	if !c.processing.CompareAndSwap(false, true) {
		return
	}
	defer func() {
		c.processing.Store(false)
		s.epoll.Resume(netConn)
	}()

	if s.config.ReadTimeout > 0 {
		_ = netConn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
	}

	reader := &wsutil.Reader{
		Source:       netConn,
		State:        ws.StateServerSide,
		CheckUTF8:    true,
		MaxFrameSize: s.config.MaxMessageSize,
		OnIntermediate: func(h ws.Header, r io.Reader) error {
			return s.handleControl(c, h, r)
		},
	}
	header, err := reader.NextFrame()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return
		}
		s.RemoveConnection(c)
		return
	}
	_ = netConn.SetReadDeadline(time.Time{})
	c.Touch()

	if header.OpCode.IsControl() {
		if err := s.handleControl(c, header, reader); err != nil {
			s.RemoveConnection(c)
		}
		return
	}
	if header.OpCode != ws.OpText && header.OpCode != ws.OpBinary {
		return
	}

	data, err := io.ReadAll(io.LimitReader(reader, s.config.MaxMessageSize+1))
	if err != nil {
		s.RemoveConnection(c)
		return
	}
	if int64(len(data)) > s.config.MaxMessageSize {
		s.logger.Info("message too large, closing", zap.String("conn_id", c.ID))
		s.RemoveConnection(c)
		return
	}
	if len(data) > 0 && s.onMessage != nil {
		s.onMessage(c, data)
	}
}

func (s *Server) handleControl(c *Connection, h ws.Header, r io.Reader) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	handler := wsutil.ControlFrameHandler(c.Conn, ws.StateServerSide)
	return handler(h, r)
}

// RemoveConnection unregisters and closes c. Concurrent calls clean up once.
func (s *Server) RemoveConnection(c *Connection) {
	if s.epoll != nil {
		_ = s.epoll.Remove(c.Conn)
	}
	if !s.conns.Remove(c.ID) {
		return
	}
	metrics.ConnectionsTotal.Dec()

	if s.onDisconnect != nil {
		s.onDisconnect(c.ID)
	}
	s.logger.Debug("connection closed", zap.String("conn_id", c.ID), zap.Int("total", s.conns.Count()))
}

// Send writes a text frame to the connection.
func (s *Server) Send(connID string, data []byte) error {
	c := s.conns.Get(connID)
	if c == nil {
		return fmt.Errorf("%w: %s", ErrConnectionNotFound, connID)
	}
	return c.WriteMessage(data, s.config.WriteTimeout)
}

// Close drops the connection, running the disconnect callback.
func (s *Server) Close(connID string) {
	if c := s.conns.Get(connID); c != nil {
		s.RemoveConnection(c)
	}
}

// Connections exposes the connection manager.
func (s *Server) Connections() *ConnectionManager { return s.conns }

// Shutdown stops the loops and closes every connection. Disconnect callbacks
// run for each one.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.done) })

	for _, c := range s.conns.All() {
		s.RemoveConnection(c)
	}
	if s.epoll != nil {
		_ = s.epoll.Close()
	}

	stopped := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(stopped)
	}()
	select {
	case <-stopped:
		s.logger.Info("server stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
