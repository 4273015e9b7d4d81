// Package channel runs one of the three TCP Channel Servers (§2: MSG,
// CMD, DATA). Each listens on its own port, accepts connections, and
// drives a per-connection read loop plus a buffered writer goroutine,
// following ws/internal/shared's read-pump/write-pump split adapted
// from WebSocket framing to the length-prefixed internal/frame socket
// §6 specifies.
package channel

import (
	"context"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"odin-chat-server/internal/frame"
	"odin-chat-server/internal/logging"
	"odin-chat-server/internal/metrics"
	"odin-chat-server/internal/ratelimit"
	"odin-chat-server/internal/reactor"
	"odin-chat-server/internal/sysmonitor"
)

// FrameHandler processes one decoded frame from a live connection. The
// envelope demultiplexer implements this.
type FrameHandler interface {
	HandleFrame(conn *Connection, payload []byte)
}

// Name identifies which of the three channels a Server is ("msg", "cmd",
// "data") for logs and metrics labels.
type Name string

const (
	NameMessage Name = "msg"
	NameCommand Name = "cmd"
	NameData    Name = "data"
)

// Connection is one accepted socket plus its outbound send queue. It
// implements registry.Sender.
type Connection struct {
	Name Name
	sock *frame.Socket
	send chan []byte

	userID atomic.Value // string; empty until REMEMBER_CONNECTION/SIGN_IN binds it

	logger zerolog.Logger
	closed chan struct{}
}

// NewConnection builds a Connection around an already-framed socket.
// Exported so package demux's tests can exercise routing against a real
// Connection without standing up a listener.
func NewConnection(name Name, sock *frame.Socket, sendQueueSize int, logger zerolog.Logger) *Connection {
	return newConnection(name, sock, sendQueueSize, logger)
}

func newConnection(name Name, sock *frame.Socket, sendQueueSize int, logger zerolog.Logger) *Connection {
	c := &Connection{
		Name:   name,
		sock:   sock,
		send:   make(chan []byte, sendQueueSize),
		logger: logger,
		closed: make(chan struct{}),
	}
	c.userID.Store("")
	return c
}

// SetUserID binds this connection to a signed-in user; the connection's
// own identity, not the envelope's informational user_id field, is the
// authority the demultiplexer and handlers trust.
func (c *Connection) SetUserID(userID string) { c.userID.Store(userID) }

// UserID returns the bound user, or "" if this connection hasn't
// completed REMEMBER_CONNECTION or SIGN_IN yet.
func (c *Connection) UserID() string { return c.userID.Load().(string) }

// Send enqueues payload for the writer goroutine; while the queue is
// full it blocks until there is room or the connection closes. It
// returns an error if the connection has been closed so callers
// (fan-out paths) can stop retrying.
func (c *Connection) Send(payload []byte) error {
	select {
	case <-c.closed:
		return frame.ErrDisconnected
	default:
	}
	select {
	case c.send <- payload:
		return nil
	case <-c.closed:
		return frame.ErrDisconnected
	}
}

// RemoteAddr exposes the underlying connection's remote address.
func (c *Connection) RemoteAddr() net.Addr {
	return c.sock.Conn().RemoteAddr()
}

func (c *Connection) Close() error {
	select {
	case <-c.closed:
		return nil
	default:
		close(c.closed)
	}
	return c.sock.Close()
}

// Server listens on one TCP port and fans every accepted connection's
// reads into a shared worker pool (internal/reactor), matching §4.2's
// "submit, never execute inline" discipline.
type Server struct {
	name          Name
	addr          string
	pool          *reactor.Pool
	handler       FrameHandler
	connLimiter   *ratelimit.ConnectionLimiter
	monitor       *sysmonitor.Monitor
	metrics       *metrics.Registry
	logger        zerolog.Logger
	sendQueueSize int
	maxFrameBytes int

	listener net.Listener
}

type Config struct {
	Name          Name
	Addr          string
	Pool          *reactor.Pool
	Handler       FrameHandler
	ConnLimiter   *ratelimit.ConnectionLimiter
	Monitor       *sysmonitor.Monitor
	Metrics       *metrics.Registry
	Logger        zerolog.Logger
	SendQueueSize int
	MaxFrameBytes int
}

func New(cfg Config) *Server {
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = 256
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = frame.DefaultMaxFrameBytes
	}
	return &Server{
		name:          cfg.Name,
		addr:          cfg.Addr,
		pool:          cfg.Pool,
		handler:       cfg.Handler,
		connLimiter:   cfg.ConnLimiter,
		monitor:       cfg.Monitor,
		metrics:       cfg.Metrics,
		logger:        cfg.Logger.With().Str("channel", string(cfg.Name)).Logger(),
		sendQueueSize: cfg.SendQueueSize,
		maxFrameBytes: cfg.MaxFrameBytes,
	}
}

// ListenAndServe binds the listener and accepts until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.addr).Msg("channel server listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				continue
			}
		}
		s.handleAccept(ctx, conn)
	}
}

func (s *Server) handleAccept(ctx context.Context, netConn net.Conn) {
	host, _, _ := net.SplitHostPort(netConn.RemoteAddr().String())

	if s.monitor != nil && s.monitor.ShouldRejectConnections() {
		s.logger.Warn().Str("remote", host).Msg("rejecting connection, CPU over threshold")
		_ = netConn.Close()
		return
	}
	if s.connLimiter != nil && !s.connLimiter.Allow(host) {
		s.logger.Warn().Str("remote", host).Msg("rejecting connection, rate limited")
		_ = netConn.Close()
		return
	}

	sock := frame.New(netConn, s.maxFrameBytes)
	conn := newConnection(s.name, sock, s.sendQueueSize, s.logger)

	if s.metrics != nil {
		s.metrics.ConnectionsActive.Inc()
		s.metrics.ConnectionsTotal.Inc()
	}

	go s.writeLoop(conn)
	go s.readLoop(ctx, conn)
}

func (s *Server) readLoop(ctx context.Context, conn *Connection) {
	defer logging.RecoverPanic(s.logger, "channel.readLoop", map[string]any{"channel": string(conn.Name)})
	defer s.cleanup(conn)

	for {
		payload, err := conn.sock.RecvFrame()
		if err != nil {
			return
		}
		frameCopy := payload
		submitted := s.pool.Submit(func() {
			s.handler.HandleFrame(conn, frameCopy)
		})
		if !submitted && s.metrics != nil {
			s.metrics.TasksDropped.Inc()
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Server) writeLoop(conn *Connection) {
	defer logging.RecoverPanic(s.logger, "channel.writeLoop", map[string]any{"channel": string(conn.Name)})
	conn.PumpWrites()
}

// PumpWrites drains the connection's send queue onto the wire until the
// connection closes or the queue is closed. Server.writeLoop runs this
// for every accepted connection; it is exported so tests can drive a
// Connection built via NewConnection without a full Server.
func (c *Connection) PumpWrites() {
	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.sock.SendFrame(payload); err != nil {
				return
			}
		case <-c.closed:
			return
		}
	}
}

func (s *Server) cleanup(conn *Connection) {
	_ = conn.Close()
	if s.metrics != nil {
		s.metrics.ConnectionsActive.Dec()
	}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}
