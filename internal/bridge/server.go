// ABOUTME: TCP server that accepts probe connections and routes their frames
// ABOUTME: Enforces allow-lists, binds probe identity, acks registrations before catch-up

package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/2389/probe-gateway/internal/instrument"
)

// DefaultSendQueueSize is the per-connection outbound buffer.
const DefaultSendQueueSize = 256

// errCloseConn tells the read loop to hang up after the current frame.
var errCloseConn = errors.New("close connection")

// Hello is the body of the connect frame.
type Hello struct {
	InstanceID     string            `json:"instance_id"`
	ConnectionTime int64             `json:"connection_time"`
	Meta           map[string]string `json:"meta,omitempty"`
}

// Message is an inbound status frame after header injection.
type Message struct {
	Address      string
	ReplyAddress string
	Headers      map[string]string
	Body         json.RawMessage
}

// ProbeID returns the identity stamped by the bridge.
func (m Message) ProbeID() string {
	return m.Headers[HeaderProbeID]
}

// Handler receives probe lifecycle and status traffic.
type Handler interface {
	// ProbeConnected is called once per connection after the connect frame.
	// Returning an error rejects the probe and closes the socket.
	ProbeConnected(ctx context.Context, conn *Conn, hello Hello) error
	// ProbeDisconnected is called once when a connected probe goes away.
	ProbeDisconnected(conn *Conn)
	// RemoteRegistered is called after the registration ack is queued, so
	// anything the handler sends to the probe arrives after the ack.
	RemoteRegistered(conn *Conn, remote string)
	RemoteUnregistered(conn *Conn, remote string)
	// HandleStatus processes any other inbound frame.
	HandleStatus(ctx context.Context, conn *Conn, msg Message) error
}

// TokenVerifier checks the probe token on the connect frame.
type TokenVerifier interface {
	Verify(token string) (string, error)
}

// Config configures a Server.
type Config struct {
	ListenAddr    string
	Permits       *Permits
	MaxFrameSize  int
	SendQueueSize int
	// Verifier, when set, requires a valid auth-token header on connect.
	Verifier TokenVerifier
	Logger   *slog.Logger
}

// Server accepts probe connections.
type Server struct {
	cfg     Config
	handler Handler
	logger  *slog.Logger

	listener    net.Listener
	cancel      context.CancelFunc
	done        chan struct{}
	connections sync.WaitGroup
	nextConn    atomic.Int64

	mu     sync.Mutex
	active map[*Conn]struct{}
}

// NewServer validates cfg and builds a server.
func NewServer(cfg Config, handler Handler) (*Server, error) {
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("bridge: ListenAddr is required")
	}
	if handler == nil {
		return nil, fmt.Errorf("bridge: handler is required")
	}
	if cfg.Permits == nil {
		p, err := NewPermits(nil, nil)
		if err != nil {
			return nil, err
		}
		cfg.Permits = p
	}
	if cfg.MaxFrameSize <= 0 {
		cfg.MaxFrameSize = DefaultMaxFrame
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		handler: handler,
		logger:  logger.With("component", "bridge"),
		active:  make(map[*Conn]struct{}),
	}, nil
}

// Start binds the listener and accepts in the background until Stop or ctx
// cancellation.
func (s *Server) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("bridge: failed to listen on %s: %w", s.cfg.ListenAddr, err)
	}
	s.listener = listener

	ctx, s.cancel = context.WithCancel(ctx)
	s.done = make(chan struct{})

	go func() {
		<-ctx.Done()
		s.listener.Close()
		s.closeAll()
	}()

	go func() {
		defer close(s.done)
		s.acceptLoop(ctx)
	}()

	s.logger.Info("bridge started", "listen_addr", listener.Addr().String())
	return nil
}

// Addr returns the bound address, useful with port 0.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop closes the listener and every connection, then waits for them to drain.
func (s *Server) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.done != nil {
		<-s.done
	}
}

// ConnectionCount returns the number of open sockets, connected or not.
func (s *Server) ConnectionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.active {
		c.Close()
	}
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				s.connections.Wait()
				return
			default:
				s.logger.Error("accept failed", "error", err)
				if errors.Is(err, net.ErrClosed) {
					s.connections.Wait()
					return
				}
				continue
			}
		}

		num := s.nextConn.Add(1)
		s.connections.Add(1)
		go func() {
			defer s.connections.Done()
			s.serveConn(ctx, nc, num)
		}()
	}
}

func (s *Server) serveConn(ctx context.Context, nc net.Conn, num int64) {
	logger := s.logger.With("connection_id", num)
	conn := newConn(num, nc, s.cfg.Permits, s.cfg.MaxFrameSize, s.cfg.SendQueueSize, logger)

	s.mu.Lock()
	s.active[conn] = struct{}{}
	s.mu.Unlock()

	logger.Debug("connection accepted", "remote_addr", nc.RemoteAddr())

	go conn.writeLoop()
	defer func() {
		conn.shutdown()
		if conn.ProbeID() != "" {
			s.handler.ProbeDisconnected(conn)
		}
		s.mu.Lock()
		delete(s.active, conn)
		s.mu.Unlock()
		logger.Debug("connection closed", "probe_id", conn.ProbeID())
	}()

	for {
		f, raw, err := ReadFrame(nc, s.cfg.MaxFrameSize)
		if err != nil {
			if errors.Is(err, ErrInvalidFrame) {
				logger.Warn("rejected malformed frame", "error", err, "raw", truncate(raw))
				conn.sendErr(CodeInvalidFrame, err.Error())
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("read failed, closing connection", "error", err)
			return
		}

		if err := s.route(ctx, conn, f); err != nil {
			return
		}
	}
}

// route handles one well-formed frame. A non-nil error closes the socket.
func (s *Server) route(ctx context.Context, conn *Conn, f Frame) error {
	switch f.Type {
	case TypePing:
		_ = conn.enqueue(Frame{Type: TypePong})
		return nil
	case TypeSend, TypePublish:
		return s.routeStatus(ctx, conn, f)
	case TypeRegister:
		s.routeRegister(conn, f)
		return nil
	case TypeUnregister:
		if conn.ProbeID() != "" && conn.removeRemote(f.Address) {
			s.handler.RemoteUnregistered(conn, f.Address)
		}
		return nil
	}
	conn.sendErr(CodeInvalidFrame, "unexpected frame type "+f.Type)
	return nil
}

func (s *Server) routeStatus(ctx context.Context, conn *Conn, f Frame) error {
	if !s.cfg.Permits.Inbound(f.Address) {
		conn.logger.Warn("inbound address denied", "address", f.Address)
		conn.sendErr(CodeAccessDenied, f.Address)
		return nil
	}

	if f.Address == instrument.AddressProbeConnected {
		return s.connect(ctx, conn, f)
	}

	probeID := conn.ProbeID()
	if probeID == "" {
		conn.sendErr(CodeNotConnected, f.Address)
		return nil
	}
	if f.Address == instrument.AddressProbeDisconnected {
		conn.logger.Info("probe requested disconnect", "probe_id", probeID)
		return errCloseConn
	}

	// Identity always comes from the socket, never from the probe.
	headers := make(map[string]string, len(f.Headers)+1)
	for k, v := range f.Headers {
		headers[k] = v
	}
	headers[HeaderProbeID] = probeID

	msg := Message{Address: f.Address, ReplyAddress: f.ReplyAddress, Headers: headers, Body: f.Body}
	if err := s.handler.HandleStatus(ctx, conn, msg); err != nil {
		conn.logger.Error("status frame failed",
			"probe_id", probeID,
			"address", f.Address,
			"error", err,
			"raw", truncate(f.Body))
		conn.sendErr(CodeHandlerFailed, err.Error())
		return nil
	}
	conn.reply(f.ReplyAddress, true)
	return nil
}

func (s *Server) connect(ctx context.Context, conn *Conn, f Frame) error {
	if conn.ProbeID() != "" {
		conn.sendErr(CodeRejected, "already connected")
		return nil
	}

	var hello Hello
	if err := f.DecodeBody(&hello); err != nil || hello.InstanceID == "" {
		conn.logger.Warn("rejected connect frame", "error", err, "raw", truncate(f.Body))
		conn.sendErr(CodeInvalidFrame, "connect requires instance_id")
		return nil
	}

	if s.cfg.Verifier != nil {
		principal, err := s.cfg.Verifier.Verify(f.Headers[HeaderAuthToken])
		if err != nil {
			conn.logger.Warn("probe token rejected", "instance_id", hello.InstanceID, "error", err)
			conn.sendErr(CodeRejected, "invalid probe token")
			return errCloseConn
		}
		conn.logger.Debug("probe token accepted", "principal", principal)
	}

	if !conn.bind(hello.InstanceID) {
		conn.sendErr(CodeRejected, "already connected")
		return nil
	}
	if err := s.handler.ProbeConnected(ctx, conn, hello); err != nil {
		conn.unbind()
		conn.logger.Warn("probe rejected", "instance_id", hello.InstanceID, "error", err)
		conn.sendErr(CodeRejected, err.Error())
		return errCloseConn
	}

	conn.reply(f.ReplyAddress, true)
	return nil
}

// routeRegister acks the capability on the connection's ordered queue before
// telling the handler, so catch-up commands always trail the ack.
func (s *Server) routeRegister(conn *Conn, f Frame) {
	if conn.ProbeID() == "" {
		conn.sendErr(CodeNotConnected, f.Address)
		return
	}
	if !s.cfg.Permits.Outbound(f.Address) {
		conn.logger.Warn("register address denied", "address", f.Address)
		conn.sendErr(CodeAccessDenied, f.Address)
		return
	}

	added := conn.addRemote(f.Address)
	if err := conn.enqueue(Frame{Type: TypeRegistered, Address: f.Address}); err != nil {
		conn.logger.Warn("failed to ack registration", "address", f.Address, "error", err)
	}
	if added {
		s.handler.RemoteRegistered(conn, f.Address)
	}
}
