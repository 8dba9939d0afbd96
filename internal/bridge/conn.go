// ABOUTME: One physical probe connection: identity, registered capabilities and send queue
// ABOUTME: A single writer goroutine drains the queue so frame order is preserved

package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/2389/probe-gateway/internal/instrument"
)

var (
	// ErrNotRegistered means the probe has not registered the capability a
	// command was addressed to.
	ErrNotRegistered = errors.New("bridge: capability not registered")
	// ErrQueueFull means the probe is not draining its send queue.
	ErrQueueFull = errors.New("bridge: send queue full")
	// ErrConnClosed means the connection is gone.
	ErrConnClosed = errors.New("bridge: connection closed")
	// ErrNotPermitted means an address fell outside the allow-list.
	ErrNotPermitted = errors.New("bridge: address not permitted")
)

const writeTimeout = 10 * time.Second

// Conn is a connected probe socket.
type Conn struct {
	num      int64
	netConn  net.Conn
	permits  *Permits
	maxFrame int
	logger   *slog.Logger

	mu      sync.RWMutex
	probeID string
	remotes map[string]struct{}

	out        chan Frame
	closing    chan struct{}
	closed     chan struct{}
	writerDone chan struct{}
	closeOnce  sync.Once
	shutOnce   sync.Once
}

func newConn(num int64, nc net.Conn, permits *Permits, maxFrame, queueSize int, logger *slog.Logger) *Conn {
	return &Conn{
		num:      num,
		netConn:  nc,
		permits:  permits,
		maxFrame: maxFrame,
		logger:   logger,
		remotes:  make(map[string]struct{}),
		out:        make(chan Frame, queueSize),
		closing:    make(chan struct{}),
		closed:     make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ProbeID returns the identity bound by the connect frame, or "" before it.
func (c *Conn) ProbeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.probeID
}

// RemoteAddr returns the socket peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.netConn.RemoteAddr()
}

// Registered reports whether the probe listens on the capability.
func (c *Conn) Registered(remote string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.remotes[remote]
	return ok
}

// Remotes returns the registered capabilities.
func (c *Conn) Remotes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.remotes))
	for r := range c.remotes {
		out = append(out, r)
	}
	return out
}

// Send queues body for delivery on the probe's sub-channel of remote. It
// returns once the frame is queued; the socket write happens on the writer
// goroutine.
func (c *Conn) Send(ctx context.Context, remote string, body any) error {
	probeID := c.ProbeID()
	if probeID == "" {
		return fmt.Errorf("%w: probe not connected", ErrNotRegistered)
	}
	if !c.Registered(remote) {
		return fmt.Errorf("%w: %s on %s", ErrNotRegistered, remote, probeID)
	}
	address := instrument.ProbeAddress(remote, probeID)
	if !c.permits.Outbound(address) {
		return fmt.Errorf("%w: %s", ErrNotPermitted, address)
	}
	f, err := NewFrame(TypeMessage, address, body)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.enqueue(f)
}

// Close shuts the socket and stops the writer. Safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.netConn.Close()
	})
	return err
}

// shutdown lets the writer flush what is already queued, then closes.
func (c *Conn) shutdown() {
	c.shutOnce.Do(func() { close(c.closing) })
	select {
	case <-c.writerDone:
	case <-time.After(time.Second):
	}
	c.Close()
}

func (c *Conn) bind(probeID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.probeID != "" {
		return false
	}
	c.probeID = probeID
	return true
}

func (c *Conn) unbind() {
	c.mu.Lock()
	c.probeID = ""
	c.mu.Unlock()
}

// addRemote records a capability and reports whether it was new.
func (c *Conn) addRemote(remote string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.remotes[remote]; ok {
		return false
	}
	c.remotes[remote] = struct{}{}
	return true
}

func (c *Conn) removeRemote(remote string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.remotes[remote]; !ok {
		return false
	}
	delete(c.remotes, remote)
	return true
}

func (c *Conn) enqueue(f Frame) error {
	select {
	case <-c.closed:
		return ErrConnClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrConnClosed
	default:
		return ErrQueueFull
	}
}

func (c *Conn) sendErr(code, detail string) {
	msg := code
	if detail != "" {
		msg = code + ": " + detail
	}
	if err := c.enqueue(Frame{Type: TypeErr, Message: msg}); err != nil {
		c.logger.Debug("dropping err frame", "code", code, "error", err)
	}
}

func (c *Conn) reply(replyAddress string, body any) {
	if replyAddress == "" {
		return
	}
	f, err := NewFrame(TypeMessage, replyAddress, body)
	if err != nil {
		c.logger.Warn("building reply", "error", err)
		return
	}
	if err := c.enqueue(f); err != nil {
		c.logger.Debug("dropping reply", "address", replyAddress, "error", err)
	}
}

// writeLoop is the only writer to the socket.
func (c *Conn) writeLoop() {
	defer close(c.writerDone)
	for {
		select {
		case <-c.closed:
			return
		case <-c.closing:
			for {
				select {
				case f := <-c.out:
					if !c.write(f) {
						return
					}
				default:
					return
				}
			}
		case f := <-c.out:
			if !c.write(f) {
				return
			}
		}
	}
}

// write sends one frame and reports whether the socket is still usable.
func (c *Conn) write(f Frame) bool {
	_ = c.netConn.SetWriteDeadline(time.Now().Add(writeTimeout))
	err := WriteFrame(c.netConn, f, c.maxFrame)
	if errors.Is(err, ErrFrameTooLarge) || errors.Is(err, ErrInvalidFrame) {
		c.logger.Error("dropping unsendable frame", "address", f.Address, "error", err)
		return true
	}
	if err != nil {
		c.logger.Warn("write failed, closing connection",
			"address", f.Address,
			"type", f.Type,
			"error", err)
		c.Close()
		return false
	}
	return true
}
