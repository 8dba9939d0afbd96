// ABOUTME: Probe-side bridge client used by fake-probe and integration tests
// ABOUTME: Connects, registers capabilities with ack, publishes status and receives commands

package bridge

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/probe-gateway/internal/instrument"
)

// ErrRejected is returned when the gateway answers with an err frame.
var ErrRejected = errors.New("bridge: rejected by gateway")

// Client is the probe end of a bridge connection.
type Client struct {
	conn     net.Conn
	maxFrame int

	wmu sync.Mutex

	mu      sync.Mutex
	replies map[string]chan Frame
	acks    map[string]chan struct{}

	commands chan Frame
	errs     chan Frame
	done     chan struct{}
	readErr  error
}

// Dial opens a bridge connection and starts reading.
func Dial(ctx context.Context, addr string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dialing bridge %s: %w", addr, err)
	}
	c := &Client{
		conn:     conn,
		maxFrame: DefaultMaxFrame,
		replies:  make(map[string]chan Frame),
		acks:     make(map[string]chan struct{}),
		commands: make(chan Frame, 64),
		errs:     make(chan Frame, 16),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Commands delivers message frames addressed to registered capabilities.
func (c *Client) Commands() <-chan Frame { return c.commands }

// Errors delivers err frames not consumed by Connect or Register.
func (c *Client) Errors() <-chan Frame { return c.errs }

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns the read error that ended the connection, if any.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.readErr
	default:
		return nil
	}
}

// Close hangs up.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Connect announces the probe and waits for the gateway's reply.
func (c *Client) Connect(ctx context.Context, hello Hello, token string) error {
	f, err := NewFrame(TypeSend, instrument.AddressProbeConnected, hello)
	if err != nil {
		return err
	}
	if token != "" {
		f.Headers = map[string]string{HeaderAuthToken: token}
	}
	f.ReplyAddress = uuid.New().String()

	ch := make(chan Frame, 1)
	c.mu.Lock()
	c.replies[f.ReplyAddress] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.replies, f.ReplyAddress)
		c.mu.Unlock()
	}()

	if err := c.write(f); err != nil {
		return err
	}
	return c.await(ctx, ch)
}

// Register declares a capability and waits for the ack.
func (c *Client) Register(ctx context.Context, remote string) error {
	ch := make(chan struct{})
	c.mu.Lock()
	c.acks[remote] = ch
	c.mu.Unlock()

	if err := c.write(Frame{Type: TypeRegister, Address: remote}); err != nil {
		return err
	}
	select {
	case <-ch:
		return nil
	case ef := <-c.errs:
		return fmt.Errorf("%w: %s", ErrRejected, ef.Message)
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister withdraws a capability. There is no ack.
func (c *Client) Unregister(remote string) error {
	return c.write(Frame{Type: TypeUnregister, Address: remote})
}

// Publish sends a status frame without waiting.
func (c *Client) Publish(address string, body any) error {
	f, err := NewFrame(TypePublish, address, body)
	if err != nil {
		return err
	}
	return c.write(f)
}

// Disconnect tells the gateway the probe is leaving.
func (c *Client) Disconnect() error {
	return c.write(Frame{Type: TypeSend, Address: instrument.AddressProbeDisconnected})
}

// Ping sends a ping frame. The pong is consumed by the read loop.
func (c *Client) Ping() error {
	return c.write(Frame{Type: TypePing})
}

func (c *Client) await(ctx context.Context, ch <-chan Frame) error {
	select {
	case <-ch:
		return nil
	case ef := <-c.errs:
		return fmt.Errorf("%w: %s", ErrRejected, ef.Message)
	case <-c.done:
		return ErrConnClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) write(f Frame) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return WriteFrame(c.conn, f, c.maxFrame)
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		f, _, err := ReadFrame(c.conn, c.maxFrame)
		if err != nil {
			if errors.Is(err, ErrInvalidFrame) {
				continue
			}
			c.readErr = err
			return
		}

		switch f.Type {
		case TypeRegistered:
			c.mu.Lock()
			ch, ok := c.acks[f.Address]
			delete(c.acks, f.Address)
			c.mu.Unlock()
			if ok {
				close(ch)
			}
		case TypeMessage:
			c.mu.Lock()
			ch, ok := c.replies[f.Address]
			c.mu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
				continue
			}
			c.commands <- f
		case TypeErr:
			select {
			case c.errs <- f:
			default:
			}
		}
	}
}
