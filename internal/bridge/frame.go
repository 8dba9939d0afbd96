// ABOUTME: Length-prefixed JSON frame codec for the probe bridge
// ABOUTME: 4-byte big-endian size followed by a frame object, capped at a maximum size

package bridge

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DefaultMaxFrame bounds a single frame body.
const DefaultMaxFrame = 1 << 20 // 1 MiB

var (
	// ErrInvalidFrame marks a frame whose body could be read but not decoded
	// or validated. The stream is still aligned after it.
	ErrInvalidFrame = errors.New("bridge: invalid frame")
	// ErrFrameTooLarge marks a length prefix outside the allowed range. The
	// stream can no longer be trusted after it.
	ErrFrameTooLarge = errors.New("bridge: frame too large")
)

// Frame types sent by probes.
const (
	TypeSend       = "send"
	TypePublish    = "publish"
	TypeRegister   = "register"
	TypeUnregister = "unregister"
	TypePing       = "ping"
)

// Frame types sent by the gateway.
const (
	TypeMessage    = "message"
	TypeRegistered = "registered"
	TypeErr        = "err"
	TypePong       = "pong"
)

// Error codes carried in err frames.
const (
	CodeInvalidFrame  = "invalid_frame"
	CodeAccessDenied  = "access_denied"
	CodeNotConnected  = "not_connected"
	CodeRejected      = "rejected"
	CodeHandlerFailed = "handler_failed"
)

// HeaderProbeID is stamped on every inbound send and publish frame from the
// physical connection's identity.
const HeaderProbeID = "agent_id"

// HeaderAuthToken carries a probe token on the connect frame.
const HeaderAuthToken = "auth-token"

// Frame is one bridge message.
type Frame struct {
	Type         string            `json:"type"`
	Address      string            `json:"address,omitempty"`
	ReplyAddress string            `json:"replyAddress,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	Body         json.RawMessage   `json:"body,omitempty"`
	Message      string            `json:"message,omitempty"`
}

// NewFrame builds a frame with a JSON-encoded body.
func NewFrame(typ, address string, body any) (Frame, error) {
	f := Frame{Type: typ, Address: address}
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal body: %w", err)
		}
		f.Body = data
	}
	return f, nil
}

// Validate checks the frame shape for its type.
func (f Frame) Validate() error {
	switch f.Type {
	case TypeSend, TypePublish, TypeRegister, TypeUnregister, TypeMessage, TypeRegistered:
		if strings.TrimSpace(f.Address) == "" {
			return fmt.Errorf("%w: %s frame requires an address", ErrInvalidFrame, f.Type)
		}
	case TypePing, TypePong, TypeErr:
	case "":
		return fmt.Errorf("%w: type is required", ErrInvalidFrame)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidFrame, f.Type)
	}
	if (f.Type == TypeSend || f.Type == TypePublish) && len(f.Body) > 0 && !json.Valid(f.Body) {
		return fmt.Errorf("%w: body is not valid JSON", ErrInvalidFrame)
	}
	return nil
}

// DecodeBody unmarshals the frame body into dst.
func (f Frame) DecodeBody(dst any) error {
	if len(f.Body) == 0 {
		return fmt.Errorf("%w: empty body", ErrInvalidFrame)
	}
	if err := json.Unmarshal(f.Body, dst); err != nil {
		return fmt.Errorf("%w: decode body: %v", ErrInvalidFrame, err)
	}
	return nil
}

// WriteFrame encodes and writes one frame.
func WriteFrame(w io.Writer, f Frame, maxFrameSize int) error {
	if err := f.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if len(body) > limitOrDefault(maxFrameSize) {
		return ErrFrameTooLarge
	}

	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(body)))
	copy(buf[4:], body)
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// ReadFrame reads one frame. The raw body is returned alongside
// ErrInvalidFrame so callers can log what they rejected.
func ReadFrame(r io.Reader, maxFrameSize int) (Frame, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return Frame{}, nil, err
	}
	size := int(binary.BigEndian.Uint32(lenBuf[:]))
	if size <= 0 || size > limitOrDefault(maxFrameSize) {
		return Frame{}, nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return Frame{}, nil, fmt.Errorf("read frame body: %w", err)
	}

	var f Frame
	if err := json.Unmarshal(body, &f); err != nil {
		return Frame{}, body, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if err := f.Validate(); err != nil {
		return Frame{}, body, err
	}
	return f, body, nil
}

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultMaxFrame
	}
	return n
}

// truncate shortens raw payloads for logging.
func truncate(b []byte) string {
	const max = 512
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
