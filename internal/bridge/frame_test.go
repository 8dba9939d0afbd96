// ABOUTME: Tests for the bridge frame codec and address allow-lists
// ABOUTME: Covers round trips, size limits and recovery from malformed bodies

package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rawFrame(body string) []byte {
	buf := make([]byte, 4+len(body))
	binary.BigEndian.PutUint32(buf, uint32(len(body)))
	copy(buf[4:], body)
	return buf
}

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	f, err := NewFrame(TypePublish, "probe.status.live-instrument-hit", map[string]string{"id": "bp-1"})
	require.NoError(t, err)
	f.Headers = map[string]string{"x": "y"}

	require.NoError(t, WriteFrame(&buf, f, 0))

	got, _, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, f.Type, got.Type)
	assert.Equal(t, f.Address, got.Address)
	assert.Equal(t, "y", got.Headers["x"])
	assert.JSONEq(t, `{"id":"bp-1"}`, string(got.Body))

	var body map[string]string
	require.NoError(t, got.DecodeBody(&body))
	assert.Equal(t, "bp-1", body["id"])
}

func TestFrame_Validate(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		ok    bool
	}{
		{"ping", Frame{Type: TypePing}, true},
		{"send needs address", Frame{Type: TypeSend}, false},
		{"register", Frame{Type: TypeRegister, Address: "probe.command.live-log"}, true},
		{"empty type", Frame{Address: "x"}, false},
		{"unknown type", Frame{Type: "shout", Address: "x"}, false},
		{"bad body", Frame{Type: TypeSend, Address: "x", Body: []byte("{nope")}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, ErrInvalidFrame)
			}
		})
	}
}

func TestReadFrame_MalformedBodyKeepsStreamAligned(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(rawFrame(`{"type": "send", "address": `))
	require.NoError(t, WriteFrame(&buf, Frame{Type: TypePing}, 0))

	_, raw, err := ReadFrame(&buf, 0)
	assert.ErrorIs(t, err, ErrInvalidFrame)
	assert.Equal(t, `{"type": "send", "address": `, string(raw))

	next, _, err := ReadFrame(&buf, 0)
	require.NoError(t, err)
	assert.Equal(t, TypePing, next.Type)
}

func TestReadFrame_Limits(t *testing.T) {
	t.Run("too large", func(t *testing.T) {
		var buf bytes.Buffer
		buf.Write(rawFrame(`{"type":"ping","message":"0123456789"}`))
		_, _, err := ReadFrame(&buf, 16)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("zero length", func(t *testing.T) {
		_, _, err := ReadFrame(bytes.NewReader([]byte{0, 0, 0, 0}), 0)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("eof", func(t *testing.T) {
		_, _, err := ReadFrame(bytes.NewReader(nil), 0)
		assert.True(t, errors.Is(err, io.EOF))
	})

	t.Run("write too large", func(t *testing.T) {
		f, err := NewFrame(TypeMessage, "a", map[string]string{"k": "0123456789"})
		require.NoError(t, err)
		assert.ErrorIs(t, WriteFrame(io.Discard, f, 10), ErrFrameTooLarge)
	})
}

func TestPermits(t *testing.T) {
	p, err := NewPermits(nil, nil)
	require.NoError(t, err)

	assert.True(t, p.Inbound("platform.status.probe-connected"))
	assert.True(t, p.Inbound("probe.status.live-instrument-hit"))
	assert.False(t, p.Inbound("probe.command.live-breakpoint"))
	assert.False(t, p.Inbound("xplatform.status.probe-connected"), "patterns are anchored")

	assert.True(t, p.Outbound("probe.command.live-breakpoint"))
	assert.True(t, p.Outbound("probe.command.live-breakpoint:probe-1"))
	assert.False(t, p.Outbound("probe.status.live-instrument-hit"))

	_, err = NewPermits([]string{"("}, nil)
	assert.Error(t, err)
}
